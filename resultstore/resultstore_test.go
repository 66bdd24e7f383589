package resultstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Energinet-DataHub/opengeh-edi-sub024/market"
	"github.com/Energinet-DataHub/opengeh-edi-sub024/testutil"
)

func TestResultsFor_RoundTrip(t *testing.T) {
	store, err := NewStore(testutil.NewMemoryKV())
	require.NoError(t, err)
	ctx := context.Background()

	actor := market.ActorNumber("5790000000001")
	messages := []market.OutgoingMessage{
		{ID: "r1", Receiver: actor, Category: market.CategoryAggregations, GridArea: "804"},
		{ID: "r2", Receiver: actor, Category: market.CategoryAggregations, GridArea: "805"},
	}
	require.NoError(t, store.Put(ctx, "calc-1", "event-1", actor, messages))

	got, err := store.ResultsFor(ctx, "calc-1", "event-1", actor, nil)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "r1", got[0].ID)
	assert.Equal(t, market.GridArea("805"), got[1].GridArea)
}

func TestResultsFor_MissingKeyIsEmptyResult(t *testing.T) {
	store, err := NewStore(testutil.NewMemoryKV())
	require.NoError(t, err)

	got, err := store.ResultsFor(context.Background(), "calc-1", "event-1", "5790000000001", nil)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestResultsFor_KeysAreScopedPerActor(t *testing.T) {
	store, err := NewStore(testutil.NewMemoryKV())
	require.NoError(t, err)
	ctx := context.Background()

	actorX := market.ActorNumber("5790000000001")
	actorY := market.ActorNumber("5790000000002")
	require.NoError(t, store.Put(ctx, "calc-1", "event-1", actorX,
		[]market.OutgoingMessage{{ID: "r1", Receiver: actorX}}))

	got, err := store.ResultsFor(ctx, "calc-1", "event-1", actorY, nil)
	require.NoError(t, err)
	assert.Empty(t, got)
}
