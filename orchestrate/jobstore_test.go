package orchestrate

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Energinet-DataHub/opengeh-edi-sub024/errors"
	"github.com/Energinet-DataHub/opengeh-edi-sub024/market"
	"github.com/Energinet-DataHub/opengeh-edi-sub024/testutil"
)

func testJob(actor market.ActorNumber) *Job {
	return &Job{
		CalculationID: "calc-1",
		EventID:       "event-1",
		Actor:         actor,
		ActorRole:     market.RoleGridOperator,
		GridAreas:     []market.GridArea{"804"},
		Status:        StatusPending,
	}
}

func TestJobStore_CreateIsIdempotencyGate(t *testing.T) {
	store, err := NewJobStore(testutil.NewMemoryKV())
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, store.Create(ctx, testJob(actorX)))

	err = store.Create(ctx, testJob(actorX))
	assert.ErrorIs(t, err, errors.ErrJobExists)
}

func TestJobStore_GetNotFound(t *testing.T) {
	store, err := NewJobStore(testutil.NewMemoryKV())
	require.NoError(t, err)

	_, _, err = store.Get(context.Background(), "calc-1", "event-1", actorX)
	assert.ErrorIs(t, err, errors.ErrJobNotFound)
}

func TestJobStore_UpdateIsCAS(t *testing.T) {
	store, err := NewJobStore(testutil.NewMemoryKV())
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, store.Create(ctx, testJob(actorX)))
	job, rev, err := store.Get(ctx, "calc-1", "event-1", actorX)
	require.NoError(t, err)

	job.Status = StatusInFlight
	newRev, err := store.Update(ctx, job, rev)
	require.NoError(t, err)
	assert.Greater(t, newRev, rev)

	// A stale revision loses.
	job.Status = StatusDone
	_, err = store.Update(ctx, job, rev)
	assert.ErrorIs(t, err, errors.ErrRevisionMismatch)
}

func TestJobStore_ListByFanout(t *testing.T) {
	store, err := NewJobStore(testutil.NewMemoryKV())
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, store.Create(ctx, testJob(actorX)))
	require.NoError(t, store.Create(ctx, testJob(actorY)))

	other := testJob(actorX)
	other.EventID = "event-2"
	require.NoError(t, store.Create(ctx, other))

	jobs, err := store.List(ctx, "calc-1", "event-1")
	require.NoError(t, err)
	assert.Len(t, jobs, 2)
}

func TestJobStore_DeadLetters(t *testing.T) {
	store, err := NewJobStore(testutil.NewMemoryKV())
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, store.Create(ctx, testJob(actorX)))

	dead := testJob(actorY)
	dead.Status = StatusDead
	dead.LastError = "retry budget exhausted"
	require.NoError(t, store.Create(ctx, dead))

	letters, err := store.DeadLetters(ctx)
	require.NoError(t, err)
	require.Len(t, letters, 1)
	assert.Equal(t, actorY, letters[0].Actor)
}

func TestJob_HasEnqueued(t *testing.T) {
	job := testJob(actorX)
	job.Enqueued = []string{"m1", "m2"}

	assert.True(t, job.hasEnqueued("m1"))
	assert.False(t, job.hasEnqueued("m3"))
}

func TestCalculationCompleted_Validate(t *testing.T) {
	tests := []struct {
		name  string
		event CalculationCompleted
		valid bool
	}{
		{
			name: "valid",
			event: CalculationCompleted{
				CalculationID: "c", EventID: "e",
				GridAreas: map[market.GridArea]market.ActorNumber{"804": actorX},
			},
			valid: true,
		},
		{
			name:  "missing calculation id",
			event: CalculationCompleted{EventID: "e", GridAreas: map[market.GridArea]market.ActorNumber{"804": actorX}},
		},
		{
			name:  "missing event id",
			event: CalculationCompleted{CalculationID: "c", GridAreas: map[market.GridArea]market.ActorNumber{"804": actorX}},
		},
		{
			name:  "no grid areas",
			event: CalculationCompleted{CalculationID: "c", EventID: "e"},
		},
		{
			name: "bad grid area",
			event: CalculationCompleted{
				CalculationID: "c", EventID: "e",
				GridAreas: map[market.GridArea]market.ActorNumber{"80400": actorX},
			},
		},
		{
			name: "bad owner",
			event: CalculationCompleted{
				CalculationID: "c", EventID: "e",
				GridAreas: map[market.GridArea]market.ActorNumber{"804": "123"},
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.event.Validate()
			if tt.valid {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}
