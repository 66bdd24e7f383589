package mailbox

import (
	"context"
	"fmt"
	"testing"

	promtestutil "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Energinet-DataHub/opengeh-edi-sub024/errors"
	"github.com/Energinet-DataHub/opengeh-edi-sub024/market"
	"github.com/Energinet-DataHub/opengeh-edi-sub024/metric"
	"github.com/Energinet-DataHub/opengeh-edi-sub024/testutil"
)

const (
	actorA = market.ActorNumber("5790000000001")
	actorB = market.ActorNumber("5790000000002")
)

func newTestBuilder(t *testing.T, policy Policy) (*Builder, *Mailbox, *testutil.MemoryKV) {
	t.Helper()
	kv := testutil.NewMemoryKV()
	store, err := NewStore(kv)
	require.NoError(t, err)
	builder, err := NewBuilder(store, policy, nil, nil)
	require.NoError(t, err)
	mb, err := NewMailbox(store, nil)
	require.NoError(t, err)
	return builder, mb, kv
}

func message(id string, actor market.ActorNumber, category market.MessageCategory) market.OutgoingMessage {
	return market.OutgoingMessage{
		ID:           id,
		Receiver:     actor,
		ReceiverRole: market.RoleGridOperator,
		Category:     category,
		DocumentType: "NotifyAggregatedMeasureData_MarketDocument",
		GridArea:     "804",
	}
}

func TestEnqueue_OpensBundleInvisibleToPeek(t *testing.T) {
	builder, mb, _ := newTestBuilder(t, DefaultPolicy())
	ctx := context.Background()

	bundleID, closed, err := builder.Enqueue(ctx, message("m1", actorA, market.CategoryAggregations))
	require.NoError(t, err)
	assert.NotEmpty(t, bundleID)
	assert.False(t, closed)

	// Open bundles are not deliverable.
	head, err := mb.Peek(ctx, actorA, market.CategoryAggregations)
	require.NoError(t, err)
	assert.Nil(t, head)
}

func TestEnqueue_ClosesAtMessageLimit(t *testing.T) {
	builder, mb, _ := newTestBuilder(t, Policy{MaxMessages: 3, MaxBytes: 1 << 30})
	ctx := context.Background()

	var lastClosed bool
	var bundleID string
	for i := 1; i <= 3; i++ {
		var err error
		bundleID, lastClosed, err = builder.Enqueue(ctx, message(fmt.Sprintf("m%d", i), actorA, market.CategoryAggregations))
		require.NoError(t, err)
	}
	assert.True(t, lastClosed)

	head, err := mb.Peek(ctx, actorA, market.CategoryAggregations)
	require.NoError(t, err)
	require.NotNil(t, head)
	assert.Equal(t, bundleID, head.ID)
	assert.Equal(t, StateClosed, head.State)
	assert.Len(t, head.Messages, 3)

	// The next message starts a fresh bundle.
	nextID, closed, err := builder.Enqueue(ctx, message("m4", actorA, market.CategoryAggregations))
	require.NoError(t, err)
	assert.False(t, closed)
	assert.NotEqual(t, bundleID, nextID)
}

func TestEnqueue_ClosesAtByteLimit(t *testing.T) {
	msg := message("m1", actorA, market.CategoryAggregations)
	builder, mb, _ := newTestBuilder(t, Policy{MaxMessages: 1000, MaxBytes: msg.ByteSize() + 1})
	ctx := context.Background()

	_, closed, err := builder.Enqueue(ctx, msg)
	require.NoError(t, err)
	assert.False(t, closed)

	_, closed, err = builder.Enqueue(ctx, message("m2", actorA, market.CategoryAggregations))
	require.NoError(t, err)
	assert.True(t, closed)

	head, err := mb.Peek(ctx, actorA, market.CategoryAggregations)
	require.NoError(t, err)
	require.NotNil(t, head)
	assert.Len(t, head.Messages, 2)
}

func TestEnqueue_NeverMixesActorsOrCategories(t *testing.T) {
	builder, _, _ := newTestBuilder(t, DefaultPolicy())
	ctx := context.Background()

	idA, _, err := builder.Enqueue(ctx, message("m1", actorA, market.CategoryAggregations))
	require.NoError(t, err)
	idB, _, err := builder.Enqueue(ctx, message("m2", actorB, market.CategoryAggregations))
	require.NoError(t, err)
	idC, _, err := builder.Enqueue(ctx, message("m3", actorA, market.CategoryWholesaleSettlements))
	require.NoError(t, err)

	assert.NotEqual(t, idA, idB)
	assert.NotEqual(t, idA, idC)
	assert.NotEqual(t, idB, idC)
}

func TestEnqueue_DropsDuplicateMessageIDs(t *testing.T) {
	builder, _, _ := newTestBuilder(t, DefaultPolicy())
	ctx := context.Background()

	first, _, err := builder.Enqueue(ctx, message("m1", actorA, market.CategoryAggregations))
	require.NoError(t, err)
	second, closed, err := builder.Enqueue(ctx, message("m1", actorA, market.CategoryAggregations))
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.False(t, closed)

	id, err := builder.Flush(ctx, actorA, market.CategoryAggregations)
	require.NoError(t, err)
	assert.Equal(t, first, id)

	mb, err := NewMailbox(builder.store, nil)
	require.NoError(t, err)
	head, err := mb.Peek(ctx, actorA, market.CategoryAggregations)
	require.NoError(t, err)
	require.NotNil(t, head)
	assert.Len(t, head.Messages, 1)
}

func TestEnqueue_RejectsIncompleteMessage(t *testing.T) {
	builder, _, _ := newTestBuilder(t, DefaultPolicy())
	ctx := context.Background()

	_, _, err := builder.Enqueue(ctx, market.OutgoingMessage{ID: "m1"})
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}

func TestFlush_EmptyMailboxIsNoop(t *testing.T) {
	builder, _, _ := newTestBuilder(t, DefaultPolicy())

	id, err := builder.Flush(context.Background(), actorA, market.CategoryAggregations)
	require.NoError(t, err)
	assert.Empty(t, id)
}

func TestPeek_IsIdempotent(t *testing.T) {
	builder, mb, _ := newTestBuilder(t, DefaultPolicy())
	ctx := context.Background()

	_, _, err := builder.Enqueue(ctx, message("m1", actorA, market.CategoryAggregations))
	require.NoError(t, err)
	bundleID, err := builder.Flush(ctx, actorA, market.CategoryAggregations)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		head, err := mb.Peek(ctx, actorA, market.CategoryAggregations)
		require.NoError(t, err)
		require.NotNil(t, head)
		assert.Equal(t, bundleID, head.ID)
	}
}

func TestPeek_ReturnsBundlesInCloseOrder(t *testing.T) {
	builder, mb, _ := newTestBuilder(t, DefaultPolicy())
	ctx := context.Background()

	var ids []string
	for i := 1; i <= 3; i++ {
		_, _, err := builder.Enqueue(ctx, message(fmt.Sprintf("m%d", i), actorA, market.CategoryAggregations))
		require.NoError(t, err)
		id, err := builder.Flush(ctx, actorA, market.CategoryAggregations)
		require.NoError(t, err)
		ids = append(ids, id)
	}

	for _, want := range ids {
		head, err := mb.Peek(ctx, actorA, market.CategoryAggregations)
		require.NoError(t, err)
		require.NotNil(t, head)
		assert.Equal(t, want, head.ID)
		require.NoError(t, mb.Dequeue(ctx, actorA, market.CategoryAggregations, want))
	}

	head, err := mb.Peek(ctx, actorA, market.CategoryAggregations)
	require.NoError(t, err)
	assert.Nil(t, head)
}

func TestDequeue_IsIdempotent(t *testing.T) {
	builder, mb, _ := newTestBuilder(t, DefaultPolicy())
	ctx := context.Background()

	_, _, err := builder.Enqueue(ctx, message("m1", actorA, market.CategoryAggregations))
	require.NoError(t, err)
	bundleID, err := builder.Flush(ctx, actorA, market.CategoryAggregations)
	require.NoError(t, err)

	require.NoError(t, mb.Dequeue(ctx, actorA, market.CategoryAggregations, bundleID))
	// A retried acknowledgement succeeds without effect.
	require.NoError(t, mb.Dequeue(ctx, actorA, market.CategoryAggregations, bundleID))
}

func TestDequeue_RejectsNonHead(t *testing.T) {
	builder, mb, _ := newTestBuilder(t, DefaultPolicy())
	ctx := context.Background()

	_, _, err := builder.Enqueue(ctx, message("m1", actorA, market.CategoryAggregations))
	require.NoError(t, err)
	first, err := builder.Flush(ctx, actorA, market.CategoryAggregations)
	require.NoError(t, err)

	_, _, err = builder.Enqueue(ctx, message("m2", actorA, market.CategoryAggregations))
	require.NoError(t, err)
	second, err := builder.Flush(ctx, actorA, market.CategoryAggregations)
	require.NoError(t, err)

	err = mb.Dequeue(ctx, actorA, market.CategoryAggregations, second)
	assert.ErrorIs(t, err, errors.ErrBundleNotPeeked)

	// The rejection left the mailbox unchanged.
	head, err := mb.Peek(ctx, actorA, market.CategoryAggregations)
	require.NoError(t, err)
	require.NotNil(t, head)
	assert.Equal(t, first, head.ID)
}

func TestDequeue_UnknownBundle(t *testing.T) {
	builder, mb, _ := newTestBuilder(t, DefaultPolicy())
	ctx := context.Background()

	_, _, err := builder.Enqueue(ctx, message("m1", actorA, market.CategoryAggregations))
	require.NoError(t, err)
	_, err = builder.Flush(ctx, actorA, market.CategoryAggregations)
	require.NoError(t, err)

	err = mb.Dequeue(ctx, actorA, market.CategoryAggregations, "no-such-bundle")
	assert.ErrorIs(t, err, errors.ErrBundleNotFound)
}

func TestDequeue_OtherActorsBundleLooksUnknown(t *testing.T) {
	builder, mb, _ := newTestBuilder(t, DefaultPolicy())
	ctx := context.Background()

	_, _, err := builder.Enqueue(ctx, message("m1", actorA, market.CategoryAggregations))
	require.NoError(t, err)
	bundleID, err := builder.Flush(ctx, actorA, market.CategoryAggregations)
	require.NoError(t, err)

	err = mb.Dequeue(ctx, actorB, market.CategoryAggregations, bundleID)
	assert.ErrorIs(t, err, errors.ErrBundleNotFound)

	// Same for a category mismatch.
	err = mb.Dequeue(ctx, actorA, market.CategoryWholesaleSettlements, bundleID)
	assert.ErrorIs(t, err, errors.ErrBundleNotFound)
}

func TestDequeue_OpenBundleIsRejected(t *testing.T) {
	builder, mb, _ := newTestBuilder(t, DefaultPolicy())
	ctx := context.Background()

	bundleID, _, err := builder.Enqueue(ctx, message("m1", actorA, market.CategoryAggregations))
	require.NoError(t, err)

	err = mb.Dequeue(ctx, actorA, market.CategoryAggregations, bundleID)
	assert.ErrorIs(t, err, errors.ErrBundleNotPeeked)
}

func TestPeek_HealsPastDequeuedHead(t *testing.T) {
	builder, mb, _ := newTestBuilder(t, DefaultPolicy())
	ctx := context.Background()

	_, _, err := builder.Enqueue(ctx, message("m1", actorA, market.CategoryAggregations))
	require.NoError(t, err)
	first, err := builder.Flush(ctx, actorA, market.CategoryAggregations)
	require.NoError(t, err)

	_, _, err = builder.Enqueue(ctx, message("m2", actorA, market.CategoryAggregations))
	require.NoError(t, err)
	second, err := builder.Flush(ctx, actorA, market.CategoryAggregations)
	require.NoError(t, err)

	// Simulate a crash between marking the head dequeued and trimming the
	// queue: the bundle record says dequeued, the index still lists it.
	bundle, rev, err := builder.store.getBundle(ctx, first)
	require.NoError(t, err)
	bundle.State = StateDequeued
	require.NoError(t, builder.store.putBundle(ctx, bundle, rev))

	head, err := mb.Peek(ctx, actorA, market.CategoryAggregations)
	require.NoError(t, err)
	require.NotNil(t, head)
	assert.Equal(t, second, head.ID)

	// Dequeueing what peek reported works despite the stale queue head.
	require.NoError(t, mb.Dequeue(ctx, actorA, market.CategoryAggregations, second))
}

func TestEnqueue_HealsLostCloseIndexWrite(t *testing.T) {
	builder, mb, _ := newTestBuilder(t, DefaultPolicy())
	ctx := context.Background()

	first, _, err := builder.Enqueue(ctx, message("m1", actorA, market.CategoryAggregations))
	require.NoError(t, err)

	// Simulate a close whose index write was lost: the bundle record is
	// durably Closed while the index still lists it as the open bundle.
	bundle, rev, err := builder.store.getBundle(ctx, first)
	require.NoError(t, err)
	bundle.State = StateClosed
	require.NoError(t, builder.store.putBundle(ctx, bundle, rev))

	// The next enqueue finishes the close instead of wedging the mailbox.
	next, closed, err := builder.Enqueue(ctx, message("m2", actorA, market.CategoryAggregations))
	require.NoError(t, err)
	assert.False(t, closed)
	assert.NotEqual(t, first, next)

	// The closed bundle became peekable and dequeuable; the new message
	// waits in the fresh open bundle behind it.
	head, err := mb.Peek(ctx, actorA, market.CategoryAggregations)
	require.NoError(t, err)
	require.NotNil(t, head)
	assert.Equal(t, first, head.ID)
	require.NoError(t, mb.Dequeue(ctx, actorA, market.CategoryAggregations, first))

	flushed, err := builder.Flush(ctx, actorA, market.CategoryAggregations)
	require.NoError(t, err)
	assert.Equal(t, next, flushed)
}

func TestFlush_HealsLostCloseIndexWrite(t *testing.T) {
	builder, mb, _ := newTestBuilder(t, DefaultPolicy())
	ctx := context.Background()

	id, _, err := builder.Enqueue(ctx, message("m1", actorA, market.CategoryAggregations))
	require.NoError(t, err)

	bundle, rev, err := builder.store.getBundle(ctx, id)
	require.NoError(t, err)
	bundle.State = StateClosed
	require.NoError(t, builder.store.putBundle(ctx, bundle, rev))

	// Flush catches the index up to the already-durable close.
	flushed, err := builder.Flush(ctx, actorA, market.CategoryAggregations)
	require.NoError(t, err)
	assert.Equal(t, id, flushed)

	head, err := mb.Peek(ctx, actorA, market.CategoryAggregations)
	require.NoError(t, err)
	require.NotNil(t, head)
	assert.Equal(t, id, head.ID)
}

func TestEnqueue_RetriesAfterTransientStorageFailure(t *testing.T) {
	builder, _, kv := newTestBuilder(t, DefaultPolicy())
	ctx := context.Background()

	kv.FailNext = 1
	_, _, err := builder.Enqueue(ctx, message("m1", actorA, market.CategoryAggregations))
	require.Error(t, err)
	assert.True(t, errors.IsTransient(err))

	id, _, err := builder.Enqueue(ctx, message("m1", actorA, market.CategoryAggregations))
	require.NoError(t, err)
	assert.NotEmpty(t, id)
}

func TestStore_LostCASRaceIsTransient(t *testing.T) {
	builder, _, _ := newTestBuilder(t, DefaultPolicy())
	ctx := context.Background()

	_, _, err := builder.Enqueue(ctx, message("m1", actorA, market.CategoryAggregations))
	require.NoError(t, err)

	idx, rev, err := builder.store.getIndex(ctx, actorA, market.CategoryAggregations)
	require.NoError(t, err)

	// Another instance wins the CAS race on the index.
	require.NoError(t, builder.store.putIndex(ctx, actorA, market.CategoryAggregations, idx, rev))

	err = builder.store.putIndex(ctx, actorA, market.CategoryAggregations, idx, rev)
	require.Error(t, err)
	assert.True(t, errors.IsTransient(err), "a lost CAS race must stay retryable")
}

func TestBuilder_CountsBundleCloses(t *testing.T) {
	kv := testutil.NewMemoryKV()
	store, err := NewStore(kv)
	require.NoError(t, err)
	metrics := metric.NewMetrics()
	builder, err := NewBuilder(store, Policy{MaxMessages: 2, MaxBytes: 1 << 30}, metrics, nil)
	require.NoError(t, err)
	ctx := context.Background()

	_, _, err = builder.Enqueue(ctx, message("m1", actorA, market.CategoryAggregations))
	require.NoError(t, err)
	_, closed, err := builder.Enqueue(ctx, message("m2", actorA, market.CategoryAggregations))
	require.NoError(t, err)
	require.True(t, closed)

	_, _, err = builder.Enqueue(ctx, message("m3", actorA, market.CategoryAggregations))
	require.NoError(t, err)
	_, err = builder.Flush(ctx, actorA, market.CategoryAggregations)
	require.NoError(t, err)

	assert.Equal(t, 1.0, promtestutil.ToFloat64(metrics.BundlesClosed.WithLabelValues("policy")))
	assert.Equal(t, 1.0, promtestutil.ToFloat64(metrics.BundlesClosed.WithLabelValues("flush")))
}

func TestBundle_CanAccept(t *testing.T) {
	bundle := &Bundle{
		ID:       "b1",
		Actor:    actorA,
		Category: market.CategoryAggregations,
		State:    StateOpen,
	}

	assert.NoError(t, bundle.canAccept(message("m1", actorA, market.CategoryAggregations)))
	assert.Error(t, bundle.canAccept(message("m2", actorB, market.CategoryAggregations)))
	assert.Error(t, bundle.canAccept(message("m3", actorA, market.CategoryWholesaleSettlements)))

	bundle.State = StateClosed
	assert.Error(t, bundle.canAccept(message("m4", actorA, market.CategoryAggregations)))
}

func TestPolicy_Validate(t *testing.T) {
	assert.NoError(t, DefaultPolicy().Validate())
	assert.Error(t, Policy{MaxMessages: 0, MaxBytes: 1}.Validate())
	assert.Error(t, Policy{MaxMessages: 1, MaxBytes: 0}.Validate())
}
