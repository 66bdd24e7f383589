package orchestrate

import (
	"context"
	"testing"
	"time"

	promtestutil "github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Energinet-DataHub/opengeh-edi-sub024/errors"
	"github.com/Energinet-DataHub/opengeh-edi-sub024/mailbox"
	"github.com/Energinet-DataHub/opengeh-edi-sub024/market"
	"github.com/Energinet-DataHub/opengeh-edi-sub024/metric"
	"github.com/Energinet-DataHub/opengeh-edi-sub024/pkg/retry"
	"github.com/Energinet-DataHub/opengeh-edi-sub024/testutil"
)

const (
	actorX = market.ActorNumber("5790000000001")
	actorY = market.ActorNumber("5790000000002")
)

type fixture struct {
	orchestrator *Orchestrator
	jobs         *JobStore
	results      *testutil.FakeResults
	mailbox      *mailbox.Mailbox
	bundleKV     *testutil.MemoryKV
	metrics      *metric.Metrics
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	bundleKV := testutil.NewMemoryKV()
	store, err := mailbox.NewStore(bundleKV)
	require.NoError(t, err)
	builder, err := mailbox.NewBuilder(store, mailbox.DefaultPolicy(), nil, nil)
	require.NoError(t, err)
	mb, err := mailbox.NewMailbox(store, nil)
	require.NoError(t, err)

	jobs, err := NewJobStore(testutil.NewMemoryKV())
	require.NoError(t, err)
	results := testutil.NewFakeResults()

	cfg := Config{
		Workers:     4,
		RetryBudget: 3,
		Backoff: retry.Config{
			InitialDelay: time.Millisecond,
			MaxDelay:     2 * time.Millisecond,
			Multiplier:   2.0,
		},
	}
	metrics := metric.NewMetrics()
	orchestrator, err := NewOrchestrator(jobs, builder, results, cfg, metrics, nil)
	require.NoError(t, err)
	orchestrator.sleep = func(context.Context, time.Duration) error { return nil }

	return &fixture{
		orchestrator: orchestrator,
		jobs:         jobs,
		results:      results,
		mailbox:      mb,
		bundleKV:     bundleKV,
		metrics:      metrics,
	}
}

func completionEvent() *CalculationCompleted {
	return &CalculationCompleted{
		CalculationID: "calc-1",
		EventID:       "event-1",
		GridAreas: map[market.GridArea]market.ActorNumber{
			"804": actorX,
			"805": actorX,
			"806": actorY,
		},
	}
}

func resultMessage(id string, actor market.ActorNumber, area market.GridArea) market.OutgoingMessage {
	return market.OutgoingMessage{
		ID:            id,
		Receiver:      actor,
		ReceiverRole:  market.RoleGridOperator,
		Category:      market.CategoryAggregations,
		DocumentType:  "NotifyAggregatedMeasureData_MarketDocument",
		GridArea:      area,
		CalculationID: "calc-1",
		EventID:       "event-1",
	}
}

func TestTargets_OneJobPerActor(t *testing.T) {
	targets := completionEvent().targets()
	require.Len(t, targets, 2)

	// Stable actor order; one actor's areas are merged and sorted.
	assert.Equal(t, actorX, targets[0].actor)
	assert.Equal(t, []market.GridArea{"804", "805"}, targets[0].areas)
	assert.Equal(t, actorY, targets[1].actor)
	assert.Equal(t, []market.GridArea{"806"}, targets[1].areas)

	// Grid operator is the default delivery role.
	assert.Equal(t, market.RoleGridOperator, targets[0].role)
}

func TestHandleCompletion_FansOutPerActor(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.results.Add(actorX, resultMessage("r1", actorX, "804"), resultMessage("r2", actorX, "805"))
	f.results.Add(actorY, resultMessage("r3", actorY, "806"))

	require.NoError(t, f.orchestrator.HandleCompletion(ctx, completionEvent()))

	// Exactly two jobs, both done.
	progress, err := f.orchestrator.Progress(ctx, "calc-1", "event-1")
	require.NoError(t, err)
	assert.Equal(t, 2, progress.Total)
	assert.Equal(t, 2, progress.Done)
	assert.True(t, progress.Complete())

	// Each actor's mailbox holds one closed bundle with its results.
	headX, err := f.mailbox.Peek(ctx, actorX, market.CategoryAggregations)
	require.NoError(t, err)
	require.NotNil(t, headX)
	assert.Len(t, headX.Messages, 2)

	headY, err := f.mailbox.Peek(ctx, actorY, market.CategoryAggregations)
	require.NoError(t, err)
	require.NotNil(t, headY)
	assert.Len(t, headY.Messages, 1)
}

func TestHandleCompletion_RedeliveryIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.results.Add(actorX, resultMessage("r1", actorX, "804"))
	f.results.Add(actorY, resultMessage("r2", actorY, "806"))

	require.NoError(t, f.orchestrator.HandleCompletion(ctx, completionEvent()))
	kvLenAfterFirst := f.bundleKV.Len()

	// Redelivered event: done jobs are skipped entirely.
	require.NoError(t, f.orchestrator.HandleCompletion(ctx, completionEvent()))

	progress, err := f.orchestrator.Progress(ctx, "calc-1", "event-1")
	require.NoError(t, err)
	assert.Equal(t, 2, progress.Total)
	assert.Equal(t, 2, progress.Done)

	assert.Equal(t, kvLenAfterFirst, f.bundleKV.Len())
	assert.Equal(t, 1, f.results.Calls(actorX))

	headX, err := f.mailbox.Peek(ctx, actorX, market.CategoryAggregations)
	require.NoError(t, err)
	require.NotNil(t, headX)
	assert.Len(t, headX.Messages, 1)
}

func TestHandleCompletion_TransientFailureRetries(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.results.Add(actorX, resultMessage("r1", actorX, "804"))
	f.results.Add(actorY, resultMessage("r2", actorY, "806"))
	f.results.FailTimes(actorX, 1)

	require.NoError(t, f.orchestrator.HandleCompletion(ctx, completionEvent()))

	job, _, err := f.jobs.Get(ctx, "calc-1", "event-1", actorX)
	require.NoError(t, err)
	assert.Equal(t, StatusDone, job.Status)
	assert.Equal(t, 2, job.Attempts)
	assert.Equal(t, 2, f.results.Calls(actorX))
}

func TestHandleCompletion_RecordsFailedTransition(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.results.Add(actorX, resultMessage("r1", actorX, "804"))
	f.results.FailTimes(actorX, 1)

	event := &CalculationCompleted{
		CalculationID: "calc-1",
		EventID:       "event-1",
		GridAreas:     map[market.GridArea]market.ActorNumber{"804": actorX},
	}
	require.NoError(t, f.orchestrator.HandleCompletion(ctx, event))

	job, _, err := f.jobs.Get(ctx, "calc-1", "event-1", actorX)
	require.NoError(t, err)
	assert.Equal(t, StatusDone, job.Status)

	// The transient failure is its own recorded transition, followed by
	// the re-arm to pending.
	assert.Equal(t, 1.0, promtestutil.ToFloat64(f.metrics.JobTransitions.WithLabelValues(string(StatusFailed))))
	assert.Equal(t, 1.0, promtestutil.ToFloat64(f.metrics.JobTransitions.WithLabelValues(string(StatusPending))))

	// The completed fan-out was timed.
	var sample dto.Metric
	require.NoError(t, f.metrics.FanoutDuration.Write(&sample))
	assert.Equal(t, uint64(1), sample.GetHistogram().GetSampleCount())
}

func TestHandleCompletion_FailureIsolation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.results.Add(actorX, resultMessage("r1", actorX, "804"))
	f.results.Add(actorY, resultMessage("r2", actorY, "806"))
	f.results.FailTimes(actorX, 100) // beyond the retry budget

	require.NoError(t, f.orchestrator.HandleCompletion(ctx, completionEvent()))

	jobX, _, err := f.jobs.Get(ctx, "calc-1", "event-1", actorX)
	require.NoError(t, err)
	assert.Equal(t, StatusDead, jobX.Status)
	assert.Equal(t, 3, jobX.Attempts)
	assert.NotEmpty(t, jobX.LastError)

	// Actor Y's delivery is unaffected by X's permanent failure.
	jobY, _, err := f.jobs.Get(ctx, "calc-1", "event-1", actorY)
	require.NoError(t, err)
	assert.Equal(t, StatusDone, jobY.Status)

	headY, err := f.mailbox.Peek(ctx, actorY, market.CategoryAggregations)
	require.NoError(t, err)
	require.NotNil(t, headY)

	dead, err := f.orchestrator.DeadLetters(ctx)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, actorX, dead[0].Actor)
}

func TestHandleCompletion_DeadJobsStayDeadOnRedelivery(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.results.Add(actorX, resultMessage("r1", actorX, "804"))
	f.results.Add(actorY, resultMessage("r2", actorY, "806"))
	f.results.FailTimes(actorX, 100)

	require.NoError(t, f.orchestrator.HandleCompletion(ctx, completionEvent()))
	callsAfterFirst := f.results.Calls(actorX)

	require.NoError(t, f.orchestrator.HandleCompletion(ctx, completionEvent()))
	assert.Equal(t, callsAfterFirst, f.results.Calls(actorX))

	jobX, _, err := f.jobs.Get(ctx, "calc-1", "event-1", actorX)
	require.NoError(t, err)
	assert.Equal(t, StatusDead, jobX.Status)
}

func TestHandleCompletion_MalformedEventIsNonRetryable(t *testing.T) {
	f := newFixture(t)

	err := f.orchestrator.HandleCompletion(context.Background(), &CalculationCompleted{
		CalculationID: "calc-1",
		EventID:       "event-1",
	})
	require.Error(t, err)
	assert.True(t, retry.IsNonRetryable(err))
	assert.True(t, errors.IsInvalid(err))

	err = f.orchestrator.HandleCompletion(context.Background(), nil)
	require.Error(t, err)
}

func TestHandleCompletion_EmptyResultsIsSuccess(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// The calculation produced nothing for these actors; the jobs still
	// complete and no bundle appears.
	require.NoError(t, f.orchestrator.HandleCompletion(ctx, completionEvent()))

	progress, err := f.orchestrator.Progress(ctx, "calc-1", "event-1")
	require.NoError(t, err)
	assert.Equal(t, 2, progress.Done)

	head, err := f.mailbox.Peek(ctx, actorX, market.CategoryAggregations)
	require.NoError(t, err)
	assert.Nil(t, head)
}

func TestResume_FinishesInterruptedFanout(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.results.Add(actorX, resultMessage("r1", actorX, "804"))

	// A previous process created the job and checkpointed the enqueued
	// message, then died before completing.
	job := &Job{
		CalculationID: "calc-1",
		EventID:       "event-1",
		Actor:         actorX,
		ActorRole:     market.RoleGridOperator,
		GridAreas:     []market.GridArea{"804"},
		Status:        StatusPending,
		Enqueued:      []string{"r1"},
	}
	require.NoError(t, f.jobs.Create(ctx, job))

	require.NoError(t, f.orchestrator.Resume(ctx, "calc-1", "event-1"))

	stored, _, err := f.jobs.Get(ctx, "calc-1", "event-1", actorX)
	require.NoError(t, err)
	assert.Equal(t, StatusDone, stored.Status)

	// The checkpointed message is skipped, not enqueued a second time, so
	// the mailbox stays empty.
	head, err := f.mailbox.Peek(ctx, actorX, market.CategoryAggregations)
	require.NoError(t, err)
	assert.Nil(t, head)
}

func TestCancel_StopsScheduling(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.results.Add(actorX, resultMessage("r1", actorX, "804"))
	f.orchestrator.Cancel("calc-1", "event-1")

	require.NoError(t, f.orchestrator.HandleCompletion(ctx, completionEvent()))

	progress, err := f.orchestrator.Progress(ctx, "calc-1", "event-1")
	require.NoError(t, err)
	assert.Equal(t, 0, progress.Done)
	assert.Equal(t, 0, f.results.Calls(actorX))
}

func TestProgress_UnknownFanout(t *testing.T) {
	f := newFixture(t)

	progress, err := f.orchestrator.Progress(context.Background(), "nope", "nope")
	require.NoError(t, err)
	assert.Equal(t, 0, progress.Total)
	assert.False(t, progress.Complete())
}
