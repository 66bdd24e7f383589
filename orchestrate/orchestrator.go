package orchestrate

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Energinet-DataHub/opengeh-edi-sub024/errors"
	"github.com/Energinet-DataHub/opengeh-edi-sub024/mailbox"
	"github.com/Energinet-DataHub/opengeh-edi-sub024/market"
	"github.com/Energinet-DataHub/opengeh-edi-sub024/metric"
	"github.com/Energinet-DataHub/opengeh-edi-sub024/pkg/retry"
)

// ResultSource retrieves the computed results one actor should receive
// for a calculation. It is the read side of the calculation storage, an
// external collaborator.
//
// Returned message ids must be stable across calls for the same
// (calculationID, eventID, actor): they are the checkpoint unit that keeps
// retried jobs from doubling results.
type ResultSource interface {
	ResultsFor(ctx context.Context, calculationID, eventID string, actor market.ActorNumber, areas []market.GridArea) ([]market.OutgoingMessage, error)
}

// Config holds the fan-out tuning knobs.
type Config struct {
	// Workers bounds the number of per-actor jobs running concurrently.
	Workers int
	// RetryBudget is the maximum number of attempts per job before it is
	// declared dead.
	RetryBudget int
	// Backoff is the delay schedule between job attempts.
	Backoff retry.Config
}

// DefaultConfig returns the production fan-out settings.
func DefaultConfig() Config {
	return Config{
		Workers:     16,
		RetryBudget: 5,
		Backoff: retry.Config{
			InitialDelay: 500 * time.Millisecond,
			MaxDelay:     30 * time.Second,
			Multiplier:   2.0,
			AddJitter:    true,
		},
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.Workers <= 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate", "Workers must be positive")
	}
	if c.RetryBudget <= 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate", "RetryBudget must be positive")
	}
	return nil
}

// Progress is the queryable completion state of one fan-out. Partial
// completion is an observable state, not an error.
type Progress struct {
	CalculationID string `json:"calculationId"`
	EventID       string `json:"eventId"`
	Total         int    `json:"total"`
	Pending       int    `json:"pending"`
	InFlight      int    `json:"inflight"`
	Done          int    `json:"done"`
	Dead          int    `json:"dead"`
}

// Complete reports whether every job of the fan-out reached Done.
func (p Progress) Complete() bool {
	return p.Total > 0 && p.Done == p.Total
}

// Orchestrator distributes enqueue work across the actors affected by a
// calculation completion. All scheduling is idempotent over event
// redelivery and process restarts.
type Orchestrator struct {
	jobs    *JobStore
	builder *mailbox.Builder
	results ResultSource
	cfg     Config
	metrics *metric.Metrics
	logger  *slog.Logger

	// cancelled fan-outs, keyed by calculationID.eventID. Cancellation
	// stops scheduling; it never retracts closed bundles.
	cancelMu  sync.Mutex
	cancelled map[string]bool

	sleep func(context.Context, time.Duration) error
}

// NewOrchestrator wires the fan-out over the job store, bundle builder and
// result source.
func NewOrchestrator(jobs *JobStore, builder *mailbox.Builder, results ResultSource, cfg Config, metrics *metric.Metrics, logger *slog.Logger) (*Orchestrator, error) {
	if jobs == nil || builder == nil || results == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Orchestrator", "NewOrchestrator",
			"job store, builder and result source are required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		jobs:      jobs,
		builder:   builder,
		results:   results,
		cfg:       cfg,
		metrics:   metrics,
		logger:    logger,
		cancelled: make(map[string]bool),
		sleep:     sleepCtx,
	}, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Cancel marks a fan-out superseded: no further jobs of it are scheduled.
// Jobs already running finish; bundles already closed stay deliverable.
func (o *Orchestrator) Cancel(calculationID, eventID string) {
	o.cancelMu.Lock()
	defer o.cancelMu.Unlock()
	o.cancelled[calculationID+"."+eventID] = true
}

func (o *Orchestrator) isCancelled(calculationID, eventID string) bool {
	o.cancelMu.Lock()
	defer o.cancelMu.Unlock()
	return o.cancelled[calculationID+"."+eventID]
}

// HandleCompletion processes one calculation completion event: computes
// the distinct target actors, creates their jobs idempotently, and runs
// every job not yet Done through the worker pool. It returns once all
// scheduled jobs reached a terminal state. A returned error means the
// fan-out could not be scheduled at all and the event should be
// redelivered; per-job failures are not errors here.
func (o *Orchestrator) HandleCompletion(ctx context.Context, event *CalculationCompleted) error {
	if event == nil {
		return errors.WrapInvalid(nil, "Orchestrator", "HandleCompletion", "event cannot be nil")
	}
	if err := event.Validate(); err != nil {
		// Malformed events can never succeed; dropping beats redelivery.
		return retry.NonRetryable(errors.WrapInvalid(err, "Orchestrator", "HandleCompletion", "validate event"))
	}

	start := time.Now()
	targets := event.targets()
	o.logger.Info("Fan-out started",
		"calculationId", event.CalculationID, "eventId", event.EventID,
		"gridAreas", len(event.GridAreas), "actors", len(targets))

	runnable := make([]*Job, 0, len(targets))
	for _, t := range targets {
		job := &Job{
			CalculationID: event.CalculationID,
			EventID:       event.EventID,
			Actor:         t.actor,
			ActorRole:     t.role,
			GridAreas:     t.areas,
			Status:        StatusPending,
		}
		err := o.jobs.Create(ctx, job)
		switch {
		case err == nil:
			runnable = append(runnable, job)
		case stderrors.Is(err, errors.ErrJobExists):
			existing, _, getErr := o.jobs.Get(ctx, event.CalculationID, event.EventID, t.actor)
			if getErr != nil {
				return getErr
			}
			if existing.Status != StatusDone && existing.Status != StatusDead {
				runnable = append(runnable, existing)
			}
		default:
			return err
		}
	}

	o.runAll(ctx, event, runnable)
	if o.metrics != nil {
		o.metrics.FanoutDuration.Observe(time.Since(start).Seconds())
	}
	return nil
}

// runAll executes jobs through the bounded worker pool and waits for all
// of them. Jobs are independent: a permanently failing actor does not
// block the rest.
func (o *Orchestrator) runAll(ctx context.Context, event *CalculationCompleted, jobs []*Job) {
	sem := make(chan struct{}, o.cfg.Workers)
	var wg sync.WaitGroup

	for _, job := range jobs {
		if ctx.Err() != nil || o.isCancelled(event.CalculationID, event.EventID) {
			o.logger.Warn("Fan-out scheduling stopped",
				"calculationId", event.CalculationID, "eventId", event.EventID)
			break
		}
		sem <- struct{}{}
		wg.Add(1)
		go func(job *Job) {
			defer wg.Done()
			defer func() { <-sem }()
			o.runJob(ctx, job)
		}(job)
	}
	wg.Wait()
}

// runJob drives one job to a terminal state, re-arming it with backoff on
// transient failures until the retry budget is spent.
func (o *Orchestrator) runJob(ctx context.Context, job *Job) {
	for {
		// Reload the durable state: a previous attempt (or a previous
		// process) may have checkpointed enqueued messages already.
		stored, rev, err := o.jobs.Get(ctx, job.CalculationID, job.EventID, job.Actor)
		if err != nil {
			o.logger.Error("Job state load failed", "job", job.Key(), "error", err)
			return
		}
		job = stored
		if job.Status == StatusDone || job.Status == StatusDead {
			return
		}

		job.Status = StatusInFlight
		job.Attempts++
		rev, err = o.jobs.Update(ctx, job, rev)
		if err != nil {
			o.logger.Error("Job claim failed", "job", job.Key(), "error", err)
			return
		}
		o.observeStatus(job)

		execErr := o.execute(ctx, job, &rev)
		if execErr == nil {
			job.Status = StatusDone
			job.LastError = ""
			if _, err := o.jobs.Update(ctx, job, rev); err != nil {
				o.logger.Error("Job completion checkpoint failed", "job", job.Key(), "error", err)
				return
			}
			o.observeStatus(job)
			o.logger.Info("Job done", "job", job.Key(), "attempts", job.Attempts)
			return
		}

		job.LastError = execErr.Error()
		exhausted := job.Attempts >= o.cfg.RetryBudget
		if exhausted || !errors.IsTransient(execErr) || ctx.Err() != nil {
			job.Status = StatusDead
			if _, err := o.jobs.Update(ctx, job, rev); err != nil {
				o.logger.Error("Job dead-letter checkpoint failed", "job", job.Key(), "error", err)
			}
			o.observeStatus(job)
			o.logger.Error("Job permanently failed",
				"job", job.Key(), "attempts", job.Attempts, "error", execErr)
			return
		}

		// Transient failure with budget left: record the failure, back
		// off, then re-arm.
		job.Status = StatusFailed
		rev, err = o.jobs.Update(ctx, job, rev)
		if err != nil {
			o.logger.Error("Job failure checkpoint failed", "job", job.Key(), "error", err)
			return
		}
		o.observeStatus(job)
		delay := retry.Backoff(o.cfg.Backoff, job.Attempts)
		o.logger.Warn("Job failed, retrying",
			"job", job.Key(), "attempt", job.Attempts, "delay", delay, "error", execErr)
		if err := o.sleep(ctx, delay); err != nil {
			return
		}
		job.Status = StatusPending
		if _, err := o.jobs.Update(ctx, job, rev); err != nil {
			o.logger.Error("Job re-arm checkpoint failed", "job", job.Key(), "error", err)
			return
		}
		o.observeStatus(job)
	}
}

// execute enqueues the actor's results and flushes the touched mailboxes.
// Every enqueued message is checkpointed on the job so a retry resumes
// instead of starting over.
func (o *Orchestrator) execute(ctx context.Context, job *Job, rev *uint64) error {
	messages, err := o.results.ResultsFor(ctx, job.CalculationID, job.EventID, job.Actor, job.GridAreas)
	if err != nil {
		return errors.WrapTransient(err, "Orchestrator", "execute", "retrieve results")
	}

	categories := make(map[market.MessageCategory]bool)
	for _, msg := range messages {
		if msg.ID == "" {
			msg.ID = fmt.Sprintf("%s.%s.%s.%s", job.EventID, job.Actor, msg.GridArea, msg.Series.MeteringPointType)
		}
		categories[msg.Category] = true

		if job.hasEnqueued(msg.ID) {
			continue
		}
		if _, _, err := o.builder.Enqueue(ctx, msg); err != nil {
			return err
		}

		job.Enqueued = append(job.Enqueued, msg.ID)
		newRev, err := o.jobs.Update(ctx, job, *rev)
		if err != nil {
			return err
		}
		*rev = newRev
		if o.metrics != nil {
			o.metrics.MessagesEnqueued.WithLabelValues(msg.Category.String()).Inc()
		}
	}

	for category := range categories {
		if _, err := o.builder.Flush(ctx, job.Actor, category); err != nil {
			return err
		}
	}
	return nil
}

func (o *Orchestrator) observeStatus(job *Job) {
	if o.metrics == nil {
		return
	}
	o.metrics.JobTransitions.WithLabelValues(string(job.Status)).Inc()
}

// Progress reports the completion state of one fan-out.
func (o *Orchestrator) Progress(ctx context.Context, calculationID, eventID string) (Progress, error) {
	jobs, err := o.jobs.List(ctx, calculationID, eventID)
	if err != nil {
		return Progress{}, err
	}
	p := Progress{CalculationID: calculationID, EventID: eventID, Total: len(jobs)}
	for _, job := range jobs {
		switch job.Status {
		case StatusPending, StatusFailed:
			p.Pending++
		case StatusInFlight:
			p.InFlight++
		case StatusDone:
			p.Done++
		case StatusDead:
			p.Dead++
		}
	}
	return p, nil
}

// Resume re-runs the unfinished jobs of a fan-out after a restart. Jobs
// already Done or Dead are skipped; the rest continue from their last
// durable checkpoint.
func (o *Orchestrator) Resume(ctx context.Context, calculationID, eventID string) error {
	jobs, err := o.jobs.List(ctx, calculationID, eventID)
	if err != nil {
		return err
	}
	var runnable []*Job
	for _, job := range jobs {
		if job.Status == StatusDone || job.Status == StatusDead {
			continue
		}
		runnable = append(runnable, job)
	}
	if len(runnable) == 0 {
		return nil
	}
	event := &CalculationCompleted{CalculationID: calculationID, EventID: eventID}
	o.runAll(ctx, event, runnable)
	return nil
}

// DeadLetters returns every job that has exhausted its retry budget.
func (o *Orchestrator) DeadLetters(ctx context.Context) ([]*Job, error) {
	return o.jobs.DeadLetters(ctx)
}
