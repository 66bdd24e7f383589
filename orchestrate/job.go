// Package orchestrate implements the enqueue fan-out: one calculation
// completion event becomes one durable, idempotent enqueue job per
// affected actor, executed by a bounded worker pool with per-job retry.
//
// Jobs are keyed by (calculationId, eventId, actor); this tuple is the
// idempotency key of the whole fan-out. Redelivered events find their jobs
// already present and skip the ones that reached Done. One actor's failure
// never stalls or rolls back another actor's delivery.
package orchestrate

import (
	"fmt"
	"sort"
	"time"

	"github.com/Energinet-DataHub/opengeh-edi-sub024/market"
)

// JobStatus is the lifecycle state of an enqueue job.
type JobStatus string

const (
	// StatusPending is scheduled but not picked up, or re-armed after a
	// transient failure.
	StatusPending JobStatus = "pending"
	// StatusInFlight is being executed by a worker.
	StatusInFlight JobStatus = "inflight"
	// StatusDone is terminal success.
	StatusDone JobStatus = "done"
	// StatusFailed recorded a transient failure and awaits re-arm.
	StatusFailed JobStatus = "failed"
	// StatusDead is terminal failure after the retry budget was spent;
	// surfaced on the operator error channel.
	StatusDead JobStatus = "dead"
)

// Job is one per-actor enqueue task of a fan-out.
type Job struct {
	CalculationID string             `json:"calculationId"`
	EventID       string             `json:"eventId"`
	Actor         market.ActorNumber `json:"actor"`
	ActorRole     market.MarketRole  `json:"actorRole"`
	GridAreas     []market.GridArea  `json:"gridAreas"`

	Status   JobStatus `json:"status"`
	Attempts int       `json:"attempts"`

	// Enqueued checkpoints the message ids already placed into bundles,
	// so a retried job resumes without doubling results.
	Enqueued []string `json:"enqueued,omitempty"`

	LastError string    `json:"lastError,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Key returns the idempotency key of the job.
func (j *Job) Key() string {
	return jobKey(j.CalculationID, j.EventID, j.Actor)
}

func jobKey(calculationID, eventID string, actor market.ActorNumber) string {
	return fmt.Sprintf("%s.%s.%s", calculationID, eventID, actor)
}

// hasEnqueued reports whether the message id was already checkpointed.
func (j *Job) hasEnqueued(msgID string) bool {
	for _, id := range j.Enqueued {
		if id == msgID {
			return true
		}
	}
	return false
}

// CalculationCompleted is the upstream event that triggers a fan-out.
// Delivery is at-least-once; handling must be idempotent.
type CalculationCompleted struct {
	CalculationID   string `json:"calculationId"`
	EventID         string `json:"eventId"`
	CalculationType string `json:"calculationType"`
	Version         int64  `json:"version"`

	// GridAreas maps each grid area in the calculation to its owning
	// actor. One actor owning several areas gets exactly one job.
	GridAreas map[market.GridArea]market.ActorNumber `json:"gridAreas"`

	// OwnerRoles optionally carries the delivery role per actor; grid
	// operator is assumed when absent.
	OwnerRoles map[market.ActorNumber]market.MarketRole `json:"ownerRoles,omitempty"`
}

// Validate checks the event carries everything the fan-out needs.
func (e *CalculationCompleted) Validate() error {
	if e.CalculationID == "" {
		return fmt.Errorf("calculationId is required")
	}
	if e.EventID == "" {
		return fmt.Errorf("eventId is required")
	}
	if len(e.GridAreas) == 0 {
		return fmt.Errorf("event carries no grid areas")
	}
	for area, owner := range e.GridAreas {
		if err := area.Validate(); err != nil {
			return err
		}
		if err := owner.Validate(); err != nil {
			return fmt.Errorf("grid area %s: %w", area, err)
		}
	}
	return nil
}

// targets returns the distinct owning actors with their grid areas, in
// stable actor order.
func (e *CalculationCompleted) targets() []target {
	byActor := make(map[market.ActorNumber][]market.GridArea)
	for area, owner := range e.GridAreas {
		byActor[owner] = append(byActor[owner], area)
	}

	out := make([]target, 0, len(byActor))
	for actor, areas := range byActor {
		sort.Slice(areas, func(i, j int) bool { return areas[i] < areas[j] })
		role, ok := e.OwnerRoles[actor]
		if !ok {
			role = market.RoleGridOperator
		}
		out = append(out, target{actor: actor, role: role, areas: areas})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].actor < out[j].actor })
	return out
}

type target struct {
	actor market.ActorNumber
	role  market.MarketRole
	areas []market.GridArea
}
