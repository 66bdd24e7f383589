package testutil

import (
	"context"
	"sync"

	"github.com/Energinet-DataHub/opengeh-edi-sub024/market"
)

// StaticDirectory is an in-memory actor directory mapping actor numbers
// to their registered roles.
type StaticDirectory struct {
	mu    sync.RWMutex
	roles map[market.ActorNumber][]market.MarketRole

	// Err, when set, is returned by every lookup to simulate an
	// unavailable master-data service.
	Err error
}

// NewStaticDirectory creates a directory from the given registrations.
func NewStaticDirectory(roles map[market.ActorNumber][]market.MarketRole) *StaticDirectory {
	if roles == nil {
		roles = make(map[market.ActorNumber][]market.MarketRole)
	}
	return &StaticDirectory{roles: roles}
}

// Register adds a role for an actor.
func (d *StaticDirectory) Register(actor market.ActorNumber, role market.MarketRole) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.roles[actor] = append(d.roles[actor], role)
}

// RolesOf returns the roles registered for the actor.
func (d *StaticDirectory) RolesOf(_ context.Context, actor market.ActorNumber) ([]market.MarketRole, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.Err != nil {
		return nil, d.Err
	}
	return d.roles[actor], nil
}

// FakeResults is an in-memory result source keyed by actor. Failures can
// be injected per actor to exercise retry and isolation behavior.
type FakeResults struct {
	mu       sync.Mutex
	messages map[market.ActorNumber][]market.OutgoingMessage
	failures map[market.ActorNumber]int
	calls    map[market.ActorNumber]int
}

// NewFakeResults creates an empty result source.
func NewFakeResults() *FakeResults {
	return &FakeResults{
		messages: make(map[market.ActorNumber][]market.OutgoingMessage),
		failures: make(map[market.ActorNumber]int),
		calls:    make(map[market.ActorNumber]int),
	}
}

// Add registers messages to be returned for an actor.
func (f *FakeResults) Add(actor market.ActorNumber, msgs ...market.OutgoingMessage) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages[actor] = append(f.messages[actor], msgs...)
}

// FailTimes makes the next n lookups for the actor fail transiently.
func (f *FakeResults) FailTimes(actor market.ActorNumber, n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[actor] = n
}

// Calls returns how often the actor's results were requested.
func (f *FakeResults) Calls(actor market.ActorNumber) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[actor]
}

// ResultsFor returns the registered messages for the actor.
func (f *FakeResults) ResultsFor(_ context.Context, _, _ string, actor market.ActorNumber, _ []market.GridArea) ([]market.OutgoingMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[actor]++
	if f.failures[actor] > 0 {
		f.failures[actor]--
		return nil, errTransientResults
	}
	out := make([]market.OutgoingMessage, len(f.messages[actor]))
	copy(out, f.messages[actor])
	return out, nil
}

type transientError string

func (e transientError) Error() string { return string(e) }

var errTransientResults = transientError("result storage temporarily unavailable")
