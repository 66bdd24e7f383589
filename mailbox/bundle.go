// Package mailbox implements the per-actor outgoing message queues: bundles
// of computed results grouped per (actor, message category), the
// Open -> Closed -> Dequeued bundle state machine, the bundling policy, and
// the non-destructive peek / explicit-dequeue delivery protocol.
//
// Each mailbox is a single-writer resource: all mutations for one
// (actor, category) pair are serialized through a per-mailbox lock and a
// CAS-protected index record. Peek is read-only and never observes a
// half-closed bundle.
package mailbox

import (
	"fmt"
	"time"

	"github.com/Energinet-DataHub/opengeh-edi-sub024/market"
)

// BundleState is the delivery state of a bundle.
type BundleState string

const (
	// StateOpen accepts further messages and is invisible to peek.
	StateOpen BundleState = "open"
	// StateClosed is immutable and visible to peek in FIFO close order.
	StateClosed BundleState = "closed"
	// StateDequeued is terminal; the bundle is retained for audit only.
	StateDequeued BundleState = "dequeued"
)

// Bundle is the unit of delivery: an ordered group of outgoing messages
// for exactly one actor and category. Once closed a bundle is immutable;
// state transitions happen only through the owning mailbox.
type Bundle struct {
	ID       string                   `json:"id"`
	Actor    market.ActorNumber       `json:"actor"`
	Category market.MessageCategory   `json:"category"`
	State    BundleState              `json:"state"`
	Messages []market.OutgoingMessage `json:"messages"`

	// ByteSize is the accumulated payload size estimate used by the
	// bundling policy.
	ByteSize int `json:"byteSize"`

	CreatedAt  time.Time `json:"createdAt"`
	ClosedAt   time.Time `json:"closedAt,omitempty"`
	DequeuedAt time.Time `json:"dequeuedAt,omitempty"`
}

// DocumentType returns the document type of the bundle's messages. All
// messages in a bundle share one document type.
func (b *Bundle) DocumentType() string {
	if len(b.Messages) == 0 {
		return ""
	}
	return b.Messages[0].DocumentType
}

// canAccept reports whether msg may be added to this bundle. A bundle
// never mixes actors or categories.
func (b *Bundle) canAccept(msg market.OutgoingMessage) error {
	if b.State != StateOpen {
		return fmt.Errorf("bundle %s is %s, not open", b.ID, b.State)
	}
	if b.Actor != msg.Receiver {
		return fmt.Errorf("bundle %s belongs to actor %s, message is for %s", b.ID, b.Actor, msg.Receiver)
	}
	if b.Category != msg.Category {
		return fmt.Errorf("bundle %s carries category %s, message is %s", b.ID, b.Category, msg.Category)
	}
	return nil
}

// mailboxKey identifies one mailbox partition.
func mailboxKey(actor market.ActorNumber, category market.MessageCategory) string {
	return string(actor) + "." + category.String()
}
