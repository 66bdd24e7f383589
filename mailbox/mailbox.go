package mailbox

import (
	"context"
	"log/slog"
	"time"

	"github.com/Energinet-DataHub/opengeh-edi-sub024/errors"
	"github.com/Energinet-DataHub/opengeh-edi-sub024/market"
)

// Mailbox exposes the delivery protocol over the per-actor bundle queues:
// non-destructive Peek and explicit Dequeue.
type Mailbox struct {
	store  *Store
	logger *slog.Logger
	now    func() time.Time
}

// NewMailbox creates the mailbox service over the store.
func NewMailbox(store *Store, logger *slog.Logger) (*Mailbox, error) {
	if store == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Mailbox", "NewMailbox", "store is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Mailbox{store: store, logger: logger, now: time.Now}, nil
}

// Peek returns the oldest closed, undequeued bundle of the mailbox, or nil
// when the mailbox has none. Peek is idempotent and side-effect-free:
// repeated peeks without an intervening dequeue return the identical
// bundle, and concurrent peeks observe the same head.
func (m *Mailbox) Peek(ctx context.Context, actor market.ActorNumber, category market.MessageCategory) (*Bundle, error) {
	idx, _, err := m.store.getIndex(ctx, actor, category)
	if err != nil {
		return nil, err
	}

	// The head may have been marked dequeued by a mutation that did not
	// get to trim the queue before a crash; skip such entries. The queue
	// itself is only trimmed by Dequeue, which holds the mailbox lock.
	for _, id := range idx.Queue {
		bundle, _, err := m.store.getBundle(ctx, id)
		if err != nil {
			return nil, err
		}
		if bundle.State == StateDequeued {
			continue
		}
		return bundle, nil
	}
	return nil, nil
}

// Dequeue acknowledges delivery of the bundle identified by bundleID and
// removes it from future peeks. Only the current peek head may be
// dequeued; anything else is rejected with ErrBundleNotPeeked and leaves
// the mailbox unchanged. Dequeuing an already-dequeued bundle succeeds so
// actor retries are safe.
func (m *Mailbox) Dequeue(ctx context.Context, actor market.ActorNumber, category market.MessageCategory, bundleID string) error {
	lock := m.store.lock(actor, category)
	lock.Lock()
	defer lock.Unlock()

	bundle, bundleRev, err := m.store.getBundle(ctx, bundleID)
	if err != nil {
		return err
	}
	if bundle.Actor != actor || bundle.Category != category {
		// A bundle id from another mailbox is indistinguishable from an
		// unknown one to the caller.
		return errors.ErrBundleNotFound
	}
	if bundle.State == StateDequeued {
		return nil
	}
	if bundle.State == StateOpen {
		return errors.ErrBundleNotPeeked
	}

	idx, idxRev, err := m.store.getIndex(ctx, actor, category)
	if err != nil {
		return err
	}

	// Trim entries already marked dequeued so the head check agrees with
	// what Peek reported after a crash between the two index writes.
	queue := idx.Queue
	for len(queue) > 0 && queue[0] != bundleID {
		stale, _, err := m.store.getBundle(ctx, queue[0])
		if err != nil {
			return err
		}
		if stale.State != StateDequeued {
			break
		}
		queue = queue[1:]
	}
	head, rest := headOf(queue)
	if head != bundleID {
		return errors.ErrBundleNotPeeked
	}

	bundle.State = StateDequeued
	bundle.DequeuedAt = m.now()
	if err := m.store.putBundle(ctx, bundle, bundleRev); err != nil {
		return err
	}

	idx.Queue = rest
	if err := m.store.putIndex(ctx, actor, category, idx, idxRev); err != nil {
		return err
	}

	m.logger.Info("Bundle dequeued",
		"bundle", bundleID, "actor", string(actor), "category", category.String(),
		"messages", len(bundle.Messages))
	return nil
}

func headOf(queue []string) (string, []string) {
	if len(queue) == 0 {
		return "", nil
	}
	return queue[0], queue[1:]
}
