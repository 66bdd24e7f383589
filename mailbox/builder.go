package mailbox

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/Energinet-DataHub/opengeh-edi-sub024/errors"
	"github.com/Energinet-DataHub/opengeh-edi-sub024/market"
	"github.com/Energinet-DataHub/opengeh-edi-sub024/metric"
)

// Policy decides when an open bundle is closed. Limits are evaluated
// eagerly on every enqueue: a bundle closes as soon as either limit is
// reached, and on explicit flush.
type Policy struct {
	// MaxMessages closes a bundle when its message count reaches this
	// limit.
	MaxMessages int
	// MaxBytes closes a bundle when its accumulated payload size estimate
	// reaches this limit.
	MaxBytes int
}

// DefaultPolicy returns the bundling limits used in production: they
// amortize per-document overhead while staying under downstream transport
// limits.
func DefaultPolicy() Policy {
	return Policy{
		MaxMessages: 2000,
		MaxBytes:    50 * 1024 * 1024,
	}
}

// Validate checks the policy limits.
func (p Policy) Validate() error {
	if p.MaxMessages <= 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Policy", "Validate", "MaxMessages must be positive")
	}
	if p.MaxBytes <= 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Policy", "Validate", "MaxBytes must be positive")
	}
	return nil
}

func (p Policy) reached(count, bytes int) bool {
	return count >= p.MaxMessages || bytes >= p.MaxBytes
}

// Builder groups pending outgoing messages into size-bounded bundles, one
// open bundle per (actor, category) at a time. It owns the Open -> Closed
// transition; the Mailbox owns Closed -> Dequeued.
type Builder struct {
	store   *Store
	policy  Policy
	metrics *metric.Metrics
	logger  *slog.Logger
	now     func() time.Time
}

// NewBuilder creates a builder over the store with the given policy.
func NewBuilder(store *Store, policy Policy, metrics *metric.Metrics, logger *slog.Logger) (*Builder, error) {
	if store == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Builder", "NewBuilder", "store is required")
	}
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Builder{store: store, policy: policy, metrics: metrics, logger: logger, now: time.Now}, nil
}

// Enqueue appends msg to the open bundle of the receiver's mailbox,
// creating one if none exists. The message is not visible to peek until
// its bundle closes. Returns the id of the bundle the message landed in
// and whether that bundle was closed by the bundling policy.
func (b *Builder) Enqueue(ctx context.Context, msg market.OutgoingMessage) (string, bool, error) {
	if msg.Receiver == "" || msg.Category == market.CategoryUnknown {
		return "", false, errors.WrapInvalid(nil, "Builder", "Enqueue", "message must carry receiver and category")
	}

	lock := b.store.lock(msg.Receiver, msg.Category)
	lock.Lock()
	defer lock.Unlock()

	idx, idxRev, err := b.store.getIndex(ctx, msg.Receiver, msg.Category)
	if err != nil {
		return "", false, err
	}

	var bundle *Bundle
	var bundleRev uint64
	if idx.OpenBundle != "" {
		bundle, bundleRev, err = b.store.getBundle(ctx, idx.OpenBundle)
		if err != nil {
			return "", false, err
		}
		if bundle.State != StateOpen {
			// A close persisted the bundle but lost the index write.
			// Finish the close here so the delivery stays peekable, and
			// start a fresh bundle for this message.
			idx.Queue = appendMissing(idx.Queue, bundle.ID)
			idx.OpenBundle = ""
			bundle, bundleRev = nil, 0
		}
	}
	if bundle == nil {
		bundle = &Bundle{
			ID:        uuid.NewString(),
			Actor:     msg.Receiver,
			Category:  msg.Category,
			State:     StateOpen,
			CreatedAt: b.now(),
		}
		idx.OpenBundle = bundle.ID
	}

	if err := bundle.canAccept(msg); err != nil {
		return "", false, errors.WrapInvalid(err, "Builder", "Enqueue", "bundle cannot accept message")
	}

	// Duplicate message ids are dropped so checkpointed fan-out retries
	// cannot double a result within a bundle.
	for _, existing := range bundle.Messages {
		if existing.ID == msg.ID {
			return bundle.ID, false, nil
		}
	}

	bundle.Messages = append(bundle.Messages, msg)
	bundle.ByteSize += msg.ByteSize()

	closed := b.policy.reached(len(bundle.Messages), bundle.ByteSize)
	if closed {
		bundle.State = StateClosed
		bundle.ClosedAt = b.now()
		idx.OpenBundle = ""
		idx.Queue = append(idx.Queue, bundle.ID)
	}

	if err := b.store.putBundle(ctx, bundle, bundleRev); err != nil {
		return "", false, err
	}
	if err := b.store.putIndex(ctx, msg.Receiver, msg.Category, idx, idxRev); err != nil {
		return "", false, err
	}

	if closed {
		if b.metrics != nil {
			b.metrics.BundlesClosed.WithLabelValues("policy").Inc()
		}
		b.logger.Debug("Bundle closed by policy",
			"bundle", bundle.ID, "actor", string(msg.Receiver), "category", msg.Category.String(),
			"messages", len(bundle.Messages), "bytes", bundle.ByteSize)
	}
	return bundle.ID, closed, nil
}

// Flush closes the open bundle of the mailbox, if any, making it visible
// to peek. Flushing a mailbox with no open bundle is a no-op; the returned
// id is empty in that case. Flush is the end-of-fan-out signal and is safe
// to retry.
func (b *Builder) Flush(ctx context.Context, actor market.ActorNumber, category market.MessageCategory) (string, error) {
	lock := b.store.lock(actor, category)
	lock.Lock()
	defer lock.Unlock()

	idx, idxRev, err := b.store.getIndex(ctx, actor, category)
	if err != nil {
		return "", err
	}
	if idx.OpenBundle == "" {
		return "", nil
	}

	bundle, bundleRev, err := b.store.getBundle(ctx, idx.OpenBundle)
	if err != nil {
		return "", err
	}
	if bundle.State != StateOpen {
		// The close is already durable, only the index write was lost;
		// catch the index up and report the bundle closed.
		idx.Queue = appendMissing(idx.Queue, bundle.ID)
		idx.OpenBundle = ""
		if err := b.store.putIndex(ctx, actor, category, idx, idxRev); err != nil {
			return "", err
		}
		return bundle.ID, nil
	}

	bundle.State = StateClosed
	bundle.ClosedAt = b.now()
	idx.Queue = append(idx.Queue, bundle.ID)
	idx.OpenBundle = ""

	if err := b.store.putBundle(ctx, bundle, bundleRev); err != nil {
		return "", err
	}
	if err := b.store.putIndex(ctx, actor, category, idx, idxRev); err != nil {
		return "", err
	}

	if b.metrics != nil {
		b.metrics.BundlesClosed.WithLabelValues("flush").Inc()
	}
	b.logger.Debug("Bundle closed by flush",
		"bundle", bundle.ID, "actor", string(actor), "category", category.String(),
		"messages", len(bundle.Messages))
	return bundle.ID, nil
}

// appendMissing appends id to queue unless it is already listed.
func appendMissing(queue []string, id string) []string {
	for _, q := range queue {
		if q == id {
			return queue
		}
	}
	return append(queue, id)
}
