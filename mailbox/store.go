package mailbox

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"sync"

	"github.com/Energinet-DataHub/opengeh-edi-sub024/errors"
	"github.com/Energinet-DataHub/opengeh-edi-sub024/market"
	"github.com/Energinet-DataHub/opengeh-edi-sub024/natsclient"
)

// KV is the key-value contract the mailbox store is built on. It is
// satisfied by natsclient.KVStore in production and by the in-memory
// store in testutil.
type KV interface {
	Get(ctx context.Context, key string) (*natsclient.KVEntry, error)
	Put(ctx context.Context, key string, value []byte) (uint64, error)
	Create(ctx context.Context, key string, value []byte) (uint64, error)
	Update(ctx context.Context, key string, value []byte, revision uint64) (uint64, error)
	Keys(ctx context.Context, filters ...string) ([]string, error)
}

// BundleBucket is the KV bucket holding mailbox indexes and bundles.
const BundleBucket = "edi_bundles"

const (
	indexKeyPrefix  = "idx."
	bundleKeyPrefix = "bundle."
)

// index is the durable per-mailbox record: the current open bundle and the
// FIFO queue of closed, undequeued bundles. It is updated with CAS so the
// single-writer invariant holds across processes.
type index struct {
	OpenBundle string   `json:"openBundle,omitempty"`
	Queue      []string `json:"queue,omitempty"`
}

// Store persists bundles and mailbox indexes. It also owns the per-mailbox
// locks that serialize mutation within this process.
type Store struct {
	kv KV

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewStore creates a mailbox store over the given KV bucket.
func NewStore(kv KV) (*Store, error) {
	if kv == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Store", "NewStore", "kv store is required")
	}
	return &Store{kv: kv, locks: make(map[string]*sync.Mutex)}, nil
}

// lock returns the mutex serializing mutations of one mailbox.
func (s *Store) lock(actor market.ActorNumber, category market.MessageCategory) *sync.Mutex {
	key := mailboxKey(actor, category)
	s.mu.Lock()
	defer s.mu.Unlock()
	if l, ok := s.locks[key]; ok {
		return l
	}
	l := &sync.Mutex{}
	s.locks[key] = l
	return l
}

// getIndex loads the mailbox index. A missing index is an empty mailbox
// with revision zero.
func (s *Store) getIndex(ctx context.Context, actor market.ActorNumber, category market.MessageCategory) (*index, uint64, error) {
	entry, err := s.kv.Get(ctx, indexKeyPrefix+mailboxKey(actor, category))
	if err != nil {
		if stderrors.Is(err, errors.ErrKeyNotFound) {
			return &index{}, 0, nil
		}
		return nil, 0, errors.WrapTransient(err, "Store", "getIndex", "load mailbox index")
	}
	var idx index
	if err := json.Unmarshal(entry.Value, &idx); err != nil {
		return nil, 0, errors.WrapFatal(err, "Store", "getIndex", "unmarshal mailbox index")
	}
	return &idx, entry.Revision, nil
}

// putIndex stores the index with CAS against the revision it was loaded
// at. Revision zero creates the index.
func (s *Store) putIndex(ctx context.Context, actor market.ActorNumber, category market.MessageCategory, idx *index, revision uint64) error {
	data, err := json.Marshal(idx)
	if err != nil {
		return errors.WrapFatal(err, "Store", "putIndex", "marshal mailbox index")
	}
	key := indexKeyPrefix + mailboxKey(actor, category)
	if revision == 0 {
		_, err = s.kv.Create(ctx, key, data)
	} else {
		_, err = s.kv.Update(ctx, key, data, revision)
	}
	if err != nil {
		if stderrors.Is(err, errors.ErrKeyExists) || stderrors.Is(err, errors.ErrRevisionMismatch) {
			// Lost CAS race with another instance. The caller re-reads
			// and retries; duplicate message drops keep that idempotent.
			return errors.WrapTransient(err, "Store", "putIndex", "concurrent mailbox mutation")
		}
		return errors.WrapTransient(err, "Store", "putIndex", "store mailbox index")
	}
	return nil
}

// getBundle loads a bundle by id.
func (s *Store) getBundle(ctx context.Context, id string) (*Bundle, uint64, error) {
	entry, err := s.kv.Get(ctx, bundleKeyPrefix+id)
	if err != nil {
		if stderrors.Is(err, errors.ErrKeyNotFound) {
			return nil, 0, errors.ErrBundleNotFound
		}
		return nil, 0, errors.WrapTransient(err, "Store", "getBundle", "load bundle")
	}
	var bundle Bundle
	if err := json.Unmarshal(entry.Value, &bundle); err != nil {
		return nil, 0, errors.WrapFatal(err, "Store", "getBundle", "unmarshal bundle")
	}
	return &bundle, entry.Revision, nil
}

// putBundle stores a bundle. Revision zero creates it.
func (s *Store) putBundle(ctx context.Context, bundle *Bundle, revision uint64) error {
	data, err := json.Marshal(bundle)
	if err != nil {
		return errors.WrapFatal(err, "Store", "putBundle", "marshal bundle")
	}
	key := bundleKeyPrefix + bundle.ID
	if revision == 0 {
		_, err = s.kv.Create(ctx, key, data)
	} else {
		_, err = s.kv.Update(ctx, key, data, revision)
	}
	if err != nil {
		if stderrors.Is(err, errors.ErrKeyExists) || stderrors.Is(err, errors.ErrRevisionMismatch) {
			return errors.WrapTransient(err, "Store", "putBundle", "concurrent bundle mutation")
		}
		return errors.WrapTransient(err, "Store", "putBundle", "store bundle")
	}
	return nil
}
