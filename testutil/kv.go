// Package testutil provides in-memory fakes for the gateway's
// infrastructure contracts, used by unit tests.
package testutil

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/Energinet-DataHub/opengeh-edi-sub024/errors"
	"github.com/Energinet-DataHub/opengeh-edi-sub024/natsclient"
)

// MemoryKV is an in-memory key-value store with the same revision and
// create-if-absent semantics as the JetStream-backed natsclient.KVStore.
// Safe for concurrent use.
type MemoryKV struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	nextRev uint64

	// FailNext makes the next mutating operation fail with a transient
	// storage error, for failure-injection tests.
	FailNext int
}

type memoryEntry struct {
	value    []byte
	revision uint64
}

// NewMemoryKV creates an empty store.
func NewMemoryKV() *MemoryKV {
	return &MemoryKV{entries: make(map[string]memoryEntry)}
}

func (kv *MemoryKV) failInjected() bool {
	if kv.FailNext > 0 {
		kv.FailNext--
		return true
	}
	return false
}

// Get returns the entry for key.
func (kv *MemoryKV) Get(_ context.Context, key string) (*natsclient.KVEntry, error) {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	entry, ok := kv.entries[key]
	if !ok {
		return nil, errors.ErrKeyNotFound
	}
	value := make([]byte, len(entry.value))
	copy(value, entry.value)
	return &natsclient.KVEntry{Key: key, Value: value, Revision: entry.revision}, nil
}

// Put stores the value regardless of any existing revision.
func (kv *MemoryKV) Put(_ context.Context, key string, value []byte) (uint64, error) {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	if kv.failInjected() {
		return 0, errors.ErrStorageUnavailable
	}
	kv.nextRev++
	kv.entries[key] = memoryEntry{value: cloneBytes(value), revision: kv.nextRev}
	return kv.nextRev, nil
}

// Create stores the value only if the key is absent.
func (kv *MemoryKV) Create(_ context.Context, key string, value []byte) (uint64, error) {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	if kv.failInjected() {
		return 0, errors.ErrStorageUnavailable
	}
	if _, ok := kv.entries[key]; ok {
		return 0, errors.ErrKeyExists
	}
	kv.nextRev++
	kv.entries[key] = memoryEntry{value: cloneBytes(value), revision: kv.nextRev}
	return kv.nextRev, nil
}

// Update stores the value only if the current revision matches.
func (kv *MemoryKV) Update(_ context.Context, key string, value []byte, revision uint64) (uint64, error) {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	if kv.failInjected() {
		return 0, errors.ErrStorageUnavailable
	}
	entry, ok := kv.entries[key]
	if !ok || entry.revision != revision {
		return 0, errors.ErrRevisionMismatch
	}
	kv.nextRev++
	kv.entries[key] = memoryEntry{value: cloneBytes(value), revision: kv.nextRev}
	return kv.nextRev, nil
}

// Keys lists keys matching the filters. Filters use the KV subject form:
// a trailing ">" matches any suffix, as in "job.calc1.event1.>".
func (kv *MemoryKV) Keys(_ context.Context, filters ...string) ([]string, error) {
	kv.mu.Lock()
	defer kv.mu.Unlock()

	var keys []string
	for key := range kv.entries {
		if len(filters) == 0 || matchesAny(key, filters) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Len returns the number of stored keys.
func (kv *MemoryKV) Len() int {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	return len(kv.entries)
}

func matchesAny(key string, filters []string) bool {
	for _, f := range filters {
		if prefix, ok := strings.CutSuffix(f, ">"); ok {
			if strings.HasPrefix(key, prefix) {
				return true
			}
			continue
		}
		if key == f {
			return true
		}
	}
	return false
}

func cloneBytes(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
