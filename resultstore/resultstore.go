// Package resultstore reads the per-actor calculation results that the
// enqueue fan-out turns into outgoing messages. Results are written by the
// calculation engine before the completion event is published, keyed by
// (calculation, event, actor).
package resultstore

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"

	"github.com/Energinet-DataHub/opengeh-edi-sub024/errors"
	"github.com/Energinet-DataHub/opengeh-edi-sub024/market"
	"github.com/Energinet-DataHub/opengeh-edi-sub024/natsclient"
)

// KV is the key-value contract the store needs.
type KV interface {
	Get(ctx context.Context, key string) (*natsclient.KVEntry, error)
	Put(ctx context.Context, key string, value []byte) (uint64, error)
}

// ResultBucket is the KV bucket holding calculation results.
const ResultBucket = "edi_results"

const keyPrefix = "result."

// Store reads and writes per-actor result sets.
type Store struct {
	kv KV
}

// NewStore creates a result store over the given bucket.
func NewStore(kv KV) (*Store, error) {
	if kv == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Store", "NewStore", "kv store is required")
	}
	return &Store{kv: kv}, nil
}

func resultKey(calculationID, eventID string, actor market.ActorNumber) string {
	return keyPrefix + calculationID + "." + eventID + "." + string(actor)
}

// ResultsFor returns the outgoing messages computed for one actor. A
// missing key means the calculation produced nothing for the actor, which
// is a valid empty result, not an error.
func (s *Store) ResultsFor(ctx context.Context, calculationID, eventID string, actor market.ActorNumber, _ []market.GridArea) ([]market.OutgoingMessage, error) {
	entry, err := s.kv.Get(ctx, resultKey(calculationID, eventID, actor))
	if err != nil {
		if stderrors.Is(err, errors.ErrKeyNotFound) {
			return nil, nil
		}
		return nil, errors.WrapTransient(err, "Store", "ResultsFor", fmt.Sprintf("load results for actor %s", actor))
	}

	var messages []market.OutgoingMessage
	if err := json.Unmarshal(entry.Value, &messages); err != nil {
		return nil, errors.WrapFatal(err, "Store", "ResultsFor", "decode stored results")
	}
	return messages, nil
}

// Put stores the result set for one actor, replacing any previous set.
func (s *Store) Put(ctx context.Context, calculationID, eventID string, actor market.ActorNumber, messages []market.OutgoingMessage) error {
	data, err := json.Marshal(messages)
	if err != nil {
		return errors.WrapFatal(err, "Store", "Put", "encode results")
	}
	if _, err := s.kv.Put(ctx, resultKey(calculationID, eventID, actor), data); err != nil {
		return errors.WrapTransient(err, "Store", "Put", fmt.Sprintf("store results for actor %s", actor))
	}
	return nil
}
