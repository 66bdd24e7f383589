// Package masterdata holds the actor registry: the master data that maps
// market participant numbers to their registered roles. The registry
// backs sender authorization during document validation.
package masterdata

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"

	"github.com/Energinet-DataHub/opengeh-edi-sub024/errors"
	"github.com/Energinet-DataHub/opengeh-edi-sub024/market"
	"github.com/Energinet-DataHub/opengeh-edi-sub024/natsclient"
)

// KV is the key-value contract the registry needs.
type KV interface {
	Get(ctx context.Context, key string) (*natsclient.KVEntry, error)
	Put(ctx context.Context, key string, value []byte) (uint64, error)
}

// ActorBucket is the KV bucket holding actor registrations.
const ActorBucket = "edi_actors"

const keyPrefix = "actor."

type record struct {
	Roles []string `json:"roles"`
}

// Registry looks up and maintains actor role registrations.
type Registry struct {
	kv KV
}

// NewRegistry creates a registry over the given bucket.
func NewRegistry(kv KV) (*Registry, error) {
	if kv == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Registry", "NewRegistry", "kv store is required")
	}
	return &Registry{kv: kv}, nil
}

// RolesOf returns the roles an actor is registered with. An unregistered
// actor has no roles; that is a lookup result, not an error.
func (r *Registry) RolesOf(ctx context.Context, actor market.ActorNumber) ([]market.MarketRole, error) {
	entry, err := r.kv.Get(ctx, keyPrefix+string(actor))
	if err != nil {
		if stderrors.Is(err, errors.ErrKeyNotFound) {
			return nil, nil
		}
		return nil, errors.WrapTransient(err, "Registry", "RolesOf", fmt.Sprintf("look up actor %s", actor))
	}

	var rec record
	if err := json.Unmarshal(entry.Value, &rec); err != nil {
		return nil, errors.WrapFatal(err, "Registry", "RolesOf", "decode actor record")
	}

	roles := make([]market.MarketRole, 0, len(rec.Roles))
	for _, code := range rec.Roles {
		role, ok := market.ParseMarketRole(code)
		if !ok {
			continue
		}
		roles = append(roles, role)
	}
	return roles, nil
}

// Register stores the roles for an actor, replacing any previous set.
func (r *Registry) Register(ctx context.Context, actor market.ActorNumber, roles ...market.MarketRole) error {
	if err := actor.Validate(); err != nil {
		return errors.WrapInvalid(err, "Registry", "Register", "invalid actor number")
	}
	rec := record{Roles: make([]string, 0, len(roles))}
	for _, role := range roles {
		rec.Roles = append(rec.Roles, role.Code())
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return errors.WrapFatal(err, "Registry", "Register", "encode actor record")
	}
	if _, err := r.kv.Put(ctx, keyPrefix+string(actor), data); err != nil {
		return errors.WrapTransient(err, "Registry", "Register", fmt.Sprintf("store actor %s", actor))
	}
	return nil
}
