package orchestrate

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"strings"
	"time"

	"github.com/Energinet-DataHub/opengeh-edi-sub024/errors"
	"github.com/Energinet-DataHub/opengeh-edi-sub024/market"
	"github.com/Energinet-DataHub/opengeh-edi-sub024/natsclient"
)

// KV is the key-value contract the job store is built on, satisfied by
// natsclient.KVStore and the testutil in-memory store.
type KV interface {
	Get(ctx context.Context, key string) (*natsclient.KVEntry, error)
	Put(ctx context.Context, key string, value []byte) (uint64, error)
	Create(ctx context.Context, key string, value []byte) (uint64, error)
	Update(ctx context.Context, key string, value []byte, revision uint64) (uint64, error)
	Keys(ctx context.Context, filters ...string) ([]string, error)
}

// JobBucket is the KV bucket holding enqueue jobs.
const JobBucket = "edi_jobs"

const jobKeyPrefix = "job."

// JobStore persists enqueue jobs. Creation is create-if-absent so a
// redelivered event cannot duplicate a job; updates are CAS so concurrent
// workers cannot clobber each other's checkpoints.
type JobStore struct {
	kv  KV
	now func() time.Time
}

// NewJobStore creates a job store over the given KV bucket.
func NewJobStore(kv KV) (*JobStore, error) {
	if kv == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "JobStore", "NewJobStore", "kv store is required")
	}
	return &JobStore{kv: kv, now: time.Now}, nil
}

// Create stores a new job; an existing job under the same idempotency key
// returns errors.ErrJobExists.
func (s *JobStore) Create(ctx context.Context, job *Job) error {
	if job == nil {
		return errors.WrapInvalid(nil, "JobStore", "Create", "job cannot be nil")
	}
	job.CreatedAt = s.now()
	job.UpdatedAt = job.CreatedAt
	data, err := json.Marshal(job)
	if err != nil {
		return errors.WrapFatal(err, "JobStore", "Create", "marshal job")
	}
	if _, err := s.kv.Create(ctx, jobKeyPrefix+job.Key(), data); err != nil {
		if stderrors.Is(err, errors.ErrKeyExists) {
			return errors.ErrJobExists
		}
		return errors.WrapTransient(err, "JobStore", "Create", "create job")
	}
	return nil
}

// Get loads a job with the revision needed for Update.
func (s *JobStore) Get(ctx context.Context, calculationID, eventID string, actor market.ActorNumber) (*Job, uint64, error) {
	entry, err := s.kv.Get(ctx, jobKeyPrefix+jobKey(calculationID, eventID, actor))
	if err != nil {
		if stderrors.Is(err, errors.ErrKeyNotFound) {
			return nil, 0, errors.ErrJobNotFound
		}
		return nil, 0, errors.WrapTransient(err, "JobStore", "Get", "load job")
	}
	var job Job
	if err := json.Unmarshal(entry.Value, &job); err != nil {
		return nil, 0, errors.WrapFatal(err, "JobStore", "Get", "unmarshal job")
	}
	return &job, entry.Revision, nil
}

// Update stores job state with CAS against the revision it was loaded at
// and returns the new revision.
func (s *JobStore) Update(ctx context.Context, job *Job, revision uint64) (uint64, error) {
	job.UpdatedAt = s.now()
	data, err := json.Marshal(job)
	if err != nil {
		return 0, errors.WrapFatal(err, "JobStore", "Update", "marshal job")
	}
	rev, err := s.kv.Update(ctx, jobKeyPrefix+job.Key(), data, revision)
	if err != nil {
		if stderrors.Is(err, errors.ErrRevisionMismatch) {
			return 0, errors.WrapInvalid(err, "JobStore", "Update", "concurrent job update")
		}
		return 0, errors.WrapTransient(err, "JobStore", "Update", "store job")
	}
	return rev, nil
}

// List returns all jobs of one fan-out, in stable actor order.
func (s *JobStore) List(ctx context.Context, calculationID, eventID string) ([]*Job, error) {
	prefix := jobKeyPrefix + calculationID + "." + eventID + "."
	keys, err := s.kv.Keys(ctx, prefix+">")
	if err != nil {
		return nil, errors.WrapTransient(err, "JobStore", "List", "list job keys")
	}

	jobs := make([]*Job, 0, len(keys))
	for _, key := range keys {
		actor := market.ActorNumber(strings.TrimPrefix(key, prefix))
		job, _, err := s.Get(ctx, calculationID, eventID, actor)
		if err != nil {
			if stderrors.Is(err, errors.ErrJobNotFound) {
				continue
			}
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// DeadLetters returns all jobs that exhausted their retry budget, across
// every fan-out still retained in the bucket.
func (s *JobStore) DeadLetters(ctx context.Context) ([]*Job, error) {
	keys, err := s.kv.Keys(ctx, jobKeyPrefix+">")
	if err != nil {
		return nil, errors.WrapTransient(err, "JobStore", "DeadLetters", "list job keys")
	}

	var dead []*Job
	for _, key := range keys {
		entry, err := s.kv.Get(ctx, key)
		if err != nil {
			if stderrors.Is(err, errors.ErrKeyNotFound) {
				continue
			}
			return nil, errors.WrapTransient(err, "JobStore", "DeadLetters", "load job")
		}
		var job Job
		if err := json.Unmarshal(entry.Value, &job); err != nil {
			return nil, errors.WrapFatal(err, "JobStore", "DeadLetters", "unmarshal job")
		}
		if job.Status == StatusDead {
			dead = append(dead, &job)
		}
	}
	return dead, nil
}
