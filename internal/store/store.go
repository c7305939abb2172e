// Package store persists render job records in Redis.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/reelforge/render/internal/model"
)

// ErrNotFound is returned when no record exists for a job id.
var ErrNotFound = errors.New("job not found")

const maxUpdateAttempts = 5

// Store is a JSON-per-key job ledger. Completed records expire after the
// retention window; failed and in-flight records do not expire.
type Store struct {
	redis        *redis.Client
	completedTTL time.Duration
}

// New creates a store.
func New(redisClient *redis.Client, completedTTL time.Duration) *Store {
	return &Store{redis: redisClient, completedTTL: completedTTL}
}

// Key returns the Redis key of a job record.
func Key(jobID string) string {
	return fmt.Sprintf("job:%s", jobID)
}

// TTL returns the expiry applied to a record in the given state. Zero means
// the record is kept until removed explicitly.
func (s *Store) TTL(state model.JobState) time.Duration {
	if state == model.JobStateCompleted {
		return s.completedTTL
	}
	return 0
}

// Save writes job unconditionally.
func (s *Store) Save(ctx context.Context, job *model.RenderJob) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}
	return s.redis.Set(ctx, Key(job.ID), data, s.TTL(job.State)).Err()
}

// Get loads a job record.
func (s *Store) Get(ctx context.Context, jobID string) (*model.RenderJob, error) {
	data, err := s.redis.Get(ctx, Key(jobID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return decode(data)
}

// Update applies fn to the stored record inside an optimistic transaction and
// writes the result. fn's error aborts the update and is returned as-is.
func (s *Store) Update(ctx context.Context, jobID string, fn func(*model.RenderJob) error) (*model.RenderJob, error) {
	key := Key(jobID)
	var updated *model.RenderJob

	txf := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return ErrNotFound
			}
			return err
		}
		job, err := decode(data)
		if err != nil {
			return err
		}
		if err := fn(job); err != nil {
			return err
		}
		out, err := json.Marshal(job)
		if err != nil {
			return fmt.Errorf("failed to marshal job: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, out, s.TTL(job.State))
			return nil
		})
		if err == nil {
			updated = job
		}
		return err
	}

	for i := 0; i < maxUpdateAttempts; i++ {
		err := s.redis.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return updated, nil
	}
	return nil, fmt.Errorf("update %s: too much contention", jobID)
}

// Ping checks the Redis connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.redis.Ping(ctx).Err()
}

func decode(data []byte) (*model.RenderJob, error) {
	var job model.RenderJob
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job: %w", err)
	}
	return &job, nil
}
