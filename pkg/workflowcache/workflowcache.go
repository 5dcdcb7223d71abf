// Package workflowcache persists a DAG run's checkpoint state to Redis with
// a 1-hour TTL, so a paused run (awaiting HIL/AIL approval, awaiting replan)
// survives a gateway restart and can be resumed on any node. Grounded on the
// teacher's registry/result_stream.go, which stores short-lived, TTL'd
// identifiers in Redis using the same Set/Get/Expire/Del idiom on
// github.com/redis/go-redis/v9.
package workflowcache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/casys-ai/pml/pkg/dag"
)

// DefaultTTL is the checkpoint TTL spec §4.4 calls for: a paused run that
// sits untouched for an hour is treated as abandoned.
const DefaultTTL = time.Hour

// Checkpoint is the durable snapshot of a DAG run's progress, sufficient to
// resume scheduling after a pause or a process restart.
type Checkpoint struct {
	RunID      string                 `json:"run_id"`
	Status     string                 `json:"status"`
	Parameters map[string]any         `json:"parameters"`
	Results    map[string]any         `json:"results"`
	TaskStates map[string]dag.TaskState `json:"task_states"`
	LayerIndex int                    `json:"layer_index"`
	PausedAt   time.Time              `json:"paused_at,omitempty"`
	PauseReason string                `json:"pause_reason,omitempty"`
	UpdatedAt  time.Time              `json:"updated_at"`
}

// ErrNotFound is returned by Load when no checkpoint exists for a run id
// (expired via TTL, or never written).
var ErrNotFound = errors.New("workflowcache: checkpoint not found")

// Store persists and retrieves run checkpoints.
type Store interface {
	Save(ctx context.Context, cp Checkpoint) error
	Load(ctx context.Context, runID string) (Checkpoint, error)
	Delete(ctx context.Context, runID string) error
}

type redisStore struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewRedisStore builds a Store backed by rdb, checkpoints expiring after ttl
// (DefaultTTL when ttl is zero).
func NewRedisStore(rdb *redis.Client, ttl time.Duration) Store {
	if ttl == 0 {
		ttl = DefaultTTL
	}
	return &redisStore{rdb: rdb, ttl: ttl}
}

func key(runID string) string {
	return fmt.Sprintf("pml:run:%s:checkpoint", runID)
}

func (s *redisStore) Save(ctx context.Context, cp Checkpoint) error {
	cp.UpdatedAt = cp.UpdatedAt.UTC()
	payload, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}
	if err := s.rdb.Set(ctx, key(cp.RunID), payload, s.ttl).Err(); err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	return nil
}

func (s *redisStore) Load(ctx context.Context, runID string) (Checkpoint, error) {
	raw, err := s.rdb.Get(ctx, key(runID)).Result()
	if errors.Is(err, redis.Nil) {
		return Checkpoint{}, ErrNotFound
	}
	if err != nil {
		return Checkpoint{}, fmt.Errorf("load checkpoint: %w", err)
	}
	var cp Checkpoint
	if err := json.Unmarshal([]byte(raw), &cp); err != nil {
		return Checkpoint{}, fmt.Errorf("decode checkpoint: %w", err)
	}
	return cp, nil
}

func (s *redisStore) Delete(ctx context.Context, runID string) error {
	if err := s.rdb.Del(ctx, key(runID)).Err(); err != nil {
		return fmt.Errorf("delete checkpoint: %w", err)
	}
	return nil
}

// inmemStore is a process-local Store for tests and the default local-first
// deployment (spec §1: no external dependency required for the default
// single-process path).
type inmemStore struct {
	data map[string]Checkpoint
}

// NewInMemStore builds a Store with no TTL enforcement, suitable for tests
// and single-process runs without Redis.
func NewInMemStore() Store {
	return &inmemStore{data: map[string]Checkpoint{}}
}

func (s *inmemStore) Save(_ context.Context, cp Checkpoint) error {
	s.data[cp.RunID] = cp
	return nil
}

func (s *inmemStore) Load(_ context.Context, runID string) (Checkpoint, error) {
	cp, ok := s.data[runID]
	if !ok {
		return Checkpoint{}, ErrNotFound
	}
	return cp, nil
}

func (s *inmemStore) Delete(_ context.Context, runID string) error {
	delete(s.data, runID)
	return nil
}
