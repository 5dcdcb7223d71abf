// Package speculator implements the Speculator (spec §4.5): once a layer
// completes, it prefetches the next DAG layer's safe tasks, caching results
// keyed by (task id, argument hash) so the Controlled Executor can serve an
// instant replay instead of a live call when it actually reaches that task.
// Speculation only happens within a run: nothing is prefetched after a
// workflow finishes, so capabilities that commonly follow this one are
// never speculated.
//
// There is no DAG prediction here (spec §4.5: "no prediction, the next
// layer is already in the DAG"); the Speculator only decides whether it is
// SAFE to run a task early, keyed on the same safety predicate spec §4.5
// and §9 define: a tool is speculatable iff its approvalMode is auto and
// its risk classification is safe (read-only). Grounded on the teacher's
// registry/result_stream.go for the TTL-keyed cache shape (the same
// problem workflowcache solves for checkpoints, reused here for
// speculative results), since no teacher package speculates ahead of a
// scheduler.
package speculator

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/casys-ai/pml/pkg/dag"
	"github.com/casys-ai/pml/pkg/executor/argresolve"
)

// DefaultTTL is how long a speculative result stays usable before it must
// be recomputed (spec §4.5 cache entry TTL).
const DefaultTTL = 5 * time.Minute

// SafetyPredicate reports whether task is safe to execute speculatively,
// ahead of its layer being reached by the Controlled Executor.
type SafetyPredicate interface {
	IsSafe(task *dag.Task) bool
}

// Invoker executes one task's side effect; identical shape to
// executor.Invoker so a single concrete adapter backs both.
type Invoker interface {
	Invoke(ctx context.Context, task *dag.Task, args map[string]any) (any, error)
}

type entry struct {
	result    any
	err       error
	expiresAt time.Time
}

// Speculator prefetches safe upcoming tasks and caches their results.
type Speculator struct {
	invoker Invoker
	safety  SafetyPredicate
	limiter *rate.Limiter
	ttl     time.Duration

	mu    sync.Mutex
	cache map[string]entry
}

// Options configures a Speculator.
type Options struct {
	Invoker Invoker
	Safety  SafetyPredicate
	// Budget is the size of a token bucket refilled at Budget tokens per
	// second (default 4). Each speculative call takes one token, and a task
	// is skipped when no token is left. Calls already in flight are not
	// counted, and the bucket is independent of the executor's layer
	// concurrency budget.
	Budget int
	TTL    time.Duration
}

// New builds a Speculator.
func New(opts Options) *Speculator {
	budget := opts.Budget
	if budget <= 0 {
		budget = 4
	}
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Speculator{
		invoker: opts.Invoker,
		safety:  opts.Safety,
		limiter: rate.NewLimiter(rate.Limit(budget), budget),
		ttl:     ttl,
		cache:   map[string]entry{},
	}
}

// Key computes the (id, argsHash) cache key for a task's resolved argument
// context (spec §3 SpeculationCacheEntry key shape). encoding/json already
// serializes map keys in sorted order, so equal argument sets always hash
// identically regardless of map iteration order.
func Key(taskID string, args map[string]any) string {
	canon, _ := json.Marshal(args)
	sum := sha256.Sum256(canon)
	return taskID + ":" + hex.EncodeToString(sum[:])[:16]
}

// Lookup returns a cached speculative result for (taskID, args), if one
// exists and has not expired. The Controlled Executor calls this before
// invoking a task live.
func (s *Speculator) Lookup(taskID string, args map[string]any) (any, error, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.cache[Key(taskID, args)]
	if !ok || time.Now().After(e.expiresAt) {
		return nil, nil, false
	}
	return e.result, e.err, true
}

// Invalidate drops every cached entry, called on replan or on any edit to
// the DAG's remaining structure (spec §4.5 invalidation triggers).
func (s *Speculator) Invalidate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache = map[string]entry{}
}

// SpeculateLayer prefetches every safe task in layer whose arguments are
// already fully resolvable from parameters/results. The executor calls it
// right after a layer completes, for the layer that follows. Without a
// Safety predicate no task is speculated.
func (s *Speculator) SpeculateLayer(ctx context.Context, structure *dag.Structure, layer dag.Layer, parameters, results map[string]any) {
	if s == nil || s.invoker == nil {
		return
	}
	for _, id := range layer.TaskIDs {
		task := structure.Tasks[id]
		if task == nil || task.State != dag.TaskPending {
			continue
		}
		if s.safety == nil || !s.safety.IsSafe(task) {
			continue
		}
		args, err := argresolve.Resolve(task.Arguments, argresolve.Context{Parameters: parameters, Results: results})
		if err != nil {
			continue // dependency not ready yet; nothing to prefetch
		}
		key := Key(task.ID, args)
		s.mu.Lock()
		_, cached := s.cache[key]
		s.mu.Unlock()
		if cached {
			continue
		}
		if !s.limiter.Allow() {
			continue // idle capacity exhausted; the layer will run it live instead
		}
		go s.run(ctx, task, args, key)
	}
}

func (s *Speculator) run(ctx context.Context, task *dag.Task, args map[string]any, key string) {
	result, err := s.invoker.Invoke(ctx, task, args)
	s.mu.Lock()
	s.cache[key] = entry{result: result, err: err, expiresAt: time.Now().Add(s.ttl)}
	s.mu.Unlock()
}

