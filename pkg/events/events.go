// Package events implements the workflow event bus (spec §6 "Events (SSE,
// one channel per workflow)"): it fans out executor.Event values to
// per-workflow local subscribers with the bounded backpressure policy spec
// §5 requires (oldest "trace" events dropped under load, every other kind
// guaranteed delivery), and optionally republishes the same events onto a
// Pulse stream for durable, cross-process consumers.
//
// Grounded on the teacher's features/stream/pulse package for the publish
// half (envelope-then-Stream.Add over goa.design/pulse/streaming backed by
// Redis); the local bounded-subscriber fan-out has no direct teacher
// analogue (the teacher's Sink only ever has one durable destination, Pulse
// itself), so its condition-variable-backed queue is a stdlib-only
// addition — see DESIGN.md.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"goa.design/pulse/streaming"
	streamopts "goa.design/pulse/streaming/options"

	"github.com/casys-ai/pml/pkg/executor"
)

// traceEventType is the only event kind spec §5 permits dropping under
// backpressure.
const traceEventType = "trace"

// DefaultCapacity bounds a subscriber's buffered queue before the
// drop-oldest-trace-event policy kicks in.
const DefaultCapacity = 256

// Publisher forwards one event to a durable, cross-process destination.
// PulseStreamer is the concrete Redis-backed implementation; tests and
// single-process deployments can leave this nil.
type Publisher interface {
	Publish(ctx context.Context, runID string, e executor.Event) error
}

// Bus fans out executor.Event values to per-runID local subscribers and, if
// configured, republishes them through a Publisher. Bus itself implements
// executor.EventEmitter, so a Run can be wired directly to it.
type Bus struct {
	mu        sync.Mutex
	subs      map[string][]*subscriber
	publisher Publisher
	capacity  int
}

// NewBus builds an event bus. publisher may be nil for in-process-only use.
func NewBus(publisher Publisher, capacity int) *Bus {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Bus{subs: map[string][]*subscriber{}, publisher: publisher, capacity: capacity}
}

// Emit implements executor.EventEmitter: it hands e to every local
// subscriber of e.RunID's channel and, if a Publisher is configured,
// republishes it asynchronously so a slow or unreachable durable sink never
// blocks the executor's own thread of control.
func (b *Bus) Emit(e executor.Event) {
	b.mu.Lock()
	subs := append([]*subscriber(nil), b.subs[e.RunID]...)
	b.mu.Unlock()

	for _, s := range subs {
		s.push(e)
	}
	if b.publisher != nil {
		go func() {
			_ = b.publisher.Publish(context.Background(), e.RunID, e)
		}()
	}
}

// Subscribe opens a new channel of events for runID (spec §6: "one channel
// per workflow"). The returned function must be called to release the
// subscriber's resources once the caller stops reading.
func (b *Bus) Subscribe(runID string) (<-chan executor.Event, func()) {
	s := newSubscriber(b.capacity)
	b.mu.Lock()
	b.subs[runID] = append(b.subs[runID], s)
	b.mu.Unlock()

	unsubscribe := func() {
		b.mu.Lock()
		subs := b.subs[runID]
		for i, cand := range subs {
			if cand == s {
				b.subs[runID] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
		b.mu.Unlock()
		s.close()
	}
	return s.out, unsubscribe
}

// subscriber is a single reader's bounded event queue: a mutex/condvar-
// guarded slice feeding a forwarding goroutine, so the drop-oldest-trace
// eviction policy (a slice splice) is independent of channel send/receive
// blocking semantics, which a plain buffered channel cannot express (you
// cannot peek or remove a specific element from its middle).
type subscriber struct {
	mu       sync.Mutex
	cond     *sync.Cond
	queue    []executor.Event
	capacity int
	closed   bool
	out      chan executor.Event
}

func newSubscriber(capacity int) *subscriber {
	s := &subscriber{capacity: capacity, out: make(chan executor.Event)}
	s.cond = sync.NewCond(&s.mu)
	go s.pump()
	return s
}

// push enqueues e, applying spec §5's backpressure rule: once the queue is
// at capacity, evict the oldest "trace" event to make room; if none exists
// and e is itself a "trace" event, drop e; otherwise every other event kind
// is guaranteed delivery even if that means growing past capacity.
func (s *subscriber) push(e executor.Event) {
	s.mu.Lock()
	if len(s.queue) >= s.capacity {
		if idx := oldestTraceIndex(s.queue); idx >= 0 {
			s.queue = append(s.queue[:idx], s.queue[idx+1:]...)
		} else if e.Type == traceEventType {
			s.mu.Unlock()
			return
		}
	}
	s.queue = append(s.queue, e)
	s.mu.Unlock()
	s.cond.Signal()
}

func oldestTraceIndex(queue []executor.Event) int {
	for i, e := range queue {
		if e.Type == traceEventType {
			return i
		}
	}
	return -1
}

func (s *subscriber) pump() {
	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.closed {
			s.cond.Wait()
		}
		if len(s.queue) == 0 && s.closed {
			s.mu.Unlock()
			close(s.out)
			return
		}
		e := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()
		s.out <- e
	}
}

func (s *subscriber) close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.cond.Signal()
}

// PulseStreamer publishes events onto a Redis-backed Pulse stream named
// "workflow/<runID>", one stream per workflow run (spec §6: "one channel
// per workflow").
type PulseStreamer struct {
	redis  *redis.Client
	maxLen int
}

// NewPulseStreamer builds a Publisher backed by Pulse streams. maxLen
// bounds the number of entries Redis retains per stream; zero uses Pulse's
// own default.
func NewPulseStreamer(redisClient *redis.Client, maxLen int) *PulseStreamer {
	return &PulseStreamer{redis: redisClient, maxLen: maxLen}
}

type envelope struct {
	Type      string            `json:"type"`
	RunID     string            `json:"run_id"`
	TaskID    string            `json:"task_id,omitempty"`
	Outcome   string            `json:"outcome,omitempty"`
	Error     string            `json:"error,omitempty"`
	Approval  *approvalEnvelope `json:"approval_context,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

type approvalEnvelope struct {
	Summary      string   `json:"summary"`
	Tools        []string `json:"tools"`
	Dependencies []string `json:"dependencies,omitempty"`
}

// Publish implements Publisher.
func (p *PulseStreamer) Publish(ctx context.Context, runID string, e executor.Event) error {
	var opts []streamopts.Stream
	if p.maxLen > 0 {
		opts = append(opts, streamopts.WithStreamMaxLen(p.maxLen))
	}
	stream, err := streaming.NewStream(streamName(runID), p.redis, opts...)
	if err != nil {
		return fmt.Errorf("open pulse stream: %w", err)
	}

	env := envelope{
		Type: e.Type, RunID: e.RunID, TaskID: e.TaskID, Outcome: e.Outcome,
		Error: e.Error, Timestamp: e.OccurredAt,
	}
	if e.Approval != nil {
		env.Approval = &approvalEnvelope{
			Summary: e.Approval.Summary, Tools: e.Approval.Tools, Dependencies: e.Approval.Dependencies,
		}
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return err
	}
	_, err = stream.Add(ctx, e.Type, payload)
	return err
}

func streamName(runID string) string {
	return "workflow/" + runID
}
