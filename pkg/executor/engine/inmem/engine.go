// Package inmem is the default, non-durable engine.Engine: DAG runs execute
// as plain goroutines with buffered signal channels. Suitable for local-first
// single-process use (spec §1's "zero external dependencies for the default
// path") and for tests; a process restart loses all in-flight runs, which is
// why engine/temporal exists for production deployments that need
// checkpoint/resume across restarts. Adapted from the teacher's
// runtime/agent/engine/inmem package: same goroutine-per-run, buffered
// signal-channel design, trimmed of the agent runtime's child-workflow and
// query-status machinery the DAG executor does not need.
package inmem

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/casys-ai/pml/pkg/executor/engine"
)

type eng struct {
	mu         sync.RWMutex
	runs       map[string]engine.RunDefinition
	activities map[string]activity
}

type activity struct {
	handler engine.ActivityFunc
	opts    engine.ActivityOptions
}

type runCtx struct {
	ctx   context.Context
	runID string
	eng   *eng

	sigMu sync.Mutex
	sigs  map[string]*signalChan
}

type handle struct {
	mu     sync.Mutex
	done   chan struct{}
	result any
	err    error
	runCtx *runCtx
}

type future struct {
	mu     sync.Mutex
	ready  chan struct{}
	result any
	err    error
}

type signalChan struct{ ch chan any }

// New returns a fresh in-memory Engine.
func New() engine.Engine {
	return &eng{
		runs:       map[string]engine.RunDefinition{},
		activities: map[string]activity{},
	}
}

func (e *eng) RegisterRun(_ context.Context, def engine.RunDefinition) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, dup := e.runs[def.Name]; dup {
		return fmt.Errorf("run %q already registered", def.Name)
	}
	if def.Handler == nil || def.Name == "" {
		return errors.New("invalid run definition")
	}
	e.runs[def.Name] = def
	return nil
}

func (e *eng) RegisterActivity(_ context.Context, def engine.ActivityDefinition) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, dup := e.activities[def.Name]; dup {
		return fmt.Errorf("activity %q already registered", def.Name)
	}
	if def.Handler == nil || def.Name == "" {
		return errors.New("invalid activity definition")
	}
	e.activities[def.Name] = activity{handler: def.Handler, opts: def.Options}
	return nil
}

func (e *eng) StartRun(ctx context.Context, req engine.RunStartRequest) (engine.RunHandle, error) {
	e.mu.RLock()
	def, ok := e.runs[req.Run]
	e.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("run %q not registered", req.Run)
	}
	if req.ID == "" {
		return nil, errors.New("run id is required")
	}

	rc := &runCtx{ctx: ctx, runID: req.ID, eng: e, sigs: map[string]*signalChan{}}
	h := &handle{done: make(chan struct{}), runCtx: rc}

	go func() {
		defer close(h.done)
		res, err := def.Handler(rc, req.Input)
		h.mu.Lock()
		h.result, h.err = res, err
		h.mu.Unlock()
	}()

	return h, nil
}

func (r *runCtx) Context() context.Context { return r.ctx }
func (r *runCtx) RunID() string            { return r.runID }
func (r *runCtx) Now() time.Time           { return time.Now() }

func (r *runCtx) ExecuteActivity(ctx context.Context, req engine.ActivityRequest, result any) error {
	fut, err := r.ExecuteActivityAsync(ctx, req)
	if err != nil {
		return err
	}
	return fut.Get(ctx, result)
}

func (r *runCtx) ExecuteActivityAsync(ctx context.Context, req engine.ActivityRequest) (engine.Future, error) {
	r.eng.mu.RLock()
	a, ok := r.eng.activities[req.Name]
	r.eng.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("activity %q not registered", req.Name)
	}
	f := &future{ready: make(chan struct{})}
	go func() {
		defer close(f.ready)
		res, err := a.handler(ctx, req.Input)
		f.mu.Lock()
		f.result, f.err = res, err
		f.mu.Unlock()
	}()
	return f, nil
}

func (r *runCtx) SignalChannel(name string) engine.SignalChannel {
	r.sigMu.Lock()
	defer r.sigMu.Unlock()
	ch, ok := r.sigs[name]
	if !ok {
		ch = &signalChan{ch: make(chan any, 1)}
		r.sigs[name] = ch
	}
	return ch
}

func (h *handle) Wait(ctx context.Context, result any) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-h.done:
		h.mu.Lock()
		defer h.mu.Unlock()
		assignResult(result, h.result)
		return h.err
	}
}

func (h *handle) Signal(ctx context.Context, name string, payload any) error {
	ch := h.runCtx.SignalChannel(name).(*signalChan)
	select {
	case ch.ch <- payload:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-h.done:
		return errors.New("run already completed")
	}
}

func (h *handle) Cancel(ctx context.Context) error {
	return h.Signal(ctx, engine.SignalCancel, struct{}{})
}

func (f *future) Get(ctx context.Context, result any) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-f.ready:
		f.mu.Lock()
		defer f.mu.Unlock()
		assignResult(result, f.result)
		return f.err
	}
}

func (f *future) IsReady() bool {
	select {
	case <-f.ready:
		return true
	default:
		return false
	}
}

func (s *signalChan) Receive(ctx context.Context, dest any) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case v := <-s.ch:
		assignResult(dest, v)
		return nil
	}
}

func (s *signalChan) ReceiveAsync(dest any) bool {
	select {
	case v := <-s.ch:
		assignResult(dest, v)
		return true
	default:
		return false
	}
}

// assignResult assigns src into *dst when the types line up, mirroring the
// teacher's reflect-based result plumbing since engine results cross an
// `any` boundary identically to the teacher's ActivityFunc/WorkflowFunc.
func assignResult(dst, src any) {
	if dst == nil || src == nil {
		return
	}
	dv := reflect.ValueOf(dst)
	if dv.Kind() != reflect.Ptr || dv.IsNil() {
		return
	}
	sv := reflect.ValueOf(src)
	if sv.IsValid() && sv.Type().AssignableTo(dv.Elem().Type()) {
		dv.Elem().Set(sv)
		return
	}
	if dv.Elem().Kind() == reflect.Interface && sv.Type().Implements(dv.Elem().Type()) {
		dv.Elem().Set(sv)
	}
}
