// Package temporal is the production engine.Engine backend: every DAG run
// becomes a Temporal workflow, every task execution a Temporal activity, and
// pause/resume/approval signals ride Temporal's signal channels, so a run
// survives process restarts and scales across a worker fleet. Adapted from
// the teacher's runtime/agent/engine/temporal adapter (worker-per-queue,
// lazy client, workflow-context wrapping), trimmed of the agent runtime's
// planner/hook/child-workflow activity types the DAG executor doesn't use.
package temporal

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/client"
	sdktemporal "go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/worker"
	"go.temporal.io/sdk/workflow"

	"github.com/casys-ai/pml/pkg/executor/engine"
)

// Options configures the Temporal engine adapter.
type Options struct {
	// Client is a pre-configured Temporal client. If nil, ClientOptions
	// constructs a lazy one.
	Client client.Client
	// ClientOptions builds the client when Client is nil.
	ClientOptions *client.Options
	// TaskQueue is the default queue used when a run/activity definition
	// omits one. Required.
	TaskQueue string
	// WorkerOptions configures the worker created for TaskQueue.
	WorkerOptions worker.Options
	// DisableWorkerAutoStart defers worker startup until Worker().Start().
	DisableWorkerAutoStart bool
}

// Engine implements engine.Engine on top of Temporal.
type Engine struct {
	client      client.Client
	closeClient bool

	defaultQueue      string
	workerOpts        worker.Options
	autoStartDisabled bool

	mu             sync.Mutex
	workers        map[string]*workerBundle
	workersStarted bool
	runs           map[string]engine.RunDefinition
	activityOpts   map[string]engine.ActivityOptions
}

// New constructs a Temporal engine adapter.
func New(opts Options) (*Engine, error) {
	if opts.TaskQueue == "" {
		return nil, fmt.Errorf("temporal engine: TaskQueue is required")
	}
	cli := opts.Client
	closeClient := false
	if cli == nil {
		if opts.ClientOptions == nil {
			return nil, fmt.Errorf("temporal engine: Client or ClientOptions is required")
		}
		var err error
		cli, err = client.NewLazyClient(*opts.ClientOptions)
		if err != nil {
			return nil, fmt.Errorf("temporal engine: create client: %w", err)
		}
		closeClient = true
	}
	return &Engine{
		client:            cli,
		closeClient:       closeClient,
		defaultQueue:      opts.TaskQueue,
		workerOpts:        opts.WorkerOptions,
		autoStartDisabled: opts.DisableWorkerAutoStart,
		workers:           map[string]*workerBundle{},
		runs:              map[string]engine.RunDefinition{},
		activityOpts:      map[string]engine.ActivityOptions{},
	}, nil
}

func (e *Engine) RegisterRun(_ context.Context, def engine.RunDefinition) error {
	if def.Name == "" {
		return fmt.Errorf("temporal engine: run name is required")
	}
	queue := def.TaskQueue
	if queue == "" {
		queue = e.defaultQueue
	}
	bundle, err := e.workerForQueue(queue)
	if err != nil {
		return err
	}
	bundle.registerWorkflow(def.Name, func(tctx workflow.Context, input any) (any, error) {
		rc := newRunContext(e, tctx)
		return def.Handler(rc, input)
	})

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, dup := e.runs[def.Name]; dup {
		return fmt.Errorf("temporal engine: run %q already registered", def.Name)
	}
	e.runs[def.Name] = def
	return nil
}

func (e *Engine) RegisterActivity(_ context.Context, def engine.ActivityDefinition) error {
	if def.Name == "" {
		return fmt.Errorf("temporal engine: activity name is required")
	}
	queue := def.Options.Queue
	if queue == "" {
		queue = e.defaultQueue
	}
	bundle, err := e.workerForQueue(queue)
	if err != nil {
		return err
	}
	bundle.registerActivity(def.Name, func(ctx context.Context, input any) (any, error) {
		return def.Handler(ctx, input)
	})

	e.mu.Lock()
	e.activityOpts[def.Name] = def.Options
	e.mu.Unlock()
	return nil
}

func (e *Engine) StartRun(ctx context.Context, req engine.RunStartRequest) (engine.RunHandle, error) {
	if req.Run == "" {
		return nil, fmt.Errorf("temporal engine: run name is required")
	}
	e.mu.Lock()
	def, ok := e.runs[req.Run]
	e.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("temporal engine: run %q is not registered", req.Run)
	}

	if !e.autoStartDisabled {
		e.ensureWorkersStarted()
	}

	queue := req.TaskQueue
	if queue == "" {
		queue = def.TaskQueue
	}
	if queue == "" {
		queue = e.defaultQueue
	}

	startOpts := client.StartWorkflowOptions{ID: req.ID, TaskQueue: queue}
	if rp := convertRetryPolicy(req.RetryPolicy); rp != nil {
		startOpts.RetryPolicy = rp
	}

	run, err := e.client.ExecuteWorkflow(ctx, startOpts, def.Name, req.Input)
	if err != nil {
		return nil, err
	}
	return &runHandle{run: run, client: e.client}, nil
}

// Worker returns a controller that starts or stops every worker this engine
// has created, for callers that disabled auto-start to sequence
// registration before polling begins.
func (e *Engine) Worker() *WorkerController { return &WorkerController{engine: e} }

// Close shuts down the Temporal client if this engine created it.
func (e *Engine) Close() error {
	if e.closeClient && e.client != nil {
		e.client.Close()
	}
	return nil
}

func (e *Engine) workerForQueue(queue string) (*workerBundle, error) {
	if queue == "" {
		queue = e.defaultQueue
	}
	if queue == "" {
		return nil, fmt.Errorf("temporal engine: no task queue configured")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if b, ok := e.workers[queue]; ok {
		return b, nil
	}
	b := &workerBundle{queue: queue, worker: worker.New(e.client, queue, e.workerOpts)}
	e.workers[queue] = b
	if e.workersStarted {
		b.start()
	}
	return b, nil
}

func (e *Engine) ensureWorkersStarted() {
	e.mu.Lock()
	if e.workersStarted {
		e.mu.Unlock()
		return
	}
	e.workersStarted = true
	bundles := make([]*workerBundle, 0, len(e.workers))
	for _, b := range e.workers {
		bundles = append(bundles, b)
	}
	e.mu.Unlock()
	for _, b := range bundles {
		b.start()
	}
}

func (e *Engine) activityDefaultsFor(name string) engine.ActivityOptions {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.activityOpts[name]
}

// WorkerController starts/stops every worker an Engine owns.
type WorkerController struct{ engine *Engine }

func (c *WorkerController) Start() error {
	c.engine.ensureWorkersStarted()
	return nil
}

func (c *WorkerController) Stop() {
	c.engine.mu.Lock()
	bundles := make([]*workerBundle, 0, len(c.engine.workers))
	for _, b := range c.engine.workers {
		bundles = append(bundles, b)
	}
	c.engine.mu.Unlock()
	for _, b := range bundles {
		b.stop()
	}
}

type workerBundle struct {
	queue     string
	worker    worker.Worker
	startOnce sync.Once
}

func (b *workerBundle) start() {
	b.startOnce.Do(func() {
		go func() { _ = b.worker.Run(worker.InterruptCh()) }()
	})
}

func (b *workerBundle) stop() { b.worker.Stop() }

func (b *workerBundle) registerWorkflow(name string, fn any) {
	b.worker.RegisterWorkflowWithOptions(fn, workflow.RegisterOptions{Name: name})
}

func (b *workerBundle) registerActivity(name string, fn any) {
	b.worker.RegisterActivityWithOptions(fn, activity.RegisterOptions{Name: name})
}

func convertRetryPolicy(r engine.RetryPolicy) *sdktemporal.RetryPolicy {
	if r.MaxAttempts == 0 && r.InitialInterval == 0 && r.BackoffCoefficient == 0 {
		return nil
	}
	p := &sdktemporal.RetryPolicy{}
	if r.MaxAttempts > 0 {
		p.MaximumAttempts = int32(r.MaxAttempts)
	}
	if r.InitialInterval > 0 {
		p.InitialInterval = r.InitialInterval
	}
	if r.BackoffCoefficient > 0 {
		p.BackoffCoefficient = r.BackoffCoefficient
	}
	return p
}

// runContext adapts workflow.Context to engine.RunContext.
type runContext struct {
	engine *Engine
	ctx    workflow.Context
	runID  string
}

func newRunContext(e *Engine, ctx workflow.Context) *runContext {
	info := workflow.GetInfo(ctx)
	return &runContext{engine: e, ctx: ctx, runID: info.WorkflowExecution.RunID}
}

func (r *runContext) Context() context.Context { return context.Background() }
func (r *runContext) RunID() string            { return r.runID }
func (r *runContext) Now() time.Time           { return workflow.Now(r.ctx) }

func (r *runContext) ExecuteActivity(_ context.Context, req engine.ActivityRequest, result any) error {
	fut, err := r.ExecuteActivityAsync(context.Background(), req)
	if err != nil {
		return err
	}
	return fut.Get(context.Background(), result)
}

func (r *runContext) ExecuteActivityAsync(_ context.Context, req engine.ActivityRequest) (engine.Future, error) {
	actx := workflow.WithActivityOptions(r.ctx, r.activityOptionsFor(req.Name, req))
	fut := workflow.ExecuteActivity(actx, req.Name, req.Input)
	return &future{future: fut, ctx: actx}, nil
}

func (r *runContext) SignalChannel(name string) engine.SignalChannel {
	return &signalChannel{ctx: r.ctx, ch: workflow.GetSignalChannel(r.ctx, name)}
}

func (r *runContext) activityOptionsFor(name string, req engine.ActivityRequest) workflow.ActivityOptions {
	defaults := r.engine.activityDefaultsFor(name)

	queue := req.Queue
	if queue == "" {
		queue = defaults.Queue
	}
	if queue == "" {
		queue = r.engine.defaultQueue
	}

	timeout := req.Timeout
	if timeout == 0 {
		timeout = defaults.Timeout
	}
	if timeout == 0 {
		timeout = time.Minute
	}

	retry := defaults.RetryPolicy
	if req.RetryPolicy.MaxAttempts != 0 || req.RetryPolicy.InitialInterval != 0 || req.RetryPolicy.BackoffCoefficient != 0 {
		retry = req.RetryPolicy
	}

	return workflow.ActivityOptions{
		ScheduleToStartTimeout: timeout,
		StartToCloseTimeout:    timeout,
		TaskQueue:              queue,
		RetryPolicy:            convertRetryPolicy(retry),
	}
}

type future struct {
	future workflow.Future
	ctx    workflow.Context
}

func (f *future) Get(_ context.Context, result any) error {
	if err := f.future.Get(f.ctx, result); err != nil {
		return normalizeError(err)
	}
	return nil
}

func (f *future) IsReady() bool { return f.future.IsReady() }

func normalizeError(err error) error {
	if err == nil {
		return nil
	}
	if sdktemporal.IsCanceledError(err) {
		return context.Canceled
	}
	return err
}

type signalChannel struct {
	ctx workflow.Context
	ch  workflow.ReceiveChannel
}

func (s *signalChannel) Receive(_ context.Context, dest any) error {
	s.ch.Receive(s.ctx, dest)
	return nil
}

func (s *signalChannel) ReceiveAsync(dest any) bool {
	return s.ch.ReceiveAsync(dest)
}

type runHandle struct {
	run    client.WorkflowRun
	client client.Client
}

func (h *runHandle) Wait(ctx context.Context, result any) error {
	return h.run.Get(ctx, result)
}

func (h *runHandle) Signal(ctx context.Context, name string, payload any) error {
	return h.client.SignalWorkflow(ctx, h.run.GetID(), h.run.GetRunID(), name, payload)
}

func (h *runHandle) Cancel(ctx context.Context) error {
	return h.client.CancelWorkflow(ctx, h.run.GetID(), h.run.GetRunID())
}
