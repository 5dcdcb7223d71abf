// Package pml is the top-level facade: it wires the Static Structure
// Builder, Capability Store, Sandbox Worker Bridge, DAG Converter,
// Controlled Executor, Speculator, Trace Recorder, and Event Bus together
// behind the Public API operation set (spec §6), and owns the replan flow
// (re-running the Static Structure Builder and DAG Converter when a run
// yields StatusAwaitingReplan). Grounded on the teacher's runtime/agent
// package, which plays the identical "own the engine, own the signal
// plumbing, expose one façade method per public operation" role for the
// agent runtime.
package pml

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/casys-ai/pml/pkg/bridge"
	"github.com/casys-ai/pml/pkg/capability"
	"github.com/casys-ai/pml/pkg/dag"
	"github.com/casys-ai/pml/pkg/events"
	"github.com/casys-ai/pml/pkg/executor"
	"github.com/casys-ai/pml/pkg/executor/engine"
	"github.com/casys-ai/pml/pkg/executor/engine/inmem"
	"github.com/casys-ai/pml/pkg/executor/interrupt"
	"github.com/casys-ai/pml/pkg/permission"
	"github.com/casys-ai/pml/pkg/pmlerrors"
	"github.com/casys-ai/pml/pkg/routing"
	"github.com/casys-ai/pml/pkg/speculator"
	"github.com/casys-ai/pml/pkg/structure"
	"github.com/casys-ai/pml/pkg/trace"
	"github.com/casys-ai/pml/pkg/workflowcache"
)

// runDefinitionName is the single engine.RunDefinition every workflow runs
// under; the DAG structure and dependencies travel in the RunStartRequest's
// Input rather than being baked into a per-workflow closure, so one
// registration serves every capability the gateway ever executes.
const runDefinitionName = "pml.dag_run"

// Options configures a Gateway's dependencies. Capability and Tools are
// required; everything else has a safe zero-value default (in-memory
// engine, no durable trace/event sinks, permissive defaults).
type Options struct {
	Capability   capability.Store
	Tools        bridge.ToolClient
	Routes       *routing.Resolver
	Catalog      structure.Catalog
	Checkpoints  workflowcache.Store
	TraceStore   trace.Store
	Events       *events.Bus
	Engine       engine.Engine
	RetryPolicy  bridge.RetryPolicy
	AllowList    *permission.AllowList

	ConfidenceFloor  float64
	LayerConcurrency int
	SpeculationTTL   time.Duration
}

// runInput carries everything the shared run handler needs to build and
// execute a Run; it is the engine.RunStartRequest.Input payload.
type runInput struct {
	structure  *dag.Structure
	parameters map[string]any
	opts       executor.Options
}

// runState tracks one in-flight or completed workflow for the Public API
// operations that address it by workflowId after Execute has returned
// (continue_workflow, pause/resume/cancel/replan, get_task_result).
type runState struct {
	handle       engine.RunHandle
	structure    *dag.Structure
	capabilityID capability.FQDN
	recorder     *trace.Recorder
	ctrl         *interrupt.Controller
	run          *executor.Run
	speculator   *speculator.Speculator
	lastResults  map[string]any

	// events/unsubscribe/outcomeCh let the gateway return an
	// ApprovalRequiredResponse-shaped ExecutionResult the moment a HIL gate
	// fires, instead of blocking the caller through the whole gate
	// lifecycle: executor.Run.Execute suspends *synchronously* inside
	// suspendForGate until ail/hil_approval arrives, in the same goroutine
	// the engine handle's Wait is running, so nothing short of racing the
	// run's own event stream against its completion can surface the
	// suspension promptly (spec §6: execute's response itself carries
	// approval_required, the caller is not expected to block through it).
	events      <-chan executor.Event
	unsubscribe func()
	outcomeCh   chan runOutcome

	// pendingApproval is the most recent approval_required event's context,
	// so ContinueWorkflow knows which tool id(s) an always=true decision
	// should add to the allow list.
	pendingApproval *executor.ApprovalContext
}

// runOutcome is what the background goroutine waiting on engine.RunHandle.Wait
// delivers once a run truly finishes (completes, fails, is cancelled, or
// yields StatusAwaitingReplan).
type runOutcome struct {
	results map[string]any
	status  executor.Status
	err     error
}

// runOutput is the runDefinitionName handler's return value: StatusCompleted
// and StatusAwaitingReplan both surface as (results, nil) from
// executor.Run.Execute, so the status has to travel alongside the results
// across the engine.RunHandle.Wait boundary for the gateway to tell them
// apart.
type runOutput struct {
	Results map[string]any
	Status  executor.Status
}

// Gateway is the facade. Construct one per process; it is safe for
// concurrent use by multiple callers driving independent workflows.
type Gateway struct {
	opts Options
	eng  engine.Engine

	mu       sync.Mutex
	runs     map[string]*runState
	finished map[string]*ExecutionResult
}

// NewGateway builds a Gateway, registering the shared run handler with the
// configured engine (engine/inmem.New() when Options.Engine is nil).
func NewGateway(ctx context.Context, opts Options) (*Gateway, error) {
	if opts.Capability == nil {
		return nil, pmlerrors.New(pmlerrors.KindInternalError, "pml.NewGateway: Capability store is required")
	}
	if opts.ConfidenceFloor == 0 {
		opts.ConfidenceFloor = permission.DefaultConfidenceFloor
	}
	if opts.LayerConcurrency == 0 {
		opts.LayerConcurrency = executor.DefaultLayerConcurrency
	}
	if opts.SpeculationTTL == 0 {
		opts.SpeculationTTL = speculator.DefaultTTL
	}
	if opts.Engine == nil {
		opts.Engine = defaultEngine()
	}
	if opts.AllowList == nil {
		opts.AllowList, _ = permission.NewAllowList("")
	}

	g := &Gateway{opts: opts, eng: opts.Engine, runs: map[string]*runState{}, finished: map[string]*ExecutionResult{}}

	if err := g.eng.RegisterRun(ctx, engine.RunDefinition{
		Name:    runDefinitionName,
		Handler: g.runHandler,
	}); err != nil {
		return nil, fmt.Errorf("pml: registering run handler: %w", err)
	}
	return g, nil
}

// runHandler is the single engine.RunFunc every workflow executes under: it
// rebuilds a *executor.Run from the engine-supplied runInput and drives it
// to completion or suspension, wiring the engine's own RunContext into an
// interrupt.Controller so pause/resume/HIL/AIL/replan/cancel signals reach
// the Run.
func (g *Gateway) runHandler(rc engine.RunContext, input any) (any, error) {
	in, ok := input.(runInput)
	if !ok {
		return nil, pmlerrors.New(pmlerrors.KindInternalError, "pml: run handler received unexpected input type")
	}
	run := executor.New(rc.RunID(), in.structure, in.parameters, in.opts)
	ctrl := interrupt.NewController(rc)

	g.mu.Lock()
	if st, found := g.runs[rc.RunID()]; found {
		st.ctrl = ctrl
		st.run = run
	}
	g.mu.Unlock()

	results, err := run.Execute(rc.Context(), ctrl)
	return runOutput{Results: results, Status: run.Status()}, err
}

// defaultEngine backs a Gateway with the local-first, non-durable engine
// (spec §1: "zero external dependencies for the default path"). Production
// deployments needing checkpoint/resume across process restarts supply
// Options.Engine with engine/temporal instead.
func defaultEngine() engine.Engine {
	return inmem.New()
}

// ExecuteRequest is the execute operation's input (spec §6: "execute {
// intent, code?, context?, options? }").
type ExecuteRequest struct {
	Org         string
	Project     string
	Intent      string
	Code        string
	DisplayName string
	Context     map[string]any
	CreatedBy   string
}

// ExecutionResult is what execute/continue_workflow return once a run
// either finishes or suspends (spec §6: "ExecutionResult |
// ApprovalRequiredResponse | SuggestionResponse").
type ExecutionResult struct {
	WorkflowID       string
	CapabilityID     capability.FQDN
	Status           executor.Status
	Success          bool
	Results          map[string]any
	ErrorMessage     string
	ApprovalRequired bool
	Approval         *executor.ApprovalContext
	TraceID          string
}

// Execute implements the execute Public API operation: it builds (or
// upserts) the capability's static structure, converts it to an executable
// DAG, and starts a Run. A zero ConfidenceFloor/DisplayName falls back to
// the gateway defaults.
func (g *Gateway) Execute(ctx context.Context, req ExecuteRequest) (*ExecutionResult, error) {
	if req.Code == "" {
		return nil, pmlerrors.New(pmlerrors.KindMissingParameter, "execute requires code")
	}
	catalog := g.opts.Catalog
	if catalog == nil {
		catalog = structure.NewStaticCatalog()
	}

	built, err := structure.Build(req.Code, catalog, structure.Options{
		Org: req.Org, Project: req.Project, DisplayName: req.DisplayName,
		CreatedBy: req.CreatedBy, ConfidenceFloor: g.opts.ConfidenceFloor, Routing: g.opts.Routes,
	})
	if err != nil {
		return nil, err
	}

	fqdn, err := g.opts.Capability.UpsertCapability(ctx, &built.Capability)
	if err != nil {
		return nil, err
	}
	if err := g.recordCapabilityDependencies(ctx, fqdn, built.Capability.StaticStruct); err != nil {
		return nil, err
	}

	structured, err := dag.Convert(built.Capability.StaticStruct)
	if err != nil {
		return nil, err
	}

	return g.start(ctx, fqdn, structured, req.Context, built.Capability)
}

// recordCapabilityDependencies records a capability.Dependency edge for
// every capability-typed node in ss, so the catalog's dependency graph
// reflects which capabilities this one calls into (spec §4.1 step 6).
func (g *Gateway) recordCapabilityDependencies(ctx context.Context, fqdn capability.FQDN, ss capability.StaticStructure) error {
	for _, n := range ss.Nodes {
		if n.Type != capability.NodeCapability {
			continue
		}
		dep := capability.Dependency{FromFQDN: fqdn, ToFQDN: n.CapabilityID, EdgeType: capability.EdgeDependency}
		if err := g.opts.Capability.AddDependency(ctx, dep); err != nil {
			return err
		}
	}
	return nil
}

// start registers run state and launches the engine run, returning as soon
// as the run either finishes or hits its first HIL gate (see runState.events
// for why this cannot be a plain handle.Wait).
func (g *Gateway) start(ctx context.Context, fqdn capability.FQDN, structured *dag.Structure, params map[string]any, cap capability.Capability) (*ExecutionResult, error) {
	workflowID := uuid.NewString()

	recorder := trace.New(workflowID, fqdn, cap.DisplayName, params, "")
	spec := g.newSpeculator(fqdn, recorder)

	if g.opts.Events == nil {
		g.opts.Events = events.NewBus(nil, 0)
	}
	evCh, unsubscribe := g.opts.Events.Subscribe(workflowID)

	opts := executor.Options{
		Invoker: &BridgeInvoker{
			Tools: g.opts.Tools, Routes: g.opts.Routes, Retry: g.opts.RetryPolicy, Trace: recorder,
			Resolver: &StoreCapabilityResolver{Store: g.opts.Capability},
		},
		GuardEvaluator:   GojaGuardEvaluator{},
		ApprovalPolicy:   PermissionApprovalPolicy{Routing: cap.Routing, PermissionSet: cap.PermissionSet, AllowList: g.opts.AllowList},
		Events:           g.opts.Events,
		Trace:            recorder,
		Checkpoints:      g.opts.Checkpoints,
		Speculator:       spec,
		LayerConcurrency: g.opts.LayerConcurrency,
	}

	g.mu.Lock()
	g.runs[workflowID] = &runState{
		structure: structured, capabilityID: fqdn, recorder: recorder, speculator: spec,
		events: evCh, unsubscribe: unsubscribe, outcomeCh: make(chan runOutcome, 1),
	}
	g.mu.Unlock()

	// AilDecider needs the run's own Controller, which only exists once
	// runHandler builds it; the decider lazily fetches it from runState on
	// first use so construction order doesn't matter.
	opts.AilDecider = &lazyAilDecider{gateway: g, workflowID: workflowID}

	handle, err := g.eng.StartRun(ctx, engine.RunStartRequest{
		ID: workflowID, Run: runDefinitionName,
		Input: runInput{structure: structured, parameters: params, opts: opts},
	})
	if err != nil {
		unsubscribe()
		g.forget(workflowID)
		return nil, err
	}

	g.mu.Lock()
	g.runs[workflowID].handle = handle
	g.mu.Unlock()

	g.collectOutcome(workflowID, handle)

	return g.awaitSuspensionOrOutcome(ctx, workflowID)
}

// collectOutcome waits on handle in the background against context.Background
// rather than the caller's ctx: the run's lifetime outlives any one Execute/
// ContinueWorkflow/Replan call that first observed it, so the caller
// cancelling its own request must not abandon the in-flight run.
func (g *Gateway) collectOutcome(workflowID string, handle engine.RunHandle) {
	go func() {
		var out runOutput
		err := handle.Wait(context.Background(), &out)

		g.mu.Lock()
		st, ok := g.runs[workflowID]
		g.mu.Unlock()
		if ok {
			st.outcomeCh <- runOutcome{results: out.Results, status: out.Status, err: err}
		}
	}()
}

// awaitSuspensionOrOutcome races a run's own event stream against its
// eventual completion, returning the moment either:
//   - an approval_required event fires (the run is blocked inside
//     suspendForGate, so it will stay paused_hil until ContinueWorkflow
//     signals it), or
//   - the run's engine handle reports it is done (completed/failed/
//     cancelled/awaiting_replan).
//
// Every other event kind (task_start, task_end, run_started, ...) is drained and
// ignored here; subscribers interested in those read the same bus directly
// (spec §6 Events: "one channel per workflow").
func (g *Gateway) awaitSuspensionOrOutcome(ctx context.Context, workflowID string) (*ExecutionResult, error) {
	st, err := g.lookupRun(workflowID)
	if err != nil {
		return nil, err
	}
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case e, ok := <-st.events:
			if !ok {
				continue
			}
			if e.Type == "approval_required" {
				g.mu.Lock()
				st.pendingApproval = e.Approval
				g.mu.Unlock()
				return &ExecutionResult{
					WorkflowID:       workflowID,
					CapabilityID:     st.capabilityID,
					TraceID:          workflowID,
					Status:           executor.StatusPausedHil,
					ApprovalRequired: true,
					Approval:         e.Approval,
				}, nil
			}
		case outcome := <-st.outcomeCh:
			return g.finishResult(ctx, workflowID, outcome.results, outcome.status, outcome.err), nil
		}
	}
}

func (g *Gateway) newSpeculator(fqdn capability.FQDN, recorder *trace.Recorder) *speculator.Speculator {
	return speculator.New(speculator.Options{
		Invoker: &BridgeInvoker{
			Tools: g.opts.Tools, Routes: g.opts.Routes, Retry: g.opts.RetryPolicy, Trace: recorder,
			Resolver: &StoreCapabilityResolver{Store: g.opts.Capability},
		},
		TTL: g.opts.SpeculationTTL,
	})
}

// finishResult translates a run's terminal outcome into an ExecutionResult,
// recording the execution trace unless the run merely yielded
// StatusAwaitingReplan (not a terminal outcome from the caller's
// perspective: Replan reads res.Results to seed the rebuilt structure and
// immediately starts a fresh run under a new workflow id).
func (g *Gateway) finishResult(ctx context.Context, workflowID string, results map[string]any, status executor.Status, runErr error) *ExecutionResult {
	g.mu.Lock()
	st := g.runs[workflowID]
	g.mu.Unlock()

	res := &ExecutionResult{WorkflowID: workflowID, TraceID: workflowID, Results: results, Status: status}
	if st != nil {
		res.CapabilityID = st.capabilityID
		st.lastResults = results
	}

	if status == executor.StatusAwaitingReplan {
		return res
	}

	res.Success = status == executor.StatusCompleted
	if runErr != nil {
		res.ErrorMessage = runErr.Error()
	}

	if st != nil && st.recorder != nil {
		t := st.recorder.Finish(res.Success, res.ErrorMessage)
		if g.opts.TraceStore != nil {
			_ = g.opts.TraceStore.Save(ctx, t)
		}
		if g.opts.Capability.RecordExecution(ctx, st.capabilityID, res.Success, t.DurationMs) != nil {
			// best-effort: reliability bookkeeping never fails the caller's result
		}
	}
	g.mu.Lock()
	g.finished[workflowID] = res
	g.mu.Unlock()
	g.forget(workflowID)
	return res
}

func (g *Gateway) forget(workflowID string) {
	g.mu.Lock()
	st, ok := g.runs[workflowID]
	delete(g.runs, workflowID)
	g.mu.Unlock()
	if ok && st.unsubscribe != nil {
		st.unsubscribe()
	}
}

// ContinueWorkflow implements the continue_workflow operation: it answers a
// pending HIL gate and waits for the run to reach its next suspension or
// terminal state. When approved and always are both true, every tool named
// in the gate's ApprovalContext is added to the workspace's allow list
// before the signal is sent, so the run it unblocks (and every execution
// after it) never gates on that tool again.
func (g *Gateway) ContinueWorkflow(ctx context.Context, workflowID string, approved, always bool, reason string) (*ExecutionResult, error) {
	st, err := g.lookupRun(workflowID)
	if err != nil {
		return nil, err
	}
	if approved && always && g.opts.AllowList != nil && st.pendingApproval != nil {
		for _, tool := range st.pendingApproval.Tools {
			if allowErr := g.opts.AllowList.Allow(tool); allowErr != nil {
				return nil, allowErr
			}
		}
	}
	if err := st.handle.Signal(ctx, engine.SignalHilApprove, interrupt.ApprovalDecision{
		RunID: workflowID, Approved: approved, Always: always, Reason: reason,
	}); err != nil {
		return nil, err
	}
	return g.awaitSuspensionOrOutcome(ctx, workflowID)
}

// Pause implements the pause operation.
func (g *Gateway) Pause(ctx context.Context, workflowID, reason string) error {
	st, err := g.lookupRun(workflowID)
	if err != nil {
		return err
	}
	return st.handle.Signal(ctx, engine.SignalPause, interrupt.PauseRequest{RunID: workflowID, Reason: reason})
}

// Resume implements the resume operation.
func (g *Gateway) Resume(ctx context.Context, workflowID string) error {
	st, err := g.lookupRun(workflowID)
	if err != nil {
		return err
	}
	return st.handle.Signal(ctx, engine.SignalResume, interrupt.ResumeRequest{RunID: workflowID})
}

// Cancel implements the cancel operation.
func (g *Gateway) Cancel(ctx context.Context, workflowID string) error {
	st, err := g.lookupRun(workflowID)
	if err != nil {
		return err
	}
	return st.handle.Cancel(ctx)
}

// Replan implements the replan operation: it signals the paused run, which
// yields StatusAwaitingReplan on its next poll, then rebuilds the static
// structure and DAG for newCode and starts a fresh run seeded from the
// prior run's completed results.
func (g *Gateway) Replan(ctx context.Context, workflowID, newCode string) (*ExecutionResult, error) {
	st, err := g.lookupRun(workflowID)
	if err != nil {
		return nil, err
	}
	if err := st.handle.Signal(ctx, engine.SignalReplan, interrupt.ReplanRequest{RunID: workflowID, Code: newCode}); err != nil {
		return nil, err
	}
	// PollReplan is checked at the top of Execute's layer loop, ahead of any
	// HIL/AIL gate in that layer, so this always resolves through the
	// outcome branch (StatusAwaitingReplan) rather than a fresh
	// approval_required event.
	yielded, err := g.awaitSuspensionOrOutcome(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	partial := yielded.Results

	cap, err := g.opts.Capability.GetByFQDN(ctx, st.capabilityID)
	if err != nil {
		return nil, err
	}
	catalog := g.opts.Catalog
	if catalog == nil {
		catalog = structure.NewStaticCatalog()
	}
	built, err := structure.Build(newCode, catalog, structure.Options{
		Org: cap.Org, Project: cap.Project, DisplayName: cap.DisplayName,
		CreatedBy: cap.UpdatedBy, ConfidenceFloor: g.opts.ConfidenceFloor, Routing: g.opts.Routes,
	})
	if err != nil {
		return nil, err
	}
	fqdn, err := g.opts.Capability.UpsertCapability(ctx, &built.Capability)
	if err != nil {
		return nil, err
	}
	if err := g.recordCapabilityDependencies(ctx, fqdn, built.Capability.StaticStruct); err != nil {
		return nil, err
	}
	rebuilt, err := dag.Convert(built.Capability.StaticStruct)
	if err != nil {
		return nil, err
	}

	// Seed the rebuilt structure's already-completed tasks from the prior
	// run's results so replanning never re-executes finished work.
	for id := range partial {
		if t, ok := rebuilt.Tasks[id]; ok {
			t.State = dag.TaskCompleted
		}
	}
	g.forget(workflowID)
	return g.start(ctx, fqdn, rebuilt, nil, built.Capability)
}

// GetTaskResult implements the get_task_result operation: it reads a single
// task's result out of the most recently observed result set for
// workflowID, whether the run is still in flight (live snapshot straight
// off the executing *executor.Run, which keeps accumulating results while
// suspended on a HIL/AIL gate) or has already finished (terminal snapshot).
func (g *Gateway) GetTaskResult(_ context.Context, workflowID, taskID string) (any, bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if st, ok := g.runs[workflowID]; ok {
		if st.run != nil {
			v, found := st.run.Results()[taskID]
			return v, found, nil
		}
		v, found := st.lastResults[taskID]
		return v, found, nil
	}
	if res, ok := g.finished[workflowID]; ok {
		v, found := res.Results[taskID]
		return v, found, nil
	}
	return nil, false, pmlerrors.Newf(pmlerrors.KindUnknownReference, "workflow %s not found", workflowID)
}

func (g *Gateway) lookupRun(workflowID string) (*runState, error) {
	g.mu.Lock()
	st, ok := g.runs[workflowID]
	g.mu.Unlock()
	if !ok {
		return nil, pmlerrors.Newf(pmlerrors.KindUnknownReference, "workflow %s not found or already finished", workflowID)
	}
	return st, nil
}

// lazyAilDecider defers building a ControllerAilDecider until the run's
// Controller exists (runHandler constructs it after StartRun has already
// returned the handle Execute needs to record into runState).
type lazyAilDecider struct {
	gateway    *Gateway
	workflowID string
}

func (d *lazyAilDecider) Decide(ctx context.Context, runID string, task *dag.Task) (string, error) {
	d.gateway.mu.Lock()
	st, ok := d.gateway.runs[d.workflowID]
	d.gateway.mu.Unlock()
	if !ok || st.ctrl == nil {
		return "", pmlerrors.New(pmlerrors.KindInternalError, "ail decision requested before run controller was ready")
	}
	return (&ControllerAilDecider{Controller: st.ctrl}).Decide(ctx, runID, task)
}
