// Package executor implements the Controlled DAG Executor (spec §4.4): a
// layered, cooperatively-suspending scheduler that walks a dag.Structure one
// topological layer at a time, gates dangerous or HIL-flagged tasks behind
// approval, lets an agent-in-the-loop pick a branch at decision points,
// checkpoints at every suspension point so pause/resume/process-restart share
// one mechanism (spec §9 "coroutines/suspension" design note), and emits the
// SSE-equivalent lifecycle events a caller streams to its own UI.
//
// Grounded on the teacher's runtime/agent/runtime package (the agent
// runtime's turn loop: launch concurrent work, suspend at well-known points,
// serialize state) and runtime/agent/interrupt (typed signal draining),
// generalized from "agent conversation turn" to "DAG layer".
package executor

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"github.com/casys-ai/pml/pkg/dag"
	"github.com/casys-ai/pml/pkg/executor/argresolve"
	"github.com/casys-ai/pml/pkg/executor/engine"
	"github.com/casys-ai/pml/pkg/executor/interrupt"
	"github.com/casys-ai/pml/pkg/pmlerrors"
	"github.com/casys-ai/pml/pkg/speculator"
	"github.com/casys-ai/pml/pkg/workflowcache"
)

// Status is the run-level state machine (spec §4.4, §9).
type Status string

const (
	StatusPending        Status = "pending"
	StatusRunning        Status = "running"
	StatusPaused         Status = "paused"
	StatusPausedHil      Status = "paused_hil"
	StatusPausedAil      Status = "paused_ail"
	StatusAwaitingReplan Status = "awaiting_replan"
	StatusCompleted      Status = "completed"
	StatusFailed         Status = "failed"
	StatusCancelled      Status = "cancelled"
)

// DefaultLayerConcurrency is the per-layer in-flight task budget (spec §5).
const DefaultLayerConcurrency = 16

// DefaultHilTimeout is the approval-gate timeout (spec §8: "HIL timeout at
// exactly T=300s").
const DefaultHilTimeout = 5 * time.Minute

type (
	// Invoker executes one DAG task's side effect: a tool call or nested
	// capability call routed through the Sandbox Worker Bridge. Kept as a
	// small interface at the executor/bridge boundary, same idiom as the
	// teacher's engine.ActivityFunc crossing into model.Client.
	Invoker interface {
		Invoke(ctx context.Context, task *dag.Task, args map[string]any) (any, error)
	}

	// GuardEvaluator evaluates a decision node's raw condition source
	// against the current argument context, returning the branch outcome
	// (e.g. "true"/"false", or a switch case value) the executor compares
	// against each conditional task's Guard.
	GuardEvaluator interface {
		Evaluate(ctx context.Context, source string, params map[string]any) (string, error)
	}

	// ApprovalPolicy decides whether a task requires a HIL gate before its
	// layer launches (spec §4.4: "approvalMode=hil resolved against user
	// permissions" or "routing=client AND tool risk >= moderate").
	ApprovalPolicy interface {
		RequiresApproval(task *dag.Task) bool
	}

	// AilDecider surfaces an awaiting_input event to the calling agent and
	// returns the decision string it picks among the outcomes of the
	// decision node gating task's layer (spec §4.4 AIL points).
	AilDecider interface {
		Decide(ctx context.Context, runID string, task *dag.Task) (string, error)
	}

	// EventEmitter publishes the executor's lifecycle events (spec §6).
	// Implementations apply their own backpressure policy (spec §5:
	// trace events may be dropped under a high-water mark, task_start/
	// task_end/approval_required never are).
	EventEmitter interface {
		Emit(event Event)
	}

	// TraceSink receives the two run-level facts the Trace Recorder
	// (pkg/trace) needs to assemble an ExecutionTrace's executedPath and
	// decisions (spec §3): which nodes actually ran, and which outcome
	// each decision node took. Per-task RPC-level detail (spec §3
	// taskResults) is recorded separately, by the bridge.TraceRecorder the
	// concrete Invoker scopes to each task before calling the bridge.
	TraceSink interface {
		RecordExecutedNode(nodeID string)
		RecordDecision(nodeID, outcome string)
	}

	// Event is one SSE-equivalent lifecycle event.
	Event struct {
		Type       string
		RunID      string
		TaskID     string
		Outcome    string
		Error      string
		Approval   *ApprovalContext
		OccurredAt time.Time
	}

	// ApprovalContext accompanies an approval_required event (spec §6 HIL
	// flow).
	ApprovalContext struct {
		Summary      string
		Tools        []string
		Dependencies []string
	}

	// Options configures one Run's dependencies. Invoker is required; the
	// rest have zero-value-safe defaults (no approvals required, no guard
	// evaluation needed, events dropped, no checkpoint store).
	Options struct {
		Invoker          Invoker
		GuardEvaluator   GuardEvaluator
		ApprovalPolicy   ApprovalPolicy
		AilDecider       AilDecider
		Events           EventEmitter
		Trace            TraceSink
		Checkpoints      workflowcache.Store
		Speculator       *speculator.Speculator
		LayerConcurrency int
		HilTimeout       time.Duration
	}

	// Run drives one DAG structure through to completion or suspension.
	Run struct {
		id         string
		structure  *dag.Structure
		parameters map[string]any
		opts       Options
		limiter    *rate.Limiter

		status  Status
		results map[string]any
	}
)

// New builds a Run for structure, ready to execute from layer 0.
func New(runID string, structure *dag.Structure, parameters map[string]any, opts Options) *Run {
	if opts.LayerConcurrency <= 0 {
		opts.LayerConcurrency = DefaultLayerConcurrency
	}
	if opts.HilTimeout <= 0 {
		opts.HilTimeout = DefaultHilTimeout
	}
	return &Run{
		id:         runID,
		structure:  structure,
		parameters: parameters,
		opts:       opts,
		limiter:    rate.NewLimiter(rate.Limit(opts.LayerConcurrency), opts.LayerConcurrency),
		status:     StatusPending,
		results:    map[string]any{},
	}
}

// Resume rebuilds a Run from a previously saved checkpoint, restoring
// completed-task results and per-task state so layering picks up exactly
// where it paused.
func Resume(cp workflowcache.Checkpoint, structure *dag.Structure, opts Options) *Run {
	r := New(cp.RunID, structure, cp.Parameters, opts)
	r.status = Status(cp.Status)
	if cp.Results != nil {
		r.results = cp.Results
	}
	for id, state := range cp.TaskStates {
		if t, ok := r.structure.Tasks[id]; ok {
			t.State = state
		}
	}
	return r
}

// Status reports the run's current state.
func (r *Run) Status() Status { return r.status }

// Results returns the task results accumulated so far, keyed by task id.
func (r *Run) Results() map[string]any { return r.results }

// RunFunc adapts Execute to the engine.RunFunc signature, so a Run can be
// launched through any engine.Engine backend (inmem for local-first use,
// temporal for durable/restart-safe production use).
func RunFunc(structure *dag.Structure, opts Options) engine.RunFunc {
	return func(ctx engine.RunContext, input any) (any, error) {
		params, _ := input.(map[string]any)
		r := New(ctx.RunID(), structure, params, opts)
		ctrl := interrupt.NewController(ctx)
		return r.Execute(ctx.Context(), ctrl)
	}
}

// Execute walks the DAG layer by layer until it completes, fails, is
// cancelled, or suspends awaiting HIL/AIL input or a replan. It is safe to
// call again (via Resume) after a suspension: already-completed tasks are
// skipped.
func (r *Run) Execute(ctx context.Context, ctrl *interrupt.Controller) (map[string]any, error) {
	r.status = StatusRunning
	r.emit(Event{Type: "run_started", RunID: r.id, OccurredAt: now()})

	for layerIdx, layer := range r.structure.Layers {
		if ctrl.PollCancel() {
			return r.finish(ctx, StatusCancelled, nil)
		}

		if _, ok := ctrl.PollReplan(); ok {
			// Splicing a new StaticStructure into the remaining DAG requires
			// re-running the Static Structure Builder and DAG Converter,
			// which live outside the executor; this Run simply checkpoints
			// and yields control back to the caller (pkg/pml), which
			// rebuilds the Structure and starts a fresh Run seeded from this
			// checkpoint's completed results.
			return r.finish(ctx, StatusAwaitingReplan, nil)
		}

		pending := r.pendingTasks(ctx, layer)
		if len(pending) == 0 {
			continue // every task in this layer already completed/skipped from a prior resume
		}

		if gate, task := r.firstGatedTask(pending); gate != "" {
			if suspendErr := r.suspendForGate(ctx, ctrl, gate, task); suspendErr != nil {
				return r.finish(ctx, StatusFailed, suspendErr)
			}
		}

		if _, ok := ctrl.PollPause(); ok {
			r.status = StatusPaused
			r.checkpoint(ctx, r.status)
			if err := r.waitResume(ctx, ctrl); err != nil {
				return r.finish(ctx, StatusFailed, err)
			}
		}

		if err := r.runLayer(ctx, pending); err != nil {
			return r.finish(ctx, StatusFailed, err)
		}

		r.checkpointLayer(ctx, layerIdx)

		if r.opts.Speculator != nil && layerIdx+1 < len(r.structure.Layers) {
			r.opts.Speculator.SpeculateLayer(ctx, r.structure, r.structure.Layers[layerIdx+1], r.parameters, r.results)
		}
	}

	return r.finish(ctx, StatusCompleted, nil)
}

func (r *Run) pendingTasks(ctx context.Context, layer dag.Layer) []*dag.Task {
	var out []*dag.Task
	for _, id := range layer.TaskIDs {
		t := r.structure.Tasks[id]
		if t.State == dag.TaskCompleted || t.State == dag.TaskSkipped {
			continue
		}
		if r.dependsOnFailed(t) {
			t.State = dag.TaskSkipped
			continue
		}
		if t.Guard != "" && !r.guardSatisfied(ctx, t) {
			t.State = dag.TaskSkipped
			continue
		}
		out = append(out, t)
	}
	return out
}

// dependsOnFailed reports whether t depends on a task that failed, which can
// only happen once a failed predecessor was safeToFail (otherwise the Run
// itself would already have failed): t has nothing to resolve its arguments
// against, so it is skipped rather than attempted (spec §4.4).
func (r *Run) dependsOnFailed(t *dag.Task) bool {
	for _, dep := range t.DependsOn {
		if p, ok := r.structure.Tasks[dep]; ok && p.State == dag.TaskFailed {
			return true
		}
	}
	return false
}

func (r *Run) guardSatisfied(ctx context.Context, t *dag.Task) bool {
	if t.GuardSource == "" || r.opts.GuardEvaluator == nil {
		// No evaluator wired and no source captured: fall back to treating
		// the guard as satisfied, since the structure builder already only
		// attaches one conditional task per reachable outcome.
		return true
	}
	outcome, err := r.opts.GuardEvaluator.Evaluate(ctx, t.GuardSource, r.evalScope())
	if err != nil {
		return false
	}
	if r.opts.Trace != nil && t.GuardNodeID != "" {
		r.opts.Trace.RecordDecision(t.GuardNodeID, outcome)
	}
	return outcome == t.Guard
}

// evalScope flattens the run's parameters and accumulated task results into
// one lookup scope for guard-expression evaluation: a decision's condition
// may reference either the call's input parameters or an earlier task's
// result by task id, the same two sources the Argument Resolver draws from.
func (r *Run) evalScope() map[string]any {
	scope := make(map[string]any, len(r.parameters)+len(r.results))
	for k, v := range r.parameters {
		scope[k] = v
	}
	for k, v := range r.results {
		scope[k] = v
	}
	return scope
}

// firstGatedTask finds the first task in a layer needing HIL or AIL
// handling, returning which gate kind fired ("hil", "ail", or "" for none).
func (r *Run) firstGatedTask(pending []*dag.Task) (string, *dag.Task) {
	for _, t := range pending {
		if t.GuardSource != "" && r.opts.AilDecider != nil {
			return "ail", t
		}
	}
	for _, t := range pending {
		if r.opts.ApprovalPolicy != nil && r.opts.ApprovalPolicy.RequiresApproval(t) {
			return "hil", t
		}
	}
	return "", nil
}

func (r *Run) suspendForGate(ctx context.Context, ctrl *interrupt.Controller, gate string, task *dag.Task) error {
	switch gate {
	case "hil":
		r.status = StatusPausedHil
		r.checkpoint(ctx, r.status)
		r.emit(Event{
			Type: "approval_required", RunID: r.id, TaskID: task.ID, OccurredAt: now(),
			Approval: &ApprovalContext{
				Summary: fmt.Sprintf("approval required to run %s", task.Tool),
				Tools:   []string{task.Tool},
			},
		})
		timeoutCtx, cancel := context.WithTimeout(ctx, r.opts.HilTimeout)
		defer cancel()
		decision, err := ctrl.WaitHilApproval(timeoutCtx)
		if err != nil {
			return pmlerrors.New(pmlerrors.KindHilTimeout, "approval gate timed out").WithCause(err)
		}
		if !decision.Approved {
			return pmlerrors.New(pmlerrors.KindUserAborted, "user rejected the approval request")
		}
		r.status = StatusRunning
		return nil

	case "ail":
		r.status = StatusPausedAil
		r.checkpoint(ctx, r.status)
		r.emit(Event{Type: "awaiting_input", RunID: r.id, TaskID: task.ID, OccurredAt: now()})
		outcome, err := r.opts.AilDecider.Decide(ctx, r.id, task)
		if err != nil {
			return pmlerrors.New(pmlerrors.KindHilTimeout, "agent-in-the-loop decision failed").WithCause(err)
		}
		if r.opts.Trace != nil && task.GuardNodeID != "" {
			r.opts.Trace.RecordDecision(task.GuardNodeID, outcome)
		}
		task.Guard = outcome
		r.status = StatusRunning
		return nil
	}
	return nil
}

func (r *Run) waitResume(ctx context.Context, ctrl *interrupt.Controller) error {
	if _, err := ctrl.WaitResume(ctx); err != nil {
		return err
	}
	r.status = StatusRunning
	return nil
}

// runLayer launches every pending task in the layer concurrently, bounded
// by the layer concurrency budget, and joins on all of them before
// returning (spec §5: "launched all at once and joined as a set").
func (r *Run) runLayer(ctx context.Context, pending []*dag.Task) error {
	type outcome struct {
		task   *dag.Task
		result any
		err    error
	}
	results := make(chan outcome, len(pending))

	sem := make(chan struct{}, r.opts.LayerConcurrency)
	for _, t := range pending {
		t := t
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			return ctx.Err()
		}
		go func() {
			defer func() { <-sem }()
			res, err := r.runTask(ctx, t)
			results <- outcome{task: t, result: res, err: err}
		}()
	}

	var firstErr error
	for range pending {
		o := <-results
		if r.opts.Trace != nil {
			r.opts.Trace.RecordExecutedNode(o.task.ID)
		}
		if o.err != nil {
			o.task.State = dag.TaskFailed
			r.emit(Event{Type: "task_end", RunID: r.id, TaskID: o.task.ID, Error: o.err.Error(), OccurredAt: now()})
			if firstErr == nil && !o.task.SafeToFail {
				firstErr = o.err
			}
			continue
		}
		o.task.State = dag.TaskCompleted
		r.results[o.task.ID] = o.result
		r.emit(Event{Type: "task_end", RunID: r.id, TaskID: o.task.ID, Outcome: "success", OccurredAt: now()})
	}
	return firstErr
}

func (r *Run) runTask(ctx context.Context, t *dag.Task) (any, error) {
	r.emit(Event{Type: "task_start", RunID: r.id, TaskID: t.ID, OccurredAt: now()})

	args, err := argresolve.Resolve(t.Arguments, argresolve.Context{
		Parameters: r.parameters,
		Results:    r.results,
	})
	if err != nil {
		return nil, err
	}

	if r.opts.Speculator != nil {
		if result, err, ok := r.opts.Speculator.Lookup(t.ID, args); ok {
			return result, err
		}
	}

	if r.opts.Invoker == nil {
		return nil, pmlerrors.New(pmlerrors.KindInternalError, "executor has no invoker configured")
	}
	return r.opts.Invoker.Invoke(ctx, t, args)
}

func (r *Run) finish(ctx context.Context, status Status, err error) (map[string]any, error) {
	r.status = status
	r.checkpoint(ctx, status)
	switch status {
	case StatusCompleted:
		r.emit(Event{Type: "run_completed", RunID: r.id, OccurredAt: now()})
	case StatusFailed:
		msg := ""
		if err != nil {
			msg = err.Error()
		}
		r.emit(Event{Type: "run_failed", RunID: r.id, Error: msg, OccurredAt: now()})
	case StatusCancelled:
		r.emit(Event{Type: "run_cancelled", RunID: r.id, OccurredAt: now()})
	}
	return r.results, err
}

func (r *Run) emit(e Event) {
	if r.opts.Events != nil {
		r.opts.Events.Emit(e)
	}
}

func (r *Run) checkpoint(ctx context.Context, status Status) {
	r.checkpointAtLayer(ctx, status, -1)
}

func (r *Run) checkpointLayer(ctx context.Context, layerIdx int) {
	r.checkpointAtLayer(ctx, r.status, layerIdx)
}

func (r *Run) checkpointAtLayer(ctx context.Context, status Status, layerIdx int) {
	if r.opts.Checkpoints == nil {
		return
	}
	states := make(map[string]dag.TaskState, len(r.structure.Tasks))
	for id, t := range r.structure.Tasks {
		states[id] = t.State
	}
	_ = r.opts.Checkpoints.Save(ctx, workflowcache.Checkpoint{
		RunID:      r.id,
		Status:     string(status),
		Parameters: r.parameters,
		Results:    r.results,
		TaskStates: states,
		LayerIndex: layerIdx,
	})
}

func now() time.Time { return time.Now() }
