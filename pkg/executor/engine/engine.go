// Package engine abstracts the durable execution backend behind the
// Controlled DAG Executor (spec §4.4): an Engine turns one DAG run into a
// long-lived, signalable, checkpointable unit of work, so the executor can
// target an in-process backend during development (engine/inmem) or Temporal
// in production (engine/temporal) without changing its scheduling logic.
// Adapted directly from the teacher's runtime/agent/engine package, which
// solves the identical "pluggable durable workflow backend" problem for its
// agent runtime; the shapes are renamed from agent/workflow vocabulary to
// DAG-run vocabulary but the interface boundary is unchanged.
package engine

import (
	"context"
	"time"
)

type (
	// Engine registers and starts DAG runs against a durable backend.
	Engine interface {
		// RegisterRun registers a run definition with the engine. Called once
		// during process startup before any run is started.
		RegisterRun(ctx context.Context, def RunDefinition) error

		// RegisterActivity registers a task-execution activity (one tool or
		// capability invocation through the Sandbox Worker Bridge).
		RegisterActivity(ctx context.Context, def ActivityDefinition) error

		// StartRun launches a new DAG run and returns a handle to it. req.ID
		// must be unique within the engine instance.
		StartRun(ctx context.Context, req RunStartRequest) (RunHandle, error)
	}

	// RunDefinition binds a run handler to a logical name and default queue.
	RunDefinition struct {
		Name      string
		TaskQueue string
		Handler   RunFunc
	}

	// RunFunc is the DAG run entry point: given a RunContext and the
	// resolved call parameters, it schedules every DAG layer and returns the
	// run's final result or error. It must be deterministic under replay:
	// no direct I/O, no randomness, no wall-clock reads outside
	// RunContext.Now.
	RunFunc func(ctx RunContext, input any) (any, error)

	// RunContext exposes engine operations to a run handler running inside
	// the backend's deterministic execution environment.
	RunContext interface {
		Context() context.Context
		RunID() string

		// ExecuteActivity schedules one DAG task (a tool/capability call)
		// and blocks for its result.
		ExecuteActivity(ctx context.Context, req ActivityRequest, result any) error
		// ExecuteActivityAsync schedules a task without blocking, for
		// layers that run multiple tasks concurrently.
		ExecuteActivityAsync(ctx context.Context, req ActivityRequest) (Future, error)

		// SignalChannel returns the channel for a named external signal
		// (pause, resume, hil_approval, ail_approval, replan, cancel).
		SignalChannel(name string) SignalChannel

		Now() time.Time
	}

	// Future is a pending activity result, used to run a DAG layer's tasks
	// concurrently and collect them once all have started.
	Future interface {
		Get(ctx context.Context, result any) error
		IsReady() bool
	}

	// ActivityDefinition registers one task-execution activity.
	ActivityDefinition struct {
		Name    string
		Handler ActivityFunc
		Options ActivityOptions
	}

	// ActivityFunc executes one DAG task's side effect (an RPC to a tool or
	// a nested capability call through the bridge).
	ActivityFunc func(ctx context.Context, input any) (any, error)

	// ActivityOptions configures retry/timeout behavior for one activity.
	ActivityOptions struct {
		Queue       string
		RetryPolicy RetryPolicy
		Timeout     time.Duration
	}

	// RunStartRequest describes how to launch a DAG run.
	RunStartRequest struct {
		ID               string
		Run              string
		TaskQueue        string
		Input            any
		Memo             map[string]any
		SearchAttributes map[string]any
		RetryPolicy      RetryPolicy
	}

	// ActivityRequest schedules one task execution from within a run.
	ActivityRequest struct {
		Name        string
		Input       any
		Queue       string
		RetryPolicy RetryPolicy
		Timeout     time.Duration
	}

	// RunHandle lets callers wait on, signal, or cancel a started run.
	RunHandle interface {
		Wait(ctx context.Context, result any) error
		Signal(ctx context.Context, name string, payload any) error
		Cancel(ctx context.Context) error
	}

	// RetryPolicy is shared retry configuration for runs and activities.
	// Grounded on spec §7's retry taxonomy (ToolUnreachable/ToolTimeout are
	// retried with backoff before surfacing).
	RetryPolicy struct {
		MaxAttempts        int
		InitialInterval    time.Duration
		BackoffCoefficient float64
	}

	// SignalChannel delivers external signals (pause/resume/approval/replan)
	// to a running DAG run in an engine-agnostic way.
	SignalChannel interface {
		Receive(ctx context.Context, dest any) error
		ReceiveAsync(dest any) bool
	}
)

// Well-known signal channel names used by the executor's HIL/AIL gates and
// pause/resume control (spec §4.4, §4.7).
const (
	SignalPause      = "pause"
	SignalResume     = "resume"
	SignalCancel     = "cancel"
	SignalHilApprove = "hil_approval"
	SignalAilApprove = "ail_approval"
	SignalReplan     = "replan"
)
