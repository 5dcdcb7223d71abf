package pml

import (
	"context"
	"fmt"
	"strings"

	"github.com/casys-ai/pml/pkg/bridge"
	"github.com/casys-ai/pml/pkg/capability"
	"github.com/casys-ai/pml/pkg/dag"
	"github.com/casys-ai/pml/pkg/pmlerrors"
	"github.com/casys-ai/pml/pkg/routing"
	"github.com/casys-ai/pml/pkg/trace"
)

// BridgeInvoker adapts the Sandbox Worker Bridge into an executor.Invoker:
// the executor resolves a task's arguments and hands them here,
// BridgeInvoker synthesizes the one-line capability source the Bridge's
// sandboxed worker understands and runs it through bridge.Execute, so every
// task still goes through the Sandbox Worker Bridge exactly as spec §2's
// data flow requires ("each task is emitted to Sandbox Worker Bridge"),
// whether it is a single tool call or a nested capability.
//
// A fresh *bridge.Bridge is built per Invoke call, scoped to a per-task
// bridge.TraceRecorder from the run's trace.Recorder (trace.Recorder.ForTask),
// rather than sharing one long-lived Bridge across every task: Bridge itself
// is a cheap struct wrapping its Options, and per-task scoping is how the
// bridge<->trace boundary stays decoupled (pkg/bridge never imports
// pkg/trace).
type BridgeInvoker struct {
	Tools    bridge.ToolClient
	Resolver bridge.CapabilityResolver
	Routes   *routing.Resolver
	Retry    bridge.RetryPolicy
	Trace    *trace.Recorder
}

// Invoke implements executor.Invoker.
func (b *BridgeInvoker) Invoke(ctx context.Context, task *dag.Task, args map[string]any) (any, error) {
	var rec bridge.TraceRecorder
	if b.Trace != nil {
		rec = b.Trace.ForTask(task.ID, task.Tool)
	}
	br := bridge.New(bridge.Options{
		Tools:       b.Tools,
		Resolver:    b.Resolver,
		Routes:      b.Routes,
		Trace:       rec,
		RetryPolicy: b.Retry,
	})

	switch task.Type {
	case capability.NodeTask:
		server, action, ok := splitToolID(task.Tool)
		if !ok {
			return nil, pmlerrors.Newf(pmlerrors.KindUnknownReference, "task %s has malformed tool id %q", task.ID, task.Tool)
		}
		source := fmt.Sprintf("mcp.%s.%s(__args)", server, action)
		return br.Execute(ctx, source, args)

	case capability.NodeCapability:
		if b.Resolver == nil {
			return nil, pmlerrors.Newf(pmlerrors.KindInternalError, "task %s calls capability %s but no CapabilityResolver is configured", task.ID, task.CapabilityID)
		}
		source, err := b.Resolver.Source(ctx, task.CapabilityID)
		if err != nil {
			return nil, err
		}
		return br.Execute(ctx, source, args)

	default:
		return nil, pmlerrors.Newf(pmlerrors.KindInternalError, "task %s has non-executable node type %s", task.ID, task.Type)
	}
}

// splitToolID splits a dotted tool id into its server and action, stripping
// a leading "mcp." root the same way the structure builder's serverOf does
// (task.Tool carries the full call path, e.g. "mcp.fs.read" or
// "mcp.notion.pages.create"): the segment right after "mcp." is the server,
// everything after that rejoined by "." is the action.
func splitToolID(tool string) (server, action string, ok bool) {
	parts := strings.Split(tool, ".")
	if len(parts) >= 2 && parts[0] == "mcp" {
		parts = parts[1:]
	}
	if len(parts) < 2 {
		return "", "", false
	}
	return parts[0], strings.Join(parts[1:], "."), true
}

// StoreCapabilityResolver adapts capability.Store into bridge.CapabilityResolver
// for in-process nested capability calls.
type StoreCapabilityResolver struct {
	Store capability.Store
}

// Source implements bridge.CapabilityResolver.
func (r *StoreCapabilityResolver) Source(ctx context.Context, fqdn capability.FQDN) (string, error) {
	cap, err := r.Store.GetByFQDN(ctx, fqdn)
	if err != nil {
		return "", err
	}
	if cap == nil {
		return "", pmlerrors.Newf(pmlerrors.KindUnknownReference, "capability %s not found", fqdn)
	}
	return cap.Code, nil
}
