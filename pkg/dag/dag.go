// Package dag converts a capability.StaticStructure, together with its
// resolved call-time arguments, into an executable DAGStructure: decision
// nodes are resolved into the single branch their guard took (or, for the
// DAG Converter's static form, into one conditional task per outcome so the
// executor can pick a layer at run time), fork/join become layered
// concurrency groups, and every task's arguments are carried forward for the
// Argument Resolver. Grounded on the teacher's runtime/agent/runtime package,
// which likewise turns a static plan into a run-time schedule before handing
// it to the engine.
package dag

import (
	"github.com/casys-ai/pml/pkg/capability"
	"github.com/casys-ai/pml/pkg/pmlerrors"
)

// TaskState is the lifecycle of one DAG task during execution (spec §4.4).
type TaskState string

const (
	TaskPending   TaskState = "pending"
	TaskRunning   TaskState = "running"
	TaskCompleted TaskState = "completed"
	TaskFailed    TaskState = "failed"
	TaskSkipped   TaskState = "skipped"
	TaskCancelled TaskState = "cancelled"
)

// Task is one executable unit in the converted DAG: a task or capability
// node from the StaticStructure, plus the guard (if any) gating it and the
// set of predecessor task ids it depends on.
type Task struct {
	ID           string
	Type         capability.NodeType
	Tool         string
	CapabilityID capability.FQDN
	Arguments    map[string]capability.ArgumentValue
	Guard        string   // non-empty for a task that only runs if its decision took this outcome
	GuardSource  string   // the decision's raw condition expression, for runtime guard evaluation
	GuardNodeID  string   // the gating decision node's id, for trace Decision{nodeId, outcome} entries
	DependsOn    []string // predecessor task ids (sequence/fork/join/conditional edges collapsed)

	// SafeToFail marks a branch whose failure the executor records but does
	// not propagate to the Run's own outcome (spec §4.4 "Safe-to-fail
	// branches"); descendants still dependent on its output are skipped.
	SafeToFail bool

	State TaskState
}

// Layer is a set of tasks with no edges between them, eligible to run
// concurrently (spec §5: layered topological concurrency, bounded by the
// executor's per-layer rate.Limiter budget).
type Layer struct {
	TaskIDs []string
}

// Structure is the executable DAG: tasks indexed by id plus the layer order
// the executor walks.
type Structure struct {
	Tasks  map[string]*Task
	Layers []Layer
}

// Convert implements spec §4.4's DAG Converter: it flattens decision/fork/join
// nodes into a plain task graph with guards and dependency edges, then
// computes the topological layering the executor schedules against.
func Convert(ss capability.StaticStructure) (*Structure, error) {
	tasks := map[string]*Task{}
	deps := map[string][]string{}      // node id -> predecessor node ids
	guards := map[string]string{}      // node id -> guard expression, if gated by a decision
	guardSource := map[string]string{} // node id -> the gating decision's condition text
	guardNodeID := map[string]string{} // node id -> the gating decision's node id
	condByID := map[string]string{}    // decision node id -> condition text

	for _, n := range ss.Nodes {
		if n.Type == capability.NodeDecision {
			condByID[n.ID] = n.Condition
		}
		switch n.Type {
		case capability.NodeTask, capability.NodeCapability:
			tasks[n.ID] = &Task{
				ID:           n.ID,
				Type:         n.Type,
				Tool:         n.Tool,
				CapabilityID: n.CapabilityID,
				Arguments:    n.Arguments,
				SafeToFail:   n.SafeToFail,
				State:        TaskPending,
			}
		case capability.NodeDecision, capability.NodeFork, capability.NodeJoin:
			// Decision/fork/join are control-flow markers, not executable
			// tasks; they contribute guards and dependency edges below but
			// never appear in the resulting Structure.Tasks themselves.
		}
	}

	// reversePred indexes, for every node (task or control marker), the node
	// ids of its immediate predecessors along sequence/conditional edges.
	// Fork/join/decision markers have no Task entry, so a task "downstream"
	// of one must have its real dependency resolved transitively through
	// the marker (resolveTaskPreds below) rather than depending on the
	// marker id directly.
	reversePred := map[string][]string{}
	for _, e := range ss.Edges {
		switch e.Type {
		case capability.EdgeSeq, capability.EdgeConditional:
			reversePred[e.To] = append(reversePred[e.To], e.From)
			if e.Type == capability.EdgeConditional {
				if _, ok := tasks[e.To]; ok {
					guards[e.To] = e.Outcome
					guardSource[e.To] = condByID[e.From]
					guardNodeID[e.To] = e.From
				}
			}
		case capability.EdgeProv:
			// Provides edges describe data-flow coverage, already captured
			// in Arguments by reference; they add no scheduling dependency
			// beyond the sequence edge that always accompanies them.
		}
	}

	for id := range tasks {
		for _, from := range reversePred[id] {
			deps[id] = append(deps[id], resolveTaskPreds(from, tasks, reversePred, map[string]bool{})...)
		}
	}

	for id, task := range tasks {
		task.Guard = guards[id]
		task.GuardSource = guardSource[id]
		task.GuardNodeID = guardNodeID[id]
		task.DependsOn = dedupe(deps[id])
	}

	layers, err := layer(tasks)
	if err != nil {
		return nil, err
	}

	return &Structure{Tasks: tasks, Layers: layers}, nil
}

// resolveTaskPreds walks backward from id through any chain of fork/join/
// decision markers until it reaches real tasks, returning every task id
// found. A task id resolves to itself; a marker id resolves to the union of
// its own predecessors' resolutions (e.g. a join resolves to every branch
// task that feeds it, so whatever follows the join depends on all of them).
func resolveTaskPreds(id string, tasks map[string]*Task, reversePred map[string][]string, visiting map[string]bool) []string {
	if _, ok := tasks[id]; ok {
		return []string{id}
	}
	if visiting[id] {
		return nil
	}
	visiting[id] = true
	var out []string
	for _, p := range reversePred[id] {
		out = append(out, resolveTaskPreds(p, tasks, reversePred, visiting)...)
	}
	return out
}

func dedupe(ids []string) []string {
	seen := map[string]bool{}
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}

// layer computes Kahn's algorithm topological layering: each layer holds
// every task whose dependencies are already satisfied by prior layers,
// maximizing the concurrency the executor's layer budget can exploit (spec
// §5).
func layer(tasks map[string]*Task) ([]Layer, error) {
	remaining := map[string][]string{}
	for id, t := range tasks {
		remaining[id] = append([]string(nil), t.DependsOn...)
	}

	done := map[string]bool{}
	var layers []Layer
	for len(done) < len(tasks) {
		var ready []string
		for id, deps := range remaining {
			if done[id] {
				continue
			}
			allDone := true
			for _, d := range deps {
				if !done[d] {
					allDone = false
					break
				}
			}
			if allDone {
				ready = append(ready, id)
			}
		}
		if len(ready) == 0 {
			return nil, pmlerrors.New(pmlerrors.KindStaticValidationError, "dependency cycle detected while layering the DAG").
				WithHint("capability code must not produce a circular data dependency between tasks")
		}
		for _, id := range ready {
			done[id] = true
		}
		layers = append(layers, Layer{TaskIDs: ready})
	}
	return layers, nil
}
