package executor_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/casys-ai/pml/pkg/capability"
	"github.com/casys-ai/pml/pkg/dag"
	"github.com/casys-ai/pml/pkg/executor"
	"github.com/casys-ai/pml/pkg/executor/interrupt"
	"github.com/casys-ai/pml/pkg/pmlerrors"
	"github.com/casys-ai/pml/pkg/workflowcache"
)

type guardEvaluatorFunc func(ctx context.Context, source string, params map[string]any) (string, error)

func (f guardEvaluatorFunc) Evaluate(ctx context.Context, source string, params map[string]any) (string, error) {
	return f(ctx, source, params)
}

type recordingInvoker struct {
	calls []string
}

func (r *recordingInvoker) Invoke(_ context.Context, task *dag.Task, args map[string]any) (any, error) {
	r.calls = append(r.calls, task.ID)
	return map[string]any{"echo": args}, nil
}

type collectingEmitter struct {
	events []executor.Event
}

func (c *collectingEmitter) Emit(e executor.Event) { c.events = append(c.events, e) }

type collectingTrace struct {
	executedNodes []string
	decisions     map[string]string
}

func (c *collectingTrace) RecordExecutedNode(nodeID string) {
	c.executedNodes = append(c.executedNodes, nodeID)
}

func (c *collectingTrace) RecordDecision(nodeID, outcome string) {
	if c.decisions == nil {
		c.decisions = map[string]string{}
	}
	c.decisions[nodeID] = outcome
}

// failingInvoker fails every task whose id is in fail with a ToolError,
// echoing everything else, for exercising safe-to-fail branches.
type failingInvoker struct {
	fail  map[string]bool
	calls []string
}

func (f *failingInvoker) Invoke(_ context.Context, task *dag.Task, args map[string]any) (any, error) {
	f.calls = append(f.calls, task.ID)
	if f.fail[task.ID] {
		return nil, pmlerrors.New(pmlerrors.KindToolError, task.ID+" failed")
	}
	return map[string]any{"echo": args}, nil
}

func noRunContext() context.Context { return context.Background() }

func twoLayerStructure() *dag.Structure {
	return &dag.Structure{
		Tasks: map[string]*dag.Task{
			"task_0": {ID: "task_0", Type: capability.NodeTask, Tool: "fs.read", State: dag.TaskPending,
				Arguments: map[string]capability.ArgumentValue{"path": capability.Parameter("path")}},
			"task_1": {ID: "task_1", Type: capability.NodeTask, Tool: "fs.write", State: dag.TaskPending, DependsOn: []string{"task_0"},
				Arguments: map[string]capability.ArgumentValue{"content": capability.Reference("task_0.echo")}},
		},
		Layers: []dag.Layer{{TaskIDs: []string{"task_0"}}, {TaskIDs: []string{"task_1"}}},
	}
}

func TestExecuteRunsAllLayersToCompletion(t *testing.T) {
	inv := &recordingInvoker{}
	emitter := &collectingEmitter{}
	run := executor.New("run-1", twoLayerStructure(), map[string]any{"path": "/tmp/x"}, executor.Options{
		Invoker: inv,
		Events:  emitter,
	})

	results, err := run.Execute(noRunContext(), interrupt.NewController(newFakeRunContext()))
	require.NoError(t, err)
	assert.Equal(t, executor.StatusCompleted, run.Status())
	assert.Len(t, inv.calls, 2)
	assert.Contains(t, results, "task_0")
	assert.Contains(t, results, "task_1")
}

func TestExecutePersistsCheckpointsAlongTheWay(t *testing.T) {
	inv := &recordingInvoker{}
	store := workflowcache.NewInMemStore()
	run := executor.New("run-2", twoLayerStructure(), map[string]any{"path": "/tmp/x"}, executor.Options{
		Invoker:     inv,
		Checkpoints: store,
	})

	_, err := run.Execute(noRunContext(), interrupt.NewController(newFakeRunContext()))
	require.NoError(t, err)

	cp, err := store.Load(noRunContext(), "run-2")
	require.NoError(t, err)
	assert.Equal(t, string(executor.StatusCompleted), cp.Status)
	assert.Equal(t, dag.TaskCompleted, cp.TaskStates["task_0"])
	assert.Equal(t, dag.TaskCompleted, cp.TaskStates["task_1"])
}

type refusingApprovalPolicy struct{}

func (refusingApprovalPolicy) RequiresApproval(t *dag.Task) bool { return t.Tool == "fs.write" }

func TestExecuteSuspendsForHilApprovalAndFailsOnRejection(t *testing.T) {
	inv := &recordingInvoker{}
	rc := newFakeRunContext()
	run := executor.New("run-3", twoLayerStructure(), map[string]any{"path": "/tmp/x"}, executor.Options{
		Invoker:        inv,
		ApprovalPolicy: refusingApprovalPolicy{},
	})
	ctrl := interrupt.NewController(rc)

	rc.signal(interrupt.ApprovalDecision{RunID: "run-3", TaskID: "task_1", Approved: false}, "hil_approval")

	_, err := run.Execute(noRunContext(), ctrl)
	require.Error(t, err)
	assert.Equal(t, executor.StatusFailed, run.Status())
	assert.Equal(t, []string{"task_0"}, inv.calls)
}

func TestExecuteRecordsExecutedNodesAndDecisions(t *testing.T) {
	structure := &dag.Structure{
		Tasks: map[string]*dag.Task{
			"task_0": {ID: "task_0", Type: capability.NodeTask, Tool: "fs.read", State: dag.TaskPending,
				Guard: "true", GuardSource: "params.mode", GuardNodeID: "decision_0"},
			"task_1": {ID: "task_1", Type: capability.NodeTask, Tool: "fs.write", State: dag.TaskPending,
				Guard: "false", GuardSource: "params.mode", GuardNodeID: "decision_0"},
		},
		Layers: []dag.Layer{{TaskIDs: []string{"task_0", "task_1"}}},
	}
	inv := &recordingInvoker{}
	tr := &collectingTrace{}
	run := executor.New("run-5", structure, map[string]any{"mode": "true"}, executor.Options{
		Invoker: inv,
		GuardEvaluator: guardEvaluatorFunc(func(_ context.Context, source string, params map[string]any) (string, error) {
			return fmt.Sprintf("%v", params["mode"]), nil
		}),
		Trace: tr,
	})

	_, err := run.Execute(noRunContext(), interrupt.NewController(newFakeRunContext()))
	require.NoError(t, err)
	assert.Equal(t, []string{"task_0"}, inv.calls)
	assert.Equal(t, []string{"task_0"}, tr.executedNodes)
	assert.Equal(t, "true", tr.decisions["decision_0"])
}

func TestResumeSkipsAlreadyCompletedTasks(t *testing.T) {
	structure := twoLayerStructure()
	structure.Tasks["task_0"].State = dag.TaskCompleted

	inv := &recordingInvoker{}
	run := executor.Resume(workflowcache.Checkpoint{
		RunID:      "run-4",
		Status:     string(executor.StatusPaused),
		Parameters: map[string]any{"path": "/tmp/x"},
		Results:    map[string]any{"task_0": map[string]any{"echo": "cached"}},
		TaskStates: map[string]dag.TaskState{"task_0": dag.TaskCompleted},
	}, structure, executor.Options{Invoker: inv})

	_, err := run.Execute(noRunContext(), interrupt.NewController(newFakeRunContext()))
	require.NoError(t, err)
	assert.Equal(t, []string{"task_1"}, inv.calls)
}

// TestResumeProducesIdenticalResultsAsAFreshRun verifies spec §8 Property 7:
// resuming from a checkpoint plus the unchanged catalog produces the same
// output a fresh, uninterrupted run would, given identical tool responses.
func TestResumeProducesIdenticalResultsAsAFreshRun(t *testing.T) {
	params := map[string]any{"path": "/tmp/x"}

	fresh := executor.New("run-8a", twoLayerStructure(), params, executor.Options{Invoker: &recordingInvoker{}})
	freshResults, err := fresh.Execute(noRunContext(), interrupt.NewController(newFakeRunContext()))
	require.NoError(t, err)

	structure := twoLayerStructure()
	structure.Tasks["task_0"].State = dag.TaskCompleted
	resumed := executor.Resume(workflowcache.Checkpoint{
		RunID:      "run-8b",
		Status:     string(executor.StatusPaused),
		Parameters: params,
		Results:    map[string]any{"task_0": map[string]any{"echo": map[string]any{"path": "/tmp/x"}}},
		TaskStates: map[string]dag.TaskState{"task_0": dag.TaskCompleted},
	}, structure, executor.Options{Invoker: &recordingInvoker{}})

	resumedResults, err := resumed.Execute(noRunContext(), interrupt.NewController(newFakeRunContext()))
	require.NoError(t, err)
	assert.Equal(t, freshResults, resumedResults)
}

// safeToFailStructure builds the `[A → B, A → C(safeToFail)]` DAG from spec
// §8 Scenario 6.
func safeToFailStructure() *dag.Structure {
	return &dag.Structure{
		Tasks: map[string]*dag.Task{
			"task_a": {ID: "task_a", Type: capability.NodeTask, Tool: "x.a", State: dag.TaskPending},
			"task_b": {ID: "task_b", Type: capability.NodeTask, Tool: "x.b", State: dag.TaskPending, DependsOn: []string{"task_a"}},
			"task_c": {ID: "task_c", Type: capability.NodeTask, Tool: "x.c", State: dag.TaskPending, DependsOn: []string{"task_a"}, SafeToFail: true},
		},
		Layers: []dag.Layer{{TaskIDs: []string{"task_a"}}, {TaskIDs: []string{"task_b", "task_c"}}},
	}
}

func TestExecuteSafeToFailBranchStillCompletesSuccessfully(t *testing.T) {
	structure := safeToFailStructure()
	inv := &failingInvoker{fail: map[string]bool{"task_c": true}}
	tr := &collectingTrace{}
	run := executor.New("run-6", structure, nil, executor.Options{
		Invoker: inv,
		Trace:   tr,
	})

	results, err := run.Execute(noRunContext(), interrupt.NewController(newFakeRunContext()))
	require.NoError(t, err)
	assert.Equal(t, executor.StatusCompleted, run.Status())
	assert.Contains(t, results, "task_a")
	assert.Contains(t, results, "task_b")
	assert.NotContains(t, results, "task_c")
	assert.Equal(t, dag.TaskFailed, structure.Tasks["task_c"].State)
	assert.ElementsMatch(t, []string{"task_a", "task_b", "task_c"}, tr.executedNodes)
}

func TestExecuteSkipsDescendantsOfAFailedSafeToFailTask(t *testing.T) {
	structure := safeToFailStructure()
	structure.Tasks["task_d"] = &dag.Task{ID: "task_d", Type: capability.NodeTask, Tool: "x.d", State: dag.TaskPending, DependsOn: []string{"task_c"}}
	structure.Layers = append(structure.Layers, dag.Layer{TaskIDs: []string{"task_d"}})

	inv := &failingInvoker{fail: map[string]bool{"task_c": true}}
	run := executor.New("run-7", structure, nil, executor.Options{Invoker: inv})

	results, err := run.Execute(noRunContext(), interrupt.NewController(newFakeRunContext()))
	require.NoError(t, err)
	assert.Equal(t, executor.StatusCompleted, run.Status())
	assert.NotContains(t, inv.calls, "task_d")
	assert.NotContains(t, results, "task_d")
	assert.Equal(t, dag.TaskSkipped, structure.Tasks["task_d"].State)
}
