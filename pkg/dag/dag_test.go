package dag

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/casys-ai/pml/pkg/capability"
)

func TestConvertSequence(t *testing.T) {
	ss := capability.StaticStructure{
		Nodes: []capability.Node{
			{ID: "task_0", Type: capability.NodeTask, Tool: "mcp.fs.read"},
			{ID: "task_1", Type: capability.NodeTask, Tool: "mcp.fs.write"},
		},
		Edges: []capability.Edge{
			{From: "task_0", To: "task_1", Type: capability.EdgeSeq},
		},
	}

	out, err := Convert(ss)
	require.NoError(t, err)
	require.Len(t, out.Layers, 2)
	require.ElementsMatch(t, []string{"task_0"}, out.Layers[0].TaskIDs)
	require.ElementsMatch(t, []string{"task_1"}, out.Layers[1].TaskIDs)
	require.Equal(t, []string{"task_0"}, out.Tasks["task_1"].DependsOn)
}

func TestConvertForkJoinCollapsesToTaskDeps(t *testing.T) {
	ss := capability.StaticStructure{
		Nodes: []capability.Node{
			{ID: "task_0", Type: capability.NodeTask},
			{ID: "fork_0", Type: capability.NodeFork},
			{ID: "task_1", Type: capability.NodeTask},
			{ID: "task_2", Type: capability.NodeTask},
			{ID: "join_0", Type: capability.NodeJoin},
			{ID: "task_3", Type: capability.NodeTask},
		},
		Edges: []capability.Edge{
			{From: "task_0", To: "fork_0", Type: capability.EdgeSeq},
			{From: "fork_0", To: "task_1", Type: capability.EdgeSeq},
			{From: "fork_0", To: "task_2", Type: capability.EdgeSeq},
			{From: "task_1", To: "join_0", Type: capability.EdgeSeq},
			{From: "task_2", To: "join_0", Type: capability.EdgeSeq},
			{From: "join_0", To: "task_3", Type: capability.EdgeSeq},
		},
	}

	out, err := Convert(ss)
	require.NoError(t, err)
	require.NotContains(t, out.Tasks, "fork_0")
	require.NotContains(t, out.Tasks, "join_0")
	require.ElementsMatch(t, []string{"task_0"}, out.Tasks["task_1"].DependsOn)
	require.ElementsMatch(t, []string{"task_0"}, out.Tasks["task_2"].DependsOn)
	require.ElementsMatch(t, []string{"task_1", "task_2"}, out.Tasks["task_3"].DependsOn)

	require.Len(t, out.Layers, 3)
	require.ElementsMatch(t, []string{"task_0"}, out.Layers[0].TaskIDs)
	require.ElementsMatch(t, []string{"task_1", "task_2"}, out.Layers[1].TaskIDs)
	require.ElementsMatch(t, []string{"task_3"}, out.Layers[2].TaskIDs)
}

func TestConvertConditionalGuard(t *testing.T) {
	ss := capability.StaticStructure{
		Nodes: []capability.Node{
			{ID: "decision_0", Type: capability.NodeDecision, Condition: "params.mode"},
			{ID: "task_0", Type: capability.NodeTask},
			{ID: "task_1", Type: capability.NodeTask},
		},
		Edges: []capability.Edge{
			{From: "decision_0", To: "task_0", Type: capability.EdgeConditional, Outcome: "true"},
			{From: "decision_0", To: "task_1", Type: capability.EdgeConditional, Outcome: "false"},
		},
	}

	out, err := Convert(ss)
	require.NoError(t, err)
	require.Equal(t, "true", out.Tasks["task_0"].Guard)
	require.Equal(t, "false", out.Tasks["task_1"].Guard)
	require.Equal(t, "params.mode", out.Tasks["task_0"].GuardSource)
	require.Equal(t, "decision_0", out.Tasks["task_0"].GuardNodeID)
}
