package dag

import (
	"fmt"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/casys-ai/pml/pkg/capability"
)

const topoPropertyTaskCount = 6

// TestConvertTopologicalCorrectnessProperty verifies spec §8 Property 3:
// every DAG edge (u,v) satisfies layer(u) < layer(v), for any acyclic
// dependency graph over a fixed task set.
func TestConvertTopologicalCorrectnessProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	pairCount := topoPropertyTaskCount * (topoPropertyTaskCount - 1) / 2

	properties.Property("every dependency's layer precedes its dependent's layer", prop.ForAll(
		func(edgeBits []bool) bool {
			ss := randomAcyclicStructure(edgeBits)

			out, err := Convert(ss)
			if err != nil {
				return false
			}

			layerOf := map[string]int{}
			for i, l := range out.Layers {
				for _, id := range l.TaskIDs {
					layerOf[id] = i
				}
			}
			for id, task := range out.Tasks {
				for _, dep := range task.DependsOn {
					if layerOf[dep] >= layerOf[id] {
						return false
					}
				}
			}
			return true
		},
		gen.SliceOfN(pairCount, gen.Bool()),
	))

	properties.TestingRun(t)
}

// randomAcyclicStructure builds a task_0..task_{n-1} StaticStructure where
// edgeBits[k] selects whether task_j depends on task_i for the k-th (i,j)
// pair with i<j, guaranteeing acyclicity by construction (every edge points
// from a lower to a higher index).
func randomAcyclicStructure(edgeBits []bool) capability.StaticStructure {
	n := topoPropertyTaskCount
	var ss capability.StaticStructure
	for i := 0; i < n; i++ {
		ss.Nodes = append(ss.Nodes, capability.Node{ID: taskID(i), Type: capability.NodeTask})
	}

	k := 0
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			if edgeBits[k] {
				ss.Edges = append(ss.Edges, capability.Edge{From: taskID(i), To: taskID(j), Type: capability.EdgeSeq})
			}
			k++
		}
	}
	return ss
}

func taskID(i int) string {
	return fmt.Sprintf("task_%d", i)
}
