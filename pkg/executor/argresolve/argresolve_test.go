package argresolve

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/casys-ai/pml/pkg/capability"
)

func TestResolveLiteralParameterReference(t *testing.T) {
	args := map[string]capability.ArgumentValue{
		"path":    capability.Parameter("params.path"),
		"mode":    capability.Literal("overwrite"),
		"content": capability.Reference("task_0.content"),
	}
	ctx := Context{
		Parameters: map[string]any{"params": map[string]any{"path": "/tmp/a.txt"}},
		Results:    map[string]any{"task_0": map[string]any{"content": "hello"}},
	}

	out, err := Resolve(args, ctx)
	require.NoError(t, err)
	require.Equal(t, "/tmp/a.txt", out["path"])
	require.Equal(t, "overwrite", out["mode"])
	require.Equal(t, "hello", out["content"])
}

func TestResolveMissingParameterFails(t *testing.T) {
	args := map[string]capability.ArgumentValue{"path": capability.Parameter("params.path")}
	_, err := Resolve(args, Context{Parameters: map[string]any{}})
	require.Error(t, err)
}

func TestResolveUnresolvedReferenceFails(t *testing.T) {
	args := map[string]capability.ArgumentValue{"x": capability.Reference("task_9.field")}
	_, err := Resolve(args, Context{Results: map[string]any{}})
	require.Error(t, err)
}
