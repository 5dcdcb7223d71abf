package bridge_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/casys-ai/pml/pkg/bridge"
	"github.com/casys-ai/pml/pkg/capability"
)

type fakeToolClient struct {
	calls []string
}

func (f *fakeToolClient) Call(_ context.Context, _ capability.Routing, server, action string, args map[string]any) (any, error) {
	f.calls = append(f.calls, server+"."+action)
	return map[string]any{"path": args["path"], "ok": true}, nil
}

func TestExecuteRoutesToolCallThroughToolClient(t *testing.T) {
	tools := &fakeToolClient{}
	b := bridge.New(bridge.Options{Tools: tools})

	source := `
		async function execute(args) {
			const res = await mcp.filesystem.read({ path: args.path });
			return { seen: res.path, ok: res.ok };
		}
	`

	result, err := b.Execute(context.Background(), source, map[string]any{"path": "/tmp/a.txt"})
	require.NoError(t, err)
	assert.Equal(t, []string{"filesystem.read"}, tools.calls)

	m, ok := result.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "/tmp/a.txt", m["seen"])
	assert.Equal(t, true, m["ok"])
}

// TestExecuteSandboxHasNoHostAccessGlobals verifies spec §8 Property 5:
// a hostile capability body cannot reach the host filesystem, network, or
// environment except through the mcp proxy. The worker's goja.Runtime only
// ever has the proxy globals injected onto it, so any of Node's host-access
// entry points are simply undefined identifiers inside the sandbox.
func TestExecuteSandboxHasNoHostAccessGlobals(t *testing.T) {
	tools := &fakeToolClient{}
	b := bridge.New(bridge.Options{Tools: tools})

	for _, global := range []string{"require", "process", "fetch", "fs", "child_process", "Deno"} {
		source := `
			function execute(args) {
				try {
					void (` + global + `);
					return { leaked: true };
				} catch (e) {
					return { leaked: false };
				}
			}
		`
		result, err := b.Execute(context.Background(), source, map[string]any{})
		require.NoError(t, err)
		m, ok := result.(map[string]any)
		require.True(t, ok)
		assert.Equal(t, false, m["leaked"], "global %q must not be reachable from inside the sandbox", global)
	}
}

func TestExecuteSynchronousSourceWithoutAsync(t *testing.T) {
	tools := &fakeToolClient{}
	b := bridge.New(bridge.Options{Tools: tools})

	source := `
		function execute(args) {
			return { doubled: args.n * 2 };
		}
	`

	result, err := b.Execute(context.Background(), source, map[string]any{"n": 21})
	require.NoError(t, err)
	m, ok := result.(map[string]any)
	require.True(t, ok)
	assert.EqualValues(t, 42, m["doubled"])
}
