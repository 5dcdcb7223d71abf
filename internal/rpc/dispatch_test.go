package rpc_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/casys-ai/pml/internal/rpc"
	"github.com/casys-ai/pml/pkg/capability"
	"github.com/casys-ai/pml/pkg/capability/memorystore"
	"github.com/casys-ai/pml/pkg/pml"
	"github.com/casys-ai/pml/pkg/structure"
)

type fakeToolClient struct{}

func (fakeToolClient) Call(_ context.Context, _ capability.Routing, server, action string, args map[string]any) (any, error) {
	return map[string]any{"server": server, "action": action, "args": args}, nil
}

func newTestDispatcher(t *testing.T) *rpc.Dispatcher {
	t.Helper()
	catalog := structure.NewStaticCatalog()
	catalog.Tools["mcp.fs.read"] = &structure.ToolDef{Server: "fs", Action: "read"}

	g, err := pml.NewGateway(context.Background(), pml.Options{
		Capability: memorystore.New(),
		Tools:      fakeToolClient{},
		Catalog:    catalog,
	})
	require.NoError(t, err)
	return rpc.New(g)
}

func mustJSON(t *testing.T, v any) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	return raw
}

func TestDispatchExecuteAndGetTaskResult(t *testing.T) {
	d := newTestDispatcher(t)
	ctx := context.Background()

	res, err := d.Handle(ctx, "execute", mustJSON(t, map[string]any{
		"org": "acme", "project": "demo", "displayName": "files.readOne",
		"code": `const a = await mcp.fs.read({ path: "in.txt" }); return a;`,
	}))
	require.NoError(t, err)
	execRes, ok := res.(*pml.ExecutionResult)
	require.True(t, ok)
	assert.True(t, execRes.Success)

	result, err := d.Handle(ctx, "get_task_result", mustJSON(t, map[string]any{
		"workflowId": execRes.WorkflowID, "taskId": "task_0",
	}))
	require.NoError(t, err)
	assert.NotNil(t, result)
}

func TestDispatchListAndLookup(t *testing.T) {
	d := newTestDispatcher(t)
	ctx := context.Background()

	_, err := d.Handle(ctx, "execute", mustJSON(t, map[string]any{
		"org": "acme", "project": "demo", "displayName": "files.readOne",
		"code": `const a = await mcp.fs.read({ path: "in.txt" }); return a;`,
	}))
	require.NoError(t, err)

	listed, err := d.Handle(ctx, "list", mustJSON(t, map[string]any{
		"org": "acme", "project": "demo",
	}))
	require.NoError(t, err)
	caps, ok := listed.([]*capability.Capability)
	require.True(t, ok)
	assert.Len(t, caps, 1)

	looked, err := d.Handle(ctx, "lookup", mustJSON(t, map[string]any{
		"org": "acme", "project": "demo", "name": "files.readOne",
	}))
	require.NoError(t, err)
	cap, ok := looked.(*capability.Capability)
	require.True(t, ok)
	assert.Equal(t, "files.readOne", cap.DisplayName)
}

func TestDispatchUnknownMethod(t *testing.T) {
	d := newTestDispatcher(t)
	_, err := d.Handle(context.Background(), "not_a_method", nil)
	require.Error(t, err)
}

func TestDispatchBadParams(t *testing.T) {
	d := newTestDispatcher(t)
	_, err := d.Handle(context.Background(), "execute", json.RawMessage(`{"org": 42}`))
	require.Error(t, err)
}
