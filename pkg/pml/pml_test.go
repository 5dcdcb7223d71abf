package pml_test

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/casys-ai/pml/pkg/capability"
	"github.com/casys-ai/pml/pkg/capability/memorystore"
	"github.com/casys-ai/pml/pkg/executor"
	"github.com/casys-ai/pml/pkg/pml"
	"github.com/casys-ai/pml/pkg/structure"
)

// fakeToolClient is a bridge.ToolClient that echoes its arguments back
// wrapped with a marker, recording every call it observed.
type fakeToolClient struct {
	mu    sync.Mutex
	calls []string
}

func (f *fakeToolClient) Call(_ context.Context, _ capability.Routing, server, action string, args map[string]any) (any, error) {
	f.mu.Lock()
	f.calls = append(f.calls, server+"."+action)
	f.mu.Unlock()
	return map[string]any{"server": server, "action": action, "args": args}, nil
}

func (f *fakeToolClient) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func newTestGateway(t *testing.T, catalog *structure.StaticCatalog) (*pml.Gateway, *fakeToolClient) {
	t.Helper()
	tools := &fakeToolClient{}
	g, err := pml.NewGateway(context.Background(), pml.Options{
		Capability: memorystore.New(),
		Tools:      tools,
		Catalog:    catalog,
	})
	require.NoError(t, err)
	return g, tools
}

func TestExecuteRequiresCode(t *testing.T) {
	catalog := structure.NewStaticCatalog()
	g, _ := newTestGateway(t, catalog)

	_, err := g.Execute(context.Background(), pml.ExecuteRequest{Org: "acme", Project: "demo"})
	require.Error(t, err)
}

func TestExecuteHappyPathCompletesRun(t *testing.T) {
	catalog := structure.NewStaticCatalog()
	catalog.Tools["mcp.fs.read"] = &structure.ToolDef{Server: "fs", Action: "read"}

	g, tools := newTestGateway(t, catalog)

	res, err := g.Execute(context.Background(), pml.ExecuteRequest{
		Org: "acme", Project: "demo", DisplayName: "files.readOne",
		Code: `const a = await mcp.fs.read({ path: "in.txt" }); return a;`,
	})
	require.NoError(t, err)
	require.NotNil(t, res)

	assert.True(t, res.Success)
	assert.Equal(t, executor.StatusCompleted, res.Status)
	assert.False(t, res.ApprovalRequired)
	assert.Equal(t, res.WorkflowID, res.TraceID)
	require.Contains(t, res.Results, "task_0")

	taskResult, ok := res.Results["task_0"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "fs", taskResult["server"])
	assert.Equal(t, "read", taskResult["action"])
	assert.Equal(t, 1, tools.callCount(), "the DAG has exactly one task, so the tool client should be called exactly once")
}

func TestGetTaskResultAfterCompletion(t *testing.T) {
	catalog := structure.NewStaticCatalog()
	catalog.Tools["mcp.fs.read"] = &structure.ToolDef{Server: "fs", Action: "read"}

	g, _ := newTestGateway(t, catalog)

	res, err := g.Execute(context.Background(), pml.ExecuteRequest{
		Org: "acme", Project: "demo", DisplayName: "files.readOne",
		Code: `const a = await mcp.fs.read({ path: "in.txt" }); return a;`,
	})
	require.NoError(t, err)

	v, found, err := g.GetTaskResult(context.Background(), res.WorkflowID, "task_0")
	require.NoError(t, err)
	assert.True(t, found)
	assert.NotNil(t, v)

	_, found, err = g.GetTaskResult(context.Background(), res.WorkflowID, "no-such-task")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestGetTaskResultUnknownWorkflow(t *testing.T) {
	catalog := structure.NewStaticCatalog()
	g, _ := newTestGateway(t, catalog)

	_, _, err := g.GetTaskResult(context.Background(), "does-not-exist", "task_0")
	require.Error(t, err)
}

func TestExecuteGatesModerateRiskToolBehindHilApproval(t *testing.T) {
	catalog := structure.NewStaticCatalog()
	catalog.Tools["mcp.filesystem.write"] = &structure.ToolDef{Server: "filesystem", Action: "write"}

	g, _ := newTestGateway(t, catalog)
	code := `const a = await mcp.filesystem.write({ path: "out.txt", content: "hi" }); return a;`

	pending, err := g.Execute(context.Background(), pml.ExecuteRequest{
		Org: "acme", Project: "demo", DisplayName: "files.writeOne", Code: code,
	})
	require.NoError(t, err)
	require.NotNil(t, pending)

	assert.True(t, pending.ApprovalRequired)
	assert.Equal(t, executor.StatusPausedHil, pending.Status)
	require.NotNil(t, pending.Approval)
	assert.Contains(t, pending.Approval.Tools, "mcp.filesystem.write")

	final, err := g.ContinueWorkflow(context.Background(), pending.WorkflowID, true, false, "looks safe")
	require.NoError(t, err)
	require.NotNil(t, final)
	assert.True(t, final.Success)
	assert.Equal(t, executor.StatusCompleted, final.Status)
	assert.False(t, final.ApprovalRequired)
}

func TestContinueWorkflowRejectedFailsTheRun(t *testing.T) {
	catalog := structure.NewStaticCatalog()
	catalog.Tools["mcp.filesystem.write"] = &structure.ToolDef{Server: "filesystem", Action: "write"}

	g, _ := newTestGateway(t, catalog)
	code := `const a = await mcp.filesystem.write({ path: "out.txt", content: "hi" }); return a;`

	pending, err := g.Execute(context.Background(), pml.ExecuteRequest{
		Org: "acme", Project: "demo", DisplayName: "files.writeTwo", Code: code,
	})
	require.NoError(t, err)
	require.True(t, pending.ApprovalRequired)

	final, err := g.ContinueWorkflow(context.Background(), pending.WorkflowID, false, false, "not today")
	require.NoError(t, err)
	require.NotNil(t, final)
	assert.False(t, final.Success)
	assert.Equal(t, executor.StatusFailed, final.Status)
	assert.NotEmpty(t, final.ErrorMessage)
}

func TestContinueWorkflowAlwaysApprovePersistsAllowListAndSkipsFutureGates(t *testing.T) {
	catalog := structure.NewStaticCatalog()
	catalog.Tools["mcp.filesystem.write"] = &structure.ToolDef{Server: "filesystem", Action: "write"}

	g, _ := newTestGateway(t, catalog)
	req := pml.ExecuteRequest{
		Org: "acme", Project: "demo", DisplayName: "files.writeThree",
		Code: `const a = await mcp.filesystem.write({ path: "out.txt", content: "hi" }); return a;`,
	}

	first, err := g.Execute(context.Background(), req)
	require.NoError(t, err)
	require.True(t, first.ApprovalRequired)

	final, err := g.ContinueWorkflow(context.Background(), first.WorkflowID, true, true, "always allow this tool")
	require.NoError(t, err)
	require.True(t, final.Success)

	second, err := g.Execute(context.Background(), req)
	require.NoError(t, err)
	require.NotNil(t, second)
	assert.False(t, second.ApprovalRequired, "the allow-listed tool should no longer require a HIL gate")
	assert.True(t, second.Success)
	assert.Equal(t, executor.StatusCompleted, second.Status)
}

func TestExecuteSequentialTasksBothComplete(t *testing.T) {
	catalog := structure.NewStaticCatalog()
	catalog.Tools["mcp.fs.read"] = &structure.ToolDef{Server: "fs", Action: "read"}
	catalog.Tools["mcp.fs.write"] = &structure.ToolDef{Server: "fs", Action: "write"}

	g, _ := newTestGateway(t, catalog)

	code := `
const a = await mcp.fs.read({ path: "in.txt" });
const b = await mcp.fs.write({ path: "out.txt", content: "x" });
return b;
`
	res, err := g.Execute(context.Background(), pml.ExecuteRequest{
		Org: "acme", Project: "demo", DisplayName: "files.copyOne", Code: code,
	})
	require.NoError(t, err)
	require.True(t, res.Success)
	assert.Equal(t, executor.StatusCompleted, res.Status)
	assert.Contains(t, res.Results, "task_0")
	assert.Contains(t, res.Results, "task_1")
}
