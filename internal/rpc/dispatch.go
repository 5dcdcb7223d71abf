// Package rpc exposes pml.Gateway's Public API operation set (spec §6)
// behind a single method-name-keyed dispatcher, shared by the stdio and
// serve CLI transports so both speak exactly the same request/response
// shapes over different wires.
package rpc

import (
	"context"
	"encoding/json"

	"github.com/casys-ai/pml/pkg/capability"
	"github.com/casys-ai/pml/pkg/pml"
	"github.com/casys-ai/pml/pkg/pmlerrors"
)

// Dispatcher routes a Public API method name and raw JSON params to the
// matching Gateway operation.
type Dispatcher struct {
	gw *pml.Gateway
}

// New builds a Dispatcher over gw.
func New(gw *pml.Gateway) *Dispatcher {
	return &Dispatcher{gw: gw}
}

// Handle decodes params for method and invokes the matching Gateway
// operation, returning its result as a JSON-able value. Unknown methods
// fail with pmlerrors.KindInternalError so both transports can map it to a
// consistent error response.
func (d *Dispatcher) Handle(ctx context.Context, method string, params json.RawMessage) (any, error) {
	switch method {
	case "execute":
		var p executeParams
		if err := unmarshal(params, &p); err != nil {
			return nil, err
		}
		return d.gw.Execute(ctx, pml.ExecuteRequest{
			Org: p.Org, Project: p.Project, Intent: p.Intent, Code: p.Code,
			DisplayName: p.DisplayName, Context: p.Context, CreatedBy: p.CreatedBy,
		})

	case "continue_workflow":
		var p continueParams
		if err := unmarshal(params, &p); err != nil {
			return nil, err
		}
		return d.gw.ContinueWorkflow(ctx, p.WorkflowID, p.Approved, p.Always, p.Reason)

	case "pause":
		var p workflowIDParams
		if err := unmarshal(params, &p); err != nil {
			return nil, err
		}
		return struct{}{}, d.gw.Pause(ctx, p.WorkflowID, p.Reason)

	case "resume":
		var p workflowIDParams
		if err := unmarshal(params, &p); err != nil {
			return nil, err
		}
		return struct{}{}, d.gw.Resume(ctx, p.WorkflowID)

	case "cancel":
		var p workflowIDParams
		if err := unmarshal(params, &p); err != nil {
			return nil, err
		}
		return struct{}{}, d.gw.Cancel(ctx, p.WorkflowID)

	case "replan":
		var p replanParams
		if err := unmarshal(params, &p); err != nil {
			return nil, err
		}
		return d.gw.Replan(ctx, p.WorkflowID, p.NewDag)

	case "get_task_result":
		var p taskResultParams
		if err := unmarshal(params, &p); err != nil {
			return nil, err
		}
		v, found, err := d.gw.GetTaskResult(ctx, p.WorkflowID, p.TaskID)
		if err != nil {
			return nil, err
		}
		return taskResultResponse{Found: found, Value: v}, nil

	case "discover":
		var p discoverParams
		if err := unmarshal(params, &p); err != nil {
			return nil, err
		}
		return d.gw.Discover(ctx, p.Intent, p.RequestingUser, p.Limit)

	case "search_capabilities":
		var p discoverParams
		if err := unmarshal(params, &p); err != nil {
			return nil, err
		}
		return d.gw.SearchCapabilities(ctx, p.Intent, p.RequestingUser, p.Limit)

	case "rename":
		var p renameParams
		if err := unmarshal(params, &p); err != nil {
			return nil, err
		}
		newName := p.NewName
		return struct{}{}, d.gw.Rename(ctx, p.Org, p.Project, p.Name, newName)

	case "lookup":
		var p scopedNameParams
		if err := unmarshal(params, &p); err != nil {
			return nil, err
		}
		return d.gw.Lookup(ctx, p.Org, p.Project, p.Name)

	case "list":
		var p listParams
		if err := unmarshal(params, &p); err != nil {
			return nil, err
		}
		return d.gw.List(ctx, p.Org, p.Project, p.Pattern, p.Limit, p.Offset)

	case "history":
		var p scopedNameParams
		if err := unmarshal(params, &p); err != nil {
			return nil, err
		}
		return d.gw.History(ctx, p.Org, p.Project, p.Name)

	case "whois":
		var p whoisParams
		if err := unmarshal(params, &p); err != nil {
			return nil, err
		}
		return d.gw.Whois(ctx, capability.FQDN(p.FQDN))

	default:
		return nil, pmlerrors.Newf(pmlerrors.KindInternalError, "unhandled method %q", method)
	}
}

func unmarshal(raw json.RawMessage, dst any) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return pmlerrors.New(pmlerrors.KindInternalError, "decoding request params").WithCause(err)
	}
	return nil
}

type executeParams struct {
	Org         string         `json:"org"`
	Project     string         `json:"project"`
	Intent      string         `json:"intent"`
	Code        string         `json:"code"`
	DisplayName string         `json:"displayName"`
	Context     map[string]any `json:"context"`
	CreatedBy   string         `json:"createdBy"`
}

type continueParams struct {
	WorkflowID string `json:"workflowId"`
	Approved   bool   `json:"approved"`
	Always     bool   `json:"always"`
	Reason     string `json:"reason"`
}

type workflowIDParams struct {
	WorkflowID string `json:"workflowId"`
	Reason     string `json:"reason"`
}

type replanParams struct {
	WorkflowID string `json:"workflowId"`
	NewDag     string `json:"newDag"`
}

type taskResultParams struct {
	WorkflowID string `json:"workflowId"`
	TaskID     string `json:"taskId"`
}

type taskResultResponse struct {
	Found bool `json:"found"`
	Value any  `json:"value"`
}

type discoverParams struct {
	Intent         string `json:"intent"`
	RequestingUser string `json:"requestingUser"`
	Limit          int    `json:"limit"`
}

type renameParams struct {
	Org     string `json:"org"`
	Project string `json:"project"`
	Name    string `json:"name"`
	NewName string `json:"newName"`
}

type scopedNameParams struct {
	Org     string `json:"org"`
	Project string `json:"project"`
	Name    string `json:"name"`
}

type listParams struct {
	Org     string `json:"org"`
	Project string `json:"project"`
	Pattern string `json:"pattern"`
	Limit   int    `json:"limit"`
	Offset  int    `json:"offset"`
}

type whoisParams struct {
	FQDN string `json:"fqdn"`
}
