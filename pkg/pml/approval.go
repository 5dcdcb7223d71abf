package pml

import (
	"context"

	"github.com/casys-ai/pml/pkg/capability"
	"github.com/casys-ai/pml/pkg/dag"
	"github.com/casys-ai/pml/pkg/executor/interrupt"
	"github.com/casys-ai/pml/pkg/permission"
)

// PermissionApprovalPolicy gates a task behind a HIL approval when it
// routes to the user's own machine and its capability's inferred
// permission set carries at least moderate risk (spec §4.4: "routing=client
// AND tool risk >= moderate"), unless the task's tool id is already on the
// workspace's allow list (spec §6: "an always=true continuation adds the
// offending tool id to the user's persisted allow list"). One instance is
// scoped to the capability being executed, since routing/permission are
// capability-level facts, not per-task ones; AllowList is shared across
// every capability the gateway executes.
type PermissionApprovalPolicy struct {
	Routing       capability.Routing
	PermissionSet capability.PermissionSet
	AllowList     *permission.AllowList
}

// RequiresApproval implements executor.ApprovalPolicy.
func (p PermissionApprovalPolicy) RequiresApproval(t *dag.Task) bool {
	if t.Type != capability.NodeTask && t.Type != capability.NodeCapability {
		return false
	}
	if p.Routing != capability.RoutingClient {
		return false
	}
	if !isModerateOrHigherRisk(p.PermissionSet) {
		return false
	}
	if p.AllowList != nil && p.AllowList.Contains(t.Tool) {
		return false
	}
	return true
}

// isModerateOrHigherRisk ranks permission sets per spec §3's ordering
// (minimal | readonly | filesystem | network-api | mcp-standard | trusted):
// the two safest sets never require a human in the loop, everything above
// them does.
func isModerateOrHigherRisk(p capability.PermissionSet) bool {
	switch p {
	case capability.PermissionMinimal, capability.PermissionReadonly:
		return false
	default:
		return true
	}
}

// ControllerAilDecider answers an agent-in-the-loop decision point by
// blocking on the run's own ail_approval signal channel (spec §4.4 AIL
// points), the same signal path a HIL gate uses for hil_approval. The
// decision's Reason carries the chosen branch outcome (e.g. a switch case
// label); when empty, Approved is mapped to the conventional boolean guard
// outcomes "true"/"false".
type ControllerAilDecider struct {
	Controller *interrupt.Controller
}

// Decide implements executor.AilDecider.
func (d *ControllerAilDecider) Decide(ctx context.Context, runID string, task *dag.Task) (string, error) {
	decision, err := d.Controller.WaitAilApproval(ctx)
	if err != nil {
		return "", err
	}
	if decision.Reason != "" {
		return decision.Reason, nil
	}
	if decision.Approved {
		return "true", nil
	}
	return "false", nil
}
