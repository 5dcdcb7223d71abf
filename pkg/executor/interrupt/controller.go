// Package interrupt wraps the engine's raw signal channels in typed
// pause/resume/approval helpers for the Controlled DAG Executor (spec §4.4,
// §4.7 pause/resume). Adapted from the teacher's runtime/agent/interrupt
// package, which solves the identical "drain workflow signals into typed
// requests" problem for its agent runtime loop.
package interrupt

import (
	"context"
	"errors"

	"github.com/casys-ai/pml/pkg/executor/engine"
)

type (
	// PauseRequest carries metadata attached to a pause signal.
	PauseRequest struct {
		RunID       string
		Reason      string
		RequestedBy string
	}

	// ResumeRequest carries metadata attached to a resume signal.
	ResumeRequest struct {
		RunID       string
		Notes       string
		RequestedBy string
	}

	// ApprovalDecision answers a pending HIL or AIL gate for one task.
	// Always, meaningful only for HIL decisions, asks the caller to persist
	// the gated tool onto the workspace's allow list so future runs skip
	// the gate entirely (spec §6: "an always=true continuation adds the
	// offending tool id to the user's persisted allow list").
	ApprovalDecision struct {
		RunID    string
		TaskID   string
		Approved bool
		Always   bool
		Reason   string
	}

	// ReplanRequest asks the executor to splice a new StaticStructure into
	// the remaining, not-yet-executed portion of a paused run.
	ReplanRequest struct {
		RunID string
		Code  string
	}

	// Controller drains executor interrupt signals into typed requests.
	Controller struct {
		pauseCh      engine.SignalChannel
		resumeCh     engine.SignalChannel
		cancelCh     engine.SignalChannel
		hilCh        engine.SignalChannel
		ailCh        engine.SignalChannel
		replanCh     engine.SignalChannel
	}
)

// NewController builds a controller wired to a run's signal channels.
func NewController(rc engine.RunContext) *Controller {
	return &Controller{
		pauseCh:  rc.SignalChannel(engine.SignalPause),
		resumeCh: rc.SignalChannel(engine.SignalResume),
		cancelCh: rc.SignalChannel(engine.SignalCancel),
		hilCh:    rc.SignalChannel(engine.SignalHilApprove),
		ailCh:    rc.SignalChannel(engine.SignalAilApprove),
		replanCh: rc.SignalChannel(engine.SignalReplan),
	}
}

// PollPause attempts to dequeue a pause request without blocking.
func (c *Controller) PollPause() (PauseRequest, bool) {
	var req PauseRequest
	if c == nil || c.pauseCh == nil || !c.pauseCh.ReceiveAsync(&req) {
		return PauseRequest{}, false
	}
	return req, true
}

// PollCancel attempts to dequeue a cancel request without blocking.
func (c *Controller) PollCancel() bool {
	var ignored struct{}
	return c != nil && c.cancelCh != nil && c.cancelCh.ReceiveAsync(&ignored)
}

// WaitResume blocks until a resume request is delivered.
func (c *Controller) WaitResume(ctx context.Context) (ResumeRequest, error) {
	if c == nil || c.resumeCh == nil {
		return ResumeRequest{}, errors.New("interrupt: resume channel unavailable")
	}
	var req ResumeRequest
	if err := c.resumeCh.Receive(ctx, &req); err != nil {
		return ResumeRequest{}, err
	}
	return req, nil
}

// WaitHilApproval blocks until a human approves or rejects a pending gate.
func (c *Controller) WaitHilApproval(ctx context.Context) (ApprovalDecision, error) {
	if c == nil || c.hilCh == nil {
		return ApprovalDecision{}, errors.New("interrupt: hil channel unavailable")
	}
	var d ApprovalDecision
	if err := c.hilCh.Receive(ctx, &d); err != nil {
		return ApprovalDecision{}, err
	}
	return d, nil
}

// WaitAilApproval blocks until a supervising agent approves or rejects a
// pending gate.
func (c *Controller) WaitAilApproval(ctx context.Context) (ApprovalDecision, error) {
	if c == nil || c.ailCh == nil {
		return ApprovalDecision{}, errors.New("interrupt: ail channel unavailable")
	}
	var d ApprovalDecision
	if err := c.ailCh.Receive(ctx, &d); err != nil {
		return ApprovalDecision{}, err
	}
	return d, nil
}

// PollReplan attempts to dequeue a replan request without blocking.
func (c *Controller) PollReplan() (ReplanRequest, bool) {
	var req ReplanRequest
	if c == nil || c.replanCh == nil || !c.replanCh.ReceiveAsync(&req) {
		return ReplanRequest{}, false
	}
	return req, true
}
