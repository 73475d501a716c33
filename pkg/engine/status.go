package engine

import (
	"encoding/json"
	"fmt"
)

// NodeState is the per-node state of a workflow run.
type NodeState string

const (
	// NodeStatePending indicates the node has not been reached yet.
	NodeStatePending NodeState = "pending"

	// NodeStateStarted indicates the node is executing.
	NodeStateStarted NodeState = "started"

	// NodeStateCompleted indicates apply succeeded.
	NodeStateCompleted NodeState = "completed"

	// NodeStateFailed indicates diff or apply failed.
	NodeStateFailed NodeState = "failed"

	// NodeStateWaitingForInput indicates a required input is missing. The node
	// is suspended until the caller supplies it.
	NodeStateWaitingForInput NodeState = "waiting_for_input"

	// NodeStateSkipped indicates there was nothing to apply.
	NodeStateSkipped NodeState = "skipped"

	// NodeStateNeedsIntervention indicates a human decision is required.
	NodeStateNeedsIntervention NodeState = "needs_intervention"

	// NodeStateCancelled indicates the run was cancelled before the node applied.
	NodeStateCancelled NodeState = "cancelled"
)

// IsTerminal returns true if the node will not change state again in this run.
func (s NodeState) IsTerminal() bool {
	switch s {
	case NodeStateCompleted, NodeStateFailed, NodeStateSkipped,
		NodeStateNeedsIntervention, NodeStateCancelled:
		return true
	default:
		return false
	}
}

// SatisfiesDependents reports whether downstream nodes may run after this one.
func (s NodeState) SatisfiesDependents() bool {
	return s == NodeStateCompleted || s == NodeStateSkipped
}

// Validate checks if the node state is valid.
func (s NodeState) Validate() error {
	switch s {
	case NodeStatePending, NodeStateStarted, NodeStateCompleted, NodeStateFailed,
		NodeStateWaitingForInput, NodeStateSkipped, NodeStateNeedsIntervention,
		NodeStateCancelled:
		return nil
	default:
		return fmt.Errorf("invalid node state: %s", s)
	}
}

// CanTransitionTo reports whether the state machine allows s -> next.
func (s NodeState) CanTransitionTo(next NodeState) bool {
	switch s {
	case NodeStatePending:
		return next == NodeStateStarted || next == NodeStateWaitingForInput ||
			next == NodeStateCancelled
	case NodeStateWaitingForInput:
		return next == NodeStateStarted || next == NodeStateWaitingForInput ||
			next == NodeStateCancelled
	case NodeStateStarted:
		return next.IsTerminal() || next == NodeStateWaitingForInput
	default:
		return false
	}
}

// RunStatus represents the overall status of a workflow run.
type RunStatus string

const (
	// RunStatusInProgress indicates at least one node is waiting for input.
	RunStatusInProgress RunStatus = "in_progress"

	// RunStatusCompleted indicates every node completed or was skipped.
	RunStatusCompleted RunStatus = "completed"

	// RunStatusFailed indicates at least one node failed.
	RunStatusFailed RunStatus = "failed"

	// RunStatusNeedsIntervention indicates no node failed but at least one
	// needs a human decision.
	RunStatusNeedsIntervention RunStatus = "needs_intervention"

	// RunStatusCancelled indicates the run was cancelled by the caller.
	RunStatusCancelled RunStatus = "cancelled"
)

// IsTerminal returns true if the run status represents a final state.
func (s RunStatus) IsTerminal() bool {
	return s != RunStatusInProgress
}

// Validate checks if the run status is valid.
func (s RunStatus) Validate() error {
	switch s {
	case RunStatusInProgress, RunStatusCompleted, RunStatusFailed,
		RunStatusNeedsIntervention, RunStatusCancelled:
		return nil
	default:
		return fmt.Errorf("invalid run status: %s", s)
	}
}

// MarshalJSON implements custom JSON marshaling for type-safe enum serialization.
func (s RunStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// UnmarshalJSON implements custom JSON unmarshaling with validation.
func (s *RunStatus) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = RunStatus(str)
	return s.Validate()
}

// UnmarshalJSON implements custom JSON unmarshaling with validation.
func (s *NodeState) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = NodeState(str)
	return s.Validate()
}

// DeriveRunStatus folds node states into a run status.
//
// A waiting node keeps the run in progress. Otherwise cancellation wins, then
// failure, then intervention. Nodes still pending because an upstream node did
// not satisfy them do not change the outcome on their own.
func DeriveRunStatus(states map[string]NodeState, cancelled bool) RunStatus {
	var waiting, failed, intervention, incomplete bool
	for _, s := range states {
		switch s {
		case NodeStateWaitingForInput:
			waiting = true
		case NodeStateFailed:
			failed = true
		case NodeStateNeedsIntervention:
			intervention = true
		case NodeStateCancelled:
			cancelled = true
		case NodeStatePending, NodeStateStarted:
			incomplete = true
		}
	}

	switch {
	case waiting && !cancelled:
		return RunStatusInProgress
	case cancelled:
		return RunStatusCancelled
	case failed:
		return RunStatusFailed
	case intervention:
		return RunStatusNeedsIntervention
	case incomplete:
		return RunStatusFailed
	default:
		return RunStatusCompleted
	}
}
