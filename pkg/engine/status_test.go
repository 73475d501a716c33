package engine

import (
	"errors"
	"fmt"
	"testing"
)

func TestDeriveRunStatus(t *testing.T) {
	tests := []struct {
		name      string
		states    map[string]NodeState
		cancelled bool
		want      RunStatus
	}{
		{
			name:   "all completed or skipped",
			states: map[string]NodeState{"a": NodeStateCompleted, "b": NodeStateSkipped},
			want:   RunStatusCompleted,
		},
		{
			name:   "waiting keeps run in progress",
			states: map[string]NodeState{"a": NodeStateFailed, "b": NodeStateWaitingForInput, "c": NodeStatePending},
			want:   RunStatusInProgress,
		},
		{
			name:   "failure beats intervention",
			states: map[string]NodeState{"a": NodeStateFailed, "b": NodeStateNeedsIntervention},
			want:   RunStatusFailed,
		},
		{
			name:   "intervention only",
			states: map[string]NodeState{"a": NodeStateCompleted, "b": NodeStateNeedsIntervention, "c": NodeStatePending},
			want:   RunStatusNeedsIntervention,
		},
		{
			name:      "cancelled",
			states:    map[string]NodeState{"a": NodeStateCompleted, "b": NodeStatePending},
			cancelled: true,
			want:      RunStatusCancelled,
		},
		{
			name:   "cancelled node",
			states: map[string]NodeState{"a": NodeStateCancelled},
			want:   RunStatusCancelled,
		},
		{
			name:   "empty workflow",
			states: map[string]NodeState{},
			want:   RunStatusCompleted,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DeriveRunStatus(tt.states, tt.cancelled); got != tt.want {
				t.Errorf("Expected %s, got %s", tt.want, got)
			}
		})
	}
}

func TestNodeState_Transitions(t *testing.T) {
	if !NodeStatePending.CanTransitionTo(NodeStateStarted) {
		t.Error("pending -> started must be allowed")
	}
	if !NodeStateWaitingForInput.CanTransitionTo(NodeStateStarted) {
		t.Error("waiting_for_input -> started must be allowed on resume")
	}
	if !NodeStateStarted.CanTransitionTo(NodeStateNeedsIntervention) {
		t.Error("started -> needs_intervention must be allowed")
	}
	if NodeStateCompleted.CanTransitionTo(NodeStateStarted) {
		t.Error("completed is terminal")
	}
	if NodeStateWaitingForInput.IsTerminal() {
		t.Error("waiting_for_input is not terminal")
	}
	if !NodeStateNeedsIntervention.IsTerminal() {
		t.Error("needs_intervention is terminal")
	}
}

func TestRunStatus_JSON(t *testing.T) {
	var s RunStatus
	if err := s.UnmarshalJSON([]byte(`"in_progress"`)); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if err := s.UnmarshalJSON([]byte(`"bogus"`)); err == nil {
		t.Error("Expected validation error for bogus status")
	}
}

func TestErrorKinds(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{NewNotFoundError("plugin", "ghost"), "not_found"},
		{NewUnreachableError("timeout", nil), "unreachable"},
		{NewInvalidStateError("bad"), "invalid_state"},
		{NewConflictError("dup", nil), "conflict"},
		{NewInterventionError("needs a human"), "needs_human_decision"},
		{fmt.Errorf("wrapped: %w", NewMissingInputError([]string{"mtu"})), "missing_input"},
		{errors.New("plain"), "internal_error"},
	}

	for _, tt := range tests {
		if got := KindOf(tt.err); got != tt.want {
			t.Errorf("KindOf(%v) = %s, want %s", tt.err, got, tt.want)
		}
	}

	if KindOf(nil) != "" {
		t.Error("Expected empty kind for nil error")
	}
}

func TestNewErrorBody(t *testing.T) {
	tests := []struct {
		err       error
		kind      string
		retryable bool
	}{
		{NewUnreachableError("timeout", nil), "unreachable", true},
		{fmt.Errorf("node: %w", NewUnreachableError("timeout", nil)), "unreachable", true},
		{NewInvalidStateError("bad"), "invalid_state", false},
		{NewConflictError("dup", nil), "conflict", false},
		{errors.New("plain"), "internal_error", false},
	}

	for _, tt := range tests {
		body := NewErrorBody(tt.err)
		if body.Kind != tt.kind || body.Retryable != tt.retryable {
			t.Errorf("NewErrorBody(%v) = %+v, want kind %s retryable %v", tt.err, body, tt.kind, tt.retryable)
		}
	}

	if NewErrorBody(nil) != nil {
		t.Error("Expected nil body for nil error")
	}
}

func TestMissingFields(t *testing.T) {
	err := fmt.Errorf("node: %w", NewMissingInputError([]string{"hostname", "mtu"}))
	fields := MissingFields(err)
	if len(fields) != 2 || fields[0] != "hostname" {
		t.Errorf("Unexpected missing fields: %v", fields)
	}
	if !errors.Is(err, &EngineError{Class: ErrorClassPermanent, Code: ErrCodeMissingInput}) {
		t.Error("Expected errors.Is to match by class and code")
	}
}
