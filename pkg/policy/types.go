package policy

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/openfroyo/hostkeeper/pkg/engine"
)

// Severity represents the severity level of a policy violation.
type Severity string

const (
	// SeverityInfo is for informational messages.
	SeverityInfo Severity = "info"

	// SeverityWarning is for warnings that should be reviewed.
	SeverityWarning Severity = "warning"

	// SeverityError is for errors that should block operations.
	SeverityError Severity = "error"

	// SeverityCritical is for critical violations that must be addressed immediately.
	SeverityCritical Severity = "critical"
)

// Blocks reports whether a violation of this severity denies the operation.
func (s Severity) Blocks() bool {
	return s == SeverityError || s == SeverityCritical
}

// SecurityLevel classifies how dangerous an operation is.
type SecurityLevel string

const (
	SecurityLow      SecurityLevel = "low"
	SecurityMedium   SecurityLevel = "medium"
	SecurityHigh     SecurityLevel = "high"
	SecurityCritical SecurityLevel = "critical"
)

// Rank orders security levels; unknown levels rank highest.
func (l SecurityLevel) Rank() int {
	switch l {
	case SecurityLow:
		return 0
	case SecurityMedium:
		return 1
	case SecurityHigh:
		return 2
	case SecurityCritical:
		return 3
	default:
		return 4
	}
}

// OperationLevel is the security level of running op on a plugin of the given
// kind: reads are low, applies are high, and applies on discovered IPC
// services are critical.
func OperationLevel(kind engine.PluginKind, op engine.Operation) SecurityLevel {
	if !op.IsMutating() {
		return SecurityLow
	}
	if kind == engine.PluginKindDynamic {
		return SecurityCritical
	}
	return SecurityHigh
}

// ParseSecurityLevel validates a security level string.
func ParseSecurityLevel(s string) (SecurityLevel, error) {
	l := SecurityLevel(strings.ToLower(s))
	if l.Rank() > 3 {
		return "", fmt.Errorf("invalid security level: %s", s)
	}
	return l, nil
}

// Policy represents a policy rule with its Rego code.
//
// A policy package may define two rule sets:
//
//	deny contains violation if { ... }     # blocks when severity is error or critical
//	intervene contains reason if { ... }   # holds the apply for a human decision
type Policy struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Rego        string                 `json:"rego"`
	Severity    Severity               `json:"severity"`
	Enabled     bool                   `json:"enabled"`
	Builtin     bool                   `json:"builtin,omitempty"`
	Tags        []string               `json:"tags,omitempty"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
	LoadedAt    time.Time              `json:"loaded_at"`
}

// PolicyViolation represents a single policy violation.
type PolicyViolation struct {
	Policy   string   `json:"policy"`
	Resource string   `json:"resource,omitempty"`
	Message  string   `json:"message"`
	Severity Severity `json:"severity"`
}

// Caller identifies who is asking for an operation.
type Caller struct {
	ID        string        `json:"id"`
	Clearance SecurityLevel `json:"clearance"`
}

// Input is the document policies are evaluated against.
type Input struct {
	Caller        Caller          `json:"caller"`
	Source        string          `json:"source"`
	Plugin        string          `json:"plugin"`
	PluginKind    string          `json:"plugin_kind"`
	Operation     string          `json:"operation"`
	SecurityLevel SecurityLevel   `json:"security_level"`
	DesiredState  engine.Document `json:"desired_state,omitempty"`
	Diff          engine.Document `json:"diff,omitempty"`

	// Approved marks a caller-confirmed destructive apply.
	Approved bool `json:"approved"`

	Workflow string `json:"workflow,omitempty"`
	Node     string `json:"node,omitempty"`
}

// Decision is the outcome of evaluating every enabled policy.
type Decision struct {
	Allowed           bool              `json:"allowed"`
	Intervention      bool              `json:"intervention"`
	Reasons           []string          `json:"reasons,omitempty"`
	Violations        []PolicyViolation `json:"violations,omitempty"`
	Warnings          []PolicyViolation `json:"warnings,omitempty"`
	EvaluatedPolicies []string          `json:"evaluated_policies"`
	Duration          time.Duration     `json:"duration"`
}

// Err converts a blocking decision into an engine error: PERMISSION_DENIED for
// a deny, NEEDS_HUMAN_DECISION for an intervention. It returns nil otherwise.
func (d *Decision) Err() error {
	if d == nil {
		return nil
	}
	if !d.Allowed {
		msgs := make([]string, 0, len(d.Violations))
		for _, v := range d.Violations {
			if v.Severity.Blocks() {
				msgs = append(msgs, v.Message)
			}
		}
		return engine.NewPermanentError("denied by policy: "+strings.Join(msgs, "; "), nil).
			WithCode(engine.ErrCodePermissionDenied)
	}
	if d.Intervention {
		return engine.NewInterventionError("needs a human decision: " + strings.Join(d.Reasons, "; "))
	}
	return nil
}

// Gate decides whether a plugin operation may proceed.
type Gate interface {
	Evaluate(ctx context.Context, input *Input) (*Decision, error)
}

// AllowAll is a Gate that allows everything.
type AllowAll struct{}

// Evaluate always allows.
func (AllowAll) Evaluate(context.Context, *Input) (*Decision, error) {
	return &Decision{Allowed: true}, nil
}
