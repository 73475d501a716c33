package engine

import (
	"fmt"
	"sort"
)

// ApplyStatus tags the outcome of an apply call.
type ApplyStatus string

const (
	// ApplySuccess indicates every divergent field was reconciled.
	ApplySuccess ApplyStatus = "success"

	// ApplyPartialSuccess indicates some fields were reconciled and some were not.
	// Callers may re-diff and re-apply to converge the remaining fields.
	ApplyPartialSuccess ApplyStatus = "partial_success"

	// ApplyFailure indicates nothing could be reconciled.
	ApplyFailure ApplyStatus = "failure"
)

// Validate checks if the apply status is valid.
func (s ApplyStatus) Validate() error {
	switch s {
	case ApplySuccess, ApplyPartialSuccess, ApplyFailure:
		return nil
	default:
		return fmt.Errorf("invalid apply status: %s", s)
	}
}

// ApplyResult is the outcome of Plugin.Apply.
type ApplyResult struct {
	Status ApplyStatus `json:"status"`

	// Applied lists the field paths that were changed. A Success with an empty
	// Applied list means the plugin was already converged.
	Applied []string `json:"applied"`

	// Failed lists the field paths that could not be reconciled.
	Failed []string `json:"failed,omitempty"`

	// Reason explains a Failure, or summarizes the failures of a PartialSuccess.
	Reason string `json:"reason,omitempty"`

	// Errors maps failed field paths to the subsystem error for that field.
	Errors map[string]string `json:"errors,omitempty"`
}

// Success builds a successful result for the given applied fields.
func Success(applied ...string) *ApplyResult {
	return &ApplyResult{Status: ApplySuccess, Applied: sortedCopy(applied)}
}

// PartialSuccess builds a partial result.
func PartialSuccess(applied, failed []string) *ApplyResult {
	return &ApplyResult{
		Status:  ApplyPartialSuccess,
		Applied: sortedCopy(applied),
		Failed:  sortedCopy(failed),
	}
}

// Failure builds a failed result.
func Failure(reason string) *ApplyResult {
	return &ApplyResult{Status: ApplyFailure, Applied: []string{}, Reason: reason}
}

// IsSuccess reports whether the apply fully succeeded.
func (r *ApplyResult) IsSuccess() bool {
	return r != nil && r.Status == ApplySuccess
}

// ChangedCount returns the number of fields the apply changed.
func (r *ApplyResult) ChangedCount() int {
	if r == nil {
		return 0
	}
	return len(r.Applied)
}

// ToDocument renders the result in its generic document form.
func (r *ApplyResult) ToDocument() Document {
	doc, err := Normalize(r)
	if err != nil {
		return Document{"status": string(ApplyFailure), "reason": err.Error()}
	}
	return doc
}

// FieldOutcome collects per-field apply outcomes and folds them into an
// ApplyResult. Plugins record each field they touch and call Result at the end.
type FieldOutcome struct {
	applied []string
	failed  []string
	errors  map[string]string
}

// Applied records a field that was reconciled.
func (o *FieldOutcome) Applied(field string) {
	o.applied = append(o.applied, field)
}

// Failed records a field that could not be reconciled.
func (o *FieldOutcome) Failed(field string, err error) {
	o.failed = append(o.failed, field)
	if o.errors == nil {
		o.errors = make(map[string]string)
	}
	if err != nil {
		o.errors[field] = err.Error()
	}
}

// Result folds the recorded outcomes. No failures yields Success; failures with
// at least one applied field yield PartialSuccess; only failures yield Failure.
func (o *FieldOutcome) Result() *ApplyResult {
	switch {
	case len(o.failed) == 0:
		return Success(o.applied...)
	case len(o.applied) == 0:
		r := Failure(o.reason())
		r.Failed = sortedCopy(o.failed)
		r.Errors = o.errors
		return r
	default:
		r := PartialSuccess(o.applied, o.failed)
		r.Reason = o.reason()
		r.Errors = o.errors
		return r
	}
}

func (o *FieldOutcome) reason() string {
	fields := sortedCopy(o.failed)
	if len(fields) == 1 {
		if msg, ok := o.errors[fields[0]]; ok {
			return fmt.Sprintf("%s: %s", fields[0], msg)
		}
	}
	return fmt.Sprintf("%d field(s) failed to apply", len(fields))
}

func sortedCopy(in []string) []string {
	out := make([]string, len(in))
	copy(out, in)
	sort.Strings(out)
	return out
}
