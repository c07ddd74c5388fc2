// Package errors provides structured error types for adw.
package errors

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Code represents a unique error code.
type Code string

// Error codes for adw. These mirror the failure taxonomy used across the
// orchestration engine: every phase or workflow failure is attributable to
// exactly one of these.
const (
	CodeSafetyBlocked     Code = "SAFETY_BLOCKED"
	CodeQuotaExhausted    Code = "QUOTA_EXHAUSTED"
	CodeTimeout           Code = "TIMEOUT"
	CodeToolFailure       Code = "TOOL_FAILURE"
	CodeAgentFailure      Code = "AGENT_FAILURE"
	CodeSchemaMismatch    Code = "SCHEMA_MISMATCH"
	CodeStateCorruption   Code = "STATE_CORRUPTION"
	CodePortPoolExhausted Code = "PORT_POOL_EXHAUSTED"
	CodeDependencyBlocked Code = "DEPENDENCY_BLOCKED"
	CodeCancelled         Code = "CANCELLED"
	CodeWorkflowNotFound  Code = "WORKFLOW_NOT_FOUND"
	CodeInvalidTransition Code = "INVALID_TRANSITION"
	CodeConfigInvalid     Code = "CONFIG_INVALID"
	CodeUnknown           Code = "UNKNOWN"
)

// Category groups error codes for exit-code and HTTP status mapping.
type Category int

const (
	CategoryUnknown Category = iota
	CategoryNotFound
	CategoryBadRequest
	CategoryConflict
	CategoryInternal
	CategoryTimeout
	CategoryUnavailable
	CategoryBlocked
)

// codeCategories maps error codes to their categories.
var codeCategories = map[Code]Category{
	CodeSafetyBlocked:     CategoryBlocked,
	CodeQuotaExhausted:    CategoryUnavailable,
	CodeTimeout:           CategoryTimeout,
	CodeToolFailure:       CategoryInternal,
	CodeAgentFailure:      CategoryInternal,
	CodeSchemaMismatch:    CategoryInternal,
	CodeStateCorruption:   CategoryInternal,
	CodePortPoolExhausted: CategoryUnavailable,
	CodeDependencyBlocked: CategoryConflict,
	CodeCancelled:         CategoryConflict,
	CodeWorkflowNotFound:  CategoryNotFound,
	CodeInvalidTransition: CategoryBadRequest,
	CodeConfigInvalid:     CategoryBadRequest,
}

// HTTPStatus returns the HTTP status code for a category.
func (c Category) HTTPStatus() int {
	switch c {
	case CategoryNotFound:
		return 404
	case CategoryBadRequest:
		return 400
	case CategoryConflict:
		return 409
	case CategoryTimeout:
		return 504
	case CategoryUnavailable:
		return 503
	case CategoryBlocked:
		return 403
	default:
		return 500
	}
}

// ExitCode returns the process exit code for a category.
// Safety blocks exit 2, everything else that is an error exits 1.
func (c Category) ExitCode() int {
	if c == CategoryBlocked {
		return 2
	}
	return 1
}

// ADWError is the structured error type for adw.
type ADWError struct {
	Code    Code   `json:"code"`
	What    string `json:"what"`
	Why     string `json:"why,omitempty"`
	Fix     string `json:"fix,omitempty"`
	Cause   error  `json:"-"`
}

// Error implements the error interface.
func (e *ADWError) Error() string {
	var b strings.Builder
	b.WriteString(e.What)
	if e.Why != "" {
		b.WriteString(": ")
		b.WriteString(e.Why)
	}
	if e.Cause != nil {
		b.WriteString(": ")
		b.WriteString(e.Cause.Error())
	}
	return b.String()
}

// Unwrap returns the underlying cause.
func (e *ADWError) Unwrap() error {
	return e.Cause
}

// UserMessage returns a user-friendly message for CLI output.
func (e *ADWError) UserMessage() string {
	var b strings.Builder
	b.WriteString("Error: ")
	b.WriteString(e.What)
	if e.Why != "" {
		b.WriteString("\n\nWhy: ")
		b.WriteString(e.Why)
	}
	if e.Fix != "" {
		b.WriteString("\n\nFix: ")
		b.WriteString(e.Fix)
	}
	return b.String()
}

// Category returns the error category.
func (e *ADWError) Category() Category {
	if cat, ok := codeCategories[e.Code]; ok {
		return cat
	}
	return CategoryUnknown
}

// HTTPStatus returns the appropriate HTTP status code for this error.
func (e *ADWError) HTTPStatus() int {
	return e.Category().HTTPStatus()
}

// ExitCode returns the process exit code for this error.
func (e *ADWError) ExitCode() int {
	return e.Category().ExitCode()
}

// MarshalJSON implements json.Marshaler.
func (e *ADWError) MarshalJSON() ([]byte, error) {
	type alias ADWError
	aux := struct {
		*alias
		CauseMsg string `json:"cause,omitempty"`
	}{
		alias: (*alias)(e),
	}
	if e.Cause != nil {
		aux.CauseMsg = e.Cause.Error()
	}
	return json.Marshal(aux)
}

// Is reports whether target is an ADWError with the same code.
func (e *ADWError) Is(target error) bool {
	t, ok := target.(*ADWError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// WithCause returns a copy of the error with the given cause.
func (e *ADWError) WithCause(err error) *ADWError {
	return &ADWError{
		Code:  e.Code,
		What:  e.What,
		Why:   e.Why,
		Fix:   e.Fix,
		Cause: err,
	}
}

// --- Error constructors ---

// ErrSafetyBlocked returns an error for a subprocess blocked by the safety gate.
func ErrSafetyBlocked(tool, reason string) *ADWError {
	return &ADWError{
		Code: CodeSafetyBlocked,
		What: fmt.Sprintf("blocked unsafe %s invocation", tool),
		Why:  reason,
		Fix:  "Review the agent-proposed command; adjust the safety policy only if the operation is genuinely required",
	}
}

// ErrQuotaExhausted returns an error when a remote API quota is below threshold.
func ErrQuotaExhausted(backend string, remaining, threshold int) *ADWError {
	return &ADWError{
		Code: CodeQuotaExhausted,
		What: fmt.Sprintf("%s quota exhausted", backend),
		Why:  fmt.Sprintf("%d requests remaining, threshold is %d", remaining, threshold),
		Fix:  "Wait for the quota window to reset before starting new workflows",
	}
}

// ErrTimeout returns an error when a phase exceeds its deadline.
func ErrTimeout(phase string, timeout string) *ADWError {
	return &ADWError{
		Code: CodeTimeout,
		What: fmt.Sprintf("phase %s timed out", phase),
		Why:  fmt.Sprintf("no completion after %s", timeout),
		Fix:  "Increase the phase timeout in .adw/config.yaml, or resume with 'adw resume'",
	}
}

// ErrToolFailure returns an error when an external tool exits non-zero.
func ErrToolFailure(tool string, exitCode int) *ADWError {
	return &ADWError{
		Code: CodeToolFailure,
		What: fmt.Sprintf("external tool %s failed", tool),
		Why:  fmt.Sprintf("process exited with code %d", exitCode),
		Fix:  "Inspect the phase result errors; the failing files are listed there",
	}
}

// ErrAgentFailure returns an error when the agent runner reports failure.
func ErrAgentFailure(phase, reason string) *ADWError {
	return &ADWError{
		Code: CodeAgentFailure,
		What: fmt.Sprintf("agent run failed during %s", phase),
		Why:  reason,
		Fix:  "Check the per-workflow event log, then resume from the failed phase",
	}
}

// ErrSchemaMismatch returns an error when tool output does not match the contract.
func ErrSchemaMismatch(tool, details string) *ADWError {
	return &ADWError{
		Code: CodeSchemaMismatch,
		What: fmt.Sprintf("unparseable output from %s", tool),
		Why:  "stdout did not match the tool output schema",
		Fix:  "Check that the tool wrapper emits the JSON summary contract",
		Cause: fmt.Errorf("stdout: %s", details),
	}
}

// ErrStateCorruption returns an error for an unreadable state document.
func ErrStateCorruption(workflowID string, cause error) *ADWError {
	return &ADWError{
		Code:  CodeStateCorruption,
		What:  fmt.Sprintf("state document for workflow %s is corrupt", workflowID),
		Why:   "the persisted JSON could not be parsed",
		Fix:   "The caller re-initializes from an empty state; inspect the document if data loss matters",
		Cause: cause,
	}
}

// ErrPortPoolExhausted returns an error when no port slot is free.
func ErrPortPoolExhausted(size int) *ADWError {
	return &ADWError{
		Code: CodePortPoolExhausted,
		What: "port pool exhausted",
		Why:  fmt.Sprintf("all %d slots are allocated", size),
		Fix:  "Run 'adw cleanup --stale' to release allocations from dead workflows",
	}
}

// ErrDependencyBlocked returns an error when an upstream phase failed.
func ErrDependencyBlocked(phase, upstream string) *ADWError {
	return &ADWError{
		Code: CodeDependencyBlocked,
		What: fmt.Sprintf("phase %s is blocked", phase),
		Why:  fmt.Sprintf("upstream phase %s failed or was cancelled", upstream),
		Fix:  "Fix the upstream failure and resume the workflow",
	}
}

// ErrCancelled returns the terminal cancellation marker. Not a failure.
func ErrCancelled(workflowID string) *ADWError {
	return &ADWError{
		Code: CodeCancelled,
		What: fmt.Sprintf("workflow %s was cancelled", workflowID),
	}
}

// ErrWorkflowNotFound returns an error when no state exists for an id.
func ErrWorkflowNotFound(id string) *ADWError {
	return &ADWError{
		Code: CodeWorkflowNotFound,
		What: fmt.Sprintf("workflow %s not found", id),
		Why:  "no state document exists for this workflow id",
		Fix:  "Run 'adw status' to list known workflows",
	}
}

// ErrInvalidTransition returns an error for an illegal phase status transition.
func ErrInvalidTransition(from, to string) *ADWError {
	return &ADWError{
		Code: CodeInvalidTransition,
		What: fmt.Sprintf("invalid phase transition %s -> %s", from, to),
		Why:  "terminal phase statuses are absorbing and ready requires resolved dependencies",
	}
}

// ErrConfigInvalid returns an error for invalid configuration.
func ErrConfigInvalid(field, reason string) *ADWError {
	return &ADWError{
		Code: CodeConfigInvalid,
		What: fmt.Sprintf("invalid configuration: %s", field),
		Why:  reason,
		Fix:  "Check .adw/config.yaml and fix the invalid field",
	}
}

// AsADWError attempts to convert an error to an ADWError.
// Returns nil if the error is not an ADWError.
func AsADWError(err error) *ADWError {
	var adwErr *ADWError
	if As(err, &adwErr) {
		return adwErr
	}
	return nil
}

// As is a convenience wrapper for errors.As semantics on ADWError.
func As(err error, target any) bool {
	return asError(err, target)
}

func asError(err error, target any) bool {
	if err == nil {
		return false
	}
	if adwErr, ok := err.(*ADWError); ok {
		if t, ok := target.(**ADWError); ok {
			*t = adwErr
			return true
		}
	}
	if unwrapper, ok := err.(interface{ Unwrap() error }); ok {
		return asError(unwrapper.Unwrap(), target)
	}
	return false
}

// Wrap wraps a generic error into an ADWError with unknown code.
func Wrap(err error, what string) *ADWError {
	return &ADWError{
		Code:  CodeUnknown,
		What:  what,
		Cause: err,
	}
}
