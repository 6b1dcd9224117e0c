package domain

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrInvalidTransition = errors.New("invalid transition")
	ErrStageNotEmpty     = errors.New("stage not empty")
	ErrValidation        = errors.New("validation failed")
	ErrConflict          = errors.New("version conflict")
	ErrActionExecution   = errors.New("action execution failed")
)

// NotFoundError names the missing record.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

func NotFound(kind, id string) error {
	return &NotFoundError{Kind: kind, ID: id}
}

// ValidationError reports a malformed definition. Field may be a dotted path.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Reason
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

func Invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// ValidationErrors groups several field failures.
type ValidationErrors []*ValidationError

func (v ValidationErrors) Error() string {
	parts := make([]string, 0, len(v))
	for _, e := range v {
		if e.Field == "" {
			parts = append(parts, e.Reason)
			continue
		}
		parts = append(parts, e.Field+": "+e.Reason)
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

func (v ValidationErrors) Is(target error) bool { return target == ErrValidation }

// TransitionError explains why a stage move was refused.
type TransitionError struct {
	OpportunityID string
	PipelineID    string
	Target        string
	Reason        string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid transition of opportunity %s to %q in pipeline %s: %s", e.OpportunityID, e.Target, e.PipelineID, e.Reason)
}

func (e *TransitionError) Is(target error) bool { return target == ErrInvalidTransition }

// StageNotEmptyError is returned when deleting a stage that opportunities still reference.
type StageNotEmptyError struct {
	StageKey      string
	Opportunities int
}

func (e *StageNotEmptyError) Error() string {
	return fmt.Sprintf("stage %q still holds %d opportunities", e.StageKey, e.Opportunities)
}

func (e *StageNotEmptyError) Is(target error) bool { return target == ErrStageNotEmpty }

// ConflictError signals an optimistic concurrency mismatch.
type ConflictError struct {
	Kind     string
	ID       string
	Expected int64
	Actual   int64
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s %s: expected version %d, found %d", e.Kind, e.ID, e.Expected, e.Actual)
}

func (e *ConflictError) Is(target error) bool { return target == ErrConflict }

// ActionExecutionError carries the failing action's position in its workflow.
type ActionExecutionError struct {
	WorkflowID string
	Index      int
	Type       ActionType
	Err        error
}

func (e *ActionExecutionError) Error() string {
	return fmt.Sprintf("workflow %s action %d (%s): %v", e.WorkflowID, e.Index, e.Type, e.Err)
}

func (e *ActionExecutionError) Unwrap() error { return e.Err }

func (e *ActionExecutionError) Is(target error) bool { return target == ErrActionExecution }
