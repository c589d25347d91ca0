package engine

import (
	"errors"
	"fmt"

	"riskroute/internal/domain"
)

var ErrTaskNotFound = errors.New("task not found")

// TransitionError reports a transition the state machine refused.
type TransitionError struct {
	From   domain.TaskState
	To     domain.TaskState
	Reason string
}

func (e *TransitionError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("invalid task state transition %s -> %s", e.From, e.To)
	}
	return fmt.Sprintf("invalid task state transition %s -> %s: %s", e.From, e.To, e.Reason)
}

// ValidationError rejects input at ingestion; the task never enters QUEUED.
type ValidationError struct {
	Field string
	Msg   string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Msg
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Msg)
}

func invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Msg: fmt.Sprintf(format, args...)}
}
