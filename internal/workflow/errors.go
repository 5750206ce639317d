package workflow

import (
	"errors"

	"github.com/kfrrst/website-sub010/internal/engine"
)

// Kind classifies facade errors for collaborators.
type Kind string

const (
	KindNotFound                    Kind = "not_found"
	KindAlreadyTracked              Kind = "already_tracked"
	KindTerminalPhase               Kind = "terminal_phase"
	KindUnknownRequirement          Kind = "unknown_requirement"
	KindConcurrentModification      Kind = "concurrent_modification"
	KindAutomationEvaluationFailure Kind = "automation_evaluation_failure"
	KindPhaseNotSatisfied           Kind = "phase_not_satisfied"
	KindInvalidArgument             Kind = "invalid_argument"
	KindInternal                    Kind = "internal"
)

// Error is returned by every Service method that fails.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return e.Err.Error()
	}
	return e.Op + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether the caller may safely repeat the operation.
func (e *Error) Retryable() bool { return e.Kind == KindConcurrentModification }

// KindOf returns the Kind of err, or "" for nil.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var we *Error
	if errors.As(err, &we) {
		return we.Kind
	}
	return classify(err)
}

func classify(err error) Kind {
	switch {
	case errors.Is(err, engine.ErrNotFound):
		return KindNotFound
	case errors.Is(err, engine.ErrAlreadyTracked):
		return KindAlreadyTracked
	case errors.Is(err, engine.ErrTerminalPhase):
		return KindTerminalPhase
	case errors.Is(err, engine.ErrUnknownRequirement):
		return KindUnknownRequirement
	case errors.Is(err, engine.ErrConcurrentModification):
		return KindConcurrentModification
	case errors.Is(err, engine.ErrPhaseNotSatisfied):
		return KindPhaseNotSatisfied
	case errors.Is(err, engine.ErrInvalidArgument):
		return KindInvalidArgument
	}
	return KindInternal
}

func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	var we *Error
	if errors.As(err, &we) {
		return err
	}
	return &Error{Kind: classify(err), Op: op, Err: err}
}
