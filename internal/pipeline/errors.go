package pipeline

import (
	"errors"
	"fmt"
	"strings"
)

// ErrPanic wraps values recovered from panicking hooks or handlers.
var ErrPanic = errors.New("panic")

// Kind discriminates pipeline errors.
type Kind int

const (
	// KindHalted is an explicit, policy driven halt raised by a stage's
	// HaltsWith hook.
	KindHalted Kind = iota + 1
	// KindStageFailure is an unexpected failure inside a stage hook.
	KindStageFailure
	// KindHandlerFailure is a failure of the terminal handler.
	KindHandlerFailure
)

func (k Kind) String() string {
	switch k {
	case KindHalted:
		return "halted_by_stage"
	case KindStageFailure:
		return "stage_failure"
	case KindHandlerFailure:
		return "handler_failure"
	default:
		return "unknown"
	}
}

// Error is returned by Execute when an invocation does not complete.
type Error struct {
	Kind Kind
	// Stage is the offending stage. Empty for handler failures.
	Stage string
	// Phase is the phase in which the primary failure occurred.
	Phase Phase
	// Cause is the original error.
	Cause error
	// Suppressed holds failures raised by After hooks while unwinding.
	Suppressed []error
}

func (e *Error) Error() string {
	var b strings.Builder
	switch e.Kind {
	case KindHalted:
		fmt.Fprintf(&b, "pipeline halted by %s: %v", e.Stage, e.Cause)
	case KindStageFailure:
		fmt.Fprintf(&b, "pipeline stage %s failed during %s: %v", e.Stage, e.Phase, e.Cause)
	case KindHandlerFailure:
		fmt.Fprintf(&b, "pipeline handler failed: %v", e.Cause)
	default:
		fmt.Fprintf(&b, "pipeline error: %v", e.Cause)
	}
	if n := len(e.Suppressed); n > 0 {
		fmt.Fprintf(&b, " (%d suppressed cleanup error(s))", n)
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// IsHalted returns true if err is a pipeline halt.
func IsHalted(err error) bool {
	var pe *Error
	return errors.As(err, &pe) && pe.Kind == KindHalted
}

// HaltedBy returns the name of the stage that halted the invocation.
func HaltedBy(err error) (string, bool) {
	var pe *Error
	if errors.As(err, &pe) && pe.Kind == KindHalted {
		return pe.Stage, true
	}
	return "", false
}

// KindOf returns the kind of a pipeline error, or 0 if err is not one.
func KindOf(err error) Kind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return 0
}
