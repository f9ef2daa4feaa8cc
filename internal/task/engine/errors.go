package engine

import (
	"errors"
	"fmt"
)

var (
	ErrDisabled    = errors.New("task engine disabled")
	ErrStopped     = errors.New("task engine stopped")
	ErrStopping    = errors.New("task engine stopping")
	ErrQueueFull   = errors.New("task engine queue full")
	ErrOverlapSkip = errors.New("task skipped: previous run still in flight")
	ErrTimeout     = errors.New("task exceeded its run timeout")
)

// Partial marks a run that finished but only did part of its work
// (for example a batch where some entities failed). The run is recorded
// with OutcomePartial instead of OutcomeFailure.
//
// Example:
//
//	return engine.Partial(fmt.Errorf("%d users failed", n))
func Partial(err error) error {
	if err == nil {
		return nil
	}
	return partialError{err: err}
}

// IsPartial reports whether err is wrapped with Partial.
func IsPartial(err error) bool {
	var e partialError
	return errors.As(err, &e)
}

type partialError struct{ err error }

func (e partialError) Error() string { return fmt.Sprintf("partial: %v", e.err) }
func (e partialError) Unwrap() error { return e.err }

func classify(err error) Outcome {
	switch {
	case err == nil:
		return OutcomeSuccess
	case IsPartial(err):
		return OutcomePartial
	case errors.Is(err, ErrTimeout):
		return OutcomeTimeout
	default:
		return OutcomeFailure
	}
}
