package backend

import (
	"errors"
	"fmt"
)

// ErrForceRetry marks a transient submission failure. The task is flagged
// for forced retry and must be resubmitted regardless of its retry policy.
var ErrForceRetry = errors.New("transient submission failure")

// ErrClassification is matched by every *ClassificationError.
var ErrClassification = errors.New("task classification failed")

// ErrJobIDNotFound is reported when submit output carries no job id.
var ErrJobIDNotFound = errors.New("job id not found")

// ClassificationError reports a task that cannot be mapped to a strategy.
type ClassificationError struct {
	Task      string
	Host      string
	Scheduler string
}

func (e *ClassificationError) Error() string {
	if e.Scheduler == "" {
		return fmt.Sprintf("task %q: unknown remote host %q", e.Task, e.Host)
	}
	return fmt.Sprintf("task %q: job scheduler %q of host %q is not supported", e.Task, e.Scheduler, e.Host)
}

func (e *ClassificationError) Unwrap() error { return ErrClassification }

// SubmitError is a fatal submission failure carrying what was run and what
// came back.
type SubmitError struct {
	Cmd    string
	Code   int
	Output string
	Err    error
}

func (e *SubmitError) Error() string {
	msg := fmt.Sprintf("submit failed (rt=%d): %s", e.Code, e.Cmd)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	if e.Output != "" {
		msg += "\n" + e.Output
	}
	return msg
}

func (e *SubmitError) Unwrap() error { return e.Err }
