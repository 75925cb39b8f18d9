package engine

import (
	"errors"
	"fmt"

	"github.com/seantiz/conduit/internal/backend"
	"github.com/seantiz/conduit/internal/jobstatus"
	"github.com/seantiz/conduit/internal/model"
)

// OutcomeKind tags the result of one execution attempt.
type OutcomeKind int

const (
	// OutcomeFinished: the attempt succeeded.
	OutcomeFinished OutcomeKind = iota
	// OutcomeFailed: the attempt failed, whether the script exited non-zero
	// or it never ran; the retry policy decides.
	OutcomeFailed
	// OutcomeRetry: a transient refusal; resubmit without consulting the
	// retry policy.
	OutcomeRetry
	// OutcomeFatal: the attempt could not be judged, so the job may still be
	// live on the scheduler; never retried.
	OutcomeFatal
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeFinished:
		return "finished"
	case OutcomeFailed:
		return "failed"
	case OutcomeRetry:
		return "retry"
	case OutcomeFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Outcome is the closed result of one attempt. Code is the exit code where
// one exists; Err carries the cause of a failure.
type Outcome struct {
	Kind OutcomeKind
	Code int
	Err  error
}

// Finished returns a successful outcome.
func Finished(code int) Outcome { return Outcome{Kind: OutcomeFinished, Code: code} }

// Failed returns a retry-eligible failure.
func Failed(code int, err error) Outcome { return Outcome{Kind: OutcomeFailed, Code: code, Err: err} }

// RetryRequested returns a forced-retry outcome.
func RetryRequested(err error) Outcome { return Outcome{Kind: OutcomeRetry, Err: err} }

// Fatal returns an outcome that settles the task without retrying.
func Fatal(err error) Outcome { return Outcome{Kind: OutcomeFatal, Code: -1, Err: err} }

// classify turns the result of a backend attempt into an Outcome. Finish
// conditions are applied by the caller.
func classify(t *model.Task, code int, err error) Outcome {
	if err == nil {
		return Finished(code)
	}
	if t.ForceRetry || errors.Is(err, backend.ErrForceRetry) {
		return RetryRequested(err)
	}

	if errors.Is(err, jobstatus.ErrMaxStatusCheckExceeded) {
		return Fatal(err)
	}

	var jobErr *jobstatus.JobFailedError
	if errors.As(err, &jobErr) {
		return Failed(jobErr.RT, err)
	}
	var subErr *backend.SubmitError
	if errors.As(err, &subErr) {
		return Failed(subErr.Code, err)
	}
	return Failed(code, err)
}

// settledState maps a final outcome to the task's terminal state.
func settledState(o Outcome) string {
	switch {
	case o.Kind == OutcomeFinished:
		return model.StateFinished
	case errors.Is(o.Err, jobstatus.ErrMaxStatusCheckExceeded):
		return model.StateUnknown
	default:
		return model.StateFailed
	}
}

// settleError describes a non-finished final outcome.
func settleError(t *model.Task, o Outcome) error {
	if o.Kind == OutcomeFinished {
		return nil
	}
	if o.Err != nil {
		return o.Err
	}
	return fmt.Errorf("task %s exited with code %d", t.ID, o.Code)
}
