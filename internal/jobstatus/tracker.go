// Package jobstatus watches submitted batch jobs until the scheduler reports
// them finished.
package jobstatus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/alessio/shellescape"

	"github.com/seantiz/conduit/internal/model"
	"github.com/seantiz/conduit/internal/scheduler"
)

// ErrMaxStatusCheckExceeded is returned when the status command failed more
// consecutive times than the scheduler allows.
var ErrMaxStatusCheckExceeded = errors.New("max status check error exceeded")

// JobFailedError reports a job the scheduler classified as failed.
type JobFailedError struct {
	JobID     string
	RT        int
	JobStatus *int
}

func (e *JobFailedError) Error() string {
	js := "undefined"
	if e.JobStatus != nil {
		js = strconv.Itoa(*e.JobStatus)
	}
	return fmt.Sprintf("job %s failed: rt=%d job status=%s", e.JobID, e.RT, js)
}

// Runner runs a command on a remote host and returns its exit status and
// combined output.
type Runner interface {
	Output(ctx context.Context, hostID, cmd string) (int, string, error)
}

// Request is one submitted job to watch.
type Request struct {
	Task      *model.Task
	HostID    string
	Scheduler *scheduler.Descriptor
	// Interval between status checks; zero uses the tracker default.
	Interval time.Duration
}

type result struct {
	rt  int
	err error
}

type request struct {
	Request
	done chan result
}

// Tracker polls job status. Each request gets its own polling goroutine
// whose checks never overlap.
type Tracker struct {
	runner   Runner
	interval time.Duration
	logger   *slog.Logger

	mu      sync.Mutex
	pending map[*request]struct{}
}

// New creates a tracker polling every interval unless a request overrides it.
func New(runner Runner, interval time.Duration, logger *slog.Logger) *Tracker {
	return &Tracker{
		runner:   runner,
		interval: interval,
		logger:   logger,
		pending:  make(map[*request]struct{}),
	}
}

// Track registers a submitted job and blocks until it settles. On success it
// returns the job's return code. A job the scheduler reports failed yields a
// *JobFailedError; an exhausted error budget yields ErrMaxStatusCheckExceeded.
func (t *Tracker) Track(ctx context.Context, req Request) (int, error) {
	if req.Task == nil || req.Scheduler == nil {
		return -1, errors.New("track: task and scheduler are required")
	}
	if req.Interval <= 0 {
		req.Interval = t.interval
	}

	r := &request{Request: req, done: make(chan result, 1)}
	t.mu.Lock()
	t.pending[r] = struct{}{}
	t.mu.Unlock()
	defer func() {
		t.mu.Lock()
		delete(t.pending, r)
		t.mu.Unlock()
	}()

	go t.poll(ctx, r)

	res := <-r.done
	return res.rt, res.err
}

// Pending returns the number of jobs currently being watched.
func (t *Tracker) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

func (t *Tracker) poll(ctx context.Context, r *request) {
	rt, err := t.run(ctx, r)
	if err != nil && !isSettled(err) && !errors.Is(err, ctx.Err()) {
		err = fmt.Errorf("status check of job %s: %w", r.Task.JobID, err)
	}
	r.done <- result{rt: rt, err: err}
}

func isSettled(err error) bool {
	var failed *JobFailedError
	return errors.As(err, &failed) || errors.Is(err, ErrMaxStatusCheckExceeded)
}

func (t *Tracker) run(ctx context.Context, r *request) (rt int, err error) {
	defer func() {
		if p := recover(); p != nil {
			rt, err = -1, fmt.Errorf("status check panicked: %v", p)
		}
	}()

	d := r.Scheduler
	bulk := r.Task.Kind == model.KindBulkJob
	statCmd, afterCmd := d.Stat, d.StatAfter
	if bulk {
		statCmd, afterCmd = d.BulkStat, d.BulkStatAfter
	}
	jobArg := shellescape.Quote(r.Task.JobID)

	ticker := time.NewTicker(r.Interval)
	defer ticker.Stop()

	errCount := 0
	for {
		select {
		case <-ctx.Done():
			return -1, ctx.Err()
		case <-ticker.C:
		}

		out, ok := t.check(ctx, r, statCmd+" "+jobArg)
		if !ok {
			errCount++
			if errCount > d.MaxStatusCheckError {
				statusChecks.WithLabelValues(resultExceeded).Inc()
				return -1, fmt.Errorf("job %s: %w", r.Task.JobID, ErrMaxStatusCheckExceeded)
			}
			continue
		}
		errCount = 0

		if strings.TrimSpace(out) != "" && d.IsRunning(out) {
			continue
		}

		// Left the running/queued state, or the scheduler stopped reporting
		// it. The after variant has the final return code and confirms an
		// empty answer was not a bookkeeping race.
		final := out
		if d.HasAfterVariant() || strings.TrimSpace(out) == "" {
			after, ok := t.check(ctx, r, afterCmd+" "+jobArg)
			if !ok {
				errCount++
				if errCount > d.MaxStatusCheckError {
					statusChecks.WithLabelValues(resultExceeded).Inc()
					return -1, fmt.Errorf("job %s: %w", r.Task.JobID, ErrMaxStatusCheckExceeded)
				}
				continue
			}
			if d.IsRunning(after) {
				continue
			}
			final = after
		}

		if strings.TrimSpace(final) == "" && !d.AllowEmptyOutput {
			continue
		}

		if bulk {
			return settleBulk(r.Task, d, final)
		}
		return settle(r.Task, d, final)
	}
}

// check runs one status command. A failed command with empty output is
// accepted as "no longer reported" when the scheduler allows empty output.
func (t *Tracker) check(ctx context.Context, r *request, cmd string) (string, bool) {
	code, out, err := t.runner.Output(ctx, r.HostID, cmd)
	if err != nil {
		statusChecks.WithLabelValues(resultError).Inc()
		t.logger.Warn("status check failed",
			"task_id", r.Task.ID,
			"job_id", r.Task.JobID,
			"host", r.HostID,
			"error", err,
		)
		return "", false
	}
	if code != 0 && !(r.Scheduler.AllowEmptyOutput && strings.TrimSpace(out) == "") {
		statusChecks.WithLabelValues(resultError).Inc()
		t.logger.Warn("status command returned non-zero",
			"task_id", r.Task.ID,
			"job_id", r.Task.JobID,
			"host", r.HostID,
			"rt", code,
			"output", out,
		)
		return "", false
	}
	statusChecks.WithLabelValues(resultOK).Inc()
	return out, true
}

func parseCode(s string, ok bool) *int {
	if !ok {
		return nil
	}
	v, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return nil
	}
	return &v
}

// classify extracts the return code and job status from after-finish
// output. A missing return code counts as failure.
func classify(d *scheduler.Descriptor, out string) (rt int, jobStatus *int, failed bool) {
	rc := parseCode(d.ReturnCode(out))
	jobStatus = parseCode(d.JobStatus(out))
	rt = -1
	if rc != nil {
		rt = *rc
	}
	return rt, jobStatus, d.Failed(out) || rt != 0
}

func settle(t *model.Task, d *scheduler.Descriptor, out string) (int, error) {
	rt, js, failed := classify(d, out)
	t.JobStatus = js
	if failed {
		return rt, &JobFailedError{JobID: t.JobID, RT: rt, JobStatus: js}
	}
	return rt, nil
}

// settleBulk classifies each sub-job record. The job fails if any sub-job
// failed; the returned code is the first non-zero sub-job code.
func settleBulk(t *model.Task, d *scheduler.Descriptor, out string) (int, error) {
	delim := d.StatDelimiter
	if delim == "" {
		delim = "\n"
	}

	byIndex := make(map[int]model.SubJob)
	rt, anyFailed := 0, false
	var firstStatus *int
	for record := range strings.SplitSeq(out, delim) {
		if strings.TrimSpace(record) == "" {
			continue
		}
		idx := parseCode(d.SubJobIndex(record))
		if idx == nil {
			continue
		}
		subRT, js, failed := classify(d, record)
		byIndex[*idx] = model.SubJob{Index: *idx, RT: model.IntPtr(subRT), JobStatus: js}
		if failed && !anyFailed {
			anyFailed = true
			rt = subRT
			firstStatus = js
		}
	}
	if len(byIndex) == 0 {
		return settle(t, d, out)
	}

	t.SubJobs = t.SubJobs[:0]
	for i := t.Bulk.Start; i <= t.Bulk.End; i++ {
		if sj, ok := byIndex[i]; ok {
			t.SubJobs = append(t.SubJobs, sj)
		}
	}
	t.JobStatus = firstStatus
	if anyFailed {
		return rt, &JobFailedError{JobID: t.JobID, RT: rt, JobStatus: firstStatus}
	}
	return 0, nil
}
