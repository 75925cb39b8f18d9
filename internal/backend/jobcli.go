package backend

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/alessio/shellescape"

	"github.com/seantiz/conduit/internal/host"
	"github.com/seantiz/conduit/internal/jobstatus"
	"github.com/seantiz/conduit/internal/model"
	"github.com/seantiz/conduit/internal/scheduler"
)

// SubmitTimeout bounds job submission and cancellation commands.
const SubmitTimeout = 60 * time.Second

// transientSubmitCode is the exit status of a submission that failed before
// reaching the scheduler, e.g. a dropped connection.
const transientSubmitCode = 255

// JobCLI submits tasks to a batch scheduler by running its submit command
// on the login host, then waits for the job through the tracker.
type JobCLI struct {
	runner  Runner
	tracker Tracker
	host    *host.Descriptor
	sched   *scheduler.Descriptor
	ctrl    Controller
	out     OutputFunc
	logger  *slog.Logger
}

// NewJobCLI creates a scheduler CLI backend for one executer.
func NewJobCLI(runner Runner, tracker Tracker, h *host.Descriptor, sched *scheduler.Descriptor, ctrl Controller, out OutputFunc, logger *slog.Logger) *JobCLI {
	return &JobCLI{
		runner:  runner,
		tracker: tracker,
		host:    h,
		sched:   sched,
		ctrl:    ctrl,
		out:     out,
		logger:  logger,
	}
}

// Kind implements Backend.
func (j *JobCLI) Kind() Kind { return KindJobCLI }

// Execute implements Backend.
func (j *JobCLI) Execute(ctx context.Context, t *model.Task) (int, error) {
	cmd := SubmitCommand(t, j.sched, j.ctrl.Queues())

	subCtx, cancel := context.WithTimeout(ctx, SubmitTimeout)
	var lines []string
	code, err := j.runner.Exec(subCtx, t.RemoteHostID, cmd, lineSink(t.ID, j.out, &lines))
	cancel()
	if err != nil {
		submissions.WithLabelValues(KindJobCLI.String(), resultFatal).Inc()
		return -1, &SubmitError{Cmd: cmd, Code: code, Err: err}
	}
	output := strings.Join(lines, "\n")

	switch {
	case j.sched.ExceededLimit(code, output):
		j.ctrl.Throttle()
		t.ForceRetry = true
		submissions.WithLabelValues(KindJobCLI.String(), resultThrottled).Inc()
		j.logger.Warn("scheduler limit exceeded, throttling",
			"task_id", t.ID,
			"host", t.RemoteHostID,
			"rt", code,
		)
		return code, fmt.Errorf("%w: scheduler limit exceeded (rt=%d)", ErrForceRetry, code)
	case code == transientSubmitCode:
		t.ForceRetry = true
		submissions.WithLabelValues(KindJobCLI.String(), resultTransient).Inc()
		return code, fmt.Errorf("%w: rt=%d", ErrForceRetry, code)
	case code != 0:
		submissions.WithLabelValues(KindJobCLI.String(), resultFatal).Inc()
		return code, &SubmitError{Cmd: cmd, Code: code, Output: output}
	}

	j.ctrl.Restore()
	jobID, ok := j.sched.JobID(output)
	if !ok {
		submissions.WithLabelValues(KindJobCLI.String(), resultFatal).Inc()
		return code, &SubmitError{Cmd: cmd, Code: code, Output: output, Err: ErrJobIDNotFound}
	}
	submissions.WithLabelValues(KindJobCLI.String(), resultOK).Inc()
	return handOff(ctx, j.tracker, t, j.host, j.sched, jobID, j.logger)
}

// handOff records the submitted job on the task and waits for its verdict.
func handOff(ctx context.Context, tracker Tracker, t *model.Task, h *host.Descriptor, sched *scheduler.Descriptor, jobID string, logger *slog.Logger) (int, error) {
	now := time.Now().UTC()
	t.JobID = jobID
	t.SubmittedAt = &now
	logger.Info("job submitted",
		"task_id", t.ID,
		"host", t.RemoteHostID,
		"job_id", jobID,
	)
	return tracker.Track(ctx, jobstatus.Request{
		Task:      t,
		HostID:    t.RemoteHostID,
		Scheduler: sched,
		Interval:  h.StatusCheckInterval,
	})
}

// SubmitCommand builds the full submit command line for a task: directory
// change, environment export, submit binary with queue, step-job and
// bulk-job clauses, free-form options, and the script.
func SubmitCommand(t *model.Task, sched *scheduler.Descriptor, queues []string) string {
	submit := []string{sched.Submit}
	if q := pickQueue(t.Queue, queues); q != "" && sched.QueueOpt != "" {
		submit = append(submit, queueClause(sched.QueueOpt, q))
	}
	if t.Kind == model.KindStepJob && sched.StepJobOpt != "" {
		submit = append(submit, sched.StepJobOpt, shellescape.Quote(stepParams(t.StepJob)))
	}
	if t.Kind == model.KindBulkJob && sched.BulkJobOpt != "" {
		submit = append(submit, sched.BulkJobOpt, fmt.Sprintf("%d-%d", t.Bulk.Start, t.Bulk.End))
	}
	if opt := strings.TrimSpace(t.SubmitOption); opt != "" {
		submit = append(submit, opt)
	}
	submit = append(submit, scriptPath(t))
	return joinCommand(changeDir(t), exportEnv(t), strings.Join(submit, " "))
}

// pickQueue returns the requested queue when the list contains it, else the
// first listed queue.
func pickQueue(requested string, queues []string) string {
	for _, q := range queues {
		if q == requested {
			return q
		}
	}
	if len(queues) == 0 {
		return ""
	}
	return queues[0]
}

// queueClause joins an option ending in "=" directly to its value.
func queueClause(opt, q string) string {
	if strings.HasSuffix(opt, "=") {
		return opt + shellescape.Quote(q)
	}
	return opt + " " + shellescape.Quote(q)
}

func stepParams(s model.StepJob) string {
	var params []string
	if s.ParentJobID != "" {
		params = append(params, "jid="+s.ParentJobID)
	}
	params = append(params, "sn="+strconv.Itoa(s.StepNumber))
	if s.Dependency != "" {
		params = append(params, "sd="+s.Dependency)
	}
	return strings.Join(params, ",")
}
