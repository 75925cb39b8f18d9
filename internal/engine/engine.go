package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"path/filepath"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/seantiz/conduit/internal/backend"
	"github.com/seantiz/conduit/internal/cond"
	"github.com/seantiz/conduit/internal/jobstatus"
	"github.com/seantiz/conduit/internal/model"
	"github.com/seantiz/conduit/internal/retry"
	"github.com/seantiz/conduit/internal/store"
	"github.com/seantiz/conduit/internal/transfer"
)

var (
	// ErrInvalidTask is returned for a task that cannot be dispatched as
	// described.
	ErrInvalidTask = errors.New("invalid task")
	// ErrNotActive is returned when cancelling a task that is not in flight.
	ErrNotActive = errors.New("task is not active")
)

// Remote is the channel to remote hosts: command execution, status
// commands and file transfer.
type Remote interface {
	backend.Runner
	jobstatus.Runner
	transfer.Transferer
}

// Config holds the engine's collaborators and tunables.
type Config struct {
	Store  store.Store
	Hosts  Hosts
	Remote Remote
	Eval   cond.Evaluator
	Logger *slog.Logger

	LocalSlots     int
	StatusInterval time.Duration
	// Minimum intervals between submissions; zero uses the defaults.
	DirectInterval    time.Duration
	SchedulerInterval time.Duration
}

// liveTask is an in-flight task and the handle to stop it.
type liveTask struct {
	task     *model.Task
	cancel   context.CancelFunc
	seq      atomic.Int32
	canceled atomic.Bool
}

// Engine dispatches tasks: it stages files around execution, routes each
// task to its executer, persists every state change and publishes events.
type Engine struct {
	store     store.Store
	hosts     Hosts
	remote    Remote
	registry  *Registry
	transfers *transfer.Coordinator
	tracker   *jobstatus.Tracker
	broker    *Broker
	logger    *slog.Logger
	wg        sync.WaitGroup

	mu   sync.Mutex
	live map[string]*liveTask
}

// New creates an engine.
func New(cfg Config) *Engine {
	e := &Engine{
		store:  cfg.Store,
		hosts:  cfg.Hosts,
		remote: cfg.Remote,
		broker: NewBroker(),
		logger: cfg.Logger,
		live:   make(map[string]*liveTask),
	}
	eval := cfg.Eval
	if eval == nil {
		eval = cond.Shell{}
	}
	e.tracker = jobstatus.New(cfg.Remote, cfg.StatusInterval, cfg.Logger)
	e.transfers = transfer.New(cfg.Remote, cfg.Hosts, cfg.Logger)
	e.registry = NewRegistry(RegistryConfig{
		Hosts:             cfg.Hosts,
		Runner:            cfg.Remote,
		Tracker:           e.tracker,
		Policy:            retry.New(eval, cfg.Logger),
		Eval:              eval,
		Output:            e.output,
		Notify:            e.onState,
		Logger:            cfg.Logger,
		LocalSlots:        cfg.LocalSlots,
		DirectInterval:    cfg.DirectInterval,
		SchedulerInterval: cfg.SchedulerInterval,
	})
	return e
}

// Broker returns the engine's event broker for SSE subscription.
func (e *Engine) Broker() *Broker { return e.broker }

// Registry returns the executer registry.
func (e *Engine) Registry() *Registry { return e.registry }

// Transfers returns the transfer coordinator.
func (e *Engine) Transfers() *transfer.Coordinator { return e.transfers }

// PendingStatusChecks returns the number of jobs being watched.
func (e *Engine) PendingStatusChecks() int { return e.tracker.Pending() }

// Submit validates and persists t, then dispatches it in a goroutine. The
// task must not be touched by the caller afterwards.
func (e *Engine) Submit(ctx context.Context, t *model.Task) error {
	if err := e.prepare(ctx, t); err != nil {
		return err
	}
	e.wg.Go(func() {
		_ = e.run(context.Background(), t)
	})
	return nil
}

// Exec validates, persists and dispatches t, blocking until it settles.
// It returns nil once the task finished.
func (e *Engine) Exec(ctx context.Context, t *model.Task) error {
	if err := e.prepare(ctx, t); err != nil {
		return err
	}
	return e.run(ctx, t)
}

// Wait blocks until all in-flight task goroutines complete.
func (e *Engine) Wait() {
	e.wg.Wait()
}

// prepare fills defaults, resolves the host and creates the task record.
func (e *Engine) prepare(ctx context.Context, t *model.Task) error {
	if t.ID == "" {
		t.ID = model.NewID()
	}
	if t.Kind == "" {
		t.Kind = model.KindTask
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	if err := e.resolve(t); err != nil {
		return err
	}

	rec, err := store.NewTaskRecord(t)
	if err != nil {
		return fmt.Errorf("snapshot task: %w", err)
	}
	if err := e.store.CreateTask(ctx, rec); err != nil {
		return fmt.Errorf("create task: %w", err)
	}
	return nil
}

// resolve validates t and fills the resolved host and remote working
// directory.
func (e *Engine) resolve(t *model.Task) error {
	switch {
	case t.ProjectID == "":
		return fmt.Errorf("%w: project is required", ErrInvalidTask)
	case t.Script == "":
		return fmt.Errorf("%w: script is required", ErrInvalidTask)
	case !filepath.IsAbs(t.WorkingDir):
		return fmt.Errorf("%w: working directory must be absolute, got %q", ErrInvalidTask, t.WorkingDir)
	}
	switch t.Kind {
	case model.KindTask, model.KindStepJob:
	case model.KindBulkJob:
		if t.Bulk.End < t.Bulk.Start {
			return fmt.Errorf("%w: bulk range %d-%d", ErrInvalidTask, t.Bulk.Start, t.Bulk.End)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidTask, t.Kind)
	}

	if t.Host == "" || t.Host == model.LocalHost {
		t.RemoteHostID = model.LocalHost
		return nil
	}
	t.RemoteHostID = t.Host
	if t.RemoteWorkingDir == "" {
		if h, ok := e.hosts.Lookup(t.Host); ok {
			t.RemoteWorkingDir = path.Join(h.WorkDir, t.ProjectID, filepath.Base(t.WorkingDir))
		}
	}
	return nil
}

// run dispatches t and records its settlement.
func (e *Engine) run(ctx context.Context, t *model.Task) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	e.broker.Reopen(t.ID)
	defer e.broker.Close(t.ID)

	lt := &liveTask{task: t, cancel: cancel}
	e.mu.Lock()
	e.live[t.ID] = lt
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.live, t.ID)
		e.mu.Unlock()
	}()

	err := e.dispatch(ctx, t)
	if lt.canceled.Load() || errors.Is(err, ErrCanceled) || (err != nil && ctx.Err() != nil) {
		if t.JobID != "" && KeyOf(t).UsesScheduler {
			if derr := e.deleteJob(context.Background(), t); derr != nil {
				e.logger.Warn("failed to delete scheduler job", "task_id", t.ID, "job_id", t.JobID, "error", derr)
			}
		}
		t.ForceState(model.StateNotStarted)
		err = ErrCanceled
	}
	e.finish(t, err)
	return err
}

// dispatch runs the flow of one task: classification, stage-in, submission
// and stage-out.
func (e *Engine) dispatch(ctx context.Context, t *model.Task) error {
	ex, err := e.registry.Register(t)
	if err != nil {
		e.fail(t, err)
		return err
	}

	if !t.IsLocal() {
		e.persistState(t, model.StateStageIn)
		if err := e.transfers.StageIn(ctx, t); err != nil {
			err = fmt.Errorf("stage in task %s: %w", t.ID, err)
			if ctx.Err() == nil {
				e.fail(t, err)
			}
			return err
		}
	}

	err = ex.Submit(ctx, t)
	if err != nil || t.IsLocal() || t.State() != model.StateFinished {
		return err
	}

	e.persistState(t, model.StateStageOut)
	if err := e.transfers.StageOut(ctx, t); err != nil {
		if ctx.Err() == nil {
			e.fail(t, err)
		}
		return err
	}
	return nil
}

// fail settles t as failed outside the executer and writes its status
// artifact.
func (e *Engine) fail(t *model.Task, err error) {
	t.ForceState(model.StateFailed)
	now := time.Now().UTC()
	t.EndedAt = &now
	if werr := model.WriteStatusFile(t); werr != nil {
		e.logger.Error("failed to write status file", "task_id", t.ID, "error", werr)
	}
	e.logger.Error("task failed", "task_id", t.ID, "error", err)
}

// finish persists the settled task and closes its event stream.
func (e *Engine) finish(t *model.Task, err error) {
	rec := runtimeRecord(t)
	if err != nil && !errors.Is(err, ErrCanceled) {
		rec.Error = err.Error()
	}
	if uerr := e.store.UpdateTask(context.Background(), rec); uerr != nil {
		e.logger.Error("failed to persist settled task", "task_id", t.ID, "error", uerr)
	}

	tasksSettled.WithLabelValues(rec.State).Inc()
	e.broker.Publish(t.ID, Event{Type: EventDone, Data: rec.State})
	e.logger.Info("task done",
		"task_id", t.ID,
		"project", t.ProjectID,
		"host", t.RemoteHostID,
		"state", rec.State,
	)
}

// onState persists and publishes a state change reported by an executer.
func (e *Engine) onState(t *model.Task) {
	if err := e.store.UpdateTask(context.Background(), runtimeRecord(t)); err != nil {
		e.logger.Error("failed to persist task state", "task_id", t.ID, "error", err)
	}
	e.broker.Publish(t.ID, Event{Type: EventState, Data: t.State()})
}

// persistState records a transfer phase the coordinator is about to enter.
func (e *Engine) persistState(t *model.Task, state string) {
	if err := e.store.UpdateTaskState(context.Background(), t.ID, state); err != nil {
		e.logger.Error("failed to persist task state", "task_id", t.ID, "error", err)
	}
	e.broker.Publish(t.ID, Event{Type: EventState, Data: state})
}

// output persists one output line of a task and publishes it.
func (e *Engine) output(taskID, line string) {
	e.mu.Lock()
	lt, ok := e.live[taskID]
	e.mu.Unlock()
	if !ok {
		return
	}
	seq := int(lt.seq.Add(1) - 1)
	if err := e.store.InsertLogLine(context.Background(), taskID, seq, line); err != nil {
		e.logger.Error("failed to persist log line", "task_id", taskID, "seq", seq, "error", err)
	}
	e.broker.Publish(taskID, Event{Type: EventLog, Data: line})
}

func runtimeRecord(t *model.Task) *store.TaskRecord {
	return &store.TaskRecord{
		ID:           t.ID,
		ProjectID:    t.ProjectID,
		RemoteHostID: t.RemoteHostID,
		State:        t.State(),
		JobID:        t.JobID,
		RT:           t.RT,
		JobStatus:    t.JobStatus,
		SubmittedAt:  t.SubmittedAt,
		StartedAt:    t.StartedAt,
		EndedAt:      t.EndedAt,
	}
}

// Cancel stops an in-flight task. A task still waiting for admission is
// withdrawn from its queue; otherwise its local process is killed or its
// scheduler job deleted. The task ends in not-started.
func (e *Engine) Cancel(taskID string) error {
	e.mu.Lock()
	lt, ok := e.live[taskID]
	e.mu.Unlock()
	if !ok {
		return ErrNotActive
	}
	if lt.canceled.Swap(true) {
		return nil
	}

	t := lt.task
	t.ForceState(model.StateNotStarted)
	e.persistState(t, model.StateNotStarted)

	method := "context"
	proc := t.Process()
	switch {
	case e.registry.Cancel(t):
		method = "queue"
	case proc != nil:
		method = "process"
		// Local scripts run in their own process group.
		if err := syscall.Kill(-proc.Pid, syscall.SIGKILL); err != nil && !errors.Is(err, syscall.ESRCH) {
			e.logger.Warn("failed to kill task process", "task_id", t.ID, "error", err)
		}
	}
	// A submitted scheduler job is deleted by the dispatching goroutine once
	// the context is done, see run.
	lt.cancel()

	e.logger.Info("task canceled", "task_id", t.ID, "method", method)
	return nil
}

// deleteJob runs the scheduler's delete command for t's job.
func (e *Engine) deleteJob(ctx context.Context, t *model.Task) error {
	h, ok := e.hosts.Lookup(t.RemoteHostID)
	if !ok {
		return fmt.Errorf("unknown host %q", t.RemoteHostID)
	}
	sched, ok := e.hosts.Schedulers().Lookup(h.JobScheduler)
	if !ok {
		return fmt.Errorf("unknown scheduler %q", h.JobScheduler)
	}
	cmd, err := backend.DeleteCommand(t, sched.Del)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, backend.SubmitTimeout)
	defer cancel()
	code, out, err := e.remote.Output(ctx, t.RemoteHostID, cmd)
	if err != nil {
		return err
	}
	if code != 0 {
		return fmt.Errorf("%s exited with %d: %s", cmd, code, out)
	}
	return nil
}

// StopProject cancels every in-flight task of a project and tears down its
// executers and transfer queues. It returns the number of canceled tasks.
func (e *Engine) StopProject(projectID string) int {
	e.mu.Lock()
	var ids []string
	for id, lt := range e.live {
		if lt.task.ProjectID == projectID {
			ids = append(ids, id)
		}
	}
	e.mu.Unlock()

	n := 0
	for _, id := range ids {
		if err := e.Cancel(id); err == nil {
			n++
		}
	}
	removed := e.registry.Teardown(projectID)
	e.transfers.Teardown(projectID)
	e.logger.Info("project stopped", "project", projectID, "canceled", n, "executers", removed)
	return n
}
