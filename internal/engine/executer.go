package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/seantiz/conduit/internal/backend"
	"github.com/seantiz/conduit/internal/cond"
	"github.com/seantiz/conduit/internal/model"
	"github.com/seantiz/conduit/internal/queue"
	"github.com/seantiz/conduit/internal/retry"
)

// Minimum intervals between two submissions of one executer.
const (
	DefaultDirectInterval    = time.Second
	DefaultSchedulerInterval = 5 * time.Second
)

// ErrCanceled is returned by Executer.Submit when the task was canceled
// before it settled.
var ErrCanceled = errors.New("task canceled")

// Key identifies an executer: one per project, resolved host and
// scheduler mode.
type Key struct {
	ProjectID     string `json:"project_id"`
	HostID        string `json:"host_id"`
	UsesScheduler bool   `json:"uses_scheduler"`
}

func (k Key) String() string {
	return k.ProjectID + "/" + k.HostID + "/" + k.mode()
}

func (k Key) mode() string {
	if k.UsesScheduler {
		return "scheduler"
	}
	return "direct"
}

// Notifier is told about every state change of a task it owns.
type Notifier func(t *model.Task)

// Executer is a bounded FIFO submission queue bound to one execution
// strategy. Its concurrency limit, queue list and group name may change
// while tasks are in flight.
type Executer struct {
	key     Key
	backend backend.Backend
	queue   *queue.Limiter
	rate    *rate.Limiter
	policy  *retry.Policy
	eval    cond.Evaluator
	notify  Notifier
	logger  *slog.Logger

	mu      sync.Mutex
	tickets map[string]*queue.Ticket
	queues  []string
	group   string
	// original is the limit before the first throttle; zero when the
	// executer is not throttled.
	original int
}

func newExecuter(key Key, limit int, interval time.Duration, policy *retry.Policy, eval cond.Evaluator, notify Notifier, logger *slog.Logger) *Executer {
	e := &Executer{
		key:     key,
		queue:   queue.New(limit),
		rate:    rate.NewLimiter(rate.Every(interval), 1),
		policy:  policy,
		eval:    eval,
		notify:  notify,
		logger:  logger.With("executer", key.String()),
		tickets: make(map[string]*queue.Ticket),
	}
	e.observeLimit()
	return e
}

// Key returns the executer's registry key.
func (e *Executer) Key() Key { return e.key }

// Kind returns the execution strategy of the executer.
func (e *Executer) Kind() backend.Kind { return e.backend.Kind() }

// Queues implements backend.Controller.
func (e *Executer) Queues() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return slices.Clone(e.queues)
}

// Group returns the executer's group name.
func (e *Executer) Group() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.group
}

// MaxConcurrent returns the current concurrency limit.
func (e *Executer) MaxConcurrent() int {
	return e.queue.Limit()
}

// Stats returns a snapshot of the executer's admission queue.
func (e *Executer) Stats() queue.Stats {
	return e.queue.Stats()
}

// Throttled reports whether the limit is currently lowered by backpressure.
func (e *Executer) Throttled() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.original != 0
}

// reconfigure applies refreshed host settings. While throttled only the
// remembered limit moves, so backpressure survives a re-registration.
func (e *Executer) reconfigure(limit int, queues []string, group string) {
	limit = max(limit, 1)
	e.mu.Lock()
	e.queues = slices.Clone(queues)
	e.group = group
	if e.original != 0 {
		e.original = limit
		if e.queue.Limit() > limit {
			e.queue.SetLimit(limit)
		}
	} else {
		e.queue.SetLimit(limit)
	}
	e.mu.Unlock()
	e.observeLimit()
}

// Throttle implements backend.Controller. The limit never drops below 1.
func (e *Executer) Throttle() {
	e.mu.Lock()
	cur := e.queue.Limit()
	if e.original == 0 {
		e.original = cur
	}
	e.queue.SetLimit(cur - 1)
	e.mu.Unlock()

	throttles.WithLabelValues(e.key.HostID).Inc()
	e.logger.Warn("executer throttled", "limit", e.queue.Limit())
	e.observeLimit()
}

// Restore implements backend.Controller. Concurrent successes each raise
// the limit by one; the first to reach the remembered value clears it.
func (e *Executer) Restore() {
	e.mu.Lock()
	if e.original == 0 {
		e.mu.Unlock()
		return
	}
	cur := e.queue.Limit()
	if cur < e.original {
		cur++
		e.queue.SetLimit(cur)
	}
	if cur >= e.original {
		e.original = 0
	}
	e.mu.Unlock()

	e.logger.Info("executer limit restored", "limit", cur)
	e.observeLimit()
}

func (e *Executer) observeLimit() {
	maxConcurrent.WithLabelValues(e.key.HostID, e.key.mode()).Set(float64(e.queue.Limit()))
}

// Cancel withdraws a task that is still waiting for admission. It returns
// false when the task holds no ticket or has already been admitted.
func (e *Executer) Cancel(t *model.Task) bool {
	e.mu.Lock()
	ticket, ok := e.tickets[t.ID]
	e.mu.Unlock()
	if !ok {
		return false
	}
	return e.queue.Cancel(ticket)
}

func (e *Executer) enqueue(t *model.Task) *queue.Ticket {
	ticket := e.queue.Enqueue()
	e.mu.Lock()
	e.tickets[t.ID] = ticket
	e.mu.Unlock()
	return ticket
}

func (e *Executer) release(t *model.Task, ticket *queue.Ticket) {
	ticket.Release()
	e.mu.Lock()
	if e.tickets[t.ID] == ticket {
		delete(e.tickets, t.ID)
	}
	e.mu.Unlock()
}

// transition moves t to state and notifies the owner.
func (e *Executer) transition(t *model.Task, state string) error {
	if err := t.Transition(state); err != nil {
		return err
	}
	e.notify(t)
	return nil
}

// Submit runs t to settlement: it queues for admission, executes, and
// resubmits on forced or policy-approved retries. It returns nil once the
// task finished, ErrCanceled if the task was canceled, or the cause of the
// failure. The status artifact is written once the task settles.
func (e *Executer) Submit(ctx context.Context, t *model.Task) (err error) {
	defer func() {
		if !model.IsTerminal(t.State()) {
			return
		}
		if werr := model.WriteStatusFile(t); werr != nil {
			e.logger.Error("failed to write status file", "task_id", t.ID, "error", werr)
		}
	}()

	remaining := retry.Budget(t)
	for attempt := 1; ; attempt++ {
		o, canceled := e.turn(ctx, t)
		if canceled {
			return ErrCanceled
		}

		switch o.Kind {
		case OutcomeRetry:
			t.ForceRetry = false
			e.logger.Info("forced retry", "task_id", t.ID, "attempt", attempt, "error", o.Err)
			continue
		case OutcomeFailed:
			if e.policy.ShouldRetry(ctx, t, remaining) {
				remaining--
				retries.WithLabelValues(e.key.HostID).Inc()
				e.logger.Info("retrying task",
					"task_id", t.ID,
					"attempt", attempt,
					"rt", o.Code,
					"remaining", remaining,
				)
				continue
			}
		}
		return e.settle(t, o)
	}
}

// settle records the final outcome on t.
func (e *Executer) settle(t *model.Task, o Outcome) error {
	state := settledState(o)
	if t.State() == model.StateNotStarted {
		return ErrCanceled
	}
	now := time.Now().UTC()
	t.EndedAt = &now
	if err := e.transition(t, state); err != nil {
		// Only reachable if admission itself failed; force the verdict.
		t.ForceState(state)
		e.notify(t)
	}
	e.logger.Info("task settled",
		"task_id", t.ID,
		"state", state,
		"rt", o.Code,
	)
	return settleError(t, o)
}

// turn runs one admission and one execution attempt. canceled is true when
// the task was withdrawn, forced back to not-started, or ctx ended meanwhile.
func (e *Executer) turn(ctx context.Context, t *model.Task) (o Outcome, canceled bool) {
	ticket := e.enqueue(t)
	defer e.release(t, ticket)

	// Wait fails only on withdrawal or ctx; both leave the task unsettled.
	if err := ticket.Wait(ctx); err != nil || ctx.Err() != nil {
		return Outcome{}, true
	}
	if err := e.transition(t, model.StateWaiting); err != nil {
		return Outcome{}, true
	}
	if err := e.rate.Wait(ctx); err != nil {
		return Outcome{}, true
	}

	now := time.Now().UTC()
	t.StartedAt = &now
	t.EndedAt = nil
	t.RT, t.JobID, t.JobStatus, t.SubJobs = nil, "", nil, nil
	if err := e.transition(t, model.StateRunning); err != nil {
		// Forced to not-started while waiting for the rate limiter.
		return Outcome{}, true
	}

	code, err := e.execute(ctx, t)
	if t.State() == model.StateNotStarted || ctx.Err() != nil {
		return Outcome{}, true
	}
	if err == nil || (t.RT == nil && code >= 0 && !errors.Is(err, backend.ErrForceRetry)) {
		t.RT = model.IntPtr(code)
	}

	o = classify(t, code, err)
	if o.Kind != OutcomeFinished {
		return o, false
	}
	if t.FinishCondition != nil {
		return e.finishCondition(ctx, t, code), false
	}
	if code != 0 {
		return Failed(code, nil), false
	}
	return o, false
}

// execute runs the backend, converting a panic into a fatal error.
func (e *Executer) execute(ctx context.Context, t *model.Task) (code int, err error) {
	defer func() {
		if r := recover(); r != nil {
			code, err = -1, fmt.Errorf("backend panic: %v", r)
		}
	}()
	return e.backend.Execute(ctx, t)
}

// finishCondition decides a successful attempt through the task's manual
// finish condition.
func (e *Executer) finishCondition(ctx context.Context, t *model.Task, code int) Outcome {
	ok, err := e.eval.Evaluate(ctx, t.FinishCondition, t)
	if err != nil {
		e.logger.Warn("finish condition evaluation failed", "task_id", t.ID, "error", err)
		return Failed(code, fmt.Errorf("finish condition: %w", err))
	}
	if !ok {
		return Failed(code, nil)
	}
	return Finished(code)
}
