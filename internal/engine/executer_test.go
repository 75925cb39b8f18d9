package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/seantiz/conduit/internal/backend"
	"github.com/seantiz/conduit/internal/cond"
	"github.com/seantiz/conduit/internal/jobstatus"
	"github.com/seantiz/conduit/internal/model"
	"github.com/seantiz/conduit/internal/retry"
)

// scriptedBackend returns one scripted result per call.
type scriptedBackend struct {
	kind  backend.Kind
	steps []func(t *model.Task) (int, error)

	mu    sync.Mutex
	calls int
}

func (b *scriptedBackend) Kind() backend.Kind { return b.kind }

func (b *scriptedBackend) Execute(_ context.Context, t *model.Task) (int, error) {
	b.mu.Lock()
	i := b.calls
	b.calls++
	b.mu.Unlock()
	if i >= len(b.steps) {
		i = len(b.steps) - 1
	}
	return b.steps[i](t)
}

func (b *scriptedBackend) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls
}

type stateLog struct {
	mu     sync.Mutex
	states []string
}

func (l *stateLog) notify(t *model.Task) {
	l.mu.Lock()
	l.states = append(l.states, t.State())
	l.mu.Unlock()
}

func (l *stateLog) seen(state string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, s := range l.states {
		if s == state {
			return true
		}
	}
	return false
}

func testExecuter(t *testing.T, limit int, b *scriptedBackend, log *stateLog) *Executer {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	key := Key{ProjectID: t.Name(), HostID: "hpc", UsesScheduler: b.kind.UsesScheduler()}
	ex := newExecuter(key, limit, time.Millisecond, retry.New(cond.Shell{}, logger), cond.Shell{}, log.notify, logger)
	ex.backend = b
	return ex
}

func testTask(t *testing.T) *model.Task {
	t.Helper()
	return &model.Task{ID: model.NewID(), ProjectID: t.Name(), Name: "t", Kind: model.KindTask,
		Script: "run.sh", WorkingDir: t.TempDir(), RemoteHostID: "hpc", UseJobScheduler: true}
}

func readStatus(t *testing.T, dir string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(dir, model.StatusFilename))
	if err != nil {
		t.Fatalf("read status file: %v", err)
	}
	return string(data)
}

func TestExecuterExceededLimitRequeues(t *testing.T) {
	log := &stateLog{}
	var ex *Executer
	var limitOnRetry int
	b := &scriptedBackend{kind: backend.KindJobCLI}
	b.steps = []func(*model.Task) (int, error){
		func(t *model.Task) (int, error) {
			ex.Throttle()
			t.ForceRetry = true
			return 38, fmt.Errorf("%w: scheduler limit exceeded", backend.ErrForceRetry)
		},
		func(t *model.Task) (int, error) {
			limitOnRetry = ex.MaxConcurrent()
			t.RT = model.IntPtr(0)
			return 0, nil
		},
	}
	ex = testExecuter(t, 3, b, log)
	task := testTask(t)

	if err := ex.Submit(context.Background(), task); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if b.count() != 2 {
		t.Errorf("attempts = %d, want 2", b.count())
	}
	if limitOnRetry != 2 {
		t.Errorf("limit on retry = %d, want 2", limitOnRetry)
	}
	if log.seen(model.StateFailed) {
		t.Error("task was marked failed on a forced retry")
	}
	if task.ForceRetry {
		t.Error("force retry flag not cleared")
	}
	if task.State() != model.StateFinished {
		t.Errorf("state = %q, want finished", task.State())
	}
}

func TestExecuterForcedRetryDoesNotUseBudget(t *testing.T) {
	b := &scriptedBackend{kind: backend.KindJobCLI}
	b.steps = []func(*model.Task) (int, error){
		func(t *model.Task) (int, error) {
			t.ForceRetry = true
			return 255, backend.ErrForceRetry
		},
		func(*model.Task) (int, error) { return 3, &backend.SubmitError{Cmd: "qsub", Code: 3} },
	}
	ex := testExecuter(t, 1, b, &stateLog{})
	task := testTask(t)
	task.Retry = model.IntPtr(1)

	err := ex.Submit(context.Background(), task)
	var se *backend.SubmitError
	if !errors.As(err, &se) {
		t.Fatalf("error = %v, want *SubmitError", err)
	}
	// forced retry, failure, one policy retry, failure
	if b.count() != 3 {
		t.Errorf("attempts = %d, want 3", b.count())
	}
	if task.State() != model.StateFailed {
		t.Errorf("state = %q, want failed", task.State())
	}
}

func TestExecuterTransportErrorIsRetried(t *testing.T) {
	b := &scriptedBackend{kind: backend.KindRemote}
	b.steps = []func(*model.Task) (int, error){
		func(*model.Task) (int, error) { return -1, errors.New("connection reset") },
	}
	ex := testExecuter(t, 1, b, &stateLog{})
	task := testTask(t)
	task.Retry = model.IntPtr(2)

	err := ex.Submit(context.Background(), task)
	if err == nil || err.Error() != "connection reset" {
		t.Fatalf("error = %v, want connection reset", err)
	}
	if b.count() != 3 {
		t.Errorf("attempts = %d, want 3", b.count())
	}
	if task.State() != model.StateFailed {
		t.Errorf("state = %q, want failed", task.State())
	}
	if got := readStatus(t, task.WorkingDir); got != "failed\nundefined\nundefined" {
		t.Errorf("status file = %q", got)
	}
}

func TestExecuterSpawnErrorWithoutRetrySettlesFailed(t *testing.T) {
	b := &scriptedBackend{kind: backend.KindLocal}
	b.steps = []func(*model.Task) (int, error){
		func(*model.Task) (int, error) { return -1, errors.New("exec: \"sh\": executable file not found") },
	}
	ex := testExecuter(t, 1, b, &stateLog{})
	task := testTask(t)

	if err := ex.Submit(context.Background(), task); err == nil {
		t.Fatal("expected error")
	}
	if b.count() != 1 {
		t.Errorf("attempts = %d, want 1", b.count())
	}
	if task.RT != nil {
		t.Errorf("rt = %d, want unset", *task.RT)
	}
}

func TestExecuterSchedulerSuccessRecordsRT(t *testing.T) {
	b := &scriptedBackend{kind: backend.KindJobCLI}
	b.steps = []func(*model.Task) (int, error){
		func(*model.Task) (int, error) { return 0, nil },
	}
	ex := testExecuter(t, 1, b, &stateLog{})
	task := testTask(t)

	if err := ex.Submit(context.Background(), task); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if task.RT == nil || *task.RT != 0 {
		t.Fatalf("rt = %v, want 0", task.RT)
	}
	if got := readStatus(t, task.WorkingDir); got != "finished\n0\nundefined" {
		t.Errorf("status file = %q", got)
	}
}

func TestExecuterContextDoneLeavesTaskUnsettled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	b := &scriptedBackend{kind: backend.KindRemote}
	b.steps = []func(*model.Task) (int, error){
		func(*model.Task) (int, error) {
			cancel()
			return -1, context.Canceled
		},
	}
	log := &stateLog{}
	ex := testExecuter(t, 1, b, log)
	task := testTask(t)
	task.Retry = model.IntPtr(2)

	if err := ex.Submit(ctx, task); !errors.Is(err, ErrCanceled) {
		t.Fatalf("error = %v, want ErrCanceled", err)
	}
	if b.count() != 1 {
		t.Errorf("attempts = %d, want 1", b.count())
	}
	if log.seen(model.StateFailed) {
		t.Error("task was marked failed after its context ended")
	}
	if _, err := os.Stat(filepath.Join(task.WorkingDir, model.StatusFilename)); !os.IsNotExist(err) {
		t.Errorf("status file written for an unsettled task: %v", err)
	}
}

func TestExecuterContextDoneBeforeAdmission(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	b := &scriptedBackend{kind: backend.KindRemote}
	b.steps = []func(*model.Task) (int, error){
		func(*model.Task) (int, error) { return 0, nil },
	}
	ex := testExecuter(t, 1, b, &stateLog{})
	task := testTask(t)

	if err := ex.Submit(ctx, task); !errors.Is(err, ErrCanceled) {
		t.Fatalf("error = %v, want ErrCanceled", err)
	}
	if b.count() != 0 {
		t.Errorf("attempts = %d, want 0", b.count())
	}
	if _, err := os.Stat(filepath.Join(task.WorkingDir, model.StatusFilename)); !os.IsNotExist(err) {
		t.Errorf("status file written for an unsettled task: %v", err)
	}
}

func TestExecuterFinishCondition(t *testing.T) {
	tests := []struct {
		name  string
		cond  *model.Condition
		code  int
		state string
	}{
		{"true overrides non-zero", model.BoolCondition(true), 3, model.StateFinished},
		{"false overrides zero", model.BoolCondition(false), 0, model.StateFailed},
		{"expression", model.ExprCondition(`test "$CONDUIT_CURRENT_INDEX" = 7`), 1, model.StateFinished},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := &scriptedBackend{kind: backend.KindRemote}
			b.steps = []func(*model.Task) (int, error){
				func(*model.Task) (int, error) { return tt.code, nil },
			}
			ex := testExecuter(t, 1, b, &stateLog{})
			task := testTask(t)
			task.FinishCondition = tt.cond
			task.CurrentIndex = "7"

			_ = ex.Submit(context.Background(), task)
			if task.State() != tt.state {
				t.Errorf("state = %q, want %q", task.State(), tt.state)
			}
		})
	}
}

func TestExecuterStatusCheckBudgetSettlesUnknown(t *testing.T) {
	b := &scriptedBackend{kind: backend.KindJobCLI}
	b.steps = []func(*model.Task) (int, error){
		func(*model.Task) (int, error) { return -1, fmt.Errorf("watch job: %w", jobstatus.ErrMaxStatusCheckExceeded) },
	}
	ex := testExecuter(t, 1, b, &stateLog{})
	task := testTask(t)
	task.Retry = model.IntPtr(2)

	_ = ex.Submit(context.Background(), task)
	if task.State() != model.StateUnknown {
		t.Errorf("state = %q, want unknown", task.State())
	}
	if b.count() != 1 {
		t.Errorf("attempts = %d, want 1", b.count())
	}
}

func TestExecuterCanceledWhileRunning(t *testing.T) {
	b := &scriptedBackend{kind: backend.KindRemote}
	b.steps = []func(*model.Task) (int, error){
		func(t *model.Task) (int, error) {
			t.ForceState(model.StateNotStarted)
			return 1, nil
		},
	}
	ex := testExecuter(t, 1, b, &stateLog{})
	task := testTask(t)
	task.Retry = model.IntPtr(2)

	if err := ex.Submit(context.Background(), task); !errors.Is(err, ErrCanceled) {
		t.Fatalf("error = %v, want ErrCanceled", err)
	}
	if task.State() != model.StateNotStarted {
		t.Errorf("state = %q, want not-started", task.State())
	}
	if b.count() != 1 {
		t.Errorf("attempts = %d, want 1", b.count())
	}
}

func TestExecuterCancelQueued(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	b := &scriptedBackend{kind: backend.KindRemote}
	b.steps = []func(*model.Task) (int, error){
		func(*model.Task) (int, error) {
			close(started)
			<-release
			return 0, nil
		},
	}
	ex := testExecuter(t, 1, b, &stateLog{})
	first, second := testTask(t), testTask(t)

	if ex.Cancel(second) {
		t.Error("Cancel of a task without a ticket returned true")
	}

	done := make(chan error, 2)
	go func() { done <- ex.Submit(context.Background(), first) }()
	<-started
	go func() { done <- ex.Submit(context.Background(), second) }()

	deadline := time.After(2 * time.Second)
	for ex.Stats().Waiting == 0 {
		select {
		case <-deadline:
			t.Fatal("second task never queued")
		case <-time.After(time.Millisecond):
		}
	}
	if !ex.Cancel(second) {
		t.Fatal("Cancel of a queued task returned false")
	}
	if err := <-done; !errors.Is(err, ErrCanceled) {
		t.Errorf("second Submit = %v, want ErrCanceled", err)
	}
	if ex.Cancel(first) {
		t.Error("Cancel of an admitted task returned true")
	}
	close(release)
	if err := <-done; err != nil {
		t.Errorf("first Submit = %v", err)
	}
}

func TestExecuterThrottleRestore(t *testing.T) {
	ex := testExecuter(t, 4, &scriptedBackend{kind: backend.KindJobCLI}, &stateLog{})

	for _, want := range []int{3, 2, 1, 1} {
		ex.Throttle()
		if got := ex.MaxConcurrent(); got != want {
			t.Fatalf("after throttle limit = %d, want %d", got, want)
		}
	}
	if !ex.Throttled() {
		t.Fatal("executer not marked throttled")
	}
	for _, want := range []int{2, 3, 4} {
		ex.Restore()
		if got := ex.MaxConcurrent(); got != want {
			t.Fatalf("after restore limit = %d, want %d", got, want)
		}
	}
	if ex.Throttled() {
		t.Error("original limit not forgotten once restored")
	}
	ex.Restore()
	if got := ex.MaxConcurrent(); got != 4 {
		t.Errorf("restore beyond original: limit = %d", got)
	}
}

func TestExecuterReconfigureWhileThrottled(t *testing.T) {
	ex := testExecuter(t, 4, &scriptedBackend{kind: backend.KindJobCLI}, &stateLog{})
	ex.Throttle()
	ex.Throttle()

	ex.reconfigure(6, []string{"small"}, "grp")
	if got := ex.MaxConcurrent(); got != 2 {
		t.Errorf("limit = %d, want throttled 2 kept", got)
	}
	for range 4 {
		ex.Restore()
	}
	if got := ex.MaxConcurrent(); got != 6 {
		t.Errorf("restored limit = %d, want 6", got)
	}
	if q := ex.Queues(); len(q) != 1 || q[0] != "small" || ex.Group() != "grp" {
		t.Errorf("queues = %v group = %q", q, ex.Group())
	}
}
