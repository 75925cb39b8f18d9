package backend

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/alessio/shellescape"

	"github.com/seantiz/conduit/internal/model"
)

// Local runs task scripts as child processes of this service.
type Local struct {
	out    OutputFunc
	logger *slog.Logger
}

// NewLocal creates a local backend streaming output to out.
func NewLocal(out OutputFunc, logger *slog.Logger) *Local {
	return &Local{out: out, logger: logger}
}

// Kind implements Backend.
func (l *Local) Kind() Kind { return KindLocal }

// Execute runs the task script through a shell in the working directory.
// The live process handle is stored on the task until it exits.
func (l *Local) Execute(ctx context.Context, t *model.Task) (int, error) {
	script := t.Script
	if !filepath.IsAbs(script) {
		script = filepath.Join(t.WorkingDir, script)
	}
	if err := model.EnsureExecutable(script); err != nil {
		return -1, fmt.Errorf("spawn %s: %w", t.Script, err)
	}

	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", shellescape.Quote(script))
	cmd.Dir = t.WorkingDir
	cmd.Env = t.Environ(os.Environ())
	// Children of the shell share its pipes; kill the whole group so
	// cancellation does not wait for them.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if err := syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL); err != nil && !errors.Is(err, syscall.ESRCH) {
			return err
		}
		return os.ErrProcessDone
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return -1, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return -1, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return -1, fmt.Errorf("spawn %s: %w", t.Script, err)
	}
	t.SetProcess(cmd.Process)
	defer t.SetProcess(nil)

	l.logger.Debug("local process started", "task_id", t.ID, "pid", cmd.Process.Pid)

	var mu sync.Mutex
	var wg sync.WaitGroup
	wg.Go(func() { l.stream(t.ID, stdout, &mu) })
	wg.Go(func() { l.stream(t.ID, stderr, &mu) })
	wg.Wait()

	err = cmd.Wait()
	if err == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	return -1, fmt.Errorf("wait %s: %w", t.Script, err)
}

// stream passes each line of r to the output sink, one call at a time.
func (l *Local) stream(taskID string, r io.Reader, mu *sync.Mutex) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		if l.out == nil {
			continue
		}
		mu.Lock()
		l.out(taskID, scanner.Text())
		mu.Unlock()
	}
}
