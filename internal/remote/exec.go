package remote

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"golang.org/x/crypto/ssh"
)

// Exec runs cmd on the host and passes each stdout/stderr line to lineFn,
// one call at a time. It returns the remote exit status; err is non-nil only
// when the command could not be run to completion. ctx cancellation kills
// the remote command.
func (p *Pool) Exec(ctx context.Context, hostID, cmd string, lineFn func(string)) (int, error) {
	c, err := p.get(ctx, hostID)
	if err != nil {
		return -1, err
	}

	sess, err := c.ssh.NewSession()
	if err != nil {
		p.drop(hostID, c)
		return -1, fmt.Errorf("open session on %s: %w", hostID, err)
	}
	defer sess.Close()

	stdout, err := sess.StdoutPipe()
	if err != nil {
		return -1, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := sess.StderrPipe()
	if err != nil {
		return -1, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := sess.Start(cmd); err != nil {
		return -1, fmt.Errorf("start remote command on %s: %w", hostID, err)
	}

	var mu sync.Mutex
	emit := func(line string) {
		if lineFn == nil {
			return
		}
		mu.Lock()
		lineFn(line)
		mu.Unlock()
	}

	var wg sync.WaitGroup
	wg.Go(func() { streamLines(stdout, emit) })
	wg.Go(func() { streamLines(stderr, emit) })

	done := make(chan error, 1)
	go func() {
		wg.Wait()
		done <- sess.Wait()
	}()

	select {
	case err = <-done:
	case <-ctx.Done():
		_ = sess.Signal(ssh.SIGKILL)
		sess.Close()
		<-done
		return -1, fmt.Errorf("remote command on %s: %w", hostID, ctx.Err())
	}

	return exitStatus(err)
}

// Output runs cmd and returns its exit status with the combined output.
func (p *Pool) Output(ctx context.Context, hostID, cmd string) (int, string, error) {
	var lines []string
	code, err := p.Exec(ctx, hostID, cmd, func(line string) {
		lines = append(lines, line)
	})
	return code, strings.Join(lines, "\n"), err
}

func exitStatus(err error) (int, error) {
	if err == nil {
		return 0, nil
	}
	var exitErr *ssh.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitStatus(), nil
	}
	return -1, fmt.Errorf("remote command: %w", err)
}

// streamLines reads lines from r and passes each to emit.
func streamLines(r io.Reader, emit func(string)) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		emit(scanner.Text())
	}
}
