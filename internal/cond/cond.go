// Package cond evaluates retry and finish conditions attached to tasks.
package cond

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"

	"github.com/seantiz/conduit/internal/model"
)

// Evaluator decides a task condition.
type Evaluator interface {
	Evaluate(ctx context.Context, c *model.Condition, t *model.Task) (bool, error)
}

// Shell evaluates expression conditions as POSIX shell commands run in the
// task's working directory, with the task environment and loop index
// exported as variables. Exit status 0 means true. Values are never
// interpolated into the command text.
type Shell struct {
	// Shell is the interpreter path; empty means /bin/sh.
	Shell string
}

// Evaluate implements Evaluator. Literal conditions are returned as is.
func (s Shell) Evaluate(ctx context.Context, c *model.Condition, t *model.Task) (bool, error) {
	if c == nil {
		return false, errors.New("nil condition")
	}
	if c.Literal != nil {
		return *c.Literal, nil
	}
	if c.Expr == "" {
		return false, errors.New("empty condition expression")
	}

	sh := s.Shell
	if sh == "" {
		sh = "/bin/sh"
	}
	cmd := exec.CommandContext(ctx, sh, "-c", c.Expr)
	cmd.Dir = t.WorkingDir
	cmd.Env = t.Environ(os.Environ())

	err := cmd.Run()
	if err == nil {
		return true, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return false, nil
	}
	return false, fmt.Errorf("evaluate condition %q: %w", c.Expr, err)
}
