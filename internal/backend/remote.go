package backend

import (
	"context"
	"fmt"
	"path"
	"sort"
	"strings"

	"github.com/alessio/shellescape"

	"github.com/seantiz/conduit/internal/model"
)

// Remote runs the task script directly on a remote host over its persistent
// connection. There is no timeout: the command runs in the foreground until
// it exits.
type Remote struct {
	runner Runner
	out    OutputFunc
}

// NewRemote creates a direct remote backend.
func NewRemote(runner Runner, out OutputFunc) *Remote {
	return &Remote{runner: runner, out: out}
}

// Kind implements Backend.
func (r *Remote) Kind() Kind { return KindRemote }

// Execute implements Backend. Transport errors are returned unchanged.
func (r *Remote) Execute(ctx context.Context, t *model.Task) (int, error) {
	cmd := joinCommand(changeDir(t), exportEnv(t), scriptPath(t))
	return r.runner.Exec(ctx, t.RemoteHostID, cmd, lineSink(t.ID, r.out, nil))
}

// changeDir returns the cd clause into the remote working directory.
func changeDir(t *model.Task) string {
	return "cd " + shellescape.Quote(t.RemoteWorkingDir)
}

// exportEnv returns an export clause for the task environment and loop
// index, or "" when there is nothing to export.
func exportEnv(t *model.Task) string {
	env := make(map[string]string, len(t.Env)+1)
	for k, v := range t.Env {
		env[k] = v
	}
	if t.CurrentIndex != "" {
		env[model.CurrentIndexEnv] = t.CurrentIndex
	}
	if len(env) == 0 {
		return ""
	}
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, k+"="+shellescape.Quote(env[k]))
	}
	return "export " + strings.Join(pairs, " ")
}

// scriptPath returns the quoted script path relative to the working directory.
func scriptPath(t *model.Task) string {
	p := t.Script
	if !path.IsAbs(p) {
		p = "./" + path.Clean(p)
	}
	return shellescape.Quote(p)
}

// joinCommand chains non-empty clauses with &&.
func joinCommand(clauses ...string) string {
	var parts []string
	for _, c := range clauses {
		if c != "" {
			parts = append(parts, c)
		}
	}
	return strings.Join(parts, " && ")
}

// lineSink forwards lines to the output sink and, when acc is non-nil,
// accumulates them.
func lineSink(taskID string, out OutputFunc, acc *[]string) func(string) {
	return func(line string) {
		if acc != nil {
			*acc = append(*acc, line)
		}
		if out != nil {
			out(taskID, line)
		}
	}
}

// DeleteCommand returns the scheduler command that cancels the task's job.
func DeleteCommand(t *model.Task, del string) (string, error) {
	if del == "" || t.JobID == "" {
		return "", fmt.Errorf("task %s: no job to delete", t.ID)
	}
	return del + " " + shellescape.Quote(t.JobID), nil
}
