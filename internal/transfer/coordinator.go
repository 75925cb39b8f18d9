// Package transfer stages task working directories to and from remote hosts
// through bounded per-(project, host) queues.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"path"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"golang.org/x/sync/errgroup"

	"github.com/seantiz/conduit/internal/host"
	"github.com/seantiz/conduit/internal/model"
	"github.com/seantiz/conduit/internal/queue"
)

// Direction of a transfer job.
type Direction string

const (
	Send Direction = "send"
	Recv Direction = "recv"
)

// ErrUnknownDirection is returned for jobs whose direction is neither Send
// nor Recv.
var ErrUnknownDirection = errors.New("unknown transfer direction")

// Transferer moves files between this machine and a remote host.
type Transferer interface {
	Send(ctx context.Context, hostID string, srcs []string, dstDir string) error
	Recv(ctx context.Context, hostID string, srcs []string, dstDir string) error
	List(ctx context.Context, hostID, dir string) ([]string, error)
	RemoveAll(ctx context.Context, hostID, dir string) error
	MkdirAll(ctx context.Context, hostID, dir string) error
}

// mkdirTimeout bounds creation of the remote parent directory before
// stage-in.
const mkdirTimeout = 60 * time.Second

// HostLookup resolves host ids to descriptors.
type HostLookup interface {
	Lookup(id string) (*host.Descriptor, bool)
}

// Job is one queued transfer. Sources are local paths for Send and remote
// paths for Recv; Destination is the directory on the other side.
type Job struct {
	Direction   Direction
	Sources     []string
	Destination string
	Task        *model.Task
}

type key struct {
	project string
	host    string
}

// Coordinator owns one transfer queue per (project, host). Queues are created
// on first use and removed by Teardown.
type Coordinator struct {
	transport Transferer
	hosts     HostLookup
	logger    *slog.Logger

	mu     sync.Mutex
	queues map[key]*queue.Limiter
}

// New creates a coordinator moving files with transport.
func New(transport Transferer, hosts HostLookup, logger *slog.Logger) *Coordinator {
	return &Coordinator{
		transport: transport,
		hosts:     hosts,
		logger:    logger,
		queues:    make(map[key]*queue.Limiter),
	}
}

func (c *Coordinator) limiter(projectID, hostID string) *queue.Limiter {
	slots := 1
	if h, ok := c.hosts.Lookup(hostID); ok {
		slots = h.TransferSlots()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	k := key{projectID, hostID}
	l, ok := c.queues[k]
	if !ok {
		l = queue.New(slots)
		c.queues[k] = l
		return l
	}
	l.SetLimit(slots)
	return l
}

// Register queues job on the (project, host) queue and blocks until it has
// been carried out.
func (c *Coordinator) Register(ctx context.Context, projectID, hostID string, job Job) error {
	if job.Direction != Send && job.Direction != Recv {
		return fmt.Errorf("%w: %q", ErrUnknownDirection, job.Direction)
	}

	ticket := c.limiter(projectID, hostID).Enqueue()
	if err := ticket.Wait(ctx); err != nil {
		return fmt.Errorf("wait for transfer slot: %w", err)
	}
	defer ticket.Release()

	start := time.Now()
	var err error
	switch job.Direction {
	case Send:
		err = c.transport.Send(ctx, hostID, job.Sources, job.Destination)
	case Recv:
		err = c.transport.Recv(ctx, hostID, job.Sources, job.Destination)
	}
	transferDuration.WithLabelValues(string(job.Direction)).Observe(time.Since(start).Seconds())

	attrs := []any{
		"host", hostID,
		"direction", string(job.Direction),
		"files", len(job.Sources),
		"destination", job.Destination,
	}
	if job.Task != nil {
		attrs = append(attrs, "task_id", job.Task.ID)
	}
	if err != nil {
		c.logger.Error("transfer failed", append(attrs, "error", err)...)
		return err
	}
	c.logger.Debug("transfer completed", attrs...)
	return nil
}

// StageIn prepares the task script, creates the parent of the remote working
// directory and sends the whole working directory into it.
func (c *Coordinator) StageIn(ctx context.Context, t *model.Task) error {
	if err := t.Transition(model.StateStageIn); err != nil {
		return err
	}

	script := t.Script
	if !filepath.IsAbs(script) {
		script = filepath.Join(t.WorkingDir, script)
	}
	if err := model.NormalizeLineEndings(script); err != nil {
		return err
	}
	if err := model.EnsureExecutable(script); err != nil {
		return err
	}

	parent := path.Dir(t.RemoteWorkingDir)
	mkctx, cancel := context.WithTimeout(ctx, mkdirTimeout)
	err := c.transport.MkdirAll(mkctx, t.RemoteHostID, parent)
	cancel()
	if err != nil {
		return fmt.Errorf("create remote directory: %w", err)
	}

	return c.Register(ctx, t.ProjectID, t.RemoteHostID, Job{
		Direction:   Send,
		Sources:     []string{t.WorkingDir},
		Destination: parent,
		Task:        t,
	})
}

// StageOut fetches a finished task's outputs. It does nothing unless the
// task is finished, and always leaves the task in its original state.
func (c *Coordinator) StageOut(ctx context.Context, t *model.Task) error {
	original := t.State()
	if original != model.StateFinished {
		return nil
	}
	if err := t.Transition(model.StateStageOut); err != nil {
		return err
	}
	defer t.ForceState(original)

	batches, declared, err := c.declaredBatches(ctx, t)
	if err != nil {
		return err
	}
	var extra map[string][]string
	if len(t.Include) > 0 {
		if extra, err = c.undeclaredBatches(ctx, t, declared); err != nil {
			return err
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, b := range []map[string][]string{batches, extra} {
		for _, dir := range slices.Sorted(maps.Keys(b)) {
			srcs := b[dir]
			g.Go(func() error {
				return c.Register(gctx, t.ProjectID, t.RemoteHostID, Job{
					Direction: Recv, Sources: srcs, Destination: dir, Task: t,
				})
			})
		}
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("stage out task %s: %w", t.ID, err)
	}

	if t.CleanupFlag {
		if err := c.transport.RemoveAll(ctx, t.RemoteHostID, t.RemoteWorkingDir); err != nil {
			c.logger.Warn("remote cleanup failed",
				"task_id", t.ID,
				"host", t.RemoteHostID,
				"dir", t.RemoteWorkingDir,
				"error", err,
			)
		}
	}
	return nil
}

// declaredBatches groups the remote paths of declared outputs by the local
// directory they are delivered to. Destinations on the task's own remote
// host need no download and are skipped. It also returns the set of
// declared relative paths.
func (c *Coordinator) declaredBatches(ctx context.Context, t *model.Task) (map[string][]string, map[string]bool, error) {
	batches := make(map[string][]string)
	declared := make(map[string]bool)

	var listing []string
	listed := false
	for _, out := range t.Outputs {
		names := []string{out.Name}
		if hasMeta(out.Name) {
			if !listed {
				var err error
				if listing, err = c.transport.List(ctx, t.RemoteHostID, t.RemoteWorkingDir); err != nil {
					return nil, nil, err
				}
				listed = true
			}
			names = matching(listing, out.Name)
		}

		dsts := out.Dst
		if len(dsts) == 0 {
			dsts = []model.Destination{{Dir: t.WorkingDir}}
		}
		for _, name := range names {
			declared[name] = true
			remote := path.Join(t.RemoteWorkingDir, name)
			for _, dst := range dsts {
				if dst.Host != "" && dst.Host == t.RemoteHostID {
					continue
				}
				dir := filepath.Join(dst.Dir, filepath.FromSlash(path.Dir(name)))
				if !slices.Contains(batches[dir], remote) {
					batches[dir] = append(batches[dir], remote)
				}
			}
		}
	}
	return batches, declared, nil
}

// undeclaredBatches selects remote files matching the include list and not
// the exclude list, grouped by the local directory mirroring their place in
// the remote working directory.
func (c *Coordinator) undeclaredBatches(ctx context.Context, t *model.Task, declared map[string]bool) (map[string][]string, error) {
	files, err := c.transport.List(ctx, t.RemoteHostID, t.RemoteWorkingDir)
	if err != nil {
		return nil, err
	}
	batches := make(map[string][]string)
	for _, rel := range files {
		if declared[rel] || !matchAny(t.Include, rel) || matchAny(t.Exclude, rel) {
			continue
		}
		dir := filepath.Join(t.WorkingDir, filepath.FromSlash(path.Dir(rel)))
		batches[dir] = append(batches[dir], path.Join(t.RemoteWorkingDir, rel))
	}
	return batches, nil
}

// Teardown drops every queue of the project.
func (c *Coordinator) Teardown(projectID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k := range c.queues {
		if k.project == projectID {
			delete(c.queues, k)
		}
	}
}

// Stats returns a snapshot of the queues of a project keyed by host id.
func (c *Coordinator) Stats(projectID string) map[string]queue.Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]queue.Stats)
	for k, l := range c.queues {
		if k.project == projectID {
			out[k.host] = l.Stats()
		}
	}
	return out
}

func hasMeta(pattern string) bool {
	return strings.ContainsAny(pattern, "*?[{")
}

func matching(files []string, pattern string) []string {
	var out []string
	for _, f := range files {
		if ok, _ := doublestar.Match(pattern, f); ok {
			out = append(out, f)
		}
	}
	return out
}

func matchAny(patterns []string, name string) bool {
	for _, p := range patterns {
		if ok, _ := doublestar.Match(p, name); ok {
			return true
		}
	}
	return false
}
