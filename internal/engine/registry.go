package engine

import (
	"cmp"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/seantiz/conduit/internal/backend"
	"github.com/seantiz/conduit/internal/cond"
	"github.com/seantiz/conduit/internal/host"
	"github.com/seantiz/conduit/internal/model"
	"github.com/seantiz/conduit/internal/queue"
	"github.com/seantiz/conduit/internal/retry"
	"github.com/seantiz/conduit/internal/scheduler"
)

// Hosts is the host catalog as seen by the registry.
type Hosts interface {
	Lookup(id string) (*host.Descriptor, bool)
	Schedulers() *scheduler.Table
	Token(hostID string) (string, error)
}

// ExecuterInfo is a snapshot of one registered executer.
type ExecuterInfo struct {
	Key       Key         `json:"key"`
	Kind      string      `json:"kind"`
	Queues    []string    `json:"queues,omitempty"`
	Group     string      `json:"group,omitempty"`
	Throttled bool        `json:"throttled"`
	Stats     queue.Stats `json:"stats"`
}

// RegistryConfig holds the collaborators executers are built from.
type RegistryConfig struct {
	Hosts   Hosts
	Runner  backend.Runner
	Tracker backend.Tracker
	Policy  *retry.Policy
	Eval    cond.Evaluator
	Output  backend.OutputFunc
	Notify  Notifier
	Logger  *slog.Logger

	// LocalSlots is the concurrency limit of executers with no host.
	LocalSlots int
	// Minimum intervals between submissions; zero uses the defaults.
	DirectInterval    time.Duration
	SchedulerInterval time.Duration
}

// Registry owns every executer of the process, keyed by project, host and
// scheduler mode. Executers are created on first registration and live
// until their project is torn down.
type Registry struct {
	cfg RegistryConfig

	mu    sync.Mutex
	execs map[Key]*Executer
}

// NewRegistry creates an empty registry.
func NewRegistry(cfg RegistryConfig) *Registry {
	if cfg.DirectInterval <= 0 {
		cfg.DirectInterval = DefaultDirectInterval
	}
	if cfg.SchedulerInterval <= 0 {
		cfg.SchedulerInterval = DefaultSchedulerInterval
	}
	cfg.LocalSlots = max(cfg.LocalSlots, 1)
	return &Registry{cfg: cfg, execs: make(map[Key]*Executer)}
}

// KeyOf returns the registry key of a resolved task.
func KeyOf(t *model.Task) Key {
	host := t.RemoteHostID
	if t.IsLocal() {
		host = model.LocalHost
	}
	return Key{
		ProjectID:     t.ProjectID,
		HostID:        host,
		UsesScheduler: t.UseJobScheduler && !t.IsLocal(),
	}
}

// settings returns the limit, queue list and group an executer for h gets.
func (r *Registry) settings(h *host.Descriptor) (int, []string, string) {
	if h == nil {
		return r.cfg.LocalSlots, nil, ""
	}
	return h.JobSlots(), h.Queues(), h.GroupName
}

// Register returns the executer for t, creating it on first use. On reuse
// the host's current limit, queues and group are applied to the existing
// executer. A task whose host or scheduler is unknown fails with a
// *backend.ClassificationError before anything is created.
func (r *Registry) Register(t *model.Task) (*Executer, error) {
	var h *host.Descriptor
	if !t.IsLocal() {
		h, _ = r.cfg.Hosts.Lookup(t.RemoteHostID)
	}
	limit, queues, group := r.settings(h)
	key := KeyOf(t)

	r.mu.Lock()
	defer r.mu.Unlock()

	if ex, ok := r.execs[key]; ok {
		ex.reconfigure(limit, queues, group)
		return ex, nil
	}

	kind, sched, err := backend.Classify(t, h, r.cfg.Hosts.Schedulers())
	if err != nil {
		return nil, err
	}

	interval := r.cfg.DirectInterval
	if kind.UsesScheduler() {
		interval = r.cfg.SchedulerInterval
	}
	ex := newExecuter(key, limit, interval, r.cfg.Policy, r.cfg.Eval, r.cfg.Notify, r.cfg.Logger)
	ex.queues = slices.Clone(queues)
	ex.group = group
	ex.backend = r.build(kind, h, sched, ex)
	r.execs[key] = ex

	r.cfg.Logger.Info("executer created",
		"executer", key.String(),
		"kind", kind.String(),
		"limit", limit,
	)
	return ex, nil
}

func (r *Registry) build(kind backend.Kind, h *host.Descriptor, sched *scheduler.Descriptor, ex *Executer) backend.Backend {
	switch kind {
	case backend.KindRemote:
		return backend.NewRemote(r.cfg.Runner, r.cfg.Output)
	case backend.KindJobCLI:
		return backend.NewJobCLI(r.cfg.Runner, r.cfg.Tracker, h, sched, ex, r.cfg.Output, r.cfg.Logger)
	case backend.KindJobWebAPI:
		return backend.NewJobWebAPI(r.cfg.Hosts, r.cfg.Tracker, h, sched, ex, r.cfg.Logger)
	default:
		return backend.NewLocal(r.cfg.Output, r.cfg.Logger)
	}
}

// Lookup returns the executer registered for t, if any.
func (r *Registry) Lookup(t *model.Task) (*Executer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ex, ok := r.execs[KeyOf(t)]
	return ex, ok
}

// Cancel withdraws t from its executer's queue. It returns false, without
// error, when the task holds no queue ticket.
func (r *Registry) Cancel(t *model.Task) bool {
	ex, ok := r.Lookup(t)
	if !ok {
		return false
	}
	return ex.Cancel(t)
}

// Teardown drops every executer of a project. In-flight work is not
// waited for; cancel it first.
func (r *Registry) Teardown(projectID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for key := range r.execs {
		if key.ProjectID == projectID {
			delete(r.execs, key)
			n++
		}
	}
	return n
}

// List returns a snapshot of every executer, ordered by key.
func (r *Registry) List() []ExecuterInfo {
	r.mu.Lock()
	execs := make([]*Executer, 0, len(r.execs))
	for _, ex := range r.execs {
		execs = append(execs, ex)
	}
	r.mu.Unlock()

	infos := make([]ExecuterInfo, 0, len(execs))
	for _, ex := range execs {
		infos = append(infos, ExecuterInfo{
			Key:       ex.Key(),
			Kind:      ex.Kind().String(),
			Queues:    ex.Queues(),
			Group:     ex.Group(),
			Throttled: ex.Throttled(),
			Stats:     ex.Stats(),
		})
	}
	slices.SortFunc(infos, func(a, b ExecuterInfo) int {
		return cmp.Compare(a.Key.String(), b.Key.String())
	})
	return infos
}
