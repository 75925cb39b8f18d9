package backend

import (
	"context"

	"github.com/seantiz/conduit/internal/host"
	"github.com/seantiz/conduit/internal/jobstatus"
	"github.com/seantiz/conduit/internal/model"
	"github.com/seantiz/conduit/internal/scheduler"
)

// Backend is the interface every execution strategy implements. Execute
// runs one attempt of a task and returns its exit code. A returned error
// means no code was produced: the process never started, the transport
// failed, or the submission was refused.
type Backend interface {
	Execute(ctx context.Context, t *model.Task) (int, error)

	// Kind reports which strategy this backend implements.
	Kind() Kind
}

// Kind is the closed set of execution strategies.
type Kind int

const (
	KindLocal Kind = iota
	KindRemote
	KindJobCLI
	KindJobWebAPI
)

func (k Kind) String() string {
	switch k {
	case KindLocal:
		return "local"
	case KindRemote:
		return "remote"
	case KindJobCLI:
		return "job-cli"
	case KindJobWebAPI:
		return "job-webapi"
	default:
		return "unknown"
	}
}

// UsesScheduler reports whether tasks of this kind are submitted to a batch
// scheduler.
func (k Kind) UsesScheduler() bool {
	return k == KindJobCLI || k == KindJobWebAPI
}

// Classify selects the execution strategy for a task once, before any
// remote interaction. h is nil for local tasks. For scheduler kinds the
// resolved scheduler descriptor is returned as well.
func Classify(t *model.Task, h *host.Descriptor, table *scheduler.Table) (Kind, *scheduler.Descriptor, error) {
	if t.IsLocal() {
		return KindLocal, nil, nil
	}
	if h == nil {
		return 0, nil, &ClassificationError{Task: t.Name, Host: t.RemoteHostID}
	}
	if !t.UseJobScheduler {
		return KindRemote, nil, nil
	}
	sched, ok := table.Lookup(h.JobScheduler)
	if !ok {
		return 0, nil, &ClassificationError{Task: t.Name, Host: h.ID, Scheduler: h.JobScheduler}
	}
	if h.UseWebAPI {
		return KindJobWebAPI, sched, nil
	}
	return KindJobCLI, sched, nil
}

// OutputFunc receives task output one line at a time.
type OutputFunc func(taskID, line string)

// Runner runs a command on a remote host, passing output lines to lineFn.
type Runner interface {
	Exec(ctx context.Context, hostID, cmd string, lineFn func(string)) (int, error)
}

// Tracker waits for a submitted job to settle.
type Tracker interface {
	Track(ctx context.Context, req jobstatus.Request) (int, error)
}

// Controller is the owning executer as seen by a scheduler backend: its
// queue list and its backpressure hooks.
type Controller interface {
	// Queues returns the executer's current queue list.
	Queues() []string
	// Throttle lowers the concurrency limit by one after a submission was
	// refused for exceeding a scheduler limit.
	Throttle()
	// Restore raises a throttled limit by one after a successful submission.
	Restore()
}
