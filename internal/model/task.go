package model

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"gopkg.in/yaml.v3"
)

// NewID generates a new ULID string for use as an entity identifier.
func NewID() string {
	return ulid.Make().String()
}

// Destination is one delivery target of an output file: a local directory
// owned by a downstream task and the host that downstream task runs on.
type Destination struct {
	Dir  string `json:"dir" yaml:"dir"`
	Host string `json:"host,omitempty" yaml:"host,omitempty"`
}

// FileDescriptor is a declared input or output file of a task. Name is
// relative to the task's working directory and may contain glob patterns.
type FileDescriptor struct {
	Name string        `json:"name" yaml:"name"`
	Dst  []Destination `json:"dst,omitempty" yaml:"dst,omitempty"`
}

// StepJob holds the step-job submission parameters.
type StepJob struct {
	ParentJobID string `json:"parent_job_id,omitempty" yaml:"parentJobID,omitempty"`
	StepNumber  int    `json:"step_number" yaml:"stepNumber"`
	Dependency  string `json:"dependency,omitempty" yaml:"dependency,omitempty"`
}

// BulkJob holds the inclusive bulk index range of a bulk job.
type BulkJob struct {
	Start int `json:"start" yaml:"start"`
	End   int `json:"end" yaml:"end"`
}

// SubJob is the settled result of one bulk index.
type SubJob struct {
	Index     int  `json:"index"`
	RT        *int `json:"rt,omitempty"`
	JobStatus *int `json:"job_status,omitempty"`
}

// Condition is either a literal boolean or an expression handed to a
// condition evaluator.
type Condition struct {
	Literal *bool
	Expr    string
}

// BoolCondition returns a literal condition.
func BoolCondition(v bool) *Condition {
	return &Condition{Literal: &v}
}

// ExprCondition returns an expression condition.
func ExprCondition(expr string) *Condition {
	return &Condition{Expr: expr}
}

func (c *Condition) set(raw string, quoted bool) {
	if !quoted {
		if b, err := strconv.ParseBool(raw); err == nil {
			c.Literal = &b
			return
		}
	}
	c.Expr = raw
}

// UnmarshalJSON accepts either a JSON boolean or a string expression.
func (c *Condition) UnmarshalJSON(data []byte) error {
	s := string(data)
	if s == "true" || s == "false" {
		c.set(s, false)
		return nil
	}
	unq, err := strconv.Unquote(s)
	if err != nil {
		return fmt.Errorf("condition must be a boolean or string: %s", s)
	}
	c.set(unq, true)
	return nil
}

// MarshalJSON renders a literal as a boolean and an expression as a string.
func (c Condition) MarshalJSON() ([]byte, error) {
	if c.Literal != nil {
		return []byte(strconv.FormatBool(*c.Literal)), nil
	}
	return []byte(strconv.Quote(c.Expr)), nil
}

// UnmarshalYAML accepts either a YAML boolean or a string expression.
func (c *Condition) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("condition must be a scalar, got line %d", node.Line)
	}
	c.set(node.Value, node.Tag == "!!str" && node.Style != 0)
	return nil
}

// Task is one schedulable unit of a workflow. A Task is mutated only by the
// Executer that currently owns its execution; the lifecycle state and the
// process handle are additionally guarded so observers may read them.
type Task struct {
	ID        string `json:"id" yaml:"id"`
	ProjectID string `json:"project_id" yaml:"project"`
	Name      string `json:"name" yaml:"name"`
	Kind      string `json:"kind" yaml:"kind"`

	Host            string `json:"host,omitempty" yaml:"host,omitempty"`
	RemoteHostID    string `json:"remote_host_id,omitempty" yaml:"-"`
	UseJobScheduler bool   `json:"use_job_scheduler" yaml:"useJobScheduler"`
	Queue           string `json:"queue,omitempty" yaml:"queue,omitempty"`
	SubmitOption    string `json:"submit_option,omitempty" yaml:"submitOption,omitempty"`

	Script           string            `json:"script" yaml:"script"`
	WorkingDir       string            `json:"working_dir" yaml:"workingDir"`
	RemoteWorkingDir string            `json:"remote_working_dir,omitempty" yaml:"remoteWorkingDir,omitempty"`
	Env              map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
	CurrentIndex     string            `json:"current_index,omitempty" yaml:"currentIndex,omitempty"`

	RT        *int     `json:"rt,omitempty" yaml:"-"`
	JobID     string   `json:"job_id,omitempty" yaml:"-"`
	JobStatus *int     `json:"job_status,omitempty" yaml:"-"`
	SubJobs   []SubJob `json:"sub_jobs,omitempty" yaml:"-"`

	Retry           *int       `json:"retry,omitempty" yaml:"retry,omitempty"`
	RetryCondition  *Condition `json:"retry_condition,omitempty" yaml:"retryCondition,omitempty"`
	FinishCondition *Condition `json:"finish_condition,omitempty" yaml:"finishCondition,omitempty"`
	ForceRetry      bool       `json:"-" yaml:"-"`

	Inputs      []FileDescriptor `json:"inputs,omitempty" yaml:"inputs,omitempty"`
	Outputs     []FileDescriptor `json:"outputs,omitempty" yaml:"outputs,omitempty"`
	Include     []string         `json:"include,omitempty" yaml:"include,omitempty"`
	Exclude     []string         `json:"exclude,omitempty" yaml:"exclude,omitempty"`
	CleanupFlag bool             `json:"cleanup,omitempty" yaml:"cleanup,omitempty"`

	StepJob StepJob `json:"step_job" yaml:"stepJob,omitempty"`
	Bulk    BulkJob `json:"bulk" yaml:"bulk,omitempty"`

	CreatedAt   time.Time  `json:"created_at" yaml:"-"`
	SubmittedAt *time.Time `json:"submitted_at,omitempty" yaml:"-"`
	StartedAt   *time.Time `json:"started_at,omitempty" yaml:"-"`
	EndedAt     *time.Time `json:"ended_at,omitempty" yaml:"-"`

	mu    sync.Mutex
	state string
	proc  *os.Process
}

// State returns the current lifecycle state. The zero value is not-started.
func (t *Task) State() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == "" {
		return StateNotStarted
	}
	return t.state
}

// Transition moves the task to state to, enforcing the lifecycle table.
func (t *Task) Transition(to string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	from := t.state
	if from == "" {
		from = StateNotStarted
	}
	if !ValidTransition(from, to) {
		return fmt.Errorf("task %s: invalid transition %s -> %s", t.ID, from, to)
	}
	t.state = to
	return nil
}

// ForceState sets the state without consulting the lifecycle table. It is
// used by cancellation and by stage-out to restore the settled state.
func (t *Task) ForceState(state string) {
	t.mu.Lock()
	t.state = state
	t.mu.Unlock()
}

// SetProcess records the live local process handle; nil clears it.
func (t *Task) SetProcess(p *os.Process) {
	t.mu.Lock()
	t.proc = p
	t.mu.Unlock()
}

// Process returns the live local process handle, if any.
func (t *Task) Process() *os.Process {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.proc
}

// IsLocal reports whether the task resolved to this machine.
func (t *Task) IsLocal() bool {
	return t.RemoteHostID == "" || t.RemoteHostID == LocalHost
}

// CurrentIndexEnv is the variable carrying a task's loop index into scripts
// and condition expressions.
const CurrentIndexEnv = "CONDUIT_CURRENT_INDEX"

// Environ layers the task environment over base, in KEY=VALUE form. Later
// entries win when the result is handed to exec.
func (t *Task) Environ(base []string) []string {
	env := make([]string, 0, len(base)+len(t.Env)+1)
	env = append(env, base...)
	keys := make([]string, 0, len(t.Env))
	for k := range t.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+t.Env[k])
	}
	if t.CurrentIndex != "" {
		env = append(env, CurrentIndexEnv+"="+t.CurrentIndex)
	}
	return env
}

// IntPtr returns a pointer to v.
func IntPtr(v int) *int {
	return &v
}
