// Package scheduler holds the static, read-only descriptors of the batch
// schedulers the dispatcher knows how to drive.
package scheduler

import (
	"fmt"
	"regexp"
	"slices"
	"sort"
	"strings"
)

// DefaultMaxStatusCheckError is the consecutive status-check error budget used
// when a descriptor does not set one.
const DefaultMaxStatusCheckError = 10

// Descriptor describes how to submit to, query and cancel jobs on one batch
// scheduler. Pattern fields hold regular expressions; the first capture group
// is the extracted value where one is needed.
type Descriptor struct {
	Name string `mapstructure:"name"`

	Submit     string `mapstructure:"submit"`
	Del        string `mapstructure:"del"`
	QueueOpt   string `mapstructure:"queueOpt"`
	StepJobOpt string `mapstructure:"stepJobOpt"`
	BulkJobOpt string `mapstructure:"bulkJobOpt"`

	Stat          string `mapstructure:"stat"`
	StatAfter     string `mapstructure:"statAfter"`
	BulkStat      string `mapstructure:"bulkStat"`
	BulkStatAfter string `mapstructure:"bulkStatAfter"`
	StatDelimiter string `mapstructure:"statDelimiter"`

	ReJobID       string `mapstructure:"reJobID"`
	ReRunning     string `mapstructure:"reRunning"`
	ReReturnCode  string `mapstructure:"reReturnCode"`
	ReJobStatus   string `mapstructure:"reJobStatus"`
	ReSubJobIndex string `mapstructure:"reSubJobIndex"`
	ReFailed      string `mapstructure:"reFailed"`

	ExceededRtList       []int  `mapstructure:"exceededRtList"`
	ReExceededLimitError string `mapstructure:"reExceededLimitError"`

	MaxStatusCheckError int  `mapstructure:"maxStatusCheckError"`
	AllowEmptyOutput    bool `mapstructure:"allowEmptyOutput"`

	jobID, running, returnCode, jobStatus, subJobIndex, failed, exceeded *regexp.Regexp
}

// Compile validates and caches the descriptor's patterns.
func (d *Descriptor) Compile() error {
	if d.Submit == "" || d.Stat == "" {
		return fmt.Errorf("scheduler %q: submit and stat commands are required", d.Name)
	}
	if d.ReJobID == "" {
		return fmt.Errorf("scheduler %q: reJobID is required", d.Name)
	}
	targets := []struct {
		pattern string
		dst     **regexp.Regexp
	}{
		{d.ReJobID, &d.jobID},
		{d.ReRunning, &d.running},
		{d.ReReturnCode, &d.returnCode},
		{d.ReJobStatus, &d.jobStatus},
		{d.ReSubJobIndex, &d.subJobIndex},
		{d.ReFailed, &d.failed},
		{d.ReExceededLimitError, &d.exceeded},
	}
	for _, tgt := range targets {
		if tgt.pattern == "" {
			*tgt.dst = nil
			continue
		}
		re, err := regexp.Compile(tgt.pattern)
		if err != nil {
			return fmt.Errorf("scheduler %q: compile %q: %w", d.Name, tgt.pattern, err)
		}
		*tgt.dst = re
	}
	if d.MaxStatusCheckError <= 0 {
		d.MaxStatusCheckError = DefaultMaxStatusCheckError
	}
	if d.StatAfter == "" {
		d.StatAfter = d.Stat
	}
	if d.BulkStat == "" {
		d.BulkStat = d.Stat
	}
	if d.BulkStatAfter == "" {
		d.BulkStatAfter = d.BulkStat
	}
	return nil
}

// HasAfterVariant reports whether the scheduler uses a distinct command once
// a job has left the queue.
func (d *Descriptor) HasAfterVariant() bool {
	return d.StatAfter != d.Stat
}

// JobID extracts the job id from submit output.
func (d *Descriptor) JobID(output string) (string, bool) {
	return firstGroup(d.jobID, output)
}

// IsRunning reports whether stat output shows the job queued or running.
func (d *Descriptor) IsRunning(output string) bool {
	return d.running != nil && d.running.MatchString(output)
}

// ReturnCode extracts the job's return code from after-finish output.
func (d *Descriptor) ReturnCode(output string) (string, bool) {
	return firstGroup(d.returnCode, output)
}

// JobStatus extracts the scheduler's job status code from after-finish output.
func (d *Descriptor) JobStatus(output string) (string, bool) {
	return firstGroup(d.jobStatus, output)
}

// SubJobIndex extracts the bulk index from one bulk stat record.
func (d *Descriptor) SubJobIndex(record string) (string, bool) {
	return firstGroup(d.subJobIndex, record)
}

// Failed applies the scheduler's failure-detection rule to after-finish output.
func (d *Descriptor) Failed(output string) bool {
	return d.failed != nil && d.failed.MatchString(output)
}

// ExceededLimit reports whether a submission was refused because a queue or
// user limit was reached.
func (d *Descriptor) ExceededLimit(code int, output string) bool {
	if slices.Contains(d.ExceededRtList, code) {
		return true
	}
	return d.exceeded != nil && d.exceeded.MatchString(output)
}

func firstGroup(re *regexp.Regexp, s string) (string, bool) {
	if re == nil {
		return "", false
	}
	m := re.FindStringSubmatch(s)
	if m == nil {
		return "", false
	}
	if len(m) < 2 {
		return m[0], true
	}
	return m[1], true
}

// Table is an immutable set of descriptors keyed by scheduler id.
type Table struct {
	descriptors map[string]*Descriptor
}

// NewTable compiles the given descriptors into a table.
func NewTable(ds map[string]Descriptor) (*Table, error) {
	t := &Table{descriptors: make(map[string]*Descriptor, len(ds))}
	for id, d := range ds {
		if d.Name == "" {
			d.Name = id
		}
		if err := d.Compile(); err != nil {
			return nil, err
		}
		t.descriptors[id] = &d
	}
	return t, nil
}

// Builtin returns the table of schedulers known out of the box.
func Builtin() *Table {
	t, err := NewTable(builtin)
	if err != nil {
		panic(fmt.Sprintf("builtin scheduler table: %v", err))
	}
	return t
}

// With returns a new table holding t's descriptors overlaid with extra.
// Ids of extra match existing entries case-insensitively, since catalog
// loaders may fold key case.
func (t *Table) With(extra map[string]Descriptor) (*Table, error) {
	merged := make(map[string]Descriptor, len(t.descriptors)+len(extra))
	for id, d := range t.descriptors {
		merged[id] = *d
	}
	for id, d := range extra {
		if existing, ok := t.resolve(id); ok {
			id = existing
		}
		if d.Name == "" {
			d.Name = id
		}
		merged[id] = d
	}
	return NewTable(merged)
}

func (t *Table) resolve(id string) (string, bool) {
	if _, ok := t.descriptors[id]; ok {
		return id, true
	}
	for known := range t.descriptors {
		if strings.EqualFold(known, id) {
			return known, true
		}
	}
	return "", false
}

// Lookup returns the descriptor registered under id, matched
// case-insensitively when no exact entry exists.
func (t *Table) Lookup(id string) (*Descriptor, bool) {
	key, ok := t.resolve(id)
	if !ok {
		return nil, false
	}
	return t.descriptors[key], true
}

// Names returns the registered scheduler ids, sorted.
func (t *Table) Names() []string {
	names := make([]string, 0, len(t.descriptors))
	for id := range t.descriptors {
		names = append(names, id)
	}
	sort.Strings(names)
	return names
}
