package model

import (
	"encoding/json"
	"os"
	"path/filepath"
	"regexp"
	"testing"

	"gopkg.in/yaml.v3"
)

// crockfordBase32 matches valid ULID strings (26 chars, Crockford Base32 alphabet).
var crockfordBase32 = regexp.MustCompile(`^[0123456789ABCDEFGHJKMNPQRSTVWXYZ]{26}$`)

func TestNewIDFormat(t *testing.T) {
	id := NewID()
	if !crockfordBase32.MatchString(id) {
		t.Errorf("NewID() = %q, does not match Crockford Base32 ULID format", id)
	}
}

func TestNewIDUniqueness(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := NewID()
		if seen[id] {
			t.Fatalf("NewID() produced duplicate: %s", id)
		}
		seen[id] = true
	}
}

func TestValidTransition(t *testing.T) {
	tests := []struct {
		from, to string
		want     bool
	}{
		{StateNotStarted, StateWaiting, true},
		{StateNotStarted, StateStageIn, true},
		{StateStageIn, StateWaiting, true},
		{StateWaiting, StateRunning, true},
		{StateRunning, StateFinished, true},
		{StateRunning, StateWaiting, true},
		{StateFinished, StateStageOut, true},
		{StateStageOut, StateFinished, true},
		{StateFailed, StateWaiting, true},
		{StateRunning, StateRunning, true},
		{StateFinished, StateRunning, false},
		{StateFailed, StateFinished, false},
		{StateWaiting, StateFinished, false},
		{StateUnknown, StateFailed, false},
		{"bogus", StateWaiting, false},
	}
	for _, tt := range tests {
		if got := ValidTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("ValidTransition(%q, %q) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestTaskTransition(t *testing.T) {
	task := &Task{ID: "t1"}
	if task.State() != StateNotStarted {
		t.Fatalf("zero state = %q, want %q", task.State(), StateNotStarted)
	}
	for _, s := range []string{StateWaiting, StateRunning, StateFinished} {
		if err := task.Transition(s); err != nil {
			t.Fatalf("Transition(%s): %v", s, err)
		}
	}
	if err := task.Transition(StateRunning); err == nil {
		t.Error("expected error for finished -> running")
	}
	task.ForceState(StateNotStarted)
	if task.State() != StateNotStarted {
		t.Errorf("state after ForceState = %q", task.State())
	}
}

func TestIsTerminal(t *testing.T) {
	for _, s := range []string{StateFinished, StateFailed, StateUnknown} {
		if !IsTerminal(s) {
			t.Errorf("IsTerminal(%q) = false", s)
		}
	}
	for _, s := range []string{StateNotStarted, StateWaiting, StateRunning, StateStageIn, StateStageOut} {
		if IsTerminal(s) {
			t.Errorf("IsTerminal(%q) = true", s)
		}
	}
}

func TestStatusFileRoundTrip(t *testing.T) {
	dir := t.TempDir()
	task := &Task{ID: "t1", WorkingDir: dir, RT: IntPtr(0)}
	task.ForceState(StateFinished)

	if err := WriteStatusFile(task); err != nil {
		t.Fatalf("WriteStatusFile: %v", err)
	}

	raw, err := os.ReadFile(filepath.Join(dir, StatusFilename))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(raw) != "finished\n0\nundefined" {
		t.Errorf("status file = %q, want %q", raw, "finished\n0\nundefined")
	}

	rec, err := ReadStatusFile(dir)
	if err != nil {
		t.Fatalf("ReadStatusFile: %v", err)
	}
	if rec.State != StateFinished || rec.RT == nil || *rec.RT != 0 || rec.JobStatus != nil {
		t.Errorf("record = %+v", rec)
	}
}

func TestSubJobStatusFile(t *testing.T) {
	dir := t.TempDir()
	task := &Task{
		ID:         "t1",
		Kind:       KindBulkJob,
		WorkingDir: dir,
		Bulk:       BulkJob{Start: 1, End: 2},
		SubJobs:    []SubJob{{Index: 1, RT: IntPtr(0), JobStatus: IntPtr(0)}},
	}
	task.ForceState(StateFailed)

	if err := WriteStatusFile(task); err != nil {
		t.Fatalf("WriteStatusFile: %v", err)
	}
	raw, err := os.ReadFile(filepath.Join(dir, SubJobStatusPrefix+StatusFilename))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	want := "RT_1=0\nJOBSTATUS_1=0\nRT_2=undefined\nJOBSTATUS_2=undefined"
	if string(raw) != want {
		t.Errorf("subjob file = %q, want %q", raw, want)
	}
}

func TestConditionDecoding(t *testing.T) {
	var fromJSON struct {
		A *Condition `json:"a"`
		B *Condition `json:"b"`
	}
	if err := json.Unmarshal([]byte(`{"a": true, "b": "test -f done"}`), &fromJSON); err != nil {
		t.Fatalf("json: %v", err)
	}
	if fromJSON.A.Literal == nil || !*fromJSON.A.Literal {
		t.Errorf("json literal = %+v", fromJSON.A)
	}
	if fromJSON.B.Expr != "test -f done" {
		t.Errorf("json expr = %+v", fromJSON.B)
	}

	var fromYAML struct {
		A *Condition `yaml:"a"`
		B *Condition `yaml:"b"`
		C *Condition `yaml:"c"`
	}
	doc := "a: false\nb: test -f done\nc: \"true\"\n"
	if err := yaml.Unmarshal([]byte(doc), &fromYAML); err != nil {
		t.Fatalf("yaml: %v", err)
	}
	if fromYAML.A.Literal == nil || *fromYAML.A.Literal {
		t.Errorf("yaml literal = %+v", fromYAML.A)
	}
	if fromYAML.B.Expr != "test -f done" {
		t.Errorf("yaml expr = %+v", fromYAML.B)
	}
	if fromYAML.C.Literal != nil || fromYAML.C.Expr != "true" {
		t.Errorf("quoted yaml scalar should stay an expression, got %+v", fromYAML.C)
	}
}

func TestEnvironLayering(t *testing.T) {
	task := &Task{Env: map[string]string{"B": "2", "A": "1"}, CurrentIndex: "3"}
	got := task.Environ([]string{"PATH=/bin", "A=0"})
	want := []string{"PATH=/bin", "A=0", "A=1", "B=2", CurrentIndexEnv + "=3"}
	if len(got) != len(want) {
		t.Fatalf("Environ() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Environ()[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestExecMode(t *testing.T) {
	tests := []struct {
		in, want os.FileMode
	}{
		{0o640, 0o754},
		{0o600, 0o700},
		{0o644, 0o755},
		{0o755, 0o755},
	}
	for _, tt := range tests {
		if got := ExecMode(tt.in); got != tt.want {
			t.Errorf("ExecMode(%o) = %o, want %o", tt.in, got, tt.want)
		}
	}
}

func TestEnsureExecutableAndLineEndings(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.sh")
	if err := os.WriteFile(path, []byte("#!/bin/sh\r\necho hi\r\n"), 0o640); err != nil {
		t.Fatal(err)
	}
	if err := os.Chmod(path, 0o640); err != nil {
		t.Fatal(err)
	}

	if err := NormalizeLineEndings(path); err != nil {
		t.Fatalf("NormalizeLineEndings: %v", err)
	}
	if err := EnsureExecutable(path); err != nil {
		t.Fatalf("EnsureExecutable: %v", err)
	}

	raw, _ := os.ReadFile(path)
	if string(raw) != "#!/bin/sh\necho hi\n" {
		t.Errorf("content = %q", raw)
	}
	info, _ := os.Stat(path)
	if info.Mode().Perm() != 0o754 {
		t.Errorf("mode = %o, want 754", info.Mode().Perm())
	}
}
