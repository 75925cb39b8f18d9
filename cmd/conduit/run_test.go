package main

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadTask(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "task.yaml")
	def := `project: p1
name: align
script: run.sh
workingDir: work
host: hpc
useJobScheduler: true
retry: 2
retryCondition: 'test "$CONDUIT_CURRENT_INDEX" -lt 3'
finishCondition: true
`
	if err := os.WriteFile(path, []byte(def), 0o644); err != nil {
		t.Fatal(err)
	}

	task, err := loadTask(path)
	if err != nil {
		t.Fatalf("loadTask: %v", err)
	}
	if len(task.ID) != 26 {
		t.Errorf("ID = %q, want generated ulid", task.ID)
	}
	if task.WorkingDir != filepath.Join(dir, "work") {
		t.Errorf("WorkingDir = %q", task.WorkingDir)
	}
	if task.ProjectID != "p1" || task.Host != "hpc" || !task.UseJobScheduler {
		t.Errorf("task = %+v", task)
	}
	if task.Retry == nil || *task.Retry != 2 {
		t.Errorf("Retry = %v, want 2", task.Retry)
	}
	if task.RetryCondition == nil || task.FinishCondition == nil {
		t.Fatal("conditions not decoded")
	}
	if fc := task.FinishCondition; fc.Literal == nil || !*fc.Literal {
		t.Errorf("FinishCondition = %+v, want literal true", fc)
	}
	if rc := task.RetryCondition; rc.Literal != nil || rc.Expr != `test "$CONDUIT_CURRENT_INDEX" -lt 3` {
		t.Errorf("RetryCondition = %+v", rc)
	}
}

func TestLoadTaskDefaultsWorkingDir(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "task.yaml")
	if err := os.WriteFile(path, []byte("project: p1\nscript: run.sh\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	task, err := loadTask(path)
	if err != nil {
		t.Fatalf("loadTask: %v", err)
	}
	if task.WorkingDir != dir {
		t.Errorf("WorkingDir = %q, want %q", task.WorkingDir, dir)
	}
}

func TestLoadTaskMissingFile(t *testing.T) {
	if _, err := loadTask(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error")
	}
}
