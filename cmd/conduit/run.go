package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/seantiz/conduit/internal/config"
	"github.com/seantiz/conduit/internal/engine"
	"github.com/seantiz/conduit/internal/model"
)

func newRunCmd() *cobra.Command {
	var dbPath string
	cmd := &cobra.Command{
		Use:          "run <task.yaml>",
		Short:        "dispatch one task and wait for it to settle",
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := loadTask(args[0])
			if err != nil {
				return err
			}

			cfg := config.Load()
			cfg.DBPath = dbPath
			rt, err := newApp(cfg, os.Stderr)
			if err != nil {
				return err
			}
			defer rt.Close()

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			// Cancel through the engine so the task settles as not-started.
			go func() {
				<-ctx.Done()
				_ = rt.engine.Cancel(t.ID)
			}()

			events, unsub := rt.engine.Broker().Subscribe(t.ID)
			defer unsub()
			done := make(chan struct{})
			go func() {
				defer close(done)
				for ev := range events {
					if ev.Type == engine.EventLog {
						fmt.Fprintln(cmd.OutOrStdout(), ev.Data)
					}
				}
			}()

			err = rt.engine.Exec(context.Background(), t)
			// Exec never opens the topic when the task is rejected.
			rt.engine.Broker().Close(t.ID)
			<-done
			if err != nil {
				return fmt.Errorf("task %s: %w", t.ID, err)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&dbPath, "db", ":memory:", "task database path")
	return cmd
}

// loadTask reads a task definition. A relative working directory is taken
// from the definition file's directory.
func loadTask(path string) (*model.Task, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read task: %w", err)
	}
	t := &model.Task{}
	if err := yaml.Unmarshal(raw, t); err != nil {
		return nil, fmt.Errorf("decode task %s: %w", path, err)
	}
	if t.ID == "" {
		t.ID = model.NewID()
	}

	base, err := filepath.Abs(filepath.Dir(path))
	if err != nil {
		return nil, err
	}
	switch {
	case t.WorkingDir == "":
		t.WorkingDir = base
	case !filepath.IsAbs(t.WorkingDir):
		t.WorkingDir = filepath.Join(base, t.WorkingDir)
	}
	return t, nil
}
