package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/seantiz/conduit/internal/config"
	"github.com/seantiz/conduit/internal/engine"
	"github.com/seantiz/conduit/internal/host"
	"github.com/seantiz/conduit/internal/remote"
	"github.com/seantiz/conduit/internal/store"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "conduit",
		Short: "dispatch workflow tasks to local and remote executers",
	}
	cmd.AddCommand(newServeCmd(), newRunCmd())
	return cmd
}

// app holds the collaborators shared by every subcommand.
type app struct {
	cfg     config.Config
	logger  *slog.Logger
	store   *store.SQLiteStore
	pool    *remote.Pool
	engine  *engine.Engine
	closers []io.Closer
}

func newApp(cfg config.Config, logOut io.Writer) (*app, error) {
	w, logCloser := cfg.LogWriter(logOut)
	logger := config.NewLogger(w, cfg.LogLevel)
	rt := &app{cfg: cfg, logger: logger, closers: []io.Closer{logCloser}}

	hosts := host.NewCatalog()
	if cfg.HostsFile != "" {
		c, err := host.LoadCatalog(cfg.HostsFile)
		if err != nil {
			rt.Close()
			return nil, err
		}
		hosts = c
	}

	db, err := store.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		rt.Close()
		return nil, fmt.Errorf("open database: %w", err)
	}
	rt.store = db
	rt.closers = append(rt.closers, db)

	rt.pool = remote.NewPool(hosts, cfg.KnownHosts, logger)
	rt.closers = append(rt.closers, rt.pool)

	rt.engine = engine.New(engine.Config{
		Store:          db,
		Hosts:          hosts,
		Remote:         rt.pool,
		Logger:         logger,
		LocalSlots:     cfg.LocalSlots,
		StatusInterval: cfg.StatusInterval,
	})

	logger.Info("conduit: ready",
		"db_path", cfg.DBPath,
		"hosts", len(hosts.IDs()),
		"local_slots", cfg.LocalSlots,
	)
	return rt, nil
}

// Close releases resources in reverse order of acquisition.
func (rt *app) Close() {
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i].Close(); err != nil {
			fmt.Fprintf(os.Stderr, "close: %v\n", err)
		}
	}
}
