package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/seantiz/conduit/internal/api"
	"github.com/seantiz/conduit/internal/config"
)

func newServeCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:          "serve",
		Short:        "run the task dispatch HTTP server",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := config.Load()
			if addr != "" {
				cfg.ListenAddr = addr
			}
			rt, err := newApp(cfg, os.Stdout)
			if err != nil {
				return err
			}
			defer rt.Close()

			rt.logger.Info("conduit: starting", "listen_addr", cfg.ListenAddr)
			return api.NewServer(cfg.ListenAddr, rt.store, rt.engine, rt.logger).Run()
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address, overrides CONDUIT_LISTEN_ADDR")
	return cmd
}
