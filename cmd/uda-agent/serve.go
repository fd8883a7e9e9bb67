package main

import (
	"context"
	"errors"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	uda "github.com/tri2510/uda-deployment-agent"
	"github.com/tri2510/uda-deployment-agent/internal/protocol"
)

func buildServeCmd(gf *GlobalFlags) *cobra.Command {
	sf := &ServeFlags{}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Connect to the kit server and serve deployments",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := uda.LoadConfig(gf.ConfigPath)
			if err != nil {
				return err
			}
			if sf.ServerURL != "" {
				cfg.Server.URL = sf.ServerURL
			}
			if sf.DataDir != "" {
				relocate(&cfg, sf.DataDir)
			}
			if sf.LogLevel != "" {
				cfg.Log.Level = sf.LogLevel
			}

			agent, err := uda.New(cfg)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(),
				syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			err = agent.Run(ctx)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}

	cmd.Flags().StringVar(&sf.ServerURL, "server", "", "kit server websocket url (overrides config)")
	cmd.Flags().StringVar(&sf.DataDir, "data-dir", "", "runtime data directory (overrides config)")
	cmd.Flags().StringVar(&sf.LogLevel, "log-level", "", "log level: debug, info, warn, error")
	return cmd
}

// relocate moves the data directory and every path that was left at its
// default underneath the new root. Explicitly configured paths stay put.
func relocate(cfg *uda.Config, dataDir string) {
	def := uda.DefaultConfig()
	cfg.Runtime.DataDir = dataDir
	if cfg.Apps.DeployDir == def.Apps.DeployDir {
		cfg.Apps.DeployDir = filepath.Join(dataDir, "apps")
	}
	if cfg.Log.Dir == def.Log.Dir {
		cfg.Log.Dir = filepath.Join(dataDir, "logs")
	}
	if cfg.History.DSN == def.History.DSN {
		cfg.History.DSN = "sqlite://" + filepath.Join(dataDir, "history.db")
	}
}

func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the agent version",
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Println("uda-agent", protocol.Version)
		},
	}
}
