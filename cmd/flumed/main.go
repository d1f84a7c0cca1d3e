// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/tombee/flume/internal/config"
	"github.com/tombee/flume/internal/daemon"
	"github.com/tombee/flume/internal/log"
)

// Version information (injected via ldflags at build time)
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "flumed",
		Short: "Flume - pipeline run execution daemon",
		Long: `Flume executes organization-owned pipelines of tool steps as
dependency graphs. The daemon schedules runs, dispatches tool jobs to
its worker pool and broadcasts run changes over websockets.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.AddCommand(newServeCommand())
	cmd.AddCommand(newVersionCommand())
	return cmd
}

func newServeCommand() *cobra.Command {
	var (
		configPath  string
		listen      string
		backendType string
		sqlitePath  string
		workers     int
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := log.New(log.FromEnv())
			slog.SetDefault(logger)

			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}

			// CLI flags override file and environment settings.
			if listen != "" {
				cfg.Server.Listen = listen
			}
			if backendType != "" {
				cfg.Backend.Type = backendType
			}
			if sqlitePath != "" {
				cfg.Backend.SQLite.Path = sqlitePath
			}
			if workers > 0 {
				cfg.Worker.Concurrency = workers
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			d, err := daemon.New(cfg, daemon.Options{
				Version:   version,
				Commit:    commit,
				BuildDate: buildDate,
			})
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			return d.Run(ctx)
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "", "Path to config file")
	cmd.Flags().StringVar(&listen, "listen", "", "TCP address to listen on")
	cmd.Flags().StringVar(&backendType, "backend", "", "Storage backend (memory, sqlite)")
	cmd.Flags().StringVar(&sqlitePath, "sqlite-path", "", "SQLite database file path")
	cmd.Flags().IntVar(&workers, "workers", 0, "Worker pool concurrency")
	return cmd
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.Printf("flumed version %s\n", version)
			cmd.Printf("  commit:     %s\n", commit)
			cmd.Printf("  build date: %s\n", buildDate)
			return nil
		},
	}
}
