// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 authkeep Contributors

package main

import (
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/authkeep/authkeep/internal/config"
	"github.com/authkeep/authkeep/internal/logging"
	"github.com/authkeep/authkeep/internal/xdg"
)

// Global flags available to all subcommands.
var configFile string

// NewRootCmd creates the root command for the authkeep CLI.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "authkeep",
		Short: "authkeep - credential and token lifecycle engine",
		Long: `authkeep hashes and rotates passwords, issues verification and
remember-me tokens, and decides sign-in attempts with lockout.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVar(&configFile, "config", "", "config file path")
	cmd.PersistentFlags().String("log-format", "json", "log format (json or text)")
	cmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")

	cmd.AddCommand(NewServeCmd())
	cmd.AddCommand(NewMigrateCmd())
	cmd.AddCommand(NewHashVersionsCmd())
	cmd.AddCommand(NewPurgeCmd())

	return cmd
}

// loadConfig reads the configuration for cmd and installs the default logger.
// Without --config, the XDG config file is used when present.
func loadConfig(cmd *cobra.Command) (*config.Config, *slog.Logger, error) {
	path := configFile
	if path == "" {
		var err error
		if path, err = xdg.DefaultConfigFile(); err != nil {
			return nil, nil, err
		}
	}
	cfg, err := config.Load(path, cmd.Flags())
	if err != nil {
		return nil, nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}
	logger := logging.SetDefault(logging.Options{
		Service: "authkeep",
		Version: version,
		Format:  cfg.Log.Format,
		Level:   cfg.Log.Level,
	})
	return cfg, logger, nil
}
