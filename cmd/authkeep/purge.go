// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 authkeep Contributors

package main

import (
	"github.com/samber/oops"
	"github.com/spf13/cobra"
)

// NewPurgeCmd creates the purge subcommand.
func NewPurgeCmd() *cobra.Command {
	return newPurgeCmd(nil)
}

func newPurgeCmd(deps *Deps) *cobra.Command {
	return &cobra.Command{
		Use:   "purge",
		Short: "Delete expired verification records and old authentication events once",
		RunE: func(cmd *cobra.Command, _ []string) error {
			deps := deps.withDefaults()
			cfg, logger, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			engine, err := deps.EngineFactory(cmd.Context(), cfg, nil, logger)
			if err != nil {
				return oops.Code("PURGE_FAILED").With("operation", "open engine").Wrap(err)
			}
			defer func() {
				if closeErr := engine.Close(); closeErr != nil {
					logger.Warn("error closing engine", "error", closeErr)
				}
			}()

			res, err := engine.Purge(cmd.Context())
			if err != nil {
				return err
			}
			cmd.Printf("Purged %d verification records and %d authentication events\n", res.Verifications, res.Events)
			return nil
		},
	}
}
