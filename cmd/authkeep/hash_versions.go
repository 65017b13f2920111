// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 authkeep Contributors

package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/authkeep/authkeep/internal/app"
	"github.com/authkeep/authkeep/internal/auth"
)

// NewHashVersionsCmd creates the hash-versions subcommand.
func NewHashVersionsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hash-versions",
		Short: "List the registered password hash versions",
		Long: `List every password hash version the engine can verify. The version
marked current is used for new hashes; passwords verified under any other
version are rehashed in the background.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			hasher, err := app.NewHasher(cfg.Password)
			if err != nil {
				return err
			}
			return printHashVersions(cmd, hasher)
		},
	}
}

func printHashVersions(cmd *cobra.Command, hasher *auth.VersionedHasher) error {
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "VERSION\tALGORITHM\tITERATIONS\tKEY\tSALT\tMEMORY_KIB\tPARALLELISM\tCURRENT")
	for _, v := range hasher.Versions() {
		current := ""
		if v.Name == hasher.CurrentVersion() {
			current = "*"
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%d\t%d\t%d\t%s\n",
			v.Name, v.Algorithm, v.Iterations, v.KeyLength, v.SaltLength, v.Memory, v.Parallelism, current)
	}
	return w.Flush()
}
