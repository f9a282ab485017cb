// Package app provides the entry point for the authz command-line tools.
package app

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/sistemas-fsa/authz/pkg/logger"
)

var rootCmd = &cobra.Command{
	Use:               "authz",
	DisableAutoGenTag: true,
	Short:             "authz manages realm role manifests for Keycloak-backed services",
	Long: `authz manages the declarative authorization manifests of Keycloak-backed services.

A manifest pins the client roles (permissions) a service exposes and the realm
roles they compose into. The sync is additive: missing roles and composites
are created, nothing is ever removed.`,
	Run: func(cmd *cobra.Command, _ []string) {
		// If no subcommand is provided, print help
		if err := cmd.Help(); err != nil {
			logger.Errorf("Error displaying help: %v", err)
		}
	},
}

// NewRootCmd creates a new root command for the authz CLI.
func NewRootCmd() *cobra.Command {
	rootCmd.PersistentFlags().Bool("debug", false, "Enable debug mode")
	_ = viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug"))

	rootCmd.AddCommand(newManifestCmd())

	return rootCmd
}
