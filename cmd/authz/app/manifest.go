package app

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/sistemas-fsa/authz/pkg/admin"
	"github.com/sistemas-fsa/authz/pkg/logger"
)

func newManifestCmd() *cobra.Command {
	manifestCmd := &cobra.Command{
		Use:   "manifest",
		Short: "Export or apply realm role manifests",
	}

	manifestCmd.AddCommand(newManifestExportCmd())
	manifestCmd.AddCommand(newManifestApplyCmd())
	return manifestCmd
}

// adminClientFromEnv builds the admin client from AUTHZ_* environment
// variables: BASE_URL, REALM, CLIENT_ID, CLIENT_SECRET, TIMEOUT.
func adminClientFromEnv() (*admin.Client, string, error) {
	v := viper.New()
	v.SetEnvPrefix("authz")
	v.AutomaticEnv()
	v.SetDefault("timeout", 10*time.Second)

	for _, key := range []string{"base_url", "realm", "client_id", "client_secret"} {
		if v.GetString(key) == "" {
			return nil, "", fmt.Errorf("missing AUTHZ_%s in environment", toEnvSuffix(key))
		}
	}

	client, err := admin.NewClient(admin.ClientConfig{
		BaseURL:      v.GetString("base_url"),
		Realm:        v.GetString("realm"),
		ClientID:     v.GetString("client_id"),
		ClientSecret: v.GetString("client_secret"),
		Timeout:      v.GetDuration("timeout"),
	})
	if err != nil {
		return nil, "", err
	}
	return client, v.GetString("client_id"), nil
}

func toEnvSuffix(key string) string {
	out := make([]byte, len(key))
	for i := 0; i < len(key); i++ {
		c := key[i]
		if c >= 'a' && c <= 'z' {
			c -= 'a' - 'A'
		}
		out[i] = c
	}
	return string(out)
}

func newManifestExportCmd() *cobra.Command {
	var outFile string

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Snapshot the realm into a manifest file",
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, clientID, err := adminClientFromEnv()
			if err != nil {
				return err
			}

			syncer := admin.NewSyncer(client, clientID)
			manifest, err := syncer.CreateManifest(cmd.Context())
			if err != nil {
				return fmt.Errorf("failed to create manifest: %w", err)
			}

			if err := admin.WriteManifest(manifest, outFile); err != nil {
				return err
			}
			logger.Infof("Manifest written to %s", outFile)
			return nil
		},
	}

	cmd.Flags().StringVarP(&outFile, "out", "o", "authz.manifest.yml", "Output file")
	return cmd
}

func newManifestApplyCmd() *cobra.Command {
	var (
		file          string
		dryRun        bool
		createMissing bool
	)

	cmd := &cobra.Command{
		Use:   "apply",
		Short: "Apply a manifest to the realm (additive)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			manifest, err := admin.LoadManifest(file)
			if err != nil {
				return err
			}

			client, clientID, err := adminClientFromEnv()
			if err != nil {
				return err
			}

			syncer := admin.NewSyncer(client, clientID)
			result, err := syncer.Sync(cmd.Context(), manifest, admin.SyncOptions{
				DryRun:                   dryRun,
				CreateMissingClientRoles: createMissing,
			})
			if err != nil {
				return fmt.Errorf("sync failed: %w", err)
			}

			if result.DryRun {
				plan, err := json.MarshalIndent(result.Plan, "", "  ")
				if err != nil {
					return err
				}
				fmt.Printf("DRY RUN - plan:\n%s\n", plan)
				return nil
			}

			logger.Infof("Applied %d composite assignment(s)", result.Applied)
			return nil
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "Manifest YAML file")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Compute the plan without applying it")
	cmd.Flags().BoolVar(&createMissing, "create-missing-client-roles", false,
		"Create manifest client roles that do not exist yet")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}
