package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/vyvo/bundlecdn/pkg/client"
)

var version = "dev"

type rootOptions struct {
	server string
	admin  string
	output string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:          "bundlectl",
		Short:        "Inspect and manage a bundler",
		Long:         `Query build status and manage the artifact cache of a running bundler.`,
		Version:      version,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			switch opts.output {
			case outputTable, outputJSON, outputYAML:
				return nil
			default:
				return fmt.Errorf("unknown output format %q (want table, json or yaml)", opts.output)
			}
		},
	}

	cmd.PersistentFlags().StringVar(&opts.server, "server", envOrDefault("BUNDLER_URL", "http://localhost:8080"), "Bundler public API URL")
	cmd.PersistentFlags().StringVar(&opts.admin, "admin", envOrDefault("BUNDLER_ADMIN_URL", "http://127.0.0.1:8081"), "Bundler admin API URL")
	cmd.PersistentFlags().StringVarP(&opts.output, "output", "o", outputTable, "Output format: table, json or yaml")

	cmd.AddCommand(
		newStatusCmd(opts),
		newPurgeCmd(opts),
		newCacheCmd(opts),
		newBuildsCmd(opts),
	)
	return cmd
}

func (o *rootOptions) client() *client.Client {
	return client.New(o.server, o.admin)
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
