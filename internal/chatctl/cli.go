// Package chatctl implements the chatctl developer utility: poke the change
// feed, watch a live stream, and check service health without a browser.
package chatctl

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Config carries the flags shared by all subcommands.
type Config struct {
	Addr        string
	DatabaseURL string
	UserID      string
}

// BuildRootCmd constructs the Cobra command tree.
func BuildRootCmd() *cobra.Command {
	cfg := &Config{
		Addr:        envOr("CHATD_ADDR", "http://localhost:8080"),
		DatabaseURL: envOr("DATABASE_URL", ""),
	}

	root := &cobra.Command{
		Use:           "chatctl",
		Short:         "Developer utilities for the chatd live update service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&cfg.Addr, "addr", cfg.Addr, "Base URL of the chatd server")
	root.PersistentFlags().StringVar(&cfg.DatabaseURL, "database-url", cfg.DatabaseURL, "Postgres connection string (defaults DATABASE_URL)")

	notify := &cobra.Command{
		Use:     "notify <insert|update|delete> <message-id> <channel-id>",
		Short:   "Emit a synthetic change notification through Postgres",
		Example: "  chatctl notify insert 0191e2a8-0c4e-7a83-b7a1-9b2f8f0a1d2e 0191e2a8-0c4e-7a83-b7a1-9b2f8f0a1d2f",
		Args:    cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runNotify(cmd.Context(), cfg, args[0], args[1], args[2])
		},
	}

	var watchUser string
	watch := &cobra.Command{
		Use:     "watch <server-id> <channel-id>",
		Short:   "Subscribe to a channel's live stream and print raw SSE frames",
		Example: "  chatctl watch <server-id> <channel-id> --user <user-id>",
		Args:    cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg.UserID = watchUser
			return runWatch(cmd.Context(), cfg, args[0], args[1], cmd.OutOrStdout())
		},
	}
	watch.Flags().StringVar(&watchUser, "user", "", "Viewer identity sent as X-User-Id (required)")

	health := &cobra.Command{
		Use:   "health",
		Short: "Check /healthz and /readyz",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHealth(cmd.Context(), cfg, cmd.OutOrStdout())
		},
	}

	root.AddCommand(notify, watch, health)
	return root
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// Main runs the CLI and returns the process exit code.
func Main() int {
	if err := BuildRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "chatctl:", err)
		return 1
	}
	return 0
}
