// Healerd runs the healing-attempt decision engine as a daemon.
//
// It loads configuration, opens the SQLite pattern store, starts the GC
// scheduler and serves the HTTP API until SIGINT or SIGTERM.
//
// Usage:
//
//	# Start with ~/.config/healerd/config.yaml
//	healerd
//
//	# Explicit config and environment overrides
//	HEALERD_SERVER_HTTP_PORT=9292 healerd --config /etc/healerd/config.yaml
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "healerd",
		Short:         "Healing-attempt decision engine daemon",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return run(ctx, configPath)
		},
	}
	root.Flags().StringVar(&configPath, "config", "", "config file (default ~/.config/healerd/config.yaml)")
	root.AddCommand(newVersionCmd())
	root.SetContext(context.Background())
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, _ []string) {
			printVersion(cmd.OutOrStdout())
		},
	}
}

func printVersion(w io.Writer) {
	fmt.Fprintf(w, "healerd by Fyrsmith Labs\n")
	fmt.Fprintf(w, "Version:    %s\n", version)
	fmt.Fprintf(w, "Commit:     %s\n", gitCommit)
	fmt.Fprintf(w, "Build Date: %s\n", buildDate)
}
