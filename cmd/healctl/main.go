// Package main implements healctl, the operator CLI for healerd.
//
// Pattern commands open the SQLite store directly; session commands talk to
// a running daemon over HTTP.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/healerd/internal/config"
	"github.com/fyrsmithlabs/healerd/internal/patterns"
)

var version = "dev"

// globals holds persistent flags.
type globals struct {
	dbPath     string
	configPath string
	serverURL  string
	jsonOutput bool
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	g := &globals{}
	root := &cobra.Command{
		Use:   "healctl",
		Short: "Operator CLI for healerd",
		Long: `healctl inspects and maintains the healerd success-pattern store and
lists healing sessions of a running daemon.

Examples:
  # Preview what a conservative collection would delete
  healctl gc --dry-run

  # Query patterns for an error
  healctl patterns query --error-code SYNTAX.MISSING_COLON

  # List sessions of a local daemon
  healctl sessions list --server http://127.0.0.1:9191`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&g.dbPath, "db", "", "pattern store path (default: store.path from config)")
	root.PersistentFlags().StringVar(&g.configPath, "config", "", "config file (default ~/.config/healerd/config.yaml)")
	root.PersistentFlags().BoolVar(&g.jsonOutput, "json", false, "print JSON")

	root.AddCommand(newGCCmd(g), newPatternsCmd(g), newSessionsCmd(g), newVersionCmd())
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "healctl %s\n", version)
		},
	}
}

// openStore opens the store named by --db, or by the configured store path.
func (g *globals) openStore(ctx context.Context) (*patterns.SQLiteStore, error) {
	path := g.dbPath
	if path == "" {
		cfg, err := config.LoadWithFile(g.configPath)
		if err != nil {
			return nil, err
		}
		path = cfg.Store.Path
	}
	path, err := config.ExpandPath(path)
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("pattern store %s: %w", path, err)
	}
	return patterns.OpenSQLite(ctx, path, patterns.WithLogger(zap.NewNop()))
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
