package main

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/healerd/internal/patterns"
)

func newGCCmd(g *globals) *cobra.Command {
	var (
		strategy string
		dryRun   bool
	)
	cmd := &cobra.Command{
		Use:   "gc",
		Short: "Garbage collect low-value success patterns",
		Long: `Delete success patterns that never proved themselves.

Strategies:
  conservative  fewer than 2 successes, idle for 90 days
  aggressive    fewer than 3 successes, idle for 60 days
  nuclear       fewer than 5 successes, any age

Patterns with 10 or more successes or the GOLD_STANDARD tier are never deleted.

Examples:
  healctl gc --dry-run
  healctl gc --strategy aggressive`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := g.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer store.Close()

			res, err := store.Collect(cmd.Context(), patterns.Strategy(strategy), dryRun)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if g.jsonOutput {
				return printJSON(out, res)
			}
			verb := "deleted"
			n := res.Deleted
			if res.DryRun {
				verb = "would delete"
				n = len(res.Patterns)
			}
			fmt.Fprintf(out, "strategy %s: %s %d pattern(s), %d protected\n", res.Strategy, verb, n, res.Protected)
			if len(res.Patterns) > 0 {
				writePatterns(out, res.Patterns)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&strategy, "strategy", string(patterns.StrategyConservative), "conservative, aggressive or nuclear")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "report without deleting")
	return cmd
}

func newPatternsCmd(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "patterns",
		Short: "Inspect success patterns",
	}

	var q patterns.Query
	query := &cobra.Command{
		Use:   "query",
		Short: "Run the cluster, error code, family cascade",
		Long: `Query success patterns for a failure. Matches come from the exact cluster
first, then the error code, then the error family (advisory).

Examples:
  healctl patterns query --error-code SYNTAX.MISSING_COLON
  healctl patterns query --cluster-id SYNTAX.MISSING_COLON:parse_args --limit 3`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if q.ErrorCode == "" && q.ClusterID == "" {
				return fmt.Errorf("--error-code or --cluster-id is required")
			}
			store, err := g.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer store.Close()

			matches, err := store.Query(cmd.Context(), q)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if g.jsonOutput {
				return printJSON(out, matches)
			}
			if len(matches) == 0 {
				fmt.Fprintln(out, "no patterns found")
				return nil
			}
			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "LEVEL\tTIER\tSUCCESSES\tAVG\tCLUSTER\tFIX")
			for _, m := range matches {
				level := string(m.Level)
				if m.Advisory {
					level += " (advisory)"
				}
				fmt.Fprintf(w, "%s\t%s\t%d\t%.2f\t%s\t%s\n",
					level, m.Tier, m.SuccessCount, m.AvgConfidence, m.ClusterID, m.FixDescription)
			}
			return w.Flush()
		},
	}
	query.Flags().StringVar(&q.ErrorCode, "error-code", "", "error code")
	query.Flags().StringVar(&q.ClusterID, "cluster-id", "", "cluster id")
	query.Flags().IntVar(&q.Limit, "limit", patterns.DefaultQueryLimit, "maximum matches")

	stats := &cobra.Command{
		Use:   "stats",
		Short: "Show store aggregates",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := g.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer store.Close()

			st, err := store.Stats(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if g.jsonOutput {
				return printJSON(out, st)
			}
			fmt.Fprintf(out, "Patterns:   %d\n", st.TotalPatterns)
			fmt.Fprintf(out, "Successes:  %d\n", st.TotalSuccesses)
			fmt.Fprintf(out, "Families:   %d\n", st.Families)
			for _, tier := range []patterns.Tier{patterns.TierGold, patterns.TierHigh, patterns.TierVerified} {
				fmt.Fprintf(out, "  %-16s %d\n", tier, st.ByTier[tier])
			}
			return nil
		},
	}

	cmd.AddCommand(query, stats)
	return cmd
}

func writePatterns(out io.Writer, ps []patterns.Pattern) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTIER\tSUCCESSES\tLAST SUCCESS\tCLUSTER")
	for _, p := range ps {
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n",
			p.ID, p.Tier, p.SuccessCount, p.LastSuccessAt.Format("2006-01-02"), p.ClusterID)
	}
	_ = w.Flush()
}
