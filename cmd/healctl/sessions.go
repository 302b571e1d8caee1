package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	httpserver "github.com/fyrsmithlabs/healerd/internal/http"
)

func newSessionsCmd(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Inspect healing sessions of a running daemon",
	}
	cmd.PersistentFlags().StringVar(&g.serverURL, "server", "http://127.0.0.1:9191", "healerd server URL")

	var status string
	list := &cobra.Command{
		Use:   "list",
		Short: "List running and recently finished sessions",
		Long: `List sessions known to the daemon, newest first.

Examples:
  healctl sessions list
  healctl sessions list --status running --server http://127.0.0.1:9191`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			url := strings.TrimRight(g.serverURL, "/") + "/api/v1/sessions"
			if status != "" {
				url += "?status=" + status
			}
			client := &http.Client{Timeout: 10 * time.Second}
			resp, err := client.Get(url)
			if err != nil {
				return fmt.Errorf("failed to connect to %s: %w", url, err)
			}
			defer resp.Body.Close()

			if resp.StatusCode != http.StatusOK {
				body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
				return fmt.Errorf("server returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
			}
			var list httpserver.SessionsResponse
			if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
				return fmt.Errorf("failed to decode response: %w", err)
			}

			out := cmd.OutOrStdout()
			if g.jsonOutput {
				return printJSON(out, list)
			}
			if list.Count == 0 {
				fmt.Fprintln(out, "no sessions")
				return nil
			}
			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tSTATUS\tOUTCOME\tATTEMPTS\tERRORS\tERROR CODE\tSTARTED")
			for _, s := range list.Sessions {
				outcome := string(s.Outcome)
				if outcome == "" {
					outcome = "-"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%s\t%s\n",
					s.ID, s.Status, outcome, s.Attempts, s.ErrorCount, s.ErrorCode,
					s.StartedAt.Local().Format(time.DateTime))
			}
			return w.Flush()
		},
	}
	list.Flags().StringVar(&status, "status", "", "filter by status (running, finished)")

	cmd.AddCommand(list)
	return cmd
}
