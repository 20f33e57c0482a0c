package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

var scansFlags struct {
	clientConfig
	cursor string
	limit  int
	all    bool
}

var scansCmd = &cobra.Command{
	Use:   "scans",
	Short: "Inspect audited tool calls",
}

var scansListCmd = &cobra.Command{
	Use:   "list",
	Short: "List scan records, newest first",
	Args:  cobra.NoArgs,
	RunE:  runScansList,
}

var scansStatusCmd = &cobra.Command{
	Use:   "status <scan-id>",
	Short: "Show the input, output and verdicts of one tool call",
	Args:  cobra.ExactArgs(1),
	RunE:  runScansStatus,
}

var scansGraphsCmd = &cobra.Command{
	Use:   "graphs [scan-id]",
	Short: "Show rating and threat aggregates for one record or the whole store",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runScansGraphs,
}

func init() {
	rootCmd.AddCommand(scansCmd)
	scansCmd.AddCommand(scansListCmd, scansStatusCmd, scansGraphsCmd)

	for _, c := range []*cobra.Command{scansListCmd, scansStatusCmd, scansGraphsCmd} {
		addClientFlags(c, &scansFlags.clientConfig)
	}
	scansListCmd.Flags().StringVar(&scansFlags.cursor, "cursor", "", "continue from a next_cursor value")
	scansListCmd.Flags().IntVar(&scansFlags.limit, "limit", 0, "page size (server default 20, max 100)")
	scansListCmd.Flags().BoolVar(&scansFlags.all, "all", false, "follow next_cursor until the last page")
}

func runScansList(cmd *cobra.Command, args []string) error {
	c, err := scansFlags.newClient()
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	cursor := scansFlags.cursor
	header := false
	for {
		page, err := c.ListScans(cmd.Context(), cursor, scansFlags.limit)
		if err != nil {
			return err
		}
		if !header {
			if len(page.Items) == 0 {
				fmt.Fprintln(out, "No scans found.")
				return nil
			}
			fmt.Fprintf(out, "%-32s  %-19s  %-8s  %s\n", "SCAN ID", "CREATED", "COMPLETE", "INPUT")
			header = true
		}
		for _, it := range page.Items {
			input := "-"
			if it.Input != nil {
				input = truncate(*it.Input, 60)
			}
			fmt.Fprintf(out, "%-32s  %-19s  %-8t  %s\n", it.ScanID, it.CreatedAt.Format("2006-01-02 15:04:05"), it.Complete, input)
		}

		if !page.HasMore || page.NextCursor == nil {
			return nil
		}
		if !scansFlags.all {
			fmt.Fprintf(out, "\nnext cursor: %s\n", *page.NextCursor)
			return nil
		}
		cursor = *page.NextCursor
	}
}

func runScansStatus(cmd *cobra.Command, args []string) error {
	c, err := scansFlags.newClient()
	if err != nil {
		return err
	}
	st, err := c.ScanStatus(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), st)
}

func runScansGraphs(cmd *cobra.Command, args []string) error {
	c, err := scansFlags.newClient()
	if err != nil {
		return err
	}
	if len(args) == 1 {
		g, err := c.ScanGraph(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), g)
	}
	g, err := c.ScansGraph(cmd.Context())
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), g)
}

func truncate(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
