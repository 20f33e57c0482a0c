package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var gatewayFlags struct {
	clientConfig
	file string
}

var gatewayCmd = &cobra.Command{
	Use:   "gateway",
	Short: "Manage gateway aliases",
}

var gatewayAddCmd = &cobra.Command{
	Use:   "add <alias> [backend-json]",
	Short: "Add or replace an alias",
	Long: `Add an alias, or replace its backend when it already exists.

The backend spec is a JSON object such as
  {"url": "http://localhost:9000/mcp", "headers": {"Authorization": "Bearer ..."}}
given inline or with --file.`,
	Args: cobra.RangeArgs(1, 2),
	RunE: runGatewayAdd,
}

var gatewayRemoveCmd = &cobra.Command{
	Use:   "remove <alias>",
	Short: "Stop an alias and drop it from the config",
	Args:  cobra.ExactArgs(1),
	RunE:  runGatewayRemove,
}

var gatewayInventoryCmd = &cobra.Command{
	Use:   "inventory",
	Short: "List aliases with their tools, prompts and resources",
	Args:  cobra.NoArgs,
	RunE:  runGatewayInventory,
}

func init() {
	rootCmd.AddCommand(gatewayCmd)
	gatewayCmd.AddCommand(gatewayAddCmd, gatewayRemoveCmd, gatewayInventoryCmd)

	for _, c := range []*cobra.Command{gatewayAddCmd, gatewayRemoveCmd, gatewayInventoryCmd} {
		addClientFlags(c, &gatewayFlags.clientConfig)
	}
	gatewayAddCmd.Flags().StringVarP(&gatewayFlags.file, "file", "f", "", "read the backend spec from a file")
}

func runGatewayAdd(cmd *cobra.Command, args []string) error {
	var spec []byte
	switch {
	case gatewayFlags.file != "":
		b, err := os.ReadFile(gatewayFlags.file)
		if err != nil {
			return err
		}
		spec = b
	case len(args) == 2:
		spec = []byte(args[1])
	default:
		return fmt.Errorf("backend spec required (inline argument or --file)")
	}
	if !json.Valid(spec) {
		return fmt.Errorf("backend spec is not valid JSON")
	}

	c, err := gatewayFlags.newClient()
	if err != nil {
		return err
	}
	resp, err := c.AddGateway(cmd.Context(), args[0], spec)
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), resp)
}

func runGatewayRemove(cmd *cobra.Command, args []string) error {
	c, err := gatewayFlags.newClient()
	if err != nil {
		return err
	}
	resp, err := c.DeleteGateway(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), resp)
}

func runGatewayInventory(cmd *cobra.Command, args []string) error {
	c, err := gatewayFlags.newClient()
	if err != nil {
		return err
	}
	inv, err := c.Inventory(cmd.Context())
	if err != nil {
		return err
	}

	if len(inv.Servers) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No aliases configured.")
		return nil
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%-20s  %-5s  %-7s  %5s  %7s  %9s\n", "ALIAS", "PORT", "RUNNING", "TOOLS", "PROMPTS", "RESOURCES")
	for _, s := range inv.Servers {
		port := "-"
		if s.Port > 0 {
			port = fmt.Sprint(s.Port)
		}
		fmt.Fprintf(out, "%-20s  %-5s  %-7t  %5d  %7d  %9d\n", s.Alias, port, s.Running, len(s.Tools), len(s.Prompts), len(s.Resources))
	}
	return nil
}
