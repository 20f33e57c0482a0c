package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/rsclarke/mcpgate/internal/client"
)

const defaultAPIURL = "http://localhost:8000"

type clientConfig struct {
	apiKey string
	apiURL string
}

func addClientFlags(cmd *cobra.Command, cfg *clientConfig) {
	cmd.Flags().StringVar(&cfg.apiKey, "api-key", "", "API key for authentication (env: MCPGATE_API_KEY)")
	cmd.Flags().StringVar(&cfg.apiURL, "api-url", "", "gateway URL (env: MCPGATE_API_URL, default "+defaultAPIURL+")")
}

// newClient resolves env fallbacks at run time so values from .env apply.
func (cfg *clientConfig) newClient() (*client.Client, error) {
	apiURL := cfg.apiURL
	if apiURL == "" {
		apiURL = getEnv("MCPGATE_API_URL", defaultAPIURL)
	}
	apiKey := cfg.apiKey
	if apiKey == "" {
		apiKey = getEnv("MCPGATE_API_KEY", "")
	}
	if apiKey == "" {
		return nil, fmt.Errorf("API key required (use --api-key flag or MCPGATE_API_KEY env var)")
	}
	return client.NewClient(apiURL, apiKey), nil
}

func printJSON(w io.Writer, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(b))
	return err
}
