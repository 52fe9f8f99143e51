package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/rsclarke/droidrig/internal/client"
)

type clientConfig struct {
	token  string
	apiURL string
}

func addClientFlags(cmd *cobra.Command, cc *clientConfig) {
	cmd.Flags().StringVar(&cc.token, "token", os.Getenv("DROIDRIG_API_TOKEN"), "API bearer token (default: api.token from config)")
	cmd.Flags().StringVar(&cc.apiURL, "api-url", os.Getenv("DROIDRIG_API_URL"), "API server URL (default: http://<api.listen>)")
}

func (cc *clientConfig) newClient() (*client.Client, error) {
	apiURL := cc.apiURL
	if apiURL == "" {
		if cfg.API.Listen == "" {
			return nil, fmt.Errorf("API URL required (use --api-url flag or DROIDRIG_API_URL env var)")
		}
		apiURL = "http://" + cfg.API.Listen
	}
	token := cc.token
	if token == "" {
		token = cfg.API.Token
	}
	return client.NewClient(apiURL, token), nil
}
