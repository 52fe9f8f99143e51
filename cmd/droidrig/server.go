package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/rsclarke/droidrig/internal/db"
	"github.com/rsclarke/droidrig/internal/plugins"
	"github.com/rsclarke/droidrig/internal/plugins/core/storage"
	"github.com/rsclarke/droidrig/internal/plugins/core/summary"
	"github.com/rsclarke/droidrig/internal/server"
)

var serveFlags struct {
	listen string
	token  string
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the device ledger over HTTP",
	Long: `Start a JSON API over the ledger: devices seen, their lifecycle events,
produced artifacts and runs. When a token is configured every request must
carry it as a bearer token.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVar(&serveFlags.listen, "listen", "", "listen address (default: api.listen from config)")
	serveCmd.Flags().StringVar(&serveFlags.token, "token", os.Getenv("DROIDRIG_API_TOKEN"), "bearer token required by the API (default: api.token from config)")
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	listen := serveFlags.listen
	if listen == "" {
		listen = cfg.API.Listen
	}
	token := serveFlags.token
	if token == "" {
		token = cfg.API.Token
	}

	database, err := db.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer database.Close()

	registry := plugins.NewPipeline(logger.Named("plugins"))
	registry.Register(storage.New(database))
	registry.Register(summary.New())

	apiSrv := &server.APIServer{
		DB:      database,
		Logger:  logger.Named("api"),
		Plugins: registry,
		Token:   token,
	}
	if token == "" {
		logger.Warn("api token not set, serving without authentication")
	}

	ms := server.NewManagedServer("api", server.DefaultServerConfig(listen, apiSrv.Handler(), logger.Named("api")))
	if err := ms.Start(); err != nil {
		return err
	}

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-ms.Err():
	}

	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	ms.Shutdown(shutdownCtx)

	return serveErr
}
