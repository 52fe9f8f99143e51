package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/rsclarke/droidrig/internal/config"
	"github.com/rsclarke/droidrig/internal/logging"
)

var (
	logger *zap.Logger
	cfg    *config.Config
)

var rootFlags struct {
	configPath string
	envFile    string
}

var rootCmd = &cobra.Command{
	Use:   "droidrig",
	Short: "Android device bench manager",
	Long: `droidrig provisions the Android devices attached to this host, keeps
their agent sessions and log captures running, collects diagnostic reports
and records every run in a local ledger.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := config.LoadDotEnv(rootFlags.envFile); err != nil {
			return fmt.Errorf("loading %s: %w", rootFlags.envFile, err)
		}

		var err error
		logger, err = logging.New(logging.FromEnv())
		if err != nil {
			return fmt.Errorf("initializing logger: %w", err)
		}

		cfg, err = config.Load(rootFlags.configPath)
		if err != nil {
			return err
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			logging.Sync(logger)
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&rootFlags.configPath, "config", "c", os.Getenv("DROIDRIG_CONFIG"), "testbed file (env: DROIDRIG_CONFIG)")
	rootCmd.PersistentFlags().StringVar(&rootFlags.envFile, "env-file", ".env", "dotenv file loaded before anything else")
}

func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		stop()
		os.Exit(1)
	}
}
