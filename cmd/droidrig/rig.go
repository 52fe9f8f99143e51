package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/rsclarke/droidrig/internal/adb"
	"github.com/rsclarke/droidrig/internal/db"
	"github.com/rsclarke/droidrig/internal/device"
	"github.com/rsclarke/droidrig/internal/logcat"
	"github.com/rsclarke/droidrig/internal/logging"
	"github.com/rsclarke/droidrig/internal/plugins"
	"github.com/rsclarke/droidrig/internal/plugins/core/storage"
	"github.com/rsclarke/droidrig/internal/plugins/core/summary"
	"github.com/rsclarke/droidrig/internal/sl4a"
)

// selection narrows a command to some of the configured devices.
type selection struct {
	serials   []string
	skipAgent bool
}

func addSelectionFlags(cmd *cobra.Command, sel *selection) {
	cmd.Flags().StringSliceVarP(&sel.serials, "serial", "s", nil, "device serial to operate on (repeatable; default: devices from config)")
	cmd.Flags().BoolVar(&sel.skipAgent, "skip-agent", false, "do not start the on-device agent")
}

// fleetConfig applies sel to the configured devices. Serials named on the
// command line keep their per-device settings from the config when present.
func (sel selection) fleetConfig() device.FleetConfig {
	fc := cfg.Fleet()
	if len(sel.serials) > 0 {
		configured := make(map[string]device.Options, len(fc.Devices))
		for _, o := range fc.Devices {
			configured[o.Serial] = o
		}
		picked := make([]device.Options, 0, len(sel.serials))
		for _, s := range sel.serials {
			o, ok := configured[s]
			if !ok {
				o = fc.Defaults
				o.Serial = s
			}
			picked = append(picked, o)
		}
		fc.All = false
		fc.Devices = picked
	}

	if sel.skipAgent {
		fc.Defaults.SkipAgent = true
		for i := range fc.Devices {
			fc.Devices[i].SkipAgent = true
		}
	}
	return fc
}

// rig is the per-run state shared by the device commands: the ledger, the
// observer pipeline and, once started, the fleet.
type rig struct {
	db       *sql.DB
	runID    string
	pipeline *plugins.Pipeline
	summary  *summary.Plugin
	deps     device.Deps
	fleet    *device.Fleet
}

func openRig(command string) (*rig, error) {
	database, err := db.Open(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	runID := uuid.NewString()
	if err := db.CreateRun(database, runID, command); err != nil {
		_ = database.Close()
		return nil, fmt.Errorf("create run: %w", err)
	}

	store := storage.New(database)
	report := summary.New()

	pipeline := plugins.NewPipeline(logger.Named("plugins"))
	pipeline.SetStore(store)
	pipeline.SetRunID(runID)
	pipeline.Register(store)
	pipeline.Register(report)
	if err := pipeline.Init(); err != nil {
		_ = database.Close()
		return nil, err
	}

	proxy := adb.New(cfg.ADBPath, cfg.FastbootPath, logger.Named("adb"))
	logger.Info("run started", logging.RunID(runID), zap.String("command", command))

	return &rig{
		db:       database,
		runID:    runID,
		pipeline: pipeline,
		summary:  report,
		deps: device.Deps{
			Transport: proxy,
			Agent:     sl4a.Dialer{},
			Spawner:   logcat.ADBSpawner{Proxy: proxy},
			Observer:  pipeline,
			Logger:    logger,
			RunID:     runID,
		},
	}, nil
}

func (r *rig) startFleet(ctx context.Context, fc device.FleetConfig) error {
	fleet, err := device.NewFleet(ctx, fc, r.deps)
	if err != nil {
		return err
	}
	r.fleet = fleet
	return nil
}

// close releases the fleet, prints the run summary and records the run
// outcome. It returns runErr combined with any teardown failure.
func (r *rig) close(runErr error) error {
	if r.fleet != nil {
		// Teardown must run even after an interrupt.
		runErr = multierr.Append(runErr, r.fleet.Destroy(context.Background()))
	}

	if _, err := r.summary.WriteTo(os.Stdout); err != nil {
		logger.Warn("write summary", zap.Error(err))
	}

	if err := db.FinishRun(r.db, r.runID, runErr); err != nil {
		logger.Error("finish run", logging.RunID(r.runID), zap.Error(err))
	}
	logger.Info("run finished", logging.RunID(r.runID), zap.Bool("ok", runErr == nil))

	return multierr.Append(runErr, r.db.Close())
}
