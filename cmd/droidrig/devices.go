package main

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"

	"github.com/rsclarke/droidrig/internal/device"
	"github.com/rsclarke/droidrig/internal/models"
)

var devicesFlags struct {
	selection
	json bool
}

var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "Identify the configured devices",
	Long: `Provision each configured device without starting services, print its
model and build, and record them in the ledger.`,
	RunE: runDevices,
}

func init() {
	rootCmd.AddCommand(devicesCmd)

	devicesCmd.Flags().StringSliceVarP(&devicesFlags.serials, "serial", "s", nil, "device serial (repeatable; default: devices from config)")
	devicesCmd.Flags().BoolVar(&devicesFlags.json, "json", false, "print JSON instead of a table")
}

func runDevices(cmd *cobra.Command, args []string) (err error) {
	ctx := cmd.Context()

	r, err := openRig("devices")
	if err != nil {
		return err
	}
	defer func() { err = r.close(err) }()

	fc := devicesFlags.fleetConfig()
	opts := fc.Devices
	if fc.All {
		serials, err := r.deps.Transport.ListAttached(ctx)
		if err != nil {
			return fmt.Errorf("list attached devices: %w", err)
		}
		opts = make([]device.Options, 0, len(serials))
		for _, s := range serials {
			o := fc.Defaults
			o.Serial = s
			opts = append(opts, o)
		}
	}
	if len(opts) == 0 {
		return device.ErrNoDevices
	}

	infos := make([]device.Info, 0, len(opts))
	var errs error
	for _, o := range opts {
		m, err := device.Provision(ctx, o, r.deps)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		info, err := device.Describe(ctx, m)
		errs = multierr.Append(errs, err)
		if err == nil {
			infos = append(infos, info)
			r.pipeline.SaveBuild(ctx, info.Serial, build(info))
		}
		errs = multierr.Append(errs, m.Release(ctx))
	}

	if devicesFlags.json {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(infos); err != nil {
			return err
		}
		return errs
	}

	fmt.Printf("%-16s  %-14s  %-18s  %-10s  %s\n", "SERIAL", "MODEL", "BUILD", "TYPE", "LABELS")
	for _, info := range infos {
		fmt.Printf("%-16s  %-14s  %-18s  %-10s  %s\n",
			info.Serial, info.Model, dash(info.BuildID), dash(info.BuildType), formatLabels(info.Labels))
	}
	return errs
}

func build(info device.Info) models.DeviceBuild {
	return models.DeviceBuild{
		BuildID:   info.BuildID,
		BuildType: info.BuildType,
		Labels:    info.Labels,
	}
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func formatLabels(labels map[string]string) string {
	if len(labels) == 0 {
		return "-"
	}
	pairs := make([]string, 0, len(labels))
	for k, v := range labels {
		pairs = append(pairs, k+"="+v)
	}
	sort.Strings(pairs)
	return strings.Join(pairs, ",")
}
