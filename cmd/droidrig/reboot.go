package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"

	"github.com/rsclarke/droidrig/internal/device"
)

var rebootFlags struct {
	selection
	labels map[string]string
}

var rebootCmd = &cobra.Command{
	Use:   "reboot",
	Short: "Reboot devices and restore their services",
	Long: `Start services on the selected devices, reboot them one at a time and
wait until each has finished booting with its agent session and log capture
restored. --match restricts the reboot to devices whose labels match.`,
	RunE: runReboot,
}

func init() {
	rootCmd.AddCommand(rebootCmd)

	addSelectionFlags(rebootCmd, &rebootFlags.selection)
	rebootCmd.Flags().StringToStringVar(&rebootFlags.labels, "match", nil, "only reboot devices with these labels (key=value)")
}

func runReboot(cmd *cobra.Command, args []string) (err error) {
	ctx := cmd.Context()

	r, err := openRig("reboot")
	if err != nil {
		return err
	}
	defer func() { err = r.close(err) }()

	if err := r.startFleet(ctx, rebootFlags.fleetConfig()); err != nil {
		return err
	}

	targets := r.fleet.Select(func(m *device.Manager) bool {
		for k, v := range rebootFlags.labels {
			if m.Labels()[k] != v {
				return false
			}
		}
		return true
	})
	if len(targets) == 0 {
		return device.ErrNoMatch
	}

	var errs error
	for _, m := range targets {
		if err := m.Reboot(ctx); err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		fmt.Printf("%s  %s\n", m.Serial(), m.State())
	}
	return errs
}
