package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

var captureFlags struct {
	selection
	duration time.Duration
	tag      string
}

var captureCmd = &cobra.Command{
	Use:   "capture",
	Short: "Capture logs for a while and extract the window",
	Long: `Start services on the selected devices, keep log capture running for
--duration (or until interrupted) and then extract the lines logged during
that window into an excerpt per device.`,
	RunE: runCapture,
}

func init() {
	rootCmd.AddCommand(captureCmd)

	addSelectionFlags(captureCmd, &captureFlags.selection)
	captureCmd.Flags().DurationVarP(&captureFlags.duration, "duration", "d", time.Minute, "how long to capture; zero waits for an interrupt")
	captureCmd.Flags().StringVarP(&captureFlags.tag, "tag", "t", "capture", "tag used in excerpt file names")
}

func runCapture(cmd *cobra.Command, args []string) (err error) {
	ctx := cmd.Context()

	r, err := openRig("capture")
	if err != nil {
		return err
	}
	defer func() { err = r.close(err) }()

	if err := r.startFleet(ctx, captureFlags.fleetConfig()); err != nil {
		return err
	}
	start := time.Now()

	wait := ctx
	if captureFlags.duration > 0 {
		var cancel context.CancelFunc
		wait, cancel = context.WithTimeout(ctx, captureFlags.duration)
		defer cancel()
	}
	logger.Info("capturing", zap.Int("devices", r.fleet.Len()), zap.Duration("duration", captureFlags.duration))
	<-wait.Done()

	// The window is extracted even when the wait was interrupted.
	extractCtx := context.WithoutCancel(ctx)
	var errs error
	for _, m := range r.fleet.Managers() {
		path, err := m.ExtractLogWindow(extractCtx, captureFlags.tag, start)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		fmt.Printf("%s  %s\n", m.Serial(), path)
	}
	return errs
}
