package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var historyFlags struct {
	clientConfig
	artifacts bool
	kind      string
	run       string
}

var historyCmd = &cobra.Command{
	Use:   "history [serial]",
	Short: "Show ledger history from a running API server",
	Long: `Without arguments, list every device in the ledger with event and
artifact counts. With a serial, show the device and its last recorded build,
then its lifecycle events, or its artifacts with --artifacts. --run shows one
run.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runHistory,
}

func init() {
	rootCmd.AddCommand(historyCmd)

	addClientFlags(historyCmd, &historyFlags.clientConfig)
	historyCmd.Flags().BoolVarP(&historyFlags.artifacts, "artifacts", "a", false, "list artifacts instead of events")
	historyCmd.Flags().StringVar(&historyFlags.kind, "kind", "", "artifact kind filter (capture, excerpt, report)")
	historyCmd.Flags().StringVar(&historyFlags.run, "run", "", "show the run with this id")
}

func localTime(s string) string {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return s
	}
	return t.Local().Format("2006-01-02 15:04:05")
}

func runHistory(cmd *cobra.Command, args []string) error {
	c, err := historyFlags.newClient()
	if err != nil {
		return err
	}

	if historyFlags.run != "" {
		run, err := c.GetRun(historyFlags.run)
		if err != nil {
			return err
		}
		status := "running"
		if run.FinishedAt != nil {
			status = "finished " + localTime(*run.FinishedAt)
		}
		fmt.Printf("%s  %s  started %s  %s\n", run.ID, run.Command, localTime(run.StartedAt), status)
		if run.Error != nil {
			fmt.Printf("error: %s\n", *run.Error)
		}
		return nil
	}

	if len(args) == 0 {
		resp, err := c.ListDevices()
		if err != nil {
			return err
		}
		if len(resp.Devices) == 0 {
			fmt.Println("No devices recorded.")
			return nil
		}
		fmt.Printf("%-16s  %-14s  %-19s  %-6s  %s\n", "SERIAL", "MODEL", "LAST SEEN", "EVENTS", "ARTIFACTS")
		for _, d := range resp.Devices {
			fmt.Printf("%-16s  %-14s  %-19s  %-6d  %d\n", d.Serial, d.Model, localTime(d.LastSeen), d.EventCount, d.ArtifactCount)
		}
		return nil
	}

	serial := args[0]
	dev, err := c.GetDevice(serial)
	if err != nil {
		return err
	}
	fmt.Printf("%s  %s  first seen %s  last seen %s\n", dev.Serial, dash(dev.Model), localTime(dev.FirstSeen), localTime(dev.LastSeen))
	if b := dev.Build; b != nil {
		fmt.Printf("build %s  %s  labels %s  (recorded %s)\n", dash(b.BuildID), dash(b.BuildType), formatLabels(b.Labels), localTime(b.UpdatedAt))
	}
	fmt.Println()

	if historyFlags.artifacts {
		resp, err := c.GetArtifacts(serial, historyFlags.kind)
		if err != nil {
			return err
		}
		if len(resp.Artifacts) == 0 {
			fmt.Println("No artifacts found.")
			return nil
		}
		fmt.Printf("%-19s  %-8s  %s\n", "TIME", "KIND", "PATH")
		for _, a := range resp.Artifacts {
			fmt.Printf("%-19s  %-8s  %s\n", localTime(a.CreatedAt), a.Kind, a.Path)
		}
		return nil
	}

	resp, err := c.GetEvents(serial)
	if err != nil {
		return err
	}
	if len(resp.Events) == 0 {
		fmt.Println("No events found.")
		return nil
	}
	fmt.Printf("%-19s  %-18s  %-16s  %s\n", "TIME", "OP", "STATE", "ERROR")
	for _, e := range resp.Events {
		errText := "-"
		if e.Error != nil {
			errText = *e.Error
		}
		fmt.Printf("%-19s  %-18s  %-16s  %s\n", localTime(e.OccurredAt), e.Op, e.State, errText)
	}
	return nil
}
