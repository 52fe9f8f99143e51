package main

import (
	"fmt"
	"sort"
	"time"

	"github.com/spf13/cobra"
)

var bugreportFlags struct {
	selection
	label string
}

var bugreportCmd = &cobra.Command{
	Use:   "bugreport",
	Short: "Collect a diagnostic report from every device",
	Long: `Start services on the selected devices and collect a diagnostic report
from each of them concurrently. Reports land in
<log_dir>/AndroidDevice<serial>/BugReports.`,
	RunE: runBugreport,
}

func init() {
	rootCmd.AddCommand(bugreportCmd)

	addSelectionFlags(bugreportCmd, &bugreportFlags.selection)
	bugreportCmd.Flags().StringVarP(&bugreportFlags.label, "label", "l", "bugreport", "label used in report file names")
}

func runBugreport(cmd *cobra.Command, args []string) (err error) {
	ctx := cmd.Context()
	start := time.Now()

	r, err := openRig("bugreport")
	if err != nil {
		return err
	}
	defer func() { err = r.close(err) }()

	if err := r.startFleet(ctx, bugreportFlags.fleetConfig()); err != nil {
		return err
	}

	paths, err := r.fleet.TakeDiagnosticReports(ctx, bugreportFlags.label, start)
	serials := make([]string, 0, len(paths))
	for s := range paths {
		serials = append(serials, s)
	}
	sort.Strings(serials)
	for _, s := range serials {
		fmt.Printf("%s  %s\n", s, paths[s])
	}
	return err
}
