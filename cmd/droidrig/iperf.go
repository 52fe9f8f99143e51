package main

import (
	"fmt"
	"sync"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var iperfFlags struct {
	selection
	host string
	args string
}

var iperfCmd = &cobra.Command{
	Use:   "iperf",
	Short: "Run an iperf3 client on every device",
	Long: `Start services on the selected devices and run iperf3 against --host on
each of them concurrently. The client output is printed per device; a device
whose client reports an error fails the command.`,
	RunE: runIperf,
}

func init() {
	rootCmd.AddCommand(iperfCmd)

	addSelectionFlags(iperfCmd, &iperfFlags.selection)
	iperfCmd.Flags().StringVar(&iperfFlags.host, "host", "", "iperf3 server address")
	iperfCmd.Flags().StringVar(&iperfFlags.args, "args", "", "extra iperf3 client arguments")
	_ = iperfCmd.MarkFlagRequired("host")
}

type iperfResult struct {
	ok    bool
	lines []string
}

func runIperf(cmd *cobra.Command, args []string) (err error) {
	ctx := cmd.Context()

	r, err := openRig("iperf")
	if err != nil {
		return err
	}
	defer func() { err = r.close(err) }()

	if err := r.startFleet(ctx, iperfFlags.fleetConfig()); err != nil {
		return err
	}

	var mu sync.Mutex
	results := make(map[string]iperfResult)
	g, gctx := errgroup.WithContext(ctx)
	for _, m := range r.fleet.Managers() {
		g.Go(func() error {
			ok, lines, err := m.RunIperfClient(gctx, iperfFlags.host, iperfFlags.args)
			if err != nil {
				return fmt.Errorf("%s: iperf3: %w", m.Serial(), err)
			}
			mu.Lock()
			results[m.Serial()] = iperfResult{ok: ok, lines: lines}
			mu.Unlock()
			return nil
		})
	}
	err = g.Wait()

	var failed []string
	for _, m := range r.fleet.Managers() {
		res, ok := results[m.Serial()]
		if !ok {
			continue
		}
		for _, l := range res.lines {
			fmt.Printf("%s  %s\n", m.Serial(), l)
		}
		if !res.ok {
			failed = append(failed, m.Serial())
		}
	}
	if err != nil {
		return err
	}
	if len(failed) > 0 {
		logger.Warn("iperf3 client failed", zap.Strings("serials", failed))
		return fmt.Errorf("iperf3 failed on %d device(s)", len(failed))
	}
	return nil
}
