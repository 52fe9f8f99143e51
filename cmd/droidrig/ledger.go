package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var ledgerFlags clientConfig

var forgetCmd = &cobra.Command{
	Use:   "forget <serial>",
	Short: "Remove a device and its history from the ledger",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := ledgerFlags.newClient()
		if err != nil {
			return err
		}
		if err := c.DeleteDevice(args[0]); err != nil {
			return err
		}
		fmt.Printf("Removed %s from the ledger.\n", args[0])
		return nil
	},
}

var pluginsCmd = &cobra.Command{
	Use:   "plugins",
	Short: "List the plugins loaded by a running API server",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := ledgerFlags.newClient()
		if err != nil {
			return err
		}
		resp, err := c.ListPlugins()
		if err != nil {
			return err
		}
		fmt.Printf("%-12s  %-7s  %s\n", "ID", "TYPE", "ENABLED")
		for _, p := range resp.Plugins {
			fmt.Printf("%-12s  %-7s  %t\n", p.ID, p.Type, p.Enabled)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(forgetCmd, pluginsCmd)

	addClientFlags(forgetCmd, &ledgerFlags)
	addClientFlags(pluginsCmd, &ledgerFlags)
}
