package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newInterruptCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "interrupt",
		Short: "Interrupt the job the server is executing",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.client.Interrupt(cmd.Context()); err != nil {
				return err
			}
			a.logger.Info("Interrupt sent", "server", a.client.BaseURL())
			return nil
		},
	}
}

func newStatsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show the server's system stats",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			stats, err := a.client.GetSystemStats(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, "System Stats:")
			fmt.Fprintf(out, "\tOS: %s\n", stats.System.OS)
			fmt.Fprintf(out, "\tPython Version: %s\n", stats.System.PythonVersion)
			if stats.System.ComfyUIVersion != "" {
				fmt.Fprintf(out, "\tComfyUI Version: %s\n", stats.System.ComfyUIVersion)
			}
			fmt.Fprintln(out, "\tDevices:")
			for _, dev := range stats.Devices {
				fmt.Fprintf(out, "\t\tIndex: %d\n", dev.Index)
				fmt.Fprintf(out, "\t\tName: %s\n", dev.Name)
				fmt.Fprintf(out, "\t\tType: %s\n", dev.Type)
				fmt.Fprintf(out, "\t\tVRAM Total: %d\n", dev.VRAM_Total)
				fmt.Fprintf(out, "\t\tVRAM Free: %d\n", dev.VRAM_Free)
			}
			return nil
		},
	}
}
