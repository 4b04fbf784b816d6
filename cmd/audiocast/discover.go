package main

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go2tv.app/audiocast/devices"
)

func discoverCommand(a *app) *cobra.Command {
	var window time.Duration

	cmd := &cobra.Command{
		Use:   "discover",
		Short: "List receivers found on the local network",
		RunE: func(cmd *cobra.Command, args []string) error {
			if window <= 0 {
				window = a.conf.Discovery.Window
			}

			m := a.newManager()
			defer m.Close(context.Background())

			ctx, cancel := context.WithTimeout(cmd.Context(), window)
			defer cancel()

			m.StartDiscovery(ctx)
			<-ctx.Done()
			m.StopDiscovery()

			return printDevices(cmd.OutOrStdout(), m.Devices().Get())
		},
	}

	cmd.Flags().DurationVar(&window, "window", 0, "how long to listen for receivers (default discovery.window)")

	return cmd
}

func printDevices(out io.Writer, list []devices.Device) error {
	if len(list) == 0 {
		_, err := fmt.Fprintln(out, "No receivers found.")
		return err
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tPROTOCOL\tADDRESS")
	for _, d := range list {
		addr := d.Addr()
		if addr == "" {
			addr = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", d.ID, d.Name, d.Protocol, addr)
	}

	return w.Flush()
}
