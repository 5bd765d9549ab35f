package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/google/uuid"
	"github.com/kabili207/wavephoenix-go/device/client"
	"github.com/kabili207/wavephoenix-go/device/connection"
	"github.com/kabili207/wavephoenix-go/transport/bluez"
	"github.com/spf13/cobra"
)

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "List nearby receivers",
	Args:  cobra.NoArgs,
	RunE:  runScan,
}

func init() {
	scanCmd.Flags().Duration("timeout", 0, "scan duration (default from transport.scan_timeout)")
	scanCmd.Flags().Bool("json", false, "print results as JSON")
	rootCmd.AddCommand(scanCmd)
}

func runScan(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	if err := bluez.CheckService(ctx); err != nil {
		return err
	}

	timeout, _ := cmd.Flags().GetDuration("timeout")
	if timeout == 0 {
		timeout = cfg.Transport.ScanTimeout
	}
	devices, err := bluez.Scan(ctx, bluez.ScanConfig{
		Adapter:    cfg.Transport.Adapter,
		NamePrefix: cfg.Transport.NamePrefix,
		Services:   []uuid.UUID{client.ManagementService, client.MigrationService, client.LegacyService},
		Timeout:    timeout,
	})
	if err != nil {
		return err
	}

	if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(devices)
	}
	printDevices(cmd.OutOrStdout(), devices)
	return nil
}

func printDevices(w io.Writer, devices []bluez.Device) {
	if len(devices) == 0 {
		fmt.Fprintln(w, "No receivers found.")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ADDRESS\tNAME\tRSSI\tMODE")
	for _, d := range devices {
		mode := "-"
		if m, ok := connection.SelectMode(d.Services); ok {
			mode = m.String()
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", d.Address, d.Name, d.RSSI, mode)
	}
	tw.Flush()
}
