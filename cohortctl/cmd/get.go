package cmd

import (
	"fmt"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var getCmd = &cobra.Command{
	Use:   "get",
	Short: "Display fleet state",
}

var getStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show aggregated fleet statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		c := newClient()
		stats, err := c.GetStats(cmd.Context())
		if err != nil {
			return err
		}

		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 2, 4, 2, ' ', 0)
		fmt.Fprintf(tw, "DEVICES\t%d\n", stats.Total)
		fmt.Fprintf(tw, "CONNECTED\t%d\n", stats.Connected)
		fmt.Fprintf(tw, "DISCONNECTED\t%d\n", stats.Disconnected)
		fmt.Fprintf(tw, "TELEMETRY\t%d\n", stats.Telemetry)
		fmt.Fprintf(tw, "ERRORS\t%d\n", stats.Errors)
		fmt.Fprintf(tw, "ACTIVE FW JOBS\t%d\n", stats.ActiveJobs)
		fmt.Fprintf(tw, "FIRMWARE\t%s\n", renderFirmware(stats.Firmware))
		return tw.Flush()
	},
}

var getDevicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "List running devices",
	RunE: func(cmd *cobra.Command, args []string) error {
		c := newClient()
		devices, err := c.ListDevices(cmd.Context())
		if err != nil {
			return err
		}
		if len(devices) == 0 {
			fmt.Println("No devices running")
			return nil
		}

		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 2, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "DEVICE ID\tFIRMWARE\tCONNECTED\tTELEMETRY\tERRORS\tLAST BOOT")
		for _, d := range devices {
			fmt.Fprintf(tw, "%s\t%s\t%t\t%d\t%d\t%s\n",
				d.DeviceID, d.FirmwareVersion, d.IsConnected, d.TelemetryCount, d.ErrorCount, d.LastBoot)
		}
		return tw.Flush()
	},
}

var getDeviceCmd = &cobra.Command{
	Use:   "device <id>",
	Short: "Describe one device",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c := newClient()
		d, err := c.GetDevice(cmd.Context(), args[0])
		if err != nil {
			return err
		}

		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 2, 4, 2, ' ', 0)
		fmt.Fprintf(tw, "DEVICE ID\t%s\n", d.DeviceID)
		fmt.Fprintf(tw, "MODEL\t%s\n", d.DeviceModel)
		fmt.Fprintf(tw, "FIRMWARE\t%s\n", d.FirmwareVersion)
		fmt.Fprintf(tw, "HARDWARE\t%s\n", d.HardwareVersion)
		fmt.Fprintf(tw, "TRANSPORT\t%s\n", d.Transport)
		fmt.Fprintf(tw, "CONNECTED\t%t\n", d.IsConnected)
		fmt.Fprintf(tw, "LAST BOOT\t%s\n", d.LastBoot)
		fmt.Fprintf(tw, "TELEMETRY\t%d\n", d.TelemetryCount)
		fmt.Fprintf(tw, "ERRORS\t%d\n", d.ErrorCount)
		return tw.Flush()
	},
}

func init() {
	rootCmd.AddCommand(getCmd)
	getCmd.AddCommand(getStatsCmd)
	getCmd.AddCommand(getDevicesCmd)
	getCmd.AddCommand(getDeviceCmd)
}

func renderFirmware(versions map[string]int) string {
	if len(versions) == 0 {
		return "<none>"
	}
	pairs := make([]string, 0, len(versions))
	for v, n := range versions {
		pairs = append(pairs, fmt.Sprintf("%s=%d", v, n))
	}
	sort.Strings(pairs)
	return strings.Join(pairs, ",")
}
