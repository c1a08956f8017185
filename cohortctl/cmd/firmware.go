package cmd

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"
)

var firmwareCmd = &cobra.Command{
	Use:   "firmware",
	Short: "Manage fleet firmware",
}

var (
	firmwareUpdateVersion string
	firmwareUpdateURL     string
)

var firmwareUpdateCmd = &cobra.Command{
	Use:   "update",
	Short: "Trigger a firmware update across the fleet",
	RunE: func(cmd *cobra.Command, args []string) error {
		c := newClient()
		result, err := c.TriggerFirmwareUpdate(cmd.Context(), firmwareUpdateVersion, firmwareUpdateURL)
		if err != nil {
			return err
		}

		fmt.Fprintf(cmd.OutOrStdout(), "Update to %s dispatched to %d devices\n", result.TargetVersion, result.Devices)
		if len(result.Failed) > 0 {
			ids := make([]string, 0, len(result.Failed))
			for id := range result.Failed {
				ids = append(ids, id)
			}
			sort.Strings(ids)
			for _, id := range ids {
				fmt.Fprintf(cmd.OutOrStdout(), "  %s: %s\n", id, result.Failed[id])
			}
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(firmwareCmd)
	firmwareCmd.AddCommand(firmwareUpdateCmd)
	firmwareUpdateCmd.Flags().StringVar(&firmwareUpdateVersion, "version", "", "Target firmware version")
	firmwareUpdateCmd.Flags().StringVar(&firmwareUpdateURL, "url", "", "Firmware image URL (http(s):// or oci://)")
	_ = firmwareUpdateCmd.MarkFlagRequired("version")
	_ = firmwareUpdateCmd.MarkFlagRequired("url")
}
