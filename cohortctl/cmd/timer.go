package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var timerCmd = &cobra.Command{
	Use:   "timer",
	Short: "Inspect and control the run timer",
}

var timerGetCmd = &cobra.Command{
	Use:   "get",
	Short: "Show time remaining in the run",
	RunE: func(cmd *cobra.Command, args []string) error {
		c := newClient()
		status, err := c.GetTimer(cmd.Context())
		if err != nil {
			return err
		}
		if !status.Bounded {
			fmt.Fprintln(cmd.OutOrStdout(), "Run is unbounded")
			return nil
		}
		remaining := time.Duration(status.RemainingSeconds) * time.Second
		fmt.Fprintf(cmd.OutOrStdout(), "Remaining: %s\n", remaining)
		return nil
	},
}

var timerExtendMinutes int

var timerExtendCmd = &cobra.Command{
	Use:   "extend",
	Short: "Add minutes to the time remaining",
	RunE: func(cmd *cobra.Command, args []string) error {
		c := newClient()
		status, err := c.ExtendTimer(cmd.Context(), timerExtendMinutes)
		if err != nil {
			return err
		}
		remaining := time.Duration(status.RemainingSeconds) * time.Second
		fmt.Fprintf(cmd.OutOrStdout(), "Extended by %dm; remaining: %s\n", timerExtendMinutes, remaining)
		return nil
	},
}

var timerStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "End the run now",
	RunE: func(cmd *cobra.Command, args []string) error {
		c := newClient()
		if err := c.StopTimer(cmd.Context()); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "Run stopping")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(timerCmd)
	timerCmd.AddCommand(timerGetCmd)
	timerCmd.AddCommand(timerExtendCmd)
	timerCmd.AddCommand(timerStopCmd)
	timerExtendCmd.Flags().IntVar(&timerExtendMinutes, "minutes", 30, "Minutes to add to the run")
}
