package cmd

import (
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/apollo/cohort/cohortctl/pkg/client"
)

var (
	serverURL string
)

var rootCmd = &cobra.Command{
	Use:   "cohortctl",
	Short: "Command line interface for the cohort fleet simulator",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if serverURL == "" {
			return fmt.Errorf("server address cannot be empty")
		}
		return nil
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "http://localhost:8085", "cohort-sim control API address")
}

func newClient() *client.CohortClient {
	return client.NewCohortClient(serverURL, &http.Client{Timeout: 15 * time.Second})
}
