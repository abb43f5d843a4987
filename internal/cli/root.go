package cli

import (
	"github.com/spf13/cobra"
)

var serverURL string

var rootCmd = &cobra.Command{
	Use:   "tabflow",
	Short: "Close browser tabs you have stopped using",
	Long: "Tabflow scores every open tab by how recently and how actively it is used, " +
		"and closes the ones that decay below the inactivity threshold in small batches. " +
		"Closed tabs are kept in a history you can restore from.",
	SilenceUsage: true,
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "", "tabflow server URL (default $TABFLOW_URL or http://127.0.0.1:37777)")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(restoreCmd)
	rootCmd.AddCommand(eventCmd)
	rootCmd.AddCommand(policyCmd)
	rootCmd.AddCommand(resetCmd)
}
