package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

var (
	serverURL    string
	outputFormat string
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "gpuburst",
	Short: "gpuburst CLI - manage GPU rental sessions",
	Long: `gpuburst is a session orchestration service for commodity GPU
marketplaces.

This CLI tool allows you to:
- Create and manage GPU rental sessions
- Inspect provider health and GPU availability
- Browse pricing tiers
- Check balances and billing history`,
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", getEnvOrDefault("GPUBURST_URL", "http://localhost:8080"), "gpuburst server URL")
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "output", "o", "table", "Output format (table, json)")
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
