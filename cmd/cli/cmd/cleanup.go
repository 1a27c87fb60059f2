package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/spf13/cobra"
)

var cleanupZombiesCmd = &cobra.Command{
	Use:   "cleanup-zombies",
	Short: "Force an immediate zombie session sweep",
	Long: `Trigger the server's zombie reaper immediately instead of waiting for
its next scheduled sweep. Sessions that have not been touched within the
staleness threshold are stopped and billed.`,
	RunE: runCleanupZombies,
}

func init() {
	rootCmd.AddCommand(cleanupZombiesCmd)
}

func runCleanupZombies(cmd *cobra.Command, args []string) error {
	reqURL := fmt.Sprintf("%s/api/v1/admin/cleanup-zombies", serverURL)
	resp, err := http.Post(reqURL, "application/json", nil)
	if err != nil {
		return fmt.Errorf("failed to connect to server: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("cleanup failed: %s", string(body))
	}

	var result struct {
		Reaped int `json:"reaped"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}

	if result.Reaped == 0 {
		fmt.Println("No zombie sessions found.")
		return nil
	}
	fmt.Printf("Reaped %d zombie sessions.\n", result.Reaped)
	return nil
}
