package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/spf13/cobra"
)

var creditsAmount int64

var creditsCmd = &cobra.Command{
	Use:   "credits",
	Short: "Check and top up user balances",
}

var creditsGetCmd = &cobra.Command{
	Use:   "get [user-id]",
	Short: "Get a user's balance",
	Args:  cobra.ExactArgs(1),
	RunE:  runCreditsGet,
}

var creditsAddCmd = &cobra.Command{
	Use:   "add [user-id]",
	Short: "Add credits to a user's balance",
	Args:  cobra.ExactArgs(1),
	RunE:  runCreditsAdd,
}

func init() {
	rootCmd.AddCommand(creditsCmd)

	creditsCmd.AddCommand(creditsGetCmd)
	creditsCmd.AddCommand(creditsAddCmd)

	creditsAddCmd.Flags().Int64Var(&creditsAmount, "amount", 0, "Amount to add in cents (required)")
	creditsAddCmd.MarkFlagRequired("amount")
}

func runCreditsGet(cmd *cobra.Command, args []string) error {
	userID := args[0]

	reqURL := fmt.Sprintf("%s/api/v1/credits/%s", serverURL, userID)
	resp, err := http.Get(reqURL)
	if err != nil {
		return fmt.Errorf("failed to connect to server: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("server error: %s", string(body))
	}

	var result struct {
		UserID       string `json:"user_id"`
		BalanceCents int64  `json:"balance_cents"`
	}

	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}

	if outputFormat == "json" {
		encoder := json.NewEncoder(os.Stdout)
		encoder.SetIndent("", "  ")
		return encoder.Encode(result)
	}

	fmt.Printf("User:    %s\n", result.UserID)
	fmt.Printf("Balance: $%.2f\n", centsToDollars(result.BalanceCents))
	return nil
}

func runCreditsAdd(cmd *cobra.Command, args []string) error {
	userID := args[0]

	reqBody := map[string]interface{}{
		"amount_cents": creditsAmount,
	}
	jsonBody, _ := json.Marshal(reqBody)

	reqURL := fmt.Sprintf("%s/api/v1/credits/%s", serverURL, userID)
	resp, err := http.Post(reqURL, "application/json", bytes.NewReader(jsonBody))
	if err != nil {
		return fmt.Errorf("failed to connect to server: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("failed to add credits: %s", string(body))
	}

	var result struct {
		UserID       string `json:"user_id"`
		BalanceCents int64  `json:"balance_cents"`
	}

	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}

	fmt.Printf("Added $%.2f to %s. New balance: $%.2f\n",
		centsToDollars(creditsAmount), userID, centsToDollars(result.BalanceCents))
	return nil
}
