package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var tiersCmd = &cobra.Command{
	Use:   "tiers",
	Short: "List pricing tiers",
	Long:  `Display the pricing tiers available for new sessions.`,
	RunE:  runTiers,
}

func init() {
	rootCmd.AddCommand(tiersCmd)
}

type tierInfo struct {
	Tier           string   `json:"tier"`
	GPUOptions     []string `json:"gpu_options"`
	GPUCount       int      `json:"gpu_count"`
	VRAMGb         int      `json:"vram_gb"`
	PricePerMinute int64    `json:"price_per_minute_cents"`
}

func runTiers(cmd *cobra.Command, args []string) error {
	reqURL := fmt.Sprintf("%s/api/v1/tiers", serverURL)
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
		Tiers []tierInfo `json:"tiers"`
	}

	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}

	if outputFormat == "json" {
		encoder := json.NewEncoder(os.Stdout)
		encoder.SetIndent("", "  ")
		return encoder.Encode(result)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TIER\tGPUS\tCOUNT\tVRAM\tPRICE/MIN")
	fmt.Fprintln(w, "----\t----\t-----\t----\t---------")

	for _, tier := range result.Tiers {
		fmt.Fprintf(w, "%s\t%s\t%d\t%dGB\t$%.2f\n",
			tier.Tier,
			strings.Join(tier.GPUOptions, ","),
			tier.GPUCount,
			tier.VRAMGb,
			centsToDollars(tier.PricePerMinute),
		)
	}
	w.Flush()
	return nil
}
