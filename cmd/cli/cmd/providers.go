package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var availabilityGPUType string

var providersCmd = &cobra.Command{
	Use:   "providers",
	Short: "Inspect configured providers",
	Long:  `Check provider health and browse GPU availability.`,
}

var providersHealthCmd = &cobra.Command{
	Use:   "health",
	Short: "Show provider health",
	RunE:  runProvidersHealth,
}

var providersAvailabilityCmd = &cobra.Command{
	Use:   "availability",
	Short: "Show available GPU configurations per provider",
	RunE:  runProvidersAvailability,
}

func init() {
	rootCmd.AddCommand(providersCmd)

	providersCmd.AddCommand(providersHealthCmd)
	providersCmd.AddCommand(providersAvailabilityCmd)

	providersAvailabilityCmd.Flags().StringVarP(&availabilityGPUType, "gpu", "g", "", "Filter by GPU type (e.g., RTX4090, A100)")
}

type providerHealth struct {
	Provider      string            `json:"provider"`
	Healthy       bool              `json:"healthy"`
	LatencyMs     int64             `json:"latency_ms"`
	AvailableGPUs []gpuAvailability `json:"available_gpus"`
	Error         string            `json:"error,omitempty"`
}

// gpuSummary renders per-type availability as "RTX4090:4 A100:2"
func gpuSummary(gpus []gpuAvailability) string {
	if len(gpus) == 0 {
		return "-"
	}
	parts := make([]string, 0, len(gpus))
	for _, g := range gpus {
		parts = append(parts, fmt.Sprintf("%s:%d", g.Type, g.Available))
	}
	return strings.Join(parts, " ")
}

type gpuAvailability struct {
	Type         string  `json:"type"`
	Available    int     `json:"available"`
	PricePerHour float64 `json:"price_per_hour"`
	Region       string  `json:"region"`
}

func runProvidersHealth(cmd *cobra.Command, args []string) error {
	reqURL := fmt.Sprintf("%s/api/v1/providers/health", serverURL)
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
		Providers []providerHealth `json:"providers"`
	}

	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}

	if outputFormat == "json" {
		encoder := json.NewEncoder(os.Stdout)
		encoder.SetIndent("", "  ")
		return encoder.Encode(result)
	}

	if len(result.Providers) == 0 {
		fmt.Println("No providers configured.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "PROVIDER\tHEALTHY\tLATENCY\tGPUS\tERROR")
	fmt.Fprintln(w, "--------\t-------\t-------\t----\t-----")

	for _, p := range result.Providers {
		status := "yes"
		if !p.Healthy {
			status = "NO"
		}
		fmt.Fprintf(w, "%s\t%s\t%dms\t%s\t%s\n",
			p.Provider,
			status,
			p.LatencyMs,
			gpuSummary(p.AvailableGPUs),
			p.Error,
		)
	}
	w.Flush()
	return nil
}

func runProvidersAvailability(cmd *cobra.Command, args []string) error {
	params := url.Values{}
	if availabilityGPUType != "" {
		params.Set("gpu_type", availabilityGPUType)
	}

	reqURL := fmt.Sprintf("%s/api/v1/providers/availability", serverURL)
	if len(params) > 0 {
		reqURL += "?" + params.Encode()
	}

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
		Availability map[string][]gpuAvailability `json:"availability"`
	}

	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}

	if outputFormat == "json" {
		encoder := json.NewEncoder(os.Stdout)
		encoder.SetIndent("", "  ")
		return encoder.Encode(result)
	}

	providers := make([]string, 0, len(result.Availability))
	total := 0
	for name, entries := range result.Availability {
		providers = append(providers, name)
		total += len(entries)
	}
	sort.Strings(providers)

	if total == 0 {
		fmt.Println("No availability found matching criteria.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "PROVIDER\tGPU\tAVAILABLE\tPRICE/HR\tREGION")
	fmt.Fprintln(w, "--------\t---\t---------\t--------\t------")

	for _, name := range providers {
		for _, a := range result.Availability[name] {
			fmt.Fprintf(w, "%s\t%s\t%d\t$%.2f\t%s\n",
				name,
				a.Type,
				a.Available,
				a.PricePerHour,
				a.Region,
			)
		}
	}
	w.Flush()
	return nil
}
