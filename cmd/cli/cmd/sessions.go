package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var (
	sessionsUserID   string
	sessionsPage     int
	sessionsPageSize int

	createUser    string
	createTier    string
	createType    string
	createGPU     string
	createModel   string
	createMinutes int
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List and manage sessions",
	Long:  `List and manage GPU rental sessions.`,
}

var sessionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List sessions for a user",
	RunE:  runSessionsList,
}

var sessionsGetCmd = &cobra.Command{
	Use:   "get [session-id]",
	Short: "Get session details",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionsGet,
}

var sessionsCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a session",
	RunE:  runSessionsCreate,
}

var sessionsStartCmd = &cobra.Command{
	Use:   "start [session-id]",
	Short: "Start or resume a session",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionsStart,
}

var sessionsPauseCmd = &cobra.Command{
	Use:   "pause [session-id]",
	Short: "Pause an active session",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionsPause,
}

var sessionsStopCmd = &cobra.Command{
	Use:   "stop [session-id]",
	Short: "Stop a session and settle billing",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionsStop,
}

var sessionsEventsCmd = &cobra.Command{
	Use:   "events [session-id]",
	Short: "Show billing events for a session",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionsEvents,
}

func init() {
	rootCmd.AddCommand(sessionsCmd)

	sessionsCmd.AddCommand(sessionsListCmd)
	sessionsCmd.AddCommand(sessionsGetCmd)
	sessionsCmd.AddCommand(sessionsCreateCmd)
	sessionsCmd.AddCommand(sessionsStartCmd)
	sessionsCmd.AddCommand(sessionsPauseCmd)
	sessionsCmd.AddCommand(sessionsStopCmd)
	sessionsCmd.AddCommand(sessionsEventsCmd)

	sessionsListCmd.Flags().StringVarP(&sessionsUserID, "user", "u", "", "User ID (required)")
	sessionsListCmd.Flags().IntVar(&sessionsPage, "page", 1, "Page number")
	sessionsListCmd.Flags().IntVar(&sessionsPageSize, "page-size", 20, "Results per page")
	sessionsListCmd.MarkFlagRequired("user")

	sessionsCreateCmd.Flags().StringVarP(&createUser, "user", "u", "", "User ID (required)")
	sessionsCreateCmd.Flags().StringVar(&createTier, "tier", "", "Pricing tier (required)")
	sessionsCreateCmd.Flags().StringVar(&createType, "type", "burst", "Session type (burst, vpn)")
	sessionsCreateCmd.Flags().StringVar(&createGPU, "gpu", "", "GPU type (defaults to cheapest in tier)")
	sessionsCreateCmd.Flags().StringVar(&createModel, "model", "", "Model ID to preload")
	sessionsCreateCmd.Flags().IntVar(&createMinutes, "minutes", 60, "Estimated runtime minutes")
	sessionsCreateCmd.MarkFlagRequired("user")
	sessionsCreateCmd.MarkFlagRequired("tier")
}

func runSessionsList(cmd *cobra.Command, args []string) error {
	params := url.Values{}
	params.Set("user_id", sessionsUserID)
	if sessionsPage > 0 {
		params.Set("page", fmt.Sprintf("%d", sessionsPage))
	}
	if sessionsPageSize > 0 {
		params.Set("page_size", fmt.Sprintf("%d", sessionsPageSize))
	}

	reqURL := fmt.Sprintf("%s/api/v1/sessions?%s", serverURL, params.Encode())

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
		Sessions []Session `json:"sessions"`
		Count    int       `json:"count"`
	}

	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}

	if outputFormat == "json" {
		encoder := json.NewEncoder(os.Stdout)
		encoder.SetIndent("", "  ")
		return encoder.Encode(result)
	}

	if len(result.Sessions) == 0 {
		fmt.Println("No sessions found.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTIER\tTYPE\tGPU\tPROVIDER\tSTATUS\tPRICE/MIN\tCOST")
	fmt.Fprintln(w, "--\t----\t----\t---\t--------\t------\t---------\t----")

	for _, session := range result.Sessions {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t$%.2f\t$%.2f\n",
			session.ID,
			session.Tier,
			session.Type,
			session.GPUType,
			session.Provider,
			session.Status,
			centsToDollars(session.PricePerMinute),
			centsToDollars(session.TotalCost),
		)
	}
	w.Flush()

	fmt.Printf("\nTotal: %d sessions\n", result.Count)
	return nil
}

func runSessionsGet(cmd *cobra.Command, args []string) error {
	sessionID := args[0]

	reqURL := fmt.Sprintf("%s/api/v1/sessions/%s", serverURL, sessionID)
	resp, err := http.Get(reqURL)
	if err != nil {
		return fmt.Errorf("failed to connect to server: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("session not found: %s", sessionID)
	}

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("server error: %s", string(body))
	}

	var session Session
	if err := json.NewDecoder(resp.Body).Decode(&session); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}

	if outputFormat == "json" {
		encoder := json.NewEncoder(os.Stdout)
		encoder.SetIndent("", "  ")
		return encoder.Encode(session)
	}

	printSession(&session)
	return nil
}

func printSession(session *Session) {
	fmt.Printf("Session ID:     %s\n", session.ID)
	fmt.Printf("User ID:        %s\n", session.UserID)
	fmt.Printf("Tier:           %s\n", session.Tier)
	fmt.Printf("Type:           %s\n", session.Type)
	fmt.Printf("GPU Type:       %s\n", session.GPUType)
	fmt.Printf("GPU Count:      %d\n", session.GPUCount)
	fmt.Printf("Status:         %s\n", session.Status)
	fmt.Printf("Provider:       %s\n", session.Provider)
	fmt.Printf("Price/Minute:   $%.2f\n", centsToDollars(session.PricePerMinute))
	fmt.Printf("Total Minutes:  %d\n", session.TotalMinutes)
	fmt.Printf("Total Cost:     $%.2f\n", centsToDollars(session.TotalCost))
	fmt.Printf("Created At:     %s\n", session.CreatedAt)

	if session.StartedAt != "" {
		fmt.Printf("Started At:     %s\n", session.StartedAt)
	}
	if session.EndedAt != "" {
		fmt.Printf("Ended At:       %s\n", session.EndedAt)
	}

	if session.AccessURL != "" {
		fmt.Printf("\nAccess URL: %s\n", session.AccessURL)
	}

	if session.Error != "" {
		fmt.Printf("\nError: %s\n", session.Error)
	}
}

func runSessionsCreate(cmd *cobra.Command, args []string) error {
	reqBody := map[string]interface{}{
		"user_id":           createUser,
		"tier":              createTier,
		"type":              createType,
		"estimated_minutes": createMinutes,
	}
	if createGPU != "" {
		reqBody["gpu_type"] = createGPU
	}
	if createModel != "" {
		reqBody["model_id"] = createModel
	}
	jsonBody, _ := json.Marshal(reqBody)

	reqURL := fmt.Sprintf("%s/api/v1/sessions", serverURL)
	resp, err := http.Post(reqURL, "application/json", bytes.NewReader(jsonBody))
	if err != nil {
		return fmt.Errorf("failed to connect to server: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("failed to create session: %s", string(body))
	}

	var session Session
	if err := json.NewDecoder(resp.Body).Decode(&session); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}

	if outputFormat == "json" {
		encoder := json.NewEncoder(os.Stdout)
		encoder.SetIndent("", "  ")
		return encoder.Encode(session)
	}

	fmt.Printf("Session %s created.\n\n", session.ID)
	printSession(&session)
	return nil
}

func runSessionsStart(cmd *cobra.Command, args []string) error {
	session, err := postSessionAction(args[0], "start")
	if err != nil {
		return err
	}
	fmt.Printf("Session %s is now %s. Billing is running.\n", session.ID, session.Status)
	return nil
}

func runSessionsPause(cmd *cobra.Command, args []string) error {
	session, err := postSessionAction(args[0], "pause")
	if err != nil {
		return err
	}
	fmt.Printf("Session %s paused. Billing is stopped.\n", session.ID)
	return nil
}

func runSessionsStop(cmd *cobra.Command, args []string) error {
	session, err := postSessionAction(args[0], "stop")
	if err != nil {
		return err
	}
	fmt.Printf("Session %s stopped. Billed %d minutes ($%.2f).\n",
		session.ID, session.TotalMinutes, centsToDollars(session.TotalCost))
	return nil
}

func postSessionAction(sessionID, action string) (*Session, error) {
	reqURL := fmt.Sprintf("%s/api/v1/sessions/%s/%s", serverURL, sessionID, action)
	resp, err := http.Post(reqURL, "application/json", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to server: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("session not found: %s", sessionID)
	}

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("failed to %s session: %s", action, string(body))
	}

	var session Session
	if err := json.NewDecoder(resp.Body).Decode(&session); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	return &session, nil
}

func runSessionsEvents(cmd *cobra.Command, args []string) error {
	sessionID := args[0]

	reqURL := fmt.Sprintf("%s/api/v1/sessions/%s/events", serverURL, sessionID)
	resp, err := http.Get(reqURL)
	if err != nil {
		return fmt.Errorf("failed to connect to server: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("session not found: %s", sessionID)
	}

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("server error: %s", string(body))
	}

	var result struct {
		Events []BillingEvent `json:"events"`
		Count  int            `json:"count"`
	}

	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}

	if outputFormat == "json" {
		encoder := json.NewEncoder(os.Stdout)
		encoder.SetIndent("", "  ")
		return encoder.Encode(result)
	}

	if len(result.Events) == 0 {
		fmt.Println("No billing events found.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TYPE\tMINUTES\tAMOUNT\tCREATED")
	fmt.Fprintln(w, "----\t-------\t------\t-------")

	for _, event := range result.Events {
		fmt.Fprintf(w, "%s\t%d\t$%.2f\t%s\n",
			event.Type,
			event.Minutes,
			centsToDollars(event.AmountCents),
			event.CreatedAt,
		)
	}
	w.Flush()

	fmt.Printf("\nTotal: %d events\n", result.Count)
	return nil
}
