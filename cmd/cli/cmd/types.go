package cmd

// Session is the CLI view of a session from the API (string timestamps,
// displayed as received)
type Session struct {
	ID             string `json:"id"`
	UserID         string `json:"user_id"`
	Tier           string `json:"tier"`
	Type           string `json:"type"`
	GPUType        string `json:"gpu_type"`
	GPUCount       int    `json:"gpu_count"`
	ModelID        string `json:"model_id,omitempty"`
	Status         string `json:"status"`
	Error          string `json:"error,omitempty"`
	Provider       string `json:"provider,omitempty"`
	AccessURL      string `json:"access_url,omitempty"`
	PricePerMinute int64  `json:"price_per_minute_cents"`
	TotalMinutes   int64  `json:"total_minutes"`
	TotalCost      int64  `json:"total_cost_cents"`
	StartedAt      string `json:"started_at,omitempty"`
	EndedAt        string `json:"ended_at,omitempty"`
	CreatedAt      string `json:"created_at"`
}

// BillingEvent is the CLI view of a ledger entry
type BillingEvent struct {
	ID          string `json:"id"`
	SessionID   string `json:"session_id"`
	UserID      string `json:"user_id"`
	Type        string `json:"type"`
	AmountCents int64  `json:"amount_cents"`
	Minutes     int64  `json:"minutes"`
	CreatedAt   string `json:"created_at"`
}

// centsToDollars converts a cent amount to dollars for display
func centsToDollars(cents int64) float64 {
	return float64(cents) / 100
}
