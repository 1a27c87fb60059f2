package models

import "time"

// SessionStatus represents the current state of a GPU session
type SessionStatus string

const (
	StatusPending      SessionStatus = "pending"      // Session created, not yet provisioned
	StatusProvisioning SessionStatus = "provisioning" // Provider instance being created
	StatusReady        SessionStatus = "ready"        // Instance provisioned, not yet billing
	StatusActive       SessionStatus = "active"       // Running and accruing cost
	StatusPaused       SessionStatus = "paused"       // Suspended (vpn sessions only), not billing
	StatusTerminated   SessionStatus = "terminated"   // Final state, billed and released
)

// SessionType distinguishes pay-per-minute ad-hoc sessions (burst) from
// persistent, pausable ones (vpn).
type SessionType string

const (
	TypeBurst SessionType = "burst"
	TypeVPN   SessionType = "vpn"
)

// transitions is the closed set of valid status transitions.
// Terminated is absorbing: it has no outgoing edges.
var transitions = map[SessionStatus][]SessionStatus{
	StatusPending:      {StatusProvisioning, StatusTerminated},
	StatusProvisioning: {StatusReady, StatusTerminated},
	StatusReady:        {StatusActive, StatusTerminated},
	StatusActive:       {StatusPaused, StatusTerminated},
	StatusPaused:       {StatusActive, StatusTerminated},
	StatusTerminated:   {},
}

// CanTransition reports whether moving from one status to another is valid.
// It is a pure lookup with no side effects.
func CanTransition(from, to SessionStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Session represents a GPU rental session. The session record is the
// authoritative source for billing; the remote provider instance is
// reconciled against it, never the other way around.
type Session struct {
	ID     string      `json:"id"`
	UserID string      `json:"user_id"`
	Tier   Tier        `json:"tier"`
	Type   SessionType `json:"type"`

	GPUType  string `json:"gpu_type"`
	GPUCount int    `json:"gpu_count"`
	ModelID  string `json:"model_id,omitempty"`

	Status SessionStatus `json:"status"`
	Error  string        `json:"error,omitempty"`

	// Set only after successful provisioning
	Provider   string `json:"provider,omitempty"`
	ProviderID string `json:"provider_instance_id,omitempty"`
	AccessURL  string `json:"access_url,omitempty"`

	// Billing. PricePerMinute is snapshotted from the tier at creation and
	// never changes afterwards. Totals are advanced by the billing meter and
	// recomputed authoritatively from wall-clock time at stop.
	PricePerMinute   int64 `json:"price_per_minute_cents"`
	TotalMinutes     int64 `json:"total_minutes"`
	TotalCost        int64 `json:"total_cost_cents"`
	EstimatedMinutes int64 `json:"estimated_minutes"`

	StartedAt time.Time `json:"started_at,omitempty"`
	EndedAt   time.Time `json:"ended_at,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// NextBillAt drives the billing meter. It is persisted so due ticks can
	// be computed from stored state after a restart instead of from
	// in-process timers.
	NextBillAt time.Time `json:"-"`
}

// IsTerminal returns true if the session has reached its final state
func (s *Session) IsTerminal() bool {
	return s.Status == StatusTerminated
}

// Pausable returns true if the session type supports pausing
func (s *Session) Pausable() bool {
	return s.Type == TypeVPN
}

// BillableMinutes returns the authoritative minute count for the session,
// computed from wall-clock elapsed time with partial minutes rounded up.
// A session that never started bills zero minutes.
func (s *Session) BillableMinutes(endedAt time.Time) int64 {
	if s.StartedAt.IsZero() || !endedAt.After(s.StartedAt) {
		return 0
	}
	elapsed := endedAt.Sub(s.StartedAt)
	minutes := int64(elapsed / time.Minute)
	if elapsed%time.Minute > 0 {
		minutes++
	}
	return minutes
}

// CreateSessionRequest is the payload for creating a session. The caller
// is trusted to have authenticated the user already; userId arrives
// validated.
type CreateSessionRequest struct {
	UserID           string      `json:"user_id" binding:"required"`
	Tier             Tier        `json:"tier" binding:"required"`
	Type             SessionType `json:"type" binding:"required,oneof=burst vpn"`
	GPUType          string      `json:"gpu_type,omitempty"`
	ModelID          string      `json:"model_id,omitempty"`
	EstimatedMinutes int64       `json:"estimated_minutes,omitempty" binding:"omitempty,min=0"`
}

// SessionListFilter defines criteria for listing sessions
type SessionListFilter struct {
	UserID   string
	Status   SessionStatus
	Statuses []SessionStatus
	Page     int
	PageSize int
}

// SessionResponse is the API representation of a session
type SessionResponse struct {
	ID             string        `json:"id"`
	UserID         string        `json:"user_id"`
	Tier           Tier          `json:"tier"`
	Type           SessionType   `json:"type"`
	GPUType        string        `json:"gpu_type"`
	GPUCount       int           `json:"gpu_count"`
	ModelID        string        `json:"model_id,omitempty"`
	Status         SessionStatus `json:"status"`
	Error          string        `json:"error,omitempty"`
	Provider       string        `json:"provider,omitempty"`
	AccessURL      string        `json:"access_url,omitempty"`
	PricePerMinute int64         `json:"price_per_minute_cents"`
	TotalMinutes   int64         `json:"total_minutes"`
	TotalCost      int64         `json:"total_cost_cents"`
	StartedAt      *time.Time    `json:"started_at,omitempty"`
	EndedAt        *time.Time    `json:"ended_at,omitempty"`
	CreatedAt      time.Time     `json:"created_at"`
}

// ToResponse converts a Session to its API representation
func (s *Session) ToResponse() SessionResponse {
	return SessionResponse{
		ID:             s.ID,
		UserID:         s.UserID,
		Tier:           s.Tier,
		Type:           s.Type,
		GPUType:        s.GPUType,
		GPUCount:       s.GPUCount,
		ModelID:        s.ModelID,
		Status:         s.Status,
		Error:          s.Error,
		Provider:       s.Provider,
		AccessURL:      s.AccessURL,
		PricePerMinute: s.PricePerMinute,
		TotalMinutes:   s.TotalMinutes,
		TotalCost:      s.TotalCost,
		StartedAt:      timePtr(s.StartedAt),
		EndedAt:        timePtr(s.EndedAt),
		CreatedAt:      s.CreatedAt,
	}
}

// timePtr drops zero times from API responses
func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
