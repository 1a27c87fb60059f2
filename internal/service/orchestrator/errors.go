package orchestrator

import (
	"fmt"

	"github.com/gpuburst/gpuburst/pkg/models"
)

// StateError codes
const (
	CodeInvalidTransition = "INVALID_TRANSITION"
	CodeInvalidState      = "INVALID_STATE"
	CodePauseNotAllowed   = "PAUSE_NOT_ALLOWED"
)

// ValidationError indicates a bad request (unknown tier, bad GPU type)
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

// StateError indicates an operation that is not legal in the session's
// current state
type StateError struct {
	Code      string
	SessionID string
	Status    models.SessionStatus
	Message   string
}

func (e *StateError) Error() string {
	return fmt.Sprintf("%s: session %s in status %s: %s", e.Code, e.SessionID, e.Status, e.Message)
}

// NotFoundError indicates an unknown session
type NotFoundError struct {
	SessionID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("session not found: %s", e.SessionID)
}

// ProviderError indicates provisioning failed across all candidate
// providers, or no provider could serve the request at all
type ProviderError struct {
	GPUType string
	Reasons []string
}

func (e *ProviderError) Error() string {
	if len(e.Reasons) == 0 {
		return fmt.Sprintf("no provider available for %s", e.GPUType)
	}
	return fmt.Sprintf("provisioning %s failed: %v", e.GPUType, e.Reasons)
}

// InsufficientCreditsError indicates the user's balance is below the
// admission floor for new sessions
type InsufficientCreditsError struct {
	UserID       string
	BalanceCents int64
	FloorCents   int64
}

func (e *InsufficientCreditsError) Error() string {
	return fmt.Sprintf("user %s has insufficient credits: balance %d cents, floor %d cents",
		e.UserID, e.BalanceCents, e.FloorCents)
}
