package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

var allStatuses = []SessionStatus{
	StatusPending,
	StatusProvisioning,
	StatusReady,
	StatusActive,
	StatusPaused,
	StatusTerminated,
}

func TestCanTransition_ValidPairs(t *testing.T) {
	valid := []struct {
		from, to SessionStatus
	}{
		{StatusPending, StatusProvisioning},
		{StatusPending, StatusTerminated},
		{StatusProvisioning, StatusReady},
		{StatusProvisioning, StatusTerminated},
		{StatusReady, StatusActive},
		{StatusReady, StatusTerminated},
		{StatusActive, StatusPaused},
		{StatusActive, StatusTerminated},
		{StatusPaused, StatusActive},
		{StatusPaused, StatusTerminated},
	}

	for _, tc := range valid {
		assert.True(t, CanTransition(tc.from, tc.to),
			"expected %s -> %s to be valid", tc.from, tc.to)
	}
}

func TestCanTransition_InvalidPairsRejected(t *testing.T) {
	// Everything not in the table is invalid, including self-transitions
	valid := map[SessionStatus]map[SessionStatus]bool{
		StatusPending:      {StatusProvisioning: true, StatusTerminated: true},
		StatusProvisioning: {StatusReady: true, StatusTerminated: true},
		StatusReady:        {StatusActive: true, StatusTerminated: true},
		StatusActive:       {StatusPaused: true, StatusTerminated: true},
		StatusPaused:       {StatusActive: true, StatusTerminated: true},
	}

	for _, from := range allStatuses {
		for _, to := range allStatuses {
			expected := valid[from][to]
			assert.Equal(t, expected, CanTransition(from, to),
				"transition %s -> %s", from, to)
		}
	}
}

func TestCanTransition_TerminatedIsAbsorbing(t *testing.T) {
	for _, to := range allStatuses {
		assert.False(t, CanTransition(StatusTerminated, to),
			"terminated must have no outgoing transition, got terminated -> %s", to)
	}
}

func TestCanTransition_UnknownStatus(t *testing.T) {
	assert.False(t, CanTransition("bogus", StatusActive))
	assert.False(t, CanTransition(StatusActive, "bogus"))
}

func TestSession_BillableMinutes(t *testing.T) {
	start := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name    string
		elapsed time.Duration
		want    int64
	}{
		{"exact minutes", 3 * time.Minute, 3},
		{"partial minute rounds up", 3*time.Minute + 10*time.Second, 4},
		{"under one minute", 10 * time.Second, 1},
		{"zero elapsed", 0, 0},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			s := &Session{StartedAt: start}
			assert.Equal(t, tc.want, s.BillableMinutes(start.Add(tc.elapsed)))
		})
	}
}

func TestSession_BillableMinutes_NeverStarted(t *testing.T) {
	s := &Session{}
	assert.Equal(t, int64(0), s.BillableMinutes(time.Now()))
}

func TestSession_Pausable(t *testing.T) {
	assert.True(t, (&Session{Type: TypeVPN}).Pausable())
	assert.False(t, (&Session{Type: TypeBurst}).Pausable())
}

func TestValidTier(t *testing.T) {
	for _, tier := range []Tier{TierStarter, TierPro, TierBeast, TierUltra} {
		assert.True(t, ValidTier(tier))
	}
	assert.False(t, ValidTier("mega"))
	assert.False(t, ValidTier(""))
}

func TestTierConfig_Supports(t *testing.T) {
	cfg := TierConfig{GPUOptions: []string{"RTX4090", "RTX3090"}}
	assert.True(t, cfg.Supports("RTX4090"))
	assert.False(t, cfg.Supports("H100"))
	assert.Equal(t, "RTX4090", cfg.DefaultGPU())
}
