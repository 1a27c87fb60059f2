package models

import "time"

// BillingEventType categorizes billing ledger entries
type BillingEventType string

const (
	// BillingEventTick is an advisory per-minute meter tick
	BillingEventTick BillingEventType = "tick"
	// BillingEventFinal is the authoritative settlement written at stop
	BillingEventFinal BillingEventType = "final"
	// BillingEventCredit is a balance top-up
	BillingEventCredit BillingEventType = "credit"
)

// BillingEvent is a single entry in the billing ledger. Amounts are in
// integer cents; ticks are advisory and only final events debit balances.
type BillingEvent struct {
	ID          string           `json:"id"`
	SessionID   string           `json:"sessionId"`
	UserID      string           `json:"userId"`
	Type        BillingEventType `json:"type"`
	AmountCents int64            `json:"amountCents"`
	Minutes     int64            `json:"minutes"`
	CreatedAt   time.Time        `json:"createdAt"`
}

// CreditAccount tracks a user's prepaid balance in integer cents.
// The balance may go negative up to the configured grace floor.
type CreditAccount struct {
	UserID       string    `json:"userId"`
	BalanceCents int64     `json:"balanceCents"`
	UpdatedAt    time.Time `json:"updatedAt"`
}
