package storage

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/gpuburst/gpuburst/pkg/models"
)

// BillingEventStore persists the billing ledger
type BillingEventStore struct {
	db *DB
}

// NewBillingEventStore creates a new billing event store
func NewBillingEventStore(db *DB) *BillingEventStore {
	return &BillingEventStore{db: db}
}

// Record appends an event to the ledger
func (s *BillingEventStore) Record(ctx context.Context, event *models.BillingEvent) error {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}

	query := `
		INSERT INTO billing_events (id, session_id, user_id, event_type, amount_cents, minutes, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		event.ID,
		event.SessionID,
		event.UserID,
		event.Type,
		event.AmountCents,
		event.Minutes,
		event.CreatedAt,
	)

	if err != nil {
		return fmt.Errorf("failed to record billing event: %w", err)
	}

	return nil
}

// ListBySession returns all events for a session, oldest first
func (s *BillingEventStore) ListBySession(ctx context.Context, sessionID string) ([]*models.BillingEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, user_id, event_type, amount_cents, minutes, created_at
		FROM billing_events
		WHERE session_id = ?
		ORDER BY created_at ASC
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list billing events: %w", err)
	}
	defer rows.Close()

	var events []*models.BillingEvent
	for rows.Next() {
		event := &models.BillingEvent{}
		err := rows.Scan(
			&event.ID, &event.SessionID, &event.UserID,
			&event.Type, &event.AmountCents, &event.Minutes, &event.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan billing event: %w", err)
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating billing events: %w", err)
	}

	return events, nil
}

// HasFinalEvent reports whether a final settlement was already recorded for
// the session. Used to keep stop idempotent.
func (s *BillingEventStore) HasFinalEvent(ctx context.Context, sessionID string) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM billing_events WHERE session_id = ? AND event_type = ?`,
		sessionID, models.BillingEventFinal,
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("failed to check final event: %w", err)
	}
	return count > 0, nil
}

// TotalRevenue returns the sum of final settlements in cents
func (s *BillingEventStore) TotalRevenue(ctx context.Context) (int64, error) {
	var total int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(amount_cents), 0) FROM billing_events WHERE event_type = ?`,
		models.BillingEventFinal,
	).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("failed to sum revenue: %w", err)
	}
	return total, nil
}
