package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/gpuburst/gpuburst/pkg/models"
)

// CreditStore handles user credit balances. All amounts are integer cents.
type CreditStore struct {
	db *DB
}

// NewCreditStore creates a new credit store
func NewCreditStore(db *DB) *CreditStore {
	return &CreditStore{db: db}
}

// Get retrieves a user's credit account
func (s *CreditStore) Get(ctx context.Context, userID string) (*models.CreditAccount, error) {
	account := &models.CreditAccount{}

	err := s.db.QueryRowContext(ctx,
		`SELECT user_id, balance_cents, updated_at FROM credits WHERE user_id = ?`,
		userID,
	).Scan(&account.UserID, &account.BalanceCents, &account.UpdatedAt)

	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get credit account: %w", err)
	}

	return account, nil
}

// Balance returns a user's balance in cents. Unknown users have zero balance.
func (s *CreditStore) Balance(ctx context.Context, userID string) (int64, error) {
	account, err := s.Get(ctx, userID)
	if err == ErrNotFound {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return account.BalanceCents, nil
}

// Credit adds to a user's balance, creating the account if needed
func (s *CreditStore) Credit(ctx context.Context, userID string, amountCents int64, now time.Time) error {
	if amountCents < 0 {
		return fmt.Errorf("credit amount must be non-negative, got %d", amountCents)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO credits (user_id, balance_cents, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			balance_cents = balance_cents + excluded.balance_cents,
			updated_at = excluded.updated_at
	`, userID, amountCents, now)
	if err != nil {
		return fmt.Errorf("failed to credit account: %w", err)
	}

	return nil
}

// Debit subtracts from a user's balance, creating the account if needed.
// The balance is allowed to go negative; the grace floor is enforced at
// session admission, not here, so a final settlement never fails.
func (s *CreditStore) Debit(ctx context.Context, userID string, amountCents int64, now time.Time) error {
	if amountCents < 0 {
		return fmt.Errorf("debit amount must be non-negative, got %d", amountCents)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO credits (user_id, balance_cents, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			balance_cents = balance_cents - ?,
			updated_at = ?
	`, userID, -amountCents, now, amountCents, now)
	if err != nil {
		return fmt.Errorf("failed to debit account: %w", err)
	}

	return nil
}
