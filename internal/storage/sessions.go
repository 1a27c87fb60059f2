package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/gpuburst/gpuburst/pkg/models"
)

// SessionStore handles session persistence
type SessionStore struct {
	db *DB
}

// NewSessionStore creates a new session store
func NewSessionStore(db *DB) *SessionStore {
	return &SessionStore{db: db}
}

const sessionColumns = `
	id, user_id, tier, session_type, gpu_type, gpu_count, model_id,
	status, error, provider, provider_instance_id, access_url,
	price_per_minute, estimated_minutes, total_minutes, total_cost,
	created_at, updated_at, started_at, ended_at, next_bill_at
`

// Create inserts a new session
func (s *SessionStore) Create(ctx context.Context, session *models.Session) error {
	query := `
		INSERT INTO sessions (` + sessionColumns + `) VALUES (
			?, ?, ?, ?, ?, ?, ?,
			?, ?, ?, ?, ?,
			?, ?, ?, ?,
			?, ?, ?, ?, ?
		)
	`

	_, err := s.db.ExecContext(ctx, query,
		session.ID, session.UserID, session.Tier, session.Type, session.GPUType, session.GPUCount, session.ModelID,
		session.Status, session.Error, session.Provider, session.ProviderID, session.AccessURL,
		session.PricePerMinute, session.EstimatedMinutes, session.TotalMinutes, session.TotalCost,
		session.CreatedAt, session.UpdatedAt, nullTime(session.StartedAt), nullTime(session.EndedAt), nullTime(session.NextBillAt),
	)

	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return ErrAlreadyExists
		}
		return fmt.Errorf("failed to create session: %w", err)
	}

	return nil
}

// Get retrieves a session by ID
func (s *SessionStore) Get(ctx context.Context, id string) (*models.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE id = ?`

	session, err := scanSession(s.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}

	return session, nil
}

// Update persists the mutable fields of an existing session
func (s *SessionStore) Update(ctx context.Context, session *models.Session) error {
	query := `
		UPDATE sessions SET
			status = ?,
			error = ?,
			provider = ?,
			provider_instance_id = ?,
			access_url = ?,
			total_minutes = ?,
			total_cost = ?,
			updated_at = ?,
			started_at = ?,
			ended_at = ?,
			next_bill_at = ?
		WHERE id = ?
	`

	result, err := s.db.ExecContext(ctx, query,
		session.Status,
		session.Error,
		session.Provider,
		session.ProviderID,
		session.AccessURL,
		session.TotalMinutes,
		session.TotalCost,
		session.UpdatedAt,
		nullTime(session.StartedAt),
		nullTime(session.EndedAt),
		nullTime(session.NextBillAt),
		session.ID,
	)

	if err != nil {
		return fmt.Errorf("failed to update session: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}

	return nil
}

// UpdateStatus performs a guarded status transition: the write only lands
// if the row still holds the expected current status, so concurrent
// transitions cannot stomp each other. Returns ErrStatusConflict when the
// row moved on, ErrNotFound when the session does not exist.
func (s *SessionStore) UpdateStatus(ctx context.Context, id string, from, to models.SessionStatus, now time.Time) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		to, now, id, from,
	)
	if err != nil {
		return fmt.Errorf("failed to update session status: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		// Distinguish a missing row from a lost race
		var current string
		err := s.db.QueryRowContext(ctx, `SELECT status FROM sessions WHERE id = ?`, id).Scan(&current)
		if err == sql.ErrNoRows {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to check session status: %w", err)
		}
		return ErrStatusConflict
	}

	return nil
}

// ApplyBillingTick advances the accrued totals for an active session by one
// meter interval and schedules the next tick. The write is a no-op unless
// the session is still active, so a tick racing a stop cannot resurrect
// billing on a terminated session.
func (s *SessionStore) ApplyBillingTick(ctx context.Context, id string, minutes, costCents int64, nextBillAt, now time.Time) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE sessions
		SET total_minutes = total_minutes + ?, total_cost = total_cost + ?, next_bill_at = ?, updated_at = ?
		WHERE id = ? AND status = ?
	`, minutes, costCents, nextBillAt, now, id, models.StatusActive)
	if err != nil {
		return fmt.Errorf("failed to apply billing tick: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return ErrStatusConflict
	}

	return nil
}

// GetDueBillingSessions returns active sessions whose next scheduled tick
// is due. Ticks are computed from the persisted schedule, so they survive
// process restarts without double billing.
func (s *SessionStore) GetDueBillingSessions(ctx context.Context, now time.Time) ([]*models.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions
		WHERE status = ? AND next_bill_at IS NOT NULL AND next_bill_at <= ?
		ORDER BY next_bill_at ASC`

	rows, err := s.db.QueryContext(ctx, query, models.StatusActive, now)
	if err != nil {
		return nil, fmt.Errorf("failed to list due billing sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*models.Session
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		sessions = append(sessions, session)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sessions: %w", err)
	}

	return sessions, nil
}

// List returns sessions matching the filter, newest first
func (s *SessionStore) List(ctx context.Context, filter models.SessionListFilter) ([]*models.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE 1=1`

	var args []interface{}

	if filter.UserID != "" {
		query += " AND user_id = ?"
		args = append(args, filter.UserID)
	}

	if filter.Status != "" {
		query += " AND status = ?"
		args = append(args, filter.Status)
	}

	if len(filter.Statuses) > 0 {
		placeholders := make([]string, len(filter.Statuses))
		for i, status := range filter.Statuses {
			placeholders[i] = "?"
			args = append(args, status)
		}
		query += fmt.Sprintf(" AND status IN (%s)", strings.Join(placeholders, ","))
	}

	query += " ORDER BY created_at DESC"

	if filter.PageSize > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.PageSize)
		if filter.Page > 1 {
			query += fmt.Sprintf(" OFFSET %d", (filter.Page-1)*filter.PageSize)
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*models.Session
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		sessions = append(sessions, session)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sessions: %w", err)
	}

	return sessions, nil
}

// GetStaleSessions returns non-terminal billable sessions whose updated_at
// is older than the cutoff. These are reaper candidates.
func (s *SessionStore) GetStaleSessions(ctx context.Context, cutoff time.Time) ([]*models.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions
		WHERE status IN (?, ?, ?) AND updated_at < ?
		ORDER BY updated_at ASC`

	rows, err := s.db.QueryContext(ctx, query,
		models.StatusProvisioning, models.StatusReady, models.StatusActive, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to list stale sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*models.Session
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		sessions = append(sessions, session)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sessions: %w", err)
	}

	return sessions, nil
}

// CountActive returns the number of sessions currently in the active status
// for a user. Pass an empty user ID to count across all users.
func (s *SessionStore) CountActive(ctx context.Context, userID string) (int, error) {
	query := `SELECT COUNT(*) FROM sessions WHERE status = ?`
	args := []interface{}{models.StatusActive}

	if userID != "" {
		query += " AND user_id = ?"
		args = append(args, userID)
	}

	var count int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count active sessions: %w", err)
	}

	return count, nil
}

// StatusCount holds the number of sessions in one status
type StatusCount struct {
	Status string
	Count  int
}

// CountByStatus returns session counts grouped by status
func (s *SessionStore) CountByStatus(ctx context.Context) ([]StatusCount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT status, COUNT(*) as count
		FROM sessions
		GROUP BY status
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to count sessions: %w", err)
	}
	defer rows.Close()

	var counts []StatusCount
	for rows.Next() {
		var c StatusCount
		if err := rows.Scan(&c.Status, &c.Count); err != nil {
			return nil, fmt.Errorf("failed to scan count: %w", err)
		}
		counts = append(counts, c)
	}
	return counts, rows.Err()
}

// scanner abstracts sql.Row and sql.Rows for scanSession
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanSession(row scanner) (*models.Session, error) {
	session := &models.Session{}
	var modelID, errorStr, provider, providerID, accessURL sql.NullString
	var startedAt, endedAt, nextBillAt sql.NullTime

	err := row.Scan(
		&session.ID, &session.UserID, &session.Tier, &session.Type,
		&session.GPUType, &session.GPUCount, &modelID,
		&session.Status, &errorStr, &provider, &providerID, &accessURL,
		&session.PricePerMinute, &session.EstimatedMinutes, &session.TotalMinutes, &session.TotalCost,
		&session.CreatedAt, &session.UpdatedAt, &startedAt, &endedAt, &nextBillAt,
	)
	if err != nil {
		return nil, err
	}

	// Handle nullable fields
	session.ModelID = modelID.String
	session.Error = errorStr.String
	session.Provider = provider.String
	session.ProviderID = providerID.String
	session.AccessURL = accessURL.String
	if startedAt.Valid {
		session.StartedAt = startedAt.Time
	}
	if endedAt.Valid {
		session.EndedAt = endedAt.Time
	}
	if nextBillAt.Valid {
		session.NextBillAt = nextBillAt.Time
	}

	return session, nil
}

// nullTime converts a time to sql.NullTime
func nullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t, Valid: true}
}
