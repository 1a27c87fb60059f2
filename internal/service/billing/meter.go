// Package billing implements the per-minute billing meter. It periodically
// scans for active sessions whose next bill time has passed and charges one
// minute at the session's tier rate. Ticks are advisory: the authoritative
// charge is always recomputed from wall-clock duration when the session
// stops, so a missed or failed tick never loses revenue.
package billing

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gpuburst/gpuburst/internal/logging"
	"github.com/gpuburst/gpuburst/internal/metrics"
	"github.com/gpuburst/gpuburst/internal/storage"
	"github.com/gpuburst/gpuburst/pkg/models"
)

const (
	// DefaultScanInterval is how often to scan for due sessions
	DefaultScanInterval = 15 * time.Second

	// DefaultBillInterval is the spacing between ticks for a session
	DefaultBillInterval = 1 * time.Minute

	// DefaultMaxTickFailures caps consecutive failed tick writes per
	// session. A session that keeps failing stops being charged by the
	// meter; settlement still recovers the full amount from wall clock.
	DefaultMaxTickFailures = 5
)

// SessionStore defines the session queries the meter needs
type SessionStore interface {
	GetDueBillingSessions(ctx context.Context, now time.Time) ([]*models.Session, error)
	ApplyBillingTick(ctx context.Context, id string, minutes, costCents int64, nextBillAt, now time.Time) error
}

// Ledger records billing events
type Ledger interface {
	Record(ctx context.Context, event *models.BillingEvent) error
}

// Meter drives periodic billing ticks for active sessions
type Meter struct {
	store  SessionStore
	ledger Ledger
	logger *slog.Logger

	scanInterval    time.Duration
	billInterval    time.Duration
	maxTickFailures int

	// Consecutive failed tick writes per session
	failMu       sync.Mutex
	tickFailures map[string]int

	// For time mocking in tests
	now func() time.Time

	// Shutdown coordination
	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// Option configures the billing meter
type Option func(*Meter)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(m *Meter) {
		m.logger = logger
	}
}

// WithScanInterval sets how often to scan for due sessions
func WithScanInterval(d time.Duration) Option {
	return func(m *Meter) {
		m.scanInterval = d
	}
}

// WithBillInterval sets the spacing between ticks for a session
func WithBillInterval(d time.Duration) Option {
	return func(m *Meter) {
		m.billInterval = d
	}
}

// WithTimeFunc sets a custom time function (for testing)
func WithTimeFunc(fn func() time.Time) Option {
	return func(m *Meter) {
		m.now = fn
	}
}

// WithMaxTickFailures sets the consecutive failure cap per session
func WithMaxTickFailures(n int) Option {
	return func(m *Meter) {
		m.maxTickFailures = n
	}
}

// New creates a new billing meter
func New(store SessionStore, ledger Ledger, opts ...Option) *Meter {
	m := &Meter{
		store:           store,
		ledger:          ledger,
		logger:          slog.Default(),
		scanInterval:    DefaultScanInterval,
		billInterval:    DefaultBillInterval,
		maxTickFailures: DefaultMaxTickFailures,
		tickFailures:    make(map[string]int),
		now:             time.Now,
		stopCh:          make(chan struct{}),
		doneCh:          make(chan struct{}),
	}

	for _, opt := range opts {
		opt(m)
	}

	return m
}

// Start begins the billing scan loop
func (m *Meter) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return nil
	}
	m.running = true
	m.stopCh = make(chan struct{})
	m.doneCh = make(chan struct{})
	m.mu.Unlock()

	m.logger.Info("billing meter starting",
		slog.Duration("scan_interval", m.scanInterval),
		slog.Duration("bill_interval", m.billInterval))

	go m.run(ctx)
	return nil
}

// Stop gracefully stops the billing meter
func (m *Meter) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	stopCh := m.stopCh
	doneCh := m.doneCh
	m.mu.Unlock()

	m.logger.Info("billing meter stopping")
	close(stopCh)
	<-doneCh

	m.mu.Lock()
	m.running = false
	m.mu.Unlock()

	m.logger.Info("billing meter stopped")
}

// IsRunning returns whether the meter loop is active
func (m *Meter) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

func (m *Meter) run(ctx context.Context) {
	defer close(m.doneCh)

	ticker := time.NewTicker(m.scanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.RunScan(ctx)
		case <-m.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// RunScan charges one minute to every session whose next bill time has
// passed. Exported so a scan can be triggered directly without the loop.
func (m *Meter) RunScan(ctx context.Context) {
	now := m.now()

	sessions, err := m.store.GetDueBillingSessions(ctx, now)
	if err != nil {
		m.logger.Error("billing scan failed", slog.String("error", err.Error()))
		return
	}

	for _, session := range sessions {
		m.tick(ctx, session, now)
	}
}

// tick charges a single minute to one session. A status conflict means the
// session stopped or paused between the scan and the charge; that is not an
// error, final settlement owns the authoritative total.
func (m *Meter) tick(ctx context.Context, session *models.Session, now time.Time) {
	if m.failureCount(session.ID) >= m.maxTickFailures {
		m.logger.Debug("billing tick suppressed after repeated failures",
			slog.String("session_id", session.ID))
		return
	}

	next := session.NextBillAt.Add(m.billInterval)
	if !next.After(now) {
		// The session fell behind schedule (process restart, long GC
		// pause). Realign to the clock instead of firing a burst of
		// catch-up ticks; the wall-clock settlement covers the gap.
		next = now.Add(m.billInterval)
	}

	err := m.store.ApplyBillingTick(ctx, session.ID, 1, session.PricePerMinute, next, now)
	if err != nil {
		if errors.Is(err, storage.ErrStatusConflict) {
			m.clearFailures(session.ID)
			m.logger.Debug("billing tick skipped, session no longer active",
				slog.String("session_id", session.ID))
			return
		}
		metrics.RecordBillingTickFailure()
		count := m.recordFailure(session.ID)
		m.logger.Error("billing tick failed",
			slog.String("session_id", session.ID),
			slog.Int("consecutive_failures", count),
			slog.String("error", err.Error()))
		if count >= m.maxTickFailures {
			m.logger.Error("billing suspended for session, settlement will recover the total",
				slog.String("session_id", session.ID))
		}
		return
	}

	m.clearFailures(session.ID)
	metrics.RecordBillingTick()

	event := &models.BillingEvent{
		SessionID:   session.ID,
		UserID:      session.UserID,
		Type:        models.BillingEventTick,
		AmountCents: session.PricePerMinute,
		Minutes:     1,
		CreatedAt:   now,
	}
	if err := m.ledger.Record(ctx, event); err != nil {
		// The tick already persisted on the session; a missing ledger
		// row only degrades the audit trail.
		m.logger.Warn("billing event not recorded",
			slog.String("session_id", session.ID),
			slog.String("error", err.Error()))
	}

	logging.AuditBilling(ctx, "billing_tick", session.ID, session.UserID,
		session.PricePerMinute, 1)
}

func (m *Meter) failureCount(sessionID string) int {
	m.failMu.Lock()
	defer m.failMu.Unlock()
	return m.tickFailures[sessionID]
}

func (m *Meter) recordFailure(sessionID string) int {
	m.failMu.Lock()
	defer m.failMu.Unlock()
	m.tickFailures[sessionID]++
	return m.tickFailures[sessionID]
}

func (m *Meter) clearFailures(sessionID string) {
	m.failMu.Lock()
	defer m.failMu.Unlock()
	delete(m.tickFailures, sessionID)
}
