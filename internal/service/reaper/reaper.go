// Package reaper terminates zombie sessions. A zombie is a session stuck in
// provisioning, ready, or active with no update for longer than the staleness
// threshold, usually because a client crashed without calling stop or a
// provider instance died silently.
package reaper

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/gpuburst/gpuburst/internal/logging"
	"github.com/gpuburst/gpuburst/internal/metrics"
	"github.com/gpuburst/gpuburst/pkg/models"
)

const (
	// DefaultCheckInterval is how often to scan for zombie sessions
	DefaultCheckInterval = 5 * time.Minute

	// DefaultStaleThreshold is how long a session may go without an
	// update before it is considered a zombie
	DefaultStaleThreshold = 30 * time.Minute
)

// SessionStore defines the session queries the reaper needs
type SessionStore interface {
	GetStaleSessions(ctx context.Context, cutoff time.Time) ([]*models.Session, error)
}

// SessionStopper terminates sessions through the normal stop path so zombies
// get the same settlement and provider cleanup as a user-requested stop
type SessionStopper interface {
	StopZombieSession(ctx context.Context, id string) (*models.Session, error)
}

// Reaper periodically terminates stale sessions
type Reaper struct {
	store   SessionStore
	stopper SessionStopper
	logger  *slog.Logger

	checkInterval  time.Duration
	staleThreshold time.Duration

	// For time mocking in tests
	now func() time.Time

	// Shutdown coordination
	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// Option configures the reaper
type Option func(*Reaper)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(r *Reaper) {
		r.logger = logger
	}
}

// WithCheckInterval sets how often to scan for zombies
func WithCheckInterval(d time.Duration) Option {
	return func(r *Reaper) {
		r.checkInterval = d
	}
}

// WithStaleThreshold sets how long before a session is considered a zombie
func WithStaleThreshold(d time.Duration) Option {
	return func(r *Reaper) {
		r.staleThreshold = d
	}
}

// WithTimeFunc sets a custom time function (for testing)
func WithTimeFunc(fn func() time.Time) Option {
	return func(r *Reaper) {
		r.now = fn
	}
}

// New creates a new zombie reaper
func New(store SessionStore, stopper SessionStopper, opts ...Option) *Reaper {
	r := &Reaper{
		store:          store,
		stopper:        stopper,
		logger:         slog.Default(),
		checkInterval:  DefaultCheckInterval,
		staleThreshold: DefaultStaleThreshold,
		now:            time.Now,
		stopCh:         make(chan struct{}),
		doneCh:         make(chan struct{}),
	}

	for _, opt := range opts {
		opt(r)
	}

	return r
}

// Start begins the reaper loop
func (r *Reaper) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return nil
	}
	r.running = true
	r.stopCh = make(chan struct{})
	r.doneCh = make(chan struct{})
	r.mu.Unlock()

	r.logger.Info("zombie reaper starting",
		slog.Duration("check_interval", r.checkInterval),
		slog.Duration("stale_threshold", r.staleThreshold))

	go r.run(ctx)
	return nil
}

// Stop gracefully stops the reaper
func (r *Reaper) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	stopCh := r.stopCh
	doneCh := r.doneCh
	r.mu.Unlock()

	r.logger.Info("zombie reaper stopping")
	close(stopCh)
	<-doneCh

	r.mu.Lock()
	r.running = false
	r.mu.Unlock()

	r.logger.Info("zombie reaper stopped")
}

// IsRunning returns whether the reaper loop is active
func (r *Reaper) IsRunning() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

func (r *Reaper) run(ctx context.Context) {
	defer close(r.doneCh)

	ticker := time.NewTicker(r.checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.CleanupZombieSessions(ctx)
		case <-r.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// CleanupZombieSessions terminates every stale session and returns the
// number reaped. Each zombie is handled independently: a failure on one
// never blocks the rest.
func (r *Reaper) CleanupZombieSessions(ctx context.Context) int {
	cutoff := r.now().Add(-r.staleThreshold)

	sessions, err := r.store.GetStaleSessions(ctx, cutoff)
	if err != nil {
		r.logger.Error("zombie scan failed", slog.String("error", err.Error()))
		return 0
	}

	reaped := 0
	for _, session := range sessions {
		r.logger.Warn("reaping zombie session",
			slog.String("session_id", session.ID),
			slog.String("status", string(session.Status)),
			slog.Time("updated_at", session.UpdatedAt))

		if _, err := r.stopper.StopZombieSession(ctx, session.ID); err != nil {
			r.logger.Error("failed to reap zombie session",
				slog.String("session_id", session.ID),
				slog.String("error", err.Error()))
			continue
		}

		metrics.RecordZombieReaped()
		reaped++
	}

	if reaped > 0 {
		logging.Audit(ctx, "zombie_cleanup", "reaped", reaped)
	}

	return reaped
}
