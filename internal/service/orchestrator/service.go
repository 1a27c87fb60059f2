package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gpuburst/gpuburst/internal/logging"
	"github.com/gpuburst/gpuburst/internal/metrics"
	"github.com/gpuburst/gpuburst/internal/pricing"
	"github.com/gpuburst/gpuburst/internal/provider"
	"github.com/gpuburst/gpuburst/internal/storage"
	"github.com/gpuburst/gpuburst/pkg/models"
)

const (
	// DefaultBillInterval is the billing meter cadence
	DefaultBillInterval = time.Minute

	// DefaultGraceFloorCents is how far a balance may go negative before
	// new sessions are refused. Running sessions are never cut off by the
	// floor; it is checked at admission only.
	DefaultGraceFloorCents = -500

	// DefaultPageSize bounds session list pages
	DefaultPageSize = 20
	MaxPageSize     = 100
)

// SessionStore defines the interface for session persistence
type SessionStore interface {
	Create(ctx context.Context, session *models.Session) error
	Get(ctx context.Context, id string) (*models.Session, error)
	Update(ctx context.Context, session *models.Session) error
	UpdateStatus(ctx context.Context, id string, from, to models.SessionStatus, now time.Time) error
	List(ctx context.Context, filter models.SessionListFilter) ([]*models.Session, error)
	CountActive(ctx context.Context, userID string) (int, error)
}

// CreditStore defines the interface for user balances
type CreditStore interface {
	Balance(ctx context.Context, userID string) (int64, error)
	Debit(ctx context.Context, userID string, amountCents int64, now time.Time) error
}

// BillingLedger records billing events
type BillingLedger interface {
	Record(ctx context.Context, event *models.BillingEvent) error
	HasFinalEvent(ctx context.Context, sessionID string) (bool, error)
}

// ProviderRegistry provides access to provider clients
type ProviderRegistry interface {
	Get(name string) (provider.Provider, error)
	All() []provider.Provider
}

// TierCatalog resolves tier configuration
type TierCatalog interface {
	Resolve(tier models.Tier) (models.TierConfig, error)
}

// Service is the session orchestration core. Every session status mutation
// in the system funnels through this service; the billing meter and the
// reaper call back into the same StopSession primitive clients use.
type Service struct {
	store     SessionStore
	credits   CreditStore
	ledger    BillingLedger
	providers ProviderRegistry
	catalog   TierCatalog
	strategy  Strategy
	logger    *slog.Logger

	billInterval    time.Duration
	graceFloorCents int64

	// Per-session mutexes serialize concurrent lifecycle calls on the same
	// session so two stops cannot double-debit
	locksMu sync.Mutex
	locks   map[string]*sync.Mutex

	now func() time.Time
}

// Option configures the orchestrator service
type Option func(*Service)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

// WithStrategy sets the provider selection strategy
func WithStrategy(strategy Strategy) Option {
	return func(s *Service) {
		s.strategy = strategy
	}
}

// WithBillInterval sets the billing meter cadence
func WithBillInterval(d time.Duration) Option {
	return func(s *Service) {
		s.billInterval = d
	}
}

// WithGraceFloor sets the admission floor in cents (a negative number)
func WithGraceFloor(cents int64) Option {
	return func(s *Service) {
		s.graceFloorCents = cents
	}
}

// WithClock sets a custom time source (useful for testing)
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

// New creates a new orchestrator service
func New(store SessionStore, credits CreditStore, ledger BillingLedger, providers ProviderRegistry, catalog TierCatalog, opts ...Option) *Service {
	s := &Service{
		store:           store,
		credits:         credits,
		ledger:          ledger,
		providers:       providers,
		catalog:         catalog,
		logger:          slog.Default(),
		billInterval:    DefaultBillInterval,
		graceFloorCents: DefaultGraceFloorCents,
		locks:           make(map[string]*sync.Mutex),
		now:             time.Now,
	}

	for _, opt := range opts {
		opt(s)
	}

	if s.strategy == nil {
		s.strategy = NewCheapestHealthy(WithStrategyLogger(s.logger))
	}

	return s
}

// CreateSession resolves the tier, persists a pending session, then makes
// exactly one provisioning attempt on the best-ranked healthy provider. A
// failed attempt terminates the session rather than falling through to the
// next provider; retrying means creating a new session. The session record
// is created before any provider call so a crash mid-flight leaves a
// visible record for the reaper instead of an orphaned instance.
func (s *Service) CreateSession(ctx context.Context, req models.CreateSessionRequest) (*models.Session, error) {
	if req.Type != models.TypeBurst && req.Type != models.TypeVPN {
		return nil, &ValidationError{Field: "type", Message: fmt.Sprintf("unknown session type %q", req.Type)}
	}

	cfg, err := s.catalog.Resolve(req.Tier)
	if err != nil {
		var unknownErr *pricing.UnknownTierError
		if errors.As(err, &unknownErr) {
			return nil, &ValidationError{Field: "tier", Message: err.Error()}
		}
		return nil, fmt.Errorf("failed to resolve tier: %w", err)
	}

	gpuType := req.GPUType
	if gpuType == "" {
		gpuType = cfg.DefaultGPU()
	} else if !cfg.Supports(gpuType) {
		return nil, &ValidationError{
			Field:   "gpu_type",
			Message: fmt.Sprintf("tier %s does not offer %s", req.Tier, gpuType),
		}
	}

	balance, err := s.credits.Balance(ctx, req.UserID)
	if err != nil {
		return nil, fmt.Errorf("failed to check balance: %w", err)
	}
	if balance < s.graceFloorCents {
		return nil, &InsufficientCreditsError{
			UserID:       req.UserID,
			BalanceCents: balance,
			FloorCents:   s.graceFloorCents,
		}
	}

	now := s.now()
	session := &models.Session{
		ID:               uuid.New().String(),
		UserID:           req.UserID,
		Tier:             req.Tier,
		Type:             req.Type,
		GPUType:          gpuType,
		GPUCount:         cfg.GPUCount,
		ModelID:          req.ModelID,
		Status:           models.StatusPending,
		PricePerMinute:   cfg.PricePerMinute,
		EstimatedMinutes: req.EstimatedMinutes,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	if err := s.store.Create(ctx, session); err != nil {
		return nil, fmt.Errorf("failed to create session record: %w", err)
	}

	s.logger.Info("session created",
		slog.String("session_id", session.ID),
		slog.String("user_id", session.UserID),
		slog.String("tier", string(session.Tier)),
		slog.String("gpu_type", gpuType))

	if err := s.transitionTo(ctx, session, models.StatusProvisioning); err != nil {
		return nil, err
	}

	candidates := s.candidateProviders(gpuType, req.Type)
	if len(candidates) == 0 {
		s.failProvisioning(ctx, session, fmt.Sprintf("no provider supports %s", gpuType))
		return nil, &ProviderError{GPUType: gpuType}
	}

	ranked := s.strategy.Rank(ctx, candidates, gpuType)
	if len(ranked) == 0 {
		s.failProvisioning(ctx, session, "all providers unhealthy")
		return nil, &ProviderError{GPUType: gpuType, Reasons: []string{"all providers unhealthy"}}
	}

	// One provisioning attempt per session, on the best-ranked provider.
	// A failed attempt terminates the session; the client recreates to retry.
	prov := ranked[0]
	provisionStart := time.Now()
	result := prov.Provision(ctx, provider.ProvisionRequest{
		SessionID: session.ID,
		UserID:    session.UserID,
		Tier:      session.Tier,
		ModelID:   session.ModelID,
		GPUType:   gpuType,
		GPUCount:  session.GPUCount,
	})

	if !result.Success {
		s.logger.Warn("provision attempt failed",
			slog.String("session_id", session.ID),
			slog.String("provider", prov.Name()),
			slog.String("error", result.Error))
		metrics.RecordProvisionFailure(prov.Name())
		s.failProvisioning(ctx, session, result.Error)
		return nil, &ProviderError{GPUType: gpuType, Reasons: []string{result.Error}}
	}

	session.Provider = result.Instance.Provider
	session.ProviderID = result.Instance.ProviderID
	session.AccessURL = result.Instance.AccessURL
	session.Status = models.StatusReady
	session.UpdatedAt = s.now()
	if err := s.store.Update(ctx, session); err != nil {
		// Instance exists but we failed to record it; the reaper will
		// eventually stop the stale provisioning record, and a terminate
		// attempt now limits the orphan window
		s.logger.Error("failed to persist provisioned session, releasing instance",
			slog.String("session_id", session.ID),
			slog.String("provider_id", session.ProviderID),
			slog.String("error", err.Error()))
		prov.TerminateInstance(ctx, session.ProviderID)
		return nil, fmt.Errorf("failed to update session: %w", err)
	}

	logging.AuditSession(ctx, "session_provisioned", session.ID, session.UserID,
		"provider", session.Provider,
		"provider_id", session.ProviderID,
		"gpu_type", session.GPUType,
		"price_per_minute", session.PricePerMinute)

	metrics.RecordSessionCreated(session.Provider)
	metrics.RecordProvisioningDuration(session.Provider, time.Since(provisionStart))
	metrics.UpdateSessionStatus(string(models.StatusProvisioning), string(models.StatusReady))

	return session, nil
}

// StartSession activates a ready or paused session and arms its billing
// schedule. startedAt is set once, on first activation.
func (s *Service) StartSession(ctx context.Context, id string) (*models.Session, error) {
	unlock := s.lockSession(id)
	defer unlock()

	session, err := s.getSession(ctx, id)
	if err != nil {
		return nil, err
	}

	if session.Status != models.StatusReady && session.Status != models.StatusPaused {
		return nil, &StateError{
			Code:      CodeInvalidState,
			SessionID: id,
			Status:    session.Status,
			Message:   "start requires ready or paused",
		}
	}

	// Resuming a paused session restarts the remote instance first
	if session.Status == models.StatusPaused && session.ProviderID != "" {
		if prov, err := s.providers.Get(session.Provider); err == nil {
			if !prov.StartInstance(ctx, session.ProviderID) {
				s.logger.Warn("provider start failed, activating session anyway",
					slog.String("session_id", id),
					slog.String("provider", session.Provider))
			}
		}
	}

	now := s.now()
	oldStatus := session.Status
	if session.StartedAt.IsZero() {
		session.StartedAt = now
	}
	session.Status = models.StatusActive
	session.NextBillAt = now.Add(s.billInterval)
	session.UpdatedAt = now

	if err := s.store.Update(ctx, session); err != nil {
		return nil, fmt.Errorf("failed to update session: %w", err)
	}

	logging.AuditSession(ctx, "session_started", session.ID, session.UserID,
		"from_status", string(oldStatus))

	metrics.UpdateSessionStatus(string(oldStatus), string(models.StatusActive))

	return session, nil
}

// PauseSession suspends an active vpn session. Billing stops; the remote
// instance is stopped but kept so the session can resume.
func (s *Service) PauseSession(ctx context.Context, id string) (*models.Session, error) {
	unlock := s.lockSession(id)
	defer unlock()

	session, err := s.getSession(ctx, id)
	if err != nil {
		return nil, err
	}

	if !session.Pausable() {
		return nil, &StateError{
			Code:      CodePauseNotAllowed,
			SessionID: id,
			Status:    session.Status,
			Message:   fmt.Sprintf("%s sessions cannot pause", session.Type),
		}
	}

	if !models.CanTransition(session.Status, models.StatusPaused) {
		return nil, &StateError{
			Code:      CodeInvalidTransition,
			SessionID: id,
			Status:    session.Status,
			Message:   "pause requires active",
		}
	}

	if session.ProviderID != "" {
		if prov, err := s.providers.Get(session.Provider); err == nil {
			if !prov.StopInstance(ctx, session.ProviderID) {
				s.logger.Warn("provider stop failed, pausing session anyway",
					slog.String("session_id", id),
					slog.String("provider", session.Provider))
			}
		}
	}

	now := s.now()
	session.Status = models.StatusPaused
	session.NextBillAt = time.Time{}
	session.UpdatedAt = now

	if err := s.store.Update(ctx, session); err != nil {
		return nil, fmt.Errorf("failed to update session: %w", err)
	}

	logging.AuditSession(ctx, "session_paused", session.ID, session.UserID)

	metrics.UpdateSessionStatus(string(models.StatusActive), string(models.StatusPaused))

	return session, nil
}

// StopSession terminates a session from any state and settles billing.
// It is idempotent: stopping an already terminated session is a no-op, so
// a client stop racing the reaper cannot double-debit. The provider
// terminate call is best-effort; the session terminates locally even when
// the remote release fails.
func (s *Service) StopSession(ctx context.Context, id string) (*models.Session, error) {
	return s.stopSession(ctx, id, "user_requested")
}

// StopZombieSession terminates a stale session on behalf of the reaper
func (s *Service) StopZombieSession(ctx context.Context, id string) (*models.Session, error) {
	return s.stopSession(ctx, id, "zombie_reaped")
}

func (s *Service) stopSession(ctx context.Context, id, reason string) (*models.Session, error) {
	unlock := s.lockSession(id)
	defer unlock()

	session, err := s.getSession(ctx, id)
	if err != nil {
		return nil, err
	}

	if session.IsTerminal() {
		return session, nil
	}

	if session.ProviderID != "" {
		if prov, err := s.providers.Get(session.Provider); err == nil {
			if !prov.TerminateInstance(ctx, session.ProviderID) {
				s.logger.Error("provider terminate failed, session terminates locally",
					slog.String("session_id", id),
					slog.String("provider", session.Provider),
					slog.String("provider_id", session.ProviderID))
			}
		}
	}

	now := s.now()
	oldStatus := session.Status

	// Wall-clock elapsed time is authoritative; it overrides whatever the
	// incremental ticks accumulated
	totalMinutes := session.BillableMinutes(now)
	totalCost := totalMinutes * session.PricePerMinute

	session.Status = models.StatusTerminated
	session.EndedAt = now
	session.TotalMinutes = totalMinutes
	session.TotalCost = totalCost
	session.NextBillAt = time.Time{}
	session.UpdatedAt = now

	if err := s.store.Update(ctx, session); err != nil {
		return nil, fmt.Errorf("failed to update session: %w", err)
	}

	s.settleBilling(ctx, session, now)

	logging.AuditSession(ctx, "session_stopped", session.ID, session.UserID,
		"reason", reason,
		"total_minutes", totalMinutes,
		"total_cost_cents", totalCost)

	metrics.RecordSessionTerminated(session.Provider, reason)
	metrics.UpdateSessionStatus(string(oldStatus), string(models.StatusTerminated))

	return session, nil
}

// settleBilling writes the final ledger event and debits the user.
// Settlement is guarded by the ledger so a crash between the status write
// and the debit cannot charge twice on retry.
func (s *Service) settleBilling(ctx context.Context, session *models.Session, now time.Time) {
	settled, err := s.ledger.HasFinalEvent(ctx, session.ID)
	if err != nil {
		s.logger.Error("failed to check billing settlement",
			slog.String("session_id", session.ID),
			slog.String("error", err.Error()))
		return
	}
	if settled {
		return
	}

	if err := s.ledger.Record(ctx, &models.BillingEvent{
		SessionID:   session.ID,
		UserID:      session.UserID,
		Type:        models.BillingEventFinal,
		AmountCents: session.TotalCost,
		Minutes:     session.TotalMinutes,
		CreatedAt:   now,
	}); err != nil {
		s.logger.Error("failed to record final billing event",
			slog.String("session_id", session.ID),
			slog.String("error", err.Error()))
		return
	}

	if session.TotalCost > 0 {
		if err := s.credits.Debit(ctx, session.UserID, session.TotalCost, now); err != nil {
			s.logger.Error("failed to debit user",
				slog.String("session_id", session.ID),
				slog.String("user_id", session.UserID),
				slog.Int64("amount_cents", session.TotalCost),
				slog.String("error", err.Error()))
			return
		}
	}

	logging.AuditBilling(ctx, "billing_settled", session.ID, session.UserID,
		session.TotalCost, session.TotalMinutes)
	metrics.RecordRevenue(session.TotalCost)
}

// GetSession retrieves a session, refreshing a missing access URL from the
// provider when the instance has one by now
func (s *Service) GetSession(ctx context.Context, id string) (*models.Session, error) {
	session, err := s.getSession(ctx, id)
	if err != nil {
		return nil, err
	}

	if !session.IsTerminal() && session.AccessURL == "" && session.ProviderID != "" {
		if prov, err := s.providers.Get(session.Provider); err == nil {
			if instance := prov.GetStatus(ctx, session.ProviderID); instance != nil && instance.AccessURL != "" {
				session.AccessURL = instance.AccessURL
				session.UpdatedAt = s.now()
				if err := s.store.Update(ctx, session); err != nil {
					s.logger.Warn("failed to persist refreshed access url",
						slog.String("session_id", id),
						slog.String("error", err.Error()))
				}
			}
		}
	}

	return session, nil
}

// GetUserSessions returns a user's sessions, newest first
func (s *Service) GetUserSessions(ctx context.Context, userID string, page, pageSize int) ([]*models.Session, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = DefaultPageSize
	}
	if pageSize > MaxPageSize {
		pageSize = MaxPageSize
	}

	return s.store.List(ctx, models.SessionListFilter{
		UserID:   userID,
		Page:     page,
		PageSize: pageSize,
	})
}

// GetActiveSessionCount returns the number of active sessions across all users
func (s *Service) GetActiveSessionCount(ctx context.Context) (int, error) {
	return s.store.CountActive(ctx, "")
}

// transitionTo performs one guarded status write, re-checking the
// transition table against the stored status
func (s *Service) transitionTo(ctx context.Context, session *models.Session, to models.SessionStatus) error {
	if !models.CanTransition(session.Status, to) {
		return &StateError{
			Code:      CodeInvalidTransition,
			SessionID: session.ID,
			Status:    session.Status,
			Message:   fmt.Sprintf("cannot transition to %s", to),
		}
	}

	now := s.now()
	if err := s.store.UpdateStatus(ctx, session.ID, session.Status, to, now); err != nil {
		if errors.Is(err, storage.ErrStatusConflict) {
			return &StateError{
				Code:      CodeInvalidTransition,
				SessionID: session.ID,
				Status:    session.Status,
				Message:   "session changed concurrently",
			}
		}
		if errors.Is(err, storage.ErrNotFound) {
			return &NotFoundError{SessionID: session.ID}
		}
		return fmt.Errorf("failed to transition session: %w", err)
	}

	metrics.UpdateSessionStatus(string(session.Status), string(to))
	session.Status = to
	session.UpdatedAt = now
	return nil
}

// failProvisioning terminates a session that never got an instance
func (s *Service) failProvisioning(ctx context.Context, session *models.Session, reason string) {
	s.logger.Error("provisioning failed",
		slog.String("session_id", session.ID),
		slog.String("reason", reason))

	now := s.now()
	session.Status = models.StatusTerminated
	session.Error = reason
	session.EndedAt = now
	session.UpdatedAt = now
	if err := s.store.Update(ctx, session); err != nil {
		s.logger.Error("failed to terminate session after provisioning failure",
			slog.String("session_id", session.ID),
			slog.String("error", err.Error()))
	}

	metrics.RecordSessionTerminated("none", "provisioning_failed")
	metrics.UpdateSessionStatus(string(models.StatusProvisioning), string(models.StatusTerminated))
}

// candidateProviders filters registered providers by GPU support and, for
// pausable session types, pause capability
func (s *Service) candidateProviders(gpuType string, sessionType models.SessionType) []provider.Provider {
	var candidates []provider.Provider
	for _, prov := range s.providers.All() {
		caps := prov.Capabilities()
		if !caps.SupportsGPU(gpuType) {
			continue
		}
		if sessionType == models.TypeVPN && !caps.SupportsPause {
			continue
		}
		candidates = append(candidates, prov)
	}
	return candidates
}

func (s *Service) getSession(ctx context.Context, id string) (*models.Session, error) {
	session, err := s.store.Get(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, &NotFoundError{SessionID: id}
		}
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return session, nil
}

// lockSession returns an unlock func for the session's mutex
func (s *Service) lockSession(id string) func() {
	s.locksMu.Lock()
	m, ok := s.locks[id]
	if !ok {
		m = &sync.Mutex{}
		s.locks[id] = m
	}
	s.locksMu.Unlock()

	m.Lock()
	return m.Unlock
}
