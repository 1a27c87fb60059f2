package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gpuburst/gpuburst/internal/pricing"
	"github.com/gpuburst/gpuburst/internal/provider"
	"github.com/gpuburst/gpuburst/internal/storage"
	"github.com/gpuburst/gpuburst/pkg/models"
)

// mockSessionStore implements SessionStore for testing
type mockSessionStore struct {
	mu         sync.RWMutex
	sessions   map[string]*models.Session
	updateErr  error
	lastFilter models.SessionListFilter
}

func newMockSessionStore() *mockSessionStore {
	return &mockSessionStore{sessions: make(map[string]*models.Session)}
}

func (m *mockSessionStore) Create(ctx context.Context, session *models.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[session.ID]; ok {
		return storage.ErrAlreadyExists
	}
	copy := *session
	m.sessions[session.ID] = &copy
	return nil
}

func (m *mockSessionStore) Get(ctx context.Context, id string) (*models.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	session, ok := m.sessions[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	copy := *session
	return &copy, nil
}

func (m *mockSessionStore) Update(ctx context.Context, session *models.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.updateErr != nil {
		return m.updateErr
	}
	if _, ok := m.sessions[session.ID]; !ok {
		return storage.ErrNotFound
	}
	copy := *session
	m.sessions[session.ID] = &copy
	return nil
}

func (m *mockSessionStore) UpdateStatus(ctx context.Context, id string, from, to models.SessionStatus, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	session, ok := m.sessions[id]
	if !ok {
		return storage.ErrNotFound
	}
	if session.Status != from {
		return storage.ErrStatusConflict
	}
	session.Status = to
	session.UpdatedAt = now
	return nil
}

func (m *mockSessionStore) List(ctx context.Context, filter models.SessionListFilter) ([]*models.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastFilter = filter
	var out []*models.Session
	for _, session := range m.sessions {
		if filter.UserID != "" && session.UserID != filter.UserID {
			continue
		}
		copy := *session
		out = append(out, &copy)
	}
	return out, nil
}

func (m *mockSessionStore) CountActive(ctx context.Context, userID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	count := 0
	for _, session := range m.sessions {
		if session.Status != models.StatusActive {
			continue
		}
		if userID != "" && session.UserID != userID {
			continue
		}
		count++
	}
	return count, nil
}

func (m *mockSessionStore) stored(id string) *models.Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	session, ok := m.sessions[id]
	if !ok {
		return nil
	}
	copy := *session
	return &copy
}

// mockCreditStore implements CreditStore for testing
type mockCreditStore struct {
	mu       sync.Mutex
	balances map[string]int64
	debits   []int64
}

func newMockCreditStore() *mockCreditStore {
	return &mockCreditStore{balances: make(map[string]int64)}
}

func (m *mockCreditStore) Balance(ctx context.Context, userID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.balances[userID], nil
}

func (m *mockCreditStore) Debit(ctx context.Context, userID string, amountCents int64, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balances[userID] -= amountCents
	m.debits = append(m.debits, amountCents)
	return nil
}

func (m *mockCreditStore) debitCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.debits)
}

// mockLedger implements BillingLedger for testing
type mockLedger struct {
	mu     sync.Mutex
	events []*models.BillingEvent
}

func (m *mockLedger) Record(ctx context.Context, event *models.BillingEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
	return nil
}

func (m *mockLedger) HasFinalEvent(ctx context.Context, sessionID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.events {
		if e.SessionID == sessionID && e.Type == models.BillingEventFinal {
			return true, nil
		}
	}
	return false, nil
}

func (m *mockLedger) finalEvents() []*models.BillingEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.BillingEvent
	for _, e := range m.events {
		if e.Type == models.BillingEventFinal {
			out = append(out, e)
		}
	}
	return out
}

// fakeProvider implements provider.Provider for testing
type fakeProvider struct {
	name        string
	caps        provider.Capabilities
	healthy     bool
	flakyProbes int // first N health checks report unhealthy
	pricePerHr  float64
	provisionFn func(req provider.ProvisionRequest) provider.ProvisionResult

	mu             sync.Mutex
	healthCalls    int
	provisionCalls int
	startCalls     int
	stopCalls      int
	terminateCalls int
}

func newFakeProvider(name string, gpuTypes ...string) *fakeProvider {
	p := &fakeProvider{
		name:       name,
		healthy:    true,
		pricePerHr: 1.0,
		caps: provider.Capabilities{
			Provider:      name,
			GPUTypes:      gpuTypes,
			SupportsPause: true,
		},
	}
	p.provisionFn = func(req provider.ProvisionRequest) provider.ProvisionResult {
		return provider.Success(&models.GpuInstance{
			ID:         req.SessionID,
			Provider:   name,
			ProviderID: name + "-instance-1",
			GPUType:    req.GPUType,
			Status:     models.InstanceProvisioning,
			AccessURL:  "https://" + name + ".example.com",
		})
	}
	return p
}

func (p *fakeProvider) Name() string { return p.name }

func (p *fakeProvider) HealthCheck(ctx context.Context) provider.HealthStatus {
	p.mu.Lock()
	p.healthCalls++
	calls := p.healthCalls
	p.mu.Unlock()
	if !p.healthy || calls <= p.flakyProbes {
		return provider.HealthStatus{Healthy: false, Error: "unhealthy"}
	}
	return provider.HealthStatus{Healthy: true, AvailableGPUs: p.GetAvailability(ctx)}
}

func (p *fakeProvider) healthCallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.healthCalls
}

func (p *fakeProvider) Capabilities() provider.Capabilities { return p.caps }

func (p *fakeProvider) GetAvailability(ctx context.Context) []models.GpuAvailability {
	var out []models.GpuAvailability
	for _, g := range p.caps.GPUTypes {
		out = append(out, models.GpuAvailability{Type: g, Available: 4, PricePerHour: p.pricePerHr})
	}
	return out
}

func (p *fakeProvider) Provision(ctx context.Context, req provider.ProvisionRequest) provider.ProvisionResult {
	p.mu.Lock()
	p.provisionCalls++
	p.mu.Unlock()
	return p.provisionFn(req)
}

func (p *fakeProvider) GetStatus(ctx context.Context, providerInstanceID string) *models.GpuInstance {
	return &models.GpuInstance{
		ProviderID: providerInstanceID,
		Status:     models.InstanceRunning,
		AccessURL:  "https://" + p.name + ".example.com",
	}
}

func (p *fakeProvider) StartInstance(ctx context.Context, providerInstanceID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.startCalls++
	return true
}

func (p *fakeProvider) StopInstance(ctx context.Context, providerInstanceID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopCalls++
	return true
}

func (p *fakeProvider) TerminateInstance(ctx context.Context, providerInstanceID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.terminateCalls++
	return true
}

func (p *fakeProvider) GetMetrics(ctx context.Context, providerInstanceID string) *models.GpuMetrics {
	return nil
}

// passThrough ranks candidates in registration order without health probes
type passThrough struct{}

func (passThrough) Rank(ctx context.Context, candidates []provider.Provider, gpuType string) []provider.Provider {
	return candidates
}

type testEnv struct {
	svc      *Service
	store    *mockSessionStore
	credits  *mockCreditStore
	ledger   *mockLedger
	provider *fakeProvider
	clock    *fakeClock
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newTestEnv(t *testing.T, providers ...provider.Provider) *testEnv {
	t.Helper()

	store := newMockSessionStore()
	credits := newMockCreditStore()
	ledger := &mockLedger{}
	clock := &fakeClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}

	var p *fakeProvider
	if len(providers) == 0 {
		p = newFakeProvider("vastai", "RTX4090", "A100")
		providers = []provider.Provider{p}
	} else if fp, ok := providers[0].(*fakeProvider); ok {
		p = fp
	}

	svc := New(store, credits, ledger, provider.NewRegistry(providers), pricing.NewCatalog(pricing.DefaultTiers()),
		WithStrategy(passThrough{}),
		WithClock(clock.now))

	return &testEnv{
		svc:      svc,
		store:    store,
		credits:  credits,
		ledger:   ledger,
		provider: p,
		clock:    clock,
	}
}

func proRequest() models.CreateSessionRequest {
	return models.CreateSessionRequest{
		UserID:           "user-1",
		Tier:             models.TierPro,
		Type:             models.TypeBurst,
		GPUType:          "RTX4090",
		EstimatedMinutes: 60,
	}
}

func TestCreateSession_Success(t *testing.T) {
	env := newTestEnv(t)

	session, err := env.svc.CreateSession(context.Background(), proRequest())
	require.NoError(t, err)

	assert.Equal(t, models.StatusReady, session.Status)
	assert.Equal(t, "vastai", session.Provider)
	assert.Equal(t, "vastai-instance-1", session.ProviderID)
	assert.Equal(t, "https://vastai.example.com", session.AccessURL)
	assert.Equal(t, int64(5), session.PricePerMinute)
	assert.True(t, session.StartedAt.IsZero())

	stored := env.store.stored(session.ID)
	require.NotNil(t, stored)
	assert.Equal(t, models.StatusReady, stored.Status)
}

func TestCreateSession_InvalidType(t *testing.T) {
	env := newTestEnv(t)

	req := proRequest()
	req.Type = "batch"

	_, err := env.svc.CreateSession(context.Background(), req)
	var valErr *ValidationError
	require.ErrorAs(t, err, &valErr)
	assert.Equal(t, "type", valErr.Field)
}

func TestCreateSession_UnknownTier(t *testing.T) {
	env := newTestEnv(t)

	req := proRequest()
	req.Tier = "mega"
	req.GPUType = ""

	_, err := env.svc.CreateSession(context.Background(), req)
	var valErr *ValidationError
	require.ErrorAs(t, err, &valErr)
	assert.Equal(t, "tier", valErr.Field)
}

func TestCreateSession_GPUNotInTier(t *testing.T) {
	env := newTestEnv(t)

	req := proRequest()
	req.GPUType = "H100" // ultra tier hardware

	_, err := env.svc.CreateSession(context.Background(), req)
	var valErr *ValidationError
	require.ErrorAs(t, err, &valErr)
	assert.Equal(t, "gpu_type", valErr.Field)
}

func TestCreateSession_DefaultGPU(t *testing.T) {
	env := newTestEnv(t)

	req := proRequest()
	req.GPUType = ""

	session, err := env.svc.CreateSession(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "RTX4090", session.GPUType)
}

func TestCreateSession_InsufficientCredits(t *testing.T) {
	env := newTestEnv(t)
	env.credits.balances["user-1"] = -600 // below the -500 floor

	_, err := env.svc.CreateSession(context.Background(), proRequest())
	var credErr *InsufficientCreditsError
	require.ErrorAs(t, err, &credErr)
	assert.Equal(t, int64(-600), credErr.BalanceCents)
}

func TestCreateSession_NegativeBalanceAboveFloorAdmitted(t *testing.T) {
	env := newTestEnv(t)
	env.credits.balances["user-1"] = -400 // within the grace floor

	_, err := env.svc.CreateSession(context.Background(), proRequest())
	require.NoError(t, err)
}

func TestCreateSession_NoProviderForGPU(t *testing.T) {
	env := newTestEnv(t, newFakeProvider("vastai", "A100"))

	_, err := env.svc.CreateSession(context.Background(), proRequest())
	var provErr *ProviderError
	require.ErrorAs(t, err, &provErr)

	// The session record survives as terminated with the failure recorded.
	sessions, listErr := env.store.List(context.Background(), models.SessionListFilter{UserID: "user-1"})
	require.NoError(t, listErr)
	require.Len(t, sessions, 1)
	assert.Equal(t, models.StatusTerminated, sessions[0].Status)
	assert.NotEmpty(t, sessions[0].Error)
}

func TestCreateSession_ProvisionFailure(t *testing.T) {
	p := newFakeProvider("vastai", "RTX4090")
	p.provisionFn = func(req provider.ProvisionRequest) provider.ProvisionResult {
		return provider.Failure("no capacity")
	}
	env := newTestEnv(t, p)

	_, err := env.svc.CreateSession(context.Background(), proRequest())
	var provErr *ProviderError
	require.ErrorAs(t, err, &provErr)
	assert.Contains(t, provErr.Reasons, "no capacity")
}

func TestCreateSession_SingleProvisionAttempt(t *testing.T) {
	cheapest := newFakeProvider("runpod", "RTX4090")
	cheapest.provisionFn = func(req provider.ProvisionRequest) provider.ProvisionResult {
		return provider.Failure("out of stock")
	}
	backup := newFakeProvider("vastai", "RTX4090")

	env := newTestEnv(t, cheapest, backup)

	// The failed attempt terminates the session; no second provider is tried.
	_, err := env.svc.CreateSession(context.Background(), proRequest())
	var provErr *ProviderError
	require.ErrorAs(t, err, &provErr)
	assert.Contains(t, provErr.Reasons, "out of stock")
	assert.Equal(t, 1, cheapest.provisionCalls)
	assert.Equal(t, 0, backup.provisionCalls)

	sessions, listErr := env.store.List(context.Background(), models.SessionListFilter{UserID: "user-1"})
	require.NoError(t, listErr)
	require.Len(t, sessions, 1)
	assert.Equal(t, models.StatusTerminated, sessions[0].Status)
	assert.Equal(t, "out of stock", sessions[0].Error)
}

func TestCreateSession_VPNRequiresPauseCapableProvider(t *testing.T) {
	noPause := newFakeProvider("runpod", "RTX4090")
	noPause.caps.SupportsPause = false
	env := newTestEnv(t, noPause)

	req := proRequest()
	req.Type = models.TypeVPN

	_, err := env.svc.CreateSession(context.Background(), req)
	var provErr *ProviderError
	require.ErrorAs(t, err, &provErr)
	assert.Equal(t, 0, noPause.provisionCalls)
}

func TestStartSession_FromReady(t *testing.T) {
	env := newTestEnv(t)

	session, err := env.svc.CreateSession(context.Background(), proRequest())
	require.NoError(t, err)

	started, err := env.svc.StartSession(context.Background(), session.ID)
	require.NoError(t, err)

	assert.Equal(t, models.StatusActive, started.Status)
	assert.Equal(t, env.clock.now(), started.StartedAt)
	assert.Equal(t, env.clock.now().Add(time.Minute), started.NextBillAt)
}

func TestStartSession_FromTerminated(t *testing.T) {
	env := newTestEnv(t)

	session, err := env.svc.CreateSession(context.Background(), proRequest())
	require.NoError(t, err)
	_, err = env.svc.StopSession(context.Background(), session.ID)
	require.NoError(t, err)

	_, err = env.svc.StartSession(context.Background(), session.ID)
	var stateErr *StateError
	require.ErrorAs(t, err, &stateErr)
	assert.Equal(t, CodeInvalidState, stateErr.Code)
}

func TestStartSession_NotFound(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.svc.StartSession(context.Background(), "nope")
	var nfErr *NotFoundError
	require.ErrorAs(t, err, &nfErr)
}

func TestStartSession_ResumeKeepsStartedAt(t *testing.T) {
	env := newTestEnv(t)

	req := proRequest()
	req.Type = models.TypeVPN

	session, err := env.svc.CreateSession(context.Background(), req)
	require.NoError(t, err)

	_, err = env.svc.StartSession(context.Background(), session.ID)
	require.NoError(t, err)
	firstStart := env.clock.now()

	env.clock.advance(5 * time.Minute)
	_, err = env.svc.PauseSession(context.Background(), session.ID)
	require.NoError(t, err)

	env.clock.advance(10 * time.Minute)
	resumed, err := env.svc.StartSession(context.Background(), session.ID)
	require.NoError(t, err)

	assert.Equal(t, models.StatusActive, resumed.Status)
	assert.Equal(t, firstStart, resumed.StartedAt)
	assert.Equal(t, 1, env.provider.startCalls)
}

func TestPauseSession_BurstNotAllowed(t *testing.T) {
	env := newTestEnv(t)

	session, err := env.svc.CreateSession(context.Background(), proRequest())
	require.NoError(t, err)
	_, err = env.svc.StartSession(context.Background(), session.ID)
	require.NoError(t, err)

	_, err = env.svc.PauseSession(context.Background(), session.ID)
	var stateErr *StateError
	require.ErrorAs(t, err, &stateErr)
	assert.Equal(t, CodePauseNotAllowed, stateErr.Code)
}

func TestPauseSession_VPNActive(t *testing.T) {
	env := newTestEnv(t)

	req := proRequest()
	req.Type = models.TypeVPN

	session, err := env.svc.CreateSession(context.Background(), req)
	require.NoError(t, err)
	_, err = env.svc.StartSession(context.Background(), session.ID)
	require.NoError(t, err)

	paused, err := env.svc.PauseSession(context.Background(), session.ID)
	require.NoError(t, err)

	assert.Equal(t, models.StatusPaused, paused.Status)
	assert.True(t, paused.NextBillAt.IsZero())
	assert.Equal(t, 1, env.provider.stopCalls)
}

func TestPauseSession_RequiresActive(t *testing.T) {
	env := newTestEnv(t)

	req := proRequest()
	req.Type = models.TypeVPN

	session, err := env.svc.CreateSession(context.Background(), req)
	require.NoError(t, err)

	// Still ready, never started.
	_, err = env.svc.PauseSession(context.Background(), session.ID)
	var stateErr *StateError
	require.ErrorAs(t, err, &stateErr)
	assert.Equal(t, CodeInvalidTransition, stateErr.Code)
}

func TestStopSession_BillsByWallClock(t *testing.T) {
	env := newTestEnv(t)
	env.credits.balances["user-1"] = 1000

	session, err := env.svc.CreateSession(context.Background(), proRequest())
	require.NoError(t, err)
	_, err = env.svc.StartSession(context.Background(), session.ID)
	require.NoError(t, err)

	// 3m10s of runtime bills as 4 whole minutes.
	env.clock.advance(3*time.Minute + 10*time.Second)

	stopped, err := env.svc.StopSession(context.Background(), session.ID)
	require.NoError(t, err)

	assert.Equal(t, models.StatusTerminated, stopped.Status)
	assert.Equal(t, int64(4), stopped.TotalMinutes)
	assert.Equal(t, int64(20), stopped.TotalCost)
	assert.Equal(t, int64(1000-20), env.credits.balances["user-1"])
	assert.Equal(t, 1, env.provider.terminateCalls)

	finals := env.ledger.finalEvents()
	require.Len(t, finals, 1)
	assert.Equal(t, int64(20), finals[0].AmountCents)
	assert.Equal(t, int64(4), finals[0].Minutes)
}

func TestStopSession_ExactMinuteBoundary(t *testing.T) {
	env := newTestEnv(t)

	session, err := env.svc.CreateSession(context.Background(), proRequest())
	require.NoError(t, err)
	_, err = env.svc.StartSession(context.Background(), session.ID)
	require.NoError(t, err)

	env.clock.advance(3 * time.Minute)

	stopped, err := env.svc.StopSession(context.Background(), session.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(3), stopped.TotalMinutes)
}

func TestStopSession_NeverStartedCostsNothing(t *testing.T) {
	env := newTestEnv(t)

	session, err := env.svc.CreateSession(context.Background(), proRequest())
	require.NoError(t, err)

	env.clock.advance(10 * time.Minute)

	stopped, err := env.svc.StopSession(context.Background(), session.ID)
	require.NoError(t, err)

	assert.Equal(t, models.StatusTerminated, stopped.Status)
	assert.Equal(t, int64(0), stopped.TotalMinutes)
	assert.Equal(t, int64(0), stopped.TotalCost)
	assert.Equal(t, 0, env.credits.debitCount())
}

func TestStopSession_Idempotent(t *testing.T) {
	env := newTestEnv(t)
	env.credits.balances["user-1"] = 1000

	session, err := env.svc.CreateSession(context.Background(), proRequest())
	require.NoError(t, err)
	_, err = env.svc.StartSession(context.Background(), session.ID)
	require.NoError(t, err)

	env.clock.advance(2 * time.Minute)

	first, err := env.svc.StopSession(context.Background(), session.ID)
	require.NoError(t, err)

	env.clock.advance(time.Hour)

	second, err := env.svc.StopSession(context.Background(), session.ID)
	require.NoError(t, err)

	// The second stop is a no-op: same totals, one debit, one final event.
	assert.Equal(t, first.TotalMinutes, second.TotalMinutes)
	assert.Equal(t, first.TotalCost, second.TotalCost)
	assert.Equal(t, 1, env.credits.debitCount())
	assert.Len(t, env.ledger.finalEvents(), 1)
	assert.Equal(t, 1, env.provider.terminateCalls)
}

func TestStopZombieSession_SettlesLikeUserStop(t *testing.T) {
	env := newTestEnv(t)
	env.credits.balances["user-1"] = 1000

	session, err := env.svc.CreateSession(context.Background(), proRequest())
	require.NoError(t, err)
	_, err = env.svc.StartSession(context.Background(), session.ID)
	require.NoError(t, err)

	env.clock.advance(30 * time.Minute)

	stopped, err := env.svc.StopZombieSession(context.Background(), session.ID)
	require.NoError(t, err)

	assert.Equal(t, models.StatusTerminated, stopped.Status)
	assert.Equal(t, int64(30), stopped.TotalMinutes)
	assert.Equal(t, int64(150), stopped.TotalCost)
	assert.Equal(t, 1, env.credits.debitCount())
}

func TestStopSession_NotFound(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.svc.StopSession(context.Background(), "nope")
	var nfErr *NotFoundError
	require.ErrorAs(t, err, &nfErr)
}

func TestGetSession_NotFound(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.svc.GetSession(context.Background(), "nope")
	var nfErr *NotFoundError
	require.ErrorAs(t, err, &nfErr)
}

func TestGetSession_RefreshesAccessURL(t *testing.T) {
	env := newTestEnv(t)

	session, err := env.svc.CreateSession(context.Background(), proRequest())
	require.NoError(t, err)

	// Simulate a provider that had no address at provision time.
	stored := env.store.stored(session.ID)
	stored.AccessURL = ""
	require.NoError(t, env.store.Update(context.Background(), stored))

	got, err := env.svc.GetSession(context.Background(), session.ID)
	require.NoError(t, err)
	assert.Equal(t, "https://vastai.example.com", got.AccessURL)

	// The refreshed URL is persisted.
	assert.Equal(t, "https://vastai.example.com", env.store.stored(session.ID).AccessURL)
}

func TestGetUserSessions_ClampsPaging(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.svc.GetUserSessions(context.Background(), "user-1", 0, 9999)
	require.NoError(t, err)

	assert.Equal(t, 1, env.store.lastFilter.Page)
	assert.Equal(t, MaxPageSize, env.store.lastFilter.PageSize)

	_, err = env.svc.GetUserSessions(context.Background(), "user-1", 2, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, env.store.lastFilter.Page)
	assert.Equal(t, DefaultPageSize, env.store.lastFilter.PageSize)
}

func TestGetActiveSessionCount(t *testing.T) {
	env := newTestEnv(t)

	for i := 0; i < 3; i++ {
		req := proRequest()
		req.UserID = fmt.Sprintf("user-%d", i)
		session, err := env.svc.CreateSession(context.Background(), req)
		require.NoError(t, err)
		_, err = env.svc.StartSession(context.Background(), session.ID)
		require.NoError(t, err)
	}

	count, err := env.svc.GetActiveSessionCount(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, count)
}

func TestCreateSession_PersistFailureReleasesInstance(t *testing.T) {
	env := newTestEnv(t)
	env.store.updateErr = errors.New("disk full")

	_, err := env.svc.CreateSession(context.Background(), proRequest())
	require.Error(t, err)

	// The instance we could not record was released.
	assert.Equal(t, 1, env.provider.terminateCalls)
}

func TestStopSession_ConcurrentStopsSingleDebit(t *testing.T) {
	env := newTestEnv(t)
	env.credits.balances["user-1"] = 1000

	session, err := env.svc.CreateSession(context.Background(), proRequest())
	require.NoError(t, err)
	_, err = env.svc.StartSession(context.Background(), session.ID)
	require.NoError(t, err)

	env.clock.advance(5 * time.Minute)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = env.svc.StopSession(context.Background(), session.ID)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, env.credits.debitCount())
	assert.Len(t, env.ledger.finalEvents(), 1)
}
