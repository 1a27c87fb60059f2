package orchestrator

import (
	"context"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/gpuburst/gpuburst/internal/metrics"
	"github.com/gpuburst/gpuburst/internal/provider"
	"github.com/gpuburst/gpuburst/pkg/models"
)

// Strategy ranks candidate providers for a provisioning attempt. The
// orchestrator provisions on the first returned provider only.
type Strategy interface {
	Rank(ctx context.Context, candidates []provider.Provider, gpuType string) []provider.Provider
}

// CheapestHealthy probes all candidates concurrently and ranks the healthy
// ones by their quoted hourly price for the requested GPU type, cheapest
// first. Unhealthy providers are dropped; healthy providers without a quote
// for the GPU type sort last. Probes are retried with doubling backoff
// because marketplace APIs are flaky; provisioning itself is never retried.
type CheapestHealthy struct {
	logger        *slog.Logger
	probeTimeout  time.Duration
	probeAttempts int
	probeBackoff  time.Duration
}

// CheapestHealthyOption configures the strategy
type CheapestHealthyOption func(*CheapestHealthy)

// WithProbeTimeout bounds each provider health/availability probe
func WithProbeTimeout(d time.Duration) CheapestHealthyOption {
	return func(s *CheapestHealthy) {
		s.probeTimeout = d
	}
}

// WithStrategyLogger sets a custom logger
func WithStrategyLogger(logger *slog.Logger) CheapestHealthyOption {
	return func(s *CheapestHealthy) {
		s.logger = logger
	}
}

// WithProbeRetry sets how many times a probe is attempted and the initial
// backoff between attempts. The backoff doubles after each failure.
func WithProbeRetry(attempts int, backoff time.Duration) CheapestHealthyOption {
	return func(s *CheapestHealthy) {
		s.probeAttempts = attempts
		s.probeBackoff = backoff
	}
}

// NewCheapestHealthy creates the default selection strategy
func NewCheapestHealthy(opts ...CheapestHealthyOption) *CheapestHealthy {
	s := &CheapestHealthy{
		logger:        slog.Default(),
		probeTimeout:  15 * time.Second,
		probeAttempts: 3,
		probeBackoff:  500 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.probeAttempts < 1 {
		s.probeAttempts = 1
	}
	return s
}

type probeResult struct {
	prov    provider.Provider
	healthy bool
	price   float64
}

// Rank probes candidates concurrently and returns healthy ones ordered by
// price for the GPU type
func (s *CheapestHealthy) Rank(ctx context.Context, candidates []provider.Provider, gpuType string) []provider.Provider {
	results := make(chan probeResult, len(candidates))

	var wg sync.WaitGroup
	for _, prov := range candidates {
		wg.Add(1)
		go func(p provider.Provider) {
			defer wg.Done()

			health, availability := s.probe(ctx, p)
			metrics.UpdateProviderHealth(p.Name(), health.Healthy)
			if !health.Healthy {
				s.logger.Warn("provider unhealthy, skipping",
					slog.String("provider", p.Name()),
					slog.String("error", health.Error))
				results <- probeResult{prov: p, healthy: false}
				return
			}

			price := math.Inf(1)
			for _, a := range availability {
				if a.Type == gpuType && a.Available > 0 && a.PricePerHour < price {
					price = a.PricePerHour
				}
			}

			s.logger.Debug("provider probed",
				slog.String("provider", p.Name()),
				slog.Duration("latency", health.Latency),
				slog.Float64("price_per_hour", price))

			results <- probeResult{prov: p, healthy: true, price: price}
		}(prov)
	}

	go func() {
		wg.Wait()
		close(results)
	}()

	var healthy []probeResult
	for r := range results {
		if r.healthy {
			healthy = append(healthy, r)
		}
	}

	sort.SliceStable(healthy, func(i, j int) bool {
		return healthy[i].price < healthy[j].price
	})

	ranked := make([]provider.Provider, 0, len(healthy))
	for _, r := range healthy {
		ranked = append(ranked, r.prov)
	}
	return ranked
}

// probe health-checks a provider and fetches its availability, retrying with
// doubling backoff. An unhealthy report or a nil availability slice (failed
// fetch) counts as a failed attempt; each attempt gets its own timeout.
func (s *CheapestHealthy) probe(ctx context.Context, p provider.Provider) (provider.HealthStatus, []models.GpuAvailability) {
	backoff := s.probeBackoff
	var health provider.HealthStatus
	var availability []models.GpuAvailability

	for attempt := 0; attempt < s.probeAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return health, availability
			case <-time.After(backoff):
			}
			backoff *= 2
		}

		probeCtx, cancel := context.WithTimeout(ctx, s.probeTimeout)
		health = p.HealthCheck(probeCtx)
		if !health.Healthy {
			cancel()
			continue
		}
		availability = p.GetAvailability(probeCtx)
		cancel()
		if availability == nil {
			continue
		}
		return health, availability
	}

	return health, availability
}
