package provider

import (
	"context"
	"fmt"
	"time"

	"github.com/gpuburst/gpuburst/pkg/models"
)

// Provider defines the uniform contract every GPU marketplace backend
// implements. Marketplaces are flaky third-party HTTP/GraphQL services, so
// remote and network failures are normalized into result values inside each
// implementation: HealthCheck reports unhealthy, Provision returns a failed
// ProvisionResult, lifecycle calls return false. None of these methods
// surface a provider-specific error to the caller.
type Provider interface {
	// Name returns the provider identifier ("runpod" | "vastai")
	Name() string

	// HealthCheck probes the provider API. It never fails: missing
	// credentials or an unreachable API produce an unhealthy status with a
	// descriptive message.
	HealthCheck(ctx context.Context) HealthStatus

	// Capabilities returns the provider's static descriptor
	Capabilities() Capabilities

	// GetAvailability returns currently rentable GPU configurations,
	// typically derived from the health check
	GetAvailability(ctx context.Context) []models.GpuAvailability

	// Provision rents a new GPU instance for the request
	Provision(ctx context.Context, req ProvisionRequest) ProvisionResult

	// GetStatus returns the current provider-neutral view of an instance,
	// or nil when the instance is unknown or the provider is unreachable.
	// Native statuses outside the canonical set map to pending.
	GetStatus(ctx context.Context, providerInstanceID string) *models.GpuInstance

	// StartInstance, StopInstance and TerminateInstance drive the remote
	// instance lifecycle. Failures are logged inside the provider and
	// reported as false.
	StartInstance(ctx context.Context, providerInstanceID string) bool
	StopInstance(ctx context.Context, providerInstanceID string) bool
	TerminateInstance(ctx context.Context, providerInstanceID string) bool

	// GetMetrics returns live telemetry, or nil when the provider does not
	// expose it
	GetMetrics(ctx context.Context, providerInstanceID string) *models.GpuMetrics
}

// HealthStatus is the result of a provider health probe. AvailableGPUs
// carries the per-type availability observed during the probe.
type HealthStatus struct {
	Healthy       bool
	Latency       time.Duration
	AvailableGPUs []models.GpuAvailability
	Error         string
}

// TotalAvailable sums available GPUs across types
func (h HealthStatus) TotalAvailable() int {
	total := 0
	for _, a := range h.AvailableGPUs {
		total += a.Available
	}
	return total
}

// Capabilities is a provider's static descriptor
type Capabilities struct {
	Provider        string
	GPUTypes        []string
	Regions         []string
	MinPricePerHour float64
	MaxPricePerHour float64
	SupportsPause   bool
	SupportsMetrics bool
}

// SupportsGPU reports whether the provider can serve the given GPU type
func (c Capabilities) SupportsGPU(gpuType string) bool {
	for _, g := range c.GPUTypes {
		if g == gpuType {
			return true
		}
	}
	return false
}

// ProvisionRequest is the contract between the orchestrator and a provider
type ProvisionRequest struct {
	SessionID string
	UserID    string
	Tier      models.Tier
	ModelID   string
	GPUType   string
	GPUCount  int
}

// ProvisionResult is the outcome of a provisioning attempt. Remote failures
// are carried in Error instead of being raised, so the orchestrator's control
// flow stays free of provider-specific failure types.
type ProvisionResult struct {
	Success  bool
	Instance *models.GpuInstance
	Error    string
}

// Success builds a successful provision result
func Success(instance *models.GpuInstance) ProvisionResult {
	return ProvisionResult{Success: true, Instance: instance}
}

// Failure builds a failed provision result
func Failure(format string, args ...any) ProvisionResult {
	return ProvisionResult{Success: false, Error: fmt.Sprintf(format, args...)}
}
