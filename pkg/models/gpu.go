package models

import "time"

// InstanceStatus is the canonical status set for a remote GPU instance.
// Each provider maps its native status vocabulary onto this set; anything
// a provider reports that we do not recognize maps to InstancePending.
type InstanceStatus string

const (
	InstanceProvisioning InstanceStatus = "provisioning"
	InstanceRunning      InstanceStatus = "running"
	InstanceStopped      InstanceStatus = "stopped"
	InstancePending      InstanceStatus = "pending"
)

// GpuInstance is a provider-neutral mirror of a rented machine. Its
// lifecycle follows the remote resource and is reconciled, not
// authoritative: the Session record owns billing.
type GpuInstance struct {
	ID           string         `json:"id"`
	Provider     string         `json:"provider"`
	ProviderID   string         `json:"provider_instance_id"`
	GPUType      string         `json:"gpu_type"`
	GPUCount     int            `json:"gpu_count"`
	VRAMGb       int            `json:"vram_gb"`
	Status       InstanceStatus `json:"status"`
	PricePerHour float64        `json:"price_per_hour"`
	AccessURL    string         `json:"access_url,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
}

// GpuAvailability describes one rentable GPU configuration quoted by a provider
type GpuAvailability struct {
	Type         string  `json:"type"`
	Available    int     `json:"available"`
	PricePerHour float64 `json:"price_per_hour"`
	Region       string  `json:"region"`
}

// GpuMetrics holds live telemetry for a running instance. Providers that do
// not expose telemetry return nil instead.
type GpuMetrics struct {
	UtilizationPct float64 `json:"utilization_pct"`
	MemoryUsedMb   int     `json:"memory_used_mb"`
	MemoryTotalMb  int     `json:"memory_total_mb"`
	TemperatureC   float64 `json:"temperature_c"`
	PowerWatts     float64 `json:"power_watts"`
}
