package models

// Tier is a named bundle fixing which GPU options and per-minute price
// apply to a session.
type Tier string

const (
	TierStarter Tier = "starter"
	TierPro     Tier = "pro"
	TierBeast   Tier = "beast"
	TierUltra   Tier = "ultra"
)

// ValidTier reports whether t is one of the known tiers
func ValidTier(t Tier) bool {
	switch t {
	case TierStarter, TierPro, TierBeast, TierUltra:
		return true
	}
	return false
}

// TierConfig describes the GPU options and pricing for a tier. The price is
// stored in integer cents per minute; it is copied onto the session at
// creation so later catalog changes never drift a running session's rate.
type TierConfig struct {
	Tier           Tier     `json:"tier"`
	GPUOptions     []string `json:"gpu_options"`
	GPUCount       int      `json:"gpu_count"`
	VRAMGb         int      `json:"vram_gb"`
	PricePerMinute int64    `json:"price_per_minute_cents"`
}

// DefaultGPU returns the preferred GPU type for the tier
func (c TierConfig) DefaultGPU() string {
	if len(c.GPUOptions) == 0 {
		return ""
	}
	return c.GPUOptions[0]
}

// Supports reports whether the tier can be served by the given GPU type
func (c TierConfig) Supports(gpuType string) bool {
	for _, g := range c.GPUOptions {
		if g == gpuType {
			return true
		}
	}
	return false
}
