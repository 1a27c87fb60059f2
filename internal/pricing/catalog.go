package pricing

import (
	"fmt"

	"github.com/gpuburst/gpuburst/pkg/models"
)

// Catalog maps tiers to their GPU options and per-minute prices. Prices are
// integer cents. The catalog is resolved once at session creation; running
// sessions keep the price they were created with.
type Catalog struct {
	tiers map[models.Tier]models.TierConfig
}

// UnknownTierError indicates a tier the catalog does not carry
type UnknownTierError struct {
	Tier models.Tier
}

func (e *UnknownTierError) Error() string {
	return fmt.Sprintf("unknown tier: %s", e.Tier)
}

// DefaultTiers returns the built-in tier catalog
func DefaultTiers() map[models.Tier]models.TierConfig {
	return map[models.Tier]models.TierConfig{
		models.TierStarter: {
			Tier:           models.TierStarter,
			GPUOptions:     []string{"RTX3090", "RTX4070"},
			GPUCount:       1,
			VRAMGb:         24,
			PricePerMinute: 2,
		},
		models.TierPro: {
			Tier:           models.TierPro,
			GPUOptions:     []string{"RTX4090", "A5000"},
			GPUCount:       1,
			VRAMGb:         24,
			PricePerMinute: 5,
		},
		models.TierBeast: {
			Tier:           models.TierBeast,
			GPUOptions:     []string{"A100", "A100-80GB"},
			GPUCount:       1,
			VRAMGb:         80,
			PricePerMinute: 15,
		},
		models.TierUltra: {
			Tier:           models.TierUltra,
			GPUOptions:     []string{"H100", "H100-SXM"},
			GPUCount:       1,
			VRAMGb:         80,
			PricePerMinute: 40,
		},
	}
}

// NewCatalog creates a catalog from tier configs. Pass DefaultTiers() or a
// config-driven override map.
func NewCatalog(tiers map[models.Tier]models.TierConfig) *Catalog {
	c := &Catalog{tiers: make(map[models.Tier]models.TierConfig, len(tiers))}
	for tier, cfg := range tiers {
		cfg.Tier = tier
		c.tiers[tier] = cfg
	}
	return c
}

// Resolve returns the config for a tier
func (c *Catalog) Resolve(tier models.Tier) (models.TierConfig, error) {
	cfg, ok := c.tiers[tier]
	if !ok {
		return models.TierConfig{}, &UnknownTierError{Tier: tier}
	}
	return cfg, nil
}

// Tiers returns all configured tiers
func (c *Catalog) Tiers() []models.TierConfig {
	configs := make([]models.TierConfig, 0, len(c.tiers))
	for _, tier := range []models.Tier{models.TierStarter, models.TierPro, models.TierBeast, models.TierUltra} {
		if cfg, ok := c.tiers[tier]; ok {
			configs = append(configs, cfg)
		}
	}
	// Append any custom tiers outside the built-in order
	for tier, cfg := range c.tiers {
		if !models.ValidTier(tier) {
			configs = append(configs, cfg)
		}
	}
	return configs
}
