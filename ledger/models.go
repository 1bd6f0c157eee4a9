package ledger

import "time"

// RiskTier classifies how much collateral a case demands from its parties.
type RiskTier string

const (
	TierLow    RiskTier = "LOW"
	TierMedium RiskTier = "MEDIUM"
	TierHigh   RiskTier = "HIGH"
)

// ValidTier reports whether the tier is one of the three known values.
func ValidTier(t RiskTier) bool {
	switch t {
	case TierLow, TierMedium, TierHigh:
		return true
	default:
		return false
	}
}

// HealthStatus is the derived coverage state of a deposit profile.
type HealthStatus string

const (
	HealthHealthy     HealthStatus = "HEALTHY"
	HealthWarning     HealthStatus = "WARNING"
	HealthLiquidation HealthStatus = "LIQUIDATION"
)

// DepositProfile mirrors the deposit_profiles table. One row per participant,
// created lazily on first deposit and never deleted.
type DepositProfile struct {
	UserID      string
	Total       int64
	Frozen      int64
	ActiveCases int
	Required    int64
	Health      HealthStatus
	Restricted  bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Available is the collateral not currently frozen against any case.
func (p DepositProfile) Available() int64 {
	return p.Total - p.Frozen
}

// CaseCollateral maps (case, user) to the amount frozen for that case. Rows
// are deleted on unfreeze so the per-user sum always reflects open exposure.
type CaseCollateral struct {
	CaseID    string
	UserID    string
	Amount    int64
	CreatedAt time.Time
}

// Config carries the collateral-calculation tunables. All percentages are
// integer basis-100 values; arithmetic truncates toward zero so that fund
// movements stay exactly reproducible.
type Config struct {
	HighMultiplierPct   int64 // required = base * multiplier / 100
	MediumMultiplierPct int64
	LowMultiplierPct    int64

	ExtraCasePct int64 // surcharge per active case beyond the first
	MaxExtraPct  int64 // cap on the accumulated surcharge

	DiscountThreshold int   // reputation at or above which the discount applies
	DiscountPct       int64 // percentage removed for high reputation
	PenaltyThreshold  int   // reputation strictly below which the penalty applies
	PenaltyPct        int64 // percentage added for low reputation

	WarningThresholdPct     int64 // coverage at or above this is HEALTHY
	RestrictionThresholdPct int64 // coverage at or above this is WARNING, below is LIQUIDATION

	MaxConcurrentCases    int
	LiquidationPenaltyPct int64 // share of the remaining balance moved to the reserve
}

// DefaultConfig returns the tunables used by the standard deployment.
func DefaultConfig() Config {
	return Config{
		HighMultiplierPct:       200,
		MediumMultiplierPct:     150,
		LowMultiplierPct:        120,
		ExtraCasePct:            10,
		MaxExtraPct:             50,
		DiscountThreshold:       80,
		DiscountPct:             20,
		PenaltyThreshold:        20,
		PenaltyPct:              30,
		WarningThresholdPct:     150,
		RestrictionThresholdPct: 100,
		MaxConcurrentCases:      5,
		LiquidationPenaltyPct:   10,
	}
}

// multiplier returns the risk multiplier for the tier, defaulting to the
// highest when the tier is unknown so a bad value can only over-collateralize.
func (c Config) multiplier(tier RiskTier) int64 {
	switch tier {
	case TierLow:
		return c.LowMultiplierPct
	case TierMedium:
		return c.MediumMultiplierPct
	default:
		return c.HighMultiplierPct
	}
}
