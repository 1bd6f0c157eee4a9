package ledger

// RequiredCollateral computes the collateral a participant must lock for one
// case. The result is monotonically non-decreasing in risk tier and
// non-increasing in reputation for a fixed tier.
//
// All steps use truncating integer division on a 100 basis; the rounding
// direction is part of the accounting contract and must not change.
func (c Config) RequiredCollateral(base int64, tier RiskTier, activeCases, reputation int) int64 {
	required := base * c.multiplier(tier) / 100

	// Concurrent exposure surcharge: each case beyond the first adds a
	// percentage, capped so a heavily leveraged user is not priced out
	// entirely.
	if activeCases > 1 {
		extra := int64(activeCases-1) * c.ExtraCasePct
		if extra > c.MaxExtraPct {
			extra = c.MaxExtraPct
		}
		required += required * extra / 100
	}

	switch {
	case reputation >= c.DiscountThreshold:
		required -= required * c.DiscountPct / 100
	case reputation < c.PenaltyThreshold:
		required += required * c.PenaltyPct / 100
	}

	return required
}

// healthFor derives the coverage-based health status. Coverage thresholds are
// inclusive on the higher (better) state: a profile sitting exactly at the
// restriction threshold is WARNING, not LIQUIDATION.
func (c Config) healthFor(total, required int64) HealthStatus {
	if required == 0 {
		return HealthHealthy
	}
	coverage := total * 100 / required
	switch {
	case coverage >= c.WarningThresholdPct:
		return HealthHealthy
	case coverage >= c.RestrictionThresholdPct:
		return HealthWarning
	default:
		return HealthLiquidation
	}
}
