package casefile

import (
	"time"

	"caseflow/ledger"
)

// Status is a case's lifecycle state. Transitions are strictly sequential
// and non-skippable; CANCELLED is reachable from any non-terminal state.
type Status string

const (
	StatusPending          Status = "PENDING"
	StatusDepositLocked    Status = "DEPOSIT_LOCKED"
	StatusVoting           Status = "VOTING"
	StatusChallenging      Status = "CHALLENGING"
	StatusRewardPunishment Status = "REWARD_PUNISHMENT"
	StatusCompleted        Status = "COMPLETED"
	StatusCancelled        Status = "CANCELLED"
)

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// validNext returns the only legal successor in the normal sequence.
func validNext(s Status) (Status, bool) {
	switch s {
	case StatusPending:
		return StatusDepositLocked, true
	case StatusDepositLocked:
		return StatusVoting, true
	case StatusVoting:
		return StatusChallenging, true
	case StatusChallenging:
		return StatusRewardPunishment, true
	case StatusRewardPunishment:
		return StatusCompleted, true
	default:
		return "", false
	}
}

// Case mirrors the cases table. It is owned exclusively by the controller
// and immutable once COMPLETED or CANCELLED.
type Case struct {
	ID                string
	ComplainantID     string
	EnterpriseID      string
	Tier              ledger.RiskTier
	Status            Status
	EvidenceRef       string
	Upheld            bool
	ComplainantLocked int64
	EnterpriseLocked  int64
	Completed         bool
	CompletedAt       *time.Time
	CancelReason      *string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Config carries the controller tunables.
type Config struct {
	MinPanel        int // panel size for LOW risk
	MediumIncrement int // added to MinPanel for MEDIUM risk
	MaxPanel        int // panel size for HIGH risk (the configured cap)

	VotingWindow    time.Duration
	ChallengeWindow time.Duration

	BaseCollateral int64 // base amount fed into the dynamic requirement

	PartyPenaltyPct   int64 // share of the punished party's case collateral moved to the reserve
	ReputationReward  int
	ReputationPenalty int
}

// DefaultConfig returns the tunables used by the standard deployment.
func DefaultConfig() Config {
	return Config{
		MinPanel:          3,
		MediumIncrement:   2,
		MaxPanel:          11,
		VotingWindow:      72 * time.Hour,
		ChallengeWindow:   48 * time.Hour,
		BaseCollateral:    10_000,
		PartyPenaltyPct:   50,
		ReputationReward:  5,
		ReputationPenalty: 10,
	}
}

// panelSize maps risk tier to validator count, forced odd to avoid ties.
func (c Config) panelSize(tier ledger.RiskTier) int {
	var size int
	switch tier {
	case ledger.TierLow:
		size = c.MinPanel
	case ledger.TierMedium:
		size = c.MinPanel + c.MediumIncrement
	default:
		size = c.MaxPanel
	}
	if size%2 == 0 {
		size++
	}
	return size
}
