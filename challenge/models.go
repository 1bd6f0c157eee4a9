package challenge

import "time"

// Stance is a challenger's position toward the targeted validator's vote.
type Stance string

const (
	StanceSupport Stance = "SUPPORT" // the validator voted correctly
	StanceOppose  Stance = "OPPOSE"  // the validator's vote should be reversed
)

// ValidStance reports whether the stance is one of the two known values.
func ValidStance(s Stance) bool {
	return s == StanceSupport || s == StanceOppose
}

// Session mirrors the challenge_sessions table. One per case; challenges
// accumulate during the window and resolution runs at most once.
type Session struct {
	CaseID         string
	StartsAt       time.Time
	EndsAt         time.Time
	Active         bool
	Completed      bool
	OutcomeChanged bool
	CreatedAt      time.Time
}

// Challenge is a single objection lodged against one validator's vote.
type Challenge struct {
	CaseID            string
	ChallengerID      string
	TargetValidatorID string
	Stance            Stance
	Rationale         string
	EvidenceRef       string
	Successful        *bool
	CreatedAt         time.Time
}

// SubmitParams enumerates the fields required to lodge a challenge.
type SubmitParams struct {
	CaseID            string
	ChallengerID      string
	TargetValidatorID string
	Stance            Stance
	Rationale         string
	EvidenceRef       string
}
