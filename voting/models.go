package voting

import "time"

// Choice is a validator's stance on the accusation.
type Choice string

const (
	ChoiceSupport Choice = "SUPPORT" // the violation claim is upheld
	ChoiceReject  Choice = "REJECT"
)

// ValidChoice reports whether the choice is one of the two known values.
func ValidChoice(c Choice) bool {
	return c == ChoiceSupport || c == ChoiceReject
}

// Session mirrors the voting_sessions table. One per case; the validator set
// is fixed at open time and votes are write-once per validator.
type Session struct {
	CaseID       string
	StartsAt     time.Time
	EndsAt       time.Time
	Active       bool
	Completed    bool
	SupportCount int
	RejectCount  int
	Upheld       bool
	CreatedAt    time.Time
}

// Vote is a single validator's recorded choice.
type Vote struct {
	CaseID      string
	ValidatorID string
	Choice      Choice
	Rationale   string
	EvidenceRef string
	CreatedAt   time.Time
}

// SubmitParams enumerates the fields required to record a vote.
type SubmitParams struct {
	CaseID      string
	ValidatorID string
	Choice      Choice
	Rationale   string
	EvidenceRef string
}
