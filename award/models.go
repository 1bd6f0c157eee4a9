package award

import "time"

// Role partitions allocation entries by how the participant was involved.
type Role string

const (
	RoleComplainant Role = "complainant"
	RoleEnterprise  Role = "enterprise"
	RoleValidator   Role = "validator"
	RoleChallenger  Role = "challenger"
)

// Entry is one participant slated for reward or punishment.
type Entry struct {
	CaseID   string
	UserID   string
	Role     Role
	Rewarded bool
}

// Record mirrors the award_records table plus its entries: the role-
// partitioned reward and punish lists for one case, with a processed flag
// guarding against double execution.
type Record struct {
	CaseID      string
	Upheld      bool
	Processed   bool
	ProcessedAt *time.Time
	Rewarded    []Entry
	Punished    []Entry
}

// AllocateParams carries the final outcome and the engine's challenger and
// validator lists into the classification step.
type AllocateParams struct {
	CaseID              string
	Upheld              bool
	ComplainantID       string
	EnterpriseID        string
	PunishedValidators  []string
	RewardedChallengers []string
	PunishedChallengers []string
}
