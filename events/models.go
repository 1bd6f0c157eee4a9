package events

import "time"

// TimelineEvent captures an immutable business event recorded against a case.
type TimelineEvent struct {
	ID        int64
	CaseID    string
	Seq       int
	Type      string
	ActorID   *string
	CreatedAt time.Time
	Payload   []byte
}

// OutboxMessage represents a transactional outbox entry awaiting delivery.
type OutboxMessage struct {
	ID        string
	Topic     string
	Payload   []byte
	Status    string
	Attempts  int
	CreatedAt time.Time
}

// Event types appended to the case timeline.
const (
	TypeCaseCreated        = "CASE_CREATED"
	TypeStatusChanged      = "CASE_STATUS_CHANGED"
	TypeDepositFrozen      = "DEPOSIT_FROZEN"
	TypeDepositUnfrozen    = "DEPOSIT_UNFROZEN"
	TypeVoteSubmitted      = "VOTE_SUBMITTED"
	TypeChallengeSubmitted = "CHALLENGE_SUBMITTED"
	TypeCaseCompleted      = "CASE_COMPLETED"
	TypeCaseCancelled      = "CASE_CANCELLED"
	TypeLedgerAnomaly      = "LEDGER_ANOMALY"
)

// Outbox topics published for downstream observers.
const (
	TopicCaseCreated        = "case.created"
	TopicStatusChanged      = "case.status_changed"
	TopicDepositFrozen      = "ledger.deposit_frozen"
	TopicDepositUnfrozen    = "ledger.deposit_unfrozen"
	TopicVoteSubmitted      = "voting.vote_submitted"
	TopicChallengeSubmitted = "challenge.submitted"
	TopicCaseCompleted      = "case.completed"
	TopicCaseCancelled      = "case.cancelled"
	TopicLedgerAnomaly      = "ledger.anomaly"
)
