package challenge

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"caseflow/events"
	"caseflow/voting"
)

var (
	// ErrWindowClosed signals the challenge window has elapsed or the session is final.
	ErrWindowClosed = errors.New("challenge: window closed")
	// ErrWindowOpen signals resolution was attempted before the window elapsed.
	ErrWindowOpen = errors.New("challenge: window still open")
	// ErrSelfChallenge signals a validator challenging their own vote.
	ErrSelfChallenge = errors.New("challenge: cannot challenge own vote")
	// ErrTargetDidNotVote signals a challenge against a panelist with no recorded vote.
	ErrTargetDidNotVote = errors.New("challenge: target validator did not vote")
	// ErrEmptyRationale signals a challenge without a rationale.
	ErrEmptyRationale = errors.New("challenge: rationale required")
	// ErrEmptyEvidence signals a challenge without an evidence reference.
	ErrEmptyEvidence = errors.New("challenge: evidence reference required")
)

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Store defines the data access required by the service.
type Store interface {
	InsertSession(ctx context.Context, tx pgx.Tx, s Session) error
	GetSessionForUpdate(ctx context.Context, tx pgx.Tx, caseID string) (Session, error)
	GetSession(ctx context.Context, caseID string) (Session, error)
	SaveSession(ctx context.Context, tx pgx.Tx, s Session) error
	InsertChallenge(ctx context.Context, tx pgx.Tx, c Challenge) error
	ListChallenges(ctx context.Context, tx pgx.Tx, caseID string) ([]Challenge, error)
	Challenges(ctx context.Context, caseID string) ([]Challenge, error)
	MarkOutcome(ctx context.Context, tx pgx.Tx, caseID, challengerID, targetValidatorID string, successful bool) error
}

// VoteSource exposes the recorded votes the engine resolves against. The
// voting service satisfies this.
type VoteSource interface {
	Votes(ctx context.Context, caseID string) ([]voting.Vote, error)
}

// Gatekeeper reports whether a participant is registered and active, which
// is what qualifies them to lodge challenges. The registry service satisfies
// this.
type Gatekeeper interface {
	Qualified(ctx context.Context, userID string) (bool, error)
}

// Service accumulates challenges against individual validators during the
// challenge window and, at most once, computes which votes are reversed and
// whether the case outcome changes with them.
type Service struct {
	pool     TxBeginner
	repo     Store
	votes    VoteSource
	gate     Gatekeeper
	timeline events.TimelineWriter
	outbox   events.OutboxWriter
	now      func() time.Time
}

func NewService(pool TxBeginner, repo Store, votes VoteSource, gate Gatekeeper, timeline events.TimelineWriter, outbox events.OutboxWriter) *Service {
	return &Service{
		pool:     pool,
		repo:     repo,
		votes:    votes,
		gate:     gate,
		timeline: timeline,
		outbox:   outbox,
		now:      time.Now,
	}
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Open creates the session inside the caller's transaction with a fixed
// challenge window starting now.
func (s *Service) Open(ctx context.Context, tx pgx.Tx, caseID string, window time.Duration) (Session, error) {
	if window <= 0 {
		return Session{}, fmt.Errorf("challenge: invalid window %s", window)
	}

	start := s.now()
	session := Session{
		CaseID:   caseID,
		StartsAt: start,
		EndsAt:   start.Add(window),
		Active:   true,
	}
	if err := s.repo.InsertSession(ctx, tx, session); err != nil {
		return Session{}, err
	}
	return session, nil
}

// SubmitChallenge lodges an objection against one validator's vote. Late,
// duplicate, self-directed, or voteless-target challenges fail fast with no
// side effects.
func (s *Service) SubmitChallenge(ctx context.Context, params SubmitParams) error {
	if !ValidStance(params.Stance) {
		return fmt.Errorf("challenge: invalid stance %q", params.Stance)
	}
	if params.Rationale == "" {
		return ErrEmptyRationale
	}
	if params.EvidenceRef == "" {
		return ErrEmptyEvidence
	}
	if params.ChallengerID == params.TargetValidatorID {
		return ErrSelfChallenge
	}

	if s.gate != nil {
		ok, err := s.gate.Qualified(ctx, params.ChallengerID)
		if err != nil {
			return fmt.Errorf("challenge: check challenger: %w", err)
		}
		if !ok {
			return fmt.Errorf("challenge: challenger %s is not a qualified participant", params.ChallengerID)
		}
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("challenge: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	session, err := s.repo.GetSessionForUpdate(ctx, tx, params.CaseID)
	if err != nil {
		return err
	}
	if !session.Active || session.Completed {
		return ErrWindowClosed
	}
	if s.now().After(session.EndsAt) {
		return ErrWindowClosed
	}

	votes, err := s.votes.Votes(ctx, params.CaseID)
	if err != nil {
		return err
	}
	if !hasVote(votes, params.TargetValidatorID) {
		return ErrTargetDidNotVote
	}

	c := Challenge{
		CaseID:            params.CaseID,
		ChallengerID:      params.ChallengerID,
		TargetValidatorID: params.TargetValidatorID,
		Stance:            params.Stance,
		Rationale:         params.Rationale,
		EvidenceRef:       params.EvidenceRef,
	}
	if err := s.repo.InsertChallenge(ctx, tx, c); err != nil {
		return err
	}

	payload := map[string]any{
		"case_id":          params.CaseID,
		"challenger_id":    params.ChallengerID,
		"target_validator": params.TargetValidatorID,
		"stance":           params.Stance,
	}
	if s.timeline != nil {
		if err := s.timeline.Append(ctx, tx, params.CaseID, events.TypeChallengeSubmitted, params.ChallengerID, payload); err != nil {
			return err
		}
	}
	if s.outbox != nil {
		if err := s.outbox.Enqueue(ctx, tx, events.TopicChallengeSubmitted, payload); err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("challenge: commit: %w", err)
	}
	return nil
}

// ResolveSession runs the reversal computation inside the caller's
// transaction, marks each challenge's outcome, and closes the session. It is
// guarded by the completed flag so the computation runs at most once.
func (s *Service) ResolveSession(ctx context.Context, tx pgx.Tx, caseID string, votes []voting.Vote, prevUpheld bool) (Resolution, error) {
	session, err := s.repo.GetSessionForUpdate(ctx, tx, caseID)
	if err != nil {
		return Resolution{}, err
	}
	if session.Completed {
		return Resolution{}, ErrWindowClosed
	}
	if s.now().Before(session.EndsAt) {
		return Resolution{}, ErrWindowOpen
	}

	challenges, err := s.repo.ListChallenges(ctx, tx, caseID)
	if err != nil {
		return Resolution{}, err
	}

	res := Resolve(votes, challenges, prevUpheld)

	flipped := make(map[string]bool, len(res.FlippedValidators))
	for _, v := range res.FlippedValidators {
		flipped[v] = true
	}
	for _, c := range challenges {
		successful := (c.Stance == StanceOppose) == flipped[c.TargetValidatorID]
		if err := s.repo.MarkOutcome(ctx, tx, caseID, c.ChallengerID, c.TargetValidatorID, successful); err != nil {
			return Resolution{}, err
		}
	}

	session.Active = false
	session.Completed = true
	session.OutcomeChanged = res.OutcomeChanged
	if err := s.repo.SaveSession(ctx, tx, session); err != nil {
		return Resolution{}, err
	}

	return res, nil
}

// Session returns the session for read-only queries.
func (s *Service) Session(ctx context.Context, caseID string) (Session, error) {
	return s.repo.GetSession(ctx, caseID)
}

// Challenges returns every lodged challenge for the case.
func (s *Service) Challenges(ctx context.Context, caseID string) ([]Challenge, error) {
	return s.repo.Challenges(ctx, caseID)
}

func hasVote(votes []voting.Vote, validatorID string) bool {
	for _, v := range votes {
		if v.ValidatorID == validatorID {
			return true
		}
	}
	return false
}
