package voting

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"caseflow/events"
)

var (
	// ErrWindowClosed signals the voting window has elapsed or the session is final.
	ErrWindowClosed = errors.New("voting: window closed")
	// ErrWindowOpen signals finalization was attempted while votes are still collectable.
	ErrWindowOpen = errors.New("voting: window still open")
	// ErrNotPanelist signals the voter is not on the case's validator panel.
	ErrNotPanelist = errors.New("voting: not a panelist")
	// ErrEmptyRationale signals a vote without a rationale.
	ErrEmptyRationale = errors.New("voting: rationale required")
	// ErrEmptyEvidence signals a vote without an evidence reference.
	ErrEmptyEvidence = errors.New("voting: evidence reference required")
)

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Store defines the data access required by the service.
type Store interface {
	InsertSession(ctx context.Context, tx pgx.Tx, s Session, validators []string) error
	GetSessionForUpdate(ctx context.Context, tx pgx.Tx, caseID string) (Session, error)
	GetSession(ctx context.Context, caseID string) (Session, error)
	SaveSession(ctx context.Context, tx pgx.Tx, s Session) error
	IsPanelist(ctx context.Context, tx pgx.Tx, caseID, validatorID string) (bool, error)
	Panel(ctx context.Context, caseID string) ([]string, error)
	InsertVote(ctx context.Context, tx pgx.Tx, v Vote) error
	Votes(ctx context.Context, caseID string) ([]Vote, error)
	CountVotes(ctx context.Context, tx pgx.Tx, caseID string) (int, error)
	PanelSize(ctx context.Context, tx pgx.Tx, caseID string) (int, error)
}

// Service records votes from a fixed validator panel for one case at a time.
type Service struct {
	pool     TxBeginner
	repo     Store
	timeline events.TimelineWriter
	outbox   events.OutboxWriter
	now      func() time.Time
}

func NewService(pool TxBeginner, repo Store, timeline events.TimelineWriter, outbox events.OutboxWriter) *Service {
	return &Service{
		pool:     pool,
		repo:     repo,
		timeline: timeline,
		outbox:   outbox,
		now:      time.Now,
	}
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Open creates the session with its fixed panel inside the caller's
// transaction. The window runs from now until now+window.
func (s *Service) Open(ctx context.Context, tx pgx.Tx, caseID string, validators []string, window time.Duration) (Session, error) {
	if len(validators) == 0 {
		return Session{}, fmt.Errorf("voting: empty validator panel")
	}
	if window <= 0 {
		return Session{}, fmt.Errorf("voting: invalid window %s", window)
	}

	start := s.now()
	session := Session{
		CaseID:   caseID,
		StartsAt: start,
		EndsAt:   start.Add(window),
		Active:   true,
	}
	if err := s.repo.InsertSession(ctx, tx, session, validators); err != nil {
		return Session{}, err
	}
	return session, nil
}

// SubmitVote records a write-once ballot. Late, duplicate, or off-panel votes
// fail fast with no side effects.
func (s *Service) SubmitVote(ctx context.Context, params SubmitParams) error {
	if !ValidChoice(params.Choice) {
		return fmt.Errorf("voting: invalid choice %q", params.Choice)
	}
	if params.Rationale == "" {
		return ErrEmptyRationale
	}
	if params.EvidenceRef == "" {
		return ErrEmptyEvidence
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("voting: begin vote tx: %w", err)
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

	onPanel, err := s.repo.IsPanelist(ctx, tx, params.CaseID, params.ValidatorID)
	if err != nil {
		return err
	}
	if !onPanel {
		return ErrNotPanelist
	}

	vote := Vote{
		CaseID:      params.CaseID,
		ValidatorID: params.ValidatorID,
		Choice:      params.Choice,
		Rationale:   params.Rationale,
		EvidenceRef: params.EvidenceRef,
	}
	if err := s.repo.InsertVote(ctx, tx, vote); err != nil {
		return err
	}

	if params.Choice == ChoiceSupport {
		session.SupportCount++
	} else {
		session.RejectCount++
	}
	if err := s.repo.SaveSession(ctx, tx, session); err != nil {
		return err
	}

	payload := map[string]any{
		"case_id":      params.CaseID,
		"validator_id": params.ValidatorID,
		"choice":       params.Choice,
	}
	if s.timeline != nil {
		if err := s.timeline.Append(ctx, tx, params.CaseID, events.TypeVoteSubmitted, params.ValidatorID, payload); err != nil {
			return err
		}
	}
	if s.outbox != nil {
		if err := s.outbox.Enqueue(ctx, tx, events.TopicVoteSubmitted, payload); err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("voting: commit vote: %w", err)
	}
	return nil
}

// Finalize closes the session inside the caller's transaction and fixes the
// outcome as support > reject. It requires the window to have elapsed or the
// full panel to have voted.
func (s *Service) Finalize(ctx context.Context, tx pgx.Tx, caseID string) (Session, error) {
	session, err := s.repo.GetSessionForUpdate(ctx, tx, caseID)
	if err != nil {
		return Session{}, err
	}
	if session.Completed {
		return Session{}, ErrWindowClosed
	}

	if s.now().Before(session.EndsAt) {
		voted, err := s.repo.CountVotes(ctx, tx, caseID)
		if err != nil {
			return Session{}, err
		}
		panel, err := s.repo.PanelSize(ctx, tx, caseID)
		if err != nil {
			return Session{}, err
		}
		if voted < panel {
			return Session{}, ErrWindowOpen
		}
	}

	session.Active = false
	session.Completed = true
	session.Upheld = session.SupportCount > session.RejectCount

	if err := s.repo.SaveSession(ctx, tx, session); err != nil {
		return Session{}, err
	}
	return session, nil
}

// Session returns the session for read-only queries.
func (s *Service) Session(ctx context.Context, caseID string) (Session, error) {
	return s.repo.GetSession(ctx, caseID)
}

// Votes returns every recorded vote for the case.
func (s *Service) Votes(ctx context.Context, caseID string) ([]Vote, error) {
	return s.repo.Votes(ctx, caseID)
}

// Panel returns the fixed validator set for the case.
func (s *Service) Panel(ctx context.Context, caseID string) ([]string, error) {
	return s.repo.Panel(ctx, caseID)
}
