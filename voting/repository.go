package voting

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrSessionNotFound signals no voting session exists for the case.
	ErrSessionNotFound = errors.New("voting: session not found")
	// ErrDuplicateVote signals the validator already voted on this case.
	ErrDuplicateVote = errors.New("voting: validator already voted")
)

// Repository provides data access for voting sessions, panels, and votes.
type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const sessionColumns = `case_id, starts_at, ends_at, active, completed, support_count, reject_count, upheld, created_at`

// InsertSession creates the session and its fixed validator panel inside the
// caller's transaction.
func (r *Repository) InsertSession(ctx context.Context, tx pgx.Tx, s Session, validators []string) error {
	const q = `
		INSERT INTO voting_sessions (case_id, starts_at, ends_at, active, completed, support_count, reject_count, upheld)
		VALUES ($1, $2, $3, true, false, 0, 0, false)
	`
	if _, err := tx.Exec(ctx, q, s.CaseID, s.StartsAt, s.EndsAt); err != nil {
		return fmt.Errorf("voting: insert session: %w", err)
	}

	for _, v := range validators {
		if _, err := tx.Exec(ctx, `INSERT INTO voting_panel (case_id, validator_id) VALUES ($1, $2)`, s.CaseID, v); err != nil {
			return fmt.Errorf("voting: insert panelist: %w", err)
		}
	}
	return nil
}

// GetSessionForUpdate locks the session row for the case.
func (r *Repository) GetSessionForUpdate(ctx context.Context, tx pgx.Tx, caseID string) (Session, error) {
	const q = `SELECT ` + sessionColumns + ` FROM voting_sessions WHERE case_id = $1 FOR UPDATE`
	s, err := scanSession(tx.QueryRow(ctx, q, caseID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Session{}, ErrSessionNotFound
		}
		return Session{}, fmt.Errorf("voting: lock session: %w", err)
	}
	return s, nil
}

// GetSession reads the session without locking.
func (r *Repository) GetSession(ctx context.Context, caseID string) (Session, error) {
	const q = `SELECT ` + sessionColumns + ` FROM voting_sessions WHERE case_id = $1`
	s, err := scanSession(r.pool.QueryRow(ctx, q, caseID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Session{}, ErrSessionNotFound
		}
		return Session{}, fmt.Errorf("voting: get session: %w", err)
	}
	return s, nil
}

// SaveSession writes back the mutable session fields.
func (r *Repository) SaveSession(ctx context.Context, tx pgx.Tx, s Session) error {
	const q = `
		UPDATE voting_sessions
		SET active = $2, completed = $3, support_count = $4, reject_count = $5, upheld = $6
		WHERE case_id = $1
	`
	tag, err := tx.Exec(ctx, q, s.CaseID, s.Active, s.Completed, s.SupportCount, s.RejectCount, s.Upheld)
	if err != nil {
		return fmt.Errorf("voting: save session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrSessionNotFound
	}
	return nil
}

// IsPanelist reports whether the validator belongs to the case's fixed panel.
func (r *Repository) IsPanelist(ctx context.Context, tx pgx.Tx, caseID, validatorID string) (bool, error) {
	const q = `SELECT EXISTS (SELECT 1 FROM voting_panel WHERE case_id = $1 AND validator_id = $2)`
	var ok bool
	if err := tx.QueryRow(ctx, q, caseID, validatorID).Scan(&ok); err != nil {
		return false, fmt.Errorf("voting: check panelist: %w", err)
	}
	return ok, nil
}

// Panel lists the case's validators in insertion order.
func (r *Repository) Panel(ctx context.Context, caseID string) ([]string, error) {
	const q = `SELECT validator_id FROM voting_panel WHERE case_id = $1 ORDER BY validator_id`
	rows, err := r.pool.Query(ctx, q, caseID)
	if err != nil {
		return nil, fmt.Errorf("voting: list panel: %w", err)
	}
	defer rows.Close()

	out := make([]string, 0, 8)
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("voting: scan panelist: %w", err)
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("voting: iterate panel: %w", err)
	}
	return out, nil
}

// InsertVote records a write-once vote; the primary key enforces one ballot
// per validator per case.
func (r *Repository) InsertVote(ctx context.Context, tx pgx.Tx, v Vote) error {
	const q = `
		INSERT INTO votes (case_id, validator_id, choice, rationale, evidence_ref)
		VALUES ($1, $2, $3::vote_choice, $4, $5)
	`
	if _, err := tx.Exec(ctx, q, v.CaseID, v.ValidatorID, v.Choice, v.Rationale, v.EvidenceRef); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrDuplicateVote
		}
		return fmt.Errorf("voting: insert vote: %w", err)
	}
	return nil
}

// Votes lists every recorded vote for the case.
func (r *Repository) Votes(ctx context.Context, caseID string) ([]Vote, error) {
	const q = `
		SELECT case_id, validator_id, choice::text, rationale, evidence_ref, created_at
		FROM votes
		WHERE case_id = $1
		ORDER BY validator_id
	`
	rows, err := r.pool.Query(ctx, q, caseID)
	if err != nil {
		return nil, fmt.Errorf("voting: list votes: %w", err)
	}
	defer rows.Close()

	out := make([]Vote, 0, 8)
	for rows.Next() {
		var v Vote
		if err := rows.Scan(&v.CaseID, &v.ValidatorID, &v.Choice, &v.Rationale, &v.EvidenceRef, &v.CreatedAt); err != nil {
			return nil, fmt.Errorf("voting: scan vote: %w", err)
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("voting: iterate votes: %w", err)
	}
	return out, nil
}

// CountVotes returns how many panelists have voted so far.
func (r *Repository) CountVotes(ctx context.Context, tx pgx.Tx, caseID string) (int, error) {
	var n int
	if err := tx.QueryRow(ctx, `SELECT COUNT(*) FROM votes WHERE case_id = $1`, caseID).Scan(&n); err != nil {
		return 0, fmt.Errorf("voting: count votes: %w", err)
	}
	return n, nil
}

// PanelSize returns the number of validators on the case's panel.
func (r *Repository) PanelSize(ctx context.Context, tx pgx.Tx, caseID string) (int, error) {
	var n int
	if err := tx.QueryRow(ctx, `SELECT COUNT(*) FROM voting_panel WHERE case_id = $1`, caseID).Scan(&n); err != nil {
		return 0, fmt.Errorf("voting: count panel: %w", err)
	}
	return n, nil
}

func scanSession(row pgx.Row) (Session, error) {
	var s Session
	err := row.Scan(
		&s.CaseID,
		&s.StartsAt,
		&s.EndsAt,
		&s.Active,
		&s.Completed,
		&s.SupportCount,
		&s.RejectCount,
		&s.Upheld,
		&s.CreatedAt,
	)
	if err != nil {
		return Session{}, err
	}
	return s, nil
}
