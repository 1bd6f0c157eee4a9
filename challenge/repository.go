package challenge

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrSessionNotFound signals no challenge session exists for the case.
	ErrSessionNotFound = errors.New("challenge: session not found")
	// ErrDuplicateChallenge signals the challenger already challenged this validator.
	ErrDuplicateChallenge = errors.New("challenge: duplicate challenge")
)

// Repository provides data access for challenge sessions and challenges.
type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const sessionColumns = `case_id, starts_at, ends_at, active, completed, outcome_changed, created_at`

// InsertSession creates the challenge session inside the caller's transaction.
func (r *Repository) InsertSession(ctx context.Context, tx pgx.Tx, s Session) error {
	const q = `
		INSERT INTO challenge_sessions (case_id, starts_at, ends_at, active, completed, outcome_changed)
		VALUES ($1, $2, $3, true, false, false)
	`
	if _, err := tx.Exec(ctx, q, s.CaseID, s.StartsAt, s.EndsAt); err != nil {
		return fmt.Errorf("challenge: insert session: %w", err)
	}
	return nil
}

// GetSessionForUpdate locks the session row for the case.
func (r *Repository) GetSessionForUpdate(ctx context.Context, tx pgx.Tx, caseID string) (Session, error) {
	const q = `SELECT ` + sessionColumns + ` FROM challenge_sessions WHERE case_id = $1 FOR UPDATE`
	s, err := scanSession(tx.QueryRow(ctx, q, caseID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Session{}, ErrSessionNotFound
		}
		return Session{}, fmt.Errorf("challenge: lock session: %w", err)
	}
	return s, nil
}

// GetSession reads the session without locking.
func (r *Repository) GetSession(ctx context.Context, caseID string) (Session, error) {
	const q = `SELECT ` + sessionColumns + ` FROM challenge_sessions WHERE case_id = $1`
	s, err := scanSession(r.pool.QueryRow(ctx, q, caseID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Session{}, ErrSessionNotFound
		}
		return Session{}, fmt.Errorf("challenge: get session: %w", err)
	}
	return s, nil
}

// SaveSession writes back the mutable session fields.
func (r *Repository) SaveSession(ctx context.Context, tx pgx.Tx, s Session) error {
	const q = `
		UPDATE challenge_sessions
		SET active = $2, completed = $3, outcome_changed = $4
		WHERE case_id = $1
	`
	tag, err := tx.Exec(ctx, q, s.CaseID, s.Active, s.Completed, s.OutcomeChanged)
	if err != nil {
		return fmt.Errorf("challenge: save session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrSessionNotFound
	}
	return nil
}

// InsertChallenge records a challenge; the primary key rejects duplicates
// from the same challenger against the same validator.
func (r *Repository) InsertChallenge(ctx context.Context, tx pgx.Tx, c Challenge) error {
	const q = `
		INSERT INTO challenges (case_id, challenger_id, target_validator_id, stance, rationale, evidence_ref)
		VALUES ($1, $2, $3, $4::challenge_stance, $5, $6)
	`
	if _, err := tx.Exec(ctx, q, c.CaseID, c.ChallengerID, c.TargetValidatorID, c.Stance, c.Rationale, c.EvidenceRef); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrDuplicateChallenge
		}
		return fmt.Errorf("challenge: insert challenge: %w", err)
	}
	return nil
}

// ListChallenges returns every challenge lodged for the case. The tx variant
// is used during resolution so the read happens under the session lock.
func (r *Repository) ListChallenges(ctx context.Context, tx pgx.Tx, caseID string) ([]Challenge, error) {
	const q = `
		SELECT case_id, challenger_id, target_validator_id, stance::text, rationale, evidence_ref, successful, created_at
		FROM challenges
		WHERE case_id = $1
		ORDER BY target_validator_id, challenger_id
	`
	rows, err := tx.Query(ctx, q, caseID)
	if err != nil {
		return nil, fmt.Errorf("challenge: list challenges: %w", err)
	}
	return collectChallenges(rows)
}

// Challenges returns every challenge for read-only queries.
func (r *Repository) Challenges(ctx context.Context, caseID string) ([]Challenge, error) {
	const q = `
		SELECT case_id, challenger_id, target_validator_id, stance::text, rationale, evidence_ref, successful, created_at
		FROM challenges
		WHERE case_id = $1
		ORDER BY created_at, challenger_id
	`
	rows, err := r.pool.Query(ctx, q, caseID)
	if err != nil {
		return nil, fmt.Errorf("challenge: list challenges: %w", err)
	}
	return collectChallenges(rows)
}

// MarkOutcome records whether one challenger's stance toward one validator
// prevailed.
func (r *Repository) MarkOutcome(ctx context.Context, tx pgx.Tx, caseID, challengerID, targetValidatorID string, successful bool) error {
	const q = `
		UPDATE challenges SET successful = $4
		WHERE case_id = $1 AND challenger_id = $2 AND target_validator_id = $3
	`
	if _, err := tx.Exec(ctx, q, caseID, challengerID, targetValidatorID, successful); err != nil {
		return fmt.Errorf("challenge: mark outcome: %w", err)
	}
	return nil
}

func scanSession(row pgx.Row) (Session, error) {
	var s Session
	err := row.Scan(
		&s.CaseID,
		&s.StartsAt,
		&s.EndsAt,
		&s.Active,
		&s.Completed,
		&s.OutcomeChanged,
		&s.CreatedAt,
	)
	if err != nil {
		return Session{}, err
	}
	return s, nil
}

func collectChallenges(rows pgx.Rows) ([]Challenge, error) {
	defer rows.Close()

	out := make([]Challenge, 0, 8)
	for rows.Next() {
		var c Challenge
		if err := rows.Scan(&c.CaseID, &c.ChallengerID, &c.TargetValidatorID, &c.Stance, &c.Rationale, &c.EvidenceRef, &c.Successful, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("challenge: scan challenge: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("challenge: iterate challenges: %w", err)
	}
	return out, nil
}
