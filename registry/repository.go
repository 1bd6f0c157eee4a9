package registry

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrParticipantNotFound signals that the participant does not exist.
	ErrParticipantNotFound = errors.New("registry: participant not found")
	// ErrDuplicateEmail signals that the email is already registered.
	ErrDuplicateEmail = errors.New("registry: email already exists")
)

// Repository handles data access for participant accounts.
type Repository interface {
	CreateParticipant(ctx context.Context, params CreateParticipantParams) (Participant, error)
	GetByEmail(ctx context.Context, email string) (Participant, error)
	GetByID(ctx context.Context, id string) (Participant, error)
	ListActiveByRole(ctx context.Context, role Role) ([]Participant, error)
	AdjustReputation(ctx context.Context, tx pgx.Tx, id string, delta int) (int, error)
}

// CreateParticipantParams contains write parameters for new accounts.
type CreateParticipantParams struct {
	Email        string
	FullName     string
	PasswordHash string
	Role         Role
	Reputation   int
}

// PGRepository implements Repository backed by PostgreSQL.
type PGRepository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a PostgreSQL-backed registry repository.
func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

const participantColumns = `id, email, full_name, password_hash, role::text, reputation, active, created_at, updated_at`

// CreateParticipant inserts a new account with hashed password.
func (r *PGRepository) CreateParticipant(ctx context.Context, params CreateParticipantParams) (Participant, error) {
	const insertSQL = `
		INSERT INTO participants (email, full_name, password_hash, role, reputation, active)
		VALUES ($1, $2, $3, $4::participant_role, $5, true)
		RETURNING ` + participantColumns

	p, err := scanParticipant(r.pool.QueryRow(ctx, insertSQL, params.Email, params.FullName, params.PasswordHash, params.Role, params.Reputation))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Participant{}, ErrDuplicateEmail
		}
		return Participant{}, fmt.Errorf("registry: create participant: %w", err)
	}
	return p, nil
}

// GetByEmail retrieves a participant by email address.
func (r *PGRepository) GetByEmail(ctx context.Context, email string) (Participant, error) {
	const selectSQL = `SELECT ` + participantColumns + ` FROM participants WHERE email = $1`

	p, err := scanParticipant(r.pool.QueryRow(ctx, selectSQL, email))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Participant{}, ErrParticipantNotFound
		}
		return Participant{}, fmt.Errorf("registry: get by email: %w", err)
	}
	return p, nil
}

// GetByID retrieves a participant by primary key.
func (r *PGRepository) GetByID(ctx context.Context, id string) (Participant, error) {
	const selectSQL = `SELECT ` + participantColumns + ` FROM participants WHERE id = $1`

	p, err := scanParticipant(r.pool.QueryRow(ctx, selectSQL, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Participant{}, ErrParticipantNotFound
		}
		return Participant{}, fmt.Errorf("registry: get by id: %w", err)
	}
	return p, nil
}

// ListActiveByRole returns every active participant holding the given role,
// ordered by creation time so validator pools are stable between draws.
func (r *PGRepository) ListActiveByRole(ctx context.Context, role Role) ([]Participant, error) {
	const selectSQL = `
		SELECT ` + participantColumns + `
		FROM participants
		WHERE role = $1::participant_role AND active
		ORDER BY created_at, id
	`

	rows, err := r.pool.Query(ctx, selectSQL, role)
	if err != nil {
		return nil, fmt.Errorf("registry: list by role: %w", err)
	}
	defer rows.Close()

	out := make([]Participant, 0, 16)
	for rows.Next() {
		var p Participant
		if err := rows.Scan(&p.ID, &p.Email, &p.FullName, &p.PasswordHash, &p.Role, &p.Reputation, &p.Active, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("registry: scan participant: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("registry: iterate participants: %w", err)
	}
	return out, nil
}

// AdjustReputation applies a signed delta inside the caller's transaction and
// returns the new score. Scores are floored at zero.
func (r *PGRepository) AdjustReputation(ctx context.Context, tx pgx.Tx, id string, delta int) (int, error) {
	const updateSQL = `
		UPDATE participants
		SET reputation = GREATEST(reputation + $2, 0),
		    updated_at = now()
		WHERE id = $1
		RETURNING reputation
	`

	var score int
	if err := tx.QueryRow(ctx, updateSQL, id, delta).Scan(&score); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrParticipantNotFound
		}
		return 0, fmt.Errorf("registry: adjust reputation: %w", err)
	}
	return score, nil
}

func scanParticipant(row pgx.Row) (Participant, error) {
	var p Participant
	err := row.Scan(
		&p.ID,
		&p.Email,
		&p.FullName,
		&p.PasswordHash,
		&p.Role,
		&p.Reputation,
		&p.Active,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if err != nil {
		return Participant{}, err
	}
	return p, nil
}
