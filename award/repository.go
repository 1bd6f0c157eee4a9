package award

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrRecordNotFound signals no allocation record exists for the case.
	ErrRecordNotFound = errors.New("award: record not found")
	// ErrAlreadyProcessed signals reward/punishment was already executed for the case.
	ErrAlreadyProcessed = errors.New("award: already processed")
)

// Repository provides data access for allocation records and entries.
type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// InsertRecord reserves the per-case allocation record. The primary key on
// case_id is the double-processing guard: a second insert for the same case
// fails with ErrAlreadyProcessed.
func (r *Repository) InsertRecord(ctx context.Context, tx pgx.Tx, caseID string, upheld bool) error {
	const q = `
		INSERT INTO award_records (case_id, upheld, processed, processed_at)
		VALUES ($1, $2, true, now())
	`
	if _, err := tx.Exec(ctx, q, caseID, upheld); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrAlreadyProcessed
		}
		return fmt.Errorf("award: insert record: %w", err)
	}
	return nil
}

// InsertEntry records one rewarded or punished participant.
func (r *Repository) InsertEntry(ctx context.Context, tx pgx.Tx, e Entry) error {
	const q = `
		INSERT INTO award_entries (case_id, user_id, role, rewarded)
		VALUES ($1, $2, $3::award_role, $4)
		ON CONFLICT (case_id, user_id, role) DO NOTHING
	`
	if _, err := tx.Exec(ctx, q, e.CaseID, e.UserID, e.Role, e.Rewarded); err != nil {
		return fmt.Errorf("award: insert entry: %w", err)
	}
	return nil
}

// GetRecord returns the allocation record with its entries.
func (r *Repository) GetRecord(ctx context.Context, caseID string) (Record, error) {
	const q = `SELECT case_id, upheld, processed, processed_at FROM award_records WHERE case_id = $1`

	var rec Record
	if err := r.pool.QueryRow(ctx, q, caseID).Scan(&rec.CaseID, &rec.Upheld, &rec.Processed, &rec.ProcessedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrRecordNotFound
		}
		return Record{}, fmt.Errorf("award: get record: %w", err)
	}

	const entriesQ = `
		SELECT case_id, user_id, role::text, rewarded
		FROM award_entries
		WHERE case_id = $1
		ORDER BY role, user_id
	`
	rows, err := r.pool.Query(ctx, entriesQ, caseID)
	if err != nil {
		return Record{}, fmt.Errorf("award: list entries: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.CaseID, &e.UserID, &e.Role, &e.Rewarded); err != nil {
			return Record{}, fmt.Errorf("award: scan entry: %w", err)
		}
		if e.Rewarded {
			rec.Rewarded = append(rec.Rewarded, e)
		} else {
			rec.Punished = append(rec.Punished, e)
		}
	}
	if err := rows.Err(); err != nil {
		return Record{}, fmt.Errorf("award: iterate entries: %w", err)
	}
	return rec, nil
}
