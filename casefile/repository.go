package casefile

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrCaseNotFound signals the case does not exist.
	ErrCaseNotFound = errors.New("casefile: case not found")
	// ErrWrongStatus signals a transition attempted out of order.
	ErrWrongStatus = errors.New("casefile: wrong lifecycle status")
)

// Repository provides data access for cases.
type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const caseColumns = `id, complainant_id, enterprise_id, tier::text, status::text, evidence_ref, upheld,
	complainant_locked, enterprise_locked, completed, completed_at, cancel_reason, created_at, updated_at`

// InsertCase creates the case row inside the caller's transaction.
func (r *Repository) InsertCase(ctx context.Context, tx pgx.Tx, c Case) error {
	const q = `
		INSERT INTO cases (id, complainant_id, enterprise_id, tier, status, evidence_ref)
		VALUES ($1, $2, $3, $4::risk_tier, $5::case_status, $6)
	`
	if _, err := tx.Exec(ctx, q, c.ID, c.ComplainantID, c.EnterpriseID, c.Tier, c.Status, c.EvidenceRef); err != nil {
		return fmt.Errorf("casefile: insert case: %w", err)
	}
	return nil
}

// GetCaseForUpdate locks the case row; it is the per-case serialization
// point for every transition.
func (r *Repository) GetCaseForUpdate(ctx context.Context, tx pgx.Tx, id string) (Case, error) {
	const q = `SELECT ` + caseColumns + ` FROM cases WHERE id = $1 FOR UPDATE`
	c, err := scanCase(tx.QueryRow(ctx, q, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Case{}, ErrCaseNotFound
		}
		return Case{}, fmt.Errorf("casefile: lock case: %w", err)
	}
	return c, nil
}

// GetCase reads the case without locking, for read-only queries.
func (r *Repository) GetCase(ctx context.Context, id string) (Case, error) {
	const q = `SELECT ` + caseColumns + ` FROM cases WHERE id = $1`
	c, err := scanCase(r.pool.QueryRow(ctx, q, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Case{}, ErrCaseNotFound
		}
		return Case{}, fmt.Errorf("casefile: get case: %w", err)
	}
	return c, nil
}

// AdvanceStatus moves the case from exactly the given predecessor to the
// next status. The WHERE guard re-checks the predecessor so a concurrent
// cancellation between lock and write can never be overwritten.
func (r *Repository) AdvanceStatus(ctx context.Context, tx pgx.Tx, id string, from, to Status) error {
	const q = `
		UPDATE cases
		SET status = $3::case_status, updated_at = now()
		WHERE id = $1 AND status = $2::case_status
	`
	tag, err := tx.Exec(ctx, q, id, from, to)
	if err != nil {
		return fmt.Errorf("casefile: advance status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrWrongStatus
	}
	return nil
}

// SaveLockedAmounts records what was actually frozen for each party.
func (r *Repository) SaveLockedAmounts(ctx context.Context, tx pgx.Tx, id string, complainant, enterprise int64) error {
	const q = `
		UPDATE cases
		SET complainant_locked = $2, enterprise_locked = $3, updated_at = now()
		WHERE id = $1
	`
	if _, err := tx.Exec(ctx, q, id, complainant, enterprise); err != nil {
		return fmt.Errorf("casefile: save locked amounts: %w", err)
	}
	return nil
}

// SaveOutcome records the upheld determination.
func (r *Repository) SaveOutcome(ctx context.Context, tx pgx.Tx, id string, upheld bool) error {
	const q = `UPDATE cases SET upheld = $2, updated_at = now() WHERE id = $1`
	if _, err := tx.Exec(ctx, q, id, upheld); err != nil {
		return fmt.Errorf("casefile: save outcome: %w", err)
	}
	return nil
}

// MarkCompleted finalizes the case.
func (r *Repository) MarkCompleted(ctx context.Context, tx pgx.Tx, id string) error {
	const q = `
		UPDATE cases
		SET status = 'COMPLETED', completed = true, completed_at = now(), updated_at = now()
		WHERE id = $1 AND status = 'REWARD_PUNISHMENT'
	`
	tag, err := tx.Exec(ctx, q, id)
	if err != nil {
		return fmt.Errorf("casefile: mark completed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrWrongStatus
	}
	return nil
}

// MarkCancelled moves any non-terminal case to the terminal CANCELLED state.
func (r *Repository) MarkCancelled(ctx context.Context, tx pgx.Tx, id string, reason *string) error {
	const q = `
		UPDATE cases
		SET status = 'CANCELLED', cancel_reason = $2, completed = true, completed_at = now(), updated_at = now()
		WHERE id = $1 AND status NOT IN ('COMPLETED', 'CANCELLED')
	`
	tag, err := tx.Exec(ctx, q, id, reason)
	if err != nil {
		return fmt.Errorf("casefile: mark cancelled: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrWrongStatus
	}
	return nil
}

func scanCase(row pgx.Row) (Case, error) {
	var c Case
	err := row.Scan(
		&c.ID,
		&c.ComplainantID,
		&c.EnterpriseID,
		&c.Tier,
		&c.Status,
		&c.EvidenceRef,
		&c.Upheld,
		&c.ComplainantLocked,
		&c.EnterpriseLocked,
		&c.Completed,
		&c.CompletedAt,
		&c.CancelReason,
		&c.CreatedAt,
		&c.UpdatedAt,
	)
	if err != nil {
		return Case{}, err
	}
	return c, nil
}
