package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrProfileNotFound signals the user has no deposit profile yet.
var ErrProfileNotFound = errors.New("ledger: deposit profile not found")

// Repository provides data access for deposit profiles, case collateral
// records, and the shared liquidation reserve. Mutating methods run inside
// the caller's transaction; the row lock on deposit_profiles is the per-user
// serialization point for every balance mutation.
type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const profileColumns = `user_id, total, frozen, active_cases, required, health::text, restricted, created_at, updated_at`

// GetProfileForUpdate locks and returns the user's profile. The second return
// is false when the profile does not exist yet.
func (r *Repository) GetProfileForUpdate(ctx context.Context, tx pgx.Tx, userID string) (DepositProfile, bool, error) {
	const q = `SELECT ` + profileColumns + ` FROM deposit_profiles WHERE user_id = $1 FOR UPDATE`

	p, err := scanProfile(tx.QueryRow(ctx, q, userID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return DepositProfile{UserID: userID, Health: HealthHealthy}, false, nil
		}
		return DepositProfile{}, false, fmt.Errorf("ledger: lock profile: %w", err)
	}
	return p, true, nil
}

// GetProfile returns the profile without locking, for read-only queries.
func (r *Repository) GetProfile(ctx context.Context, userID string) (DepositProfile, error) {
	const q = `SELECT ` + profileColumns + ` FROM deposit_profiles WHERE user_id = $1`

	p, err := scanProfile(r.pool.QueryRow(ctx, q, userID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return DepositProfile{}, ErrProfileNotFound
		}
		return DepositProfile{}, fmt.Errorf("ledger: get profile: %w", err)
	}
	return p, nil
}

// InsertProfile creates the lazily-initialized profile row.
func (r *Repository) InsertProfile(ctx context.Context, tx pgx.Tx, p DepositProfile) error {
	const q = `
		INSERT INTO deposit_profiles (user_id, total, frozen, active_cases, required, health, restricted)
		VALUES ($1, $2, $3, $4, $5, $6::health_status, $7)
	`
	if _, err := tx.Exec(ctx, q, p.UserID, p.Total, p.Frozen, p.ActiveCases, p.Required, p.Health, p.Restricted); err != nil {
		return fmt.Errorf("ledger: insert profile: %w", err)
	}
	return nil
}

// SaveProfile writes back every mutable profile field.
func (r *Repository) SaveProfile(ctx context.Context, tx pgx.Tx, p DepositProfile) error {
	const q = `
		UPDATE deposit_profiles
		SET total = $2,
		    frozen = $3,
		    active_cases = $4,
		    required = $5,
		    health = $6::health_status,
		    restricted = $7,
		    updated_at = now()
		WHERE user_id = $1
	`
	tag, err := tx.Exec(ctx, q, p.UserID, p.Total, p.Frozen, p.ActiveCases, p.Required, p.Health, p.Restricted)
	if err != nil {
		return fmt.Errorf("ledger: save profile: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrProfileNotFound
	}
	return nil
}

// InsertCaseCollateral records the amount frozen for one (case, user) pair.
func (r *Repository) InsertCaseCollateral(ctx context.Context, tx pgx.Tx, caseID, userID string, amount int64) error {
	const q = `INSERT INTO case_collateral (case_id, user_id, amount) VALUES ($1, $2, $3)`
	if _, err := tx.Exec(ctx, q, caseID, userID, amount); err != nil {
		return fmt.Errorf("ledger: insert case collateral: %w", err)
	}
	return nil
}

// GetCaseCollateralForUpdate locks and returns the frozen amount for the
// pair. The second return is false when no record exists.
func (r *Repository) GetCaseCollateralForUpdate(ctx context.Context, tx pgx.Tx, caseID, userID string) (int64, bool, error) {
	const q = `SELECT amount FROM case_collateral WHERE case_id = $1 AND user_id = $2 FOR UPDATE`

	var amount int64
	if err := tx.QueryRow(ctx, q, caseID, userID).Scan(&amount); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("ledger: lock case collateral: %w", err)
	}
	return amount, true, nil
}

// DeleteCaseCollateral removes the record once its amount has been unfrozen.
func (r *Repository) DeleteCaseCollateral(ctx context.Context, tx pgx.Tx, caseID, userID string) error {
	const q = `DELETE FROM case_collateral WHERE case_id = $1 AND user_id = $2`
	if _, err := tx.Exec(ctx, q, caseID, userID); err != nil {
		return fmt.Errorf("ledger: delete case collateral: %w", err)
	}
	return nil
}

// ReduceCaseCollateral shrinks the case record by a penalty amount already
// validated against the frozen balance.
func (r *Repository) ReduceCaseCollateral(ctx context.Context, tx pgx.Tx, caseID, userID string, amount int64) error {
	const q = `UPDATE case_collateral SET amount = amount - $3 WHERE case_id = $1 AND user_id = $2`
	if _, err := tx.Exec(ctx, q, caseID, userID, amount); err != nil {
		return fmt.Errorf("ledger: reduce case collateral: %w", err)
	}
	return nil
}

// SumCaseCollateral totals the user's remaining case-scoped amounts. Unfreeze
// recomputes the required figure from this sum rather than subtracting, so
// any historical drift self-corrects.
func (r *Repository) SumCaseCollateral(ctx context.Context, tx pgx.Tx, userID string) (int64, error) {
	const q = `SELECT COALESCE(SUM(amount), 0) FROM case_collateral WHERE user_id = $1`

	var sum int64
	if err := tx.QueryRow(ctx, q, userID).Scan(&sum); err != nil {
		return 0, fmt.Errorf("ledger: sum case collateral: %w", err)
	}
	return sum, nil
}

// ListCaseCollateralForUpdate locks every open record for the user, ordered
// by case id so concurrent liquidations acquire locks in the same order.
func (r *Repository) ListCaseCollateralForUpdate(ctx context.Context, tx pgx.Tx, userID string) ([]CaseCollateral, error) {
	const q = `
		SELECT case_id, user_id, amount, created_at
		FROM case_collateral
		WHERE user_id = $1
		ORDER BY case_id
		FOR UPDATE
	`

	rows, err := tx.Query(ctx, q, userID)
	if err != nil {
		return nil, fmt.Errorf("ledger: list case collateral: %w", err)
	}
	defer rows.Close()

	out := make([]CaseCollateral, 0, 4)
	for rows.Next() {
		var cc CaseCollateral
		if err := rows.Scan(&cc.CaseID, &cc.UserID, &cc.Amount, &cc.CreatedAt); err != nil {
			return nil, fmt.Errorf("ledger: scan case collateral: %w", err)
		}
		out = append(out, cc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ledger: iterate case collateral: %w", err)
	}
	return out, nil
}

// AddToReserve credits the shared liquidation reserve.
func (r *Repository) AddToReserve(ctx context.Context, tx pgx.Tx, amount int64) error {
	const q = `UPDATE reserve SET balance = balance + $1, updated_at = now() WHERE id = 1`
	if _, err := tx.Exec(ctx, q, amount); err != nil {
		return fmt.Errorf("ledger: credit reserve: %w", err)
	}
	return nil
}

// ReserveBalance reads the current liquidation reserve balance.
func (r *Repository) ReserveBalance(ctx context.Context) (int64, error) {
	var balance int64
	if err := r.pool.QueryRow(ctx, `SELECT balance FROM reserve WHERE id = 1`).Scan(&balance); err != nil {
		return 0, fmt.Errorf("ledger: read reserve: %w", err)
	}
	return balance, nil
}

func scanProfile(row pgx.Row) (DepositProfile, error) {
	var p DepositProfile
	err := row.Scan(
		&p.UserID,
		&p.Total,
		&p.Frozen,
		&p.ActiveCases,
		&p.Required,
		&p.Health,
		&p.Restricted,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if err != nil {
		return DepositProfile{}, err
	}
	return p, nil
}
