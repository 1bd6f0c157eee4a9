package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"caseflow/events"
)

var (
	// ErrInvalidAmount signals a zero or negative monetary amount.
	ErrInvalidAmount = errors.New("ledger: amount must be positive")
	// ErrInsufficientCollateral signals available collateral below the requirement.
	ErrInsufficientCollateral = errors.New("ledger: insufficient available collateral")
	// ErrNoCaseCollateral signals an unfreeze for a (case, user) pair with no record.
	ErrNoCaseCollateral = errors.New("ledger: no collateral recorded for case")
	// ErrRestricted signals the profile is operation-restricted.
	ErrRestricted = errors.New("ledger: profile is operation-restricted")
)

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Store defines the data access required by the service.
type Store interface {
	GetProfileForUpdate(ctx context.Context, tx pgx.Tx, userID string) (DepositProfile, bool, error)
	GetProfile(ctx context.Context, userID string) (DepositProfile, error)
	InsertProfile(ctx context.Context, tx pgx.Tx, p DepositProfile) error
	SaveProfile(ctx context.Context, tx pgx.Tx, p DepositProfile) error
	InsertCaseCollateral(ctx context.Context, tx pgx.Tx, caseID, userID string, amount int64) error
	GetCaseCollateralForUpdate(ctx context.Context, tx pgx.Tx, caseID, userID string) (int64, bool, error)
	DeleteCaseCollateral(ctx context.Context, tx pgx.Tx, caseID, userID string) error
	ReduceCaseCollateral(ctx context.Context, tx pgx.Tx, caseID, userID string, amount int64) error
	SumCaseCollateral(ctx context.Context, tx pgx.Tx, userID string) (int64, error)
	ListCaseCollateralForUpdate(ctx context.Context, tx pgx.Tx, userID string) ([]CaseCollateral, error)
	AddToReserve(ctx context.Context, tx pgx.Tx, amount int64) error
	ReserveBalance(ctx context.Context) (int64, error)
}

// ReputationSource supplies the reputation score the requirement calculation
// depends on. The registry service satisfies this.
type ReputationSource interface {
	Reputation(ctx context.Context, userID string) (int, error)
}

// Service is the escrow ledger: per-user collateral accounting, dynamic
// requirement calculation, freeze/unfreeze, and liquidation. Every balance
// mutation locks the profile row first, then any case records, so operations
// on one user serialize regardless of which case triggered them.
type Service struct {
	pool       TxBeginner
	repo       Store
	cfg        Config
	reputation ReputationSource
	timeline   events.TimelineWriter
	outbox     events.OutboxWriter
}

func NewService(pool TxBeginner, repo Store, cfg Config, reputation ReputationSource, timeline events.TimelineWriter, outbox events.OutboxWriter) *Service {
	return &Service{
		pool:       pool,
		repo:       repo,
		cfg:        cfg,
		reputation: reputation,
		timeline:   timeline,
		outbox:     outbox,
	}
}

// Config exposes the calculation tunables to callers that need to reason
// about requirements without mutating anything.
func (s *Service) Config() Config {
	return s.cfg
}

// Deposit credits the user's total collateral, creating the profile lazily on
// first use. A profile whose coverage recovers out of the liquidation band is
// un-restricted here, since new funds are the only repair path.
func (s *Service) Deposit(ctx context.Context, userID string, amount int64) (DepositProfile, error) {
	if amount <= 0 {
		return DepositProfile{}, ErrInvalidAmount
	}
	if userID == "" {
		return DepositProfile{}, fmt.Errorf("ledger: missing user id")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return DepositProfile{}, fmt.Errorf("ledger: begin deposit tx: %w", err)
	}
	defer tx.Rollback(ctx)

	profile, exists, err := s.repo.GetProfileForUpdate(ctx, tx, userID)
	if err != nil {
		return DepositProfile{}, err
	}

	profile.Total += amount
	profile.Health = s.cfg.healthFor(profile.Total, profile.Required)
	if profile.Restricted && profile.Health != HealthLiquidation {
		profile.Restricted = false
	}

	if exists {
		err = s.repo.SaveProfile(ctx, tx, profile)
	} else {
		err = s.repo.InsertProfile(ctx, tx, profile)
	}
	if err != nil {
		return DepositProfile{}, err
	}

	if s.outbox != nil {
		payload := map[string]any{"user_id": userID, "amount": amount, "total": profile.Total}
		if err := s.outbox.Enqueue(ctx, tx, "ledger.deposited", payload); err != nil {
			return DepositProfile{}, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return DepositProfile{}, fmt.Errorf("ledger: commit deposit: %w", err)
	}
	return profile, nil
}

// Withdraw debits available collateral. Restricted profiles may not withdraw.
func (s *Service) Withdraw(ctx context.Context, userID string, amount int64) (DepositProfile, error) {
	if amount <= 0 {
		return DepositProfile{}, ErrInvalidAmount
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return DepositProfile{}, fmt.Errorf("ledger: begin withdraw tx: %w", err)
	}
	defer tx.Rollback(ctx)

	profile, exists, err := s.repo.GetProfileForUpdate(ctx, tx, userID)
	if err != nil {
		return DepositProfile{}, err
	}
	if !exists {
		return DepositProfile{}, ErrProfileNotFound
	}
	if profile.Restricted {
		return DepositProfile{}, ErrRestricted
	}
	if profile.Available() < amount {
		return DepositProfile{}, ErrInsufficientCollateral
	}

	profile.Total -= amount
	profile.Health = s.cfg.healthFor(profile.Total, profile.Required)
	if profile.Health == HealthLiquidation {
		profile.Restricted = true
	}

	if err := s.repo.SaveProfile(ctx, tx, profile); err != nil {
		return DepositProfile{}, err
	}

	if s.outbox != nil {
		payload := map[string]any{"user_id": userID, "amount": amount, "total": profile.Total}
		if err := s.outbox.Enqueue(ctx, tx, "ledger.withdrawn", payload); err != nil {
			return DepositProfile{}, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return DepositProfile{}, fmt.Errorf("ledger: commit withdraw: %w", err)
	}
	return profile, nil
}

// Freeze locks the dynamically computed requirement for one case inside the
// caller's transaction and returns the amount actually frozen. The caller is
// expected to hold the case row lock already.
func (s *Service) Freeze(ctx context.Context, tx pgx.Tx, caseID, userID string, tier RiskTier, base int64) (int64, error) {
	if base <= 0 {
		return 0, ErrInvalidAmount
	}
	if !ValidTier(tier) {
		return 0, fmt.Errorf("ledger: invalid risk tier %q", tier)
	}

	reputation, err := s.reputation.Reputation(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("ledger: fetch reputation: %w", err)
	}

	profile, exists, err := s.repo.GetProfileForUpdate(ctx, tx, userID)
	if err != nil {
		return 0, err
	}
	if !exists {
		return 0, ErrInsufficientCollateral
	}

	required := s.cfg.RequiredCollateral(base, tier, profile.ActiveCases, reputation)
	if profile.Available() < required {
		return 0, ErrInsufficientCollateral
	}

	profile.Frozen += required
	profile.ActiveCases++
	profile.Required += required
	profile.Health = s.cfg.healthFor(profile.Total, profile.Required)
	if profile.Health == HealthLiquidation {
		profile.Restricted = true
	}

	if err := s.repo.SaveProfile(ctx, tx, profile); err != nil {
		return 0, err
	}
	if err := s.repo.InsertCaseCollateral(ctx, tx, caseID, userID, required); err != nil {
		return 0, err
	}

	if err := s.emit(ctx, tx, caseID, userID, events.TypeDepositFrozen, events.TopicDepositFrozen, required); err != nil {
		return 0, err
	}
	return required, nil
}

// Unfreeze releases the case-scoped amount inside the caller's transaction
// and returns it. The required figure is recomputed from the remaining case
// records rather than decremented, so drift self-corrects.
func (s *Service) Unfreeze(ctx context.Context, tx pgx.Tx, caseID, userID string) (int64, error) {
	profile, exists, err := s.repo.GetProfileForUpdate(ctx, tx, userID)
	if err != nil {
		return 0, err
	}
	if !exists {
		return 0, ErrNoCaseCollateral
	}

	// A zero-amount record is still releasable: a penalty may have consumed
	// the whole case stake, and the case slot must be freed regardless.
	amount, found, err := s.repo.GetCaseCollateralForUpdate(ctx, tx, caseID, userID)
	if err != nil {
		return 0, err
	}
	if !found {
		return 0, ErrNoCaseCollateral
	}

	profile.Frozen -= amount
	if profile.Frozen < 0 {
		if err := s.signalAnomaly(ctx, tx, userID, "frozen_underflow", profile.Frozen); err != nil {
			return 0, err
		}
		profile.Frozen = 0
	}
	if profile.ActiveCases > 0 {
		profile.ActiveCases--
	}

	if err := s.repo.DeleteCaseCollateral(ctx, tx, caseID, userID); err != nil {
		return 0, err
	}

	remaining, err := s.repo.SumCaseCollateral(ctx, tx, userID)
	if err != nil {
		return 0, err
	}
	profile.Required = remaining
	profile.Health = s.cfg.healthFor(profile.Total, profile.Required)

	if err := s.repo.SaveProfile(ctx, tx, profile); err != nil {
		return 0, err
	}

	if err := s.emit(ctx, tx, caseID, userID, events.TypeDepositUnfrozen, events.TopicDepositUnfrozen, amount); err != nil {
		return 0, err
	}
	return amount, nil
}

// Penalize moves part of a punished user's frozen case collateral to the
// shared reserve inside the caller's transaction. The penalty may not exceed
// the amount frozen for the case.
func (s *Service) Penalize(ctx context.Context, tx pgx.Tx, caseID, userID string, amount int64) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}

	profile, exists, err := s.repo.GetProfileForUpdate(ctx, tx, userID)
	if err != nil {
		return err
	}
	if !exists {
		return ErrNoCaseCollateral
	}

	frozen, found, err := s.repo.GetCaseCollateralForUpdate(ctx, tx, caseID, userID)
	if err != nil {
		return err
	}
	if !found {
		return ErrNoCaseCollateral
	}
	if amount > frozen {
		return fmt.Errorf("ledger: penalty %d exceeds frozen %d: %w", amount, frozen, ErrInsufficientCollateral)
	}

	profile.Total -= amount
	profile.Frozen -= amount
	if profile.Total < 0 {
		if err := s.signalAnomaly(ctx, tx, userID, "total_underflow", profile.Total); err != nil {
			return err
		}
		profile.Total = 0
	}
	if profile.Frozen < 0 {
		if err := s.signalAnomaly(ctx, tx, userID, "frozen_underflow", profile.Frozen); err != nil {
			return err
		}
		profile.Frozen = 0
	}
	profile.Health = s.cfg.healthFor(profile.Total, profile.Required)
	if profile.Health == HealthLiquidation {
		profile.Restricted = true
	}

	if err := s.repo.SaveProfile(ctx, tx, profile); err != nil {
		return err
	}

	if err := s.repo.ReduceCaseCollateral(ctx, tx, caseID, userID, amount); err != nil {
		return err
	}

	return s.repo.AddToReserve(ctx, tx, amount)
}

// LiquidationResult reports what a full liquidation did.
type LiquidationResult struct {
	CasesExited int
	Unfrozen    int64
	Penalty     int64
	Remaining   int64
}

// Liquidate is the strict-deployment variant: it force-exits every active
// case, unfreezes the recorded amounts, and moves a fixed percentage of the
// remaining balance into the shared reserve. Internal-consistency anomalies
// clamp to zero and emit a diagnostic signal instead of aborting, because a
// partially-completed liquidation is worse than an approximately-correct one.
func (s *Service) Liquidate(ctx context.Context, userID string) (LiquidationResult, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return LiquidationResult{}, fmt.Errorf("ledger: begin liquidation tx: %w", err)
	}
	defer tx.Rollback(ctx)

	profile, exists, err := s.repo.GetProfileForUpdate(ctx, tx, userID)
	if err != nil {
		return LiquidationResult{}, err
	}
	if !exists {
		return LiquidationResult{}, ErrProfileNotFound
	}

	records, err := s.repo.ListCaseCollateralForUpdate(ctx, tx, userID)
	if err != nil {
		return LiquidationResult{}, err
	}

	var result LiquidationResult
	for _, rec := range records {
		profile.Frozen -= rec.Amount
		result.Unfrozen += rec.Amount
		result.CasesExited++
		if err := s.repo.DeleteCaseCollateral(ctx, tx, rec.CaseID, userID); err != nil {
			return LiquidationResult{}, err
		}
		if err := s.emit(ctx, tx, rec.CaseID, userID, events.TypeDepositUnfrozen, events.TopicDepositUnfrozen, rec.Amount); err != nil {
			return LiquidationResult{}, err
		}
	}
	if profile.Frozen < 0 {
		if err := s.signalAnomaly(ctx, tx, userID, "frozen_underflow", profile.Frozen); err != nil {
			return LiquidationResult{}, err
		}
		profile.Frozen = 0
	}
	if profile.Frozen > profile.Total {
		if err := s.signalAnomaly(ctx, tx, userID, "frozen_exceeds_total", profile.Frozen-profile.Total); err != nil {
			return LiquidationResult{}, err
		}
		profile.Frozen = profile.Total
	}

	result.Penalty = profile.Total * s.cfg.LiquidationPenaltyPct / 100
	profile.Total -= result.Penalty
	if profile.Total < 0 {
		if err := s.signalAnomaly(ctx, tx, userID, "total_underflow", profile.Total); err != nil {
			return LiquidationResult{}, err
		}
		profile.Total = 0
	}
	result.Remaining = profile.Total

	profile.ActiveCases = 0
	profile.Required = 0
	profile.Health = s.cfg.healthFor(profile.Total, profile.Required)
	profile.Restricted = true

	if err := s.repo.SaveProfile(ctx, tx, profile); err != nil {
		return LiquidationResult{}, err
	}
	if result.Penalty > 0 {
		if err := s.repo.AddToReserve(ctx, tx, result.Penalty); err != nil {
			return LiquidationResult{}, err
		}
	}

	if s.outbox != nil {
		payload := map[string]any{
			"user_id":      userID,
			"cases_exited": result.CasesExited,
			"unfrozen":     result.Unfrozen,
			"penalty":      result.Penalty,
		}
		if err := s.outbox.Enqueue(ctx, tx, "ledger.liquidated", payload); err != nil {
			return LiquidationResult{}, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return LiquidationResult{}, fmt.Errorf("ledger: commit liquidation: %w", err)
	}
	return result, nil
}

// CanParticipate reports whether the user may enter a new case at the given
// tier and base amount: not restricted, below the concurrent-case cap, and
// holding enough available collateral for the computed requirement.
func (s *Service) CanParticipate(ctx context.Context, userID string, tier RiskTier, base int64) (bool, error) {
	profile, err := s.repo.GetProfile(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrProfileNotFound) {
			return false, nil
		}
		return false, err
	}
	if profile.Restricted {
		return false, nil
	}
	if profile.ActiveCases >= s.cfg.MaxConcurrentCases {
		return false, nil
	}

	reputation, err := s.reputation.Reputation(ctx, userID)
	if err != nil {
		return false, fmt.Errorf("ledger: fetch reputation: %w", err)
	}
	required := s.cfg.RequiredCollateral(base, tier, profile.ActiveCases, reputation)
	return profile.Available() >= required, nil
}

// Profile returns the deposit profile for read-only queries.
func (s *Service) Profile(ctx context.Context, userID string) (DepositProfile, error) {
	return s.repo.GetProfile(ctx, userID)
}

// Reserve returns the shared penalty reserve balance.
func (s *Service) Reserve(ctx context.Context) (int64, error) {
	return s.repo.ReserveBalance(ctx)
}

func (s *Service) emit(ctx context.Context, tx pgx.Tx, caseID, userID, eventType, topic string, amount int64) error {
	payload := map[string]any{"case_id": caseID, "user_id": userID, "amount": amount}
	if s.timeline != nil {
		if err := s.timeline.Append(ctx, tx, caseID, eventType, userID, payload); err != nil {
			return err
		}
	}
	if s.outbox != nil {
		if err := s.outbox.Enqueue(ctx, tx, topic, payload); err != nil {
			return err
		}
	}
	return nil
}

// signalAnomaly records an internal-consistency repair. The operation
// continues after clamping; these signals are how observers learn the books
// needed healing.
func (s *Service) signalAnomaly(ctx context.Context, tx pgx.Tx, userID, kind string, value int64) error {
	if s.outbox == nil {
		return nil
	}
	payload := map[string]any{"user_id": userID, "kind": kind, "value": value}
	return s.outbox.Enqueue(ctx, tx, events.TopicLedgerAnomaly, payload)
}
