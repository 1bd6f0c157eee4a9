package casefile

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"caseflow/award"
	"caseflow/challenge"
	"caseflow/events"
	"caseflow/ledger"
	"caseflow/registry"
	"caseflow/voting"
)

var (
	// ErrSameParty signals the complainant accusing themselves.
	ErrSameParty = errors.New("casefile: complainant and enterprise must differ")
	// ErrInvalidRiskTier signals an unknown risk tier.
	ErrInvalidRiskTier = errors.New("casefile: invalid risk tier")
	// ErrEmptyEvidence signals a case opened without an evidence reference.
	ErrEmptyEvidence = errors.New("casefile: evidence reference required")
	// ErrNotRegistered signals an unregistered or inactive party.
	ErrNotRegistered = errors.New("casefile: party not registered")
	// ErrWrongRole signals a party holding the wrong role for their side.
	ErrWrongRole = errors.New("casefile: party holds wrong role")
	// ErrCannotParticipate signals the ledger refused a party's participation.
	ErrCannotParticipate = errors.New("casefile: party cannot participate")
	// ErrInsufficientValidators signals the validator pool is smaller than the panel.
	ErrInsufficientValidators = errors.New("casefile: not enough validators for panel")
)

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Store defines the case data access required by the controller.
type Store interface {
	InsertCase(ctx context.Context, tx pgx.Tx, c Case) error
	GetCaseForUpdate(ctx context.Context, tx pgx.Tx, id string) (Case, error)
	GetCase(ctx context.Context, id string) (Case, error)
	AdvanceStatus(ctx context.Context, tx pgx.Tx, id string, from, to Status) error
	SaveLockedAmounts(ctx context.Context, tx pgx.Tx, id string, complainant, enterprise int64) error
	SaveOutcome(ctx context.Context, tx pgx.Tx, id string, upheld bool) error
	MarkCompleted(ctx context.Context, tx pgx.Tx, id string) error
	MarkCancelled(ctx context.Context, tx pgx.Tx, id string, reason *string) error
}

// Registrar is the narrow registry surface the controller consumes.
type Registrar interface {
	IsRegistered(ctx context.Context, id string) (registry.Role, bool, error)
	ValidatorPool(ctx context.Context) ([]registry.Participant, error)
	VerifyAdminToken(token string) (string, error)
	AdjustReputation(ctx context.Context, tx pgx.Tx, id string, delta int) (int, error)
}

// Escrow is the narrow ledger surface the controller consumes.
type Escrow interface {
	Freeze(ctx context.Context, tx pgx.Tx, caseID, userID string, tier ledger.RiskTier, base int64) (int64, error)
	Unfreeze(ctx context.Context, tx pgx.Tx, caseID, userID string) (int64, error)
	Penalize(ctx context.Context, tx pgx.Tx, caseID, userID string, amount int64) error
	CanParticipate(ctx context.Context, userID string, tier ledger.RiskTier, base int64) (bool, error)
}

// Ballots is the narrow voting surface the controller consumes.
type Ballots interface {
	Open(ctx context.Context, tx pgx.Tx, caseID string, validators []string, window time.Duration) (voting.Session, error)
	Finalize(ctx context.Context, tx pgx.Tx, caseID string) (voting.Session, error)
	Votes(ctx context.Context, caseID string) ([]voting.Vote, error)
}

// Disputes is the narrow challenge surface the controller consumes.
type Disputes interface {
	Open(ctx context.Context, tx pgx.Tx, caseID string, window time.Duration) (challenge.Session, error)
	ResolveSession(ctx context.Context, tx pgx.Tx, caseID string, votes []voting.Vote, prevUpheld bool) (challenge.Resolution, error)
}

// Allocator is the narrow award surface the controller consumes.
type Allocator interface {
	Allocate(ctx context.Context, tx pgx.Tx, params award.AllocateParams) (award.Record, error)
	Record(ctx context.Context, caseID string) (award.Record, error)
}

// Drawer supplies distinct validator indices; see the random package.
type Drawer interface {
	Draw(n, poolSize int) ([]int, error)
}

// Controller orchestrates a case through its lifecycle, invoking the ledger,
// voting, challenge, and award services in sequence and enforcing that every
// transition is legal. Each transition runs in a single transaction, so a
// failing step leaves the case fully before it.
type Controller struct {
	pool        TxBeginner
	repo        Store
	registrar   Registrar
	escrow      Escrow
	ballots     Ballots
	disputes    Disputes
	allocator   Allocator
	drawer      Drawer
	timeline    events.TimelineWriter
	outbox      events.OutboxWriter
	cfg         Config
	idGenerator func() string
	now         func() time.Time
}

func NewController(pool TxBeginner, repo Store, registrar Registrar, escrow Escrow, ballots Ballots, disputes Disputes, allocator Allocator, drawer Drawer, timeline events.TimelineWriter, outbox events.OutboxWriter, cfg Config) *Controller {
	return &Controller{
		pool:        pool,
		repo:        repo,
		registrar:   registrar,
		escrow:      escrow,
		ballots:     ballots,
		disputes:    disputes,
		allocator:   allocator,
		drawer:      drawer,
		timeline:    timeline,
		outbox:      outbox,
		cfg:         cfg,
		idGenerator: func() string { return uuid.NewString() },
		now:         time.Now,
	}
}

func (c *Controller) WithIDGenerator(gen func() string) *Controller {
	c.idGenerator = gen
	return c
}

func (c *Controller) WithClock(now func() time.Time) *Controller {
	c.now = now
	return c
}

// OpenCase validates both parties, creates the case, locks collateral, and
// opens voting — the whole pipeline in one transaction, since a partially
// completed run would leave collateral inconsistently locked.
func (c *Controller) OpenCase(ctx context.Context, complainantID, enterpriseID string, tier ledger.RiskTier, evidenceRef string) (Case, error) {
	if complainantID == "" || enterpriseID == "" {
		return Case{}, ErrNotRegistered
	}
	if complainantID == enterpriseID {
		return Case{}, ErrSameParty
	}
	if !ledger.ValidTier(tier) {
		return Case{}, ErrInvalidRiskTier
	}
	if evidenceRef == "" {
		return Case{}, ErrEmptyEvidence
	}

	if err := c.checkParty(ctx, complainantID, registry.RoleComplainant); err != nil {
		return Case{}, err
	}
	if err := c.checkParty(ctx, enterpriseID, registry.RoleEnterprise); err != nil {
		return Case{}, err
	}

	for _, party := range []string{complainantID, enterpriseID} {
		ok, err := c.escrow.CanParticipate(ctx, party, tier, c.cfg.BaseCollateral)
		if err != nil {
			return Case{}, err
		}
		if !ok {
			return Case{}, fmt.Errorf("%w: %s", ErrCannotParticipate, party)
		}
	}

	pool, err := c.registrar.ValidatorPool(ctx)
	if err != nil {
		return Case{}, err
	}
	size := c.cfg.panelSize(tier)
	if size > len(pool) {
		return Case{}, fmt.Errorf("%w: need %d, have %d", ErrInsufficientValidators, size, len(pool))
	}
	indices, err := c.drawer.Draw(size, len(pool))
	if err != nil {
		return Case{}, fmt.Errorf("casefile: draw panel: %w", err)
	}
	validators := make([]string, 0, size)
	for _, i := range indices {
		validators = append(validators, pool[i].ID)
	}

	tx, err := c.pool.Begin(ctx)
	if err != nil {
		return Case{}, fmt.Errorf("casefile: begin open tx: %w", err)
	}
	defer tx.Rollback(ctx)

	kase := Case{
		ID:            c.idGenerator(),
		ComplainantID: complainantID,
		EnterpriseID:  enterpriseID,
		Tier:          tier,
		Status:        StatusPending,
		EvidenceRef:   evidenceRef,
	}
	if err := c.repo.InsertCase(ctx, tx, kase); err != nil {
		return Case{}, err
	}
	if err := c.emit(ctx, tx, kase.ID, events.TypeCaseCreated, events.TopicCaseCreated, map[string]any{
		"case_id":     kase.ID,
		"complainant": complainantID,
		"enterprise":  enterpriseID,
		"tier":        tier,
	}); err != nil {
		return Case{}, err
	}

	// Deposit profiles are locked in sorted party order so two pipelines
	// sharing users acquire them identically.
	frozen := make(map[string]int64, 2)
	parties := []string{complainantID, enterpriseID}
	sort.Strings(parties)
	for _, party := range parties {
		amount, err := c.escrow.Freeze(ctx, tx, kase.ID, party, tier, c.cfg.BaseCollateral)
		if err != nil {
			return Case{}, err
		}
		frozen[party] = amount
	}
	kase.ComplainantLocked = frozen[complainantID]
	kase.EnterpriseLocked = frozen[enterpriseID]
	if err := c.repo.SaveLockedAmounts(ctx, tx, kase.ID, kase.ComplainantLocked, kase.EnterpriseLocked); err != nil {
		return Case{}, err
	}
	if err := c.advance(ctx, tx, kase.ID, StatusPending, StatusDepositLocked); err != nil {
		return Case{}, err
	}

	if _, err := c.ballots.Open(ctx, tx, kase.ID, validators, c.cfg.VotingWindow); err != nil {
		return Case{}, err
	}
	if err := c.advance(ctx, tx, kase.ID, StatusDepositLocked, StatusVoting); err != nil {
		return Case{}, err
	}
	kase.Status = StatusVoting

	if err := tx.Commit(ctx); err != nil {
		return Case{}, fmt.Errorf("casefile: commit open: %w", err)
	}
	return kase, nil
}

// CloseVotingOpenChallenge finalizes the voting outcome and opens the
// challenge window. It is callable once the voting window has elapsed or the
// full panel has voted.
func (c *Controller) CloseVotingOpenChallenge(ctx context.Context, caseID string) (Case, error) {
	tx, err := c.pool.Begin(ctx)
	if err != nil {
		return Case{}, fmt.Errorf("casefile: begin close-voting tx: %w", err)
	}
	defer tx.Rollback(ctx)

	kase, err := c.repo.GetCaseForUpdate(ctx, tx, caseID)
	if err != nil {
		return Case{}, err
	}
	if kase.Status != StatusVoting {
		return Case{}, ErrWrongStatus
	}

	session, err := c.ballots.Finalize(ctx, tx, caseID)
	if err != nil {
		return Case{}, err
	}
	kase.Upheld = session.Upheld
	if err := c.repo.SaveOutcome(ctx, tx, caseID, session.Upheld); err != nil {
		return Case{}, err
	}

	if _, err := c.disputes.Open(ctx, tx, caseID, c.cfg.ChallengeWindow); err != nil {
		return Case{}, err
	}
	if err := c.advance(ctx, tx, caseID, StatusVoting, StatusChallenging); err != nil {
		return Case{}, err
	}
	kase.Status = StatusChallenging

	if err := tx.Commit(ctx); err != nil {
		return Case{}, fmt.Errorf("casefile: commit close-voting: %w", err)
	}
	return kase, nil
}

// CloseChallengeAndSettle resolves the challenges, allocates rewards and
// punishments, and settles the escrow. The final determination may differ
// from the voting outcome when the engine reverses enough votes.
func (c *Controller) CloseChallengeAndSettle(ctx context.Context, caseID string) (award.Record, error) {
	tx, err := c.pool.Begin(ctx)
	if err != nil {
		return award.Record{}, fmt.Errorf("casefile: begin settle tx: %w", err)
	}
	defer tx.Rollback(ctx)

	kase, err := c.repo.GetCaseForUpdate(ctx, tx, caseID)
	if err != nil {
		return award.Record{}, err
	}
	if kase.Status != StatusChallenging {
		// A repeated settle on a finished case reports the idempotency
		// violation rather than a generic status mismatch.
		if kase.Status == StatusCompleted {
			if _, recErr := c.allocator.Record(ctx, caseID); recErr == nil {
				return award.Record{}, award.ErrAlreadyProcessed
			}
		}
		return award.Record{}, ErrWrongStatus
	}

	votes, err := c.ballots.Votes(ctx, caseID)
	if err != nil {
		return award.Record{}, err
	}
	res, err := c.disputes.ResolveSession(ctx, tx, caseID, votes, kase.Upheld)
	if err != nil {
		return award.Record{}, err
	}
	if res.Upheld != kase.Upheld {
		if err := c.repo.SaveOutcome(ctx, tx, caseID, res.Upheld); err != nil {
			return award.Record{}, err
		}
		kase.Upheld = res.Upheld
	}

	record, err := c.allocator.Allocate(ctx, tx, award.AllocateParams{
		CaseID:              caseID,
		Upheld:              kase.Upheld,
		ComplainantID:       kase.ComplainantID,
		EnterpriseID:        kase.EnterpriseID,
		PunishedValidators:  res.PunishedValidators,
		RewardedChallengers: res.RewardedChallengers,
		PunishedChallengers: res.PunishedChallengers,
	})
	if err != nil {
		return award.Record{}, err
	}

	if err := c.advance(ctx, tx, caseID, StatusChallenging, StatusRewardPunishment); err != nil {
		return award.Record{}, err
	}

	if err := c.settleEscrow(ctx, tx, kase, record); err != nil {
		return award.Record{}, err
	}

	if err := c.repo.MarkCompleted(ctx, tx, caseID); err != nil {
		return award.Record{}, err
	}
	if err := c.emit(ctx, tx, caseID, events.TypeCaseCompleted, events.TopicCaseCompleted, map[string]any{
		"case_id": caseID,
		"upheld":  kase.Upheld,
	}); err != nil {
		return award.Record{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return award.Record{}, fmt.Errorf("casefile: commit settle: %w", err)
	}
	return record, nil
}

// CancelCase is the administrative override: it unfreezes both parties and
// marks the case terminal from any non-terminal state.
func (c *Controller) CancelCase(ctx context.Context, caseID, adminToken string, reason string) (Case, error) {
	adminID, err := c.registrar.VerifyAdminToken(adminToken)
	if err != nil {
		return Case{}, err
	}

	tx, err := c.pool.Begin(ctx)
	if err != nil {
		return Case{}, fmt.Errorf("casefile: begin cancel tx: %w", err)
	}
	defer tx.Rollback(ctx)

	kase, err := c.repo.GetCaseForUpdate(ctx, tx, caseID)
	if err != nil {
		return Case{}, err
	}
	if kase.Status.Terminal() {
		return Case{}, ErrWrongStatus
	}

	// Collateral may not be locked yet when the case never left PENDING.
	parties := []string{kase.ComplainantID, kase.EnterpriseID}
	sort.Strings(parties)
	for _, party := range parties {
		if _, err := c.escrow.Unfreeze(ctx, tx, caseID, party); err != nil && !errors.Is(err, ledger.ErrNoCaseCollateral) {
			return Case{}, err
		}
	}

	var reasonPtr *string
	if reason != "" {
		reasonPtr = &reason
	}
	if err := c.repo.MarkCancelled(ctx, tx, caseID, reasonPtr); err != nil {
		return Case{}, err
	}
	if err := c.emit(ctx, tx, caseID, events.TypeCaseCancelled, events.TopicCaseCancelled, map[string]any{
		"case_id":  caseID,
		"admin_id": adminID,
		"reason":   reason,
	}); err != nil {
		return Case{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Case{}, fmt.Errorf("casefile: commit cancel: %w", err)
	}

	kase.Status = StatusCancelled
	kase.CancelReason = reasonPtr
	kase.Completed = true
	return kase, nil
}

// Case returns the case for read-only queries.
func (c *Controller) Case(ctx context.Context, id string) (Case, error) {
	return c.repo.GetCase(ctx, id)
}

// settleEscrow executes the fund movements the allocation dictates: the
// punished party forfeits a share of their case collateral to the reserve,
// then both parties' remaining collateral is unfrozen. Reputation follows
// the same lists.
func (c *Controller) settleEscrow(ctx context.Context, tx pgx.Tx, kase Case, record award.Record) error {
	punishedParty := kase.ComplainantID
	punishedLocked := kase.ComplainantLocked
	if kase.Upheld {
		punishedParty = kase.EnterpriseID
		punishedLocked = kase.EnterpriseLocked
	}

	penalty := punishedLocked * c.cfg.PartyPenaltyPct / 100
	if penalty > 0 {
		if err := c.escrow.Penalize(ctx, tx, kase.ID, punishedParty, penalty); err != nil {
			return err
		}
	}

	parties := []string{kase.ComplainantID, kase.EnterpriseID}
	sort.Strings(parties)
	for _, party := range parties {
		if _, err := c.escrow.Unfreeze(ctx, tx, kase.ID, party); err != nil {
			return err
		}
	}

	for _, e := range record.Rewarded {
		if _, err := c.registrar.AdjustReputation(ctx, tx, e.UserID, c.cfg.ReputationReward); err != nil {
			return err
		}
	}
	for _, e := range record.Punished {
		if _, err := c.registrar.AdjustReputation(ctx, tx, e.UserID, -c.cfg.ReputationPenalty); err != nil {
			return err
		}
	}
	return nil
}

func (c *Controller) checkParty(ctx context.Context, id string, required registry.Role) error {
	role, active, err := c.registrar.IsRegistered(ctx, id)
	if err != nil {
		return err
	}
	if !active {
		return fmt.Errorf("%w: %s", ErrNotRegistered, id)
	}
	if role != required {
		return fmt.Errorf("%w: %s needs %s, has %s", ErrWrongRole, id, required, role)
	}
	return nil
}

// advance moves the case one step and appends the status-changed event.
func (c *Controller) advance(ctx context.Context, tx pgx.Tx, caseID string, from, to Status) error {
	next, ok := validNext(from)
	if !ok || next != to {
		return ErrWrongStatus
	}
	if err := c.repo.AdvanceStatus(ctx, tx, caseID, from, to); err != nil {
		return err
	}
	return c.emit(ctx, tx, caseID, events.TypeStatusChanged, events.TopicStatusChanged, map[string]any{
		"case_id":  caseID,
		"previous": from,
		"next":     to,
	})
}

func (c *Controller) emit(ctx context.Context, tx pgx.Tx, caseID, eventType, topic string, payload map[string]any) error {
	if c.timeline != nil {
		if err := c.timeline.Append(ctx, tx, caseID, eventType, "", payload); err != nil {
			return err
		}
	}
	if c.outbox != nil {
		if err := c.outbox.Enqueue(ctx, tx, topic, payload); err != nil {
			return err
		}
	}
	return nil
}
