package casefile

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"caseflow/award"
	"caseflow/challenge"
	"caseflow/ledger"
	"caseflow/registry"
	"caseflow/voting"
)

func newTestController(store *fakeCaseStore, reg *fakeRegistrar, esc *fakeEscrow, bal *fakeBallots, dis *fakeDisputes, alloc *fakeAllocator) *Controller {
	return NewController(&fakePool{}, store, reg, esc, bal, dis, alloc, sequentialDrawer{}, nil, nil, DefaultConfig()).
		WithIDGenerator(func() string { return "case-1" }).
		WithClock(func() time.Time { return time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC) })
}

func defaultFakes() (*fakeCaseStore, *fakeRegistrar, *fakeEscrow, *fakeBallots, *fakeDisputes, *fakeAllocator) {
	store := newFakeCaseStore()
	reg := &fakeRegistrar{
		roles: map[string]registry.Role{
			"comp": registry.RoleComplainant,
			"ent":  registry.RoleEnterprise,
		},
		pool: []registry.Participant{
			{ID: "v1"}, {ID: "v2"}, {ID: "v3"}, {ID: "v4"}, {ID: "v5"},
			{ID: "v6"}, {ID: "v7"}, {ID: "v8"}, {ID: "v9"}, {ID: "v10"}, {ID: "v11"},
		},
		reputation: map[string]int{},
	}
	esc := newFakeEscrow()
	bal := &fakeBallots{}
	dis := &fakeDisputes{}
	alloc := &fakeAllocator{recordErr: award.ErrRecordNotFound}
	return store, reg, esc, bal, dis, alloc
}

func TestOpenCase_FullPipeline(t *testing.T) {
	store, reg, esc, bal, dis, alloc := defaultFakes()
	ctrl := newTestController(store, reg, esc, bal, dis, alloc)

	kase, err := ctrl.OpenCase(context.Background(), "comp", "ent", ledger.TierLow, "evidence://1")
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if kase.Status != StatusVoting {
		t.Errorf("status: got %s, want VOTING", kase.Status)
	}
	if kase.ComplainantLocked != 20_000 || kase.EnterpriseLocked != 20_000 {
		t.Errorf("locked amounts: comp=%d ent=%d", kase.ComplainantLocked, kase.EnterpriseLocked)
	}
	if len(bal.openedWith) != 3 {
		t.Errorf("panel size for LOW tier: got %d, want 3", len(bal.openedWith))
	}
	// Profiles are locked in sorted party order.
	if len(esc.frozenOrder) != 2 || esc.frozenOrder[0] != "comp" || esc.frozenOrder[1] != "ent" {
		t.Errorf("freeze order: got %v", esc.frozenOrder)
	}
	if store.cases["case-1"].Status != StatusVoting {
		t.Errorf("persisted status: got %s", store.cases["case-1"].Status)
	}
}

func TestOpenCase_ValidationFailures(t *testing.T) {
	store, reg, esc, bal, dis, alloc := defaultFakes()
	ctrl := newTestController(store, reg, esc, bal, dis, alloc)
	ctx := context.Background()

	if _, err := ctrl.OpenCase(ctx, "comp", "comp", ledger.TierLow, "e"); !errors.Is(err, ErrSameParty) {
		t.Errorf("same party: got %v", err)
	}
	if _, err := ctrl.OpenCase(ctx, "comp", "ent", ledger.RiskTier("NOPE"), "e"); !errors.Is(err, ErrInvalidRiskTier) {
		t.Errorf("invalid tier: got %v", err)
	}
	if _, err := ctrl.OpenCase(ctx, "comp", "ent", ledger.TierLow, ""); !errors.Is(err, ErrEmptyEvidence) {
		t.Errorf("empty evidence: got %v", err)
	}
	if _, err := ctrl.OpenCase(ctx, "ghost", "ent", ledger.TierLow, "e"); !errors.Is(err, ErrNotRegistered) {
		t.Errorf("unregistered complainant: got %v", err)
	}
	if _, err := ctrl.OpenCase(ctx, "ent", "comp", ledger.TierLow, "e"); !errors.Is(err, ErrWrongRole) {
		t.Errorf("swapped roles: got %v", err)
	}
}

func TestOpenCase_PartyCannotParticipate(t *testing.T) {
	store, reg, esc, bal, dis, alloc := defaultFakes()
	esc.refused["ent"] = true
	ctrl := newTestController(store, reg, esc, bal, dis, alloc)

	_, err := ctrl.OpenCase(context.Background(), "comp", "ent", ledger.TierLow, "e")
	if !errors.Is(err, ErrCannotParticipate) {
		t.Fatalf("expected ErrCannotParticipate, got %v", err)
	}
	if len(esc.frozenOrder) != 0 {
		t.Errorf("expected no freezes on rejection")
	}
}

func TestOpenCase_InsufficientValidators(t *testing.T) {
	store, reg, esc, bal, dis, alloc := defaultFakes()
	reg.pool = reg.pool[:2]
	ctrl := newTestController(store, reg, esc, bal, dis, alloc)

	if _, err := ctrl.OpenCase(context.Background(), "comp", "ent", ledger.TierLow, "e"); !errors.Is(err, ErrInsufficientValidators) {
		t.Fatalf("expected ErrInsufficientValidators, got %v", err)
	}
}

func TestOpenCase_PanelSizesByTier(t *testing.T) {
	cfg := DefaultConfig()
	cases := []struct {
		tier ledger.RiskTier
		want int
	}{
		{ledger.TierLow, 3},
		{ledger.TierMedium, 5},
		{ledger.TierHigh, 11},
	}
	for _, tc := range cases {
		if got := cfg.panelSize(tc.tier); got != tc.want {
			t.Errorf("tier %s: got %d, want %d", tc.tier, got, tc.want)
		}
	}
	// Even configurations are forced odd.
	cfg.MinPanel = 4
	if got := cfg.panelSize(ledger.TierLow); got != 5 {
		t.Errorf("even panel forced odd: got %d, want 5", got)
	}
}

func TestCloseVotingOpenChallenge(t *testing.T) {
	store, reg, esc, bal, dis, alloc := defaultFakes()
	store.cases["case-1"] = Case{ID: "case-1", ComplainantID: "comp", EnterpriseID: "ent", Status: StatusVoting}
	bal.finalized = voting.Session{CaseID: "case-1", Completed: true, Upheld: true}
	ctrl := newTestController(store, reg, esc, bal, dis, alloc)

	kase, err := ctrl.CloseVotingOpenChallenge(context.Background(), "case-1")
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if kase.Status != StatusChallenging {
		t.Errorf("status: got %s, want CHALLENGING", kase.Status)
	}
	if !kase.Upheld {
		t.Errorf("expected upheld outcome recorded")
	}
	if !dis.opened {
		t.Errorf("expected challenge window opened")
	}
}

func TestCloseVotingOpenChallenge_WrongStatus(t *testing.T) {
	store, reg, esc, bal, dis, alloc := defaultFakes()
	store.cases["case-1"] = Case{ID: "case-1", Status: StatusPending}
	ctrl := newTestController(store, reg, esc, bal, dis, alloc)

	if _, err := ctrl.CloseVotingOpenChallenge(context.Background(), "case-1"); !errors.Is(err, ErrWrongStatus) {
		t.Fatalf("expected ErrWrongStatus, got %v", err)
	}
}

func TestCloseChallengeAndSettle(t *testing.T) {
	store, reg, esc, bal, dis, alloc := defaultFakes()
	store.cases["case-1"] = Case{
		ID:                "case-1",
		ComplainantID:     "comp",
		EnterpriseID:      "ent",
		Status:            StatusChallenging,
		Upheld:            true,
		ComplainantLocked: 20_000,
		EnterpriseLocked:  24_000,
	}
	esc.unfreezable["comp"] = 20_000
	esc.unfreezable["ent"] = 24_000
	dis.resolution = challenge.Resolution{Upheld: true}
	ctrl := newTestController(store, reg, esc, bal, dis, alloc)

	record, err := ctrl.CloseChallengeAndSettle(context.Background(), "case-1")
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if !record.Processed {
		t.Errorf("expected processed record")
	}
	if store.cases["case-1"].Status != StatusCompleted {
		t.Errorf("status: got %s, want COMPLETED", store.cases["case-1"].Status)
	}
	// Upheld: the enterprise forfeits half its case collateral.
	if esc.penalized["ent"] != 12_000 {
		t.Errorf("penalty: got %d, want 12000", esc.penalized["ent"])
	}
	if len(esc.unfrozenOrder) != 2 {
		t.Errorf("expected both parties unfrozen, got %v", esc.unfrozenOrder)
	}
	// Reputation follows the allocation: complainant up, enterprise down.
	if reg.reputation["comp"] != 5 {
		t.Errorf("complainant reputation: got %d, want +5", reg.reputation["comp"])
	}
	if reg.reputation["ent"] != -10 {
		t.Errorf("enterprise reputation: got %d, want -10", reg.reputation["ent"])
	}
}

func TestCloseChallengeAndSettle_OutcomeReversed(t *testing.T) {
	store, reg, esc, bal, dis, alloc := defaultFakes()
	store.cases["case-1"] = Case{
		ID:                "case-1",
		ComplainantID:     "comp",
		EnterpriseID:      "ent",
		Status:            StatusChallenging,
		Upheld:            true,
		ComplainantLocked: 20_000,
		EnterpriseLocked:  20_000,
	}
	esc.unfreezable["comp"] = 20_000
	esc.unfreezable["ent"] = 20_000
	dis.resolution = challenge.Resolution{Upheld: false, OutcomeChanged: true}
	ctrl := newTestController(store, reg, esc, bal, dis, alloc)

	record, err := ctrl.CloseChallengeAndSettle(context.Background(), "case-1")
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if record.Upheld {
		t.Errorf("expected reversed outcome in the record")
	}
	if store.cases["case-1"].Upheld {
		t.Errorf("expected reversed outcome persisted")
	}
	// Reversal shifts the penalty to the complainant.
	if esc.penalized["comp"] != 10_000 {
		t.Errorf("penalty: got %d on complainant, want 10000", esc.penalized["comp"])
	}
	if esc.penalized["ent"] != 0 {
		t.Errorf("enterprise should not be penalized, got %d", esc.penalized["ent"])
	}
}

func TestCloseChallengeAndSettle_RepeatedSettle(t *testing.T) {
	store, reg, esc, bal, dis, alloc := defaultFakes()
	store.cases["case-1"] = Case{ID: "case-1", Status: StatusCompleted}
	alloc.recordErr = nil // an allocation record exists
	ctrl := newTestController(store, reg, esc, bal, dis, alloc)

	if _, err := ctrl.CloseChallengeAndSettle(context.Background(), "case-1"); !errors.Is(err, award.ErrAlreadyProcessed) {
		t.Fatalf("expected ErrAlreadyProcessed, got %v", err)
	}
}

func TestCloseChallengeAndSettle_WrongStatus(t *testing.T) {
	store, reg, esc, bal, dis, alloc := defaultFakes()
	store.cases["case-1"] = Case{ID: "case-1", Status: StatusVoting}
	ctrl := newTestController(store, reg, esc, bal, dis, alloc)

	if _, err := ctrl.CloseChallengeAndSettle(context.Background(), "case-1"); !errors.Is(err, ErrWrongStatus) {
		t.Fatalf("expected ErrWrongStatus, got %v", err)
	}
}

func TestCancelCase(t *testing.T) {
	store, reg, esc, bal, dis, alloc := defaultFakes()
	store.cases["case-1"] = Case{ID: "case-1", ComplainantID: "comp", EnterpriseID: "ent", Status: StatusVoting}
	esc.unfreezable["comp"] = 20_000
	// The enterprise has no collateral record; cancel tolerates that.
	ctrl := newTestController(store, reg, esc, bal, dis, alloc)

	kase, err := ctrl.CancelCase(context.Background(), "case-1", "admin-token", "fraud report")
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if kase.Status != StatusCancelled {
		t.Errorf("status: got %s, want CANCELLED", kase.Status)
	}
	if kase.CancelReason == nil || *kase.CancelReason != "fraud report" {
		t.Errorf("cancel reason: got %v", kase.CancelReason)
	}
	if store.cases["case-1"].Status != StatusCancelled {
		t.Errorf("persisted status: got %s", store.cases["case-1"].Status)
	}
	// Both terminal states carry the completed flag, so readers can treat
	// completed as "the case will never change again".
	if !store.cases["case-1"].Completed {
		t.Errorf("expected cancelled case to be flagged completed")
	}
}

func TestCancelCase_TerminalCase(t *testing.T) {
	store, reg, esc, bal, dis, alloc := defaultFakes()
	store.cases["case-1"] = Case{ID: "case-1", Status: StatusCompleted}
	ctrl := newTestController(store, reg, esc, bal, dis, alloc)

	if _, err := ctrl.CancelCase(context.Background(), "case-1", "admin-token", ""); !errors.Is(err, ErrWrongStatus) {
		t.Fatalf("expected ErrWrongStatus, got %v", err)
	}
}

func TestCancelCase_BadToken(t *testing.T) {
	store, reg, esc, bal, dis, alloc := defaultFakes()
	reg.adminErr = registry.ErrNotAdmin
	ctrl := newTestController(store, reg, esc, bal, dis, alloc)

	if _, err := ctrl.CancelCase(context.Background(), "case-1", "user-token", ""); !errors.Is(err, registry.ErrNotAdmin) {
		t.Fatalf("expected ErrNotAdmin, got %v", err)
	}
}

func TestValidNext_SequenceIsStrict(t *testing.T) {
	order := []Status{StatusPending, StatusDepositLocked, StatusVoting, StatusChallenging, StatusRewardPunishment, StatusCompleted}
	for i := 0; i < len(order)-1; i++ {
		next, ok := validNext(order[i])
		if !ok || next != order[i+1] {
			t.Errorf("from %s: got (%s, %v), want (%s, true)", order[i], next, ok, order[i+1])
		}
	}
	for _, terminal := range []Status{StatusCompleted, StatusCancelled} {
		if _, ok := validNext(terminal); ok {
			t.Errorf("terminal %s should have no successor", terminal)
		}
	}
}

// --- fakes ---

type fakeCaseStore struct {
	cases map[string]Case
}

func newFakeCaseStore() *fakeCaseStore {
	return &fakeCaseStore{cases: make(map[string]Case)}
}

func (f *fakeCaseStore) InsertCase(ctx context.Context, tx pgx.Tx, c Case) error {
	f.cases[c.ID] = c
	return nil
}

func (f *fakeCaseStore) GetCaseForUpdate(ctx context.Context, tx pgx.Tx, id string) (Case, error) {
	c, ok := f.cases[id]
	if !ok {
		return Case{}, ErrCaseNotFound
	}
	return c, nil
}

func (f *fakeCaseStore) GetCase(ctx context.Context, id string) (Case, error) {
	return f.GetCaseForUpdate(ctx, nil, id)
}

func (f *fakeCaseStore) AdvanceStatus(ctx context.Context, tx pgx.Tx, id string, from, to Status) error {
	c, ok := f.cases[id]
	if !ok || c.Status != from {
		return ErrWrongStatus
	}
	c.Status = to
	f.cases[id] = c
	return nil
}

func (f *fakeCaseStore) SaveLockedAmounts(ctx context.Context, tx pgx.Tx, id string, complainant, enterprise int64) error {
	c := f.cases[id]
	c.ComplainantLocked = complainant
	c.EnterpriseLocked = enterprise
	f.cases[id] = c
	return nil
}

func (f *fakeCaseStore) SaveOutcome(ctx context.Context, tx pgx.Tx, id string, upheld bool) error {
	c := f.cases[id]
	c.Upheld = upheld
	f.cases[id] = c
	return nil
}

func (f *fakeCaseStore) MarkCompleted(ctx context.Context, tx pgx.Tx, id string) error {
	c, ok := f.cases[id]
	if !ok || c.Status != StatusRewardPunishment {
		return ErrWrongStatus
	}
	c.Status = StatusCompleted
	c.Completed = true
	f.cases[id] = c
	return nil
}

func (f *fakeCaseStore) MarkCancelled(ctx context.Context, tx pgx.Tx, id string, reason *string) error {
	c, ok := f.cases[id]
	if !ok || c.Status.Terminal() {
		return ErrWrongStatus
	}
	c.Status = StatusCancelled
	c.CancelReason = reason
	c.Completed = true
	f.cases[id] = c
	return nil
}

type fakeRegistrar struct {
	roles      map[string]registry.Role
	pool       []registry.Participant
	adminErr   error
	reputation map[string]int
}

func (f *fakeRegistrar) IsRegistered(ctx context.Context, id string) (registry.Role, bool, error) {
	role, ok := f.roles[id]
	return role, ok, nil
}

func (f *fakeRegistrar) ValidatorPool(ctx context.Context) ([]registry.Participant, error) {
	return f.pool, nil
}

func (f *fakeRegistrar) VerifyAdminToken(token string) (string, error) {
	if f.adminErr != nil {
		return "", f.adminErr
	}
	return "admin-1", nil
}

func (f *fakeRegistrar) AdjustReputation(ctx context.Context, tx pgx.Tx, id string, delta int) (int, error) {
	f.reputation[id] += delta
	return f.reputation[id], nil
}

type fakeEscrow struct {
	refused       map[string]bool
	frozenOrder   []string
	unfreezable   map[string]int64
	unfrozenOrder []string
	penalized     map[string]int64
}

func newFakeEscrow() *fakeEscrow {
	return &fakeEscrow{
		refused:     make(map[string]bool),
		unfreezable: make(map[string]int64),
		penalized:   make(map[string]int64),
	}
}

func (f *fakeEscrow) Freeze(ctx context.Context, tx pgx.Tx, caseID, userID string, tier ledger.RiskTier, base int64) (int64, error) {
	f.frozenOrder = append(f.frozenOrder, userID)
	return 20_000, nil
}

func (f *fakeEscrow) Unfreeze(ctx context.Context, tx pgx.Tx, caseID, userID string) (int64, error) {
	amount, ok := f.unfreezable[userID]
	if !ok {
		return 0, ledger.ErrNoCaseCollateral
	}
	f.unfrozenOrder = append(f.unfrozenOrder, userID)
	return amount, nil
}

func (f *fakeEscrow) Penalize(ctx context.Context, tx pgx.Tx, caseID, userID string, amount int64) error {
	f.penalized[userID] += amount
	return nil
}

func (f *fakeEscrow) CanParticipate(ctx context.Context, userID string, tier ledger.RiskTier, base int64) (bool, error) {
	return !f.refused[userID], nil
}

type fakeBallots struct {
	openedWith []string
	finalized  voting.Session
	votes      []voting.Vote
}

func (f *fakeBallots) Open(ctx context.Context, tx pgx.Tx, caseID string, validators []string, window time.Duration) (voting.Session, error) {
	f.openedWith = validators
	return voting.Session{CaseID: caseID, Active: true}, nil
}

func (f *fakeBallots) Finalize(ctx context.Context, tx pgx.Tx, caseID string) (voting.Session, error) {
	return f.finalized, nil
}

func (f *fakeBallots) Votes(ctx context.Context, caseID string) ([]voting.Vote, error) {
	return f.votes, nil
}

type fakeDisputes struct {
	opened     bool
	resolution challenge.Resolution
}

func (f *fakeDisputes) Open(ctx context.Context, tx pgx.Tx, caseID string, window time.Duration) (challenge.Session, error) {
	f.opened = true
	return challenge.Session{CaseID: caseID, Active: true}, nil
}

func (f *fakeDisputes) ResolveSession(ctx context.Context, tx pgx.Tx, caseID string, votes []voting.Vote, prevUpheld bool) (challenge.Resolution, error) {
	return f.resolution, nil
}

type fakeAllocator struct {
	recordErr error
}

func (f *fakeAllocator) Allocate(ctx context.Context, tx pgx.Tx, params award.AllocateParams) (award.Record, error) {
	rewarded, punished, err := award.Classify(params)
	if err != nil {
		return award.Record{}, err
	}
	return award.Record{
		CaseID:    params.CaseID,
		Upheld:    params.Upheld,
		Processed: true,
		Rewarded:  rewarded,
		Punished:  punished,
	}, nil
}

func (f *fakeAllocator) Record(ctx context.Context, caseID string) (award.Record, error) {
	if f.recordErr != nil {
		return award.Record{}, f.recordErr
	}
	return award.Record{CaseID: caseID, Processed: true}, nil
}

type sequentialDrawer struct{}

func (sequentialDrawer) Draw(n, poolSize int) ([]int, error) {
	out := make([]int, n)
	for i := range out {
		out[i] = i
	}
	return out, nil
}

type fakePool struct {
	tx *fakeTx
}

func (f *fakePool) Begin(ctx context.Context) (pgx.Tx, error) {
	f.tx = &fakeTx{}
	return f.tx, nil
}

type fakeTx struct {
	rolled    bool
	committed bool
}

func (f *fakeTx) Begin(context.Context) (pgx.Tx, error) {
	return nil, errors.New("fakeTx does not support nested transactions")
}

func (f *fakeTx) Commit(context.Context) error {
	f.committed = true
	return nil
}

func (f *fakeTx) Rollback(context.Context) error {
	f.rolled = true
	return nil
}

func (f *fakeTx) CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error) {
	panic("not implemented")
}

func (f *fakeTx) SendBatch(context.Context, *pgx.Batch) pgx.BatchResults {
	panic("not implemented")
}

func (f *fakeTx) LargeObjects() pgx.LargeObjects {
	panic("not implemented")
}

func (f *fakeTx) Prepare(context.Context, string, string) (*pgconn.StatementDescription, error) {
	panic("not implemented")
}

func (f *fakeTx) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	panic("not implemented")
}

func (f *fakeTx) Query(context.Context, string, ...any) (pgx.Rows, error) {
	panic("not implemented")
}

func (f *fakeTx) QueryRow(context.Context, string, ...any) pgx.Row {
	panic("not implemented")
}

func (f *fakeTx) Conn() *pgx.Conn {
	return nil
}
