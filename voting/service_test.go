package voting

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

var baseTime = time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

func newTestService(store *fakeVoteStore, at time.Time) (*Service, *fakePool) {
	pool := &fakePool{}
	svc := NewService(pool, store, nil, nil).WithClock(func() time.Time { return at })
	return svc, pool
}

func openSession(store *fakeVoteStore, panel ...string) {
	store.session = Session{
		CaseID:   "case-1",
		StartsAt: baseTime,
		EndsAt:   baseTime.Add(72 * time.Hour),
		Active:   true,
	}
	store.hasSession = true
	store.panel = panel
}

func TestOpen_CreatesWindow(t *testing.T) {
	store := newFakeVoteStore()
	svc, _ := newTestService(store, baseTime)

	session, err := svc.Open(context.Background(), &fakeTx{}, "case-1", []string{"v1", "v2", "v3"}, 72*time.Hour)
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if !session.Active {
		t.Errorf("expected active session")
	}
	if got := session.EndsAt.Sub(session.StartsAt); got != 72*time.Hour {
		t.Errorf("window: got %s, want 72h", got)
	}
	if len(store.panel) != 3 {
		t.Errorf("panel: got %v", store.panel)
	}
}

func TestOpen_EmptyPanel(t *testing.T) {
	svc, _ := newTestService(newFakeVoteStore(), baseTime)
	if _, err := svc.Open(context.Background(), &fakeTx{}, "case-1", nil, 72*time.Hour); err == nil {
		t.Fatalf("expected error for empty panel")
	}
}

func TestSubmitVote_RecordsAndCounts(t *testing.T) {
	store := newFakeVoteStore()
	openSession(store, "v1", "v2", "v3")
	svc, pool := newTestService(store, baseTime.Add(time.Hour))

	err := svc.SubmitVote(context.Background(), SubmitParams{
		CaseID:      "case-1",
		ValidatorID: "v1",
		Choice:      ChoiceSupport,
		Rationale:   "evidence is conclusive",
		EvidenceRef: "evidence://v1",
	})
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if len(store.votes) != 1 {
		t.Fatalf("votes recorded: got %d, want 1", len(store.votes))
	}
	if store.session.SupportCount != 1 || store.session.RejectCount != 0 {
		t.Errorf("counts: support=%d reject=%d", store.session.SupportCount, store.session.RejectCount)
	}
	if !pool.tx.committed {
		t.Errorf("expected commit")
	}
}

func TestSubmitVote_ValidationFailures(t *testing.T) {
	store := newFakeVoteStore()
	openSession(store, "v1")
	svc, _ := newTestService(store, baseTime.Add(time.Hour))
	ctx := context.Background()

	params := SubmitParams{CaseID: "case-1", ValidatorID: "v1", Choice: ChoiceSupport, Rationale: "r", EvidenceRef: "e"}

	bad := params
	bad.Choice = Choice("MAYBE")
	if err := svc.SubmitVote(ctx, bad); err == nil {
		t.Errorf("expected error for invalid choice")
	}

	bad = params
	bad.Rationale = ""
	if err := svc.SubmitVote(ctx, bad); !errors.Is(err, ErrEmptyRationale) {
		t.Errorf("missing rationale: got %v", err)
	}

	bad = params
	bad.EvidenceRef = ""
	if err := svc.SubmitVote(ctx, bad); !errors.Is(err, ErrEmptyEvidence) {
		t.Errorf("missing evidence: got %v", err)
	}
}

func TestSubmitVote_AfterWindow(t *testing.T) {
	store := newFakeVoteStore()
	openSession(store, "v1")
	svc, _ := newTestService(store, baseTime.Add(73*time.Hour))

	err := svc.SubmitVote(context.Background(), SubmitParams{
		CaseID: "case-1", ValidatorID: "v1", Choice: ChoiceSupport, Rationale: "r", EvidenceRef: "e",
	})
	if !errors.Is(err, ErrWindowClosed) {
		t.Fatalf("expected ErrWindowClosed, got %v", err)
	}
	if len(store.votes) != 0 {
		t.Errorf("expected no vote recorded")
	}
}

func TestSubmitVote_OffPanel(t *testing.T) {
	store := newFakeVoteStore()
	openSession(store, "v1", "v2")
	svc, _ := newTestService(store, baseTime.Add(time.Hour))

	err := svc.SubmitVote(context.Background(), SubmitParams{
		CaseID: "case-1", ValidatorID: "outsider", Choice: ChoiceReject, Rationale: "r", EvidenceRef: "e",
	})
	if !errors.Is(err, ErrNotPanelist) {
		t.Fatalf("expected ErrNotPanelist, got %v", err)
	}
}

func TestSubmitVote_Duplicate(t *testing.T) {
	store := newFakeVoteStore()
	openSession(store, "v1")
	svc, _ := newTestService(store, baseTime.Add(time.Hour))

	params := SubmitParams{CaseID: "case-1", ValidatorID: "v1", Choice: ChoiceSupport, Rationale: "r", EvidenceRef: "e"}
	if err := svc.SubmitVote(context.Background(), params); err != nil {
		t.Fatalf("first vote: %v", err)
	}
	if err := svc.SubmitVote(context.Background(), params); !errors.Is(err, ErrDuplicateVote) {
		t.Fatalf("expected ErrDuplicateVote, got %v", err)
	}
	if store.session.SupportCount != 1 {
		t.Errorf("duplicate must not bump counts, got %d", store.session.SupportCount)
	}
}

func TestFinalize_BeforeWindowNeedsFullPanel(t *testing.T) {
	store := newFakeVoteStore()
	openSession(store, "v1", "v2", "v3")
	svc, _ := newTestService(store, baseTime.Add(time.Hour))

	if _, err := svc.Finalize(context.Background(), &fakeTx{}, "case-1"); !errors.Is(err, ErrWindowOpen) {
		t.Fatalf("expected ErrWindowOpen, got %v", err)
	}

	for _, v := range []string{"v1", "v2", "v3"} {
		choice := ChoiceSupport
		if v == "v3" {
			choice = ChoiceReject
		}
		if err := svc.SubmitVote(context.Background(), SubmitParams{
			CaseID: "case-1", ValidatorID: v, Choice: choice, Rationale: "r", EvidenceRef: "e",
		}); err != nil {
			t.Fatalf("vote %s: %v", v, err)
		}
	}

	session, err := svc.Finalize(context.Background(), &fakeTx{}, "case-1")
	if err != nil {
		t.Fatalf("expected nil error once panel is complete, got %v", err)
	}
	if !session.Completed || session.Active {
		t.Errorf("session state: completed=%v active=%v", session.Completed, session.Active)
	}
	if !session.Upheld {
		t.Errorf("expected 2/1 support to uphold")
	}
}

func TestFinalize_AfterWindowWithPartialVotes(t *testing.T) {
	store := newFakeVoteStore()
	openSession(store, "v1", "v2", "v3")
	store.session.SupportCount = 0
	store.session.RejectCount = 1
	svc, _ := newTestService(store, baseTime.Add(80*time.Hour))

	session, err := svc.Finalize(context.Background(), &fakeTx{}, "case-1")
	if err != nil {
		t.Fatalf("expected nil error after window, got %v", err)
	}
	if session.Upheld {
		t.Errorf("0/1 support must not uphold")
	}
}

func TestFinalize_AlreadyCompleted(t *testing.T) {
	store := newFakeVoteStore()
	openSession(store, "v1")
	store.session.Completed = true
	svc, _ := newTestService(store, baseTime.Add(80*time.Hour))

	if _, err := svc.Finalize(context.Background(), &fakeTx{}, "case-1"); !errors.Is(err, ErrWindowClosed) {
		t.Fatalf("expected ErrWindowClosed, got %v", err)
	}
}

// --- fakes ---

type fakeVoteStore struct {
	session    Session
	hasSession bool
	panel      []string
	votes      map[string]Vote
}

func newFakeVoteStore() *fakeVoteStore {
	return &fakeVoteStore{votes: make(map[string]Vote)}
}

func (f *fakeVoteStore) InsertSession(ctx context.Context, tx pgx.Tx, s Session, validators []string) error {
	f.session = s
	f.hasSession = true
	f.panel = validators
	return nil
}

func (f *fakeVoteStore) GetSessionForUpdate(ctx context.Context, tx pgx.Tx, caseID string) (Session, error) {
	if !f.hasSession {
		return Session{}, ErrSessionNotFound
	}
	return f.session, nil
}

func (f *fakeVoteStore) GetSession(ctx context.Context, caseID string) (Session, error) {
	return f.GetSessionForUpdate(ctx, nil, caseID)
}

func (f *fakeVoteStore) SaveSession(ctx context.Context, tx pgx.Tx, s Session) error {
	f.session = s
	return nil
}

func (f *fakeVoteStore) IsPanelist(ctx context.Context, tx pgx.Tx, caseID, validatorID string) (bool, error) {
	for _, v := range f.panel {
		if v == validatorID {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeVoteStore) Panel(ctx context.Context, caseID string) ([]string, error) {
	return f.panel, nil
}

func (f *fakeVoteStore) InsertVote(ctx context.Context, tx pgx.Tx, v Vote) error {
	if _, ok := f.votes[v.ValidatorID]; ok {
		return ErrDuplicateVote
	}
	f.votes[v.ValidatorID] = v
	return nil
}

func (f *fakeVoteStore) Votes(ctx context.Context, caseID string) ([]Vote, error) {
	out := make([]Vote, 0, len(f.votes))
	for _, v := range f.votes {
		out = append(out, v)
	}
	return out, nil
}

func (f *fakeVoteStore) CountVotes(ctx context.Context, tx pgx.Tx, caseID string) (int, error) {
	return len(f.votes), nil
}

func (f *fakeVoteStore) PanelSize(ctx context.Context, tx pgx.Tx, caseID string) (int, error) {
	return len(f.panel), nil
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
