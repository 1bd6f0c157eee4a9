package award

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// ErrEmptyAllocation signals the classification produced no entries at all,
// which indicates an upstream computation failure rather than a legitimately
// empty case.
var ErrEmptyAllocation = errors.New("award: empty allocation")

// Store defines the data access required by the service.
type Store interface {
	InsertRecord(ctx context.Context, tx pgx.Tx, caseID string, upheld bool) error
	InsertEntry(ctx context.Context, tx pgx.Tx, e Entry) error
	GetRecord(ctx context.Context, caseID string) (Record, error)
}

// Service is the pure classification step: given the final outcome it
// assigns the complainant and enterprise to opposite buckets and merges in
// the engine's validator and challenger lists.
type Service struct {
	repo Store
}

func NewService(repo Store) *Service {
	return &Service{repo: repo}
}

// Classify builds the role-partitioned reward and punish lists without
// persisting anything.
func Classify(params AllocateParams) ([]Entry, []Entry, error) {
	if params.ComplainantID == "" || params.EnterpriseID == "" {
		return nil, nil, fmt.Errorf("award: missing party ids")
	}

	var rewarded, punished []Entry

	// The accusing and accused parties always land in opposite buckets,
	// driven by the final (post-challenge) outcome.
	complainant := Entry{CaseID: params.CaseID, UserID: params.ComplainantID, Role: RoleComplainant, Rewarded: params.Upheld}
	enterprise := Entry{CaseID: params.CaseID, UserID: params.EnterpriseID, Role: RoleEnterprise, Rewarded: !params.Upheld}
	for _, e := range []Entry{complainant, enterprise} {
		if e.Rewarded {
			rewarded = append(rewarded, e)
		} else {
			punished = append(punished, e)
		}
	}

	for _, v := range params.PunishedValidators {
		punished = append(punished, Entry{CaseID: params.CaseID, UserID: v, Role: RoleValidator, Rewarded: false})
	}
	for _, c := range params.RewardedChallengers {
		rewarded = append(rewarded, Entry{CaseID: params.CaseID, UserID: c, Role: RoleChallenger, Rewarded: true})
	}
	for _, c := range params.PunishedChallengers {
		punished = append(punished, Entry{CaseID: params.CaseID, UserID: c, Role: RoleChallenger, Rewarded: false})
	}

	if len(rewarded) == 0 && len(punished) == 0 {
		return nil, nil, ErrEmptyAllocation
	}
	return rewarded, punished, nil
}

// Allocate persists the classification inside the caller's transaction. The
// per-case record insert doubles as the idempotency guard: a second call for
// the same case fails with ErrAlreadyProcessed and writes nothing.
func (s *Service) Allocate(ctx context.Context, tx pgx.Tx, params AllocateParams) (Record, error) {
	rewarded, punished, err := Classify(params)
	if err != nil {
		return Record{}, err
	}

	if err := s.repo.InsertRecord(ctx, tx, params.CaseID, params.Upheld); err != nil {
		return Record{}, err
	}
	for _, e := range rewarded {
		if err := s.repo.InsertEntry(ctx, tx, e); err != nil {
			return Record{}, err
		}
	}
	for _, e := range punished {
		if err := s.repo.InsertEntry(ctx, tx, e); err != nil {
			return Record{}, err
		}
	}

	return Record{
		CaseID:    params.CaseID,
		Upheld:    params.Upheld,
		Processed: true,
		Rewarded:  rewarded,
		Punished:  punished,
	}, nil
}

// Record returns the persisted allocation for read-only queries.
func (s *Service) Record(ctx context.Context, caseID string) (Record, error) {
	return s.repo.GetRecord(ctx, caseID)
}
