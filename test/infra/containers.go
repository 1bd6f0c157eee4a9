package infra

import (
	"context"
	"os"

	"github.com/testcontainers/testcontainers-go/modules/postgres"
)

// PGContainer wraps the throwaway Postgres the stress run provisions. The
// zero value stands in for an externally managed database.
type PGContainer struct {
	C *postgres.PostgresContainer
}

// StartPostgres16 provisions a Postgres 16 container for the case pipeline
// stress run and returns its DSN. A non-empty overrideDSN or the
// CASEFLOW_STRESS_DSN env var short-circuits provisioning and reuses that
// database instead.
func StartPostgres16(ctx context.Context, overrideDSN string) (*PGContainer, string, error) {
	if overrideDSN != "" {
		return &PGContainer{}, overrideDSN, nil
	}
	if dsn := os.Getenv("CASEFLOW_STRESS_DSN"); dsn != "" {
		return &PGContainer{}, dsn, nil
	}

	pgC, err := postgres.Run(ctx,
		"postgres:16",
		postgres.WithDatabase("caseflow"),
		postgres.WithUsername("caseflow"),
		postgres.WithPassword("caseflow"),
	)
	if err != nil {
		return nil, "", err
	}

	dsn, err := pgC.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		_ = pgC.Terminate(ctx)
		return nil, "", err
	}
	return &PGContainer{C: pgC}, dsn, nil
}

func (p *PGContainer) Terminate(ctx context.Context) error {
	if p == nil || p.C == nil {
		return nil
	}
	return p.C.Terminate(ctx)
}
