package chaos

import (
	"context"
	"math/rand"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	interval = 2 * time.Second
	// one in killOdds ticks fires a termination
	killOdds = 5
)

// TerminateRandomBackend periodically kills a random backend of the stress
// database, forcing in-flight case transitions to abort mid-transaction. The
// oracles then verify the ledger and timeline stayed consistent.
func TerminateRandomBackend(ctx context.Context, pool *pgxpool.Pool, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			if rand.Intn(killOdds) != 0 {
				continue
			}
			_, _ = pool.Exec(ctx, `SELECT pg_terminate_backend(pid) FROM pg_stat_activity
                WHERE datname = current_database() AND pid <> pg_backend_pid()
                ORDER BY random() LIMIT 1`)
		}
	}
}
