package main

import (
	"context"
	"log"
	"os"

	"caseflow/award"
	"caseflow/casefile"
	"caseflow/challenge"
	"caseflow/db"
	"caseflow/events"
	"caseflow/ledger"
	"caseflow/random"
	"caseflow/registry"
	"caseflow/voting"
)

func main() {
	ctx := context.Background()

	connString := os.Getenv("DATABASE_URL")
	pool, err := db.NewPool(ctx, connString)
	if err != nil {
		log.Fatalf("bootstrap database pool: %v", err)
	}
	defer pool.Close()

	jwtSecret := os.Getenv("JWT_SECRET")
	if jwtSecret == "" {
		log.Fatal("JWT_SECRET is required")
	}

	writer := events.NewWriter()
	registrySvc := registry.NewService(registry.NewRepository(pool), jwtSecret)
	ledgerSvc := ledger.NewService(pool, ledger.NewRepository(pool), ledger.DefaultConfig(), registrySvc, writer, writer)
	votingSvc := voting.NewService(pool, voting.NewRepository(pool), writer, writer)
	challengeSvc := challenge.NewService(pool, challenge.NewRepository(pool), votingSvc, registrySvc, writer, writer)
	awardSvc := award.NewService(award.NewRepository(pool))

	controller := casefile.NewController(
		pool,
		casefile.NewRepository(pool),
		registrySvc,
		ledgerSvc,
		votingSvc,
		challengeSvc,
		awardSvc,
		random.NewCryptoDrawer(),
		writer,
		writer,
		casefile.DefaultConfig(),
	)

	log.Printf("case controller ready: %+v", controller != nil)
}
