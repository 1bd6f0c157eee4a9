package actors

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Same per-case advisory lock the production timeline writer takes, so
// transactional appenders never collide on the next sequence number.
const timelineLockSQL = `SELECT pg_advisory_xact_lock(hashtextextended('timeline:' || $1::text, 0))`

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// Depositor keeps topping up both parties so the freezers never starve.
func Depositor(ctx context.Context, pool *pgxpool.Pool, userIDs []string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		userID := userIDs[rand.Intn(len(userIDs))]
		_, err := pool.Exec(ctx, `UPDATE deposit_profiles SET total = total + $2, updated_at = now() WHERE user_id = $1`,
			userID, int64(1_000+rand.Intn(5_000)))
		if err != nil {
			return fmt.Errorf("depositor: %w", err)
		}
		time.Sleep(time.Duration(20+rand.Intn(40)) * time.Millisecond)
	}
}

// CaseOpener creates cases for the shared party pair and freezes collateral
// for both parties, locking profiles in sorted user order the way the ledger
// does. Competing openers exercise the profile row locks.
func CaseOpener(ctx context.Context, pool *pgxpool.Pool, complainantID, enterpriseID string, stop <-chan struct{}) error {
	parties := []string{complainantID, enterpriseID}
	if parties[0] > parties[1] {
		parties[0], parties[1] = parties[1], parties[0]
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}

		amount := int64(500 + rand.Intn(1_500))
		tx, err := pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("case opener begin: %w", err)
		}

		ok := true
		for _, party := range parties {
			var total, frozen int64
			if err := tx.QueryRow(ctx, `SELECT total, frozen FROM deposit_profiles WHERE user_id = $1 FOR UPDATE`, party).Scan(&total, &frozen); err != nil {
				ok = false
				break
			}
			if total-frozen < amount {
				ok = false
				break
			}
		}
		if !ok {
			_ = tx.Rollback(ctx)
			time.Sleep(time.Duration(30+rand.Intn(50)) * time.Millisecond)
			continue
		}

		var caseID string
		err = tx.QueryRow(ctx, `INSERT INTO cases (id, complainant_id, enterprise_id, tier, status, evidence_ref)
                                VALUES (gen_random_uuid(), $1, $2, 'LOW', 'PENDING', 'evidence://stress')
                                RETURNING id`, complainantID, enterpriseID).Scan(&caseID)
		if err != nil {
			_ = tx.Rollback(ctx)
			continue
		}
		for _, party := range parties {
			if _, err := tx.Exec(ctx, `INSERT INTO case_collateral (case_id, user_id, amount) VALUES ($1, $2, $3)`, caseID, party, amount); err != nil {
				ok = false
				break
			}
			if _, err := tx.Exec(ctx, `UPDATE deposit_profiles SET frozen = frozen + $2, active_cases = active_cases + 1, updated_at = now() WHERE user_id = $1`, party, amount); err != nil {
				ok = false
				break
			}
		}
		if !ok {
			_ = tx.Rollback(ctx)
			continue
		}
		_, _ = tx.Exec(ctx, timelineLockSQL, caseID)
		_, _ = tx.Exec(ctx, `INSERT INTO timeline_events (case_id, seq, type, payload)
                             SELECT $1, COALESCE(MAX(seq),0)+1, 'CASE_CREATED', '{}'::jsonb
                             FROM timeline_events WHERE case_id = $1`, caseID)
		_ = tx.Commit(ctx)
		time.Sleep(time.Duration(20+rand.Intn(40)) * time.Millisecond)
	}
}

// CaseCloser cancels open stress cases and releases their collateral, case
// row first, then profiles in sorted user order.
func CaseCloser(ctx context.Context, pool *pgxpool.Pool, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}

		tx, err := pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("case closer begin: %w", err)
		}

		var caseID string
		err = tx.QueryRow(ctx, `SELECT id FROM cases WHERE status IN ('PENDING','DEPOSIT_LOCKED')
                                ORDER BY created_at LIMIT 1 FOR UPDATE SKIP LOCKED`).Scan(&caseID)
		if err != nil {
			_ = tx.Rollback(ctx)
			time.Sleep(time.Duration(40+rand.Intn(60)) * time.Millisecond)
			continue
		}

		rows, err := tx.Query(ctx, `SELECT user_id, amount FROM case_collateral WHERE case_id = $1 ORDER BY user_id`, caseID)
		if err != nil {
			_ = tx.Rollback(ctx)
			continue
		}
		type rec struct {
			userID string
			amount int64
		}
		var recs []rec
		for rows.Next() {
			var r rec
			if err := rows.Scan(&r.userID, &r.amount); err != nil {
				break
			}
			recs = append(recs, r)
		}
		rows.Close()

		ok := true
		for _, r := range recs {
			if _, err := tx.Exec(ctx, `UPDATE deposit_profiles SET frozen = frozen - $2, active_cases = GREATEST(active_cases - 1, 0), updated_at = now() WHERE user_id = $1`, r.userID, r.amount); err != nil {
				ok = false
				break
			}
		}
		if ok {
			if _, err := tx.Exec(ctx, `DELETE FROM case_collateral WHERE case_id = $1`, caseID); err != nil {
				ok = false
			}
		}
		if ok {
			if _, err := tx.Exec(ctx, `UPDATE cases SET status = 'CANCELLED', cancel_reason = 'stress teardown', completed = true, completed_at = now(), updated_at = now() WHERE id = $1`, caseID); err != nil {
				ok = false
			}
		}
		if !ok {
			_ = tx.Rollback(ctx)
			continue
		}
		_, _ = tx.Exec(ctx, timelineLockSQL, caseID)
		_, _ = tx.Exec(ctx, `INSERT INTO timeline_events (case_id, seq, type, payload)
                             SELECT $1, COALESCE(MAX(seq),0)+1, 'CASE_CANCELLED', '{}'::jsonb
                             FROM timeline_events WHERE case_id = $1`, caseID)
		_, _ = tx.Exec(ctx, `INSERT INTO outbox (topic, payload) VALUES ('case.cancelled', jsonb_build_object('case_id', $1))`, caseID)
		_ = tx.Commit(ctx)
		time.Sleep(time.Duration(30+rand.Intn(50)) * time.Millisecond)
	}
}

// Voter submits write-once ballots on the seeded voting case, bumping the
// session counters in the same transaction. Duplicate submissions are
// expected under contention.
func Voter(ctx context.Context, pool *pgxpool.Pool, caseID string, validatorIDs []string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}

		validator := validatorIDs[rand.Intn(len(validatorIDs))]
		choice := "SUPPORT"
		if rand.Intn(2) == 0 {
			choice = "REJECT"
		}

		tx, err := pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("voter begin: %w", err)
		}

		var active bool
		if err := tx.QueryRow(ctx, `SELECT active FROM voting_sessions WHERE case_id = $1 FOR UPDATE`, caseID).Scan(&active); err != nil || !active {
			_ = tx.Rollback(ctx)
			time.Sleep(time.Duration(30+rand.Intn(50)) * time.Millisecond)
			continue
		}

		_, err = tx.Exec(ctx, `INSERT INTO votes (case_id, validator_id, choice, rationale, evidence_ref)
                               VALUES ($1, $2, $3::vote_choice, 'stress rationale', 'evidence://vote')`, caseID, validator, choice)
		if err != nil {
			_ = tx.Rollback(ctx)
			if !isUniqueViolation(err) {
				time.Sleep(time.Duration(20+rand.Intn(40)) * time.Millisecond)
			}
			continue
		}
		col := "reject_count"
		if choice == "SUPPORT" {
			col = "support_count"
		}
		if _, err := tx.Exec(ctx, fmt.Sprintf(`UPDATE voting_sessions SET %s = %s + 1 WHERE case_id = $1`, col, col), caseID); err != nil {
			_ = tx.Rollback(ctx)
			continue
		}
		_, _ = tx.Exec(ctx, timelineLockSQL, caseID)
		_, _ = tx.Exec(ctx, `INSERT INTO timeline_events (case_id, seq, type, payload, actor_id)
                             SELECT $1, COALESCE(MAX(seq),0)+1, 'VOTE_SUBMITTED', '{}'::jsonb, $2
                             FROM timeline_events WHERE case_id = $1`, caseID, validator)
		_ = tx.Commit(ctx)
		time.Sleep(time.Duration(15+rand.Intn(35)) * time.Millisecond)
	}
}

// Challenger lodges objections on the seeded challenging case against
// validators who actually voted. Duplicate (challenger, target) pairs are
// expected under contention.
func Challenger(ctx context.Context, pool *pgxpool.Pool, caseID string, challengerIDs, targetIDs []string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}

		challenger := challengerIDs[rand.Intn(len(challengerIDs))]
		target := targetIDs[rand.Intn(len(targetIDs))]
		stance := "OPPOSE"
		if rand.Intn(3) == 0 {
			stance = "SUPPORT"
		}

		_, err := pool.Exec(ctx, `INSERT INTO challenges (case_id, challenger_id, target_validator_id, stance, rationale, evidence_ref)
                                  VALUES ($1, $2, $3, $4::challenge_stance, 'stress rationale', 'evidence://challenge')`,
			caseID, challenger, target, stance)
		if err != nil && !isUniqueViolation(err) {
			return fmt.Errorf("challenger insert: %w", err)
		}
		time.Sleep(time.Duration(25+rand.Intn(45)) * time.Millisecond)
	}
}

// EventWriter appends miscellaneous timeline events to one case, racing the
// other appenders for the next sequence number.
func EventWriter(ctx context.Context, pool *pgxpool.Pool, caseID string, stop <-chan struct{}) error {
	types := []string{"NOTE_ADDED", "EVIDENCE_ATTACHED"}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		ty := types[rand.Intn(len(types))]
		_, _ = pool.Exec(ctx, `INSERT INTO timeline_events (case_id, seq, type, payload)
                               SELECT $1, COALESCE(MAX(seq),0)+1, $2, '{}'::jsonb
                               FROM timeline_events WHERE case_id = $1`, caseID, ty)
		time.Sleep(time.Duration(15+rand.Intn(35)) * time.Millisecond)
	}
}

// OutboxWorker consumes pending outbox messages with SKIP LOCKED and marks
// them processed or dead after retries.
func OutboxWorker(ctx context.Context, pool *pgxpool.Pool, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		tx, err := pool.Begin(ctx)
		if err != nil {
			return err
		}
		rows, err := tx.Query(ctx, `SELECT id FROM outbox WHERE status='pending' ORDER BY created_at FOR UPDATE SKIP LOCKED LIMIT 10`)
		if err != nil {
			_ = tx.Rollback(ctx)
			time.Sleep(50 * time.Millisecond)
			continue
		}
		ids := make([]string, 0, 10)
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err == nil {
				ids = append(ids, id)
			}
		}
		rows.Close()

		for _, id := range ids {
			if rand.Intn(10) == 0 {
				_, _ = tx.Exec(ctx, `UPDATE outbox SET attempts = attempts + 1, status = CASE WHEN attempts + 1 >= 5 THEN 'dead' ELSE 'pending' END WHERE id = $1`, id)
			} else {
				_, _ = tx.Exec(ctx, `UPDATE outbox SET status = 'processed', attempts = attempts + 1 WHERE id = $1`, id)
			}
		}
		_ = tx.Commit(ctx)
		time.Sleep(time.Duration(40+rand.Intn(60)) * time.Millisecond)
	}
}
