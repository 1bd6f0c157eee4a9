package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// TimelineWriter appends immutable business events to a case's timeline.
type TimelineWriter interface {
	Append(ctx context.Context, tx pgx.Tx, caseID string, eventType string, actorID string, payload map[string]any) error
}

// OutboxWriter enqueues messages for transactional delivery to observers.
type OutboxWriter interface {
	Enqueue(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error
}

// Writer persists timeline events and outbox messages inside the caller's
// transaction so they commit or roll back together with the domain write.
type Writer struct{}

func NewWriter() *Writer {
	return &Writer{}
}

// Append inserts a timeline event for the case. Sequence numbers come from
// MAX(seq)+1, so appenders must not race: a transaction-scoped advisory lock
// keyed on the case serializes writers that otherwise hold different row
// locks (a vote submission locks the session row, a transition the case row).
func (w *Writer) Append(ctx context.Context, tx pgx.Tx, caseID string, eventType string, actorID string, payload map[string]any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("events: marshal timeline payload: %w", err)
	}

	var actor any
	if actorID != "" {
		actor = actorID
	}

	const lockQ = `SELECT pg_advisory_xact_lock(hashtextextended('timeline:' || $1::text, 0))`
	if _, err := tx.Exec(ctx, lockQ, caseID); err != nil {
		return fmt.Errorf("events: lock timeline: %w", err)
	}

	const q = `
INSERT INTO timeline_events (case_id, seq, type, payload, actor_id)
SELECT $1, COALESCE(MAX(seq),0)+1, $2, $3::jsonb, $4
FROM timeline_events WHERE case_id = $1
`
	if _, err := tx.Exec(ctx, q, caseID, eventType, body, actor); err != nil {
		return fmt.Errorf("events: insert timeline event: %w", err)
	}
	return nil
}

// Enqueue inserts an outbox message for downstream delivery.
func (w *Writer) Enqueue(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("events: marshal outbox payload: %w", err)
	}

	const q = `INSERT INTO outbox (topic, payload) VALUES ($1, $2::jsonb)`
	if _, err := tx.Exec(ctx, q, topic, body); err != nil {
		return fmt.Errorf("events: enqueue outbox: %w", err)
	}
	return nil
}
