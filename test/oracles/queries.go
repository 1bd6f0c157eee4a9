package oracles

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

type Oracle struct {
	Name string
	SQL  string
}

func All() []Oracle {
	return []Oracle{
		{
			Name: "O1_frozen_within_total",
			SQL: `SELECT user_id, total, frozen FROM deposit_profiles
                  WHERE frozen < 0 OR frozen > total`,
		},
		{
			Name: "O2_frozen_matches_case_records",
			SQL: `SELECT p.user_id, p.frozen, COALESCE(SUM(c.amount), 0) AS recorded
                  FROM deposit_profiles p
                  LEFT JOIN case_collateral c ON c.user_id = p.user_id
                  GROUP BY p.user_id, p.frozen
                  HAVING p.frozen <> COALESCE(SUM(c.amount), 0)`,
		},
		{
			Name: "O3_collateral_released_on_terminal",
			SQL: `SELECT c.case_id, c.user_id FROM case_collateral c
                  JOIN cases k ON k.id = c.case_id
                  WHERE k.status IN ('COMPLETED', 'CANCELLED')`,
		},
		{
			Name: "O4_vote_counts_match_rows",
			SQL: `SELECT s.case_id, s.support_count, s.reject_count FROM voting_sessions s
                  WHERE s.support_count <> (SELECT COUNT(*) FROM votes v WHERE v.case_id = s.case_id AND v.choice = 'SUPPORT')
                     OR s.reject_count <> (SELECT COUNT(*) FROM votes v WHERE v.case_id = s.case_id AND v.choice = 'REJECT')`,
		},
		{
			Name: "O5_votes_only_from_panel",
			SQL: `SELECT v.case_id, v.validator_id FROM votes v
                  LEFT JOIN voting_panel p ON p.case_id = v.case_id AND p.validator_id = v.validator_id
                  WHERE p.validator_id IS NULL`,
		},
		{
			Name: "O6_timeline_seq_monotonic",
			SQL: `WITH seqs AS (
                      SELECT case_id, seq,
                             LAG(seq) OVER (PARTITION BY case_id ORDER BY seq) AS prev
                      FROM timeline_events)
                  SELECT * FROM seqs WHERE prev IS NOT NULL AND seq <= prev`,
		},
		{
			Name: "O7_completed_flag_consistent",
			SQL: `SELECT id, status, completed FROM cases
                  WHERE (completed AND status NOT IN ('COMPLETED', 'CANCELLED'))
                     OR (status IN ('COMPLETED', 'CANCELLED') AND NOT completed)`,
		},
		{
			Name: "O8_entries_need_record",
			SQL: `SELECT e.case_id, e.user_id FROM award_entries e
                  LEFT JOIN award_records r ON r.case_id = e.case_id
                  WHERE r.case_id IS NULL OR NOT r.processed`,
		},
		{
			Name: "O9_outbox_not_stuck",
			SQL: `SELECT id::text FROM outbox
                  WHERE status NOT IN ('processed', 'dead')
                    AND now() - created_at > interval '5 minutes'`,
		},
		{
			Name: "O10_reserve_non_negative",
			SQL:  `SELECT id, balance FROM reserve WHERE balance < 0`,
		},
	}
}

// Run executes all oracles and returns the first failure (name and sample row text) or empty name if all pass.
func Run(ctx context.Context, pool *pgxpool.Pool) (string, string, error) {
	for _, o := range All() {
		rows, err := pool.Query(ctx, o.SQL)
		if err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
		has := rows.Next()
		if has {
			vals, err := rows.Values()
			rows.Close()
			if err != nil {
				return o.Name, "", err
			}
			return o.Name, fmt.Sprintf("%v", vals), nil
		}
		rows.Close()
	}
	return "", "", nil
}
