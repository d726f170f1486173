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
			Name: "O1_completed_needs_both_confirmations",
			SQL: `SELECT t.id FROM escrow_transactions t
                  WHERE t.status = 'completed'
                    AND (t.buyer_confirmed_at IS NULL OR t.seller_confirmed_at IS NULL)
                    AND NOT EXISTS (
                        SELECT 1 FROM disputes d
                        WHERE d.escrow_transaction_id = t.id
                          AND d.resolution IN ('release_seller','partial'))`,
		},
		{
			Name: "O2_single_open_dispute",
			SQL: `SELECT escrow_transaction_id, COUNT(*) FROM disputes
                  WHERE status <> 'resolved'
                  GROUP BY escrow_transaction_id HAVING COUNT(*) > 1`,
		},
		{
			Name: "O3_seller_amount_within_hold",
			SQL: `SELECT id FROM escrow_transactions
                  WHERE seller_amount_cents > amount_cents OR seller_amount_cents < 0`,
		},
		{
			Name: "O4_no_exit_from_terminal",
			SQL: `SELECT id, payload FROM audit_events
                  WHERE type = 'STATUS_CHANGED'
                    AND payload->>'previous' IN ('completed','cancelled','refunded')`,
		},
		{
			Name: "O5_outbox_not_stuck",
			SQL: `SELECT id, topic, attempts FROM outbox
                  WHERE status = 'pending'
                    AND now() - created_at > interval '5 minutes'`,
		},
		{
			Name: "O6_disputed_has_open_dispute",
			SQL: `SELECT t.id FROM escrow_transactions t
                  WHERE t.status = 'disputed'
                    AND NOT EXISTS (
                        SELECT 1 FROM disputes d
                        WHERE d.escrow_transaction_id = t.id
                          AND d.status <> 'resolved')`,
		},
		{
			Name: "O7_audit_seq_monotonic",
			SQL: `WITH seqs AS (
                      SELECT escrow_transaction_id, seq,
                             LAG(seq) OVER (PARTITION BY escrow_transaction_id ORDER BY seq) AS prev
                      FROM audit_events)
                  SELECT * FROM seqs WHERE prev IS NOT NULL AND seq <= prev`,
		},
		{
			Name: "O8_escrow_delete_guard",
			SQL: `SELECT 'missing_no_delete_trigger' AS detail
                  WHERE NOT EXISTS (SELECT 1 FROM pg_trigger WHERE tgname = 'no_delete_escrow_transactions')`,
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
