package dashboard

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"escrowflow/escrow"
)

// StatusCount is one row of the per-user projection.
type StatusCount struct {
	Status escrow.Status
	Role   escrow.Role
	Count  int
}

// Repository is the read-only projection layer for dashboards. It scans the
// transaction store directly and tolerates eventual consistency; it never
// writes.
type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// CountsByStatus aggregates the user's transactions per status per role.
func (r *Repository) CountsByStatus(ctx context.Context, userID string) ([]StatusCount, error) {
	const query = `
SELECT status::text, role, COUNT(*)
FROM (
    SELECT status, 'buyer' AS role FROM escrow_transactions WHERE buyer_id = $1
    UNION ALL
    SELECT status, 'seller' AS role FROM escrow_transactions WHERE seller_id = $1
) t
GROUP BY status, role
ORDER BY status, role`

	rows, err := r.pool.Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("dashboard: counts by status: %w", err)
	}
	defer rows.Close()

	out := make([]StatusCount, 0, 8)
	for rows.Next() {
		var sc StatusCount
		if err := rows.Scan(&sc.Status, &sc.Role, &sc.Count); err != nil {
			return nil, fmt.Errorf("dashboard: scan: %w", err)
		}
		out = append(out, sc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("dashboard: iterate: %w", err)
	}
	return out, nil
}
