package dispute

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	ErrNotFound = errors.New("dispute: not found")
	// ErrAlreadyOpen signals a non-resolved dispute already exists for the transaction.
	ErrAlreadyOpen = errors.New("dispute: already open for transaction")
	// ErrAlreadyResolved signals the dispute was resolved by an earlier call.
	ErrAlreadyResolved = errors.New("dispute: already resolved")
)

const selectColumns = `
id, escrow_transaction_id, category::text, reason, raised_by, status::text,
resolution::text, resolved_by, created_at, updated_at, resolved_at`

type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// InsertTx creates a new open dispute inside the caller's transaction. The
// partial unique index on non-resolved disputes rejects a second open dispute
// with ErrAlreadyOpen.
func (r *Repository) InsertTx(ctx context.Context, tx pgx.Tx, transactionID string, category Category, reason, raisedBy string) (Record, error) {
	const insertSQL = `
INSERT INTO disputes (escrow_transaction_id, category, reason, raised_by)
VALUES ($1, $2::dispute_category, $3, $4)
RETURNING` + selectColumns

	rec, err := scanRecord(tx.QueryRow(ctx, insertSQL, transactionID, category, reason, raisedBy))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Record{}, ErrAlreadyOpen
		}
		return Record{}, fmt.Errorf("dispute: insert: %w", err)
	}
	return rec, nil
}

// Get fetches a dispute by id.
func (r *Repository) Get(ctx context.Context, id string) (Record, error) {
	rec, err := scanRecord(r.pool.QueryRow(ctx, `SELECT`+selectColumns+` FROM disputes WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("dispute: get: %w", err)
	}
	return rec, nil
}

// MarkResolvedTx records the arbitration outcome inside the caller's tx. The
// status condition makes a duplicate resolve lose with ErrAlreadyResolved.
func (r *Repository) MarkResolvedTx(ctx context.Context, tx pgx.Tx, id string, resolution Resolution, adminID string) (Record, error) {
	const updateSQL = `
UPDATE disputes
SET status = 'resolved',
    resolution = $2::dispute_resolution,
    resolved_by = $3,
    resolved_at = now(),
    updated_at = now()
WHERE id = $1 AND status <> 'resolved'
RETURNING` + selectColumns

	rec, err := scanRecord(tx.QueryRow(ctx, updateSQL, id, resolution, adminID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrAlreadyResolved
		}
		return Record{}, fmt.Errorf("dispute: mark resolved: %w", err)
	}
	return rec, nil
}

// ListOpen returns unresolved disputes oldest first for the arbitration queue.
func (r *Repository) ListOpen(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	rows, err := r.pool.Query(ctx, `
SELECT`+selectColumns+`
FROM disputes
WHERE status <> 'resolved'
ORDER BY created_at ASC
LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("dispute: list open: %w", err)
	}
	defer rows.Close()

	out := make([]Record, 0, limit)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("dispute: scan: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("dispute: iterate: %w", err)
	}
	return out, nil
}

func scanRecord(row pgx.Row) (Record, error) {
	var rec Record
	err := row.Scan(
		&rec.ID,
		&rec.EscrowTransactionID,
		&rec.Category,
		&rec.Reason,
		&rec.RaisedBy,
		&rec.Status,
		&rec.Resolution,
		&rec.ResolvedBy,
		&rec.CreatedAt,
		&rec.UpdatedAt,
		&rec.ResolvedAt,
	)
	return rec, err
}
