package escrow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrNotFound is returned when no transaction row exists for the identifier.
	ErrNotFound = errors.New("escrow: transaction not found")
	// ErrConflict signals a lost compare-and-swap race; callers may re-read and retry.
	ErrConflict = errors.New("escrow: status conflict")
	// ErrInvalidState signals the operation is illegal in the transaction's current status.
	ErrInvalidState = errors.New("escrow: invalid state")
	// ErrValidation signals rejected input; never retried.
	ErrValidation = errors.New("escrow: validation failed")
)

const selectColumns = `
id, listing_id, buyer_id, seller_id, amount_cents, seller_amount_cents,
status::text, hold_ref, buyer_confirmed_at, seller_confirmed_at,
meeting_location, meeting_scheduled_at, dispute_id, created_at, updated_at`

// Repository is the pgx-backed transaction store. Every mutation funnels
// through CompareAndSwapStatus; there is no other write path after creation.
type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// CreateParams enumerates the inputs fixed at transaction creation.
type CreateParams struct {
	ListingID          string
	BuyerID            string
	SellerID           string
	Amount             int64
	HoldRef            string
	MeetingLocation    string
	MeetingScheduledAt *string
	Fees               FeePolicy
}

// Create inserts a new transaction. The buyer's funds are assumed captured
// upstream, so the row starts in funds_held when a hold reference is present
// and in pending otherwise.
func (r *Repository) Create(ctx context.Context, params CreateParams) (Transaction, error) {
	if params.Amount <= 0 {
		return Transaction{}, fmt.Errorf("escrow: amount must be positive: %w", ErrValidation)
	}
	if params.BuyerID == "" || params.SellerID == "" || params.ListingID == "" {
		return Transaction{}, fmt.Errorf("escrow: listing, buyer and seller ids required: %w", ErrValidation)
	}
	if params.BuyerID == params.SellerID {
		return Transaction{}, fmt.Errorf("escrow: buyer and seller must differ: %w", ErrValidation)
	}
	sellerAmount := params.Fees.SellerAmount(params.Amount)
	if sellerAmount < 0 || sellerAmount > params.Amount {
		return Transaction{}, fmt.Errorf("escrow: fee policy produced seller amount %d: %w", sellerAmount, ErrValidation)
	}
	var meetingAt *time.Time
	if params.MeetingScheduledAt != nil && *params.MeetingScheduledAt != "" {
		ts, err := time.Parse(time.RFC3339, *params.MeetingScheduledAt)
		if err != nil {
			return Transaction{}, fmt.Errorf("escrow: meeting_scheduled_at must be RFC 3339: %w", ErrValidation)
		}
		meetingAt = &ts
	}

	status := StatusFundsHeld
	var holdRef any
	if params.HoldRef != "" {
		holdRef = params.HoldRef
	} else {
		status = StatusPending
	}
	var meetingLocation any
	if params.MeetingLocation != "" {
		meetingLocation = params.MeetingLocation
	}

	const insertSQL = `
INSERT INTO escrow_transactions
    (listing_id, buyer_id, seller_id, amount_cents, seller_amount_cents, status, hold_ref, meeting_location, meeting_scheduled_at)
VALUES ($1,$2,$3,$4,$5,$6::escrow_status,$7,$8,$9)
RETURNING` + selectColumns

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return Transaction{}, fmt.Errorf("escrow: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	rec, err := scanTransaction(tx.QueryRow(ctx, insertSQL,
		params.ListingID,
		params.BuyerID,
		params.SellerID,
		params.Amount,
		sellerAmount,
		status,
		holdRef,
		meetingLocation,
		meetingAt,
	))
	if err != nil {
		return Transaction{}, fmt.Errorf("escrow: insert: %w", err)
	}

	if err := insertAuditEvent(ctx, tx, rec.ID, "ESCROW_CREATED", nil, map[string]any{
		"listing_id":    rec.ListingID,
		"amount":        rec.Amount,
		"seller_amount": rec.SellerAmount,
		"status":        rec.Status,
	}); err != nil {
		return Transaction{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Transaction{}, fmt.Errorf("escrow: commit insert: %w", err)
	}
	return rec, nil
}

// Get fetches a transaction by id.
func (r *Repository) Get(ctx context.Context, id string) (Transaction, error) {
	row := r.pool.QueryRow(ctx, `SELECT`+selectColumns+` FROM escrow_transactions WHERE id = $1`, id)
	rec, err := scanTransaction(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Transaction{}, ErrNotFound
		}
		return Transaction{}, fmt.Errorf("escrow: get: %w", err)
	}
	return rec, nil
}

// GetForUpdateTx fetches and row-locks a transaction inside the caller's tx.
func (r *Repository) GetForUpdateTx(ctx context.Context, tx pgx.Tx, id string) (Transaction, error) {
	row := tx.QueryRow(ctx, `SELECT`+selectColumns+` FROM escrow_transactions WHERE id = $1 FOR UPDATE`, id)
	rec, err := scanTransaction(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Transaction{}, ErrNotFound
		}
		return Transaction{}, fmt.Errorf("escrow: get for update: %w", err)
	}
	return rec, nil
}

// CompareAndSwapStatus runs a single conditional mutation in its own database
// transaction. See CompareAndSwapStatusTx.
func (r *Repository) CompareAndSwapStatus(ctx context.Context, id string, expected Status, mutate func(*Transaction) error, events ...Event) (Transaction, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return Transaction{}, fmt.Errorf("escrow: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	rec, err := r.CompareAndSwapStatusTx(ctx, tx, id, expected, mutate, events...)
	if err != nil {
		return Transaction{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Transaction{}, fmt.Errorf("escrow: commit cas: %w", err)
	}
	return rec, nil
}

// CompareAndSwapStatusTx atomically verifies the current status equals
// expected, applies the mutator, and persists the result together with an
// audit event and any outbox events. The update is conditioned on the
// expected status so a concurrent writer loses with ErrConflict rather than
// clobbering state.
func (r *Repository) CompareAndSwapStatusTx(ctx context.Context, tx pgx.Tx, id string, expected Status, mutate func(*Transaction) error, events ...Event) (Transaction, error) {
	rec, err := r.GetForUpdateTx(ctx, tx, id)
	if err != nil {
		return Transaction{}, err
	}
	if rec.Status != expected {
		return Transaction{}, fmt.Errorf("escrow: status is %s, expected %s: %w", rec.Status, expected, ErrConflict)
	}

	if err := mutate(&rec); err != nil {
		return Transaction{}, err
	}
	if rec.Status != expected && !CanTransition(expected, rec.Status) {
		return Transaction{}, fmt.Errorf("escrow: transition %s -> %s not permitted: %w", expected, rec.Status, ErrInvalidState)
	}

	const updateSQL = `
UPDATE escrow_transactions
SET status = $1::escrow_status,
    hold_ref = $2,
    buyer_confirmed_at = $3,
    seller_confirmed_at = $4,
    dispute_id = $5,
    updated_at = now()
WHERE id = $6 AND status = $7::escrow_status
RETURNING updated_at`

	if err := tx.QueryRow(ctx, updateSQL,
		rec.Status,
		rec.HoldRef,
		rec.BuyerConfirmedAt,
		rec.SellerConfirmedAt,
		rec.DisputeID,
		rec.ID,
		expected,
	).Scan(&rec.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Transaction{}, ErrConflict
		}
		return Transaction{}, fmt.Errorf("escrow: conditional update: %w", err)
	}

	if rec.Status != expected {
		if err := insertAuditEvent(ctx, tx, rec.ID, "STATUS_CHANGED", nil, map[string]any{
			"previous": expected,
			"next":     rec.Status,
		}); err != nil {
			return Transaction{}, err
		}
	}

	for _, ev := range events {
		if err := enqueueOutbox(ctx, tx, ev.Topic, ev.Payload); err != nil {
			return Transaction{}, err
		}
	}

	return rec, nil
}

// ListFilter narrows ListByUser results for dashboard use.
type ListFilter struct {
	Role     Role // empty matches either side
	Status   Status
	Page     int
	PageSize int
}

// ListByUser returns the user's transactions newest first, paginated.
func (r *Repository) ListByUser(ctx context.Context, userID string, filter ListFilter) ([]Transaction, error) {
	if filter.Page <= 0 {
		filter.Page = 1
	}
	if filter.PageSize <= 0 || filter.PageSize > 100 {
		filter.PageSize = 20
	}

	query := `SELECT` + selectColumns + ` FROM escrow_transactions WHERE `
	args := []any{userID}
	switch filter.Role {
	case RoleBuyer:
		query += `buyer_id = $1`
	case RoleSeller:
		query += `seller_id = $1`
	default:
		query += `(buyer_id = $1 OR seller_id = $1)`
	}
	if filter.Status != "" {
		args = append(args, filter.Status)
		query += fmt.Sprintf(` AND status = $%d::escrow_status`, len(args))
	}
	args = append(args, filter.PageSize, (filter.Page-1)*filter.PageSize)
	query += fmt.Sprintf(` ORDER BY created_at DESC LIMIT $%d OFFSET $%d`, len(args)-1, len(args))

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("escrow: list by user: %w", err)
	}
	defer rows.Close()

	out := make([]Transaction, 0, filter.PageSize)
	for rows.Next() {
		rec, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("escrow: scan: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("escrow: iterate: %w", err)
	}
	return out, nil
}

func scanTransaction(row pgx.Row) (Transaction, error) {
	var rec Transaction
	err := row.Scan(
		&rec.ID,
		&rec.ListingID,
		&rec.BuyerID,
		&rec.SellerID,
		&rec.Amount,
		&rec.SellerAmount,
		&rec.Status,
		&rec.HoldRef,
		&rec.BuyerConfirmedAt,
		&rec.SellerConfirmedAt,
		&rec.MeetingLocation,
		&rec.MeetingScheduledAt,
		&rec.DisputeID,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	)
	return rec, err
}

func insertAuditEvent(ctx context.Context, tx pgx.Tx, txnID, eventType string, actorID *string, payload map[string]any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("escrow: marshal audit payload: %w", err)
	}
	var actor any
	if actorID != nil && *actorID != "" {
		actor = *actorID
	}
	const q = `
INSERT INTO audit_events (escrow_transaction_id, type, payload, actor_id)
VALUES ($1, $2, $3::jsonb, $4::uuid)`
	if _, err := tx.Exec(ctx, q, txnID, eventType, body, actor); err != nil {
		return fmt.Errorf("escrow: insert audit event: %w", err)
	}
	return nil
}

func enqueueOutbox(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("escrow: marshal outbox payload: %w", err)
	}
	const q = `INSERT INTO outbox (topic, payload) VALUES ($1, $2::jsonb)`
	if _, err := tx.Exec(ctx, q, topic, body); err != nil {
		return fmt.Errorf("escrow: enqueue outbox: %w", err)
	}
	return nil
}
