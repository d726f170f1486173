package dispute

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"escrowflow/escrow"
	"escrowflow/payment"
)

// Service freezes transactions for arbitration and applies admin resolutions.
// Opening a dispute and flipping the transaction to disputed commit in one
// database transaction, so neither an orphaned dispute nor a disputed
// transaction without a dispute record can exist.
type Service struct {
	pool    *pgxpool.Pool
	repo    *Repository
	escrows *escrow.Repository
	payouts payment.PayoutGateway
}

func NewService(pool *pgxpool.Pool, repo *Repository, escrows *escrow.Repository, payouts payment.PayoutGateway) *Service {
	return &Service{
		pool:    pool,
		repo:    repo,
		escrows: escrows,
		payouts: payouts,
	}
}

// CreateParams are the inputs for raising a dispute.
type CreateParams struct {
	TransactionID string
	RaisedByID    string
	Category      Category
	Reason        string
}

// Create raises a dispute and freezes the transaction. Fails with
// escrow.ErrInvalidState on finalized transactions and ErrAlreadyOpen when an
// unresolved dispute exists.
func (s *Service) Create(ctx context.Context, params CreateParams) (Record, error) {
	if !params.Category.Valid() {
		return Record{}, fmt.Errorf("dispute: unknown category %q: %w", params.Category, escrow.ErrValidation)
	}
	if params.Reason == "" {
		return Record{}, fmt.Errorf("dispute: reason required: %w", escrow.ErrValidation)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Record{}, fmt.Errorf("dispute: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	rec, err := s.escrows.GetForUpdateTx(ctx, tx, params.TransactionID)
	if err != nil {
		return Record{}, err
	}
	role, ok := rec.UserRole(params.RaisedByID)
	if !ok {
		return Record{}, fmt.Errorf("dispute: user %s is not a party to the transaction: %w", params.RaisedByID, escrow.ErrValidation)
	}
	if rec.Status == escrow.StatusDisputed {
		return Record{}, ErrAlreadyOpen
	}
	if !rec.Status.Disputable() {
		return Record{}, fmt.Errorf("dispute: transaction is finalized (%s): %w", rec.Status, escrow.ErrInvalidState)
	}

	created, err := s.repo.InsertTx(ctx, tx, rec.ID, params.Category, params.Reason, string(role))
	if err != nil {
		return Record{}, err
	}

	if _, err := s.escrows.CompareAndSwapStatusTx(ctx, tx, rec.ID, rec.Status, func(t *escrow.Transaction) error {
		t.Status = escrow.StatusDisputed
		t.DisputeID = &created.ID
		return nil
	}, escrow.Event{
		Topic: escrow.TopicDisputeOpened,
		Payload: map[string]any{
			"dispute_id":     created.ID,
			"transaction_id": rec.ID,
			"category":       created.Category,
			"raised_by":      created.RaisedBy,
		},
	}); err != nil {
		return Record{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Record{}, fmt.Errorf("dispute: commit create: %w", err)
	}
	return created, nil
}

// ResolveParams are the admin inputs for closing a dispute.
type ResolveParams struct {
	DisputeID string
	Resolution
	AdminID string
	// PartialAmountCents is the seller payout for the partial resolution,
	// capped at the transaction's seller amount.
	PartialAmountCents int64
}

// Resolve applies the arbitration outcome: the dispute is marked resolved and
// the linked transaction is driven through the same compare-and-swap
// primitive to refunded, completed, or back to funds_held. The payout for a
// release happens before the resolving transaction opens so the gateway call
// never holds row locks; a failed commit is retried under the same
// idempotency key.
func (s *Service) Resolve(ctx context.Context, params ResolveParams) (Record, error) {
	if !params.Resolution.Valid() {
		return Record{}, fmt.Errorf("dispute: unknown resolution %q: %w", params.Resolution, escrow.ErrValidation)
	}
	if params.AdminID == "" {
		return Record{}, fmt.Errorf("dispute: admin id required: %w", escrow.ErrValidation)
	}

	d, err := s.repo.Get(ctx, params.DisputeID)
	if err != nil {
		return Record{}, err
	}
	if d.Status == StatusResolved {
		return Record{}, ErrAlreadyResolved
	}

	rec, err := s.escrows.Get(ctx, d.EscrowTransactionID)
	if err != nil {
		return Record{}, err
	}
	if rec.Status != escrow.StatusDisputed {
		return Record{}, fmt.Errorf("dispute: transaction is %s, not disputed: %w", rec.Status, escrow.ErrInvalidState)
	}

	var (
		target escrow.Status
		events []escrow.Event
	)
	switch params.Resolution {
	case ResolutionRefundBuyer:
		target = escrow.StatusRefunded
		events = append(events, escrow.Event{
			Topic: escrow.TopicTransactionRefunded,
			Payload: map[string]any{
				"transaction_id": rec.ID,
				"buyer_id":       rec.BuyerID,
				"amount":         rec.Amount,
			},
		})
	case ResolutionReleaseSeller, ResolutionPartial:
		amount := rec.SellerAmount
		if params.Resolution == ResolutionPartial {
			amount = params.PartialAmountCents
			if amount <= 0 {
				return Record{}, fmt.Errorf("dispute: partial amount %d must be positive: %w", amount, escrow.ErrValidation)
			}
			if amount > rec.SellerAmount {
				amount = rec.SellerAmount
			}
		}
		if err := s.payouts.Payout(ctx, payment.PayoutRequest{
			TransactionID:  rec.ID,
			SellerID:       rec.SellerID,
			AmountCents:    amount,
			IdempotencyKey: rec.ID,
		}); err != nil {
			return Record{}, fmt.Errorf("dispute: payout for %s: %w", rec.ID, err)
		}
		target = escrow.StatusCompleted
		events = append(events, escrow.Event{
			Topic: escrow.TopicTransactionCompleted,
			Payload: map[string]any{
				"transaction_id": rec.ID,
				"seller_id":      rec.SellerID,
				"seller_amount":  amount,
				"via":            "dispute_resolution",
			},
		})
	case ResolutionReopen:
		target = escrow.StatusFundsHeld
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Record{}, fmt.Errorf("dispute: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	resolved, err := s.repo.MarkResolvedTx(ctx, tx, d.ID, params.Resolution, params.AdminID)
	if err != nil {
		return Record{}, err
	}

	events = append(events, escrow.Event{
		Topic: escrow.TopicDisputeResolved,
		Payload: map[string]any{
			"dispute_id":     resolved.ID,
			"transaction_id": rec.ID,
			"resolution":     params.Resolution,
		},
	})

	if _, err := s.escrows.CompareAndSwapStatusTx(ctx, tx, rec.ID, escrow.StatusDisputed, func(t *escrow.Transaction) error {
		t.Status = target
		if params.Resolution == ResolutionReopen {
			t.DisputeID = nil
		}
		return nil
	}, events...); err != nil {
		return Record{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Record{}, fmt.Errorf("dispute: commit resolve: %w", err)
	}
	return resolved, nil
}

// Get fetches a dispute by id.
func (s *Service) Get(ctx context.Context, id string) (Record, error) {
	return s.repo.Get(ctx, id)
}

// ListOpen returns the arbitration queue.
func (s *Service) ListOpen(ctx context.Context, limit int) ([]Record, error) {
	return s.repo.ListOpen(ctx, limit)
}

// IsNotFound reports whether err maps to a missing dispute or transaction.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, escrow.ErrNotFound)
}
