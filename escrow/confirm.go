package escrow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"escrowflow/payment"
)

// maxConfirmAttempts bounds the CAS retry loop; a fresh read precedes every
// attempt so a loser reacts to the winner's state instead of erroring.
const maxConfirmAttempts = 3

// Store is the mutation surface the coordinator needs. The pgx Repository
// implements it; tests substitute an in-memory fake.
type Store interface {
	Get(ctx context.Context, id string) (Transaction, error)
	CompareAndSwapStatus(ctx context.Context, id string, expected Status, mutate func(*Transaction) error, events ...Event) (Transaction, error)
}

// ConfirmResult reports the post-confirm record and whether both sides have
// now attested.
type ConfirmResult struct {
	Transaction   Transaction
	BothConfirmed bool
}

// Coordinator records per-party confirmations and releases funds exactly
// once when both sides agree.
type Coordinator struct {
	store   Store
	payouts payment.PayoutGateway
	now     func() time.Time
}

func NewCoordinator(store Store, payouts payment.PayoutGateway) *Coordinator {
	return &Coordinator{
		store:   store,
		payouts: payouts,
		now:     time.Now,
	}
}

// WithClock overrides the confirmation timestamp source.
func (c *Coordinator) WithClock(now func() time.Time) *Coordinator {
	c.now = now
	return c
}

// Confirm records one party's attestation that the sale concluded. When the
// counterparty has already confirmed, the payout collaborator is invoked
// before the completed transition commits, keyed by the transaction id: a
// gateway timeout leaves the record in its pre-completed confirmed state so a
// later retry with the same key can finish the release without double-paying.
func (c *Coordinator) Confirm(ctx context.Context, transactionID string, role Role) (ConfirmResult, error) {
	if !role.valid() {
		return ConfirmResult{}, fmt.Errorf("escrow: unknown confirmer role %q: %w", role, ErrValidation)
	}

	var lastErr error
	for attempt := 0; attempt < maxConfirmAttempts; attempt++ {
		rec, err := c.store.Get(ctx, transactionID)
		if err != nil {
			return ConfirmResult{}, err
		}

		switch rec.Status {
		case StatusDisputed:
			return ConfirmResult{}, fmt.Errorf("escrow: transaction is disputed, under review: %w", ErrInvalidState)
		case StatusCancelled, StatusRefunded:
			return ConfirmResult{}, fmt.Errorf("escrow: transaction is %s: %w", rec.Status, ErrInvalidState)
		case StatusCompleted:
			// A duplicate confirm that lost the completing race observes the
			// final record instead of erroring.
			if rec.ConfirmedAt(role) != nil {
				return ConfirmResult{Transaction: rec, BothConfirmed: true}, nil
			}
			return ConfirmResult{}, fmt.Errorf("escrow: transaction already completed: %w", ErrInvalidState)
		case StatusPending:
			return ConfirmResult{}, fmt.Errorf("escrow: funds not yet held: %w", ErrInvalidState)
		}

		if rec.ConfirmedAt(role) != nil && rec.ConfirmedAt(role.Other()) == nil {
			// Own side already confirmed; nothing to re-trigger.
			return ConfirmResult{Transaction: rec, BothConfirmed: false}, nil
		}

		if rec.ConfirmedAt(role.Other()) != nil {
			res, err := c.complete(ctx, rec, role)
			if err != nil {
				if errors.Is(err, ErrConflict) {
					lastErr = err
					continue
				}
				return ConfirmResult{}, err
			}
			return res, nil
		}

		ts := c.now()
		next := StatusBuyerConfirmed
		if role == RoleSeller {
			next = StatusSellerConfirmed
		}
		updated, err := c.store.CompareAndSwapStatus(ctx, rec.ID, rec.Status, func(t *Transaction) error {
			t.SetConfirmedAt(role, ts)
			t.Status = next
			return nil
		})
		if err != nil {
			if errors.Is(err, ErrConflict) {
				lastErr = err
				continue
			}
			return ConfirmResult{}, err
		}
		return ConfirmResult{Transaction: updated, BothConfirmed: false}, nil
	}

	return ConfirmResult{}, fmt.Errorf("escrow: confirm retries exhausted: %w", lastErr)
}

// complete runs the winning path: release funds, then flip to completed under
// the same CAS guard that stamped the counterparty's confirmation.
func (c *Coordinator) complete(ctx context.Context, rec Transaction, role Role) (ConfirmResult, error) {
	payoutReq := payment.PayoutRequest{
		TransactionID:  rec.ID,
		SellerID:       rec.SellerID,
		AmountCents:    rec.SellerAmount,
		IdempotencyKey: rec.ID,
	}
	if err := c.payouts.Payout(ctx, payoutReq); err != nil {
		// Authoritative status stays pre-completed; the same idempotency key
		// makes a later retry safe.
		return ConfirmResult{}, fmt.Errorf("escrow: payout for %s: %w", rec.ID, err)
	}

	ts := c.now()
	updated, err := c.store.CompareAndSwapStatus(ctx, rec.ID, rec.Status, func(t *Transaction) error {
		if t.ConfirmedAt(role) == nil {
			t.SetConfirmedAt(role, ts)
		}
		t.Status = StatusCompleted
		return nil
	}, Event{
		Topic: TopicTransactionCompleted,
		Payload: map[string]any{
			"transaction_id": rec.ID,
			"seller_id":      rec.SellerID,
			"seller_amount":  rec.SellerAmount,
		},
	})
	if err != nil {
		return ConfirmResult{}, err
	}
	return ConfirmResult{Transaction: updated, BothConfirmed: true}, nil
}
