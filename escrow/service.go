package escrow

import (
	"context"
	"errors"
	"fmt"

	"escrowflow/payment"
)

// Service owns the transaction lifecycle outside the confirmation protocol:
// opening a transaction against the capture collaborator, acknowledging the
// hold, and the explicit cancel path.
type Service struct {
	repo    *Repository
	capture payment.CaptureGateway
	fees    FeePolicy
}

func NewService(repo *Repository, capture payment.CaptureGateway) *Service {
	return &Service{
		repo:    repo,
		capture: capture,
		fees:    DefaultFeePolicy,
	}
}

// WithFeePolicy overrides the platform fee schedule.
func (s *Service) WithFeePolicy(fees FeePolicy) *Service {
	s.fees = fees
	return s
}

// OpenParams are the caller-supplied inputs for a new escrow transaction.
type OpenParams struct {
	ListingID          string
	BuyerID            string
	SellerID           string
	Amount             int64
	MeetingLocation    string
	MeetingScheduledAt *string
}

// Open places the buyer's funds on hold and creates the transaction in
// funds_held carrying the hold reference. When the capture collaborator times
// out the transaction is created in pending instead; its callback lands
// through MarkFundsHeld once the hold settles.
func (s *Service) Open(ctx context.Context, params OpenParams) (Transaction, error) {
	if params.Amount <= 0 {
		return Transaction{}, fmt.Errorf("escrow: amount must be positive: %w", ErrValidation)
	}
	if params.BuyerID == params.SellerID {
		return Transaction{}, fmt.Errorf("escrow: buyer and seller must differ: %w", ErrValidation)
	}

	holdRef, err := s.capture.Capture(ctx, payment.CaptureRequest{
		ListingID:   params.ListingID,
		BuyerID:     params.BuyerID,
		AmountCents: params.Amount,
	})
	if err != nil && !errors.Is(err, payment.ErrTimeout) {
		return Transaction{}, fmt.Errorf("escrow: capture hold: %w", err)
	}

	return s.repo.Create(ctx, CreateParams{
		ListingID:          params.ListingID,
		BuyerID:            params.BuyerID,
		SellerID:           params.SellerID,
		Amount:             params.Amount,
		HoldRef:            holdRef,
		MeetingLocation:    params.MeetingLocation,
		MeetingScheduledAt: params.MeetingScheduledAt,
		Fees:               s.fees,
	})
}

// MarkFundsHeld acknowledges a late capture callback for a pending
// transaction.
func (s *Service) MarkFundsHeld(ctx context.Context, id, holdRef string) (Transaction, error) {
	if holdRef == "" {
		return Transaction{}, fmt.Errorf("escrow: hold reference required: %w", ErrValidation)
	}
	return s.repo.CompareAndSwapStatus(ctx, id, StatusPending, func(t *Transaction) error {
		t.HoldRef = &holdRef
		t.Status = StatusFundsHeld
		return nil
	})
}

// Cancel withdraws a transaction before any confirmation has been recorded.
func (s *Service) Cancel(ctx context.Context, id string, actorID string) (Transaction, error) {
	rec, err := s.repo.Get(ctx, id)
	if err != nil {
		return Transaction{}, err
	}
	if rec.Status != StatusPending && rec.Status != StatusFundsHeld {
		return Transaction{}, fmt.Errorf("escrow: cannot cancel in status %s: %w", rec.Status, ErrInvalidState)
	}
	if rec.BuyerConfirmedAt != nil || rec.SellerConfirmedAt != nil {
		return Transaction{}, fmt.Errorf("escrow: cannot cancel after a confirmation: %w", ErrInvalidState)
	}
	if _, ok := rec.UserRole(actorID); !ok {
		return Transaction{}, fmt.Errorf("escrow: actor %s is not a party to the transaction: %w", actorID, ErrValidation)
	}

	return s.repo.CompareAndSwapStatus(ctx, id, rec.Status, func(t *Transaction) error {
		if t.BuyerConfirmedAt != nil || t.SellerConfirmedAt != nil {
			return fmt.Errorf("escrow: cannot cancel after a confirmation: %w", ErrInvalidState)
		}
		t.Status = StatusCancelled
		return nil
	}, Event{
		Topic: TopicTransactionCancelled,
		Payload: map[string]any{
			"transaction_id": rec.ID,
			"cancelled_by":   actorID,
		},
	})
}
