package actors

import (
	"context"
	"log"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"escrowflow/dispute"
	"escrowflow/escrow"
	"escrowflow/outbox"
	"escrowflow/payment"
)

// StubRails stands in for the payment collaborators. Payout effects are
// deduplicated by idempotency key like the real rails; a slice of the calls
// randomly times out to exercise the retry path.
type StubRails struct {
	mu      sync.Mutex
	effects map[string]int64
	calls   map[string]int
	flaky   bool
}

func NewStubRails(flaky bool) *StubRails {
	return &StubRails{
		effects: make(map[string]int64),
		calls:   make(map[string]int),
		flaky:   flaky,
	}
}

func (s *StubRails) Capture(_ context.Context, _ payment.CaptureRequest) (string, error) {
	return "hold-" + uuid.NewString(), nil
}

func (s *StubRails) Payout(_ context.Context, req payment.PayoutRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[req.IdempotencyKey]++
	if s.flaky && rand.Intn(10) == 0 {
		return payment.ErrTimeout
	}
	if _, done := s.effects[req.IdempotencyKey]; !done {
		s.effects[req.IdempotencyKey] = req.AmountCents
	}
	return nil
}

// EffectCount returns how many distinct payouts actually moved money.
func (s *StubRails) EffectCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.effects)
}

// Paid reports whether money moved for the given idempotency key, and how
// many payout calls arrived for it.
func (s *StubRails) Paid(key string) (bool, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.effects[key]
	return ok, s.calls[key]
}

// Opener keeps creating fresh transactions between the two parties.
func Opener(ctx context.Context, svc *escrow.Service, listingID, buyerID, sellerID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		if _, err := svc.Open(ctx, escrow.OpenParams{
			ListingID: listingID,
			BuyerID:   buyerID,
			SellerID:  sellerID,
			Amount:    int64(1000 + rand.Intn(100_000)),
		}); err != nil && ctx.Err() == nil {
			log.Printf("opener: %v", err)
		}
		time.Sleep(time.Duration(50+rand.Intn(100)) * time.Millisecond)
	}
}

// Confirmer hammers Confirm for one role on the contended transaction.
// Conflicts, invalid states and simulated payout timeouts are all expected
// under contention.
func Confirmer(ctx context.Context, coord *escrow.Coordinator, transactionID string, role escrow.Role, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		_, _ = coord.Confirm(ctx, transactionID, role)
		time.Sleep(time.Duration(10+rand.Intn(30)) * time.Millisecond)
	}
}

// Disputer raises disputes against the contended transaction.
func Disputer(ctx context.Context, svc *dispute.Service, transactionID, raisedByID string, stop <-chan struct{}) error {
	categories := []dispute.Category{dispute.CategoryNoShow, dispute.CategoryConditionMismatch, dispute.CategoryOther}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		_, _ = svc.Create(ctx, dispute.CreateParams{
			TransactionID: transactionID,
			RaisedByID:    raisedByID,
			Category:      categories[rand.Intn(len(categories))],
			Reason:        "stress dispute",
		})
		time.Sleep(time.Duration(100+rand.Intn(200)) * time.Millisecond)
	}
}

// Resolver drains the arbitration queue with random resolutions.
func Resolver(ctx context.Context, svc *dispute.Service, adminID string, stop <-chan struct{}) error {
	resolutions := []dispute.Resolution{
		dispute.ResolutionReopen,
		dispute.ResolutionRefundBuyer,
		dispute.ResolutionReleaseSeller,
		dispute.ResolutionPartial,
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		open, err := svc.ListOpen(ctx, 5)
		if err == nil {
			for _, d := range open {
				_, _ = svc.Resolve(ctx, dispute.ResolveParams{
					DisputeID:          d.ID,
					Resolution:         resolutions[rand.Intn(len(resolutions))],
					AdminID:            adminID,
					PartialAmountCents: int64(1 + rand.Intn(100_000)),
				})
			}
		}
		time.Sleep(time.Duration(150+rand.Intn(150)) * time.Millisecond)
	}
}

// Canceller tries to withdraw the contended transaction before confirmations land.
func Canceller(ctx context.Context, svc *escrow.Service, transactionID, actorID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		_, _ = svc.Cancel(ctx, transactionID, actorID)
		time.Sleep(time.Duration(200+rand.Intn(200)) * time.Millisecond)
	}
}

// Drainer pumps the outbox worker.
func Drainer(ctx context.Context, worker *outbox.Worker, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		if _, err := worker.DrainOnce(ctx); err != nil && ctx.Err() == nil {
			log.Printf("drainer: %v", err)
		}
		time.Sleep(100 * time.Millisecond)
	}
}
