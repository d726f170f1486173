package escrow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"escrowflow/payment"
)

// memStore implements Store with the same compare-and-swap semantics the pgx
// repository provides, guarded by a mutex instead of a row lock.
type memStore struct {
	mu          sync.Mutex
	recs        map[string]Transaction
	events      []Event
	completions int
}

func newMemStore(recs ...Transaction) *memStore {
	m := &memStore{recs: make(map[string]Transaction, len(recs))}
	for _, rec := range recs {
		m.recs[rec.ID] = rec
	}
	return m
}

func (m *memStore) Get(_ context.Context, id string) (Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.recs[id]
	if !ok {
		return Transaction{}, ErrNotFound
	}
	return rec, nil
}

func (m *memStore) CompareAndSwapStatus(_ context.Context, id string, expected Status, mutate func(*Transaction) error, events ...Event) (Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.recs[id]
	if !ok {
		return Transaction{}, ErrNotFound
	}
	if rec.Status != expected {
		return Transaction{}, fmt.Errorf("status is %s, expected %s: %w", rec.Status, expected, ErrConflict)
	}
	if err := mutate(&rec); err != nil {
		return Transaction{}, err
	}
	if rec.Status != expected && !CanTransition(expected, rec.Status) {
		return Transaction{}, fmt.Errorf("transition %s -> %s: %w", expected, rec.Status, ErrInvalidState)
	}
	m.recs[id] = rec
	m.events = append(m.events, events...)
	if rec.Status == StatusCompleted {
		m.completions++
	}
	return rec, nil
}

// fakeGateway counts payout attempts and deduplicates effects by idempotency
// key the way the real rails do.
type fakeGateway struct {
	mu       sync.Mutex
	calls    int
	effects  map[string]int64
	failures []error
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{effects: make(map[string]int64)}
}

func (g *fakeGateway) Payout(_ context.Context, req payment.PayoutRequest) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls++
	if len(g.failures) > 0 {
		err := g.failures[0]
		g.failures = g.failures[1:]
		if err != nil {
			return err
		}
	}
	if _, done := g.effects[req.IdempotencyKey]; !done {
		g.effects[req.IdempotencyKey] = req.AmountCents
	}
	return nil
}

func heldTransaction(id string) Transaction {
	return Transaction{
		ID:           id,
		ListingID:    "listing-1",
		BuyerID:      "buyer-1",
		SellerID:     "seller-1",
		Amount:       50_000,
		SellerAmount: 47_500,
		Status:       StatusFundsHeld,
	}
}

func TestConfirm_BuyerThenSeller(t *testing.T) {
	store := newMemStore(heldTransaction("txn-1"))
	gw := newFakeGateway()
	coord := NewCoordinator(store, gw)

	first, err := coord.Confirm(context.Background(), "txn-1", RoleBuyer)
	if err != nil {
		t.Fatalf("buyer confirm: %v", err)
	}
	if first.Transaction.Status != StatusBuyerConfirmed || first.BothConfirmed {
		t.Fatalf("expected buyer_confirmed/false, got %s/%v", first.Transaction.Status, first.BothConfirmed)
	}
	if first.Transaction.BuyerConfirmedAt == nil {
		t.Fatalf("expected buyer timestamp to be stamped")
	}

	second, err := coord.Confirm(context.Background(), "txn-1", RoleSeller)
	if err != nil {
		t.Fatalf("seller confirm: %v", err)
	}
	if second.Transaction.Status != StatusCompleted || !second.BothConfirmed {
		t.Fatalf("expected completed/true, got %s/%v", second.Transaction.Status, second.BothConfirmed)
	}
	if first.Transaction.BuyerConfirmedAt.After(*second.Transaction.SellerConfirmedAt) {
		t.Fatalf("seller confirmation must not predate buyer's")
	}
	if gw.calls != 1 {
		t.Fatalf("expected exactly one payout call, got %d", gw.calls)
	}
	if got := gw.effects["txn-1"]; got != 47_500 {
		t.Fatalf("expected payout of 47500 keyed by transaction id, got %d", got)
	}
	if store.completions != 1 {
		t.Fatalf("expected exactly one completed transition, got %d", store.completions)
	}
	if len(store.events) != 1 || store.events[0].Topic != TopicTransactionCompleted {
		t.Fatalf("expected a single %s event, got %+v", TopicTransactionCompleted, store.events)
	}
}

func TestConfirm_SameRoleTwiceIsIdempotent(t *testing.T) {
	store := newMemStore(heldTransaction("txn-1"))
	gw := newFakeGateway()
	coord := NewCoordinator(store, gw)

	first, err := coord.Confirm(context.Background(), "txn-1", RoleSeller)
	if err != nil {
		t.Fatalf("first confirm: %v", err)
	}
	second, err := coord.Confirm(context.Background(), "txn-1", RoleSeller)
	if err != nil {
		t.Fatalf("second confirm: %v", err)
	}
	if second.BothConfirmed {
		t.Fatalf("expected bothConfirmed=false on replay")
	}
	if !second.Transaction.SellerConfirmedAt.Equal(*first.Transaction.SellerConfirmedAt) {
		t.Fatalf("replay must return the already-set timestamp unchanged")
	}
	if gw.calls != 0 {
		t.Fatalf("no payout expected, got %d calls", gw.calls)
	}
}

func TestConfirm_ConcurrentBuyerAndSeller(t *testing.T) {
	for i := 0; i < 50; i++ {
		store := newMemStore(heldTransaction("txn-1"))
		gw := newFakeGateway()
		coord := NewCoordinator(store, gw)

		var wg sync.WaitGroup
		errs := make([]error, 2)
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, errs[0] = coord.Confirm(context.Background(), "txn-1", RoleBuyer)
		}()
		go func() {
			defer wg.Done()
			_, errs[1] = coord.Confirm(context.Background(), "txn-1", RoleSeller)
		}()
		wg.Wait()

		for i, err := range errs {
			if err != nil {
				t.Fatalf("confirm %d: %v", i, err)
			}
		}
		if store.completions != 1 {
			t.Fatalf("expected exactly one completed transition, got %d", store.completions)
		}
		if len(gw.effects) != 1 {
			t.Fatalf("expected exactly one payout effect, got %d", len(gw.effects))
		}
		rec, _ := store.Get(context.Background(), "txn-1")
		if !rec.BothConfirmed() || rec.Status != StatusCompleted {
			t.Fatalf("expected completed with both timestamps, got %+v", rec)
		}
	}
}

func TestConfirm_DuplicateRetriesAgainstConfirmedCounterparty(t *testing.T) {
	base := heldTransaction("txn-1")
	ts := time.Now().Add(-time.Minute)
	base.SellerConfirmedAt = &ts
	base.Status = StatusSellerConfirmed

	for i := 0; i < 50; i++ {
		store := newMemStore(base)
		gw := newFakeGateway()
		coord := NewCoordinator(store, gw)

		var wg sync.WaitGroup
		results := make([]ConfirmResult, 2)
		errs := make([]error, 2)
		for j := 0; j < 2; j++ {
			wg.Add(1)
			go func(j int) {
				defer wg.Done()
				results[j], errs[j] = coord.Confirm(context.Background(), "txn-1", RoleBuyer)
			}(j)
		}
		wg.Wait()

		for j := 0; j < 2; j++ {
			if errs[j] != nil {
				t.Fatalf("retry %d errored: %v", j, errs[j])
			}
			if !results[j].BothConfirmed {
				t.Fatalf("retry %d: expected bothConfirmed=true", j)
			}
		}
		if store.completions != 1 {
			t.Fatalf("expected exactly one completed transition, got %d", store.completions)
		}
		if len(gw.effects) != 1 {
			t.Fatalf("expected exactly one payout effect, got %d", len(gw.effects))
		}
	}
}

func TestConfirm_DisputedFailsFast(t *testing.T) {
	rec := heldTransaction("txn-1")
	rec.Status = StatusDisputed
	coord := NewCoordinator(newMemStore(rec), newFakeGateway())

	_, err := coord.Confirm(context.Background(), "txn-1", RoleBuyer)
	if !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}
}

func TestConfirm_PendingAndTerminalStates(t *testing.T) {
	for _, status := range []Status{StatusPending, StatusCancelled, StatusRefunded} {
		rec := heldTransaction("txn-1")
		rec.Status = status
		coord := NewCoordinator(newMemStore(rec), newFakeGateway())
		if _, err := coord.Confirm(context.Background(), "txn-1", RoleSeller); !errors.Is(err, ErrInvalidState) {
			t.Fatalf("status %s: expected ErrInvalidState, got %v", status, err)
		}
	}
}

func TestConfirm_UnknownTransaction(t *testing.T) {
	coord := NewCoordinator(newMemStore(), newFakeGateway())
	if _, err := coord.Confirm(context.Background(), "nope", RoleBuyer); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestConfirm_UnknownRoleRejected(t *testing.T) {
	coord := NewCoordinator(newMemStore(heldTransaction("txn-1")), newFakeGateway())
	if _, err := coord.Confirm(context.Background(), "txn-1", Role("arbiter")); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
}

func TestConfirm_PayoutTimeoutLeavesStateRetryable(t *testing.T) {
	base := heldTransaction("txn-1")
	ts := time.Now().Add(-time.Minute)
	base.SellerConfirmedAt = &ts
	base.Status = StatusSellerConfirmed

	store := newMemStore(base)
	gw := newFakeGateway()
	gw.failures = []error{payment.ErrTimeout}
	coord := NewCoordinator(store, gw)

	_, err := coord.Confirm(context.Background(), "txn-1", RoleBuyer)
	if !errors.Is(err, payment.ErrTimeout) {
		t.Fatalf("expected payout timeout to surface, got %v", err)
	}
	rec, _ := store.Get(context.Background(), "txn-1")
	if rec.Status != StatusSellerConfirmed || rec.BuyerConfirmedAt != nil {
		t.Fatalf("transaction must stay in its pre-completed confirmed state, got %+v", rec)
	}

	// The retry reuses the same idempotency key and only then completes.
	result, err := coord.Confirm(context.Background(), "txn-1", RoleBuyer)
	if err != nil {
		t.Fatalf("retry after timeout: %v", err)
	}
	if result.Transaction.Status != StatusCompleted || !result.BothConfirmed {
		t.Fatalf("expected completed after retry, got %+v", result)
	}
	if gw.calls != 2 || len(gw.effects) != 1 {
		t.Fatalf("expected 2 attempts with one effect, got calls=%d effects=%d", gw.calls, len(gw.effects))
	}
}

func TestConfirm_RetriesExhaustedSurfacesConflict(t *testing.T) {
	store := &conflictStore{inner: newMemStore(heldTransaction("txn-1"))}
	coord := NewCoordinator(store, newFakeGateway())

	_, err := coord.Confirm(context.Background(), "txn-1", RoleBuyer)
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict after exhausted retries, got %v", err)
	}
	if store.casCalls != maxConfirmAttempts {
		t.Fatalf("expected %d attempts, got %d", maxConfirmAttempts, store.casCalls)
	}
}

// conflictStore loses every CAS while serving reads from the inner store.
type conflictStore struct {
	inner    *memStore
	casCalls int
}

func (s *conflictStore) Get(ctx context.Context, id string) (Transaction, error) {
	return s.inner.Get(ctx, id)
}

func (s *conflictStore) CompareAndSwapStatus(context.Context, string, Status, func(*Transaction) error, ...Event) (Transaction, error) {
	s.casCalls++
	return Transaction{}, ErrConflict
}
