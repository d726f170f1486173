package escrow

import "testing"

func TestCanTransition(t *testing.T) {
	allowed := []struct{ from, to Status }{
		{StatusPending, StatusFundsHeld},
		{StatusPending, StatusCancelled},
		{StatusFundsHeld, StatusBuyerConfirmed},
		{StatusFundsHeld, StatusSellerConfirmed},
		{StatusFundsHeld, StatusDisputed},
		{StatusFundsHeld, StatusCancelled},
		{StatusBuyerConfirmed, StatusCompleted},
		{StatusBuyerConfirmed, StatusDisputed},
		{StatusSellerConfirmed, StatusCompleted},
		{StatusDisputed, StatusFundsHeld},
		{StatusDisputed, StatusRefunded},
		{StatusDisputed, StatusCompleted},
	}
	for _, tc := range allowed {
		if !CanTransition(tc.from, tc.to) {
			t.Errorf("expected %s -> %s to be permitted", tc.from, tc.to)
		}
	}

	denied := []struct{ from, to Status }{
		{StatusCompleted, StatusDisputed},
		{StatusCompleted, StatusFundsHeld},
		{StatusCancelled, StatusFundsHeld},
		{StatusRefunded, StatusCompleted},
		{StatusBuyerConfirmed, StatusCancelled},
		{StatusSellerConfirmed, StatusCancelled},
		{StatusPending, StatusCompleted},
	}
	for _, tc := range denied {
		if CanTransition(tc.from, tc.to) {
			t.Errorf("expected %s -> %s to be rejected", tc.from, tc.to)
		}
	}
}

func TestTerminalStatuses(t *testing.T) {
	for _, s := range []Status{StatusCompleted, StatusCancelled, StatusRefunded} {
		if !s.Terminal() {
			t.Errorf("expected %s to be terminal", s)
		}
	}
	for _, s := range []Status{StatusPending, StatusFundsHeld, StatusBuyerConfirmed, StatusSellerConfirmed, StatusDisputed} {
		if s.Terminal() {
			t.Errorf("expected %s to be non-terminal", s)
		}
	}
}

func TestDisputable(t *testing.T) {
	for _, s := range []Status{StatusPending, StatusFundsHeld, StatusBuyerConfirmed, StatusSellerConfirmed} {
		if !s.Disputable() {
			t.Errorf("expected %s to be disputable", s)
		}
	}
	for _, s := range []Status{StatusCompleted, StatusDisputed, StatusCancelled, StatusRefunded} {
		if s.Disputable() {
			t.Errorf("expected %s to not be disputable", s)
		}
	}
}

func TestFeePolicy(t *testing.T) {
	cases := []struct {
		bps    int64
		amount int64
		want   int64
	}{
		{500, 50_000, 47_500},
		{500, 1, 1},      // fee rounds down to zero
		{0, 50_000, 50_000},
		{10_000, 50_000, 0},
		{300, 9_999, 9_700},
	}
	for _, tc := range cases {
		got := FeePolicy{FeeBps: tc.bps}.SellerAmount(tc.amount)
		if got != tc.want {
			t.Errorf("FeeBps=%d amount=%d: got %d, want %d", tc.bps, tc.amount, got, tc.want)
		}
		if got > tc.amount {
			t.Errorf("seller amount %d exceeds amount %d", got, tc.amount)
		}
	}
}

func TestRoleOther(t *testing.T) {
	if RoleBuyer.Other() != RoleSeller || RoleSeller.Other() != RoleBuyer {
		t.Fatalf("role inversion broken")
	}
}
