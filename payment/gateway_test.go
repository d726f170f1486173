package payment

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestHTTPGateway_Payout(t *testing.T) {
	var gotKey string
	var gotReq PayoutRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/payouts" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		gotKey = r.Header.Get("Idempotency-Key")
		if err := json.NewDecoder(r.Body).Decode(&gotReq); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	gw := NewHTTPGateway(srv.URL)
	req := PayoutRequest{
		TransactionID:  "txn-1",
		SellerID:       "seller-1",
		AmountCents:    47_500,
		IdempotencyKey: "txn-1",
	}
	if err := gw.Payout(context.Background(), req); err != nil {
		t.Fatalf("payout: %v", err)
	}
	if gotKey != "txn-1" {
		t.Fatalf("expected idempotency key header, got %q", gotKey)
	}
	if gotReq.AmountCents != 47_500 || gotReq.SellerID != "seller-1" {
		t.Fatalf("unexpected wire request: %+v", gotReq)
	}
}

func TestHTTPGateway_PayoutRequiresIdempotencyKey(t *testing.T) {
	gw := NewHTTPGateway("http://unreachable.invalid")
	if err := gw.Payout(context.Background(), PayoutRequest{TransactionID: "txn-1"}); err == nil {
		t.Fatalf("expected error for missing idempotency key")
	}
}

func TestHTTPGateway_Rejection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "insufficient funds", http.StatusPaymentRequired)
	}))
	defer srv.Close()

	gw := NewHTTPGateway(srv.URL)
	err := gw.Payout(context.Background(), PayoutRequest{TransactionID: "t", SellerID: "s", IdempotencyKey: "t"})
	if !errors.Is(err, ErrRejected) {
		t.Fatalf("expected ErrRejected, got %v", err)
	}
}

func TestHTTPGateway_Timeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer srv.Close()
	defer close(release)

	gw := NewHTTPGateway(srv.URL).WithDeadline(50 * time.Millisecond)
	err := gw.Payout(context.Background(), PayoutRequest{TransactionID: "t", SellerID: "s", IdempotencyKey: "t"})
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
}

func TestHTTPGateway_Capture(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/holds" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		json.NewEncoder(w).Encode(map[string]string{"hold_ref": "hold-abc"})
	}))
	defer srv.Close()

	gw := NewHTTPGateway(srv.URL)
	ref, err := gw.Capture(context.Background(), CaptureRequest{ListingID: "l", BuyerID: "b", AmountCents: 100})
	if err != nil {
		t.Fatalf("capture: %v", err)
	}
	if ref != "hold-abc" {
		t.Fatalf("expected hold-abc, got %q", ref)
	}
}

func TestHTTPGateway_CaptureEmptyHoldRef(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	if _, err := NewHTTPGateway(srv.URL).Capture(context.Background(), CaptureRequest{}); err == nil {
		t.Fatalf("expected error for empty hold ref")
	}
}
