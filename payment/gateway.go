package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

var (
	// ErrTimeout signals the collaborator exceeded its deadline. The caller
	// must leave authoritative state untouched and retry later with the same
	// idempotency key.
	ErrTimeout = errors.New("payment: collaborator timeout")
	// ErrRejected signals the collaborator refused the request outright.
	ErrRejected = errors.New("payment: rejected")
)

// defaultDeadline bounds every collaborator call.
const defaultDeadline = 10 * time.Second

// PayoutRequest releases held funds to the seller. IdempotencyKey is the
// escrow transaction id, so retries after a timeout never double-pay.
type PayoutRequest struct {
	TransactionID  string `json:"transaction_id"`
	SellerID       string `json:"seller_id"`
	AmountCents    int64  `json:"amount_cents"`
	IdempotencyKey string `json:"idempotency_key"`
}

// CaptureRequest places the buyer's funds on hold before a transaction is
// created. The returned hold reference is persisted alongside the record.
type CaptureRequest struct {
	ListingID   string `json:"listing_id"`
	BuyerID     string `json:"buyer_id"`
	AmountCents int64  `json:"amount_cents"`
}

// PayoutGateway is the release-funds collaborator contract.
type PayoutGateway interface {
	Payout(ctx context.Context, req PayoutRequest) error
}

// CaptureGateway is the hold-funds collaborator contract.
type CaptureGateway interface {
	Capture(ctx context.Context, req CaptureRequest) (holdRef string, err error)
}

// HTTPGateway talks to the payment rails over HTTP with a bounded deadline
// per call.
type HTTPGateway struct {
	baseURL  string
	client   *http.Client
	deadline time.Duration
}

func NewHTTPGateway(baseURL string) *HTTPGateway {
	return &HTTPGateway{
		baseURL:  baseURL,
		client:   &http.Client{},
		deadline: defaultDeadline,
	}
}

// WithDeadline overrides the per-call deadline.
func (g *HTTPGateway) WithDeadline(d time.Duration) *HTTPGateway {
	g.deadline = d
	return g
}

func (g *HTTPGateway) Payout(ctx context.Context, req PayoutRequest) error {
	if req.IdempotencyKey == "" {
		return fmt.Errorf("payment: payout requires idempotency key")
	}
	var resp struct{}
	return g.post(ctx, "/payouts", req.IdempotencyKey, req, &resp)
}

func (g *HTTPGateway) Capture(ctx context.Context, req CaptureRequest) (string, error) {
	var resp struct {
		HoldRef string `json:"hold_ref"`
	}
	if err := g.post(ctx, "/holds", "", req, &resp); err != nil {
		return "", err
	}
	if resp.HoldRef == "" {
		return "", fmt.Errorf("payment: capture returned empty hold ref")
	}
	return resp.HoldRef, nil
}

func (g *HTTPGateway) post(ctx context.Context, path, idempotencyKey string, body, out any) error {
	ctx, cancel := context.WithTimeout(ctx, g.deadline)
	defer cancel()

	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("payment: marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("payment: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if idempotencyKey != "" {
		httpReq.Header.Set("Idempotency-Key", idempotencyKey)
	}

	httpResp, err := g.client.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil {
			return fmt.Errorf("payment: %s: %w", path, ErrTimeout)
		}
		return fmt.Errorf("payment: %s: %w", path, err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode >= 400 {
		slurped, _ := io.ReadAll(io.LimitReader(httpResp.Body, 1024))
		return fmt.Errorf("payment: %s returned %d (%s): %w", path, httpResp.StatusCode, bytes.TrimSpace(slurped), ErrRejected)
	}
	if err := json.NewDecoder(httpResp.Body).Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("payment: decode response: %w", err)
	}
	return nil
}
