package main

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"escrowflow/auth"
	"escrowflow/dashboard"
	"escrowflow/dispute"
	"escrowflow/escrow"
	"escrowflow/payment"
)

type escrowService interface {
	Open(ctx context.Context, params escrow.OpenParams) (escrow.Transaction, error)
	MarkFundsHeld(ctx context.Context, id, holdRef string) (escrow.Transaction, error)
	Cancel(ctx context.Context, id, actorID string) (escrow.Transaction, error)
}

type confirmService interface {
	Confirm(ctx context.Context, id string, role escrow.Role) (escrow.ConfirmResult, error)
}

type transactionLister interface {
	ListByUser(ctx context.Context, userID string, filter escrow.ListFilter) ([]escrow.Transaction, error)
	Get(ctx context.Context, id string) (escrow.Transaction, error)
}

type disputeService interface {
	Create(ctx context.Context, params dispute.CreateParams) (dispute.Record, error)
	Resolve(ctx context.Context, params dispute.ResolveParams) (dispute.Record, error)
	ListOpen(ctx context.Context, limit int) ([]dispute.Record, error)
}

type authService interface {
	Register(ctx context.Context, req auth.RegisterRequest) (*auth.User, error)
	Login(ctx context.Context, email, password string) (auth.LoginResult, error)
	VerifyAdmin(token string) (string, error)
}

type dashboardService interface {
	CountsByStatus(ctx context.Context, userID string) ([]dashboard.StatusCount, error)
}

type server struct {
	escrows    escrowService
	confirms   confirmService
	lister     transactionLister
	disputes   disputeService
	auth       authService
	dashboards dashboardService
}

func newMux(s *server) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /register", s.handleRegister)
	mux.HandleFunc("POST /login", s.handleLogin)
	mux.HandleFunc("POST /transactions", s.handleOpenTransaction)
	mux.HandleFunc("GET /transactions", s.handleListTransactions)
	mux.HandleFunc("GET /transactions/{id}", s.handleGetTransaction)
	mux.HandleFunc("POST /transactions/{id}/funds-held", s.handleFundsHeld)
	mux.HandleFunc("POST /transactions/{id}/confirm", s.handleConfirm)
	mux.HandleFunc("POST /transactions/{id}/cancel", s.handleCancel)
	mux.HandleFunc("POST /transactions/{id}/disputes", s.handleCreateDispute)
	mux.HandleFunc("POST /disputes/{id}/resolve", s.handleResolveDispute)
	mux.HandleFunc("GET /disputes/open", s.handleOpenDisputes)
	mux.HandleFunc("GET /dashboard/counts", s.handleCounts)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	return mux
}

// transactionView is the read surface exposed to UI collaborators.
type transactionView struct {
	ID                 string     `json:"id"`
	ListingID          string     `json:"listing_id"`
	Status             string     `json:"status"`
	AmountCents        int64      `json:"amount_cents"`
	SellerAmountCents  int64      `json:"seller_amount_cents"`
	BuyerConfirmedAt   *time.Time `json:"buyer_confirmed_at,omitempty"`
	SellerConfirmedAt  *time.Time `json:"seller_confirmed_at,omitempty"`
	MeetingLocation    *string    `json:"meeting_location,omitempty"`
	MeetingScheduledAt *time.Time `json:"meeting_scheduled_at,omitempty"`
	DisputeID          *string    `json:"dispute_id,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

func viewOf(t escrow.Transaction) transactionView {
	return transactionView{
		ID:                 t.ID,
		ListingID:          t.ListingID,
		Status:             string(t.Status),
		AmountCents:        t.Amount,
		SellerAmountCents:  t.SellerAmount,
		BuyerConfirmedAt:   t.BuyerConfirmedAt,
		SellerConfirmedAt:  t.SellerConfirmedAt,
		MeetingLocation:    t.MeetingLocation,
		MeetingScheduledAt: t.MeetingScheduledAt,
		DisputeID:          t.DisputeID,
		CreatedAt:          t.CreatedAt,
		UpdatedAt:          t.UpdatedAt,
	}
}

// handleRegister creates member accounts. Admin accounts are provisioned by
// operators, never through this route.
func (s *server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email    string `json:"email"`
		FullName string `json:"full_name"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Email == "" || req.FullName == "" {
		writeError(w, http.StatusBadRequest, "email and full_name are required")
		return
	}
	user, err := s.auth.Register(r.Context(), auth.RegisterRequest{
		Email:    req.Email,
		FullName: req.FullName,
		Password: req.Password,
		Role:     auth.RoleMember,
	})
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrWeakPassword):
			writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, auth.ErrEmailTaken):
			writeError(w, http.StatusConflict, err.Error())
		default:
			writeServerError(w, err)
		}
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"id":    user.ID,
		"email": user.Email,
		"role":  user.Role,
	})
}

func (s *server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	result, err := s.auth.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			writeError(w, http.StatusUnauthorized, "invalid credentials")
			return
		}
		writeServerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"token": result.Token, "role": result.User.Role})
}

func (s *server) handleOpenTransaction(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ListingID          string  `json:"listing_id"`
		BuyerID            string  `json:"buyer_id"`
		SellerID           string  `json:"seller_id"`
		AmountCents        int64   `json:"amount_cents"`
		MeetingLocation    string  `json:"meeting_location"`
		MeetingScheduledAt *string `json:"meeting_scheduled_at"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	rec, err := s.escrows.Open(r.Context(), escrow.OpenParams{
		ListingID:          req.ListingID,
		BuyerID:            req.BuyerID,
		SellerID:           req.SellerID,
		Amount:             req.AmountCents,
		MeetingLocation:    req.MeetingLocation,
		MeetingScheduledAt: req.MeetingScheduledAt,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, viewOf(rec))
}

func (s *server) handleGetTransaction(w http.ResponseWriter, r *http.Request) {
	rec, err := s.lister.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(rec))
}

func (s *server) handleListTransactions(w http.ResponseWriter, r *http.Request) {
	userID := actorID(r)
	if userID == "" {
		writeError(w, http.StatusBadRequest, "missing user identity")
		return
	}
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	pageSize, _ := strconv.Atoi(r.URL.Query().Get("page_size"))
	filter := escrow.ListFilter{
		Role:     escrow.Role(r.URL.Query().Get("role")),
		Status:   escrow.Status(r.URL.Query().Get("status")),
		Page:     page,
		PageSize: pageSize,
	}
	records, err := s.lister.ListByUser(r.Context(), userID, filter)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	views := make([]transactionView, 0, len(records))
	for _, rec := range records {
		views = append(views, viewOf(rec))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": views})
}

// handleFundsHeld is the capture collaborator's callback for holds that
// settled after the transaction was opened pending.
func (s *server) handleFundsHeld(w http.ResponseWriter, r *http.Request) {
	var req struct {
		HoldRef string `json:"hold_ref"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	rec, err := s.escrows.MarkFundsHeld(r.Context(), r.PathValue("id"), req.HoldRef)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(rec))
}

func (s *server) handleConfirm(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Role string `json:"role"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	result, err := s.confirms.Confirm(r.Context(), r.PathValue("id"), escrow.Role(req.Role))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"transaction":    viewOf(result.Transaction),
		"both_confirmed": result.BothConfirmed,
	})
}

func (s *server) handleCancel(w http.ResponseWriter, r *http.Request) {
	actor := actorID(r)
	if actor == "" {
		writeError(w, http.StatusBadRequest, "missing user identity")
		return
	}
	rec, err := s.escrows.Cancel(r.Context(), r.PathValue("id"), actor)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(rec))
}

func (s *server) handleCreateDispute(w http.ResponseWriter, r *http.Request) {
	actor := actorID(r)
	if actor == "" {
		writeError(w, http.StatusBadRequest, "missing user identity")
		return
	}
	var req struct {
		Category string `json:"category"`
		Reason   string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	rec, err := s.disputes.Create(r.Context(), dispute.CreateParams{
		TransactionID: r.PathValue("id"),
		RaisedByID:    actor,
		Category:      dispute.Category(req.Category),
		Reason:        req.Reason,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

func (s *server) handleResolveDispute(w http.ResponseWriter, r *http.Request) {
	adminID, err := s.auth.VerifyAdmin(bearerToken(r))
	if err != nil {
		writeError(w, http.StatusForbidden, "admin token required")
		return
	}
	var req struct {
		Resolution         string `json:"resolution"`
		PartialAmountCents int64  `json:"partial_amount_cents"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	rec, err := s.disputes.Resolve(r.Context(), dispute.ResolveParams{
		DisputeID:          r.PathValue("id"),
		Resolution:         dispute.Resolution(req.Resolution),
		AdminID:            adminID,
		PartialAmountCents: req.PartialAmountCents,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *server) handleOpenDisputes(w http.ResponseWriter, r *http.Request) {
	if _, err := s.auth.VerifyAdmin(bearerToken(r)); err != nil {
		writeError(w, http.StatusForbidden, "admin token required")
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	records, err := s.disputes.ListOpen(r.Context(), limit)
	if err != nil {
		writeServerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": records})
}

func (s *server) handleCounts(w http.ResponseWriter, r *http.Request) {
	userID := actorID(r)
	if userID == "" {
		writeError(w, http.StatusBadRequest, "missing user identity")
		return
	}
	counts, err := s.dashboards.CountsByStatus(r.Context(), userID)
	if err != nil {
		writeServerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"counts": counts})
}

// actorID reads the caller identity forwarded by the authenticating gateway.
func actorID(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get("X-User-ID"))
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if strings.HasPrefix(h, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
	}
	return ""
}

func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, escrow.ErrValidation):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, escrow.ErrNotFound), errors.Is(err, dispute.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, escrow.ErrInvalidState),
		errors.Is(err, escrow.ErrConflict),
		errors.Is(err, dispute.ErrAlreadyOpen),
		errors.Is(err, dispute.ErrAlreadyResolved):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, payment.ErrTimeout):
		writeError(w, http.StatusGatewayTimeout, "payment collaborator timed out; safe to retry")
	default:
		writeServerError(w, err)
	}
}

func writeServerError(w http.ResponseWriter, err error) {
	log.Printf("api: internal error: %v", err)
	writeError(w, http.StatusInternalServerError, "internal error")
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Printf("api: encode response: %v", err)
	}
}
