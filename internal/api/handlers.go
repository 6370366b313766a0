/**
 * @description
 * This file contains the HTTP handlers for the wallet-service's API endpoints.
 * Handlers are responsible for parsing incoming requests, calling the appropriate
 * methods on the application service, and writing the HTTP response. They act as the
 * bridge between the web layer and the business logic layer.
 *
 * @dependencies
 * - encoding/json, log, net/http: Standard Go libraries.
 * - github.com/go-chi/chi/v5: For route parameters.
 * - internal/app, internal/store: For service logic and custom errors.
 */

package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/soshly/wallet-service/internal/app"
	"github.com/soshly/wallet-service/internal/domain"
	"github.com/soshly/wallet-service/internal/store"
)

// WalletHandlers holds the application service that handlers will use.
type WalletHandlers struct {
	service *app.Service
}

// NewWalletHandlers creates a new instance of WalletHandlers.
func NewWalletHandlers(service *app.Service) *WalletHandlers {
	return &WalletHandlers{service: service}
}

func (h *WalletHandlers) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("level=error component=api msg=\"response encode failed\" err=%v", err)
	}
}

func (h *WalletHandlers) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}

// writeWorkflowError maps the workflow error taxonomy onto HTTP status codes.
// Business-rule failures are clean aborts with zero side effects, so clients
// may safely resubmit after fixing the condition; exhausted transaction
// retries surface as 503 and are safe to retry as-is.
func (h *WalletHandlers) writeWorkflowError(w http.ResponseWriter, err error) {
	var rateErr *app.RateLimitError
	switch {
	case errors.As(err, &rateErr):
		w.Header().Set("Retry-After", strconv.Itoa(rateErr.RetryAfterSeconds))
		h.writeError(w, http.StatusTooManyRequests, "Too many join attempts. Please wait and try again.")
	case errors.Is(err, store.ErrExperienceNotFound):
		h.writeError(w, http.StatusNotFound, "Experience not found")
	case errors.Is(err, store.ErrTicketNotFound):
		h.writeError(w, http.StatusNotFound, "Ticket not found")
	case errors.Is(err, store.ErrEscrowNotFound):
		h.writeError(w, http.StatusNotFound, "Escrow not found")
	case errors.Is(err, store.ErrUserNotFound):
		h.writeError(w, http.StatusNotFound, "Wallet not provisioned")
	case errors.Is(err, store.ErrExperienceNotJoinable):
		h.writeError(w, http.StatusConflict, "Experience is not joinable")
	case errors.Is(err, store.ErrNoSeats):
		h.writeError(w, http.StatusConflict, "No seats left")
	case errors.Is(err, store.ErrAlreadyJoined):
		h.writeError(w, http.StatusConflict, "You already joined this experience")
	case errors.Is(err, store.ErrInsufficientBalance):
		h.writeError(w, http.StatusPaymentRequired, "Insufficient coin balance")
	case errors.Is(err, store.ErrNotHost):
		h.writeError(w, http.StatusForbidden, "Only the host may do this")
	case errors.Is(err, store.ErrAtomicRetriesExhausted):
		h.writeError(w, http.StatusServiceUnavailable, "Storage is busy, please retry")
	default:
		log.Printf("level=error component=api msg=\"workflow failed\" err=%v", err)
		h.writeError(w, http.StatusInternalServerError, "Internal error")
	}
}

// ProvisionHandler creates the caller's wallet and mints the signup bonus.
// Idempotent; safe to call on every login.
func (h *WalletHandlers) ProvisionHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := GetAuthUserID(r.Context())
	if !ok {
		h.writeError(w, http.StatusUnauthorized, "Could not get user ID from context")
		return
	}

	result, err := h.service.ProvisionUser(r.Context(), userID)
	if err != nil {
		log.Printf("level=warn component=api endpoint=provision outcome=failed user_id=%s err=%v", userID, err)
		h.writeWorkflowError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, result)
}

// BalanceHandler returns the caller's canonical ledger balance plus the cached
// display value.
func (h *WalletHandlers) BalanceHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := GetAuthUserID(r.Context())
	if !ok {
		h.writeError(w, http.StatusUnauthorized, "Could not get user ID from context")
		return
	}

	summary, err := h.service.WalletSummary(r.Context(), userID)
	if err != nil {
		h.writeWorkflowError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, summary)
}

// TransactionsHandler returns the caller's ledger rows, newest first.
func (h *WalletHandlers) TransactionsHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := GetAuthUserID(r.Context())
	if !ok {
		h.writeError(w, http.StatusUnauthorized, "Could not get user ID from context")
		return
	}

	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			h.writeError(w, http.StatusBadRequest, "Invalid limit")
			return
		}
		limit = parsed
	}

	txs, err := h.service.ListTransactions(r.Context(), userID, limit)
	if err != nil {
		h.writeWorkflowError(w, err)
		return
	}
	if txs == nil {
		txs = []domain.Transaction{}
	}

	h.writeJSON(w, http.StatusOK, txs)
}

// JoinExperienceHandler handles requests to join an experience: seat
// reservation, escrow funding, ticket issuance and chat enrollment as one
// atomic unit.
func (h *WalletHandlers) JoinExperienceHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := GetAuthUserID(r.Context())
	if !ok {
		h.writeError(w, http.StatusUnauthorized, "Could not get user ID from context")
		return
	}

	experienceID := chi.URLParam(r, "experience_id")
	if experienceID == "" {
		h.writeError(w, http.StatusBadRequest, "Missing experience ID")
		return
	}

	result, err := h.service.JoinExperience(r.Context(), experienceID, userID)
	if err != nil {
		log.Printf("level=warn component=api endpoint=join outcome=failed user_id=%s experience_id=%s err=%v", userID, experienceID, err)
		h.writeWorkflowError(w, err)
		return
	}

	h.writeJSON(w, http.StatusCreated, result)
}

// StartExperienceHandler marks the caller's ticket as started (arrival
// confirmation) and reports whether the escrow released as a result.
func (h *WalletHandlers) StartExperienceHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := GetAuthUserID(r.Context())
	if !ok {
		h.writeError(w, http.StatusUnauthorized, "Could not get user ID from context")
		return
	}

	experienceID := chi.URLParam(r, "experience_id")
	if experienceID == "" {
		h.writeError(w, http.StatusBadRequest, "Missing experience ID")
		return
	}

	released, err := h.service.MarkTicketStarted(r.Context(), experienceID, userID)
	if err != nil {
		log.Printf("level=warn component=api endpoint=start outcome=failed user_id=%s experience_id=%s err=%v", userID, experienceID, err)
		h.writeWorkflowError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]bool{"released": released})
}

// ReleaseEscrowHandler lets the host attempt an escrow release explicitly.
// Host only; a ratio query parameter may tighten the arrival threshold but
// never lower it below the configured one. A false result means "not yet
// eligible", not an error.
func (h *WalletHandlers) ReleaseEscrowHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := GetAuthUserID(r.Context())
	if !ok {
		h.writeError(w, http.StatusUnauthorized, "Could not get user ID from context")
		return
	}

	experienceID := chi.URLParam(r, "experience_id")
	if experienceID == "" {
		h.writeError(w, http.StatusBadRequest, "Missing experience ID")
		return
	}

	ratio := 0.0
	if raw := r.URL.Query().Get("ratio"); raw != "" {
		parsed, err := strconv.ParseFloat(raw, 64)
		if err != nil || parsed <= 0 || parsed > 1 {
			h.writeError(w, http.StatusBadRequest, "Invalid ratio")
			return
		}
		ratio = parsed
	}

	released, err := h.service.HostReleaseEscrow(r.Context(), experienceID, userID, ratio)
	if err != nil {
		log.Printf("level=warn component=api endpoint=release outcome=failed experience_id=%s err=%v", experienceID, err)
		h.writeWorkflowError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]bool{"released": released})
}

// CancelExperienceHandler refunds every active ticket holder and cancels the
// experience. Host only.
func (h *WalletHandlers) CancelExperienceHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := GetAuthUserID(r.Context())
	if !ok {
		h.writeError(w, http.StatusUnauthorized, "Could not get user ID from context")
		return
	}

	experienceID := chi.URLParam(r, "experience_id")
	if experienceID == "" {
		h.writeError(w, http.StatusBadRequest, "Missing experience ID")
		return
	}

	refunded, err := h.service.CancelExperience(r.Context(), experienceID, userID)
	if err != nil {
		log.Printf("level=warn component=api endpoint=cancel outcome=failed user_id=%s experience_id=%s err=%v", userID, experienceID, err)
		h.writeWorkflowError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]int{"refunded": refunded})
}

// TicketHandler returns the caller's ticket for an experience.
func (h *WalletHandlers) TicketHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := GetAuthUserID(r.Context())
	if !ok {
		h.writeError(w, http.StatusUnauthorized, "Could not get user ID from context")
		return
	}

	experienceID := chi.URLParam(r, "experience_id")
	if experienceID == "" {
		h.writeError(w, http.StatusBadRequest, "Missing experience ID")
		return
	}

	ticket, err := h.service.GetTicket(r.Context(), experienceID, userID)
	if err != nil {
		h.writeWorkflowError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, ticket)
}

// EscrowHandler returns the escrow state for an experience.
func (h *WalletHandlers) EscrowHandler(w http.ResponseWriter, r *http.Request) {
	if _, ok := GetAuthUserID(r.Context()); !ok {
		h.writeError(w, http.StatusUnauthorized, "Could not get user ID from context")
		return
	}

	experienceID := chi.URLParam(r, "experience_id")
	if experienceID == "" {
		h.writeError(w, http.StatusBadRequest, "Missing experience ID")
		return
	}

	escrow, err := h.service.GetEscrow(r.Context(), experienceID)
	if err != nil {
		h.writeWorkflowError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, escrow)
}
