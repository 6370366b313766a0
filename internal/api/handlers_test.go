package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/soshly/wallet-service/internal/app"
	"github.com/soshly/wallet-service/internal/domain"
	"github.com/soshly/wallet-service/internal/store"
)

// testRouter wires the handlers without the session middleware; tests inject
// the authenticated uid straight into the request context.
func testRouter(h *WalletHandlers) http.Handler {
	r := chi.NewRouter()
	r.Post("/wallet/provision", h.ProvisionHandler)
	r.Get("/wallet/balance", h.BalanceHandler)
	r.Get("/wallet/transactions", h.TransactionsHandler)
	r.Post("/experiences/{experience_id}/join", h.JoinExperienceHandler)
	r.Post("/experiences/{experience_id}/release", h.ReleaseEscrowHandler)
	r.Post("/experiences/{experience_id}/cancel", h.CancelExperienceHandler)
	return r
}

func authedRequest(method, target, userID string) *http.Request {
	req := httptest.NewRequest(method, target, nil)
	ctx := context.WithValue(req.Context(), authUserIDKey, userID)
	return req.WithContext(ctx)
}

func newTestHandlers(t *testing.T) (*WalletHandlers, *store.MemoryStore) {
	t.Helper()
	st := store.NewMemoryStore()
	svc := app.NewService(st, nil, app.DefaultSignupBonusCoins, app.DefaultReleaseRatio)
	return NewWalletHandlers(svc), st
}

func seedPublishedExperience(st *store.MemoryStore, id, hostID string, seats int, price int64) {
	now := time.Now().UTC()
	st.SeedExperience(domain.Experience{
		ID:              id,
		HostID:          hostID,
		MaxParticipants: seats,
		SeatsRemaining:  seats,
		CoinPrice:       price,
		Status:          domain.ExperienceStatusPublished,
		CreatedAt:       now,
		UpdatedAt:       now,
	})
}

func TestProvisionHandler(t *testing.T) {
	handlers, _ := newTestHandlers(t)
	router := testRouter(handlers)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, authedRequest(http.MethodPost, "/wallet/provision", "alice"))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200; body: %s", rec.Code, rec.Body.String())
	}
	var result domain.ProvisionResult
	if err := json.NewDecoder(rec.Body).Decode(&result); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if !result.Created || result.Balance != app.DefaultSignupBonusCoins {
		t.Fatalf("result = %+v, want created with the signup bonus", result)
	}
}

func TestProvisionHandlerRequiresAuth(t *testing.T) {
	handlers, _ := newTestHandlers(t)
	router := testRouter(handlers)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/wallet/provision", nil))

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401 without auth context", rec.Code)
	}
}

func TestJoinHandlerStatusMapping(t *testing.T) {
	handlers, st := newTestHandlers(t)
	router := testRouter(handlers)
	ctx := context.Background()

	provision := func(uid string) {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, authedRequest(http.MethodPost, "/wallet/provision", uid))
		if rec.Code != http.StatusOK {
			t.Fatalf("provision %s: status %d", uid, rec.Code)
		}
	}
	provision("host")
	provision("alice")
	provision("bob")
	provision("carol")

	seedPublishedExperience(st, "exp-1", "host", 1, 100)
	seedPublishedExperience(st, "exp-2", "host", 1, 10000)

	// Unknown experience
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, authedRequest(http.MethodPost, "/experiences/nope/join", "alice"))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown experience status = %d, want 404", rec.Code)
	}

	// Price beyond the signup bonus
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, authedRequest(http.MethodPost, "/experiences/exp-2/join", "alice"))
	if rec.Code != http.StatusPaymentRequired {
		t.Fatalf("insufficient balance status = %d, want 402", rec.Code)
	}

	// Happy path
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, authedRequest(http.MethodPost, "/experiences/exp-1/join", "alice"))
	if rec.Code != http.StatusCreated {
		t.Fatalf("join status = %d, want 201; body: %s", rec.Code, rec.Body.String())
	}
	var result domain.JoinResult
	if err := json.NewDecoder(rec.Body).Decode(&result); err != nil {
		t.Fatalf("decode join result: %v", err)
	}
	if result.TicketNo == "" {
		t.Fatal("join result has no ticket number")
	}

	// Repeat join
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, authedRequest(http.MethodPost, "/experiences/exp-1/join", "alice"))
	if rec.Code != http.StatusConflict {
		t.Fatalf("repeat join status = %d, want 409", rec.Code)
	}

	// Sold out
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, authedRequest(http.MethodPost, "/experiences/exp-1/join", "bob"))
	if rec.Code != http.StatusConflict {
		t.Fatalf("sold-out join status = %d, want 409", rec.Code)
	}

	// Non-host release, even with a permissive ratio
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, authedRequest(http.MethodPost, "/experiences/exp-1/release?ratio=0.01", "carol"))
	if rec.Code != http.StatusForbidden {
		t.Fatalf("non-host release status = %d, want 403", rec.Code)
	}

	// Host release before anyone has arrived: clean "not yet eligible"
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, authedRequest(http.MethodPost, "/experiences/exp-1/release?ratio=0.01", "host"))
	if rec.Code != http.StatusOK {
		t.Fatalf("host release status = %d, want 200; body: %s", rec.Code, rec.Body.String())
	}
	var releaseResp map[string]bool
	if err := json.NewDecoder(rec.Body).Decode(&releaseResp); err != nil {
		t.Fatalf("decode release response: %v", err)
	}
	if releaseResp["released"] {
		t.Fatal("escrow paid out with zero arrivals")
	}

	// Non-host cancel
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, authedRequest(http.MethodPost, "/experiences/exp-1/cancel", "carol"))
	if rec.Code != http.StatusForbidden {
		t.Fatalf("non-host cancel status = %d, want 403", rec.Code)
	}

	// Ledger is intact after all the rejections: one seat sold at 100.
	balance, err := st.BalanceOf(ctx, "alice")
	if err != nil {
		t.Fatalf("BalanceOf: %v", err)
	}
	if balance != app.DefaultSignupBonusCoins-100 {
		t.Fatalf("alice balance = %d, want %d", balance, app.DefaultSignupBonusCoins-100)
	}
}

func TestTransactionsHandlerRejectsBadLimit(t *testing.T) {
	handlers, _ := newTestHandlers(t)
	router := testRouter(handlers)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, authedRequest(http.MethodPost, "/wallet/provision", "alice"))
	if rec.Code != http.StatusOK {
		t.Fatalf("provision status = %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, authedRequest(http.MethodGet, "/wallet/transactions?limit=abc", "alice"))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bad limit status = %d, want 400", rec.Code)
	}

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, authedRequest(http.MethodGet, "/wallet/transactions?limit=5", "alice"))
	if rec.Code != http.StatusOK {
		t.Fatalf("transactions status = %d, want 200", rec.Code)
	}
	var txs []domain.Transaction
	if err := json.NewDecoder(rec.Body).Decode(&txs); err != nil {
		t.Fatalf("decode transactions: %v", err)
	}
	if len(txs) != 1 || txs[0].Type != domain.TransactionTypeSignupBonus {
		t.Fatalf("transactions = %+v, want the single signup bonus row", txs)
	}
}
