package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/soshly/wallet-service/internal/domain"
)

func TestRunAtomicCommitsOnSuccess(t *testing.T) {
	st := NewMemoryStore()
	ctx := context.Background()

	err := st.RunAtomic(ctx, func(ctx context.Context, r Repository) error {
		now := time.Now().UTC()
		if _, err := r.CreateUser(ctx, &domain.User{UID: "alice", WalletBalance: 100, CreatedAt: now, UpdatedAt: now}); err != nil {
			return err
		}
		return r.AppendTransaction(ctx, &domain.Transaction{
			ID:        uuid.New(),
			UserID:    "alice",
			Type:      domain.TransactionTypeSignupBonus,
			Amount:    100,
			CreatedAt: now,
		})
	})
	if err != nil {
		t.Fatalf("RunAtomic failed: %v", err)
	}

	balance, err := st.BalanceOf(ctx, "alice")
	if err != nil {
		t.Fatalf("BalanceOf: %v", err)
	}
	if balance != 100 {
		t.Fatalf("balance = %d, want 100", balance)
	}
}

func TestRunAtomicRollsBackOnError(t *testing.T) {
	st := NewMemoryStore()
	ctx := context.Background()

	boom := errors.New("boom")
	err := st.RunAtomic(ctx, func(ctx context.Context, r Repository) error {
		now := time.Now().UTC()
		if _, err := r.CreateUser(ctx, &domain.User{UID: "alice", CreatedAt: now, UpdatedAt: now}); err != nil {
			return err
		}
		if err := r.AppendTransaction(ctx, &domain.Transaction{
			ID:        uuid.New(),
			UserID:    "alice",
			Type:      domain.TransactionTypeSignupBonus,
			Amount:    100,
			CreatedAt: now,
		}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("RunAtomic err = %v, want the closure's error", err)
	}

	// Nothing from the failed closure may be visible.
	if _, err := st.GetUser(ctx, "alice"); !errors.Is(err, ErrUserNotFound) {
		t.Fatalf("GetUser err = %v, want ErrUserNotFound after rollback", err)
	}
	balance, err := st.BalanceOf(ctx, "alice")
	if err != nil {
		t.Fatalf("BalanceOf: %v", err)
	}
	if balance != 0 {
		t.Fatalf("balance = %d, want 0 after rollback", balance)
	}
}

func TestMarkEscrowReleasedExactlyOnce(t *testing.T) {
	st := NewMemoryStore()
	ctx := context.Background()

	if _, err := st.CreditEscrow(ctx, "exp-1", 300); err != nil {
		t.Fatalf("CreditEscrow: %v", err)
	}

	now := time.Now().UTC()
	if err := st.MarkEscrowReleased(ctx, "exp-1", now); err != nil {
		t.Fatalf("first MarkEscrowReleased: %v", err)
	}
	if err := st.MarkEscrowReleased(ctx, "exp-1", now); err == nil {
		t.Fatal("second MarkEscrowReleased succeeded, want an error")
	}

	esc, err := st.GetEscrow(ctx, "exp-1")
	if err != nil {
		t.Fatalf("GetEscrow: %v", err)
	}
	if !esc.Released || esc.ReleasedAt == nil {
		t.Fatalf("escrow not fully marked released: %+v", esc)
	}
}

func TestListWalletDriftFindsOnlyMismatches(t *testing.T) {
	st := NewMemoryStore()
	ctx := context.Background()
	now := time.Now().UTC()

	for _, uid := range []string{"alice", "bob"} {
		if _, err := st.CreateUser(ctx, &domain.User{UID: uid, WalletBalance: 500, CreatedAt: now, UpdatedAt: now}); err != nil {
			t.Fatalf("CreateUser %s: %v", uid, err)
		}
		if err := st.AppendTransaction(ctx, &domain.Transaction{
			ID:        uuid.New(),
			UserID:    uid,
			Type:      domain.TransactionTypeSignupBonus,
			Amount:    500,
			CreatedAt: now,
		}); err != nil {
			t.Fatalf("AppendTransaction %s: %v", uid, err)
		}
	}

	if err := st.UpdateWalletBalanceCache(ctx, "bob", 1); err != nil {
		t.Fatalf("UpdateWalletBalanceCache: %v", err)
	}

	drifts, err := st.ListWalletDrift(ctx)
	if err != nil {
		t.Fatalf("ListWalletDrift: %v", err)
	}
	if len(drifts) != 1 {
		t.Fatalf("drifts = %d, want 1", len(drifts))
	}
	if drifts[0].UserID != "bob" || drifts[0].Cached != 1 || drifts[0].Ledger != 500 {
		t.Fatalf("drift = %+v, want bob cached=1 ledger=500", drifts[0])
	}
}

func TestListTransactionsNewestFirst(t *testing.T) {
	st := NewMemoryStore()
	ctx := context.Background()
	base := time.Now().UTC()

	for i := 0; i < 3; i++ {
		if err := st.AppendTransaction(ctx, &domain.Transaction{
			ID:        uuid.New(),
			UserID:    "alice",
			Type:      domain.TransactionTypeRefund,
			Amount:    int64(i + 1),
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		}); err != nil {
			t.Fatalf("AppendTransaction: %v", err)
		}
	}

	txs, err := st.ListTransactions(ctx, "alice", 2)
	if err != nil {
		t.Fatalf("ListTransactions: %v", err)
	}
	if len(txs) != 2 {
		t.Fatalf("len = %d, want limit of 2", len(txs))
	}
	if txs[0].Amount != 3 || txs[1].Amount != 2 {
		t.Fatalf("order wrong: got amounts %d, %d, want 3, 2", txs[0].Amount, txs[1].Amount)
	}
}
