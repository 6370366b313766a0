/**
 * @description
 * This file defines the `Repository` and `Store` interfaces, which specify the
 * contract for all data access operations required by the wallet-service. By
 * defining an interface, we decouple the application's business logic from the
 * specific database implementation (e.g., PostgreSQL), making the code more
 * modular and easier to test.
 *
 * The `Store` interface additionally exposes `RunAtomic`, the single atomic
 * multi-row transaction capability. Every cross-entity mutation in the service
 * (join, release, mark-started, cancel, provision) happens inside one
 * `RunAtomic` closure; the workflows in `internal/app` are the only callers.
 *
 * @dependencies
 * - context, time: Standard Go libraries.
 * - github.com/google/uuid: For UUID handling.
 * - internal/domain: For the service's domain models.
 */

package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/soshly/wallet-service/internal/domain"
)

// Sentinel errors surfaced by repository implementations and the workflows
// built on top of them. Handlers match these with errors.Is to pick status codes.
var (
	ErrUserNotFound           = errors.New("user not found")
	ErrExperienceNotFound     = errors.New("experience not found")
	ErrEscrowNotFound         = errors.New("escrow not found")
	ErrTicketNotFound         = errors.New("ticket not found")
	ErrExperienceNotJoinable  = errors.New("experience is not joinable")
	ErrNoSeats                = errors.New("no seats left")
	ErrAlreadyJoined          = errors.New("user already joined this experience")
	ErrInsufficientBalance    = errors.New("insufficient coin balance")
	ErrNotHost                = errors.New("caller is not the experience host")
	ErrAtomicRetriesExhausted = errors.New("storage transaction retries exhausted")
)

// WalletDrift reports a user whose cached wallet balance disagrees with the
// ledger fold. Produced by the reconciliation sweep.
type WalletDrift struct {
	UserID string
	Cached int64
	Ledger int64
}

// Repository defines the set of methods for interacting with the database.
// Methods that read rows a workflow intends to mutate (the ForUpdate variants)
// take row locks when executed inside RunAtomic; outside a transaction they
// degrade to plain reads.
type Repository interface {
	// User and wallet cache methods
	GetUser(ctx context.Context, userID string) (*domain.User, error)
	// CreateUser inserts the user row if absent and reports whether a row was
	// actually created. Existing rows are left untouched.
	CreateUser(ctx context.Context, user *domain.User) (bool, error)
	UpdateWalletBalanceCache(ctx context.Context, userID string, balance int64) error

	// Ledger methods. AppendTransaction is the only write path into the
	// ledger; there is no update or delete.
	AppendTransaction(ctx context.Context, tx *domain.Transaction) error
	// BalanceOf folds the user's ledger rows: SUM(amount). This is the
	// canonical balance.
	BalanceOf(ctx context.Context, userID string) (int64, error)
	ListTransactions(ctx context.Context, userID string, limit int) ([]domain.Transaction, error)

	// Experience methods (capacity/lifecycle fields only)
	GetExperience(ctx context.Context, experienceID string) (*domain.Experience, error)
	GetExperienceForUpdate(ctx context.Context, experienceID string) (*domain.Experience, error)
	// UpdateExperienceSeats writes the seat counter and status together so the
	// decrement that exhausts capacity flips the status in the same write.
	UpdateExperienceSeats(ctx context.Context, experienceID string, seatsRemaining int, status string) error
	UpdateExperienceStatus(ctx context.Context, experienceID string, status string) error
	IncrementParticipantsStarted(ctx context.Context, experienceID string) error

	// Escrow methods
	GetEscrow(ctx context.Context, experienceID string) (*domain.Escrow, error)
	// CreditEscrow upserts the per-experience escrow row, adding amount to the
	// pooled total, and returns the new total.
	CreditEscrow(ctx context.Context, experienceID string, amount int64) (int64, error)
	MarkEscrowReleased(ctx context.Context, experienceID string, at time.Time) error

	// Ticket methods
	GetTicket(ctx context.Context, experienceID, userID string) (*domain.Ticket, error)
	GetTicketForUpdate(ctx context.Context, experienceID, userID string) (*domain.Ticket, error)
	ListActiveTickets(ctx context.Context, experienceID string) ([]domain.Ticket, error)
	CreateTicket(ctx context.Context, ticket *domain.Ticket) error
	MarkTicketStarted(ctx context.Context, ticketID uuid.UUID, at time.Time) error
	UpdateTicketStatus(ctx context.Context, ticketID uuid.UUID, status string) error

	// Chat membership. Insert-only; the chat subsystem owns everything else.
	AddChatMember(ctx context.Context, member *domain.ChatMember) error

	// Reconciliation support
	ListWalletDrift(ctx context.Context) ([]WalletDrift, error)
}

// Store is a Repository plus the atomic transaction capability.
type Store interface {
	Repository
	// RunAtomic executes fn inside one all-or-nothing storage transaction.
	// The Repository passed to fn is scoped to that transaction. On
	// serialization conflicts the implementation retries fn from scratch with
	// backoff, so fn must be safe to re-execute; after the retry budget is
	// spent the call fails with ErrAtomicRetriesExhausted.
	RunAtomic(ctx context.Context, fn func(ctx context.Context, r Repository) error) error
}
