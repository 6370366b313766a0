/**
 * @description
 * This file defines the core domain models for the wallet-service.
 * These structs represent the main entities and data transfer objects (DTOs)
 * used throughout the service's business logic, database interactions, and API layers.
 *
 * @notes
 * - Coins are an internal ledger unit, not real currency. Amounts are stored as
 *   `int64` whole coins and are signed: credits are positive, debits negative.
 * - The ledger (`transactions` table) is append-only. A user's balance is defined
 *   as the sum of their transaction amounts; the `wallet_balance` column on the
 *   user row is a display cache maintained inside the same atomic unit as every
 *   ledger append, never the source of truth.
 */

package domain

import (
	"time"

	"github.com/google/uuid"
)

// Transaction types. Coins are minted only via the signup bonus and moved only
// via join/release/refund.
const (
	TransactionTypeSignupBonus   = "signup_bonus"
	TransactionTypeJoinEscrow    = "join_escrow"
	TransactionTypeEscrowRelease = "escrow_release"
	TransactionTypeRefund        = "refund"
)

// Experience lifecycle statuses. Only `published` and `full` are joinable;
// `started` is terminal with respect to the escrow.
const (
	ExperienceStatusDraft     = "draft"
	ExperienceStatusPublished = "published"
	ExperienceStatusFull      = "full"
	ExperienceStatusStarted   = "started"
	ExperienceStatusCompleted = "completed"
	ExperienceStatusCancelled = "cancelled"
)

// Ticket statuses. `refunded` is terminal: a cancelled experience moves every
// active ticket there in the same transaction that refunds its holder.
const (
	TicketStatusActive    = "active"
	TicketStatusCheckedIn = "checked_in"
	TicketStatusUsed      = "used"
	TicketStatusRefunded  = "refunded"
)

// Transaction is one immutable row of the coin ledger. Rows are created by the
// join/release/refund/signup-bonus workflows and are never updated or deleted.
type Transaction struct {
	ID           uuid.UUID `json:"id"`
	UserID       string    `json:"user_id"`
	Type         string    `json:"type"`
	Amount       int64     `json:"amount"` // signed, in coins
	ExperienceID *string   `json:"experience_id,omitempty"`
	TicketID     *string   `json:"ticket_id,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// Escrow is the pooled-coins record for one experience. It is created lazily on
// the first join and `TotalCoins` only grows until `Released` flips true,
// which happens exactly once (payout to the host, or refund on cancellation).
type Escrow struct {
	ExperienceID string     `json:"experience_id"`
	TotalCoins   int64      `json:"total_coins"`
	Released     bool       `json:"released"`
	ReleasedAt   *time.Time `json:"released_at,omitempty"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// Experience is the subset of the experience record this service reads and
// mutates. Experience CRUD itself lives in another subsystem; the wallet-service
// only touches the capacity, pricing and lifecycle fields below.
type Experience struct {
	ID                  string    `json:"id"`
	HostID              string    `json:"host_id"`
	MaxParticipants     int       `json:"max_participants"`
	SeatsRemaining      int       `json:"seats_remaining"`
	CoinPrice           int64     `json:"coin_price"`
	Status              string    `json:"status"`
	ParticipantsStarted int       `json:"participants_started"`
	ChatID              *string   `json:"chat_id,omitempty"`
	CreatedAt           time.Time `json:"created_at"`
	UpdatedAt           time.Time `json:"updated_at"`
}

// Joinable reports whether the experience is in a status that accepts joins.
// `full` is included because the seat counter, not the status, is the
// authoritative capacity check.
func (e *Experience) Joinable() bool {
	return e.Status == ExperienceStatusPublished || e.Status == ExperienceStatusFull
}

// Ticket is the proof of a successful join. `TicketNo` is the human-readable
// identifier printed on the QR ticket; `Started` is flipped once when the
// holder confirms arrival.
type Ticket struct {
	ID           uuid.UUID  `json:"id"`
	ExperienceID string     `json:"experience_id"`
	UserID       string     `json:"user_id"`
	TicketNo     string     `json:"ticket_no"`
	Status       string     `json:"status"`
	Started      bool       `json:"started"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}

// User is the wallet-relevant view of a user record. `WalletBalance` is the
// denormalized display cache; the ledger fold is canonical.
type User struct {
	UID           string    `json:"uid"`
	WalletBalance int64     `json:"wallet_balance"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// ChatMember records a user's membership in an experience group chat. The
// wallet-service only ever inserts rows here, as the final step of a join;
// the chat subsystem owns everything else about chats.
type ChatMember struct {
	ID       uuid.UUID `json:"id"`
	ChatID   string    `json:"chat_id"`
	UserID   string    `json:"user_id"`
	JoinedAt time.Time `json:"joined_at"`
}

// JoinResult is returned to the client after a successful join. ChatID is empty
// when the experience has no group chat.
type JoinResult struct {
	TicketNo string `json:"ticket_id"`
	ChatID   string `json:"chat_id"`
}

// WalletSummary pairs the canonical ledger balance with the cached display
// value so the UI can surface both (and we can spot drift).
type WalletSummary struct {
	Balance       int64 `json:"balance"`
	CachedBalance int64 `json:"cached_balance"`
}

// ProvisionResult reports the outcome of user provisioning.
type ProvisionResult struct {
	UserID  string `json:"user_id"`
	Balance int64  `json:"balance"`
	Created bool   `json:"created"`
}
