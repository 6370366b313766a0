/**
 * @description
 * This file contains the core business logic for the wallet-service. The
 * `Service` struct orchestrates every coin movement in the system: the signup
 * bonus, joining an experience (debit + escrow credit + seat reservation +
 * ticket issuance + chat enrollment), arrival confirmation, the threshold-based
 * escrow release to the host, and cancellation refunds.
 *
 * Key properties:
 * - Each workflow is one `store.RunAtomic` closure: every precondition is
 *   re-validated inside the transaction and a failed check aborts with zero
 *   partial writes.
 * - The ledger fold (SUM of transaction amounts) is the canonical balance;
 *   the cached `wallet_balance` column is rewritten inside the same closure
 *   as every ledger append.
 * - Events are published to RabbitMQ after a successful commit, best effort.
 *
 * @dependencies
 * - context, errors, fmt, log, math, time: Standard Go libraries.
 * - github.com/google/uuid: For ledger and ticket row IDs.
 * - internal/domain, internal/store: For domain models and data access.
 * - pkg/rabbitmq: For event publication.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/soshly/wallet-service/internal/domain"
	"github.com/soshly/wallet-service/internal/store"
	"github.com/soshly/wallet-service/pkg/rabbitmq"
)

const (
	// DefaultSignupBonusCoins is minted into a user's ledger exactly once,
	// when their wallet is provisioned.
	DefaultSignupBonusCoins = 500

	// DefaultReleaseRatio requires every participant to have confirmed
	// arrival before the escrow pays out.
	DefaultReleaseRatio = 1.0
)

// RateLimitError is returned when a join attempt is rejected by the
// distributed rate limiter. RetryAfterSeconds feeds the Retry-After header.
type RateLimitError struct {
	RetryAfterSeconds int
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("join rate limit exceeded, retry after %ds", e.RetryAfterSeconds)
}

// Service provides the core business logic for the coin wallet and escrow
// ledger.
type Service struct {
	store         store.Store
	eventProducer rabbitmq.Publisher

	signupBonus  int64
	releaseRatio float64

	rateLimiter        *RedisJoinRateLimiter
	joinLimitPerMinute int
}

// NewService creates a new wallet service instance. producer may be nil when
// RabbitMQ is unavailable; events are then skipped.
func NewService(st store.Store, producer rabbitmq.Publisher, signupBonus int64, releaseRatio float64) *Service {
	if signupBonus <= 0 {
		signupBonus = DefaultSignupBonusCoins
	}
	if releaseRatio <= 0 || releaseRatio > 1 {
		releaseRatio = DefaultReleaseRatio
	}
	return &Service{
		store:         st,
		eventProducer: producer,
		signupBonus:   signupBonus,
		releaseRatio:  releaseRatio,
	}
}

// SetJoinRateLimiter wires the optional Redis-backed join limiter.
func (s *Service) SetJoinRateLimiter(limiter *RedisJoinRateLimiter, perMinute int) {
	s.rateLimiter = limiter
	s.joinLimitPerMinute = perMinute
}

// releaseThreshold computes how many confirmed arrivals an experience needs
// before the escrow may pay out: ceil(maxParticipants * ratio).
func releaseThreshold(maxParticipants int, ratio float64) int {
	if maxParticipants <= 0 {
		return 0
	}
	return int(math.Ceil(float64(maxParticipants) * ratio))
}

// newTicketNo builds the human-readable ticket identifier printed on the QR
// ticket: "T<unix-millis>-<uid prefix>".
func newTicketNo(userID string, at time.Time) string {
	prefix := userID
	if len(prefix) > 8 {
		prefix = prefix[:8]
	}
	return fmt.Sprintf("T%d-%s", at.UnixMilli(), prefix)
}

// ProvisionUser creates the user's wallet row and mints the signup bonus into
// the ledger. Idempotent: a second call for the same user changes nothing and
// reports the current balance.
func (s *Service) ProvisionUser(ctx context.Context, userID string) (*domain.ProvisionResult, error) {
	var result domain.ProvisionResult
	err := s.store.RunAtomic(ctx, func(ctx context.Context, r store.Repository) error {
		now := time.Now().UTC()
		created, err := r.CreateUser(ctx, &domain.User{
			UID:           userID,
			WalletBalance: s.signupBonus,
			CreatedAt:     now,
			UpdatedAt:     now,
		})
		if err != nil {
			return err
		}
		if created {
			if err := r.AppendTransaction(ctx, &domain.Transaction{
				ID:        uuid.New(),
				UserID:    userID,
				Type:      domain.TransactionTypeSignupBonus,
				Amount:    s.signupBonus,
				CreatedAt: now,
			}); err != nil {
				return err
			}
		}
		balance, err := r.BalanceOf(ctx, userID)
		if err != nil {
			return err
		}
		result = domain.ProvisionResult{UserID: userID, Balance: balance, Created: created}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if result.Created {
		s.publishEvent(ctx, "wallet.signup_bonus.granted", rabbitmq.WalletEvent{
			UserID:    userID,
			Type:      domain.TransactionTypeSignupBonus,
			Amount:    s.signupBonus,
			Timestamp: time.Now().UTC(),
		})
	}
	return &result, nil
}

// JoinExperience reserves a seat, debits the joiner, credits the escrow,
// issues a ticket and enrolls the joiner in the experience chat — all as one
// atomic unit. Any failed precondition aborts with no partial writes.
func (s *Service) JoinExperience(ctx context.Context, experienceID, userID string) (*domain.JoinResult, error) {
	if s.rateLimiter != nil && s.joinLimitPerMinute > 0 {
		count, retryAfter, err := s.rateLimiter.ConsumeRateLimit(ctx, "join", userID, s.joinLimitPerMinute, time.Minute)
		if err != nil {
			// The limiter is protective, not load-bearing; joins proceed when
			// Redis is unreachable.
			log.Printf("level=warn component=app workflow=join msg=\"rate limiter unavailable; allowing join\" user_id=%s err=%v", userID, err)
		} else if count > s.joinLimitPerMinute {
			return nil, &RateLimitError{RetryAfterSeconds: retryAfter}
		}
	}

	var result domain.JoinResult
	err := s.store.RunAtomic(ctx, func(ctx context.Context, r store.Repository) error {
		// Lock the experience row first; Join, Release, MarkStarted and
		// Cancel all serialize on it.
		exp, err := r.GetExperienceForUpdate(ctx, experienceID)
		if err != nil {
			return err
		}
		if !exp.Joinable() {
			return store.ErrExperienceNotJoinable
		}
		if exp.SeatsRemaining <= 0 {
			return store.ErrNoSeats
		}

		if _, err := r.GetTicket(ctx, experienceID, userID); err == nil {
			return store.ErrAlreadyJoined
		} else if !errors.Is(err, store.ErrTicketNotFound) {
			return err
		}

		// The user row must exist (cache dual-write target) and the balance
		// precondition uses the canonical ledger fold, never the cache.
		if _, err := r.GetUser(ctx, userID); err != nil {
			return err
		}
		balance, err := r.BalanceOf(ctx, userID)
		if err != nil {
			return err
		}
		if balance < exp.CoinPrice {
			return store.ErrInsufficientBalance
		}

		// A released escrow means the payout already happened; crediting it
		// again would strand coins.
		if esc, err := r.GetEscrow(ctx, experienceID); err == nil {
			if esc.Released {
				return store.ErrExperienceNotJoinable
			}
		} else if !errors.Is(err, store.ErrEscrowNotFound) {
			return err
		}

		now := time.Now().UTC()
		ticketNo := newTicketNo(userID, now)

		if err := r.AppendTransaction(ctx, &domain.Transaction{
			ID:           uuid.New(),
			UserID:       userID,
			Type:         domain.TransactionTypeJoinEscrow,
			Amount:       -exp.CoinPrice,
			ExperienceID: &experienceID,
			TicketID:     &ticketNo,
			CreatedAt:    now,
		}); err != nil {
			return err
		}
		if _, err := r.CreditEscrow(ctx, experienceID, exp.CoinPrice); err != nil {
			return err
		}

		seats := exp.SeatsRemaining - 1
		status := exp.Status
		if seats == 0 {
			status = domain.ExperienceStatusFull
		}
		if err := r.UpdateExperienceSeats(ctx, experienceID, seats, status); err != nil {
			return err
		}

		if err := r.UpdateWalletBalanceCache(ctx, userID, balance-exp.CoinPrice); err != nil {
			return err
		}

		if err := r.CreateTicket(ctx, &domain.Ticket{
			ID:           uuid.New(),
			ExperienceID: experienceID,
			UserID:       userID,
			TicketNo:     ticketNo,
			Status:       domain.TicketStatusActive,
			CreatedAt:    now,
		}); err != nil {
			return err
		}

		chatID := ""
		if exp.ChatID != nil && *exp.ChatID != "" {
			chatID = *exp.ChatID
			if err := r.AddChatMember(ctx, &domain.ChatMember{
				ID:       uuid.New(),
				ChatID:   chatID,
				UserID:   userID,
				JoinedAt: now,
			}); err != nil {
				return err
			}
		}

		result = domain.JoinResult{TicketNo: ticketNo, ChatID: chatID}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.publishEvent(ctx, "wallet.join.completed", rabbitmq.WalletEvent{
		UserID:       userID,
		ExperienceID: experienceID,
		Type:         domain.TransactionTypeJoinEscrow,
		Timestamp:    time.Now().UTC(),
	})
	return &result, nil
}

// MarkTicketStarted records the holder's arrival: flips the ticket's started
// flag and increments the experience's started counter in one atomic unit.
// A repeated call for the same ticket is a no-op, so a re-confirming client
// cannot inflate the counter. After a successful mark the service attempts a
// release at the configured ratio and reports whether the escrow paid out.
func (s *Service) MarkTicketStarted(ctx context.Context, experienceID, userID string) (bool, error) {
	err := s.store.RunAtomic(ctx, func(ctx context.Context, r store.Repository) error {
		// Same lock order as the other workflows: experience row first.
		if _, err := r.GetExperienceForUpdate(ctx, experienceID); err != nil {
			return err
		}
		ticket, err := r.GetTicketForUpdate(ctx, experienceID, userID)
		if err != nil {
			return err
		}
		if ticket.Started {
			return nil
		}
		now := time.Now().UTC()
		if err := r.MarkTicketStarted(ctx, ticket.ID, now); err != nil {
			return err
		}
		return r.IncrementParticipantsStarted(ctx, experienceID)
	})
	if err != nil {
		return false, err
	}

	return s.ReleaseEscrow(ctx, experienceID, s.releaseRatio)
}

// HostReleaseEscrow is the explicit release entry point exposed over the API.
// Only the experience host may call it, and a per-request ratio can only
// tighten the threshold: values below the configured ratio are clamped up, so
// a caller can demand more arrivals before payout but never fewer.
func (s *Service) HostReleaseEscrow(ctx context.Context, experienceID, callerID string, ratio float64) (bool, error) {
	exp, err := s.store.GetExperience(ctx, experienceID)
	if err != nil {
		return false, err
	}
	if exp.HostID != callerID {
		return false, store.ErrNotHost
	}
	if ratio <= 0 || ratio > 1 || ratio < s.releaseRatio {
		ratio = s.releaseRatio
	}
	return s.ReleaseEscrow(ctx, experienceID, ratio)
}

// ReleaseEscrow pays the pooled escrow out to the host once enough
// participants have confirmed arrival. It returns true when the payout
// executed and false when any guard short-circuited it — callers treat false
// as "not yet eligible", not an error. Idempotent: the same transaction that
// pays the host flips the escrow's released flag and moves the experience
// status out of the joinable set, so a second call always returns false.
func (s *Service) ReleaseEscrow(ctx context.Context, experienceID string, ratio float64) (bool, error) {
	if ratio <= 0 || ratio > 1 {
		ratio = s.releaseRatio
	}

	var (
		released bool
		payout   int64
		hostID   string
	)
	err := s.store.RunAtomic(ctx, func(ctx context.Context, r store.Repository) error {
		released, payout = false, 0

		exp, err := r.GetExperienceForUpdate(ctx, experienceID)
		if err != nil {
			return err
		}
		// Explicit status precondition: release only ever fires out of the
		// joinable set, and flips the status away from it below.
		if !exp.Joinable() {
			return nil
		}
		if exp.ParticipantsStarted < releaseThreshold(exp.MaxParticipants, ratio) {
			return nil
		}

		esc, err := r.GetEscrow(ctx, experienceID)
		if errors.Is(err, store.ErrEscrowNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if esc.Released {
			return nil
		}

		now := time.Now().UTC()
		hostID = exp.HostID
		if err := r.AppendTransaction(ctx, &domain.Transaction{
			ID:           uuid.New(),
			UserID:       hostID,
			Type:         domain.TransactionTypeEscrowRelease,
			Amount:       esc.TotalCoins,
			ExperienceID: &experienceID,
			CreatedAt:    now,
		}); err != nil {
			return err
		}
		hostBalance, err := r.BalanceOf(ctx, hostID)
		if err != nil {
			return err
		}
		if err := r.UpdateWalletBalanceCache(ctx, hostID, hostBalance); err != nil {
			return err
		}
		if err := r.MarkEscrowReleased(ctx, experienceID, now); err != nil {
			return err
		}
		if err := r.UpdateExperienceStatus(ctx, experienceID, domain.ExperienceStatusStarted); err != nil {
			return err
		}

		released, payout = true, esc.TotalCoins
		return nil
	})
	if err != nil {
		return false, err
	}

	if released {
		s.publishEvent(ctx, "wallet.escrow.released", rabbitmq.WalletEvent{
			UserID:       hostID,
			ExperienceID: experienceID,
			Type:         domain.TransactionTypeEscrowRelease,
			Amount:       payout,
			Timestamp:    time.Now().UTC(),
		})
	}
	return released, nil
}

// CancelExperience refunds every active ticket holder their coin price,
// drains the escrow and sets the experience status to cancelled, atomically.
// Only the host may cancel, and only while the experience is still in the
// joinable set (pre-release). Returns the number of refunded participants.
func (s *Service) CancelExperience(ctx context.Context, experienceID, callerID string) (int, error) {
	var refunded []string
	err := s.store.RunAtomic(ctx, func(ctx context.Context, r store.Repository) error {
		refunded = refunded[:0]

		exp, err := r.GetExperienceForUpdate(ctx, experienceID)
		if err != nil {
			return err
		}
		if exp.HostID != callerID {
			return store.ErrNotHost
		}
		if !exp.Joinable() {
			return store.ErrExperienceNotJoinable
		}

		tickets, err := r.ListActiveTickets(ctx, experienceID)
		if err != nil {
			return err
		}

		now := time.Now().UTC()
		for i := range tickets {
			t := &tickets[i]
			if err := r.AppendTransaction(ctx, &domain.Transaction{
				ID:           uuid.New(),
				UserID:       t.UserID,
				Type:         domain.TransactionTypeRefund,
				Amount:       exp.CoinPrice,
				ExperienceID: &experienceID,
				TicketID:     &t.TicketNo,
				CreatedAt:    now,
			}); err != nil {
				return err
			}
			balance, err := r.BalanceOf(ctx, t.UserID)
			if err != nil {
				return err
			}
			if err := r.UpdateWalletBalanceCache(ctx, t.UserID, balance); err != nil {
				return err
			}
			if err := r.UpdateTicketStatus(ctx, t.ID, domain.TicketStatusRefunded); err != nil {
				return err
			}
			refunded = append(refunded, t.UserID)
		}

		// The escrow is drained by the refunds above; flipping released here
		// keeps the released-exactly-once invariant for cancelled experiences.
		if _, err := r.GetEscrow(ctx, experienceID); err == nil {
			if err := r.MarkEscrowReleased(ctx, experienceID, now); err != nil {
				return err
			}
		} else if !errors.Is(err, store.ErrEscrowNotFound) {
			return err
		}

		return r.UpdateExperienceStatus(ctx, experienceID, domain.ExperienceStatusCancelled)
	})
	if err != nil {
		return 0, err
	}

	for _, uid := range refunded {
		s.publishEvent(ctx, "wallet.refund.issued", rabbitmq.WalletEvent{
			UserID:       uid,
			ExperienceID: experienceID,
			Type:         domain.TransactionTypeRefund,
			Timestamp:    time.Now().UTC(),
		})
	}
	return len(refunded), nil
}

// WalletSummary returns the canonical ledger balance alongside the cached
// display value. Read-only; never used as a write precondition.
func (s *Service) WalletSummary(ctx context.Context, userID string) (*domain.WalletSummary, error) {
	user, err := s.store.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	balance, err := s.store.BalanceOf(ctx, userID)
	if err != nil {
		return nil, err
	}
	return &domain.WalletSummary{Balance: balance, CachedBalance: user.WalletBalance}, nil
}

// ListTransactions returns the user's ledger rows, newest first.
func (s *Service) ListTransactions(ctx context.Context, userID string, limit int) ([]domain.Transaction, error) {
	return s.store.ListTransactions(ctx, userID, limit)
}

// GetTicket returns the caller's ticket for an experience, if any.
func (s *Service) GetTicket(ctx context.Context, experienceID, userID string) (*domain.Ticket, error) {
	return s.store.GetTicket(ctx, experienceID, userID)
}

// GetEscrow returns the escrow state for an experience.
func (s *Service) GetEscrow(ctx context.Context, experienceID string) (*domain.Escrow, error) {
	return s.store.GetEscrow(ctx, experienceID)
}

func (s *Service) publishEvent(ctx context.Context, routingKey string, event rabbitmq.WalletEvent) {
	if s.eventProducer == nil {
		return
	}
	if err := s.eventProducer.PublishWalletEvent(ctx, routingKey, event); err != nil {
		log.Printf("level=warn component=app msg=\"event publish failed\" routing_key=%s user_id=%s err=%v", routingKey, event.UserID, err)
	}
}
