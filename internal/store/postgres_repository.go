/**
 * @description
 * This file contains the PostgreSQL implementation of the `Store` interface.
 * All queries go through a small `pgQuerier` abstraction satisfied by both the
 * connection pool and an open transaction, so the same repository code serves
 * plain reads and the transaction-scoped repository handed to `RunAtomic`
 * closures.
 *
 * Concurrency model: workflows lock the experience row with
 * `SELECT ... FOR UPDATE` as their first read, which serializes Join, Release,
 * MarkStarted and Cancel for the same experience. Transactions run at
 * REPEATABLE READ and `RunAtomic` retries the whole closure on serialization
 * or deadlock failures (SQLSTATE 40001/40P01) with a short backoff.
 *
 * @dependencies
 * - github.com/jackc/pgx/v5, pgxpool, pgconn: PostgreSQL driver and pool.
 * - internal/domain: Domain models.
 */

package store

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/soshly/wallet-service/internal/domain"
)

const defaultAtomicMaxRetries = 3

// pgQuerier is the subset of pgx operations the repository needs. Both
// *pgxpool.Pool and pgx.Tx satisfy it.
type pgQuerier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// pgRepository implements Repository over a pool or an open transaction.
type pgRepository struct {
	db   pgQuerier
	inTx bool
}

// PostgresStore implements Store backed by a pgx connection pool.
type PostgresStore struct {
	pgRepository
	pool       *pgxpool.Pool
	maxRetries int
}

// NewPostgresStore creates a new PostgresStore. maxRetries bounds the number
// of times RunAtomic re-executes a closure after a serialization conflict;
// values below 1 fall back to the default.
func NewPostgresStore(pool *pgxpool.Pool, maxRetries int) *PostgresStore {
	if maxRetries < 1 {
		maxRetries = defaultAtomicMaxRetries
	}
	return &PostgresStore{
		pgRepository: pgRepository{db: pool},
		pool:         pool,
		maxRetries:   maxRetries,
	}
}

func isSerializationFailure(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	// 40001 serialization_failure, 40P01 deadlock_detected
	return pgErr.Code == "40001" || pgErr.Code == "40P01"
}

// RunAtomic executes fn inside one REPEATABLE READ transaction, retrying the
// whole closure on conflict. fn must not retain the Repository it is given.
func (s *PostgresStore) RunAtomic(ctx context.Context, fn func(ctx context.Context, r Repository) error) error {
	var lastErr error
	for attempt := 1; attempt <= s.maxRetries; attempt++ {
		err := s.runOnce(ctx, fn)
		if err == nil {
			return nil
		}
		if !isSerializationFailure(err) {
			return err
		}
		lastErr = err
		log.Printf("level=warn component=store msg=\"atomic transaction conflict; retrying\" attempt=%d max=%d err=%v", attempt, s.maxRetries, err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt) * 25 * time.Millisecond):
		}
	}
	return fmt.Errorf("%w: %v", ErrAtomicRetriesExhausted, lastErr)
}

func (s *PostgresStore) runOnce(ctx context.Context, fn func(ctx context.Context, r Repository) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead})
	if err != nil {
		return fmt.Errorf("begin atomic transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(ctx, &pgRepository{db: tx, inTx: true}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// ---------------------------------------------------------------------------
// Users and wallet cache
// ---------------------------------------------------------------------------

func (r *pgRepository) GetUser(ctx context.Context, userID string) (*domain.User, error) {
	query := `
		SELECT uid, wallet_balance, created_at, updated_at
		FROM users
		WHERE uid = $1
	`
	var u domain.User
	err := r.db.QueryRow(ctx, query, userID).Scan(&u.UID, &u.WalletBalance, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return &u, nil
}

func (r *pgRepository) CreateUser(ctx context.Context, user *domain.User) (bool, error) {
	query := `
		INSERT INTO users (uid, wallet_balance, created_at, updated_at)
		VALUES ($1, $2, $3, $3)
		ON CONFLICT (uid) DO NOTHING
	`
	tag, err := r.db.Exec(ctx, query, user.UID, user.WalletBalance, user.CreatedAt)
	if err != nil {
		return false, fmt.Errorf("failed to create user: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *pgRepository) UpdateWalletBalanceCache(ctx context.Context, userID string, balance int64) error {
	query := `
		UPDATE users
		SET wallet_balance = $2, updated_at = NOW()
		WHERE uid = $1
	`
	tag, err := r.db.Exec(ctx, query, userID, balance)
	if err != nil {
		return fmt.Errorf("failed to update wallet balance cache: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrUserNotFound
	}
	return nil
}

// ---------------------------------------------------------------------------
// Ledger
// ---------------------------------------------------------------------------

func (r *pgRepository) AppendTransaction(ctx context.Context, tx *domain.Transaction) error {
	query := `
		INSERT INTO transactions (id, user_id, type, amount, experience_id, ticket_no, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err := r.db.Exec(ctx, query, tx.ID, tx.UserID, tx.Type, tx.Amount, tx.ExperienceID, tx.TicketID, tx.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to append ledger transaction: %w", err)
	}
	return nil
}

func (r *pgRepository) BalanceOf(ctx context.Context, userID string) (int64, error) {
	query := `
		SELECT COALESCE(SUM(amount), 0)
		FROM transactions
		WHERE user_id = $1
	`
	var balance int64
	if err := r.db.QueryRow(ctx, query, userID).Scan(&balance); err != nil {
		return 0, fmt.Errorf("failed to fold ledger balance: %w", err)
	}
	return balance, nil
}

func (r *pgRepository) ListTransactions(ctx context.Context, userID string, limit int) ([]domain.Transaction, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT id, user_id, type, amount, experience_id, ticket_no, created_at
		FROM transactions
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`
	rows, err := r.db.Query(ctx, query, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list transactions: %w", err)
	}
	defer rows.Close()

	var txs []domain.Transaction
	for rows.Next() {
		var t domain.Transaction
		if err := rows.Scan(&t.ID, &t.UserID, &t.Type, &t.Amount, &t.ExperienceID, &t.TicketID, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan transaction row: %w", err)
		}
		txs = append(txs, t)
	}
	return txs, rows.Err()
}

// ---------------------------------------------------------------------------
// Experiences
// ---------------------------------------------------------------------------

const experienceColumns = `id, host_id, max_participants, seats_remaining, coin_price, status, participants_started, chat_id, created_at, updated_at`

func (r *pgRepository) scanExperience(row pgx.Row) (*domain.Experience, error) {
	var e domain.Experience
	err := row.Scan(
		&e.ID,
		&e.HostID,
		&e.MaxParticipants,
		&e.SeatsRemaining,
		&e.CoinPrice,
		&e.Status,
		&e.ParticipantsStarted,
		&e.ChatID,
		&e.CreatedAt,
		&e.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrExperienceNotFound
		}
		return nil, fmt.Errorf("failed to get experience: %w", err)
	}
	return &e, nil
}

func (r *pgRepository) GetExperience(ctx context.Context, experienceID string) (*domain.Experience, error) {
	query := `SELECT ` + experienceColumns + ` FROM experiences WHERE id = $1`
	return r.scanExperience(r.db.QueryRow(ctx, query, experienceID))
}

func (r *pgRepository) GetExperienceForUpdate(ctx context.Context, experienceID string) (*domain.Experience, error) {
	query := `SELECT ` + experienceColumns + ` FROM experiences WHERE id = $1`
	if r.inTx {
		query += ` FOR UPDATE`
	}
	return r.scanExperience(r.db.QueryRow(ctx, query, experienceID))
}

func (r *pgRepository) UpdateExperienceSeats(ctx context.Context, experienceID string, seatsRemaining int, status string) error {
	query := `
		UPDATE experiences
		SET seats_remaining = $2, status = $3, updated_at = NOW()
		WHERE id = $1
	`
	tag, err := r.db.Exec(ctx, query, experienceID, seatsRemaining, status)
	if err != nil {
		return fmt.Errorf("failed to update experience seats: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrExperienceNotFound
	}
	return nil
}

func (r *pgRepository) UpdateExperienceStatus(ctx context.Context, experienceID string, status string) error {
	query := `
		UPDATE experiences
		SET status = $2, updated_at = NOW()
		WHERE id = $1
	`
	tag, err := r.db.Exec(ctx, query, experienceID, status)
	if err != nil {
		return fmt.Errorf("failed to update experience status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrExperienceNotFound
	}
	return nil
}

func (r *pgRepository) IncrementParticipantsStarted(ctx context.Context, experienceID string) error {
	query := `
		UPDATE experiences
		SET participants_started = participants_started + 1, updated_at = NOW()
		WHERE id = $1
	`
	tag, err := r.db.Exec(ctx, query, experienceID)
	if err != nil {
		return fmt.Errorf("failed to increment participants started: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrExperienceNotFound
	}
	return nil
}

// ---------------------------------------------------------------------------
// Escrow
// ---------------------------------------------------------------------------

func (r *pgRepository) GetEscrow(ctx context.Context, experienceID string) (*domain.Escrow, error) {
	query := `
		SELECT experience_id, total_coins, released, released_at, updated_at
		FROM escrows
		WHERE experience_id = $1
	`
	var e domain.Escrow
	err := r.db.QueryRow(ctx, query, experienceID).Scan(&e.ExperienceID, &e.TotalCoins, &e.Released, &e.ReleasedAt, &e.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrEscrowNotFound
		}
		return nil, fmt.Errorf("failed to get escrow: %w", err)
	}
	return &e, nil
}

func (r *pgRepository) CreditEscrow(ctx context.Context, experienceID string, amount int64) (int64, error) {
	query := `
		INSERT INTO escrows (experience_id, total_coins, released, updated_at)
		VALUES ($1, $2, FALSE, NOW())
		ON CONFLICT (experience_id)
		DO UPDATE SET total_coins = escrows.total_coins + $2, updated_at = NOW()
		RETURNING total_coins
	`
	var newTotal int64
	if err := r.db.QueryRow(ctx, query, experienceID, amount).Scan(&newTotal); err != nil {
		return 0, fmt.Errorf("failed to credit escrow: %w", err)
	}
	return newTotal, nil
}

func (r *pgRepository) MarkEscrowReleased(ctx context.Context, experienceID string, at time.Time) error {
	query := `
		UPDATE escrows
		SET released = TRUE, released_at = $2, updated_at = NOW()
		WHERE experience_id = $1 AND released = FALSE
	`
	tag, err := r.db.Exec(ctx, query, experienceID, at)
	if err != nil {
		return fmt.Errorf("failed to mark escrow released: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrEscrowNotFound
	}
	return nil
}

// ---------------------------------------------------------------------------
// Tickets
// ---------------------------------------------------------------------------

const ticketColumns = `id, experience_id, user_id, ticket_no, status, started, started_at, created_at`

func (r *pgRepository) scanTicket(row pgx.Row) (*domain.Ticket, error) {
	var t domain.Ticket
	err := row.Scan(&t.ID, &t.ExperienceID, &t.UserID, &t.TicketNo, &t.Status, &t.Started, &t.StartedAt, &t.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTicketNotFound
		}
		return nil, fmt.Errorf("failed to get ticket: %w", err)
	}
	return &t, nil
}

func (r *pgRepository) GetTicket(ctx context.Context, experienceID, userID string) (*domain.Ticket, error) {
	query := `SELECT ` + ticketColumns + ` FROM tickets WHERE experience_id = $1 AND user_id = $2`
	return r.scanTicket(r.db.QueryRow(ctx, query, experienceID, userID))
}

func (r *pgRepository) GetTicketForUpdate(ctx context.Context, experienceID, userID string) (*domain.Ticket, error) {
	query := `SELECT ` + ticketColumns + ` FROM tickets WHERE experience_id = $1 AND user_id = $2`
	if r.inTx {
		query += ` FOR UPDATE`
	}
	return r.scanTicket(r.db.QueryRow(ctx, query, experienceID, userID))
}

func (r *pgRepository) ListActiveTickets(ctx context.Context, experienceID string) ([]domain.Ticket, error) {
	query := `
		SELECT ` + ticketColumns + `
		FROM tickets
		WHERE experience_id = $1 AND status = $2
		ORDER BY created_at
	`
	rows, err := r.db.Query(ctx, query, experienceID, domain.TicketStatusActive)
	if err != nil {
		return nil, fmt.Errorf("failed to list active tickets: %w", err)
	}
	defer rows.Close()

	var tickets []domain.Ticket
	for rows.Next() {
		var t domain.Ticket
		if err := rows.Scan(&t.ID, &t.ExperienceID, &t.UserID, &t.TicketNo, &t.Status, &t.Started, &t.StartedAt, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan ticket row: %w", err)
		}
		tickets = append(tickets, t)
	}
	return tickets, rows.Err()
}

func (r *pgRepository) CreateTicket(ctx context.Context, ticket *domain.Ticket) error {
	query := `
		INSERT INTO tickets (id, experience_id, user_id, ticket_no, status, started, created_at)
		VALUES ($1, $2, $3, $4, $5, FALSE, $6)
	`
	_, err := r.db.Exec(ctx, query, ticket.ID, ticket.ExperienceID, ticket.UserID, ticket.TicketNo, ticket.Status, ticket.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create ticket: %w", err)
	}
	return nil
}

func (r *pgRepository) MarkTicketStarted(ctx context.Context, ticketID uuid.UUID, at time.Time) error {
	query := `
		UPDATE tickets
		SET started = TRUE, started_at = $2, status = $3
		WHERE id = $1
	`
	tag, err := r.db.Exec(ctx, query, ticketID, at, domain.TicketStatusCheckedIn)
	if err != nil {
		return fmt.Errorf("failed to mark ticket started: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrTicketNotFound
	}
	return nil
}

func (r *pgRepository) UpdateTicketStatus(ctx context.Context, ticketID uuid.UUID, status string) error {
	query := `
		UPDATE tickets
		SET status = $2
		WHERE id = $1
	`
	tag, err := r.db.Exec(ctx, query, ticketID, status)
	if err != nil {
		return fmt.Errorf("failed to update ticket status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrTicketNotFound
	}
	return nil
}

// ---------------------------------------------------------------------------
// Chat membership
// ---------------------------------------------------------------------------

func (r *pgRepository) AddChatMember(ctx context.Context, member *domain.ChatMember) error {
	query := `
		INSERT INTO chat_members (id, chat_id, user_id, joined_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (chat_id, user_id) DO NOTHING
	`
	_, err := r.db.Exec(ctx, query, member.ID, member.ChatID, member.UserID, member.JoinedAt)
	if err != nil {
		return fmt.Errorf("failed to add chat member: %w", err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Reconciliation
// ---------------------------------------------------------------------------

func (r *pgRepository) ListWalletDrift(ctx context.Context) ([]WalletDrift, error) {
	query := `
		SELECT u.uid, u.wallet_balance, COALESCE(SUM(t.amount), 0) AS ledger
		FROM users u
		LEFT JOIN transactions t ON t.user_id = u.uid
		GROUP BY u.uid, u.wallet_balance
		HAVING u.wallet_balance <> COALESCE(SUM(t.amount), 0)
	`
	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list wallet drift: %w", err)
	}
	defer rows.Close()

	var drifts []WalletDrift
	for rows.Next() {
		var d WalletDrift
		if err := rows.Scan(&d.UserID, &d.Cached, &d.Ledger); err != nil {
			return nil, fmt.Errorf("failed to scan wallet drift row: %w", err)
		}
		drifts = append(drifts, d)
	}
	return drifts, rows.Err()
}
