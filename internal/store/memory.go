/**
 * @description
 * In-memory implementation of the `Store` interface. It backs the workflow and
 * invariant tests and doubles as a storage backend for local development
 * without PostgreSQL.
 *
 * Atomicity is provided by copy-on-write: `RunAtomic` clones the whole state
 * under a mutex, runs the closure against the clone, and swaps the clone in
 * only when the closure succeeds. A failed closure therefore leaves zero
 * partial writes, matching the contract the workflows rely on.
 */

package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/soshly/wallet-service/internal/domain"
)

type memState struct {
	users        map[string]domain.User
	experiences  map[string]domain.Experience
	escrows      map[string]domain.Escrow
	transactions []domain.Transaction
	tickets      map[uuid.UUID]domain.Ticket
	chatMembers  []domain.ChatMember
}

func newMemState() *memState {
	return &memState{
		users:       make(map[string]domain.User),
		experiences: make(map[string]domain.Experience),
		escrows:     make(map[string]domain.Escrow),
		tickets:     make(map[uuid.UUID]domain.Ticket),
	}
}

func (s *memState) clone() *memState {
	next := &memState{
		users:        make(map[string]domain.User, len(s.users)),
		experiences:  make(map[string]domain.Experience, len(s.experiences)),
		escrows:      make(map[string]domain.Escrow, len(s.escrows)),
		transactions: append([]domain.Transaction(nil), s.transactions...),
		tickets:      make(map[uuid.UUID]domain.Ticket, len(s.tickets)),
		chatMembers:  append([]domain.ChatMember(nil), s.chatMembers...),
	}
	for k, v := range s.users {
		next.users[k] = v
	}
	for k, v := range s.experiences {
		next.experiences[k] = v
	}
	for k, v := range s.escrows {
		next.escrows[k] = v
	}
	for k, v := range s.tickets {
		next.tickets[k] = v
	}
	return next
}

// MemoryStore is a Store held entirely in process memory.
type MemoryStore struct {
	mu    sync.Mutex
	state *memState
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{state: newMemState()}
}

// SeedExperience installs an experience row. Experience CRUD is out of scope
// for the service, so tests and local setups seed rows directly.
func (m *MemoryStore) SeedExperience(exp domain.Experience) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.experiences[exp.ID] = exp
}

// RunAtomic runs fn against a clone of the state and commits the clone only on
// success. The mutex is held for the duration, which serializes concurrent
// workflows the way row locks do in PostgreSQL.
func (m *MemoryStore) RunAtomic(ctx context.Context, fn func(ctx context.Context, r Repository) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	next := m.state.clone()
	if err := fn(ctx, &memRepository{st: next}); err != nil {
		return err
	}
	m.state = next
	return nil
}

// The plain Repository methods operate on the live state under the mutex.

func (m *MemoryStore) withState(fn func(r *memRepository) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return fn(&memRepository{st: m.state})
}

func (m *MemoryStore) GetUser(ctx context.Context, userID string) (*domain.User, error) {
	var out *domain.User
	err := m.withState(func(r *memRepository) error {
		var err error
		out, err = r.GetUser(ctx, userID)
		return err
	})
	return out, err
}

func (m *MemoryStore) CreateUser(ctx context.Context, user *domain.User) (bool, error) {
	var created bool
	err := m.withState(func(r *memRepository) error {
		var err error
		created, err = r.CreateUser(ctx, user)
		return err
	})
	return created, err
}

func (m *MemoryStore) UpdateWalletBalanceCache(ctx context.Context, userID string, balance int64) error {
	return m.withState(func(r *memRepository) error {
		return r.UpdateWalletBalanceCache(ctx, userID, balance)
	})
}

func (m *MemoryStore) AppendTransaction(ctx context.Context, tx *domain.Transaction) error {
	return m.withState(func(r *memRepository) error {
		return r.AppendTransaction(ctx, tx)
	})
}

func (m *MemoryStore) BalanceOf(ctx context.Context, userID string) (int64, error) {
	var balance int64
	err := m.withState(func(r *memRepository) error {
		var err error
		balance, err = r.BalanceOf(ctx, userID)
		return err
	})
	return balance, err
}

func (m *MemoryStore) ListTransactions(ctx context.Context, userID string, limit int) ([]domain.Transaction, error) {
	var txs []domain.Transaction
	err := m.withState(func(r *memRepository) error {
		var err error
		txs, err = r.ListTransactions(ctx, userID, limit)
		return err
	})
	return txs, err
}

func (m *MemoryStore) GetExperience(ctx context.Context, experienceID string) (*domain.Experience, error) {
	var exp *domain.Experience
	err := m.withState(func(r *memRepository) error {
		var err error
		exp, err = r.GetExperience(ctx, experienceID)
		return err
	})
	return exp, err
}

func (m *MemoryStore) GetExperienceForUpdate(ctx context.Context, experienceID string) (*domain.Experience, error) {
	return m.GetExperience(ctx, experienceID)
}

func (m *MemoryStore) UpdateExperienceSeats(ctx context.Context, experienceID string, seatsRemaining int, status string) error {
	return m.withState(func(r *memRepository) error {
		return r.UpdateExperienceSeats(ctx, experienceID, seatsRemaining, status)
	})
}

func (m *MemoryStore) UpdateExperienceStatus(ctx context.Context, experienceID string, status string) error {
	return m.withState(func(r *memRepository) error {
		return r.UpdateExperienceStatus(ctx, experienceID, status)
	})
}

func (m *MemoryStore) IncrementParticipantsStarted(ctx context.Context, experienceID string) error {
	return m.withState(func(r *memRepository) error {
		return r.IncrementParticipantsStarted(ctx, experienceID)
	})
}

func (m *MemoryStore) GetEscrow(ctx context.Context, experienceID string) (*domain.Escrow, error) {
	var esc *domain.Escrow
	err := m.withState(func(r *memRepository) error {
		var err error
		esc, err = r.GetEscrow(ctx, experienceID)
		return err
	})
	return esc, err
}

func (m *MemoryStore) CreditEscrow(ctx context.Context, experienceID string, amount int64) (int64, error) {
	var total int64
	err := m.withState(func(r *memRepository) error {
		var err error
		total, err = r.CreditEscrow(ctx, experienceID, amount)
		return err
	})
	return total, err
}

func (m *MemoryStore) MarkEscrowReleased(ctx context.Context, experienceID string, at time.Time) error {
	return m.withState(func(r *memRepository) error {
		return r.MarkEscrowReleased(ctx, experienceID, at)
	})
}

func (m *MemoryStore) GetTicket(ctx context.Context, experienceID, userID string) (*domain.Ticket, error) {
	var ticket *domain.Ticket
	err := m.withState(func(r *memRepository) error {
		var err error
		ticket, err = r.GetTicket(ctx, experienceID, userID)
		return err
	})
	return ticket, err
}

func (m *MemoryStore) GetTicketForUpdate(ctx context.Context, experienceID, userID string) (*domain.Ticket, error) {
	return m.GetTicket(ctx, experienceID, userID)
}

func (m *MemoryStore) ListActiveTickets(ctx context.Context, experienceID string) ([]domain.Ticket, error) {
	var tickets []domain.Ticket
	err := m.withState(func(r *memRepository) error {
		var err error
		tickets, err = r.ListActiveTickets(ctx, experienceID)
		return err
	})
	return tickets, err
}

func (m *MemoryStore) CreateTicket(ctx context.Context, ticket *domain.Ticket) error {
	return m.withState(func(r *memRepository) error {
		return r.CreateTicket(ctx, ticket)
	})
}

func (m *MemoryStore) MarkTicketStarted(ctx context.Context, ticketID uuid.UUID, at time.Time) error {
	return m.withState(func(r *memRepository) error {
		return r.MarkTicketStarted(ctx, ticketID, at)
	})
}

func (m *MemoryStore) UpdateTicketStatus(ctx context.Context, ticketID uuid.UUID, status string) error {
	return m.withState(func(r *memRepository) error {
		return r.UpdateTicketStatus(ctx, ticketID, status)
	})
}

func (m *MemoryStore) AddChatMember(ctx context.Context, member *domain.ChatMember) error {
	return m.withState(func(r *memRepository) error {
		return r.AddChatMember(ctx, member)
	})
}

func (m *MemoryStore) ListWalletDrift(ctx context.Context) ([]WalletDrift, error) {
	var drifts []WalletDrift
	err := m.withState(func(r *memRepository) error {
		var err error
		drifts, err = r.ListWalletDrift(ctx)
		return err
	})
	return drifts, err
}

// memRepository operates on one memState without locking; MemoryStore provides
// the locking around it.
type memRepository struct {
	st *memState
}

func (r *memRepository) GetUser(ctx context.Context, userID string) (*domain.User, error) {
	u, ok := r.st.users[userID]
	if !ok {
		return nil, ErrUserNotFound
	}
	out := u
	return &out, nil
}

func (r *memRepository) CreateUser(ctx context.Context, user *domain.User) (bool, error) {
	if _, ok := r.st.users[user.UID]; ok {
		return false, nil
	}
	r.st.users[user.UID] = *user
	return true, nil
}

func (r *memRepository) UpdateWalletBalanceCache(ctx context.Context, userID string, balance int64) error {
	u, ok := r.st.users[userID]
	if !ok {
		return ErrUserNotFound
	}
	u.WalletBalance = balance
	u.UpdatedAt = time.Now().UTC()
	r.st.users[userID] = u
	return nil
}

func (r *memRepository) AppendTransaction(ctx context.Context, tx *domain.Transaction) error {
	r.st.transactions = append(r.st.transactions, *tx)
	return nil
}

func (r *memRepository) BalanceOf(ctx context.Context, userID string) (int64, error) {
	var balance int64
	for _, tx := range r.st.transactions {
		if tx.UserID == userID {
			balance += tx.Amount
		}
	}
	return balance, nil
}

func (r *memRepository) ListTransactions(ctx context.Context, userID string, limit int) ([]domain.Transaction, error) {
	if limit <= 0 {
		limit = 100
	}
	var txs []domain.Transaction
	for _, tx := range r.st.transactions {
		if tx.UserID == userID {
			txs = append(txs, tx)
		}
	}
	sort.SliceStable(txs, func(i, j int) bool { return txs[i].CreatedAt.After(txs[j].CreatedAt) })
	if len(txs) > limit {
		txs = txs[:limit]
	}
	return txs, nil
}

func (r *memRepository) GetExperience(ctx context.Context, experienceID string) (*domain.Experience, error) {
	e, ok := r.st.experiences[experienceID]
	if !ok {
		return nil, ErrExperienceNotFound
	}
	out := e
	return &out, nil
}

func (r *memRepository) GetExperienceForUpdate(ctx context.Context, experienceID string) (*domain.Experience, error) {
	return r.GetExperience(ctx, experienceID)
}

func (r *memRepository) UpdateExperienceSeats(ctx context.Context, experienceID string, seatsRemaining int, status string) error {
	e, ok := r.st.experiences[experienceID]
	if !ok {
		return ErrExperienceNotFound
	}
	e.SeatsRemaining = seatsRemaining
	e.Status = status
	e.UpdatedAt = time.Now().UTC()
	r.st.experiences[experienceID] = e
	return nil
}

func (r *memRepository) UpdateExperienceStatus(ctx context.Context, experienceID string, status string) error {
	e, ok := r.st.experiences[experienceID]
	if !ok {
		return ErrExperienceNotFound
	}
	e.Status = status
	e.UpdatedAt = time.Now().UTC()
	r.st.experiences[experienceID] = e
	return nil
}

func (r *memRepository) IncrementParticipantsStarted(ctx context.Context, experienceID string) error {
	e, ok := r.st.experiences[experienceID]
	if !ok {
		return ErrExperienceNotFound
	}
	e.ParticipantsStarted++
	e.UpdatedAt = time.Now().UTC()
	r.st.experiences[experienceID] = e
	return nil
}

func (r *memRepository) GetEscrow(ctx context.Context, experienceID string) (*domain.Escrow, error) {
	e, ok := r.st.escrows[experienceID]
	if !ok {
		return nil, ErrEscrowNotFound
	}
	out := e
	return &out, nil
}

func (r *memRepository) CreditEscrow(ctx context.Context, experienceID string, amount int64) (int64, error) {
	e, ok := r.st.escrows[experienceID]
	if !ok {
		e = domain.Escrow{ExperienceID: experienceID}
	}
	e.TotalCoins += amount
	e.UpdatedAt = time.Now().UTC()
	r.st.escrows[experienceID] = e
	return e.TotalCoins, nil
}

func (r *memRepository) MarkEscrowReleased(ctx context.Context, experienceID string, at time.Time) error {
	e, ok := r.st.escrows[experienceID]
	if !ok || e.Released {
		return ErrEscrowNotFound
	}
	e.Released = true
	e.ReleasedAt = &at
	e.UpdatedAt = time.Now().UTC()
	r.st.escrows[experienceID] = e
	return nil
}

func (r *memRepository) GetTicket(ctx context.Context, experienceID, userID string) (*domain.Ticket, error) {
	for _, t := range r.st.tickets {
		if t.ExperienceID == experienceID && t.UserID == userID {
			out := t
			return &out, nil
		}
	}
	return nil, ErrTicketNotFound
}

func (r *memRepository) GetTicketForUpdate(ctx context.Context, experienceID, userID string) (*domain.Ticket, error) {
	return r.GetTicket(ctx, experienceID, userID)
}

func (r *memRepository) ListActiveTickets(ctx context.Context, experienceID string) ([]domain.Ticket, error) {
	var tickets []domain.Ticket
	for _, t := range r.st.tickets {
		if t.ExperienceID == experienceID && t.Status == domain.TicketStatusActive {
			tickets = append(tickets, t)
		}
	}
	sort.SliceStable(tickets, func(i, j int) bool { return tickets[i].CreatedAt.Before(tickets[j].CreatedAt) })
	return tickets, nil
}

func (r *memRepository) CreateTicket(ctx context.Context, ticket *domain.Ticket) error {
	r.st.tickets[ticket.ID] = *ticket
	return nil
}

func (r *memRepository) MarkTicketStarted(ctx context.Context, ticketID uuid.UUID, at time.Time) error {
	t, ok := r.st.tickets[ticketID]
	if !ok {
		return ErrTicketNotFound
	}
	t.Started = true
	t.StartedAt = &at
	t.Status = domain.TicketStatusCheckedIn
	r.st.tickets[ticketID] = t
	return nil
}

func (r *memRepository) UpdateTicketStatus(ctx context.Context, ticketID uuid.UUID, status string) error {
	t, ok := r.st.tickets[ticketID]
	if !ok {
		return ErrTicketNotFound
	}
	t.Status = status
	r.st.tickets[ticketID] = t
	return nil
}

func (r *memRepository) AddChatMember(ctx context.Context, member *domain.ChatMember) error {
	for _, m := range r.st.chatMembers {
		if m.ChatID == member.ChatID && m.UserID == member.UserID {
			return nil
		}
	}
	r.st.chatMembers = append(r.st.chatMembers, *member)
	return nil
}

func (r *memRepository) ListWalletDrift(ctx context.Context) ([]WalletDrift, error) {
	var drifts []WalletDrift
	for uid, u := range r.st.users {
		ledger, _ := r.BalanceOf(ctx, uid)
		if u.WalletBalance != ledger {
			drifts = append(drifts, WalletDrift{UserID: uid, Cached: u.WalletBalance, Ledger: ledger})
		}
	}
	sort.Slice(drifts, func(i, j int) bool { return drifts[i].UserID < drifts[j].UserID })
	return drifts, nil
}
