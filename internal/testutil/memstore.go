// Package testutil provides in-memory fakes of the store and module
// repositories, with failure injection and corruption hooks for tests.
package testutil

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/tutu-network/backbone/internal/domain"
)

// ErrInjected is returned by fakes configured to fail.
var ErrInjected = errors.New("injected failure")

// ─── Ledger Store ───────────────────────────────────────────────────────────

// MemLedgerStore is a domain.LedgerStore held in memory. ApplyChanges is
// atomic under a single mutex.
type MemLedgerStore struct {
	mu       sync.Mutex
	accounts map[int64]*domain.Account
	entries  map[int64][]domain.LedgerEntry
	nextID   int64
	failNext int
	commits  int

	Now func() time.Time
}

// NewMemLedgerStore creates an empty store.
func NewMemLedgerStore() *MemLedgerStore {
	return &MemLedgerStore{
		accounts: make(map[int64]*domain.Account),
		entries:  make(map[int64][]domain.LedgerEntry),
		Now:      time.Now,
	}
}

// FailNext makes the next n ApplyChanges calls fail without writing.
func (s *MemLedgerStore) FailNext(n int) {
	s.mu.Lock()
	s.failNext = n
	s.mu.Unlock()
}

// Commits returns the number of successful ApplyChanges calls.
func (s *MemLedgerStore) Commits() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.commits
}

func (s *MemLedgerStore) ApplyChanges(ctx context.Context, changes []domain.BalanceChange) ([]domain.LedgerEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failNext > 0 {
		s.failNext--
		return nil, ErrInjected
	}

	// Stage against a copy of the touched balances so a failure writes nothing.
	staged := make(map[int64]int64)
	balance := func(id int64) int64 {
		if b, ok := staged[id]; ok {
			return b
		}
		if a, ok := s.accounts[id]; ok {
			return a.Balance
		}
		return 0
	}
	now := s.Now()
	out := make([]domain.LedgerEntry, 0, len(changes))
	for _, c := range changes {
		cur := balance(c.UserID)
		if c.ExpectBalance != nil && *c.ExpectBalance != cur {
			return nil, fmt.Errorf("user %d: expected %d, found %d: %w", c.UserID, *c.ExpectBalance, cur, domain.ErrBalanceChanged)
		}
		next := cur + c.Amount
		if c.RequireFunds && next < 0 {
			return nil, &domain.InsufficientBalanceError{UserID: c.UserID, Balance: cur, Requested: -c.Amount}
		}
		staged[c.UserID] = next
		out = append(out, domain.LedgerEntry{
			UserID:       c.UserID,
			Amount:       c.Amount,
			BalanceAfter: next,
			Source:       c.Source,
			Description:  c.Description,
			Timestamp:    now,
		})
	}

	for i := range out {
		s.nextID++
		out[i].ID = s.nextID
		s.entries[out[i].UserID] = append(s.entries[out[i].UserID], out[i])
	}
	for id, b := range staged {
		a, ok := s.accounts[id]
		if !ok {
			a = &domain.Account{UserID: id, CreatedAt: now}
			s.accounts[id] = a
		}
		a.Balance = b
		a.UpdatedAt = now
	}
	s.commits++
	return out, nil
}

func (s *MemLedgerStore) GetAccount(ctx context.Context, userID int64) (*domain.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[userID]
	if !ok {
		return nil, nil
	}
	cp := *a
	return &cp, nil
}

func (s *MemLedgerStore) History(ctx context.Context, userID int64, limit int) ([]domain.LedgerEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	src := s.entries[userID]
	out := make([]domain.LedgerEntry, 0, len(src))
	for i := len(src) - 1; i >= 0; i-- {
		out = append(out, src[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *MemLedgerStore) MarkPurged(ctx context.Context, userID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a, ok := s.accounts[userID]; ok {
		a.Purged = true
	}
	return nil
}

// ListUserIDs lists account holders, so the store doubles as a UserDirectory.
func (s *MemLedgerStore) ListUserIDs(ctx context.Context, after int64, limit int) ([]int64, error) {
	s.mu.Lock()
	ids := make([]int64, 0, len(s.accounts))
	for id := range s.accounts {
		if id > after {
			ids = append(ids, id)
		}
	}
	s.mu.Unlock()
	return pageIDs(ids, limit), nil
}

// CorruptBalance overwrites a stored balance without writing an entry.
func (s *MemLedgerStore) CorruptBalance(userID, balance int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[userID]
	if !ok {
		a = &domain.Account{UserID: userID, CreatedAt: s.Now()}
		s.accounts[userID] = a
	}
	a.Balance = balance
}

// Seed writes an entry and sets the balance to match, bypassing the funds
// check. Used to reproduce a negative balance left by an older bug.
func (s *MemLedgerStore) Seed(userID, amount int64, source string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[userID]
	if !ok {
		a = &domain.Account{UserID: userID, CreatedAt: s.Now()}
		s.accounts[userID] = a
	}
	a.Balance += amount
	s.nextID++
	s.entries[userID] = append(s.entries[userID], domain.LedgerEntry{
		ID:           s.nextID,
		UserID:       userID,
		Amount:       amount,
		BalanceAfter: a.Balance,
		Source:       source,
		Timestamp:    s.Now(),
	})
}

var _ domain.LedgerStore = (*MemLedgerStore)(nil)
var _ domain.UserDirectory = (*MemLedgerStore)(nil)

func pageIDs(ids []int64, limit int) []int64 {
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	return ids
}

// UnionDirectory merges several directories into one ascending ID list.
type UnionDirectory []domain.UserDirectory

func (u UnionDirectory) ListUserIDs(ctx context.Context, after int64, limit int) ([]int64, error) {
	seen := make(map[int64]bool)
	for _, d := range u {
		ids, err := d.ListUserIDs(ctx, after, 0)
		if err != nil {
			return nil, err
		}
		for _, id := range ids {
			seen[id] = true
		}
	}
	ids := make([]int64, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	return pageIDs(ids, limit), nil
}
