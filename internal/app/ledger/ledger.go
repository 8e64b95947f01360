// Package ledger owns reward balances and their append-only change history.
//
// Every mutation goes through one atomic store commit that writes the entry
// and the new balance together. Operations on one account are serialized by
// a striped lock table; the store's in-transaction funds check is what makes
// concurrent debits unable to double-spend. After a successful commit the
// ledger publishes PointsAwarded / PointsDeducted on a best-effort basis.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tutu-network/backbone/internal/domain"
	"github.com/tutu-network/backbone/internal/infra/logging"
	"github.com/tutu-network/backbone/internal/infra/observability"
)

const component = "ledger"

// Publisher is the part of the event bus the ledger needs.
type Publisher interface {
	Publish(t domain.EventType, subjectUserID int64, payload domain.Payload, source, correlationID string) (domain.Event, error)
}

// Config controls ledger behavior.
type Config struct {
	LockStripes     int   // striped account locks (default: 64)
	ReplayTolerance int64 // allowed |balance - sum(entries)| (default: 0)
}

// DefaultConfig returns ledger defaults.
func DefaultConfig() Config {
	return Config{LockStripes: 64}
}

// Ledger is safe for concurrent use.
type Ledger struct {
	store  domain.LedgerStore
	pub    Publisher
	cfg    Config
	locks  []sync.Mutex
	logger *zap.Logger
}

// New creates a ledger over store. pub may be nil.
func New(store domain.LedgerStore, pub Publisher, cfg Config, logger *zap.Logger) *Ledger {
	if cfg.LockStripes <= 0 {
		cfg.LockStripes = DefaultConfig().LockStripes
	}
	if cfg.ReplayTolerance < 0 {
		cfg.ReplayTolerance = 0
	}
	return &Ledger{
		store:  store,
		pub:    pub,
		cfg:    cfg,
		locks:  make([]sync.Mutex, cfg.LockStripes),
		logger: logging.OrNop(logger).Named(component),
	}
}

// ─── Reads ──────────────────────────────────────────────────────────────────

// Balance returns the user's balance, 0 for unknown accounts. A store read
// failure is logged and also reads as 0.
func (l *Ledger) Balance(ctx context.Context, userID int64) int64 {
	acct, err := l.store.GetAccount(ctx, userID)
	if err != nil {
		l.logger.Warn("balance read failed", zap.Int64("user_id", userID), zap.Error(err))
		return 0
	}
	if acct == nil {
		return 0
	}
	return acct.Balance
}

// Account returns the stored account, or nil if none exists.
func (l *Ledger) Account(ctx context.Context, userID int64) (*domain.Account, error) {
	acct, err := l.store.GetAccount(ctx, userID)
	if err != nil {
		return nil, &domain.PersistenceError{Op: "get account", Err: err}
	}
	return acct, nil
}

// History returns entries most recent first. limit <= 0 returns all.
func (l *Ledger) History(ctx context.Context, userID int64, limit int) ([]domain.LedgerEntry, error) {
	entries, err := l.store.History(ctx, userID, limit)
	if err != nil {
		return nil, &domain.PersistenceError{Op: "history", Err: err}
	}
	return entries, nil
}

// ─── Mutations ──────────────────────────────────────────────────────────────

// Add credits amount to userID, creating the account if absent.
func (l *Ledger) Add(ctx context.Context, userID, amount int64, source, description string) (domain.LedgerEntry, error) {
	if amount <= 0 {
		l.record("add", "invalid")
		return domain.LedgerEntry{}, fmt.Errorf("add %d: %w", amount, domain.ErrInvalidAmount)
	}
	unlock := l.lock(userID)
	entries, err := l.commit(ctx, "add", domain.BalanceChange{
		UserID: userID, Amount: amount, Source: source, Description: description,
	})
	unlock()
	if err != nil {
		return domain.LedgerEntry{}, err
	}
	l.announce(ctx, entries...)
	return entries[0], nil
}

// Deduct debits amount from userID. It fails with *domain.InsufficientBalanceError
// and leaves the balance untouched when the balance is below amount.
func (l *Ledger) Deduct(ctx context.Context, userID, amount int64, source, description string) (domain.LedgerEntry, error) {
	if amount <= 0 {
		l.record("deduct", "invalid")
		return domain.LedgerEntry{}, fmt.Errorf("deduct %d: %w", amount, domain.ErrInvalidAmount)
	}
	unlock := l.lock(userID)
	entries, err := l.commit(ctx, "deduct", domain.BalanceChange{
		UserID: userID, Amount: -amount, Source: source, Description: description, RequireFunds: true,
	})
	unlock()
	if err != nil {
		return domain.LedgerEntry{}, err
	}
	l.announce(ctx, entries...)
	return entries[0], nil
}

// Transfer moves amount from fromID to toID in one commit. Either both
// entries are written or neither is. The returned entries are (debit, credit).
func (l *Ledger) Transfer(ctx context.Context, fromID, toID, amount int64, description string) (domain.LedgerEntry, domain.LedgerEntry, error) {
	switch {
	case amount <= 0:
		l.record("transfer", "invalid")
		return domain.LedgerEntry{}, domain.LedgerEntry{}, fmt.Errorf("transfer %d: %w", amount, domain.ErrInvalidAmount)
	case fromID == toID:
		l.record("transfer", "invalid")
		return domain.LedgerEntry{}, domain.LedgerEntry{}, fmt.Errorf("transfer %d→%d: %w", fromID, toID, domain.ErrSameAccount)
	}

	unlock := l.lock(fromID, toID)
	entries, err := l.commit(ctx, "transfer",
		domain.BalanceChange{UserID: fromID, Amount: -amount, Source: domain.SourceTransferOut, Description: description, RequireFunds: true},
		domain.BalanceChange{UserID: toID, Amount: amount, Source: domain.SourceTransferIn, Description: description},
	)
	unlock()
	if err != nil {
		return domain.LedgerEntry{}, domain.LedgerEntry{}, err
	}

	if domain.CorrelationID(ctx) == "" {
		ctx = domain.WithCorrelationID(ctx, domain.NewCorrelationID())
	}
	l.announce(ctx, entries...)
	return entries[0], entries[1], nil
}

// Adjust writes an unrestricted signed entry. It is the write path for
// audit corrections and may take a balance in either direction.
func (l *Ledger) Adjust(ctx context.Context, userID, amount int64, source, description string) (domain.LedgerEntry, error) {
	if amount == 0 {
		l.record("adjust", "invalid")
		return domain.LedgerEntry{}, fmt.Errorf("adjust 0: %w", domain.ErrInvalidAmount)
	}
	unlock := l.lock(userID)
	entries, err := l.commit(ctx, "adjust", domain.BalanceChange{
		UserID: userID, Amount: amount, Source: source, Description: description,
	})
	unlock()
	if err != nil {
		return domain.LedgerEntry{}, err
	}
	l.announce(ctx, entries...)
	return entries[0], nil
}

// ResetNegative zeroes a negative balance with one audit correction entry.
// The balance is re-read under the account lock and the write is
// conditional on it, so overlapping callers correct the account once.
// It returns nil when the balance is no longer negative.
func (l *Ledger) ResetNegative(ctx context.Context, userID int64) (*domain.LedgerEntry, error) {
	unlock := l.lock(userID)
	defer unlock()

	acct, err := l.store.GetAccount(ctx, userID)
	if err != nil {
		l.record("reset", "error")
		return nil, &domain.PersistenceError{Op: "reset", Err: err}
	}
	if acct == nil || acct.Balance >= 0 {
		l.record("reset", "noop")
		return nil, nil
	}

	seen := acct.Balance
	entries, err := l.commit(ctx, "reset", domain.BalanceChange{
		UserID:        userID,
		Amount:        -seen,
		Source:        domain.SourceAuditCorrection,
		Description:   fmt.Sprintf("reset negative balance %d to 0", seen),
		ExpectBalance: &seen,
	})
	if err != nil {
		return nil, err
	}
	defer l.announce(ctx, entries...)
	return &entries[0], nil
}

// Purge soft-zeroes an account with a compensating entry and flags it.
// The account and its history are kept. Returns the entry written, or nil
// when the balance was already zero.
func (l *Ledger) Purge(ctx context.Context, userID int64) (*domain.LedgerEntry, error) {
	unlock := l.lock(userID)
	defer unlock()

	acct, err := l.store.GetAccount(ctx, userID)
	if err != nil {
		l.record("purge", "error")
		return nil, &domain.PersistenceError{Op: "purge", Err: err}
	}
	if acct == nil {
		l.record("purge", "ok")
		return nil, nil
	}

	var entry *domain.LedgerEntry
	if acct.Balance != 0 {
		entries, err := l.commit(ctx, "purge", domain.BalanceChange{
			UserID: userID, Amount: -acct.Balance, Source: domain.SourcePurge, Description: "account purged",
		})
		if err != nil {
			return nil, err
		}
		entry = &entries[0]
		defer l.announce(ctx, entries...)
	}
	if err := l.store.MarkPurged(ctx, userID); err != nil {
		return entry, &domain.PersistenceError{Op: "mark purged", Err: err}
	}
	if entry == nil {
		l.record("purge", "ok")
	}
	return entry, nil
}

// ─── Integrity ──────────────────────────────────────────────────────────────

// Replay sums the account's entries oldest first and compares the result,
// and each entry's balance snapshot, against the stored balance.
func (l *Ledger) Replay(ctx context.Context, userID int64) (domain.ReplayResult, error) {
	res := domain.ReplayResult{UserID: userID}
	acct, err := l.store.GetAccount(ctx, userID)
	if err != nil {
		return res, &domain.PersistenceError{Op: "replay", Err: err}
	}
	entries, err := l.store.History(ctx, userID, 0)
	if err != nil {
		return res, &domain.PersistenceError{Op: "replay", Err: err}
	}
	if acct != nil {
		res.Exists = true
		res.Balance = acct.Balance
	}
	res.Entries = len(entries)
	for i := len(entries) - 1; i >= 0; i-- {
		res.EntrySum += entries[i].Amount
		if entries[i].BalanceAfter != res.EntrySum {
			res.ChainBreaks++
		}
	}
	return res, nil
}

// VerifyIntegrity reports whether replaying history reproduces the balance.
func (l *Ledger) VerifyIntegrity(ctx context.Context, userID int64) (bool, error) {
	res, err := l.Replay(ctx, userID)
	if err != nil {
		return false, err
	}
	return res.Consistent(l.cfg.ReplayTolerance), nil
}

// ReplayTolerance returns the configured drift tolerance.
func (l *Ledger) ReplayTolerance() int64 { return l.cfg.ReplayTolerance }

// ─── Internals ──────────────────────────────────────────────────────────────

func (l *Ledger) commit(ctx context.Context, op string, changes ...domain.BalanceChange) ([]domain.LedgerEntry, error) {
	start := time.Now()
	entries, err := l.store.ApplyChanges(ctx, changes)
	observability.LedgerCommitLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		if errors.Is(err, domain.ErrInsufficientBalance) {
			l.record(op, "insufficient")
			return nil, err
		}
		if errors.Is(err, domain.ErrBalanceChanged) {
			l.record(op, "conflict")
			l.logger.Warn("balance moved under commit", zap.String("op", op), zap.Error(err))
			return nil, err
		}
		l.record(op, "error")
		l.logger.Error("commit failed", zap.String("op", op), zap.Error(err))
		return nil, &domain.PersistenceError{Op: op, Err: err}
	}
	if len(entries) != len(changes) {
		l.record(op, "error")
		return nil, &domain.PersistenceError{Op: op, Err: fmt.Errorf("store returned %d entries for %d changes", len(entries), len(changes))}
	}
	l.record(op, "ok")
	for _, e := range entries {
		if e.Amount > 0 {
			observability.LedgerPointsMoved.WithLabelValues("credit").Add(float64(e.Amount))
		} else {
			observability.LedgerPointsMoved.WithLabelValues("debit").Add(float64(-e.Amount))
		}
	}
	return entries, nil
}

// announce publishes one event per entry. Failures are logged only: the
// entries are already committed.
func (l *Ledger) announce(ctx context.Context, entries ...domain.LedgerEntry) {
	if l.pub == nil {
		return
	}
	corr := domain.CorrelationID(ctx)
	for _, e := range entries {
		var (
			t       domain.EventType
			payload domain.Payload
		)
		if e.Amount >= 0 {
			t = domain.EventPointsAwarded
			payload = domain.PointsAwardedPayload{
				EntryID: e.ID, Amount: e.Amount, BalanceAfter: e.BalanceAfter, Source: e.Source, Description: e.Description,
			}
		} else {
			t = domain.EventPointsDeducted
			payload = domain.PointsDeductedPayload{
				EntryID: e.ID, Amount: -e.Amount, BalanceAfter: e.BalanceAfter, Source: e.Source, Description: e.Description,
			}
		}
		if _, err := l.pub.Publish(t, e.UserID, payload, component, corr); err != nil {
			l.logger.Warn("event publish failed",
				zap.String("event", string(t)), zap.Int64("user_id", e.UserID), zap.Int64("entry_id", e.ID), zap.Error(err))
		}
	}
}

// lock takes the stripes for ids in ascending stripe order and returns the
// release func. Shared stripes are taken once.
func (l *Ledger) lock(ids ...int64) func() {
	idx := make([]int, 0, len(ids))
	for _, id := range ids {
		s := l.stripe(id)
		dup := false
		for _, have := range idx {
			if have == s {
				dup = true
				break
			}
		}
		if !dup {
			idx = append(idx, s)
		}
	}
	if len(idx) == 2 && idx[0] > idx[1] {
		idx[0], idx[1] = idx[1], idx[0]
	}
	for _, i := range idx {
		l.locks[i].Lock()
	}
	return func() {
		for j := len(idx) - 1; j >= 0; j-- {
			l.locks[idx[j]].Unlock()
		}
	}
}

func (l *Ledger) stripe(userID int64) int {
	return int(uint64(userID) % uint64(len(l.locks)))
}

func (l *Ledger) record(op, result string) {
	observability.LedgerOperations.WithLabelValues(op, result).Inc()
}
