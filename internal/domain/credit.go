// Package domain contains pure business types shared by the ledger, the
// event bus, the notification aggregator and the consistency auditor.
package domain

import "time"

// ─── Ledger Types ───────────────────────────────────────────────────────────
// Balances are integer points. Every mutation is an append-only entry and the
// account balance always equals the sum of its entries.

// Source tags for ledger entries. The set is open: feature modules document
// their own tags, these are the ones the core writes itself.
const (
	SourceTransferIn      = "transfer_in"
	SourceTransferOut     = "transfer_out"
	SourceAuditCorrection = "audit_correction"
	SourcePurge           = "purge"
)

// Account is one user's reward balance.
type Account struct {
	UserID    int64     `json:"user_id"`
	Balance   int64     `json:"balance"`
	Purged    bool      `json:"purged,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// LedgerEntry is a single immutable balance change.
type LedgerEntry struct {
	ID           int64     `json:"id"`
	UserID       int64     `json:"user_id"`
	Amount       int64     `json:"amount"`
	BalanceAfter int64     `json:"balance_after"`
	Source       string    `json:"source"`
	Description  string    `json:"description,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// BalanceChange is one requested mutation inside an atomic commit.
// When RequireFunds is set the store rejects the whole commit if the
// resulting balance would drop below zero. When ExpectBalance is set the
// store rejects it with ErrBalanceChanged unless the balance read inside
// the transaction equals *ExpectBalance.
type BalanceChange struct {
	UserID        int64
	Amount        int64
	Source        string
	Description   string
	RequireFunds  bool
	ExpectBalance *int64
}

// ReplayResult is the outcome of replaying an account's entries.
type ReplayResult struct {
	UserID      int64 `json:"user_id"`
	Exists      bool  `json:"exists"`
	Balance     int64 `json:"balance"`
	EntrySum    int64 `json:"entry_sum"`
	Entries     int   `json:"entries"`
	ChainBreaks int   `json:"chain_breaks"` // entries whose balance_after disagrees with the running sum
}

// Drift returns stored balance minus the replayed sum.
func (r ReplayResult) Drift() int64 {
	return r.Balance - r.EntrySum
}

// Consistent reports whether the replay matches within tolerance.
func (r ReplayResult) Consistent(tolerance int64) bool {
	d := r.Drift()
	if d < 0 {
		d = -d
	}
	return d <= tolerance && r.ChainBreaks == 0
}
