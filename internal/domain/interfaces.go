package domain

import "context"

// ─── Service Interfaces ─────────────────────────────────────────────────────
// These interfaces define boundaries between layers.
// Infrastructure implements them; application layer depends on them.

// LedgerStore is the transactional store behind the ledger.
type LedgerStore interface {
	// ApplyChanges commits all changes atomically and returns one entry per
	// change, in order. Accounts are created on first change. Nothing is
	// written if any change fails.
	ApplyChanges(ctx context.Context, changes []BalanceChange) ([]LedgerEntry, error)

	// GetAccount returns the account or nil if it does not exist.
	GetAccount(ctx context.Context, userID int64) (*Account, error)

	// History returns entries newest first. limit <= 0 means all.
	History(ctx context.Context, userID int64, limit int) ([]LedgerEntry, error)

	// MarkPurged flags an account as purged.
	MarkPurged(ctx context.Context, userID int64) error
}

// MessageSink delivers rendered text to a recipient. The concrete transport
// is outside the core.
type MessageSink interface {
	Deliver(ctx context.Context, recipientID int64, text string) error
}

// ─── Module Repositories ────────────────────────────────────────────────────
// Read interfaces of other modules, called by the auditor. The write methods
// are the owning module's normal path used for safe corrections.

// UserDirectory enumerates users known to any module, by ascending ID.
type UserDirectory interface {
	ListUserIDs(ctx context.Context, after int64, limit int) ([]int64, error)
}

// ProfileRepository reads user profiles.
type ProfileRepository interface {
	GetProfile(ctx context.Context, userID int64) (*UserProfile, error)
}

// BadgeRepository reads and removes badge grants.
type BadgeRepository interface {
	GetBadgesForUser(ctx context.Context, userID int64) ([]BadgeGrant, error)
	RemoveBadgeGrant(ctx context.Context, grantID int64) error
}

// NarrativeRepository reads narrative progress.
type NarrativeRepository interface {
	GetNarrativeState(ctx context.Context, userID int64) (*NarrativeState, error)
}

// ReferenceRepository reads join records and resolves their targets.
type ReferenceRepository interface {
	ListReferences(ctx context.Context, userID int64) ([]Reference, error)
	EntityExists(ctx context.Context, kind, id string) (bool, error)
	DeleteReference(ctx context.Context, refID int64) error
}
