package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/tutu-network/backbone/internal/domain"
)

// ─── Module Schema ──────────────────────────────────────────────────────────
// Read models of the narrative, mission, badge and profile modules. They are
// owned by those modules; the core reads them and corrects through the
// write methods below.

// ModuleMigrations returns the module schema statements.
func ModuleMigrations() []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS user_profiles (
			user_id INTEGER PRIMARY KEY,
			tier    TEXT NOT NULL DEFAULT 'free',
			level   INTEGER NOT NULL DEFAULT 1
		)`,

		`CREATE TABLE IF NOT EXISTS badge_grants (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id    INTEGER NOT NULL,
			badge_id   TEXT NOT NULL,
			granted_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_badge_user ON badge_grants(user_id, badge_id)`,

		`CREATE TABLE IF NOT EXISTS narrative_fragments (
			id TEXT PRIMARY KEY
		)`,
		`CREATE TABLE IF NOT EXISTS missions (
			id TEXT PRIMARY KEY
		)`,

		`CREATE TABLE IF NOT EXISTS narrative_states (
			user_id     INTEGER PRIMARY KEY,
			fragment_id TEXT NOT NULL,
			updated_at  INTEGER NOT NULL
		)`,

		// No foreign keys: dangling targets are what the auditor looks for.
		`CREATE TABLE IF NOT EXISTS entity_refs (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id     INTEGER NOT NULL,
			module      TEXT NOT NULL,
			target_kind TEXT NOT NULL,
			target_id   TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_refs_user ON entity_refs(user_id)`,
	}
}

// Target kinds resolvable by EntityExists.
const (
	TargetFragment = "narrative_fragment"
	TargetMission  = "mission"
)

var targetTables = map[string]string{
	TargetFragment: "narrative_fragments",
	TargetMission:  "missions",
}

var (
	_ domain.UserDirectory       = (*DB)(nil)
	_ domain.ProfileRepository   = (*DB)(nil)
	_ domain.BadgeRepository     = (*DB)(nil)
	_ domain.NarrativeRepository = (*DB)(nil)
	_ domain.ReferenceRepository = (*DB)(nil)
)

// ─── Directory ──────────────────────────────────────────────────────────────

// ListUserIDs returns every user known to the ledger or any module, by
// ascending ID, after the given cursor.
func (d *DB) ListUserIDs(ctx context.Context, after int64, limit int) ([]int64, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT user_id FROM (
			SELECT user_id FROM accounts
			UNION SELECT user_id FROM user_profiles
			UNION SELECT user_id FROM badge_grants
			UNION SELECT user_id FROM narrative_states
			UNION SELECT user_id FROM entity_refs
		) WHERE user_id > ? ORDER BY user_id LIMIT ?
	`, after, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanIDs(rows)
}

// ─── Profiles ───────────────────────────────────────────────────────────────

// UpsertProfile inserts or updates a user's profile.
func (d *DB) UpsertProfile(ctx context.Context, p domain.UserProfile) error {
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO user_profiles (user_id, tier, level) VALUES (?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET tier = excluded.tier, level = excluded.level
	`, p.UserID, p.Tier, p.Level)
	return err
}

// GetProfile returns the profile or nil.
func (d *DB) GetProfile(ctx context.Context, userID int64) (*domain.UserProfile, error) {
	p := domain.UserProfile{UserID: userID}
	err := d.db.QueryRowContext(ctx, `
		SELECT tier, level FROM user_profiles WHERE user_id = ?
	`, userID).Scan(&p.Tier, &p.Level)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// ─── Badges ─────────────────────────────────────────────────────────────────

// GrantBadge records a badge grant and returns its ID. Duplicate grants are
// not rejected here.
func (d *DB) GrantBadge(ctx context.Context, userID int64, badgeID string) (int64, error) {
	res, err := d.db.ExecContext(ctx, `
		INSERT INTO badge_grants (user_id, badge_id, granted_at) VALUES (?, ?, ?)
	`, userID, badgeID, toMillis(d.now()))
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// GetBadgesForUser returns grants in grant order.
func (d *DB) GetBadgesForUser(ctx context.Context, userID int64) ([]domain.BadgeGrant, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT id, user_id, badge_id, granted_at FROM badge_grants
		WHERE user_id = ? ORDER BY granted_at, id
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.BadgeGrant
	for rows.Next() {
		var (
			g  domain.BadgeGrant
			ts int64
		)
		if err := rows.Scan(&g.ID, &g.UserID, &g.BadgeID, &ts); err != nil {
			return nil, err
		}
		g.GrantedAt = fromMillis(ts)
		out = append(out, g)
	}
	return out, rows.Err()
}

// RemoveBadgeGrant deletes one grant. Removing a missing grant is a no-op.
func (d *DB) RemoveBadgeGrant(ctx context.Context, grantID int64) error {
	_, err := d.db.ExecContext(ctx, `DELETE FROM badge_grants WHERE id = ?`, grantID)
	return err
}

// ─── Narrative ──────────────────────────────────────────────────────────────

// AddFragment registers a narrative fragment.
func (d *DB) AddFragment(ctx context.Context, id string) error {
	_, err := d.db.ExecContext(ctx, `INSERT OR IGNORE INTO narrative_fragments (id) VALUES (?)`, id)
	return err
}

// DeleteFragment removes a narrative fragment. References to it are left
// in place.
func (d *DB) DeleteFragment(ctx context.Context, id string) error {
	_, err := d.db.ExecContext(ctx, `DELETE FROM narrative_fragments WHERE id = ?`, id)
	return err
}

// SetNarrativeState stores a user's current fragment.
func (d *DB) SetNarrativeState(ctx context.Context, userID int64, fragmentID string) error {
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO narrative_states (user_id, fragment_id, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET fragment_id = excluded.fragment_id, updated_at = excluded.updated_at
	`, userID, fragmentID, toMillis(d.now()))
	return err
}

// GetNarrativeState returns the state or nil.
func (d *DB) GetNarrativeState(ctx context.Context, userID int64) (*domain.NarrativeState, error) {
	s := domain.NarrativeState{UserID: userID}
	var ts int64
	err := d.db.QueryRowContext(ctx, `
		SELECT fragment_id, updated_at FROM narrative_states WHERE user_id = ?
	`, userID).Scan(&s.FragmentID, &ts)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	s.UpdatedAt = fromMillis(ts)
	return &s, nil
}

// ─── Missions ───────────────────────────────────────────────────────────────

// AddMission registers a mission.
func (d *DB) AddMission(ctx context.Context, id string) error {
	_, err := d.db.ExecContext(ctx, `INSERT OR IGNORE INTO missions (id) VALUES (?)`, id)
	return err
}

// DeleteMission removes a mission. References to it are left in place.
func (d *DB) DeleteMission(ctx context.Context, id string) error {
	_, err := d.db.ExecContext(ctx, `DELETE FROM missions WHERE id = ?`, id)
	return err
}

// ─── References ─────────────────────────────────────────────────────────────

// AddReference links a user to an entity and returns the reference ID.
func (d *DB) AddReference(ctx context.Context, ref domain.Reference) (int64, error) {
	res, err := d.db.ExecContext(ctx, `
		INSERT INTO entity_refs (user_id, module, target_kind, target_id) VALUES (?, ?, ?, ?)
	`, ref.UserID, ref.Module, ref.TargetKind, ref.TargetID)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// ListReferences returns a user's references.
func (d *DB) ListReferences(ctx context.Context, userID int64) ([]domain.Reference, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT id, user_id, module, target_kind, target_id FROM entity_refs
		WHERE user_id = ? ORDER BY id
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Reference
	for rows.Next() {
		var r domain.Reference
		if err := rows.Scan(&r.ID, &r.UserID, &r.Module, &r.TargetKind, &r.TargetID); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// EntityExists resolves a reference target. Unknown kinds are an error so a
// typo never reads as "orphaned".
func (d *DB) EntityExists(ctx context.Context, kind, id string) (bool, error) {
	table, ok := targetTables[kind]
	if !ok {
		return false, fmt.Errorf("unknown target kind %q", kind)
	}
	var count int
	err := d.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM `+table+` WHERE id = ?`, id).Scan(&count)
	return count > 0, err
}

// DeleteReference removes one reference. Removing a missing one is a no-op.
func (d *DB) DeleteReference(ctx context.Context, refID int64) error {
	_, err := d.db.ExecContext(ctx, `DELETE FROM entity_refs WHERE id = ?`, refID)
	return err
}
