package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/tutu-network/backbone/internal/domain"
)

// ─── Ledger Schema ──────────────────────────────────────────────────────────

// LedgerMigrations returns the ledger schema statements.
// Each string is a single SQL statement (SQLite executes one at a time).
func LedgerMigrations() []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS accounts (
			user_id    INTEGER PRIMARY KEY,
			balance    INTEGER NOT NULL DEFAULT 0,
			purged     INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,

		// Append-only; rows are never updated or deleted.
		`CREATE TABLE IF NOT EXISTS ledger_entries (
			id            INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id       INTEGER NOT NULL REFERENCES accounts(user_id),
			amount        INTEGER NOT NULL,
			balance_after INTEGER NOT NULL,
			source        TEXT NOT NULL,
			description   TEXT NOT NULL DEFAULT '',
			created_at    INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_entries_user ON ledger_entries(user_id, id)`,
	}
}

var _ domain.LedgerStore = (*DB)(nil)

// ─── Ledger Operations ──────────────────────────────────────────────────────

// ApplyChanges commits every change in one transaction. A change with
// RequireFunds fails the whole commit with *domain.InsufficientBalanceError
// when it would overdraw the account. A change with ExpectBalance fails it
// with domain.ErrBalanceChanged when the balance differs, including when
// another connection moved it between the read and the write.
func (d *DB) ApplyChanges(ctx context.Context, changes []domain.BalanceChange) ([]domain.LedgerEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(changes) == 0 {
		return nil, nil
	}

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	now := d.now()
	ts := toMillis(now)
	entries := make([]domain.LedgerEntry, 0, len(changes))

	for _, c := range changes {
		var balance int64
		err := tx.QueryRowContext(ctx, `SELECT balance FROM accounts WHERE user_id = ?`, c.UserID).Scan(&balance)
		if errors.Is(err, sql.ErrNoRows) {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO accounts (user_id, balance, created_at, updated_at) VALUES (?, 0, ?, ?)
			`, c.UserID, ts, ts); err != nil {
				return nil, fmt.Errorf("create account %d: %w", c.UserID, err)
			}
		} else if err != nil {
			return nil, fmt.Errorf("read balance %d: %w", c.UserID, err)
		}

		if c.ExpectBalance != nil && *c.ExpectBalance != balance {
			return nil, fmt.Errorf("user %d: expected %d, found %d: %w", c.UserID, *c.ExpectBalance, balance, domain.ErrBalanceChanged)
		}
		after := balance + c.Amount
		if c.RequireFunds && after < 0 {
			return nil, &domain.InsufficientBalanceError{UserID: c.UserID, Balance: balance, Requested: -c.Amount}
		}

		res, err := tx.ExecContext(ctx, `
			INSERT INTO ledger_entries (user_id, amount, balance_after, source, description, created_at)
			VALUES (?, ?, ?, ?, ?, ?)
		`, c.UserID, c.Amount, after, c.Source, c.Description, ts)
		if err != nil {
			return nil, fmt.Errorf("append entry %d: %w", c.UserID, err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return nil, fmt.Errorf("entry id: %w", err)
		}

		upd, err := tx.ExecContext(ctx, `
			UPDATE accounts SET balance = ?, updated_at = ? WHERE user_id = ? AND balance = ?
		`, after, ts, c.UserID, balance)
		if err != nil {
			return nil, fmt.Errorf("update balance %d: %w", c.UserID, err)
		}
		if n, err := upd.RowsAffected(); err != nil {
			return nil, fmt.Errorf("update balance %d: %w", c.UserID, err)
		} else if n != 1 {
			return nil, fmt.Errorf("user %d: %w", c.UserID, domain.ErrBalanceChanged)
		}

		entries = append(entries, domain.LedgerEntry{
			ID:           id,
			UserID:       c.UserID,
			Amount:       c.Amount,
			BalanceAfter: after,
			Source:       c.Source,
			Description:  c.Description,
			Timestamp:    fromMillis(ts),
		})
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return entries, nil
}

// GetAccount returns the account, or nil if it does not exist.
func (d *DB) GetAccount(ctx context.Context, userID int64) (*domain.Account, error) {
	var (
		a                  domain.Account
		purged             int
		created, updatedAt int64
	)
	err := d.db.QueryRowContext(ctx, `
		SELECT user_id, balance, purged, created_at, updated_at FROM accounts WHERE user_id = ?
	`, userID).Scan(&a.UserID, &a.Balance, &purged, &created, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	a.Purged = purged == 1
	a.CreatedAt = fromMillis(created)
	a.UpdatedAt = fromMillis(updatedAt)
	return &a, nil
}

// History returns entries newest first. limit <= 0 returns all of them.
func (d *DB) History(ctx context.Context, userID int64, limit int) ([]domain.LedgerEntry, error) {
	if limit <= 0 {
		limit = -1 // SQLite: no limit
	}
	rows, err := d.db.QueryContext(ctx, `
		SELECT id, user_id, amount, balance_after, source, description, created_at
		FROM ledger_entries WHERE user_id = ?
		ORDER BY id DESC LIMIT ?
	`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.LedgerEntry
	for rows.Next() {
		var (
			e  domain.LedgerEntry
			ts int64
		)
		if err := rows.Scan(&e.ID, &e.UserID, &e.Amount, &e.BalanceAfter, &e.Source, &e.Description, &ts); err != nil {
			return nil, err
		}
		e.Timestamp = fromMillis(ts)
		out = append(out, e)
	}
	return out, rows.Err()
}

// MarkPurged flags an account as purged. The balance itself is zeroed
// through a ledger entry, never here.
func (d *DB) MarkPurged(ctx context.Context, userID int64) error {
	_, err := d.db.ExecContext(ctx, `
		UPDATE accounts SET purged = 1, updated_at = ? WHERE user_id = ?
	`, toMillis(d.now()), userID)
	return err
}

// ListAccountIDs returns account owners with IDs greater than after, ascending.
func (d *DB) ListAccountIDs(ctx context.Context, after int64, limit int) ([]int64, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT user_id FROM accounts WHERE user_id > ? ORDER BY user_id LIMIT ?
	`, after, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanIDs(rows)
}

func scanIDs(rows *sql.Rows) ([]int64, error) {
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
