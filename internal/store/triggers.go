package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// Reserve claims trigger for owner. The insert and the ownership check
// run in one transaction so two owners cannot both succeed.
func (s *Store) Reserve(ctx context.Context, trigger, owner string) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("reserve %q: %w", trigger, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO triggers (trigger, owner) VALUES (?, ?)
		ON CONFLICT(trigger) DO NOTHING
	`, trigger, owner); err != nil {
		return false, fmt.Errorf("reserve %q: %w", trigger, err)
	}

	var current string
	if err := tx.QueryRowContext(ctx, `SELECT owner FROM triggers WHERE trigger = ?`, trigger).Scan(&current); err != nil {
		return false, fmt.Errorf("reserve %q: %w", trigger, err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("reserve %q: %w", trigger, err)
	}
	return current == owner, nil
}

// Release frees trigger. Unknown triggers are ignored.
func (s *Store) Release(ctx context.Context, trigger string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM triggers WHERE trigger = ?`, trigger); err != nil {
		return fmt.Errorf("release %q: %w", trigger, err)
	}
	return nil
}

// Owner returns the component holding trigger.
func (s *Store) Owner(ctx context.Context, trigger string) (string, bool, error) {
	var owner string
	err := s.db.QueryRowContext(ctx, `SELECT owner FROM triggers WHERE trigger = ?`, trigger).Scan(&owner)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("owner of %q: %w", trigger, err)
	}
	return owner, true, nil
}

// TriggersOf returns the triggers held by owner, sorted.
func (s *Store) TriggersOf(ctx context.Context, owner string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT trigger FROM triggers WHERE owner = ?
		ORDER BY trigger COLLATE BINARY
	`, owner)
	if err != nil {
		return nil, fmt.Errorf("triggers of %s: %w", owner, err)
	}
	defer rows.Close()
	return scanIDs(rows)
}
