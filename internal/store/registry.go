package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/evolve/internal/ir"
	"github.com/roach88/evolve/internal/registry"
)

var (
	_ registry.ComponentRegistry = (*Store)(nil)
	_ registry.TriggerIndex      = (*Store)(nil)
)

const componentColumns = `id, kind, version, status, domain, descriptor, artifacts, capability, triggers, children`

// Reindex upserts the component row and replaces its dependency edges in
// one transaction.
func (s *Store) Reindex(ctx context.Context, c ir.Component) error {
	artifacts, err := marshalList(c.Artifacts)
	if err != nil {
		return fmt.Errorf("reindex %s: %w", c.ID, err)
	}
	triggers, err := marshalList(c.Triggers)
	if err != nil {
		return fmt.Errorf("reindex %s: %w", c.ID, err)
	}
	children, err := marshalList(c.Children)
	if err != nil {
		return fmt.Errorf("reindex %s: %w", c.ID, err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("reindex %s: %w", c.ID, err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO components (`+componentColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			kind = excluded.kind,
			version = excluded.version,
			status = excluded.status,
			domain = excluded.domain,
			descriptor = excluded.descriptor,
			artifacts = excluded.artifacts,
			capability = excluded.capability,
			triggers = excluded.triggers,
			children = excluded.children
	`,
		c.ID, string(c.Kind), c.Version, string(c.Status), c.Domain, c.Descriptor,
		artifacts, c.Capability, triggers, children,
	)
	if err != nil {
		return fmt.Errorf("reindex %s: %w", c.ID, err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM component_dependencies WHERE component_id = ?`, c.ID); err != nil {
		return fmt.Errorf("reindex %s: %w", c.ID, err)
	}
	for _, dep := range ir.SortedSet(c.Dependencies) {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO component_dependencies (component_id, dependency_id)
			VALUES (?, ?)
			ON CONFLICT DO NOTHING
		`, c.ID, dep)
		if err != nil {
			return fmt.Errorf("reindex %s: %w", c.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("reindex %s: %w", c.ID, err)
	}
	return nil
}

// Lookup returns a component or registry.ErrNotFound.
func (s *Store) Lookup(ctx context.Context, id string) (ir.Component, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+componentColumns+` FROM components WHERE id = ?`, id)
	c, err := scanComponent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ir.Component{}, fmt.Errorf("%w: %s", registry.ErrNotFound, id)
	}
	if err != nil {
		return ir.Component{}, fmt.Errorf("lookup %s: %w", id, err)
	}
	deps, err := s.dependencies(ctx, id)
	if err != nil {
		return ir.Component{}, fmt.Errorf("lookup %s: %w", id, err)
	}
	c.Dependencies = deps
	return c, nil
}

// FindDependents returns ids of components that declare id as a dependency.
func (s *Store) FindDependents(ctx context.Context, id string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT component_id FROM component_dependencies
		WHERE dependency_id = ?
		ORDER BY component_id COLLATE BINARY
	`, id)
	if err != nil {
		return nil, fmt.Errorf("find dependents of %s: %w", id, err)
	}
	defer rows.Close()
	return scanIDs(rows)
}

// List returns every component ordered by id.
func (s *Store) List(ctx context.Context) ([]ir.Component, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+componentColumns+` FROM components
		ORDER BY id COLLATE BINARY
	`)
	if err != nil {
		return nil, fmt.Errorf("list components: %w", err)
	}
	var out []ir.Component
	for rows.Next() {
		c, err := scanComponent(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("list components: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("list components: %w", err)
	}
	rows.Close()

	// Dependencies are loaded after the cursor is closed: the pool has a
	// single connection.
	for i := range out {
		deps, err := s.dependencies(ctx, out[i].ID)
		if err != nil {
			return nil, fmt.Errorf("list components: %w", err)
		}
		out[i].Dependencies = deps
	}
	return out, nil
}

func (s *Store) dependencies(ctx context.Context, id string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT dependency_id FROM component_dependencies
		WHERE component_id = ?
		ORDER BY dependency_id COLLATE BINARY
	`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanIDs(rows)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanComponent(sc scanner) (ir.Component, error) {
	var (
		c                             ir.Component
		kind, status                  string
		artifacts, triggers, children string
	)
	if err := sc.Scan(&c.ID, &kind, &c.Version, &status, &c.Domain, &c.Descriptor,
		&artifacts, &c.Capability, &triggers, &children); err != nil {
		return ir.Component{}, err
	}
	c.Kind = ir.Kind(kind)
	c.Status = ir.Status(status)

	var err error
	if c.Artifacts, err = unmarshalList(artifacts); err != nil {
		return ir.Component{}, err
	}
	if c.Triggers, err = unmarshalList(triggers); err != nil {
		return ir.Component{}, err
	}
	if c.Children, err = unmarshalList(children); err != nil {
		return ir.Component{}, err
	}
	return c, nil
}

func scanIDs(rows *sql.Rows) ([]string, error) {
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}
