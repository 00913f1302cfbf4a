package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"github.com/nanogridbot/ngb/internal/faults"
	"github.com/nanogridbot/ngb/internal/store"
)

// UpsertGroup inserts or replaces a group registration keyed by jid.
func (s *Store) UpsertGroup(ctx context.Context, g *store.Group) error {
	cfg, err := marshalContainerConfig(g.ContainerConfig)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO groups (jid, name, folder, trigger_pattern, container_config, requires_trigger)
		VALUES (?, ?, ?, ?, ?, ?)`,
		g.JID, g.Name, g.Folder, nullStr(g.TriggerPattern), cfg, g.RequiresTrigger)
	return faults.Wrap(faults.Database, err, "upsert group")
}

// GetGroup returns the group registered under jid, or nil when absent.
func (s *Store) GetGroup(ctx context.Context, jid string) (*store.Group, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT jid, name, folder, trigger_pattern, container_config, requires_trigger
		FROM groups WHERE jid = ?`, jid)
	return scanGroup(row)
}

// GetGroupByFolder returns the group using folder, or nil when absent.
func (s *Store) GetGroupByFolder(ctx context.Context, folder string) (*store.Group, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT jid, name, folder, trigger_pattern, container_config, requires_trigger
		FROM groups WHERE folder = ?`, folder)
	return scanGroup(row)
}

// ListGroups returns all registered groups ordered by folder.
func (s *Store) ListGroups(ctx context.Context) ([]store.Group, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT jid, name, folder, trigger_pattern, container_config, requires_trigger
		FROM groups ORDER BY folder ASC`)
	if err != nil {
		return nil, faults.Wrap(faults.Database, err, "query groups")
	}
	defer rows.Close()

	var out []store.Group
	for rows.Next() {
		g, err := scanGroupRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *g)
	}
	return out, faults.Wrap(faults.Database, rows.Err(), "iterate groups")
}

// DeleteGroup removes a registration. Deleting an unknown jid is not an error.
func (s *Store) DeleteGroup(ctx context.Context, jid string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM groups WHERE jid = ?`, jid)
	return faults.Wrap(faults.Database, err, "delete group")
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanGroup(row *sql.Row) (*store.Group, error) {
	g, err := scanGroupRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return g, err
}

func scanGroupRow(row rowScanner) (*store.Group, error) {
	var (
		g       store.Group
		trigger sql.NullString
		cfg     sql.NullString
	)
	if err := row.Scan(&g.JID, &g.Name, &g.Folder, &trigger, &cfg, &g.RequiresTrigger); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, faults.Wrap(faults.Database, err, "scan group")
	}
	g.TriggerPattern = trigger.String
	if cfg.Valid && cfg.String != "" {
		var cc store.GroupContainerConfig
		if err := json.Unmarshal([]byte(cfg.String), &cc); err != nil {
			return nil, faults.Wrap(faults.Database, err, "decode container config")
		}
		g.ContainerConfig = &cc
	}
	return &g, nil
}

func marshalContainerConfig(cc *store.GroupContainerConfig) (sql.NullString, error) {
	if cc == nil {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(cc)
	if err != nil {
		return sql.NullString{}, faults.Wrap(faults.Database, err, "encode container config")
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}
