package pg

import (
	"context"
	"database/sql"
	"errors"

	"github.com/nanogridbot/ngb/internal/faults"
	"github.com/nanogridbot/ngb/internal/store"
)

// CreateWorkspace inserts a workspace.
func (s *Store) CreateWorkspace(ctx context.Context, w *store.Workspace) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO workspaces (id, name, folder, created_at) VALUES ($1, $2, $3, $4)`,
		w.ID, w.Name, w.Folder, ms(w.CreatedAt))
	return faults.Wrap(faults.Database, err, "create workspace")
}

// GetWorkspace returns the workspace with id, or nil when absent.
func (s *Store) GetWorkspace(ctx context.Context, id string) (*store.Workspace, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, folder, created_at FROM workspaces WHERE id = $1`, id)
	return scanWorkspace(row)
}

// GetWorkspaceByFolder returns the workspace using folder, or nil when absent.
func (s *Store) GetWorkspaceByFolder(ctx context.Context, folder string) (*store.Workspace, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, folder, created_at FROM workspaces WHERE folder = $1`, folder)
	return scanWorkspace(row)
}

// ListWorkspaces returns all workspaces ordered by creation time.
func (s *Store) ListWorkspaces(ctx context.Context) ([]store.Workspace, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, folder, created_at FROM workspaces ORDER BY created_at ASC`)
	if err != nil {
		return nil, faults.Wrap(faults.Database, err, "query workspaces")
	}
	defer rows.Close()

	var out []store.Workspace
	for rows.Next() {
		var (
			w       store.Workspace
			created int64
		)
		if err := rows.Scan(&w.ID, &w.Name, &w.Folder, &created); err != nil {
			return nil, faults.Wrap(faults.Database, err, "scan workspace")
		}
		w.CreatedAt = fromMS(created)
		out = append(out, w)
	}
	return out, faults.Wrap(faults.Database, rows.Err(), "iterate workspaces")
}

// DeleteWorkspace removes a workspace and its tokens and bindings.
func (s *Store) DeleteWorkspace(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return faults.Wrap(faults.Database, err, "begin delete workspace")
	}
	defer tx.Rollback()

	for _, q := range []string{
		`DELETE FROM access_tokens WHERE workspace_id = $1`,
		`DELETE FROM channel_bindings WHERE workspace_id = $1`,
		`DELETE FROM workspaces WHERE id = $1`,
	} {
		if _, err := tx.ExecContext(ctx, q, id); err != nil {
			return faults.Wrap(faults.Database, err, "delete workspace")
		}
	}
	return faults.Wrap(faults.Database, tx.Commit(), "commit delete workspace")
}

// CreateToken inserts an access token for a workspace.
func (s *Store) CreateToken(ctx context.Context, t *store.AccessToken) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO access_tokens (token, workspace_id, used, created_at) VALUES ($1, $2, $3, $4)`,
		t.Token, t.WorkspaceID, t.Used, ms(t.CreatedAt))
	return faults.Wrap(faults.Database, err, "create token")
}

// ConsumeToken atomically marks a token used and returns it. Returns nil when
// the token is unknown or already used.
func (s *Store) ConsumeToken(ctx context.Context, token string) (*store.AccessToken, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE access_tokens SET used = TRUE
		WHERE token = $1 AND used = FALSE
		RETURNING token, workspace_id, used, created_at`, token)
	var (
		t       store.AccessToken
		created int64
	)
	if err := row.Scan(&t.Token, &t.WorkspaceID, &t.Used, &created); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, faults.Wrap(faults.Database, err, "consume token")
	}
	t.CreatedAt = fromMS(created)
	return &t, nil
}

// ListTokens returns tokens for a workspace, newest first.
func (s *Store) ListTokens(ctx context.Context, workspaceID string) ([]store.AccessToken, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT token, workspace_id, used, created_at FROM access_tokens
		WHERE workspace_id = $1 ORDER BY created_at DESC`, workspaceID)
	if err != nil {
		return nil, faults.Wrap(faults.Database, err, "query tokens")
	}
	defer rows.Close()

	var out []store.AccessToken
	for rows.Next() {
		var (
			t       store.AccessToken
			created int64
		)
		if err := rows.Scan(&t.Token, &t.WorkspaceID, &t.Used, &created); err != nil {
			return nil, faults.Wrap(faults.Database, err, "scan token")
		}
		t.CreatedAt = fromMS(created)
		out = append(out, t)
	}
	return out, faults.Wrap(faults.Database, rows.Err(), "iterate tokens")
}

// BindChannel records that a chat jid paired with a workspace. Rebinding an
// already bound jid replaces the previous binding.
func (s *Store) BindChannel(ctx context.Context, b *store.ChannelBinding) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO channel_bindings (channel_jid, workspace_id, created_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (channel_jid) DO UPDATE SET
			workspace_id = EXCLUDED.workspace_id, created_at = EXCLUDED.created_at`,
		b.ChannelJID, b.WorkspaceID, ms(b.CreatedAt))
	return faults.Wrap(faults.Database, err, "bind channel")
}

// ListBindings returns all channel bindings.
func (s *Store) ListBindings(ctx context.Context) ([]store.ChannelBinding, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT channel_jid, workspace_id, created_at FROM channel_bindings ORDER BY created_at ASC`)
	if err != nil {
		return nil, faults.Wrap(faults.Database, err, "query bindings")
	}
	defer rows.Close()

	var out []store.ChannelBinding
	for rows.Next() {
		var (
			b       store.ChannelBinding
			created int64
		)
		if err := rows.Scan(&b.ChannelJID, &b.WorkspaceID, &created); err != nil {
			return nil, faults.Wrap(faults.Database, err, "scan binding")
		}
		b.CreatedAt = fromMS(created)
		out = append(out, b)
	}
	return out, faults.Wrap(faults.Database, rows.Err(), "iterate bindings")
}

// DeleteBinding removes a channel binding.
func (s *Store) DeleteBinding(ctx context.Context, channelJID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM channel_bindings WHERE channel_jid = $1`, channelJID)
	return faults.Wrap(faults.Database, err, "delete binding")
}

func scanWorkspace(row *sql.Row) (*store.Workspace, error) {
	var (
		w       store.Workspace
		created int64
	)
	if err := row.Scan(&w.ID, &w.Name, &w.Folder, &created); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, faults.Wrap(faults.Database, err, "scan workspace")
	}
	w.CreatedAt = fromMS(created)
	return &w, nil
}
