package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/nanogridbot/ngb/internal/faults"
)

// GetSession returns the stored session id for a workspace folder, or ""
// when none has been recorded yet.
func (s *Store) GetSession(ctx context.Context, groupFolder string) (string, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT session_id FROM sessions WHERE group_folder = $1`, groupFolder)
	var id string
	if err := row.Scan(&id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", faults.Wrap(faults.Database, err, "get session")
	}
	return id, nil
}

// SetSession stores the latest session id for a workspace folder.
func (s *Store) SetSession(ctx context.Context, groupFolder, sessionID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (group_folder, session_id, updated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (group_folder) DO UPDATE SET
			session_id = EXCLUDED.session_id, updated_at = EXCLUDED.updated_at`,
		groupFolder, sessionID, ms(time.Now()))
	return faults.Wrap(faults.Database, err, "set session")
}
