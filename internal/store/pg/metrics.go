package pg

import (
	"context"
	"time"

	"github.com/nanogridbot/ngb/internal/faults"
	"github.com/nanogridbot/ngb/internal/store"
)

// StartContainerMetric records the start of a container run and returns the
// metric id to close later.
func (s *Store) StartContainerMetric(ctx context.Context, groupFolder, sessionID string, startTime time.Time) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO container_metrics (group_folder, session_id, status, start_time)
		VALUES ($1, $2, $3, $4) RETURNING id`,
		groupFolder, sessionID, "running", ms(startTime)).Scan(&id)
	if err != nil {
		return 0, faults.Wrap(faults.Database, err, "start container metric")
	}
	return id, nil
}

// CloseContainerMetric finalizes a container metric with its outcome.
func (s *Store) CloseContainerMetric(ctx context.Context, id int64, status string, endTime time.Time, durationMS int64, errMsg string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE container_metrics SET status = $1, end_time = $2, duration_ms = $3, error = $4
		WHERE id = $5`,
		status, ms(endTime), durationMS, errMsg, id)
	return faults.Wrap(faults.Database, err, "close container metric")
}

// RecordRequestMetric records one processed queue item.
func (s *Store) RecordRequestMetric(ctx context.Context, m *store.RequestMetric) error {
	created := m.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO request_metrics (group_folder, chat_jid, kind, session_id, status, duration_ms, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		m.GroupFolder, m.ChatJID, m.Kind, m.SessionID, m.Status, m.DurationMS, ms(created))
	return faults.Wrap(faults.Database, err, "record request metric")
}
