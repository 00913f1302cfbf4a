package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/nanogridbot/ngb/internal/faults"
	"github.com/nanogridbot/ngb/internal/store"
)

// SaveMessage upserts a message by id.
func (s *Store) SaveMessage(ctx context.Context, m *store.Message) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO messages (id, chat_jid, sender, sender_name, content, timestamp, is_from_me, role)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.ChatJID, m.Sender, nullStr(m.SenderName), m.Content, ms(m.Timestamp), m.IsFromMe, m.Role)
	return faults.Wrap(faults.Database, err, "save message")
}

// MessagesSince returns messages newer than since (strict), ascending.
func (s *Store) MessagesSince(ctx context.Context, since time.Time) ([]store.Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, chat_jid, sender, sender_name, content, timestamp, is_from_me, role
		FROM messages WHERE timestamp > ? ORDER BY timestamp ASC`, ms(since))
	if err != nil {
		return nil, faults.Wrap(faults.Database, err, "query messages since")
	}
	defer rows.Close()
	return scanMessages(rows)
}

// RecentMessages returns the newest limit messages of a chat, oldest first.
func (s *Store) RecentMessages(ctx context.Context, chatJID string, limit int) ([]store.Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, chat_jid, sender, sender_name, content, timestamp, is_from_me, role
		FROM (
			SELECT * FROM messages WHERE chat_jid = ? ORDER BY timestamp DESC LIMIT ?
		) ORDER BY timestamp ASC`, chatJID, limit)
	if err != nil {
		return nil, faults.Wrap(faults.Database, err, "query recent messages")
	}
	defer rows.Close()
	return scanMessages(rows)
}

// PurgeMessagesBefore deletes messages older than cutoff.
func (s *Store) PurgeMessagesBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE timestamp < ?`, ms(cutoff))
	if err != nil {
		return 0, faults.Wrap(faults.Database, err, "purge messages")
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func scanMessages(rows *sql.Rows) ([]store.Message, error) {
	var out []store.Message
	for rows.Next() {
		var (
			m          store.Message
			ts         int64
			senderName sql.NullString
		)
		if err := rows.Scan(&m.ID, &m.ChatJID, &m.Sender, &senderName, &m.Content, &ts, &m.IsFromMe, &m.Role); err != nil {
			return nil, faults.Wrap(faults.Database, err, "scan message")
		}
		m.Timestamp = fromMS(ts)
		m.SenderName = senderName.String
		out = append(out, m)
	}
	return out, faults.Wrap(faults.Database, rows.Err(), "iterate messages")
}

func nullStr(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
