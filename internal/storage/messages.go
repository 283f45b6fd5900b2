package storage

import (
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// AppendMessage appends a raw message to its channel's buffer and returns the
// database-assigned sequence number. Messages are immutable once stored; a
// message whose id is already present returns ErrDuplicate and leaves the
// stored row untouched.
func (s *Store) AppendMessage(m Message) (int64, error) {
	createdAt := m.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	attachments := m.Attachments
	if attachments == "" {
		attachments = "[]"
	}
	res, err := s.db.Exec(`
		INSERT OR IGNORE INTO messages (id, channel_id, sender_hash, body, attachments, reply_to, buffered, created_at)
		VALUES (?, ?, ?, ?, ?, ?, 1, ?)`,
		m.ID, m.ChannelID, m.SenderHash, m.Body, attachments, m.ReplyTo,
		createdAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return 0, fmt.Errorf("inserting message %s: %w", m.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, fmt.Errorf("message %s: %w", m.ID, ErrDuplicate)
	}
	return res.LastInsertId()
}

// BufferMessages returns the channel's messages still awaiting extraction, in
// append order. The slice position of each message is the index the span
// extractor sees; trimming preserves the relative order of survivors.
func (s *Store) BufferMessages(channelID string) ([]Message, error) {
	rows, err := s.db.Query(`
		SELECT seq, id, channel_id, sender_hash, body, attachments, reply_to, buffered, created_at
		FROM messages WHERE channel_id = ? AND buffered = 1 ORDER BY seq ASC`, channelID)
	if err != nil {
		return nil, fmt.Errorf("querying buffer for channel %s: %w", channelID, err)
	}
	defer rows.Close()
	return collectMessages(rows)
}

// TrimBuffer removes exactly the given message ids from the channel's buffer.
// This is a set difference on message identity, never a text match; messages
// outside the buffer (or another channel) are silently unaffected. Returns the
// number of messages removed.
func (s *Store) TrimBuffer(channelID string, ids []string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	args := make([]interface{}, 0, len(ids)+1)
	args = append(args, channelID)
	for _, id := range ids {
		args = append(args, id)
	}
	query := `UPDATE messages SET buffered = 0 WHERE channel_id = ? AND buffered = 1 AND id IN (?` +
		strings.Repeat(",?", len(ids)-1) + `)`
	res, err := s.db.Exec(query, args...)
	if err != nil {
		return 0, fmt.Errorf("trimming buffer for channel %s: %w", channelID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

// GetMessage returns a single message by id.
func (s *Store) GetMessage(id string) (Message, error) {
	row := s.db.QueryRow(`
		SELECT seq, id, channel_id, sender_hash, body, attachments, reply_to, buffered, created_at
		FROM messages WHERE id = ?`, id)
	m, err := scanMessage(row)
	if err == sql.ErrNoRows {
		return Message{}, ErrNotFound
	}
	return m, err
}

// GetMessagesByIDs returns the messages matching the given ids, in append order.
func (s *Store) GetMessagesByIDs(ids []string) ([]Message, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	query := `SELECT seq, id, channel_id, sender_hash, body, attachments, reply_to, buffered, created_at
		FROM messages WHERE id IN (?` + strings.Repeat(",?", len(ids)-1) + `) ORDER BY seq ASC`
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying messages by ids: %w", err)
	}
	defer rows.Close()
	return collectMessages(rows)
}

// RecentMessages returns the channel's newest messages regardless of buffered
// state, oldest first. Used as surrounding context for answer composition.
func (s *Store) RecentMessages(channelID string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.Query(`
		SELECT seq, id, channel_id, sender_hash, body, attachments, reply_to, buffered, created_at
		FROM (
			SELECT * FROM messages WHERE channel_id = ? ORDER BY seq DESC LIMIT ?
		) ORDER BY seq ASC`, channelID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying recent messages for channel %s: %w", channelID, err)
	}
	defer rows.Close()
	return collectMessages(rows)
}

func collectMessages(rows *sql.Rows) ([]Message, error) {
	var msgs []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

func scanMessage(row rowScanner) (Message, error) {
	var m Message
	var buffered int
	var createdAt string
	err := row.Scan(&m.Seq, &m.ID, &m.ChannelID, &m.SenderHash, &m.Body, &m.Attachments, &m.ReplyTo, &buffered, &createdAt)
	if err != nil {
		return Message{}, err
	}
	m.Buffered = buffered == 1
	if m.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return Message{}, fmt.Errorf("parsing created_at for message %s: %w", m.ID, err)
	}
	return m, nil
}
