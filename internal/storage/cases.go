package storage

import (
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// InsertCase persists a new case. A solved case with an empty solution summary
// is rejected here as a final backstop; the quality gate should have discarded
// it long before this point.
func (s *Store) InsertCase(c Case) error {
	if c.Status == CaseSolved && c.SolutionSummary == "" {
		return fmt.Errorf("case %s: solved without solution summary", c.ID)
	}
	now := time.Now().UTC()
	createdAt := c.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}
	tags := c.Tags
	if tags == "" {
		tags = "[]"
	}
	_, err := s.db.Exec(`
		INSERT INTO cases (id, channel_id, status, title, problem_summary, solution_summary, tags, embedding, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.ChannelID, c.Status, c.Title, c.ProblemSummary, c.SolutionSummary, tags,
		EncodeVector(c.Embedding), createdAt.Format(time.RFC3339), now.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("inserting case %s: %w", c.ID, err)
	}
	return nil
}

// UpdateCase rewrites a case's mutable fields: status, summaries, tags, and
// embedding. Identity fields (id, channel_id, created_at) never change. The
// merge algorithm in the dedup package computes the new field values; this
// method only persists them.
func (s *Store) UpdateCase(c Case) error {
	if c.Status == CaseSolved && c.SolutionSummary == "" {
		return fmt.Errorf("case %s: solved without solution summary", c.ID)
	}
	now := time.Now().UTC().Format(time.RFC3339)
	res, err := s.db.Exec(`
		UPDATE cases SET status = ?, title = ?, problem_summary = ?, solution_summary = ?, tags = ?, embedding = ?, updated_at = ?
		WHERE id = ?`,
		c.Status, c.Title, c.ProblemSummary, c.SolutionSummary, c.Tags,
		EncodeVector(c.Embedding), now, c.ID,
	)
	if err != nil {
		return fmt.Errorf("updating case %s: %w", c.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ArchiveCase marks a case superseded. Archived cases are excluded from
// similarity search and retrieval but keep their evidence links.
func (s *Store) ArchiveCase(id string) error {
	now := time.Now().UTC().Format(time.RFC3339)
	res, err := s.db.Exec(`UPDATE cases SET status = 'archived', closed_at = ?, updated_at = ? WHERE id = ? AND status != 'archived'`,
		now, now, id)
	if err != nil {
		return fmt.Errorf("archiving case %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetCase returns a single case by id, including its embedding.
func (s *Store) GetCase(id string) (Case, error) {
	row := s.db.QueryRow(`
		SELECT id, channel_id, status, title, problem_summary, solution_summary, tags, embedding, closed_at, created_at, updated_at
		FROM cases WHERE id = ?`, id)
	c, err := scanCase(row)
	if err == sql.ErrNoRows {
		return Case{}, ErrNotFound
	}
	return c, err
}

// GetCasesByIDs returns the cases matching the given ids.
func (s *Store) GetCasesByIDs(ids []string) ([]Case, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	query := `SELECT id, channel_id, status, title, problem_summary, solution_summary, tags, embedding, closed_at, created_at, updated_at
		FROM cases WHERE id IN (?` + strings.Repeat(",?", len(ids)-1) + `)`
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying cases by ids: %w", err)
	}
	defer rows.Close()
	return collectCases(rows)
}

// ListCases returns cases, optionally filtered by channel, newest first.
func (s *Store) ListCases(channelID string, limit int) ([]Case, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT id, channel_id, status, title, problem_summary, solution_summary, tags, embedding, closed_at, created_at, updated_at
		FROM cases`
	args := []interface{}{}
	if channelID != "" {
		query += ` WHERE channel_id = ?`
		args = append(args, channelID)
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectCases(rows)
}

// AddEvidence links raw message ids to a case. The link table's primary key
// makes repeated insertion of the same evidence a no-op, which is what keeps
// merge idempotent under re-application.
func (s *Store) AddEvidence(caseID string, messageIDs []string) error {
	if len(messageIDs) == 0 {
		return nil
	}
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning evidence transaction: %w", err)
	}
	stmt, err := tx.Prepare(`INSERT OR IGNORE INTO case_evidence (case_id, message_id) VALUES (?, ?)`)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("preparing evidence insert: %w", err)
	}
	defer stmt.Close()

	for _, mid := range messageIDs {
		if _, err := stmt.Exec(caseID, mid); err != nil {
			tx.Rollback()
			return fmt.Errorf("linking evidence %s -> %s: %w", mid, caseID, err)
		}
	}
	return tx.Commit()
}

// ListEvidence returns the message ids substantiating a case, in link order.
func (s *Store) ListEvidence(caseID string) ([]string, error) {
	rows, err := s.db.Query(`SELECT message_id FROM case_evidence WHERE case_id = ? ORDER BY rowid ASC`, caseID)
	if err != nil {
		return nil, fmt.Errorf("querying evidence for case %s: %w", caseID, err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// CasesByEvidenceMessage returns the ids of cases substantiated by the given
// raw message. Supports evidence-based lookups from administrative tooling.
func (s *Store) CasesByEvidenceMessage(messageID string) ([]string, error) {
	rows, err := s.db.Query(`SELECT case_id FROM case_evidence WHERE message_id = ? ORDER BY rowid ASC`, messageID)
	if err != nil {
		return nil, fmt.Errorf("querying cases for message %s: %w", messageID, err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func collectCases(rows *sql.Rows) ([]Case, error) {
	var cases []Case
	for rows.Next() {
		c, err := scanCase(rows)
		if err != nil {
			return nil, err
		}
		cases = append(cases, c)
	}
	return cases, rows.Err()
}

func scanCase(row rowScanner) (Case, error) {
	var c Case
	var blob []byte
	var closedAt sql.NullString
	var createdAt, updatedAt string
	err := row.Scan(&c.ID, &c.ChannelID, &c.Status, &c.Title, &c.ProblemSummary, &c.SolutionSummary,
		&c.Tags, &blob, &closedAt, &createdAt, &updatedAt)
	if err != nil {
		return Case{}, err
	}
	if c.Embedding, err = DecodeVector(blob); err != nil {
		return Case{}, fmt.Errorf("decoding embedding for case %s: %w", c.ID, err)
	}
	if closedAt.Valid && closedAt.String != "" {
		if c.ClosedAt, err = time.Parse(time.RFC3339, closedAt.String); err != nil {
			return Case{}, fmt.Errorf("parsing closed_at for case %s: %w", c.ID, err)
		}
	}
	if c.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return Case{}, fmt.Errorf("parsing created_at for case %s: %w", c.ID, err)
	}
	if c.UpdatedAt, err = time.Parse(time.RFC3339, updatedAt); err != nil {
		return Case{}, fmt.Errorf("parsing updated_at for case %s: %w", c.ID, err)
	}
	return c, nil
}
