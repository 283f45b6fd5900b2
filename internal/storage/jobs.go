package storage

import (
	"database/sql"
	"fmt"
	"math"
	"strings"
	"time"
)

// DefaultClaimLease is how long a claimed job stays invisible to other
// claimers before the reaper may return it to the pending pool.
const DefaultClaimLease = 5 * time.Minute

// EnqueueJob inserts a pending job. Identical payloads are not deduplicated;
// the mining pipeline tolerates redundant wake-ups because an empty buffer
// extraction is a no-op.
func (s *Store) EnqueueJob(job Job) error {
	now := time.Now().UTC().Format(time.RFC3339)
	runAfter := now
	if !job.RunAfter.IsZero() {
		runAfter = job.RunAfter.UTC().Format(time.RFC3339)
	}
	maxAttempts := job.MaxAttempts
	if maxAttempts == 0 {
		maxAttempts = 3
	}
	_, err := s.db.Exec(`
		INSERT INTO jobs (id, type, channel_id, payload_json, status, attempts, max_attempts, run_after, created_at, updated_at)
		VALUES (?, ?, ?, ?, 'pending', 0, ?, ?, ?, ?)`,
		job.ID, job.Type, job.ChannelID, job.PayloadJSON, maxAttempts, runAfter, now, now,
	)
	return err
}

// ClaimNextJob atomically claims the oldest eligible pending job of an allowed
// type, transitions it to running, and stamps a lease. Returns nil when
// nothing is eligible.
//
// A pending job is skipped while another job for the same channel is running:
// buffer extraction and trim for one channel must never run concurrently.
// Jobs with an empty channel_id carry no such ordering requirement.
func (s *Store) ClaimNextJob(types []string, lease time.Duration) (*Job, error) {
	if len(types) == 0 {
		return nil, nil
	}
	if lease <= 0 {
		lease = DefaultClaimLease
	}

	now := time.Now().UTC()
	nowStr := now.Format(time.RFC3339)
	placeholders := strings.Repeat(",?", len(types)-1)
	query := `SELECT id, type, channel_id, payload_json, status, attempts, max_attempts, run_after, created_at, updated_at, last_error
		FROM jobs
		WHERE status = 'pending' AND run_after <= ? AND type IN (?` + placeholders + `)
		AND (channel_id = '' OR channel_id NOT IN (SELECT channel_id FROM jobs WHERE status = 'running'))
		ORDER BY run_after ASC, created_at ASC
		LIMIT 1`

	args := make([]interface{}, 0, len(types)+1)
	args = append(args, nowStr)
	for _, t := range types {
		args = append(args, t)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("beginning claim transaction: %w", err)
	}

	var j Job
	var runAfter, createdAt, updatedAt string
	var lastError sql.NullString
	err = tx.QueryRow(query, args...).Scan(
		&j.ID, &j.Type, &j.ChannelID, &j.PayloadJSON, &j.Status, &j.Attempts, &j.MaxAttempts,
		&runAfter, &createdAt, &updatedAt, &lastError,
	)
	if err == sql.ErrNoRows {
		tx.Rollback()
		return nil, nil
	}
	if err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("selecting next job: %w", err)
	}

	leaseUntil := now.Add(lease)
	res, err := tx.Exec(`UPDATE jobs SET status = 'running', lease_until = ?, updated_at = ? WHERE id = ? AND status = 'pending'`,
		leaseUntil.Format(time.RFC3339), nowStr, j.ID)
	if err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("updating job status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("checking updated job rows: %w", err)
	}
	if n != 1 {
		tx.Rollback()
		return nil, nil
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing claim: %w", err)
	}

	j.Status = JobRunning
	j.LeaseUntil = leaseUntil
	j.LastError = lastError.String
	if j.RunAfter, err = time.Parse(time.RFC3339, runAfter); err != nil {
		return nil, fmt.Errorf("parsing run_after for job %s: %w", j.ID, err)
	}
	if j.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at for job %s: %w", j.ID, err)
	}
	j.UpdatedAt = now
	return &j, nil
}

// CompleteJob transitions a job to completed.
func (s *Store) CompleteJob(id string) error {
	now := time.Now().UTC().Format(time.RFC3339)
	res, err := s.db.Exec(`UPDATE jobs SET status = 'completed', lease_until = NULL, updated_at = ? WHERE id = ?`, now, id)
	if err != nil {
		return err
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

// FailJob records a failed attempt. The job returns to pending with
// exponential backoff until max_attempts is reached, then fails terminally.
func (s *Store) FailJob(id string, errMsg string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning fail transaction: %w", err)
	}
	defer tx.Rollback()

	var attempts, maxAttempts int
	err = tx.QueryRow(`SELECT attempts, max_attempts FROM jobs WHERE id = ?`, id).Scan(&attempts, &maxAttempts)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	attempts++

	if attempts >= maxAttempts {
		_, err = tx.Exec(`UPDATE jobs SET status = 'failed', attempts = ?, last_error = ?, lease_until = NULL, updated_at = ? WHERE id = ?`,
			attempts, errMsg, now.Format(time.RFC3339), id)
	} else {
		backoff := time.Duration(math.Pow(2, float64(attempts))) * time.Second
		runAfter := now.Add(backoff)
		_, err = tx.Exec(`UPDATE jobs SET status = 'pending', attempts = ?, last_error = ?, run_after = ?, lease_until = NULL, updated_at = ? WHERE id = ?`,
			attempts, errMsg, runAfter.Format(time.RFC3339), now.Format(time.RFC3339), id)
	}

	if err != nil {
		return err
	}

	return tx.Commit()
}

// CancelJob transitions a pending job to cancelled. Running jobs cannot be
// cancelled; they complete, retry, or fail on their own.
func (s *Store) CancelJob(id string) error {
	now := time.Now().UTC().Format(time.RFC3339)
	res, err := s.db.Exec(`UPDATE jobs SET status = 'cancelled', updated_at = ? WHERE id = ? AND status = 'pending'`, now, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}

	var status string
	err = s.db.QueryRow(`SELECT status FROM jobs WHERE id = ?`, id).Scan(&status)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return fmt.Errorf("job %s is %s, only pending jobs can be cancelled", id, status)
}

// ReapExpiredLeases returns running jobs whose claim lease has expired to the
// pending pool, counting the reap as a failed attempt. The source system this
// replaces left crashed jobs running forever; the lease bounds that window.
func (s *Store) ReapExpiredLeases() (int, error) {
	now := time.Now().UTC()
	rows, err := s.db.Query(`SELECT id FROM jobs WHERE status = 'running' AND lease_until IS NOT NULL AND lease_until <= ?`,
		now.Format(time.RFC3339))
	if err != nil {
		return 0, fmt.Errorf("querying expired leases: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return 0, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return 0, err
	}

	reaped := 0
	for _, id := range ids {
		// Reaping goes through the normal retry accounting so a job that
		// keeps crashing its worker still terminates at max_attempts.
		if err := s.FailJob(id, "claim lease expired"); err != nil {
			return reaped, fmt.Errorf("reaping job %s: %w", id, err)
		}
		reaped++
	}
	return reaped, nil
}

// GetJob returns a single job by id.
func (s *Store) GetJob(id string) (Job, error) {
	row := s.db.QueryRow(`
		SELECT id, type, channel_id, payload_json, status, attempts, max_attempts, run_after, lease_until, created_at, updated_at, last_error
		FROM jobs WHERE id = ?`, id)
	j, err := scanJob(row)
	if err == sql.ErrNoRows {
		return Job{}, ErrNotFound
	}
	return j, err
}

// ListJobs returns jobs filtered by status (all statuses when empty), newest first.
func (s *Store) ListJobs(status string, limit int) ([]Job, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT id, type, channel_id, payload_json, status, attempts, max_attempts, run_after, lease_until, created_at, updated_at, last_error
		FROM jobs`
	args := []interface{}{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(row rowScanner) (Job, error) {
	var j Job
	var runAfter, createdAt, updatedAt string
	var leaseUntil, lastError sql.NullString
	err := row.Scan(&j.ID, &j.Type, &j.ChannelID, &j.PayloadJSON, &j.Status, &j.Attempts, &j.MaxAttempts,
		&runAfter, &leaseUntil, &createdAt, &updatedAt, &lastError)
	if err != nil {
		return Job{}, err
	}
	j.LastError = lastError.String
	if j.RunAfter, err = time.Parse(time.RFC3339, runAfter); err != nil {
		return Job{}, fmt.Errorf("parsing run_after for job %s: %w", j.ID, err)
	}
	if leaseUntil.Valid && leaseUntil.String != "" {
		if j.LeaseUntil, err = time.Parse(time.RFC3339, leaseUntil.String); err != nil {
			return Job{}, fmt.Errorf("parsing lease_until for job %s: %w", j.ID, err)
		}
	}
	if j.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return Job{}, fmt.Errorf("parsing created_at for job %s: %w", j.ID, err)
	}
	if j.UpdatedAt, err = time.Parse(time.RFC3339, updatedAt); err != nil {
		return Job{}, fmt.Errorf("parsing updated_at for job %s: %w", j.ID, err)
	}
	return j, nil
}
