package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// ErrDuplicate is returned when inserting a record whose id already exists.
var ErrDuplicate = errors.New("duplicate id")

// Job statuses. A job is created pending, claimed into running, and ends
// completed, failed (terminal after max_attempts), or cancelled.
const (
	JobPending   = "pending"
	JobRunning   = "running"
	JobCompleted = "completed"
	JobFailed    = "failed"
	JobCancelled = "cancelled"
)

// JobTypeCaseMine is the job type that drives incremental buffer mining.
const JobTypeCaseMine = "case_mine"

type Job struct {
	ID          string
	Type        string
	ChannelID   string // empty for jobs with no per-channel ordering requirement
	PayloadJSON string
	Status      string
	Attempts    int
	MaxAttempts int
	RunAfter    time.Time
	LeaseUntil  time.Time // zero when not claimed
	CreatedAt   time.Time
	UpdatedAt   time.Time
	LastError   string
}

// Message is one raw chat message. Rows are append-only; the buffered flag
// marks messages still awaiting span extraction for their channel.
type Message struct {
	Seq         int64 // assigned by the database, defines buffer order
	ID          string
	ChannelID   string
	SenderHash  string
	Body        string
	Attachments string // JSON array of attachment refs stored as text
	ReplyTo     string
	Buffered    bool
	CreatedAt   time.Time
}

// Case statuses.
const (
	CaseOpen     = "open"
	CaseSolved   = "solved"
	CaseArchived = "archived"
)

// Case is a deduplicated knowledge item: one problem and, when solved, its
// solution. A solved case must carry a non-empty SolutionSummary; the quality
// gate enforces this before any row is written.
type Case struct {
	ID              string
	ChannelID       string
	Status          string
	Title           string
	ProblemSummary  string
	SolutionSummary string
	Tags            string // JSON array stored as text
	Embedding       []float32
	ClosedAt        time.Time // zero unless archived
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Solved reports whether the case is eligible to back an answer.
func (c Case) Solved() bool {
	return c.Status == CaseSolved && c.SolutionSummary != ""
}
