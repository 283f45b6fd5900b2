// Package ingest runs the job-queue-driven mining pipeline: workers claim
// case_mine jobs, extract resolved exchanges from the channel buffer,
// normalize them into candidates, and hand survivors to deduplication.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/casemill/casemill/internal/buffer"
	"github.com/casemill/casemill/internal/mining"
	"github.com/casemill/casemill/internal/storage"
)

// JobStore abstracts the job queue and buffer operations.
type JobStore interface {
	ClaimNextJob(types []string, lease time.Duration) (*storage.Job, error)
	CompleteJob(id string) error
	FailJob(id string, errMsg string) error
	ReapExpiredLeases() (int, error)
	BufferMessages(channelID string) ([]storage.Message, error)
	TrimBuffer(channelID string, ids []string) (int, error)
}

// SpanExtractor finds candidate exchanges in a buffer.
type SpanExtractor interface {
	ExtractSpans(ctx context.Context, msgs []storage.Message) ([]buffer.Span, error)
}

// Normalizer structures a raw exchange into a candidate.
type Normalizer interface {
	Normalize(ctx context.Context, spanText string) (mining.Candidate, error)
}

// Upserter merges or inserts an admissible candidate.
type Upserter interface {
	Upsert(ctx context.Context, channelID string, cand mining.Candidate, evidenceIDs []string) (string, bool, error)
}

// Worker processes case_mine jobs from the SQLite job queue. Each job runs
// end to end on one worker; a slow capability call blocks only that worker.
type Worker struct {
	store      JobStore
	extractor  SpanExtractor
	normalizer Normalizer
	dedup      Upserter
	poll       time.Duration
	lease      time.Duration
	logger     *slog.Logger
}

// NewWorker creates a Worker with the given dependencies.
// If pollInterval is <= 0, it defaults to 500ms.
func NewWorker(store JobStore, extractor SpanExtractor, normalizer Normalizer, dedup Upserter, pollInterval, lease time.Duration) *Worker {
	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}
	return &Worker{
		store:      store,
		extractor:  extractor,
		normalizer: normalizer,
		dedup:      dedup,
		poll:       pollInterval,
		lease:      lease,
		logger:     slog.Default(),
	}
}

// Run polls for jobs until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		done, err := w.RunOnce(ctx)
		if err != nil {
			w.logger.Error("worker iteration failed", "error", err)
		}
		if done {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(w.poll):
		}
	}
}

// RunOnce claims and processes a single case_mine job.
// Returns true if a job was processed (regardless of success/failure).
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	job, err := w.store.ClaimNextJob([]string{storage.JobTypeCaseMine}, w.lease)
	if err != nil {
		return false, fmt.Errorf("claiming job: %w", err)
	}
	if job == nil {
		return false, nil
	}

	if err := w.processJob(ctx, job); err != nil {
		w.logger.Warn("job failed", "job_id", job.ID, "channel_id", job.ChannelID, "error", err)
		if failErr := w.store.FailJob(job.ID, err.Error()); failErr != nil {
			w.logger.Error("failed to mark job as failed", "job_id", job.ID, "error", failErr)
		}
		return true, nil
	}

	if err := w.store.CompleteJob(job.ID); err != nil {
		return true, fmt.Errorf("completing job %s: %w", job.ID, err)
	}
	return true, nil
}

type minePayload struct {
	ChannelID string `json:"channel_id"`
}

// processJob mines one channel buffer. Spans are processed oldest-first and
// each span is trimmed as soon as its candidate reached a verdict (kept,
// merged, or gate-discarded); a capability failure leaves the remaining spans
// buffered for the retry. Trimming a gate-discarded span is deliberate:
// re-extracting chatter forever would be the only alternative.
func (w *Worker) processJob(ctx context.Context, job *storage.Job) error {
	var payload minePayload
	if err := json.Unmarshal([]byte(job.PayloadJSON), &payload); err != nil {
		return fmt.Errorf("parsing payload: %w", err)
	}
	channelID := payload.ChannelID
	if channelID == "" {
		channelID = job.ChannelID
	}
	if channelID == "" {
		return fmt.Errorf("job %s has no channel id", job.ID)
	}

	msgs, err := w.store.BufferMessages(channelID)
	if err != nil {
		return fmt.Errorf("loading buffer for channel %s: %w", channelID, err)
	}
	if len(msgs) == 0 {
		return nil
	}

	spans, err := w.extractor.ExtractSpans(ctx, msgs)
	if err != nil {
		return fmt.Errorf("extracting spans: %w", err)
	}
	if len(spans) == 0 {
		w.logger.Debug("no resolvable spans, buffer keeps growing",
			"channel_id", channelID, "buffer_len", len(msgs))
		return nil
	}

	for _, span := range spans {
		cand, err := w.normalizer.Normalize(ctx, buffer.Text(msgs, span))
		if err != nil {
			return fmt.Errorf("normalizing span [%d,%d]: %w", span.Start, span.End, err)
		}

		ids := buffer.IDs(msgs, span)
		if cand.Admissible() {
			caseID, merged, err := w.dedup.Upsert(ctx, channelID, cand, ids)
			if err != nil {
				return fmt.Errorf("upserting candidate for span [%d,%d]: %w", span.Start, span.End, err)
			}
			w.logger.Info("mined case",
				"channel_id", channelID, "case_id", caseID, "merged", merged,
				"status", cand.Status, "span_len", span.Len())
		} else {
			w.logger.Debug("candidate discarded by quality gate",
				"channel_id", channelID, "keep", cand.Keep, "status", cand.Status)
		}

		if _, err := w.store.TrimBuffer(channelID, ids); err != nil {
			return fmt.Errorf("trimming span [%d,%d]: %w", span.Start, span.End, err)
		}
	}
	return nil
}

// Pool runs a small fixed set of workers plus the lease reaper.
type Pool struct {
	workers      []*Worker
	store        JobStore
	reapInterval time.Duration
	logger       *slog.Logger
}

// NewPool creates size identical workers sharing the same dependencies.
func NewPool(size int, store JobStore, extractor SpanExtractor, normalizer Normalizer, dedup Upserter, pollInterval, lease time.Duration) *Pool {
	if size <= 0 {
		size = 2
	}
	p := &Pool{
		store:        store,
		reapInterval: time.Minute,
		logger:       slog.Default(),
	}
	for i := 0; i < size; i++ {
		p.workers = append(p.workers, NewWorker(store, extractor, normalizer, dedup, pollInterval, lease))
	}
	return p
}

// Run starts all workers and the reaper, blocking until ctx is cancelled.
func (p *Pool) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, w := range p.workers {
		wg.Add(1)
		go func(w *Worker) {
			defer wg.Done()
			w.Run(ctx)
		}(w)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		p.reapLoop(ctx)
	}()

	wg.Wait()
}

// reapLoop periodically returns expired claims to the pending pool so a
// crashed worker's job is retried instead of sticking in running forever.
func (p *Pool) reapLoop(ctx context.Context) {
	ticker := time.NewTicker(p.reapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := p.store.ReapExpiredLeases()
			if err != nil {
				p.logger.Error("lease reaper failed", "error", err)
			} else if n > 0 {
				p.logger.Warn("reaped expired job leases", "count", n)
			}
		}
	}
}

// EnqueueMine inserts a case_mine job for the channel. Called by the
// ingestion entry point after appending messages. maxAttempts <= 0 leaves
// the store default in place.
func EnqueueMine(store interface{ EnqueueJob(storage.Job) error }, jobID, channelID string, maxAttempts int) error {
	payload, err := json.Marshal(minePayload{ChannelID: channelID})
	if err != nil {
		return err
	}
	return store.EnqueueJob(storage.Job{
		ID:          jobID,
		Type:        storage.JobTypeCaseMine,
		ChannelID:   channelID,
		PayloadJSON: string(payload),
		MaxAttempts: maxAttempts,
	})
}
