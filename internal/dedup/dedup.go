// Package dedup keeps the knowledge base canonical: each incoming candidate is
// embedded, compared against the channel's existing cases, and either merged
// into a near-duplicate or inserted as a new case.
package dedup

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/casemill/casemill/internal/mining"
	"github.com/casemill/casemill/internal/retrieval"
	"github.com/casemill/casemill/internal/storage"
)

// DefaultThreshold is the cosine similarity above which a candidate is
// considered the same problem as an existing case.
const DefaultThreshold float32 = 0.85

// Embedder generates embeddings for candidate text.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Searcher finds a channel's nearest existing cases.
type Searcher interface {
	Search(channelID string, vector []float32, topK int) ([]retrieval.ScoredCase, error)
}

// CaseStore is the slice of storage the deduplicator needs.
type CaseStore interface {
	InsertCase(c storage.Case) error
	GetCase(id string) (storage.Case, error)
	UpdateCase(c storage.Case) error
	AddEvidence(caseID string, messageIDs []string) error
}

// Config controls matching behavior. ChannelThresholds overrides the global
// similarity threshold for individual channels.
type Config struct {
	Threshold         float32
	ChannelThresholds map[string]float32
}

func (c Config) thresholdFor(channelID string) float32 {
	if t, ok := c.ChannelThresholds[channelID]; ok {
		return t
	}
	if c.Threshold > 0 {
		return c.Threshold
	}
	return DefaultThreshold
}

// Deduplicator merges near-duplicate candidates into existing cases.
type Deduplicator struct {
	store    CaseStore
	embedder Embedder
	searcher Searcher
	cfg      Config
}

// New creates a Deduplicator with the given dependencies.
func New(store CaseStore, embedder Embedder, searcher Searcher, cfg Config) *Deduplicator {
	return &Deduplicator{store: store, embedder: embedder, searcher: searcher, cfg: cfg}
}

// embedText is the canonical text a case is embedded from: the merge recomputes
// the vector from the same fields so stored embeddings never drift from it.
func embedText(title, problemSummary string) string {
	return title + "\n" + problemSummary
}

// embed calls the embedding capability, retrying a transient failure once
// with identical input before the error surfaces to the scheduler as a
// failed attempt.
func (d *Deduplicator) embed(ctx context.Context, text string) ([]float32, error) {
	vec, err := d.embedder.Embed(ctx, text)
	if err != nil {
		slog.Warn("candidate embedding failed, retrying once", "error", err)
		vec, err = d.embedder.Embed(ctx, text)
	}
	return vec, err
}

// Upsert embeds the candidate, searches its channel for a near-duplicate, and
// merges into the match or inserts a new case. Matching never crosses
// channels. Returns the case id and whether it was a merge.
//
// Applying the same candidate with the same evidence twice leaves the case
// unchanged on the second application: evidence links dedupe on insert, tag
// union is order-stable, and status only upgrades.
func (d *Deduplicator) Upsert(ctx context.Context, channelID string, cand mining.Candidate, evidenceIDs []string) (string, bool, error) {
	vec, err := d.embed(ctx, embedText(cand.Title, cand.ProblemSummary))
	if err != nil {
		return "", false, fmt.Errorf("embedding candidate: %w", err)
	}

	threshold := d.cfg.thresholdFor(channelID)
	matches, err := d.searcher.Search(channelID, vec, 1)
	if err != nil {
		return "", false, fmt.Errorf("searching for duplicates: %w", err)
	}

	if len(matches) > 0 && matches[0].Score >= threshold {
		target := matches[0]
		if err := d.merge(ctx, target.ID, cand, evidenceIDs); err != nil {
			return "", false, err
		}
		slog.Debug("merged candidate into existing case",
			"case_id", target.ID, "channel_id", channelID, "score", target.Score)
		return target.ID, true, nil
	}

	tags, err := json.Marshal(normalizeTags(cand.Tags))
	if err != nil {
		return "", false, fmt.Errorf("marshalling tags: %w", err)
	}
	c := storage.Case{
		ID:              uuid.New().String(),
		ChannelID:       channelID,
		Status:          cand.Status,
		Title:           cand.Title,
		ProblemSummary:  cand.ProblemSummary,
		SolutionSummary: cand.SolutionSummary,
		Tags:            string(tags),
		Embedding:       vec,
	}
	if err := d.store.InsertCase(c); err != nil {
		return "", false, err
	}
	if err := d.store.AddEvidence(c.ID, evidenceIDs); err != nil {
		return "", false, fmt.Errorf("linking evidence: %w", err)
	}
	slog.Debug("inserted new case", "case_id", c.ID, "channel_id", channelID, "status", c.Status)
	return c.ID, false, nil
}

// merge folds a candidate into an existing case: tags and evidence grow by
// union, status upgrades open -> solved and never downgrades, and the solution
// summary is overwritten only by a non-empty value. The embedding is recomputed
// from the merged canonical text.
func (d *Deduplicator) merge(ctx context.Context, caseID string, cand mining.Candidate, evidenceIDs []string) error {
	target, err := d.store.GetCase(caseID)
	if err != nil {
		return fmt.Errorf("loading merge target %s: %w", caseID, err)
	}

	if target.Status == storage.CaseOpen && cand.Status == storage.CaseSolved {
		target.Status = storage.CaseSolved
	}
	if cand.SolutionSummary != "" {
		target.SolutionSummary = cand.SolutionSummary
	}

	merged, err := unionTags(target.Tags, cand.Tags)
	if err != nil {
		return fmt.Errorf("merging tags for case %s: %w", caseID, err)
	}
	target.Tags = merged

	vec, err := d.embed(ctx, embedText(target.Title, target.ProblemSummary))
	if err != nil {
		return fmt.Errorf("re-embedding merged case %s: %w", caseID, err)
	}
	target.Embedding = vec

	if err := d.store.AddEvidence(caseID, evidenceIDs); err != nil {
		return fmt.Errorf("linking evidence: %w", err)
	}
	return d.store.UpdateCase(target)
}

// unionTags unions a stored JSON tag array with new tags, keeping the stored
// order and appending unseen tags in their given order. Stable under
// re-application of the same tag set.
func unionTags(storedJSON string, newTags []string) (string, error) {
	var stored []string
	if storedJSON != "" {
		if err := json.Unmarshal([]byte(storedJSON), &stored); err != nil {
			return "", fmt.Errorf("parsing stored tags: %w", err)
		}
	}

	seen := make(map[string]bool, len(stored))
	for _, t := range stored {
		seen[t] = true
	}
	for _, t := range normalizeTags(newTags) {
		if !seen[t] {
			stored = append(stored, t)
			seen[t] = true
		}
	}

	out, err := json.Marshal(stored)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// normalizeTags drops empty tags and in-slice duplicates, preserving order.
func normalizeTags(tags []string) []string {
	out := make([]string, 0, len(tags))
	seen := make(map[string]bool, len(tags))
	for _, t := range tags {
		if t == "" || seen[t] {
			continue
		}
		out = append(out, t)
		seen[t] = true
	}
	return out
}
