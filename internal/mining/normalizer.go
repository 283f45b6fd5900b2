package mining

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/casemill/casemill/internal/engine"
	"github.com/casemill/casemill/internal/storage"
)

const normalizationTimeout = 60 * time.Second

// Candidate is the structured output of case normalization, before the
// quality gate and deduplication.
type Candidate struct {
	Keep            bool     `json:"keep"`
	Status          string   `json:"status"`
	Title           string   `json:"title"`
	ProblemSummary  string   `json:"problem_summary"`
	SolutionSummary string   `json:"solution_summary"`
	Tags            []string `json:"tags"`
}

// Admissible applies the quality gate: only kept candidates proceed, and a
// "solved" candidate without a solution summary is discarded outright so an
// unsupported case cannot leak into trust-gated retrieval.
func (c Candidate) Admissible() bool {
	if !c.Keep {
		return false
	}
	if c.Status == storage.CaseSolved && c.SolutionSummary == "" {
		return false
	}
	return true
}

// Normalizer asks the case-normalization capability to turn a raw exchange
// into a structured candidate.
type Normalizer struct {
	engine engine.Engine
	model  string
}

// NewNormalizer creates a Normalizer using the given engine and model name.
func NewNormalizer(e engine.Engine, model string) *Normalizer {
	return &Normalizer{engine: e, model: model}
}

// Normalize runs the capability over the span text. A transient failure
// (engine error, malformed JSON) is retried once with identical input before
// the error surfaces to the scheduler as a failed attempt.
func (n *Normalizer) Normalize(ctx context.Context, spanText string) (Candidate, error) {
	cand, err := n.normalizeOnce(ctx, spanText)
	if err != nil {
		slog.Warn("case normalization failed, retrying once", "error", err)
		cand, err = n.normalizeOnce(ctx, spanText)
	}
	if err != nil {
		return Candidate{}, err
	}
	return cand, nil
}

func (n *Normalizer) normalizeOnce(ctx context.Context, spanText string) (Candidate, error) {
	ctx, cancel := context.WithTimeout(ctx, normalizationTimeout)
	defer cancel()

	raw, err := n.engine.Chat(ctx, n.model, buildNormalizationPrompt(spanText), candidateSchema())
	if err != nil {
		return Candidate{}, fmt.Errorf("normalization chat: %w", err)
	}

	var cand Candidate
	if err := json.Unmarshal([]byte(raw), &cand); err != nil {
		return Candidate{}, fmt.Errorf("unmarshalling candidate: %w", err)
	}

	switch cand.Status {
	case storage.CaseOpen, storage.CaseSolved:
	case "":
		cand.Status = storage.CaseOpen
	default:
		return Candidate{}, fmt.Errorf("normalization returned unknown status %q", cand.Status)
	}
	return cand, nil
}

// candidateSchema returns the JSON schema for structured candidate output.
func candidateSchema() *engine.Schema {
	return &engine.Schema{
		Type: "object",
		Properties: map[string]engine.SchemaProperty{
			"keep":             {Type: "boolean", Description: "False if the exchange is not a support case worth keeping"},
			"status":           {Type: "string", Description: `"solved" if the exchange contains a working solution, else "open"`},
			"title":            {Type: "string", Description: "Short title naming the problem"},
			"problem_summary":  {Type: "string", Description: "One-paragraph description of the problem"},
			"solution_summary": {Type: "string", Description: "The solution that worked; empty if none was reached"},
			"tags":             {Type: "array", Description: "Semantic topic tags for search", Items: &engine.SchemaProperty{Type: "string"}},
		},
		Required: []string{"keep", "status", "title", "problem_summary", "solution_summary", "tags"},
	}
}
