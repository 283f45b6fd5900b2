// Package mining turns buffered chat messages into knowledge case candidates:
// span extraction finds resolved exchanges, normalization structures them, and
// the quality gate discards what must never reach retrieval.
package mining

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/casemill/casemill/internal/buffer"
	"github.com/casemill/casemill/internal/engine"
	"github.com/casemill/casemill/internal/storage"
)

const extractionTimeout = 60 * time.Second

// Extractor asks the span-extraction capability to find resolved support
// exchanges inside a channel buffer.
type Extractor struct {
	engine engine.Engine
	model  string
}

// NewExtractor creates an Extractor using the given engine and model name.
func NewExtractor(e engine.Engine, model string) *Extractor {
	return &Extractor{engine: e, model: model}
}

// spanResponse mirrors the structured extraction output.
type spanResponse struct {
	Spans []buffer.Span `json:"spans"`
}

// ExtractSpans runs the capability over the buffer's numbered transcript and
// returns validated index ranges. An empty buffer is a no-op. The capability
// must answer with message indices; responses with out-of-range or overlapping
// spans are rejected wholesale so the trim invariant stays provable.
// A transient failure is retried once with identical input before the error
// surfaces to the scheduler as a failed attempt.
func (e *Extractor) ExtractSpans(ctx context.Context, msgs []storage.Message) ([]buffer.Span, error) {
	if len(msgs) == 0 {
		return nil, nil
	}

	spans, err := e.extractOnce(ctx, msgs)
	if err != nil {
		slog.Warn("span extraction failed, retrying once", "error", err)
		spans, err = e.extractOnce(ctx, msgs)
	}
	if err != nil {
		return nil, err
	}
	return spans, nil
}

func (e *Extractor) extractOnce(ctx context.Context, msgs []storage.Message) ([]buffer.Span, error) {
	ctx, cancel := context.WithTimeout(ctx, extractionTimeout)
	defer cancel()

	messages := buildExtractionPrompt(buffer.Render(msgs))
	raw, err := e.engine.Chat(ctx, e.model, messages, spanSchema())
	if err != nil {
		return nil, fmt.Errorf("span extraction chat: %w", err)
	}

	var resp spanResponse
	if err := json.Unmarshal([]byte(raw), &resp); err != nil {
		return nil, fmt.Errorf("unmarshalling span response: %w", err)
	}
	if len(resp.Spans) == 0 {
		return nil, nil
	}

	if err := buffer.ValidateSpans(resp.Spans, len(msgs)); err != nil {
		return nil, fmt.Errorf("invalid extraction response: %w", err)
	}
	return resp.Spans, nil
}

// spanSchema returns the JSON schema for structured span output.
func spanSchema() *engine.Schema {
	return &engine.Schema{
		Type: "object",
		Properties: map[string]engine.SchemaProperty{
			"spans": {
				Type:        "array",
				Description: "Completed support exchanges found in the transcript; empty if none",
				Items: &engine.SchemaProperty{
					Type: "object",
					Properties: map[string]engine.SchemaProperty{
						"start_idx": {Type: "integer", Description: "Line number of the first message of the exchange"},
						"end_idx":   {Type: "integer", Description: "Line number of the last message of the exchange"},
					},
					Required: []string{"start_idx", "end_idx"},
				},
			},
		},
		Required: []string{"spans"},
	}
}
