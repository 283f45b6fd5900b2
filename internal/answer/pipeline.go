// Package answer implements the trust-gated question pipeline: a cheap
// consider filter, channel-scoped retrieval, the solved-evidence trust gate,
// and response composition with a forced citation.
package answer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/casemill/casemill/internal/engine"
	"github.com/casemill/casemill/internal/retrieval"
	"github.com/casemill/casemill/internal/storage"
)

const (
	considerTimeout = 10 * time.Second
	respondTimeout  = 60 * time.Second

	// DefaultTopK is how many nearest cases retrieval fetches before the
	// trust gate filters them.
	DefaultTopK = 5

	excerptLimit = 240
)

// Question is one incoming message to potentially answer.
type Question struct {
	ChannelID string
	Text      string
	Context   []storage.Message // surrounding conversation, oldest first
	Addressed bool              // message explicitly addresses the bot; skips the consider stage
}

// Reply is a composed answer backed by a solved case. A nil *Reply anywhere
// in this package means silence.
type Reply struct {
	Text   string
	CaseID string
}

// Embedder generates the query embedding.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Searcher retrieves the channel's nearest cases.
type Searcher interface {
	Search(channelID string, vector []float32, topK int) ([]retrieval.ScoredCase, error)
}

// Pipeline runs the per-question state machine. Every internal failure
// degrades to silence: the pipeline never fabricates an answer and never
// surfaces an error into the channel.
type Pipeline struct {
	engine    engine.Engine
	fastModel string
	deepModel string
	embedder  Embedder
	searcher  Searcher
	topK      int
	logger    *slog.Logger
}

// NewPipeline creates an answer Pipeline. fastModel handles the consider
// filter, deepModel composes responses. topK defaults to DefaultTopK if <= 0.
func NewPipeline(e engine.Engine, fastModel, deepModel string, embedder Embedder, searcher Searcher, topK int) *Pipeline {
	if topK <= 0 {
		topK = DefaultTopK
	}
	return &Pipeline{
		engine:    e,
		fastModel: fastModel,
		deepModel: deepModel,
		embedder:  embedder,
		searcher:  searcher,
		topK:      topK,
		logger:    slog.Default(),
	}
}

// Answer runs the full pipeline for one question. It returns nil for silence:
// filtered out, no solved evidence, composition declined, or any internal
// error. The trust gate is absolute: without a solved case carrying a
// solution there is no answer, ever.
func (p *Pipeline) Answer(ctx context.Context, q Question) *Reply {
	if strings.TrimSpace(q.Text) == "" {
		return nil
	}

	// Stage 1: cheap filter, bypassed when the bot is addressed directly.
	if !q.Addressed && !p.consider(ctx, q) {
		return nil
	}

	// Retrieve top-K nearest cases in the question's channel.
	vec, err := p.embedder.Embed(ctx, q.Text)
	if err != nil {
		p.logger.Warn("answer: embedding question failed, staying silent", "error", err)
		return nil
	}
	scored, err := p.searcher.Search(q.ChannelID, vec, p.topK)
	if err != nil {
		p.logger.Warn("answer: case search failed, staying silent", "error", err)
		return nil
	}

	// Trust gate: at most one solved case with a non-empty solution. The
	// results are ordered best-first, so the first solved hit wins.
	var evidence *retrieval.ScoredCase
	for i := range scored {
		if scored[i].Solved() {
			evidence = &scored[i]
			break
		}
	}
	if evidence == nil {
		p.logger.Debug("answer: no solved evidence, staying silent",
			"channel_id", q.ChannelID, "retrieved", len(scored))
		return nil
	}

	// Stage 2: compose or decline.
	reply := p.respond(ctx, q, evidence)
	if reply == nil {
		return nil
	}

	// The citation is part of the contract: if the composed text omits it,
	// force-append it with a quoted excerpt of the solution.
	if !cites(reply, evidence.ID) {
		reply.Text = fmt.Sprintf("%s\n\n[case %s] \"%s\"", reply.Text, evidence.ID, excerpt(evidence.SolutionSummary))
	}
	reply.CaseID = evidence.ID
	return reply
}

// consider is the stage-1 capability call. On any failure it returns false:
// a broken filter must not open the gate.
func (p *Pipeline) consider(ctx context.Context, q Question) bool {
	ctx, cancel := context.WithTimeout(ctx, considerTimeout)
	defer cancel()

	raw, err := p.engine.Chat(ctx, p.fastModel, buildConsiderPrompt(q), considerSchema())
	if err != nil {
		p.logger.Warn("answer: consider call failed, staying silent", "error", err)
		return false
	}

	var result struct {
		Consider bool `json:"consider"`
	}
	if err := json.Unmarshal([]byte(raw), &result); err != nil {
		p.logger.Warn("answer: unmarshalling consider response failed", "error", err, "response", raw)
		return false
	}
	return result.Consider
}

// respondResult mirrors the structured stage-2 output.
type respondResult struct {
	Respond   bool     `json:"respond"`
	Text      string   `json:"text"`
	Citations []string `json:"citations"`
}

// respond is the stage-2 capability call. Returns nil when the capability
// declines or fails.
func (p *Pipeline) respond(ctx context.Context, q Question, evidence *retrieval.ScoredCase) *Reply {
	ctx, cancel := context.WithTimeout(ctx, respondTimeout)
	defer cancel()

	raw, err := p.engine.Chat(ctx, p.deepModel, buildRespondPrompt(q, evidence), respondSchema())
	if err != nil {
		p.logger.Warn("answer: respond call failed, staying silent", "error", err)
		return nil
	}

	var result respondResult
	if err := json.Unmarshal([]byte(raw), &result); err != nil {
		p.logger.Warn("answer: unmarshalling respond response failed", "error", err, "response", raw)
		return nil
	}
	if !result.Respond || strings.TrimSpace(result.Text) == "" {
		p.logger.Debug("answer: composition declined", "channel_id", q.ChannelID)
		return nil
	}

	return &Reply{Text: result.Text}
}

// cites reports whether the reply text already names the evidence case. The
// structured citations field is advisory; the channel only sees the text, so
// the citation must live there.
func cites(r *Reply, caseID string) bool {
	return strings.Contains(r.Text, caseID)
}

// excerpt truncates a solution summary for the appended citation quote.
// The cut lands on a rune boundary so the quote stays valid UTF-8.
func excerpt(s string) string {
	s = strings.TrimSpace(s)
	if len(s) <= excerptLimit {
		return s
	}
	cut := excerptLimit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "…"
}
