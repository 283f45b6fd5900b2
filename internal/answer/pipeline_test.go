package answer

import (
	"context"
	"errors"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/casemill/casemill/internal/engine"
	"github.com/casemill/casemill/internal/retrieval"
	"github.com/casemill/casemill/internal/storage"
)

// mockEngine routes consider and respond calls by model name.
type mockEngine struct {
	responses map[string]string // model -> response
	errs      map[string]error  // model -> error
	calls     []string
}

func (m *mockEngine) Chat(_ context.Context, model string, _ []engine.Message, _ *engine.Schema) (string, error) {
	m.calls = append(m.calls, model)
	if err := m.errs[model]; err != nil {
		return "", err
	}
	return m.responses[model], nil
}

func (m *mockEngine) Embed(context.Context, string, string) ([]float32, error) {
	return nil, errors.New("not implemented")
}

func (m *mockEngine) IsRunning(context.Context) bool { return true }

func (m *mockEngine) HasModel(context.Context, string) bool { return true }

func (m *mockEngine) ListModels(context.Context) ([]string, error) { return nil, nil }

type mockEmbedder struct {
	vec []float32
	err error
}

func (m *mockEmbedder) Embed(context.Context, string) ([]float32, error) { return m.vec, m.err }

type mockSearcher struct {
	results []retrieval.ScoredCase
	err     error
	channel string
}

func (m *mockSearcher) Search(channelID string, _ []float32, _ int) ([]retrieval.ScoredCase, error) {
	m.channel = channelID
	return m.results, m.err
}

const (
	fastModel = "phi3.5"
	deepModel = "mistral-nemo"
)

func solvedEvidence(id string) retrieval.ScoredCase {
	return retrieval.ScoredCase{
		Case: storage.Case{
			ID:              id,
			Status:          storage.CaseSolved,
			Title:           "login loop",
			ProblemSummary:  "stuck on login",
			SolutionSummary: "clear the session cookie and retry",
		},
		Score: 0.92,
	}
}

func openEvidence(id string) retrieval.ScoredCase {
	return retrieval.ScoredCase{
		Case: storage.Case{
			ID:             id,
			Status:         storage.CaseOpen,
			Title:          "login loop",
			ProblemSummary: "stuck on login",
		},
		Score: 0.95,
	}
}

func newTestPipeline(eng *mockEngine, searcher Searcher) *Pipeline {
	return NewPipeline(eng, fastModel, deepModel, &mockEmbedder{vec: []float32{1, 0}}, searcher, 5)
}

func TestAnswerWithSolvedEvidence(t *testing.T) {
	eng := &mockEngine{responses: map[string]string{
		fastModel: `{"consider":true}`,
		deepModel: `{"respond":true,"text":"Clear the session cookie and retry. See [case case-1].","citations":["case-1"]}`,
	}}
	p := newTestPipeline(eng, &mockSearcher{results: []retrieval.ScoredCase{solvedEvidence("case-1")}})

	reply := p.Answer(context.Background(), Question{ChannelID: "ch", Text: "can't log in after reset"})
	if reply == nil {
		t.Fatal("expected a reply, got silence")
	}
	if reply.CaseID != "case-1" {
		t.Errorf("case id = %q, want case-1", reply.CaseID)
	}
	if !strings.Contains(reply.Text, "case-1") {
		t.Errorf("reply does not cite the case: %q", reply.Text)
	}
}

// TestAnswerSilentWithoutSolvedEvidence is the trust gate: open cases, however
// similar, never produce an answer.
func TestAnswerSilentWithoutSolvedEvidence(t *testing.T) {
	eng := &mockEngine{responses: map[string]string{
		fastModel: `{"consider":true}`,
		deepModel: `{"respond":true,"text":"should never be asked"}`,
	}}
	p := newTestPipeline(eng, &mockSearcher{results: []retrieval.ScoredCase{openEvidence("case-1")}})

	if reply := p.Answer(context.Background(), Question{ChannelID: "ch", Text: "can't log in"}); reply != nil {
		t.Fatalf("answered without solved evidence: %+v", reply)
	}
	for _, model := range eng.calls {
		if model == deepModel {
			t.Error("composition invoked with no solved evidence")
		}
	}
}

func TestAnswerSilentOnEmptyRetrieval(t *testing.T) {
	eng := &mockEngine{responses: map[string]string{fastModel: `{"consider":true}`}}
	p := newTestPipeline(eng, &mockSearcher{})

	if reply := p.Answer(context.Background(), Question{ChannelID: "ch", Text: "anything"}); reply != nil {
		t.Errorf("answered with no retrieved cases: %+v", reply)
	}
}

// TestAnswerPicksFirstSolvedCase verifies the gate takes the best-ranked
// solved case, skipping better-scored open ones.
func TestAnswerPicksFirstSolvedCase(t *testing.T) {
	eng := &mockEngine{responses: map[string]string{
		fastModel: `{"consider":true}`,
		deepModel: `{"respond":true,"text":"answer citing case-solved"}`,
	}}
	p := newTestPipeline(eng, &mockSearcher{results: []retrieval.ScoredCase{
		openEvidence("case-open"),
		solvedEvidence("case-solved"),
	}})

	reply := p.Answer(context.Background(), Question{ChannelID: "ch", Text: "q"})
	if reply == nil {
		t.Fatal("expected a reply")
	}
	if reply.CaseID != "case-solved" {
		t.Errorf("evidence = %q, want case-solved", reply.CaseID)
	}
}

func TestAnswerConsiderFalseIsSilence(t *testing.T) {
	eng := &mockEngine{responses: map[string]string{fastModel: `{"consider":false}`}}
	searcher := &mockSearcher{results: []retrieval.ScoredCase{solvedEvidence("case-1")}}
	p := newTestPipeline(eng, searcher)

	if reply := p.Answer(context.Background(), Question{ChannelID: "ch", Text: "just chatting"}); reply != nil {
		t.Errorf("answered a filtered-out message: %+v", reply)
	}
	if searcher.channel != "" {
		t.Error("retrieval ran for a filtered-out message")
	}
}

// TestAnswerAddressedSkipsConsider verifies a direct mention bypasses the
// stage-1 filter entirely.
func TestAnswerAddressedSkipsConsider(t *testing.T) {
	eng := &mockEngine{responses: map[string]string{
		deepModel: `{"respond":true,"text":"answer with case-1 cited"}`,
	}}
	p := newTestPipeline(eng, &mockSearcher{results: []retrieval.ScoredCase{solvedEvidence("case-1")}})

	reply := p.Answer(context.Background(), Question{ChannelID: "ch", Text: "q", Addressed: true})
	if reply == nil {
		t.Fatal("expected a reply")
	}
	for _, model := range eng.calls {
		if model == fastModel {
			t.Error("consider stage ran for an addressed question")
		}
	}
}

func TestAnswerConsiderFailureIsSilence(t *testing.T) {
	eng := &mockEngine{errs: map[string]error{fastModel: errors.New("model timeout")}}
	p := newTestPipeline(eng, &mockSearcher{results: []retrieval.ScoredCase{solvedEvidence("case-1")}})

	if reply := p.Answer(context.Background(), Question{ChannelID: "ch", Text: "q"}); reply != nil {
		t.Errorf("answered despite consider failure: %+v", reply)
	}
}

func TestAnswerEmbedFailureIsSilence(t *testing.T) {
	eng := &mockEngine{responses: map[string]string{fastModel: `{"consider":true}`}}
	p := NewPipeline(eng, fastModel, deepModel,
		&mockEmbedder{err: errors.New("embed backend down")},
		&mockSearcher{results: []retrieval.ScoredCase{solvedEvidence("case-1")}}, 5)

	if reply := p.Answer(context.Background(), Question{ChannelID: "ch", Text: "q"}); reply != nil {
		t.Errorf("answered despite embedding failure: %+v", reply)
	}
}

func TestAnswerSearchFailureIsSilence(t *testing.T) {
	eng := &mockEngine{responses: map[string]string{fastModel: `{"consider":true}`}}
	p := newTestPipeline(eng, &mockSearcher{err: errors.New("db closed")})

	if reply := p.Answer(context.Background(), Question{ChannelID: "ch", Text: "q"}); reply != nil {
		t.Errorf("answered despite search failure: %+v", reply)
	}
}

func TestAnswerRespondDeclineIsSilence(t *testing.T) {
	eng := &mockEngine{responses: map[string]string{
		fastModel: `{"consider":true}`,
		deepModel: `{"respond":false,"text":""}`,
	}}
	p := newTestPipeline(eng, &mockSearcher{results: []retrieval.ScoredCase{solvedEvidence("case-1")}})

	if reply := p.Answer(context.Background(), Question{ChannelID: "ch", Text: "q"}); reply != nil {
		t.Errorf("answered despite composition decline: %+v", reply)
	}
}

func TestAnswerEmptyQuestionIsSilence(t *testing.T) {
	eng := &mockEngine{}
	p := newTestPipeline(eng, &mockSearcher{})

	if reply := p.Answer(context.Background(), Question{ChannelID: "ch", Text: "   "}); reply != nil {
		t.Errorf("answered an empty question: %+v", reply)
	}
	if len(eng.calls) != 0 {
		t.Errorf("capability called %d times for an empty question", len(eng.calls))
	}
}

// TestAnswerForceAppendsCitation verifies a composed reply that omits the
// case id gets the citation appended with a quoted solution excerpt.
func TestAnswerForceAppendsCitation(t *testing.T) {
	eng := &mockEngine{responses: map[string]string{
		fastModel: `{"consider":true}`,
		deepModel: `{"respond":true,"text":"Clear the session cookie and retry.","citations":[]}`,
	}}
	p := newTestPipeline(eng, &mockSearcher{results: []retrieval.ScoredCase{solvedEvidence("case-1")}})

	reply := p.Answer(context.Background(), Question{ChannelID: "ch", Text: "q"})
	if reply == nil {
		t.Fatal("expected a reply")
	}
	if !strings.Contains(reply.Text, "[case case-1]") {
		t.Errorf("citation not appended: %q", reply.Text)
	}
	if !strings.Contains(reply.Text, "clear the session cookie") {
		t.Errorf("solution excerpt missing: %q", reply.Text)
	}
}

func TestAnswerKeepsExistingCitation(t *testing.T) {
	text := "Per case-1, clear the session cookie."
	eng := &mockEngine{responses: map[string]string{
		fastModel: `{"consider":true}`,
		deepModel: `{"respond":true,"text":"` + text + `"}`,
	}}
	p := newTestPipeline(eng, &mockSearcher{results: []retrieval.ScoredCase{solvedEvidence("case-1")}})

	reply := p.Answer(context.Background(), Question{ChannelID: "ch", Text: "q"})
	if reply == nil {
		t.Fatal("expected a reply")
	}
	if reply.Text != text {
		t.Errorf("reply rewritten: %q", reply.Text)
	}
}

func TestExcerptTruncates(t *testing.T) {
	long := strings.Repeat("a", excerptLimit+50)
	got := excerpt(long)
	if len(got) <= excerptLimit {
		// Truncation marker is appended, so the result is slightly longer
		// than the limit in bytes.
		t.Errorf("excerpt length = %d", len(got))
	}
	if !strings.HasSuffix(got, "…") {
		t.Errorf("excerpt missing truncation marker: %q", got[len(got)-10:])
	}
	if short := excerpt("short"); short != "short" {
		t.Errorf("excerpt(short) = %q", short)
	}
}

// TestExcerptKeepsRuneBoundary verifies truncation never splits a multibyte
// rune, which would put invalid UTF-8 into the channel message.
func TestExcerptKeepsRuneBoundary(t *testing.T) {
	long := strings.Repeat("ü", excerptLimit)
	got := excerpt(long)
	if !utf8.ValidString(got) {
		t.Fatalf("excerpt produced invalid UTF-8: %q", got[:12])
	}
	if !strings.HasSuffix(got, "…") {
		t.Errorf("excerpt missing truncation marker")
	}
	for _, r := range strings.TrimSuffix(got, "…") {
		if r != 'ü' {
			t.Errorf("unexpected rune %q in excerpt", r)
			break
		}
	}
}
