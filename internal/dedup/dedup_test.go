package dedup

import (
	"context"
	"errors"
	"testing"

	"github.com/casemill/casemill/internal/mining"
	"github.com/casemill/casemill/internal/retrieval"
	"github.com/casemill/casemill/internal/storage"
)

// fixedEmbedder returns the same vector for every text.
type fixedEmbedder struct {
	vec []float32
	err error
}

func (f *fixedEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	return f.vec, f.err
}

func openDedupFixture(t *testing.T, cfg Config) (*storage.Store, *Deduplicator) {
	t.Helper()
	s, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	embedder := &fixedEmbedder{vec: []float32{1, 0, 0}}
	searcher := retrieval.NewSearcher(s)
	return s, New(s, embedder, searcher, cfg)
}

func solvedCandidate() mining.Candidate {
	return mining.Candidate{
		Keep:            true,
		Status:          storage.CaseSolved,
		Title:           "login loop after password reset",
		ProblemSummary:  "stuck on login page after reset",
		SolutionSummary: "clear the session cookie",
		Tags:            []string{"auth", "login"},
	}
}

func TestUpsertInsertsNewCase(t *testing.T) {
	s, d := openDedupFixture(t, Config{})

	id, merged, err := d.Upsert(context.Background(), "ch", solvedCandidate(), []string{"m1", "m2"})
	if err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if merged {
		t.Error("first candidate reported as merge")
	}

	c, err := s.GetCase(id)
	if err != nil {
		t.Fatalf("GetCase: %v", err)
	}
	if c.ChannelID != "ch" || c.Status != storage.CaseSolved {
		t.Errorf("case = %+v", c)
	}
	if c.Tags != `["auth","login"]` {
		t.Errorf("tags = %q", c.Tags)
	}
	if len(c.Embedding) == 0 {
		t.Error("embedding not stored")
	}

	evidence, err := s.ListEvidence(id)
	if err != nil {
		t.Fatalf("ListEvidence: %v", err)
	}
	if len(evidence) != 2 {
		t.Errorf("evidence = %v, want 2 links", evidence)
	}
}

// TestUpsertMergesNearDuplicate covers the re-asked-question flow: a second
// candidate for the same problem merges into the original case instead of
// creating a sibling.
func TestUpsertMergesNearDuplicate(t *testing.T) {
	s, d := openDedupFixture(t, Config{})

	first, merged, err := d.Upsert(context.Background(), "ch", solvedCandidate(), []string{"m1"})
	if err != nil || merged {
		t.Fatalf("first Upsert: id=%s merged=%v err=%v", first, merged, err)
	}

	// Same embedder vector means similarity 1.0, above any threshold.
	again := solvedCandidate()
	again.Tags = []string{"login", "session"}
	second, merged, err := d.Upsert(context.Background(), "ch", again, []string{"m2"})
	if err != nil {
		t.Fatalf("second Upsert: %v", err)
	}
	if !merged {
		t.Fatal("duplicate candidate not merged")
	}
	if second != first {
		t.Errorf("merged into %s, want %s", second, first)
	}

	c, err := s.GetCase(first)
	if err != nil {
		t.Fatalf("GetCase: %v", err)
	}
	// Stored order kept, unseen tags appended.
	if c.Tags != `["auth","login","session"]` {
		t.Errorf("merged tags = %q", c.Tags)
	}

	evidence, err := s.ListEvidence(first)
	if err != nil {
		t.Fatalf("ListEvidence: %v", err)
	}
	if len(evidence) != 2 {
		t.Errorf("evidence union = %v, want [m1 m2]", evidence)
	}

	cases, err := s.ListCases("ch", 10)
	if err != nil {
		t.Fatalf("ListCases: %v", err)
	}
	if len(cases) != 1 {
		t.Errorf("case count = %d, want 1 after merge", len(cases))
	}
}

// TestUpsertMergeIdempotent applies the identical candidate and evidence
// twice and verifies the second application changes nothing.
func TestUpsertMergeIdempotent(t *testing.T) {
	s, d := openDedupFixture(t, Config{})

	id, _, err := d.Upsert(context.Background(), "ch", solvedCandidate(), []string{"m1"})
	if err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	before, err := s.GetCase(id)
	if err != nil {
		t.Fatalf("GetCase: %v", err)
	}

	id2, merged, err := d.Upsert(context.Background(), "ch", solvedCandidate(), []string{"m1"})
	if err != nil {
		t.Fatalf("re-applied Upsert: %v", err)
	}
	if !merged || id2 != id {
		t.Fatalf("re-application: id=%s merged=%v, want merge into %s", id2, merged, id)
	}

	after, err := s.GetCase(id)
	if err != nil {
		t.Fatalf("GetCase: %v", err)
	}
	if after.Status != before.Status || after.Tags != before.Tags ||
		after.SolutionSummary != before.SolutionSummary {
		t.Errorf("case changed on re-application:\nbefore %+v\nafter  %+v", before, after)
	}

	evidence, err := s.ListEvidence(id)
	if err != nil {
		t.Fatalf("ListEvidence: %v", err)
	}
	if len(evidence) != 1 {
		t.Errorf("evidence = %v, want single link", evidence)
	}
}

func TestUpsertStatusNeverDowngrades(t *testing.T) {
	s, d := openDedupFixture(t, Config{})

	id, _, err := d.Upsert(context.Background(), "ch", solvedCandidate(), []string{"m1"})
	if err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	open := solvedCandidate()
	open.Status = storage.CaseOpen
	open.SolutionSummary = ""
	if _, _, err := d.Upsert(context.Background(), "ch", open, []string{"m2"}); err != nil {
		t.Fatalf("open-candidate Upsert: %v", err)
	}

	c, err := s.GetCase(id)
	if err != nil {
		t.Fatalf("GetCase: %v", err)
	}
	if c.Status != storage.CaseSolved {
		t.Errorf("status downgraded to %q", c.Status)
	}
	if c.SolutionSummary == "" {
		t.Error("solution summary erased by merge with empty solution")
	}
}

func TestUpsertUpgradesOpenToSolved(t *testing.T) {
	s, d := openDedupFixture(t, Config{})

	open := solvedCandidate()
	open.Status = storage.CaseOpen
	open.SolutionSummary = ""
	id, _, err := d.Upsert(context.Background(), "ch", open, []string{"m1"})
	if err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	if _, _, err := d.Upsert(context.Background(), "ch", solvedCandidate(), []string{"m2"}); err != nil {
		t.Fatalf("solved-candidate Upsert: %v", err)
	}

	c, err := s.GetCase(id)
	if err != nil {
		t.Fatalf("GetCase: %v", err)
	}
	if !c.Solved() {
		t.Errorf("case not upgraded to solved: %+v", c)
	}
}

// TestUpsertChannelIsolation verifies an identical candidate in a different
// channel becomes a separate case, never a cross-channel merge.
func TestUpsertChannelIsolation(t *testing.T) {
	_, d := openDedupFixture(t, Config{})

	alphaID, _, err := d.Upsert(context.Background(), "alpha", solvedCandidate(), []string{"m1"})
	if err != nil {
		t.Fatalf("alpha Upsert: %v", err)
	}

	betaID, merged, err := d.Upsert(context.Background(), "beta", solvedCandidate(), []string{"m2"})
	if err != nil {
		t.Fatalf("beta Upsert: %v", err)
	}
	if merged {
		t.Error("candidate merged across channels")
	}
	if betaID == alphaID {
		t.Error("channels share a case id")
	}
}

func TestUpsertBelowThresholdInserts(t *testing.T) {
	s, d := openDedupFixture(t, Config{Threshold: 0.99})

	if _, _, err := d.Upsert(context.Background(), "ch", solvedCandidate(), []string{"m1"}); err != nil {
		t.Fatalf("first Upsert: %v", err)
	}

	// Second candidate embeds to an orthogonal vector: similarity 0.
	d.embedder = &fixedEmbedder{vec: []float32{0, 1, 0}}
	_, merged, err := d.Upsert(context.Background(), "ch", solvedCandidate(), []string{"m2"})
	if err != nil {
		t.Fatalf("second Upsert: %v", err)
	}
	if merged {
		t.Error("dissimilar candidate merged")
	}

	cases, err := s.ListCases("ch", 10)
	if err != nil {
		t.Fatalf("ListCases: %v", err)
	}
	if len(cases) != 2 {
		t.Errorf("case count = %d, want 2", len(cases))
	}
}

// flakyEmbedder fails the first n calls, then behaves like fixedEmbedder.
type flakyEmbedder struct {
	vec      []float32
	failures int
	calls    int
}

func (f *flakyEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	f.calls++
	if f.calls <= f.failures {
		return nil, errors.New("embed backend down")
	}
	return f.vec, nil
}

// TestUpsertRetriesEmbedOnce verifies a transient embedding failure is
// retried with the same input before surfacing.
func TestUpsertRetriesEmbedOnce(t *testing.T) {
	s, d := openDedupFixture(t, Config{})
	flaky := &flakyEmbedder{vec: []float32{1, 0, 0}, failures: 1}
	d.embedder = flaky

	id, merged, err := d.Upsert(context.Background(), "ch", solvedCandidate(), []string{"m1"})
	if err != nil {
		t.Fatalf("Upsert after retry: %v", err)
	}
	if merged {
		t.Error("first candidate reported as merge")
	}
	if flaky.calls != 2 {
		t.Errorf("embed called %d times, want 2", flaky.calls)
	}
	if _, err := s.GetCase(id); err != nil {
		t.Errorf("case not stored after retried embed: %v", err)
	}
}

func TestUpsertEmbedderFailure(t *testing.T) {
	_, d := openDedupFixture(t, Config{})
	flaky := &flakyEmbedder{failures: 2}
	d.embedder = flaky

	if _, _, err := d.Upsert(context.Background(), "ch", solvedCandidate(), []string{"m1"}); err == nil {
		t.Error("expected error when embedding keeps failing, got nil")
	}
	if flaky.calls != 2 {
		t.Errorf("embed called %d times, want 2", flaky.calls)
	}
}

func TestThresholdFor(t *testing.T) {
	cfg := Config{
		Threshold:         0.9,
		ChannelThresholds: map[string]float32{"strict": 0.97},
	}
	if got := cfg.thresholdFor("strict"); got != 0.97 {
		t.Errorf("thresholdFor(strict) = %v, want 0.97", got)
	}
	if got := cfg.thresholdFor("other"); got != 0.9 {
		t.Errorf("thresholdFor(other) = %v, want 0.9", got)
	}
	if got := (Config{}).thresholdFor("any"); got != DefaultThreshold {
		t.Errorf("thresholdFor with zero config = %v, want %v", got, DefaultThreshold)
	}
}

func TestUnionTags(t *testing.T) {
	got, err := unionTags(`["a","b"]`, []string{"b", "c", "", "c"})
	if err != nil {
		t.Fatalf("unionTags: %v", err)
	}
	if got != `["a","b","c"]` {
		t.Errorf("unionTags = %q, want %q", got, `["a","b","c"]`)
	}

	got, err = unionTags("", []string{"x"})
	if err != nil {
		t.Fatalf("unionTags(empty): %v", err)
	}
	if got != `["x"]` {
		t.Errorf("unionTags(empty) = %q, want %q", got, `["x"]`)
	}
}
