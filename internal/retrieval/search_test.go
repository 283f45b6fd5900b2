package retrieval

import (
	"testing"

	"github.com/casemill/casemill/internal/storage"
)

func openTestSearcher(t *testing.T) (*storage.Store, *Searcher) {
	t.Helper()
	s, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s, NewSearcher(s)
}

func insertSearchCase(t *testing.T, s *storage.Store, id, channelID, status string, embedding []float32) {
	t.Helper()
	c := storage.Case{
		ID:             id,
		ChannelID:      channelID,
		Status:         status,
		Title:          "title " + id,
		ProblemSummary: "problem " + id,
		Embedding:      embedding,
	}
	if status == storage.CaseSolved {
		c.SolutionSummary = "solution " + id
	}
	if err := s.InsertCase(c); err != nil {
		t.Fatalf("InsertCase(%s): %v", id, err)
	}
}

func TestSearchRanksByCosineSimilarity(t *testing.T) {
	s, searcher := openTestSearcher(t)

	insertSearchCase(t, s, "exact", "ch", storage.CaseSolved, []float32{1, 0, 0})
	insertSearchCase(t, s, "close", "ch", storage.CaseSolved, []float32{0.9, 0.1, 0})
	insertSearchCase(t, s, "far", "ch", storage.CaseSolved, []float32{0, 1, 0})

	got, err := searcher.Search("ch", []float32{1, 0, 0}, 3)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("got %d results, want 3", len(got))
	}
	if got[0].ID != "exact" || got[1].ID != "close" || got[2].ID != "far" {
		t.Errorf("order = [%s %s %s], want [exact close far]", got[0].ID, got[1].ID, got[2].ID)
	}
	if got[0].Score < 0.999 {
		t.Errorf("identical vectors scored %v, want ~1", got[0].Score)
	}
	for i := 1; i < len(got); i++ {
		if got[i].Score > got[i-1].Score {
			t.Errorf("scores not descending: %v then %v", got[i-1].Score, got[i].Score)
		}
	}
}

func TestSearchTopKLimit(t *testing.T) {
	s, searcher := openTestSearcher(t)

	insertSearchCase(t, s, "c1", "ch", storage.CaseOpen, []float32{1, 0})
	insertSearchCase(t, s, "c2", "ch", storage.CaseOpen, []float32{0.8, 0.2})
	insertSearchCase(t, s, "c3", "ch", storage.CaseOpen, []float32{0.5, 0.5})

	got, err := searcher.Search("ch", []float32{1, 0}, 2)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d results, want 2", len(got))
	}
	if got[0].ID != "c1" || got[1].ID != "c2" {
		t.Errorf("top-2 = [%s %s], want [c1 c2]", got[0].ID, got[1].ID)
	}
}

// TestSearchChannelScoped verifies a near-perfect match in another channel is
// never a candidate.
func TestSearchChannelScoped(t *testing.T) {
	s, searcher := openTestSearcher(t)

	insertSearchCase(t, s, "other-channel", "beta", storage.CaseSolved, []float32{1, 0})
	insertSearchCase(t, s, "same-channel", "alpha", storage.CaseSolved, []float32{0.2, 0.8})

	got, err := searcher.Search("alpha", []float32{1, 0}, 5)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(got) != 1 || got[0].ID != "same-channel" {
		t.Errorf("results = %+v, want only same-channel", got)
	}
}

func TestSearchUnscopedSpansChannels(t *testing.T) {
	s, searcher := openTestSearcher(t)

	insertSearchCase(t, s, "a1", "alpha", storage.CaseSolved, []float32{1, 0})
	insertSearchCase(t, s, "b1", "beta", storage.CaseSolved, []float32{0.9, 0.1})

	got, err := searcher.Search("", []float32{1, 0}, 5)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d results, want cases from both channels", len(got))
	}
	if got[0].ID != "a1" || got[1].ID != "b1" {
		t.Errorf("order = [%s %s], want [a1 b1]", got[0].ID, got[1].ID)
	}
}

func TestSearchExcludesArchived(t *testing.T) {
	s, searcher := openTestSearcher(t)

	insertSearchCase(t, s, "live", "ch", storage.CaseSolved, []float32{0.5, 0.5})
	insertSearchCase(t, s, "old", "ch", storage.CaseSolved, []float32{1, 0})
	if err := s.ArchiveCase("old"); err != nil {
		t.Fatalf("ArchiveCase: %v", err)
	}

	got, err := searcher.Search("ch", []float32{1, 0}, 5)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(got) != 1 || got[0].ID != "live" {
		t.Errorf("results = %+v, want only live", got)
	}
}

func TestSearchEmptyChannel(t *testing.T) {
	_, searcher := openTestSearcher(t)

	got, err := searcher.Search("ch", []float32{1, 0}, 5)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if got != nil {
		t.Errorf("results = %+v, want nil", got)
	}
}

func TestSearchDegenerateInputs(t *testing.T) {
	s, searcher := openTestSearcher(t)
	insertSearchCase(t, s, "c1", "ch", storage.CaseOpen, []float32{1, 0})

	if got, err := searcher.Search("ch", nil, 5); err != nil || got != nil {
		t.Errorf("Search(nil vector) = %v, %v; want nil, nil", got, err)
	}
	if got, err := searcher.Search("ch", []float32{0, 0}, 5); err != nil || got != nil {
		t.Errorf("Search(zero vector) = %v, %v; want nil, nil", got, err)
	}
	if got, err := searcher.Search("ch", []float32{1, 0}, 0); err != nil || got != nil {
		t.Errorf("Search(topK=0) = %v, %v; want nil, nil", got, err)
	}
}

func TestSearchReturnsFullCaseFields(t *testing.T) {
	s, searcher := openTestSearcher(t)
	insertSearchCase(t, s, "c1", "ch", storage.CaseSolved, []float32{1, 0})

	got, err := searcher.Search("ch", []float32{1, 0}, 1)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("got %d results, want 1", len(got))
	}
	c := got[0]
	if c.Title == "" || c.ProblemSummary == "" || c.SolutionSummary == "" {
		t.Errorf("case fields not hydrated: %+v", c.Case)
	}
	if !c.Solved() {
		t.Errorf("solved case not reported solved: %+v", c.Case)
	}
}

func TestCosine(t *testing.T) {
	a := []float32{1, 0}

	if got := cosine(a, []float32{1, 0}, norm(a)); got < 0.999 {
		t.Errorf("cosine(identical) = %v, want ~1", got)
	}
	if got := cosine(a, []float32{0, 1}, norm(a)); got > 0.001 {
		t.Errorf("cosine(orthogonal) = %v, want ~0", got)
	}
	if got := cosine(a, []float32{-1, 0}, norm(a)); got > -0.999 {
		t.Errorf("cosine(opposite) = %v, want ~-1", got)
	}
	if got := cosine(a, []float32{1, 0, 0}, norm(a)); got != 0 {
		t.Errorf("cosine(length mismatch) = %v, want 0", got)
	}
	if got := cosine(a, []float32{0, 0}, norm(a)); got != 0 {
		t.Errorf("cosine(zero vector) = %v, want 0", got)
	}
}
