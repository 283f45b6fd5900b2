package storage

import (
	"strings"
	"testing"
)

func insertTestCase(t *testing.T, s *Store, id, channelID, status string) {
	t.Helper()
	c := Case{
		ID:             id,
		ChannelID:      channelID,
		Status:         status,
		Title:          "login loop after password reset",
		ProblemSummary: "users get stuck on the login page after resetting their password",
		Tags:           `["auth"]`,
		Embedding:      []float32{0.1, 0.2, 0.3},
	}
	if status == CaseSolved {
		c.SolutionSummary = "clear the session cookie and log in again"
	}
	if err := s.InsertCase(c); err != nil {
		t.Fatalf("InsertCase(%s): %v", id, err)
	}
}

func TestInsertAndGetCase(t *testing.T) {
	s := openTestStore(t)
	insertTestCase(t, s, "case-1", "ch", CaseSolved)

	got, err := s.GetCase("case-1")
	if err != nil {
		t.Fatalf("GetCase: %v", err)
	}
	if got.ChannelID != "ch" || got.Status != CaseSolved {
		t.Errorf("got channel=%q status=%q", got.ChannelID, got.Status)
	}
	if got.SolutionSummary == "" {
		t.Error("solution summary lost on round-trip")
	}
	if len(got.Embedding) != 3 {
		t.Errorf("embedding length = %d, want 3", len(got.Embedding))
	}
	if got.Tags != `["auth"]` {
		t.Errorf("tags = %q, want %q", got.Tags, `["auth"]`)
	}
}

func TestGetCaseNotFound(t *testing.T) {
	s := openTestStore(t)
	if _, err := s.GetCase("missing"); err != ErrNotFound {
		t.Errorf("GetCase(missing) = %v, want ErrNotFound", err)
	}
}

// TestSolvedRequiresSolution verifies both write paths reject a solved case
// carrying no solution summary.
func TestSolvedRequiresSolution(t *testing.T) {
	s := openTestStore(t)

	bad := Case{ID: "case-1", ChannelID: "ch", Status: CaseSolved, Title: "t", ProblemSummary: "p"}
	if err := s.InsertCase(bad); err == nil {
		t.Error("InsertCase accepted solved case without solution")
	}

	insertTestCase(t, s, "case-2", "ch", CaseOpen)
	c, err := s.GetCase("case-2")
	if err != nil {
		t.Fatalf("GetCase: %v", err)
	}
	c.Status = CaseSolved
	c.SolutionSummary = ""
	if err := s.UpdateCase(c); err == nil {
		t.Error("UpdateCase accepted solved case without solution")
	}
}

func TestUpdateCase(t *testing.T) {
	s := openTestStore(t)
	insertTestCase(t, s, "case-1", "ch", CaseOpen)

	c, err := s.GetCase("case-1")
	if err != nil {
		t.Fatalf("GetCase: %v", err)
	}
	c.Status = CaseSolved
	c.SolutionSummary = "rotate the API key"
	c.Tags = `["auth","api"]`
	c.Embedding = []float32{0.9, 0.8}

	if err := s.UpdateCase(c); err != nil {
		t.Fatalf("UpdateCase: %v", err)
	}

	got, err := s.GetCase("case-1")
	if err != nil {
		t.Fatalf("GetCase after update: %v", err)
	}
	if got.Status != CaseSolved || got.SolutionSummary != "rotate the API key" {
		t.Errorf("update not persisted: status=%q solution=%q", got.Status, got.SolutionSummary)
	}
	if len(got.Embedding) != 2 {
		t.Errorf("embedding length = %d, want 2", len(got.Embedding))
	}
}

func TestUpdateCaseNotFound(t *testing.T) {
	s := openTestStore(t)
	err := s.UpdateCase(Case{ID: "missing", Status: CaseOpen, Title: "t"})
	if err != ErrNotFound {
		t.Errorf("UpdateCase(missing) = %v, want ErrNotFound", err)
	}
}

func TestArchiveCase(t *testing.T) {
	s := openTestStore(t)
	insertTestCase(t, s, "case-1", "ch", CaseSolved)

	if err := s.ArchiveCase("case-1"); err != nil {
		t.Fatalf("ArchiveCase: %v", err)
	}

	got, err := s.GetCase("case-1")
	if err != nil {
		t.Fatalf("GetCase: %v", err)
	}
	if got.Status != CaseArchived {
		t.Errorf("status = %q, want %q", got.Status, CaseArchived)
	}
	if got.ClosedAt.IsZero() {
		t.Error("closed_at not stamped on archive")
	}

	// Re-archiving is rejected rather than silently restamped.
	if err := s.ArchiveCase("case-1"); err != ErrNotFound {
		t.Errorf("second ArchiveCase = %v, want ErrNotFound", err)
	}
}

func TestListCasesChannelScope(t *testing.T) {
	s := openTestStore(t)
	insertTestCase(t, s, "case-a", "alpha", CaseSolved)
	insertTestCase(t, s, "case-b", "beta", CaseOpen)

	alpha, err := s.ListCases("alpha", 10)
	if err != nil {
		t.Fatalf("ListCases(alpha): %v", err)
	}
	if len(alpha) != 1 || alpha[0].ID != "case-a" {
		t.Errorf("alpha cases = %+v, want [case-a]", alpha)
	}

	all, err := s.ListCases("", 10)
	if err != nil {
		t.Fatalf("ListCases(all): %v", err)
	}
	if len(all) != 2 {
		t.Errorf("all cases = %d, want 2", len(all))
	}
}

func TestCaseSolvedHelper(t *testing.T) {
	solved := Case{Status: CaseSolved, SolutionSummary: "restart"}
	if !solved.Solved() {
		t.Error("solved case with solution reported not solved")
	}

	// Defense against rows written before the gate existed.
	hollow := Case{Status: CaseSolved}
	if hollow.Solved() {
		t.Error("solved case without solution reported solved")
	}

	open := Case{Status: CaseOpen, SolutionSummary: "restart"}
	if open.Solved() {
		t.Error("open case reported solved")
	}
}

func TestAddEvidenceIdempotent(t *testing.T) {
	s := openTestStore(t)
	insertTestCase(t, s, "case-1", "ch", CaseSolved)

	ids := []string{"m1", "m2"}
	if err := s.AddEvidence("case-1", ids); err != nil {
		t.Fatalf("AddEvidence: %v", err)
	}
	// Second application of the same links is a no-op.
	if err := s.AddEvidence("case-1", ids); err != nil {
		t.Fatalf("second AddEvidence: %v", err)
	}

	got, err := s.ListEvidence("case-1")
	if err != nil {
		t.Fatalf("ListEvidence: %v", err)
	}
	if strings.Join(got, ",") != "m1,m2" {
		t.Errorf("evidence = %v, want [m1 m2]", got)
	}
}

func TestAddEvidenceGrowsUnion(t *testing.T) {
	s := openTestStore(t)
	insertTestCase(t, s, "case-1", "ch", CaseSolved)

	if err := s.AddEvidence("case-1", []string{"m1"}); err != nil {
		t.Fatalf("AddEvidence: %v", err)
	}
	if err := s.AddEvidence("case-1", []string{"m1", "m2"}); err != nil {
		t.Fatalf("second AddEvidence: %v", err)
	}

	got, err := s.ListEvidence("case-1")
	if err != nil {
		t.Fatalf("ListEvidence: %v", err)
	}
	if len(got) != 2 {
		t.Errorf("evidence count = %d, want 2", len(got))
	}
}

func TestCasesByEvidenceMessage(t *testing.T) {
	s := openTestStore(t)
	insertTestCase(t, s, "case-1", "ch", CaseSolved)
	insertTestCase(t, s, "case-2", "ch", CaseOpen)

	if err := s.AddEvidence("case-1", []string{"m1"}); err != nil {
		t.Fatalf("AddEvidence: %v", err)
	}
	if err := s.AddEvidence("case-2", []string{"m1"}); err != nil {
		t.Fatalf("AddEvidence: %v", err)
	}

	got, err := s.CasesByEvidenceMessage("m1")
	if err != nil {
		t.Fatalf("CasesByEvidenceMessage: %v", err)
	}
	if len(got) != 2 {
		t.Errorf("cases for m1 = %v, want 2 entries", got)
	}
}
