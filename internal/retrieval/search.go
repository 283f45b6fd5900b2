package retrieval

import (
	"container/heap"
	"database/sql"
	"fmt"
	"math"
	"strings"

	"github.com/casemill/casemill/internal/storage"
)

// ScoredCase is a case with its cosine similarity against the query vector.
type ScoredCase struct {
	storage.Case
	Score float32
}

// Searcher performs brute-force cosine similarity search over the cases table.
// A non-empty channel id scopes the search to that channel: cases from
// channel A are never candidates for a query (or a dedup merge) in channel B.
// An empty channel id searches all channels, for surfaces that browse the
// whole case base.
//
// Brute force is adequate at the per-channel case counts this system sees;
// should a channel ever accumulate six-figure case counts, swap in an
// ANN-indexed backend behind the same method signature.
type Searcher struct {
	db *sql.DB
}

// NewSearcher wraps the store's database for vector search over its cases table.
func NewSearcher(s *storage.Store) *Searcher {
	return &Searcher{db: s.DB()}
}

type idScore struct {
	ID    string
	Score float32
}

// Search returns the top-K most similar non-archived cases, best first,
// scoped to channelID when it is non-empty. Archived cases are superseded
// history and never retrieval candidates.
func (s *Searcher) Search(channelID string, vector []float32, topK int) ([]ScoredCase, error) {
	if topK <= 0 || len(vector) == 0 {
		return nil, nil
	}
	queryNorm := norm(vector)
	if queryNorm == 0 {
		return nil, nil
	}

	// Phase 1: scan only id + embedding to find top-K candidates.
	query := `SELECT id, embedding FROM cases WHERE status != 'archived' AND embedding IS NOT NULL`
	args := []any{}
	if channelID != "" {
		query += ` AND channel_id = ?`
		args = append(args, channelID)
	}
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying case embeddings: %w", err)
	}
	defer rows.Close()

	h := &idScoreHeap{}
	heap.Init(h)

	// Reusable buffer for decoding embeddings to avoid per-row allocations.
	var buf []float32

	for rows.Next() {
		var id string
		var blob []byte
		if err := rows.Scan(&id, &blob); err != nil {
			return nil, fmt.Errorf("scanning row: %w", err)
		}

		buf, err = storage.DecodeVectorInto(buf, blob)
		if err != nil {
			return nil, fmt.Errorf("decoding embedding for %s: %w", id, err)
		}

		score := cosine(vector, buf, queryNorm)
		if h.Len() < topK {
			heap.Push(h, idScore{ID: id, Score: score})
		} else if score > (*h)[0].Score {
			(*h)[0] = idScore{ID: id, Score: score}
			heap.Fix(h, 0)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating rows: %w", err)
	}

	if h.Len() == 0 {
		return nil, nil
	}

	// Phase 2: fetch full case rows only for the top-K ids.
	topIDs := make([]string, h.Len())
	scores := make(map[string]float32, h.Len())
	for i := len(topIDs) - 1; i >= 0; i-- {
		item := heap.Pop(h).(idScore)
		topIDs[i] = item.ID
		scores[item.ID] = item.Score
	}

	queryArgs := make([]interface{}, len(topIDs))
	for i, id := range topIDs {
		queryArgs[i] = id
	}
	fullQuery := `SELECT id, channel_id, status, title, problem_summary, solution_summary, tags, embedding, created_at, updated_at
		FROM cases WHERE id IN (?` + strings.Repeat(",?", len(topIDs)-1) + `)`

	fullRows, err := s.db.Query(fullQuery, queryArgs...)
	if err != nil {
		return nil, fmt.Errorf("fetching top-K cases: %w", err)
	}
	defer fullRows.Close()

	var results []ScoredCase
	for fullRows.Next() {
		var c storage.Case
		var blob []byte
		var createdAt, updatedAt string
		if err := fullRows.Scan(&c.ID, &c.ChannelID, &c.Status, &c.Title, &c.ProblemSummary,
			&c.SolutionSummary, &c.Tags, &blob, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("scanning full case: %w", err)
		}
		if c.Embedding, err = storage.DecodeVector(blob); err != nil {
			return nil, fmt.Errorf("decoding embedding for %s: %w", c.ID, err)
		}
		results = append(results, ScoredCase{Case: c, Score: scores[c.ID]})
	}
	if err := fullRows.Err(); err != nil {
		return nil, fmt.Errorf("iterating full cases: %w", err)
	}

	// Sort results by score descending (IN query doesn't preserve order).
	sortByScore(results)

	return results, nil
}

// sortByScore sorts ScoredCases by Score descending. Used for small slices (topK).
func sortByScore(results []ScoredCase) {
	for i := 1; i < len(results); i++ {
		for j := i; j > 0 && results[j].Score > results[j-1].Score; j-- {
			results[j], results[j-1] = results[j-1], results[j]
		}
	}
}

// norm returns the L2 norm of a vector.
func norm(v []float32) float32 {
	var sum float64
	for _, f := range v {
		sum += float64(f) * float64(f)
	}
	return float32(math.Sqrt(sum))
}

// cosine computes cosine similarity as dot(a,b) / (aNorm * bNorm).
// aNorm is the precomputed L2 norm of vector a.
func cosine(a, b []float32, aNorm float32) float32 {
	if len(a) != len(b) {
		return 0
	}
	var dot float64
	var bNormSq float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		bNormSq += float64(b[i]) * float64(b[i])
	}
	bNorm := math.Sqrt(bNormSq)
	if bNorm == 0 {
		return 0
	}
	return float32(dot / (float64(aNorm) * bNorm))
}

// idScoreHeap is a min-heap of idScore ordered by Score. Used during the scan
// phase of Search to track top-K candidates by ID only.
type idScoreHeap []idScore

func (h idScoreHeap) Len() int            { return len(h) }
func (h idScoreHeap) Less(i, j int) bool  { return h[i].Score < h[j].Score }
func (h idScoreHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *idScoreHeap) Push(x interface{}) { *h = append(*h, x.(idScore)) }
func (h *idScoreHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
