// Package api is the HTTP collaborator surface: the channel-ingestion entry
// point, the question-answering entry point, and the administrative routes
// through which job failures and the case base are observed.
package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/casemill/casemill/internal/answer"
	"github.com/casemill/casemill/internal/ingest"
	"github.com/casemill/casemill/internal/storage"
)

const maxIngestBodySize = 10 << 20 // 10MB

// Answerer runs the trust-gated question pipeline.
type Answerer interface {
	Answer(ctx context.Context, q answer.Question) *answer.Reply
}

type AppDeps struct {
	Store    *storage.Store
	Answerer Answerer
	Token    string
	// ContextLimit is how many recent channel messages are handed to the
	// answer pipeline as surrounding context.
	ContextLimit int
	// MaxAttempts caps retries for jobs enqueued through ingestion;
	// zero keeps the store default.
	MaxAttempts int
}

// NewAppHandler builds the authenticated application router. /health stays
// outside auth so process supervisors can probe it.
func NewAppHandler(deps AppDeps) http.Handler {
	if deps.ContextLimit <= 0 {
		deps.ContextLimit = 10
	}

	r := chi.NewRouter()
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		r.Post("/channels/{channelID}/messages", handleIngestMessages(deps))
		r.Post("/ask", handleAsk(deps))
		r.Get("/jobs", handleListJobs(deps))
		r.Post("/jobs/{jobID}/cancel", handleCancelJob(deps))
		r.Get("/cases", handleListCases(deps))
		r.Get("/cases/{caseID}", handleGetCase(deps))
		r.Post("/cases/{caseID}/archive", handleArchiveCase(deps))
	})

	return r
}

// IngestMessage is one inbound chat message. Format "html" bodies are
// flattened to plain text before buffering; everything else is stored as-is.
type IngestMessage struct {
	ID          string   `json:"id"`
	SenderHash  string   `json:"sender_hash"`
	Text        string   `json:"text"`
	Format      string   `json:"format"`
	Attachments []string `json:"attachments"`
	ReplyTo     string   `json:"reply_to"`
	Timestamp   string   `json:"timestamp"` // RFC3339; empty means now
}

type ingestRequest struct {
	Messages []IngestMessage `json:"messages"`
}

func handleIngestMessages(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		channelID := chi.URLParam(r, "channelID")
		r.Body = http.MaxBytesReader(w, r.Body, maxIngestBodySize)
		defer r.Body.Close()

		var req ingestRequest
		if err := decodeJSON(r, &req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if len(req.Messages) == 0 {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "messages is required")
			return
		}

		appended := make([]string, 0, len(req.Messages))
		for _, im := range req.Messages {
			if im.Text == "" {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "message text is required")
				return
			}
			body := im.Text
			if im.Format == "html" {
				body = flattenHTML(body)
			}

			m := storage.Message{
				ID:         im.ID,
				ChannelID:  channelID,
				SenderHash: im.SenderHash,
				Body:       body,
				ReplyTo:    im.ReplyTo,
			}
			if m.ID == "" {
				m.ID = uuid.New().String()
			}
			if len(im.Attachments) > 0 {
				m.Attachments = marshalAttachments(im.Attachments)
			}
			if im.Timestamp != "" {
				t, err := time.Parse(time.RFC3339, im.Timestamp)
				if err != nil {
					httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid timestamp %q: %v", im.Timestamp, err)
					return
				}
				m.CreatedAt = t
			}

			if _, err := deps.Store.AppendMessage(m); err != nil {
				// A message that already landed on an earlier attempt of this
				// batch counts as appended, so a client retry after a partial
				// failure still reaches the enqueue below.
				if !errors.Is(err, storage.ErrDuplicate) {
					httpError(w, http.StatusInternalServerError, "api_error", "storing message: %v", err)
					return
				}
			}
			appended = append(appended, m.ID)
		}

		jobID := uuid.New().String()
		if err := ingest.EnqueueMine(deps.Store, jobID, channelID, deps.MaxAttempts); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "enqueueing mine job: %v", err)
			return
		}

		writeJSON(w, http.StatusAccepted, map[string]any{
			"appended": appended,
			"job_id":   jobID,
		})
	}
}

type askRequest struct {
	ChannelID string `json:"channel_id"`
	Text      string `json:"text"`
	Addressed bool   `json:"addressed"`
}

func handleAsk(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req askRequest
		if err := decodeJSON(r, &req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.ChannelID == "" || req.Text == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "channel_id and text are required")
			return
		}

		// Context load failures are not fatal: the pipeline can answer
		// without surrounding conversation.
		ctxMsgs, err := deps.Store.RecentMessages(req.ChannelID, deps.ContextLimit)
		if err != nil {
			ctxMsgs = nil
		}

		reply := deps.Answerer.Answer(r.Context(), answer.Question{
			ChannelID: req.ChannelID,
			Text:      req.Text,
			Context:   ctxMsgs,
			Addressed: req.Addressed,
		})
		if reply == nil {
			// Silence is a first-class outcome, not an error.
			w.WriteHeader(http.StatusNoContent)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"text":    reply.Text,
			"case_id": reply.CaseID,
		})
	}
}

func handleListJobs(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := r.URL.Query().Get("status")
		limit := queryInt(r, "limit", 50)

		jobs, err := deps.Store.ListJobs(status, limit)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "listing jobs: %v", err)
			return
		}

		out := make([]map[string]any, 0, len(jobs))
		for _, j := range jobs {
			out = append(out, map[string]any{
				"id":         j.ID,
				"type":       j.Type,
				"channel_id": j.ChannelID,
				"status":     j.Status,
				"attempts":   j.Attempts,
				"last_error": j.LastError,
				"updated_at": j.UpdatedAt.Format(time.RFC3339),
			})
		}
		writeJSON(w, http.StatusOK, map[string]any{"jobs": out})
	}
}

func handleCancelJob(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "jobID")
		err := deps.Store.CancelJob(id)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found_error", "job %s not found", id)
			return
		}
		if err != nil {
			httpError(w, http.StatusConflict, "invalid_request_error", "%v", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": storage.JobCancelled})
	}
}

func handleListCases(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		channelID := r.URL.Query().Get("channel_id")
		limit := queryInt(r, "limit", 50)

		cases, err := deps.Store.ListCases(channelID, limit)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "listing cases: %v", err)
			return
		}

		out := make([]map[string]any, 0, len(cases))
		for _, c := range cases {
			out = append(out, caseJSON(c, nil))
		}
		writeJSON(w, http.StatusOK, map[string]any{"cases": out})
	}
}

func handleGetCase(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "caseID")
		c, err := deps.Store.GetCase(id)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found_error", "case %s not found", id)
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "loading case: %v", err)
			return
		}
		evidence, err := deps.Store.ListEvidence(id)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "loading evidence: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, caseJSON(c, evidence))
	}
}

func handleArchiveCase(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "caseID")
		err := deps.Store.ArchiveCase(id)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found_error", "case %s not found or already archived", id)
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "archiving case: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": storage.CaseArchived})
	}
}

func caseJSON(c storage.Case, evidence []string) map[string]any {
	out := map[string]any{
		"id":               c.ID,
		"channel_id":       c.ChannelID,
		"status":           c.Status,
		"title":            c.Title,
		"problem_summary":  c.ProblemSummary,
		"solution_summary": c.SolutionSummary,
		"tags":             rawJSONArray(c.Tags),
		"created_at":       c.CreatedAt.Format(time.RFC3339),
		"updated_at":       c.UpdatedAt.Format(time.RFC3339),
	}
	if evidence != nil {
		out["evidence_ids"] = evidence
	}
	return out
}

func queryInt(r *http.Request, key string, def int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return def
	}
	return n
}
