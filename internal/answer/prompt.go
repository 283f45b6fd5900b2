package answer

import (
	"fmt"
	"strings"

	"github.com/casemill/casemill/internal/engine"
	"github.com/casemill/casemill/internal/retrieval"
	"github.com/casemill/casemill/internal/storage"
)

const considerSystemPrompt = `You are a triage filter for a support knowledge bot. Decide whether the newest message is a question or problem report the bot should look up in its knowledge base.

Answer consider=false for greetings, thanks, acknowledgements, small talk, and messages addressed to other people. Answer consider=true only for genuine support questions or problem reports.

Your output must be ONLY a single valid JSON object conforming to the provided schema.`

// buildConsiderPrompt constructs the stage-1 chat messages.
func buildConsiderPrompt(q Question) []engine.Message {
	var sb strings.Builder
	if len(q.Context) > 0 {
		sb.WriteString("Recent conversation:\n")
		sb.WriteString(renderContext(q.Context))
		sb.WriteString("\n")
	}
	fmt.Fprintf(&sb, "Newest message:\n%s", q.Text)

	return []engine.Message{
		{Role: "system", Content: considerSystemPrompt},
		{Role: "user", Content: sb.String()},
	}
}

func considerSchema() *engine.Schema {
	return &engine.Schema{
		Type: "object",
		Properties: map[string]engine.SchemaProperty{
			"consider": {Type: "boolean", Description: "Whether the bot should attempt a knowledge-base answer"},
		},
		Required: []string{"consider"},
	}
}

const respondSystemPrompt = `You are a support knowledge bot. You may answer ONLY from the evidence case provided below; you have no other knowledge. If the evidence does not actually answer the question, set respond=false.

Rules:
- Never invent solutions or extrapolate beyond the evidence.
- When you answer, restate the relevant solution concisely and cite the case id in the text, e.g. "(case <id>)".
- Keep the tone helpful and brief; this is a group chat.

Your output must be ONLY a single valid JSON object conforming to the provided schema.`

// buildRespondPrompt constructs the stage-2 chat messages with the filtered evidence.
func buildRespondPrompt(q Question, evidence *retrieval.ScoredCase) []engine.Message {
	var sb strings.Builder
	sb.WriteString("Evidence case:\n")
	fmt.Fprintf(&sb, "id: %s\ntitle: %s\nproblem: %s\nsolution: %s\n\n",
		evidence.ID, evidence.Title, evidence.ProblemSummary, evidence.SolutionSummary)
	if len(q.Context) > 0 {
		sb.WriteString("Recent conversation:\n")
		sb.WriteString(renderContext(q.Context))
		sb.WriteString("\n")
	}
	fmt.Fprintf(&sb, "Question:\n%s", q.Text)

	return []engine.Message{
		{Role: "system", Content: respondSystemPrompt},
		{Role: "user", Content: sb.String()},
	}
}

func respondSchema() *engine.Schema {
	return &engine.Schema{
		Type: "object",
		Properties: map[string]engine.SchemaProperty{
			"respond":   {Type: "boolean", Description: "False to stay silent"},
			"text":      {Type: "string", Description: "The answer text, citing the case id; empty when respond is false"},
			"citations": {Type: "array", Description: "Ids of the evidence cases used", Items: &engine.SchemaProperty{Type: "string"}},
		},
		Required: []string{"respond", "text", "citations"},
	}
}

func renderContext(msgs []storage.Message) string {
	var sb strings.Builder
	for _, m := range msgs {
		sender := m.SenderHash
		if sender == "" {
			sender = "unknown"
		}
		fmt.Fprintf(&sb, "[%s] %s\n", sender, strings.ReplaceAll(m.Body, "\n", " "))
	}
	return sb.String()
}
