package mining

import "github.com/casemill/casemill/internal/engine"

const extractionSystemPrompt = `You are a support-exchange detector. The user message is a numbered chat transcript, one message per line, formatted as "INDEX. [sender] text".

Find every COMPLETED support exchange: a problem was raised and the thread reached a resolution or clearly ended. Your output must be ONLY a single valid JSON object conforming to the provided schema.

Rules:
- Report each exchange as the inclusive line-number range {start_idx, end_idx}. Use the line numbers exactly as given; never count characters.
- Ranges must not overlap each other.
- Ignore exchanges that are still in progress: unanswered questions stay in the transcript for later.
- Ignore greetings, small talk, and off-topic chatter.
- If nothing qualifies, return {"spans": []}.`

// buildExtractionPrompt constructs the chat messages for span extraction.
func buildExtractionPrompt(transcript string) []engine.Message {
	return []engine.Message{
		{Role: "system", Content: extractionSystemPrompt},
		{Role: "user", Content: transcript},
	}
}

const normalizationSystemPrompt = `You are a support-case normalizer. The user message is one chat exchange, formatted as "[sender] text" lines.

Turn it into a structured case record. Your output must be ONLY a single valid JSON object conforming to the provided schema.

Rules:
- keep=false for anything that is not a genuine support problem (chatter, announcements, jokes).
- status="solved" ONLY if the exchange contains a solution that was confirmed or clearly worked; otherwise status="open".
- When status="solved", solution_summary must describe the fix in the helper's words. When status="open", leave it empty.
- title is a short, searchable problem statement; problem_summary expands it with the symptoms and context.
- tags are lowercase topic keywords.`

// buildNormalizationPrompt constructs the chat messages for case normalization.
func buildNormalizationPrompt(spanText string) []engine.Message {
	return []engine.Message{
		{Role: "system", Content: normalizationSystemPrompt},
		{Role: "user", Content: spanText},
	}
}
