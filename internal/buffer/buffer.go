// Package buffer holds the span arithmetic for channel message buffers:
// rendering a buffer as a numbered transcript for the span extractor, and
// validating the index ranges that come back.
//
// Spans are index ranges into the buffer's current ordered message list,
// never character offsets: message bodies can contain substrings identical
// to any formatting delimiter, so only indices map back unambiguously.
package buffer

import (
	"fmt"
	"sort"
	"strings"

	"github.com/casemill/casemill/internal/storage"
)

// Span is an inclusive range [Start, End] of buffer indices forming one
// candidate exchange.
type Span struct {
	Start int `json:"start_idx"`
	End   int `json:"end_idx"`
}

// Len returns the number of messages covered by the span.
func (s Span) Len() int {
	return s.End - s.Start + 1
}

// Render formats the buffer as a numbered transcript, one message per line:
//
//	0. [3f2a9c] Can't log in, wrong password
//	1. [b81d04] Reset your password
//
// The line number is the buffer index the extractor must return. Newlines
// inside a message body are flattened so the numbering stays unambiguous.
func Render(msgs []storage.Message) string {
	var sb strings.Builder
	for i, m := range msgs {
		body := strings.ReplaceAll(m.Body, "\n", " ")
		sender := m.SenderHash
		if sender == "" {
			sender = "unknown"
		}
		fmt.Fprintf(&sb, "%d. [%s] %s\n", i, sender, body)
	}
	return sb.String()
}

// ValidateSpans checks that every span lies within the buffer and that the
// spans are pairwise disjoint. A single overlapping or out-of-range span
// rejects the whole extraction response: partial acceptance would make the
// exactly-once trim guarantee unverifiable.
func ValidateSpans(spans []Span, bufLen int) error {
	for _, s := range spans {
		if s.Start < 0 || s.End >= bufLen || s.Start > s.End {
			return fmt.Errorf("span [%d,%d] out of range for buffer of %d messages", s.Start, s.End, bufLen)
		}
	}

	sorted := make([]Span, len(spans))
	copy(sorted, spans)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Start < sorted[j].Start })
	for i := 1; i < len(sorted); i++ {
		if sorted[i].Start <= sorted[i-1].End {
			return fmt.Errorf("spans [%d,%d] and [%d,%d] overlap",
				sorted[i-1].Start, sorted[i-1].End, sorted[i].Start, sorted[i].End)
		}
	}
	return nil
}

// Messages returns the buffer messages covered by the span, in order.
func Messages(msgs []storage.Message, s Span) []storage.Message {
	return msgs[s.Start : s.End+1]
}

// IDs returns the ids of the messages covered by the span. Trimming operates
// on these identities, so removal is a set difference, not a text match.
func IDs(msgs []storage.Message, s Span) []string {
	ids := make([]string, 0, s.Len())
	for _, m := range Messages(msgs, s) {
		ids = append(ids, m.ID)
	}
	return ids
}

// Text renders the spanned exchange for the case normalizer, keeping the
// sender attribution but dropping the index numbering.
func Text(msgs []storage.Message, s Span) string {
	var sb strings.Builder
	for _, m := range Messages(msgs, s) {
		sender := m.SenderHash
		if sender == "" {
			sender = "unknown"
		}
		fmt.Fprintf(&sb, "[%s] %s\n", sender, m.Body)
	}
	return sb.String()
}
