// Package attribution maps the sources a model says it used back onto the
// chunks it was shown.
package attribution

import (
	"unicode/utf8"

	"github.com/zulandar/citeline/internal/generation"
	"github.com/zulandar/citeline/internal/models"
	"github.com/zulandar/citeline/internal/retrieval"
)

// MaxExcerptLength is the longest excerpt stored with a source, in runes.
const MaxExcerptLength = 500

// Annotated is a chunk with its usage verdict.
type Annotated struct {
	Chunk          retrieval.Chunk
	IsUsed         bool
	UsageReason    *string
	SequenceNumber *int
}

// Reconcile annotates every chunk, in the order given. chunks must be the
// exact list shown to the model: source number k refers to chunks[k-1].
//
// Out-of-range source numbers are ignored and a repeated number keeps its
// first reason. With fallback set the model could not say what it used, so
// every chunk is marked used without a reason or sequence number.
func Reconcile(chunks []retrieval.Chunk, uses []generation.SourceUse, fallback bool) []Annotated {
	out := make([]Annotated, len(chunks))
	for i, c := range chunks {
		out[i] = Annotated{Chunk: c, IsUsed: fallback}
	}
	if fallback {
		return out
	}
	for _, u := range uses {
		idx := u.SourceNum - 1
		if idx < 0 || idx >= len(out) || out[idx].IsUsed {
			continue
		}
		reason := u.Reason
		seq := u.SourceNum
		out[idx].IsUsed = true
		out[idx].UsageReason = &reason
		out[idx].SequenceNumber = &seq
	}
	return out
}

// ToSources converts annotations into Source rows for messageID.
func ToSources(messageID string, annotated []Annotated) []models.Source {
	sources := make([]models.Source, 0, len(annotated))
	for _, a := range annotated {
		sources = append(sources, models.Source{
			MessageID:      messageID,
			DocumentID:     a.Chunk.DocumentID,
			DocumentName:   a.Chunk.DocumentName,
			PageNumber:     a.Chunk.Page,
			Excerpt:        Truncate(a.Chunk.Text, MaxExcerptLength),
			RelevanceScore: retrieval.ClampScore(a.Chunk.Score),
			IsUsed:         a.IsUsed,
			UsageReason:    a.UsageReason,
			SequenceNumber: a.SequenceNumber,
		})
	}
	return sources
}

// Truncate shortens s to at most n runes, marking a cut with "...".
func Truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	if n <= 3 {
		return string(runes[:n])
	}
	return string(runes[:n-3]) + "..."
}

// UsedCount returns how many annotations are marked used.
func UsedCount(annotated []Annotated) int {
	n := 0
	for _, a := range annotated {
		if a.IsUsed {
			n++
		}
	}
	return n
}
