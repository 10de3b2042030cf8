package attribution

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zulandar/citeline/internal/generation"
	"github.com/zulandar/citeline/internal/retrieval"
)

func chunks(n int) []retrieval.Chunk {
	out := make([]retrieval.Chunk, n)
	for i := range out {
		out[i] = retrieval.Chunk{
			DocumentID:   string(rune('a' + i)),
			DocumentName: "Doc " + string(rune('A'+i)),
			Text:         "excerpt " + string(rune('a'+i)),
			Score:        0.9 - float64(i)*0.1,
			Sequence:     i + 1,
		}
	}
	return out
}

func TestReconcile_RoundTripPosition(t *testing.T) {
	in := chunks(4)
	for k := 1; k <= len(in); k++ {
		out := Reconcile(in, []generation.SourceUse{{SourceNum: k, Reason: "because"}}, false)
		require.Len(t, out, len(in))
		for i, a := range out {
			if i == k-1 {
				assert.True(t, a.IsUsed, "k=%d: chunk %d should be used", k, i)
				require.NotNil(t, a.SequenceNumber)
				assert.Equal(t, k, *a.SequenceNumber)
				assert.Equal(t, "because", *a.UsageReason)
				assert.Equal(t, in[k-1].DocumentID, a.Chunk.DocumentID)
			} else {
				assert.False(t, a.IsUsed, "k=%d: chunk %d should be unused", k, i)
				assert.Nil(t, a.SequenceNumber)
				assert.Nil(t, a.UsageReason)
			}
		}
	}
}

func TestReconcile_IgnoresOutOfRangeAndDuplicates(t *testing.T) {
	out := Reconcile(chunks(3), []generation.SourceUse{
		{SourceNum: 0, Reason: "zero"},
		{SourceNum: 4, Reason: "past end"},
		{SourceNum: -1, Reason: "negative"},
		{SourceNum: 2, Reason: "first"},
		{SourceNum: 2, Reason: "second"},
	}, false)

	assert.Equal(t, 1, UsedCount(out))
	assert.True(t, out[1].IsUsed)
	assert.Equal(t, "first", *out[1].UsageReason)
}

func TestReconcile_FallbackMarksAllUsed(t *testing.T) {
	out := Reconcile(chunks(3), []generation.SourceUse{{SourceNum: 1, Reason: "ignored"}}, true)
	require.Len(t, out, 3)
	for i, a := range out {
		assert.True(t, a.IsUsed, "chunk %d", i)
		assert.Nil(t, a.UsageReason, "chunk %d", i)
		assert.Nil(t, a.SequenceNumber, "chunk %d", i)
	}
}

func TestReconcile_NoChunks(t *testing.T) {
	assert.Empty(t, Reconcile(nil, []generation.SourceUse{{SourceNum: 1}}, false))
	assert.Empty(t, Reconcile(nil, nil, true))
}

func TestToSources(t *testing.T) {
	in := chunks(2)
	page := 7
	in[0].Page = &page
	in[0].Text = strings.Repeat("x", 600)

	src := ToSources("msg-1", Reconcile(in, []generation.SourceUse{{SourceNum: 1, Reason: "r"}}, false))
	require.Len(t, src, 2)

	assert.Equal(t, "msg-1", src[0].MessageID)
	assert.Equal(t, "a", src[0].DocumentID)
	assert.Equal(t, "Doc A", src[0].DocumentName)
	assert.Equal(t, 7, *src[0].PageNumber)
	assert.Len(t, src[0].Excerpt, MaxExcerptLength)
	assert.True(t, strings.HasSuffix(src[0].Excerpt, "..."))
	assert.True(t, src[0].IsUsed)
	assert.Equal(t, 1, *src[0].SequenceNumber)

	assert.False(t, src[1].IsUsed)
	assert.Nil(t, src[1].PageNumber)
	assert.Equal(t, "excerpt b", src[1].Excerpt)
}

func TestToSources_ClampsRelevanceScore(t *testing.T) {
	in := []retrieval.Chunk{
		{DocumentID: "a", Text: "x", Score: 2.5},
		{DocumentID: "b", Text: "y", Score: -1},
	}
	sources := ToSources("m-1", Reconcile(in, nil, true))

	require.Len(t, sources, 2)
	assert.Equal(t, 1.0, sources[0].RelevanceScore)
	assert.Equal(t, 0.0, sources[1].RelevanceScore)
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", Truncate("short", 10))
	assert.Equal(t, "abcdefg...", Truncate("abcdefghijklmnop", 10))
	assert.Equal(t, "ééé...", Truncate("éééééééé", 6))
	assert.Equal(t, "ab", Truncate("abcdef", 2))
}
