// Package retrieval finds the document excerpts that answer a question:
// it calls the retrieval service, caches results per organization and
// filters them for diversity and relevance.
package retrieval

import (
	"context"
	"errors"
	"math"
)

// UnknownDocument is the display name used when a document's name cannot
// be resolved.
const UnknownDocument = "Unknown document"

// ErrDocumentNotFound is returned by a DocumentLookup for an unknown id.
var ErrDocumentNotFound = errors.New("retrieval: document not found")

// Chunk is one scored excerpt from a document. Sequence is the 1-based
// position assigned after filtering and is the number the model cites.
type Chunk struct {
	DocumentID   string  `json:"document_id"`
	DocumentName string  `json:"document_name"`
	Text         string  `json:"text"`
	Score        float64 `json:"score"`
	Page         *int    `json:"page,omitempty"`
	Sequence     int     `json:"sequence"`
}

// ClampScore bounds a relevance score to [0,1]. NaN becomes 0.
func ClampScore(score float64) float64 {
	if math.IsNaN(score) {
		return 0
	}
	return math.Max(0, math.Min(1, score))
}

// SearchRequest is sent to the retrieval service. Partition is the
// organization id.
type SearchRequest struct {
	Query          string `json:"query"`
	Partition      string `json:"partition"`
	MaxResults     int    `json:"max_results"`
	Rerank         bool   `json:"rerank"`
	RecencyBias    bool   `json:"recency_bias"`
	PerDocumentCap int    `json:"per_document_cap"`
}

// Searcher performs semantic search over one organization's documents.
type Searcher interface {
	Search(ctx context.Context, req SearchRequest) ([]Chunk, error)
}

// DocumentLookup resolves document display names.
type DocumentLookup interface {
	DocumentName(ctx context.Context, orgID, documentID string) (string, error)
}
