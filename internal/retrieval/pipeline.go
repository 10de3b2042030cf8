package retrieval

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/zulandar/citeline/internal/metrics"
	"github.com/zulandar/citeline/internal/observability"
)

// Pipeline defaults.
const (
	DefaultMaxChunks       = 5
	DefaultOverfetchFactor = 3
	DefaultPerDocumentCap  = 3
	DefaultMinScore        = 0.5
	DefaultTimeout         = 15 * time.Second
)

// Metrics describes the chunks a retrieval returned.
type Metrics struct {
	Count           int     `json:"count"`
	AvgScore        float64 `json:"avg_score"`
	MinScore        float64 `json:"min_score"`
	MaxScore        float64 `json:"max_score"`
	UniqueDocuments int     `json:"unique_documents"`
	DiversityRatio  float64 `json:"diversity_ratio"`
	DroppedByCap    int     `json:"dropped_by_cap"`
	DroppedBelowMin int     `json:"dropped_below_min"`
	CacheHit        bool    `json:"cache_hit"`
	Recency         bool    `json:"recency"`
}

// Result is the output of one retrieval.
type Result struct {
	Chunks  []Chunk
	Metrics Metrics
}

// Options overrides pipeline settings for one call. Zero values keep the
// pipeline defaults.
type Options struct {
	MaxChunks int
	MinScore  *float64
}

// Pipeline runs search, diversity capping, thresholding and name
// resolution for a question.
type Pipeline struct {
	searcher        Searcher
	documents       DocumentLookup
	cache           *Cache
	maxChunks       int
	overfetchFactor int
	rerank          bool
	perDocumentCap  int
	minScore        float64
	timeout         time.Duration
	metrics         *metrics.Metrics
}

// PipelineOpts holds parameters for creating a Pipeline.
type PipelineOpts struct {
	Searcher        Searcher
	Documents       DocumentLookup // optional; names fall back to UnknownDocument
	Cache           *Cache         // optional
	MaxChunks       int            // defaults to DefaultMaxChunks
	OverfetchFactor int            // defaults to DefaultOverfetchFactor
	Rerank          *bool          // defaults to true
	PerDocumentCap  int            // defaults to DefaultPerDocumentCap
	MinScore        *float64       // defaults to DefaultMinScore
	Timeout         time.Duration  // defaults to DefaultTimeout
	Metrics         *metrics.Metrics
}

// NewPipeline creates a Pipeline.
func NewPipeline(opts PipelineOpts) (*Pipeline, error) {
	if opts.Searcher == nil {
		return nil, fmt.Errorf("retrieval: searcher is required")
	}
	p := &Pipeline{
		searcher:        opts.Searcher,
		documents:       opts.Documents,
		cache:           opts.Cache,
		maxChunks:       opts.MaxChunks,
		overfetchFactor: opts.OverfetchFactor,
		rerank:          true,
		perDocumentCap:  opts.PerDocumentCap,
		minScore:        DefaultMinScore,
		timeout:         opts.Timeout,
		metrics:         opts.Metrics,
	}
	if p.maxChunks <= 0 {
		p.maxChunks = DefaultMaxChunks
	}
	if p.overfetchFactor <= 0 {
		p.overfetchFactor = DefaultOverfetchFactor
	}
	if opts.Rerank != nil {
		p.rerank = *opts.Rerank
	}
	if p.perDocumentCap <= 0 {
		p.perDocumentCap = DefaultPerDocumentCap
	}
	if opts.MinScore != nil {
		p.minScore = *opts.MinScore
	}
	if p.timeout <= 0 {
		p.timeout = DefaultTimeout
	}
	if p.cache == nil {
		p.cache = NewCache(CacheOpts{Metrics: opts.Metrics})
	}
	return p, nil
}

// Retrieve returns the most relevant chunks for query within orgID's
// documents, at most MaxChunks, numbered from 1 in rank order.
func (p *Pipeline) Retrieve(ctx context.Context, query, orgID string, opts Options) (*Result, error) {
	if strings.TrimSpace(query) == "" {
		return nil, fmt.Errorf("retrieval: query is required")
	}
	if orgID == "" {
		return nil, fmt.Errorf("retrieval: organization is required")
	}

	params := Params{
		MaxChunks:      p.maxChunks,
		Rerank:         p.rerank,
		PerDocumentCap: p.perDocumentCap,
		Recency:        IsTimeSensitive(query),
		MinScore:       p.minScore,
	}
	if opts.MaxChunks > 0 {
		params.MaxChunks = opts.MaxChunks
	}
	if opts.MinScore != nil {
		params.MinScore = *opts.MinScore
	}

	log := observability.LoggerFromContext(ctx).With("organization_id", orgID)
	start := time.Now()
	var droppedCap, droppedMin int

	chunks, hit, err := p.cache.GetOrCompute(ctx, CacheKey(orgID, query, params), func(ctx context.Context) ([]Chunk, error) {
		searchCtx, cancel := context.WithTimeout(ctx, p.timeout)
		defer cancel()

		raw, err := p.searcher.Search(searchCtx, SearchRequest{
			Query:          query,
			Partition:      orgID,
			MaxResults:     params.MaxChunks * p.overfetchFactor,
			Rerank:         params.Rerank,
			RecencyBias:    params.Recency,
			PerDocumentCap: params.PerDocumentCap,
		})
		if err != nil {
			return nil, err
		}

		capped, nCap := ApplyDiversityCap(raw, params.PerDocumentCap)
		kept, nMin := ApplyThreshold(capped, params.MinScore)
		droppedCap, droppedMin = nCap, nMin
		if len(kept) > params.MaxChunks {
			kept = kept[:params.MaxChunks]
		}
		p.resolveNames(searchCtx, orgID, kept)
		for i := range kept {
			kept[i].Sequence = i + 1
		}
		return kept, nil
	})
	if err != nil {
		return nil, fmt.Errorf("retrieval: retrieve: %w", err)
	}

	p.metrics.Dropped("diversity_cap", droppedCap)
	p.metrics.Dropped("threshold", droppedMin)
	p.metrics.ObserveRetrieval(time.Since(start).Seconds())

	m := ComputeMetrics(chunks)
	m.DroppedByCap = droppedCap
	m.DroppedBelowMin = droppedMin
	m.CacheHit = hit
	m.Recency = params.Recency
	log.Info("retrieval complete",
		"chunks", m.Count,
		"unique_documents", m.UniqueDocuments,
		"dropped_by_cap", droppedCap,
		"dropped_below_min", droppedMin,
		"cache_hit", hit,
		"recency", params.Recency,
	)
	return &Result{Chunks: chunks, Metrics: m}, nil
}

// resolveNames fills DocumentName once per distinct document. A failed
// lookup never fails the retrieval.
func (p *Pipeline) resolveNames(ctx context.Context, orgID string, chunks []Chunk) {
	names := make(map[string]string)
	for i := range chunks {
		c := &chunks[i]
		if c.DocumentName != "" {
			continue
		}
		name, seen := names[c.DocumentID]
		if !seen {
			name = p.lookupName(ctx, orgID, c.DocumentID)
			names[c.DocumentID] = name
		}
		c.DocumentName = name
	}
}

func (p *Pipeline) lookupName(ctx context.Context, orgID, documentID string) string {
	if p.documents == nil {
		return UnknownDocument
	}
	name, err := p.documents.DocumentName(ctx, orgID, documentID)
	if err != nil || name == "" {
		observability.LoggerFromContext(ctx).Warn("document name lookup failed",
			"document_id", documentID, "error", err)
		return UnknownDocument
	}
	return name
}

// ApplyDiversityCap keeps at most limit chunks per document. For a
// document over the limit its highest-scoring chunks survive; the
// survivors keep their original relative order. It returns the kept chunks
// and how many were dropped. A limit of zero or less keeps everything.
func ApplyDiversityCap(chunks []Chunk, limit int) ([]Chunk, int) {
	if limit <= 0 {
		return chunks, 0
	}
	byDoc := make(map[string][]int)
	for i, c := range chunks {
		byDoc[c.DocumentID] = append(byDoc[c.DocumentID], i)
	}

	drop := make(map[int]bool)
	for _, idx := range byDoc {
		if len(idx) <= limit {
			continue
		}
		ranked := append([]int(nil), idx...)
		sort.SliceStable(ranked, func(a, b int) bool {
			return chunks[ranked[a]].Score > chunks[ranked[b]].Score
		})
		for _, i := range ranked[limit:] {
			drop[i] = true
		}
	}
	if len(drop) == 0 {
		return chunks, 0
	}

	kept := make([]Chunk, 0, len(chunks)-len(drop))
	for i, c := range chunks {
		if !drop[i] {
			kept = append(kept, c)
		}
	}
	return kept, len(drop)
}

// ApplyThreshold keeps chunks whose score is at least minScore.
func ApplyThreshold(chunks []Chunk, minScore float64) ([]Chunk, int) {
	kept := make([]Chunk, 0, len(chunks))
	for _, c := range chunks {
		if c.Score >= minScore {
			kept = append(kept, c)
		}
	}
	return kept, len(chunks) - len(kept)
}

// ComputeMetrics summarizes a chunk list. Every field is zero for an empty
// list.
func ComputeMetrics(chunks []Chunk) Metrics {
	var m Metrics
	if len(chunks) == 0 {
		return m
	}
	docs := make(map[string]struct{})
	m.MinScore = chunks[0].Score
	m.MaxScore = chunks[0].Score
	var total float64
	for _, c := range chunks {
		total += c.Score
		if c.Score < m.MinScore {
			m.MinScore = c.Score
		}
		if c.Score > m.MaxScore {
			m.MaxScore = c.Score
		}
		docs[c.DocumentID] = struct{}{}
	}
	m.Count = len(chunks)
	m.AvgScore = total / float64(len(chunks))
	m.UniqueDocuments = len(docs)
	m.DiversityRatio = float64(len(docs)) / float64(len(chunks))
	return m
}
