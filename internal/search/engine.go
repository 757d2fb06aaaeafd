package search

import (
	"context"
	"sort"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/brandon/mailhub/internal/cache"
	"github.com/brandon/mailhub/internal/metrics"
	"github.com/brandon/mailhub/pkg/types"
)

// Pass names reported in SearchResult.Sources
const (
	SourceEditDistance = "edit_distance"
	SourceTrigram      = "trigram"
	SourceSemantic     = "semantic"
	SourceFilter       = "filter"
)

const (
	// DefaultTrigramThreshold is the minimum similarity of a standalone trigram search.
	DefaultTrigramThreshold = 0.3
	// combinedTrigramThreshold is used inside the combined search.
	combinedTrigramThreshold = 0.1
	// semanticWeight gives semantic hits an edge over close lexical scores.
	semanticWeight = 1.1
	// MaxLimit bounds the number of results of one search.
	MaxLimit = 500
)

// CandidateSource loads cached messages and their embeddings
type CandidateSource interface {
	SearchCandidates(ctx context.Context, accountID int64, c types.SearchCriteria) ([]types.Email, error)
	Embeddings(ctx context.Context, accountID int64) ([]cache.StoredEmbedding, error)
}

// Embedder turns text into vectors
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	Available(ctx context.Context) error
}

// Engine runs combined fuzzy and semantic search over the cache.
type Engine struct {
	source   CandidateSource
	embedder Embedder
	semantic atomic.Bool
	logger   *logrus.Logger
}

// NewEngine creates a search engine. The semantic pass stays disabled until
// EnableSemantic succeeds; embedder may be nil.
func NewEngine(source CandidateSource, embedder Embedder, logger *logrus.Logger) *Engine {
	return &Engine{source: source, embedder: embedder, logger: logger}
}

// EnableSemantic checks the embedder and turns the semantic pass on when it
// answers.
func (e *Engine) EnableSemantic(ctx context.Context) bool {
	if e.embedder == nil {
		return false
	}
	if err := e.embedder.Available(ctx); err != nil {
		e.logger.WithError(err).Warn("Embedding backend unavailable, semantic search disabled")
		e.semantic.Store(false)
		return false
	}
	e.semantic.Store(true)
	return true
}

// SemanticEnabled reports whether the semantic pass runs
func (e *Engine) SemanticEnabled() bool {
	return e.semantic.Load()
}

// candidate is a cached message with its folded searchable fields
type candidate struct {
	email  types.Email
	fields []string
	grams  []map[string]struct{}
}

func newCandidates(msgs []types.Email) []*candidate {
	out := make([]*candidate, len(msgs))
	for i, m := range msgs {
		sender := m.SenderName + " " + m.SenderEmail
		out[i] = &candidate{
			email:  m,
			fields: []string{fold(m.Subject), fold(sender), fold(m.BodyText)},
		}
	}
	return out
}

func (c *candidate) trigrams() []map[string]struct{} {
	if c.grams == nil {
		c.grams = make([]map[string]struct{}, len(c.fields))
		for i, f := range c.fields {
			c.grams[i] = trigrams(f)
		}
	}
	return c.grams
}

// passResult is one pass's scores keyed by message id
type passResult struct {
	source string
	scores map[int64]float64
	weight float64
}

func validateLimit(limit int) error {
	if limit < 1 || limit > MaxLimit {
		return types.Errorf(types.KindValidation, "search", "limit must be between 1 and %d", MaxLimit)
	}
	return nil
}

// load parses the query and returns the candidates passing its filters.
// A failed load is logged and yields no candidates.
func (e *Engine) load(ctx context.Context, accountID int64, query string) (types.SearchCriteria, []*candidate, error) {
	criteria, err := Parse(query)
	if err != nil {
		return criteria, nil, err
	}
	if criteria.FreeText == "" && !criteria.HasFilters() {
		return criteria, nil, types.Errorf(types.KindValidation, "search", "query is empty")
	}
	msgs, err := e.source.SearchCandidates(ctx, accountID, criteria)
	if err != nil {
		metrics.SearchPassFailures.WithLabelValues(SourceEditDistance).Inc()
		e.logger.WithError(err).WithField("account", accountID).Warn("Failed to load search candidates")
		return criteria, nil, nil
	}
	return criteria, newCandidates(msgs), nil
}

// Search runs the edit-distance, trigram and semantic passes and merges
// them. A query with only structured filters returns matches newest first.
func (e *Engine) Search(ctx context.Context, accountID int64, query string, limit int) ([]types.SearchResult, error) {
	if err := validateLimit(limit); err != nil {
		return nil, err
	}
	criteria, candidates, err := e.load(ctx, accountID, query)
	if err != nil {
		return nil, err
	}

	if criteria.FreeText == "" {
		out := make([]types.SearchResult, 0, min(len(candidates), limit))
		for _, c := range candidates {
			if len(out) == limit {
				break
			}
			out = append(out, types.SearchResult{Email: c.email, Similarity: 1, Sources: []string{SourceFilter}})
		}
		return out, nil
	}

	text := fold(criteria.FreeText)
	passes := []passResult{
		editDistancePass(text, candidates),
		trigramPass(text, candidates, combinedTrigramThreshold),
	}
	if e.semantic.Load() {
		sem, err := e.semanticPass(ctx, accountID, criteria.FreeText, candidates, limit)
		if err != nil {
			metrics.SearchPassFailures.WithLabelValues(SourceSemantic).Inc()
			e.logger.WithError(err).WithField("account", accountID).Warn("Semantic search pass failed")
		} else {
			passes = append(passes, sem)
		}
	}

	results := merge(candidates, passes)
	if len(results) > limit {
		results = results[:limit]
	}
	e.logger.WithFields(logrus.Fields{
		"account":    accountID,
		"candidates": len(candidates),
		"results":    len(results),
	}).Debug("Search complete")
	return results, nil
}

// TrigramSearch ranks by trigram similarity alone. A threshold of zero or
// less uses DefaultTrigramThreshold.
func (e *Engine) TrigramSearch(ctx context.Context, accountID int64, query string, threshold float64, limit int) ([]types.SearchResult, error) {
	if err := validateLimit(limit); err != nil {
		return nil, err
	}
	if threshold <= 0 {
		threshold = DefaultTrigramThreshold
	}
	criteria, candidates, err := e.load(ctx, accountID, query)
	if err != nil {
		return nil, err
	}
	if criteria.FreeText == "" {
		return []types.SearchResult{}, nil
	}
	results := merge(candidates, []passResult{trigramPass(fold(criteria.FreeText), candidates, threshold)})
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

func editDistancePass(query string, candidates []*candidate) passResult {
	res := passResult{source: SourceEditDistance, scores: make(map[int64]float64), weight: 1}
	for _, c := range candidates {
		if editMatch(query, c.fields) {
			res.scores[c.email.ID] = EditDistanceScore
		}
	}
	return res
}

func trigramPass(query string, candidates []*candidate, threshold float64) passResult {
	res := passResult{source: SourceTrigram, scores: make(map[int64]float64), weight: 1}
	qgrams := trigrams(query)
	for _, c := range candidates {
		best := 0.0
		for _, g := range c.trigrams() {
			best = max(best, trigramSimilarity(qgrams, g))
		}
		if best >= threshold {
			res.scores[c.email.ID] = best
		}
	}
	return res
}

func (e *Engine) semanticPass(ctx context.Context, accountID int64, query string, candidates []*candidate, topK int) (passResult, error) {
	res := passResult{source: SourceSemantic, scores: make(map[int64]float64), weight: semanticWeight}

	vecs, err := e.embedder.Embed(ctx, []string{query})
	if err != nil {
		return res, err
	}
	if len(vecs) != 1 {
		return res, types.Errorf(types.KindRemoteBackend, "semantic search", "embedder returned %d vectors", len(vecs))
	}
	stored, err := e.source.Embeddings(ctx, accountID)
	if err != nil {
		return res, err
	}

	allowed := make(map[int64]bool, len(candidates))
	for _, c := range candidates {
		allowed[c.email.ID] = true
	}
	type scored struct {
		id    int64
		score float64
	}
	var hits []scored
	for _, s := range stored {
		if !allowed[s.EmailID] {
			continue
		}
		hits = append(hits, scored{s.EmailID, cosine(vecs[0], s.Vector)})
	}
	sort.Slice(hits, func(i, j int) bool { return hits[i].score > hits[j].score })
	if len(hits) > topK {
		hits = hits[:topK]
	}
	for _, h := range hits {
		res.scores[h.id] = h.score
	}
	return res, nil
}

// merge keeps the best weighted score per message and the passes that found
// it, then sorts by score and recency.
func merge(candidates []*candidate, passes []passResult) []types.SearchResult {
	byID := make(map[int64]*types.SearchResult)
	order := make([]int64, 0)
	emails := make(map[int64]types.Email, len(candidates))
	for _, c := range candidates {
		emails[c.email.ID] = c.email
	}

	for _, p := range passes {
		for id, score := range p.scores {
			email, ok := emails[id]
			if !ok {
				continue
			}
			weighted := score * p.weight
			r, ok := byID[id]
			if !ok {
				r = &types.SearchResult{Email: email}
				byID[id] = r
				order = append(order, id)
			}
			r.Similarity = max(r.Similarity, weighted)
			r.Sources = append(r.Sources, p.source)
		}
	}

	out := make([]types.SearchResult, 0, len(order))
	for _, id := range order {
		out = append(out, *byID[id])
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Similarity != out[j].Similarity {
			return out[i].Similarity > out[j].Similarity
		}
		if !out[i].Email.Date.Equal(out[j].Email.Date) {
			return out[i].Email.Date.After(out[j].Email.Date)
		}
		return out[i].Email.ID > out[j].Email.ID
	})
	return out
}
