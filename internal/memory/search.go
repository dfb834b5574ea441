package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

// DefaultSearchLimit bounds search results when the caller passes 0.
const DefaultSearchLimit = 10

// SearchOptions narrows a search.
type SearchOptions struct {
	Category Category
	MinSim   float64
	Limit    int
}

// Embedder produces query vectors. The gateway wires an external
// embedding client here; tests use a stub.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// SemanticSearch scores every embedded memory against queryVec by
// cosine similarity and returns the top matches at or above MinSim,
// highest first.
func (s *Store) SemanticSearch(ctx context.Context, queryVec []float32, opts SearchOptions) ([]SearchResult, error) {
	if len(queryVec) == 0 {
		return nil, fmt.Errorf("empty query vector")
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = DefaultSearchLimit
	}

	query := `SELECT ` + memoryColumns + `
		FROM memories WHERE archived = 0 AND embedding IS NOT NULL`
	args := []any{}
	if opts.Category != "" {
		query += ` AND category = ?`
		args = append(args, opts.Category)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("semantic search: %w", err)
	}
	defer rows.Close()

	var results []SearchResult
	for rows.Next() {
		m, _, err := scanMemory(rows)
		if err != nil {
			return nil, err
		}
		score := cosineSimilarity(queryVec, m.Embedding)
		if score < opts.MinSim {
			continue
		}
		results = append(results, SearchResult{Memory: m, Score: score})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sortByScore(results)
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// KeywordSearch matches memories whose content contains query terms
// via LIKE. Score is the fraction of terms present.
func (s *Store) KeywordSearch(ctx context.Context, queryText string, opts SearchOptions) ([]SearchResult, error) {
	terms := strings.Fields(strings.ToLower(queryText))
	if len(terms) == 0 {
		return nil, nil
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = DefaultSearchLimit
	}

	query := `SELECT ` + memoryColumns + `
		FROM memories WHERE archived = 0 AND (`
	args := []any{}
	for i, term := range terms {
		if i > 0 {
			query += ` OR `
		}
		query += `LOWER(content) LIKE ?`
		args = append(args, "%"+term+"%")
	}
	query += `)`
	if opts.Category != "" {
		query += ` AND category = ?`
		args = append(args, opts.Category)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("keyword search: %w", err)
	}
	defer rows.Close()

	var results []SearchResult
	for rows.Next() {
		m, _, err := scanMemory(rows)
		if err != nil {
			return nil, err
		}
		lower := strings.ToLower(m.Content)
		hits := 0
		for _, term := range terms {
			if strings.Contains(lower, term) {
				hits++
			}
		}
		results = append(results, SearchResult{
			Memory: m,
			Score:  float64(hits) / float64(len(terms)),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sortByScore(results)
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// HybridSearch merges semantic and keyword results under a weighted
// score: semanticWeight·semantic + (1−semanticWeight)·keyword. A
// memory found by both channels gets both contributions. Results below
// MinSim on the fused score are dropped.
func (s *Store) HybridSearch(ctx context.Context, queryVec []float32, queryText string, semanticWeight float64, opts SearchOptions) ([]SearchResult, error) {
	if semanticWeight < 0 || semanticWeight > 1 {
		return nil, fmt.Errorf("semantic weight %v out of range", semanticWeight)
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = DefaultSearchLimit
	}

	// Gather each channel's top candidates without the similarity
	// floor; the floor applies to the fused score.
	channelOpts := SearchOptions{Category: opts.Category, Limit: limit * 2}

	semantic, err := s.SemanticSearch(ctx, queryVec, channelOpts)
	if err != nil {
		return nil, err
	}
	keyword, err := s.KeywordSearch(ctx, queryText, channelOpts)
	if err != nil {
		return nil, err
	}

	fused := map[string]*SearchResult{}
	for _, r := range semantic {
		fused[r.Memory.ID] = &SearchResult{Memory: r.Memory, Score: semanticWeight * r.Score}
	}
	for _, r := range keyword {
		if existing, ok := fused[r.Memory.ID]; ok {
			existing.Score += (1 - semanticWeight) * r.Score
			continue
		}
		fused[r.Memory.ID] = &SearchResult{Memory: r.Memory, Score: (1 - semanticWeight) * r.Score}
	}

	results := make([]SearchResult, 0, len(fused))
	for _, r := range fused {
		if r.Score < opts.MinSim {
			continue
		}
		results = append(results, *r)
	}

	sortByScore(results)
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

func sortByScore(results []SearchResult) {
	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].Memory.ID < results[j].Memory.ID
	})
}
