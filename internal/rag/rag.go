// Package rag defines the retrieval collaborator. Retrieval runs outside the
// router: callers fold results into a conversation's references before
// generating.
package rag

import (
	"context"
	"sort"
)

// Result is one retrieved passage.
type Result struct {
	Content  string                 `json:"content"`
	Score    float64                `json:"score"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// Retriever fetches passages relevant to a query.
type Retriever interface {
	Retrieve(ctx context.Context, query string) ([]Result, error)
}

// RetrieverFunc adapts a function to Retriever.
type RetrieverFunc func(ctx context.Context, query string) ([]Result, error)

func (f RetrieverFunc) Retrieve(ctx context.Context, query string) ([]Result, error) {
	return f(ctx, query)
}

// Fold orders results by descending score and returns up to limit non-empty
// contents. limit <= 0 keeps all. Equal scores keep their retrieval order.
func Fold(results []Result, limit int) []string {
	sorted := make([]Result, 0, len(results))
	for _, r := range results {
		if r.Content != "" {
			sorted = append(sorted, r)
		}
	}
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Score > sorted[j].Score })

	if limit > 0 && len(sorted) > limit {
		sorted = sorted[:limit]
	}

	out := make([]string, len(sorted))
	for i, r := range sorted {
		out[i] = r.Content
	}
	return out
}
