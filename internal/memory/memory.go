// Package memory is the optional retrieval collaborator used to enrich
// planning. Its absence or failure never fails a request.
package memory

import (
	"context"
	"errors"
)

// ErrUnavailable is returned when the backing index is unhealthy.
var ErrUnavailable = errors.New("memory: unavailable")

// ScoredDocument is one retrieved document.
type ScoredDocument struct {
	ID       string         `json:"id"`
	Content  string         `json:"content"`
	Score    float32        `json:"score"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Searcher retrieves documents relevant to a query within a profile.
// Implementations must be safe for concurrent use.
type Searcher interface {
	Search(ctx context.Context, query, profile string, limit int) ([]ScoredDocument, error)
}

// Embedder turns text into a dense vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dimensions() int
}

// Noop never returns documents.
type Noop struct{}

// Search implements Searcher.
func (Noop) Search(context.Context, string, string, int) ([]ScoredDocument, error) {
	return nil, nil
}

// Static returns a fixed document set for every query. Useful for tests and
// for profiles that pin their planning context.
type Static []ScoredDocument

// Search implements Searcher.
func (s Static) Search(_ context.Context, _, _ string, limit int) ([]ScoredDocument, error) {
	if limit <= 0 || limit > len(s) {
		limit = len(s)
	}
	return append([]ScoredDocument(nil), s[:limit]...), nil
}
