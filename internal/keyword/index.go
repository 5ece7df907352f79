// Package keyword provides lexical (BM25) search over transcript messages.
package keyword

import (
	"context"

	"github.com/hyperjump/kioku/internal/models"
)

// SearchOptions optional parameters for keyword search. Nil means use defaults.
type SearchOptions struct {
	// PhraseBoost multiplies the score when query terms appear close together.
	// Use 1.0 for no boost.
	PhraseBoost float64
	// FuzzyEnabled enables typo-tolerant matching.
	FuzzyEnabled bool
	// Fuzziness is the maximum edit distance for fuzzy matching (1 or 2). Default 2.
	Fuzziness int
	// Project restricts hits to messages of one project.
	Project string
}

// Index defines keyword indexing and search of messages.
type Index interface {
	IndexMessages(ctx context.Context, msgs []*models.Message) error
	Search(ctx context.Context, query string, limit int, opts *SearchOptions) ([]*Result, error)
	Delete(ctx context.Context, id string) error
	DocCount() (uint64, error)
	Close() error
}

// Result is a single keyword search hit.
type Result struct {
	ID    string
	Score float64
}
