package models

import "fmt"

// SearchQuery is a hybrid search request over stored messages.
type SearchQuery struct {
	Query           string  `json:"query"`
	Limit           int     `json:"limit,omitempty"`
	Offset          int     `json:"offset,omitempty"`
	KeywordEnabled  bool    `json:"keyword_enabled,omitempty"`
	SemanticEnabled bool    `json:"semantic_enabled,omitempty"`
	FuzzyEnabled    bool    `json:"fuzzy_enabled,omitempty"` // typo tolerant keyword matching
	Project         string  `json:"project,omitempty"`       // project of the asker, used for affinity
	ProjectOnly     bool    `json:"project_only,omitempty"`  // drop keyword hits from other projects
	TopicFocus      string  `json:"topic_focus,omitempty"`   // inferred from Query when empty
	MinScore        float64 `json:"min_score,omitempty"`     // applied to the final score
	Raw             bool    `json:"raw,omitempty"`           // skip relevance re-ranking
}

// Validate ensures the search query has valid fields and sets defaults.
// Returns an error if the query is empty; otherwise normalizes limit and enables at least one search type.
func (q *SearchQuery) Validate() error {
	if q.Query == "" {
		return fmt.Errorf("query cannot be empty")
	}
	if q.Limit <= 0 {
		q.Limit = 10
	}
	if q.Limit > 100 {
		q.Limit = 100
	}
	if q.Offset < 0 {
		q.Offset = 0
	}
	if !q.KeywordEnabled && !q.SemanticEnabled {
		q.KeywordEnabled = true
		q.SemanticEnabled = true
	}
	return nil
}

// QueryContext returns the scoring context of the query.
func (q *SearchQuery) QueryContext() QueryContext {
	return QueryContext{TopicFocus: q.TopicFocus, Project: q.Project}
}

// SearchResult is one ranked message.
type SearchResult struct {
	Message       *Message         `json:"message"`
	Score         float64          `json:"score"`
	FusedScore    float64          `json:"fused_score"`
	KeywordScore  float64          `json:"keyword_score"`
	SemanticScore float64          `json:"semantic_score"`
	Signal        *RelevanceSignal `json:"signal,omitempty"`
	Snippet       string           `json:"snippet"`
	Rank          int              `json:"rank"`
}

// SearchResponse is the result page of a search.
type SearchResponse struct {
	Results    []*SearchResult `json:"results"`
	Total      int             `json:"total"`
	QueryTime  int64           `json:"query_time_ms"`
	Query      string          `json:"query"`
	TopicFocus string          `json:"topic_focus,omitempty"`
}
