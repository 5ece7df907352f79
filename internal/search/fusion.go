// Package search provides hybrid search (keyword + semantic), result fusion
// and relevance re-ranking over stored messages.
package search

import (
	"sort"

	"github.com/hyperjump/kioku/internal/keyword"
	"github.com/hyperjump/kioku/internal/models"
)

// FusedResult holds a message ID and fused keyword/semantic scores.
type FusedResult struct {
	MessageID     string
	Score         float64
	KeywordScore  float64
	SemanticScore float64
}

// NormalizeKeywordScores normalizes keyword scores to [0,1] by max.
func NormalizeKeywordScores(results []*keyword.Result) map[string]float64 {
	if len(results) == 0 {
		return make(map[string]float64)
	}
	maxScore := results[0].Score
	for _, r := range results {
		if r.Score > maxScore {
			maxScore = r.Score
		}
	}
	normalized := make(map[string]float64)
	for _, r := range results {
		if maxScore > 0 {
			normalized[r.ID] = r.Score / maxScore
		} else {
			normalized[r.ID] = 0
		}
	}
	return normalized
}

// NormalizeSemanticScores maps cosine similarities to [0,1]; anti-correlated hits score 0.
func NormalizeSemanticScores(results []models.BaseResult) map[string]float64 {
	normalized := make(map[string]float64)
	for _, r := range results {
		s := r.BaseSimilarity
		if s < 0 {
			s = 0
		}
		if s > 1 {
			s = 1
		}
		normalized[r.ID] = s
	}
	return normalized
}

// Fuse merges keyword and semantic score maps with weights and returns FusedResults
// sorted by score, ties broken by ID. Weights are normalized to sum to 1 so the fused
// score stays in [0,1].
func Fuse(keywordScores, semanticScores map[string]float64, keywordWeight, semanticWeight float64) []*FusedResult {
	if sum := keywordWeight + semanticWeight; sum > 0 {
		keywordWeight, semanticWeight = keywordWeight/sum, semanticWeight/sum
	}
	scoreMap := make(map[string]*FusedResult)
	for id, score := range keywordScores {
		scoreMap[id] = &FusedResult{
			MessageID:    id,
			KeywordScore: score,
		}
	}
	for id, score := range semanticScores {
		if result, exists := scoreMap[id]; exists {
			result.SemanticScore = score
		} else {
			scoreMap[id] = &FusedResult{
				MessageID:     id,
				SemanticScore: score,
			}
		}
	}
	results := make([]*FusedResult, 0, len(scoreMap))
	for _, result := range scoreMap {
		result.Score = (keywordWeight * result.KeywordScore) + (semanticWeight * result.SemanticScore)
		results = append(results, result)
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].MessageID < results[j].MessageID
	})
	return results
}

// BaseResults converts fused results into scoring candidates.
func BaseResults(fused []*FusedResult) []models.BaseResult {
	out := make([]models.BaseResult, len(fused))
	for i, f := range fused {
		out[i] = models.BaseResult{ID: f.MessageID, BaseSimilarity: f.Score}
	}
	return out
}
