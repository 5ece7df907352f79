package search

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hyperjump/kioku/internal/classify"
	"github.com/hyperjump/kioku/internal/config"
	"github.com/hyperjump/kioku/internal/embedding"
	"github.com/hyperjump/kioku/internal/keyword"
	"github.com/hyperjump/kioku/internal/models"
	"github.com/hyperjump/kioku/internal/vector"
)

// MessageStore resolves message IDs to stored messages.
type MessageStore interface {
	GetMessages(ctx context.Context, ids []string) (map[string]*models.Message, error)
}

// Scorer re-ranks base results with enrichment metadata.
type Scorer interface {
	ScoreCandidates(ctx context.Context, base []models.BaseResult, query models.QueryContext) ([]models.RelevanceSignal, error)
}

// Engine runs hybrid (keyword + semantic) search and re-ranks the fused candidates.
type Engine struct {
	store        MessageStore
	embedder     embedding.Embedder
	vectorIndex  vector.Backend
	keywordIndex keyword.Index
	scorer       Scorer
	topics       *classify.TopicDetector
	config       *config.SearchConfig
}

// NewEngine creates a search engine with the given dependencies. scorer and topics
// may be nil, which disables re-ranking and topic inference respectively.
func NewEngine(
	store MessageStore,
	embedder embedding.Embedder,
	vectorIndex vector.Backend,
	keywordIndex keyword.Index,
	scorer Scorer,
	topics *classify.TopicDetector,
	cfg *config.SearchConfig,
) *Engine {
	return &Engine{
		store:        store,
		embedder:     embedder,
		vectorIndex:  vectorIndex,
		keywordIndex: keywordIndex,
		scorer:       scorer,
		topics:       topics,
		config:       cfg,
	}
}

// Search runs hybrid search and returns message-level results.
func (e *Engine) Search(ctx context.Context, query *models.SearchQuery) (*models.SearchResponse, error) {
	startTime := time.Now()
	if err := ProcessQuery(query, e.topics); err != nil {
		return nil, err
	}

	var (
		keywordResults  []*keyword.Result
		semanticResults []models.BaseResult
		errChan         = make(chan error, 2)
		wg              sync.WaitGroup
	)

	if query.KeywordEnabled {
		wg.Add(1)
		go func() {
			defer wg.Done()
			opts := &keyword.SearchOptions{
				PhraseBoost:  e.config.PhraseBoost,
				FuzzyEnabled: query.FuzzyEnabled,
				Fuzziness:    e.config.Fuzziness,
			}
			if query.ProjectOnly {
				opts.Project = query.Project
			}
			results, err := e.keywordIndex.Search(ctx, query.Query, e.config.TopKCandidates, opts)
			if err != nil {
				errChan <- fmt.Errorf("keyword search failed: %w", err)
				return
			}
			keywordResults = results
		}()
	}

	if query.SemanticEnabled {
		wg.Add(1)
		go func() {
			defer wg.Done()
			queryEmbedding, err := e.embedder.Embed(ctx, query.Query)
			if err != nil {
				errChan <- fmt.Errorf("embedding failed: %w", err)
				return
			}
			results, err := e.vectorIndex.QueryByEmbedding(ctx, queryEmbedding, e.config.TopKCandidates)
			if err != nil {
				errChan <- fmt.Errorf("vector search failed: %w", err)
				return
			}
			semanticResults = results
		}()
	}

	wg.Wait()
	close(errChan)
	for err := range errChan {
		if err != nil {
			return nil, err
		}
	}

	kwWeight, semWeight := e.weights(query)
	fused := Fuse(NormalizeKeywordScores(keywordResults), NormalizeSemanticScores(semanticResults), kwWeight, semWeight)
	byID := make(map[string]*FusedResult, len(fused))
	for _, f := range fused {
		byID[f.MessageID] = f
	}

	ranked, err := e.rank(ctx, fused, query)
	if err != nil {
		return nil, err
	}

	if query.MinScore > 0 {
		filtered := ranked[:0]
		for _, r := range ranked {
			if r.FinalScore >= query.MinScore {
				filtered = append(filtered, r)
			}
		}
		ranked = filtered
	}

	start := query.Offset
	end := query.Offset + query.Limit
	if start > len(ranked) {
		start = len(ranked)
	}
	if end > len(ranked) {
		end = len(ranked)
	}
	paged := ranked[start:end]

	ids := make([]string, len(paged))
	for i, r := range paged {
		ids[i] = r.MessageID
	}
	msgs, err := e.store.GetMessages(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to load messages: %w", err)
	}

	response := &models.SearchResponse{
		Results:    make([]*models.SearchResult, 0, len(paged)),
		Total:      len(ranked),
		Query:      query.Query,
		TopicFocus: query.TopicFocus,
	}
	for i := range paged {
		sig := paged[i]
		msg, ok := msgs[sig.MessageID]
		if !ok {
			continue
		}
		f := byID[sig.MessageID]
		result := &models.SearchResult{
			Message:       msg,
			Score:         sig.FinalScore,
			FusedScore:    f.Score,
			KeywordScore:  f.KeywordScore,
			SemanticScore: f.SemanticScore,
			Snippet:       Highlight(msg.Content, query.Query, e.config.SnippetLength),
			Rank:          start + i + 1,
		}
		if e.scorer != nil && !query.Raw {
			result.Signal = &sig
		}
		response.Results = append(response.Results, result)
	}
	response.QueryTime = time.Since(startTime).Milliseconds()
	return response, nil
}

// weights returns the fusion weights for the enabled search modes.
func (e *Engine) weights(query *models.SearchQuery) (float64, float64) {
	kw, sem := e.config.KeywordWeight, e.config.SemanticWeight
	if !query.KeywordEnabled {
		kw = 0
	}
	if !query.SemanticEnabled {
		sem = 0
	}
	if kw == 0 && sem == 0 {
		if query.KeywordEnabled {
			kw = 1
		}
		if query.SemanticEnabled {
			sem = 1
		}
	}
	return kw, sem
}

// rank re-ranks the fused candidates, or keeps fusion order for raw queries.
func (e *Engine) rank(ctx context.Context, fused []*FusedResult, query *models.SearchQuery) ([]models.RelevanceSignal, error) {
	if e.scorer != nil && !query.Raw {
		signals, err := e.scorer.ScoreCandidates(ctx, BaseResults(fused), query.QueryContext())
		if err != nil {
			return nil, fmt.Errorf("re-ranking failed: %w", err)
		}
		return signals, nil
	}
	out := make([]models.RelevanceSignal, len(fused))
	for i, f := range fused {
		out[i] = models.RelevanceSignal{
			MessageID:       f.MessageID,
			BaseSimilarity:  f.Score,
			TopicBoost:      1,
			QualityBoost:    1,
			ValidationBoost: 1,
			AdjacencyBoost:  1,
			ProjectBoost:    1,
			FinalScore:      f.Score,
			Rank:            i + 1,
		}
	}
	return out, nil
}
