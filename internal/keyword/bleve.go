package keyword

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/standard"
	blevequery "github.com/blevesearch/bleve/v2/search/query"

	"github.com/hyperjump/kioku/internal/models"
)

// BleveIndex implements Index using Bleve.
type BleveIndex struct {
	index bleve.Index
}

// messageDoc is the indexed form of a message.
type messageDoc struct {
	Content   string `json:"content"`
	Project   string `json:"project"`
	Role      string `json:"role"`
	SessionID string `json:"session_id"`
}

// NewBleveIndex creates or opens a Bleve index at path.
// If you change the index mapping in code, remove the index directory to force a full re-index.
func NewBleveIndex(path string) (*BleveIndex, error) {
	im := bleve.NewIndexMapping()

	docMapping := bleve.NewDocumentMapping()
	textFieldMapping := bleve.NewTextFieldMapping()
	// Standard analyzer: lowercase and tokenize, no stemming, so identifiers match exactly.
	textFieldMapping.Analyzer = standard.Name
	docMapping.AddFieldMappingsAt("content", textFieldMapping)
	keywordFieldMapping := bleve.NewKeywordFieldMapping()
	docMapping.AddFieldMappingsAt("project", keywordFieldMapping)
	docMapping.AddFieldMappingsAt("role", keywordFieldMapping)
	docMapping.AddFieldMappingsAt("session_id", keywordFieldMapping)
	im.AddDocumentMapping("message", docMapping)
	im.DefaultType = "message"
	im.DefaultMapping = docMapping

	if _, err := os.Stat(path); err == nil {
		index, openErr := bleve.Open(path)
		if openErr != nil {
			return nil, fmt.Errorf("failed to open Bleve index: %w", openErr)
		}
		return &BleveIndex{index: index}, nil
	}

	index, err := bleve.New(path, im)
	if err != nil {
		return nil, fmt.Errorf("failed to create Bleve index: %w", err)
	}
	return &BleveIndex{index: index}, nil
}

// IndexMessages indexes messages in a single Bleve batch.
func (b *BleveIndex) IndexMessages(ctx context.Context, msgs []*models.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	batch := b.index.NewBatch()
	for _, m := range msgs {
		doc := messageDoc{
			Content:   m.Content,
			Project:   m.Project,
			Role:      string(m.Role),
			SessionID: m.SessionID,
		}
		if err := batch.Index(m.ID, doc); err != nil {
			return fmt.Errorf("failed to index message %s: %w", m.ID, err)
		}
	}
	return b.index.Batch(batch)
}

// Search returns up to limit messages matching query. Multi-term queries penalize
// messages that match only some terms, and opts.PhraseBoost rewards adjacent terms.
func (b *BleveIndex) Search(ctx context.Context, query string, limit int, opts *SearchOptions) ([]*Result, error) {
	if limit <= 0 || strings.TrimSpace(query) == "" {
		return nil, nil
	}
	phraseBoost := 1.0
	fuzzyEnabled := false
	fuzziness := 2
	project := ""
	if opts != nil {
		if opts.PhraseBoost > 0 {
			phraseBoost = opts.PhraseBoost
		}
		fuzzyEnabled = opts.FuzzyEnabled
		if opts.Fuzziness > 0 {
			fuzziness = opts.Fuzziness
		}
		project = opts.Project
	}

	reqSize := limit * 2
	if reqSize < 50 {
		reqSize = 50
	}
	terms := tokenizeQuery(query)

	req := bleve.NewSearchRequest(b.withProject(b.buildQuery(query, terms, fuzzyEnabled, fuzziness), project))
	req.Size = reqSize
	res, err := b.index.Search(req)
	if err != nil {
		return nil, fmt.Errorf("Bleve search failed: %w", err)
	}

	coverage := map[string]int{}
	if len(terms) > 1 {
		coverage = b.termCoverage(terms, reqSize, fuzzyEnabled, fuzziness, project)
	}
	phrases := map[string]bool{}
	if phraseBoost > 1.0 && len(terms) > 1 {
		phrases = b.phraseMatches(query, reqSize, project)
	}

	out := make([]*Result, 0, len(res.Hits))
	for _, hit := range res.Hits {
		score := hit.Score
		if len(terms) > 1 {
			matched := coverage[hit.ID]
			if matched == 0 {
				matched = 1
			}
			// Squared coverage ranks full matches above partial ones.
			c := float64(matched) / float64(len(terms))
			score *= c * c
		}
		if phrases[hit.ID] {
			score *= phraseBoost
		}
		out = append(out, &Result{ID: hit.ID, Score: score})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].ID < out[j].ID
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// tokenizeQuery splits query into lowercase terms.
func tokenizeQuery(query string) []string {
	return strings.Fields(strings.ToLower(query))
}

func (b *BleveIndex) buildQuery(query string, terms []string, fuzzy bool, fuzziness int) blevequery.Query {
	if !fuzzy || len(terms) == 0 {
		mq := bleve.NewMatchQuery(query)
		mq.SetField("content")
		return mq
	}
	queries := make([]blevequery.Query, 0, len(terms))
	for _, term := range terms {
		queries = append(queries, fuzzyTerm(term, fuzziness))
	}
	if len(queries) == 1 {
		return queries[0]
	}
	return bleve.NewDisjunctionQuery(queries...)
}

func fuzzyTerm(term string, fuzziness int) blevequery.Query {
	fq := bleve.NewFuzzyQuery(term)
	fq.SetFuzziness(fuzziness)
	fq.SetField("content")
	return fq
}

func (b *BleveIndex) withProject(q blevequery.Query, project string) blevequery.Query {
	if project == "" {
		return q
	}
	tq := bleve.NewTermQuery(project)
	tq.SetField("project")
	return bleve.NewConjunctionQuery(q, tq)
}

// termCoverage counts how many query terms each message matches.
func (b *BleveIndex) termCoverage(terms []string, reqSize int, fuzzy bool, fuzziness int, project string) map[string]int {
	coverage := make(map[string]int)
	for _, term := range terms {
		var q blevequery.Query
		if fuzzy {
			q = fuzzyTerm(term, fuzziness)
		} else {
			mq := bleve.NewMatchQuery(term)
			mq.SetField("content")
			q = mq
		}
		req := bleve.NewSearchRequest(b.withProject(q, project))
		req.Size = reqSize
		results, err := b.index.Search(req)
		if err != nil {
			continue
		}
		for _, hit := range results.Hits {
			coverage[hit.ID]++
		}
	}
	return coverage
}

// phraseMatches finds messages where the query appears as a phrase.
func (b *BleveIndex) phraseMatches(query string, reqSize int, project string) map[string]bool {
	matches := make(map[string]bool)
	pq := bleve.NewMatchPhraseQuery(query)
	pq.SetField("content")
	req := bleve.NewSearchRequest(b.withProject(pq, project))
	req.Size = reqSize
	results, err := b.index.Search(req)
	if err != nil {
		return matches
	}
	for _, hit := range results.Hits {
		matches[hit.ID] = true
	}
	return matches
}

// Delete removes a message from the index.
func (b *BleveIndex) Delete(ctx context.Context, id string) error {
	return b.index.Delete(id)
}

// DocCount returns the number of indexed messages.
func (b *BleveIndex) DocCount() (uint64, error) {
	return b.index.DocCount()
}

// Close closes the Bleve index.
func (b *BleveIndex) Close() error {
	return b.index.Close()
}
