package search

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/hyperjump/kioku/internal/classify"
	"github.com/hyperjump/kioku/internal/config"
	"github.com/hyperjump/kioku/internal/embedding"
	"github.com/hyperjump/kioku/internal/enrichment"
	"github.com/hyperjump/kioku/internal/keyword"
	"github.com/hyperjump/kioku/internal/models"
	"github.com/hyperjump/kioku/internal/ranking"
	"github.com/hyperjump/kioku/internal/storage"
	"github.com/hyperjump/kioku/internal/transcript"
	"github.com/hyperjump/kioku/internal/validation"
	"github.com/hyperjump/kioku/internal/vector"
)

func testSearchConfig() *config.SearchConfig {
	return &config.SearchConfig{
		TopKCandidates: 20,
		KeywordWeight:  0.5,
		SemanticWeight: 0.5,
		PhraseBoost:    1.5,
		Fuzziness:      1,
		SnippetLength:  80,
	}
}

type fixture struct {
	engine *Engine
	orch   *enrichment.Orchestrator
	store  *storage.SQLiteStorage
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	dir := t.TempDir()

	store, err := storage.NewSQLiteStorage(filepath.Join(dir, "kioku.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = store.Close() })

	emb := embedding.NewMockEmbedder(16)
	t.Cleanup(func() { _ = emb.Close() })

	vecIndex, err := vector.NewMemoryIndex(16, 8)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = vecIndex.Close() })

	kwIndex, err := keyword.NewBleveIndex(filepath.Join(dir, "bleve"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = kwIndex.Close() })

	pipeline, err := classify.NewPipeline(classify.DefaultConfig(), nil)
	if err != nil {
		t.Fatal(err)
	}
	orch := enrichment.NewOrchestrator(store, pipeline,
		validation.NewLearner(validation.DefaultConfig(), nil),
		ranking.NewEngine(nil),
		enrichment.Config{},
		enrichment.WithBackend(vecIndex),
	)

	ts := time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC)
	msgs := []*models.Message{
		{ID: "u1", SessionID: "s1", Sequence: 0, Role: models.RoleUser, Content: "My app keeps hanging on writes", Timestamp: ts, Project: "kioku"},
		{ID: "a1", SessionID: "s1", Sequence: 1, Role: models.RoleAssistant, Content: "The fix is to enable WAL mode so the sqlite database is not locked:\n```go\ndb.Exec(\"PRAGMA journal_mode=WAL\")\n```", Timestamp: ts.Add(time.Minute), Project: "kioku", ToolsUsed: []string{"Edit"}},
		{ID: "u2", SessionID: "s1", Sequence: 2, Role: models.RoleUser, Content: "Perfect, that worked!", Timestamp: ts.Add(2 * time.Minute), Project: "kioku"},
		{ID: "a2", SessionID: "s2", Sequence: 0, Role: models.RoleAssistant, Content: "Maybe the database is locked by another process.", Timestamp: ts, Project: "other"},
	}
	importer := transcript.NewImporter(store, emb, vecIndex, kwIndex)
	if _, _, err := importer.ImportMessages(ctx, msgs); err != nil {
		t.Fatal(err)
	}
	for _, s := range []string{"s1", "s2"} {
		if _, err := orch.EnrichSession(ctx, s); err != nil {
			t.Fatal(err)
		}
	}

	engine := NewEngine(store, emb, vecIndex, kwIndex, orch, pipeline.Topics(), testSearchConfig())
	return &fixture{engine: engine, orch: orch, store: store}
}

func TestEngine_SearchRanksValidatedSolutionFirst(t *testing.T) {
	f := newFixture(t)
	resp, err := f.engine.Search(context.Background(), &models.SearchQuery{
		Query:   "sqlite database locked",
		Project: "kioku",
		Limit:   5,
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(resp.Results) == 0 {
		t.Fatal("expected results")
	}
	top := resp.Results[0]
	if top.Message.ID != "a1" {
		t.Fatalf("top result = %s, want a1", top.Message.ID)
	}
	if top.Signal == nil || top.Signal.ValidationBoost <= 1 {
		t.Errorf("expected a validation boost, got %+v", top.Signal)
	}
	if top.Rank != 1 || top.Score < top.FusedScore {
		t.Errorf("unexpected rank/score: %+v", top)
	}
	if resp.TopicFocus != "database" {
		t.Errorf("topic focus = %q, want database", resp.TopicFocus)
	}
	for i := 1; i < len(resp.Results); i++ {
		if resp.Results[i].Score > resp.Results[i-1].Score {
			t.Error("results should be sorted by final score descending")
		}
	}
}

func TestEngine_SearchRawSkipsReRanking(t *testing.T) {
	f := newFixture(t)
	resp, err := f.engine.Search(context.Background(), &models.SearchQuery{
		Query: "database locked", KeywordEnabled: true, Raw: true,
	})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Total < 2 {
		t.Fatalf("expected keyword hits for both sessions, got %d", resp.Total)
	}
	for _, r := range resp.Results {
		if r.Signal != nil {
			t.Error("raw results should carry no relevance signal")
		}
		if r.Score != r.FusedScore {
			t.Errorf("raw score %v should equal fused score %v", r.Score, r.FusedScore)
		}
		if r.SemanticScore != 0 {
			t.Error("keyword-only query should not have semantic scores")
		}
	}
}

func TestEngine_SearchProjectOnly(t *testing.T) {
	f := newFixture(t)
	resp, err := f.engine.Search(context.Background(), &models.SearchQuery{
		Query: "database locked", KeywordEnabled: true, Project: "other", ProjectOnly: true,
	})
	if err != nil {
		t.Fatal(err)
	}
	for _, r := range resp.Results {
		if r.Message.Project != "other" {
			t.Errorf("result %s from project %s", r.Message.ID, r.Message.Project)
		}
	}
}

func TestEngine_SearchEmptyQuery(t *testing.T) {
	f := newFixture(t)
	if _, err := f.engine.Search(context.Background(), &models.SearchQuery{}); err == nil {
		t.Error("expected error for empty query")
	}
}

type stubScorer struct {
	signals []models.RelevanceSignal
	err     error
}

func (s *stubScorer) ScoreCandidates(context.Context, []models.BaseResult, models.QueryContext) ([]models.RelevanceSignal, error) {
	return s.signals, s.err
}

type stubKeyword struct {
	keyword.Index
	results []*keyword.Result
}

func (s *stubKeyword) Search(context.Context, string, int, *keyword.SearchOptions) ([]*keyword.Result, error) {
	return s.results, nil
}

type stubMessages map[string]*models.Message

func (s stubMessages) GetMessages(_ context.Context, ids []string) (map[string]*models.Message, error) {
	out := make(map[string]*models.Message)
	for _, id := range ids {
		if m, ok := s[id]; ok {
			out[id] = m
		}
	}
	return out, nil
}

func TestEngine_MinScoreAndPaging(t *testing.T) {
	kw := &stubKeyword{results: []*keyword.Result{{ID: "a", Score: 3}, {ID: "b", Score: 2}, {ID: "c", Score: 1}}}
	scorer := &stubScorer{signals: []models.RelevanceSignal{
		{MessageID: "c", FinalScore: 0.9, Rank: 1},
		{MessageID: "a", FinalScore: 0.8, Rank: 2},
		{MessageID: "b", FinalScore: 0.1, Rank: 3},
	}}
	msgs := stubMessages{
		"a": {ID: "a", Content: "alpha"},
		"b": {ID: "b", Content: "beta"},
		"c": {ID: "c", Content: "gamma"},
	}
	e := NewEngine(msgs, nil, nil, kw, scorer, nil, testSearchConfig())

	resp, err := e.Search(context.Background(), &models.SearchQuery{
		Query: "x", KeywordEnabled: true, MinScore: 0.5, Limit: 1, Offset: 1,
	})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Total != 2 {
		t.Errorf("total = %d, want 2 after min score filter", resp.Total)
	}
	if len(resp.Results) != 1 || resp.Results[0].Message.ID != "a" || resp.Results[0].Rank != 2 {
		t.Fatalf("unexpected page: %+v", resp.Results)
	}
	if resp.Results[0].KeywordScore != 1 {
		t.Errorf("keyword score = %v, want normalized 1", resp.Results[0].KeywordScore)
	}
}

func TestEngine_ScorerErrorIsReturned(t *testing.T) {
	kw := &stubKeyword{results: []*keyword.Result{{ID: "a", Score: 1}}}
	boom := errors.New("boom")
	e := NewEngine(stubMessages{}, nil, nil, kw, &stubScorer{err: boom}, nil, testSearchConfig())
	_, err := e.Search(context.Background(), &models.SearchQuery{Query: "x", KeywordEnabled: true})
	if !errors.Is(err, boom) {
		t.Errorf("err = %v, want wrapped boom", err)
	}
}
