package ranking

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/hyperjump/kioku/internal/models"
)

func meta(id string) *models.EnrichedMetadata {
	return &models.EnrichedMetadata{
		MessageID:       id,
		QualityScore:    1.0,
		ValidationState: models.ValidationUnknown,
		Topics:          map[string]float64{},
	}
}

func approx(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

func TestNewEngine(t *testing.T) {
	e := NewEngine(nil)
	if e.GetConfig().MaxAmplification != 5.0 {
		t.Errorf("expected default cap, got %v", e.GetConfig().MaxAmplification)
	}

	e = NewEngine(&RankingConfig{TopicMaxBoost: 2.0})
	if e.GetConfig().TopicMaxBoost != 2.0 {
		t.Errorf("expected TopicMaxBoost 2.0, got %v", e.GetConfig().TopicMaxBoost)
	}
	if e.GetConfig().QualityMax != 3.0 {
		t.Errorf("expected defaults for unset fields, got %v", e.GetConfig().QualityMax)
	}
}

func TestEngine_NeutralMetadataLeavesScore(t *testing.T) {
	e := NewEngine(nil)
	sig := e.Score(0.8, models.QueryContext{}, meta("m1"))
	if !approx(sig.FinalScore, 0.8) {
		t.Errorf("FinalScore = %v, want 0.8", sig.FinalScore)
	}
	if len(sig.Explanation) != 0 {
		t.Errorf("no boost should fire, got %v", sig.Explanation)
	}
}

func TestEngine_IndividualBoosts(t *testing.T) {
	e := NewEngine(nil)
	tests := []struct {
		name  string
		query models.QueryContext
		edit  func(m *models.EnrichedMetadata)
		get   func(s models.RelevanceSignal) float64
		want  float64
	}{
		{
			name:  "topic full confidence",
			query: models.QueryContext{TopicFocus: "testing"},
			edit: func(m *models.EnrichedMetadata) {
				m.PrimaryTopic = "testing"
				m.Topics["testing"] = 1.0
			},
			get:  func(s models.RelevanceSignal) float64 { return s.TopicBoost },
			want: 2.5,
		},
		{
			name:  "topic half confidence",
			query: models.QueryContext{TopicFocus: "testing"},
			edit: func(m *models.EnrichedMetadata) {
				m.PrimaryTopic = "testing"
				m.Topics["testing"] = 0.5
			},
			get:  func(s models.RelevanceSignal) float64 { return s.TopicBoost },
			want: 1.75,
		},
		{
			name:  "topic not primary",
			query: models.QueryContext{TopicFocus: "testing"},
			edit: func(m *models.EnrichedMetadata) {
				m.PrimaryTopic = "database"
				m.Topics["testing"] = 1.0
			},
			get:  func(s models.RelevanceSignal) float64 { return s.TopicBoost },
			want: 1.0,
		},
		{
			name: "quality max",
			edit: func(m *models.EnrichedMetadata) { m.QualityScore = 3.0 },
			get:  func(s models.RelevanceSignal) float64 { return s.QualityBoost },
			want: 3.0,
		},
		{
			name: "quality mid",
			edit: func(m *models.EnrichedMetadata) { m.QualityScore = 2.0 },
			get:  func(s models.RelevanceSignal) float64 { return s.QualityBoost },
			want: 2.0,
		},
		{
			name: "validated confident",
			edit: func(m *models.EnrichedMetadata) {
				m.ValidationState = models.ValidationValidated
				m.ValidationConfidence = 1.0
			},
			get:  func(s models.RelevanceSignal) float64 { return s.ValidationBoost },
			want: 1.5,
		},
		{
			name: "validated below min confidence",
			edit: func(m *models.EnrichedMetadata) {
				m.ValidationState = models.ValidationValidated
				m.ValidationConfidence = 0.3
			},
			get:  func(s models.RelevanceSignal) float64 { return s.ValidationBoost },
			want: 1.0,
		},
		{
			name: "refuted",
			edit: func(m *models.EnrichedMetadata) {
				m.ValidationState = models.ValidationRefuted
				m.ValidationConfidence = 1.0
			},
			get:  func(s models.RelevanceSignal) float64 { return s.ValidationBoost },
			want: 0.65,
		},
		{
			name: "partial is neutral",
			edit: func(m *models.EnrichedMetadata) {
				m.ValidationState = models.ValidationPartial
				m.ValidationConfidence = 1.0
			},
			get:  func(s models.RelevanceSignal) float64 { return s.ValidationBoost },
			want: 1.0,
		},
		{
			name:  "same project",
			query: models.QueryContext{Project: "Kioku"},
			edit:  func(m *models.EnrichedMetadata) { m.Project = "kioku" },
			get:   func(s models.RelevanceSignal) float64 { return s.ProjectBoost },
			want:  1.5,
		},
		{
			name:  "related project by token",
			query: models.QueryContext{Project: "kioku-server"},
			edit:  func(m *models.EnrichedMetadata) { m.Project = "kioku-cli" },
			get:   func(s models.RelevanceSignal) float64 { return s.ProjectBoost },
			want:  1.2,
		},
		{
			name:  "unrelated project",
			query: models.QueryContext{Project: "alpha"},
			edit:  func(m *models.EnrichedMetadata) { m.Project = "beta" },
			get:   func(s models.RelevanceSignal) float64 { return s.ProjectBoost },
			want:  1.0,
		},
		{
			name: "adjacency",
			edit: func(m *models.EnrichedMetadata) {
				m.PreviousMessageID = "p"
				m.NextMessageID = "n"
			},
			get:  func(s models.RelevanceSignal) float64 { return s.AdjacencyBoost },
			want: 1.1,
		},
		{
			name: "adjacency one side only",
			edit: func(m *models.EnrichedMetadata) { m.PreviousMessageID = "p" },
			get:  func(s models.RelevanceSignal) float64 { return s.AdjacencyBoost },
			want: 1.0,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := meta("m1")
			tt.edit(m)
			sig := e.Score(0.5, tt.query, m)
			if got := tt.get(sig); !approx(got, tt.want) {
				t.Errorf("boost = %v, want %v (%v)", got, tt.want, sig.Explanation)
			}
		})
	}
}

func TestEngine_RelatedProjectGroups(t *testing.T) {
	cfg := DefaultRankingConfig()
	cfg.RelatedProjects = [][]string{{"frontend", "webapp"}}
	e := NewEngine(cfg)
	m := meta("m1")
	m.Project = "webapp"
	sig := e.Score(1, models.QueryContext{Project: "frontend"}, m)
	if sig.ProjectBoost != 1.2 {
		t.Errorf("ProjectBoost = %v, want 1.2", sig.ProjectBoost)
	}
}

func TestEngine_CapsAmplification(t *testing.T) {
	e := NewEngine(nil)
	m := meta("m1")
	m.PrimaryTopic = "testing"
	m.Topics["testing"] = 1
	m.QualityScore = 3
	m.ValidationState = models.ValidationValidated
	m.ValidationConfidence = 1
	m.Project = "kioku"
	m.PreviousMessageID, m.NextMessageID = "p", "n"

	sig := e.Score(0.2, models.QueryContext{TopicFocus: "testing", Project: "kioku"}, m)
	if !sig.Capped {
		t.Fatal("expected capped signal")
	}
	if !approx(sig.FinalScore, 1.0) {
		t.Errorf("FinalScore = %v, want 0.2 * 5", sig.FinalScore)
	}
	if len(sig.Explanation) != 6 {
		t.Errorf("expected five boost reasons and the cap, got %v", sig.Explanation)
	}
}

func TestEngine_BoostBoundHoldsEverywhere(t *testing.T) {
	e := NewEngine(nil)
	states := []models.ValidationState{
		models.ValidationUnknown, models.ValidationCandidate, models.ValidationValidated,
		models.ValidationRefuted, models.ValidationPartial,
	}
	for _, base := range []float64{0.01, 0.3, 0.99, 5} {
		for _, q := range []float64{0, 1, 1.7, 3, 10} {
			for _, st := range states {
				for _, conf := range []float64{0, 0.5, 1, 2} {
					m := meta("m")
					m.QualityScore = q
					m.ValidationState = st
					m.ValidationConfidence = conf
					m.PrimaryTopic = "api"
					m.Topics["api"] = conf
					m.Project = "x"
					m.PreviousMessageID, m.NextMessageID = "a", "b"
					sig := e.Score(base, models.QueryContext{TopicFocus: "api", Project: "x"}, m)
					if ratio := sig.FinalScore / base; ratio > e.GetConfig().MaxAmplification+1e-9 {
						t.Fatalf("ratio %v exceeds cap for %+v", ratio, m)
					}
				}
			}
		}
	}
}

func TestEngine_NonPositiveBase(t *testing.T) {
	e := NewEngine(nil)
	m := meta("m1")
	m.QualityScore = 3
	for _, base := range []float64{0, -0.4} {
		sig := e.Score(base, models.QueryContext{}, m)
		if sig.FinalScore != base {
			t.Errorf("FinalScore = %v, want %v", sig.FinalScore, base)
		}
		if sig.QualityBoost != 3 {
			t.Errorf("boost should still be reported, got %v", sig.QualityBoost)
		}
		if sig.Amplification() != 1 {
			t.Errorf("Amplification = %v", sig.Amplification())
		}
	}
}

func TestEngine_DisabledBoosts(t *testing.T) {
	cfg := DefaultRankingConfig()
	cfg.DisabledBoosts = []string{BoostQuality}
	e := NewEngine(cfg)
	m := meta("m1")
	m.QualityScore = 3
	sig := e.Score(0.5, models.QueryContext{}, m)
	if sig.QualityBoost != 1 || sig.FinalScore != 0.5 {
		t.Errorf("disabled boost applied: %+v", sig)
	}
}

func TestEngine_NilMetadata(t *testing.T) {
	sig := NewEngine(nil).Score(0.7, models.QueryContext{TopicFocus: "api"}, nil)
	if sig.FinalScore != 0.7 || len(sig.Explanation) != 1 {
		t.Errorf("unexpected signal %+v", sig)
	}
}

type mapLookup map[string]*models.EnrichedMetadata

func (l mapLookup) GetMetadata(_ context.Context, ids []string) (map[string]*models.EnrichedMetadata, error) {
	out := map[string]*models.EnrichedMetadata{}
	for _, id := range ids {
		if m, ok := l[id]; ok {
			out[id] = m
		}
	}
	return out, nil
}

type failingLookup struct{}

func (failingLookup) GetMetadata(context.Context, []string) (map[string]*models.EnrichedMetadata, error) {
	return nil, errors.New("db closed")
}

func TestEngine_ScoreCandidates(t *testing.T) {
	e := NewEngine(nil)
	good := meta("good")
	good.QualityScore = 3
	bad := meta("bad")
	bad.ValidationState = models.ValidationRefuted
	bad.ValidationConfidence = 1
	lookup := mapLookup{"good": good, "bad": bad}

	base := []models.BaseResult{
		{ID: "bad", BaseSimilarity: 0.9},
		{ID: "b-tie", BaseSimilarity: 0.5},
		{ID: "a-tie", BaseSimilarity: 0.5},
		{ID: "good", BaseSimilarity: 0.4},
	}
	got, err := e.ScoreCandidates(context.Background(), base, models.QueryContext{}, lookup)
	if err != nil {
		t.Fatal(err)
	}
	var order []string
	for _, s := range got {
		order = append(order, s.MessageID)
	}
	want := []string{"good", "bad", "a-tie", "b-tie"}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
	if got[0].Rank != 1 || got[3].Rank != 4 {
		t.Errorf("ranks not assigned: %+v", got)
	}
	if !approx(got[1].FinalScore, 0.9*0.65) {
		t.Errorf("refuted score = %v", got[1].FinalScore)
	}
	if len(TopN(got, 2)) != 2 || len(TopN(got, 0)) != 4 {
		t.Error("TopN returned wrong length")
	}
}

func TestEngine_ScoreCandidatesCancelledAndErrors(t *testing.T) {
	e := NewEngine(nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := e.ScoreCandidates(ctx, []models.BaseResult{{ID: "x", BaseSimilarity: 1}}, models.QueryContext{}, mapLookup{})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected cancellation, got %v", err)
	}

	if _, err := e.ScoreCandidates(context.Background(), []models.BaseResult{{ID: "x"}}, models.QueryContext{}, failingLookup{}); err == nil {
		t.Error("expected lookup error")
	}

	got, err := e.ScoreCandidates(context.Background(), nil, models.QueryContext{}, failingLookup{})
	if err != nil || len(got) != 0 {
		t.Errorf("empty input should not hit the lookup: %v %v", got, err)
	}
}
