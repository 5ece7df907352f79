package classify

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"

	"github.com/hyperjump/kioku/internal/models"
	"github.com/hyperjump/kioku/pkg/utils"
)

// conceptEmbedder maps known words onto shared concept axes so that synonyms
// land on the same vector. Unknown words contribute nothing.
type conceptEmbedder struct{}

var concepts = map[string]int{
	"perfect": 0, "ideal": 0, "nailed": 0, "flawless": 0, "worked": 0, "excellent": 0,
	"solution": 1, "approach": 1, "fix": 1,
	"failing": 2, "failed": 2, "broke": 2, "error": 2, "fails": 2,
	"else": 3, "different": 3, "another": 3,
	"almost": 4, "nearly": 4, "mostly": 4, "partially": 4,
}

func (conceptEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	v := make([]float32, 8)
	for _, w := range strings.Fields(strings.Trim(utils.NormalizeText(text), ".!?")) {
		if i, ok := concepts[strings.Trim(w, ".,!?")]; ok {
			v[i]++
		}
	}
	return v, nil
}

func (e conceptEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i], _ = e.Embed(ctx, t)
	}
	return out, nil
}

func (conceptEmbedder) Dimensions() int { return 8 }
func (conceptEmbedder) Close() error    { return nil }

type failingEmbedder struct{ conceptEmbedder }

func (failingEmbedder) Embed(context.Context, string) ([]float32, error) {
	return nil, errors.New("model offline")
}

func mustSentiment(t *testing.T, cfg SentimentConfig, withEmbedder bool) *SentimentAnalyzer {
	t.Helper()
	var a *SentimentAnalyzer
	var err error
	if withEmbedder {
		a, err = NewSentimentAnalyzer(cfg, conceptEmbedder{}, nil)
	} else {
		a, err = NewSentimentAnalyzer(cfg, nil, nil)
	}
	if err != nil {
		t.Fatalf("NewSentimentAnalyzer: %v", err)
	}
	return a
}

func TestCompileRules_Errors(t *testing.T) {
	tests := []struct {
		name  string
		rules []Rule
	}{
		{"empty label", []Rule{{Weight: 1, Patterns: []string{"x"}}}},
		{"zero weight", []Rule{{Label: "a", Patterns: []string{"x"}}}},
		{"bad regexp", []Rule{{Label: "a", Weight: 1, Patterns: []string{"("}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := CompileRules(tt.rules); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestRuleSet_MatchKeepsDeclarationOrder(t *testing.T) {
	rs, err := CompileRules([]Rule{
		{Label: "b", Weight: 1, Patterns: []string{`\bbeta\b`}},
		{Label: "a", Weight: 1, Patterns: []string{`\balpha\b`}},
		{Label: "b", Weight: 0.5, Patterns: []string{`\bgamma\b`}},
	})
	if err != nil {
		t.Fatal(err)
	}
	got := rs.Match("alpha beta gamma")
	if len(got) != 2 || got[0].Label != "b" || got[1].Label != "a" {
		t.Fatalf("unexpected matches %+v", got)
	}
	if got[0].Weight != 1.5 {
		t.Errorf("b weight = %v, want 1.5", got[0].Weight)
	}
	best, _ := Best(got)
	if best.Label != "b" {
		t.Errorf("Best = %s", best.Label)
	}
	if rs.Order("missing") != -1 {
		t.Error("unknown label should have order -1")
	}
}

func TestTopicDetector(t *testing.T) {
	d, err := NewTopicDetector(DefaultTopicConfig())
	if err != nil {
		t.Fatal(err)
	}
	topics, err := d.Detect("The tests are slow; profile the benchmark first.")
	if err != nil {
		t.Fatal(err)
	}
	if topics["performance"] != 1.0 {
		t.Errorf("performance = %v, want 1", topics["performance"])
	}
	if _, ok := topics["testing"]; !ok {
		t.Error("expected testing as a secondary label")
	}
	if p := d.Primary(topics); p != "performance" {
		t.Errorf("Primary = %s", p)
	}

	again, _ := d.Detect("The tests are slow; profile the benchmark first.")
	if !reflect.DeepEqual(topics, again) {
		t.Error("Detect is not deterministic")
	}
}

func TestTopicDetector_TieUsesDeclaredOrder(t *testing.T) {
	d, _ := NewTopicDetector(DefaultTopicConfig())
	topics, _ := d.Detect("fix the test")
	if topics["debugging"] != topics["testing"] {
		t.Fatalf("expected a tie, got %v", topics)
	}
	for i := 0; i < 20; i++ {
		if p := d.Primary(topics); p != "debugging" {
			t.Fatalf("Primary = %s, want debugging", p)
		}
	}
	if d.Primary(map[string]float64{}) != "" {
		t.Error("empty topics should have no primary")
	}
}

func TestTopicDetector_ThresholdDropsWeakTopics(t *testing.T) {
	cfg := DefaultTopicConfig()
	cfg.Threshold = 0.5
	d, _ := NewTopicDetector(cfg)
	topics, _ := d.Detect("one sql query against the schema, also a readme")
	if _, ok := topics["docs"]; ok {
		t.Errorf("docs should fall under threshold: %v", topics)
	}
	if topics["database"] != 1.0 {
		t.Errorf("database = %v", topics["database"])
	}
}

func TestQualityScorer(t *testing.T) {
	s, err := NewQualityScorer(DefaultQualityConfig())
	if err != nil {
		t.Fatal(err)
	}
	tests := []struct {
		name    string
		content string
		in      QualityInput
		want    float64
	}{
		{"plain", "Let me look at the logs.", QualityInput{}, 1.0},
		{"code only", "Run:\n```sh\nls\n```", QualityInput{HasCode: true}, 1.3},
		{"implicit twice counts once", "You can try this instead.", QualityInput{}, 1.4},
		{"explicit with tool", "Fixed the race.", QualityInput{ToolsUsed: []string{"Edit"}}, 2.2},
		{"clamped", "Fixed. Tests now pass. You can try this.", QualityInput{HasCode: true, ToolsUsed: []string{"bash"}}, 3.0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.Score(tt.content, tt.in)
			if err != nil {
				t.Fatal(err)
			}
			if diff := got.Score - tt.want; diff > 1e-9 || diff < -1e-9 {
				t.Errorf("Score = %v, want %v (markers %v)", got.Score, tt.want, got.Markers)
			}
		})
	}
}

func TestQualityScorer_Markers(t *testing.T) {
	s, _ := NewQualityScorer(DefaultQualityConfig())
	got, _ := s.Score("Fixed! Verified locally.", QualityInput{HasCode: true, ToolsUsed: []string{"Write"}})
	want := []string{"code_block", "explicit:fixed", "tool:Write", "verified:verified"}
	if !reflect.DeepEqual(got.Markers, want) {
		t.Errorf("Markers = %v, want %v", got.Markers, want)
	}
}

func TestQualityScorer_AlwaysWithinRange(t *testing.T) {
	s, _ := NewQualityScorer(DefaultQualityConfig())
	lo, hi := s.Range()
	texts := []string{
		"", "fixed solved resolved verified confirmed all green you can try",
		"The fix is here's the fix this fixes it, tests pass, build succeeds",
		"random words with no markers",
	}
	for _, text := range texts {
		for _, code := range []bool{false, true} {
			for _, tools := range [][]string{nil, {"Edit", "Bash", "Write"}, {"unknown"}} {
				got, _ := s.Score(text, QualityInput{HasCode: code, ToolsUsed: tools})
				if got.Score < lo || got.Score > hi {
					t.Fatalf("Score(%q) = %v outside [%v,%v]", text, got.Score, lo, hi)
				}
			}
		}
	}

	cfg := DefaultQualityConfig()
	cfg.CodeBonus = 10
	big, _ := NewQualityScorer(cfg)
	got, _ := big.Score("x", QualityInput{HasCode: true})
	if got.Score != cfg.Max {
		t.Errorf("oversized bonus must clamp to %v, got %v", cfg.Max, got.Score)
	}
}

func TestSentimentAnalyzer_Patterns(t *testing.T) {
	a := mustSentiment(t, DefaultSentimentConfig(), false)
	tests := []struct {
		text string
		want models.Sentiment
	}{
		{"Perfect, that worked! Thanks.", models.SentimentPositive},
		{"let me try something else", models.SentimentNegative},
		{"Actually that broke something else", models.SentimentNegative},
		{"That didn’t work either", models.SentimentNegative},
		{"It mostly works now", models.SentimentPartial},
		{"How do I configure the logger?", models.SentimentNeutral},
		{"", models.SentimentNeutral},
	}
	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			got, err := a.Analyze(context.Background(), tt.text)
			if err != nil {
				t.Fatal(err)
			}
			if got.Sentiment != tt.want {
				t.Errorf("Analyze(%q) = %s (%.2f, %v), want %s", tt.text, got.Sentiment, got.Confidence, got.MatchedPatterns, tt.want)
			}
			if got.Confidence < 0 || got.Confidence > 1 {
				t.Errorf("confidence %v out of range", got.Confidence)
			}
		})
	}
}

func TestSentimentAnalyzer_TieGoesToFirstCluster(t *testing.T) {
	a := mustSentiment(t, DefaultSentimentConfig(), false)
	got, _ := a.Analyze(context.Background(), "It works but still failing on CI")
	if got.Sentiment != models.SentimentPartial {
		t.Errorf("got %s, want partial", got.Sentiment)
	}
}

func TestSentimentAnalyzer_SynonymInvariance(t *testing.T) {
	a := mustSentiment(t, DefaultSentimentConfig(), true)
	pairs := [][2]string{
		{"Perfect solution!", "Ideal approach!"},
		{"You nailed it", "Flawless approach"},
		{"It did not work", "That failed again"},
		{"Almost there", "Nearly"},
	}
	for _, p := range pairs {
		left, err := a.Analyze(context.Background(), p[0])
		if err != nil {
			t.Fatal(err)
		}
		right, err := a.Analyze(context.Background(), p[1])
		if err != nil {
			t.Fatal(err)
		}
		if left.Sentiment == models.SentimentNeutral {
			t.Errorf("%q should not be neutral", p[0])
		}
		if left.Sentiment != right.Sentiment {
			t.Errorf("%q -> %s but %q -> %s", p[0], left.Sentiment, p[1], right.Sentiment)
		}
	}

	paraphrase, _ := a.Analyze(context.Background(), "Ideal approach!")
	if paraphrase.Method != MethodEmbedding {
		t.Errorf("expected embedding method, got %s", paraphrase.Method)
	}
}

func TestSentimentAnalyzer_FloorMustBeExceeded(t *testing.T) {
	a := mustSentiment(t, DefaultSentimentConfig(), true)
	tests := []struct {
		text string
		want models.Sentiment
	}{
		{"thanks", models.SentimentNeutral},
		{"What is wrong with the date column in my report query?", models.SentimentNeutral},
		{"Nope, I meant the other file", models.SentimentNeutral},
		{"great, thanks", models.SentimentPositive},
	}
	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			got, err := a.Analyze(context.Background(), tt.text)
			if err != nil {
				t.Fatal(err)
			}
			if got.Sentiment != tt.want {
				t.Errorf("Analyze(%q) = %s (%.2f, %v), want %s", tt.text, got.Sentiment, got.Confidence, got.MatchedPatterns, tt.want)
			}
		})
	}
}

func TestSentimentAnalyzer_BlendStrategies(t *testing.T) {
	maxCfg := DefaultSentimentConfig()
	maxCfg.ConfidenceFloor = 0.4
	got, _ := mustSentiment(t, maxCfg, true).Analyze(context.Background(), "thanks")
	if got.Sentiment != models.SentimentPositive || got.Confidence != 0.5 {
		t.Errorf("max blend: got %s %.2f", got.Sentiment, got.Confidence)
	}

	weighted := DefaultSentimentConfig()
	weighted.ConfidenceFloor = 0.4
	weighted.Blend = WeightedBlend{PatternWeight: 1, EmbeddingWeight: 1}
	got, _ = mustSentiment(t, weighted, true).Analyze(context.Background(), "thanks")
	if got.Sentiment != models.SentimentNeutral {
		t.Errorf("weighted blend should fall under the floor, got %s %.2f", got.Sentiment, got.Confidence)
	}

	if BlendByName("weighted", 1, 2).Name() != "weighted" || BlendByName("", 0, 0).Name() != "max" {
		t.Error("BlendByName returned the wrong strategy")
	}
}

func TestSentimentAnalyzer_EmbeddingFailureDegrades(t *testing.T) {
	cfg := DefaultSentimentConfig()
	cfg.ConfidenceFloor = 0.4
	a, err := NewSentimentAnalyzer(cfg, failingEmbedder{}, nil)
	if err != nil {
		t.Fatal(err)
	}
	got, err := a.Analyze(context.Background(), "thanks")
	if err != nil {
		t.Fatalf("embedding failure should not surface: %v", err)
	}
	if got.Sentiment != models.SentimentPositive || got.Method != MethodPattern {
		t.Errorf("got %+v", got)
	}
}

func TestTechnicalClassifier(t *testing.T) {
	c, err := NewTechnicalClassifier(DefaultTechnicalConfig())
	if err != nil {
		t.Fatal(err)
	}
	tests := []struct {
		name        string
		content     string
		tools       []string
		wantDomain  models.TechnicalDomain
		wantComplex bool
	}{
		{"mixed build and test", "Build passes but tests are failing", nil, models.DomainBuild, true},
		{"runtime only", "It panicked with a nil pointer", nil, models.DomainRuntime, false},
		{"deploy via tool hint", "rolled it out", []string{"kubectl"}, models.DomainDeploy, false},
		{"nothing", "hello there", nil, models.DomainNone, false},
		{"single domain success", "the docker image deployed successfully", nil, models.DomainDeploy, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := c.Classify(tt.content, TechnicalInput{ToolsUsed: tt.tools})
			if err != nil {
				t.Fatal(err)
			}
			if got.Domain != tt.wantDomain {
				t.Errorf("Domain = %s, want %s (%v)", got.Domain, tt.wantDomain, got.Domains)
			}
			if got.ComplexOutcome != tt.wantComplex {
				t.Errorf("ComplexOutcome = %v, want %v", got.ComplexOutcome, tt.wantComplex)
			}
		})
	}
}

func TestPipeline_Run(t *testing.T) {
	p, err := NewPipeline(DefaultConfig(), nil)
	if err != nil {
		t.Fatal(err)
	}
	msg := &models.Message{ID: "a1", Role: models.RoleAssistant, Content: "Fixed the failing test:\n```go\nt.Parallel()\n```"}
	c, errs := p.Run(context.Background(), msg)
	if len(errs) != 0 {
		t.Fatalf("unexpected errors %v", errs)
	}
	if !c.Candidate {
		t.Errorf("expected candidate, quality %v", c.Quality.Score)
	}
	if c.Sentiment.Sentiment != models.SentimentNeutral {
		t.Error("assistant messages are not sentiment-classified")
	}
	if c.PrimaryTopic == "" {
		t.Error("expected a primary topic")
	}

	meta := models.NewDefaultMetadata(msg)
	c.ApplyTo(meta)
	if meta.QualityScore != c.Quality.Score || !meta.CandidateSolution {
		t.Errorf("ApplyTo did not copy fields: %+v", meta)
	}
	if meta.ValidationState != models.ValidationUnknown {
		t.Error("ApplyTo must not touch validation state")
	}
}

func TestPipeline_UserMessageIsNeverCandidate(t *testing.T) {
	p, _ := NewPipeline(DefaultConfig(), nil)
	c, _ := p.Run(context.Background(), &models.Message{ID: "u1", Role: models.RoleUser, Content: "Fixed it! ```x```"})
	if c.Candidate {
		t.Error("user message marked as candidate")
	}
	if c.Sentiment.Sentiment != models.SentimentPositive {
		t.Errorf("sentiment = %s", c.Sentiment.Sentiment)
	}
}

func TestPipeline_StageFailureIsIsolated(t *testing.T) {
	p, _ := NewPipeline(DefaultConfig(), nil)
	p.stages[0].run = func(context.Context, *models.Message, *Classification) error {
		panic("bad table")
	}
	msg := &models.Message{ID: "m1", Role: models.RoleUser, Content: "Build passes but tests are failing"}
	c, errs := p.Run(context.Background(), msg)
	if len(errs) != 1 || errs[0].Stage != StageTopic || errs[0].MessageID != "m1" {
		t.Fatalf("errs = %v", errs)
	}
	if len(c.Topics) != 0 || c.PrimaryTopic != "" {
		t.Error("failed stage should keep its default")
	}
	if !c.Technical.ComplexOutcome {
		t.Error("other stages should still run")
	}
}

func TestPipeline_MalformedInput(t *testing.T) {
	p, _ := NewPipeline(DefaultConfig(), nil)
	msg := &models.Message{ID: "bad", Role: models.RoleUser, Content: "fixed \xff\xfe"}
	c, errs := p.Run(context.Background(), msg)
	if len(errs) != 4 {
		t.Fatalf("expected every text stage to fail, got %d", len(errs))
	}
	for _, e := range errs {
		if !errors.Is(e, ErrMalformedInput) {
			t.Errorf("stage %s: %v", e.Stage, e.Err)
		}
	}
	if c.Quality.Score != 1.0 || c.Sentiment.Sentiment != models.SentimentNeutral || c.Technical.Domain != models.DomainNone {
		t.Errorf("expected neutral defaults, got %+v", c)
	}
}
