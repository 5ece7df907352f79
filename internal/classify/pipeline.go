package classify

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/hyperjump/kioku/internal/embedding"
	"github.com/hyperjump/kioku/internal/models"
)

// Stage names reported in ClassificationError.
const (
	StageTopic     = "topic"
	StageQuality   = "quality"
	StageSentiment = "sentiment"
	StageTechnical = "technical"
)

// ClassificationError records one failed stage for one message. The field it
// would have produced keeps its neutral default.
type ClassificationError struct {
	MessageID string
	Stage     string
	Err       error
}

func (e *ClassificationError) Error() string {
	return fmt.Sprintf("classify %s: stage %s: %v", e.MessageID, e.Stage, e.Err)
}

func (e *ClassificationError) Unwrap() error { return e.Err }

// Config bundles the classifier configurations.
type Config struct {
	Topic     TopicConfig
	Quality   QualityConfig
	Sentiment SentimentConfig
	Technical TechnicalConfig
	// CandidateThreshold is the quality score an assistant message must exceed
	// to become a candidate solution.
	CandidateThreshold float64
}

// DefaultConfig returns the built-in tables and thresholds.
func DefaultConfig() Config {
	return Config{
		Topic:              DefaultTopicConfig(),
		Quality:            DefaultQualityConfig(),
		Sentiment:          DefaultSentimentConfig(),
		Technical:          DefaultTechnicalConfig(),
		CandidateThreshold: 1.2,
	}
}

// Classification is everything the pipeline derives from one message.
type Classification struct {
	Topics       map[string]float64
	PrimaryTopic string
	Quality      QualityResult
	Candidate    bool
	Sentiment    SentimentResult
	Technical    TechnicalResult
}

func defaultClassification(minQuality float64) *Classification {
	return &Classification{
		Topics:    map[string]float64{},
		Quality:   QualityResult{Score: minQuality},
		Sentiment: NeutralSentiment(),
		Technical: TechnicalResult{Domain: models.DomainNone},
	}
}

// ApplyTo copies the classification into meta, leaving link and validation fields untouched.
func (c *Classification) ApplyTo(meta *models.EnrichedMetadata) {
	meta.Topics = c.Topics
	meta.PrimaryTopic = c.PrimaryTopic
	meta.QualityScore = c.Quality.Score
	meta.SuccessMarkers = c.Quality.Markers
	meta.CandidateSolution = c.Candidate
	meta.Sentiment = c.Sentiment.Sentiment
	meta.SentimentConfidence = c.Sentiment.Confidence
	meta.TechnicalDomain = c.Technical.Domain
	meta.ComplexOutcome = c.Technical.ComplexOutcome
}

type stage struct {
	name string
	run  func(ctx context.Context, msg *models.Message, out *Classification) error
}

// Pipeline runs the four classifiers over a message with per-stage isolation.
type Pipeline struct {
	topics    *TopicDetector
	quality   *QualityScorer
	sentiment *SentimentAnalyzer
	technical *TechnicalClassifier
	threshold float64
	stages    []stage
	logger    *zap.Logger
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithLogger sets the pipeline logger.
func WithLogger(l *zap.Logger) Option {
	return func(p *Pipeline) { p.logger = l }
}

// NewPipeline builds every classifier from cfg. embedder may be nil.
func NewPipeline(cfg Config, embedder embedding.Embedder, opts ...Option) (*Pipeline, error) {
	p := &Pipeline{threshold: cfg.CandidateThreshold, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(p)
	}
	var err error
	if p.topics, err = NewTopicDetector(cfg.Topic); err != nil {
		return nil, fmt.Errorf("topic rules: %w", err)
	}
	if p.quality, err = NewQualityScorer(cfg.Quality); err != nil {
		return nil, fmt.Errorf("quality rules: %w", err)
	}
	if p.sentiment, err = NewSentimentAnalyzer(cfg.Sentiment, embedder, p.logger); err != nil {
		return nil, fmt.Errorf("sentiment rules: %w", err)
	}
	if p.technical, err = NewTechnicalClassifier(cfg.Technical); err != nil {
		return nil, fmt.Errorf("technical rules: %w", err)
	}
	p.stages = []stage{
		{name: StageTopic, run: p.runTopic},
		{name: StageQuality, run: p.runQuality},
		{name: StageSentiment, run: p.runSentiment},
		{name: StageTechnical, run: p.runTechnical},
	}
	return p, nil
}

// Run classifies msg. A failing stage never affects the others.
func (p *Pipeline) Run(ctx context.Context, msg *models.Message) (*Classification, []*ClassificationError) {
	lo, _ := p.quality.Range()
	out := defaultClassification(lo)
	var errs []*ClassificationError
	for _, st := range p.stages {
		start := time.Now()
		if err := safeRun(ctx, st, msg, out); err != nil {
			p.logger.Warn("classification stage failed",
				zap.String("message_id", msg.ID),
				zap.String("stage", st.name),
				zap.Error(err),
			)
			errs = append(errs, &ClassificationError{MessageID: msg.ID, Stage: st.name, Err: err})
			continue
		}
		p.logger.Debug("classification stage done",
			zap.String("message_id", msg.ID),
			zap.String("stage", st.name),
			zap.Duration("took", time.Since(start)),
		)
	}
	return out, errs
}

func safeRun(ctx context.Context, st stage, msg *models.Message, out *Classification) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return st.run(ctx, msg, out)
}

func (p *Pipeline) runTopic(_ context.Context, msg *models.Message, out *Classification) error {
	topics, err := p.topics.Detect(msg.Content)
	if err != nil {
		return err
	}
	out.Topics = topics
	out.PrimaryTopic = p.topics.Primary(topics)
	return nil
}

func (p *Pipeline) runQuality(_ context.Context, msg *models.Message, out *Classification) error {
	q, err := p.quality.Score(msg.Content, QualityInput{HasCode: msg.HasCode(), ToolsUsed: msg.ToolsUsed})
	if err != nil {
		return err
	}
	out.Quality = q
	out.Candidate = msg.IsAssistant() && q.Score > p.threshold
	return nil
}

func (p *Pipeline) runSentiment(ctx context.Context, msg *models.Message, out *Classification) error {
	if !msg.IsUser() {
		return nil
	}
	s, err := p.sentiment.Analyze(ctx, msg.Content)
	if err != nil {
		return err
	}
	out.Sentiment = s
	return nil
}

func (p *Pipeline) runTechnical(_ context.Context, msg *models.Message, out *Classification) error {
	t, err := p.technical.Classify(msg.Content, TechnicalInput{ToolsUsed: msg.ToolsUsed})
	if err != nil {
		return err
	}
	out.Technical = t
	return nil
}

// Topics returns the topic detector, used to infer a query's topic focus.
func (p *Pipeline) Topics() *TopicDetector { return p.topics }

// Sentiment returns the sentiment analyzer, used for out-of-band feedback.
func (p *Pipeline) Sentiment() *SentimentAnalyzer { return p.sentiment }
