// Package enrichment runs classification, adjacency backfill and validation
// learning over whole sessions and persists the derived metadata.
package enrichment

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hyperjump/kioku/internal/adjacency"
	"github.com/hyperjump/kioku/internal/batch"
	"github.com/hyperjump/kioku/internal/classify"
	"github.com/hyperjump/kioku/internal/models"
	"github.com/hyperjump/kioku/internal/ranking"
	"github.com/hyperjump/kioku/internal/validation"
	"github.com/hyperjump/kioku/internal/vector"
)

// ErrTranscriptUnavailable is returned when a session transcript cannot be read.
// The session is skipped and retried on the next scheduled pass.
var ErrTranscriptUnavailable = errors.New("transcript unavailable")

// Store is the persistence the orchestrator reads from and writes to.
type Store interface {
	ReadSession(ctx context.Context, sessionID string) ([]*models.Message, error)
	GetMessage(ctx context.Context, id string) (*models.Message, error)
	GetMetadata(ctx context.Context, ids []string) (map[string]*models.EnrichedMetadata, error)
	GetSessionMetadata(ctx context.Context, sessionID string) ([]*models.EnrichedMetadata, error)
	UpsertMetadata(ctx context.Context, metas []*models.EnrichedMetadata) error
	UpsertLinks(ctx context.Context, records []models.LinkRecord) error
	AddFeedbackEvent(ctx context.Context, ev *models.FeedbackEvent) error
	ListFeedbackEvents(ctx context.Context, sessionID string) ([]*models.FeedbackEvent, error)
	SaveEnrichmentRun(ctx context.Context, res *models.EnrichmentResult) error
}

// Config holds orchestrator tuning.
type Config struct {
	// SessionBudget is the soft wall-clock budget for classifying one session.
	// Zero means unlimited.
	SessionBudget time.Duration
	// MaxBatch bounds store writes per batch. Zero means one batch.
	MaxBatch     int
	MaxRetries   int
	RetryBackoff time.Duration
}

// Orchestrator enriches sessions and answers scoring and feedback requests.
type Orchestrator struct {
	store    Store
	pipeline *classify.Pipeline
	learner  *validation.Learner
	engine   *ranking.Engine
	backend  vector.Backend
	cfg      Config
	logger   *zap.Logger
	now      func() time.Time

	locksMu sync.Mutex
	locks   map[string]*sessionLock
}

// sessionLock is held by at most one pass over a session. refs counts the
// holder and waiters so idle sessions leave no entry behind.
type sessionLock struct {
	mu   sync.Mutex
	refs int
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the orchestrator logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// WithBackend mirrors persisted metadata into a vector backend payload.
func WithBackend(b vector.Backend) Option {
	return func(o *Orchestrator) { o.backend = b }
}

// WithClock replaces the wall clock used for budgets and timestamps.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// NewOrchestrator wires the enrichment stages.
func NewOrchestrator(store Store, pipeline *classify.Pipeline, learner *validation.Learner, engine *ranking.Engine, cfg Config, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:    store,
		pipeline: pipeline,
		learner:  learner,
		engine:   engine,
		cfg:      cfg,
		logger:   zap.NewNop(),
		now:      time.Now,
		locks:    make(map[string]*sessionLock),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// lockSession serializes passes over one session. The returned func releases
// the lock and drops the entry once nobody else is waiting for it.
func (o *Orchestrator) lockSession(sessionID string) func() {
	o.locksMu.Lock()
	l, ok := o.locks[sessionID]
	if !ok {
		l = &sessionLock{}
		o.locks[sessionID] = l
	}
	l.refs++
	o.locksMu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		o.locksMu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(o.locks, sessionID)
		}
		o.locksMu.Unlock()
	}
}

// EnrichSession classifies every message of the session, rebuilds adjacency links,
// recomputes validation states and persists the result. Classification stops between
// messages once the session budget is spent; the result is then marked Partial and
// unclassified messages keep their previously persisted classification.
// A session without messages yields an empty, successful result. The returned
// error is non-nil only when the transcript cannot be read.
func (o *Orchestrator) EnrichSession(ctx context.Context, sessionID string) (*models.EnrichmentResult, error) {
	unlock := o.lockSession(sessionID)
	defer unlock()

	start := o.now()
	res := &models.EnrichmentResult{
		RunID:     uuid.New().String(),
		SessionID: sessionID,
		StartedAt: start,
	}
	log := o.logger.With(zap.String("session_id", sessionID), zap.String("run_id", res.RunID))

	msgs, err := o.store.ReadSession(ctx, sessionID)
	if err != nil {
		return o.unavailable(ctx, res, start, log, err)
	}
	if len(msgs) == 0 {
		// A known session without messages has nothing to link or validate.
		res.Elapsed = o.now().Sub(start)
		if err := o.store.SaveEnrichmentRun(context.WithoutCancel(ctx), res); err != nil {
			log.Warn("failed to record enrichment run", zap.Error(err))
		}
		return res, nil
	}

	prevMetas, err := o.store.GetSessionMetadata(ctx, sessionID)
	if err != nil {
		return o.unavailable(ctx, res, start, log, fmt.Errorf("read metadata: %w", err))
	}
	previous := make(map[string]*models.EnrichedMetadata, len(prevMetas))
	for _, m := range prevMetas {
		previous[m.MessageID] = m
	}

	metas, classified := o.classify(ctx, msgs, previous, start, res, log)

	links, err := adjacency.Backfill(msgs, func(m *models.Message) bool {
		return metas[m.ID].CandidateSolution
	})
	if err != nil {
		return o.unavailable(ctx, res, start, log, err)
	}
	res.LinksBuilt = len(links.Links)
	for _, r := range links.Records() {
		meta := metas[r.MessageID]
		meta.PreviousMessageID = r.PreviousMessageID
		meta.NextMessageID = r.NextMessageID
		meta.FeedbackTargetID = r.FeedbackTargetID
	}

	events := transcriptEvents(links.Pairings, metas, msgs)
	external, extErrs := o.externalEvents(ctx, sessionID)
	events = append(events, external...)
	res.Errors = append(res.Errors, extErrs...)

	outcome := o.learner.Evaluate(links.Candidates, events, validationStates(previous))
	applyOutcome(metas, outcome)
	res.ValidationTransitions = outcome.Transitions

	// Whatever was computed is persisted even if the caller has gone away.
	persistCtx := context.WithoutCancel(ctx)

	linkReport, _ := adjacency.Persist(persistCtx, o.linkWriter(log), o.store, links)
	res.Errors = append(res.Errors, persistenceErrors("links", linkReport)...)

	ordered := make([]*models.EnrichedMetadata, len(msgs))
	for i, m := range msgs {
		ordered[i] = metas[m.ID]
	}
	report, _ := o.metadataWriter(log).Write(persistCtx, ordered, o.store.UpsertMetadata)
	failed := failedIDs(report, ordered)
	res.Errors = append(res.Errors, persistenceErrors("metadata", report)...)
	for id := range classified {
		if !failed[id] {
			res.MessagesEnriched++
		}
	}
	res.Errors = append(res.Errors, o.mirror(persistCtx, ordered, log)...)

	res.Elapsed = o.now().Sub(start)
	if err := o.store.SaveEnrichmentRun(persistCtx, res); err != nil {
		log.Warn("failed to record enrichment run", zap.Error(err))
		res.Errors = append(res.Errors, models.EnrichmentError{
			Kind: models.ErrorPersistence, Stage: "run", Message: err.Error(),
		})
	}
	log.Info("session enriched",
		zap.Int("messages", len(msgs)),
		zap.Int("enriched", res.MessagesEnriched),
		zap.Int("links", res.LinksBuilt),
		zap.Int("transitions", len(res.ValidationTransitions)),
		zap.Int("errors", len(res.Errors)),
		zap.Bool("partial", res.Partial),
		zap.Duration("elapsed", res.Elapsed),
	)
	return res, nil
}

func (o *Orchestrator) unavailable(ctx context.Context, res *models.EnrichmentResult, start time.Time, log *zap.Logger, cause error) (*models.EnrichmentResult, error) {
	log.Warn("transcript unavailable", zap.Error(cause))
	res.Errors = append(res.Errors, models.EnrichmentError{
		Kind:    models.ErrorTranscriptUnavailable,
		Stage:   "read",
		Message: cause.Error(),
	})
	res.Elapsed = o.now().Sub(start)
	if err := o.store.SaveEnrichmentRun(context.WithoutCancel(ctx), res); err != nil {
		log.Warn("failed to record enrichment run", zap.Error(err))
	}
	return res, fmt.Errorf("%w: session %s: %v", ErrTranscriptUnavailable, res.SessionID, cause)
}

// classify runs the pipeline over msgs in order until the budget is spent. It returns
// metadata for every message and the set of messages classified in this pass.
func (o *Orchestrator) classify(ctx context.Context, msgs []*models.Message, previous map[string]*models.EnrichedMetadata, start time.Time, res *models.EnrichmentResult, log *zap.Logger) (map[string]*models.EnrichedMetadata, map[string]bool) {
	metas := make(map[string]*models.EnrichedMetadata, len(msgs))
	classified := make(map[string]bool, len(msgs))
	for _, msg := range msgs {
		meta := models.NewDefaultMetadata(msg)
		metas[msg.ID] = meta
		if res.Partial {
			carryClassification(meta, previous[msg.ID])
			continue
		}
		if o.budgetSpent(start) || ctx.Err() != nil {
			log.Info("session budget spent, finishing partially", zap.Int("classified", len(classified)))
			res.Partial = true
			carryClassification(meta, previous[msg.ID])
			continue
		}
		cls, errs := o.pipeline.Run(ctx, msg)
		cls.ApplyTo(meta)
		classified[msg.ID] = true
		for _, e := range errs {
			res.Errors = append(res.Errors, models.EnrichmentError{
				Kind:      models.ErrorClassification,
				MessageID: e.MessageID,
				Stage:     e.Stage,
				Message:   e.Err.Error(),
			})
		}
	}
	return metas, classified
}

func (o *Orchestrator) budgetSpent(start time.Time) bool {
	return o.cfg.SessionBudget > 0 && o.now().Sub(start) >= o.cfg.SessionBudget
}

// carryClassification copies classifier fields from a previous pass.
func carryClassification(meta, prev *models.EnrichedMetadata) {
	if prev == nil {
		return
	}
	meta.Topics = prev.Topics
	meta.PrimaryTopic = prev.PrimaryTopic
	meta.QualityScore = prev.QualityScore
	meta.SuccessMarkers = prev.SuccessMarkers
	meta.CandidateSolution = prev.CandidateSolution
	meta.Sentiment = prev.Sentiment
	meta.SentimentConfidence = prev.SentimentConfidence
	meta.TechnicalDomain = prev.TechnicalDomain
	meta.ComplexOutcome = prev.ComplexOutcome
}

func transcriptEvents(pairings []models.Pairing, metas map[string]*models.EnrichedMetadata, msgs []*models.Message) []validation.Event {
	seq := make(map[string]int, len(msgs))
	for _, m := range msgs {
		seq[m.ID] = m.Sequence
	}
	events := make([]validation.Event, 0, len(pairings))
	for _, p := range pairings {
		fb := metas[p.FeedbackID]
		events = append(events, validation.Event{
			FeedbackID: p.FeedbackID,
			TargetID:   p.SolutionID,
			Sentiment:  fb.Sentiment,
			Confidence: fb.SentimentConfidence,
			Source:     validation.SourceTranscript,
			Sequence:   seq[p.FeedbackID],
		})
	}
	return events
}

// externalEvents classifies the session's out-of-band feedback.
func (o *Orchestrator) externalEvents(ctx context.Context, sessionID string) ([]validation.Event, []models.EnrichmentError) {
	stored, err := o.store.ListFeedbackEvents(ctx, sessionID)
	if err != nil {
		return nil, []models.EnrichmentError{{
			Kind: models.ErrorPersistence, Stage: "feedback", Message: err.Error(),
		}}
	}
	var events []validation.Event
	var errs []models.EnrichmentError
	for _, ev := range stored {
		sr, err := o.pipeline.Sentiment().Analyze(ctx, ev.Text)
		if err != nil {
			errs = append(errs, models.EnrichmentError{
				Kind:      models.ErrorClassification,
				MessageID: ev.MessageID,
				Stage:     classify.StageSentiment,
				Message:   err.Error(),
			})
			continue
		}
		events = append(events, validation.Event{
			FeedbackID: ev.ID,
			TargetID:   ev.MessageID,
			Sentiment:  sr.Sentiment,
			Confidence: sr.Confidence,
			Source:     validation.SourceExternal,
			CreatedAt:  ev.CreatedAt,
		})
	}
	return events, errs
}

func validationStates(metas map[string]*models.EnrichedMetadata) map[string]models.ValidationState {
	out := make(map[string]models.ValidationState, len(metas))
	for id, m := range metas {
		out[id] = m.ValidationState
	}
	return out
}

// applyOutcome writes learned states; messages the learner did not track are UNKNOWN.
func applyOutcome(metas map[string]*models.EnrichedMetadata, outcome validation.Outcome) {
	for id, meta := range metas {
		if st, ok := outcome.States[id]; ok {
			meta.ValidationState = st.State
			meta.ValidationConfidence = st.Confidence
			continue
		}
		meta.ValidationState = models.ValidationUnknown
		meta.ValidationConfidence = 0
	}
}

func (o *Orchestrator) linkWriter(log *zap.Logger) *batch.Writer[models.LinkRecord] {
	return batch.NewWriter[models.LinkRecord](o.cfg.MaxBatch, o.cfg.MaxRetries, o.cfg.RetryBackoff, batch.WithLogger(log))
}

func (o *Orchestrator) metadataWriter(log *zap.Logger) *batch.Writer[*models.EnrichedMetadata] {
	return batch.NewWriter[*models.EnrichedMetadata](o.cfg.MaxBatch, o.cfg.MaxRetries, o.cfg.RetryBackoff, batch.WithLogger(log))
}

// mirror copies metadata into the vector backend payloads.
func (o *Orchestrator) mirror(ctx context.Context, metas []*models.EnrichedMetadata, log *zap.Logger) []models.EnrichmentError {
	if o.backend == nil || len(metas) == 0 {
		return nil
	}
	records := vector.MetadataRecords(metas)
	w := batch.NewWriter[vector.MetadataRecord](o.backend.MaxBatchSize(), o.cfg.MaxRetries, o.cfg.RetryBackoff, batch.WithLogger(log))
	report, err := w.Write(ctx, records, o.backend.UpsertMetadata)
	if err != nil {
		return []models.EnrichmentError{{Kind: models.ErrorPersistence, Stage: "vector", Message: err.Error()}}
	}
	return persistenceErrors("vector", report)
}

func persistenceErrors(stage string, report *batch.Report) []models.EnrichmentError {
	if report == nil {
		return nil
	}
	out := make([]models.EnrichmentError, 0, len(report.Failures))
	for _, f := range report.Failures {
		out = append(out, models.EnrichmentError{
			Kind:    models.ErrorPersistence,
			Stage:   stage,
			Message: fmt.Sprintf("batch at offset %d (%d records) skipped: %v", f.Offset, f.Size, f.Err),
		})
	}
	return out
}

func failedIDs(report *batch.Report, metas []*models.EnrichedMetadata) map[string]bool {
	failed := make(map[string]bool)
	if report == nil {
		return failed
	}
	for _, f := range report.Failures {
		for i := f.Offset; i < f.Offset+f.Size && i < len(metas); i++ {
			failed[metas[i].MessageID] = true
		}
	}
	return failed
}
