package enrichment

import (
	"context"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hyperjump/kioku/internal/models"
	"github.com/hyperjump/kioku/internal/ranking"
	"github.com/hyperjump/kioku/internal/validation"
)

// RecordFeedback stores feedback about messageID and re-runs only the validation
// learner for the message's session from persisted metadata. The target becomes a
// candidate solution for the learner even if classification did not mark it as one.
func (o *Orchestrator) RecordFeedback(ctx context.Context, messageID, text string) (*models.ValidationUpdate, error) {
	msg, err := o.store.GetMessage(ctx, messageID)
	if err != nil {
		return nil, fmt.Errorf("feedback target: %w", err)
	}
	sr, err := o.pipeline.Sentiment().Analyze(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("classify feedback: %w", err)
	}

	unlock := o.lockSession(msg.SessionID)
	defer unlock()

	ev := &models.FeedbackEvent{
		ID:        uuid.New().String(),
		MessageID: messageID,
		SessionID: msg.SessionID,
		Text:      text,
		CreatedAt: o.now(),
	}
	if err := o.store.AddFeedbackEvent(ctx, ev); err != nil {
		return nil, fmt.Errorf("store feedback: %w", err)
	}

	stored, err := o.store.GetSessionMetadata(ctx, msg.SessionID)
	if err != nil {
		return nil, fmt.Errorf("read metadata: %w", err)
	}
	metas := make(map[string]*models.EnrichedMetadata, len(stored)+1)
	var candidates []string
	var events []validation.Event
	for _, m := range stored {
		metas[m.MessageID] = m
		if m.CandidateSolution {
			candidates = append(candidates, m.MessageID)
		}
	}
	for _, m := range stored {
		if m.FeedbackTargetID == "" {
			continue
		}
		events = append(events, validation.Event{
			FeedbackID: m.MessageID,
			TargetID:   m.FeedbackTargetID,
			Sentiment:  m.Sentiment,
			Confidence: m.SentimentConfidence,
			Source:     validation.SourceTranscript,
			Sequence:   m.Sequence,
		})
	}
	external, extErrs := o.externalEvents(ctx, msg.SessionID)
	for _, e := range extErrs {
		o.logger.Warn("feedback event skipped", zap.String("message_id", e.MessageID), zap.String("error", e.Message))
	}
	events = append(events, external...)

	target, ok := metas[messageID]
	targetIsNew := !ok
	if targetIsNew {
		target = models.NewDefaultMetadata(msg)
		metas[messageID] = target
	}
	before := target.ValidationState
	if before == "" {
		before = models.ValidationUnknown
	}

	outcome := o.learner.Evaluate(candidates, events, validationStates(metas))

	var changed []*models.EnrichedMetadata
	for id, meta := range metas {
		state, conf := models.ValidationUnknown, 0.0
		if st, ok := outcome.States[id]; ok {
			state, conf = st.State, st.Confidence
		}
		if meta.ValidationState == state && meta.ValidationConfidence == conf && !(id == messageID && targetIsNew) {
			continue
		}
		meta.ValidationState = state
		meta.ValidationConfidence = conf
		changed = append(changed, meta)
	}
	sort.Slice(changed, func(i, j int) bool { return changed[i].Sequence < changed[j].Sequence })

	if len(changed) > 0 {
		report, _ := o.metadataWriter(o.logger).Write(context.WithoutCancel(ctx), changed, o.store.UpsertMetadata)
		if report != nil && !report.OK() {
			return nil, fmt.Errorf("persist validation: %d batches failed: %w", len(report.Failures), report.Failures[0].Err)
		}
		for _, e := range o.mirror(context.WithoutCancel(ctx), changed, o.logger) {
			o.logger.Warn("vector payload update failed", zap.String("error", e.Message))
		}
	}

	update := &models.ValidationUpdate{
		MessageID:           messageID,
		Previous:            before,
		Current:             target.ValidationState,
		Confidence:          target.ValidationConfidence,
		Sentiment:           sr.Sentiment,
		SentimentConfidence: sr.Confidence,
		Changed:             before != target.ValidationState,
	}
	o.logger.Info("feedback recorded",
		zap.String("message_id", messageID),
		zap.String("session_id", msg.SessionID),
		zap.String("sentiment", string(sr.Sentiment)),
		zap.String("state", string(update.Current)),
	)
	return update, nil
}

// ScoreCandidates ranks base results using the most recently persisted metadata.
// It never writes and holds no session lock.
func (o *Orchestrator) ScoreCandidates(ctx context.Context, base []models.BaseResult, query models.QueryContext) ([]models.RelevanceSignal, error) {
	return o.engine.ScoreCandidates(ctx, base, query, o.store)
}

// Engine returns the relevance scoring engine.
func (o *Orchestrator) Engine() *ranking.Engine { return o.engine }
