package models

import (
	"fmt"
	"time"
)

// QueryContext carries the optional focus of a search request.
type QueryContext struct {
	TopicFocus string `json:"topic_focus,omitempty"`
	Project    string `json:"project,omitempty"`
}

// BaseResult is a candidate returned by the search backend with its raw similarity.
type BaseResult struct {
	ID             string  `json:"id"`
	BaseSimilarity float64 `json:"base_similarity"`
}

// RelevanceSignal is the scoring breakdown for one query/candidate pair. Never persisted.
type RelevanceSignal struct {
	MessageID       string   `json:"message_id"`
	BaseSimilarity  float64  `json:"base_similarity"`
	TopicBoost      float64  `json:"topic_boost"`
	QualityBoost    float64  `json:"quality_boost"`
	ValidationBoost float64  `json:"validation_boost"`
	AdjacencyBoost  float64  `json:"adjacency_boost"`
	ProjectBoost    float64  `json:"project_boost"`
	FinalScore      float64  `json:"final_score"`
	Capped          bool     `json:"capped,omitempty"`
	Explanation     []string `json:"explanation"`
	Rank            int      `json:"rank"`
}

// Amplification returns FinalScore / BaseSimilarity, or 1 when the base is not positive.
func (s *RelevanceSignal) Amplification() float64 {
	if s.BaseSimilarity <= 0 {
		return 1
	}
	return s.FinalScore / s.BaseSimilarity
}

// Transition records a validation state change produced by a learner pass.
type Transition struct {
	MessageID  string          `json:"message_id"`
	From       ValidationState `json:"from"`
	To         ValidationState `json:"to"`
	FeedbackID string          `json:"feedback_id"`
	Confidence float64         `json:"confidence"`
}

// ErrorKind classifies a failure recorded during an enrichment pass.
type ErrorKind string

const (
	ErrorTranscriptUnavailable ErrorKind = "transcript_unavailable"
	ErrorClassification        ErrorKind = "classification_failure"
	ErrorPersistence           ErrorKind = "persistence_failure"
)

// EnrichmentError is one non-fatal failure recorded in an EnrichmentResult.
type EnrichmentError struct {
	Kind      ErrorKind `json:"kind"`
	MessageID string    `json:"message_id,omitempty"`
	Stage     string    `json:"stage,omitempty"`
	Message   string    `json:"message"`
}

func (e EnrichmentError) String() string {
	if e.MessageID != "" {
		return fmt.Sprintf("%s [%s] %s: %s", e.Kind, e.Stage, e.MessageID, e.Message)
	}
	return fmt.Sprintf("%s [%s]: %s", e.Kind, e.Stage, e.Message)
}

// EnrichmentResult summarises one enrichment pass over a session.
type EnrichmentResult struct {
	RunID                 string            `json:"run_id"`
	SessionID             string            `json:"session_id"`
	LinksBuilt            int               `json:"links_built"`
	MessagesEnriched      int               `json:"messages_enriched"`
	ValidationTransitions []Transition      `json:"validation_transitions"`
	Errors                []EnrichmentError `json:"errors"`
	Elapsed               time.Duration     `json:"elapsed_time"`
	Partial               bool              `json:"partial"`
	StartedAt             time.Time         `json:"started_at"`
}

// ValidationUpdate is returned when feedback is recorded for a message.
type ValidationUpdate struct {
	MessageID           string          `json:"message_id"`
	Previous            ValidationState `json:"previous"`
	Current             ValidationState `json:"current"`
	Confidence          float64         `json:"confidence"`
	Sentiment           Sentiment       `json:"sentiment"`
	SentimentConfidence float64         `json:"sentiment_confidence"`
	Changed             bool            `json:"changed"`
}
