package models

import "time"

// Sentiment is the classified polarity of feedback text.
type Sentiment string

const (
	SentimentPositive Sentiment = "positive"
	SentimentNegative Sentiment = "negative"
	SentimentPartial  Sentiment = "partial"
	SentimentNeutral  Sentiment = "neutral"
)

// TechnicalDomain is the engineering activity a message is about.
type TechnicalDomain string

const (
	DomainNone    TechnicalDomain = "none"
	DomainBuild   TechnicalDomain = "build"
	DomainTest    TechnicalDomain = "test"
	DomainRuntime TechnicalDomain = "runtime"
	DomainDeploy  TechnicalDomain = "deploy"
)

// ValidationState is the feedback-derived status of a candidate solution.
type ValidationState string

const (
	ValidationUnknown   ValidationState = "UNKNOWN"
	ValidationCandidate ValidationState = "CANDIDATE_SOLUTION"
	ValidationValidated ValidationState = "VALIDATED"
	ValidationRefuted   ValidationState = "REFUTED"
	ValidationPartial   ValidationState = "PARTIAL"
)

// StateForSentiment maps feedback sentiment to the validation state it moves a
// candidate into. Neutral feedback does not move the state and returns false.
func StateForSentiment(s Sentiment) (ValidationState, bool) {
	switch s {
	case SentimentPositive:
		return ValidationValidated, true
	case SentimentNegative:
		return ValidationRefuted, true
	case SentimentPartial:
		return ValidationPartial, true
	default:
		return "", false
	}
}

// EnrichedMetadata is the derived, persisted metadata of one message.
type EnrichedMetadata struct {
	MessageID string `json:"message_id"`
	SessionID string `json:"session_id"`
	Project   string `json:"project,omitempty"`
	Role      Role   `json:"role"`
	Sequence  int    `json:"sequence_position"`

	Topics       map[string]float64 `json:"topics,omitempty"`
	PrimaryTopic string             `json:"primary_topic,omitempty"`

	QualityScore      float64  `json:"quality_score"`
	SuccessMarkers    []string `json:"success_markers_found,omitempty"`
	CandidateSolution bool     `json:"candidate_solution"`

	Sentiment           Sentiment `json:"sentiment"`
	SentimentConfidence float64   `json:"sentiment_confidence"`

	TechnicalDomain TechnicalDomain `json:"technical_domain"`
	ComplexOutcome  bool            `json:"complex_outcome"`

	ValidationState      ValidationState `json:"validation_state"`
	ValidationConfidence float64         `json:"validation_confidence"`

	PreviousMessageID string `json:"previous_message_id,omitempty"`
	NextMessageID     string `json:"next_message_id,omitempty"`
	FeedbackTargetID  string `json:"feedback_target_id,omitempty"`

	UpdatedAt time.Time `json:"updated_at"`
}

// Link returns the adjacency link stored on the metadata.
func (m *EnrichedMetadata) Link() AdjacencyLink {
	return AdjacencyLink{
		MessageID:         m.MessageID,
		PreviousMessageID: m.PreviousMessageID,
		NextMessageID:     m.NextMessageID,
	}
}

// TopicConfidence returns the confidence for label, or 0 when absent.
func (m *EnrichedMetadata) TopicConfidence(label string) float64 {
	if m.Topics == nil {
		return 0
	}
	return m.Topics[label]
}

// NewDefaultMetadata returns metadata with neutral values for msg.
func NewDefaultMetadata(msg *Message) *EnrichedMetadata {
	return &EnrichedMetadata{
		MessageID:       msg.ID,
		SessionID:       msg.SessionID,
		Project:         msg.Project,
		Role:            msg.Role,
		Sequence:        msg.Sequence,
		Topics:          map[string]float64{},
		QualityScore:    1.0,
		Sentiment:       SentimentNeutral,
		TechnicalDomain: DomainNone,
		ValidationState: ValidationUnknown,
	}
}
