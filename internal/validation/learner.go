// Package validation derives the validation state of candidate solutions from
// the feedback that follows them.
package validation

import (
	"math"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/hyperjump/kioku/internal/models"
)

// Event sources.
const (
	SourceTranscript = "transcript"
	SourceExternal   = "external"
)

// Config holds learner tuning.
type Config struct {
	// Reinforcement scales how much consistent feedback raises confidence.
	Reinforcement float64 `yaml:"reinforcement"`
	// ConfidenceCap is the maximum confidence any state can reach.
	ConfidenceCap float64 `yaml:"confidence_cap"`
}

// DefaultConfig returns the default tuning.
func DefaultConfig() Config {
	return Config{Reinforcement: 1.0, ConfidenceCap: 0.99}
}

// Event is one classified piece of feedback aimed at a candidate solution.
type Event struct {
	FeedbackID string
	TargetID   string
	Sentiment  models.Sentiment
	Confidence float64
	Source     string
	Sequence   int
	CreatedAt  time.Time
}

// State is the learned status of one candidate.
type State struct {
	MessageID      string                 `json:"message_id"`
	State          models.ValidationState `json:"state"`
	Confidence     float64                `json:"confidence"`
	FeedbackCount  int                    `json:"feedback_count"`
	LastFeedbackID string                 `json:"last_feedback_id,omitempty"`
}

// Outcome is the result of one learner pass.
type Outcome struct {
	States      map[string]State
	Transitions []models.Transition
}

// Learner replays feedback over candidate solutions.
type Learner struct {
	cfg    Config
	logger *zap.Logger
}

// NewLearner returns a learner. A nil logger is replaced by a no-op logger.
func NewLearner(cfg Config, logger *zap.Logger) *Learner {
	if cfg.ConfidenceCap <= 0 || cfg.ConfidenceCap > 1 {
		cfg.ConfidenceCap = 1
	}
	if cfg.Reinforcement < 0 {
		cfg.Reinforcement = 0
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Learner{cfg: cfg, logger: logger}
}

// SortEvents orders transcript feedback by sequence, then external feedback by
// creation time. Ties are broken by feedback ID.
func SortEvents(events []Event) {
	sort.SliceStable(events, func(i, j int) bool {
		a, b := events[i], events[j]
		if (a.Source == SourceExternal) != (b.Source == SourceExternal) {
			return a.Source != SourceExternal
		}
		if a.Source == SourceExternal {
			if !a.CreatedAt.Equal(b.CreatedAt) {
				return a.CreatedAt.Before(b.CreatedAt)
			}
		} else if a.Sequence != b.Sequence {
			return a.Sequence < b.Sequence
		}
		return a.FeedbackID < b.FeedbackID
	})
}

// Evaluate recomputes the state of every candidate from scratch. Every candidate
// starts as CANDIDATE_SOLUTION with zero confidence. External events may target
// a message outside candidates, which then becomes a candidate for this pass.
// Transitions are reported against previous, the last persisted states.
func (l *Learner) Evaluate(candidates []string, events []Event, previous map[string]models.ValidationState) Outcome {
	states := make(map[string]*State, len(candidates))
	order := make([]string, 0, len(candidates))
	track := func(id string) *State {
		st, ok := states[id]
		if !ok {
			st = &State{MessageID: id, State: models.ValidationCandidate}
			states[id] = st
			order = append(order, id)
		}
		return st
	}
	for _, id := range candidates {
		track(id)
	}

	sorted := make([]Event, len(events))
	copy(sorted, events)
	SortEvents(sorted)

	for _, ev := range sorted {
		st, ok := states[ev.TargetID]
		if !ok {
			if ev.Source != SourceExternal || ev.TargetID == "" {
				continue
			}
			st = track(ev.TargetID)
		}
		target, moves := models.StateForSentiment(ev.Sentiment)
		if !moves {
			continue
		}
		conf := math.Max(0, math.Min(1, ev.Confidence))
		if st.State == target {
			st.Confidence += (1 - st.Confidence) * conf * l.cfg.Reinforcement
		} else {
			st.State = target
			st.Confidence = conf
		}
		st.Confidence = math.Min(st.Confidence, l.cfg.ConfidenceCap)
		st.FeedbackCount++
		st.LastFeedbackID = ev.FeedbackID
	}

	out := Outcome{States: make(map[string]State, len(states))}
	for _, id := range order {
		st := *states[id]
		out.States[id] = st
		prev, ok := previous[id]
		if !ok || prev == "" {
			prev = models.ValidationUnknown
		}
		if prev != st.State {
			out.Transitions = append(out.Transitions, models.Transition{
				MessageID:  id,
				From:       prev,
				To:         st.State,
				FeedbackID: st.LastFeedbackID,
				Confidence: st.Confidence,
			})
		}
	}
	l.logger.Debug("validation pass",
		zap.Int("candidates", len(order)),
		zap.Int("events", len(events)),
		zap.Int("transitions", len(out.Transitions)),
	)
	return out
}
