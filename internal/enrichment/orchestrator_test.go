package enrichment

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hyperjump/kioku/internal/adjacency"
	"github.com/hyperjump/kioku/internal/classify"
	"github.com/hyperjump/kioku/internal/models"
	"github.com/hyperjump/kioku/internal/ranking"
	"github.com/hyperjump/kioku/internal/storage"
	"github.com/hyperjump/kioku/internal/validation"
)

var baseTime = time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC)

func newStore(t *testing.T) *storage.SQLiteStorage {
	t.Helper()
	store, err := storage.NewSQLiteStorage(filepath.Join(t.TempDir(), "kioku.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func newOrchestrator(t *testing.T, store Store, opts ...Option) *Orchestrator {
	t.Helper()
	pipeline, err := classify.NewPipeline(classify.DefaultConfig(), nil)
	require.NoError(t, err)
	learner := validation.NewLearner(validation.DefaultConfig(), nil)
	engine := ranking.NewEngine(ranking.DefaultRankingConfig())
	return NewOrchestrator(store, pipeline, learner, engine, Config{MaxBatch: 2}, opts...)
}

func msg(session, id string, seq int, role models.Role, content string, tools ...string) *models.Message {
	return &models.Message{
		ID:        id,
		SessionID: session,
		Sequence:  seq,
		Role:      role,
		Content:   content,
		Timestamp: baseTime.Add(time.Duration(seq) * time.Minute),
		Project:   "kioku",
		ToolsUsed: tools,
	}
}

const walFix = "The fix is to enable WAL mode:\n```go\ndb.Exec(\"PRAGMA journal_mode=WAL\")\n```"

func seed(t *testing.T, store *storage.SQLiteStorage, msgs ...*models.Message) {
	t.Helper()
	_, err := store.SaveMessages(context.Background(), msgs)
	require.NoError(t, err)
}

func metadataFor(t *testing.T, store *storage.SQLiteStorage, ids ...string) map[string]*models.EnrichedMetadata {
	t.Helper()
	metas, err := store.GetMetadata(context.Background(), ids)
	require.NoError(t, err)
	return metas
}

func TestEnrichSession_PositiveFeedbackValidates(t *testing.T) {
	store := newStore(t)
	seed(t, store,
		msg("s1", "u1", 0, models.RoleUser, "I keep getting database is locked errors"),
		msg("s1", "a1", 1, models.RoleAssistant, walFix, "Edit"),
		msg("s1", "u2", 2, models.RoleUser, "Perfect, that worked!"),
		msg("s1", "u3", 3, models.RoleUser, "How do I configure logging in zap?"),
	)
	o := newOrchestrator(t, store)

	res, err := o.EnrichSession(context.Background(), "s1")
	require.NoError(t, err)
	assert.False(t, res.Partial)
	assert.Equal(t, 4, res.MessagesEnriched)
	assert.Equal(t, 4, res.LinksBuilt)
	assert.Empty(t, res.Errors)
	require.Len(t, res.ValidationTransitions, 1)
	assert.Equal(t, models.ValidationUnknown, res.ValidationTransitions[0].From)
	assert.Equal(t, models.ValidationValidated, res.ValidationTransitions[0].To)
	assert.Equal(t, "u2", res.ValidationTransitions[0].FeedbackID)

	metas := metadataFor(t, store, "u1", "a1", "u2", "u3")
	require.Len(t, metas, 4)
	a1 := metas["a1"]
	assert.True(t, a1.CandidateSolution)
	assert.Greater(t, a1.QualityScore, 1.2)
	assert.Equal(t, models.ValidationValidated, a1.ValidationState)
	assert.InDelta(t, 0.99, a1.ValidationConfidence, 1e-9)
	assert.Equal(t, "u1", a1.PreviousMessageID)
	assert.Equal(t, "u2", a1.NextMessageID)

	assert.Equal(t, models.SentimentPositive, metas["u2"].Sentiment)
	assert.Equal(t, "a1", metas["u2"].FeedbackTargetID)
	assert.Equal(t, models.SentimentNeutral, metas["u3"].Sentiment)
	assert.Equal(t, "a1", metas["u3"].FeedbackTargetID)
	for _, id := range []string{"u1", "u2", "u3"} {
		assert.Equal(t, models.ValidationUnknown, metas[id].ValidationState, id)
		assert.Zero(t, metas[id].ValidationConfidence, id)
	}

	run, err := store.LastEnrichmentRun(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, res.RunID, run.RunID)
}

func TestEnrichSession_UnrelatedQuestionKeepsValidation(t *testing.T) {
	store := newStore(t)
	seed(t, store,
		msg("s1", "u1", 0, models.RoleUser, "I keep getting database is locked errors"),
		msg("s1", "a1", 1, models.RoleAssistant, walFix, "Edit"),
		msg("s1", "u2", 2, models.RoleUser, "Perfect, that worked!"),
	)
	o := newOrchestrator(t, store)
	ctx := context.Background()
	_, err := o.EnrichSession(ctx, "s1")
	require.NoError(t, err)
	validated := metadataFor(t, store, "a1")["a1"]
	require.Equal(t, models.ValidationValidated, validated.ValidationState)

	// "wrong" is a weak negative marker on its own.
	seed(t, store, msg("s1", "u3", 3, models.RoleUser, "What is wrong with the date column in my report query?"))
	res, err := o.EnrichSession(ctx, "s1")
	require.NoError(t, err)
	assert.Empty(t, res.ValidationTransitions)

	metas := metadataFor(t, store, "a1", "u3")
	assert.Equal(t, models.SentimentNeutral, metas["u3"].Sentiment)
	assert.Equal(t, models.ValidationValidated, metas["a1"].ValidationState)
	assert.Equal(t, validated.ValidationConfidence, metas["a1"].ValidationConfidence)
}

func TestEnrichSession_IsIdempotent(t *testing.T) {
	store := newStore(t)
	seed(t, store,
		msg("s1", "u1", 0, models.RoleUser, "tests hang"),
		msg("s1", "a1", 1, models.RoleAssistant, walFix, "Edit"),
		msg("s1", "u2", 2, models.RoleUser, "that worked"),
	)
	o := newOrchestrator(t, store)
	ctx := context.Background()

	_, err := o.EnrichSession(ctx, "s1")
	require.NoError(t, err)
	first := metadataFor(t, store, "u1", "a1", "u2")

	res, err := o.EnrichSession(ctx, "s1")
	require.NoError(t, err)
	assert.Empty(t, res.ValidationTransitions)
	second := metadataFor(t, store, "u1", "a1", "u2")
	for id, m := range first {
		m.UpdatedAt, second[id].UpdatedAt = time.Time{}, time.Time{}
		assert.Equal(t, m, second[id], id)
	}
}

func TestEnrichSession_MixedBuildAndTestOutcome(t *testing.T) {
	store := newStore(t)
	seed(t, store, msg("s2", "u1", 0, models.RoleUser, "Build passes but tests are failing"))
	o := newOrchestrator(t, store)

	_, err := o.EnrichSession(context.Background(), "s2")
	require.NoError(t, err)

	m := metadataFor(t, store, "u1")["u1"]
	require.NotNil(t, m)
	assert.Equal(t, models.DomainBuild, m.TechnicalDomain)
	assert.True(t, m.ComplexOutcome)
	assert.False(t, m.CandidateSolution)
}

func TestEnrichSession_AppendTouchesOnlyNewMessageAndNeighbour(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	initial := []*models.Message{
		msg("s3", "u1", 0, models.RoleUser, "the build is slow"),
		msg("s3", "a1", 1, models.RoleAssistant, "You can enable the cache."),
		msg("s3", "u2", 2, models.RoleUser, "how?"),
	}
	seed(t, store, initial...)
	o := newOrchestrator(t, store)

	_, err := o.EnrichSession(ctx, "s3")
	require.NoError(t, err)
	before := linksOf(t, store, "s3")

	seed(t, store, msg("s3", "a2", 3, models.RoleAssistant, "Set GOCACHE."))
	_, err = o.EnrichSession(ctx, "s3")
	require.NoError(t, err)
	after := linksOf(t, store, "s3")

	changes := adjacency.Diff(before, after)
	require.Len(t, changes, 2)
	assert.Equal(t, "u2", changes[0].MessageID)
	assert.Equal(t, "a2", changes[0].New.NextMessageID)
	assert.Equal(t, "a2", changes[1].MessageID)
	assert.Nil(t, changes[1].Old)
	assert.Equal(t, "u2", changes[1].New.PreviousMessageID)
	assert.NoError(t, adjacency.CheckSymmetry(after))
}

func linksOf(t *testing.T, store *storage.SQLiteStorage, session string) []models.AdjacencyLink {
	t.Helper()
	metas, err := store.GetSessionMetadata(context.Background(), session)
	require.NoError(t, err)
	links := make([]models.AdjacencyLink, 0, len(metas))
	for _, m := range metas {
		links = append(links, models.AdjacencyLink{
			MessageID:         m.MessageID,
			PreviousMessageID: m.PreviousMessageID,
			NextMessageID:     m.NextMessageID,
		})
	}
	return links
}

func TestEnrichSession_NegativeFeedbackRefutes(t *testing.T) {
	store := newStore(t)
	seed(t, store,
		msg("s4", "u1", 0, models.RoleUser, "the container will not start"),
		msg("s4", "a1", 1, models.RoleAssistant, walFix, "Edit"),
		msg("s4", "u2", 2, models.RoleUser, "let me try something else"),
	)
	o := newOrchestrator(t, store)

	res, err := o.EnrichSession(context.Background(), "s4")
	require.NoError(t, err)
	require.Len(t, res.ValidationTransitions, 1)
	assert.Equal(t, models.ValidationRefuted, res.ValidationTransitions[0].To)

	a1 := metadataFor(t, store, "a1")["a1"]
	assert.Equal(t, models.ValidationRefuted, a1.ValidationState)
	assert.Greater(t, a1.ValidationConfidence, 0.0)
}

func TestEnrichSession_UnknownSessionIsUnavailable(t *testing.T) {
	store := newStore(t)
	o := newOrchestrator(t, store)

	res, err := o.EnrichSession(context.Background(), "missing")
	require.ErrorIs(t, err, ErrTranscriptUnavailable)
	require.NotNil(t, res)
	require.Len(t, res.Errors, 1)
	assert.Equal(t, models.ErrorTranscriptUnavailable, res.Errors[0].Kind)

	run, err := store.LastEnrichmentRun(context.Background(), "missing")
	require.NoError(t, err)
	assert.Equal(t, res.RunID, run.RunID)
}

// steppingClock advances one second per call.
type steppingClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *steppingClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

func TestEnrichSession_BudgetExceededIsPartial(t *testing.T) {
	store := newStore(t)
	seed(t, store,
		msg("s5", "u1", 0, models.RoleUser, "the deploy failed"),
		msg("s5", "a1", 1, models.RoleAssistant, walFix, "Edit"),
		msg("s5", "u2", 2, models.RoleUser, "that worked"),
	)
	clock := &steppingClock{now: baseTime}
	pipeline, err := classify.NewPipeline(classify.DefaultConfig(), nil)
	require.NoError(t, err)
	o := NewOrchestrator(store, pipeline,
		validation.NewLearner(validation.DefaultConfig(), nil),
		ranking.NewEngine(nil),
		Config{SessionBudget: 1500 * time.Millisecond},
		WithClock(clock.Now),
	)

	res, err := o.EnrichSession(context.Background(), "s5")
	require.NoError(t, err)
	assert.True(t, res.Partial)
	assert.Equal(t, 1, res.MessagesEnriched)
	assert.Equal(t, 3, res.LinksBuilt)

	// Unclassified messages are still stored with links and defaults.
	metas := metadataFor(t, store, "u1", "a1", "u2")
	require.Len(t, metas, 3)
	assert.False(t, metas["a1"].CandidateSolution)
	assert.Equal(t, "a1", metas["u2"].PreviousMessageID)
}

func TestEnrichSession_PartialCarriesPreviousClassification(t *testing.T) {
	store := newStore(t)
	seed(t, store,
		msg("s6", "u1", 0, models.RoleUser, "the deploy failed"),
		msg("s6", "a1", 1, models.RoleAssistant, walFix, "Edit"),
	)
	ctx := context.Background()
	_, err := newOrchestrator(t, store).EnrichSession(ctx, "s6")
	require.NoError(t, err)
	full := metadataFor(t, store, "a1")["a1"]
	require.True(t, full.CandidateSolution)

	clock := &steppingClock{now: baseTime}
	o := newOrchestrator(t, store, WithClock(clock.Now))
	o.cfg.SessionBudget = 1500 * time.Millisecond
	res, err := o.EnrichSession(ctx, "s6")
	require.NoError(t, err)
	require.True(t, res.Partial)

	carried := metadataFor(t, store, "a1")["a1"]
	assert.True(t, carried.CandidateSolution)
	assert.Equal(t, full.QualityScore, carried.QualityScore)
	assert.Equal(t, models.ValidationCandidate, carried.ValidationState)
}

func TestRecordFeedback_ValidatesAndSurvivesReenrichment(t *testing.T) {
	store := newStore(t)
	seed(t, store,
		msg("s7", "u1", 0, models.RoleUser, "the build is broken"),
		msg("s7", "a1", 1, models.RoleAssistant, walFix, "Edit"),
	)
	o := newOrchestrator(t, store)
	ctx := context.Background()
	_, err := o.EnrichSession(ctx, "s7")
	require.NoError(t, err)

	update, err := o.RecordFeedback(ctx, "a1", "Perfect, that worked, thanks!")
	require.NoError(t, err)
	assert.Equal(t, models.ValidationCandidate, update.Previous)
	assert.Equal(t, models.ValidationValidated, update.Current)
	assert.True(t, update.Changed)
	assert.Equal(t, models.SentimentPositive, update.Sentiment)

	assert.Equal(t, models.ValidationValidated, metadataFor(t, store, "a1")["a1"].ValidationState)

	events, err := store.ListFeedbackEvents(ctx, "s7")
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "a1", events[0].MessageID)

	res, err := o.EnrichSession(ctx, "s7")
	require.NoError(t, err)
	assert.Empty(t, res.ValidationTransitions)
	assert.Equal(t, models.ValidationValidated, metadataFor(t, store, "a1")["a1"].ValidationState)
}

func TestRecordFeedback_UnenrichedTargetBecomesCandidate(t *testing.T) {
	store := newStore(t)
	seed(t, store, msg("s8", "a1", 0, models.RoleAssistant, "Restart the daemon."))
	o := newOrchestrator(t, store)

	update, err := o.RecordFeedback(context.Background(), "a1", "still failing")
	require.NoError(t, err)
	assert.Equal(t, models.ValidationUnknown, update.Previous)
	assert.Equal(t, models.ValidationRefuted, update.Current)

	m := metadataFor(t, store, "a1")["a1"]
	require.NotNil(t, m)
	assert.Equal(t, models.ValidationRefuted, m.ValidationState)
}

func TestRecordFeedback_NeutralLeavesStateAlone(t *testing.T) {
	store := newStore(t)
	seed(t, store,
		msg("s9", "u1", 0, models.RoleUser, "the build is broken"),
		msg("s9", "a1", 1, models.RoleAssistant, walFix, "Edit"),
	)
	o := newOrchestrator(t, store)
	_, err := o.EnrichSession(context.Background(), "s9")
	require.NoError(t, err)

	update, err := o.RecordFeedback(context.Background(), "a1", "ok I will look at it tomorrow")
	require.NoError(t, err)
	assert.False(t, update.Changed)
	assert.Equal(t, models.ValidationCandidate, update.Current)
	assert.Equal(t, models.SentimentNeutral, update.Sentiment)
}

func TestRecordFeedback_UnknownMessage(t *testing.T) {
	o := newOrchestrator(t, newStore(t))
	_, err := o.RecordFeedback(context.Background(), "nope", "that worked")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestScoreCandidates_PrefersValidatedSolution(t *testing.T) {
	store := newStore(t)
	seed(t, store,
		msg("s1", "u1", 0, models.RoleUser, "I keep getting database is locked errors"),
		msg("s1", "a1", 1, models.RoleAssistant, walFix, "Edit"),
		msg("s1", "u2", 2, models.RoleUser, "Perfect, that worked!"),
	)
	o := newOrchestrator(t, store)
	ctx := context.Background()
	_, err := o.EnrichSession(ctx, "s1")
	require.NoError(t, err)

	signals, err := o.ScoreCandidates(ctx, []models.BaseResult{
		{ID: "u1", BaseSimilarity: 0.6},
		{ID: "a1", BaseSimilarity: 0.5},
		{ID: "unknown", BaseSimilarity: 0.55},
	}, models.QueryContext{Project: "kioku"})
	require.NoError(t, err)
	require.Len(t, signals, 3)

	assert.Equal(t, "a1", signals[0].MessageID)
	assert.Equal(t, 1, signals[0].Rank)
	assert.Greater(t, signals[0].ValidationBoost, 1.0)
	assert.LessOrEqual(t, signals[0].Amplification(), o.Engine().GetConfig().MaxAmplification+1e-9)

	for _, s := range signals {
		if s.MessageID == "unknown" {
			assert.InDelta(t, 0.55, s.FinalScore, 1e-9)
		}
	}

	// Scoring is read-only.
	assert.Equal(t, models.ValidationValidated, metadataFor(t, store, "a1")["a1"].ValidationState)
}

// gatedStore blocks ReadSession for gated sessions until the gate is closed
// and reports every entry on entered.
type gatedStore struct {
	*storage.SQLiteStorage
	entered chan string
	gates   map[string]chan struct{}
}

func (g *gatedStore) ReadSession(ctx context.Context, sessionID string) ([]*models.Message, error) {
	g.entered <- sessionID
	if gate, ok := g.gates[sessionID]; ok {
		<-gate
	}
	return g.SQLiteStorage.ReadSession(ctx, sessionID)
}

func TestEnrichSession_SerializesPassesPerSession(t *testing.T) {
	store := newStore(t)
	seed(t, store,
		msg("s1", "u1", 0, models.RoleUser, "the build is broken"),
		msg("s2", "u1b", 0, models.RoleUser, "the deploy is slow"),
	)
	gated := &gatedStore{
		SQLiteStorage: store,
		entered:       make(chan string, 8),
		gates:         map[string]chan struct{}{"s1": make(chan struct{})},
	}
	o := newOrchestrator(t, gated)
	ctx := context.Background()

	next := func() string {
		t.Helper()
		select {
		case id := <-gated.entered:
			return id
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for ReadSession")
			return ""
		}
	}

	var wg sync.WaitGroup
	run := func(session string) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := o.EnrichSession(ctx, session)
			assert.NoError(t, err)
		}()
	}

	run("s1")
	require.Equal(t, "s1", next())

	run("s1")
	run("s2")
	require.Equal(t, "s2", next(), "another session proceeds while s1 is held")

	select {
	case id := <-gated.entered:
		t.Fatalf("second pass entered ReadSession for %s while the first was running", id)
	case <-time.After(150 * time.Millisecond):
	}

	close(gated.gates["s1"])
	require.Equal(t, "s1", next())
	wg.Wait()

	o.locksMu.Lock()
	assert.Empty(t, o.locks, "idle sessions keep no lock entry")
	o.locksMu.Unlock()
}

func TestLockSession_ReleasesEntries(t *testing.T) {
	store := newStore(t)
	seed(t, store,
		msg("s1", "u1", 0, models.RoleUser, "the build is broken"),
		msg("s1", "a1", 1, models.RoleAssistant, walFix, "Edit"),
	)
	o := newOrchestrator(t, store)
	ctx := context.Background()

	_, err := o.EnrichSession(ctx, "s1")
	require.NoError(t, err)
	_, err = o.RecordFeedback(ctx, "a1", "that worked")
	require.NoError(t, err)
	_, err = o.EnrichSession(ctx, "missing")
	require.ErrorIs(t, err, ErrTranscriptUnavailable)

	o.locksMu.Lock()
	defer o.locksMu.Unlock()
	assert.Empty(t, o.locks)
}

// emptySessionStore knows session "empty" but holds no messages for it.
type emptySessionStore struct {
	*storage.SQLiteStorage
}

func (e emptySessionStore) ReadSession(ctx context.Context, sessionID string) ([]*models.Message, error) {
	if sessionID == "empty" {
		return []*models.Message{}, nil
	}
	return e.SQLiteStorage.ReadSession(ctx, sessionID)
}

func TestEnrichSession_EmptyTranscriptProducesNoLinks(t *testing.T) {
	store := newStore(t)
	o := newOrchestrator(t, emptySessionStore{store})

	res, err := o.EnrichSession(context.Background(), "empty")
	require.NoError(t, err)
	assert.Zero(t, res.LinksBuilt)
	assert.Zero(t, res.MessagesEnriched)
	assert.Empty(t, res.Errors)
	assert.False(t, res.Partial)

	run, err := store.LastEnrichmentRun(context.Background(), "empty")
	require.NoError(t, err)
	assert.Equal(t, res.RunID, run.RunID)
}
