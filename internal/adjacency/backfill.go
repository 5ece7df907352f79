// Package adjacency rebuilds previous/next links and solution-feedback pairings
// from a complete session transcript.
package adjacency

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/hyperjump/kioku/internal/batch"
	"github.com/hyperjump/kioku/internal/models"
)

var (
	// ErrMixedSessions is returned when the transcript spans more than one session.
	ErrMixedSessions = errors.New("transcript contains messages from more than one session")
	// ErrDuplicateID is returned when two messages share an ID.
	ErrDuplicateID = errors.New("transcript contains duplicate message ids")
)

// Result is the outcome of a backfill over one session. Links are in sequence order.
type Result struct {
	SessionID string
	Links     []models.AdjacencyLink
	Pairings  []models.Pairing
	// Candidates lists candidate solution IDs in sequence order.
	Candidates []string
	targets    map[string]string
}

// FeedbackTarget returns the candidate solution that messageID responds to.
func (r *Result) FeedbackTarget(messageID string) (string, bool) {
	id, ok := r.targets[messageID]
	return id, ok
}

// Records returns the links with their pairings in persistable form.
func (r *Result) Records() []models.LinkRecord {
	out := make([]models.LinkRecord, len(r.Links))
	for i, l := range r.Links {
		out[i] = models.LinkRecord{
			SessionID:        r.SessionID,
			AdjacencyLink:    l,
			FeedbackTargetID: r.targets[l.MessageID],
		}
	}
	return out
}

// Backfill links every message to its neighbours and pairs each user message
// with the nearest preceding candidate solution. isCandidate is consulted for
// assistant messages only; assistant messages that are not candidates are
// skipped over. The input slice is not modified.
func Backfill(messages []*models.Message, isCandidate func(*models.Message) bool) (*Result, error) {
	res := &Result{targets: make(map[string]string)}
	if len(messages) == 0 {
		return res, nil
	}

	sorted := make([]*models.Message, len(messages))
	copy(sorted, messages)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Sequence != sorted[j].Sequence {
			return sorted[i].Sequence < sorted[j].Sequence
		}
		return sorted[i].ID < sorted[j].ID
	})

	res.SessionID = sorted[0].SessionID
	seen := make(map[string]bool, len(sorted))
	for _, m := range sorted {
		if m.SessionID != res.SessionID {
			return nil, fmt.Errorf("%w: %q and %q", ErrMixedSessions, res.SessionID, m.SessionID)
		}
		if seen[m.ID] {
			return nil, fmt.Errorf("%w: %q", ErrDuplicateID, m.ID)
		}
		seen[m.ID] = true
	}

	res.Links = make([]models.AdjacencyLink, len(sorted))
	for i, m := range sorted {
		link := models.AdjacencyLink{MessageID: m.ID}
		if i > 0 {
			link.PreviousMessageID = sorted[i-1].ID
		}
		if i < len(sorted)-1 {
			link.NextMessageID = sorted[i+1].ID
		}
		res.Links[i] = link
	}

	lastCandidate := ""
	for _, m := range sorted {
		switch m.Role {
		case models.RoleAssistant:
			if isCandidate != nil && isCandidate(m) {
				lastCandidate = m.ID
				res.Candidates = append(res.Candidates, m.ID)
			}
		case models.RoleUser:
			if lastCandidate != "" {
				res.Pairings = append(res.Pairings, models.Pairing{FeedbackID: m.ID, SolutionID: lastCandidate})
				res.targets[m.ID] = lastCandidate
			}
		}
	}
	return res, nil
}

// Sink stores link records.
type Sink interface {
	UpsertLinks(ctx context.Context, records []models.LinkRecord) error
}

// Persist writes the result's records through w. Oversized batches are split and
// failing batches are retried then skipped; see the returned report.
func Persist(ctx context.Context, w *batch.Writer[models.LinkRecord], sink Sink, res *Result) (*batch.Report, error) {
	return w.Write(ctx, res.Records(), sink.UpsertLinks)
}

// Change describes a link that differs between two backfills.
type Change struct {
	MessageID string                `json:"message_id"`
	Old       *models.AdjacencyLink `json:"old,omitempty"`
	New       *models.AdjacencyLink `json:"new,omitempty"`
}

// Diff returns links that were added, removed or altered going from before to after.
// Changes follow the order of after, then removed links in the order of before.
func Diff(before, after []models.AdjacencyLink) []Change {
	old := make(map[string]models.AdjacencyLink, len(before))
	for _, l := range before {
		old[l.MessageID] = l
	}
	var changes []Change
	present := make(map[string]bool, len(after))
	for i := range after {
		l := after[i]
		present[l.MessageID] = true
		o, ok := old[l.MessageID]
		if ok && o == l {
			continue
		}
		c := Change{MessageID: l.MessageID, New: &l}
		if ok {
			c.Old = &o
		}
		changes = append(changes, c)
	}
	for i := range before {
		l := before[i]
		if !present[l.MessageID] {
			changes = append(changes, Change{MessageID: l.MessageID, Old: &l})
		}
	}
	return changes
}

// CheckSymmetry verifies that every next link is mirrored by a previous link.
func CheckSymmetry(links []models.AdjacencyLink) error {
	byID := make(map[string]models.AdjacencyLink, len(links))
	for _, l := range links {
		byID[l.MessageID] = l
	}
	for _, l := range links {
		if l.NextMessageID != "" {
			if byID[l.NextMessageID].PreviousMessageID != l.MessageID {
				return fmt.Errorf("link %s -> %s is not mirrored", l.MessageID, l.NextMessageID)
			}
		}
		if l.PreviousMessageID != "" {
			if byID[l.PreviousMessageID].NextMessageID != l.MessageID {
				return fmt.Errorf("link %s <- %s is not mirrored", l.MessageID, l.PreviousMessageID)
			}
		}
	}
	return nil
}
