// Package models defines core data structures for transcripts, derived metadata, and ranked results.
package models

import (
	"strings"
	"time"
)

// Role is the author of a transcript turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one transcript turn. Content is immutable once stored.
type Message struct {
	ID        string    `json:"id" db:"id"`
	SessionID string    `json:"session_id" db:"session_id"`
	Sequence  int       `json:"sequence_position" db:"sequence_position"`
	Role      Role      `json:"role" db:"role"`
	Content   string    `json:"content" db:"content"`
	Timestamp time.Time `json:"timestamp" db:"timestamp"`
	Project   string    `json:"project,omitempty" db:"project"`
	ToolsUsed []string  `json:"tools_used,omitempty" db:"tools_used"`
}

// HasCode reports whether the content contains a fenced code block.
func (m *Message) HasCode() bool {
	return strings.Contains(m.Content, "```")
}

// IsUser reports whether the message was authored by the user.
func (m *Message) IsUser() bool { return m.Role == RoleUser }

// IsAssistant reports whether the message was authored by the assistant.
func (m *Message) IsAssistant() bool { return m.Role == RoleAssistant }

// AdjacencyLink is the previous/next relation of a message within its session.
// An empty ID means there is no neighbour on that side.
type AdjacencyLink struct {
	MessageID         string `json:"message_id"`
	PreviousMessageID string `json:"previous_message_id,omitempty"`
	NextMessageID     string `json:"next_message_id,omitempty"`
}

// HasBothNeighbours reports whether the message sits between two other messages.
func (l AdjacencyLink) HasBothNeighbours() bool {
	return l.PreviousMessageID != "" && l.NextMessageID != ""
}

// Pairing associates a user message with the candidate solution it responds to.
type Pairing struct {
	FeedbackID string `json:"feedback_id"`
	SolutionID string `json:"solution_id"`
}

// FeedbackEvent is feedback recorded outside of the transcript (e.g. through the API).
type FeedbackEvent struct {
	ID        string    `json:"id" db:"id"`
	MessageID string    `json:"message_id" db:"message_id"`
	SessionID string    `json:"session_id" db:"session_id"`
	Text      string    `json:"text" db:"text"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// LinkRecord is the persisted form of a message's adjacency link and feedback pairing.
type LinkRecord struct {
	SessionID string `json:"session_id"`
	AdjacencyLink
	FeedbackTargetID string `json:"feedback_target_id,omitempty"`
}
