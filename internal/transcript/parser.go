// Package transcript parses JSONL session transcripts and imports them into the store.
package transcript

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/hyperjump/kioku/internal/models"
)

// maxLineSize bounds a single transcript line. Tool outputs can be large.
const maxLineSize = 16 * 1024 * 1024

type rawEntry struct {
	Type      string      `json:"type"`
	UUID      string      `json:"uuid"`
	SessionID string      `json:"sessionId"`
	Timestamp time.Time   `json:"timestamp"`
	Cwd       string      `json:"cwd"`
	IsMeta    bool        `json:"isMeta"`
	Message   *rawMessage `json:"message"`
}

type rawMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
	Name string `json:"name"`
}

// ParseResult is the outcome of parsing one transcript stream.
type ParseResult struct {
	// Messages grouped by session, each ordered by sequence position.
	Sessions map[string][]*models.Message
	// Malformed counts lines that were not valid JSON.
	Malformed int
	// Ignored counts valid lines that do not carry a user or assistant turn.
	Ignored int
}

// SessionIDs returns the parsed session IDs in lexical order.
func (r *ParseResult) SessionIDs() []string {
	ids := make([]string, 0, len(r.Sessions))
	for id := range r.Sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Count returns the total number of parsed messages.
func (r *ParseResult) Count() int {
	n := 0
	for _, msgs := range r.Sessions {
		n += len(msgs)
	}
	return n
}

// Parse reads a JSONL transcript. Consecutive assistant lines of one session are
// merged into a single turn; user lines that carry only tool results are dropped.
// fallbackSession is used for lines without a session ID.
func Parse(r io.Reader, fallbackSession string) (*ParseResult, error) {
	res := &ParseResult{Sessions: make(map[string][]*models.Message)}
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)

	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var entry rawEntry
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			res.Malformed++
			continue
		}
		if entry.IsMeta || entry.Message == nil || (entry.Type != "user" && entry.Type != "assistant") {
			res.Ignored++
			continue
		}
		role := models.Role(entry.Type)
		if entry.Message.Role != "" {
			role = models.Role(entry.Message.Role)
		}
		if role != models.RoleUser && role != models.RoleAssistant {
			res.Ignored++
			continue
		}
		text, tools, err := decodeContent(entry.Message.Content)
		if err != nil {
			res.Malformed++
			continue
		}
		if text == "" && len(tools) == 0 {
			res.Ignored++
			continue
		}

		session := entry.SessionID
		if session == "" {
			session = fallbackSession
		}
		msgs := res.Sessions[session]
		if n := len(msgs); n > 0 && role == models.RoleAssistant && msgs[n-1].IsAssistant() {
			mergeInto(msgs[n-1], text, tools)
			continue
		}
		if role == models.RoleUser && text == "" {
			res.Ignored++
			continue
		}
		id := entry.UUID
		if id == "" {
			id = fmt.Sprintf("%s:%d", session, lineNo)
		}
		res.Sessions[session] = append(msgs, &models.Message{
			ID:        id,
			SessionID: session,
			Sequence:  len(msgs),
			Role:      role,
			Content:   text,
			Timestamp: entry.Timestamp,
			Project:   projectName(entry.Cwd),
			ToolsUsed: tools,
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read transcript: %w", err)
	}
	return res, nil
}

// decodeContent accepts either a plain string or a list of content blocks.
func decodeContent(raw json.RawMessage) (string, []string, error) {
	if len(raw) == 0 {
		return "", nil, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.TrimSpace(s), nil, nil
	}
	var blocks []contentBlock
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return "", nil, err
	}
	var parts []string
	var tools []string
	for _, b := range blocks {
		switch b.Type {
		case "text":
			if t := strings.TrimSpace(b.Text); t != "" {
				parts = append(parts, t)
			}
		case "tool_use":
			if b.Name != "" {
				tools = appendUnique(tools, b.Name)
			}
		}
	}
	return strings.Join(parts, "\n\n"), tools, nil
}

func mergeInto(m *models.Message, text string, tools []string) {
	if text != "" {
		if m.Content == "" {
			m.Content = text
		} else {
			m.Content += "\n\n" + text
		}
	}
	for _, t := range tools {
		m.ToolsUsed = appendUnique(m.ToolsUsed, t)
	}
}

func appendUnique(list []string, v string) []string {
	for _, x := range list {
		if x == v {
			return list
		}
	}
	return append(list, v)
}

func projectName(cwd string) string {
	if cwd == "" {
		return ""
	}
	return filepath.Base(filepath.Clean(cwd))
}
