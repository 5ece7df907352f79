// Package cli renders kioku command output as text or JSON.
package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/hyperjump/kioku/internal/models"
	"github.com/hyperjump/kioku/internal/server"
)

// OutputFormat selects how command results are written.
type OutputFormat string

const (
	// OutputText is human-readable text (default).
	OutputText OutputFormat = "text"
	// OutputJSON is structured JSON for machine consumption.
	OutputJSON OutputFormat = "json"
)

const separator = "─────────────────────────────────────────────────────────"

// ParseFormat maps an -output flag value to an OutputFormat. Unknown values fall back to text.
func ParseFormat(s string) OutputFormat {
	if strings.EqualFold(s, string(OutputJSON)) {
		return OutputJSON
	}
	return OutputText
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// WriteSearchResults writes a search response to w in the given format.
func WriteSearchResults(w io.Writer, response *models.SearchResponse, format OutputFormat) error {
	if format == OutputJSON {
		return writeJSON(w, response)
	}
	fmt.Fprintf(w, "\nFound %d results in %dms", response.Total, response.QueryTime)
	if response.TopicFocus != "" {
		fmt.Fprintf(w, " (topic: %s)", response.TopicFocus)
	}
	fmt.Fprint(w, "\n\n")
	for _, result := range response.Results {
		writeOneResult(w, result)
	}
	return nil
}

func writeOneResult(w io.Writer, result *models.SearchResult) {
	fmt.Fprintln(w, separator)
	fmt.Fprintf(w, "Rank: %d | Score: %.4f (Fused: %.4f, Keyword: %.4f, Semantic: %.4f)\n",
		result.Rank, result.Score, result.FusedScore, result.KeywordScore, result.SemanticScore)
	if m := result.Message; m != nil {
		fmt.Fprintf(w, "ID: %s | Session: %s | Role: %s\n", m.ID, m.SessionID, m.Role)
		if m.Project != "" {
			fmt.Fprintf(w, "Project: %s\n", m.Project)
		}
	}
	if s := result.Signal; s != nil {
		fmt.Fprintf(w, "Boosts: topic %.2f, quality %.2f, validation %.2f, adjacency %.2f, project %.2f\n",
			s.TopicBoost, s.QualityBoost, s.ValidationBoost, s.AdjacencyBoost, s.ProjectBoost)
	}
	text := result.Snippet
	if text == "" && result.Message != nil {
		text = Truncate(result.Message.Content, 200)
	}
	fmt.Fprintf(w, "\n%s\n\n", text)
}

// WriteSignals writes relevance signals with their explanations.
func WriteSignals(w io.Writer, signals []models.RelevanceSignal, format OutputFormat) error {
	if format == OutputJSON {
		return writeJSON(w, map[string]any{"signals": signals})
	}
	for _, s := range signals {
		fmt.Fprintf(w, "#%d %s  final %.4f  base %.4f  x%.2f", s.Rank, s.MessageID, s.FinalScore, s.BaseSimilarity, s.Amplification())
		if s.Capped {
			fmt.Fprint(w, " (capped)")
		}
		fmt.Fprintln(w)
		for _, line := range s.Explanation {
			fmt.Fprintf(w, "    %s\n", line)
		}
	}
	return nil
}

// WriteEnrichmentResult writes the summary of an enrichment pass.
func WriteEnrichmentResult(w io.Writer, res *models.EnrichmentResult, format OutputFormat) error {
	if format == OutputJSON {
		return writeJSON(w, res)
	}
	status := "complete"
	if res.Partial {
		status = "partial"
	}
	fmt.Fprintf(w, "Session %s: %s in %s\n", res.SessionID, status, res.Elapsed)
	fmt.Fprintf(w, "  enriched %d messages, built %d links\n", res.MessagesEnriched, res.LinksBuilt)
	for _, t := range res.ValidationTransitions {
		fmt.Fprintf(w, "  %s: %s -> %s (confidence %.2f, feedback %s)\n", t.MessageID, t.From, t.To, t.Confidence, t.FeedbackID)
	}
	for _, e := range res.Errors {
		fmt.Fprintf(w, "  error: %s\n", e)
	}
	return nil
}

// WriteValidationUpdate writes the outcome of recording feedback.
func WriteValidationUpdate(w io.Writer, u *models.ValidationUpdate, format OutputFormat) error {
	if format == OutputJSON {
		return writeJSON(w, u)
	}
	fmt.Fprintf(w, "Message %s: %s -> %s (confidence %.2f)\n", u.MessageID, u.Previous, u.Current, u.Confidence)
	fmt.Fprintf(w, "Feedback sentiment: %s (%.2f)\n", u.Sentiment, u.SentimentConfidence)
	if !u.Changed {
		fmt.Fprintln(w, "No change")
	}
	return nil
}

// WriteStatus writes store statistics and the effective configuration.
func WriteStatus(w io.Writer, st *server.Status, format OutputFormat) error {
	if format == OutputJSON {
		return writeJSON(w, st)
	}
	if s := st.Stats; s != nil {
		fmt.Fprintf(w, "Sessions:        %d\n", s.Sessions)
		fmt.Fprintf(w, "Messages:        %d\n", s.Messages)
		fmt.Fprintf(w, "Enriched:        %d\n", s.Enriched)
		fmt.Fprintf(w, "Links:           %d\n", s.Links)
		fmt.Fprintf(w, "Feedback events: %d\n", s.FeedbackEvents)
		fmt.Fprintf(w, "Enrichment runs: %d\n", s.EnrichmentRuns)
		states := make([]string, 0, len(s.ValidationState))
		for state := range s.ValidationState {
			states = append(states, string(state))
		}
		sort.Strings(states)
		for _, state := range states {
			fmt.Fprintf(w, "  %-10s %d\n", state, s.ValidationState[models.ValidationState(state)])
		}
	}
	fmt.Fprintf(w, "Vector index:    %d vectors\n", st.VectorIndexSize)
	if st.Disk != nil {
		fmt.Fprintf(w, "Disk usage:      %s\n", FormatBytes(st.Disk.Total))
	}
	if len(st.Config) > 0 {
		keys := make([]string, 0, len(st.Config))
		for k := range st.Config {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		fmt.Fprintln(w, "\nConfig:")
		for _, k := range keys {
			fmt.Fprintf(w, "  %s: %v\n", k, st.Config[k])
		}
	}
	return nil
}

// FormatBytes renders n with a binary unit suffix.
func FormatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}

// Truncate shortens s to at most maxLen bytes without splitting a rune and appends "..." if truncated.
func Truncate(s string, maxLen int) string {
	if maxLen <= 0 || len(s) <= maxLen {
		return s
	}
	cut := maxLen
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}
