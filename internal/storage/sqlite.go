package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/hyperjump/kioku/internal/models"
)

// SQLiteStorage implements Storage using SQLite.
type SQLiteStorage struct {
	db *sql.DB
}

// NewSQLiteStorage opens or creates a SQLite database at dbPath and initializes the schema.
// Parent directories are created if they do not exist.
func NewSQLiteStorage(dbPath string) (*SQLiteStorage, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite3", dbPath+"?_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable WAL: %w", err)
	}

	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &SQLiteStorage{db: db}, nil
}

func initSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		sequence_position INTEGER NOT NULL,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		timestamp TIMESTAMP,
		project TEXT,
		tools_used TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, sequence_position);

	CREATE TABLE IF NOT EXISTS message_metadata (
		message_id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		validation_state TEXT NOT NULL,
		data TEXT NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_metadata_session ON message_metadata(session_id);

	CREATE TABLE IF NOT EXISTS adjacency_links (
		message_id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		previous_message_id TEXT,
		next_message_id TEXT,
		feedback_target_id TEXT,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_links_session ON adjacency_links(session_id);

	CREATE TABLE IF NOT EXISTS feedback_events (
		id TEXT PRIMARY KEY,
		message_id TEXT NOT NULL,
		session_id TEXT NOT NULL,
		text TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_feedback_session ON feedback_events(session_id, created_at);

	CREATE TABLE IF NOT EXISTS enrichment_runs (
		run_id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		started_at TIMESTAMP NOT NULL,
		partial INTEGER NOT NULL,
		result TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_runs_session ON enrichment_runs(session_id, started_at);
	`
	_, err := db.Exec(schema)
	return err
}

// SaveMessages inserts messages in a transaction. Messages whose ID already
// exists are left untouched. Returns the number of newly inserted messages.
func (s *SQLiteStorage) SaveMessages(ctx context.Context, msgs []*models.Message) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO messages (id, session_id, sequence_position, role, content, timestamp, project, tools_used)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO NOTHING`,
	)
	if err != nil {
		return 0, err
	}
	defer stmt.Close()

	inserted := 0
	for _, m := range msgs {
		tools, err := json.Marshal(m.ToolsUsed)
		if err != nil {
			return 0, fmt.Errorf("failed to marshal tools: %w", err)
		}
		res, err := stmt.ExecContext(ctx, m.ID, m.SessionID, m.Sequence, string(m.Role), m.Content,
			m.Timestamp.UTC(), m.Project, string(tools))
		if err != nil {
			return 0, fmt.Errorf("failed to insert message %s: %w", m.ID, err)
		}
		n, _ := res.RowsAffected()
		inserted += int(n)
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return inserted, nil
}

const messageColumns = `id, session_id, sequence_position, role, content, timestamp, project, tools_used`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (*models.Message, error) {
	var m models.Message
	var role string
	var ts sql.NullTime
	var project, tools sql.NullString
	if err := row.Scan(&m.ID, &m.SessionID, &m.Sequence, &role, &m.Content, &ts, &project, &tools); err != nil {
		return nil, err
	}
	m.Role = models.Role(role)
	if ts.Valid {
		m.Timestamp = ts.Time
	}
	m.Project = project.String
	if tools.String != "" && tools.String != "null" {
		if err := json.Unmarshal([]byte(tools.String), &m.ToolsUsed); err != nil {
			return nil, fmt.Errorf("failed to unmarshal tools: %w", err)
		}
	}
	return &m, nil
}

// ReadSession returns the complete transcript of a session ordered by sequence.
// Returns ErrNotFound when the session has no messages.
func (s *SQLiteStorage) ReadSession(ctx context.Context, sessionID string) ([]*models.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE session_id = ? ORDER BY sequence_position, id`,
		sessionID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []*models.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(msgs) == 0 {
		return nil, fmt.Errorf("session %s: %w", sessionID, ErrNotFound)
	}
	return msgs, nil
}

// ListSessions returns every known session ID in lexical order.
func (s *SQLiteStorage) ListSessions(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT session_id FROM messages ORDER BY session_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// GetMessage returns a message by ID.
func (s *SQLiteStorage) GetMessage(ctx context.Context, id string) (*models.Message, error) {
	m, err := scanMessage(s.db.QueryRowContext(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("message %s: %w", id, ErrNotFound)
	}
	return m, err
}

// GetMessages returns the messages that exist among ids.
func (s *SQLiteStorage) GetMessages(ctx context.Context, ids []string) (map[string]*models.Message, error) {
	out := make(map[string]*models.Message, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE id IN (`+placeholders(len(ids))+`)`,
		toArgs(ids)...,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out[m.ID] = m
	}
	return out, rows.Err()
}

// UpsertMetadata writes metadata in a transaction, replacing existing rows.
func (s *SQLiteStorage) UpsertMetadata(ctx context.Context, metas []*models.EnrichedMetadata) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO message_metadata (message_id, session_id, validation_state, data, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(message_id) DO UPDATE SET
			session_id = excluded.session_id,
			validation_state = excluded.validation_state,
			data = excluded.data,
			updated_at = excluded.updated_at`,
	)
	if err != nil {
		return err
	}
	defer stmt.Close()

	now := time.Now().UTC()
	for _, m := range metas {
		m.UpdatedAt = now
		data, err := json.Marshal(m)
		if err != nil {
			return fmt.Errorf("failed to marshal metadata: %w", err)
		}
		if _, err := stmt.ExecContext(ctx, m.MessageID, m.SessionID, string(m.ValidationState), string(data), now); err != nil {
			return fmt.Errorf("failed to upsert metadata %s: %w", m.MessageID, err)
		}
	}
	return tx.Commit()
}

const metadataQuery = `
	SELECT md.data, l.previous_message_id, l.next_message_id, l.feedback_target_id
	FROM message_metadata md
	LEFT JOIN adjacency_links l ON l.message_id = md.message_id`

// scanMetadata decodes a metadata row. Stored links take precedence over the
// link fields embedded in the metadata document.
func scanMetadata(row rowScanner) (*models.EnrichedMetadata, error) {
	var data string
	var prev, next, target sql.NullString
	if err := row.Scan(&data, &prev, &next, &target); err != nil {
		return nil, err
	}
	var m models.EnrichedMetadata
	if err := json.Unmarshal([]byte(data), &m); err != nil {
		return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
	}
	if prev.Valid || next.Valid || target.Valid {
		m.PreviousMessageID = prev.String
		m.NextMessageID = next.String
		m.FeedbackTargetID = target.String
	}
	return &m, nil
}

// GetMetadata returns the metadata that exists among ids.
func (s *SQLiteStorage) GetMetadata(ctx context.Context, ids []string) (map[string]*models.EnrichedMetadata, error) {
	out := make(map[string]*models.EnrichedMetadata, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	rows, err := s.db.QueryContext(ctx,
		metadataQuery+` WHERE md.message_id IN (`+placeholders(len(ids))+`)`,
		toArgs(ids)...,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		m, err := scanMetadata(rows)
		if err != nil {
			return nil, err
		}
		out[m.MessageID] = m
	}
	return out, rows.Err()
}

// GetSessionMetadata returns all metadata of a session ordered by sequence.
func (s *SQLiteStorage) GetSessionMetadata(ctx context.Context, sessionID string) ([]*models.EnrichedMetadata, error) {
	rows, err := s.db.QueryContext(ctx,
		metadataQuery+` WHERE md.session_id = ?`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.EnrichedMetadata
	for rows.Next() {
		m, err := scanMetadata(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sortBySequence(out)
	return out, nil
}

// UpsertLinks writes adjacency link records in a transaction.
func (s *SQLiteStorage) UpsertLinks(ctx context.Context, records []models.LinkRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO adjacency_links (message_id, session_id, previous_message_id, next_message_id, feedback_target_id, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(message_id) DO UPDATE SET
			session_id = excluded.session_id,
			previous_message_id = excluded.previous_message_id,
			next_message_id = excluded.next_message_id,
			feedback_target_id = excluded.feedback_target_id,
			updated_at = excluded.updated_at`,
	)
	if err != nil {
		return err
	}
	defer stmt.Close()

	now := time.Now().UTC()
	for _, r := range records {
		if _, err := stmt.ExecContext(ctx, r.MessageID, r.SessionID, r.PreviousMessageID, r.NextMessageID, r.FeedbackTargetID, now); err != nil {
			return fmt.Errorf("failed to upsert link %s: %w", r.MessageID, err)
		}
	}
	return tx.Commit()
}

// AddFeedbackEvent stores an out-of-band feedback event.
func (s *SQLiteStorage) AddFeedbackEvent(ctx context.Context, ev *models.FeedbackEvent) error {
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO feedback_events (id, message_id, session_id, text, created_at) VALUES (?, ?, ?, ?, ?)`,
		ev.ID, ev.MessageID, ev.SessionID, ev.Text, ev.CreatedAt.UTC(),
	)
	return err
}

// ListFeedbackEvents returns the session's feedback events oldest first.
func (s *SQLiteStorage) ListFeedbackEvents(ctx context.Context, sessionID string) ([]*models.FeedbackEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, message_id, session_id, text, created_at
		 FROM feedback_events WHERE session_id = ? ORDER BY created_at, id`,
		sessionID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.FeedbackEvent
	for rows.Next() {
		var ev models.FeedbackEvent
		if err := rows.Scan(&ev.ID, &ev.MessageID, &ev.SessionID, &ev.Text, &ev.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &ev)
	}
	return out, rows.Err()
}

// SaveEnrichmentRun records the result of one enrichment pass.
func (s *SQLiteStorage) SaveEnrichmentRun(ctx context.Context, res *models.EnrichmentResult) error {
	data, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("failed to marshal run: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO enrichment_runs (run_id, session_id, started_at, partial, result) VALUES (?, ?, ?, ?, ?)`,
		res.RunID, res.SessionID, res.StartedAt.UTC(), res.Partial, string(data),
	)
	return err
}

// LastEnrichmentRun returns the most recent run for a session.
func (s *SQLiteStorage) LastEnrichmentRun(ctx context.Context, sessionID string) (*models.EnrichmentResult, error) {
	var data string
	err := s.db.QueryRowContext(ctx,
		`SELECT result FROM enrichment_runs WHERE session_id = ? ORDER BY started_at DESC, run_id DESC LIMIT 1`,
		sessionID,
	).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run for session %s: %w", sessionID, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	var res models.EnrichmentResult
	if err := json.Unmarshal([]byte(data), &res); err != nil {
		return nil, fmt.Errorf("failed to unmarshal run: %w", err)
	}
	return &res, nil
}

// Stats returns record counts.
func (s *SQLiteStorage) Stats(ctx context.Context) (*Stats, error) {
	st := &Stats{ValidationState: make(map[models.ValidationState]int64)}
	counts := []struct {
		query string
		dest  *int64
	}{
		{`SELECT COUNT(DISTINCT session_id) FROM messages`, &st.Sessions},
		{`SELECT COUNT(*) FROM messages`, &st.Messages},
		{`SELECT COUNT(*) FROM message_metadata`, &st.Enriched},
		{`SELECT COUNT(*) FROM adjacency_links`, &st.Links},
		{`SELECT COUNT(*) FROM feedback_events`, &st.FeedbackEvents},
		{`SELECT COUNT(*) FROM enrichment_runs`, &st.EnrichmentRuns},
	}
	for _, c := range counts {
		if err := s.db.QueryRowContext(ctx, c.query).Scan(c.dest); err != nil {
			return nil, err
		}
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT validation_state, COUNT(*) FROM message_metadata GROUP BY validation_state`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var state string
		var n int64
		if err := rows.Scan(&state, &n); err != nil {
			return nil, err
		}
		st.ValidationState[models.ValidationState(state)] = n
	}
	return st, rows.Err()
}

// Close closes the database connection.
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func toArgs(ids []string) []any {
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return args
}
