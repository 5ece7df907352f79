package transcript

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hyperjump/kioku/internal/batch"
	"github.com/hyperjump/kioku/internal/embedding"
	"github.com/hyperjump/kioku/internal/keyword"
	"github.com/hyperjump/kioku/internal/models"
	"github.com/hyperjump/kioku/internal/storage"
	"github.com/hyperjump/kioku/internal/vector"
)

// Importer stores transcript messages and indexes new ones for keyword and vector search.
// The embedder, vector backend and keyword index are optional.
type Importer struct {
	store      storage.Storage
	embedder   embedding.Embedder
	backend    vector.Backend
	keyword    keyword.Index
	maxRetries int
	backoff    time.Duration
	logger     *zap.Logger

	mu    sync.Mutex
	files map[string]fileState
}

type fileState struct {
	mtime int64
	size  int64
}

// ImportResult summarises one imported file or message set.
type ImportResult struct {
	Path       string   `json:"path,omitempty"`
	Sessions   []string `json:"sessions"`
	Parsed     int      `json:"parsed"`
	Inserted   int      `json:"inserted"`
	Malformed  int      `json:"malformed"`
	Unchanged  bool     `json:"unchanged,omitempty"`
	VectorLost int      `json:"vector_failures,omitempty"`
}

// ImporterOption configures an Importer.
type ImporterOption func(*Importer)

// WithLogger sets a logger for debug output.
func WithLogger(l *zap.Logger) ImporterOption {
	return func(im *Importer) { im.logger = l }
}

// WithRetries sets how often a failed vector batch is retried.
func WithRetries(maxRetries int, backoff time.Duration) ImporterOption {
	return func(im *Importer) {
		im.maxRetries = maxRetries
		im.backoff = backoff
	}
}

// NewImporter creates an importer with the given dependencies.
func NewImporter(
	store storage.Storage,
	embedder embedding.Embedder,
	backend vector.Backend,
	kw keyword.Index,
	opts ...ImporterOption,
) *Importer {
	im := &Importer{
		store:      store,
		embedder:   embedder,
		backend:    backend,
		keyword:    kw,
		maxRetries: 2,
		logger:     zap.NewNop(),
		files:      make(map[string]fileState),
	}
	for _, opt := range opts {
		opt(im)
	}
	return im
}

// ImportMessages stores messages not yet known and indexes them. Existing messages
// are never rewritten. Returns the number of newly stored messages and the number
// of those whose vectors could not be written.
func (im *Importer) ImportMessages(ctx context.Context, msgs []*models.Message) (int, int, error) {
	if len(msgs) == 0 {
		return 0, 0, nil
	}
	ids := make([]string, len(msgs))
	for i, m := range msgs {
		ids[i] = m.ID
	}
	existing, err := im.store.GetMessages(ctx, ids)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to look up messages: %w", err)
	}
	fresh := make([]*models.Message, 0, len(msgs))
	for _, m := range msgs {
		if _, ok := existing[m.ID]; !ok {
			fresh = append(fresh, m)
		}
	}
	if len(fresh) == 0 {
		return 0, 0, nil
	}
	inserted, err := im.store.SaveMessages(ctx, fresh)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to store messages: %w", err)
	}
	if im.keyword != nil {
		if err := im.keyword.IndexMessages(ctx, fresh); err != nil {
			return inserted, 0, fmt.Errorf("failed to index keywords: %w", err)
		}
	}
	lost, err := im.indexVectors(ctx, fresh)
	return inserted, lost, err
}

// indexVectors embeds messages and adds them to the vector backend in batches.
// Returns the number of messages whose vectors could not be written.
func (im *Importer) indexVectors(ctx context.Context, msgs []*models.Message) (int, error) {
	if im.embedder == nil || im.backend == nil {
		return 0, nil
	}
	texts := make([]string, len(msgs))
	for i, m := range msgs {
		texts[i] = m.Content
	}
	embeddings, err := im.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return 0, fmt.Errorf("failed to generate embeddings: %w", err)
	}
	type point struct {
		id      string
		vec     []float32
		payload map[string]any
	}
	points := make([]point, len(msgs))
	for i, m := range msgs {
		points[i] = point{id: m.ID, vec: embeddings[i], payload: vector.MessagePayload(m)}
	}
	w := batch.NewWriter[point](im.backend.MaxBatchSize(), im.maxRetries, im.backoff, batch.WithLogger(im.logger))
	report, err := w.Write(ctx, points, func(ctx context.Context, chunk []point) error {
		ids := make([]string, len(chunk))
		vecs := make([][]float32, len(chunk))
		payloads := make([]map[string]any, len(chunk))
		for i, p := range chunk {
			ids[i], vecs[i], payloads[i] = p.id, p.vec, p.payload
		}
		return im.backend.Add(ctx, ids, vecs, payloads)
	})
	if err != nil {
		return 0, err
	}
	lost := 0
	for _, f := range report.Failures {
		lost += f.Size
	}
	if lost > 0 {
		im.logger.Warn("vector batches skipped", zap.Int("messages", lost))
	}
	return lost, nil
}

// ImportFile parses a transcript file and imports its messages. A file whose size and
// modification time are unchanged since the last import is skipped.
func (im *Importer) ImportFile(ctx context.Context, path string) (*ImportResult, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("absolute path: %w", err)
	}
	info, err := os.Stat(absPath)
	if err != nil {
		return nil, fmt.Errorf("stat file: %w", err)
	}
	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("not a regular file: %s", absPath)
	}
	state := fileState{mtime: info.ModTime().UnixNano(), size: info.Size()}
	im.mu.Lock()
	prev, seen := im.files[absPath]
	im.mu.Unlock()
	if seen && prev == state {
		im.logger.Debug("importer skipping unchanged file", zap.String("path", absPath))
		return &ImportResult{Path: absPath, Unchanged: true}, nil
	}

	f, err := os.Open(absPath)
	if err != nil {
		return nil, fmt.Errorf("open transcript: %w", err)
	}
	defer f.Close()

	fallback := strings.TrimSuffix(filepath.Base(absPath), filepath.Ext(absPath))
	parsed, err := Parse(f, fallback)
	if err != nil {
		return nil, err
	}
	res := &ImportResult{
		Path:      absPath,
		Sessions:  parsed.SessionIDs(),
		Parsed:    parsed.Count(),
		Malformed: parsed.Malformed,
	}
	for _, id := range res.Sessions {
		n, lost, err := im.ImportMessages(ctx, parsed.Sessions[id])
		res.Inserted += n
		res.VectorLost += lost
		if err != nil {
			return res, fmt.Errorf("import session %s: %w", id, err)
		}
	}

	im.mu.Lock()
	im.files[absPath] = state
	im.mu.Unlock()
	im.logger.Debug("importer file imported",
		zap.String("path", absPath),
		zap.Int("parsed", res.Parsed),
		zap.Int("inserted", res.Inserted),
	)
	return res, nil
}

// ImportDirectory walks dir recursively and imports each regular file whose extension
// is in allowedExts (all files when empty). Returns one result per imported file and
// the first error encountered.
func (im *Importer) ImportDirectory(ctx context.Context, dir string, allowedExts []string) ([]*ImportResult, error) {
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("absolute path: %w", err)
	}
	info, err := os.Stat(absDir)
	if err != nil {
		return nil, fmt.Errorf("stat directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("not a directory: %s", absDir)
	}
	var results []*ImportResult
	err = filepath.WalkDir(absDir, func(path string, d os.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() || !ExtensionAllowed(filepath.Ext(path), allowedExts) {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		res, err := im.ImportFile(ctx, path)
		if err != nil {
			return err
		}
		results = append(results, res)
		return nil
	})
	return results, err
}

// ExtensionAllowed reports whether ext is in allowed (case-insensitive, dot optional).
// An empty allowed list admits every extension.
func ExtensionAllowed(ext string, allowed []string) bool {
	if len(allowed) == 0 {
		return true
	}
	extNorm := strings.ToLower(strings.TrimPrefix(ext, "."))
	for _, a := range allowed {
		if strings.ToLower(strings.TrimPrefix(a, ".")) == extNorm {
			return true
		}
	}
	return false
}
