package watcher

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/hyperjump/kioku/internal/transcript"
)

// FileImporter imports one transcript file.
type FileImporter interface {
	ImportFile(ctx context.Context, path string) (*transcript.ImportResult, error)
}

// Submitter queues a session for background enrichment.
type Submitter interface {
	Submit(sessionID string) (bool, error)
}

// TranscriptHandler connects watcher callbacks to the importer and the
// enrichment queue. Every session touched by an import is queued.
type TranscriptHandler struct {
	ctx      context.Context
	importer FileImporter
	queue    Submitter
	timeout  time.Duration
	logger   *zap.Logger
}

// NewTranscriptHandler returns a handler bound to ctx. queue may be nil, in which
// case files are imported but nothing is enriched.
func NewTranscriptHandler(ctx context.Context, importer FileImporter, queue Submitter, timeout time.Duration, logger *zap.Logger) *TranscriptHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TranscriptHandler{ctx: ctx, importer: importer, queue: queue, timeout: timeout, logger: logger}
}

// OnChange imports path and queues its sessions.
func (h *TranscriptHandler) OnChange(path string) {
	if h.ctx.Err() != nil {
		return
	}
	ctx := h.ctx
	if h.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.timeout)
		defer cancel()
	}
	res, err := h.importer.ImportFile(ctx, path)
	if err != nil {
		h.logger.Warn("transcript import failed", zap.String("path", path), zap.Error(err))
		return
	}
	if res.Unchanged {
		return
	}
	h.logger.Info("transcript imported",
		zap.String("path", path),
		zap.Int("inserted", res.Inserted),
		zap.Int("malformed", res.Malformed),
		zap.Strings("sessions", res.Sessions),
	)
	if h.queue == nil {
		return
	}
	for _, id := range res.Sessions {
		if _, err := h.queue.Submit(id); err != nil {
			h.logger.Warn("enrichment not queued", zap.String("session_id", id), zap.Error(err))
		}
	}
}

// OnRemove logs the removal. Imported messages stay in the store so earlier
// sessions remain searchable.
func (h *TranscriptHandler) OnRemove(path string) {
	h.logger.Debug("transcript removed", zap.String("path", path))
}
