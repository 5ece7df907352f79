// Package batch writes slices to size-limited backends, splitting oversized
// batches and retrying failed ones a bounded number of times.
package batch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// LimitError is returned by a backend when a write exceeds its batch-size ceiling.
// Writers resolve it by splitting; it is never surfaced to callers of Write.
type LimitError struct {
	Max int
	Got int
}

func (e *LimitError) Error() string {
	return fmt.Sprintf("batch of %d exceeds backend limit of %d", e.Got, e.Max)
}

// IsLimitError reports whether err is or wraps a *LimitError.
func IsLimitError(err error) bool {
	var le *LimitError
	return errors.As(err, &le)
}

// Failure describes a batch that was skipped after exhausting its retries.
type Failure struct {
	Offset int
	Size   int
	Err    error
}

// Report summarises a Write call.
type Report struct {
	Written  int
	Batches  int
	Splits   int
	Failures []Failure
}

// OK reports whether every item was written.
func (r *Report) OK() bool { return len(r.Failures) == 0 }

// Writer splits items into batches of at most MaxBatch and hands them to a write func.
type Writer[T any] struct {
	MaxBatch   int
	MaxRetries int
	Backoff    time.Duration
	logger     *zap.Logger
}

// Option configures a Writer.
type Option func(*options)

type options struct {
	logger *zap.Logger
}

// WithLogger sets a logger for retry and skip events.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.logger = l }
}

// NewWriter returns a writer. maxBatch <= 0 means unbounded; maxRetries < 0 is treated as 0.
func NewWriter[T any](maxBatch, maxRetries int, backoff time.Duration, opts ...Option) *Writer[T] {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}
	if maxRetries < 0 {
		maxRetries = 0
	}
	return &Writer[T]{
		MaxBatch:   maxBatch,
		MaxRetries: maxRetries,
		Backoff:    backoff,
		logger:     o.logger,
	}
}

// Write writes items in order. A failing batch never stops the remaining batches.
// The returned error is non-nil only when ctx is cancelled.
func (w *Writer[T]) Write(ctx context.Context, items []T, write func(context.Context, []T) error) (*Report, error) {
	report := &Report{}
	size := w.MaxBatch
	if size <= 0 {
		size = len(items)
	}
	for start := 0; start < len(items); start += size {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		end := start + size
		if end > len(items) {
			end = len(items)
		}
		if err := w.writeOne(ctx, items[start:end], start, write, report); err != nil {
			return report, err
		}
	}
	return report, nil
}

func (w *Writer[T]) writeOne(ctx context.Context, chunk []T, offset int, write func(context.Context, []T) error, report *Report) error {
	var lastErr error
	for attempt := 0; attempt <= w.MaxRetries; attempt++ {
		if attempt > 0 && w.Backoff > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(w.Backoff * time.Duration(attempt)):
			}
		}
		err := write(ctx, chunk)
		if err == nil {
			report.Written += len(chunk)
			report.Batches++
			return nil
		}
		if IsLimitError(err) && len(chunk) > 1 {
			report.Splits++
			mid := len(chunk) / 2
			if err := w.writeOne(ctx, chunk[:mid], offset, write, report); err != nil {
				return err
			}
			return w.writeOne(ctx, chunk[mid:], offset+mid, write, report)
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		lastErr = err
		w.logger.Debug("batch write failed",
			zap.Int("offset", offset),
			zap.Int("size", len(chunk)),
			zap.Int("attempt", attempt+1),
			zap.Error(err),
		)
	}
	w.logger.Warn("batch skipped after retries",
		zap.Int("offset", offset),
		zap.Int("size", len(chunk)),
		zap.Error(lastErr),
	)
	report.Failures = append(report.Failures, Failure{Offset: offset, Size: len(chunk), Err: lastErr})
	return nil
}
