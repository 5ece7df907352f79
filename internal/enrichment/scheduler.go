package enrichment

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hyperjump/kioku/internal/models"
)

// Enricher enriches one session.
type Enricher interface {
	EnrichSession(ctx context.Context, sessionID string) (*models.EnrichmentResult, error)
}

// SessionLister lists every known session.
type SessionLister interface {
	ListSessions(ctx context.Context) ([]string, error)
}

// JobResult is delivered on the scheduler's result channel after each session.
type JobResult struct {
	SessionID string
	Result    *models.EnrichmentResult
	Err       error
}

// SchedulerConfig holds worker pool tuning.
type SchedulerConfig struct {
	Workers   int
	QueueSize int
	// RescanInterval re-queues every known session periodically. Zero disables it.
	RescanInterval time.Duration
}

// ErrQueueFull is returned by Submit when the queue has no room.
var ErrQueueFull = errors.New("enrichment queue full")

// Scheduler runs enrichment on a fixed pool of workers. Each worker handles one
// session at a time and a session is queued at most once.
type Scheduler struct {
	enricher Enricher
	sessions SessionLister
	cfg      SchedulerConfig
	logger   *zap.Logger

	queue   chan string
	results chan JobResult

	mu        sync.Mutex
	pending   map[string]bool
	isRunning bool
	stopChan  chan struct{}
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// NewScheduler creates a scheduler. sessions may be nil when periodic passes are not used.
func NewScheduler(enricher Enricher, sessions SessionLister, cfg SchedulerConfig, logger *zap.Logger) *Scheduler {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		enricher: enricher,
		sessions: sessions,
		cfg:      cfg,
		logger:   logger,
		queue:    make(chan string, cfg.QueueSize),
		results:  make(chan JobResult, cfg.QueueSize),
		pending:  make(map[string]bool),
	}
}

// Results returns the channel on which job results are delivered. Results are
// dropped with a warning when nobody drains the channel.
func (s *Scheduler) Results() <-chan JobResult {
	return s.results
}

// Start launches the workers and, if configured, the periodic full pass.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.isRunning {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.stopChan = make(chan struct{})
	s.isRunning = true

	for i := 0; i < s.cfg.Workers; i++ {
		s.wg.Add(1)
		go s.worker(ctx, i)
	}
	if s.cfg.RescanInterval > 0 && s.sessions != nil {
		s.wg.Add(1)
		go s.rescan(ctx)
	}
	s.logger.Info("enrichment workers started", zap.Int("count", s.cfg.Workers))
}

// Stop signals the workers and waits for in-flight sessions to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = false
	close(s.stopChan)
	s.mu.Unlock()

	s.wg.Wait()
	s.cancel()
	s.logger.Info("enrichment workers stopped")
}

// Submit queues a session. Returns false when the session is already queued.
func (s *Scheduler) Submit(sessionID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending[sessionID] {
		return false, nil
	}
	select {
	case s.queue <- sessionID:
		s.pending[sessionID] = true
		return true, nil
	default:
		return false, ErrQueueFull
	}
}

// SubmitAll queues every known session. Returns the number newly queued.
func (s *Scheduler) SubmitAll(ctx context.Context) (int, error) {
	if s.sessions == nil {
		return 0, nil
	}
	ids, err := s.sessions.ListSessions(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, id := range ids {
		queued, err := s.Submit(id)
		if err != nil {
			return n, err
		}
		if queued {
			n++
		}
	}
	return n, nil
}

// Pending returns the number of queued sessions.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

func (s *Scheduler) worker(ctx context.Context, id int) {
	defer s.wg.Done()
	for {
		select {
		case <-s.stopChan:
			return
		case sessionID := <-s.queue:
			s.mu.Lock()
			delete(s.pending, sessionID)
			s.mu.Unlock()
			s.run(ctx, id, sessionID)
		}
	}
}

func (s *Scheduler) run(ctx context.Context, workerID int, sessionID string) {
	res, err := s.safeEnrich(ctx, sessionID)
	if err != nil {
		s.logger.Warn("session enrichment failed",
			zap.Int("worker_id", workerID),
			zap.String("session_id", sessionID),
			zap.Error(err),
		)
	}
	select {
	case s.results <- JobResult{SessionID: sessionID, Result: res, Err: err}:
	default:
		s.logger.Warn("result channel full, dropping result", zap.String("session_id", sessionID))
	}
}

func (s *Scheduler) safeEnrich(ctx context.Context, sessionID string) (res *models.EnrichmentResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("enrichment panicked", zap.String("session_id", sessionID), zap.Any("panic", r))
			err = errors.New("enrichment panicked")
		}
	}()
	return s.enricher.EnrichSession(ctx, sessionID)
}

func (s *Scheduler) rescan(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.RescanInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopChan:
			return
		case <-ticker.C:
			n, err := s.SubmitAll(ctx)
			if err != nil {
				s.logger.Warn("periodic pass incomplete", zap.Int("queued", n), zap.Error(err))
				continue
			}
			s.logger.Debug("periodic pass queued sessions", zap.Int("queued", n))
		}
	}
}
