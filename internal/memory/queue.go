package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/troubleshootd/internal/config"
)

// Job asks for a session to be consolidated into its user's patterns.
type Job struct {
	SessionID string
	UserID    string
}

// Consolidator runs the two consolidation steps. *Coordinator implements it.
type Consolidator interface {
	ConsolidateWorkingToSession(ctx context.Context, sessionID string) ([]SessionInsight, error)
	ConsolidateSessionToUser(ctx context.Context, sessionID, userID string) (int, error)
}

// ConsolidationQueue runs consolidation jobs on a fixed pool of workers.
//
// Enqueue never blocks: when the buffer is full the job is dropped. Jobs for
// a session that is already waiting are coalesced into the waiting one.
type ConsolidationQueue struct {
	consolidator Consolidator
	logger       *zap.Logger

	size          int
	workers       int
	jobTimeout    time.Duration
	sweepInterval time.Duration

	jobs chan Job

	mu      sync.Mutex
	pending map[string]struct{}
	active  map[string]activity
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

type activity struct {
	userID string
	seen   time.Time
}

// QueueOption configures a ConsolidationQueue.
type QueueOption func(*ConsolidationQueue)

// WithQueueConfig applies queue size, worker count, job timeout and sweep
// interval from cfg.
func WithQueueConfig(cfg config.ConsolidationConfig) QueueOption {
	return func(q *ConsolidationQueue) {
		if cfg.QueueSize > 0 {
			q.size = cfg.QueueSize
		}
		if cfg.Workers > 0 {
			q.workers = cfg.Workers
		}
		if cfg.JobTimeout > 0 {
			q.jobTimeout = cfg.JobTimeout.Duration()
		}
		q.sweepInterval = cfg.SweepInterval.Duration()
	}
}

// WithWorkers sets the worker count.
func WithWorkers(n int) QueueOption {
	return func(q *ConsolidationQueue) {
		if n > 0 {
			q.workers = n
		}
	}
}

// WithQueueSize sets the buffer size.
func WithQueueSize(n int) QueueOption {
	return func(q *ConsolidationQueue) {
		if n > 0 {
			q.size = n
		}
	}
}

// WithSweepInterval enables the periodic re-enqueue of recently active
// sessions. Zero disables it.
func WithSweepInterval(d time.Duration) QueueOption {
	return func(q *ConsolidationQueue) {
		q.sweepInterval = d
	}
}

// NewConsolidationQueue creates a stopped queue. Call Start to run workers.
func NewConsolidationQueue(consolidator Consolidator, logger *zap.Logger, opts ...QueueOption) (*ConsolidationQueue, error) {
	if consolidator == nil {
		return nil, fmt.Errorf("consolidator cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	q := &ConsolidationQueue{
		consolidator: consolidator,
		logger:       logger,
		size:         256,
		workers:      2,
		jobTimeout:   30 * time.Second,
		pending:      make(map[string]struct{}),
		active:       make(map[string]activity),
		stopCh:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(q)
	}
	q.jobs = make(chan Job, q.size)
	return q, nil
}

// Enqueue submits a job without blocking. It returns false when the job was
// dropped.
func (q *ConsolidationQueue) Enqueue(job Job) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.active[job.SessionID] = activity{userID: job.UserID, seen: time.Now()}
	return q.enqueueLocked(job)
}

func (q *ConsolidationQueue) enqueueLocked(job Job) bool {
	if _, ok := q.pending[job.SessionID]; ok {
		consolidationDropped.WithLabelValues("coalesced").Inc()
		return true
	}
	select {
	case q.jobs <- job:
		q.pending[job.SessionID] = struct{}{}
		consolidationQueued.Inc()
		return true
	default:
		consolidationDropped.WithLabelValues("full").Inc()
		q.logger.Warn("consolidation queue full, dropping job",
			zap.String("session.id", job.SessionID),
			zap.Int("queue_size", q.size),
		)
		return false
	}
}

// Len returns the number of waiting jobs.
func (q *ConsolidationQueue) Len() int { return len(q.jobs) }

// Start launches the workers and, when configured, the sweep loop. It
// returns an error if the queue is already running.
func (q *ConsolidationQueue) Start(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.running {
		return fmt.Errorf("consolidation queue is already running")
	}
	q.stopCh = make(chan struct{})
	q.running = true

	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go q.worker(ctx, i, q.stopCh)
	}
	if q.sweepInterval > 0 {
		q.wg.Add(1)
		go q.sweep(q.stopCh)
	}

	q.logger.Info("consolidation queue started",
		zap.Int("workers", q.workers),
		zap.Int("queue_size", q.size),
		zap.Duration("sweep_interval", q.sweepInterval),
	)
	return nil
}

// Stop signals the workers and waits for in-flight jobs. Waiting jobs stay
// in the buffer. Stop is a no-op on a stopped queue.
func (q *ConsolidationQueue) Stop() {
	q.mu.Lock()
	if !q.running {
		q.mu.Unlock()
		return
	}
	q.running = false
	close(q.stopCh)
	q.mu.Unlock()

	q.wg.Wait()
	q.logger.Info("consolidation queue stopped")
}

func (q *ConsolidationQueue) worker(ctx context.Context, id int, stopCh <-chan struct{}) {
	defer q.wg.Done()

	for {
		// Prefer stopping over picking up another job.
		select {
		case <-stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		select {
		case <-stopCh:
			return
		case <-ctx.Done():
			return
		case job := <-q.jobs:
			q.mu.Lock()
			delete(q.pending, job.SessionID)
			q.mu.Unlock()
			q.safeProcess(ctx, id, job)
		}
	}
}

func (q *ConsolidationQueue) safeProcess(ctx context.Context, worker int, job Job) {
	defer func() {
		if r := recover(); r != nil {
			consolidationProcessed.WithLabelValues("panic").Inc()
			q.logger.Error("consolidation job panicked, continuing",
				zap.Int("worker", worker),
				zap.String("session.id", job.SessionID),
				zap.Any("panic", r),
				zap.Stack("stack"),
			)
		}
	}()

	if err := q.process(ctx, job); err != nil {
		consolidationProcessed.WithLabelValues("error").Inc()
		q.logger.Warn("consolidation job failed",
			zap.String("session.id", job.SessionID),
			zap.String("user.id", job.UserID),
			zap.Error(err),
		)
		return
	}
	consolidationProcessed.WithLabelValues("ok").Inc()
}

func (q *ConsolidationQueue) process(ctx context.Context, job Job) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), q.jobTimeout)
	defer cancel()

	written, err := q.consolidator.ConsolidateWorkingToSession(ctx, job.SessionID)
	if err != nil {
		return fmt.Errorf("working to session: %w", err)
	}
	if job.UserID == "" {
		return nil
	}
	promoted, err := q.consolidator.ConsolidateSessionToUser(ctx, job.SessionID, job.UserID)
	if err != nil {
		return fmt.Errorf("session to user: %w", err)
	}
	q.logger.Debug("consolidated session",
		zap.String("session.id", job.SessionID),
		zap.Int("insights_written", len(written)),
		zap.Int("insights_promoted", promoted),
	)
	return nil
}

// sweep re-enqueues sessions active since the previous sweep.
func (q *ConsolidationQueue) sweep(stopCh <-chan struct{}) {
	defer q.wg.Done()

	ticker := time.NewTicker(q.sweepInterval)
	defer ticker.Stop()

	last := time.Now()
	for {
		select {
		case <-stopCh:
			return
		case now := <-ticker.C:
			q.sweepOnce(last)
			last = now
		}
	}
}

func (q *ConsolidationQueue) sweepOnce(since time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := 0
	for sessionID, a := range q.active {
		if a.seen.Before(since) {
			delete(q.active, sessionID)
			continue
		}
		if q.enqueueLocked(Job{SessionID: sessionID, UserID: a.userID}) {
			n++
		}
	}
	if n > 0 {
		q.logger.Debug("consolidation sweep enqueued sessions", zap.Int("sessions", n))
	}
}
