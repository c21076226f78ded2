package syncjob

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/CapSens/etlify/cache"
)

// Handler executes one job. Returning ErrNotRetryable (or wrapping it)
// fails the job immediately; any other error goes through the retry
// policy.
type Handler func(ctx context.Context, resourceType string, resourceID uint, crmName string) error

// ErrNotRetryable short-circuits the retry policy, for misconfiguration
// and other failures a retry cannot fix.
var ErrNotRetryable = errors.New("etlify: job is not retryable")

// WorkerConfig tunes the poll loop and the retry policy.
type WorkerConfig struct {
	Queue             string
	PollInterval      time.Duration // default 10s
	BatchSize         int           // default 10
	RetryDelay        time.Duration // default 1m, fixed per retry
	MaxAttempts       int           // default 3
	LockTTL           time.Duration // default 15m, for retry re-arming
	VisibilityTimeout time.Duration // default 30m, reclaims crashed claims
}

func (c *WorkerConfig) defaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = 10 * time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 10
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = time.Minute
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.LockTTL <= 0 {
		c.LockTTL = DefaultLockTTL
	}
	if c.VisibilityTimeout <= 0 {
		c.VisibilityTimeout = 30 * time.Minute
	}
}

// Worker drains one queue: claim, execute, complete or reschedule. The
// enqueue lock is released on every exit path; a scheduled retry re-arms
// it so duplicate triggers stay deduplicated until the retry runs.
type Worker struct {
	queue   *DBQueue
	cache   cache.Store
	cfg     WorkerConfig
	handler Handler
	log     *zap.SugaredLogger
}

func NewWorker(queue *DBQueue, cacheStore cache.Store, cfg WorkerConfig, handler Handler, log *zap.SugaredLogger) *Worker {
	cfg.defaults()
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Worker{queue: queue, cache: cacheStore, cfg: cfg, handler: handler, log: log}
}

// Start polls until the context is cancelled. Jobs left over from
// previous runs are picked up before the first tick.
func (w *Worker) Start(ctx context.Context) error {
	w.log.Infow("starting sync worker", "queue", w.cfg.Queue, "poll_interval", w.cfg.PollInterval)

	if err := w.ProcessBatch(ctx); err != nil {
		w.log.Warnw("failed to process jobs on startup", "error", err)
	}

	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.log.Info("sync worker shutting down")
			return ctx.Err()
		case <-ticker.C:
			if err := w.ProcessBatch(ctx); err != nil {
				w.log.Errorw("failed to process jobs", "error", err)
			}
		}
	}
}

// ProcessBatch runs one poll iteration: due jobs first, then stuck
// processing jobs reclaimed from crashed workers.
func (w *Worker) ProcessBatch(ctx context.Context) error {
	due, err := w.queue.Due(ctx, w.cfg.Queue, w.cfg.BatchSize)
	if err != nil {
		return err
	}
	stuck, err := w.queue.Stuck(ctx, w.cfg.Queue, w.cfg.VisibilityTimeout, w.cfg.BatchSize)
	if err != nil {
		return err
	}

	for _, job := range append(due, stuck...) {
		job := job
		claimed, err := w.queue.Claim(ctx, &job)
		if err != nil {
			return err
		}
		if !claimed {
			continue
		}
		w.runJob(ctx, job)
	}
	return nil
}

func (w *Worker) runJob(ctx context.Context, job SyncJob) {
	key := LockKey(job.Resource(), job.CRMName)
	retryArmed := false
	defer func() {
		// The lock never outlives the attempt, whatever happened above.
		if err := w.cache.Delete(ctx, key); err != nil {
			w.log.Warnw("failed to release enqueue lock", "key", key, "error", err)
		}
		if retryArmed {
			if _, err := w.cache.SetIfAbsent(ctx, key, w.cfg.LockTTL); err != nil {
				w.log.Warnw("failed to re-arm enqueue lock", "key", key, "error", err)
			}
		}
	}()

	err := w.handler(ctx, job.ResourceType, job.ResourceID, job.CRMName)
	if err == nil {
		if err := w.queue.Complete(ctx, job.ID); err != nil {
			w.log.Errorw("failed to complete job", "job", job.ID, "error", err)
		}
		return
	}

	if errors.Is(err, ErrNotRetryable) {
		w.log.Errorw("job failed permanently", "job", job.ID, "error", err)
		if ferr := w.queue.Fail(ctx, job.ID, err.Error()); ferr != nil {
			w.log.Errorw("failed to mark job failed", "job", job.ID, "error", ferr)
		}
		return
	}

	if job.Attempts+1 < w.cfg.MaxAttempts {
		runAt := time.Now().Add(w.cfg.RetryDelay)
		w.log.Warnw("job failed, scheduling retry", "job", job.ID, "attempt", job.Attempts+1, "run_at", runAt, "error", err)
		if rerr := w.queue.Retry(ctx, job.ID, runAt, err.Error()); rerr != nil {
			w.log.Errorw("failed to reschedule job", "job", job.ID, "error", rerr)
			return
		}
		retryArmed = true
		return
	}

	w.log.Errorw("job failed, attempts exhausted", "job", job.ID, "attempts", job.Attempts+1, "error", err)
	if ferr := w.queue.Fail(ctx, job.ID, err.Error()); ferr != nil {
		w.log.Errorw("failed to mark job failed", "job", job.ID, "error", ferr)
	}
}
