// Package dispatch runs the fixed worker pool that drains pending
// jobs. Concurrency is bounded structurally: the pool starts exactly
// as many worker goroutines as there are slots, and each worker holds
// at most one claimed job at a time.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/muxminus/stemd/internal/storage"
	"github.com/muxminus/stemd/pkg/jobs"
)

const (
	defaultSlots        = 2
	defaultJobTimeout   = 30 * time.Minute
	defaultPollInterval = 2 * time.Second
	defaultMaxAttempts  = 3
	defaultReapInterval = time.Minute
	reapBatchSize       = 100
)

// Runner executes one claimed job and returns the stored artifact
// path plus the command line that produced it.
type Runner interface {
	Run(ctx context.Context, job jobs.Job) (artifactPath string, command string, err error)
}

// contentFailure is implemented by errors caused by the input itself.
// Those are terminal; everything else is retried.
type contentFailure interface {
	ContentFailure() bool
}

// PoolOption customizes a Pool.
type PoolOption func(*Pool)

// WithSlots sets the number of concurrent workers.
func WithSlots(slots int) PoolOption {
	return func(pool *Pool) { pool.slots = slots }
}

// WithJobTimeout sets the hard per-job processing limit.
func WithJobTimeout(timeout time.Duration) PoolOption {
	return func(pool *Pool) { pool.jobTimeout = timeout }
}

// WithPollInterval sets the idle wait between claim attempts.
func WithPollInterval(interval time.Duration) PoolOption {
	return func(pool *Pool) { pool.pollInterval = interval }
}

// WithMaxAttempts sets how many times an infrastructure failure is
// retried before the job fails.
func WithMaxAttempts(attempts int) PoolOption {
	return func(pool *Pool) { pool.maxAttempts = attempts }
}

// WithReapInterval sets how often the pool scans for processing jobs
// abandoned by a crashed run.
func WithReapInterval(interval time.Duration) PoolOption {
	return func(pool *Pool) { pool.reapInterval = interval }
}

// WithBackoff replaces the retry backoff strategy.
func WithBackoff(strategy BackoffStrategy) PoolOption {
	return func(pool *Pool) { pool.backoff = strategy }
}

// Pool claims pending jobs oldest-first and runs them on a fixed set
// of workers.
type Pool struct {
	jobsService *jobs.Service
	runner      Runner
	artifacts   *storage.Store
	logger      *zap.Logger

	slots        int
	jobTimeout   time.Duration
	pollInterval time.Duration
	maxAttempts  int
	reapInterval time.Duration
	backoff      BackoffStrategy

	stopCh  chan struct{}
	stopped sync.Once
	wg      sync.WaitGroup
}

// NewPool validates dependencies and applies options.
func NewPool(jobsService *jobs.Service, runner Runner, artifacts *storage.Store, logger *zap.Logger, options ...PoolOption) (*Pool, error) {
	if jobsService == nil {
		return nil, errors.New("dispatch: jobs service is required")
	}
	if runner == nil {
		return nil, errors.New("dispatch: runner is required")
	}
	if artifacts == nil {
		return nil, errors.New("dispatch: artifact store is required")
	}
	if logger == nil {
		return nil, errors.New("dispatch: logger is required")
	}
	pool := &Pool{
		jobsService:  jobsService,
		runner:       runner,
		artifacts:    artifacts,
		logger:       logger,
		slots:        defaultSlots,
		jobTimeout:   defaultJobTimeout,
		pollInterval: defaultPollInterval,
		maxAttempts:  defaultMaxAttempts,
		reapInterval: defaultReapInterval,
		backoff:      ExponentialWithJitter(time.Second, 30*time.Second),
		stopCh:       make(chan struct{}),
	}
	for _, option := range options {
		option(pool)
	}
	if pool.slots <= 0 {
		return nil, errors.New("dispatch: slots must be positive")
	}
	if pool.jobTimeout <= 0 {
		return nil, errors.New("dispatch: job timeout must be positive")
	}
	if pool.maxAttempts <= 0 {
		return nil, errors.New("dispatch: max attempts must be positive")
	}
	if pool.reapInterval <= 0 {
		return nil, errors.New("dispatch: reap interval must be positive")
	}
	return pool, nil
}

// Start launches the workers and the stale-job reaper.
func (pool *Pool) Start() {
	for slot := 0; slot < pool.slots; slot++ {
		pool.wg.Add(1)
		go pool.work(slot)
	}
	pool.wg.Add(1)
	go pool.reapLoop()
	pool.logger.Info("dispatch pool started", zap.Int("slots", pool.slots))
}

// Stop signals the workers and waits for in-flight jobs to finish or
// the context to expire. A job interrupted by process exit stays in
// processing until the reaper on a later run fails and refunds it.
func (pool *Pool) Stop(ctx context.Context) error {
	pool.stopped.Do(func() { close(pool.stopCh) })
	done := make(chan struct{})
	go func() {
		pool.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		pool.logger.Info("dispatch pool stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("dispatch: stop: %w", ctx.Err())
	}
}

func (pool *Pool) work(slot int) {
	defer pool.wg.Done()
	logger := pool.logger.With(zap.Int("slot", slot))
	for {
		select {
		case <-pool.stopCh:
			return
		default:
		}

		job, claimed, err := pool.jobsService.Claim(context.Background())
		if err != nil {
			logger.Error("claim failed", zap.Error(err))
			if !pool.idle(pool.pollInterval) {
				return
			}
			continue
		}
		if !claimed {
			if !pool.idle(pool.pollInterval) {
				return
			}
			continue
		}
		pool.execute(logger, job)
	}
}

// reapLoop fails processing jobs whose last update is older than the
// job timeout, so charges stranded by a crashed run are refunded and
// their cap slots free up. Scans once at startup, then on an interval.
func (pool *Pool) reapLoop() {
	defer pool.wg.Done()
	pool.reapStale()
	ticker := time.NewTicker(pool.reapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-pool.stopCh:
			return
		case <-ticker.C:
			pool.reapStale()
		}
	}
}

func (pool *Pool) reapStale() {
	cutoff := time.Now().UTC().Add(-pool.jobTimeout).Unix()
	stale, err := pool.jobsService.ListStaleProcessing(context.Background(), cutoff, reapBatchSize)
	if err != nil {
		pool.logger.Error("stale job scan failed", zap.Error(err))
		return
	}
	for _, job := range stale {
		message := fmt.Sprintf("processing abandoned after the %s time limit", pool.jobTimeout)
		err := pool.jobsService.MarkFailed(context.Background(), job.JobID, message, job.Command)
		if errors.Is(err, jobs.ErrStatusConflict) {
			// A live worker beat us to the transition.
			continue
		}
		if err != nil {
			pool.logger.Error("stale job not failed", zap.String("job_id", job.JobID.String()), zap.Error(err))
			continue
		}
		pool.logger.Warn("stale processing job failed and refunded", zap.String("job_id", job.JobID.String()))
	}
}

// idle waits out the poll interval; false means the pool is stopping.
func (pool *Pool) idle(duration time.Duration) bool {
	timer := time.NewTimer(duration)
	defer timer.Stop()
	select {
	case <-pool.stopCh:
		return false
	case <-timer.C:
		return true
	}
}

func (pool *Pool) execute(logger *zap.Logger, job jobs.Job) {
	logger = logger.With(zap.String("job_id", job.JobID.String()), zap.String("account_id", job.AccountID.String()))
	logger.Info("job claimed", zap.String("operation", string(job.Descriptor.Operation)))

	runCtx, cancel := context.WithTimeout(context.Background(), pool.jobTimeout)
	defer cancel()

	var lastErr error
	var lastCommand string
	for attempt := 0; attempt < pool.maxAttempts; attempt++ {
		artifactPath, command, err := pool.runner.Run(runCtx, job)
		lastCommand = command
		if err == nil {
			pool.complete(logger, job, artifactPath, command)
			return
		}

		if runCtx.Err() != nil {
			pool.fail(logger, job, fmt.Sprintf("processing exceeded the %s time limit", pool.jobTimeout), command)
			return
		}
		var content contentFailure
		if errors.As(err, &content) && content.ContentFailure() {
			pool.fail(logger, job, err.Error(), command)
			return
		}

		lastErr = err
		logger.Warn("attempt failed", zap.Int("attempt", attempt+1), zap.Error(err))
		if attempt+1 < pool.maxAttempts {
			if !pool.sleep(runCtx, pool.backoff.Delay(attempt)) {
				pool.fail(logger, job, fmt.Sprintf("processing exceeded the %s time limit", pool.jobTimeout), command)
				return
			}
		}
	}
	pool.fail(logger, job, fmt.Sprintf("processing failed after %d attempts: %v", pool.maxAttempts, lastErr), lastCommand)
}

// sleep waits for the backoff delay; false means the run deadline hit.
func (pool *Pool) sleep(ctx context.Context, duration time.Duration) bool {
	timer := time.NewTimer(duration)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func (pool *Pool) complete(logger *zap.Logger, job jobs.Job, artifactPath string, command string) {
	err := pool.jobsService.MarkCompleted(context.Background(), job.JobID, artifactPath, command)
	if err == nil {
		logger.Info("job completed", zap.String("artifact", artifactPath))
		return
	}
	if errors.Is(err, jobs.ErrStatusConflict) {
		// The job left processing while we ran, so the produced
		// artifact has no owner. Remove it rather than leak it.
		if removeErr := pool.artifacts.Remove(artifactPath); removeErr != nil {
			logger.Error("orphaned artifact cleanup failed", zap.Error(removeErr))
		}
		logger.Warn("completion lost to concurrent transition")
		return
	}
	logger.Error("completion not recorded", zap.Error(err))
}

func (pool *Pool) fail(logger *zap.Logger, job jobs.Job, message string, command string) {
	err := pool.jobsService.MarkFailed(context.Background(), job.JobID, message, command)
	if err == nil {
		logger.Info("job failed", zap.String("detail", message))
		return
	}
	if errors.Is(err, jobs.ErrStatusConflict) {
		logger.Warn("failure lost to concurrent transition")
		return
	}
	logger.Error("failure not recorded", zap.Error(err))
}
