// Package sweep reclaims expired artifacts on a timer. Completed jobs
// past the retention window lose their artifact and move to archived;
// failed jobs past the grace window are archived without storage work.
// An archive is recorded only after the artifact file is confirmed
// gone, so a crashed or failed sweep leaves the job visible for the
// next cycle instead of stranding an unreachable file.
package sweep

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
	defaultInterval        = 10 * time.Minute
	defaultRetentionWindow = 24 * time.Hour
	defaultFailedGrace     = 24 * time.Hour
	defaultBatchSize       = 100
)

// SweeperOption customizes a Sweeper.
type SweeperOption func(*Sweeper)

// WithInterval sets the pause between sweep cycles.
func WithInterval(interval time.Duration) SweeperOption {
	return func(sweeper *Sweeper) { sweeper.interval = interval }
}

// WithRetentionWindow sets how long completed artifacts stay
// downloadable.
func WithRetentionWindow(window time.Duration) SweeperOption {
	return func(sweeper *Sweeper) { sweeper.retentionWindow = window }
}

// WithFailedGrace sets how long failed jobs stay listed before they
// are archived.
func WithFailedGrace(grace time.Duration) SweeperOption {
	return func(sweeper *Sweeper) { sweeper.failedGrace = grace }
}

// WithBatchSize caps how many jobs one cycle touches per status.
func WithBatchSize(size int) SweeperOption {
	return func(sweeper *Sweeper) { sweeper.batchSize = size }
}

// WithNow replaces the clock, for tests.
func WithNow(now func() int64) SweeperOption {
	return func(sweeper *Sweeper) { sweeper.nowFn = now }
}

// Sweeper drives time-based artifact reclamation.
type Sweeper struct {
	jobsService *jobs.Service
	artifacts   *storage.Store
	logger      *zap.Logger

	interval        time.Duration
	retentionWindow time.Duration
	failedGrace     time.Duration
	batchSize       int
	nowFn           func() int64

	stopCh  chan struct{}
	stopped sync.Once
	wg      sync.WaitGroup
}

// NewSweeper validates dependencies and applies options.
func NewSweeper(jobsService *jobs.Service, artifacts *storage.Store, logger *zap.Logger, options ...SweeperOption) (*Sweeper, error) {
	if jobsService == nil {
		return nil, errors.New("sweep: jobs service is required")
	}
	if artifacts == nil {
		return nil, errors.New("sweep: artifact store is required")
	}
	if logger == nil {
		return nil, errors.New("sweep: logger is required")
	}
	sweeper := &Sweeper{
		jobsService:     jobsService,
		artifacts:       artifacts,
		logger:          logger,
		interval:        defaultInterval,
		retentionWindow: defaultRetentionWindow,
		failedGrace:     defaultFailedGrace,
		batchSize:       defaultBatchSize,
		nowFn:           func() int64 { return time.Now().Unix() },
		stopCh:          make(chan struct{}),
	}
	for _, option := range options {
		option(sweeper)
	}
	if sweeper.interval <= 0 {
		return nil, errors.New("sweep: interval must be positive")
	}
	if sweeper.retentionWindow <= 0 {
		return nil, errors.New("sweep: retention window must be positive")
	}
	if sweeper.failedGrace <= 0 {
		return nil, errors.New("sweep: failed grace must be positive")
	}
	if sweeper.batchSize <= 0 {
		return nil, errors.New("sweep: batch size must be positive")
	}
	return sweeper, nil
}

// Start launches the sweep loop.
func (sweeper *Sweeper) Start() {
	sweeper.wg.Add(1)
	go sweeper.loop()
	sweeper.logger.Info("retention sweeper started",
		zap.Duration("interval", sweeper.interval),
		zap.Duration("retention_window", sweeper.retentionWindow))
}

// Stop halts the loop and waits for an in-progress cycle.
func (sweeper *Sweeper) Stop(ctx context.Context) error {
	sweeper.stopped.Do(func() { close(sweeper.stopCh) })
	done := make(chan struct{})
	go func() {
		sweeper.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		sweeper.logger.Info("retention sweeper stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("sweep: stop: %w", ctx.Err())
	}
}

func (sweeper *Sweeper) loop() {
	defer sweeper.wg.Done()
	ticker := time.NewTicker(sweeper.interval)
	defer ticker.Stop()
	for {
		select {
		case <-sweeper.stopCh:
			return
		case <-ticker.C:
			if err := sweeper.SweepOnce(context.Background()); err != nil {
				sweeper.logger.Error("sweep cycle failed", zap.Error(err))
			}
		}
	}
}

// SweepOnce runs a single reclamation cycle. Per-job storage failures
// are logged and left for the next cycle; only listing errors abort
// the cycle.
func (sweeper *Sweeper) SweepOnce(ctx context.Context) error {
	now := sweeper.nowFn()
	if err := sweeper.sweepCompleted(ctx, now); err != nil {
		return err
	}
	return sweeper.sweepFailed(ctx, now)
}

func (sweeper *Sweeper) sweepCompleted(ctx context.Context, nowUnixUTC int64) error {
	cutoff := nowUnixUTC - int64(sweeper.retentionWindow/time.Second)
	expired, err := sweeper.jobsService.ListCompletedBefore(ctx, cutoff, sweeper.batchSize)
	if err != nil {
		return err
	}
	for _, job := range expired {
		logger := sweeper.logger.With(zap.String("job_id", job.JobID.String()))
		// Delete before archiving: the handle is cleared only once
		// the file is confirmed gone.
		if err := sweeper.artifacts.Remove(job.ArtifactPath); err != nil {
			logger.Error("artifact deletion failed, retrying next cycle", zap.Error(err))
			continue
		}
		if err := sweeper.jobsService.Archive(ctx, job.JobID, jobs.StatusCompleted); err != nil {
			if errors.Is(err, jobs.ErrStatusConflict) {
				continue
			}
			logger.Error("archive failed", zap.Error(err))
			continue
		}
		logger.Info("expired artifact reclaimed")
	}
	return nil
}

func (sweeper *Sweeper) sweepFailed(ctx context.Context, nowUnixUTC int64) error {
	cutoff := nowUnixUTC - int64(sweeper.failedGrace/time.Second)
	expired, err := sweeper.jobsService.ListFailedBefore(ctx, cutoff, sweeper.batchSize)
	if err != nil {
		return err
	}
	for _, job := range expired {
		if err := sweeper.jobsService.Archive(ctx, job.JobID, jobs.StatusFailed); err != nil {
			if errors.Is(err, jobs.ErrStatusConflict) {
				continue
			}
			sweeper.logger.Error("archive failed",
				zap.String("job_id", job.JobID.String()), zap.Error(err))
		}
	}
	return nil
}

// ArchiveNow archives one job immediately, regardless of age. Used by
// the admin override; an already archived job is a no-op.
func (sweeper *Sweeper) ArchiveNow(ctx context.Context, jobID jobs.JobID) error {
	job, err := sweeper.jobsService.Get(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status == jobs.StatusArchived {
		return nil
	}
	if job.Status == jobs.StatusCompleted {
		if err := sweeper.artifacts.Remove(job.ArtifactPath); err != nil {
			return err
		}
	}
	return sweeper.jobsService.Archive(ctx, jobID, job.Status)
}
