package jobs

import (
	"context"
	"errors"
	"fmt"
)

// Claim atomically transitions the globally oldest pending job to
// processing. The conditional update guards against a concurrent
// claimer or a racing cancel; the loser simply reports no job.
func (service *Service) Claim(ctx context.Context) (Job, bool, error) {
	var claimed Job
	var found bool
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		job, ok, err := transactionStore.OldestPending(ctx)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		if err := transactionStore.UpdateJobStatus(ctx, job.JobID, StatusPending, StatusProcessing, Update{}); err != nil {
			if errors.Is(err, ErrStatusConflict) {
				return nil
			}
			return err
		}
		job.Status = StatusProcessing
		claimed = job
		found = true
		return nil
	})
	return claimed, found, operationError
}

// MarkCompleted records a successful worker run: artifact handle
// stored, completion stamped. Fails with ErrStatusConflict if the job
// left processing in the meantime.
func (service *Service) MarkCompleted(ctx context.Context, jobID JobID, artifactPath string, command string) error {
	nowUnixUTC := service.nowFn()
	update := Update{
		ArtifactPath:     &artifactPath,
		CompletedUnixUTC: &nowUnixUTC,
	}
	if command != "" {
		update.Command = &command
	}
	return service.store.UpdateJobStatus(ctx, jobID, StatusProcessing, StatusCompleted, update)
}

// MarkFailed records a worker failure with a truncated diagnostic and
// refunds the charge. Transition and refund commit in one transaction;
// a failed job without its refund cannot exist.
func (service *Service) MarkFailed(ctx context.Context, jobID JobID, message string, command string) error {
	return service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		job, err := transactionStore.GetJob(ctx, jobID)
		if err != nil {
			return err
		}
		truncated := truncateDetail(message)
		nowUnixUTC := service.nowFn()
		update := Update{
			ErrorMessage:     &truncated,
			CompletedUnixUTC: &nowUnixUTC,
			SetRefunded:      true,
		}
		if command != "" {
			update.Command = &command
		}
		if err := transactionStore.UpdateJobStatus(ctx, jobID, StatusProcessing, StatusFailed, update); err != nil {
			return err
		}
		return service.refundIn(ctx, transactionStore, job)
	})
}

// Archive moves a terminal job to archived and clears the artifact
// handle for completed jobs. Callers must have confirmed artifact
// deletion first; the registry never deletes storage itself.
func (service *Service) Archive(ctx context.Context, jobID JobID, from Status) error {
	if !CanTransition(from, StatusArchived) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, StatusArchived)
	}
	update := Update{}
	if from == StatusCompleted {
		update.ClearArtifact = true
	}
	return service.store.UpdateJobStatus(ctx, jobID, from, StatusArchived, update)
}

// ForceCancel is the admin override that drives a non-terminal job to
// a terminal state through the same transitions the normal flow uses,
// with a compensating refund if none was recorded yet.
func (service *Service) ForceCancel(ctx context.Context, jobID JobID, reason string) error {
	return service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		job, err := transactionStore.GetJob(ctx, jobID)
		if err != nil {
			return err
		}
		switch job.Status {
		case StatusPending:
			if err := transactionStore.UpdateJobStatus(ctx, jobID, StatusPending, StatusCancelled, Update{SetRefunded: true}); err != nil {
				return err
			}
		case StatusProcessing:
			truncated := truncateDetail(reason)
			nowUnixUTC := service.nowFn()
			update := Update{
				ErrorMessage:     &truncated,
				CompletedUnixUTC: &nowUnixUTC,
				SetRefunded:      true,
			}
			if err := transactionStore.UpdateJobStatus(ctx, jobID, StatusProcessing, StatusFailed, update); err != nil {
				return err
			}
		default:
			return ErrNotCancellable
		}
		return service.refundIn(ctx, transactionStore, job)
	})
}

// Delete tombstones an archived or cancelled job. Ledger entries
// referencing the job are never touched; the audit trail outlives it.
func (service *Service) Delete(ctx context.Context, jobID JobID) error {
	return service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		job, err := transactionStore.GetJob(ctx, jobID)
		if err != nil {
			return err
		}
		if job.Status != StatusArchived && job.Status != StatusCancelled {
			return ErrNotDeletable
		}
		return transactionStore.MarkDeleted(ctx, jobID)
	})
}

// ListStaleProcessing returns processing jobs untouched since the
// cutoff. A crashed run leaves its claimed job in processing with no
// worker attached; the dispatcher reaps those through MarkFailed so
// the refund and the freed cap slot follow the normal failure path.
func (service *Service) ListStaleProcessing(ctx context.Context, cutoffUnixUTC int64, limit int) ([]Job, error) {
	return service.store.ListProcessingBefore(ctx, cutoffUnixUTC, limit)
}

// ListCompletedBefore returns completed jobs older than the cutoff,
// for the retention sweeper.
func (service *Service) ListCompletedBefore(ctx context.Context, cutoffUnixUTC int64, limit int) ([]Job, error) {
	return service.store.ListCompletedBefore(ctx, cutoffUnixUTC, limit)
}

// ListFailedBefore returns failed jobs older than the cutoff, for the
// retention sweeper.
func (service *Service) ListFailedBefore(ctx context.Context, cutoffUnixUTC int64, limit int) ([]Job, error) {
	return service.store.ListFailedBefore(ctx, cutoffUnixUTC, limit)
}

func truncateDetail(message string) string {
	if len(message) <= maxErrorDetailLength {
		return message
	}
	return message[:maxErrorDetailLength]
}
