package gormstore

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/muxminus/stemd/pkg/jobs"
	"github.com/muxminus/stemd/pkg/ledger"
)

// JobStore implements jobs.Store using GORM.
type JobStore struct {
	db *gorm.DB
}

var _ jobs.Store = (*JobStore)(nil)

// WithTx executes fn within a transaction.
func (store *JobStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore jobs.Store) error) error {
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &JobStore{db: transaction})
	})
}

// Ledger returns the ledger store bound to the same connection, so
// ledger writes inside WithTx join the job transaction.
func (store *JobStore) Ledger() ledger.Store {
	return &LedgerStore{db: store.db}
}

// InsertJob persists a new job record.
func (store *JobStore) InsertJob(ctx context.Context, job jobs.Job) error {
	row, err := jobToRecord(job)
	if err != nil {
		return wrapStoreError(errorSubjectJob, errorCodeInvalid, err)
	}
	if err := store.db.WithContext(ctx).Create(&row).Error; err != nil {
		return wrapStoreError(errorSubjectJob, errorCodeInsert, err)
	}
	return nil
}

// GetJob returns a job by id. Tombstoned jobs stay invisible.
func (store *JobStore) GetJob(ctx context.Context, jobID jobs.JobID) (jobs.Job, error) {
	var row JobRecord
	err := store.db.WithContext(ctx).
		Where("job_id = ? AND deleted = ?", jobID.String(), false).
		Take(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return jobs.Job{}, wrapStoreError(errorSubjectJob, errorCodeGet, jobs.ErrJobNotFound)
		}
		return jobs.Job{}, wrapStoreError(errorSubjectJob, errorCodeGet, err)
	}
	return recordToJob(row)
}

// ListJobs returns an account's jobs, newest first.
func (store *JobStore) ListJobs(ctx context.Context, accountID ledger.AccountID, limit int) ([]jobs.Job, error) {
	var rows []JobRecord
	err := store.db.WithContext(ctx).
		Where("account_id = ? AND deleted = ?", accountID.String(), false).
		Order("created_at DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectJob, errorCodeList, err)
	}
	return mapJobRecords(rows)
}

// CountActiveJobs counts an account's jobs in non-terminal states.
// Always a fresh query; the count is never cached.
func (store *JobStore) CountActiveJobs(ctx context.Context, accountID ledger.AccountID) (int, error) {
	var count int64
	err := store.db.WithContext(ctx).
		Model(&JobRecord{}).
		Where("account_id = ? AND deleted = ? AND status IN ?",
			accountID.String(), false,
			[]string{jobs.StatusPending.String(), jobs.StatusProcessing.String()}).
		Count(&count).Error
	if err != nil {
		return 0, wrapStoreError(errorSubjectJob, errorCodeCount, err)
	}
	return int(count), nil
}

// OldestPending returns the globally oldest pending job, if any.
func (store *JobStore) OldestPending(ctx context.Context) (jobs.Job, bool, error) {
	var row JobRecord
	err := store.db.WithContext(ctx).
		Where("status = ? AND deleted = ?", jobs.StatusPending.String(), false).
		Order("created_at ASC").
		Take(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return jobs.Job{}, false, nil
		}
		return jobs.Job{}, false, wrapStoreError(errorSubjectJob, errorCodeGet, err)
	}
	job, err := recordToJob(row)
	if err != nil {
		return jobs.Job{}, false, err
	}
	return job, true, nil
}

// UpdateJobStatus performs the conditional transition guarding every
// state change. Zero matched rows means some concurrent actor moved
// the job first.
func (store *JobStore) UpdateJobStatus(ctx context.Context, jobID jobs.JobID, from jobs.Status, to jobs.Status, update jobs.Update) error {
	assignments := map[string]interface{}{
		"status":     to.String(),
		"updated_at": time.Now().UTC(),
	}
	if update.ErrorMessage != nil {
		assignments["error_message"] = *update.ErrorMessage
	}
	if update.ArtifactPath != nil {
		assignments["artifact_path"] = *update.ArtifactPath
	}
	if update.ClearArtifact {
		assignments["artifact_path"] = ""
	}
	if update.Command != nil {
		assignments["command"] = *update.Command
	}
	if update.SetRefunded {
		assignments["refunded"] = true
	}
	if update.CompletedUnixUTC != nil {
		completedAt := time.Unix(*update.CompletedUnixUTC, 0).UTC()
		assignments["completed_at"] = &completedAt
	}
	result := store.db.WithContext(ctx).
		Model(&JobRecord{}).
		Where("job_id = ? AND status = ? AND deleted = ?", jobID.String(), from.String(), false).
		Updates(assignments)
	if result.Error != nil {
		return wrapStoreError(errorSubjectJob, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectJob, errorCodeUpdate, jobs.ErrStatusConflict)
	}
	return nil
}

// ListProcessingBefore returns processing jobs not touched since the
// cutoff, oldest first. A processing job nobody has updated for that
// long belongs to a run that died with it.
func (store *JobStore) ListProcessingBefore(ctx context.Context, cutoffUnixUTC int64, limit int) ([]jobs.Job, error) {
	cutoff := time.Unix(cutoffUnixUTC, 0).UTC()
	var rows []JobRecord
	err := store.db.WithContext(ctx).
		Where("status = ? AND deleted = ? AND updated_at < ?",
			jobs.StatusProcessing.String(), false, cutoff).
		Order("updated_at ASC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectJob, errorCodeList, err)
	}
	return mapJobRecords(rows)
}

// ListCompletedBefore returns completed jobs whose completion is older
// than the cutoff, oldest first.
func (store *JobStore) ListCompletedBefore(ctx context.Context, cutoffUnixUTC int64, limit int) ([]jobs.Job, error) {
	return store.listTerminalBefore(ctx, jobs.StatusCompleted, cutoffUnixUTC, limit)
}

// ListFailedBefore returns failed jobs whose completion is older than
// the cutoff, oldest first.
func (store *JobStore) ListFailedBefore(ctx context.Context, cutoffUnixUTC int64, limit int) ([]jobs.Job, error) {
	return store.listTerminalBefore(ctx, jobs.StatusFailed, cutoffUnixUTC, limit)
}

func (store *JobStore) listTerminalBefore(ctx context.Context, status jobs.Status, cutoffUnixUTC int64, limit int) ([]jobs.Job, error) {
	cutoff := time.Unix(cutoffUnixUTC, 0).UTC()
	var rows []JobRecord
	err := store.db.WithContext(ctx).
		Where("status = ? AND deleted = ? AND completed_at IS NOT NULL AND completed_at < ?",
			status.String(), false, cutoff).
		Order("completed_at ASC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectJob, errorCodeList, err)
	}
	return mapJobRecords(rows)
}

// MarkDeleted tombstones the record. Ledger entries referencing the
// job are untouched.
func (store *JobStore) MarkDeleted(ctx context.Context, jobID jobs.JobID) error {
	result := store.db.WithContext(ctx).
		Model(&JobRecord{}).
		Where("job_id = ? AND deleted = ?", jobID.String(), false).
		Updates(map[string]interface{}{
			"deleted":       true,
			"artifact_path": "",
			"updated_at":    time.Now().UTC(),
		})
	if result.Error != nil {
		return wrapStoreError(errorSubjectJob, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectJob, errorCodeUpdate, jobs.ErrJobNotFound)
	}
	return nil
}

func jobToRecord(job jobs.Job) (JobRecord, error) {
	descriptor, err := json.Marshal(job.Descriptor)
	if err != nil {
		return JobRecord{}, err
	}
	var completedAt *time.Time
	if job.CompletedUnixUTC != 0 {
		value := time.Unix(job.CompletedUnixUTC, 0).UTC()
		completedAt = &value
	}
	record := JobRecord{
		JobID:        job.JobID.String(),
		AccountID:    job.AccountID.String(),
		Filename:     job.Filename,
		InputPath:    job.InputPath,
		Descriptor:   datatypes.JSON(descriptor),
		CostTenths:   job.CostTenths.Int64(),
		Status:       job.Status.String(),
		ErrorMessage: job.ErrorMessage,
		ArtifactPath: job.ArtifactPath,
		Command:      job.Command,
		Refunded:     job.Refunded,
		Deleted:      job.Deleted,
		CreatedAt:    time.Unix(job.CreatedUnixUTC, 0).UTC(),
		UpdatedAt:    time.Unix(job.UpdatedUnixUTC, 0).UTC(),
		CompletedAt:  completedAt,
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}
	if record.UpdatedAt.IsZero() {
		record.UpdatedAt = record.CreatedAt
	}
	return record, nil
}

func recordToJob(row JobRecord) (jobs.Job, error) {
	jobID, err := jobs.NewJobID(row.JobID)
	if err != nil {
		return jobs.Job{}, wrapStoreError(errorSubjectJob, errorCodeInvalid, err)
	}
	accountID, err := ledger.NewAccountID(row.AccountID)
	if err != nil {
		return jobs.Job{}, wrapStoreError(errorSubjectJob, errorCodeInvalid, err)
	}
	status, err := jobs.ParseStatus(row.Status)
	if err != nil {
		return jobs.Job{}, wrapStoreError(errorSubjectJob, errorCodeInvalid, err)
	}
	var descriptor jobs.Descriptor
	if len(row.Descriptor) > 0 {
		if err := json.Unmarshal(row.Descriptor, &descriptor); err != nil {
			return jobs.Job{}, wrapStoreError(errorSubjectJob, errorCodeInvalid, err)
		}
	}
	job := jobs.Job{
		JobID:          jobID,
		AccountID:      accountID,
		Filename:       row.Filename,
		InputPath:      row.InputPath,
		Descriptor:     descriptor,
		CostTenths:     ledger.AmountTenths(row.CostTenths),
		Status:         status,
		ErrorMessage:   row.ErrorMessage,
		ArtifactPath:   row.ArtifactPath,
		Command:        row.Command,
		Refunded:       row.Refunded,
		Deleted:        row.Deleted,
		CreatedUnixUTC: row.CreatedAt.Unix(),
		UpdatedUnixUTC: row.UpdatedAt.Unix(),
	}
	if row.CompletedAt != nil {
		job.CompletedUnixUTC = row.CompletedAt.Unix()
	}
	return job, nil
}

func mapJobRecords(rows []JobRecord) ([]jobs.Job, error) {
	mapped := make([]jobs.Job, 0, len(rows))
	for _, row := range rows {
		job, err := recordToJob(row)
		if err != nil {
			return nil, err
		}
		mapped = append(mapped, job)
	}
	return mapped, nil
}
