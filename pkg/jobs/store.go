package jobs

import (
	"context"

	"github.com/muxminus/stemd/pkg/ledger"
)

// Update carries the optional field mutations applied together with a
// status transition. Nil pointers leave the field untouched.
type Update struct {
	ErrorMessage     *string
	ArtifactPath     *string
	ClearArtifact    bool
	Command          *string
	SetRefunded      bool
	CompletedUnixUTC *int64
}

// Store is the persistence contract used by Service. Ledger() exposes
// the ledger store bound to the same connection, so that inside WithTx
// a debit and a job write commit or roll back together.
//
// UpdateJobStatus must be conditional on the expected current status
// and return ErrStatusConflict when zero rows match; that conditional
// write is the only concurrency guard the state machine relies on.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error
	Ledger() ledger.Store
	InsertJob(ctx context.Context, job Job) error
	GetJob(ctx context.Context, jobID JobID) (Job, error)
	ListJobs(ctx context.Context, accountID ledger.AccountID, limit int) ([]Job, error)
	CountActiveJobs(ctx context.Context, accountID ledger.AccountID) (int, error)
	OldestPending(ctx context.Context) (Job, bool, error)
	UpdateJobStatus(ctx context.Context, jobID JobID, from Status, to Status, update Update) error
	ListProcessingBefore(ctx context.Context, cutoffUnixUTC int64, limit int) ([]Job, error)
	ListCompletedBefore(ctx context.Context, cutoffUnixUTC int64, limit int) ([]Job, error)
	ListFailedBefore(ctx context.Context, cutoffUnixUTC int64, limit int) ([]Job, error)
	MarkDeleted(ctx context.Context, jobID JobID) error
}
