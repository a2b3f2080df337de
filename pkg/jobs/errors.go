package jobs

import "errors"

// Domain-level error values returned by the job service.
var (
	// ErrInsufficientCredit rejects admission when the balance cannot
	// cover the job cost. User-correctable.
	ErrInsufficientCredit = errors.New("insufficient credit")
	// ErrPerAccountLimitExceeded rejects admission when the account
	// already has the maximum number of queued or running jobs.
	ErrPerAccountLimitExceeded = errors.New("per-account job limit exceeded")
	// ErrAccountInactive rejects admission for disabled accounts.
	ErrAccountInactive = errors.New("account inactive")

	// ErrStatusConflict reports that a conditional transition found the
	// job in a different state than expected. The caller's action is a
	// no-op; some concurrent actor won the race.
	ErrStatusConflict = errors.New("job status conflict")

	ErrJobNotFound          = errors.New("job not found")
	ErrNotJobOwner          = errors.New("job belongs to another account")
	ErrNotCancellable       = errors.New("job is no longer cancellable")
	ErrNotDeletable         = errors.New("job is not in a deletable state")
	ErrInvalidJobID         = errors.New("invalid job id")
	ErrInvalidStatus        = errors.New("invalid job status")
	ErrInvalidFilename      = errors.New("invalid filename")
	ErrInvalidDescriptor    = errors.New("invalid descriptor")
	ErrInvalidTransition    = errors.New("invalid status transition")
	ErrInvalidServiceConfig = errors.New("invalid service config")
)
