package jobs

import (
	"context"
	"errors"
	"fmt"

	"github.com/muxminus/stemd/pkg/ledger"
)

// Service owns job admission and the job state machine over a Store.
// All money movement goes through the ledger service inside the same
// store transaction as the job write.
type Service struct {
	store           Store
	ledgerService   *ledger.Service
	nowFn           func() int64
	perAccountLimit int
}

// ServiceOption configures a Service instance.
type ServiceOption func(*Service)

// WithPerAccountLimit overrides the cap on jobs in {pending, processing}
// a single account may hold.
func WithPerAccountLimit(limit int) ServiceOption {
	return func(service *Service) {
		if limit > 0 {
			service.perAccountLimit = limit
		}
	}
}

// NewService wires a Service.
func NewService(store Store, ledgerService *ledger.Service, now func() int64, options ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if ledgerService == nil {
		return nil, fmt.Errorf("%w: ledger dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	service := &Service{
		store:           store,
		ledgerService:   ledgerService,
		nowFn:           now,
		perAccountLimit: DefaultPerAccountLimit,
	}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	return service, nil
}

// Submit admits a new job: per-account cap first (cheapest check),
// then the debit, then the insert. Debit and insert are one atomic
// unit; global worker capacity is deliberately not consulted here so
// affordable jobs queue instead of bouncing under load.
func (service *Service) Submit(ctx context.Context, accountID ledger.AccountID, filename string, inputPath string, descriptor Descriptor) (Job, error) {
	if filename == "" {
		return Job{}, fmt.Errorf("%w: empty filename", ErrInvalidFilename)
	}
	jobID := GenerateJobID()
	var created Job
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		account, err := transactionStore.Ledger().EnsureAccount(ctx, accountID)
		if err != nil {
			return err
		}
		if !account.Active {
			return ErrAccountInactive
		}
		// Concurrent submissions from one account queue on the row
		// lock, so the cap count and the debit below cannot both be
		// read before either commits.
		if err := transactionStore.Ledger().LockAccount(ctx, accountID); err != nil {
			return err
		}
		activeCount, err := transactionStore.CountActiveJobs(ctx, accountID)
		if err != nil {
			return err
		}
		if activeCount >= service.perAccountLimit {
			return ErrPerAccountLimitExceeded
		}
		cost := descriptor.Cost()
		chargeKey, err := ledger.ChargeKeyFor(jobID.String())
		if err != nil {
			return err
		}
		if _, err := service.ledgerService.ApplyIn(ctx, transactionStore.Ledger(), accountID, cost.Negated(), ledger.CategoryCharge, jobID.String(), "", chargeKey); err != nil {
			if errors.Is(err, ledger.ErrInsufficientFunds) {
				return ErrInsufficientCredit
			}
			return err
		}
		nowUnixUTC := service.nowFn()
		job := Job{
			JobID:          jobID,
			AccountID:      accountID,
			Filename:       filename,
			InputPath:      inputPath,
			Descriptor:     descriptor,
			CostTenths:     cost,
			Status:         StatusPending,
			CreatedUnixUTC: nowUnixUTC,
			UpdatedUnixUTC: nowUnixUTC,
		}
		if err := transactionStore.InsertJob(ctx, job); err != nil {
			return err
		}
		created = job
		return nil
	})
	return created, operationError
}

// Get returns a job record by id.
func (service *Service) Get(ctx context.Context, jobID JobID) (Job, error) {
	return service.store.GetJob(ctx, jobID)
}

// GetOwned returns a job only when it belongs to the account.
func (service *Service) GetOwned(ctx context.Context, accountID ledger.AccountID, jobID JobID) (Job, error) {
	job, err := service.store.GetJob(ctx, jobID)
	if err != nil {
		return Job{}, err
	}
	if job.AccountID != accountID {
		return Job{}, ErrNotJobOwner
	}
	return job, nil
}

// List returns the account's most recent jobs, newest first.
func (service *Service) List(ctx context.Context, accountID ledger.AccountID, limit int) ([]Job, error) {
	if limit <= 0 || limit > DefaultListLimit {
		limit = DefaultListLimit
	}
	return service.store.ListJobs(ctx, accountID, limit)
}

// Cancel moves an owned job from pending to cancelled and refunds its
// charge. A job already claimed by the dispatcher loses the race via
// the conditional transition and reports ErrNotCancellable.
func (service *Service) Cancel(ctx context.Context, accountID ledger.AccountID, jobID JobID) error {
	return service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		job, err := transactionStore.GetJob(ctx, jobID)
		if err != nil {
			return err
		}
		if job.AccountID != accountID {
			return ErrNotJobOwner
		}
		if err := transactionStore.UpdateJobStatus(ctx, jobID, StatusPending, StatusCancelled, Update{SetRefunded: true}); err != nil {
			if errors.Is(err, ErrStatusConflict) {
				return ErrNotCancellable
			}
			return err
		}
		return service.refundIn(ctx, transactionStore, job)
	})
}

// refundIn appends the compensating refund unless the job already
// carries one. The derived ledger idempotency key backstops the flag.
func (service *Service) refundIn(ctx context.Context, transactionStore Store, job Job) error {
	if job.Refunded {
		return nil
	}
	amount, err := ledger.NewPositiveAmountTenths(job.CostTenths.Int64())
	if err != nil {
		return err
	}
	if _, err := service.ledgerService.RefundIn(ctx, transactionStore.Ledger(), job.AccountID, amount, job.JobID.String()); err != nil {
		if errors.Is(err, ledger.ErrDuplicateIdempotencyKey) {
			return nil
		}
		return err
	}
	return nil
}
