package ledger

import (
	"context"
	"fmt"
)

// Service contains the money-movement logic over a Store. Every debit
// verifies the resulting balance inside the same transaction that
// commits the entry, so concurrent debits on one account cannot race
// past zero.
type Service struct {
	store  Store
	nowFn  func() int64
	logger OperationLogger
}

// NewService wires a Service.
func NewService(store Store, now func() int64, options ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	service := &Service{store: store, nowFn: now}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	return service, nil
}

// Balance returns the account balance derived from its entries.
func (service *Service) Balance(ctx context.Context, accountID AccountID) (Balance, error) {
	if _, err := service.store.EnsureAccount(ctx, accountID); err != nil {
		return Balance{}, err
	}
	total, err := service.store.SumEntries(ctx, accountID)
	if err != nil {
		return Balance{}, err
	}
	return Balance{TotalTenths: total}, nil
}

// History lists ledger entries for an account before a cutoff time,
// newest first.
func (service *Service) History(ctx context.Context, accountID AccountID, beforeUnixUTC int64, limit int) ([]Entry, error) {
	if _, err := service.store.EnsureAccount(ctx, accountID); err != nil {
		return nil, err
	}
	return service.store.ListEntries(ctx, accountID, beforeUnixUTC, limit)
}

// Apply appends a signed entry in its own transaction. Debits fail
// with ErrInsufficientFunds when they would drive the balance negative.
func (service *Service) Apply(ctx context.Context, accountID AccountID, amount AmountTenths, category Category, reference string, idempotencyKey IdempotencyKey) (Entry, error) {
	var applied Entry
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		entry, err := service.ApplyIn(ctx, transactionStore, accountID, amount, category, reference, "", idempotencyKey)
		if err != nil {
			return err
		}
		applied = entry
		return nil
	})
	service.logOperation(ctx, OperationLog{
		Operation: operationApply,
		AccountID: accountID,
		Amount:    amount,
		Category:  category,
		Reference: reference,
		Error:     operationError,
	})
	return applied, operationError
}

// ApplyIn appends a signed entry inside a caller-provided transaction
// store. Callers that pair a debit with other writes (job admission,
// failure refunds) use this to make both commit or neither. Charges
// and purchases on a deactivated account are refused; refunds and
// admin adjustments still land.
func (service *Service) ApplyIn(ctx context.Context, transactionStore Store, accountID AccountID, amount AmountTenths, category Category, reference string, reason string, idempotencyKey IdempotencyKey) (Entry, error) {
	if amount == 0 {
		return Entry{}, fmt.Errorf("%w: zero amount", ErrInvalidAmountTenths)
	}
	if category == CategoryAdmin && reason == "" {
		return Entry{}, fmt.Errorf("%w: admin adjustments require a reason", ErrInvalidReason)
	}
	account, err := transactionStore.EnsureAccount(ctx, accountID)
	if err != nil {
		return Entry{}, err
	}
	if !account.Active && (category == CategoryCharge || category == CategoryPurchase) {
		return Entry{}, ErrAccountInactive
	}
	// All movements on an account queue behind its row lock, so the
	// floor check below reads a settled sum.
	if err := transactionStore.LockAccount(ctx, accountID); err != nil {
		return Entry{}, err
	}
	total, err := transactionStore.SumEntries(ctx, accountID)
	if err != nil {
		return Entry{}, err
	}
	resulting := total + amount
	if amount < 0 && resulting < 0 && category != CategoryAdmin {
		return Entry{}, ErrInsufficientFunds
	}
	entry := Entry{
		AccountID:          accountID,
		Category:           category,
		AmountTenths:       amount,
		BalanceAfterTenths: resulting,
		Reference:          reference,
		Reason:             reason,
		IdempotencyKey:     idempotencyKey,
		CreatedUnixUTC:     service.nowFn(),
	}
	if err := transactionStore.InsertEntry(ctx, entry); err != nil {
		return Entry{}, err
	}
	return entry, nil
}

// RefundIn appends a compensating refund entry for a job reference
// inside a caller-provided transaction store. The derived idempotency
// key makes a second refund for the same reference surface as
// ErrDuplicateIdempotencyKey instead of a double credit.
func (service *Service) RefundIn(ctx context.Context, transactionStore Store, accountID AccountID, amount PositiveAmountTenths, reference string) (Entry, error) {
	refundKey, err := RefundKeyFor(reference)
	if err != nil {
		return Entry{}, err
	}
	entry, operationError := service.ApplyIn(ctx, transactionStore, accountID, amount.ToAmountTenths(), CategoryRefund, reference, "", refundKey)
	service.logOperation(ctx, OperationLog{
		Operation: operationRefund,
		AccountID: accountID,
		Amount:    amount.ToAmountTenths(),
		Category:  CategoryRefund,
		Reference: reference,
		Error:     operationError,
	})
	return entry, operationError
}

func (service *Service) logOperation(ctx context.Context, entry OperationLog) {
	if service.logger == nil {
		return
	}
	if entry.Status == "" {
		if entry.Error != nil {
			entry.Status = operationStatusError
		} else {
			entry.Status = operationStatusOK
		}
	}
	service.logger.LogOperation(ctx, entry)
}

// ChargeKeyFor derives the idempotency key for the charge entry of a
// job reference.
func ChargeKeyFor(reference string) (IdempotencyKey, error) {
	return deriveIdempotencyKey(reference, idempotencySuffixCharge)
}

// RefundKeyFor derives the idempotency key for the refund entry of a
// job reference. At most one refund per reference can ever commit.
func RefundKeyFor(reference string) (IdempotencyKey, error) {
	return deriveIdempotencyKey(reference, idempotencySuffixRefund)
}

func deriveIdempotencyKey(reference string, suffix string) (IdempotencyKey, error) {
	if reference == "" {
		return IdempotencyKey{}, fmt.Errorf("%w: empty reference", ErrInvalidReference)
	}
	return NewIdempotencyKey(reference + idempotencyKeyDelimiter + suffix)
}
