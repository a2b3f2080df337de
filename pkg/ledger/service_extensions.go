package ledger

import "context"

// Purchase credits an account after an externally confirmed payment.
// The payment id doubles as the idempotency scope so a replayed
// confirmation cannot grant twice.
func (service *Service) Purchase(requestContext context.Context, accountID AccountID, amount PositiveAmountTenths, paymentID string) (Entry, error) {
	var applied Entry
	operationError := service.store.WithTx(requestContext, func(ctx context.Context, transactionStore Store) error {
		idempotencyKey, err := deriveIdempotencyKey(paymentID, CategoryPurchase.String())
		if err != nil {
			return err
		}
		entry, err := service.ApplyIn(ctx, transactionStore, accountID, amount.ToAmountTenths(), CategoryPurchase, paymentID, "", idempotencyKey)
		if err != nil {
			return err
		}
		applied = entry
		return nil
	})
	service.logOperation(requestContext, OperationLog{
		Operation: operationPurchase,
		AccountID: accountID,
		Amount:    amount.ToAmountTenths(),
		Category:  CategoryPurchase,
		Reference: paymentID,
		Error:     operationError,
	})
	return applied, operationError
}

// Adjust appends a free-form signed admin entry. A human-readable
// reason is mandatory. Admin debits are exempt from the zero floor;
// only system-initiated debits must never drive a balance negative.
func (service *Service) Adjust(requestContext context.Context, accountID AccountID, amount AmountTenths, reason string, idempotencyKey IdempotencyKey) (Entry, error) {
	var applied Entry
	operationError := service.store.WithTx(requestContext, func(ctx context.Context, transactionStore Store) error {
		entry, err := service.ApplyIn(ctx, transactionStore, accountID, amount, CategoryAdmin, "", reason, idempotencyKey)
		if err != nil {
			return err
		}
		applied = entry
		return nil
	})
	service.logOperation(requestContext, OperationLog{
		Operation: operationAdjust,
		AccountID: accountID,
		Amount:    amount,
		Category:  CategoryAdmin,
		Error:     operationError,
	})
	return applied, operationError
}

// ToggleAccountActive flips the account active flag. Inactive accounts
// are refused at admission; existing ledger history is untouched.
func (service *Service) ToggleAccountActive(ctx context.Context, accountID AccountID, active bool) error {
	if _, err := service.store.EnsureAccount(ctx, accountID); err != nil {
		return err
	}
	return service.store.SetAccountActive(ctx, accountID, active)
}

// GetAccount returns the stored account record.
func (service *Service) GetAccount(ctx context.Context, accountID AccountID) (Account, error) {
	return service.store.EnsureAccount(ctx, accountID)
}
