package gormstore

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/muxminus/stemd/pkg/ledger"
)

// LedgerStore implements ledger.Store using GORM.
type LedgerStore struct {
	db *gorm.DB
}

var _ ledger.Store = (*LedgerStore)(nil)

// WithTx executes fn within a transaction.
func (store *LedgerStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore ledger.Store) error) error {
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &LedgerStore{db: transaction})
	})
}

// EnsureAccount returns the account row, creating it active on first use.
func (store *LedgerStore) EnsureAccount(ctx context.Context, accountID ledger.AccountID) (ledger.Account, error) {
	var account Account
	err := store.db.WithContext(ctx).
		Where(Account{AccountID: accountID.String()}).
		Attrs(Account{Active: true, CreatedAt: time.Now().UTC()}).
		FirstOrCreate(&account).Error
	if err != nil {
		return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeLookup, err)
	}
	return mapAccount(account)
}

// LockAccount takes a row lock on the account for the rest of the
// surrounding transaction. Postgres runs transactions at READ
// COMMITTED, so debits on an account must queue here before reading
// the balance sum. The sqlite driver drops the locking clause; its
// single writer serializes transactions anyway.
func (store *LedgerStore) LockAccount(ctx context.Context, accountID ledger.AccountID) error {
	var account Account
	err := store.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("account_id = ?", accountID.String()).
		Take(&account).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return wrapStoreError(errorSubjectAccount, errorCodeLock, ledger.ErrUnknownAccount)
		}
		return wrapStoreError(errorSubjectAccount, errorCodeLock, err)
	}
	return nil
}

// GetAccount returns the account row without creating it.
func (store *LedgerStore) GetAccount(ctx context.Context, accountID ledger.AccountID) (ledger.Account, error) {
	var account Account
	err := store.db.WithContext(ctx).
		Where("account_id = ?", accountID.String()).
		Take(&account).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeGet, ledger.ErrUnknownAccount)
		}
		return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeGet, err)
	}
	return mapAccount(account)
}

// SetAccountActive flips the active flag.
func (store *LedgerStore) SetAccountActive(ctx context.Context, accountID ledger.AccountID, active bool) error {
	result := store.db.WithContext(ctx).
		Model(&Account{}).
		Where("account_id = ?", accountID.String()).
		Update("active", active)
	if result.Error != nil {
		return wrapStoreError(errorSubjectAccount, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectAccount, errorCodeUpdate, ledger.ErrUnknownAccount)
	}
	return nil
}

// InsertEntry appends an immutable ledger line.
func (store *LedgerStore) InsertEntry(ctx context.Context, entry ledger.Entry) error {
	row := LedgerEntry{
		EntryID:            entry.EntryID,
		AccountID:          entry.AccountID.String(),
		Category:           entry.Category.String(),
		AmountTenths:       entry.AmountTenths.Int64(),
		BalanceAfterTenths: entry.BalanceAfterTenths.Int64(),
		Reference:          entry.Reference,
		Reason:             entry.Reason,
		IdempotencyKey:     entry.IdempotencyKey.String(),
		CreatedAt:          time.Unix(entry.CreatedUnixUTC, 0).UTC(),
	}
	if row.CreatedAt.IsZero() {
		row.CreatedAt = time.Now().UTC()
	}
	err := store.db.WithContext(ctx).Create(&row).Error
	if isIdempotencyConflict(err) {
		return wrapStoreError(errorSubjectEntry, errorCodeDuplicate, ledger.ErrDuplicateIdempotencyKey)
	}
	if err != nil {
		return wrapStoreError(errorSubjectEntry, errorCodeInsert, err)
	}
	return nil
}

// SumEntries returns the account balance as the sum of all entries.
func (store *LedgerStore) SumEntries(ctx context.Context, accountID ledger.AccountID) (ledger.AmountTenths, error) {
	var sum sqlSum
	err := store.db.WithContext(ctx).
		Model(&LedgerEntry{}).
		Select("coalesce(sum(amount_tenths),0) as total").
		Where("account_id = ?", accountID.String()).
		Scan(&sum).Error
	if err != nil {
		return 0, wrapStoreError(errorSubjectBalance, errorCodeSum, err)
	}
	return ledger.AmountTenths(sum.Total), nil
}

// ListEntries returns entries before a cutoff, newest first.
func (store *LedgerStore) ListEntries(ctx context.Context, accountID ledger.AccountID, beforeUnixUTC int64, limit int) ([]ledger.Entry, error) {
	before := time.Unix(beforeUnixUTC, 0).UTC()
	if beforeUnixUTC == 0 {
		before = time.Now().UTC().Add(time.Second)
	}

	var rows []LedgerEntry
	err := store.db.WithContext(ctx).
		Where("account_id = ? AND created_at < ?", accountID.String(), before).
		Order("created_at DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectEntry, errorCodeList, err)
	}

	entries := make([]ledger.Entry, 0, len(rows))
	for _, row := range rows {
		entry, err := mapLedgerEntry(row)
		if err != nil {
			return nil, wrapStoreError(errorSubjectEntry, errorCodeInvalid, err)
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func mapAccount(row Account) (ledger.Account, error) {
	accountID, err := ledger.NewAccountID(row.AccountID)
	if err != nil {
		return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeInvalid, err)
	}
	return ledger.Account{
		AccountID:      accountID,
		Active:         row.Active,
		CreatedUnixUTC: row.CreatedAt.Unix(),
	}, nil
}

func mapLedgerEntry(row LedgerEntry) (ledger.Entry, error) {
	accountID, err := ledger.NewAccountID(row.AccountID)
	if err != nil {
		return ledger.Entry{}, err
	}
	category, err := ledger.ParseCategory(row.Category)
	if err != nil {
		return ledger.Entry{}, err
	}
	idempotencyKey, err := ledger.NewIdempotencyKey(row.IdempotencyKey)
	if err != nil {
		return ledger.Entry{}, err
	}
	return ledger.Entry{
		EntryID:            row.EntryID,
		AccountID:          accountID,
		Category:           category,
		AmountTenths:       ledger.AmountTenths(row.AmountTenths),
		BalanceAfterTenths: ledger.AmountTenths(row.BalanceAfterTenths),
		Reference:          row.Reference,
		Reason:             row.Reason,
		IdempotencyKey:     idempotencyKey,
		CreatedUnixUTC:     row.CreatedAt.Unix(),
	}, nil
}
