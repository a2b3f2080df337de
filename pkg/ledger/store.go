package ledger

import "context"

// Store is the persistence contract used by Service. Implementations
// must make WithTx transactional: every read inside the closure sees a
// consistent snapshot and all writes commit or roll back together.
//
// LockAccount must hold an exclusive lock on the account row until the
// surrounding transaction ends. The balance floor check is
// read-then-insert, so without the lock two concurrent debits could
// both read the same sum and race the balance past zero.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error
	EnsureAccount(ctx context.Context, accountID AccountID) (Account, error)
	LockAccount(ctx context.Context, accountID AccountID) error
	GetAccount(ctx context.Context, accountID AccountID) (Account, error)
	SetAccountActive(ctx context.Context, accountID AccountID, active bool) error
	InsertEntry(ctx context.Context, entry Entry) error
	SumEntries(ctx context.Context, accountID AccountID) (AmountTenths, error)
	ListEntries(ctx context.Context, accountID AccountID, beforeUnixUTC int64, limit int) ([]Entry, error)
}
