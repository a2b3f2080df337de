package gormstore

import (
	"errors"

	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"

	"github.com/muxminus/stemd/pkg/ledger"
)

const (
	constraintLedgerAccountIdem = "uniq_ledger_account_idem"
	pgUniqueViolationCode       = "23505"
	sqliteConstraintCode        = 19

	errorOperationStore = "store"
	errorSubjectAccount = "account"
	errorSubjectBalance = "balance"
	errorSubjectEntry   = "entry"
	errorSubjectJob     = "job"
	errorCodeCount      = "count"
	errorCodeDuplicate  = "duplicate"
	errorCodeGet        = "get"
	errorCodeInsert     = "insert"
	errorCodeInvalid    = "invalid"
	errorCodeList       = "list"
	errorCodeLock       = "lock"
	errorCodeLookup     = "lookup"
	errorCodeSum        = "sum"
	errorCodeUpdate     = "update"
)

// Store bundles the ledger and jobs store implementations over one
// gorm connection. Facades returned by Ledger and Jobs share the
// connection, so a WithTx on either spans writes done through both.
type Store struct {
	db *gorm.DB
}

// New returns a Store backed by gorm.DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Ledger returns the ledger.Store facade.
func (store *Store) Ledger() *LedgerStore {
	return &LedgerStore{db: store.db}
}

// Jobs returns the jobs.Store facade.
func (store *Store) Jobs() *JobStore {
	return &JobStore{db: store.db}
}

// Migrate creates or updates the schema.
func (store *Store) Migrate() error {
	return store.db.AutoMigrate(Models()...)
}

func wrapStoreError(subject string, code string, err error) error {
	return ledger.WrapError(errorOperationStore, subject, code, err)
}

type sqlSum struct {
	Total int64
}

func isIdempotencyConflict(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode && pgErr.ConstraintName == constraintLedgerAccountIdem
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xFF == sqliteConstraintCode
	}
	return false
}
