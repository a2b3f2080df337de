package gormstore_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/muxminus/stemd/internal/store/gormstore"
	"github.com/muxminus/stemd/pkg/jobs"
	"github.com/muxminus/stemd/pkg/ledger"
)

func newTestStore(test *testing.T) *gormstore.Store {
	test.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormlogger.Discard,
	})
	if err != nil {
		test.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		test.Fatalf("unwrap sql.DB: %v", err)
	}
	// A pooled :memory: connection gets its own empty database, so
	// the schema must stay on a single connection.
	sqlDB.SetMaxOpenConns(1)
	store := gormstore.New(db)
	if err := store.Migrate(); err != nil {
		test.Fatalf("migrate: %v", err)
	}
	return store
}

func mustAccountID(test *testing.T, raw string) ledger.AccountID {
	test.Helper()
	accountID, err := ledger.NewAccountID(raw)
	if err != nil {
		test.Fatalf("account id %q: %v", raw, err)
	}
	return accountID
}

func mustIdempotencyKey(test *testing.T, raw string) ledger.IdempotencyKey {
	test.Helper()
	key, err := ledger.NewIdempotencyKey(raw)
	if err != nil {
		test.Fatalf("idempotency key %q: %v", raw, err)
	}
	return key
}

func mustDescriptor(test *testing.T) jobs.Descriptor {
	test.Helper()
	descriptor, err := jobs.NewDescriptor(jobs.OperationSeparation, "htdemucs", "", "mp3")
	if err != nil {
		test.Fatalf("descriptor: %v", err)
	}
	return descriptor
}

func insertTestEntry(test *testing.T, store ledger.Store, accountID ledger.AccountID, amount int64, key string, createdUnixUTC int64) {
	test.Helper()
	err := store.InsertEntry(context.Background(), ledger.Entry{
		AccountID:          accountID,
		Category:           ledger.CategoryPurchase,
		AmountTenths:       ledger.AmountTenths(amount),
		BalanceAfterTenths: ledger.AmountTenths(amount),
		IdempotencyKey:     mustIdempotencyKey(test, key),
		CreatedUnixUTC:     createdUnixUTC,
	})
	if err != nil {
		test.Fatalf("insert entry %q: %v", key, err)
	}
}

func insertTestJob(test *testing.T, store jobs.Store, accountID ledger.AccountID, status jobs.Status, createdUnixUTC int64) jobs.JobID {
	test.Helper()
	jobID := jobs.GenerateJobID()
	err := store.InsertJob(context.Background(), jobs.Job{
		JobID:          jobID,
		AccountID:      accountID,
		Filename:       "track.wav",
		InputPath:      "/data/uploads/" + jobID.String() + ".wav",
		Descriptor:     mustDescriptor(test),
		CostTenths:     10,
		Status:         status,
		CreatedUnixUTC: createdUnixUTC,
		UpdatedUnixUTC: createdUnixUTC,
	})
	if err != nil {
		test.Fatalf("insert job: %v", err)
	}
	return jobID
}

func TestEnsureAccountCreatesActiveOnce(test *testing.T) {
	test.Parallel()

	store := newTestStore(test).Ledger()
	accountID := mustAccountID(test, "alice")

	first, err := store.EnsureAccount(context.Background(), accountID)
	if err != nil {
		test.Fatalf("ensure: %v", err)
	}
	if !first.Active {
		test.Fatal("expected new account to be active")
	}

	if err := store.SetAccountActive(context.Background(), accountID, false); err != nil {
		test.Fatalf("deactivate: %v", err)
	}
	second, err := store.EnsureAccount(context.Background(), accountID)
	if err != nil {
		test.Fatalf("re-ensure: %v", err)
	}
	if second.Active {
		test.Fatal("expected ensure to keep the existing row, not reactivate it")
	}
}

func TestGetAccountUnknown(test *testing.T) {
	test.Parallel()

	store := newTestStore(test).Ledger()
	_, err := store.GetAccount(context.Background(), mustAccountID(test, "ghost"))
	if !errors.Is(err, ledger.ErrUnknownAccount) {
		test.Fatalf("expected ErrUnknownAccount, got %v", err)
	}

	err = store.SetAccountActive(context.Background(), mustAccountID(test, "ghost"), true)
	if !errors.Is(err, ledger.ErrUnknownAccount) {
		test.Fatalf("expected ErrUnknownAccount from update, got %v", err)
	}
}

func TestInsertEntryDuplicateIdempotencyKey(test *testing.T) {
	test.Parallel()

	store := newTestStore(test).Ledger()
	accountID := mustAccountID(test, "alice")
	if _, err := store.EnsureAccount(context.Background(), accountID); err != nil {
		test.Fatalf("ensure: %v", err)
	}

	now := time.Now().Unix()
	insertTestEntry(test, store, accountID, 50, "purchase:p-1", now)

	err := store.InsertEntry(context.Background(), ledger.Entry{
		AccountID:          accountID,
		Category:           ledger.CategoryPurchase,
		AmountTenths:       50,
		BalanceAfterTenths: 100,
		IdempotencyKey:     mustIdempotencyKey(test, "purchase:p-1"),
		CreatedUnixUTC:     now,
	})
	if !errors.Is(err, ledger.ErrDuplicateIdempotencyKey) {
		test.Fatalf("expected ErrDuplicateIdempotencyKey, got %v", err)
	}

	sum, err := store.SumEntries(context.Background(), accountID)
	if err != nil {
		test.Fatalf("sum: %v", err)
	}
	if sum != 50 {
		test.Fatalf("expected balance 50 after rejected replay, got %d", sum)
	}
}

func TestSameIdempotencyKeyDifferentAccounts(test *testing.T) {
	test.Parallel()

	store := newTestStore(test).Ledger()
	alice := mustAccountID(test, "alice")
	bob := mustAccountID(test, "bob")
	now := time.Now().Unix()

	insertTestEntry(test, store, alice, 50, "purchase:p-1", now)
	insertTestEntry(test, store, bob, 50, "purchase:p-1", now)
}

func TestSumEntriesEmptyAccount(test *testing.T) {
	test.Parallel()

	store := newTestStore(test).Ledger()
	sum, err := store.SumEntries(context.Background(), mustAccountID(test, "alice"))
	if err != nil {
		test.Fatalf("sum: %v", err)
	}
	if sum != 0 {
		test.Fatalf("expected zero balance for empty account, got %d", sum)
	}
}

func TestConcurrentDebitsNeverOverdraw(test *testing.T) {
	test.Parallel()

	store := newTestStore(test)
	service, err := ledger.NewService(store.Ledger(), func() int64 { return time.Now().Unix() })
	if err != nil {
		test.Fatalf("ledger service: %v", err)
	}
	accountID := mustAccountID(test, "alice")
	if _, err := service.Apply(context.Background(), accountID, 100, ledger.CategoryPurchase, "seed", mustIdempotencyKey(test, "seed:purchase")); err != nil {
		test.Fatalf("seed: %v", err)
	}

	// Twice as many debits as the balance affords; the account row
	// lock must let exactly ten of them through.
	const debits = 20
	keys := make([]ledger.IdempotencyKey, debits)
	for index := range keys {
		keys[index] = mustIdempotencyKey(test, fmt.Sprintf("job-%d:charge", index))
	}

	var wg sync.WaitGroup
	var successes atomic.Int64
	unexpected := make(chan error, debits)
	for index := 0; index < debits; index++ {
		wg.Add(1)
		go func(index int) {
			defer wg.Done()
			_, err := service.Apply(context.Background(), accountID, -10, ledger.CategoryCharge, fmt.Sprintf("job-%d", index), keys[index])
			if err == nil {
				successes.Add(1)
				return
			}
			if !errors.Is(err, ledger.ErrInsufficientFunds) {
				unexpected <- err
			}
		}(index)
	}
	wg.Wait()
	close(unexpected)
	for err := range unexpected {
		test.Fatalf("unexpected debit error: %v", err)
	}

	if got := successes.Load(); got != 10 {
		test.Fatalf("expected exactly 10 debits to land, got %d", got)
	}
	sum, err := store.Ledger().SumEntries(context.Background(), accountID)
	if err != nil {
		test.Fatalf("sum: %v", err)
	}
	if sum != 0 {
		test.Fatalf("expected balance drained to exactly zero, got %d", sum)
	}
}

func TestListEntriesNewestFirst(test *testing.T) {
	test.Parallel()

	store := newTestStore(test).Ledger()
	accountID := mustAccountID(test, "alice")
	base := time.Now().Add(-time.Hour).Unix()
	insertTestEntry(test, store, accountID, 10, "k-1", base)
	insertTestEntry(test, store, accountID, 20, "k-2", base+60)
	insertTestEntry(test, store, accountID, 30, "k-3", base+120)

	entries, err := store.ListEntries(context.Background(), accountID, 0, 2)
	if err != nil {
		test.Fatalf("list: %v", err)
	}
	if len(entries) != 2 {
		test.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].AmountTenths != 30 || entries[1].AmountTenths != 20 {
		test.Fatalf("expected newest first, got %d then %d", entries[0].AmountTenths, entries[1].AmountTenths)
	}

	older, err := store.ListEntries(context.Background(), accountID, base+60, 10)
	if err != nil {
		test.Fatalf("list before cutoff: %v", err)
	}
	if len(older) != 1 || older[0].AmountTenths != 10 {
		test.Fatalf("expected only the oldest entry before cutoff, got %+v", older)
	}
}

func TestJobRoundTrip(test *testing.T) {
	test.Parallel()

	store := newTestStore(test).Jobs()
	accountID := mustAccountID(test, "alice")
	jobID := insertTestJob(test, store, accountID, jobs.StatusPending, time.Now().Unix())

	job, err := store.GetJob(context.Background(), jobID)
	if err != nil {
		test.Fatalf("get: %v", err)
	}
	if job.JobID != jobID || job.AccountID != accountID {
		test.Fatalf("unexpected identity: %+v", job)
	}
	if job.Descriptor.Model != "htdemucs" || job.Descriptor.OutputFormat != "mp3" {
		test.Fatalf("descriptor did not survive persistence: %+v", job.Descriptor)
	}
	if job.Status != jobs.StatusPending {
		test.Fatalf("expected pending, got %s", job.Status)
	}
}

func TestGetJobUnknown(test *testing.T) {
	test.Parallel()

	store := newTestStore(test).Jobs()
	_, err := store.GetJob(context.Background(), jobs.GenerateJobID())
	if !errors.Is(err, jobs.ErrJobNotFound) {
		test.Fatalf("expected ErrJobNotFound, got %v", err)
	}
}

func TestUpdateJobStatusGuardsOnCurrentStatus(test *testing.T) {
	test.Parallel()

	store := newTestStore(test).Jobs()
	accountID := mustAccountID(test, "alice")
	jobID := insertTestJob(test, store, accountID, jobs.StatusPending, time.Now().Unix())

	err := store.UpdateJobStatus(context.Background(), jobID, jobs.StatusPending, jobs.StatusProcessing, jobs.Update{})
	if err != nil {
		test.Fatalf("first transition: %v", err)
	}

	err = store.UpdateJobStatus(context.Background(), jobID, jobs.StatusPending, jobs.StatusProcessing, jobs.Update{})
	if !errors.Is(err, jobs.ErrStatusConflict) {
		test.Fatalf("expected ErrStatusConflict on second claim, got %v", err)
	}

	job, err := store.GetJob(context.Background(), jobID)
	if err != nil {
		test.Fatalf("get: %v", err)
	}
	if job.Status != jobs.StatusProcessing {
		test.Fatalf("expected processing, got %s", job.Status)
	}
}

func TestUpdateJobStatusAppliesFields(test *testing.T) {
	test.Parallel()

	store := newTestStore(test).Jobs()
	accountID := mustAccountID(test, "alice")
	jobID := insertTestJob(test, store, accountID, jobs.StatusProcessing, time.Now().Unix())

	artifact := "/data/completed/" + jobID.String() + ".zip"
	command := "demucs --out /tmp/out --mp3 --mp3-bitrate 320 -n htdemucs input.wav"
	completedAt := time.Now().Unix()
	err := store.UpdateJobStatus(context.Background(), jobID, jobs.StatusProcessing, jobs.StatusCompleted, jobs.Update{
		ArtifactPath:     &artifact,
		Command:          &command,
		CompletedUnixUTC: &completedAt,
	})
	if err != nil {
		test.Fatalf("complete: %v", err)
	}

	job, err := store.GetJob(context.Background(), jobID)
	if err != nil {
		test.Fatalf("get: %v", err)
	}
	if job.ArtifactPath != artifact {
		test.Fatalf("expected artifact path persisted, got %q", job.ArtifactPath)
	}
	if job.Command != command {
		test.Fatalf("expected command persisted, got %q", job.Command)
	}
	if job.CompletedUnixUTC != completedAt {
		test.Fatalf("expected completion time %d, got %d", completedAt, job.CompletedUnixUTC)
	}

	err = store.UpdateJobStatus(context.Background(), jobID, jobs.StatusCompleted, jobs.StatusArchived, jobs.Update{ClearArtifact: true})
	if err != nil {
		test.Fatalf("archive: %v", err)
	}
	job, err = store.GetJob(context.Background(), jobID)
	if err != nil {
		test.Fatalf("get archived: %v", err)
	}
	if job.ArtifactPath != "" {
		test.Fatalf("expected artifact path cleared, got %q", job.ArtifactPath)
	}
}

func TestOldestPendingIsGlobalFIFO(test *testing.T) {
	test.Parallel()

	store := newTestStore(test).Jobs()
	base := time.Now().Add(-time.Hour).Unix()
	insertTestJob(test, store, mustAccountID(test, "bob"), jobs.StatusProcessing, base)
	second := insertTestJob(test, store, mustAccountID(test, "alice"), jobs.StatusPending, base+30)
	insertTestJob(test, store, mustAccountID(test, "bob"), jobs.StatusPending, base+60)

	job, found, err := store.OldestPending(context.Background())
	if err != nil {
		test.Fatalf("oldest pending: %v", err)
	}
	if !found {
		test.Fatal("expected a pending job")
	}
	if job.JobID != second {
		test.Fatalf("expected oldest pending %s, got %s", second, job.JobID)
	}
}

func TestOldestPendingEmpty(test *testing.T) {
	test.Parallel()

	store := newTestStore(test).Jobs()
	_, found, err := store.OldestPending(context.Background())
	if err != nil {
		test.Fatalf("oldest pending: %v", err)
	}
	if found {
		test.Fatal("expected no pending job")
	}
}

func TestCountActiveJobsIgnoresTerminal(test *testing.T) {
	test.Parallel()

	store := newTestStore(test).Jobs()
	accountID := mustAccountID(test, "alice")
	now := time.Now().Unix()
	insertTestJob(test, store, accountID, jobs.StatusPending, now)
	insertTestJob(test, store, accountID, jobs.StatusProcessing, now)
	insertTestJob(test, store, accountID, jobs.StatusCompleted, now)
	insertTestJob(test, store, accountID, jobs.StatusFailed, now)
	insertTestJob(test, store, accountID, jobs.StatusCancelled, now)
	insertTestJob(test, store, mustAccountID(test, "bob"), jobs.StatusPending, now)

	count, err := store.CountActiveJobs(context.Background(), accountID)
	if err != nil {
		test.Fatalf("count: %v", err)
	}
	if count != 2 {
		test.Fatalf("expected 2 active jobs, got %d", count)
	}
}

func TestListProcessingBeforeCutoff(test *testing.T) {
	test.Parallel()

	store := newTestStore(test).Jobs()
	accountID := mustAccountID(test, "alice")
	now := time.Now().Unix()

	stale := insertTestJob(test, store, accountID, jobs.StatusProcessing, now-3600)
	insertTestJob(test, store, accountID, jobs.StatusProcessing, now-10)
	insertTestJob(test, store, accountID, jobs.StatusPending, now-3600)

	listed, err := store.ListProcessingBefore(context.Background(), now-600, 10)
	if err != nil {
		test.Fatalf("list processing: %v", err)
	}
	if len(listed) != 1 || listed[0].JobID != stale {
		test.Fatalf("expected only the stale processing job, got %+v", listed)
	}
}

func TestListCompletedBeforeCutoff(test *testing.T) {
	test.Parallel()

	store := newTestStore(test).Jobs()
	accountID := mustAccountID(test, "alice")
	now := time.Now().Unix()

	oldJob := insertTestJob(test, store, accountID, jobs.StatusProcessing, now-7200)
	oldCompleted := now - 3600
	if err := store.UpdateJobStatus(context.Background(), oldJob, jobs.StatusProcessing, jobs.StatusCompleted, jobs.Update{CompletedUnixUTC: &oldCompleted}); err != nil {
		test.Fatalf("complete old: %v", err)
	}

	freshJob := insertTestJob(test, store, accountID, jobs.StatusProcessing, now-60)
	freshCompleted := now - 30
	if err := store.UpdateJobStatus(context.Background(), freshJob, jobs.StatusProcessing, jobs.StatusCompleted, jobs.Update{CompletedUnixUTC: &freshCompleted}); err != nil {
		test.Fatalf("complete fresh: %v", err)
	}

	expired, err := store.ListCompletedBefore(context.Background(), now-600, 10)
	if err != nil {
		test.Fatalf("list completed: %v", err)
	}
	if len(expired) != 1 || expired[0].JobID != oldJob {
		test.Fatalf("expected only the old completed job, got %+v", expired)
	}
}

func TestMarkDeletedTombstonesJobButKeepsLedger(test *testing.T) {
	test.Parallel()

	root := newTestStore(test)
	jobStore := root.Jobs()
	ledgerStore := root.Ledger()
	accountID := mustAccountID(test, "alice")
	now := time.Now().Unix()

	jobID := insertTestJob(test, jobStore, accountID, jobs.StatusCancelled, now)
	insertTestEntry(test, ledgerStore, accountID, -10, jobID.String()+":charge", now)

	if err := jobStore.MarkDeleted(context.Background(), jobID); err != nil {
		test.Fatalf("mark deleted: %v", err)
	}

	_, err := jobStore.GetJob(context.Background(), jobID)
	if !errors.Is(err, jobs.ErrJobNotFound) {
		test.Fatalf("expected tombstoned job invisible, got %v", err)
	}

	listed, err := jobStore.ListJobs(context.Background(), accountID, 10)
	if err != nil {
		test.Fatalf("list: %v", err)
	}
	if len(listed) != 0 {
		test.Fatalf("expected deleted job excluded from listing, got %d", len(listed))
	}

	sum, err := ledgerStore.SumEntries(context.Background(), accountID)
	if err != nil {
		test.Fatalf("sum: %v", err)
	}
	if sum != -10 {
		test.Fatalf("expected ledger entries to survive deletion, got %d", sum)
	}

	err = jobStore.MarkDeleted(context.Background(), jobID)
	if !errors.Is(err, jobs.ErrJobNotFound) {
		test.Fatalf("expected second delete to miss, got %v", err)
	}
}

func TestWithTxRollsBackAcrossFacades(test *testing.T) {
	test.Parallel()

	store := newTestStore(test).Jobs()
	accountID := mustAccountID(test, "alice")
	now := time.Now().Unix()
	failure := errors.New("abort")

	err := store.WithTx(context.Background(), func(ctx context.Context, txStore jobs.Store) error {
		insertTestEntry(test, txStore.Ledger(), accountID, -10, "tx:charge", now)
		insertTestJob(test, txStore, accountID, jobs.StatusPending, now)
		return failure
	})
	if !errors.Is(err, failure) {
		test.Fatalf("expected closure error, got %v", err)
	}

	sum, err := store.Ledger().SumEntries(context.Background(), accountID)
	if err != nil {
		test.Fatalf("sum: %v", err)
	}
	if sum != 0 {
		test.Fatalf("expected ledger write rolled back, got %d", sum)
	}
	_, found, err := store.OldestPending(context.Background())
	if err != nil {
		test.Fatalf("oldest pending: %v", err)
	}
	if found {
		test.Fatal("expected job insert rolled back")
	}
}
