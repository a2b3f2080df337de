package httpapi_test

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/glebarez/sqlite"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/muxminus/stemd/internal/httpapi"
	"github.com/muxminus/stemd/internal/storage"
	"github.com/muxminus/stemd/internal/store/gormstore"
	"github.com/muxminus/stemd/internal/sweep"
	"github.com/muxminus/stemd/pkg/jobs"
	"github.com/muxminus/stemd/pkg/ledger"
)

const testSigningKey = "test-signing-key"

type apiHarness struct {
	router        *gin.Engine
	jobsService   *jobs.Service
	ledgerService *ledger.Service
	artifacts     *storage.Store
}

func newAPIHarness(test *testing.T) *apiHarness {
	test.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{Logger: gormlogger.Discard})
	require.NoError(test, err)
	sqlDB, err := db.DB()
	require.NoError(test, err)
	sqlDB.SetMaxOpenConns(1)
	store := gormstore.New(db)
	require.NoError(test, store.Migrate())

	ledgerService, err := ledger.NewService(store.Ledger(), func() int64 { return time.Now().Unix() })
	require.NoError(test, err)
	jobsService, err := jobs.NewService(store.Jobs(), ledgerService, func() int64 { return time.Now().Unix() })
	require.NoError(test, err)
	artifacts, err := storage.New(test.TempDir())
	require.NoError(test, err)
	sweeper, err := sweep.NewSweeper(jobsService, artifacts, zap.NewNop())
	require.NoError(test, err)

	server, err := httpapi.NewServer(zap.NewNop(), jobsService, ledgerService, sweeper, artifacts, httpapi.Config{
		ListenAddr: "127.0.0.1:0",
		SigningKey: testSigningKey,
	})
	require.NoError(test, err)

	return &apiHarness{
		router:        server.Router(),
		jobsService:   jobsService,
		ledgerService: ledgerService,
		artifacts:     artifacts,
	}
}

func signToken(test *testing.T, subject string, admin bool) string {
	test.Helper()
	claims := jwt.MapClaims{
		"sub":   subject,
		"admin": admin,
		"exp":   time.Now().Add(time.Hour).Unix(),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSigningKey))
	require.NoError(test, err)
	return token
}

func (harness *apiHarness) do(test *testing.T, method string, path string, token string, body *bytes.Buffer, contentType string) *httptest.ResponseRecorder {
	test.Helper()
	if body == nil {
		body = &bytes.Buffer{}
	}
	request := httptest.NewRequest(method, path, body)
	if token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}
	if contentType != "" {
		request.Header.Set("Content-Type", contentType)
	}
	recorder := httptest.NewRecorder()
	harness.router.ServeHTTP(recorder, request)
	return recorder
}

func (harness *apiHarness) doJSON(test *testing.T, method string, path string, token string, payload any) *httptest.ResponseRecorder {
	test.Helper()
	body := &bytes.Buffer{}
	require.NoError(test, json.NewEncoder(body).Encode(payload))
	return harness.do(test, method, path, token, body, "application/json")
}

func (harness *apiHarness) submitJob(test *testing.T, token string, fields map[string]string) *httptest.ResponseRecorder {
	test.Helper()
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	part, err := writer.CreateFormFile("file", "track.wav")
	require.NoError(test, err)
	_, err = part.Write([]byte("riff-data"))
	require.NoError(test, err)
	for key, value := range fields {
		require.NoError(test, writer.WriteField(key, value))
	}
	require.NoError(test, writer.Close())
	return harness.do(test, http.MethodPost, "/api/jobs", token, body, writer.FormDataContentType())
}

func (harness *apiHarness) seedCredits(test *testing.T, account string, tenths int64, paymentID string) {
	test.Helper()
	accountID, err := ledger.NewAccountID(account)
	require.NoError(test, err)
	amount, err := ledger.NewPositiveAmountTenths(tenths)
	require.NoError(test, err)
	_, err = harness.ledgerService.Purchase(context.Background(), accountID, amount, paymentID)
	require.NoError(test, err)
}

func decodeBody(test *testing.T, recorder *httptest.ResponseRecorder) map[string]any {
	test.Helper()
	var decoded map[string]any
	require.NoError(test, json.Unmarshal(recorder.Body.Bytes(), &decoded))
	return decoded
}

func jobIDFromResponse(test *testing.T, recorder *httptest.ResponseRecorder) string {
	test.Helper()
	decoded := decodeBody(test, recorder)
	job, ok := decoded["job"].(map[string]any)
	require.True(test, ok, "response missing job object: %s", recorder.Body.String())
	jobID, ok := job["job_id"].(string)
	require.True(test, ok)
	return jobID
}

func TestRequestsWithoutTokenRejected(test *testing.T) {
	test.Parallel()

	harness := newAPIHarness(test)
	recorder := harness.do(test, http.MethodGet, "/api/credits/balance", "", nil, "")
	require.Equal(test, http.StatusUnauthorized, recorder.Code)

	recorder = harness.do(test, http.MethodGet, "/api/credits/balance", "not-a-jwt", nil, "")
	require.Equal(test, http.StatusUnauthorized, recorder.Code)
}

func TestHealthzIsPublic(test *testing.T) {
	test.Parallel()

	harness := newAPIHarness(test)
	recorder := harness.do(test, http.MethodGet, "/healthz", "", nil, "")
	require.Equal(test, http.StatusOK, recorder.Code)
}

func TestSubmitJobDebitsAndReturnsPending(test *testing.T) {
	test.Parallel()

	harness := newAPIHarness(test)
	harness.seedCredits(test, "alice", 30, "pay-1")
	token := signToken(test, "alice", false)

	recorder := harness.submitJob(test, token, map[string]string{"operation": "separation"})
	require.Equal(test, http.StatusCreated, recorder.Code, recorder.Body.String())
	decoded := decodeBody(test, recorder)
	job := decoded["job"].(map[string]any)
	require.Equal(test, "pending", job["status"])
	require.Equal(test, "1.0", job["cost_credits"])

	balance := harness.do(test, http.MethodGet, "/api/credits/balance", token, nil, "")
	require.Equal(test, http.StatusOK, balance.Code)
	require.Equal(test, "2.0", decodeBody(test, balance)["balance_credits"])
}

func TestSubmitJobInsufficientCredit(test *testing.T) {
	test.Parallel()

	harness := newAPIHarness(test)
	harness.seedCredits(test, "alice", 5, "pay-1")
	token := signToken(test, "alice", false)

	recorder := harness.submitJob(test, token, nil)
	require.Equal(test, http.StatusPaymentRequired, recorder.Code, recorder.Body.String())
}

func TestSubmitJobPerAccountLimit(test *testing.T) {
	test.Parallel()

	harness := newAPIHarness(test)
	harness.seedCredits(test, "alice", 200, "pay-1")
	token := signToken(test, "alice", false)

	for index := 0; index < jobs.DefaultPerAccountLimit; index++ {
		recorder := harness.submitJob(test, token, nil)
		require.Equal(test, http.StatusCreated, recorder.Code)
	}
	recorder := harness.submitJob(test, token, nil)
	require.Equal(test, http.StatusTooManyRequests, recorder.Code)
}

func TestSubmitJobInvalidDescriptor(test *testing.T) {
	test.Parallel()

	harness := newAPIHarness(test)
	harness.seedCredits(test, "alice", 30, "pay-1")
	token := signToken(test, "alice", false)

	recorder := harness.submitJob(test, token, map[string]string{"model": "not-a-model"})
	require.Equal(test, http.StatusBadRequest, recorder.Code)
}

func TestJobOwnershipHiddenAsNotFound(test *testing.T) {
	test.Parallel()

	harness := newAPIHarness(test)
	harness.seedCredits(test, "alice", 30, "pay-1")
	aliceToken := signToken(test, "alice", false)
	bobToken := signToken(test, "bob", false)

	created := harness.submitJob(test, aliceToken, nil)
	require.Equal(test, http.StatusCreated, created.Code)
	jobID := jobIDFromResponse(test, created)

	recorder := harness.do(test, http.MethodGet, "/api/jobs/"+jobID, bobToken, nil, "")
	require.Equal(test, http.StatusNotFound, recorder.Code)
}

func TestCancelRefundsOnce(test *testing.T) {
	test.Parallel()

	harness := newAPIHarness(test)
	harness.seedCredits(test, "alice", 30, "pay-1")
	token := signToken(test, "alice", false)

	created := harness.submitJob(test, token, nil)
	require.Equal(test, http.StatusCreated, created.Code)
	jobID := jobIDFromResponse(test, created)

	cancelled := harness.do(test, http.MethodPost, "/api/jobs/"+jobID+"/cancel", token, nil, "")
	require.Equal(test, http.StatusOK, cancelled.Code, cancelled.Body.String())

	balance := harness.do(test, http.MethodGet, "/api/credits/balance", token, nil, "")
	require.Equal(test, "3.0", decodeBody(test, balance)["balance_credits"])

	again := harness.do(test, http.MethodPost, "/api/jobs/"+jobID+"/cancel", token, nil, "")
	require.Equal(test, http.StatusConflict, again.Code)
}

func TestDownloadLifecycle(test *testing.T) {
	test.Parallel()

	harness := newAPIHarness(test)
	harness.seedCredits(test, "alice", 30, "pay-1")
	token := signToken(test, "alice", false)

	created := harness.submitJob(test, token, nil)
	require.Equal(test, http.StatusCreated, created.Code)
	rawJobID := jobIDFromResponse(test, created)
	jobID, err := jobs.NewJobID(rawJobID)
	require.NoError(test, err)

	// Pending: nothing to download yet.
	recorder := harness.do(test, http.MethodGet, "/api/jobs/"+rawJobID+"/download", token, nil, "")
	require.Equal(test, http.StatusConflict, recorder.Code)

	// Complete the job with a real artifact.
	_, found, err := harness.jobsService.Claim(context.Background())
	require.NoError(test, err)
	require.True(test, found)
	artifactPath := harness.artifacts.ArtifactPath(jobID)
	require.NoError(test, os.WriteFile(artifactPath, []byte("zip-bytes"), 0o644))
	require.NoError(test, harness.jobsService.MarkCompleted(context.Background(), jobID, artifactPath, "demucs"))

	recorder = harness.do(test, http.MethodGet, "/api/jobs/"+rawJobID+"/download", token, nil, "")
	require.Equal(test, http.StatusOK, recorder.Code)
	require.Equal(test, "zip-bytes", recorder.Body.String())
	require.Equal(test, "application/zip", recorder.Header().Get("Content-Type"))

	// Sweep won the race: file already deleted, row still completed.
	require.NoError(test, harness.artifacts.Remove(artifactPath))
	recorder = harness.do(test, http.MethodGet, "/api/jobs/"+rawJobID+"/download", token, nil, "")
	require.Equal(test, http.StatusGone, recorder.Code)

	// Archived: the artifact is gone for good.
	require.NoError(test, harness.jobsService.Archive(context.Background(), jobID, jobs.StatusCompleted))
	recorder = harness.do(test, http.MethodGet, "/api/jobs/"+rawJobID+"/download", token, nil, "")
	require.Equal(test, http.StatusGone, recorder.Code)

	// Unknown job.
	recorder = harness.do(test, http.MethodGet, "/api/jobs/"+jobs.GenerateJobID().String()+"/download", token, nil, "")
	require.Equal(test, http.StatusNotFound, recorder.Code)
}

func TestPurchaseIsIdempotentPerPayment(test *testing.T) {
	test.Parallel()

	harness := newAPIHarness(test)
	token := signToken(test, "alice", false)

	payload := map[string]any{"amount_tenths": 50, "payment_id": "payment-abc"}
	first := harness.doJSON(test, http.MethodPost, "/api/credits/purchase", token, payload)
	require.Equal(test, http.StatusOK, first.Code, first.Body.String())

	second := harness.doJSON(test, http.MethodPost, "/api/credits/purchase", token, payload)
	require.Equal(test, http.StatusOK, second.Code)

	balance := harness.do(test, http.MethodGet, "/api/credits/balance", token, nil, "")
	require.Equal(test, "5.0", decodeBody(test, balance)["balance_credits"])
}

func TestHistoryListsEntries(test *testing.T) {
	test.Parallel()

	harness := newAPIHarness(test)
	harness.seedCredits(test, "alice", 30, "pay-1")
	token := signToken(test, "alice", false)

	created := harness.submitJob(test, token, nil)
	require.Equal(test, http.StatusCreated, created.Code)

	recorder := harness.do(test, http.MethodGet, "/api/credits/history", token, nil, "")
	require.Equal(test, http.StatusOK, recorder.Code)
	entries := decodeBody(test, recorder)["entries"].([]any)
	require.Len(test, entries, 2)
}

func TestAdminRoutesRequireAdminClaim(test *testing.T) {
	test.Parallel()

	harness := newAPIHarness(test)
	token := signToken(test, "alice", false)

	recorder := harness.doJSON(test, http.MethodPost, "/api/admin/credits/adjust", token, map[string]any{
		"account_id": "alice", "amount_tenths": 10, "reason": "goodwill", "idempotency_key": "adj-1",
	})
	require.Equal(test, http.StatusForbidden, recorder.Code)
}

func TestAdminAdjustCredit(test *testing.T) {
	test.Parallel()

	harness := newAPIHarness(test)
	adminToken := signToken(test, "operator", true)
	userToken := signToken(test, "alice", false)

	payload := map[string]any{
		"account_id": "alice", "amount_tenths": 25, "reason": "support credit", "idempotency_key": "adj-1",
	}
	recorder := harness.doJSON(test, http.MethodPost, "/api/admin/credits/adjust", adminToken, payload)
	require.Equal(test, http.StatusOK, recorder.Code, recorder.Body.String())

	balance := harness.do(test, http.MethodGet, "/api/credits/balance", userToken, nil, "")
	require.Equal(test, "2.5", decodeBody(test, balance)["balance_credits"])

	replay := harness.doJSON(test, http.MethodPost, "/api/admin/credits/adjust", adminToken, payload)
	require.Equal(test, http.StatusConflict, replay.Code)

	missingReason := harness.doJSON(test, http.MethodPost, "/api/admin/credits/adjust", adminToken, map[string]any{
		"account_id": "alice", "amount_tenths": 10, "idempotency_key": "adj-2",
	})
	require.Equal(test, http.StatusBadRequest, missingReason.Code)
}

func TestAdminToggleAccountActive(test *testing.T) {
	test.Parallel()

	harness := newAPIHarness(test)
	harness.seedCredits(test, "alice", 30, "pay-1")
	adminToken := signToken(test, "operator", true)
	userToken := signToken(test, "alice", false)

	recorder := harness.doJSON(test, http.MethodPost, "/api/admin/accounts/alice/active", adminToken, map[string]any{"active": false})
	require.Equal(test, http.StatusOK, recorder.Code)

	rejected := harness.submitJob(test, userToken, nil)
	require.Equal(test, http.StatusForbidden, rejected.Code)

	purchase := harness.doJSON(test, http.MethodPost, "/api/credits/purchase", userToken, map[string]any{"amount_tenths": 50, "payment_id": "pay-2"})
	require.Equal(test, http.StatusForbidden, purchase.Code)

	recorder = harness.doJSON(test, http.MethodPost, "/api/admin/accounts/alice/active", adminToken, map[string]any{"active": true})
	require.Equal(test, http.StatusOK, recorder.Code)

	accepted := harness.submitJob(test, userToken, nil)
	require.Equal(test, http.StatusCreated, accepted.Code)
}

func TestAdminForceArchiveAndDelete(test *testing.T) {
	test.Parallel()

	harness := newAPIHarness(test)
	harness.seedCredits(test, "alice", 30, "pay-1")
	adminToken := signToken(test, "operator", true)
	userToken := signToken(test, "alice", false)

	created := harness.submitJob(test, userToken, nil)
	require.Equal(test, http.StatusCreated, created.Code)
	rawJobID := jobIDFromResponse(test, created)
	jobID, err := jobs.NewJobID(rawJobID)
	require.NoError(test, err)

	_, found, err := harness.jobsService.Claim(context.Background())
	require.NoError(test, err)
	require.True(test, found)
	artifactPath := harness.artifacts.ArtifactPath(jobID)
	require.NoError(test, os.WriteFile(artifactPath, []byte("zip"), 0o644))
	require.NoError(test, harness.jobsService.MarkCompleted(context.Background(), jobID, artifactPath, "demucs"))

	archived := harness.do(test, http.MethodPost, "/api/admin/jobs/"+rawJobID+"/archive", adminToken, nil, "")
	require.Equal(test, http.StatusOK, archived.Code, archived.Body.String())
	_, statErr := os.Stat(artifactPath)
	require.True(test, os.IsNotExist(statErr), "expected artifact removed on force archive")

	deleted := harness.do(test, http.MethodDelete, "/api/admin/jobs/"+rawJobID, adminToken, nil, "")
	require.Equal(test, http.StatusOK, deleted.Code)

	gone := harness.do(test, http.MethodGet, "/api/jobs/"+rawJobID, userToken, nil, "")
	require.Equal(test, http.StatusNotFound, gone.Code)
}

func TestAdminForceCancelProcessingJob(test *testing.T) {
	test.Parallel()

	harness := newAPIHarness(test)
	harness.seedCredits(test, "alice", 30, "pay-1")
	adminToken := signToken(test, "operator", true)
	userToken := signToken(test, "alice", false)

	created := harness.submitJob(test, userToken, nil)
	require.Equal(test, http.StatusCreated, created.Code)
	rawJobID := jobIDFromResponse(test, created)

	_, found, err := harness.jobsService.Claim(context.Background())
	require.NoError(test, err)
	require.True(test, found)

	recorder := harness.doJSON(test, http.MethodPost, "/api/admin/jobs/"+rawJobID+"/cancel", adminToken, map[string]any{"reason": "stuck worker"})
	require.Equal(test, http.StatusOK, recorder.Code, recorder.Body.String())

	balance := harness.do(test, http.MethodGet, "/api/credits/balance", userToken, nil, "")
	require.Equal(test, "3.0", decodeBody(test, balance)["balance_credits"])
}
