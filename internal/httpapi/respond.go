package httpapi

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/muxminus/stemd/pkg/jobs"
	"github.com/muxminus/stemd/pkg/ledger"
)

func errorResponse(code string, message string) gin.H {
	return gin.H{
		"error": gin.H{
			"code":    code,
			"message": message,
		},
	}
}

// respondDomainError maps domain sentinels onto HTTP statuses. Unknown
// errors become a 500 with the detail kept in the log, not the body.
func (server *Server) respondDomainError(ctx *gin.Context, err error) {
	switch {
	case errors.Is(err, jobs.ErrInsufficientCredit), errors.Is(err, ledger.ErrInsufficientFunds):
		ctx.JSON(http.StatusPaymentRequired, errorResponse("insufficient_credit", "balance cannot cover the operation"))
	case errors.Is(err, jobs.ErrPerAccountLimitExceeded):
		ctx.JSON(http.StatusTooManyRequests, errorResponse("job_limit_exceeded", "too many active jobs for this account"))
	case errors.Is(err, jobs.ErrAccountInactive), errors.Is(err, ledger.ErrAccountInactive):
		ctx.JSON(http.StatusForbidden, errorResponse("account_inactive", "account is deactivated"))
	case errors.Is(err, jobs.ErrJobNotFound), errors.Is(err, jobs.ErrNotJobOwner), errors.Is(err, ledger.ErrUnknownAccount):
		ctx.JSON(http.StatusNotFound, errorResponse("not_found", "no such job"))
	case errors.Is(err, jobs.ErrNotCancellable):
		ctx.JSON(http.StatusConflict, errorResponse("not_cancellable", "job is no longer cancellable"))
	case errors.Is(err, jobs.ErrNotDeletable):
		ctx.JSON(http.StatusConflict, errorResponse("not_deletable", "job must be archived or cancelled first"))
	case errors.Is(err, jobs.ErrStatusConflict), errors.Is(err, jobs.ErrInvalidTransition):
		ctx.JSON(http.StatusConflict, errorResponse("status_conflict", "job state changed concurrently"))
	default:
		server.logger.Error("request failed", zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse("internal", "internal error"))
	}
}

type jobPayload struct {
	JobID            string `json:"job_id"`
	Filename         string `json:"filename"`
	Operation        string `json:"operation"`
	Model            string `json:"model"`
	TwoStem          string `json:"two_stem,omitempty"`
	OutputFormat     string `json:"output_format"`
	CostCredits      string `json:"cost_credits"`
	Status           string `json:"status"`
	ErrorMessage     string `json:"error_message,omitempty"`
	HasArtifact      bool   `json:"has_artifact"`
	Refunded         bool   `json:"refunded"`
	CreatedUnixUTC   int64  `json:"created_unix_utc"`
	CompletedUnixUTC int64  `json:"completed_unix_utc,omitempty"`
}

func jobToPayload(job jobs.Job) jobPayload {
	return jobPayload{
		JobID:            job.JobID.String(),
		Filename:         job.Filename,
		Operation:        string(job.Descriptor.Operation),
		Model:            job.Descriptor.Model,
		TwoStem:          job.Descriptor.TwoStem,
		OutputFormat:     job.Descriptor.OutputFormat,
		CostCredits:      job.CostTenths.Credits(),
		Status:           job.Status.String(),
		ErrorMessage:     job.ErrorMessage,
		HasArtifact:      job.ArtifactPath != "",
		Refunded:         job.Refunded,
		CreatedUnixUTC:   job.CreatedUnixUTC,
		CompletedUnixUTC: job.CompletedUnixUTC,
	}
}

type entryPayload struct {
	EntryID        string `json:"entry_id"`
	Category       string `json:"category"`
	AmountCredits  string `json:"amount_credits"`
	BalanceAfter   string `json:"balance_after_credits"`
	Reference      string `json:"reference,omitempty"`
	Reason         string `json:"reason,omitempty"`
	CreatedUnixUTC int64  `json:"created_unix_utc"`
}

func entryToPayload(entry ledger.Entry) entryPayload {
	return entryPayload{
		EntryID:        entry.EntryID,
		Category:       entry.Category.String(),
		AmountCredits:  entry.AmountTenths.Credits(),
		BalanceAfter:   entry.BalanceAfterTenths.Credits(),
		Reference:      entry.Reference,
		Reason:         entry.Reason,
		CreatedUnixUTC: entry.CreatedUnixUTC,
	}
}
