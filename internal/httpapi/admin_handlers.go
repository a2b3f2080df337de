package httpapi

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/muxminus/stemd/pkg/jobs"
	"github.com/muxminus/stemd/pkg/ledger"
)

type adjustRequest struct {
	AccountID      string `json:"account_id"`
	AmountTenths   int64  `json:"amount_tenths"`
	Reason         string `json:"reason"`
	IdempotencyKey string `json:"idempotency_key"`
}

type forceCancelRequest struct {
	Reason string `json:"reason"`
}

type toggleActiveRequest struct {
	Active bool `json:"active"`
}

func (server *Server) handleAdjustCredit(ctx *gin.Context) {
	var request adjustRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	accountID, err := ledger.NewAccountID(request.AccountID)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_account", "account_id is required"))
		return
	}
	idempotencyKey, err := ledger.NewIdempotencyKey(request.IdempotencyKey)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_key", "idempotency_key is required"))
		return
	}

	entry, err := server.ledgerService.Adjust(ctx.Request.Context(), accountID, ledger.AmountTenths(request.AmountTenths), request.Reason, idempotencyKey)
	if err != nil {
		switch {
		case errors.Is(err, ledger.ErrDuplicateIdempotencyKey):
			ctx.JSON(http.StatusConflict, errorResponse("duplicate_adjustment", "idempotency key already used"))
		case errors.Is(err, ledger.ErrInvalidReason), errors.Is(err, ledger.ErrInvalidAmountTenths):
			ctx.JSON(http.StatusBadRequest, errorResponse("invalid_adjustment", err.Error()))
		default:
			server.respondDomainError(ctx, err)
		}
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"entry": entryToPayload(entry)})
}

func (server *Server) handleForceArchive(ctx *gin.Context) {
	jobID, err := jobs.NewJobID(ctx.Param("jobID"))
	if err != nil {
		ctx.JSON(http.StatusNotFound, errorResponse("not_found", "no such job"))
		return
	}
	if err := server.sweeper.ArchiveNow(ctx.Request.Context(), jobID); err != nil {
		server.respondDomainError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"status": jobs.StatusArchived.String()})
}

func (server *Server) handleForceCancel(ctx *gin.Context) {
	jobID, err := jobs.NewJobID(ctx.Param("jobID"))
	if err != nil {
		ctx.JSON(http.StatusNotFound, errorResponse("not_found", "no such job"))
		return
	}
	var request forceCancelRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		request.Reason = ""
	}
	if request.Reason == "" {
		request.Reason = "cancelled by operator"
	}
	if err := server.jobsService.ForceCancel(ctx.Request.Context(), jobID, request.Reason); err != nil {
		server.respondDomainError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"status": "cancelled"})
}

func (server *Server) handleForceDelete(ctx *gin.Context) {
	jobID, err := jobs.NewJobID(ctx.Param("jobID"))
	if err != nil {
		ctx.JSON(http.StatusNotFound, errorResponse("not_found", "no such job"))
		return
	}
	if err := server.jobsService.Delete(ctx.Request.Context(), jobID); err != nil {
		server.respondDomainError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"status": "deleted"})
}

func (server *Server) handleToggleAccountActive(ctx *gin.Context) {
	accountID, err := ledger.NewAccountID(ctx.Param("accountID"))
	if err != nil {
		ctx.JSON(http.StatusNotFound, errorResponse("not_found", "no such account"))
		return
	}
	var request toggleActiveRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	if err := server.ledgerService.ToggleAccountActive(ctx.Request.Context(), accountID, request.Active); err != nil {
		server.respondDomainError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"account_id": accountID.String(), "active": request.Active})
}
