package httpapi

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/muxminus/stemd/pkg/ledger"
)

type purchaseRequest struct {
	AmountTenths int64  `json:"amount_tenths"`
	PaymentID    string `json:"payment_id"`
}

func (server *Server) handleBalance(ctx *gin.Context) {
	accountID, ok := accountFrom(ctx)
	if !ok {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing account"))
		return
	}
	balance, err := server.ledgerService.Balance(ctx.Request.Context(), accountID)
	if err != nil {
		server.respondDomainError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"balance_tenths":  balance.TotalTenths.Int64(),
		"balance_credits": balance.TotalTenths.Credits(),
	})
}

func (server *Server) handleHistory(ctx *gin.Context) {
	accountID, ok := accountFrom(ctx)
	if !ok {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing account"))
		return
	}
	entries, err := server.ledgerService.History(ctx.Request.Context(), accountID, 0, historyListLimit)
	if err != nil {
		server.respondDomainError(ctx, err)
		return
	}
	payloads := make([]entryPayload, 0, len(entries))
	for _, entry := range entries {
		payloads = append(payloads, entryToPayload(entry))
	}
	ctx.JSON(http.StatusOK, gin.H{"entries": payloads})
}

func (server *Server) handlePurchase(ctx *gin.Context) {
	accountID, ok := accountFrom(ctx)
	if !ok {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing account"))
		return
	}
	var request purchaseRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	if request.PaymentID == "" {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payment", "payment_id is required"))
		return
	}
	amount, err := ledger.NewPositiveAmountTenths(request.AmountTenths)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_amount", "amount_tenths must be positive"))
		return
	}

	entry, err := server.ledgerService.Purchase(ctx.Request.Context(), accountID, amount, request.PaymentID)
	if err != nil {
		// A replayed payment confirmation already granted; report the
		// current balance instead of failing.
		if errors.Is(err, ledger.ErrDuplicateIdempotencyKey) {
			server.respondBalanceOnly(ctx, accountID)
			return
		}
		server.respondDomainError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"entry": entryToPayload(entry)})
}

func (server *Server) respondBalanceOnly(ctx *gin.Context, accountID ledger.AccountID) {
	balance, err := server.ledgerService.Balance(ctx.Request.Context(), accountID)
	if err != nil {
		server.respondDomainError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"balance_tenths":  balance.TotalTenths.Int64(),
		"balance_credits": balance.TotalTenths.Credits(),
	})
}
