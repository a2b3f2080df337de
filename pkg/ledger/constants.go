package ledger

const (
	operationApply    = "apply"
	operationRefund   = "refund"
	operationPurchase = "purchase"
	operationAdjust   = "adjust"

	operationStatusOK    = "ok"
	operationStatusError = "error"

	idempotencyKeyDelimiter = ":"
	idempotencySuffixCharge = "charge"
	idempotencySuffixRefund = "refund"
)
