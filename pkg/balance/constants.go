package balance

const (
	operationGetBalance  = "get_balance"
	operationSeed        = "seed"
	operationAdjust      = "adjust"
	operationSetBalance  = "set_balance"
	operationListEntries = "list_entries"
	operationVerify      = "verify"
	operationVerifyAll   = "verify_all"

	operationStatusOK          = "ok"
	operationStatusError       = "error"
	verificationStatusMismatch = "mismatch"
	verificationStatusFixed    = "fixed"

	errorCodeAccountCheck = "account_check"

	// ReasonInitialSeed marks the ledger entry written by Seed.
	ReasonInitialSeed = "initial_seed"
	// ReasonReconciliationFix marks correction entries written by Verify.
	ReasonReconciliationFix = "reconciliation_fix"

	errorOperationService   = "service"
	errorCodeRetryExhausted = "retry_exhausted"

	maxReasonLength    = 64
	maxMetadataBytes   = 4096
	defaultEntryLimit  = 50
	maxEntryLimit      = 200
	transactionRetries = 1
)
