package errors

// ErrorCode represents a unique error code for identifying different error types.
type ErrorCode int

const (
	// General errors (1-99)
	ErrCodeUnknown ErrorCode = 1

	// Validation errors (100-199)
	ErrCodeInvalidParameter     ErrorCode = 100
	ErrCodeInvalidConfiguration ErrorCode = 101
	ErrCodeInvalidOrderRequest  ErrorCode = 102
	ErrCodeInvalidQuantity      ErrorCode = 103
	ErrCodeInvalidPrice         ErrorCode = 104
	ErrCodeMissingParameter     ErrorCode = 105
	ErrCodeInvalidInterval      ErrorCode = 106

	// Market data errors (200-299)
	ErrCodeOutOfOrderData     ErrorCode = 200
	ErrCodeMalformedBar       ErrorCode = 201
	ErrCodeVWAPUndefined      ErrorCode = 202
	ErrCodeFeedStalled        ErrorCode = 203
	ErrCodeFeedDisconnected   ErrorCode = 204
	ErrCodeDataNotFound       ErrorCode = 205
	ErrCodeQueryFailed        ErrorCode = 206
	ErrCodeDataSourceFailed   ErrorCode = 207
	ErrCodeDownloadFailed     ErrorCode = 208
	ErrCodeSnapshotIncomplete ErrorCode = 209

	// Risk errors (300-399)
	ErrCodeRiskRejected     ErrorCode = 300
	ErrCodeRiskHalted       ErrorCode = 301
	ErrCodeDailyLossBreach  ErrorCode = 302
	ErrCodeTradeCountLimit  ErrorCode = 303
	ErrCodeOpenRiskExceeded ErrorCode = 304

	// Execution errors (400-499)
	ErrCodeOrderRejected    ErrorCode = 400
	ErrCodeOrderNotFound    ErrorCode = 401
	ErrCodeFillTimeout      ErrorCode = 402
	ErrCodeBrokerError      ErrorCode = 403
	ErrCodeDuplicateOrder   ErrorCode = 404
	ErrCodePositionNotFound ErrorCode = 405

	// Position lifecycle errors (500-599)
	ErrCodeInvalidTransition  ErrorCode = 500
	ErrCodePositionNotFlat    ErrorCode = 501
	ErrCodeSessionUnaccounted ErrorCode = 502

	// Ledger errors (600-699)
	ErrCodeLedgerInitFailed     ErrorCode = 600
	ErrCodeLedgerWriteFailed    ErrorCode = 601
	ErrCodeLedgerQueryFailed    ErrorCode = 602
	ErrCodeLedgerSchemaMismatch ErrorCode = 603

	// Validation harness errors (700-799)
	ErrCodeInsufficientSample ErrorCode = 700
	ErrCodeHarnessConfigError ErrorCode = 701
	ErrCodeHarnessNoData      ErrorCode = 702
	ErrCodeHarnessRunFailed   ErrorCode = 703

	// Live engine errors (800-899)
	ErrCodeEngineNotReady ErrorCode = 800
	ErrCodeEngineStopped  ErrorCode = 801
)
