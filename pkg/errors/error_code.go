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
	ErrCodeInvalidTakeProfit    ErrorCode = 103
	ErrCodeInvalidStopLoss      ErrorCode = 104
	ErrCodeInvalidOrder         ErrorCode = 105
	ErrCodeInsufficientData     ErrorCode = 106
	ErrCodeInvalidType          ErrorCode = 107
	ErrCodeInvalidBar           ErrorCode = 108
	ErrCodeMissingParameter     ErrorCode = 109
	ErrCodeInvalidTimeframe     ErrorCode = 110
	ErrCodeInvalidThreshold     ErrorCode = 111
	ErrCodeInvalidSignal        ErrorCode = 112

	// Data/Resource errors (200-299)
	ErrCodeDataNotFound          ErrorCode = 200
	ErrCodeDataSourceUnavailable ErrorCode = 201
	ErrCodeQueryFailed           ErrorCode = 202
	ErrCodeStaleData             ErrorCode = 203
	ErrCodeFutureBar             ErrorCode = 204

	// Execution function errors (300-399)
	ErrCodeFunctionNotFound      ErrorCode = 300
	ErrCodeFunctionAlreadyExists ErrorCode = 301
	ErrCodeFunctionEvaluation    ErrorCode = 302
	ErrCodeFunctionDisabled      ErrorCode = 303

	// Scheduling errors (400-499)
	ErrCodeAlreadyMonitored ErrorCode = 400
	ErrCodeNotMonitored     ErrorCode = 401
	ErrCodeDetectorStopped  ErrorCode = 402

	// Trading errors (500-599)
	ErrCodeOrderFailed        ErrorCode = 500
	ErrCodePositionNotFound   ErrorCode = 501
	ErrCodeMarketDataMissing  ErrorCode = 502
	ErrCodeOrderNotFound      ErrorCode = 503
	ErrCodeCircuitBreakerOpen ErrorCode = 504
	ErrCodeBrokerUnavailable  ErrorCode = 505
	ErrCodeBrokerTimeout      ErrorCode = 506

	// State persistence errors (600-699)
	ErrCodeStateStoreNil    ErrorCode = 600
	ErrCodeStateInitFailed  ErrorCode = 601
	ErrCodeStateSaveFailed  ErrorCode = 602
	ErrCodeStateLoadFailed  ErrorCode = 603
	ErrCodeStateCorrupted   ErrorCode = 604
	ErrCodeRecoveryFailed   ErrorCode = 605
	ErrCodeStateStoreClosed ErrorCode = 606
	ErrCodeAuditWriteFailed ErrorCode = 607
	ErrCodeAuditQueryFailed ErrorCode = 608

	// Market data errors (700-799)
	ErrCodeMarketDataFetchFailed ErrorCode = 700
	ErrCodeMarketDataParseFailed ErrorCode = 702
	ErrCodeInvalidProvider       ErrorCode = 704

	// Callback errors (800-899)
	ErrCodeCallbackFailed ErrorCode = 800
)
