package ports

import "errors"

// Standard application-level errors.
// Adapters should wrap underlying infrastructure errors with these standard errors.
var (
	// General Errors
	ErrUnknown            = errors.New("unknown error occurred")
	ErrInvalidRequest     = errors.New("invalid request parameters or format")
	ErrNotFound           = errors.New("resource not found")
	ErrTimeout            = errors.New("operation timed out")
	ErrContextCanceled    = errors.New("operation canceled via context")
	ErrConfigurationError = errors.New("invalid or missing configuration")

	// Order Book Errors
	ErrDuplicateCoid = errors.New("client order id already exists")
	ErrUnknownCoid   = errors.New("client order id not found")
	ErrTerminalState = errors.New("order is in a terminal state")
	ErrOverFill      = errors.New("fill exceeds remaining order quantity")
	ErrInvalidFill   = errors.New("fill quantity or price is invalid")

	// Executor Errors
	ErrSubmissionUncertain = errors.New("order submission outcome is uncertain; awaiting reconciliation")
	ErrSubmissionInFlight  = errors.New("a submission for this client order id is already in flight")

	// Broker Specific Errors
	ErrBrokerUnavailable    = errors.New("broker API is unavailable")
	ErrConnectionFailed     = errors.New("failed to connect to the broker")
	ErrRateLimited          = errors.New("API rate limit exceeded")
	ErrAuthenticationFailed = errors.New("broker authentication failed (check API keys)")
	ErrInsufficientFunds    = errors.New("insufficient funds for operation")
	ErrOrderNotFound        = errors.New("order not found on the broker")
	ErrOrderPlacementFailed = errors.New("failed to place order")
	ErrOrderCancelFailed    = errors.New("failed to cancel order")

	// Database Specific Errors
	ErrDBConnection = errors.New("database connection error")
	ErrQueryFailed  = errors.New("database query failed")
	ErrUpdateFailed = errors.New("database update failed")
)

// IsTransient reports whether err is a broker failure that should be
// retried with backoff instead of escalated: rate limiting, timeouts and
// connection drops. Everything else is treated as permanent for the
// current operation.
func IsTransient(err error) bool {
	return errors.Is(err, ErrRateLimited) ||
		errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrConnectionFailed) ||
		errors.Is(err, ErrBrokerUnavailable)
}
