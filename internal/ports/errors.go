package ports

import "errors"

// Standard application-level errors.
// Adapters wrap underlying infrastructure errors with these standard errors so
// the core can branch with errors.Is without knowing the exchange SDK.
var (
	// General
	ErrUnknown            = errors.New("unknown error occurred")
	ErrInvalidRequest     = errors.New("invalid request parameters or format")
	ErrNotFound           = errors.New("resource not found")
	ErrTimeout            = errors.New("operation timed out")
	ErrContextCanceled    = errors.New("operation canceled via context")
	ErrConfigurationError = errors.New("invalid or missing configuration")

	// Gateway, transient: safe to retry with backoff.
	ErrGatewayUnreachable = errors.New("order gateway is unreachable")
	ErrRateLimited        = errors.New("API rate limit exceeded")

	// Gateway, terminal for a single call: do not retry.
	ErrOrderRejected     = errors.New("order rejected by the exchange")
	ErrInsufficientFunds = errors.New("insufficient funds for operation")
	ErrOrderNotFound     = errors.New("order not found on the exchange")

	// Gateway, fatal: terminate the controller.
	ErrAuthenticationFailed = errors.New("exchange authentication failed (check API keys)")
	ErrSymbolUnavailable    = errors.New("symbol is not tradable on the exchange")

	// Reported by the execution coordinator when bounded retry is exhausted.
	ErrGatewayUnavailable = errors.New("order gateway unavailable after retries")

	// Database
	ErrDBConnection = errors.New("database connection error")
	ErrQueryFailed  = errors.New("database query failed")
)

// IsTransient reports whether an error is worth retrying against the gateway.
func IsTransient(err error) bool {
	return errors.Is(err, ErrGatewayUnreachable) ||
		errors.Is(err, ErrRateLimited) ||
		errors.Is(err, ErrTimeout)
}

// IsFatal reports whether an error must terminate the owning controller.
func IsFatal(err error) bool {
	return errors.Is(err, ErrAuthenticationFailed) ||
		errors.Is(err, ErrSymbolUnavailable)
}
