package domain

import "errors"

var (
	ErrAccountNotFound = errors.New("account not found")
	ErrSecretNotFound  = errors.New("secret not found")

	ErrAuthenticationFailed    = errors.New("authentication failed")
	ErrAuthFactorTokenRequired = errors.New("auth factor token required")
	ErrNetworkUnavailable      = errors.New("network unavailable")
	ErrServiceRejected         = errors.New("service rejected the account")
	ErrSessionExpired          = errors.New("session expired")
	ErrCreateFailed            = errors.New("session create failed")

	ErrNoSession           = errors.New("agent has no session")
	ErrAgentDisposed       = errors.New("agent disposed")
	ErrOperationSuperseded = errors.New("operation superseded by a newer one")
	ErrNotInProvider       = errors.New("session coordinator is not mounted")
)

// Transient reports whether err is worth retrying.
func Transient(err error) bool {
	return errors.Is(err, ErrNetworkUnavailable)
}
