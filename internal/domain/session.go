package domain

import "strings"

type SessionEvent string

const (
	SessionEventCreate       SessionEvent = "create"
	SessionEventCreateFailed SessionEvent = "create-failed"
	SessionEventUpdate       SessionEvent = "update"
	SessionEventExpired      SessionEvent = "expired"
	SessionEventNetworkError SessionEvent = "network-error"
)

// Dropped reports whether the event means the session material is no longer usable.
func (e SessionEvent) Dropped() bool {
	return e == SessionEventExpired || e == SessionEventCreateFailed
}

// AtpSession is the session an agent authenticates with. Agents mutate
// their own copy; everything outside an agent works on values.
type AtpSession struct {
	DID             DID
	Handle          string
	Email           string
	EmailConfirmed  bool
	EmailAuthFactor bool
	AccessJwt       string
	RefreshJwt      string
	Active          bool
	Status          AccountStatus
}

func (s AtpSession) Valid() bool {
	return strings.TrimSpace(string(s.DID)) != "" && strings.TrimSpace(s.AccessJwt) != ""
}

// SessionFromAccount rebuilds the session material stored on a roster entry.
func SessionFromAccount(account Account) AtpSession {
	return AtpSession{
		DID:             account.DID,
		Handle:          account.Handle,
		Email:           account.Email,
		EmailConfirmed:  account.EmailConfirmed,
		EmailAuthFactor: account.EmailAuthFactor,
		AccessJwt:       account.AccessJwt,
		RefreshJwt:      account.RefreshJwt,
		Active:          account.Active,
		Status:          account.Status,
	}
}
