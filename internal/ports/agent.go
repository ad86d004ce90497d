package ports

import (
	"context"
	"net/url"

	"github.com/bnema/bsky-accounts-cli/internal/domain"
)

// SessionChangeFunc receives session changes detected by an agent's own
// transport (login, refresh, expiry). It is never called while the agent
// holds internal locks.
type SessionChangeFunc func(event domain.SessionEvent, session *domain.AtpSession)

// Agent is a network client bound to at most one session.
type Agent interface {
	// Service is the entryway URL the agent was built for.
	Service() string
	// PdsURL is the account's own PDS endpoint when the agent learned it.
	PdsURL() string
	// Session returns a copy of the current session.
	Session() (domain.AtpSession, bool)
	// PatchSession replaces the session material without a network round trip.
	PatchSession(session domain.AtpSession)
	// ResumeSession revalidates the installed session against the network,
	// refreshing it when the access token expired.
	ResumeSession(ctx context.Context) error
	// OnSessionChange installs the change callback, replacing any previous one.
	OnSessionChange(fn SessionChangeFunc)
	// Query performs an authenticated XRPC query and decodes the JSON body into out.
	Query(ctx context.Context, nsid string, params url.Values, out any) error
	// Logout revokes the session server side.
	Logout(ctx context.Context) error
	// Dispose makes the agent permanently inert.
	Dispose()
}

type LoginRequest struct {
	Service         string `validate:"required,url"`
	Identifier      string `validate:"required"`
	Password        string `validate:"required"`
	AuthFactorToken string
}

type CreateAccountRequest struct {
	Service           string `validate:"required,url"`
	Email             string `validate:"required,email"`
	Password          string `validate:"required"`
	Handle            string `validate:"required"`
	InviteCode        string
	VerificationPhone string
	VerificationCode  string
}

// AgentFactory builds agents. Login and CreateAccount return agents that
// already hold a session.
type AgentFactory interface {
	Login(ctx context.Context, req LoginRequest) (Agent, error)
	CreateAccount(ctx context.Context, req CreateAccountRequest) (Agent, error)
	// Restore installs stored session material without any network call.
	Restore(account domain.Account) Agent
	// Public returns an agent with no session.
	Public(service string) Agent
}
