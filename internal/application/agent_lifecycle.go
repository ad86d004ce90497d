package application

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bnema/bsky-accounts-cli/internal/domain"
	"github.com/bnema/bsky-accounts-cli/internal/ports"
	"github.com/go-playground/validator/v10"
	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
)

const (
	resumeRetries           = 1
	backgroundResumeRetries = 3
	retryBaseDelay          = 250 * time.Millisecond
)

// agentLifecycle builds agents for the coordinator and wires their session
// change callback once authentication succeeded.
type agentLifecycle struct {
	factory  ports.AgentFactory
	clock    ports.Clock
	logger   zerolog.Logger
	validate *validator.Validate
}

func newAgentLifecycle(factory ports.AgentFactory, clock ports.Clock, logger zerolog.Logger) *agentLifecycle {
	return &agentLifecycle{
		factory:  factory,
		clock:    clock,
		logger:   logger,
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
}

// onChangeFunc is bound to one agent and forwards its session changes.
type onChangeFunc func(agent ports.Agent, accountDID domain.DID, event domain.SessionEvent)

// preparedAgent is an authenticated agent with its roster snapshot.
// revalidate is set when the session was restored from storage and must be
// checked against the network once the agent is bound.
type preparedAgent struct {
	agent      ports.Agent
	account    domain.Account
	revalidate bool
}

func (l *agentLifecycle) createAgentAndLogin(ctx context.Context, req ports.LoginRequest, onChange onChangeFunc) (preparedAgent, error) {
	if err := l.validate.Struct(req); err != nil {
		return preparedAgent{}, fmt.Errorf("validate login request: %w", err)
	}

	agent, err := l.factory.Login(ctx, req)
	if err != nil {
		return preparedAgent{}, fmt.Errorf("login: %w", err)
	}

	return l.prepareAgent(agent, onChange)
}

func (l *agentLifecycle) createAgentAndCreateAccount(ctx context.Context, req ports.CreateAccountRequest, onChange onChangeFunc) (preparedAgent, error) {
	if err := l.validate.Struct(req); err != nil {
		return preparedAgent{}, fmt.Errorf("validate create account request: %w", err)
	}

	agent, err := l.factory.CreateAccount(ctx, req)
	if err != nil {
		return preparedAgent{}, fmt.Errorf("create account: %w", err)
	}

	return l.prepareAgent(agent, onChange)
}

// createAgentAndResume rebuilds an agent from a stored account. An expired
// access token is refreshed before returning; otherwise the stored session is
// trusted immediately and flagged for background revalidation.
func (l *agentLifecycle) createAgentAndResume(ctx context.Context, stored domain.Account, onChange onChangeFunc) (preparedAgent, error) {
	if !stored.HasSession() {
		return preparedAgent{}, fmt.Errorf("resume %s: %w", stored.DID, domain.ErrNoSession)
	}

	agent := l.factory.Restore(stored)

	if l.accessExpired(stored.AccessJwt) {
		err := networkRetry(ctx, resumeRetries, func() error {
			return agent.ResumeSession(ctx)
		})
		if err != nil {
			agent.Dispose()
			return preparedAgent{}, fmt.Errorf("resume %s: %w", stored.DID, err)
		}
		return l.prepareAgent(agent, onChange)
	}

	prepared, err := l.prepareAgent(agent, onChange)
	if err != nil {
		return preparedAgent{}, err
	}
	prepared.revalidate = !stored.SignupQueued

	return prepared, nil
}

// revalidateInBackground resumes the bound agent's session. The outcome
// reaches the coordinator through the agent's session change callback.
func (l *agentLifecycle) revalidateInBackground(agent ports.Agent, did domain.DID) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()

		err := networkRetry(ctx, backgroundResumeRetries, func() error {
			return agent.ResumeSession(ctx)
		})
		if err != nil && !errors.Is(err, domain.ErrAgentDisposed) {
			l.logger.Error().Err(err).Str("did", did.String()).Msg("background session revalidation failed")
		}
	}()
}

func (l *agentLifecycle) prepareAgent(agent ports.Agent, onChange onChangeFunc) (preparedAgent, error) {
	account, err := agentToAccount(agent)
	if err != nil {
		agent.Dispose()
		return preparedAgent{}, err
	}

	did := account.DID
	agent.OnSessionChange(func(event domain.SessionEvent, _ *domain.AtpSession) {
		onChange(agent, did, event)
	})

	return preparedAgent{agent: agent, account: account}, nil
}

// agentToAccount snapshots the agent's session into a roster entry.
func agentToAccount(agent ports.Agent) (domain.Account, error) {
	session, ok := agent.Session()
	if !ok || !session.Valid() {
		return domain.Account{}, domain.ErrNoSession
	}

	return domain.Account{
		Service:         agent.Service(),
		DID:             session.DID,
		Handle:          session.Handle,
		Email:           session.Email,
		EmailConfirmed:  session.EmailConfirmed,
		EmailAuthFactor: session.EmailAuthFactor,
		AccessJwt:       session.AccessJwt,
		RefreshJwt:      session.RefreshJwt,
		SignupQueued:    isSignupQueued(session.AccessJwt),
		Active:          session.Active,
		Status:          session.Status,
		PdsURL:          agent.PdsURL(),
	}, nil
}

func (l *agentLifecycle) accessExpired(accessJwt string) bool {
	claims, ok := parseClaims(accessJwt)
	if !ok {
		return true
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return true
	}
	return !exp.After(l.clock.Now())
}

// isSignupQueued reads the scope the PDS puts on access tokens of accounts
// still waiting in the signup queue.
func isSignupQueued(accessJwt string) bool {
	claims, ok := parseClaims(accessJwt)
	if !ok {
		return false
	}
	scope, _ := claims["scope"].(string)
	return scope == "com.atproto.signupQueued"
}

func parseClaims(token string) (jwt.MapClaims, bool) {
	if token == "" {
		return nil, false
	}
	claims := jwt.MapClaims{}
	// PDS tokens may be signed with ES256K, which the parser cannot resolve;
	// the claims are decoded before that check fails.
	_, _, err := jwt.NewParser().ParseUnverified(token, claims)
	if err != nil && !errors.Is(err, jwt.ErrTokenUnverifiable) {
		return nil, false
	}
	return claims, true
}

// networkRetry runs fn, retrying up to retries more times while it fails
// with a transient error.
func networkRetry(ctx context.Context, retries int, fn func() error) error {
	var err error
	for attempt := 0; attempt <= retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return errors.Join(err, ctx.Err())
			case <-time.After(retryBaseDelay * time.Duration(attempt)):
			}
		}
		err = fn()
		if err == nil || !domain.Transient(err) {
			return err
		}
	}
	return err
}
