package atproto

import (
	"context"
	"net/http"

	"github.com/bnema/bsky-accounts-cli/internal/domain"
	"github.com/bnema/bsky-accounts-cli/internal/ports"
	"github.com/rs/zerolog"
)

// Factory builds XRPC agents.
type Factory struct {
	httpClient *http.Client
	logger     zerolog.Logger
}

var _ ports.AgentFactory = (*Factory)(nil)

func NewFactory(httpClient *http.Client, logger zerolog.Logger) *Factory {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	return &Factory{httpClient: httpClient, logger: logger}
}

func (f *Factory) Login(ctx context.Context, req ports.LoginRequest) (ports.Agent, error) {
	agent := newAgent(req.Service, f.httpClient, f.logger)
	if err := agent.login(ctx, req); err != nil {
		agent.Dispose()
		return nil, err
	}

	return agent, nil
}

func (f *Factory) CreateAccount(ctx context.Context, req ports.CreateAccountRequest) (ports.Agent, error) {
	agent := newAgent(req.Service, f.httpClient, f.logger)
	if err := agent.createAccount(ctx, req); err != nil {
		agent.Dispose()
		return nil, err
	}

	return agent, nil
}

func (f *Factory) Restore(account domain.Account) ports.Agent {
	agent := newAgent(account.Service, f.httpClient, f.logger)
	session := domain.SessionFromAccount(account)
	agent.session = &session
	agent.pdsURL = account.PdsURL

	return agent
}

func (f *Factory) Public(service string) ports.Agent {
	return newAgent(service, f.httpClient, f.logger)
}
