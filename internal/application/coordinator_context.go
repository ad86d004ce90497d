package application

import (
	"context"

	"github.com/bnema/bsky-accounts-cli/internal/domain"
	"github.com/bnema/bsky-accounts-cli/internal/ports"
)

type coordinatorKey struct{}

// WithCoordinator scopes c to ctx and everything derived from it.
func WithCoordinator(ctx context.Context, c *Coordinator) context.Context {
	return context.WithValue(ctx, coordinatorKey{}, c)
}

// FromContext returns the coordinator scoped to ctx.
func FromContext(ctx context.Context) (*Coordinator, error) {
	c, ok := ctx.Value(coordinatorKey{}).(*Coordinator)
	if !ok || c == nil {
		return nil, domain.ErrNotInProvider
	}
	return c, nil
}

// AgentFromContext returns the agent of the coordinator scoped to ctx.
func AgentFromContext(ctx context.Context) (ports.Agent, error) {
	c, err := FromContext(ctx)
	if err != nil {
		return nil, err
	}
	return c.Agent()
}
