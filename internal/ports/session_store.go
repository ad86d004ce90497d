package ports

import (
	"context"

	"github.com/bnema/bsky-accounts-cli/internal/domain"
)

// SessionStore is the durable store shared by every running instance of
// the application.
type SessionStore interface {
	Get(ctx context.Context) (domain.PersistedSession, error)
	Write(ctx context.Context, session domain.PersistedSession) error
	// OnUpdate registers fn for records written by other instances. Writes
	// made through this store do not trigger fn.
	OnUpdate(fn func(domain.PersistedSession)) (unsubscribe func(), err error)
}
