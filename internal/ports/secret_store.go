package ports

import "context"

// SecretStore keeps session material out of the roster file. Get returns an
// error wrapping domain.ErrSecretNotFound for missing keys.
type SecretStore interface {
	Get(ctx context.Context, key string) (string, error)
	Put(ctx context.Context, key string, value string) error
	Delete(ctx context.Context, key string) error
}
