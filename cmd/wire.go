package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/bnema/bsky-accounts-cli/internal/adapters/atproto"
	statusadapter "github.com/bnema/bsky-accounts-cli/internal/adapters/render/status"
	"github.com/bnema/bsky-accounts-cli/internal/adapters/secrets/file"
	redisstore "github.com/bnema/bsky-accounts-cli/internal/adapters/store/redis"
	tomlstore "github.com/bnema/bsky-accounts-cli/internal/adapters/store/toml"
	"github.com/bnema/bsky-accounts-cli/internal/application"
	"github.com/bnema/bsky-accounts-cli/internal/config"
	"github.com/bnema/bsky-accounts-cli/internal/logging"
	"github.com/bnema/bsky-accounts-cli/internal/ports"
	"github.com/rs/zerolog"
	"github.com/spf13/viper"
)

const httpTimeout = 30 * time.Second

type app struct {
	cfg            config.Config
	statusRenderer func([]application.Status, statusadapter.RenderOptions) (string, error)
	httpClient     *http.Client
}

func wireApp() (*app, error) {
	cfg, err := config.Load(viper.New())
	if err != nil {
		return nil, fmt.Errorf("load configuration: %w", err)
	}

	return &app{
		cfg:            cfg,
		statusRenderer: statusadapter.Render,
		httpClient:     &http.Client{Timeout: httpTimeout},
	}, nil
}

// session is one mounted coordinator and the resources behind it.
type session struct {
	coordinator *application.Coordinator
	logger      zerolog.Logger
	closers     []func() error
}

func (s *session) Close() error {
	errs := []error{s.coordinator.Close()}
	for i := len(s.closers) - 1; i >= 0; i-- {
		errs = append(errs, s.closers[i]())
	}
	return errors.Join(errs...)
}

// open builds the store and the coordinator and mounts it. Logs and prompts
// go to stderr.
func (a *app) open(ctx context.Context, stderr io.Writer) (*session, error) {
	logger := logging.New(logging.Options{
		Level:  a.cfg.Log.Level,
		Pretty: a.cfg.Log.Pretty,
		Output: stderr,
	})

	store, closers, err := a.openStore(ctx, logger)
	if err != nil {
		return nil, err
	}

	coordinator := application.NewCoordinator(
		store,
		atproto.NewFactory(a.httpClient, logger),
		application.WithLogger(logger),
		application.WithSignInPrompter(cliPrompter{out: stderr}),
		application.WithPublicService(a.cfg.Service),
		application.WithResumeOnStart(a.cfg.ResumeOnStart),
	)

	s := &session{coordinator: coordinator, logger: logger, closers: closers}
	if err := coordinator.Start(ctx); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("start session: %w", err)
	}

	return s, nil
}

func (a *app) openStore(ctx context.Context, logger zerolog.Logger) (ports.SessionStore, []func() error, error) {
	switch a.cfg.Store.Backend {
	case config.StoreBackendRedis:
		client, err := redisstore.Connect(ctx, redisstore.Config{
			Addr: a.cfg.Store.Redis.Addr,
			DB:   a.cfg.Store.Redis.DB,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("wire redis session store: %w", err)
		}
		return redisstore.NewStore(client, a.cfg.Store.Redis.Key, logger), []func() error{client.Close}, nil

	default:
		store, err := tomlstore.NewStore(a.cfg.Store.Path, file.NewStore(a.cfg.Store.SecretsDir), logger)
		if err != nil {
			return nil, nil, fmt.Errorf("wire session store: %w", err)
		}
		return store, nil, nil
	}
}

// withSession runs fn with a mounted coordinator scoped to its context.
func (a *app) withSession(ctx context.Context, stderr io.Writer, fn func(ctx context.Context, c *application.Coordinator) error) error {
	s, err := a.open(ctx, stderr)
	if err != nil {
		return err
	}
	defer func() {
		if err := s.Close(); err != nil {
			s.logger.Warn().Err(err).Msg("close session")
		}
	}()

	return fn(application.WithCoordinator(ctx, s.coordinator), s.coordinator)
}

type cliPrompter struct {
	out io.Writer
}

var _ ports.SignInPrompter = cliPrompter{}

func (p cliPrompter) PromptSignIn() {
	_, _ = fmt.Fprintln(p.out, "Not signed in. Run `bsa login` to sign in.")
}
