package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bnema/bsky-accounts-cli/internal/domain"
	"github.com/bnema/bsky-accounts-cli/internal/ports"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const (
	defaultKey     = "bsa:session"
	defaultTimeout = 5 * time.Second
	recordVersion  = 1

	maxWriteAttempts = 16
)

// Config captures the settings for establishing a Redis connection.
type Config struct {
	Addr    string
	DB      int
	Timeout time.Duration
}

// Connect initialises a Redis client and validates connectivity with a ping.
func Connect(ctx context.Context, cfg Config) (*redis.Client, error) {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	client := redis.NewClient(&redis.Options{
		Addr: cfg.Addr,
		DB:   cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	return client, nil
}

// Store keeps the session record under one key and announces every write on
// a pub/sub channel named after the key.
//
// Key format: <key> for the record, <key>:revision for the counter and
// <key>:updates for notifications.
type Store struct {
	client *redis.Client
	key    string
	writer string
	logger zerolog.Logger

	// beforeCommit runs between reading the revision and EXEC. Tests use it
	// to interleave a foreign write.
	beforeCommit func()
}

var _ ports.SessionStore = (*Store)(nil)

func NewStore(client *redis.Client, key string, logger zerolog.Logger) *Store {
	if key == "" {
		key = defaultKey
	}
	writer := uuid.NewString()

	return &Store{
		client: client,
		key:    key,
		writer: writer,
		logger: logger.With().Str("store", "redis").Str("writer", writer).Logger(),
	}
}

type recordJSON struct {
	Version    int           `json:"version"`
	Revision   int64         `json:"revision"`
	Writer     string        `json:"writer"`
	CurrentDID domain.DID    `json:"currentDid,omitempty"`
	Accounts   []accountJSON `json:"accounts"`
}

type accountJSON struct {
	Service         string               `json:"service"`
	DID             domain.DID           `json:"did"`
	Handle          string               `json:"handle"`
	Email           string               `json:"email,omitempty"`
	EmailConfirmed  bool                 `json:"emailConfirmed,omitempty"`
	EmailAuthFactor bool                 `json:"emailAuthFactor,omitempty"`
	AccessJwt       string               `json:"accessJwt,omitempty"`
	RefreshJwt      string               `json:"refreshJwt,omitempty"`
	SignupQueued    bool                 `json:"signupQueued,omitempty"`
	Active          bool                 `json:"active"`
	Status          domain.AccountStatus `json:"status,omitempty"`
	PdsURL          string               `json:"pdsUrl,omitempty"`
}

type updateNotice struct {
	Writer   string `json:"writer"`
	Revision int64  `json:"revision"`
}

func (s *Store) Get(ctx context.Context) (domain.PersistedSession, error) {
	record, err := s.load(ctx)
	if err != nil {
		return domain.PersistedSession{}, err
	}
	return fromRecord(record), nil
}

func (s *Store) load(ctx context.Context) (recordJSON, error) {
	data, err := s.client.Get(ctx, s.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return recordJSON{Version: recordVersion}, nil
	}
	if err != nil {
		return recordJSON{}, fmt.Errorf("redis get %s: %w", s.key, err)
	}

	var record recordJSON
	if err := json.Unmarshal(data, &record); err != nil {
		return recordJSON{}, fmt.Errorf("decode session record: %w", err)
	}
	if record.Version > recordVersion {
		return recordJSON{}, fmt.Errorf("unsupported session record version %d (current %d)", record.Version, recordVersion)
	}
	return record, nil
}

// Write stores the record and publishes its revision. The revision, the
// record and the notice commit in one MULTI guarded by WATCH on the revision
// key, so stored revisions and notices follow commit order.
func (s *Store) Write(ctx context.Context, session domain.PersistedSession) error {
	record := toRecord(session)
	record.Writer = s.writer

	for attempt := 0; attempt < maxWriteAttempts; attempt++ {
		err := s.client.Watch(ctx, func(tx *redis.Tx) error {
			return s.commit(ctx, tx, record)
		}, s.revisionKey())
		if errors.Is(err, redis.TxFailedErr) {
			s.logger.Debug().Int("attempt", attempt+1).Msg("concurrent session write, retrying")
			continue
		}
		if err != nil {
			return fmt.Errorf("redis write %s: %w", s.key, err)
		}
		return nil
	}

	return fmt.Errorf("redis write %s: %w after %d attempts", s.key, redis.TxFailedErr, maxWriteAttempts)
}

func (s *Store) commit(ctx context.Context, tx *redis.Tx, record recordJSON) error {
	current, err := tx.Get(ctx, s.revisionKey()).Int64()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("redis get %s: %w", s.revisionKey(), err)
	}
	if s.beforeCommit != nil {
		s.beforeCommit()
	}

	record.Revision = current + 1
	payload, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encode session record: %w", err)
	}
	notice, err := json.Marshal(updateNotice{Writer: s.writer, Revision: record.Revision})
	if err != nil {
		return fmt.Errorf("encode update notice: %w", err)
	}

	_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.revisionKey(), record.Revision, 0)
		pipe.Set(ctx, s.key, payload, 0)
		pipe.Publish(ctx, s.channel(), notice)
		return nil
	})
	if err != nil {
		return err
	}

	s.logger.Debug().Int64("revision", record.Revision).Int("accounts", len(record.Accounts)).Msg("session record written")
	return nil
}

// OnUpdate subscribes to the update channel. fn runs on the subscription
// goroutine for every notice published by another Store.
func (s *Store) OnUpdate(fn func(domain.PersistedSession)) (func(), error) {
	ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
	defer cancel()

	sub := s.client.Subscribe(ctx, s.channel())
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("redis subscribe %s: %w", s.channel(), err)
	}

	done := make(chan struct{})
	go s.listen(sub.Channel(), done, fn)

	var once sync.Once
	return func() {
		once.Do(func() {
			close(done)
			_ = sub.Close()
		})
	}, nil
}

func (s *Store) listen(messages <-chan *redis.Message, done <-chan struct{}, fn func(domain.PersistedSession)) {
	var last int64
	for {
		select {
		case <-done:
			return
		case msg, ok := <-messages:
			if !ok {
				return
			}

			var notice updateNotice
			if err := json.Unmarshal([]byte(msg.Payload), &notice); err != nil {
				s.logger.Warn().Err(err).Msg("ignoring malformed update notice")
				continue
			}
			if notice.Writer == s.writer || notice.Revision <= last {
				continue
			}

			ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
			record, err := s.load(ctx)
			cancel()
			if err != nil {
				s.logger.Warn().Err(err).Msg("failed to load updated session record")
				continue
			}
			// The stored record may be newer than the notice; its own notice
			// is then skipped.
			if record.Revision <= last {
				continue
			}
			last = record.Revision
			if record.Writer == s.writer {
				continue
			}

			select {
			case <-done:
				return
			default:
			}
			fn(fromRecord(record))
		}
	}
}

func (s *Store) revisionKey() string {
	return s.key + ":revision"
}

func (s *Store) channel() string {
	return s.key + ":updates"
}

func toRecord(session domain.PersistedSession) recordJSON {
	record := recordJSON{
		Version:    recordVersion,
		CurrentDID: session.CurrentDID(),
		Accounts:   make([]accountJSON, 0, len(session.Accounts)),
	}
	for _, account := range session.Accounts {
		record.Accounts = append(record.Accounts, accountJSON{
			Service:         account.Service,
			DID:             account.DID,
			Handle:          account.Handle,
			Email:           account.Email,
			EmailConfirmed:  account.EmailConfirmed,
			EmailAuthFactor: account.EmailAuthFactor,
			AccessJwt:       account.AccessJwt,
			RefreshJwt:      account.RefreshJwt,
			SignupQueued:    account.SignupQueued,
			Active:          account.Active,
			Status:          account.Status,
			PdsURL:          account.PdsURL,
		})
	}
	return record
}

func fromRecord(record recordJSON) domain.PersistedSession {
	session := domain.PersistedSession{Accounts: make([]domain.Account, 0, len(record.Accounts))}
	for _, entry := range record.Accounts {
		session.Accounts = append(session.Accounts, domain.Account{
			Service:         entry.Service,
			DID:             entry.DID,
			Handle:          entry.Handle,
			Email:           entry.Email,
			EmailConfirmed:  entry.EmailConfirmed,
			EmailAuthFactor: entry.EmailAuthFactor,
			AccessJwt:       entry.AccessJwt,
			RefreshJwt:      entry.RefreshJwt,
			SignupQueued:    entry.SignupQueued,
			Active:          entry.Active,
			Status:          entry.Status,
			PdsURL:          entry.PdsURL,
		})
	}
	if current, ok := domain.FindAccount(session.Accounts, record.CurrentDID); ok {
		session.CurrentAccount = &current
	}
	return session
}
