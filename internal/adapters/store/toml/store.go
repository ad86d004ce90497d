package toml

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/bnema/bsky-accounts-cli/internal/adapters/secrets/file"
	"github.com/bnema/bsky-accounts-cli/internal/domain"
	"github.com/bnema/bsky-accounts-cli/internal/ports"
	"github.com/google/uuid"
	toml "github.com/pelletier/go-toml/v2"
	"github.com/rs/zerolog"
)

const (
	sessionFileMode = 0o600
	sessionDirMode  = 0o700
	tempFilePattern = ".session-*.toml.tmp"
)

// Store is a SessionStore backed by a TOML roster file and a SecretStore
// holding the tokens. Stores opened on the same path, in this process or
// another one, see each other's writes through OnUpdate.
type Store struct {
	path    string
	secrets ports.SecretStore
	logger  zerolog.Logger
	writer  string
	mu      *sync.RWMutex
}

var (
	lockRegistryMu sync.Mutex
	pathLockMap    = map[string]*sync.RWMutex{}
)

var _ ports.SessionStore = (*Store)(nil)

func NewStore(path string, secrets ports.SecretStore, logger zerolog.Logger) (*Store, error) {
	if path == "" {
		return nil, errors.New("session path is empty")
	}
	if secrets == nil {
		return nil, errors.New("secret store is nil")
	}

	path, err := normalizeSessionPath(path)
	if err != nil {
		return nil, err
	}

	writer := uuid.NewString()
	return &Store{
		path:    path,
		secrets: secrets,
		logger:  logger.With().Str("store", "toml").Str("writer", writer).Logger(),
		writer:  writer,
		mu:      lockForPath(path),
	}, nil
}

func (s *Store) Path() string {
	return s.path
}

func (s *Store) Get(ctx context.Context) (domain.PersistedSession, error) {
	if err := ctx.Err(); err != nil {
		return domain.PersistedSession{}, err
	}

	s.mu.RLock()
	file, err := s.readSchema()
	s.mu.RUnlock()
	if err != nil {
		return domain.PersistedSession{}, err
	}

	return s.fromSchema(ctx, file)
}

// Write replaces the record. New session material is stored before the roster
// file is swapped; material of accounts that left the roster, or lost their
// session, is deleted afterwards.
func (s *Store) Write(ctx context.Context, session domain.PersistedSession) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	previous, err := s.readSchema()
	if err != nil {
		return err
	}

	next := fileSchema{
		Version:    currentSchemaVersion,
		Revision:   previous.Revision + 1,
		Writer:     s.writer,
		CurrentDID: string(session.CurrentDID()),
		Accounts:   make([]accountSchema, 0, len(session.Accounts)),
	}

	var stale []domain.DID
	for _, account := range session.Accounts {
		encoded := toSchema(account)
		if account.HasSession() {
			if err := s.putMaterial(ctx, account); err != nil {
				return err
			}
			encoded.SecretRef = file.SessionKey(account.DID)
		} else {
			stale = append(stale, account.DID)
		}
		next.Accounts = append(next.Accounts, encoded)
	}

	kept := next.dids()
	for did := range previous.dids() {
		if _, ok := kept[did]; !ok {
			stale = append(stale, did)
		}
	}

	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.writeSchema(next); err != nil {
		return err
	}

	var deleteErrs []error
	for _, did := range stale {
		if err := s.secrets.Delete(ctx, file.SessionKey(did)); err != nil {
			deleteErrs = append(deleteErrs, err)
		}
	}
	if err := errors.Join(deleteErrs...); err != nil {
		s.logger.Warn().Err(err).Msg("failed to delete stale session material")
	}

	s.logger.Debug().Uint64("revision", next.Revision).Int("accounts", len(next.Accounts)).Msg("session record written")
	return nil
}

func (s *Store) putMaterial(ctx context.Context, account domain.Account) error {
	payload, err := json.Marshal(sessionMaterial{AccessJwt: account.AccessJwt, RefreshJwt: account.RefreshJwt})
	if err != nil {
		return fmt.Errorf("encode session material for %s: %w", account.DID, err)
	}
	if err := s.secrets.Put(ctx, file.SessionKey(account.DID), string(payload)); err != nil {
		return fmt.Errorf("store session material for %s: %w", account.DID, err)
	}
	return nil
}

func (s *Store) fromSchema(ctx context.Context, file fileSchema) (domain.PersistedSession, error) {
	record := domain.PersistedSession{Accounts: make([]domain.Account, 0, len(file.Accounts))}
	for _, entry := range file.Accounts {
		account := fromSchema(entry)
		if entry.SecretRef != "" {
			material, err := s.getMaterial(ctx, entry.SecretRef)
			switch {
			case errors.Is(err, domain.ErrSecretNotFound):
				s.logger.Warn().Str("did", entry.DID).Msg("session material missing, account signed out")
			case err != nil:
				return domain.PersistedSession{}, err
			default:
				account.AccessJwt = material.AccessJwt
				account.RefreshJwt = material.RefreshJwt
			}
		}
		record.Accounts = append(record.Accounts, account)
	}

	if current, ok := domain.FindAccount(record.Accounts, domain.DID(file.CurrentDID)); ok {
		record.CurrentAccount = &current
	}

	return record, nil
}

func (s *Store) getMaterial(ctx context.Context, ref string) (sessionMaterial, error) {
	raw, err := s.secrets.Get(ctx, ref)
	if err != nil {
		return sessionMaterial{}, err
	}

	var material sessionMaterial
	if err := json.Unmarshal([]byte(raw), &material); err != nil {
		return sessionMaterial{}, fmt.Errorf("decode session material %q: %w", ref, err)
	}
	return material, nil
}

func (s *Store) readSchema() (fileSchema, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fileSchema{Version: currentSchemaVersion}, nil
		}
		return fileSchema{}, fmt.Errorf("read session file: %w", err)
	}

	var file fileSchema
	if err := toml.Unmarshal(data, &file); err != nil {
		return fileSchema{}, fmt.Errorf("decode session file: %w", err)
	}
	if err := file.validateVersion(); err != nil {
		return fileSchema{}, err
	}
	file.applyDefaults()

	return file, nil
}

func (s *Store) writeSchema(file fileSchema) error {
	file.applyDefaults()

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, sessionDirMode); err != nil {
		return fmt.Errorf("create session directory: %w", err)
	}

	data, err := toml.Marshal(file)
	if err != nil {
		return fmt.Errorf("encode session file: %w", err)
	}

	tempFile, err := os.CreateTemp(dir, tempFilePattern)
	if err != nil {
		return fmt.Errorf("create temp session file: %w", err)
	}

	tempName := tempFile.Name()
	cleanup := true
	defer func() {
		if cleanup {
			_ = os.Remove(tempName)
		}
	}()

	if _, err := tempFile.Write(data); err != nil {
		_ = tempFile.Close()
		return fmt.Errorf("write temp session file: %w", err)
	}

	if err := tempFile.Chmod(sessionFileMode); err != nil {
		_ = tempFile.Close()
		return fmt.Errorf("chmod temp session file: %w", err)
	}

	if err := tempFile.Close(); err != nil {
		return fmt.Errorf("close temp session file: %w", err)
	}

	if err := os.Rename(tempName, s.path); err != nil {
		return fmt.Errorf("replace session file: %w", err)
	}

	cleanup = false
	return nil
}

func normalizeSessionPath(path string) (string, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("resolve session path: %w", err)
	}

	return filepath.Clean(absPath), nil
}

func lockForPath(path string) *sync.RWMutex {
	lockRegistryMu.Lock()
	defer lockRegistryMu.Unlock()

	if mu, ok := pathLockMap[path]; ok {
		return mu
	}

	mu := &sync.RWMutex{}
	pathLockMap[path] = mu
	return mu
}

func toSchema(account domain.Account) accountSchema {
	return accountSchema{
		DID:             string(account.DID),
		Handle:          account.Handle,
		Email:           account.Email,
		EmailConfirmed:  account.EmailConfirmed,
		EmailAuthFactor: account.EmailAuthFactor,
		Service:         account.Service,
		PdsURL:          account.PdsURL,
		Status:          string(account.Status),
		Active:          account.Active,
		SignupQueued:    account.SignupQueued,
	}
}

func fromSchema(entry accountSchema) domain.Account {
	return domain.Account{
		Service:         entry.Service,
		DID:             domain.DID(entry.DID),
		Handle:          entry.Handle,
		Email:           entry.Email,
		EmailConfirmed:  entry.EmailConfirmed,
		EmailAuthFactor: entry.EmailAuthFactor,
		SignupQueued:    entry.SignupQueued,
		Active:          entry.Active,
		Status:          domain.AccountStatus(entry.Status),
		PdsURL:          entry.PdsURL,
	}
}
