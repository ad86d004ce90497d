package toml

import (
	"fmt"

	"github.com/bnema/bsky-accounts-cli/internal/domain"
)

const currentSchemaVersion = 1

// fileSchema is the on-disk roster. Session material lives in the secret
// store and is referenced by secret_ref.
type fileSchema struct {
	Version    int             `toml:"version"`
	Revision   uint64          `toml:"revision"`
	Writer     string          `toml:"writer,omitempty"`
	CurrentDID string          `toml:"current_did,omitempty"`
	Accounts   []accountSchema `toml:"accounts"`
}

func (s *fileSchema) applyDefaults() {
	if s.Version == 0 {
		s.Version = currentSchemaVersion
	}
}

func (s fileSchema) validateVersion() error {
	if s.Version > currentSchemaVersion {
		return fmt.Errorf("unsupported session schema version %d (current %d)", s.Version, currentSchemaVersion)
	}

	return nil
}

func (s fileSchema) dids() map[domain.DID]struct{} {
	dids := make(map[domain.DID]struct{}, len(s.Accounts))
	for _, account := range s.Accounts {
		dids[domain.DID(account.DID)] = struct{}{}
	}
	return dids
}

type accountSchema struct {
	DID             string `toml:"did"`
	Handle          string `toml:"handle"`
	Email           string `toml:"email,omitempty"`
	EmailConfirmed  bool   `toml:"email_confirmed"`
	EmailAuthFactor bool   `toml:"email_auth_factor"`
	Service         string `toml:"service"`
	PdsURL          string `toml:"pds_url,omitempty"`
	Status          string `toml:"status,omitempty"`
	Active          bool   `toml:"active"`
	SignupQueued    bool   `toml:"signup_queued,omitempty"`
	SecretRef       string `toml:"secret_ref,omitempty"`
}

// sessionMaterial is the JSON document stored under an account's secret_ref.
type sessionMaterial struct {
	AccessJwt  string `json:"accessJwt"`
	RefreshJwt string `json:"refreshJwt"`
}
