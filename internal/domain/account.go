package domain

import "strings"

// DID is a decentralized identifier, the stable key of an identity.
type DID string

func (d DID) String() string {
	return string(d)
}

type AccountStatus string

const (
	AccountStatusActive       AccountStatus = "active"
	AccountStatusTakendown    AccountStatus = "takendown"
	AccountStatusSuspended    AccountStatus = "suspended"
	AccountStatusDeactivated  AccountStatus = "deactivated"
	AccountStatusSignupQueued AccountStatus = "signupQueued"
)

// Account is one roster entry: an identity previously authenticated on this device.
type Account struct {
	Service         string
	DID             DID
	Handle          string
	Email           string
	EmailConfirmed  bool
	EmailAuthFactor bool
	AccessJwt       string
	RefreshJwt      string
	SignupQueued    bool
	Active          bool
	Status          AccountStatus
	PdsURL          string
}

// HasSession reports whether the account carries refresh material that can
// rebuild an agent without a password.
func (a Account) HasSession() bool {
	return strings.TrimSpace(a.RefreshJwt) != ""
}

// WithoutSession returns a copy with both tokens stripped.
func (a Account) WithoutSession() Account {
	a.AccessJwt = ""
	a.RefreshJwt = ""
	return a
}

// Clone returns an independent copy. Account holds only value fields today;
// callers still go through Clone so a future reference field cannot leak.
func (a Account) Clone() Account {
	return a
}

// EffectiveStatus folds the signup queue flag and the active flag into a
// single status value.
func (a Account) EffectiveStatus() AccountStatus {
	if a.SignupQueued {
		return AccountStatusSignupQueued
	}
	if a.Status != "" {
		return a.Status
	}
	return AccountStatusActive
}

// Restricted is true for accounts that authenticated but cannot use the
// service normally.
func (a Account) Restricted() bool {
	return a.EffectiveStatus() != AccountStatusActive
}

func (a Account) DisplayName() string {
	if a.Handle != "" {
		return "@" + a.Handle
	}
	return string(a.DID)
}

// CloneAccounts copies a roster slice so callers never share backing arrays.
func CloneAccounts(accounts []Account) []Account {
	if accounts == nil {
		return nil
	}

	cloned := make([]Account, len(accounts))
	for i, account := range accounts {
		cloned[i] = account.Clone()
	}
	return cloned
}

// FindAccount returns the roster entry for did.
func FindAccount(accounts []Account, did DID) (Account, bool) {
	if did == "" {
		return Account{}, false
	}
	for _, account := range accounts {
		if account.DID == did {
			return account, true
		}
	}
	return Account{}, false
}
