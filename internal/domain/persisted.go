package domain

// PersistedSession is the durable, cross-instance projection of the session state.
type PersistedSession struct {
	Accounts       []Account
	CurrentAccount *Account
}

func (p PersistedSession) CurrentDID() DID {
	if p.CurrentAccount == nil {
		return ""
	}
	return p.CurrentAccount.DID
}

// SyncedCurrentAccount resolves the current account against the roster, so a
// stale CurrentAccount copy never wins over the roster entry.
func (p PersistedSession) SyncedCurrentAccount() (Account, bool) {
	return FindAccount(p.Accounts, p.CurrentDID())
}

func (p PersistedSession) Clone() PersistedSession {
	cloned := PersistedSession{Accounts: CloneAccounts(p.Accounts)}
	if p.CurrentAccount != nil {
		current := p.CurrentAccount.Clone()
		cloned.CurrentAccount = &current
	}
	return cloned
}
