package application

import (
	"github.com/bnema/bsky-accounts-cli/internal/domain"
	"github.com/bnema/bsky-accounts-cli/internal/ports"
)

// AgentState is the current agent binding. The zero value is the anonymous binding.
type AgentState struct {
	Agent ports.Agent
	DID   domain.DID
}

func (s AgentState) Anonymous() bool {
	return s.DID == ""
}

type State struct {
	Accounts          []domain.Account
	CurrentAgentState AgentState
	NeedsPersist      bool
}

// CurrentAccount is the roster entry matching the bound DID.
func (s State) CurrentAccount() (domain.Account, bool) {
	return domain.FindAccount(s.Accounts, s.CurrentAgentState.DID)
}

// Persisted projects the state onto the durable record.
func (s State) Persisted() domain.PersistedSession {
	record := domain.PersistedSession{Accounts: domain.CloneAccounts(s.Accounts)}
	if current, ok := s.CurrentAccount(); ok {
		record.CurrentAccount = &current
	}
	return record
}

// Action is one of the reducer's transitions.
type Action interface {
	actionName() string
}

type SwitchedToAccount struct {
	NewAgent   ports.Agent
	NewAccount domain.Account
}

type ReceivedAgentEvent struct {
	Agent            ports.Agent
	AccountDID       domain.DID
	SessionEvent     domain.SessionEvent
	RefreshedAccount *domain.Account
}

type LoggedOutCurrentAccount struct{}

type LoggedOutEveryAccount struct{}

type RemovedAccount struct {
	AccountDID domain.DID
}

type SyncedAccounts struct {
	SyncedAccounts   []domain.Account
	SyncedCurrentDID domain.DID
}

func (SwitchedToAccount) actionName() string       { return "switched-to-account" }
func (ReceivedAgentEvent) actionName() string      { return "received-agent-event" }
func (LoggedOutCurrentAccount) actionName() string { return "logged-out-current-account" }
func (LoggedOutEveryAccount) actionName() string   { return "logged-out-every-account" }
func (RemovedAccount) actionName() string          { return "removed-account" }
func (SyncedAccounts) actionName() string          { return "synced-accounts" }

// Reduce computes the next state. It never mutates the slices of state.
func Reduce(state State, action Action) State {
	switch a := action.(type) {
	case SwitchedToAccount:
		return State{
			Accounts:          upsertAccount(state.Accounts, a.NewAccount.Clone()),
			CurrentAgentState: AgentState{Agent: a.NewAgent, DID: a.NewAccount.DID},
			NeedsPersist:      true,
		}

	case ReceivedAgentEvent:
		return reduceAgentEvent(state, a)

	case LoggedOutCurrentAccount:
		if state.CurrentAgentState.Anonymous() {
			return state
		}
		return State{
			Accounts:     state.Accounts,
			NeedsPersist: true,
		}

	case LoggedOutEveryAccount:
		accounts := make([]domain.Account, len(state.Accounts))
		for i, account := range state.Accounts {
			accounts[i] = account.WithoutSession()
		}
		return State{
			Accounts:     accounts,
			NeedsPersist: true,
		}

	case RemovedAccount:
		accounts := make([]domain.Account, 0, len(state.Accounts))
		for _, account := range state.Accounts {
			if account.DID != a.AccountDID {
				accounts = append(accounts, account)
			}
		}
		current := state.CurrentAgentState
		if current.DID == a.AccountDID {
			current = AgentState{}
		}
		return State{
			Accounts:          accounts,
			CurrentAgentState: current,
			NeedsPersist:      true,
		}

	case SyncedAccounts:
		current := state.CurrentAgentState
		if a.SyncedCurrentDID != current.DID {
			current = AgentState{}
		}
		return State{
			Accounts:          domain.CloneAccounts(a.SyncedAccounts),
			CurrentAgentState: current,
			NeedsPersist:      false,
		}

	default:
		return state
	}
}

func reduceAgentEvent(state State, a ReceivedAgentEvent) State {
	current := state.CurrentAgentState
	if a.Agent == nil || a.Agent != current.Agent || a.AccountDID != current.DID {
		return state
	}
	if a.SessionEvent == domain.SessionEventNetworkError {
		return state
	}

	existing, ok := domain.FindAccount(state.Accounts, a.AccountDID)
	if !ok {
		return state
	}

	dropped := a.SessionEvent.Dropped() || a.RefreshedAccount == nil
	if !dropped && existing == *a.RefreshedAccount {
		return state
	}

	accounts := make([]domain.Account, len(state.Accounts))
	for i, account := range state.Accounts {
		switch {
		case account.DID != a.AccountDID:
			accounts[i] = account
		case dropped:
			accounts[i] = account.WithoutSession()
		default:
			accounts[i] = a.RefreshedAccount.Clone()
		}
	}

	if dropped {
		current = AgentState{}
	}

	return State{
		Accounts:          accounts,
		CurrentAgentState: current,
		NeedsPersist:      true,
	}
}

func upsertAccount(accounts []domain.Account, account domain.Account) []domain.Account {
	result := make([]domain.Account, 0, len(accounts)+1)
	replaced := false
	for _, existing := range accounts {
		if existing.DID == account.DID {
			if !replaced {
				result = append(result, account)
				replaced = true
			}
			continue
		}
		result = append(result, existing)
	}
	if !replaced {
		result = append(result, account)
	}
	return result
}
