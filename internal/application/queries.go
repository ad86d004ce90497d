package application

import (
	"github.com/bnema/bsky-accounts-cli/internal/domain"
)

// Status is one roster entry as presented to the user.
type Status struct {
	Account    domain.Account
	Current    bool
	SignedIn   bool
	StatusText string
}

// Statuses projects a session view onto roster statuses, current account first.
func Statuses(view SessionView) []Status {
	statuses := make([]Status, 0, len(view.Accounts))
	for _, account := range view.Accounts {
		current := view.CurrentAccount != nil && view.CurrentAccount.DID == account.DID
		status := Status{
			Account:    account.WithoutSession(),
			Current:    current,
			SignedIn:   account.HasSession(),
			StatusText: domain.StatusLabel(account.EffectiveStatus()),
		}
		if current {
			statuses = append([]Status{status}, statuses...)
			continue
		}
		statuses = append(statuses, status)
	}

	return statuses
}
