package domain

import "strings"

// StatusLabel turns an account status into the label shown next to a roster entry.
func StatusLabel(status AccountStatus) string {
	switch AccountStatus(strings.TrimSpace(string(status))) {
	case "", AccountStatusActive:
		return "Active"
	case AccountStatusTakendown:
		return "Taken down"
	case AccountStatusSuspended:
		return "Suspended"
	case AccountStatusDeactivated:
		return "Deactivated"
	case AccountStatusSignupQueued:
		return "Signup queued"
	default:
		return string(status)
	}
}
