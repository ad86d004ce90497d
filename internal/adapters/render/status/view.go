package status

import (
	"fmt"
	"strings"

	"github.com/bnema/bsky-accounts-cli/internal/application"
	"github.com/charmbracelet/lipgloss"
)

const currentMarker = "*"

type RenderOptions struct {
	// Verbose adds the service and PDS lines to every entry.
	Verbose bool
}

func renderView(statuses []application.Status, opts RenderOptions, s styles) string {
	lines := []string{
		s.title.Render("Bluesky Accounts"),
		s.header.Render(fmt.Sprintf("accounts: %d", len(statuses))),
	}

	if len(statuses) == 0 {
		lines = append(lines, s.empty.Render("No accounts yet. Run `bsa login` to add one."))
		return lipgloss.JoinVertical(lipgloss.Left, lines...)
	}

	for _, status := range statuses {
		lines = append(lines, s.section.Render(renderAccount(status, opts, s)))
	}

	return lipgloss.JoinVertical(lipgloss.Left, lines...)
}

func renderAccount(status application.Status, opts RenderOptions, s styles) string {
	title := s.account.Render(accountTitle(status))
	if status.Current {
		title = lipgloss.JoinHorizontal(lipgloss.Top, s.current.Render(currentMarker), " ", title)
	}

	parts := []string{title, sessionLine(status, s)}
	if opts.Verbose {
		parts = append(parts, detailLines(status, s)...)
	}

	return lipgloss.JoinVertical(lipgloss.Left, parts...)
}

func accountTitle(status application.Status) string {
	handle := strings.TrimSpace(status.Account.Handle)
	if handle == "" {
		return string(status.Account.DID)
	}
	return fmt.Sprintf("@%s (%s)", handle, status.Account.DID)
}

func sessionLine(status application.Status, s styles) string {
	session := s.signedOut.Render("signed out")
	if status.SignedIn {
		session = s.signedIn.Render("signed in")
	}

	label := s.detail.Render(status.StatusText)
	if status.Account.Restricted() {
		label = s.warning.Render(status.StatusText)
	}

	return lipgloss.JoinHorizontal(
		lipgloss.Top,
		s.detailKey.Render("session:"),
		" ",
		session,
		s.detailMeta.Render(" | "),
		label,
	)
}

func detailLines(status application.Status, s styles) []string {
	lines := []string{
		detailLine("service:", status.Account.Service, s),
	}
	if status.Account.PdsURL != "" {
		lines = append(lines, detailLine("pds:", status.Account.PdsURL, s))
	}
	if status.Account.Email != "" {
		email := status.Account.Email
		if !status.Account.EmailConfirmed {
			email += " (unconfirmed)"
		}
		lines = append(lines, detailLine("email:", email, s))
	}
	return lines
}

func detailLine(key, value string, s styles) string {
	if value == "" {
		value = "n/a"
	}
	return lipgloss.JoinHorizontal(lipgloss.Top, s.detailKey.Render(key), " ", s.detailMeta.Render(value))
}
