package cmd

import (
	"context"
	"fmt"

	"github.com/bnema/bsky-accounts-cli/internal/application"
	"github.com/bnema/bsky-accounts-cli/internal/domain"
	"github.com/spf13/cobra"
)

const nsidGetSession = "com.atproto.server.getSession"

type whoamiOutput struct {
	DID            string `json:"did"`
	Handle         string `json:"handle"`
	Email          string `json:"email"`
	EmailConfirmed bool   `json:"emailConfirmed"`
}

func newWhoamiCmd(app *app) *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Ask the service who the current account is",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return app.withSession(cmd.Context(), cmd.ErrOrStderr(), func(ctx context.Context, c *application.Coordinator) error {
				err := fmt.Errorf("whoami: %w", domain.ErrNoSession)
				c.RequireAuth(func() {
					err = runWhoami(ctx, cmd)
				})
				return err
			})
		},
	}
}

func runWhoami(ctx context.Context, cmd *cobra.Command) error {
	agent, err := application.AgentFromContext(ctx)
	if err != nil {
		return err
	}

	var out whoamiOutput
	if err := agent.Query(ctx, nsidGetSession, nil, &out); err != nil {
		return fmt.Errorf("whoami: %w", err)
	}

	_, err = fmt.Fprintf(cmd.OutOrStdout(), "@%s (%s)\n", out.Handle, out.DID)
	if err != nil {
		return err
	}
	if out.Email != "" {
		confirmed := "unconfirmed"
		if out.EmailConfirmed {
			confirmed = "confirmed"
		}
		_, err = fmt.Fprintf(cmd.OutOrStdout(), "email: %s (%s)\n", out.Email, confirmed)
	}
	return err
}
