package cmd

import (
	"context"
	"fmt"
	"strings"

	"github.com/bnema/bsky-accounts-cli/internal/application"
	"github.com/bnema/bsky-accounts-cli/internal/domain"
	"github.com/bnema/bsky-accounts-cli/internal/ports"
	"github.com/spf13/cobra"
)

func newAccountCmd(app *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "account",
		Short: "Manage the account roster",
	}

	cmd.AddCommand(
		newAccountListCmd(app),
		newAccountCreateCmd(app),
		newAccountRemoveCmd(app),
		newAccountSwitchCmd(app),
	)

	return cmd
}

func newAccountListCmd(app *app) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List known accounts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return app.withSession(cmd.Context(), cmd.ErrOrStderr(), func(_ context.Context, c *application.Coordinator) error {
				for _, status := range application.Statuses(c.Session()) {
					marker := " "
					if status.Current {
						marker = "*"
					}
					session := "signed out"
					if status.SignedIn {
						session = "signed in"
					}
					_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s %s\t%s\t%s\n", marker, status.Account.DID, status.Account.DisplayName(), session)
				}
				return nil
			})
		},
	}
}

func newAccountCreateCmd(app *app) *cobra.Command {
	var req ports.CreateAccountRequest

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an account and make it current",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			password, err := resolvePassword(cmd, req.Password)
			if err != nil {
				return err
			}
			req.Password = password
			req.Service = serviceOrDefault(req.Service, app)

			return app.withSession(cmd.Context(), cmd.ErrOrStderr(), func(ctx context.Context, c *application.Coordinator) error {
				err := runOperation(ctx, cmd.ErrOrStderr(), "Creating account...", func(ctx context.Context) error {
					return c.CreateAccount(ctx, req, "Signup")
				})
				if err != nil {
					return err
				}

				current, ok := c.CurrentAccount()
				if ok && current.SignupQueued {
					_, _ = fmt.Fprintln(cmd.OutOrStdout(), "Your account is in the signup queue. You can sign in once it is activated.")
				}
				return printCurrent(cmd.OutOrStdout(), c, "Created")
			})
		},
	}

	cmd.Flags().StringVar(&req.Service, "service", "", "Service URL (defaults to the configured service)")
	cmd.Flags().StringVar(&req.Email, "email", "", "Email address")
	cmd.Flags().StringVar(&req.Handle, "handle", "", "Handle, e.g. alice.bsky.social")
	cmd.Flags().StringVar(&req.Password, "password", "", "Password (defaults to $"+passwordEnv+", then stdin)")
	cmd.Flags().StringVar(&req.InviteCode, "invite-code", "", "Invite code, when the service requires one")
	cmd.Flags().StringVar(&req.VerificationPhone, "verification-phone", "", "Phone number used for verification")
	cmd.Flags().StringVar(&req.VerificationCode, "verification-code", "", "Verification code received by phone")
	_ = cmd.MarkFlagRequired("email")
	_ = cmd.MarkFlagRequired("handle")

	return cmd
}

func newAccountRemoveCmd(app *app) *cobra.Command {
	return &cobra.Command{
		Use:   "remove <did|handle>",
		Short: "Remove an account from the roster",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return app.withSession(cmd.Context(), cmd.ErrOrStderr(), func(_ context.Context, c *application.Coordinator) error {
				account, err := findAccount(c.Accounts(), args[0])
				if err != nil {
					return err
				}
				if err := c.RemoveAccount(account.DID); err != nil {
					return err
				}
				_, err = fmt.Fprintf(cmd.OutOrStdout(), "Removed %s\n", account.DisplayName())
				return err
			})
		},
	}
}

func newAccountSwitchCmd(app *app) *cobra.Command {
	return &cobra.Command{
		Use:   "switch <did|handle>",
		Short: "Make a signed-in account current",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return app.withSession(cmd.Context(), cmd.ErrOrStderr(), func(ctx context.Context, c *application.Coordinator) error {
				account, err := findAccount(c.Accounts(), args[0])
				if err != nil {
					return err
				}
				if current, ok := c.CurrentAccount(); ok && current.DID == account.DID {
					return printCurrent(cmd.OutOrStdout(), c, "Already using")
				}
				if !account.HasSession() {
					return fmt.Errorf("%s: %w; run `bsa login %s`", account.DisplayName(), domain.ErrNoSession, account.Handle)
				}

				err = runOperation(ctx, cmd.ErrOrStderr(), "Switching account...", func(ctx context.Context) error {
					return c.ResumeSession(ctx, account)
				})
				if err != nil {
					return err
				}
				return printCurrent(cmd.OutOrStdout(), c, "Now using")
			})
		},
	}
}

// findAccount matches a DID exactly or a handle with or without its "@".
func findAccount(accounts []domain.Account, ref string) (domain.Account, error) {
	ref = strings.TrimSpace(ref)
	if account, ok := domain.FindAccount(accounts, domain.DID(ref)); ok {
		return account, nil
	}

	handle := strings.ToLower(strings.TrimPrefix(ref, "@"))
	for _, account := range accounts {
		if strings.ToLower(account.Handle) == handle {
			return account, nil
		}
	}

	return domain.Account{}, fmt.Errorf("%q: %w", ref, domain.ErrAccountNotFound)
}
