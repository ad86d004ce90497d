package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/bnema/bsky-accounts-cli/internal/application"
	"github.com/bnema/bsky-accounts-cli/internal/domain"
	"github.com/bnema/bsky-accounts-cli/internal/ports"
	"github.com/spf13/cobra"
)

const passwordEnv = "BSA_PASSWORD"

func newLoginCmd(app *app) *cobra.Command {
	var (
		service         string
		password        string
		authFactorToken string
	)

	cmd := &cobra.Command{
		Use:   "login <handle|email|did>",
		Short: "Sign in to an account and make it current",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			secret, err := resolvePassword(cmd, password)
			if err != nil {
				return err
			}

			req := ports.LoginRequest{
				Service:         serviceOrDefault(service, app),
				Identifier:      strings.TrimSpace(args[0]),
				Password:        secret,
				AuthFactorToken: strings.TrimSpace(authFactorToken),
			}

			return app.withSession(cmd.Context(), cmd.ErrOrStderr(), func(ctx context.Context, c *application.Coordinator) error {
				err := runOperation(ctx, cmd.ErrOrStderr(), "Signing in...", func(ctx context.Context) error {
					return c.Login(ctx, req, "LoginForm")
				})
				if errors.Is(err, domain.ErrAuthFactorTokenRequired) {
					return fmt.Errorf("%w: check your email for a sign-in code and pass it with --auth-factor-token", err)
				}
				if err != nil {
					return err
				}

				return printCurrent(cmd.OutOrStdout(), c, "Signed in as")
			})
		},
	}

	cmd.Flags().StringVar(&service, "service", "", "Service URL (defaults to the configured service)")
	cmd.Flags().StringVar(&password, "password", "", "Account or app password (defaults to $"+passwordEnv+", then stdin)")
	cmd.Flags().StringVar(&authFactorToken, "auth-factor-token", "", "Sign-in code sent by email when two-factor is enabled")

	return cmd
}

func newLogoutCmd(app *app) *cobra.Command {
	var all bool

	cmd := &cobra.Command{
		Use:   "logout",
		Short: "Sign out of the current account",
		Long:  "Sign out of the current account. The account stays in the roster so it can be switched back to. With --all every account loses its session.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return app.withSession(cmd.Context(), cmd.ErrOrStderr(), func(ctx context.Context, c *application.Coordinator) error {
				if all {
					if err := c.LogoutEveryAccount(ctx, "Settings"); err != nil {
						return err
					}
					_, err := fmt.Fprintln(cmd.OutOrStdout(), "Signed out of every account")
					return err
				}

				current, ok := c.CurrentAccount()
				if !ok {
					_, err := fmt.Fprintln(cmd.OutOrStdout(), "No account is signed in")
					return err
				}
				if err := c.LogoutCurrentAccount("Settings"); err != nil {
					return err
				}
				_, err := fmt.Fprintf(cmd.OutOrStdout(), "Signed out of %s\n", current.DisplayName())
				return err
			})
		},
	}

	cmd.Flags().BoolVar(&all, "all", false, "Sign out of every account")

	return cmd
}

func resolvePassword(cmd *cobra.Command, flagValue string) (string, error) {
	if flagValue != "" {
		return flagValue, nil
	}
	if value := os.Getenv(passwordEnv); value != "" {
		return value, nil
	}

	_, _ = fmt.Fprint(cmd.ErrOrStderr(), "Password: ")
	line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("read password: %w", err)
	}
	password := strings.TrimRight(line, "\r\n")
	if password == "" {
		return "", errors.New("password is required")
	}
	return password, nil
}

func serviceOrDefault(service string, app *app) string {
	if trimmed := strings.TrimRight(strings.TrimSpace(service), "/"); trimmed != "" {
		return trimmed
	}
	return app.cfg.Service
}

func printCurrent(out io.Writer, c *application.Coordinator, prefix string) error {
	current, ok := c.CurrentAccount()
	if !ok {
		return domain.ErrNoSession
	}
	_, err := fmt.Fprintf(out, "%s %s (%s)\n", prefix, current.DisplayName(), current.DID)
	return err
}
