package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	statusadapter "github.com/bnema/bsky-accounts-cli/internal/adapters/render/status"
	"github.com/bnema/bsky-accounts-cli/internal/application"
	"github.com/bnema/bsky-accounts-cli/internal/domain"
	"github.com/spf13/cobra"
)

func newWatchCmd(app *app) *cobra.Command {
	var roster bool

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Stay signed in and report account changes until interrupted",
		Long:  "watch keeps the current session alive and prints a line whenever the roster or the current account changes, including changes made by other bsa processes.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return app.withSession(ctx, cmd.ErrOrStderr(), func(ctx context.Context, c *application.Coordinator) error {
				out := cmd.OutOrStdout()
				if roster {
					return statusadapter.Stream(ctx, rosterUpdates(ctx, c), statusadapter.RenderOptions{}, out)
				}

				unsubscribe := c.OnSessionDropped(func(did domain.DID) {
					_, _ = fmt.Fprintf(out, "session dropped: %s\n", did)
				})
				defer unsubscribe()

				_, _ = fmt.Fprintln(out, describeView(c.Session()))
				for view := range c.Changes(ctx) {
					_, _ = fmt.Fprintln(out, describeView(view))
				}
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&roster, "roster", false, "Redraw the full account table on every change")

	return cmd
}

// rosterUpdates yields the current roster followed by one roster per change.
// The channel closes when ctx ends or the coordinator stops.
func rosterUpdates(ctx context.Context, c *application.Coordinator) <-chan []application.Status {
	changes := c.Changes(ctx)
	updates := make(chan []application.Status)

	go func() {
		defer close(updates)

		next := application.Statuses(c.Session())
		for {
			select {
			case updates <- next:
			case <-ctx.Done():
				return
			}

			view, ok := <-changes
			if !ok {
				return
			}
			next = application.Statuses(view)
		}
	}()

	return updates
}

func describeView(view application.SessionView) string {
	current := "none"
	if view.CurrentAccount != nil {
		current = view.CurrentAccount.DisplayName()
	}
	return fmt.Sprintf("accounts: %d, current: %s", len(view.Accounts), current)
}
