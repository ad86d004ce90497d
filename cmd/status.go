package cmd

import (
	"context"
	"encoding/json"
	"fmt"

	statusadapter "github.com/bnema/bsky-accounts-cli/internal/adapters/render/status"
	"github.com/bnema/bsky-accounts-cli/internal/application"
	"github.com/spf13/cobra"
)

func newStatusCmd(app *app) *cobra.Command {
	var (
		asJSON  bool
		verbose bool
	)

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the account roster and the current account",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return app.withSession(cmd.Context(), cmd.ErrOrStderr(), func(_ context.Context, c *application.Coordinator) error {
				return writeStatusesOutput(cmd, app, application.Statuses(c.Session()), verbose, asJSON)
			})
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Print statuses as JSON")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Show service, PDS and email details")

	return cmd
}

func writeStatusesOutput(cmd *cobra.Command, app *app, statuses []application.Status, verbose bool, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(statuses)
	}

	rendered, err := app.statusRenderer(statuses, statusadapter.RenderOptions{Verbose: verbose})
	if err != nil {
		return fmt.Errorf("render status: %w", err)
	}

	_, err = fmt.Fprintln(cmd.OutOrStdout(), rendered)
	return err
}
