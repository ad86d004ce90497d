package cmd

import "github.com/spf13/cobra"

func Execute() error {
	return newRootCmd().Execute()
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "bsa",
		Short:         "Bluesky Accounts CLI (bsa): sign in and switch between accounts",
		Long:          "bsa keeps a roster of Bluesky accounts, signs them in and out, and switches the current account. Every running bsa sees the changes made by the others.",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	app, err := wireApp()
	if err != nil {
		rootCmd.RunE = func(_ *cobra.Command, _ []string) error {
			return err
		}
		return rootCmd
	}

	rootCmd.AddCommand(
		newVersionCmd(),
		newLoginCmd(app),
		newLogoutCmd(app),
		newAccountCmd(app),
		newStatusCmd(app),
		newWhoamiCmd(app),
		newWatchCmd(app),
	)

	return rootCmd
}
