package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var addAccountNoBrowser bool

var addAccountCmd = &cobra.Command{
	Use:   "add-account",
	Short: "Authorize a Gmail account from this machine",
	Long: `Authorize a Gmail account with a local browser flow and store its
credential for unattended sweeps.

The account is identified by the email Google reports, so there is no
email argument. Consent is always requested so that Google returns a
refresh token.

Examples:
  sheetvault add-account
  sheetvault add-account --no-browser`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		flow, err := newFlow(cmd.Context(), a.creds, "")
		if err != nil {
			return err
		}

		rec, err := flow.BrowserFlow(cmd.Context(), !addAccountNoBrowser)
		if err != nil {
			return fmt.Errorf("authorize: %w", err)
		}

		fmt.Printf("Authorized %s.\n", rec.Identity)
		fmt.Println("Run 'sheetvault sync' to collect its attachments now, or 'sheetvault serve' to sweep on a schedule.")
		return nil
	},
}

func init() {
	addAccountCmd.Flags().BoolVar(&addAccountNoBrowser, "no-browser", false, "print the authorization URL instead of opening a browser")
	rootCmd.AddCommand(addAccountCmd)
}
