package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/wesm/sheetvault/internal/credential"
	"github.com/wesm/sheetvault/internal/store"
)

var listAccountsJSON bool

var listAccountsCmd = &cobra.Command{
	Use:   "list-accounts",
	Short: "List authorized accounts",
	Long: `List every account with a stored credential, its watermark and the
outcome of its last sync.

Examples:
  sheetvault list-accounts
  sheetvault list-accounts --json`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		accounts, err := collectAccounts(cmd.Context(), a.creds, a.store)
		if err != nil {
			return err
		}
		if len(accounts) == 0 {
			fmt.Println("No accounts found. Use 'sheetvault add-account' or the /authorize page to add one.")
			return nil
		}

		if listAccountsJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(accounts)
		}
		outputAccountsTable(os.Stdout, accounts)
		return nil
	},
}

type accountRow struct {
	Email      string    `json:"email"`
	Unattended bool      `json:"unattended"`
	Watermark  time.Time `json:"watermark"`
	LastStatus string    `json:"last_status,omitempty"`
	LastError  string    `json:"last_error,omitempty"`
	LastRunAt  time.Time `json:"last_run_at"`
}

func collectAccounts(ctx context.Context, creds credential.Store, st *store.Store) ([]accountRow, error) {
	records, err := creds.ListAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}

	rows := make([]accountRow, 0, len(records))
	for _, rec := range records {
		row := accountRow{Email: rec.Identity, Unattended: rec.Unattended()}
		if row.Watermark, err = st.GetWatermark(ctx, rec.Identity); err != nil {
			return nil, fmt.Errorf("get watermark for %s: %w", rec.Identity, err)
		}
		run, err := st.LastRun(ctx, rec.Identity)
		if err != nil {
			return nil, fmt.Errorf("get last run for %s: %w", rec.Identity, err)
		}
		if run != nil {
			row.LastStatus = run.Status
			row.LastError = run.ErrorMessage.String
			row.LastRunAt = run.StartedAt
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func outputAccountsTable(out io.Writer, accounts []accountRow) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "EMAIL\tUNATTENDED\tWATERMARK\tLAST RUN\tSTATUS")
	fmt.Fprintln(w, "─────\t──────────\t─────────\t────────\t──────")

	for _, acc := range accounts {
		fmt.Fprintf(w, "%s\t%t\t%s\t%s\t%s\n",
			acc.Email, acc.Unattended, formatTime(acc.Watermark), formatTime(acc.LastRunAt), dash(acc.LastStatus))
	}

	w.Flush()
	fmt.Fprintf(out, "\n%d account(s)\n", len(accounts))
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func init() {
	listAccountsCmd.Flags().BoolVar(&listAccountsJSON, "json", false, "output as JSON")
	rootCmd.AddCommand(listAccountsCmd)
}
