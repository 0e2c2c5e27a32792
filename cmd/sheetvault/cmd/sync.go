package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/wesm/sheetvault/internal/scheduler"
)

var (
	syncAccounts []string
	syncJSON     bool
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run one sweep now",
	Long: `Run one sweep over the stored accounts and print a per-account
summary. Each account resumes after its watermark, so repeated runs only
fetch new mail.

Examples:
  sheetvault sync
  sheetvault sync --account you@example.com
  sheetvault sync --json`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		sched, err := a.newScheduler()
		if err != nil {
			return fmt.Errorf("create scheduler: %w", err)
		}

		report, err := sched.RunOnce(cmd.Context(), syncAccounts...)
		if report == nil {
			return err
		}
		if syncJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			if encErr := enc.Encode(report); encErr != nil {
				return encErr
			}
		} else {
			printSweep(os.Stdout, report)
		}
		return err
	},
}

func printSweep(out io.Writer, report *scheduler.SweepReport) {
	if len(report.Identities) == 0 {
		fmt.Fprintln(out, "No accounts to sync. Use 'sheetvault add-account' or the /authorize page to add one.")
		return
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "EMAIL\tRESULT\tSTORED\tSKIPPED\tFAILED\tWATERMARK")
	for _, r := range report.Identities {
		stored, skipped, failed := 0, 0, 0
		if r.Report != nil {
			stored, skipped, failed = r.Report.Stored, r.Report.Skipped, len(r.Report.Failed)
		}
		mark := "-"
		if !r.WatermarkAfter.IsZero() {
			mark = r.WatermarkAfter.Local().Format("2006-01-02 15:04:05")
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%d\t%s\n", r.Identity, r.Result, stored, skipped, failed, mark)
	}
	w.Flush()

	for _, r := range report.Identities {
		if r.Error != "" {
			fmt.Fprintf(out, "\n%s: %s", r.Identity, r.Error)
		}
		if r.Report == nil {
			continue
		}
		for _, f := range r.Report.Failed {
			fmt.Fprintf(out, "\n%s: %s failure message=%s file=%q: %s", r.Identity, f.Kind, f.MessageID, f.Filename, f.Reason)
		}
	}
	fmt.Fprintf(out, "\nSweep %s: %s in %s\n", report.ID, report.Result, report.FinishedAt.Sub(report.StartedAt).Round(time.Millisecond))
}

func init() {
	syncCmd.Flags().StringSliceVar(&syncAccounts, "account", nil, "only sync these accounts (repeatable)")
	syncCmd.Flags().BoolVar(&syncJSON, "json", false, "print the sweep report as JSON")
	rootCmd.AddCommand(syncCmd)
}
