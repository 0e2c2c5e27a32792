package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/wesm/sheetvault/internal/blobstore"
)

var listFilesJSON bool

var listFilesCmd = &cobra.Command{
	Use:   "list-files <email>",
	Short: "List an account's stored attachments",
	Long: `List the attachments stored under an account's namespace, newest
first, with their public URLs.

Examples:
  sheetvault list-files you@example.com
  sheetvault list-files you@example.com --json`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		blobs, err := openBlobStore(ctx, cfg)
		if err != nil {
			return err
		}
		files, err := blobstore.NewFiles(blobs).WithLogger(logger).List(ctx, args[0])
		if err != nil {
			return fmt.Errorf("list files: %w", err)
		}

		if listFilesJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(files)
		}
		if len(files) == 0 {
			fmt.Printf("No files stored for %s.\n", args[0])
			return nil
		}
		outputFilesTable(os.Stdout, files)
		return nil
	},
}

func outputFilesTable(out io.Writer, files []blobstore.StoredObject) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "INGESTED\tNAME\tSIZE\tURL")
	for _, f := range files {
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", formatTime(f.IngestedAt), f.Filename, f.Size, f.URL)
	}
	w.Flush()
	fmt.Fprintf(out, "\n%d file(s)\n", len(files))
}

func init() {
	listFilesCmd.Flags().BoolVar(&listFilesJSON, "json", false, "output as JSON")
	rootCmd.AddCommand(listFilesCmd)
}
