package cmd

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newStatusCmd() *cobra.Command {
	var (
		kbID       string
		jsonOutput bool
	)

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show document processing status for a knowledge base",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, cleanup, err := openApp(cmd.Context(), true)
			if err != nil {
				return err
			}
			defer cleanup()

			ctx := cmd.Context()
			docs, err := a.KB.ListDocuments(ctx, kbID, false)
			if err != nil {
				return err
			}

			if jsonOutput {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(docs)
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tFILE\tSTATUS\tPROGRESS\tSTAGE\tCHUNKS\tERROR")
			for _, d := range docs {
				fmt.Fprintf(w, "%s\t%s\t%s\t%d%%\t%s\t%d\t%s\n",
					d.ID, d.Filename, d.Status, d.Progress, d.Stage, d.ChunkCount, d.ErrorMessage)
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVar(&kbID, "kb", "", "Knowledge base ID (required)")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")
	_ = cmd.MarkFlagRequired("kb")
	return cmd
}
