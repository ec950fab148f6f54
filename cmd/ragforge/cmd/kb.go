package cmd

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/ragforge/ragforge/internal/kb"
)

func newKBCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "kb",
		Short: "Manage knowledge bases",
	}
	cmd.AddCommand(newKBCreateCmd())
	cmd.AddCommand(newKBListCmd())
	cmd.AddCommand(newKBDeleteCmd())
	return cmd
}

func newKBCreateCmd() *cobra.Command {
	var (
		chunkSize    int
		chunkOverlap int
		strategy     string
	)

	cmd := &cobra.Command{
		Use:   "create <name>",
		Short: "Create a knowledge base",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, cleanup, err := openApp(cmd.Context(), true)
			if err != nil {
				return err
			}
			defer cleanup()

			created, err := a.KB.CreateKnowledgeBase(cmd.Context(), kb.CreateParams{
				Name:           args[0],
				EmbeddingModel: a.Embedder.ModelName(),
				EmbeddingDim:   a.Embedder.Dimensions(),
				ChunkSize:      chunkSize,
				ChunkOverlap:   chunkOverlap,
				ChunkStrategy:  strategy,
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "created knowledge base %s (%s)\n", created.ID, created.Name)
			return nil
		},
	}

	cmd.Flags().IntVar(&chunkSize, "chunk-size", 0, "Chunk size in characters (default from engine)")
	cmd.Flags().IntVar(&chunkOverlap, "chunk-overlap", 0, "Chunk overlap in characters")
	cmd.Flags().StringVar(&strategy, "chunk-strategy", "", "Chunking strategy (smart, fixed, paragraph)")
	return cmd
}

func newKBListCmd() *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List knowledge bases",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, cleanup, err := openApp(cmd.Context(), true)
			if err != nil {
				return err
			}
			defer cleanup()

			kbs, err := a.KB.ListKnowledgeBases(cmd.Context(), false)
			if err != nil {
				return err
			}

			if jsonOutput {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(kbs)
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tDOCS\tCHUNKS\tMODEL")
			for _, k := range kbs {
				fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%s\n",
					k.ID, k.Name, k.DocumentCount, k.TotalChunks, k.EmbeddingModel)
			}
			return w.Flush()
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")
	return cmd
}

func newKBDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <kb-id>",
		Short: "Delete a knowledge base and all its documents",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, cleanup, err := openApp(cmd.Context(), true)
			if err != nil {
				return err
			}
			defer cleanup()

			if err := a.KB.DeleteKnowledgeBase(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted knowledge base %s\n", args[0])
			return nil
		},
	}
}
