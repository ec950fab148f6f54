package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ragforge/ragforge/internal/rag"
	"github.com/ragforge/ragforge/internal/settings"
)

func newAskCmd() *cobra.Command {
	var (
		kbID       string
		mode       string
		topK       int
		structure  bool
		selfCheck  bool
		jsonOutput bool
	)

	cmd := &cobra.Command{
		Use:   "ask <question>",
		Short: "Answer a question against a knowledge base",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, cleanup, err := openApp(cmd.Context(), true)
			if err != nil {
				return err
			}
			defer cleanup()

			ctx := cmd.Context()
			knowledgeBase, err := a.KB.GetKnowledgeBase(ctx, kbID)
			if err != nil {
				return err
			}
			appSettings, err := a.Meta.GetAppSettings(ctx)
			if err != nil {
				return err
			}

			// Flag values become request-level overrides, the highest
			// precedence settings source.
			request := map[string]any{}
			if mode != "" {
				request[settings.KeyRetrievalMode] = mode
			}
			if topK > 0 {
				request[settings.KeyTopK] = topK
			}
			if structure {
				request[settings.KeyUseStructure] = true
			}
			cfg, err := settings.Resolve(request, nil, knowledgeBase, appSettings)
			if err != nil {
				return err
			}

			answer, err := a.Orchestrator.Ask(ctx, rag.Request{
				KB:        knowledgeBase,
				Question:  args[0],
				Config:    cfg,
				SelfCheck: selfCheck,
			})
			if err != nil {
				return err
			}

			if jsonOutput {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(answer)
			}

			fmt.Fprintln(cmd.OutOrStdout(), answer.Answer)
			if len(answer.Sources) > 0 {
				fmt.Fprintln(cmd.OutOrStdout())
				for i, src := range answer.Sources {
					fmt.Fprintf(cmd.OutOrStdout(), "[%d] %s chunk %d (score %.3f)\n",
						i+1, src.Filename, src.ChunkIndex, src.Score)
				}
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&kbID, "kb", "", "Knowledge base ID (required)")
	cmd.Flags().StringVar(&mode, "mode", "", "Retrieval mode override (dense, hybrid)")
	cmd.Flags().IntVar(&topK, "top-k", 0, "Number of chunks to retrieve")
	cmd.Flags().BoolVar(&structure, "structure", false, "Use structure-aware retrieval")
	cmd.Flags().BoolVar(&selfCheck, "self-check", false, "Validate the answer with a second LLM pass")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")
	_ = cmd.MarkFlagRequired("kb")
	return cmd
}
