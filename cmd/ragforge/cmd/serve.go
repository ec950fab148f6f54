package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the engine until interrupted",
		Long: `Open the data directory, verify the stores, recover documents left
mid-ingestion by a previous process, and keep the background ingestion
runner alive until SIGINT or SIGTERM.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), cmd)
		},
	}
}

func runServe(ctx context.Context, cmd *cobra.Command) error {
	a, cleanup, err := openApp(ctx, false)
	if err != nil {
		return err
	}
	defer cleanup()

	a.Logger.Info("engine_started",
		"data_dir", a.Config.Paths.DataDir,
		"embeddings_provider", a.Config.Embeddings.Provider,
		"embeddings_model", a.Embedder.ModelName(),
		"ingest_workers", a.Config.Ingestion.Workers)
	fmt.Fprintf(cmd.OutOrStdout(), "ragforge serving from %s (Ctrl+C to stop)\n", a.Config.Paths.DataDir)

	waitCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-waitCtx.Done()

	a.Logger.Info("engine_stopping", "active_ingestions", a.Runner.ActiveCount())
	fmt.Fprintln(cmd.OutOrStdout(), "shutting down")
	return nil
}
