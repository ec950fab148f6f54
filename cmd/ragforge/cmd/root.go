// Package cmd provides the CLI commands for ragforge.
package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/ragforge/ragforge/internal/app"
	"github.com/ragforge/ragforge/internal/config"
	"github.com/ragforge/ragforge/internal/logging"
	"github.com/ragforge/ragforge/pkg/version"
)

var (
	configPath string
	dataDir    string
)

// NewRootCmd creates the root command for the ragforge CLI.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ragforge",
		Short: "Multi-tenant RAG engine with hybrid retrieval",
		Long: `ragforge manages knowledge bases of uploaded documents and answers
questions over them using hybrid (dense + BM25) retrieval.

Documents are chunked, embedded, and indexed in the background; retrieval
fuses vector similarity with full-text scoring and can follow document
structure for numbered questions and chapters.`,
		Version:       version.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.SetVersionTemplate(version.String() + "\n")

	cmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to config file (YAML)")
	cmd.PersistentFlags().StringVar(&dataDir, "data-dir", "", "Override the data directory")

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newKBCmd())
	cmd.AddCommand(newIngestCmd())
	cmd.AddCommand(newAskCmd())
	cmd.AddCommand(newStatusCmd())

	return cmd
}

// Execute runs the root command.
func Execute() error {
	cmd := NewRootCmd()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return err
	}
	return nil
}

// loadConfig reads the configuration and applies CLI overrides.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if dataDir != "" {
		cfg.Paths.DataDir = dataDir
	}
	return cfg, nil
}

// openApp builds a fully verified App. The returned cleanup releases the
// logger and the App in order. Quiet mode drops log lines that would
// otherwise clutter one-shot command output when no log file is configured.
func openApp(ctx context.Context, quiet bool) (*app.App, func(), error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}

	var (
		logger     *slog.Logger
		logCleanup = func() {}
	)
	if quiet && cfg.Server.LogFile == "" {
		logger = slog.New(slog.DiscardHandler)
	} else {
		logger, logCleanup, err = logging.Setup(logging.Config{
			Level:    cfg.Server.LogLevel,
			FilePath: cfg.Server.LogFile,
		})
		if err != nil {
			return nil, nil, err
		}
	}

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		logCleanup()
		return nil, nil, err
	}
	if err := a.VerifyStartup(ctx); err != nil {
		a.Close()
		logCleanup()
		return nil, nil, err
	}

	cleanup := func() {
		a.Close()
		logCleanup()
	}
	return a, cleanup, nil
}
