package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/ragforge/ragforge/internal/ingest"
	"github.com/ragforge/ragforge/internal/kb"
	"github.com/ragforge/ragforge/internal/store"
)

func newIngestCmd() *cobra.Command {
	var (
		kbID string
		wait bool
	)

	cmd := &cobra.Command{
		Use:   "ingest <file>...",
		Short: "Upload documents into a knowledge base",
		Long: `Upload one or more text documents (txt, md, fb2, docx) into a
knowledge base and run the ingestion pipeline on them. With --wait the
command polls until every document reaches a terminal status.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runIngest(cmd.Context(), cmd, kbID, args, wait)
		},
	}

	cmd.Flags().StringVar(&kbID, "kb", "", "Knowledge base ID (required)")
	cmd.Flags().BoolVar(&wait, "wait", true, "Wait for ingestion to finish")
	_ = cmd.MarkFlagRequired("kb")
	return cmd
}

func runIngest(ctx context.Context, cmd *cobra.Command, kbID string, paths []string, wait bool) error {
	a, cleanup, err := openApp(ctx, true)
	if err != nil {
		return err
	}
	defer cleanup()

	var ids []string
	for _, path := range paths {
		content, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		filename := filepath.Base(path)
		fileType := strings.TrimPrefix(filepath.Ext(filename), ".")

		doc, err := a.KB.UploadDocument(ctx, kb.UploadParams{
			KnowledgeBaseID: kbID,
			Filename:        filename,
			FileType:        fileType,
			Content:         content,
		})
		if err != nil {
			return err
		}
		if err := a.Runner.Enqueue(doc.ID, ingest.OpIngest); err != nil {
			return err
		}
		ids = append(ids, doc.ID)
		fmt.Fprintf(cmd.OutOrStdout(), "queued %s as document %s\n", filename, doc.ID)
	}

	if !wait {
		return nil
	}
	for _, id := range ids {
		doc, err := waitForDocument(ctx, a.KB, id)
		if err != nil {
			return err
		}
		if doc.Status == store.StatusCompleted {
			fmt.Fprintf(cmd.OutOrStdout(), "%s: completed, %d chunks\n", doc.Filename, doc.ChunkCount)
		} else {
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %s (%s)\n", doc.Filename, doc.Status, doc.ErrorMessage)
		}
	}
	return nil
}

// waitForDocument polls until the document reaches a terminal status.
func waitForDocument(ctx context.Context, svc *kb.Service, id string) (*store.Document, error) {
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		doc, err := svc.GetDocument(ctx, id)
		if err != nil {
			return nil, err
		}
		if doc.Status == store.StatusCompleted || doc.Status == store.StatusFailed {
			return doc, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
