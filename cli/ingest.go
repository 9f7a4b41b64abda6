package cli

import (
	"context"

	"github.com/spf13/cobra"

	"copilot.mailarchive.org/events"
	"copilot.mailarchive.org/pipeline"
)

var (
	ingestSourceName string
	ingestPath       string
	ingestSourceType string
)

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Ingest archive files from a source and publish archive.ingested",
	Long: `Ingest reads archive files from a local path or a blob store
prefix, stores their bytes, records one archive document per file and
publishes archive.ingested for each new one. Re-running over the same
files is a no-op. It runs to completion and exits; schedule it
externally.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signalContext(context.Background())
		defer stop()

		r, err := newRuntime(cfg)
		if err != nil {
			return err
		}
		defer r.close()

		deps, err := r.stageDeps(ctx)
		if err != nil {
			return err
		}
		blobs, err := r.buildBlobs(ctx)
		if err != nil {
			return err
		}

		// The queues the ingest publishes into must exist before the
		// first publish; a worker may not have started yet.
		busDriver, _, err := r.buildBus()
		if err != nil {
			return err
		}
		for _, eventType := range []string{events.TypeArchiveIngested, events.TypeArchiveIngestionFailed} {
			if err := busDriver.DeclareQueue(eventType); err != nil {
				return err
			}
		}

		ingester := pipeline.NewIngester(deps, blobs)
		return ingester.Ingest(ctx, pipeline.Source{
			Name:       ingestSourceName,
			Locator:    ingestPath,
			SourceType: ingestSourceType,
		})
	},
}

func init() {
	ingestCmd.Flags().StringVar(&ingestSourceName, "source", "", "logical source name (required)")
	ingestCmd.Flags().StringVar(&ingestPath, "path", "", "directory, file, or blob prefix to ingest (required)")
	ingestCmd.Flags().StringVar(&ingestSourceType, "source-type", "fs", "where the path lives: fs or blob")
	_ = ingestCmd.MarkFlagRequired("source")
	_ = ingestCmd.MarkFlagRequired("path")
	rootCmd.AddCommand(ingestCmd)
}
