package cli

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"copilot.mailarchive.org/bus"
	"copilot.mailarchive.org/events"
	"copilot.mailarchive.org/pipeline"
	"copilot.mailarchive.org/supervisor"
	"copilot.mailarchive.org/version"
	"copilot.mailarchive.org/worker"
)

// handlerBuilder constructs one stage's handler on top of a prepared
// runtime.
type handlerBuilder func(ctx context.Context, r *runtime) (bus.Handler, error)

// runWorker is the shared body of every stage command: build the
// drivers, wrap the handler in a worker and consume until a signal.
func runWorker(eventType string, build handlerBuilder) error {
	ctx, stop := signalContext(context.Background())
	defer stop()

	r, err := newRuntime(cfg)
	if err != nil {
		return err
	}
	defer r.close()

	handler, err := build(ctx, r)
	if err != nil {
		return err
	}
	busDriver, pub, err := r.buildBus()
	if err != nil {
		return err
	}

	// Recover this stage's abandoned work before consuming, so crashed
	// in-flight documents come back even without a supervisor process.
	if err := busDriver.DeclareQueue(eventType); err != nil {
		return err
	}
	store, err := r.buildStore(ctx)
	if err != nil {
		return err
	}
	initial, max := cfg.Retry.Durations()
	sup := supervisor.New(store, pub, nil, r.collector, supervisor.Config{
		StallThreshold: cfg.Supervisor.StallThreshold(),
		MaxRetries:     cfg.Supervisor.MaxRetries,
		BaseBackoff:    initial,
		MaxBackoff:     max,
	})
	if err := sup.StartupRequeueStage(ctx, eventType); err != nil {
		return err
	}

	w, err := worker.New(worker.Config{
		EventType:   eventType,
		MetricsAddr: cfg.Metrics.Listen,
		Version:     version.String(),
	}, busDriver, handler, r.collector)
	if err != nil {
		return err
	}
	return w.Run(ctx)
}

var parseCmd = &cobra.Command{
	Use:   "parse",
	Short: "Consume archive.ingested: decompose archives into messages and threads",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runWorker(events.TypeArchiveIngested, func(ctx context.Context, r *runtime) (bus.Handler, error) {
			deps, err := r.stageDeps(ctx)
			if err != nil {
				return nil, err
			}
			blobs, err := r.buildBlobs(ctx)
			if err != nil {
				return nil, err
			}
			return pipeline.NewParser(deps, blobs, nil).Handle, nil
		})
	},
}

var chunkCmd = &cobra.Command{
	Use:   "chunk",
	Short: "Consume json.parsed: split message bodies into chunks",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runWorker(events.TypeJSONParsed, func(ctx context.Context, r *runtime) (bus.Handler, error) {
			deps, err := r.stageDeps(ctx)
			if err != nil {
				return nil, err
			}
			strategy, err := r.buildChunker()
			if err != nil {
				return nil, err
			}
			return pipeline.NewChunker(deps, strategy).Handle, nil
		})
	},
}

var embedCmd = &cobra.Command{
	Use:   "embed",
	Short: "Consume chunks.prepared: embed chunks into the vector store",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runWorker(events.TypeChunksPrepared, func(ctx context.Context, r *runtime) (bus.Handler, error) {
			deps, err := r.stageDeps(ctx)
			if err != nil {
				return nil, err
			}
			embed, err := r.buildEmbedder()
			if err != nil {
				return nil, err
			}
			vectors, err := r.buildVectors()
			if err != nil {
				return nil, err
			}
			return pipeline.NewEmbedder(deps, embed, vectors, cfg.Embedding.BatchSize).Handle, nil
		})
	},
}

var orchestrateCmd = &cobra.Command{
	Use:   "orchestrate",
	Short: "Consume embeddings.generated: decide which threads get summaries",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runWorker(events.TypeEmbeddingsGenerated, func(ctx context.Context, r *runtime) (bus.Handler, error) {
			deps, err := r.stageDeps(ctx)
			if err != nil {
				return nil, err
			}
			embed, err := r.buildEmbedder()
			if err != nil {
				return nil, err
			}
			vectors, err := r.buildVectors()
			if err != nil {
				return nil, err
			}
			orchestrator := pipeline.NewOrchestrator(deps, embed, vectors, pipeline.OrchestratorConfig{
				TopK:                cfg.Retrieval.TopK,
				ContextWindowTokens: cfg.Retrieval.ContextWindowTokens,
				SummaryType:         cfg.Retrieval.SummaryType,
				LLMParams: events.LLMParams{
					Model:       cfg.LLM.Model,
					Temperature: cfg.LLM.Temperature,
					MaxTokens:   cfg.LLM.MaxTokens,
				},
			})
			return orchestrator.Handle, nil
		})
	},
}

var summarizeCmd = &cobra.Command{
	Use:   "summarize",
	Short: "Consume summarization.requested: generate and store summaries",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runWorker(events.TypeSummarizationRequested, func(ctx context.Context, r *runtime) (bus.Handler, error) {
			deps, err := r.stageDeps(ctx)
			if err != nil {
				return nil, err
			}
			backend, err := r.buildLLM()
			if err != nil {
				return nil, err
			}
			dedupe, err := r.buildCache()
			if err != nil {
				return nil, err
			}
			return pipeline.NewSummarizer(deps, backend, dedupe, 24*time.Hour).Handle, nil
		})
	},
}

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Consume summary.complete: deliver summaries to configured sinks",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runWorker(events.TypeSummaryComplete, func(ctx context.Context, r *runtime) (bus.Handler, error) {
			deps, err := r.stageDeps(ctx)
			if err != nil {
				return nil, err
			}
			timeout := time.Duration(cfg.Report.TimeoutSeconds) * time.Second
			return pipeline.NewReporter(deps, cfg.Report.Sinks, timeout).Handle, nil
		})
	},
}

func init() {
	rootCmd.AddCommand(parseCmd, chunkCmd, embedCmd, orchestrateCmd, summarizeCmd, reportCmd)
}
