package cli

import (
	"context"
	"fmt"

	log "github.com/sirupsen/logrus"

	"copilot.mailarchive.org/blobstore"
	"copilot.mailarchive.org/bus"
	"copilot.mailarchive.org/cache"
	"copilot.mailarchive.org/chunker"
	"copilot.mailarchive.org/config"
	"copilot.mailarchive.org/docstore"
	"copilot.mailarchive.org/embedder"
	"copilot.mailarchive.org/llm"
	"copilot.mailarchive.org/metrics"
	"copilot.mailarchive.org/pipeline"
	"copilot.mailarchive.org/schema"
	"copilot.mailarchive.org/vector"
	"copilot.mailarchive.org/worker"
)

// runtime holds the drivers a command built from configuration, so they
// can be closed together on shutdown. Only what a command asks for is
// constructed.
type runtime struct {
	cfg       *config.Config
	collector *metrics.Collector

	bus     bus.Bus
	pub     bus.Publisher
	store   docstore.Store
	vectors vector.Store
	blobs   blobstore.Store
	locks   cache.Cache

	closers []func() error
}

func newRuntime(cfg *config.Config) (*runtime, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &runtime{cfg: cfg, collector: metrics.NewCollector()}, nil
}

func (r *runtime) close() {
	for i := len(r.closers) - 1; i >= 0; i-- {
		if err := r.closers[i](); err != nil {
			log.WithError(err).Warn("Driver close failed")
		}
	}
}

func (r *runtime) onClose(f func() error) { r.closers = append(r.closers, f) }

// buildBus constructs the configured bus driver and wraps its publishing
// side with schema validation. Every canonical queue is declared up
// front so failure routing is always routable.
func (r *runtime) buildBus() (bus.Bus, bus.Publisher, error) {
	if r.bus != nil {
		return r.bus, r.pub, nil
	}

	var b bus.Bus
	var err error
	switch r.cfg.MessageBus.Type {
	case config.BusAMQP:
		b, err = bus.NewRabbitMQBus(bus.RabbitMQConfig{
			URL:                   r.cfg.MessageBus.URL,
			Exchange:              r.cfg.MessageBus.Exchange,
			HeartbeatSeconds:      r.cfg.MessageBus.HeartbeatSeconds,
			BlockedTimeoutSeconds: r.cfg.MessageBus.BlockedTimeoutSeconds,
		})
	case config.BusServiceBus:
		b, err = bus.NewServiceBusBus(bus.ServiceBusConfig{
			ConnectionString: r.cfg.MessageBus.ConnectionString,
			Topic:            r.cfg.MessageBus.Topic,
		})
	case config.BusMemory:
		b = bus.NewMemoryBus()
	default:
		err = fmt.Errorf("unknown message bus type %q", r.cfg.MessageBus.Type)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("message bus: %w", err)
	}

	registry, err := schema.NewRegistry()
	if err != nil {
		b.Close()
		return nil, nil, fmt.Errorf("schema registry: %w", err)
	}

	r.bus = b
	r.pub = schema.NewValidatingPublisher(b, registry)
	r.onClose(b.Close)
	return r.bus, r.pub, nil
}

func (r *runtime) buildStore(ctx context.Context) (docstore.Store, error) {
	if r.store != nil {
		return r.store, nil
	}
	switch r.cfg.DocumentStore.Type {
	case config.DocStoreCouchDB:
		store, err := docstore.NewCouchDBStore(ctx, docstore.CouchDBConfig{
			URL:      r.cfg.DocumentStore.URL,
			Username: r.cfg.DocumentStore.Username,
			Password: r.cfg.DocumentStore.Password,
			DBPrefix: r.cfg.DocumentStore.DBPrefix,
		})
		if err != nil {
			return nil, fmt.Errorf("document store: %w", err)
		}
		r.store = store
	case config.DocStoreMemory:
		r.store = docstore.NewMemoryStore()
	default:
		return nil, fmt.Errorf("unknown document store type %q", r.cfg.DocumentStore.Type)
	}
	r.onClose(r.store.Close)
	return r.store, nil
}

func (r *runtime) buildVectors() (vector.Store, error) {
	if r.vectors != nil {
		return r.vectors, nil
	}
	var err error
	switch r.cfg.VectorStore.Type {
	case config.VectorPgvector:
		r.vectors, err = vector.NewPgvectorStore(r.cfg.VectorStore.DSN, r.cfg.VectorStore.Dimension)
	case config.VectorBolt:
		r.vectors, err = vector.NewBoltStore(r.cfg.VectorStore.Path, r.cfg.VectorStore.Dimension)
	case config.VectorMemory:
		r.vectors, err = vector.NewMemoryStore(r.cfg.VectorStore.Dimension)
	default:
		err = fmt.Errorf("unknown vector store type %q", r.cfg.VectorStore.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("vector store: %w", err)
	}
	r.onClose(r.vectors.Close)
	return r.vectors, nil
}

func (r *runtime) buildBlobs(ctx context.Context) (blobstore.Store, error) {
	if r.blobs != nil {
		return r.blobs, nil
	}
	var err error
	switch r.cfg.BlobStore.Type {
	case config.BlobS3:
		r.blobs, err = blobstore.NewS3Store(ctx, blobstore.S3Config{
			Endpoint:  r.cfg.BlobStore.Endpoint,
			Region:    r.cfg.BlobStore.Region,
			Bucket:    r.cfg.BlobStore.Bucket,
			AccessKey: r.cfg.BlobStore.AccessKey,
			SecretKey: r.cfg.BlobStore.SecretKey,
		})
	case config.BlobFS:
		r.blobs, err = blobstore.NewFSStore(r.cfg.BlobStore.BasePath)
	case config.BlobMemory:
		r.blobs = blobstore.NewMemoryStore()
	default:
		err = fmt.Errorf("unknown blob store type %q", r.cfg.BlobStore.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("blob store: %w", err)
	}
	r.onClose(r.blobs.Close)
	return r.blobs, nil
}

func (r *runtime) buildCache() (cache.Cache, error) {
	if r.locks != nil {
		return r.locks, nil
	}
	var err error
	switch r.cfg.Cache.Type {
	case config.CacheRedis:
		r.locks, err = cache.NewRedisCache(r.cfg.Cache.URL)
	case config.CacheMemory:
		r.locks = cache.NewMemoryCache()
	default:
		err = fmt.Errorf("unknown cache type %q", r.cfg.Cache.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("cache: %w", err)
	}
	r.onClose(r.locks.Close)
	return r.locks, nil
}

func (r *runtime) buildEmbedder() (embedder.Embedder, error) {
	return embedder.New(r.cfg.Embedding)
}

func (r *runtime) buildLLM() (llm.Summarizer, error) {
	return llm.New(r.cfg.LLM)
}

func (r *runtime) buildChunker() (chunker.Strategy, error) {
	return chunker.New(r.cfg.Chunking)
}

// retryConfig converts the retry knobs for the backoff helper.
func (r *runtime) retryConfig() worker.RetryConfig {
	initial, max := r.cfg.Retry.Durations()
	return worker.RetryConfig{
		MaxAttempts:     r.cfg.Retry.MaxAttempts,
		InitialInterval: initial,
		MaxInterval:     max,
	}
}

// stageDeps assembles the dependency bundle shared by every stage
// handler.
func (r *runtime) stageDeps(ctx context.Context) (pipeline.Deps, error) {
	store, err := r.buildStore(ctx)
	if err != nil {
		return pipeline.Deps{}, err
	}
	_, pub, err := r.buildBus()
	if err != nil {
		return pipeline.Deps{}, err
	}
	return pipeline.Deps{
		Store:     store,
		Publisher: pub,
		Collector: r.collector,
		Retry:     r.retryConfig(),
	}, nil
}
