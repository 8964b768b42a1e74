// Package orchestrator wires the subsystems together and exposes the
// operations the API surface needs.
package orchestrator

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/mediagrab/mediagrab/internal/admission"
	"github.com/mediagrab/mediagrab/internal/capture"
	"github.com/mediagrab/mediagrab/internal/clock/system"
	"github.com/mediagrab/mediagrab/internal/config"
	"github.com/mediagrab/mediagrab/internal/diagnostics"
	"github.com/mediagrab/mediagrab/internal/extract"
	"github.com/mediagrab/mediagrab/internal/fetch"
	"github.com/mediagrab/mediagrab/internal/grab"
	"github.com/mediagrab/mediagrab/internal/id/uuid"
	"github.com/mediagrab/mediagrab/internal/pool"
	memorypub "github.com/mediagrab/mediagrab/internal/publisher/memory"
	pubsubpub "github.com/mediagrab/mediagrab/internal/publisher/pubsub"
	"github.com/mediagrab/mediagrab/internal/queue"
	gcsstore "github.com/mediagrab/mediagrab/internal/store/gcs"
	localstore "github.com/mediagrab/mediagrab/internal/store/local"
	memorystore "github.com/mediagrab/mediagrab/internal/store/memory"
)

// ServiceStats aggregates per-subsystem stats for the stats endpoint.
type ServiceStats struct {
	Pool        pool.Stats        `json:"pool"`
	Queue       queue.Stats       `json:"queue"`
	Admission   admission.Stats   `json:"admission"`
	Diagnostics diagnostics.Stats `json:"diagnostics"`
}

// closer is a teardown step registered during construction.
type closer func()

// Orchestrator owns subsystem lifecycles.
type Orchestrator struct {
	cfg        config.Config
	logger     *zap.Logger
	pool       *pool.Pool
	adm        *admission.Controller
	diag       *diagnostics.Recorder
	cache      *capture.Cache
	queue      *queue.Queue
	strategies []fetch.Strategy
	closers    []closer
}

// New builds the full subsystem graph from configuration. The rendering
// engine itself stays cold until the first job needs it.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger) (*Orchestrator, error) {
	clk := system.New()
	idGen := uuid.New()

	o := &Orchestrator{cfg: cfg, logger: logger}

	store, err := o.buildStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	publisher, err := o.buildPublisher(ctx, cfg)
	if err != nil {
		return nil, err
	}

	o.adm = admission.New(admission.Config{
		MinDelay:      cfg.Admission.MinDelay(),
		MaxPerMinute:  cfg.Admission.MaxPerMinute,
		BurstCooldown: cfg.Admission.BurstCooldown(),
	}, clk, logger.Named("admission"))

	o.diag = diagnostics.New(diagnostics.Config{
		Dir:             cfg.Diagnostics.Dir,
		MaxRecords:      cfg.Diagnostics.MaxRecords,
		MinPayloadLen:   cfg.Diagnostics.MinPayloadLen,
		PayloadCapBytes: cfg.Diagnostics.PayloadCapBytes,
	}, clk, logger.Named("diagnostics"))

	launcher := pool.NewChromeLauncher(pool.ChromeConfig{
		UserAgent:  cfg.Pool.UserAgent,
		NavTimeout: cfg.Pool.NavTimeout(),
	})
	o.pool = pool.New(pool.Config{
		MaxSessions:   cfg.Pool.MaxSessions,
		MaxRequests:   cfg.Pool.MaxRequests,
		MaxMemoryMB:   cfg.Pool.MaxMemoryMB,
		IdleTimeout:   cfg.Pool.IdleTimeout(),
		MemoryCheck:   cfg.Pool.MemoryCheckInterval(),
		MemorySampler: pool.ResidentMemoryMB,
	}, launcher, clk, logger.Named("pool"))
	o.closers = append(o.closers, o.pool.Close)

	o.cache = capture.New(cfg.Capture.Capacity, time.Duration(cfg.Capture.TTLSec)*time.Second, clk)
	o.closers = append(o.closers, o.cache.Close)

	extractor := &extract.MetaTagExtractor{
		SettleDelay: time.Duration(cfg.Pool.SettleDelayMs) * time.Millisecond,
		CaptureWait: time.Duration(cfg.Pool.CaptureWaitMs) * time.Millisecond,
	}

	fetchTimeout := cfg.Queue.FetchTimeout()
	strategies := []fetch.Strategy{
		fetch.NewResty(fetch.DesktopProfile(), fetchTimeout),
		fetch.NewResty(fetch.MobileProfile(), fetchTimeout),
		fetch.NewColly(cfg.Pool.UserAgent, fetchTimeout),
	}
	if !cfg.Pool.HeadlessDisable {
		strategies = append(strategies,
			fetch.NewRender(fetch.RenderConfig{DownloadTimeout: fetchTimeout}, o.pool, extractor, o.cache))
	}
	o.strategies = strategies

	o.queue = queue.New(queue.Config{
		MaxConcurrent:     cfg.Queue.MaxConcurrent,
		MinPayloadBytes:   cfg.Queue.MinPayloadBytes,
		FetchTimeout:      fetchTimeout,
		JobTimeout:        cfg.Queue.JobTimeout(),
		Retention:         cfg.Queue.Retention(),
		RateLimitCooldown: cfg.Admission.BurstCooldown(),
		Topic:             cfg.Publisher.Topic,
		ContentType:       cfg.Storage.ContentType,
	}, o.adm, strategies, o.diag, store, publisher, idGen, clk, logger.Named("queue"))

	return o, nil
}

func (o *Orchestrator) buildStore(ctx context.Context, cfg config.Config) (grab.Store, error) {
	switch cfg.Storage.Provider {
	case "memory":
		return memorystore.New(), nil
	case "local":
		return localstore.New(cfg.Storage.BaseDir)
	case "gcs":
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("create storage client: %w", err)
		}
		o.closers = append(o.closers, func() { client.Close() })
		return gcsstore.New(client, cfg.Storage.GCSBucket)
	default:
		return nil, fmt.Errorf("unknown storage provider: %s", cfg.Storage.Provider)
	}
}

func (o *Orchestrator) buildPublisher(ctx context.Context, cfg config.Config) (grab.Publisher, error) {
	switch cfg.Publisher.Provider {
	case "memory":
		return memorypub.New(), nil
	case "pubsub":
		client, err := pubsub.NewClient(ctx, cfg.Publisher.ProjectID)
		if err != nil {
			return nil, fmt.Errorf("create pubsub client: %w", err)
		}
		o.closers = append(o.closers, func() { client.Close() })
		pub, err := pubsubpub.New(client, cfg.Publisher.Topic)
		if err != nil {
			return nil, err
		}
		o.closers = append(o.closers, pub.Close)
		return pub, nil
	default:
		return nil, fmt.Errorf("unknown publisher provider: %s", cfg.Publisher.Provider)
	}
}

// Submit enqueues a batch of download jobs.
func (o *Orchestrator) Submit(items []grab.SubmitItem, dest grab.DestinationContext) (string, error) {
	return o.queue.Submit(items, dest)
}

// GetStatus returns the batch's current view.
func (o *Orchestrator) GetStatus(batchID string) (grab.Batch, error) {
	return o.queue.Status(batchID)
}

// GetStats aggregates subsystem stats.
func (o *Orchestrator) GetStats() ServiceStats {
	return ServiceStats{
		Pool:        o.pool.Stats(),
		Queue:       o.queue.Stats(),
		Admission:   o.adm.Stats(),
		Diagnostics: o.diag.Stats(),
	}
}

// Shutdown drains the queue, then tears subsystems down in reverse
// construction order.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	err := o.queue.Shutdown(ctx)
	for i := len(o.closers) - 1; i >= 0; i-- {
		o.closers[i]()
	}
	return err
}
