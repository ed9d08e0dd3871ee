// Package app builds the long-lived scraper services from configuration, acting as a
// dependency injection container for the commands.
package app

import (
	"context"
	"errors"
	"fmt"
	"os"

	"cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/torwi-dev/juscash/internal/archive/gcs"
	"github.com/torwi-dev/juscash/internal/archive/local"
	"github.com/torwi-dev/juscash/internal/breaker"
	"github.com/torwi-dev/juscash/internal/browser/headless"
	"github.com/torwi-dev/juscash/internal/clock/system"
	"github.com/torwi-dev/juscash/internal/config"
	"github.com/torwi-dev/juscash/internal/crawl"
	"github.com/torwi-dev/juscash/internal/document"
	"github.com/torwi-dev/juscash/internal/document/ocr"
	"github.com/torwi-dev/juscash/internal/document/pdf"
	"github.com/torwi-dev/juscash/internal/extract"
	"github.com/torwi-dev/juscash/internal/hash/sha256"
	"github.com/torwi-dev/juscash/internal/id/uuid"
	"github.com/torwi-dev/juscash/internal/metrics"
	"github.com/torwi-dev/juscash/internal/model"
	"github.com/torwi-dev/juscash/internal/notify/memory"
	"github.com/torwi-dev/juscash/internal/notify/pubsub"
	"github.com/torwi-dev/juscash/internal/pipeline"
	"github.com/torwi-dev/juscash/internal/registry"
)

// App holds the shared services of one process.
type App struct {
	cfg          config.Config
	logger       *zap.Logger
	registry     *registry.Client
	session      *headless.Session
	orchestrator *crawl.Orchestrator
	runner       *pipeline.Runner
	closers      []func() error
}

// New wires every component from cfg. It fails fast on configuration that cannot work,
// before any network call. The browser starts lazily on first use.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	loc, err := cfg.Location()
	if err != nil {
		return nil, fmt.Errorf("%w: run.time_zone: %w", config.ErrInvalid, err)
	}
	metrics.Init()

	a := &App{cfg: cfg, logger: logger}
	ok := false
	defer func() {
		if !ok {
			a.Close()
		}
	}()

	hasher := sha256.New()
	clock := system.New()

	hostName := cfg.Registry.HostName
	if hostName == "" {
		hostName, _ = os.Hostname()
	}
	a.registry, err = registry.New(registry.Config{
		BaseURL:           cfg.Registry.BaseURL,
		Token:             cfg.Registry.Token,
		Timeout:           cfg.Registry.Timeout,
		MaxAttempts:       cfg.Registry.MaxAttempts,
		BackoffBase:       cfg.Registry.BackoffBase,
		BackoffMax:        cfg.Registry.BackoffMax,
		RateLimitCooldown: cfg.Registry.RateLimitCooldown,
		BatchSize:         cfg.Registry.BatchSize,
		BatchDelay:        cfg.Registry.BatchDelay,
		Defendant:         cfg.Source.Defendant,
		SourceURL:         cfg.Source.SearchURL,
		HostName:          hostName,
		ExecutedBy:        cfg.Registry.ExecutedBy,
		Environment:       cfg.Registry.Environment,
		Breaker: breaker.Config{
			Name:             "registry",
			FailureThreshold: cfg.Breaker.Registry.FailureThreshold,
			RecoveryTimeout:  cfg.Breaker.Registry.RecoveryTimeout,
		},
	}, registry.WithLogger(logger.Named("registry")), registry.WithHasher(hasher))
	if err != nil {
		return nil, fmt.Errorf("build registry client: %w", err)
	}

	a.session, err = headless.NewSession(headless.Config{
		RemoteURL:         cfg.Browser.RemoteURL,
		Headless:          cfg.Browser.Headless,
		UserAgent:         cfg.Browser.UserAgent,
		NavigationTimeout: cfg.Browser.NavigationTimeout,
		ActionTimeout:     cfg.Source.StepTimeout,
		PollInterval:      cfg.Browser.PollInterval,
	}, logger.Named("browser"))
	if err != nil {
		return nil, fmt.Errorf("build browser session: %w", err)
	}
	a.closers = append(a.closers, func() error { a.session.Close(); return nil })

	a.orchestrator = crawl.New(crawl.Config{
		SearchURL:   cfg.Source.SearchURL,
		BaseURL:     cfg.Source.BaseURL,
		Section:     cfg.Source.Section,
		Query:       cfg.Source.Query,
		MaxPages:    cfg.Source.MaxPages,
		StepTimeout: cfg.Source.StepTimeout,
		PageDelay:   cfg.Source.PageDelay,
		SettleDelay: cfg.Source.SettleDelay,
		Breaker: breaker.Config{
			Name:             "browser",
			FailureThreshold: cfg.Breaker.Browser.FailureThreshold,
			RecoveryTimeout:  cfg.Breaker.Browser.RecoveryTimeout,
		},
	}, a.session, crawl.WithLogger(logger.Named("crawl")))

	documents := document.NewPipeline(
		document.Config{MaxBytes: cfg.Document.MaxBytes, DownloadDelay: cfg.Document.DownloadDelay},
		document.NewCollyDownloader(document.DownloaderConfig{
			UserAgent: cfg.Document.UserAgent,
			Timeout:   cfg.Document.DownloadTimeout,
			MaxBytes:  cfg.Document.MaxBytes,
		}),
		pdf.NewTextRenderer(cfg.Document.TextBinary, cfg.Document.TempDir),
		pdf.NewRasterizer(cfg.Document.DPI, cfg.Document.TempDir),
		ocr.New(ocr.Config{
			Binary:   cfg.Document.OCRBinary,
			Language: cfg.Document.OCRLanguage,
			Options:  cfg.Document.OCROptions,
		}),
		logger.Named("document"),
	)

	archive, err := a.buildArchive(ctx)
	if err != nil {
		return nil, err
	}
	notifier, err := a.buildNotifier(ctx)
	if err != nil {
		return nil, err
	}

	a.runner, err = pipeline.NewRunner(pipeline.Config{
		DateDelay:       cfg.Run.DateDelay,
		FinalizeTimeout: cfg.Run.FinalizeTimeout,
		Location:        loc,
		ArchivePrefix:   cfg.Archive.Prefix,
		NotifyTopic:     cfg.Notify.Topic,
	}, pipeline.Deps{
		Registry:  a.registry,
		Crawler:   a.orchestrator,
		Documents: documents,
		Extractor: extract.New(cfg.Source.Defendant, logger.Named("extract")),
		Archive:   archive,
		Notifier:  notifier,
		Hasher:    hasher,
		Clock:     clock,
		IDs:       uuid.New(),
		Logger:    logger.Named("runner"),
	})
	if err != nil {
		return nil, fmt.Errorf("build runner: %w", err)
	}

	ok = true
	return a, nil
}

func (a *App) buildArchive(ctx context.Context) (pipeline.BlobStore, error) {
	switch a.cfg.Archive.Provider {
	case "local":
		a.logger.Info("archiving document text locally", zap.String("base_dir", a.cfg.Archive.BaseDir))
		store, err := local.New(local.Config{BaseDir: a.cfg.Archive.BaseDir})
		if err != nil {
			return nil, fmt.Errorf("init local archive: %w", err)
		}
		return store, nil
	case "gcs":
		a.logger.Info("archiving document text to GCS", zap.String("bucket", a.cfg.Archive.Bucket))
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("create storage client: %w", err)
		}
		store, err := gcs.New(client, gcs.Config{Bucket: a.cfg.Archive.Bucket})
		if err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("init gcs archive: %w", err)
		}
		a.closers = append(a.closers, store.Close)
		return store, nil
	default:
		return nil, nil
	}
}

func (a *App) buildNotifier(ctx context.Context) (pipeline.Publisher, error) {
	switch a.cfg.Notify.Provider {
	case "pubsub":
		a.logger.Info("publishing run events to Pub/Sub",
			zap.String("project_id", a.cfg.Notify.ProjectID),
			zap.String("topic", a.cfg.Notify.Topic),
		)
		pub, err := pubsub.Dial(ctx, a.cfg.Notify.ProjectID, a.cfg.Notify.Topic)
		if err != nil {
			return nil, fmt.Errorf("init pubsub notifier: %w", err)
		}
		a.closers = append(a.closers, pub.Close)
		return pub, nil
	case "memory":
		return memory.New(), nil
	default:
		return nil, nil
	}
}

// Logger returns the process logger.
func (a *App) Logger() *zap.Logger {
	return a.logger
}

// Config returns the configuration the app was built from.
func (a *App) Config() config.Config {
	return a.cfg
}

// Runner returns the run executor.
func (a *App) Runner() *pipeline.Runner {
	return a.runner
}

// Stop asks the runner to finish after the current page.
func (a *App) Stop() {
	a.runner.Stop()
}

// Stopped reports whether Stop was called.
func (a *App) Stopped() bool {
	return a.runner.Stopped()
}

// Today is the current date in run.time_zone.
func (a *App) Today() model.Date {
	return a.runner.Today()
}

// RunDate runs one date.
func (a *App) RunDate(ctx context.Context, date model.Date) (pipeline.Report, error) {
	return a.runner.RunDate(ctx, date)
}

// RunScheduled runs today unless the registry already finished it.
func (a *App) RunScheduled(ctx context.Context) (pipeline.Report, error) {
	return a.runner.RunScheduled(ctx)
}

// RunRange runs every date from start to end inclusive.
func (a *App) RunRange(ctx context.Context, start, end model.Date) ([]pipeline.Report, error) {
	return a.runner.RunRange(ctx, start, end)
}

// Check verifies the registry answers its health check and the search page loads.
func (a *App) Check(ctx context.Context) error {
	if !a.registry.HealthCheck(ctx) {
		return pipeline.ErrRegistryUnavailable
	}
	a.logger.Info("registry healthy")
	if err := a.orchestrator.Navigate(ctx); err != nil {
		return fmt.Errorf("open search page: %w", err)
	}
	a.logger.Info("search page reachable", zap.String("url", a.cfg.Source.SearchURL))
	return nil
}

// Health reports breaker state for the metrics listener.
func (a *App) Health(context.Context) error {
	for _, b := range []*breaker.Breaker{a.registry.Breaker(), a.orchestrator.Breaker()} {
		if b.State() == breaker.StateOpen {
			return fmt.Errorf("%s circuit open", b.Name())
		}
	}
	return nil
}

// ServeMetrics runs the metrics listener until ctx is done. It returns immediately when
// metrics.addr is empty.
func (a *App) ServeMetrics(ctx context.Context) error {
	if a.cfg.Metrics.Addr == "" {
		return nil
	}
	return metrics.Serve(ctx, a.cfg.Metrics.Addr, metrics.NewRouter(a.Health), a.logger.Named("metrics"))
}

// Close releases the browser and cloud clients. It is safe to call more than once.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
