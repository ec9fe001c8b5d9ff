package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/italolelis/batch_downloader/internal/cleanup"
	"github.com/italolelis/batch_downloader/internal/config"
	"github.com/italolelis/batch_downloader/internal/downloader"
	"github.com/italolelis/batch_downloader/internal/fileops"
	"github.com/italolelis/batch_downloader/internal/http/rest"
	"github.com/italolelis/batch_downloader/internal/logctx"
	"github.com/italolelis/batch_downloader/internal/manifest"
	"github.com/italolelis/batch_downloader/internal/notifier"
	"github.com/italolelis/batch_downloader/internal/persistence"
	"github.com/italolelis/batch_downloader/internal/storage"
	"github.com/italolelis/batch_downloader/internal/storage/memory"
	"github.com/italolelis/batch_downloader/internal/storage/sqlite"
	"github.com/italolelis/batch_downloader/internal/telemetry"
	"github.com/italolelis/batch_downloader/internal/throttle"
	"github.com/italolelis/batch_downloader/internal/transfer"
)

var version = "dev"

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		slog.Error("config error", "err", err)
		os.Exit(1)
	}

	handler := logctx.NewTraceHandler(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	logger := slog.New(handler).With("instance_id", downloader.GenerateInstanceID())
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("batch downloader starting...", "version", version, "log_level", cfg.LogLevel)

	if err := run(logctx.WithLogger(ctx, logger), cfg); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("fatal error", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	logger := logctx.LoggerFromContext(ctx)

	// =========================================================================
	// Start Telemetry
	tel, err := telemetry.New(ctx, telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: version,
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
	})
	if err != nil {
		return fmt.Errorf("failed to start telemetry: %w", err)
	}

	defer func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Web.ShutdownTimeout)
		defer cancel()

		if err := tel.Shutdown(ctx); err != nil {
			logger.Error("failed to shutdown telemetry", "err", err)
		}
	}()

	// =========================================================================
	// Start Storage
	store, closeStore, err := buildStore(cfg, tel)
	if err != nil {
		return fmt.Errorf("failed to open storage: %w", err)
	}
	defer closeStore()

	adapter := persistence.NewAdapter(store)
	files := fileops.NewOS(cfg.DownloadDir)

	// =========================================================================
	// Start Transfer Engine and Orchestrator
	dl := downloader.NewDownloader(downloader.Options{
		Files:              files,
		MaxParallelFiles:   cfg.MaxParallelFiles,
		MaxParallelBatches: cfg.MaxParallelBatches,
		Telemetry:          tel,
	})
	defer dl.Close()

	throttles, err := throttle.NewFactory(cfg.Throttle, cfg.ThrottleInterval, logger)
	if err != nil {
		return fmt.Errorf("failed to build callback throttle: %w", err)
	}

	orch := transfer.NewOrchestrator(transfer.Options{
		Engine:      transfer.NewInstrumentedEngine(dl, tel),
		Persistence: adapter,
		Files:       files,
		Throttles:   throttles,
		Telemetry:   tel,
		Logger:      logger,
	})
	defer orch.Close()

	go trackReleasedBatches(ctx, dl, orch)
	go watchHydration(ctx, orch)

	// =========================================================================
	// Start Notification
	setupNotification(ctx, orch, cfg)

	orch.Initialise(transfer.ContextEndpoint(ctx))

	// =========================================================================
	// Start API Service

	// Make a channel to listen for errors coming from the listener. Use a
	// buffered channel so the goroutine can exit if we don't collect this error.
	serverErrors := make(chan error, 1)

	server := setupServer(ctx, orch, tel, cfg)

	go func() {
		logger.Info("initializing API support", "host", cfg.Web.BindAddress)
		serverErrors <- server.ListenAndServe()
	}()

	// =========================================================================
	// Wait for stored batches, then start them
	select {
	case <-orch.Ready():
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		return shutdown(ctx, server, cfg)
	}

	orch.SubmitAllStoredDownloads(ctx, func() {
		logger.Info("stored batches submitted")
	})

	if cfg.ManifestPath != "" {
		if err := seedManifest(ctx, orch, cfg.ManifestPath); err != nil {
			logger.Error("failed to seed manifest", "path", cfg.ManifestPath, "err", err)
		}
	}

	logger.Info("waiting for batches...",
		"download_dir", cfg.DownloadDir,
		"storage_backend", cfg.StorageBackend,
		"throttle", cfg.Throttle,
		"retention", cfg.KeepDownloadedFor.String(),
	)

	// =========================================================================
	// Start Cleanup
	setupCleanup(ctx, adapter, orch, cfg)

	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		return shutdown(ctx, server, cfg)
	}
}

func shutdown(ctx context.Context, server *http.Server, cfg *config.Config) error {
	logger := logctx.LoggerFromContext(ctx)
	logger.Info("start shutdown")

	// Give outstanding requests a deadline for completion.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Web.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Error("failed to gracefully shutdown the server", "err", err)

		if err = server.Close(); err != nil {
			return fmt.Errorf("could not stop server gracefully: %w", err)
		}
	}

	return nil
}

// This is an abstract factory for the durable store.
func buildStore(cfg *config.Config, tel *telemetry.Telemetry) (storage.Store, func(), error) {
	switch cfg.StorageBackend {
	case "memory":
		return memory.NewStore(), func() {}, nil
	case "sqlite":
		db, err := sqlite.InitDB(cfg.DBPath)
		if err != nil {
			return nil, nil, err
		}

		return sqlite.NewInstrumentedStore(db, tel), func() { db.Close() }, nil
	}

	return nil, nil, fmt.Errorf("invalid storage backend: %s", cfg.StorageBackend)
}

// trackReleasedBatches returns batches the engine let go of to the orchestrator.
func trackReleasedBatches(ctx context.Context, dl *downloader.Downloader, orch *transfer.Orchestrator) {
	for {
		select {
		case <-ctx.Done():
			return
		case b := <-dl.OnBatchReleased:
			orch.Track(b)
		}
	}
}

func watchHydration(ctx context.Context, orch *transfer.Orchestrator) {
	logger := logctx.LoggerFromContext(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case err := <-orch.OnHydrationFailed:
			var herr *persistence.HydrationError
			if errors.As(err, &herr) {
				logger.Warn("some stored batches could not be restored", "loaded", herr.Loaded, "failed", herr.Failed)

				continue
			}

			logger.Error("stored batches could not be loaded", "err", err)
		}
	}
}

func setupNotification(ctx context.Context, orch *transfer.Orchestrator, cfg *config.Config) {
	if cfg.DiscordWebhookURL == "" {
		return
	}

	sn := notifier.NewStatusNotifier(notifier.NewDiscordNotifier(cfg.DiscordWebhookURL), 0)
	orch.AddObserver(sn)

	go sn.Run(ctx)
}

func seedManifest(ctx context.Context, orch *transfer.Orchestrator, path string) error {
	logger := logctx.LoggerFromContext(ctx)

	specs, err := manifest.Load(path)
	if err != nil {
		return err
	}

	var errs []error

	for _, spec := range specs {
		b, err := orch.Download(ctx, spec)

		var delegation *transfer.DelegationError

		switch {
		case errors.Is(err, transfer.ErrBatchExists):
			logger.Debug("manifest batch already known", "batch_id", spec.ID)
		case errors.As(err, &delegation):
			logger.Warn("manifest batch stored but not started", "batch_id", b.ID(), "err", err)
		case err != nil:
			errs = append(errs, err)
		default:
			logger.Info("manifest batch enqueued", "batch_id", b.ID(), "title", b.Title())
		}
	}

	return errors.Join(errs...)
}

// setupServer prepares the handlers and services to create the http rest server.
func setupServer(ctx context.Context, orch *transfer.Orchestrator, tel *telemetry.Telemetry, cfg *config.Config) *http.Server {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer, telemetry.RequestID, telemetry.HTTPLogging, telemetry.NewHTTPMiddleware(tel).Middleware)

	r.Handle("/metrics", tel.Handler())
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		select {
		case <-orch.Ready():
			w.WriteHeader(http.StatusOK)
		default:
			w.WriteHeader(http.StatusServiceUnavailable)
		}
	})
	r.Mount("/", rest.NewBatchHandler(cfg.API.Username, cfg.API.Password, orch).Routes())

	return &http.Server{
		Addr:         cfg.Web.BindAddress,
		ReadTimeout:  cfg.Web.ReadTimeout,
		WriteTimeout: cfg.Web.WriteTimeout,
		IdleTimeout:  cfg.Web.IdleTimeout,
		Handler:      otelhttp.NewHandler(r, "batch_api"),
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}
}

func setupCleanup(ctx context.Context, adapter *persistence.Adapter, orch *transfer.Orchestrator, cfg *config.Config) {
	if cfg.KeepDownloadedFor <= 0 {
		return
	}

	logger := logctx.LoggerFromContext(ctx)

	go func() {
		cleanupTicker := time.NewTicker(cfg.CleanupInterval)
		defer cleanupTicker.Stop()

		for {
			select {
			case <-ctx.Done():
				logger.Info("cleanup goroutine shutting down.")

				return
			case <-cleanupTicker.C:
				records, err := adapter.LoadBatches(ctx)
				if err != nil {
					logger.Error("failed to load batches for cleanup", "err", err)

					continue
				}

				if err := cleanup.DeleteExpiredBatches(ctx, records, orch, cfg.KeepDownloadedFor); err != nil {
					logger.Error("failed to delete expired batches", "err", err)
				}
			}
		}
	}()
}
