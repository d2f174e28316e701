// Command circulationd is the demo entrypoint wiring configuration, storage,
// the vendor adapter registry, the circulation engine, bookshelf sync, and a
// Prometheus /metrics endpoint into a single running process.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/palacewire/circulation/internal/analytics"
	"github.com/palacewire/circulation/internal/bookshelf"
	"github.com/palacewire/circulation/internal/circulation"
	"github.com/palacewire/circulation/internal/config"
	"github.com/palacewire/circulation/internal/core"
	"github.com/palacewire/circulation/internal/registry"
	"github.com/palacewire/circulation/internal/storage"
	"github.com/palacewire/circulation/internal/vendor/axis"
	"github.com/palacewire/circulation/internal/vendor/base"
	"github.com/palacewire/circulation/internal/vendor/credentials"
	"github.com/palacewire/circulation/internal/vendor/opds"
	"github.com/palacewire/circulation/internal/vendor/overdrive"
	"github.com/palacewire/circulation/pkg/logger"
	"github.com/palacewire/circulation/pkg/metrics"
)

const serviceName = "circulationd"

func main() {
	var configPath string
	var showVersion = flag.Bool("version", false, "Show version information")
	flag.StringVar(&configPath, "config", "", "path to a YAML config file (optional, falls back to env/defaults)")
	flag.Parse()

	if *showVersion {
		fmt.Printf("%s version %s\n", serviceName, version())
		os.Exit(0)
	}

	if err := run(configPath); err != nil {
		slog.Error("circulationd exiting", "error", err)
		os.Exit(1)
	}
}

func version() string { return "0.1.0" }

func run(configPath string) error {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	log := logger.NewLogger(logger.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Output: cfg.Log.Output,
	})
	slog.SetDefault(log)
	log.Info("starting circulationd", "profile", cfg.Profile, "version", version())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	registryMetrics := metrics.DefaultRegistry()

	var pgPool *pgxpool.Pool
	if cfg.IsStandardProfile() {
		pgPool, err = pgxpool.New(ctx, cfg.GetDatabaseURL())
		if err != nil {
			return fmt.Errorf("connecting to postgres: %w", err)
		}
		defer pgPool.Close()
	}

	store, err := storage.NewStorage(ctx, cfg, pgPool, log, registryMetrics.Infra().DB)
	if err != nil {
		log.Error("storage initialization failed, falling back to in-memory store", "error", err)
		store = storage.NewFallbackStorage(log)
	}

	library := demoLibrary(cfg)

	credentialCache, err := credentials.New(cfg.Circulation.CredentialCacheSize)
	if err != nil {
		return fmt.Errorf("building credential cache: %w", err)
	}
	limiter := base.NewCollectionLimiter(cfg.Circulation.AdapterRateLimitPerSecond, cfg.Circulation.AdapterRateLimitBurst)
	httpClient := &http.Client{Timeout: cfg.Circulation.AdapterCallTimeout}

	constructors := map[string]registry.Constructor{
		"OPDS for Distributors": opds.NewConstructor(credentialCache, limiter, httpClient, log),
		"Axis 360":              axis.NewConstructor(credentialCache, limiter, httpClient, log),
		"OverDrive":             overdrive.NewConstructor(credentialCache, limiter, httpClient, log),
	}
	reg := registry.New(library, constructors, log)

	analyticsSink := analytics.NewMockSink(registryMetrics.Business())
	syncer := bookshelf.New(store, reg, analyticsSink, log, bookshelf.Options{
		PerAdapterTimeout: cfg.Circulation.SyncFanoutTimeout,
	})
	engine := circulation.New(library, store, reg, syncer, analyticsSink, log, circulation.Options{})
	log.Info("circulation engine ready", "library_id", engine.Library.ID, "collections", len(library.Collections))

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	if cfg.Metrics.Enabled {
		handler, err := metrics.NewMetricsEndpointHandler(metrics.DefaultEndpointConfig(), registryMetrics)
		if err != nil {
			return fmt.Errorf("building metrics endpoint: %w", err)
		}
		handler.SetLogger(log)
		path := cfg.Metrics.Path
		if path == "" {
			path = "/metrics"
		}
		mux.Handle(path, handler)
	}

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Metrics.Port),
		Handler: mux,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("http server starting", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err := <-errCh:
		return fmt.Errorf("http server failed: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown: %w", err)
	}
	log.Info("circulationd exited cleanly")
	return nil
}

// demoLibrary builds the single tenant this entrypoint serves. Collection
// provisioning (binding real distributor credentials to a library) is a
// separate concern left to whatever admin tooling sits in front of this
// process; circulationd starts with an empty collection set so the registry
// has every constructor available but nothing bound until one is added.
func demoLibrary(cfg *config.Config) *core.Library {
	return &core.Library{
		ID:   "default",
		Name: cfg.App.Name,
	}
}
