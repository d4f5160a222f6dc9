package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	stdlog "log"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/exaring/otelpgx"
	"github.com/golang-migrate/migrate/v4"
	migratepgx "github.com/golang-migrate/migrate/v4/database/pgx"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/automaxprocs/maxprocs"
	"golang.org/x/sync/errgroup"

	"github.com/tunedex/tunedex/internal/app/discovery"
	"github.com/tunedex/tunedex/internal/app/enrichment"
	"github.com/tunedex/tunedex/internal/app/orchestration"
	"github.com/tunedex/tunedex/internal/app/tracklist"
	"github.com/tunedex/tunedex/internal/config"
	"github.com/tunedex/tunedex/internal/domain/catalog"
	"github.com/tunedex/tunedex/internal/domain/events"
	"github.com/tunedex/tunedex/internal/domain/jobs"
	"github.com/tunedex/tunedex/internal/infra/eventbus/kafka"
	"github.com/tunedex/tunedex/internal/infra/eventbus/memory"
	"github.com/tunedex/tunedex/internal/infra/index"
	jobsinfra "github.com/tunedex/tunedex/internal/infra/jobs"
	"github.com/tunedex/tunedex/internal/infra/sources/musicbrainz"
	"github.com/tunedex/tunedex/internal/infra/sources/wikidata"
	catalogpg "github.com/tunedex/tunedex/internal/infra/storage/catalog/postgres"
	syncpg "github.com/tunedex/tunedex/internal/infra/storage/sync/postgres"
	"github.com/tunedex/tunedex/pkg/common"
	"github.com/tunedex/tunedex/pkg/common/logger"
	"github.com/tunedex/tunedex/pkg/common/otel"
)

const serviceType = "ingest"

// uniquenessTTL bounds how long a dispatch-suppression key can stay held if
// a process dies between dispatch and execution.
const uniquenessTTL = 30 * time.Minute

func main() {
	_, _ = maxprocs.Set()

	configPath := flag.String("config", "", "path to the YAML config file")
	runSync := flag.Bool("sync", true, "dispatch a full sync run on startup")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		stdlog.Fatalf("failed to load config: %v", err)
	}

	hostname, err := os.Hostname()
	if err != nil {
		stdlog.Fatalf("failed to get hostname: %v", err)
	}

	logEvents := logger.Events{
		Error: func(ctx context.Context, r logger.Record) {
			errorAttrs := map[string]any{
				"error_message": r.Message,
				"error_time":    r.Time.UTC().Format(time.RFC3339),
				"trace_id":      otel.GetTraceID(ctx),
			}
			for k, v := range r.Attributes {
				errorAttrs[k] = v
			}

			errorAttrsJSON, err := json.Marshal(errorAttrs)
			if err != nil {
				fmt.Fprintf(os.Stderr, "failed to marshal error attributes: %v\n", err)
				return
			}

			fmt.Fprintf(os.Stderr, "Error event: %s, details: %s\n",
				r.Message, errorAttrsJSON)
		},
	}

	traceIDFn := func(ctx context.Context) string { return otel.GetTraceID(ctx) }

	svcName := fmt.Sprintf("%s-%s", cfg.Service.Name, hostname)
	metadata := map[string]string{
		"service":     svcName,
		"hostname":    hostname,
		"environment": cfg.Service.Environment,
		"app":         serviceType,
	}

	log := logger.NewWithMetadata(os.Stdout, logLevel(cfg.Service.LogLevel), svcName, traceIDFn, logEvents, metadata)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var tracer trace.Tracer
	if cfg.Telemetry.Enabled {
		tp, telemetryTeardown, err := otel.InitTelemetry(log, otel.Config{
			ServiceName:      svcName,
			ExporterEndpoint: cfg.Telemetry.Endpoint,
			ExcludedRoutes: map[string]struct{}{
				"/v1/health":    {},
				"/v1/readiness": {},
			},
			Probability: cfg.Telemetry.SampleRate,
			ResourceAttributes: map[string]string{
				"library.language": "go",
				"environment":      cfg.Service.Environment,
			},
			InsecureExporter: true,
		})
		if err != nil {
			log.Error(ctx, "failed to initialize telemetry", "error", err)
			os.Exit(1)
		}
		defer telemetryTeardown(ctx)
		tracer = tp.Tracer(svcName)
	} else {
		tracer = noop.NewTracerProvider().Tracer(svcName)
	}

	metrics, err := orchestration.NewIngestionMetrics(otel.GetMeterProvider())
	if err != nil {
		log.Error(ctx, "failed to create metrics collector", "error", err)
		os.Exit(1)
	}

	ready := &atomic.Bool{}
	healthServer := common.NewHealthServer(cfg.Health.Addr, ready, cfg.Health.Statsviz)
	defer func() {
		if err := healthServer.Server().Shutdown(ctx); err != nil {
			log.Error(ctx, "Error shutting down health server", "error", err)
		}
	}()

	poolCfg, err := pgxpool.ParseConfig(cfg.Postgres.DSN())
	if err != nil {
		log.Error(ctx, "failed to parse db config", "error", err)
		os.Exit(1)
	}
	poolCfg.MaxConns = cfg.Postgres.MaxConns
	poolCfg.ConnConfig.Tracer = otelpgx.NewTracer()

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		log.Error(ctx, "failed to open db", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	if err := runMigrations(pool); err != nil {
		log.Error(ctx, "failed to run migrations", "error", err)
		os.Exit(1)
	}
	log.Info(ctx, "Migrations applied successfully. Starting application...")

	var (
		bus    events.EventBus
		depths []events.DepthReporter
	)
	if cfg.Bus.Kind == "kafka" {
		kafkaClient, err := kafka.NewClient(&kafka.ClientConfig{
			Brokers:  cfg.Bus.Brokers,
			GroupID:  cfg.Bus.GroupID,
			ClientID: svcName,
		})
		if err != nil {
			log.Error(ctx, "failed to create kafka client", "error", err)
			os.Exit(1)
		}
		defer kafkaClient.Close()

		bus, err = kafka.ConnectEventBus(&kafka.Config{
			Brokers:          cfg.Bus.Brokers,
			WikidataTopic:    cfg.Bus.WikidataTopic,
			MusicBrainzTopic: cfg.Bus.MusicBrainzTopic,
			DefaultTopic:     cfg.Bus.DefaultTopic,
			GroupID:          cfg.Bus.GroupID,
			ClientID:         svcName,
		}, kafkaClient, log, metrics, tracer)
		if err != nil {
			log.Error(ctx, "failed to connect event bus", "error", err)
			os.Exit(1)
		}
	} else {
		broker := memory.NewBroker()
		defer broker.Close()
		bus = broker
	}
	if dr, ok := bus.(events.DepthReporter); ok {
		depths = append(depths, dr)
	}

	limiters := common.NewSourceLimiters()
	wikidataLimiter := limiters.Register(jobs.SourceWikidata,
		cfg.Sources.Wikidata.RPS, cfg.Sources.Wikidata.Burst)
	musicbrainzLimiter := limiters.Register(jobs.SourceMusicBrainz,
		cfg.Sources.MusicBrainz.RPS, cfg.Sources.MusicBrainz.Burst)

	wikidataClient := wikidata.NewClient(
		&http.Client{Timeout: cfg.Sources.Wikidata.Timeout},
		cfg.Sources.Wikidata.Endpoint, wikidataLimiter, tracer)
	musicbrainzClient := musicbrainz.NewClient(
		&http.Client{Timeout: cfg.Sources.MusicBrainz.Timeout},
		cfg.Sources.MusicBrainz.Endpoint, musicbrainzLimiter, tracer)

	var indexer catalog.SearchIndexer = index.NewMemory()
	if cfg.Index.Endpoint != "" {
		indexer = index.NewHTTPIndexer(http.DefaultClient, cfg.Index.Endpoint, log, tracer)
	}

	countryStore := catalogpg.NewCountryStore(pool, tracer)
	genreStore := catalogpg.NewGenreStore(pool, tracer)
	artistStore := catalogpg.NewArtistStore(pool, tracer)
	albumStore := catalogpg.NewAlbumStore(pool, tracer)
	trackStore := catalogpg.NewTrackStore(pool, tracer)
	checkpointStore := syncpg.NewCheckpointStore(pool, tracer)
	jobRunStore := syncpg.NewJobRunStore(pool, tracer)
	failedJobStore := syncpg.NewFailedJobStore(pool, tracer)

	registry := jobsinfra.NewRegistry()
	window := jobsinfra.NewKeyWindow(uniquenessTTL)
	dispatcher := jobsinfra.NewDispatcher(bus, registry, window, log, tracer)

	discoveryDeps := discovery.Deps{
		Source:      wikidataClient,
		Checkpoints: checkpointStore,
		Dispatcher:  dispatcher,
		Logger:      log,
		Tracer:      tracer,
	}
	registry.Register(discovery.NewGenresJob(discoveryDeps))
	registry.Register(discovery.ChangedGenresJob(discoveryDeps))
	registry.Register(discovery.NewArtistsJob(discoveryDeps))
	registry.Register(discovery.ChangedArtistsJob(discoveryDeps))

	enrichmentDeps := enrichment.Deps{
		Source:      wikidataClient,
		Countries:   countryStore,
		Genres:      genreStore,
		Artists:     artistStore,
		Albums:      albumStore,
		Indexer:     indexer,
		Checkpoints: checkpointStore,
		Dispatcher:  dispatcher,
		Logger:      log,
		Tracer:      tracer,
	}
	registry.Register(enrichment.GenresJob(enrichmentDeps))
	registry.Register(enrichment.ArtistsJob(enrichmentDeps))
	registry.Register(enrichment.AlbumsJob(enrichmentDeps))
	registry.Register(enrichment.RefreshAlbumsJob(enrichmentDeps))

	registry.Register(tracklist.FetchJob(tracklist.Deps{
		Source:  musicbrainzClient,
		Albums:  albumStore,
		Tracks:  trackStore,
		Indexer: indexer,
		Logger:  log,
		Tracer:  tracer,
	}))

	runner := jobsinfra.NewRunner(bus, registry, limiters, window, failedJobStore, log, tracer)

	orchestrator := orchestration.New(orchestration.Deps{
		Dispatcher:     dispatcher,
		Runs:           jobRunStore,
		Albums:         albumStore,
		Logger:         log,
		Tracer:         tracer,
		Metrics:        metrics,
		Depth:          depths,
		Sequential:     cfg.Sync.Sequential,
		DrainInterval:  cfg.Sync.DrainInterval,
		DrainChecks:    cfg.Sync.DrainChecks,
		TracklistBatch: cfg.Sync.TracklistBatch,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return runner.Start(gctx) })
	if *runSync {
		g.Go(func() error {
			if err := orchestrator.Run(gctx); err != nil {
				// A failed sync run is recorded and logged but does not take
				// down the consumers.
				log.Error(gctx, "Sync run failed", "error", err)
			}
			return nil
		})
	}

	log.Info(ctx, "Ingest pipeline started",
		"bus", cfg.Bus.Kind, "sequential", cfg.Sync.Sequential)
	ready.Store(true)

	errCh := make(chan error, 1)
	go func() { errCh <- g.Wait() }()

	select {
	case sig := <-sigCh:
		log.Info(ctx, "Received shutdown signal", "signal", sig)
		cancel()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()

		if err := bus.Close(); err != nil {
			log.Error(shutdownCtx, "Failed to close event bus", "error", err)
		}
		if err := <-errCh; err != nil && err != context.Canceled {
			log.Error(shutdownCtx, "Worker shutdown error", "error", err)
		}

	case err := <-errCh:
		if err != nil {
			log.Error(ctx, "Pipeline error", "error", err)
			os.Exit(1)
		}
	}
}

func logLevel(level string) logger.Level {
	switch level {
	case "debug":
		return logger.LevelDebug
	case "warn":
		return logger.LevelWarn
	case "error":
		return logger.LevelError
	default:
		return logger.LevelInfo
	}
}

// runMigrations uses golang-migrate to apply all up migrations from
// db/migrations before any consumer starts.
func runMigrations(pool *pgxpool.Pool) error {
	db := stdlib.OpenDBFromPool(pool)

	driver, err := migratepgx.WithInstance(db, &migratepgx.Config{})
	if err != nil {
		return fmt.Errorf("could not create pgx driver: %w", err)
	}

	m, err := migrate.NewWithDatabaseInstance("file://db/migrations", "postgres", driver)
	if err != nil {
		return fmt.Errorf("could not create migrate instance: %w", err)
	}

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("migration up failed: %w", err)
	}
	return nil
}
