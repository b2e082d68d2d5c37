package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/deepthink-labs/deepthink-go/internal/auditexport"
	"github.com/deepthink-labs/deepthink-go/internal/cache"
	"github.com/deepthink-labs/deepthink-go/internal/domain"
	"github.com/deepthink-labs/deepthink-go/internal/engine"
	"github.com/deepthink-labs/deepthink-go/internal/lanespec"
	"github.com/deepthink-labs/deepthink-go/internal/maintenance"
	"github.com/deepthink-labs/deepthink-go/internal/platform/env"
	"github.com/deepthink-labs/deepthink-go/internal/platform/httpserver"
	"github.com/deepthink-labs/deepthink-go/internal/platform/objectstore"
	"github.com/deepthink-labs/deepthink-go/internal/platform/postgres"
	"github.com/deepthink-labs/deepthink-go/internal/provider"
	pgrepo "github.com/deepthink-labs/deepthink-go/internal/repo/postgres"
	"github.com/deepthink-labs/deepthink-go/internal/search"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	ctx := context.Background()
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	addr := env.String("DEEPTHINK_HTTP_ADDR", ":8080")
	shutdownTimeout, err := env.Duration("DEEPTHINK_SHUTDOWN_TIMEOUT", 10*time.Second)
	if err != nil {
		logger.Error("invalid env", "error", err)
		os.Exit(2)
	}

	dbCfg, err := postgres.ConfigFromEnv()
	if err != nil {
		logger.Error("invalid database config", "error", err)
		os.Exit(2)
	}
	db, err := postgres.Open(ctx, dbCfg)
	if err != nil {
		logger.Error("database unavailable", "error", err)
		os.Exit(1)
	}
	defer func() { _ = db.Close() }()

	runStore := pgrepo.NewRunStore(db)
	laneStore := pgrepo.NewLaneStore(db)
	passStore := pgrepo.NewPassStore(db)
	artifactStore := pgrepo.NewArtifactStore(db)
	checkStore := pgrepo.NewCheckStore(db)
	eventStore := pgrepo.NewEventStore(db)
	ledgerStore := pgrepo.NewLedgerStore(db)
	cacheRepo := pgrepo.NewCacheStore(db)

	checks := []httpserver.ReadinessCheck{
		{
			Name: "postgres",
			Check: func(ctx context.Context) error {
				checkCtx, cancel := context.WithTimeout(ctx, 750*time.Millisecond)
				defer cancel()
				return db.PingContext(checkCtx)
			},
		},
	}

	backend := strings.ToLower(strings.TrimSpace(env.String("DEEPTHINK_CACHE_BACKEND", "memory")))
	var (
		passCache cache.Store
		memCache  *cache.MemoryStore
	)
	switch backend {
	case "", "memory":
		memCache = cache.NewMemoryStore()
		passCache = memCache
	case "postgres":
		passCache = cache.NewPostgresStore(cacheRepo)
	case "redis":
		redisCfg, err := cache.RedisConfigFromEnv()
		if err != nil {
			logger.Error("invalid redis config", "error", err)
			os.Exit(2)
		}
		redisCache, err := cache.NewRedisStore(redisCfg)
		if err != nil {
			logger.Error("redis unavailable", "error", err)
			os.Exit(1)
		}
		defer func() { _ = redisCache.Close() }()
		passCache = redisCache
		checks = append(checks, httpserver.ReadinessCheck{
			Name: "redis",
			Check: func(ctx context.Context) error {
				checkCtx, cancel := context.WithTimeout(ctx, 750*time.Millisecond)
				defer cancel()
				return redisCache.Ping(checkCtx)
			},
		})
	default:
		logger.Error("unsupported cache backend", "backend", backend)
		os.Exit(2)
	}

	gateway := provider.NewOpenAIClient()

	searchCfg, err := search.ConfigFromEnv()
	if err != nil {
		logger.Error("invalid search config", "error", err)
		os.Exit(2)
	}
	var evidenceSearch search.Provider
	if searchCfg.Enabled() {
		httpSearch, err := search.NewHTTPProvider(searchCfg)
		if err != nil {
			logger.Error("search provider init failed", "error", err)
			os.Exit(2)
		}
		evidenceSearch = httpSearch
	} else {
		logger.Info("evidence search disabled", "env", "DEEPTHINK_SEARCH_URL")
	}

	exportEnabled, err := env.Bool("DEEPTHINK_AUDIT_EXPORT_ENABLED", true)
	if err != nil {
		logger.Error("invalid env", "error", err)
		os.Exit(2)
	}
	var exporter engine.Exporter
	if exportEnabled {
		storeCfg, err := objectstore.ConfigFromEnv()
		if err != nil {
			logger.Error("invalid object store config", "error", err)
			os.Exit(2)
		}
		exportCfg, err := auditexport.ConfigFromEnv()
		if err != nil {
			logger.Error("invalid audit export config", "error", err)
			os.Exit(2)
		}
		storeCfg.BucketAudit = exportCfg.Bucket

		storeClient, err := objectstore.NewMinIOClient(storeCfg)
		if err != nil {
			logger.Error("object store client init failed", "error", err)
			os.Exit(2)
		}
		startupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if err := objectstore.EnsureBuckets(startupCtx, storeClient, storeCfg); err != nil {
			cancel()
			logger.Error("object store unavailable", "error", err)
			os.Exit(1)
		}
		cancel()

		bundleStore, err := objectstore.NewMinioStoreWithClient(storeClient)
		if err != nil {
			logger.Error("object store init failed", "error", err)
			os.Exit(2)
		}
		exp, err := auditexport.New(logger, bundleStore, exportCfg,
			runStore, passStore, artifactStore, checkStore, eventStore, ledgerStore)
		if err != nil {
			logger.Error("audit exporter init failed", "error", err)
			os.Exit(2)
		}
		exporter = exp

		checks = append(checks, httpserver.ReadinessCheck{
			Name: "objectstore",
			Check: func(ctx context.Context) error {
				checkCtx, cancel := context.WithTimeout(ctx, 750*time.Millisecond)
				defer cancel()
				return objectstore.CheckBuckets(checkCtx, storeClient, storeCfg)
			},
		})
	} else {
		logger.Info("audit export disabled")
	}

	eng, err := engine.New(engine.Config{
		Logger:    logger,
		Gateway:   gateway,
		Search:    evidenceSearch,
		Cache:     passCache,
		Lanes:     laneStore,
		Runs:      runStore,
		Passes:    passStore,
		Artifacts: artifactStore,
		Checks:    checkStore,
		Events:    eventStore,
		Ledger:    ledgerStore,
		Exporter:  exporter,
	})
	if err != nil {
		logger.Error("engine init failed", "error", err)
		os.Exit(2)
	}

	if laneDir := strings.TrimSpace(env.String("DEEPTHINK_LANE_DIR", "")); laneDir != "" {
		docs, err := lanespec.LoadDir(laneDir)
		if err != nil {
			logger.Error("lane load failed", "dir", laneDir, "error", err)
			os.Exit(2)
		}
		seedCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		for _, doc := range docs {
			blob, err := lanespec.Encode(doc)
			if err != nil {
				cancel()
				logger.Error("lane encode failed", "lane", doc.Name, "error", err)
				os.Exit(2)
			}
			record := domain.LaneRecord{
				Name:          doc.Name,
				SchemaVersion: domain.LaneSchemaVersion,
				Config:        blob,
			}
			if err := laneStore.PutLane(seedCtx, record); err != nil {
				cancel()
				logger.Error("lane seed failed", "lane", doc.Name, "error", err)
				os.Exit(1)
			}
		}
		cancel()
		logger.Info("lanes seeded", "count", len(docs), "dir", laneDir)
	}

	maintCfg, err := maintenance.ConfigFromEnv()
	if err != nil {
		logger.Error("invalid maintenance config", "error", err)
		os.Exit(2)
	}
	maintDeps := maintenance.Deps{
		Ledger: ledgerStore,
		Runs:   runStore,
	}
	// Redis expires cache entries itself; only the other backends need
	// a sweep job.
	switch backend {
	case "", "memory":
		maintDeps.Memory = memCache
	case "postgres":
		maintDeps.Cache = cacheRepo
	}
	jobs, err := maintenance.New(logger, maintCfg, maintDeps)
	if err != nil {
		logger.Error("maintenance init failed", "error", err)
		os.Exit(2)
	}
	if err := jobs.Start(ctx); err != nil {
		logger.Error("maintenance start failed", "error", err)
		os.Exit(1)
	}
	defer jobs.Stop()

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", httpserver.Healthz("deepthink"))
	mux.HandleFunc("/readyz", httpserver.ReadyzWithChecks("deepthink", checks...))
	mux.Handle("/metrics", promhttp.Handler())

	api := newOrchestratorAPI(logger, ctx, eng,
		runStore, laneStore, passStore, artifactStore, checkStore, eventStore)
	api.register(mux)

	cfg := httpserver.Config{
		Service:         "deepthink",
		Addr:            addr,
		ShutdownTimeout: shutdownTimeout,
	}
	if err := httpserver.Run(ctx, logger, cfg, httpserver.Wrap(logger, "deepthink", mux)); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}
}
