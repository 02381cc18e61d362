package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"edge-router/internal/cache"
	"edge-router/internal/config"
	"edge-router/internal/forward"
	"edge-router/internal/handler"
	"edge-router/internal/health"
	"edge-router/internal/lb"
	"edge-router/internal/logging"
	"edge-router/internal/metrics"
	"edge-router/internal/pipeline"
	"edge-router/internal/proxy"
	"edge-router/internal/ratelimit"
	"edge-router/internal/router"
)

func main() {
	configPath := flag.String("config", "./router.yaml", "path to YAML config")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logger, err := logging.New(logging.Options{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Sample: cfg.Logging.Sample,
	})
	if err != nil {
		log.Fatalf("logging: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	table, err := router.New(cfg.Routes)
	if err != nil {
		logger.Fatal("routing table", zap.Error(err))
	}

	// shared state goes to redis when configured, in-process otherwise
	var (
		healthStore health.Store      = health.NewMemoryStore()
		cacheStore  cache.Store       = cache.NewMemoryStore()
		limiter     ratelimit.Limiter = ratelimit.NewLocal()
	)
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer func() { _ = rdb.Close() }()
		if err := rdb.Ping(context.Background()).Err(); err != nil {
			logger.Warn("redis unreachable at startup, degrading where possible", zap.Error(err))
		}
		healthStore = health.NewRedisStore(rdb, cfg.Health.Window, logger)
		cacheStore = cache.NewRedisStore(rdb)
		limiter = ratelimit.NewTiered(ratelimit.NewDistributed(rdb, logger), logger)
	}

	reg := metrics.NewRegistry()
	selector := lb.NewSelector(healthStore, cfg.Health)
	dispatcher := proxy.NewDispatcher(selector, healthStore, forward.NewDefaultRegistry(), logger)
	dispatcher.Metrics = reg
	dispatcher.MinAttemptTimeout = cfg.Timeouts.MinAttempt
	if cfg.Limits.MaxResponseBytes > 0 {
		dispatcher.MaxResponseBytes = cfg.Limits.MaxResponseBytes
	}
	if cfg.Limits.MaxReplayBytes > 0 {
		dispatcher.MaxReplayBytes = cfg.Limits.MaxReplayBytes
	}

	pipe := pipeline.New(cacheStore, cfg.Limits.MaxCacheBytes, logger)
	engine := handler.NewEngine(table, pipe, dispatcher, limiter, reg, logger, handler.Options{
		Budget:        cfg.Timeouts.Budget,
		FallbackRoute: cfg.FallbackRoute,
	})

	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           engine,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	var admin *http.Server
	if cfg.Admin != "" {
		admin = &http.Server{
			Addr:              cfg.Admin,
			Handler:           adminHandler(table, reg),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			if err := admin.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Fatal("admin listen", zap.Error(err))
			}
		}()
	}

	logger.Info("edge-router listening",
		zap.String("addr", cfg.Listen),
		zap.String("admin", cfg.Admin),
		zap.Int("routes", len(cfg.Routes)))

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("listen", zap.Error(err))
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	if admin != nil {
		_ = admin.Shutdown(shutdownCtx)
	}
}

// adminHandler serves liveness, the loaded route set and metrics on the
// admin listener.
func adminHandler(table *router.Table, reg *metrics.Registry) http.Handler {
	m := mux.NewRouter()
	m.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	}).Methods(http.MethodGet)
	m.HandleFunc("/routes", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		for _, r := range table.Routes() {
			fmt.Fprintf(w, "%s %s%s -> %d upstreams (%s)\n",
				r.ID, r.Host, r.Path, len(r.Upstreams), r.Selection.Kind)
		}
	}).Methods(http.MethodGet)
	m.HandleFunc("/metrics", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		reg.WritePrometheus(w)
	}).Methods(http.MethodGet)
	return m
}
