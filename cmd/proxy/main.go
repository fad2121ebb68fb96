// Command proxy starts the multi-tenant inference gateway: it loads
// configuration, opens the repository and cache backends, wires every
// collaborator package together, and serves HTTP until an interrupt
// signal asks it to drain in flight requests and exit.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/aiproxy-dev/relay/internal/cache"
	"github.com/aiproxy-dev/relay/internal/config"
	"github.com/aiproxy-dev/relay/internal/health"
	"github.com/aiproxy-dev/relay/internal/metrics"
	"github.com/aiproxy-dev/relay/internal/oauth"
	"github.com/aiproxy-dev/relay/internal/pricing"
	"github.com/aiproxy-dev/relay/internal/proxy"
	"github.com/aiproxy-dev/relay/internal/scheduler"
	"github.com/aiproxy-dev/relay/internal/store"
	"github.com/aiproxy-dev/relay/internal/trace"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "", "path to the YAML configuration document")
	check := flag.Bool("check", false, "validate configuration and exit")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("config load failed", "error", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("config validation failed", "error", err)
		os.Exit(1)
	}

	setupLogging(cfg.LogLevel)
	slog.Info("aiproxy starting", "version", version)

	if *check {
		slog.Info("configuration OK")
		return
	}

	repo, err := store.Open(sqliteDSN(cfg.Database.URL))
	if err != nil {
		slog.Error("database init failed", "error", err)
		os.Exit(1)
	}
	defer repo.Close()
	slog.Info("database ready", "url", cfg.Database.URL)

	encryptionKey := os.Getenv("ENCRYPTION_KEY")
	if encryptionKey == "" {
		encryptionKey = "dev-only-insecure-key-change-me"
		slog.Warn("ENCRYPTION_KEY not set, using an insecure development default")
	}
	crypto, err := store.NewCrypto(encryptionKey)
	if err != nil {
		slog.Error("key derivation failed", "error", err)
		os.Exit(1)
	}

	c, err := newCache(cfg)
	if err != nil {
		slog.Error("cache init failed", "error", err)
		os.Exit(1)
	}
	defer c.Close()
	slog.Info("cache ready", "backend", cfg.Cache.CacheType)

	var tracingShutdown func(context.Context) error
	if endpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); endpoint != "" && cfg.Trace.Enabled {
		shutdown, err := trace.SetupTracing(context.Background(), endpoint, cfg.Trace.SamplingRate)
		if err != nil {
			slog.Warn("opentelemetry setup failed, continuing without span export", "error", err)
		} else {
			tracingShutdown = shutdown
			slog.Info("opentelemetry tracing enabled", "endpoint", endpoint)
		}
	}

	healthMgr := health.NewManager(repo)
	sched := scheduler.New(repo, healthMgr)
	oauthMgr := oauth.NewManager(repo, crypto, c)
	refreshSched := oauth.NewRefreshScheduler(oauthMgr, repo)
	pricer := pricing.NewCalculator(repo)
	traceWriter := trace.NewWriter(repo, cfg.Trace)
	transportPool := proxy.NewTransportPool()

	handler := proxy.NewHandler(repo, c, sched, healthMgr, oauthMgr, pricer, traceWriter, transportPool, cfg.Proxy, cfg.Trace)
	handler.SetCrypto(crypto)

	if cfg.Trace.EnableHealthMetrics || cfg.Trace.EnablePerformanceMetrics {
		promRegistry := prometheus.NewRegistry()
		promRegistry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		promRegistry.MustRegister(collectors.NewGoCollector())
		promMetrics := metrics.NewMetrics(promRegistry)
		metrics.RegisterTraceQueueDropped(promRegistry, func() float64 { return float64(traceWriter.Dropped()) })
		healthMgr.SetMetrics(promMetrics)
		sched.SetMetrics(promMetrics)
		handler.SetMetrics(promMetrics, promhttp.HandlerFor(promRegistry, promhttp.HandlerOpts{}))
		slog.Info("prometheus metrics enabled")
	}

	httpServer := &http.Server{
		Addr:           addr(cfg),
		Handler:        requestLogger(handler.Router()),
		ReadTimeout:    30 * time.Second,
		WriteTimeout:   cfg.Proxy.DefaultTimeout + 30*time.Second,
		MaxHeaderBytes: 1 << 20,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Background maintenance loops are supervised by an errgroup rather
	// than bare goroutines so shutdown can wait for every one of them to
	// actually drain instead of just cancelling and hoping.
	bg, bgCtx := errgroup.WithContext(ctx)
	bg.Go(func() error { traceWriter.Run(bgCtx); return nil })
	bg.Go(func() error { transportPool.RunCleanup(bgCtx, 5*time.Minute, 10*time.Minute); return nil })
	bg.Go(func() error { healthMgr.RunResetSweep(bgCtx, 30*time.Second); return nil })
	bg.Go(func() error {
		oauth.RunCleanup(bgCtx, repo, oauth.CleanupConfig{
			PendingExpireMinutes:        cfg.OAuthCleanup.PendingExpireMinutes,
			MaxCleanupRecords:           cfg.OAuthCleanup.MaxCleanupRecords,
			ExpiredRecordsRetentionDays: cfg.OAuthCleanup.ExpiredRecordsRetentionDays,
		}, time.Duration(cfg.OAuthCleanup.CleanupIntervalSeconds)*time.Second)
		return nil
	})

	if cfg.OAuthCleanup.Enabled {
		if err := refreshSched.Seed(ctx); err != nil {
			slog.Error("oauth refresh scheduler seed failed", "error", err)
		}
		bg.Go(func() error { refreshSched.Run(bgCtx); return nil })
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server listening", "addr", httpServer.Addr)
		errCh <- httpServer.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	case sig := <-sigCh:
		slog.Info("shutdown signal received", "signal", sig.String())
		cancel()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			slog.Error("graceful shutdown failed", "error", err)
		}
		transportPool.Close()
		_ = bg.Wait()
		if tracingShutdown != nil {
			_ = tracingShutdown(shutdownCtx)
		}
	}
}

func addr(cfg *config.Config) string {
	host := cfg.Server.Host
	if host == "" {
		host = "0.0.0.0"
	}
	port := cfg.Server.Port
	if port == 0 {
		port = 8080
	}
	return fmt.Sprintf("%s:%d", host, port)
}

// sqliteDSN strips the "sqlite://" scheme the configuration document
// uses for readability, since modernc.org/sqlite's driver takes a bare
// file path.
func sqliteDSN(url string) string {
	return strings.TrimPrefix(url, "sqlite://")
}

func newCache(cfg *config.Config) (cache.Cache, error) {
	if cfg.Cache.CacheType == "redis" {
		return cache.NewRedisCache(cfg.Redis.URL, "", cfg.Redis.Database, cfg.Redis.PoolSize)
	}
	return cache.NewMemoryCache(cfg.Cache.MemoryMaxEntries), nil
}

func setupLogging(level string) {
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: l})))
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		slog.Debug("request", "method", r.Method, "path", r.URL.Path, "remote", r.RemoteAddr)
		next.ServeHTTP(w, r)
	})
}
