package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"live-relay/internal/events"
	"live-relay/internal/orchestrator"
	"live-relay/internal/platform/config"
	"live-relay/internal/platform/logger"
	"live-relay/internal/platform/metrics"
	"live-relay/internal/platform/telemetry"
	"live-relay/internal/remux"
	"live-relay/internal/upstream"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const (
	serviceName     = "live-relay"
	shutdownTimeout = 10 * time.Second
)

func main() {
	_ = config.Load()

	port := config.GetEnv("PORT", "8080")
	logLevel := config.GetEnv("LOG_LEVEL", "info")
	logFormat := config.GetEnv("LOG_FORMAT", "json")
	upstreamURL := config.GetEnv("UPSTREAM_URL", "http://localhost:9000")
	redisAddr := config.GetEnv("ANCHOR_REDIS_ADDR", "")

	cfg := orchestrator.Config{
		MinBufferMs:        config.GetEnvInt64("MIN_BUFFER_MS", orchestrator.DefaultMinBufferMs),
		RTTWindow:          config.GetEnvInt("RTT_WINDOW", orchestrator.DefaultRTTWindow),
		StateRetryAttempts: config.GetEnvInt("STATE_RETRY_ATTEMPTS", orchestrator.DefaultStateRetryAttempts),
		StateRetryDelay:    config.GetEnvDuration("STATE_RETRY_DELAY", orchestrator.DefaultStateRetryDelay),
		MaxFetchRetries:    config.GetEnvInt("MAX_FETCH_RETRIES", orchestrator.DefaultMaxFetchRetries),
		PushIdleTimeout:    config.GetEnvDuration("PUSH_IDLE_TIMEOUT", orchestrator.DefaultPushIdleTimeout),
		PullIdleTimeout:    config.GetEnvDuration("PULL_IDLE_TIMEOUT", orchestrator.DefaultPullIdleTimeout),
		UnifiedChannel:     int32(config.GetEnvInt("UNIFIED_CHANNEL", orchestrator.DefaultUnifiedChannel)),
		UnifiedQuality:     int32(config.GetEnvInt("UNIFIED_QUALITY", orchestrator.DefaultUnifiedQuality)),
		SinkBuffer:         config.GetEnvInt("SINK_BUFFER", orchestrator.DefaultSinkBuffer),
	}

	log := logger.New(logLevel, logFormat)

	ctx := context.Background()
	shutdownTracing, err := telemetry.Init(ctx, serviceName, telemetry.Config{
		Endpoint:   config.GetEnv("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		SampleRate: config.GetEnv("OTEL_TRACE_SAMPLE_RATE", ""),
		Insecure:   config.GetEnvBool("OTEL_EXPORTER_OTLP_INSECURE", true),
	})
	if err != nil {
		log.Warn("tracing disabled", "error", err)
		shutdownTracing = func(context.Context) error { return nil }
	}

	var anchors orchestrator.AnchorStore = orchestrator.NewInMemoryAnchorStore()
	if redisAddr != "" {
		store, err := orchestrator.NewRedisAnchorStore(ctx, redisAddr, config.GetEnvDuration("ANCHOR_TTL", time.Hour))
		if err != nil {
			log.Error("anchor store", "addr", redisAddr, "error", err)
			os.Exit(1)
		}
		defer store.Close()
		anchors = store
	}

	client := upstream.NewClient(upstream.Config{
		BaseURL: upstreamURL,
		Client: &http.Client{
			Timeout:   config.GetEnvDuration("UPSTREAM_TIMEOUT", 10*time.Second),
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		RPS:   float64(config.GetEnvInt("UPSTREAM_RPS", 20)),
		Burst: config.GetEnvInt("UPSTREAM_BURST", 10),
	})

	met := metrics.New()
	hub := events.NewHub(log)
	go hub.Run()

	svc := orchestrator.NewService(cfg, orchestrator.Deps{
		Fetcher:    client,
		NewRemuxer: func() orchestrator.Remuxer { return remux.New(remux.Options{}) },
		Anchors:    anchors,
		Notifier:   hub,
		Metrics:    met,
		Log:        log,
	})
	h := orchestrator.NewHandler(svc, log)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(logger.RequestLogger(log))
	r.Use(metrics.RequestMiddleware(met))
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		met.Handler(func() { met.SetActiveSessions(svc.ActiveSessionCount()) }).ServeHTTP(w, r)
	})
	r.Get("/events", hub.ServeHTTP)
	h.Routes(r)

	addr := ":" + port
	srv := &http.Server{Addr: addr, Handler: otelhttp.NewHandler(r, serviceName)}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	log.Info("server starting",
		"port", port,
		"upstream", upstreamURL,
		"min_buffer_ms", cfg.MinBufferMs,
		"redis_anchors", redisAddr != "",
		"log_level", logLevel,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	log.Info("shutdown signal received, draining connections")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	svc.Shutdown()
	hub.Close()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("shutdown error", "error", err)
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		log.Warn("tracing shutdown", "error", err)
	}

	log.Info("server stopped")
}
