package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/rentora/propaccess/internal/auditor"
	"github.com/rentora/propaccess/internal/authz"
	"github.com/rentora/propaccess/internal/featureflags"
	"github.com/rentora/propaccess/internal/handler"
	"github.com/rentora/propaccess/internal/infrastructure/logger"
	"github.com/rentora/propaccess/internal/infrastructure/redis"
	"github.com/rentora/propaccess/internal/observability/tracing"
	"github.com/rentora/propaccess/internal/repository"
	"github.com/rentora/propaccess/internal/security/audit"
	"github.com/rentora/propaccess/internal/security/auth"
	"github.com/rentora/propaccess/internal/security/middleware"
	"github.com/rentora/propaccess/internal/security/ratelimit"
	"github.com/rentora/propaccess/pkg/config"
	"github.com/rentora/propaccess/pkg/database"
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize structured logger
	log := logger.NewLogger(cfg.LogLevel)
	log.Info("starting propaccess auditor daemon", slog.String("environment", cfg.Environment))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 3. Initialize tracing (no-op unless an OTLP endpoint is configured)
	shutdownTracing, err := tracing.Init(ctx, log, "propaccess-auditord", cfg.Environment)
	if err != nil {
		log.Error("failed to initialize tracing", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer func() {
		flushCtx, flushCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer flushCancel()
		if err := shutdownTracing(flushCtx); err != nil {
			log.Error("failed to shut down tracing", slog.String("error", err.Error()))
		}
	}()

	// 4. Connect Postgres
	pool, err := database.NewConnectionPool(ctx, &database.Config{
		Host:     cfg.DatabaseHost,
		Port:     cfg.DatabasePort,
		User:     cfg.DatabaseUser,
		Password: cfg.DatabasePassword,
		Database: cfg.DatabaseName,
		SSLMode:  cfg.DatabaseSSLMode,
	}, log)
	if err != nil {
		log.Error("failed to connect to Postgres", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer pool.Close()

	// 5. Connect Redis
	redisClient, err := redis.NewClient(cfg.RedisURL)
	if err != nil {
		log.Error("failed to connect to Redis", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer redisClient.Close()

	// 6. Repositories
	db := pool.GetDB()
	propertyRepo := repository.NewPostgresPropertyRepository(db, log)
	membershipRepo := repository.NewPostgresMembershipRepository(db, log)
	invitationRepo := repository.NewPostgresInvitationRepository(db, log)

	// 7. Findings pipeline: dedup in front of a fan-out to the log, the
	// Redis stream, Kafka when brokers are configured, and the live
	// websocket hub when the stream endpoint is on.
	streamEnabled := featureflags.Enabled(featureflags.FindingsStream)
	broadcast := auditor.NewBroadcastSink(cfg.FindingBufferSize, log)
	sinks := []auditor.FindingSink{
		auditor.NewSlogSink(log),
		auditor.NewRedisStreamSink(redisClient, log),
	}
	var kafkaSink *auditor.KafkaSink
	if len(cfg.KafkaBrokers) > 0 {
		kafkaSink = auditor.NewKafkaSink(cfg.KafkaBrokers, cfg.KafkaFindingsTopic, log)
		sinks = append(sinks, kafkaSink)
	}
	if streamEnabled {
		sinks = append(sinks, broadcast)
	}
	sink := auditor.NewDedupSink(
		auditor.NewMultiSink(log, sinks...),
		time.Duration(cfg.DedupWindowMinutes)*time.Minute,
	)

	// 8. Decision engine with async divergence reporting
	reporter := auditor.NewAsyncReporter(sink, cfg.FindingBufferSize, log)
	resolver := authz.NewOwnershipResolver(propertyRepo, membershipRepo, reporter, log)
	engine := authz.NewEngine(resolver, log)

	// 9. Start the consistency auditor on its schedule
	aud := auditor.NewAuditor(
		propertyRepo,
		membershipRepo,
		invitationRepo,
		sink,
		log,
		time.Duration(cfg.AuditIntervalMinutes)*time.Minute,
		time.Duration(cfg.InvitationTTLHours)*time.Hour,
		cfg.AuditBatchSize,
		cfg.AuditWorkers,
	)
	go aud.Start(ctx)

	// 10. Security components
	tokenManager := auth.NewTokenManager(cfg.JWTSecret, "propaccess")
	rateLimiter := ratelimit.NewLimiter(100, time.Minute) // 100 requests per minute per operator
	auditLogger := audit.NewLogger(log)

	// 11. HTTP surface
	healthHandler := handler.NewHealthHandler(pool, redisClient, log)
	checkHandler := handler.NewCheckHandler(engine, log)
	auditHandler := handler.NewAuditHandler(aud, log)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", healthHandler.Health)
	mux.HandleFunc("GET /readyz", healthHandler.Ready)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.Handle("POST /v1/access/check", checkHandler)
	mux.HandleFunc("POST /v1/audit/run", auditHandler.RunNow)
	mux.HandleFunc("GET /v1/audit/report", auditHandler.Report)
	if streamEnabled {
		findingsHandler := handler.NewFindingsHandler(broadcast, redisClient, log, cfg.CORSAllowedOrigins)
		mux.Handle("GET /v1/findings/stream", findingsHandler)
	}

	// Chain middleware: request id -> metrics -> JWT -> rate limit -> audit trail
	rootHandler := middleware.RequestIDMiddleware(log)(
		middleware.MetricsMiddleware()(
			middleware.JWTMiddleware(tokenManager, log)(
				middleware.RateLimitMiddleware(rateLimiter, log)(
					middleware.AuditMiddleware(auditLogger)(
						middleware.ValidateJSONContentType(log)(mux),
					),
				),
			),
		),
	)

	// 12. Start HTTP server
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.ServerPort),
		Handler:      otelhttp.NewHandler(rootHandler, "auditord"),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	log.Info("auditord starting",
		slog.Int("port", cfg.ServerPort),
		slog.Duration("audit_interval", time.Duration(cfg.AuditIntervalMinutes)*time.Minute),
		slog.Bool("findings_stream", streamEnabled),
		slog.Bool("kafka_sink", kafkaSink != nil),
	)

	// Handle graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server error", slog.String("error", err.Error()))
		}
	}()

	// Wait for shutdown signal
	<-sigChan
	log.Info("shutdown signal received")

	// Graceful shutdown: stop taking requests, then the auditor, then
	// flush findings still in flight.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("shutdown error", slog.String("error", err.Error()))
	}

	cancel()
	reporter.Close()
	if kafkaSink != nil {
		if err := kafkaSink.Close(); err != nil {
			log.Error("failed to close kafka sink", slog.String("error", err.Error()))
		}
	}
	rateLimiter.Stop()
	log.Info("auditor daemon stopped")
}
