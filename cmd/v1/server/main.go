package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"

	"github.com/courier-im/courier/internal/v1/auth"
	"github.com/courier-im/courier/internal/v1/bus"
	"github.com/courier-im/courier/internal/v1/config"
	"github.com/courier-im/courier/internal/v1/group"
	"github.com/courier-im/courier/internal/v1/health"
	"github.com/courier-im/courier/internal/v1/logging"
	"github.com/courier-im/courier/internal/v1/middleware"
	"github.com/courier-im/courier/internal/v1/offline"
	"github.com/courier-im/courier/internal/v1/partition"
	"github.com/courier-im/courier/internal/v1/push"
	"github.com/courier-im/courier/internal/v1/ratelimit"
	"github.com/courier-im/courier/internal/v1/server"
	"github.com/courier-im/courier/internal/v1/store"
	"github.com/courier-im/courier/internal/v1/telemetry"
	"github.com/courier-im/courier/internal/v1/tracing"
	"github.com/courier-im/courier/internal/v1/transport"
	"github.com/courier-im/courier/internal/v1/types"
)

const version = "1.0.0"

func main() {
	ctx := context.Background()

	// Load .env for local development. Try multiple paths to handle
	// different ways of running the binary.
	envPaths := []string{".env", "../../../.env", "../../.env"}
	for _, path := range envPaths {
		if err := godotenv.Load(path); err == nil {
			break
		}
	}

	cfg, err := config.ValidateEnv()
	if err != nil {
		logging.Fatal(ctx, "environment validation failed", zap.Error(err))
	}

	if err := logging.Initialize(cfg.DevelopmentMode); err != nil {
		logging.Fatal(ctx, "logger initialization failed", zap.Error(err))
	}
	if cfg.DevelopmentMode {
		logging.Info(ctx, "running in development mode")
	}

	if cfg.TracingEnabled {
		tp, err := tracing.InitTracer(ctx, "courier", cfg.OtelCollectorAddr)
		if err != nil {
			logging.Fatal(ctx, "tracer initialization failed", zap.Error(err))
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := tp.Shutdown(shutdownCtx); err != nil {
				logging.Error(shutdownCtx, "tracer shutdown failed", zap.Error(err))
			}
		}()
	}

	// --- Durable store ---
	var st *store.Store
	if cfg.DatabaseURL != "" {
		st, err = store.OpenPostgres(cfg.DatabaseURL)
	} else {
		logging.Warn(ctx, "DATABASE_URL not set, using embedded sqlite", zap.String("path", cfg.SQLitePath))
		st, err = store.OpenSQLite(cfg.SQLitePath)
	}
	if err != nil {
		logging.Fatal(ctx, "store initialization failed", zap.Error(err))
	}

	// --- Partitioned Redis router ---
	router, err := partition.New(cfg.PartitionReplicas(), cfg.RedisPassword)
	if err != nil {
		logging.Fatal(ctx, "partition router initialization failed", zap.Error(err))
	}
	router.StartProbe(ctx)
	logging.Info(ctx, "partition router started", zap.Int("partitions", router.PartitionCount()))

	// --- Cross-node dispatch bus ---
	// The bus delivers remote publishes back into the local dispatcher, so
	// the handler closes over a variable assigned right after.
	var dispatcher *bus.Dispatcher
	busService, err := bus.NewService(cfg.PubSubRedisAddr, cfg.RedisPassword, cfg.NodeID,
		func(addr types.Address, payload []byte) {
			dispatcher.HandleRemote(addr, payload)
		})
	if err != nil {
		logging.Fatal(ctx, "bus initialization failed", zap.Error(err))
	}
	dispatcher = bus.NewDispatcher(busService)
	logging.Info(ctx, "dispatch bus connected", zap.String("addr", cfg.PubSubRedisAddr))

	// --- Rate limiting ---
	// A plain client on the pub/sub instance backs the shared limiter
	// counters. Construction falls back to per-node memory when nil.
	limiterRedis := redis.NewClient(&redis.Options{
		Addr:     cfg.PubSubRedisAddr,
		Password: cfg.RedisPassword,
	})
	rl, err := ratelimit.NewRateLimiter(cfg, limiterRedis)
	if err != nil {
		logging.Fatal(ctx, "rate limiter initialization failed", zap.Error(err))
	}

	// --- Group message service ---
	groups := group.NewService(st, router, dispatcher, group.Config{
		PlainUidSupport: cfg.PlainUidSupport,
		MaxBodySize:     cfg.MaxBodySize,
		RecallWindow:    cfg.RecallWindow,
	})

	// --- Push providers ---
	var apns *push.ApnsProvider
	if cfg.ApnsKeyFile != "" {
		apns, err = push.NewApnsProvider(push.ApnsConfig{
			KeyFile: cfg.ApnsKeyFile,
			KeyID:   cfg.ApnsKeyID,
			TeamID:  cfg.ApnsTeamID,
			Topic:   cfg.ApnsTopic,
			Sandbox: cfg.ApnsSandbox,
		}, router)
		if err != nil {
			logging.Fatal(ctx, "APNs provider initialization failed", zap.Error(err))
		}
	}
	var fcm *push.FcmProvider
	if cfg.FcmServerKey != "" {
		fcm = push.NewFcmProvider(cfg.FcmServerKey)
	}
	var umeng *push.UmengProvider
	if cfg.UmengAppKey != "" {
		umeng = push.NewUmengProvider(cfg.UmengAppKey, cfg.UmengAppSecret)
	}
	pushSvc := push.NewService(push.Config{
		Concurrency:     cfg.PushConcurrency,
		VoipMaxResend:   cfg.VoipMaxResend,
		VoipResendDelay: cfg.VoipResendDelay,
	}, apns, fcm, umeng)
	pushSvc.Start(ctx)

	// --- Offline orchestrator ---
	orchestrator := offline.New(router, pushSvc, offline.Config{
		NodeID:        cfg.NodeID,
		Delay:         cfg.OfflineDelay,
		Expire:        cfg.OfflineExpire,
		ScanBatch:     int64(cfg.OfflineScanBatch),
		LeaseTTL:      cfg.OfflineLeaseTTL,
		RenewInterval: cfg.OfflineLeaseTTL / 3,
		ScanInterval:  time.Second,
	})
	orchestrator.Start(ctx)

	// --- Telemetry collector ---
	collector, err := telemetry.New(telemetry.Config{
		ClientID:              cfg.MetricsClientID,
		Version:               version,
		Dir:                   cfg.MetricsDir,
		ReportIntervalInMs:    cfg.ReportIntervalInMs,
		MaxFileBytes:          cfg.MetricsMaxFileBytes,
		MaxFileCount:          cfg.MetricsMaxFileCount,
		WriteThresholdInBytes: cfg.WriteThresholdInBytes,
	})
	if err != nil {
		logging.Fatal(ctx, "telemetry initialization failed", zap.Error(err))
	}
	collector.Start()

	// --- Authentication ---
	authenticator := auth.NewAuthenticator(st,
		auth.NewRedisChallengeStore(router, cfg.ChallengeTTL),
		uint32(cfg.PowDifficulty))

	// --- HTTP engine ---
	engine := gin.New()
	engine.Use(middleware.CorrelationID())
	engine.Use(gin.Recovery())
	if cfg.TracingEnabled {
		engine.Use(otelgin.Middleware("courier"))
	}

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = allowedOrigins(cfg.AllowedOrigins)
	corsConfig.AllowHeaders = append(corsConfig.AllowHeaders, "Authorization")
	engine.Use(cors.New(corsConfig))
	engine.Use(rl.GlobalMiddleware())

	// The hub synthesizes session frames into requests against the same
	// engine, so every REST route is reachable over WebSocket too.
	hub := transport.NewHub(dispatcher, engine, authenticator, rl)

	srvHandlers := server.New(st, authenticator, groups, pushSvc, dispatcher, hub,
		collector, cfg.InternalAPIToken)
	srvHandlers.Register(engine, rl.MessagesMiddleware())

	engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	healthHandler := health.NewHandler(st, router, busService)
	engine.GET("/health/live", healthHandler.Liveness)
	engine.GET("/health/ready", healthHandler.Readiness)

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: engine,
	}

	// --- Graceful shutdown ---
	go func() {
		logging.Info(ctx, "server starting", zap.String("port", cfg.Port), zap.String("node", cfg.NodeID))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Error(ctx, "server failed", zap.Error(err))
			syscall.Kill(os.Getpid(), syscall.SIGTERM)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logging.Info(ctx, "shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := hub.Shutdown(shutdownCtx); err != nil {
		logging.Error(shutdownCtx, "hub shutdown failed", zap.Error(err))
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logging.Error(shutdownCtx, "server forced to shutdown", zap.Error(err))
	}

	orchestrator.Stop()
	pushSvc.Stop()
	collector.Close()

	if err := busService.Close(); err != nil {
		logging.Error(shutdownCtx, "bus close failed", zap.Error(err))
	}
	if err := router.Close(); err != nil {
		logging.Error(shutdownCtx, "partition router close failed", zap.Error(err))
	}

	logging.Info(shutdownCtx, "server exited")
}

func allowedOrigins(raw string) []string {
	var out []string
	for _, o := range strings.Split(raw, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	if len(out) == 0 {
		out = []string{"http://localhost:3000"}
	}
	return out
}
