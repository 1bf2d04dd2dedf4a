package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/chainlog-io/chainlog/internal/custody/handler"
	"github.com/chainlog-io/chainlog/internal/custody/repository"
	"github.com/chainlog-io/chainlog/internal/custody/service"
	"github.com/chainlog-io/chainlog/internal/keyring"
	"github.com/chainlog-io/chainlog/internal/ledger"
	"github.com/chainlog-io/chainlog/internal/monitor"
	"github.com/chainlog-io/chainlog/internal/webhooks"
)

// healthServiceName is the gRPC health service name probed by load
// balancers and the chainlog health command.
const healthServiceName = "chainlog.custody"

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync() //nolint:errcheck

	if err := run(logger); err != nil {
		logger.Fatal("chainlogd exited with error", zap.Error(err))
	}
}

func run(logger *zap.Logger) error {
	// ── Configuration ────────────────────────────────────────────────────────
	viper.SetConfigName("chainlogd")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("configs")
	viper.AddConfigPath(".")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.grpc_port", 9090)
	viper.SetDefault("server.issuer_url", "")
	viper.SetDefault("server.cors_origins", []string{"http://localhost:3000"})
	viper.SetDefault("server.rate_limit_rps", 20)
	viper.SetDefault("ledger.path", "data/ledger.jsonl")
	viper.SetDefault("keys.dir", "keys")
	viper.SetDefault("keys.service_key", "service")
	viper.SetDefault("keys.token_ttl_seconds", 3600)
	viper.SetDefault("snapshot.dir", "snapshots")
	viper.SetDefault("database.url", "")
	viper.SetDefault("monitor.interval_seconds", 300)
	viper.SetDefault("metrics.password_hash", "")

	if err := viper.ReadInConfig(); err != nil {
		var cfgNotFound viper.ConfigFileNotFoundError
		if !errors.As(err, &cfgNotFound) {
			return fmt.Errorf("read config: %w", err)
		}
		logger.Warn("no config file found, using defaults and env vars")
	}

	// ── Ledger ────────────────────────────────────────────────────────────────
	ledgerPath := viper.GetString("ledger.path")
	if dir := filepath.Dir(ledgerPath); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create ledger directory: %w", err)
		}
	}
	chain := ledger.New(ledgerPath)

	startCtx := context.Background()
	report, err := chain.Audit(startCtx)
	switch {
	case err != nil:
		logger.Warn("ledger audit failed", zap.Error(err))
	case !report.Valid:
		logger.Warn("ledger integrity check FAILED",
			zap.String("reason", report.Reason))
	default:
		logger.Info("ledger verified",
			zap.Int("entries", report.Entries),
			zap.String("root", report.Root),
		)
	}

	// ── Keyring + tokens ──────────────────────────────────────────────────────
	keys := keyring.NewManager(viper.GetString("keys.dir"))
	serviceKey, err := keys.LoadOrCreate(viper.GetString("keys.service_key"))
	if err != nil {
		return fmt.Errorf("keyring setup failed: %w", err)
	}
	logger.Info("keyring ready",
		zap.String("dir", keys.Dir()),
		zap.String("service_key", serviceKey.Name),
		zap.String("pub", serviceKey.PublicHex),
	)

	httpPort := viper.GetInt("server.port")
	issuerURL := viper.GetString("server.issuer_url")
	if issuerURL == "" {
		issuerURL = fmt.Sprintf("http://localhost:%d", httpPort)
	}

	tokenTTL := time.Duration(viper.GetInt("keys.token_ttl_seconds")) * time.Second
	tokens, err := keyring.NewTokenIssuer(serviceKey, issuerURL, tokenTTL)
	if err != nil {
		return fmt.Errorf("token issuer setup failed: %w", err)
	}

	// ── Custody service ───────────────────────────────────────────────────────
	svc := service.New(chain, logger)
	svc.SetKeyring(keys)
	svc.SetSnapshotDir(viper.GetString("snapshot.dir"))
	svc.SetAppendRecorder(handler.RecordEntryAppend)

	// ── Optional Postgres: archive mirror + webhooks ──────────────────────────
	var webhookSvc *webhooks.Service
	var webhookHandler *webhooks.Handler
	if dbURL := viper.GetString("database.url"); dbURL != "" {
		db, err := pgxpool.New(context.Background(), dbURL)
		if err != nil {
			return fmt.Errorf("connect to postgres: %w", err)
		}
		defer db.Close()

		if err := db.Ping(context.Background()); err != nil {
			return fmt.Errorf("ping postgres: %w", err)
		}
		logger.Info("connected to postgres")

		svc.SetArchive(repository.NewArchiveRepository(db))

		webhookSvc = webhooks.NewService(webhooks.NewRepository(db), logger)
		webhookSvc.SetMetricsRecorder(handler.RecordWebhookDelivery)
		svc.SetDispatcher(webhookSvc)
		webhookHandler = webhooks.NewHandler(webhookSvc, tokens, logger)
	} else {
		logger.Info("no database configured — archive mirror and webhooks disabled")
	}

	// ── HTTP Router ───────────────────────────────────────────────────────────
	if os.Getenv("GIN_MODE") == "" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())

	// CORS
	corsOrigins := viper.GetStringSlice("server.cors_origins")
	corsConfig := cors.Config{
		AllowOrigins:     corsOrigins,
		AllowMethods:     []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization", "Accept"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: !containsWildcard(corsOrigins),
		MaxAge:           12 * time.Hour,
	}
	router.Use(cors.New(corsConfig))

	// Security headers
	router.Use(func(c *gin.Context) {
		c.Header("X-Frame-Options", "DENY")
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")
		c.Next()
	})

	// Request body size limit (1 MB)
	router.Use(func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, 1<<20)
		c.Next()
	})

	// Per-IP rate limiting
	rps := viper.GetInt("server.rate_limit_rps")
	if rps > 0 {
		router.Use(handler.RateLimit(rps, rps*2))
	}

	router.Use(requestLogger(logger))
	router.Use(handler.PrometheusMiddleware())

	// Health + metrics (public; metrics optionally behind basic auth)
	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", handler.MetricsAuth(viper.GetString("metrics.password_hash")), handler.MetricsHandler())

	// API v1
	v1 := router.Group("/api/v1")
	handler.NewLedgerHandler(svc, tokens, logger).Register(v1)
	handler.NewSnapshotHandler(svc, tokens, logger).Register(v1)
	handler.NewKeysHandler(keys, svc, tokens, logger).Register(v1)
	handler.NewArchiveHandler(svc, logger).Register(v1)
	if webhookHandler != nil {
		webhookHandler.Register(v1)
	}

	// ── gRPC health server ────────────────────────────────────────────────────
	grpcPort := viper.GetInt("server.grpc_port")
	grpcLis, err := net.Listen("tcp", fmt.Sprintf(":%d", grpcPort))
	if err != nil {
		return fmt.Errorf("gRPC listen on :%d: %w", grpcPort, err)
	}

	grpcServer := grpc.NewServer(
		grpc.ChainUnaryInterceptor(loggingInterceptor(logger)),
	)

	healthSvc := health.NewServer()
	grpc_health_v1.RegisterHealthServer(grpcServer, healthSvc)
	healthSvc.SetServingStatus(healthServiceName, grpc_health_v1.HealthCheckResponse_SERVING)

	// gRPC reflection (for grpcurl and Evans)
	reflection.Register(grpcServer)

	// ── Chain sentinel ────────────────────────────────────────────────────────
	sentinel := monitor.New(svc, monitor.Config{
		CheckInterval: time.Duration(viper.GetInt("monitor.interval_seconds")) * time.Second,
	}, logger)
	sentinel.SetRecord(handler.RecordAuditCheck)
	sentinel.SetServing(func(healthy bool) {
		status := grpc_health_v1.HealthCheckResponse_SERVING
		if !healthy {
			status = grpc_health_v1.HealthCheckResponse_NOT_SERVING
		}
		healthSvc.SetServingStatus(healthServiceName, status)
	})
	if webhookSvc != nil {
		sentinel.SetDispatch(webhookSvc.Dispatch)
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	sentinelQuit := make(chan os.Signal, 1)
	signal.Notify(sentinelQuit, syscall.SIGINT, syscall.SIGTERM)
	go sentinel.Start(sentinelQuit)

	// ── Serve ─────────────────────────────────────────────────────────────────
	httpSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", httpPort),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("chainlogd HTTP listening",
			zap.Int("port", httpPort),
			zap.String("ledger", ledgerPath),
		)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("HTTP listen error", zap.Error(err))
		}
	}()

	go func() {
		logger.Info("chainlogd gRPC health listening", zap.Int("port", grpcPort))
		if err := grpcServer.Serve(grpcLis); err != nil {
			logger.Fatal("gRPC serve error", zap.Error(err))
		}
	}()

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	<-quit
	logger.Info("shutting down chainlogd...")

	grpcServer.GracefulStop()

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(ctx); err != nil {
		logger.Error("HTTP shutdown error", zap.Error(err))
	}

	logger.Info("chainlogd stopped")
	return nil
}

// containsWildcard returns true if origins includes "*".
func containsWildcard(origins []string) bool {
	for _, o := range origins {
		if strings.TrimSpace(o) == "*" {
			return true
		}
	}
	return false
}

// requestLogger returns a Gin middleware that logs each request with zap.
func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Info("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		)
	}
}

// loggingInterceptor returns a gRPC unary server interceptor that logs each call.
func loggingInterceptor(logger *zap.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		code := "OK"
		if err != nil {
			code = grpc.Code(err).String() //nolint:staticcheck
		}
		logger.Info("grpc",
			zap.String("method", info.FullMethod),
			zap.String("code", code),
			zap.Duration("latency", time.Since(start)),
		)
		return resp, err
	}
}
