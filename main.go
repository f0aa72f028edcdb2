package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/example/animal-lookalike/internal/auth"
	"github.com/example/animal-lookalike/internal/classifier"
	"github.com/example/animal-lookalike/internal/classifierclient"
	"github.com/example/animal-lookalike/internal/config"
	"github.com/example/animal-lookalike/internal/handlers"
	"github.com/example/animal-lookalike/internal/logging"
	"github.com/example/animal-lookalike/internal/repository"
	"github.com/example/animal-lookalike/internal/storage"
	"github.com/example/animal-lookalike/internal/usecase"
)

func main() {
	logger, err := logging.NewLogger()
	if err != nil {
		panic(err)
	}
	defer logger.Sync() //nolint:errcheck

	configPath := getEnv("CONFIG_PATH", "config.yaml")
	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Fatal("failed to load config", zap.String("path", configPath), zap.Error(err))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	store, err := storage.NewImageStore(ctx, cfg.Storage, logger)
	if err != nil {
		logger.Fatal("failed to initialize image store", zap.Error(err))
	}
	defer store.Close()

	opts := usecase.Options{
		CacheTTL:          cfg.Redis.CacheTTL,
		ClassifierTimeout: cfg.Classifier.Timeout,
	}

	if cfg.Database.DSN != "" {
		db := initDatabase(ctx, cfg.Database.DSN, logger)
		repo := repository.NewClassificationRepository(db, logger)
		if err := repo.AutoMigrate(ctx); err != nil {
			logger.Fatal("auto migrate failed", zap.Error(err))
		}
		opts.Repo = repo
	} else {
		logger.Info("DATABASE_DSN not set, classification logs disabled")
	}

	if cfg.Redis.Addr != "" {
		redisCtx, redisCancel := context.WithTimeout(ctx, 5*time.Second)
		redisClient := initRedis(redisCtx, cfg.Redis.Addr, logger)
		redisCancel()
		defer redisClient.Close()
		opts.Cache = usecase.NewRedisCache(redisClient)
	} else {
		logger.Info("REDIS_ADDR not set, prediction cache disabled")
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	opts.Metrics = usecase.NewMetrics(registry)

	client := classifierclient.New(
		cfg.Classifier.Endpoint,
		cfg.Classifier.ModelURL,
		classifierclient.NewHTTPClient(cfg.Classifier.Timeout),
		logger,
	)

	router := newRouter(cfg, store, client, opts, promhttp.HandlerFor(registry, promhttp.HandlerOpts{}), logger)

	server := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("animal look-alike API listening",
		zap.String("addr", cfg.HTTP.Addr),
		zap.String("storage", cfg.Storage.Type),
		zap.String("public_base_url", cfg.PublicBaseURL),
	)
	if err := serveHTTPServer(server, cfg.HTTP.ShutdownTimeout, logger); err != nil {
		logger.Fatal("server failed", zap.Error(err))
	}
}

func newRouter(cfg *config.Config, store storage.ImageStore, client classifier.Client, opts usecase.Options, metrics http.Handler, logger *zap.Logger) *gin.Engine {
	uc := usecase.NewRelayUseCase(store, client, cfg.ImageURL, opts, logger)

	r := gin.New()
	r.MaxMultipartMemory = cfg.HTTP.MaxUploadBytes
	r.Use(gin.Recovery(), handlers.RequestID(), logging.RequestLogger(logger, "/health", "/metrics"))

	routeOpts := handlers.Options{
		MaxUploadBytes: cfg.HTTP.MaxUploadBytes,
		DownloadPath:   cfg.DownloadPath,
		Metrics:        metrics,
	}
	if cfg.Auth.JWTSecret != "" {
		routeOpts.StatsMiddleware = []gin.HandlerFunc{auth.JWTMiddleware(cfg.Auth.JWTSecret, cfg.Auth.JWTAudience)}
	}
	handlers.RegisterRoutes(r, uc, store, logger, routeOpts)
	return r
}

func initDatabase(ctx context.Context, dsn string, zapLogger *zap.Logger) *gorm.DB {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Warn)})
	if err != nil {
		zapLogger.Fatal("failed to connect to database", zap.Error(err))
	}

	sqlDB, err := db.DB()
	if err != nil {
		zapLogger.Fatal("failed to access db handle", zap.Error(err))
	}
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetMaxOpenConns(10)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := sqlDB.PingContext(ctx); err != nil {
		zapLogger.Fatal("database ping failed", zap.Error(err))
	}

	return db
}

func initRedis(ctx context.Context, addr string, zapLogger *zap.Logger) *redis.Client {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		zapLogger.Fatal("redis connection failed", zap.Error(err))
	}
	return client
}

func serveHTTPServer(server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger) error {
	return serveHTTPServerWithOptions(server, shutdownTimeout, logger, nil, nil)
}

func serveHTTPServerWithOptions(server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger, listener net.Listener, signalCh <-chan os.Signal) error {
	errCh := make(chan error, 1)
	go func() {
		var err error
		if listener != nil {
			err = server.Serve(listener)
		} else {
			err = server.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		errCh <- err
	}()

	var (
		sigCh       <-chan os.Signal
		stopSignals func()
	)

	if signalCh != nil {
		sigCh = signalCh
		stopSignals = func() {}
	} else {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
		sigCh = ch
		stopSignals = func() {
			signal.Stop(ch)
		}
	}
	defer stopSignals()

	select {
	case err := <-errCh:
		return err
	case sig, ok := <-sigCh:
		if !ok {
			return <-errCh
		}
		logger.Info("received shutdown signal", zap.String("signal", sig.String()))
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return <-errCh
	}
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}
