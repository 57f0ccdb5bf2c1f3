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
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/example/medscan/internal/auth"
	"github.com/example/medscan/internal/config"
	"github.com/example/medscan/internal/handlers"
	"github.com/example/medscan/internal/logging"
	"github.com/example/medscan/internal/metrics"
	"github.com/example/medscan/internal/repository"
	"github.com/example/medscan/internal/scanner"
	"github.com/example/medscan/internal/session"
	"github.com/example/medscan/internal/usecase"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger, err := logging.NewLogger(cfg.Server.Mode)
	if err != nil {
		panic(err)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	history := initHistory(ctx, cfg, logger)
	cache := initPreviewCache(ctx, cfg, logger)

	m := metrics.New()
	client := scanner.NewHTTPClient(cfg.Scanner.BaseURL, cfg.Scanner.Timeout, logger)
	previews := usecase.NewPreviewStore(cache, cfg.Session.TTL, logger)
	uc := usecase.NewScanUseCase(session.NewRegistry(), previews, client, history, m, logger)

	gin.SetMode(cfg.Server.Mode)
	r := gin.New()
	r.Use(gin.Recovery(), handlers.RequestLogger(logger), handlers.RequestMetrics(m))
	r.MaxMultipartMemory = cfg.Upload.MaxBytes

	h := handlers.NewHandler(uc, client, handlers.Options{
		MaxUploadBytes: cfg.Upload.MaxBytes,
		SessionTTL:     cfg.Session.TTL,
		SecureCookie:   cfg.Server.Mode == gin.ReleaseMode,
		MetricsHandler: m.Handler(),
	}, logger)
	handlers.RegisterRoutes(r, h, auth.JWTMiddleware(cfg.Auth.JWTSecret, cfg.Auth.JWTAudience, logger))

	sweepCtx, stopSweep := context.WithCancel(context.Background())
	defer stopSweep()
	go uc.RunSweeper(sweepCtx, cfg.Session.SweepInterval, cfg.Session.TTL)

	server := &http.Server{
		Addr:              cfg.Server.Addr(),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("medscan listening",
		zap.String("addr", server.Addr),
		zap.String("scanner", cfg.Scanner.BaseURL))
	serveErr := serveHTTPServer(server, cfg.Server.ShutdownTimeout, logger)

	stopSweep()
	drainCtx, drainCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer drainCancel()
	if err := uc.Wait(drainCtx); err != nil {
		logger.Warn("abandoning in-flight scans", zap.Error(err))
	}

	if serveErr != nil {
		logger.Fatal("server failed", zap.Error(serveErr))
	}
}

// initHistory connects the scan history store. Without DATABASE_DSN scans
// are only logged.
func initHistory(ctx context.Context, cfg *config.Config, zapLogger *zap.Logger) usecase.HistoryRepository {
	if cfg.Store.DatabaseDSN == "" {
		zapLogger.Info("scan history disabled: DATABASE_DSN not set")
		return nil
	}

	logLevel := gormlogger.Warn
	if cfg.Server.Mode == gin.DebugMode {
		logLevel = gormlogger.Info
	}
	db, err := gorm.Open(postgres.Open(cfg.Store.DatabaseDSN), &gorm.Config{Logger: gormlogger.Default.LogMode(logLevel)})
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

	repo := repository.NewScanRepository(db, zapLogger)
	if err := repo.AutoMigrate(ctx); err != nil {
		zapLogger.Fatal("auto migrate failed", zap.Error(err))
	}
	return repo
}

// initPreviewCache picks redis when REDIS_ADDR is set and the in-process
// cache otherwise.
func initPreviewCache(ctx context.Context, cfg *config.Config, zapLogger *zap.Logger) usecase.Cache {
	if cfg.Store.RedisAddr == "" {
		zapLogger.Info("preview store in memory: REDIS_ADDR not set")
		return usecase.NewMemoryCache()
	}

	redisCtx, redisCancel := context.WithTimeout(ctx, 5*time.Second)
	defer redisCancel()

	client := redis.NewClient(&redis.Options{Addr: cfg.Store.RedisAddr})
	if err := client.Ping(redisCtx).Err(); err != nil {
		zapLogger.Fatal("redis connection failed", zap.Error(err))
	}
	return usecase.NewRedisCache(client)
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
