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
	"github.com/rs/cors"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/example/ekyc/internal/auth"
	"github.com/example/ekyc/internal/capture"
	"github.com/example/ekyc/internal/config"
	"github.com/example/ekyc/internal/handlers"
	"github.com/example/ekyc/internal/imagestore"
	"github.com/example/ekyc/internal/logging"
	"github.com/example/ekyc/internal/recognition"
	"github.com/example/ekyc/internal/repository"
	"github.com/example/ekyc/internal/session"
	"github.com/example/ekyc/internal/usecase"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger, err := logging.NewLogger(logging.Options{
		Level:      cfg.LogLevel,
		File:       cfg.LogFile,
		MaxSizeMB:  cfg.LogMaxSizeMB,
		MaxBackups: cfg.LogMaxBackups,
	})
	if err != nil {
		panic(err)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	db := initDatabase(ctx, cfg, logger)
	repo := repository.NewVerificationRepository(db, logger)
	if err := repo.AutoMigrate(ctx); err != nil {
		logger.Fatal("auto migrate failed", zap.Error(err))
	}

	sessions := initSessionStore(ctx, cfg, logger)

	recognizer := recognition.NewHTTPClient(recognition.Options{
		BaseURL:          cfg.RecognitionURL,
		Timeout:          cfg.RecognitionTimeout,
		ExtractFnIndex:   cfg.ExtractFnIndex,
		CompareFnIndex:   cfg.CompareFnIndex,
		FixedSessionHash: cfg.RecognitionSessionHash,
		ForwardDetails:   cfg.RecognitionForwardDetails,
	}, logger)

	images := initImageStore(cfg, logger)

	captures := capture.NewRegistry(capture.Options{
		PromptDelay:  cfg.CapturePromptDelay,
		CaptureDelay: cfg.CaptureDelay,
	}, logger)
	defer captures.Close()

	sweepCtx, stopSweep := context.WithCancel(context.Background())
	defer stopSweep()
	go captures.Run(sweepCtx, time.Minute, cfg.SessionTTL)

	uc := usecase.NewVerificationUseCase(repo, sessions, recognizer, images, captures, logger)

	r := gin.New()
	r.Use(gin.Recovery())
	r.MaxMultipartMemory = handlers.MaxUploadSize
	r.Use(handlers.RequestLogger(logger))
	r.Use(handlers.NewRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst).Middleware())

	reviewerAuth := auth.JWTMiddleware(cfg.JWTSecret, cfg.JWTAudience, auth.RoleReviewer)
	handlers.RegisterRoutes(r, uc, reviewerAuth)

	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: false,
	})

	server := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           corsHandler.Handler(r),
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("eKYC API listening", zap.String("addr", cfg.HTTPAddr))
	if err := serveHTTPServer(server, cfg.ShutdownTimeout, logger); err != nil {
		logger.Fatal("server failed", zap.Error(err))
	}
}

func initDatabase(ctx context.Context, cfg *config.Config, zapLogger *zap.Logger) *gorm.DB {
	logLevel := gormlogger.Warn
	if cfg.LogLevel == "debug" {
		logLevel = gormlogger.Info
	}
	db, err := gorm.Open(postgres.Open(cfg.DatabaseDSN), &gorm.Config{Logger: gormlogger.Default.LogMode(logLevel)})
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

func initSessionStore(ctx context.Context, cfg *config.Config, zapLogger *zap.Logger) session.Store {
	if cfg.SessionStore == "memory" {
		zapLogger.Warn("using in-process session store")
		return session.NewMemoryStore(cfg.SessionTTL)
	}

	redisCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	client := initRedis(redisCtx, cfg.RedisAddr, zapLogger)
	return session.NewRedisStore(session.NewRedisCache(client), "ekyc", cfg.SessionTTL, cfg.LockTTL, zapLogger)
}

func initRedis(ctx context.Context, addr string, zapLogger *zap.Logger) *redis.Client {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		zapLogger.Fatal("redis connection failed", zap.Error(err))
	}
	return client
}

func initImageStore(cfg *config.Config, zapLogger *zap.Logger) imagestore.Store {
	if cfg.ImageStore != "s3" {
		return imagestore.Inline{}
	}
	store, err := imagestore.NewS3(imagestore.S3Options{
		Bucket:    cfg.S3Bucket,
		Region:    cfg.S3Region,
		Endpoint:  cfg.S3Endpoint,
		KeyPrefix: cfg.S3KeyPrefix,
	})
	if err != nil {
		zapLogger.Fatal("failed to create image store", zap.Error(err))
	}
	return store
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
