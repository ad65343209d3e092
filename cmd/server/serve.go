package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/OpenNSW/formflow/internal/auth"
	"github.com/OpenNSW/formflow/internal/cache"
	"github.com/OpenNSW/formflow/internal/database"
	"github.com/OpenNSW/formflow/internal/form"
	"github.com/OpenNSW/formflow/internal/middleware"
	"github.com/OpenNSW/formflow/internal/ratelimit"
	"github.com/OpenNSW/formflow/internal/uploads"
)

const shutdownTimeout = 30 * time.Second

func serve(parent context.Context) error {
	cfg, logger, err := bootstrap()
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(contextOrBackground(parent), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("configuration loaded",
		zap.String("env", cfg.Server.Env),
		zap.String("db_driver", cfg.Database.Driver),
		zap.String("storage", cfg.Storage.Type),
		zap.Strings("allowed_origins", cfg.CORS.AllowedOrigins),
	)

	db, err := database.New(&cfg.Database, logger)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer func() {
		if err := database.Close(db); err != nil {
			logger.Error("failed to close database", zap.Error(err))
		}
	}()
	if err := database.HealthCheck(db); err != nil {
		return fmt.Errorf("database health check failed: %w", err)
	}
	if err := database.Migrate(db); err != nil {
		return err
	}

	// Without Redis the page cache reads through to the database and
	// submissions are not rate limited.
	var (
		pageCache cache.Cache
		limiter   ratelimit.Limiter
	)
	if cfg.Redis.URL != "" {
		rdb, err := cache.Connect(ctx, cfg.Redis.URL)
		if err != nil {
			logger.Warn("redis unavailable, continuing without cache and rate limiting", zap.Error(err))
		} else {
			defer func() { _ = rdb.Close() }()
			pageCache = cache.NewRedisCache(rdb)
			limiter = ratelimit.NewFixedWindow(rdb, cfg.Submission.RateLimitMax, cfg.Submission.RateLimitWindow)
		}
	}

	storage, err := uploads.NewStorageFromConfig(ctx, cfg.Storage, []byte(cfg.Auth.JWTSecret), logger)
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}

	forms := form.NewManager(form.Deps{
		DB:      db,
		Cache:   pageCache,
		Limiter: limiter,
		Storage: storage,
		Config:  cfg,
		Logger:  logger,
	})
	tokens := auth.NewTokenService(cfg.Auth.JWTSecret, cfg.Auth.Issuer, cfg.Auth.TokenTTL)

	if cfg.Server.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.Use(gin.Recovery(), middleware.Logger(logger), middleware.CORS(&cfg.CORS))
	engine.GET("/health", func(c *gin.Context) {
		if err := database.HealthCheck(db); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	forms.RegisterRoutes(engine.Group("/api"), auth.RequireCreator(tokens, logger))

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting server", zap.Int("port", cfg.Server.Port))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
	case <-ctx.Done():
	}

	logger.Info("shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", zap.Error(err))
		return err
	}
	logger.Info("server stopped")
	return nil
}

func contextOrBackground(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}
