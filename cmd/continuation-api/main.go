package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"

	_ "github.com/cadenza-hq/continuation-api/api/swagger"
	"github.com/cadenza-hq/continuation-api/internal/client"
	"github.com/cadenza-hq/continuation-api/internal/handler"
	"github.com/cadenza-hq/continuation-api/internal/middleware"
	"github.com/cadenza-hq/continuation-api/internal/models"
	"github.com/cadenza-hq/continuation-api/internal/repository"
	"github.com/cadenza-hq/continuation-api/internal/service"
	"github.com/cadenza-hq/continuation-api/pkg/cache"
	"github.com/cadenza-hq/continuation-api/pkg/config"
	"github.com/cadenza-hq/continuation-api/pkg/database"
	"github.com/cadenza-hq/continuation-api/pkg/jobs"
	"github.com/cadenza-hq/continuation-api/pkg/logger"
	corsmiddleware "github.com/cadenza-hq/continuation-api/pkg/middleware/cors"
	reqidmiddleware "github.com/cadenza-hq/continuation-api/pkg/middleware/requestid"
	"github.com/cadenza-hq/continuation-api/pkg/storage"
)

// @title Continuation API
// @version 1.0.0
// @description Term continuation workflow service for music schools
// @BasePath /api/v1
// @schemes http

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logr, err := logger.New(cfg)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logr.Sync() //nolint:errcheck

	if cfg.Env == config.EnvProduction {
		gin.SetMode(gin.ReleaseMode)
	}

	db, err := database.NewPostgres(cfg.Database)
	if err != nil {
		logr.Sugar().Fatalw("failed to connect to postgres", "error", err)
	}
	defer db.Close() //nolint:errcheck

	redisClient, err := cache.NewRedis(cfg.Redis)
	if err != nil {
		logr.Sugar().Warnw("redis unavailable, caching disabled", "error", err)
		redisClient = nil
	}

	runRepo := repository.NewRunRepository(db)
	ledgerRepo := repository.NewLedgerRepository(db)
	termRepo := repository.NewTermRepository(db)
	studentRepo := repository.NewStudentRepository(db)
	userRepo := repository.NewUserRepository(db)
	exportRepo := repository.NewExportRepository(db)

	metricsSvc := service.NewMetricsService()
	var cacheSvc *service.CacheService
	if redisClient != nil {
		cacheRepo := repository.NewCacheRepository(redisClient, logr)
		cacheSvc = service.NewCacheService(cacheRepo, metricsSvc, cfg.Continuation.SummaryCacheTTL, logr, true)
	}

	schedulingClient := client.NewSchedulingClient(cfg.Scheduling)
	billingClient := client.NewBillingClient(cfg.Billing)
	mailerClient := client.NewMailerClient(cfg.Notifications)

	responseTokens := storage.NewTokenSigner(cfg.ResponseTokens.Secret, cfg.ResponseTokens.TTL)

	authSvc := service.NewAuthService(userRepo, nil, logr, service.AuthConfig{
		AccessTokenSecret:  cfg.JWT.Secret,
		AccessTokenExpiry:  cfg.JWT.Expiration,
		RefreshTokenExpiry: cfg.JWT.RefreshExpiration,
		Issuer:             "continuation-api",
	})
	runSvc := service.NewRunService(runRepo, ledgerRepo, studentRepo, termRepo,
		schedulingClient, mailerClient, responseTokens, userRepo, cacheSvc, logr,
		cfg.Continuation.DefaultReminderOffsets)
	deadlineSvc := service.NewDeadlineService(runRepo, ledgerRepo, userRepo, cacheSvc, logr)
	processorSvc := service.NewProcessorService(runRepo, ledgerRepo, termRepo,
		schedulingClient, billingClient, userRepo, cacheSvc, logr,
		service.WithBatchPageSize(cfg.Continuation.BatchPageSize))
	responseSvc := service.NewResponseService(ledgerRepo, runRepo, responseTokens, userRepo, cacheSvc, logr)
	processorSvc.SetMetrics(metricsSvc)
	responseSvc.SetMetrics(metricsSvc)

	var exportSvc *service.ExportService
	var exportQueue *jobs.Queue
	if cfg.Exports.Enabled {
		store, err := storage.NewLocalStorage(cfg.Exports.StorageDir)
		if err != nil {
			logr.Sugar().Fatalw("failed to init export storage", "error", err)
		}
		downloadSigner := storage.NewTokenSigner(cfg.Exports.SignedURLSecret, cfg.Exports.SignedURLTTL)
		exportSvc = service.NewExportService(exportRepo, runRepo, ledgerRepo, store, downloadSigner,
			service.ExportConfig{APIPrefix: cfg.APIPrefix}, logr, nil, nil)
		exportQueue = jobs.NewQueue("run-exports", exportSvc.HandleJob, jobs.QueueConfig{
			Workers:    cfg.Exports.WorkerConcurrency,
			MaxRetries: cfg.Exports.WorkerRetries,
			Logger:     logr,
		})
		exportSvc.SetQueue(exportQueue)
	}

	authHandler := handler.NewAuthHandler(authSvc)
	continuationHandler := handler.NewContinuationHandler(runSvc, deadlineSvc, processorSvc, responseSvc)
	respondHandler := handler.NewRespondHandler(responseSvc)
	metricsHandler := handler.NewMetricsHandler(metricsSvc)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(reqidmiddleware.Middleware())
	r.Use(logger.GinMiddleware(logr))
	r.Use(corsmiddleware.New(cfg.CORS.AllowedOrigins))
	r.Use(middleware.Metrics(metricsSvc))
	r.Use(middleware.WithResponseMeta())

	r.GET("/health", metricsHandler.Health)
	r.GET("/ready", func(c *gin.Context) {
		if err := db.PingContext(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not ready"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	})
	r.GET("/metrics", metricsHandler.Prometheus)

	if cfg.Env != config.EnvProduction {
		r.GET("/docs/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	api := r.Group(cfg.APIPrefix)
	{
		auth := api.Group("/auth")
		{
			auth.POST("/login", authHandler.Login)
			auth.POST("/refresh", authHandler.Refresh)
			auth.POST("/logout", middleware.JWT(authSvc), authHandler.Logout)
			auth.GET("/me", middleware.JWT(authSvc), authHandler.Me)
		}

		// Public emailed-link intake; the signed token is the credential.
		api.POST("/respond", respondHandler.RespondByToken)

		portal := api.Group("/portal", middleware.JWT(authSvc),
			middleware.RequireRoles(models.RoleGuardian))
		{
			portal.GET("/continuation", respondHandler.PortalList)
			portal.POST("/continuation/respond", respondHandler.PortalRespond)
		}

		staff := api.Group("/continuation", middleware.JWT(authSvc),
			middleware.RequireRoles(models.RoleSuperAdmin, models.RoleAdmin, models.RoleStaff))
		{
			staff.POST("/runs", continuationHandler.Create)
			staff.GET("/runs", continuationHandler.List)
			staff.GET("/runs/:id", continuationHandler.Get)
			staff.GET("/runs/:id/responses", continuationHandler.Entries)
			staff.POST("/runs/:id/send", continuationHandler.Send)
			staff.POST("/runs/:id/remind", continuationHandler.Remind)
			staff.POST("/runs/:id/deadline", continuationHandler.Deadline)
			staff.POST("/runs/:id/process", continuationHandler.Process)
			staff.POST("/responses/:id/override", continuationHandler.Override)
		}

		if exportSvc != nil {
			exportHandler := handler.NewExportHandler(exportSvc)
			exports := api.Group("/continuation/exports")
			{
				exports.GET("/download/:token", exportHandler.Download)
				exports.POST("", middleware.JWT(authSvc),
					middleware.RequireRoles(models.RoleSuperAdmin, models.RoleAdmin, models.RoleStaff),
					middleware.Audit(userRepo, "export.request", "export_job"),
					exportHandler.Create)
				exports.GET("/:id", middleware.JWT(authSvc),
					middleware.RequireRoles(models.RoleSuperAdmin, models.RoleAdmin, models.RoleStaff),
					exportHandler.Get)
			}
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if exportQueue != nil {
		exportQueue.Start(ctx)
		defer exportQueue.Stop()
	}

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: r,
	}

	go func() {
		logr.Sugar().Infow("server starting", "addr", srv.Addr, "env", cfg.Env)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logr.Sugar().Fatalw("server failed", "error", err)
		}
	}()

	<-ctx.Done()
	logr.Sugar().Infow("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logr.Sugar().Errorw("graceful shutdown failed", "error", err)
	}
}
