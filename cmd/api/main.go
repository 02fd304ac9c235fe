package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.uber.org/zap"

	_ "github.com/cryptohub-academy/enrollment-api/api/swagger"
	"github.com/cryptohub-academy/enrollment-api/internal/handler"
	"github.com/cryptohub-academy/enrollment-api/internal/middleware"
	"github.com/cryptohub-academy/enrollment-api/internal/models"
	"github.com/cryptohub-academy/enrollment-api/internal/repository"
	"github.com/cryptohub-academy/enrollment-api/internal/service"
	"github.com/cryptohub-academy/enrollment-api/internal/sweeper"
	"github.com/cryptohub-academy/enrollment-api/pkg/cache"
	"github.com/cryptohub-academy/enrollment-api/pkg/config"
	"github.com/cryptohub-academy/enrollment-api/pkg/database"
	"github.com/cryptohub-academy/enrollment-api/pkg/export"
	"github.com/cryptohub-academy/enrollment-api/pkg/logger"
	corsmiddleware "github.com/cryptohub-academy/enrollment-api/pkg/middleware/cors"
	reqidmiddleware "github.com/cryptohub-academy/enrollment-api/pkg/middleware/requestid"
	"github.com/cryptohub-academy/enrollment-api/pkg/storage"
)

// @title Crypto Hub Enrollment API
// @version 1.0.0
// @description Course enrollment, payment verification and seat management
// @BasePath /api/v1
// @schemes http
// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization

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
		logr.Fatal("failed to connect to postgres", zap.Error(err))
	}
	defer db.Close()

	validate := validator.New()
	metricsSvc := service.NewMetricsService()

	// Redis is optional; the catalog just runs uncached without it.
	var cacheSvc *service.CacheService
	if cfg.Browse.CacheEnabled {
		redisClient, err := cache.NewRedis(cfg.Redis)
		if err != nil {
			logr.Warn("redis unavailable, browse cache disabled", zap.Error(err))
		} else {
			cacheRepo := repository.NewCacheRepository(redisClient, logr)
			defer cacheRepo.Close()
			cacheSvc = service.NewCacheService(cacheRepo, metricsSvc, cfg.Browse.CacheTTL, logr, true)
		}
	}

	userRepo := repository.NewUserRepository(db)
	batchRepo := repository.NewBatchRepository(db)
	enrollmentRepo := repository.NewEnrollmentRepository(db)
	paymentRepo := repository.NewPaymentRepository(db)
	notificationRepo := repository.NewNotificationRepository(db)

	authSvc := service.NewAuthService(userRepo, validate, logr, service.AuthConfig{
		AccessTokenSecret:  cfg.JWT.Secret,
		AccessTokenExpiry:  cfg.JWT.Expiration,
		RefreshTokenExpiry: cfg.JWT.RefreshExpiration,
		Issuer:             "crypto-hub",
		Audience:           []string{"crypto-hub-api"},
	})
	userSvc := service.NewUserService(userRepo, validate, logr)
	batchSvc := service.NewBatchService(batchRepo, cacheSvc, validate, logr)
	paymentSvc := service.NewPaymentService(paymentRepo, logr)

	notificationSvc := service.NewNotificationService(notificationRepo, userRepo, service.NewLogMailer(logr), cfg.Notifications, logr)

	store, err := storage.NewLocalStorage(cfg.Receipts.StorageDir)
	if err != nil {
		logr.Fatal("failed to init receipt storage", zap.Error(err))
	}
	signer := storage.NewSignedURLSigner(cfg.Receipts.SignedURLSecret, cfg.Receipts.SignedURLTTL)
	receiptSvc := service.NewReceiptService(paymentRepo, userRepo, export.NewReceiptExporter("Crypto Hub"), store, signer, cfg.Receipts, logr)

	enrollmentSvc := service.NewEnrollmentService(db, enrollmentRepo, batchRepo, paymentRepo,
		notificationRepo, userRepo, notificationSvc, receiptSvc, metricsSvc, validate, logr)
	exportSvc := service.NewExportService(enrollmentRepo, logr)

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	notificationSvc.Start(rootCtx)
	defer notificationSvc.Stop()
	receiptSvc.Start(rootCtx)
	defer receiptSvc.Stop()

	var sweep *sweeper.Sweeper
	if cfg.Sweep.Enabled {
		sweep = sweeper.New(enrollmentSvc, cfg.Sweep, logr)
		go sweep.Run(rootCtx)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(reqidmiddleware.Middleware())
	r.Use(logger.GinMiddleware(logr))
	r.Use(corsmiddleware.New(cfg.CORS.AllowedOrigins))
	r.Use(middleware.Metrics(metricsSvc))

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	r.GET("/ready", func(c *gin.Context) {
		if err := db.Ping(); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	})

	r.GET("/metrics", gin.WrapH(metricsSvc.Handler()))

	if cfg.Env != config.EnvProduction {
		r.GET("/docs/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	registerRoutes(r, cfg, authSvc,
		handler.NewAuthHandler(authSvc, userSvc),
		handler.NewUserHandler(userSvc),
		handler.NewBatchHandler(batchSvc),
		handler.NewEnrollmentHandler(enrollmentSvc, exportSvc),
		handler.NewPaymentHandler(paymentSvc),
		handler.NewNotificationHandler(notificationSvc),
		handler.NewReceiptHandler(receiptSvc),
	)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logr.Sugar().Infow("server starting", "addr", srv.Addr, "env", cfg.Env)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logr.Fatal("server failed", zap.Error(err))
		}
	}()

	<-rootCtx.Done()
	logr.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logr.Error("forced shutdown", zap.Error(err))
	}
	if sweep != nil {
		sweep.Wait()
	}
}

func registerRoutes(r *gin.Engine, cfg *config.Config, authSvc *service.AuthService,
	authHandler *handler.AuthHandler,
	userHandler *handler.UserHandler,
	batchHandler *handler.BatchHandler,
	enrollmentHandler *handler.EnrollmentHandler,
	paymentHandler *handler.PaymentHandler,
	notificationHandler *handler.NotificationHandler,
	receiptHandler *handler.ReceiptHandler,
) {
	api := r.Group(cfg.APIPrefix)

	auth := api.Group("/auth")
	{
		auth.POST("/register", authHandler.Register)
		auth.POST("/login", authHandler.Login)
		auth.POST("/refresh", authHandler.Refresh)
		auth.POST("/logout", middleware.JWT(authSvc), authHandler.Logout)
		auth.PUT("/password", middleware.JWT(authSvc), authHandler.ChangePassword)
		auth.GET("/me", middleware.JWT(authSvc), authHandler.Me)
	}

	batches := api.Group("/batches", middleware.OptionalJWT(authSvc))
	{
		batches.GET("", batchHandler.Browse)
		batches.GET("/:id", batchHandler.Get)
	}

	enrollments := api.Group("/enrollments", middleware.JWT(authSvc))
	{
		enrollments.GET("", enrollmentHandler.List)
		enrollments.POST("", enrollmentHandler.Start)
		enrollments.GET("/:id", enrollmentHandler.Get)
		enrollments.POST("/:id/payment", enrollmentHandler.SubmitPayment)

		adminOnly := middleware.RequireRoles(models.RoleAdmin, models.RoleSuperAdmin)
		enrollments.POST("/:id/approve", adminOnly, enrollmentHandler.Approve)
		enrollments.POST("/:id/reject", adminOnly, enrollmentHandler.Reject)
		enrollments.DELETE("", adminOnly, enrollmentHandler.BulkDelete)
		enrollments.GET("/export", adminOnly, enrollmentHandler.ExportCSV)
	}

	payments := api.Group("/payments", middleware.JWT(authSvc))
	{
		payments.GET("/:id", paymentHandler.Get)
		payments.GET("/:id/receipt", receiptHandler.SignedURL)
	}

	// No JWT here; the signed token is the credential.
	api.GET("/receipts/download", receiptHandler.Download)

	notifications := api.Group("/notifications", middleware.JWT(authSvc))
	{
		notifications.GET("", notificationHandler.List)
		notifications.GET("/unread-count", notificationHandler.UnreadCount)
		notifications.POST("/:id/read", notificationHandler.MarkRead)
		notifications.POST("/read-all", notificationHandler.MarkAllRead)
	}

	admin := api.Group("/admin", middleware.JWT(authSvc), middleware.RequireRoles(models.RoleAdmin, models.RoleSuperAdmin))
	{
		admin.GET("/batches", batchHandler.AdminList)
		admin.POST("/batches", batchHandler.Create)
		admin.PUT("/batches/:id", batchHandler.Update)
		admin.DELETE("/batches/:id", batchHandler.Delete)

		admin.GET("/payments", paymentHandler.List)

		admin.GET("/users", userHandler.List)
		admin.GET("/users/:id", userHandler.Get)
	}
}
