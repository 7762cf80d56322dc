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
	"github.com/robfig/cron/v3"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"

	_ "github.com/PromzzyKoncepts/counsel-api/api/swagger"
	"github.com/PromzzyKoncepts/counsel-api/internal/handler"
	"github.com/PromzzyKoncepts/counsel-api/internal/middleware"
	"github.com/PromzzyKoncepts/counsel-api/internal/models"
	"github.com/PromzzyKoncepts/counsel-api/internal/notify"
	"github.com/PromzzyKoncepts/counsel-api/internal/repository"
	"github.com/PromzzyKoncepts/counsel-api/internal/scheduler"
	"github.com/PromzzyKoncepts/counsel-api/internal/service"
	"github.com/PromzzyKoncepts/counsel-api/pkg/cache"
	"github.com/PromzzyKoncepts/counsel-api/pkg/config"
	"github.com/PromzzyKoncepts/counsel-api/pkg/database"
	"github.com/PromzzyKoncepts/counsel-api/pkg/logger"
	corsmiddleware "github.com/PromzzyKoncepts/counsel-api/pkg/middleware/cors"
	reqidmiddleware "github.com/PromzzyKoncepts/counsel-api/pkg/middleware/requestid"
)

// @title Counsel API
// @version 1.0.0
// @description Slot and session booking backend for the counselling platform
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

	db, err := database.NewPostgres(cfg.Database)
	if err != nil {
		logr.Sugar().Fatalw("failed to connect to postgres", "error", err)
	}
	defer db.Close()

	redisClient, err := cache.NewRedis(cfg.Redis)
	if err != nil {
		logr.Sugar().Fatalw("failed to connect to redis", "error", err)
	}
	defer redisClient.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metricsSvc := service.NewMetricsService()

	// external collaborators
	dispatcher := notify.NewWebhookDispatcher(cfg.Notifications, logr)
	dispatcher.Start(ctx)
	defer dispatcher.Stop()

	reminders := scheduler.New(redisClient, dispatcher, logr, scheduler.Config{
		PollInterval: cfg.Reminders.PollInterval,
		Workers:      cfg.Reminders.WorkerConcurrency,
		Retries:      cfg.Reminders.WorkerRetries,
		Observer:     metricsSvc,
	})
	reminders.Start(ctx)
	defer reminders.Stop()

	// stores and services
	slotRepo := repository.NewSlotRepository(db)
	sessionRepo := repository.NewSessionRepository(db)

	bookingSvc := service.NewBookingService(slotRepo, sessionRepo, reminders, dispatcher, db, nil, logr, service.BookingConfig{
		TxTimeout:   cfg.Booking.TxTimeout,
		MaxDuration: cfg.Booking.MaxDuration,
		Offsets: service.ReminderOffsets{
			DayBefore:    cfg.Reminders.DayBeforeOffset,
			HourBefore:   cfg.Reminders.HourBeforeOffset,
			MinuteBefore: cfg.Reminders.MinuteBeforeOffset,
		},
	})
	cancellationSvc := service.NewCancellationService(slotRepo, sessionRepo, bookingSvc, dispatcher, logr)
	slotSvc := service.NewSlotService(slotRepo, sessionRepo, reminders, db, nil, logr, cfg.Booking.TxTimeout)
	sessionSvc := service.NewSessionService(slotRepo, sessionRepo, reminders, dispatcher, db, logr, cfg.Booking.TxTimeout)

	// periodic cleanup of slots whose window has passed
	sweeper := cron.New()
	if _, err := sweeper.AddFunc(cfg.Booking.SweepSchedule, func() {
		metricsSvc.ObserveSweep(slotSvc.SweepExpired(ctx))
	}); err != nil {
		logr.Sugar().Fatalw("invalid sweep schedule", "schedule", cfg.Booking.SweepSchedule, "error", err)
	}
	sweeper.Start()
	defer sweeper.Stop()

	if cfg.Env == config.EnvProduction {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(reqidmiddleware.Middleware())
	r.Use(logger.GinMiddleware(logr))
	r.Use(corsmiddleware.New(cfg.CORS.AllowedOrigins))
	r.Use(middleware.Metrics(metricsSvc))

	slotHandler := handler.NewSlotHandler(slotSvc, bookingSvc, metricsSvc)
	sessionHandler := handler.NewSessionHandler(sessionSvc, cancellationSvc, metricsSvc)
	metricsHandler := handler.NewMetricsHandler(metricsSvc)

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/ready", func(c *gin.Context) {
		if err := db.PingContext(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "database unavailable"})
			return
		}
		if err := redisClient.Ping(c.Request.Context()).Err(); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "redis unavailable"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	})
	r.GET("/metrics", metricsHandler.Prometheus)
	if cfg.Env != config.EnvProduction {
		r.GET("/docs/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	api := r.Group(cfg.APIPrefix)
	api.Use(middleware.JWT(cfg.JWT.Secret))
	{
		api.GET("/slots/free", slotHandler.ListFree)
		api.POST("/slots/:id/book", middleware.RequireRoles(models.RoleUser, models.RoleAdmin), slotHandler.Book)
		api.POST("/slots/:id/free", middleware.RequireRoles(models.RoleCounsellor, models.RoleAdmin), slotHandler.Free)

		api.POST("/counsellors/:id/slots", middleware.RBAC("ADMIN", "SELF"), slotHandler.Publish)
		api.DELETE("/counsellors/:id/slots", middleware.RBAC("ADMIN", "SELF"), slotHandler.DeleteUpcoming)
		api.GET("/counsellors/:id/schedule/export", middleware.RBAC("ADMIN", "SELF"), sessionHandler.ExportSchedule)

		api.GET("/sessions", sessionHandler.List)
		api.GET("/sessions/:id", sessionHandler.Get)
		api.POST("/sessions/:id/cancel", sessionHandler.Cancel)
		api.POST("/sessions/:id/reschedule", sessionHandler.Reschedule)
		api.POST("/sessions/:id/respond", middleware.RequireRoles(models.RoleCounsellor, models.RoleAdmin), sessionHandler.Respond)
		api.POST("/sessions/:id/complete", middleware.RequireRoles(models.RoleCounsellor, models.RoleAdmin), sessionHandler.Complete)
		api.POST("/sessions/:id/rate", sessionHandler.Rate)
	}

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: r,
	}

	go func() {
		logr.Sugar().Infow("server starting", "addr", srv.Addr, "env", cfg.Env)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logr.Sugar().Fatalw("server failed", "error", err)
		}
	}()

	<-ctx.Done()
	logr.Sugar().Infow("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logr.Sugar().Errorw("forced shutdown", "error", err)
		_ = srv.Close()
	}
}
