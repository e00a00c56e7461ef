package main

import (
	"context"

	"github.com/huangang/authcore/internal/config"
	"github.com/huangang/authcore/internal/handlers"
	"github.com/huangang/authcore/internal/models"
	"github.com/huangang/authcore/internal/services"
	"github.com/huangang/authcore/internal/telemetry"
	"github.com/huangang/authcore/internal/utils"
	"github.com/huangang/authcore/pkg/logger"
	"github.com/redis/go-redis/v9"
)

const rateLimitKeyPrefix = "authcore:ratelimit:"

// appServices holds all initialized services and handlers needed by the application.
type appServices struct {
	authService  *services.AuthService
	telemetry    *telemetry.Provider
	auditSink    services.AuditSink
	worker       *services.AuditWorker
	scheduler    *services.CleanupScheduler
	redisClient  *redis.Client
	authHandler  *handlers.AuthHandler
	adminHandler *handlers.AdminHandler
	health       *handlers.HealthHandler
}

// bootstrap initializes all application dependencies: database, services, schedulers.
func bootstrap(ctx context.Context, cfg *config.Config) *appServices {
	provider, err := telemetry.New(ctx, &cfg.Telemetry)
	if err != nil {
		logger.Warn().Err(err).Msg("Telemetry disabled")
	}

	if err := models.InitDB(&cfg.Database); err != nil {
		logger.Fatal().Err(err).Str("driver", cfg.Database.Driver).Msg("failed to connect to database")
	}
	db := models.GetDB()

	if err := models.AutoMigrate(); err != nil {
		logger.Fatal().Err(err).Msg("failed to migrate database")
	}
	if err := models.SeedDefaultData(); err != nil {
		logger.Warn().Err(err).Msg("Failed to seed default data")
	}

	// Audit events go through the queue when Redis is up, else straight to the table.
	direct := services.NewSystemLogSink(db)
	auditSink := services.InitAuditSink(cfg, direct)
	queueMode := "direct"
	if _, ok := auditSink.(*services.QueuedAuditSink); ok {
		queueMode = "queued"
	}

	var worker *services.AuditWorker
	if queueMode == "queued" {
		worker = services.NewAuditWorker(&cfg.Redis, direct)
		if err := worker.Start(); err != nil {
			logger.Warn().Err(err).Msg("Failed to start audit worker")
			worker = nil
		}
	}

	// Limiter counters are shared through Redis so every instance sees them.
	var ipStore, accountStore services.RateLimitStore
	var redisClient *redis.Client
	if cfg.Redis.Enabled {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			logger.Warn().Err(err).Msg("Redis unreachable, login limiter uses memory stores")
			_ = redisClient.Close()
			redisClient = nil
		} else {
			ipStore = services.NewRedisRateLimitStore(redisClient, rateLimitKeyPrefix+"ip:")
			accountStore = services.NewRedisRateLimitStore(redisClient, rateLimitKeyPrefix+"account:")
		}
	}
	limiter := services.NewLoginRateLimiter(db, services.LoginLimiterConfigFrom(&cfg.Auth), ipStore, accountStore)

	settings := services.NewSystemConfigService(db)
	tokens := services.NewRefreshTokenStore(db)
	logs := services.NewSystemLogService(db)

	authService := services.NewAuthService(services.AuthDeps{
		Users:          services.NewGormUserStore(db),
		Tokens:         tokens,
		Codec:          utils.NewTokenCodec(cfg.JWT.Secret),
		Audit:          auditSink,
		Settings:       settings,
		JWT:            cfg.JWT,
		ReuseDetection: cfg.Auth.RefreshReuseDetection,
	})

	if err := authService.CreateAdminIfNotExists(ctx, cfg.Auth.AdminEmail, cfg.Auth.AdminPassword); err != nil {
		logger.Warn().Err(err).Msg("Failed to create admin user")
	}

	scheduler := services.NewCleanupScheduler(db, limiter, tokens, logs)
	if err := scheduler.Start(); err != nil {
		logger.Warn().Err(err).Msg("Failed to start cleanup scheduler")
	}

	return &appServices{
		authService:  authService,
		telemetry:    provider,
		auditSink:    auditSink,
		worker:       worker,
		scheduler:    scheduler,
		redisClient:  redisClient,
		authHandler:  handlers.NewAuthHandler(authService, limiter),
		adminHandler: handlers.NewAdminHandler(logs, settings, cfg.JWT),
		health:       handlers.NewHealthHandler(db, queueMode),
	}
}

// shutdown gracefully stops all services.
func (s *appServices) shutdown(ctx context.Context) {
	if err := s.scheduler.Stop(ctx); err != nil {
		logger.Warn().Err(err).Msg("Cleanup scheduler did not stop in time")
	}
	if s.worker != nil {
		s.worker.Stop()
	}
	if queued, ok := s.auditSink.(*services.QueuedAuditSink); ok {
		_ = queued.Close()
	}
	if s.redisClient != nil {
		_ = s.redisClient.Close()
	}
	if err := s.telemetry.Shutdown(ctx); err != nil {
		logger.Warn().Err(err).Msg("Telemetry flush failed")
	}
	logger.Info().Msg("All services stopped")
}
