package main

import (
	"context"

	"github.com/gin-gonic/gin"
	"github.com/huangang/authcore/internal/config"
	"github.com/huangang/authcore/internal/middleware"
	"github.com/huangang/authcore/pkg/logger"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
)

// registerRoutes sets up all HTTP routes on the given Gin engine.
func registerRoutes(ctx context.Context, r *gin.Engine, cfg *config.Config, svc *appServices) {
	r.Use(logger.GinLogger(), logger.GinRecovery())
	r.Use(otelgin.Middleware(cfg.Telemetry.ServiceName))
	r.Use(middleware.CORS(cfg.Server.AllowedOrigins))
	r.Use(middleware.Authenticate(svc.authService))

	throttle := middleware.NewThrottle(ctx, cfg.Auth.RouteRequestsPerSecond, cfg.Auth.RouteBurst)

	r.GET("/health", svc.health.CheckHealth)

	api := r.Group("/api")
	{
		// Public auth routes share a per-IP throttle.
		auth := api.Group("/auth", throttle.Middleware())
		{
			auth.POST("/register", svc.authHandler.Register)
			auth.POST("/login", svc.authHandler.Login)
			auth.POST("/refresh", svc.authHandler.Refresh)
		}

		protected := api.Group("", middleware.AuthRequired())
		{
			protected.GET("/auth/me", svc.authHandler.GetCurrentUser)
			protected.GET("/auth/sessions", svc.authHandler.Sessions)
			protected.POST("/auth/logout", svc.authHandler.Logout)
			protected.POST("/auth/change-password", svc.authHandler.ChangePassword)
			protected.POST("/auth/revoke-all", svc.authHandler.RevokeAll)
		}

		admin := api.Group("/admin", middleware.AuthRequired(), middleware.AdminRequired(), middleware.AdminAudit(svc.auditSink))
		{
			admin.GET("/audit-logs", svc.adminHandler.ListAuditLogs)
			admin.GET("/auth-settings", svc.adminHandler.GetAuthSettings)
			admin.PUT("/auth-settings", svc.adminHandler.UpdateAuthSettings)
			admin.POST("/users/:id/revoke-sessions", svc.authHandler.AdminRevokeSessions)
		}
	}
}
