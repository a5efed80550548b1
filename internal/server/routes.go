package server

import (
	"github.com/nulzo/model-publisher/internal/server/middleware"
	v1 "github.com/nulzo/model-publisher/internal/server/v1"
)

func (s *Server) SetupRoutes() {
	s.router.Use(middleware.CORS())
	s.router.Use(middleware.ErrorHandler(s.logger))

	// Health Check (Public)
	healthHandler := v1.NewHealthHandler()
	s.router.GET("/health", healthHandler.Health)

	publishHandler := v1.NewPublishHandler(s.reconciler, s.resolver, s.validator)
	usageHandler := v1.NewUsageHandler(s.reconciler, s.resolver, s.tracker, s.validator)

	limiter := middleware.NewRateLimiter(s.config.RateLimit.RequestsPerSecond, s.config.RateLimit.Burst, s.logger)

	// API V1 Group: every route below carries a gateway-issued identity
	api := s.router.Group("/api/v1")
	api.Use(middleware.Identity())
	api.Use(limiter.Middleware())
	{
		api.POST("/models/:name/publish", publishHandler.Publish)
		api.PUT("/models/:name/publish", publishHandler.Update)
		api.DELETE("/models/:name/publish", publishHandler.Unpublish)
		api.GET("/models/:name/publish", publishHandler.Get)
		api.POST("/models/:name/publish/rotate-key", publishHandler.RotateKey)
		api.GET("/published-models", publishHandler.List)

		api.GET("/models/:name/usage", usageHandler.Get)
		api.POST("/internal/usage", usageHandler.Report)
	}
}
