package server

import (
	"net/http"

	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"

	"github.com/nulzo/model-publisher/internal/config"
	"github.com/nulzo/model-publisher/internal/reconciler"
	"github.com/nulzo/model-publisher/internal/server/middleware"
	"github.com/nulzo/model-publisher/internal/server/validator"
	"github.com/nulzo/model-publisher/internal/tenant"
	"github.com/nulzo/model-publisher/internal/usage"
)

type Server struct {
	router     *gin.Engine
	config     *config.Config
	logger     *zap.Logger
	reconciler *reconciler.Reconciler
	resolver   *tenant.Resolver
	tracker    *usage.Tracker
	validator  *validator.Validator
}

func New(cfg *config.Config, logger *zap.Logger, rec *reconciler.Reconciler, resolver *tenant.Resolver, tracker *usage.Tracker) *Server {

	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()

	engine.Use(ginzap.RecoveryWithZap(logger, true))
	engine.Use(middleware.Logger(logger))
	engine.Use(otelgin.Middleware("model-publisher"))

	s := &Server{
		router:     engine,
		config:     cfg,
		logger:     logger,
		reconciler: rec,
		resolver:   resolver,
		tracker:    tracker,
		validator:  validator.New(),
	}

	s.SetupRoutes()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}
