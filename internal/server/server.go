package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/smallbiznis/escrow/internal/audit"
	auditdomain "github.com/smallbiznis/escrow/internal/audit/domain"
	"github.com/smallbiznis/escrow/internal/authorization"
	"github.com/smallbiznis/escrow/internal/config"
	"github.com/smallbiznis/escrow/internal/dispute"
	"github.com/smallbiznis/escrow/internal/escrow"
	"github.com/smallbiznis/escrow/internal/escrow/domain"
	"github.com/smallbiznis/escrow/internal/notification"
	"github.com/smallbiznis/escrow/internal/observability"
	obslogger "github.com/smallbiznis/escrow/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/escrow/internal/observability/metrics"
	obstracing "github.com/smallbiznis/escrow/internal/observability/tracing"
	"github.com/smallbiznis/escrow/internal/ratelimit"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("http.server",
	fx.Provide(registerGin),
	authorization.Module,
	audit.Module,
	dispute.Module,
	notification.Module,
	ratelimit.Module,
	escrow.Module,
	fx.Invoke(NewServer),
	fx.Invoke(run),
)

func NewEngine(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obslogger.GinMiddleware(obslogger.MiddlewareConfig{
		Debug:           obsCfg.Debug(),
		ErrorClassifier: classifyErrorForLog,
	}))
	r.Use(obstracing.GinMiddleware(obstracing.MiddlewareConfig{
		OrderParam:      "id",
		ActionKey:       contextActionKey,
		ErrorClassifier: classifyErrorForLog,
	}))
	r.Use(httpMetrics.GinMiddleware())
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func registerGin(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	if !obsCfg.Debug() {
		gin.SetMode(gin.ReleaseMode)
	}
	return NewEngine(obsCfg, httpMetrics)
}

func run(lc fx.Lifecycle, r *gin.Engine, cfg config.Config, log *zap.Logger) {
	srv := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				log.Info("http server listening", zap.String("addr", srv.Addr))
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Fatal("http server stopped", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}

// actionLimiter is satisfied by *ratelimit.ActionLimiter.
type actionLimiter interface {
	Allow(ctx context.Context, actorID string) (*ratelimit.RateLimitResult, error)
}

type Server struct {
	engine    *gin.Engine
	cfg       config.Config
	log       *zap.Logger
	tokens    *TokenVerifier
	escrowSvc domain.Service
	auditSvc  auditdomain.Service
	limiter   actionLimiter
}

type ServerParams struct {
	fx.In

	Gin       *gin.Engine
	Cfg       config.Config
	Log       *zap.Logger
	EscrowSvc domain.Service
	AuditSvc  auditdomain.Service
	Limiter   *ratelimit.ActionLimiter `optional:"true"`
}

func NewServer(p ServerParams) (*Server, error) {
	tokens, err := NewTokenVerifier(p.Cfg.AuthJWTSecret)
	if err != nil {
		return nil, err
	}

	svc := &Server{
		engine:    p.Gin,
		cfg:       p.Cfg,
		log:       p.Log.Named("http"),
		tokens:    tokens,
		escrowSvc: p.EscrowSvc,
		auditSvc:  p.AuditSvc,
	}
	if p.Limiter != nil {
		svc.limiter = p.Limiter
	}

	svc.registerAPIRoutes()
	svc.registerFallback()

	return svc, nil
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) registerAPIRoutes() {
	api := s.engine.Group("/api", s.AuthRequired())

	// -------- Orders --------
	api.POST("/orders", s.RequireAdmin(), s.CreateOrder)
	api.GET("/orders/:id", s.GetOrder)
	api.GET("/orders/:id/events", s.ListOrderEvents)
	api.POST("/orders/:id/actions", s.ActionRateLimit(), s.ApplyAction)

	// -------- Audit --------
	api.GET("/audit-logs", s.RequireAdmin(), s.ListAuditLogs)
}

func (s *Server) registerFallback() {
	s.engine.NoRoute(func(c *gin.Context) {
		AbortWithError(c, ErrNotFound)
	})
}
