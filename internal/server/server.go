package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	billingdomain "github.com/smallbiznis/creditline/internal/billingprovider/domain"
	"github.com/smallbiznis/creditline/internal/config"
	obsmiddleware "github.com/smallbiznis/creditline/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/creditline/internal/observability/metrics"
	obstracing "github.com/smallbiznis/creditline/internal/observability/tracing"
	reconcilerdomain "github.com/smallbiznis/creditline/internal/reconciler/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("http.server",
	fx.Provide(NewServer),
	fx.Provide(NewEngine),
	fx.Invoke(run),
)

type Server struct {
	log        *zap.Logger
	parser     billingdomain.WebhookParser
	reconciler reconcilerdomain.Service
}

type ServerParams struct {
	fx.In

	Log        *zap.Logger
	Parser     billingdomain.WebhookParser
	Reconciler reconcilerdomain.Service
}

func NewServer(p ServerParams) *Server {
	return &Server{
		log:        p.Log.Named("http"),
		parser:     p.Parser,
		reconciler: p.Reconciler,
	}
}

type EngineParams struct {
	fx.In

	Cfg     config.Config
	Log     *zap.Logger
	Metrics *obsmetrics.Metrics `optional:"true"`
	Server  *Server
}

func NewEngine(p EngineParams) *gin.Engine {
	if p.Cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obsmiddleware.GinMiddleware(p.Log))
	r.Use(obstracing.GinMiddleware())
	r.Use(obsmetrics.GinMiddleware(p.Metrics))
	r.Use(ErrorHandlingMiddleware())

	p.Server.RegisterRoutes(r)
	return r
}

func (s *Server) RegisterRoutes(r *gin.Engine) {
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.POST("/webhooks/stripe", s.HandleStripeWebhook)
}

func run(lc fx.Lifecycle, cfg config.Config, r *gin.Engine, log *zap.Logger) {
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				log.Info("http server listening", zap.String("addr", srv.Addr))
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
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
