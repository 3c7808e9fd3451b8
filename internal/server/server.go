package server

import (
	"context"
	"net"
	"net/http"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	auditsvc "github.com/LaneJS/aiaca/internal/audit/service"
	"github.com/LaneJS/aiaca/internal/authorization"
	"github.com/LaneJS/aiaca/internal/clock"
	"github.com/LaneJS/aiaca/internal/config"
	"github.com/LaneJS/aiaca/internal/dunning"
	idempotencysvc "github.com/LaneJS/aiaca/internal/idempotency/service"
	"github.com/LaneJS/aiaca/internal/observability/logger"
	"github.com/LaneJS/aiaca/internal/observability/metrics"
	"github.com/LaneJS/aiaca/internal/observability/tracing"
	reconsvc "github.com/LaneJS/aiaca/internal/reconciliation/service"
	webhooksvc "github.com/LaneJS/aiaca/internal/webhook/service"
)

type Server struct {
	cfg   config.Config
	log   *zap.Logger
	db    *gorm.DB
	genID *snowflake.Node
	clk   clock.Clock

	webhookSvc  *webhooksvc.Service
	dunningRepo dunning.Repository
	reconSvc    *reconsvc.Service
	auditSvc    *auditsvc.Service
	idemSvc     *idempotencysvc.Service
	authzSvc    authorization.Service

	httpMetrics    *metrics.HTTPMetrics
	webhookLimiter *deliveryLimiter
}

type Param struct {
	fx.In

	Config config.Config
	Log    *zap.Logger
	DB     *gorm.DB
	GenID  *snowflake.Node
	Clock  clock.Clock

	WebhookSvc  *webhooksvc.Service
	DunningRepo dunning.Repository
	ReconSvc    *reconsvc.Service
	AuditSvc    *auditsvc.Service
	IdemSvc     *idempotencysvc.Service
	AuthzSvc    authorization.Service

	HTTPMetrics *metrics.HTTPMetrics `optional:"true"`
}

func New(p Param) *Server {
	return &Server{
		cfg:   p.Config,
		log:   p.Log.Named("server"),
		db:    p.DB,
		genID: p.GenID,
		clk:   p.Clock,

		webhookSvc:  p.WebhookSvc,
		dunningRepo: p.DunningRepo,
		reconSvc:    p.ReconSvc,
		auditSvc:    p.AuditSvc,
		idemSvc:     p.IdemSvc,
		authzSvc:    p.AuthzSvc,

		httpMetrics:    p.HTTPMetrics,
		webhookLimiter: newDeliveryLimiter(p.Config.RateLimit.WebhookLimit, p.Config.RateLimit.WebhookWindow),
	}
}

// Router builds the gin engine with the full middleware chain and routes.
func (s *Server) Router() *gin.Engine {
	if s.cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(logger.GinMiddleware(logger.MiddlewareConfig{
		SkipPaths: []string{"/healthz"},
	}))
	r.Use(tracing.GinMiddleware(s.cfg.Tracing.ServiceName))
	if s.httpMetrics != nil {
		r.Use(s.httpMetrics.GinMiddleware())
	}

	r.GET("/healthz", s.Healthz)

	r.POST("/webhooks/stripe", s.HandleStripeWebhook)

	billing := r.Group("/billing", s.RequireOperator())
	{
		billing.GET("/events", s.ListBillingEvents)
		billing.GET("/events/:id", s.GetBillingEvent)
		billing.POST("/events/:id/status", s.RedriveBillingEvent)
		billing.GET("/dunning/events", s.ListDunningEvents)
		billing.POST("/dunning/events", s.CreateDunningEvent)
		billing.GET("/drifts", s.ListDrifts)
		billing.POST("/drifts/:id/resolve", s.ResolveDrift)
		billing.GET("/audit-logs", s.ListAuditLogs)
	}

	return r
}

func (s *Server) Healthz(c *gin.Context) {
	sqlDB, err := s.db.DB()
	if err != nil || sqlDB.PingContext(c.Request.Context()) != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// RunHTTP serves the router for the lifetime of the fx app.
func RunHTTP(lc fx.Lifecycle, s *Server) {
	srv := &http.Server{
		Addr:    s.cfg.HTTPAddr,
		Handler: s.Router(),
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			ln, err := net.Listen("tcp", srv.Addr)
			if err != nil {
				return err
			}
			s.log.Info("http server listening", zap.String("addr", ln.Addr().String()))
			go func() {
				if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
					s.log.Error("http server stopped", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return srv.Shutdown(ctx)
		},
	})
}

var Module = fx.Module("server",
	fx.Provide(New),
	fx.Invoke(RunHTTP),
)
