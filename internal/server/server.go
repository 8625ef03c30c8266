package server

import (
	"context"
	"net/http"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	checkoutsvc "github.com/smallbiznis/dojoflow/internal/checkout/service"
	"github.com/smallbiznis/dojoflow/internal/config"
	invoicesvc "github.com/smallbiznis/dojoflow/internal/invoice/service"
	"github.com/smallbiznis/dojoflow/internal/observability"
	obslogger "github.com/smallbiznis/dojoflow/internal/observability/logger"
	obstracing "github.com/smallbiznis/dojoflow/internal/observability/tracing"
	"github.com/smallbiznis/dojoflow/internal/payment/webhook"
	"github.com/smallbiznis/dojoflow/internal/scheduler"
	"github.com/smallbiznis/dojoflow/internal/tenantctx"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Server struct {
	engine      *gin.Engine
	cfg         config.Config
	db          *gorm.DB
	genID       *snowflake.Node
	log         *zap.Logger
	invoiceSvc  *invoicesvc.Service
	checkoutSvc *checkoutsvc.Service
	reconciler  *webhook.Reconciler
	scheduler   *scheduler.Scheduler
}

type ServerParams struct {
	fx.In

	Gin         *gin.Engine
	Cfg         config.Config
	DB          *gorm.DB
	GenID       *snowflake.Node
	Log         *zap.Logger
	InvoiceSvc  *invoicesvc.Service
	CheckoutSvc *checkoutsvc.Service
	Reconciler  *webhook.Reconciler
	Scheduler   *scheduler.Scheduler
}

func NewServer(p ServerParams) *Server {
	return &Server{
		engine:      p.Gin,
		cfg:         p.Cfg,
		db:          p.DB,
		genID:       p.GenID,
		log:         p.Log.Named("http"),
		invoiceSvc:  p.InvoiceSvc,
		checkoutSvc: p.CheckoutSvc,
		reconciler:  p.Reconciler,
		scheduler:   p.Scheduler,
	}
}

func NewEngine(obsCfg observability.Config) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obslogger.GinMiddleware(obslogger.MiddlewareConfig{
		Debug: obsCfg.Debug(),
	}))
	r.Use(obstracing.GinMiddleware())
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

// RegisterRoutes mounts the billing API. Webhooks sit outside the
// tenant middleware: providers do not send our tenant header, the
// reconciler works the tenant out from the signature.
func (s *Server) RegisterRoutes() {
	s.engine.POST("/webhooks/:provider", s.HandleWebhook)

	api := s.engine.Group("/v1", tenantctx.GinMiddleware())
	api.POST("/billing/run", s.RunBilling)
	api.GET("/invoices", s.ListInvoices)
	api.GET("/invoices/:id", s.GetInvoiceByID)
	api.GET("/invoices/:id/events", s.ListInvoiceEvents)
	api.PATCH("/invoices/:id", s.PatchInvoice)
	api.POST("/checkout", s.CreateCheckout)
	api.GET("/checkout/status", s.CheckoutStatus)
}

func run(lc fx.Lifecycle, r *gin.Engine, cfg config.Config) {
	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: r,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					panic(err)
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

var Module = fx.Module("http.server",
	fx.Provide(NewEngine),
	fx.Provide(NewServer),
	fx.Invoke(func(s *Server) { s.RegisterRoutes() }),
	fx.Invoke(run),
)
