package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/smallbiznis/entitle/internal/auth"
	"github.com/smallbiznis/entitle/internal/authorization"
	"github.com/smallbiznis/entitle/internal/config"
	ledgerdomain "github.com/smallbiznis/entitle/internal/ledger/domain"
	"github.com/smallbiznis/entitle/internal/observability"
	obsmiddleware "github.com/smallbiznis/entitle/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/entitle/internal/observability/metrics"
	obstracing "github.com/smallbiznis/entitle/internal/observability/tracing"
	paymentdomain "github.com/smallbiznis/entitle/internal/payment/domain"
	"github.com/smallbiznis/entitle/internal/payment/signature"
	"github.com/smallbiznis/entitle/internal/providers/pdf"
	"github.com/smallbiznis/entitle/internal/scheduler"
	subscriptiondomain "github.com/smallbiznis/entitle/internal/subscription/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("http.server",
	fx.Provide(registerGin),
	fx.Invoke(NewServer),
	fx.Invoke(run),
)

func NewEngine(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obsmiddleware.GinMiddleware(obsmiddleware.MiddlewareConfig{
		Debug:           obsCfg.Debug(),
		ErrorClassifier: classifyErrorForLog,
	}))
	r.Use(obstracing.GinMiddleware())
	r.Use(obsmetrics.GinMiddleware(httpMetrics))
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func registerGin(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	return NewEngine(obsCfg, httpMetrics)
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
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Fatal("http server stopped", zap.Error(err))
				}
			}()
			log.Info("http server listening", zap.String("addr", cfg.HTTPAddr))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}

type Server struct {
	engine          *gin.Engine
	cfg             config.Config
	log             *zap.Logger
	tokens          *auth.Verifier
	authzSvc        authorization.Service
	paymentSvc      paymentdomain.Service
	ledgerSvc       ledgerdomain.Service
	subscriptionSvc subscriptiondomain.Service
	receipts        pdf.Provider
	signer          *signature.Verifier
	scheduler       *scheduler.Scheduler
}

type ServerParams struct {
	fx.In

	Gin             *gin.Engine
	Cfg             config.Config
	Log             *zap.Logger
	Tokens          *auth.Verifier
	AuthzSvc        authorization.Service
	PaymentSvc      paymentdomain.Service
	LedgerSvc       ledgerdomain.Service
	SubscriptionSvc subscriptiondomain.Service
	Receipts        pdf.Provider
	Signer          *signature.Verifier
	Scheduler       *scheduler.Scheduler `optional:"true"`
}

func NewServer(p ServerParams) *Server {
	svc := &Server{
		engine:          p.Gin,
		cfg:             p.Cfg,
		log:             p.Log.Named("http.server"),
		tokens:          p.Tokens,
		authzSvc:        p.AuthzSvc,
		paymentSvc:      p.PaymentSvc,
		ledgerSvc:       p.LedgerSvc,
		subscriptionSvc: p.SubscriptionSvc,
		receipts:        p.Receipts,
		signer:          p.Signer,
		scheduler:       p.Scheduler,
	}

	svc.registerAPIRoutes()
	svc.registerAdminRoutes()

	return svc
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) registerAPIRoutes() {
	api := s.engine.Group("/api")

	// -------- Payment callbacks --------
	// Authenticated by the processor signature, not a bearer token.
	api.POST("/payments/callback", s.HandlePaymentCallback)
	if !s.cfg.IsProduction() {
		api.POST("/payments/dev/sign", s.SignPaymentCallback)
	}

	authed := api.Group("", s.AuthRequired())

	// -------- Orders --------
	authed.POST("/orders", s.authorizeAction(authorization.ObjectPurchase, authorization.ActionPurchaseCreate), s.CreateOrder)

	// -------- Purchases --------
	authed.GET("/purchases", s.authorizeAction(authorization.ObjectPurchase, authorization.ActionPurchaseView), s.ListPurchases)
	authed.GET("/purchases/:id/receipt", s.authorizeAction(authorization.ObjectReceipt, authorization.ActionReceiptDownload), s.GetPurchaseReceipt)

	// -------- Entitlements --------
	authed.GET("/subscription", s.authorizeAction(authorization.ObjectEntitlement, authorization.ActionEntitlementView), s.GetSubscription)
	authed.GET("/credits", s.authorizeAction(authorization.ObjectEntitlement, authorization.ActionEntitlementView), s.GetCredits)
}

func (s *Server) registerAdminRoutes() {
	admin := s.engine.Group("/admin")
	admin.Use(s.AuthRequired())

	admin.GET("/purchases/:orderId", s.authorizeAction(authorization.ObjectPurchase, authorization.ActionPurchaseViewAny), s.GetPurchaseByOrder)
	admin.POST("/reconcile", s.authorizeAction(authorization.ObjectReconciliation, authorization.ActionReconciliationRun), s.Reconcile)
}
