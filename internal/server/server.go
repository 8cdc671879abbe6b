package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	activitydomain "github.com/smallbiznis/billingcore/internal/activity/domain"
	"github.com/smallbiznis/billingcore/internal/automation"
	"github.com/smallbiznis/billingcore/internal/config"
	invoicedomain "github.com/smallbiznis/billingcore/internal/invoice/domain"
	paymentdomain "github.com/smallbiznis/billingcore/internal/payment/domain"
	subscriptiondomain "github.com/smallbiznis/billingcore/internal/subscription/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("http.server",
	fx.Provide(NewEngine),
	fx.Provide(NewServer),
	fx.Invoke(run),
)

func NewEngine(log *zap.Logger) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(RequestID())
	r.Use(RequestLogger(log))
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func run(lc fx.Lifecycle, cfg config.Config, s *Server, log *zap.Logger) {
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           s.Engine(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Fatal("http.server.failed", zap.Error(err))
				}
			}()
			log.Info("http.server.start", zap.String("addr", cfg.HTTPAddr))
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
	subscriptionSvc subscriptiondomain.Service
	invoiceSvc      invoicedomain.Service
	paymentSvc      paymentdomain.Service
	activitySvc     activitydomain.Service
	automation      *automation.Engine
}

type ServerParams struct {
	fx.In

	Gin             *gin.Engine
	SubscriptionSvc subscriptiondomain.Service
	InvoiceSvc      invoicedomain.Service
	PaymentSvc      paymentdomain.Service
	ActivitySvc     activitydomain.Service
	Automation      *automation.Engine `optional:"true"`
}

func NewServer(p ServerParams) *Server {
	svc := &Server{
		engine:          p.Gin,
		subscriptionSvc: p.SubscriptionSvc,
		invoiceSvc:      p.InvoiceSvc,
		paymentSvc:      p.PaymentSvc,
		activitySvc:     p.ActivitySvc,
		automation:      p.Automation,
	}
	svc.registerAPIRoutes()
	return svc
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) registerAPIRoutes() {
	api := s.engine.Group("/api/v1")

	subscriptions := api.Group("/subscriptions")
	subscriptions.POST("", s.CreateSubscription)
	subscriptions.GET("", s.ListSubscriptions)
	subscriptions.GET("/:id", s.GetSubscription)
	subscriptions.POST("/:id/renew", s.RenewSubscription)
	subscriptions.POST("/:id/cancel", s.CancelSubscription)
	subscriptions.POST("/:id/suspend", s.SuspendSubscription)
	subscriptions.POST("/:id/reactivate", s.ReactivateSubscription)
	subscriptions.PATCH("/:id/auto-renew", s.UpdateAutoRenew)
	subscriptions.GET("/:id/activity", s.ListSubscriptionActivity)
	subscriptions.POST("/:id/invoices", s.GenerateInvoice)
	subscriptions.GET("/:id/invoices", s.ListSubscriptionInvoices)

	invoices := api.Group("/invoices")
	invoices.GET("", s.ListInvoices)
	invoices.GET("/:id", s.GetInvoice)
	invoices.POST("/:id/send", s.SendInvoice)
	invoices.POST("/:id/cancel", s.CancelInvoice)
	invoices.POST("/:id/adjust", s.AdjustInvoice)
	invoices.POST("/:id/payments", s.RecordPayment)
	invoices.GET("/:id/payments", s.ListInvoicePayments)

	payments := api.Group("/payments")
	payments.GET("/:id", s.GetPayment)
	payments.POST("/:id/processing", s.MarkPaymentProcessing)
	payments.POST("/:id/complete", s.CompletePayment)
	payments.POST("/:id/fail", s.FailPayment)
	payments.POST("/:id/cancel", s.CancelPayment)
	payments.POST("/:id/refund", s.RefundPayment)
	payments.POST("/:id/verify", s.VerifyPayment)
	payments.POST("/:id/reconcile", s.ReconcilePayment)

	activity := api.Group("/activity")
	activity.GET("", s.ListActivity)
	activity.POST("/:id/review", s.ReviewActivity)

	api.POST("/automation/run", s.RunAutomation)
}
