package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/smallbiznis/freelancepay/internal/cache"
	"github.com/smallbiznis/freelancepay/internal/config"
	"github.com/smallbiznis/freelancepay/internal/fxrate"
	"github.com/smallbiznis/freelancepay/internal/ledger"
	"github.com/smallbiznis/freelancepay/internal/merchant"
	"github.com/smallbiznis/freelancepay/internal/observability"
	obsmiddleware "github.com/smallbiznis/freelancepay/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/freelancepay/internal/observability/metrics"
	obstracing "github.com/smallbiznis/freelancepay/internal/observability/tracing"
	"github.com/smallbiznis/freelancepay/internal/payment"
	"github.com/smallbiznis/freelancepay/internal/payment/checkout"
	"github.com/smallbiznis/freelancepay/internal/payment/webhook"
	"github.com/smallbiznis/freelancepay/internal/publicinvoice"
	publicinvoicedomain "github.com/smallbiznis/freelancepay/internal/publicinvoice/domain"
	"github.com/smallbiznis/freelancepay/internal/ratelimit"
	"github.com/smallbiznis/freelancepay/internal/wallet"
	walletdomain "github.com/smallbiznis/freelancepay/internal/wallet/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("http.server",
	cache.Module,
	fxrate.Module,
	merchant.Module,
	ledger.Module,
	wallet.Module,
	publicinvoice.Module,
	payment.Module,
	ratelimit.Module,
	fx.Provide(NewEngine),
	fx.Provide(NewServer),
	fx.Invoke(registerRoutes),
	fx.Invoke(run),
)

// CheckoutCreator starts hosted card checkouts.
type CheckoutCreator interface {
	CreateSession(ctx context.Context, token string) (*checkout.Session, error)
}

// WebhookHandler applies verified provider deliveries.
type WebhookHandler interface {
	HandleStripe(ctx context.Context, payload []byte, headers http.Header) (webhook.Result, error)
	HandleChain(ctx context.Context, payload []byte, headers http.Header) (webhook.Result, error)
}

// RateLimiter throttles public payment-page requests.
type RateLimiter interface {
	Allow(ctx context.Context, token, clientIP string) *ratelimit.RateLimitResult
}

func NewEngine(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obsmiddleware.GinMiddleware(obsmiddleware.MiddlewareConfig{
		Debug:           obsCfg.Debug(),
		ErrorClassifier: classifyErrorForLog,
	}))
	r.Use(obstracing.GinMiddleware())
	r.Use(httpMetrics.GinMiddleware())
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

type ServerParams struct {
	fx.In

	Engine         *gin.Engine
	Cfg            config.Config
	Log            *zap.Logger
	PublicInvoices publicinvoicedomain.Service
	Checkout       *checkout.Service
	Webhooks       *webhook.Service
	Wallets        walletdomain.Service
	Limiter        *ratelimit.PublicLimiter
	ObsMetrics     *obsmetrics.Metrics `optional:"true"`
}

type Server struct {
	engine         *gin.Engine
	cfg            config.Config
	log            *zap.Logger
	publicInvoices publicinvoicedomain.Service
	checkout       CheckoutCreator
	webhooks       WebhookHandler
	wallets        walletdomain.Service
	limiter        RateLimiter
	obsMetrics     *obsmetrics.Metrics
}

func NewServer(p ServerParams) *Server {
	s := &Server{
		engine:         p.Engine,
		cfg:            p.Cfg,
		log:            p.Log.Named("http.server"),
		publicInvoices: p.PublicInvoices,
		wallets:        p.Wallets,
		obsMetrics:     p.ObsMetrics,
	}
	// Typed nils must not reach the interface fields.
	if p.Checkout != nil {
		s.checkout = p.Checkout
	}
	if p.Webhooks != nil {
		s.webhooks = p.Webhooks
	}
	if p.Limiter != nil {
		s.limiter = p.Limiter
	}
	return s
}

// Engine exposes the router, mainly for tests.
func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func registerRoutes(s *Server) {
	s.RegisterPublicRoutes()
	s.RegisterWebhookRoutes()
	s.RegisterAdminRoutes()
}

func run(lc fx.Lifecycle, cfg config.Config, r *gin.Engine, log *zap.Logger) {
	addr := cfg.HTTPAddr
	if addr == "" {
		addr = ":8080"
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					log.Fatal("http server stopped", zap.Error(err))
				}
			}()
			log.Info("http server listening", zap.String("addr", addr))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}
