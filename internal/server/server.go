package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/smallbiznis/loyalty/internal/config"
	customerdomain "github.com/smallbiznis/loyalty/internal/customer/domain"
	ledgerdomain "github.com/smallbiznis/loyalty/internal/ledger/domain"
	"github.com/smallbiznis/loyalty/internal/observability"
	obsmiddleware "github.com/smallbiznis/loyalty/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/loyalty/internal/observability/metrics"
	obstracing "github.com/smallbiznis/loyalty/internal/observability/tracing"
	pointstatsdomain "github.com/smallbiznis/loyalty/internal/pointstats/domain"
	"github.com/smallbiznis/loyalty/internal/ratelimit"
	redemptiondomain "github.com/smallbiznis/loyalty/internal/redemption/domain"
	rewarddomain "github.com/smallbiznis/loyalty/internal/reward/domain"
	verificationdomain "github.com/smallbiznis/loyalty/internal/verification/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("http.server",
	fx.Provide(NewEngine),
	fx.Provide(NewServer),
	fx.Invoke(RegisterRoutes),
	fx.Invoke(RunHTTP),
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

func RunHTTP(lc fx.Lifecycle, cfg config.Config, r *gin.Engine, log *zap.Logger) {
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				log.Info("http server listening", zap.String("addr", srv.Addr))
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Fatal("http server failed", zap.Error(err))
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

type Server struct {
	engine          *gin.Engine
	cfg             config.Config
	customerSvc     customerdomain.Service
	ledgerSvc       ledgerdomain.Service
	rewardSvc       rewarddomain.Service
	redemptionSvc   redemptiondomain.Service
	verificationSvc verificationdomain.Service
	statsSvc        pointstatsdomain.Service
	redeemLimiter   *ratelimit.RedeemLimiter
}

type ServerParams struct {
	fx.In

	Gin             *gin.Engine
	Cfg             config.Config
	CustomerSvc     customerdomain.Service
	LedgerSvc       ledgerdomain.Service
	RewardSvc       rewarddomain.Service
	RedemptionSvc   redemptiondomain.Service
	VerificationSvc verificationdomain.Service
	StatsSvc        pointstatsdomain.Service
	RedeemLimiter   *ratelimit.RedeemLimiter `optional:"true"`
}

func NewServer(p ServerParams) *Server {
	return &Server{
		engine:          p.Gin,
		cfg:             p.Cfg,
		customerSvc:     p.CustomerSvc,
		ledgerSvc:       p.LedgerSvc,
		rewardSvc:       p.RewardSvc,
		redemptionSvc:   p.RedemptionSvc,
		verificationSvc: p.VerificationSvc,
		statsSvc:        p.StatsSvc,
		redeemLimiter:   p.RedeemLimiter,
	}
}

// RegisterRoutes mounts the admin API and the storefront proxy.
func RegisterRoutes(s *Server) {
	s.RegisterAPIRoutes()
	s.RegisterProxyRoutes()
	s.registerFallback()
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) RegisterAPIRoutes() {
	api := s.engine.Group("/api")
	api.Use(s.AdminTokenRequired())
	api.Use(s.ShopRequired())

	// -------- Customers --------
	api.GET("/customers", s.ListCustomers)
	api.PUT("/customers", s.UpsertCustomer)
	api.GET("/customers/:id", s.GetCustomerByID)
	api.POST("/customers/:id/verify", s.VerifyCustomer)
	api.DELETE("/customers/external/:external_id", s.DeleteCustomerByExternalID)

	// -------- Ledger --------
	api.GET("/ledger", s.ListLedgerEntries)
	api.POST("/ledger", s.PostLedgerEntry)
	api.GET("/ledger/:id", s.GetLedgerEntry)
	api.DELETE("/ledger/:id", s.ReverseLedgerEntry)

	// -------- Rewards --------
	api.GET("/rewards", s.ListRewards)
	api.POST("/rewards", s.CreateReward)
	api.GET("/rewards/:id", s.GetReward)
	api.PATCH("/rewards/:id", s.UpdateReward)
	api.DELETE("/rewards/:id", s.DeleteReward)

	// -------- Redemptions --------
	api.GET("/redemptions", s.ListRedemptions)
	api.POST("/redemptions", s.CreateRedemption)
	api.POST("/redemptions/reconcile", s.ReconcileDiscounts)
	api.GET("/redemptions/:id", s.GetRedemption)
	api.DELETE("/redemptions/:id", s.DeleteRedemption)

	// -------- Balances --------
	api.POST("/balances/verify", s.VerifyBalances)
	api.POST("/balances/sync", s.SyncBalances)

	// -------- Stats --------
	api.GET("/stats/points", s.GetPointsSeries)
	api.GET("/stats/summary", s.GetSummary)
}

func (s *Server) RegisterProxyRoutes() {
	proxy := s.engine.Group("/proxy")
	proxy.Use(s.AppProxySignatureRequired())
	proxy.Use(s.ShopRequired())

	proxy.GET("/customer", s.ProxyCustomer)
	proxy.GET("/rewards", s.ProxyRewards)
	proxy.GET("/transactions", s.ProxyTransactions)
	proxy.POST("/redeem", s.ProxyRedeem)
}

func (s *Server) registerFallback() {
	s.engine.NoRoute(func(c *gin.Context) {
		AbortWithError(c, ErrNotFound)
	})
}
