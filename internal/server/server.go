// Package server wires the payment rails, the reconciliation engine and the
// notification fan-out behind a single HTTP surface.
package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq"

	"github.com/DB59s/tmdt-payments/internal/config"
	"github.com/DB59s/tmdt-payments/internal/health"
	"github.com/DB59s/tmdt-payments/internal/idgen"
	"github.com/DB59s/tmdt-payments/internal/logging"
	"github.com/DB59s/tmdt-payments/internal/metrics"
	"github.com/DB59s/tmdt-payments/internal/notify"
	"github.com/DB59s/tmdt-payments/internal/payment"
	"github.com/DB59s/tmdt-payments/internal/provider"
	"github.com/DB59s/tmdt-payments/internal/ratelimit"
	"github.com/DB59s/tmdt-payments/internal/rates"
	"github.com/DB59s/tmdt-payments/internal/realtime"
	"github.com/DB59s/tmdt-payments/internal/reconcile"
	"github.com/DB59s/tmdt-payments/internal/security"
	"github.com/DB59s/tmdt-payments/internal/session"
	"github.com/DB59s/tmdt-payments/internal/validation"
)

// Server is the HTTP payment service.
type Server struct {
	cfg    *config.Config
	logger *slog.Logger

	db          *sql.DB
	store       payment.Store
	notifyStore notify.Store

	converter  *rates.Converter
	registry   *session.Registry
	engine     *reconcile.Engine
	poller     *reconcile.Poller
	sweeper    *reconcile.Sweeper
	dispatcher *notify.Dispatcher
	hub        *realtime.Hub

	rateLimiter *ratelimit.Limiter
	healthReg   *health.Registry

	router  *gin.Engine
	httpSrv *http.Server

	ready        atomic.Bool
	healthy      atomic.Bool
	cancelRunCtx context.CancelFunc

	// bgCtx bounds background session polls. It outlives individual
	// requests and is cancelled on shutdown.
	bgCtx    context.Context
	bgCancel context.CancelFunc
}

// Option configures the server.
type Option func(*Server)

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithStore overrides the storage backend. Used by tests.
func WithStore(store payment.Store) Option {
	return func(s *Server) {
		s.store = store
	}
}

// multiNotifier fans a settlement out to every registered notifier.
type multiNotifier []reconcile.Notifier

func (m multiNotifier) OrderPaid(ctx context.Context, o *payment.Order, sess *payment.Session) {
	for _, n := range m {
		n.OrderPaid(ctx, o, sess)
	}
}

// New creates a server with all components wired.
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:       cfg,
		logger:    slog.Default(),
		healthReg: health.NewRegistry(),
	}
	s.bgCtx, s.bgCancel = context.WithCancel(context.Background())

	for _, opt := range opts {
		opt(s)
	}

	// Storage: PostgreSQL when configured, in-memory otherwise.
	if s.store == nil {
		if cfg.DatabaseURL != "" {
			db, err := sql.Open("postgres", cfg.DatabaseURL)
			if err != nil {
				return nil, fmt.Errorf("opening database: %w", err)
			}
			db.SetMaxOpenConns(25)
			db.SetMaxIdleConns(5)
			db.SetConnMaxLifetime(5 * time.Minute)

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := db.PingContext(ctx); err != nil {
				db.Close()
				return nil, fmt.Errorf("pinging database: %w", err)
			}

			pgStore := payment.NewPostgresStore(db)
			if err := pgStore.Migrate(ctx); err != nil {
				s.logger.Warn("order store migration failed, run cmd/migrate", "error", err)
			}
			notifyPG := notify.NewPostgresStore(db)
			if err := notifyPG.Migrate(ctx); err != nil {
				s.logger.Warn("subscription store migration failed, run cmd/migrate", "error", err)
			}

			s.db = db
			s.store = pgStore
			s.notifyStore = notifyPG
			s.healthReg.Register("database", health.DBChecker(db))
			s.logger.Info("using PostgreSQL storage", "dsn", maskDSN(cfg.DatabaseURL))
		} else {
			s.store = payment.NewMemoryStore()
			s.notifyStore = notify.NewMemoryStore()
			s.logger.Warn("using in-memory storage, state is lost on restart")
		}
	}
	if s.notifyStore == nil {
		s.notifyStore = notify.NewMemoryStore()
	}

	// Rate converter shared by the rails that settle in a native unit.
	s.converter = rates.NewConverter(cfg.PriceFeedURL, cfg.PriceFeedTimeout, map[rates.Unit]float64{
		rates.UnitChainToken: cfg.ChainRail.FallbackRate,
		rates.UnitStablecoin: cfg.Stablecoin.FallbackRate,
	})
	if cfg.PriceFeedURL != "" {
		s.healthReg.Register("price_feed", health.StalenessChecker("price_feed", 15*time.Minute, s.converter.LastOK))
	}

	// One adapter per enabled rail. An unconfigured rail simply has no
	// adapter and initiation against it returns ErrRailNotConfigured.
	var adapters []provider.Adapter
	if cfg.QRWalletEnabled() {
		adapters = append(adapters, provider.NewQRWallet(cfg.QRWallet))
	}
	if cfg.CardGatewayEnabled() {
		adapters = append(adapters, provider.NewCardGateway(cfg.CardGateway))
	}
	if cfg.ChainRailEnabled() {
		adapters = append(adapters, provider.NewChainRail(cfg.ChainRail, s.converter))
	}
	if cfg.StablecoinEnabled() {
		adapters = append(adapters, provider.NewStablecoin(cfg.Stablecoin, s.converter))
	}
	if len(adapters) == 0 {
		s.logger.Warn("no payment rails configured")
	}

	s.registry = session.NewRegistry(s.store, adapters...)
	s.dispatcher = notify.NewDispatcher(s.notifyStore)
	s.hub = realtime.NewHub(s.logger)
	s.engine = reconcile.NewEngine(s.store, multiNotifier{s.dispatcher, s.hub})
	s.poller = reconcile.NewPoller(s.store, s.engine, cfg.PollAttempts, cfg.PollBaseDelay)
	s.sweeper = reconcile.NewSweeper(s.store, cfg.SessionTTL, cfg.ExpirySweepFreq)

	limiterCfg := ratelimit.DefaultConfig()
	if cfg.RateLimitRPS > 0 {
		limiterCfg.RequestsPerMinute = cfg.RateLimitRPS * 60
		limiterCfg.BurstSize = cfg.RateLimitRPS * 2
	}
	s.rateLimiter = ratelimit.New(limiterCfg)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)
	return s, nil
}

func (s *Server) setupMiddleware() {
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		s.logger.Error("panic recovered",
			"error", recovered,
			"path", c.Request.URL.Path,
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "An unexpected error occurred",
		})
	}))

	s.router.Use(security.HeadersMiddleware())
	s.router.Use(security.CORSMiddleware(nil))
	s.router.Use(validation.RequestSizeMiddleware(1 << 20)) // 1 MB
	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = idgen.WithPrefix("req_")
		}
		c.Header("X-Request-ID", requestID)

		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger.With("request_id", requestID))
		c.Request = c.Request.WithContext(ctx)

		c.Next()
	}
}

func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		status := c.Writer.Status()
		attrs := []any{
			"method", c.Request.Method,
			"path", path,
			"status", status,
			"duration_ms", time.Since(start).Milliseconds(),
			"client_ip", c.ClientIP(),
		}

		log := logging.L(c.Request.Context())
		switch {
		case status >= 500:
			log.Error("request", attrs...)
		case status >= 400:
			log.Warn("request", attrs...)
		default:
			log.Info("request", attrs...)
		}
	}
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	v1 := s.router.Group("/v1")
	v1.GET("/info", s.infoHandler)

	payments := v1.Group("/payments")
	{
		payments.POST("/initiate", s.initiatePayment)

		// Inbound confirmation channels get per-IP rate limiting: they are
		// unauthenticated entry points an attacker can hammer.
		confirm := payments.Group("")
		confirm.Use(s.rateLimiter.Middleware())
		{
			confirm.POST("/qrwallet/ipn", s.qrWalletIPN)
			confirm.GET("/cardgateway/return", s.cardGatewayReturn)
			confirm.POST("/chainrail/verify", s.chainRailVerify)
			confirm.GET("/chainrail/verify", s.chainRailVerify)
		}

		payments.POST("/stablecoin/confirm", s.requireAdminSecret(), s.stablecoinConfirm)
	}

	orders := v1.Group("/orders")
	orders.Use(validation.OrderCodeParamMiddleware())
	{
		orders.GET("/:code/payment", s.orderPaymentStatus)
	}

	s.router.GET("/ws/orders/:code", func(c *gin.Context) {
		code := c.Param("code")
		if !validation.IsValidOrderCode(code) {
			c.AbortWithStatus(http.StatusBadRequest)
			return
		}
		s.hub.HandleWebSocket(c.Writer, c.Request, code)
	})

	admin := v1.Group("/admin")
	admin.Use(s.requireAdminSecret())
	{
		admin.POST("/orders", s.createOrder)
		admin.GET("/orders/:code/sessions", validation.OrderCodeParamMiddleware(), s.listOrderSessions)
		admin.POST("/sessions/:token/fail", s.failSession)
		admin.GET("/ws/stats", s.hubStats)

		notifyHandler := notify.NewHandler(s.notifyStore)
		notifyHandler.RegisterRoutes(admin)
	}
}

// requireAdminSecret guards operator routes with a shared-secret header.
func (s *Server) requireAdminSecret() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.cfg.AdminSecret == "" {
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{
				"error":   "admin_disabled",
				"message": "No admin secret configured",
			})
			return
		}
		if c.GetHeader("X-Admin-Secret") != s.cfg.AdminSecret {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Invalid or missing admin secret",
			})
			return
		}
		c.Next()
	}
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server and blocks until shutdown.
func (s *Server) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errChan := make(chan error, 1)

	go func() {
		s.logger.Info("starting server", "port", s.cfg.Port, "env", s.cfg.Env)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	go s.hub.Run(runCtx)
	go s.sweeper.Run(runCtx)
	if s.db != nil {
		metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errChan:
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		s.logger.Info("shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
		s.logger.Info("context cancelled")
	}

	return s.Shutdown()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}
	s.bgCancel()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			return err
		}
	}

	// Let in-flight webhook deliveries finish before closing the pool.
	s.dispatcher.Drain()

	s.rateLimiter.Stop()

	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		} else {
			s.logger.Info("database connection closed")
		}
	}

	s.logger.Info("server stopped")
	return nil
}

// pollSession runs the bounded background poll for a freshly opened
// session. A poll that errors out or exhausts its budget leaves the
// session pending; the rail's inbound channel can still settle it.
func (s *Server) pollSession(adapter provider.Adapter, token string) {
	ctx := logging.WithLogger(s.bgCtx, s.logger)
	if _, err := s.poller.Run(ctx, adapter, token); err != nil {
		s.logger.Warn("background poll ended",
			"provider", adapter.Provider(), "token", token, "error", err)
	}
}

// Router returns the gin router for testing.
func (s *Server) Router() *gin.Engine {
	return s.router
}

// -----------------------------------------------------------------------------
// Health
// -----------------------------------------------------------------------------

func (s *Server) healthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	healthy, statuses := s.healthReg.CheckAll(ctx)

	checks := make(map[string]string, len(statuses))
	for _, st := range statuses {
		if st.Healthy {
			checks[st.Name] = "healthy"
		} else {
			checks[st.Name] = st.Detail
		}
	}

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, gin.H{
		"status":    status,
		"version":   "0.1.0",
		"checks":    checks,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) livenessHandler(c *gin.Context) {
	if !s.healthy.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

func (s *Server) readinessHandler(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

func (s *Server) infoHandler(c *gin.Context) {
	rails := make([]string, 0, 4)
	for _, p := range []payment.Provider{
		payment.ProviderQRWallet,
		payment.ProviderCardGateway,
		payment.ProviderChainRail,
		payment.ProviderStablecoin,
	} {
		if _, ok := s.registry.Adapter(p); ok {
			rails = append(rails, string(p))
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"name":        "tmdt-payments",
		"description": "Order-payment reconciliation service",
		"version":     "0.1.0",
		"rails":       rails,
	})
}

// maskDSN hides the password in a connection string for logging.
func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "(unparseable)"
	}
	if u.User != nil {
		if _, has := u.User.Password(); has {
			u.User = url.UserPassword(u.User.Username(), "****")
		}
	}
	return strings.ReplaceAll(u.String(), "%2A%2A%2A%2A", "****")
}
