// Package server sets up the HTTP server with all routes
package server

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/pressly/goose/v3"
	goredis "github.com/redis/go-redis/v9"

	"github.com/mbd888/genmeter/internal/admission"
	"github.com/mbd888/genmeter/internal/auth"
	"github.com/mbd888/genmeter/internal/billing"
	"github.com/mbd888/genmeter/internal/catalog"
	"github.com/mbd888/genmeter/internal/circuitbreaker"
	"github.com/mbd888/genmeter/internal/config"
	"github.com/mbd888/genmeter/internal/deposits"
	"github.com/mbd888/genmeter/internal/gateway"
	"github.com/mbd888/genmeter/internal/health"
	"github.com/mbd888/genmeter/internal/ledger"
	"github.com/mbd888/genmeter/internal/logging"
	"github.com/mbd888/genmeter/internal/metrics"
	"github.com/mbd888/genmeter/internal/ratelimit"
	"github.com/mbd888/genmeter/internal/realtime"
	"github.com/mbd888/genmeter/internal/resultcache"
	"github.com/mbd888/genmeter/internal/security"
	"github.com/mbd888/genmeter/internal/traces"
	"github.com/mbd888/genmeter/internal/upstream"
	"github.com/mbd888/genmeter/internal/validation"
	"github.com/mbd888/genmeter/migrations"
)

// Version is reported by /health and /v1/info.
const Version = "0.1.0"

const (
	sweepInterval   = time.Minute
	slotIdleTimeout = 10 * time.Minute
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg     *config.Config
	catalog *catalog.Catalog

	db    *sql.DB         // nil if using in-memory
	redis *goredis.Client // nil without REDIS_URL
	chain *ethclient.Client

	authMgr       *auth.Manager
	ledger        *ledger.Ledger
	refillTimer   *ledger.RefillTimer
	pool          *upstream.Pool
	poolTimer     *upstream.Timer
	queue         *admission.Queue
	sweeper       *admission.Sweeper
	cache         *resultcache.Cache
	gateway       *gateway.Service
	logTimer      *gateway.Timer
	billing       *billing.Handler
	deposits      *deposits.Watcher
	realtimeHub   *realtime.Hub
	health        *health.Registry
	rateLimiter   *ratelimit.Limiter
	traceShutdown func(context.Context) error

	router       *gin.Engine
	httpSrv      *http.Server
	logger       *slog.Logger
	cancelRunCtx context.CancelFunc // cancels background goroutines started in Run

	// Health state
	ready   atomic.Bool
	healthy atomic.Bool
}

// Option configures the server
type Option func(*Server)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithCatalog replaces the catalog loaded from CATALOG_PATH (for testing)
func WithCatalog(c *catalog.Catalog) Option {
	return func(s *Server) {
		s.catalog = c
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, cfg.LogFormat),
	}

	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	if s.catalog == nil {
		cat, err := loadCatalog(cfg.CatalogPath)
		if err != nil {
			return nil, err
		}
		s.catalog = cat
	}

	shutdown, err := traces.Init(ctx, traces.Options{
		Endpoint:    cfg.OTLPEndpoint,
		Version:     Version,
		SampleRatio: cfg.TraceSampleRatio,
	}, s.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to init tracing: %w", err)
	}
	s.traceShutdown = shutdown

	// Storage: Postgres if DATABASE_URL set, otherwise in-memory
	var (
		authStore   auth.Store
		ledgerStore ledger.Store
		logStore    gateway.Store
	)
	if cfg.DatabaseURL != "" {
		db, err := openDB(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		s.db = db
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
		if err := metrics.RegisterDB(db, "genmeter"); err != nil {
			s.logger.Warn("database metrics disabled", "error", err)
		}

		if cfg.MigrateOnStart {
			if err := migrate(ctx, db); err != nil {
				return nil, err
			}
			s.logger.Info("database migrations applied")
		}

		authStore = auth.NewPostgresStore(db)
		ledgerStore = ledger.NewPostgresStore(db)
		logStore = gateway.NewPostgresStore(db)
	} else {
		s.logger.Warn("DATABASE_URL not set, using in-memory storage (data is lost on restart)")
		authStore = auth.NewMemoryStore()
		ledgerStore = ledger.NewMemoryStore()
		logStore = gateway.NewMemoryStore()
	}

	s.authMgr = auth.NewManager(authStore)

	s.ledger = ledger.New(ledgerStore,
		ledger.WithEntitlements(s.catalog.Entitlements()),
		ledger.WithGrantPeriod(cfg.GrantPeriod),
		ledger.WithLogger(s.logger),
	)
	s.refillTimer = ledger.NewRefillTimer(s.ledger, cfg.RefillCheckInterval, s.logger)

	// Result cache, with a shared Redis tier when configured
	cacheOpts := []resultcache.Option{resultcache.WithLogger(s.logger)}
	if cfg.RedisURL != "" {
		redisOpts, err := goredis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		s.redis = goredis.NewClient(redisOpts)
		if err := s.redis.Ping(ctx).Err(); err != nil {
			s.logger.Warn("redis unreachable at startup, shared cache tier degraded", "error", err)
		}
		shared := resultcache.NewRedisShared(s.redis, cfg.CacheSharedTTL,
			resultcache.WithBreaker(circuitbreaker.New(5, 30*time.Second)),
		)
		cacheOpts = append(cacheOpts, resultcache.WithShared(shared))
		s.logger.Info("shared result cache enabled", "ttl", cfg.CacheSharedTTL)
	}
	cache, err := resultcache.New(cfg.CacheCapacity, cacheOpts...)
	if err != nil {
		return nil, err
	}
	s.cache = cache

	// Upstream pool, seeded from the catalog
	s.pool = upstream.NewPool(
		upstream.NewHTTPGenerator(nil),
		upstream.Config{
			HeartbeatTimeout: cfg.HeartbeatTimeout,
			CallTimeout:      cfg.UpstreamTimeout,
			Concurrency:      cfg.WorkerConcurrency,
			MaxAttempts:      cfg.UpstreamMaxAttempts,
		},
		upstream.WithResolver(upstream.NewStaticResolver(s.catalog.SeedWorkers())),
		upstream.WithLogger(s.logger),
	)

	s.realtimeHub = realtime.NewHub(s.logger)
	s.poolTimer = upstream.NewTimer(s.pool, cfg.ErrorDecayInterval, cfg.SnapshotInterval, s.realtimeHub.BroadcastSnapshot, s.logger)

	s.queue = admission.New(s.logger)
	s.sweeper = admission.NewSweeper(s.queue, sweepInterval, slotIdleTimeout, s.logger)

	s.gateway = gateway.NewService(gateway.Deps{
		Cache: s.cache,
		Queue: s.queue,
		Admission: admission.Options{
			Interval:     cfg.AdmissionInterval,
			Cap:          cfg.AdmissionCap,
			MaxQueueSize: cfg.AdmissionMaxQueue,
			WaitTimeout:  cfg.AdmissionWaitTimeout,
			BypassCap:    cfg.AdmissionBypassCap,
			ForceQueue:   cfg.AdmissionForceQueue,
		},
		Keys:   s.authMgr,
		Pricer: s.catalog,
		Ledger: s.ledger,
		Pool:   s.pool,
		Store:  logStore,
		Logger: s.logger,
	})
	s.logTimer = gateway.NewTimer(logStore, cfg.LogRetention, s.logger)

	if cfg.StripeWebhookSecret != "" {
		s.billing = billing.NewHandler(s.ledger, cfg.StripeWebhookSecret, cfg.StripeCreditsPerCent, s.logger)
		s.logger.Info("stripe pack purchases enabled")
	}

	if cfg.DepositAddress != "" {
		if err := s.setupDeposits(ctx); err != nil {
			s.logger.Error("deposit watcher disabled", "error", err)
		}
	}

	s.setupHealth()

	// Setup router
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	s.router = gin.New()
	// Client IP keys both admission slots and the flood guard, so
	// X-Forwarded-For is only honored from configured proxies.
	if err := s.router.SetTrustedProxies(cfg.TrustedProxies); err != nil {
		return nil, fmt.Errorf("invalid TRUSTED_PROXIES: %w", err)
	}
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)

	return s, nil
}

func loadCatalog(path string) (*catalog.Catalog, error) {
	if path == "" {
		return catalog.Default(), nil
	}
	return catalog.Load(path)
}

func openDB(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return db, nil
}

func migrate(ctx context.Context, db *sql.DB) error {
	goose.SetBaseFS(migrations.FS)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("failed to set migration dialect: %w", err)
	}
	if err := goose.UpContext(ctx, db, "."); err != nil {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}
	return nil
}

func (s *Server) setupDeposits(ctx context.Context) error {
	if !common.IsHexAddress(s.cfg.DepositAddress) || !common.IsHexAddress(s.cfg.USDCContract) {
		return errors.New("DEPOSIT_ADDRESS and USDC_CONTRACT must be hex addresses")
	}
	client, err := deposits.Dial(ctx, s.cfg.ChainRPCURL)
	if err != nil {
		return err
	}
	s.chain = client

	dcfg := deposits.DefaultConfig()
	dcfg.USDCContract = common.HexToAddress(s.cfg.USDCContract)
	dcfg.DepositAddress = common.HexToAddress(s.cfg.DepositAddress)
	dcfg.CreditsPerUSDC = s.cfg.CreditsPerUSDC
	dcfg.PollInterval = s.cfg.DepositPollInterval
	dcfg.StartBlock = s.cfg.DepositStartBlock

	s.deposits = deposits.New(client, dcfg, s.ledger, s.logger)
	s.logger.Info("deposit watcher enabled", "address", dcfg.DepositAddress.Hex())
	return nil
}

func (s *Server) setupHealth() {
	s.health = health.NewRegistry()
	if s.db != nil {
		s.health.Register("database", health.Database(s.db))
	}
	if s.redis != nil {
		s.health.Register("redis", health.Redis(s.redis))
	}
	s.health.Register("workers", health.Workers(s.catalog.ServiceTypes(), s.pool.ActiveCount))
}

// maskDSN hides password in connection string for logging
func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "***"
	}
	if u.User != nil {
		u.User = url.UserPassword(u.User.Username(), "***")
	}
	return u.String()
}

// -----------------------------------------------------------------------------
// Middleware
// -----------------------------------------------------------------------------

func (s *Server) setupMiddleware() {
	// Recovery with logging
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered any) {
		logging.L(c.Request.Context()).Error("panic recovered",
			"error", recovered,
			"path", c.Request.URL.Path,
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "An unexpected error occurred",
		})
	}))

	s.router.Use(security.HeadersMiddleware())
	s.router.Use(security.CORSMiddleware(s.cfg.CORSAllowedOrigins))

	// Request size limit (1MB)
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	// Per-IP flood guard; generation pacing is the admission queue's job
	rl := ratelimit.DefaultConfig()
	if s.cfg.RateLimitRPS > 0 {
		rl.RequestsPerSecond = float64(s.cfg.RateLimitRPS)
	}
	s.rateLimiter = ratelimit.New(rl)
	s.router.Use(s.rateLimiter.Middleware())

	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Check for existing request ID (from load balancer, etc.)
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = generateRequestID()
		}

		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger)
		ctx = logging.WithClientKey(ctx, c.ClientIP())
		c.Request = c.Request.WithContext(ctx)

		c.Header("X-Request-ID", requestID)

		c.Next()
	}
}

func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()

		logger := logging.L(c.Request.Context())
		attrs := []any{
			"method", c.Request.Method,
			"path", path,
			"status", status,
			"latency_ms", latency.Milliseconds(),
		}
		if cache := c.Writer.Header().Get("X-Cache"); cache != "" {
			attrs = append(attrs, "cache", cache)
		}

		switch {
		case status >= 500:
			logger.Error("request completed", attrs...)
		case status >= 400:
			logger.Warn("request completed", attrs...)
		default:
			logger.Info("request completed", attrs...)
		}
	}
}

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	v1 := s.router.Group("/v1")
	v1.GET("/info", s.infoHandler)

	// Generation checks the cache before it looks at credentials, so it
	// sits outside the auth middleware.
	gatewayHandler := gateway.NewHandler(s.gateway, s.logger)
	gatewayHandler.RegisterRoutes(v1)

	catalog.NewHandler(s.catalog).RegisterRoutes(v1)

	if s.billing != nil {
		s.billing.RegisterRoutes(v1)
	}

	upstreamHandler := upstream.NewHandler(s.pool, s.logger)
	upstreamHandler.OnRegister(s.realtimeHub.BroadcastWorkerJoined)
	workers := v1.Group("")
	workers.Use(auth.RequireWorker(s.cfg.WorkerSecret))
	upstreamHandler.RegisterWorkerRoutes(workers)

	authed := v1.Group("")
	authed.Use(auth.Middleware(s.authMgr))
	authed.GET("/auth/info", auth.NewHandler(s.authMgr).Info)

	ledgerHandler := ledger.NewHandler(s.ledger, s.authMgr, s.logger)

	protected := authed.Group("")
	protected.Use(auth.RequireAuth())
	ledgerHandler.RegisterRoutes(protected)
	gatewayHandler.RegisterProtectedRoutes(protected)
	auth.NewHandler(s.authMgr).RegisterRoutes(protected)

	admin := authed.Group("/admin")
	admin.Use(auth.RequireAdmin(s.cfg.AdminSecret))
	ledgerHandler.RegisterAdminRoutes(admin)
	resultcache.NewHandler(s.cache).RegisterAdminRoutes(admin)
	upstreamHandler.RegisterAdminRoutes(admin)
	s.realtimeHub.RegisterRoutes(admin)
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Checks    []health.Status `json:"checks,omitempty"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	healthy, checks := s.health.CheckAll(c.Request.Context())

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   Version,
		Checks:    checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
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
	c.JSON(http.StatusOK, gin.H{
		"name":         "genmeter",
		"version":      Version,
		"serviceTypes": s.catalog.ServiceTypes(),
		"storage":      s.storageMode(),
		"sharedCache":  s.redis != nil,
		"stripe":       s.billing != nil,
		"deposits":     s.deposits != nil,
	})
}

func (s *Server) storageMode() string {
	if s.db != nil {
		return "postgres"
	}
	return "memory"
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	// Background goroutines get their own context so Shutdown() can stop them.
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		// Generations can legitimately take minutes.
		WriteTimeout: s.cfg.UpstreamTimeout + s.cfg.AdmissionWaitTimeout + 30*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errChan := make(chan error, 1)

	go func() {
		s.logger.Info("starting server",
			"port", s.cfg.Port,
			"env", s.cfg.Env,
			"services", s.catalog.ServiceTypes(),
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	go s.realtimeHub.Run(runCtx)
	go s.refillTimer.Start(runCtx)
	go s.poolTimer.Start(runCtx)
	go s.sweeper.Start(runCtx)
	go s.logTimer.Start(runCtx)

	if s.deposits != nil {
		go s.deposits.Start(runCtx)
	}

	// Mark as ready after brief delay for startup
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

// Shutdown gracefully stops the server
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	// Give load balancers time to stop sending traffic
	time.Sleep(5 * time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			return err
		}
	}

	s.refillTimer.Stop()
	s.poolTimer.Stop()
	s.sweeper.Stop()
	s.logTimer.Stop()
	s.rateLimiter.Stop()

	if s.deposits != nil {
		s.deposits.Stop()
		s.logger.Info("deposit watcher stopped")
	}
	if s.chain != nil {
		s.chain.Close()
	}

	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			s.logger.Error("redis close error", "error", err)
		}
	}

	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		} else {
			s.logger.Info("database connection closed")
		}
	}

	if err := s.traceShutdown(ctx); err != nil {
		s.logger.Error("tracer shutdown error", "error", err)
	}

	s.logger.Info("server stopped")
	return nil
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

func generateRequestID() string {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		// Fallback to timestamp-based ID
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(bytes)
}
