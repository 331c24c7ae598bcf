// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "text" or "json"

	// Storage
	DatabaseURL    string // PostgreSQL connection string (optional, uses in-memory if not set)
	RedisURL       string // Shared result tier (optional)
	MigrateOnStart bool

	// Tracing
	OTLPEndpoint     string
	TraceSampleRatio float64 // fraction of root spans kept, 0..1

	// Security
	AdminSecret        string
	WorkerSecret       string // Shared secret presented by upstream workers on heartbeat
	RateLimitRPS       int
	CORSAllowedOrigins []string // empty allows any origin without credentials
	TrustedProxies     []string // CIDRs or IPs whose X-Forwarded-For is honored; empty trusts none

	// Catalog of priced services and seed workers
	CatalogPath string

	// Upstream pool
	HeartbeatTimeout    time.Duration
	ErrorDecayInterval  time.Duration
	SnapshotInterval    time.Duration
	WorkerConcurrency   int64
	UpstreamTimeout     time.Duration
	UpstreamMaxAttempts int

	// Admission
	AdmissionInterval    time.Duration
	AdmissionCap         int
	AdmissionBypassCap   int
	AdmissionMaxQueue    int
	AdmissionWaitTimeout time.Duration
	AdmissionForceQueue  bool

	// Result cache
	CacheCapacity  int
	CacheSharedTTL time.Duration

	// Balance refills
	GrantPeriod         time.Duration
	RefillCheckInterval time.Duration

	// Generation request log
	LogRetention time.Duration // 0 keeps logs forever

	// Stripe pack purchases
	StripeWebhookSecret  string
	StripeCreditsPerCent int64

	// On-chain deposits (crypto bucket)
	ChainRPCURL         string
	USDCContract        string
	DepositAddress      string
	CreditsPerUSDC      int64
	DepositPollInterval time.Duration
	DepositStartBlock   uint64 // 0 starts at the chain head
}

// Defaults
const (
	DefaultPort                 = "8080"
	DefaultEnv                  = "development"
	DefaultLogLevel             = "info"
	DefaultLogFormat            = "text"
	DefaultRateLimit            = 100
	DefaultHeartbeatTimeout     = 45 * time.Second
	DefaultErrorDecayInterval   = 60 * time.Second
	DefaultSnapshotInterval     = 10 * time.Second
	DefaultWorkerConcurrency    = 2
	DefaultUpstreamTimeout      = 120 * time.Second
	DefaultUpstreamMaxAttempts  = 2
	DefaultAdmissionInterval    = 10 * time.Second
	DefaultAdmissionCap         = 1
	DefaultAdmissionBypassCap   = 4
	DefaultAdmissionMaxQueue    = 5
	DefaultAdmissionWaitTimeout = 2 * time.Minute
	DefaultCacheCapacity        = 1000
	DefaultCacheSharedTTL       = 24 * time.Hour
	DefaultGrantPeriod          = 24 * time.Hour
	DefaultRefillCheckInterval  = time.Hour
	DefaultLogRetention         = 30 * 24 * time.Hour
	DefaultDepositPollInterval  = 15 * time.Second
	DefaultStripeCreditsPerCent = 1
	DefaultCreditsPerUSDC       = 100
	DefaultUSDCContract         = "0x036CbD53842c5426634e7929541eC2318f3dCF7e" // Base Sepolia USDC
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                 getEnv("PORT", DefaultPort),
		Env:                  getEnv("ENV", DefaultEnv),
		LogLevel:             getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:            getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:          os.Getenv("DATABASE_URL"),
		RedisURL:             os.Getenv("REDIS_URL"),
		MigrateOnStart:       getEnvBool("MIGRATE_ON_START", false),
		OTLPEndpoint:         os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		TraceSampleRatio:     getEnvFloat("OTEL_TRACES_SAMPLER_ARG", 1),
		AdminSecret:          os.Getenv("ADMIN_SECRET"),
		WorkerSecret:         os.Getenv("WORKER_SECRET"),
		RateLimitRPS:         int(getEnvInt64("RATE_LIMIT_RPS", DefaultRateLimit)),
		CORSAllowedOrigins:   getEnvList("CORS_ALLOWED_ORIGINS"),
		TrustedProxies:       getEnvList("TRUSTED_PROXIES"),
		CatalogPath:          os.Getenv("CATALOG_PATH"),
		HeartbeatTimeout:     getEnvDuration("HEARTBEAT_TIMEOUT", DefaultHeartbeatTimeout),
		ErrorDecayInterval:   getEnvDuration("ERROR_DECAY_INTERVAL", DefaultErrorDecayInterval),
		SnapshotInterval:     getEnvDuration("SNAPSHOT_INTERVAL", DefaultSnapshotInterval),
		WorkerConcurrency:    getEnvInt64("WORKER_CONCURRENCY", DefaultWorkerConcurrency),
		UpstreamTimeout:      getEnvDuration("UPSTREAM_TIMEOUT", DefaultUpstreamTimeout),
		UpstreamMaxAttempts:  int(getEnvInt64("UPSTREAM_MAX_ATTEMPTS", DefaultUpstreamMaxAttempts)),
		AdmissionInterval:    getEnvDuration("ADMISSION_INTERVAL", DefaultAdmissionInterval),
		AdmissionCap:         int(getEnvInt64("ADMISSION_CAP", DefaultAdmissionCap)),
		AdmissionBypassCap:   int(getEnvInt64("ADMISSION_BYPASS_CAP", DefaultAdmissionBypassCap)),
		AdmissionMaxQueue:    int(getEnvInt64("ADMISSION_MAX_QUEUE", DefaultAdmissionMaxQueue)),
		AdmissionWaitTimeout: getEnvDuration("ADMISSION_WAIT_TIMEOUT", DefaultAdmissionWaitTimeout),
		AdmissionForceQueue:  getEnvBool("ADMISSION_FORCE_QUEUE", true),
		CacheCapacity:        int(getEnvInt64("CACHE_CAPACITY", DefaultCacheCapacity)),
		CacheSharedTTL:       getEnvDuration("CACHE_SHARED_TTL", DefaultCacheSharedTTL),
		GrantPeriod:          getEnvDuration("GRANT_PERIOD", DefaultGrantPeriod),
		RefillCheckInterval:  getEnvDuration("REFILL_CHECK_INTERVAL", DefaultRefillCheckInterval),
		LogRetention:         getEnvDuration("GENERATION_LOG_RETENTION", DefaultLogRetention),
		StripeWebhookSecret:  os.Getenv("STRIPE_WEBHOOK_SECRET"),
		StripeCreditsPerCent: getEnvInt64("STRIPE_CREDITS_PER_CENT", DefaultStripeCreditsPerCent),
		ChainRPCURL:          os.Getenv("CHAIN_RPC_URL"),
		USDCContract:         getEnv("USDC_CONTRACT", DefaultUSDCContract),
		DepositAddress:       os.Getenv("DEPOSIT_ADDRESS"),
		CreditsPerUSDC:       getEnvInt64("CREDITS_PER_USDC", DefaultCreditsPerUSDC),
		DepositPollInterval:  getEnvDuration("DEPOSIT_POLL_INTERVAL", DefaultDepositPollInterval),
		DepositStartBlock:    uint64(getEnvInt64("DEPOSIT_START_BLOCK", 0)),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.IsProduction() {
		if c.AdminSecret == "" {
			return fmt.Errorf("ADMIN_SECRET is required in production")
		}
		if c.WorkerSecret == "" {
			return fmt.Errorf("WORKER_SECRET is required in production")
		}
	}

	if c.WorkerConcurrency < 1 {
		return fmt.Errorf("WORKER_CONCURRENCY must be at least 1")
	}
	if c.UpstreamMaxAttempts < 1 {
		return fmt.Errorf("UPSTREAM_MAX_ATTEMPTS must be at least 1")
	}
	if c.AdmissionCap < 1 || c.AdmissionBypassCap < c.AdmissionCap {
		return fmt.Errorf("ADMISSION_BYPASS_CAP must be >= ADMISSION_CAP >= 1")
	}
	if c.AdmissionMaxQueue < c.AdmissionBypassCap {
		return fmt.Errorf("ADMISSION_MAX_QUEUE must be >= ADMISSION_BYPASS_CAP")
	}
	if c.CacheCapacity < 1 {
		return fmt.Errorf("CACHE_CAPACITY must be at least 1")
	}
	if c.GrantPeriod <= 0 {
		return fmt.Errorf("GRANT_PERIOD must be positive")
	}

	if c.DepositAddress != "" && c.ChainRPCURL == "" {
		return fmt.Errorf("CHAIN_RPC_URL is required when DEPOSIT_ADDRESS is set")
	}
	if c.DepositAddress != "" && c.CreditsPerUSDC < 1 {
		return fmt.Errorf("CREDITS_PER_USDC must be at least 1")
	}

	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvList(key string) []string {
	var out []string
	for _, v := range strings.Split(os.Getenv(key), ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	switch strings.ToLower(os.Getenv(key)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	}
	return defaultValue
}
