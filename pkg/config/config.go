package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

// Config holds all configuration for ekaya-router.
// Configuration can come from YAML file (config.yaml) or environment variables.
// Environment variables always override YAML values for fields that support both.
// Secrets (passwords, keys) must only come from environment variables.
type Config struct {
	// Server configuration
	BindAddr string `yaml:"bind_addr" env:"BIND_ADDR" env-default:"127.0.0.1"`
	Port     string `yaml:"port" env:"PORT" env-default:"3480"`
	Env      string `yaml:"env" env:"ENVIRONMENT" env-default:"local"`
	BaseURL  string `yaml:"base_url" env:"BASE_URL" env-default:""` // Auto-derived from Port if empty
	Version  string `yaml:"-"`                                      // Set at load time, not from config

	// TLS configuration (optional - if both provided, server uses HTTPS)
	TLSCertPath string `yaml:"tls_cert_path" env:"TLS_CERT_PATH" env-default:""`
	TLSKeyPath  string `yaml:"tls_key_path" env:"TLS_KEY_PATH" env-default:""`

	// MigrationsPath is the directory holding golang-migrate SQL files.
	MigrationsPath string `yaml:"migrations_path" env:"MIGRATIONS_PATH" env-default:"./migrations"`

	Auth         AuthConfig         `yaml:"auth"`
	Database     DatabaseConfig     `yaml:"database"`
	Redis        RedisConfig        `yaml:"redis"`
	Router       RouterConfig       `yaml:"router"`
	RateLimit    RateLimitConfig    `yaml:"rate_limit"`
	Matcher      MatcherConfig      `yaml:"matcher"`
	Coordination CoordinationConfig `yaml:"coordination"`
	Sessions     SessionConfig      `yaml:"sessions"`
	Backends     BackendsConfig     `yaml:"backends"`
	Display      DisplayConfig      `yaml:"display"`
	Retention    RetentionConfig    `yaml:"retention"`
}

// AuthConfig holds authentication-related configuration.
type AuthConfig struct {
	// EnableVerification controls whether JWT tokens are validated.
	// Set to false for local development without an auth server.
	EnableVerification bool `yaml:"enable_verification" env:"AUTH_ENABLE_VERIFICATION" env-default:"true"`

	// JWKSEndpointsStr is a comma-separated list of issuer=jwks_url pairs.
	// Format: "issuer1=url1,issuer2=url2"
	JWKSEndpointsStr string `yaml:"jwks_endpoints" env:"JWKS_ENDPOINTS" env-default:""`

	// JWKSEndpoints is the parsed map from JWKSEndpointsStr (not from config file).
	JWKSEndpoints map[string]string `yaml:"-"`

	// HMACSecret enables HS256 tokens for collectors that cannot reach a JWKS issuer.
	HMACSecret string `yaml:"-" env:"AUTH_HMAC_SECRET"` // Secret - not in YAML
}

// DatabaseConfig holds PostgreSQL database configuration.
type DatabaseConfig struct {
	Host           string `yaml:"host" env:"PGHOST" env-default:"localhost"`
	Port           int    `yaml:"port" env:"PGPORT" env-default:"5432"`
	User           string `yaml:"user" env:"PGUSER" env-default:"ekaya"`
	Password       string `yaml:"-" env:"PGPASSWORD"` // Secret - not in YAML
	Database       string `yaml:"database" env:"PGDATABASE" env-default:"ekaya_router"`
	MaxConnections int32  `yaml:"max_connections" env:"PGMAX_CONNECTIONS" env-default:"25"`
	SSLMode        string `yaml:"ssl_mode" env:"PGSSLMODE" env-default:"disable"`

	// ReplicaHost points rule-store reads at a read replica. Empty means use the primary.
	ReplicaHost string `yaml:"replica_host" env:"PGREPLICA_HOST" env-default:""`
	ReplicaPort int    `yaml:"replica_port" env:"PGREPLICA_PORT" env-default:"5432"`
}

// RedisConfig holds Redis configuration for the rule cache and rate-limit buckets.
// Host empty disables Redis; in-memory implementations are used instead.
type RedisConfig struct {
	Host     string `yaml:"host" env:"REDIS_HOST" env-default:""`
	Port     int    `yaml:"port" env:"REDIS_PORT" env-default:"6379"`
	Password string `yaml:"-" env:"REDIS_PASSWORD"` // Secret - not in YAML
	DB       int    `yaml:"db" env:"REDIS_DB" env-default:"0"`
}

// RouterConfig tunes the dispatch path.
type RouterConfig struct {
	// WorkerPoolSize bounds concurrent parallel-mode backend invocations.
	WorkerPoolSize int `yaml:"worker_pool_size" env:"ROUTER_WORKER_POOL_SIZE" env-default:"16"`
	// MaxBatchSize caps submit_events_batch.
	MaxBatchSize int `yaml:"max_batch_size" env:"ROUTER_MAX_BATCH_SIZE" env-default:"100"`
	// BatchConcurrency bounds how many events of one batch dispatch at once.
	BatchConcurrency int `yaml:"batch_concurrency" env:"ROUTER_BATCH_CONCURRENCY" env-default:"8"`
	// CacheTTLSeconds is the rule-store cache lifetime.
	CacheTTLSeconds int `yaml:"cache_ttl_seconds" env:"ROUTER_CACHE_TTL_SECONDS" env-default:"60"`
	// MaxBackendTimeoutMs caps any command's declared timeout.
	MaxBackendTimeoutMs int `yaml:"max_backend_timeout_ms" env:"ROUTER_MAX_BACKEND_TIMEOUT_MS" env-default:"30000"`
}

// RateLimitConfig selects and tunes the limiter store.
type RateLimitConfig struct {
	// Store is "redis" or "memory". Redis requires redis.host.
	Store                string `yaml:"store" env:"RATE_LIMIT_STORE" env-default:"memory"`
	SweepIntervalSeconds int    `yaml:"sweep_interval_seconds" env:"RATE_LIMIT_SWEEP_INTERVAL_SECONDS" env-default:"60"`
}

// MatcherConfig tunes the pattern matcher.
type MatcherConfig struct {
	// RegexTimeoutMs is the maximum evaluation time of one regex rule against one message.
	RegexTimeoutMs int `yaml:"regex_timeout_ms" env:"MATCHER_REGEX_TIMEOUT_MS" env-default:"50"`
	// MessageBudgetMs is the maximum evaluation time of all rules against one message.
	MessageBudgetMs int `yaml:"message_budget_ms" env:"MATCHER_MESSAGE_BUDGET_MS" env-default:"100"`
	// MaxSetAgeSeconds is how long a compiled rule set lives before it is rebuilt or evicted.
	MaxSetAgeSeconds int `yaml:"max_set_age_seconds" env:"MATCHER_MAX_SET_AGE_SECONDS" env-default:"60"`
}

// CoordinationConfig tunes the collector claim/lease protocol.
type CoordinationConfig struct {
	LeaseMinutes           int  `yaml:"lease_minutes" env:"COORDINATION_LEASE_MINUTES" env-default:"30"`
	CheckinIntervalMinutes int  `yaml:"checkin_interval_minutes" env:"COORDINATION_CHECKIN_INTERVAL_MINUTES" env-default:"5"`
	GraceSeconds           int  `yaml:"grace_seconds" env:"COORDINATION_GRACE_SECONDS" env-default:"60"`
	ErrorThreshold         int  `yaml:"error_threshold" env:"COORDINATION_ERROR_THRESHOLD" env-default:"5"`
	AutoReleaseOnThreshold bool `yaml:"auto_release_on_threshold" env:"COORDINATION_AUTO_RELEASE_ON_THRESHOLD" env-default:"false"`
	SweepIntervalSeconds   int  `yaml:"sweep_interval_seconds" env:"COORDINATION_SWEEP_INTERVAL_SECONDS" env-default:"60"`
	DefaultMaxClaims       int  `yaml:"default_max_claims" env:"COORDINATION_DEFAULT_MAX_CLAIMS" env-default:"50"`
}

// SessionConfig tunes response correlation sessions.
type SessionConfig struct {
	TTLSeconds           int `yaml:"ttl_seconds" env:"SESSION_TTL_SECONDS" env-default:"120"`
	NetworkMarginSeconds int `yaml:"network_margin_seconds" env:"SESSION_NETWORK_MARGIN_SECONDS" env-default:"10"`
	SweepIntervalSeconds int `yaml:"sweep_interval_seconds" env:"SESSION_SWEEP_INTERVAL_SECONDS" env-default:"60"`
}

// BackendsConfig holds execution backend endpoints and credentials.
type BackendsConfig struct {
	// ContainerBaseURL resolves relative container locations (e.g. "/ping").
	ContainerBaseURL string `yaml:"container_base_url" env:"BACKEND_CONTAINER_BASE_URL" env-default:"http://localhost:8090"`

	// LambdaAPIKey is sent as x-api-key to Lambda function URLs behind API Gateway.
	LambdaAPIKey string `yaml:"-" env:"BACKEND_LAMBDA_API_KEY"` // Secret - not in YAML

	OpenWhiskAPIHost   string `yaml:"openwhisk_api_host" env:"BACKEND_OPENWHISK_API_HOST" env-default:""`
	OpenWhiskNamespace string `yaml:"openwhisk_namespace" env:"BACKEND_OPENWHISK_NAMESPACE" env-default:"_"`
	OpenWhiskAuth      string `yaml:"-" env:"BACKEND_OPENWHISK_AUTH"` // Secret - "user:key"

	// WebhookRPS and WebhookBurst throttle outbound webhook calls across all commands.
	WebhookRPS           float64 `yaml:"webhook_rps" env:"BACKEND_WEBHOOK_RPS" env-default:"50"`
	WebhookBurst         int     `yaml:"webhook_burst" env:"BACKEND_WEBHOOK_BURST" env-default:"100"`
	WebhookSigningSecret string  `yaml:"-" env:"BACKEND_WEBHOOK_SIGNING_SECRET"` // Secret - not in YAML

	// BreakerThreshold opens a target's circuit after this many consecutive
	// failures. Zero disables circuit breaking.
	BreakerThreshold    int `yaml:"breaker_threshold" env:"BACKEND_BREAKER_THRESHOLD" env-default:"5"`
	BreakerResetSeconds int `yaml:"breaker_reset_seconds" env:"BACKEND_BREAKER_RESET_SECONDS" env-default:"30"`
}

// BreakerReset returns how long an open circuit waits before probing.
func (c *BackendsConfig) BreakerReset() time.Duration {
	return time.Duration(c.BreakerResetSeconds) * time.Second
}

// DisplayConfig points at the downstream display collaborator.
type DisplayConfig struct {
	URL string  `yaml:"url" env:"DISPLAY_URL" env-default:""`
	RPS float64 `yaml:"rps" env:"DISPLAY_RPS" env-default:"20"`
}

// RetentionConfig controls pruning of the execution audit trail.
type RetentionConfig struct {
	ExecutionDays int `yaml:"execution_days" env:"RETENTION_EXECUTION_DAYS" env-default:"30"`
	IntervalHours int `yaml:"interval_hours" env:"RETENTION_INTERVAL_HOURS" env-default:"24"`
}

// Load reads configuration from config.yaml with environment variable overrides.
// The version parameter is injected at build time and set on the returned Config.
func Load(version string) (*Config, error) {
	return LoadFrom("config.yaml", version)
}

// LoadFrom reads configuration from the given YAML path with environment variable overrides.
func LoadFrom(path, version string) (*Config, error) {
	cfg := &Config{
		Version: version,
	}

	if err := cleanenv.ReadConfig(path, cfg); err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	cfg.Auth.JWKSEndpoints = parseJWKSEndpoints(cfg.Auth.JWKSEndpointsStr)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	// Auto-derive BaseURL from Port if not explicitly set
	if cfg.BaseURL == "" {
		scheme := "http"
		if cfg.TLSCertPath != "" {
			scheme = "https"
		}
		cfg.BaseURL = (&url.URL{
			Scheme: scheme,
			Host:   "localhost:" + cfg.Port,
		}).String()
	}

	return cfg, nil
}

// Validate checks cross-field constraints that tags cannot express.
func (c *Config) Validate() error {
	if err := c.validateTLS(); err != nil {
		return fmt.Errorf("invalid TLS configuration: %w", err)
	}

	if c.Router.WorkerPoolSize < 1 {
		return fmt.Errorf("router.worker_pool_size must be at least 1")
	}
	if c.Router.MaxBatchSize < 1 || c.Router.MaxBatchSize > 1000 {
		return fmt.Errorf("router.max_batch_size must be between 1 and 1000")
	}

	switch c.RateLimit.Store {
	case "memory":
	case "redis":
		if c.Redis.Host == "" {
			return fmt.Errorf("rate_limit.store=redis requires redis.host")
		}
	default:
		return fmt.Errorf("unknown rate_limit.store %q", c.RateLimit.Store)
	}

	// Sessions must outlive the slowest backend call plus the network round trip.
	if c.Sessions.TTL() <= c.Router.MaxBackendTimeout()+c.Sessions.NetworkMargin() {
		return fmt.Errorf("sessions.ttl_seconds (%s) must exceed router.max_backend_timeout_ms plus network margin (%s)",
			c.Sessions.TTL(), c.Router.MaxBackendTimeout()+c.Sessions.NetworkMargin())
	}

	if c.Coordination.CheckinIntervalMinutes >= c.Coordination.LeaseMinutes {
		return fmt.Errorf("coordination.checkin_interval_minutes must be shorter than lease_minutes")
	}

	return nil
}

// validateTLS ensures TLS configuration is valid if provided.
// Both cert and key must be provided together, and files must exist.
func (c *Config) validateTLS() error {
	certSet := c.TLSCertPath != ""
	keySet := c.TLSKeyPath != ""

	if certSet != keySet {
		return fmt.Errorf("both tls_cert_path and tls_key_path must be provided together")
	}

	if certSet {
		if _, err := os.Stat(c.TLSCertPath); err != nil {
			return fmt.Errorf("TLS cert file does not exist: %w", err)
		}
		if _, err := os.Stat(c.TLSKeyPath); err != nil {
			return fmt.Errorf("TLS key file does not exist: %w", err)
		}
	}

	return nil
}

// parseJWKSEndpoints parses the JWKS endpoints string into a map.
// Format: "issuer1=url1,issuer2=url2"
func parseJWKSEndpoints(value string) map[string]string {
	endpoints := make(map[string]string)
	if value == "" {
		return endpoints
	}

	pairs := strings.Split(value, ",")
	for _, pair := range pairs {
		parts := strings.SplitN(pair, "=", 2)
		if len(parts) == 2 {
			endpoints[strings.TrimSpace(parts[0])] = strings.TrimSpace(parts[1])
		}
	}
	return endpoints
}

// ConnectionString returns a PostgreSQL connection string for the primary.
func (c *DatabaseConfig) ConnectionString() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		ResolveHostForDocker(c.Host), c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// URL returns the primary connection as a postgres:// URL (used by migrations).
func (c *DatabaseConfig) URL() string {
	u := &url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.User, c.Password),
		Host:     fmt.Sprintf("%s:%d", ResolveHostForDocker(c.Host), c.Port),
		Path:     "/" + c.Database,
		RawQuery: "sslmode=" + c.SSLMode,
	}
	return u.String()
}

// ReplicaConnectionString returns the read-replica connection string,
// or an empty string when no replica is configured.
func (c *DatabaseConfig) ReplicaConnectionString() string {
	if c.ReplicaHost == "" {
		return ""
	}
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		ResolveHostForDocker(c.ReplicaHost), c.ReplicaPort, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// Addr returns the Redis host:port address.
func (c *RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", ResolveHostForDocker(c.Host), c.Port)
}

// CacheTTL returns the rule-store cache lifetime.
func (c *RouterConfig) CacheTTL() time.Duration {
	return time.Duration(c.CacheTTLSeconds) * time.Second
}

// MaxBackendTimeout returns the cap applied to command timeouts.
func (c *RouterConfig) MaxBackendTimeout() time.Duration {
	return time.Duration(c.MaxBackendTimeoutMs) * time.Millisecond
}

// SweepInterval returns how often stale rate-limit buckets are evicted.
func (c *RateLimitConfig) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalSeconds) * time.Second
}

// RegexTimeout returns the per-regex evaluation timeout.
func (c *MatcherConfig) RegexTimeout() time.Duration {
	return time.Duration(c.RegexTimeoutMs) * time.Millisecond
}

// MessageBudget returns the per-message evaluation budget.
func (c *MatcherConfig) MessageBudget() time.Duration {
	return time.Duration(c.MessageBudgetMs) * time.Millisecond
}

// MaxSetAge returns the lifetime of a compiled rule set.
func (c *MatcherConfig) MaxSetAge() time.Duration {
	return time.Duration(c.MaxSetAgeSeconds) * time.Second
}

// Lease returns the claim lease duration.
func (c *CoordinationConfig) Lease() time.Duration {
	return time.Duration(c.LeaseMinutes) * time.Minute
}

// CheckinInterval returns the interval collectors are expected to check in at.
func (c *CoordinationConfig) CheckinInterval() time.Duration {
	return time.Duration(c.CheckinIntervalMinutes) * time.Minute
}

// Grace returns the grace period after lease expiry before reclamation.
func (c *CoordinationConfig) Grace() time.Duration {
	return time.Duration(c.GraceSeconds) * time.Second
}

// SweepInterval returns how often expired claims are returned to the pool.
func (c *CoordinationConfig) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalSeconds) * time.Second
}

// TTL returns the session lifetime.
func (c *SessionConfig) TTL() time.Duration {
	return time.Duration(c.TTLSeconds) * time.Second
}

// NetworkMargin returns the round-trip allowance added to backend timeouts.
func (c *SessionConfig) NetworkMargin() time.Duration {
	return time.Duration(c.NetworkMarginSeconds) * time.Second
}

// SweepInterval returns how often expired sessions are purged.
func (c *SessionConfig) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalSeconds) * time.Second
}

// Interval returns how often the retention scheduler runs.
func (c *RetentionConfig) Interval() time.Duration {
	return time.Duration(c.IntervalHours) * time.Hour
}
