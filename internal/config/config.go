// Package config loads and validates the asset repository configuration using Viper.
//
// Configuration is layered: built-in defaults < YAML config file < environment
// variables. Environment variables use the LAR_ prefix (e.g., LAR_REPOSITORY_DOWNLOAD_DIR
// overrides repository.download_dir in the YAML).
//
// The encryption key may also be supplied as a bare ENCRYPTION_KEY variable so that
// infrastructure tooling (Kubernetes secrets, Vault agent) can inject it without
// knowing the application prefix.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Repository RepositoryConfig `mapstructure:"repository"`
	Store      StoreConfig      `mapstructure:"store"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Mirror     MirrorConfig     `mapstructure:"mirror"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Delivery   DeliveryConfig   `mapstructure:"delivery"`
	Webhook    WebhookConfig    `mapstructure:"webhook"`
	Watcher    WatcherConfig    `mapstructure:"watcher"`
	Jobs       JobsConfig       `mapstructure:"jobs"`
	Security   SecurityConfig   `mapstructure:"security"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Telemetry  TelemetryConfig  `mapstructure:"telemetry"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	BaseURL      string        `mapstructure:"base_url"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// RepositoryConfig describes where sources live and where archives are written.
type RepositoryConfig struct {
	PluginsDir  string `mapstructure:"plugins_dir"`
	ThemesDir   string `mapstructure:"themes_dir"`
	DownloadDir string `mapstructure:"download_dir"`
	// LogFile is the update log document. Relative paths resolve against DownloadDir.
	LogFile string `mapstructure:"log_file"`
	// SiteIdentity is mixed into every download token. Defaults to server.base_url.
	SiteIdentity string `mapstructure:"site_identity"`
	// Timezone is the IANA location used for human-readable log timestamps.
	Timezone     string `mapstructure:"timezone"`
	BuildOnStart bool   `mapstructure:"build_on_start"`
}

// LogFilePath returns the absolute location of the update log document.
func (r *RepositoryConfig) LogFilePath() string {
	if r.LogFile == "" {
		return ""
	}
	if filepath.IsAbs(r.LogFile) {
		return filepath.Clean(r.LogFile)
	}
	return filepath.Join(r.DownloadDir, r.LogFile)
}

// StoreConfig selects the key/value backend holding the site secret and
// last-seen versions.
type StoreConfig struct {
	Backend string `mapstructure:"backend"`
}

// DatabaseConfig holds database connection configuration
type DatabaseConfig struct {
	Host               string `mapstructure:"host"`
	Port               int    `mapstructure:"port"`
	Name               string `mapstructure:"name"`
	User               string `mapstructure:"user"`
	Password           string `mapstructure:"password"`
	SSLMode            string `mapstructure:"ssl_mode"`
	MaxConnections     int    `mapstructure:"max_connections"`
	MinIdleConnections int    `mapstructure:"min_idle_connections"`
}

// RedisConfig holds Redis connection configuration. It backs the redis key/value
// store and the distributed rate limiter.
type RedisConfig struct {
	Addr      string `mapstructure:"addr"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

// MirrorConfig holds the optional archive mirror configuration
type MirrorConfig struct {
	Enabled bool               `mapstructure:"enabled"`
	Backend string             `mapstructure:"backend"`
	Azure   AzureStorageConfig `mapstructure:"azure"`
	S3      S3StorageConfig    `mapstructure:"s3"`
	GCS     GCSStorageConfig   `mapstructure:"gcs"`
	Local   LocalStorageConfig `mapstructure:"local"`
}

// AzureStorageConfig holds Azure Blob Storage configuration
type AzureStorageConfig struct {
	AccountName   string `mapstructure:"account_name"`
	AccountKey    string `mapstructure:"account_key"`
	ContainerName string `mapstructure:"container_name"`
}

// S3StorageConfig holds S3-compatible storage configuration
type S3StorageConfig struct {
	// Endpoint is the S3-compatible endpoint URL (MinIO, DigitalOcean Spaces, ...)
	Endpoint string `mapstructure:"endpoint"`
	Region   string `mapstructure:"region"`
	Bucket   string `mapstructure:"bucket"`

	// AuthMethod is one of "default", "static", "oidc", "assume_role".
	AuthMethod string `mapstructure:"auth_method"`

	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`

	RoleARN              string `mapstructure:"role_arn"`
	RoleSessionName      string `mapstructure:"role_session_name"`
	ExternalID           string `mapstructure:"external_id"`
	WebIdentityTokenFile string `mapstructure:"web_identity_token_file"`
}

// GCSStorageConfig holds Google Cloud Storage configuration
type GCSStorageConfig struct {
	Bucket    string `mapstructure:"bucket"`
	ProjectID string `mapstructure:"project_id"`

	// AuthMethod is one of "default", "service_account", "workload_identity".
	AuthMethod      string `mapstructure:"auth_method"`
	CredentialsFile string `mapstructure:"credentials_file"`
	CredentialsJSON string `mapstructure:"credentials_json"`

	// Endpoint is an optional custom endpoint (GCS emulators)
	Endpoint string `mapstructure:"endpoint"`
}

// LocalStorageConfig holds local filesystem mirror configuration
type LocalStorageConfig struct {
	BasePath string `mapstructure:"base_path"`
}

// AuthConfig holds admin authentication configuration
type AuthConfig struct {
	// JWTSecret signs admin session tokens (HS256).
	JWTSecret string        `mapstructure:"jwt_secret"`
	JWTExpiry time.Duration `mapstructure:"jwt_expiry"`
	// AdminAPIKeyHashes are bcrypt hashes of accepted admin API keys.
	AdminAPIKeyHashes []string `mapstructure:"admin_api_key_hashes"`
}

// DeliveryConfig controls the download endpoints
type DeliveryConfig struct {
	// AllowUntokenized keeps the /download?type=&slug= route enabled.
	AllowUntokenized bool `mapstructure:"allow_untokenized"`
}

// WebhookConfig holds the rebuild notification settings
type WebhookConfig struct {
	URL        string            `mapstructure:"url"`
	Headers    map[string]string `mapstructure:"headers"`
	Timeout    time.Duration     `mapstructure:"timeout"`
	QueueSize  int               `mapstructure:"queue_size"`
	MaxRetries int               `mapstructure:"max_retries"`
}

// WatcherConfig controls the filesystem watcher on the source roots
type WatcherConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Debounce time.Duration `mapstructure:"debounce"`
}

// JobsConfig holds background job settings
type JobsConfig struct {
	// RegenerateInterval rebuilds every archive periodically. Zero disables the job.
	RegenerateInterval time.Duration `mapstructure:"regenerate_interval"`
	EventQueueSize     int           `mapstructure:"event_queue_size"`
}

// SecurityConfig holds security-related configuration
type SecurityConfig struct {
	CORS         CORSConfig         `mapstructure:"cors"`
	RateLimiting RateLimitingConfig `mapstructure:"rate_limiting"`
	TLS          TLSConfig          `mapstructure:"tls"`
	// EncryptionKey seals the site secret at rest when set.
	EncryptionKey string `mapstructure:"encryption_key"`
}

// CORSConfig holds CORS configuration
type CORSConfig struct {
	AllowedOrigins []string `mapstructure:"allowed_origins"`
	AllowedMethods []string `mapstructure:"allowed_methods"`
}

// RateLimitingConfig holds rate limiting configuration
type RateLimitingConfig struct {
	Enabled           bool `mapstructure:"enabled"`
	RequestsPerMinute int  `mapstructure:"requests_per_minute"`
	Burst             int  `mapstructure:"burst"`
	// Distributed switches the limiter to Redis so replicas share one budget.
	Distributed bool `mapstructure:"distributed"`
}

// TLSConfig holds TLS/HTTPS configuration
type TLSConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	CertFile string `mapstructure:"cert_file"`
	KeyFile  string `mapstructure:"key_file"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// TelemetryConfig holds observability configuration
type TelemetryConfig struct {
	ServiceName string          `mapstructure:"service_name"`
	Metrics     MetricsConfig   `mapstructure:"metrics"`
	Profiling   ProfilingConfig `mapstructure:"profiling"`
}

// MetricsConfig holds Prometheus metrics configuration
type MetricsConfig struct {
	Enabled        bool `mapstructure:"enabled"`
	PrometheusPort int  `mapstructure:"prometheus_port"`
}

// ProfilingConfig holds profiling configuration
type ProfilingConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// bindEnvVars explicitly binds environment variables to config keys.
// AutomaticEnv() doesn't work well with nested structs during Unmarshal.
func bindEnvVars(v *viper.Viper) error {
	keys := []string{
		// Server
		"server.host",
		"server.port",
		"server.base_url",
		"server.read_timeout",
		"server.write_timeout",

		// Repository
		"repository.plugins_dir",
		"repository.themes_dir",
		"repository.download_dir",
		"repository.log_file",
		"repository.site_identity",
		"repository.timezone",
		"repository.build_on_start",

		// Store
		"store.backend",

		// Database
		"database.host",
		"database.port",
		"database.name",
		"database.user",
		"database.password",
		"database.ssl_mode",
		"database.max_connections",
		"database.min_idle_connections",

		// Redis
		"redis.addr",
		"redis.password",
		"redis.db",
		"redis.key_prefix",

		// Mirror
		"mirror.enabled",
		"mirror.backend",
		"mirror.azure.account_name",
		"mirror.azure.account_key",
		"mirror.azure.container_name",
		"mirror.s3.endpoint",
		"mirror.s3.region",
		"mirror.s3.bucket",
		"mirror.s3.auth_method",
		"mirror.s3.access_key_id",
		"mirror.s3.secret_access_key",
		"mirror.s3.role_arn",
		"mirror.s3.role_session_name",
		"mirror.s3.external_id",
		"mirror.s3.web_identity_token_file",
		"mirror.gcs.bucket",
		"mirror.gcs.project_id",
		"mirror.gcs.auth_method",
		"mirror.gcs.credentials_file",
		"mirror.gcs.credentials_json",
		"mirror.gcs.endpoint",
		"mirror.local.base_path",

		// Auth
		"auth.jwt_secret",
		"auth.jwt_expiry",
		"auth.admin_api_key_hashes",

		// Delivery
		"delivery.allow_untokenized",

		// Webhook
		"webhook.url",
		"webhook.timeout",
		"webhook.queue_size",
		"webhook.max_retries",

		// Watcher / jobs
		"watcher.enabled",
		"watcher.debounce",
		"jobs.regenerate_interval",
		"jobs.event_queue_size",

		// Security
		"security.cors.allowed_origins",
		"security.cors.allowed_methods",
		"security.rate_limiting.enabled",
		"security.rate_limiting.requests_per_minute",
		"security.rate_limiting.burst",
		"security.rate_limiting.distributed",
		"security.tls.enabled",
		"security.tls.cert_file",
		"security.tls.key_file",

		// Logging
		"logging.level",
		"logging.format",

		// Telemetry
		"telemetry.service_name",
		"telemetry.metrics.enabled",
		"telemetry.metrics.prometheus_port",
		"telemetry.profiling.enabled",
		"telemetry.profiling.port",
	}
	for _, key := range keys {
		if err := v.BindEnv(key); err != nil {
			return fmt.Errorf("failed to bind env var %q: %w", key, err)
		}
	}
	if err := v.BindEnv("security.encryption_key", "LAR_SECURITY_ENCRYPTION_KEY", "ENCRYPTION_KEY"); err != nil {
		return fmt.Errorf("failed to bind env var %q: %w", "security.encryption_key", err)
	}
	return nil
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/asset-repository")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Config file not found; use defaults and environment variables
	}

	v.SetEnvPrefix("LAR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := bindEnvVars(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	// Expand environment variables in sensitive fields
	cfg.Database.Password = expandEnv(cfg.Database.Password)
	cfg.Redis.Password = expandEnv(cfg.Redis.Password)
	cfg.Mirror.Azure.AccountKey = expandEnv(cfg.Mirror.Azure.AccountKey)
	cfg.Mirror.S3.AccessKeyID = expandEnv(cfg.Mirror.S3.AccessKeyID)
	cfg.Mirror.S3.SecretAccessKey = expandEnv(cfg.Mirror.S3.SecretAccessKey)
	cfg.Auth.JWTSecret = expandEnv(cfg.Auth.JWTSecret)
	cfg.Security.EncryptionKey = expandEnv(cfg.Security.EncryptionKey)
	for k, val := range cfg.Webhook.Headers {
		cfg.Webhook.Headers[k] = expandEnv(val)
	}

	if cfg.Repository.SiteIdentity == "" {
		cfg.Repository.SiteIdentity = cfg.Server.BaseURL
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.base_url", "http://localhost:8080")
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "120s")

	// Repository defaults
	v.SetDefault("repository.plugins_dir", "./wp-content/plugins")
	v.SetDefault("repository.themes_dir", "./wp-content/themes")
	v.SetDefault("repository.download_dir", "./asset-repository")
	v.SetDefault("repository.log_file", "update-log.json")
	v.SetDefault("repository.site_identity", "")
	v.SetDefault("repository.timezone", "UTC")
	v.SetDefault("repository.build_on_start", false)

	// Store defaults
	v.SetDefault("store.backend", "memory")

	// Database defaults
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.name", "asset_repository")
	v.SetDefault("database.user", "assets")
	v.SetDefault("database.ssl_mode", "require")
	v.SetDefault("database.max_connections", 10)
	v.SetDefault("database.min_idle_connections", 2)

	// Redis defaults
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.key_prefix", "lar:")

	// Mirror defaults
	v.SetDefault("mirror.enabled", false)
	v.SetDefault("mirror.backend", "local")
	v.SetDefault("mirror.local.base_path", "./asset-mirror")
	v.SetDefault("mirror.s3.auth_method", "default")
	v.SetDefault("mirror.gcs.auth_method", "default")

	// Auth defaults
	v.SetDefault("auth.jwt_expiry", "1h")

	// Delivery defaults
	v.SetDefault("delivery.allow_untokenized", true)

	// Webhook defaults
	v.SetDefault("webhook.url", "")
	v.SetDefault("webhook.timeout", "10s")
	v.SetDefault("webhook.queue_size", 100)
	v.SetDefault("webhook.max_retries", 3)

	// Watcher / job defaults
	v.SetDefault("watcher.enabled", false)
	v.SetDefault("watcher.debounce", "2s")
	v.SetDefault("jobs.regenerate_interval", "0s")
	v.SetDefault("jobs.event_queue_size", 64)

	// Security defaults
	v.SetDefault("security.cors.allowed_origins", []string{"*"})
	v.SetDefault("security.cors.allowed_methods", []string{"GET", "POST", "OPTIONS"})
	v.SetDefault("security.rate_limiting.enabled", true)
	v.SetDefault("security.rate_limiting.requests_per_minute", 60)
	v.SetDefault("security.rate_limiting.burst", 10)
	v.SetDefault("security.rate_limiting.distributed", false)
	v.SetDefault("security.tls.enabled", false)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	// Telemetry defaults
	v.SetDefault("telemetry.service_name", "asset-repository")
	v.SetDefault("telemetry.metrics.enabled", true)
	v.SetDefault("telemetry.metrics.prometheus_port", 9090)
	v.SetDefault("telemetry.profiling.enabled", false)
	v.SetDefault("telemetry.profiling.port", 6060)
}

// expandEnv expands environment variables in the format ${VAR_NAME}
func expandEnv(s string) string {
	return os.ExpandEnv(s)
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Server.BaseURL == "" {
		return fmt.Errorf("server.base_url is required")
	}

	if c.Repository.DownloadDir == "" {
		return fmt.Errorf("repository.download_dir is required")
	}
	if c.Repository.PluginsDir == "" && c.Repository.ThemesDir == "" {
		return fmt.Errorf("at least one of repository.plugins_dir or repository.themes_dir is required")
	}
	if c.Repository.LogFile == "" {
		return fmt.Errorf("repository.log_file is required")
	}
	if _, err := time.LoadLocation(c.Repository.Timezone); err != nil {
		return fmt.Errorf("invalid repository.timezone %q: %w", c.Repository.Timezone, err)
	}

	validStores := map[string]bool{"memory": true, "postgres": true, "redis": true}
	if !validStores[c.Store.Backend] {
		return fmt.Errorf("invalid store backend: %s (must be memory, postgres, or redis)", c.Store.Backend)
	}
	if c.Store.Backend == "postgres" {
		if c.Database.Host == "" {
			return fmt.Errorf("database.host is required when using the postgres store")
		}
		if c.Database.Name == "" {
			return fmt.Errorf("database.name is required when using the postgres store")
		}
		if c.Database.User == "" {
			return fmt.Errorf("database.user is required when using the postgres store")
		}
	}
	if (c.Store.Backend == "redis" || c.Security.RateLimiting.Distributed) && c.Redis.Addr == "" {
		return fmt.Errorf("redis.addr is required when redis is in use")
	}

	if c.Mirror.Enabled {
		if err := c.Mirror.validate(); err != nil {
			return err
		}
	}

	if c.Security.TLS.Enabled {
		if c.Security.TLS.CertFile == "" {
			return fmt.Errorf("security.tls.cert_file is required when TLS is enabled")
		}
		if c.Security.TLS.KeyFile == "" {
			return fmt.Errorf("security.tls.key_file is required when TLS is enabled")
		}
	}

	if c.Webhook.URL != "" && c.Webhook.QueueSize < 1 {
		return fmt.Errorf("webhook.queue_size must be positive")
	}
	if c.Jobs.RegenerateInterval < 0 {
		return fmt.Errorf("jobs.regenerate_interval must not be negative")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid logging level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}

	return nil
}

func (m *MirrorConfig) validate() error {
	switch m.Backend {
	case "azure":
		if m.Azure.AccountName == "" {
			return fmt.Errorf("mirror.azure.account_name is required when using Azure backend")
		}
		if m.Azure.AccountKey == "" {
			return fmt.Errorf("mirror.azure.account_key is required when using Azure backend")
		}
		if m.Azure.ContainerName == "" {
			return fmt.Errorf("mirror.azure.container_name is required when using Azure backend")
		}
	case "s3":
		if m.S3.Bucket == "" {
			return fmt.Errorf("mirror.s3.bucket is required when using S3 backend")
		}
		if m.S3.Region == "" {
			return fmt.Errorf("mirror.s3.region is required when using S3 backend")
		}
	case "gcs":
		if m.GCS.Bucket == "" {
			return fmt.Errorf("mirror.gcs.bucket is required when using GCS backend")
		}
	case "local":
		if m.Local.BasePath == "" {
			return fmt.Errorf("mirror.local.base_path is required when using local backend")
		}
	default:
		return fmt.Errorf("invalid mirror backend: %s (must be azure, s3, gcs, or local)", m.Backend)
	}
	return nil
}

// GetDSN returns the PostgreSQL connection string
func (c *DatabaseConfig) GetDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode,
	)
}

// GetAddress returns the server address in host:port format
func (c *ServerConfig) GetAddress() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
