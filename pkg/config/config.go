package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

// Config holds all configuration for the migration service.
// Values come from config.yaml with environment variable overrides.
// Secrets (passwords) are only read from the environment.
type Config struct {
	// Server configuration
	BindAddr string `yaml:"bind_addr" env:"BIND_ADDR" env-default:"127.0.0.1"`
	Port     string `yaml:"port" env:"PORT" env-default:"3480"`
	Env      string `yaml:"env" env:"ENVIRONMENT" env-default:"local"`
	BaseURL  string `yaml:"base_url" env:"BASE_URL" env-default:""` // Auto-derived from Port if empty
	Version  string `yaml:"-"`

	Auth      AuthConfig      `yaml:"auth"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Storage   StorageConfig   `yaml:"storage"`
	SMTP      SMTPConfig      `yaml:"smtp"`
	Migration MigrationConfig `yaml:"migration"`
}

// AuthConfig holds authentication-related configuration.
type AuthConfig struct {
	// EnableVerification controls whether JWT signatures are validated.
	// Set to false for local development without an auth server.
	EnableVerification bool `yaml:"enable_verification" env:"AUTH_ENABLE_VERIFICATION" env-default:"true"`

	// JWKSEndpointsStr is a comma-separated list of issuer=jwks_url pairs.
	JWKSEndpointsStr string `yaml:"jwks_endpoints" env:"JWKS_ENDPOINTS" env-default:""`

	// JWKSEndpoints is the parsed map from JWKSEndpointsStr.
	JWKSEndpoints map[string]string `yaml:"-"`
}

// DatabaseConfig holds PostgreSQL database configuration.
type DatabaseConfig struct {
	Host           string `yaml:"host" env:"PGHOST" env-default:"localhost"`
	Port           int    `yaml:"port" env:"PGPORT" env-default:"5432"`
	User           string `yaml:"user" env:"PGUSER" env-default:"crm"`
	Password       string `yaml:"-" env:"PGPASSWORD"` // Secret - not in YAML
	Database       string `yaml:"database" env:"PGDATABASE" env-default:"crm"`
	MaxConnections int32  `yaml:"max_connections" env:"PGMAX_CONNECTIONS" env-default:"25"`
	SSLMode        string `yaml:"ssl_mode" env:"PGSSLMODE" env-default:"disable"`
}

// RedisConfig holds Redis configuration. An empty host disables Redis and
// progress events are only delivered to listeners on this instance.
type RedisConfig struct {
	Host     string `yaml:"host" env:"REDIS_HOST" env-default:""`
	Port     int    `yaml:"port" env:"REDIS_PORT" env-default:"6379"`
	Password string `yaml:"-" env:"REDIS_PASSWORD"` // Secret - not in YAML
	DB       int    `yaml:"db" env:"REDIS_DB" env-default:"0"`
}

// StorageConfig holds blob storage configuration for uploaded and result files.
type StorageConfig struct {
	RootDir string `yaml:"root_dir" env:"STORAGE_ROOT_DIR" env-default:"./data/files"`
	// PublicBaseURL prefixes stored file paths in links sent to users.
	// Defaults to BaseURL + "/files".
	PublicBaseURL string `yaml:"public_base_url" env:"STORAGE_PUBLIC_BASE_URL" env-default:""`
}

// SMTPConfig holds outbound email configuration.
// An empty host disables email delivery (notifications are logged instead).
type SMTPConfig struct {
	Host          string `yaml:"host" env:"SMTP_HOST" env-default:""`
	Port          int    `yaml:"port" env:"SMTP_PORT" env-default:"587"`
	User          string `yaml:"user" env:"SMTP_USER" env-default:""`
	Password      string `yaml:"-" env:"SMTP_PASSWORD"` // Secret - not in YAML
	From          string `yaml:"from" env:"SMTP_FROM" env-default:""`
	SkipTLSVerify bool   `yaml:"skip_tls_verify" env:"SMTP_SKIP_TLS_VERIFY" env-default:"false"`
}

// MigrationConfig holds the admission controller and worker settings.
type MigrationConfig struct {
	// MaxConcurrent is the ceiling of in-progress low-priority runs across all instances.
	MaxConcurrent int `yaml:"max_concurrent" env:"MIGRATION_MAX_CONCURRENT" env-default:"2"`

	// IdleTimeout is how long an in-progress run may go without a heartbeat
	// before the sweep marks it as failed. Must be well above HeartbeatInterval.
	IdleTimeout time.Duration `yaml:"idle_timeout" env:"MIGRATION_IDLE_TIMEOUT" env-default:"30m"`

	// HeartbeatInterval is how often a running migration refreshes its heartbeat
	// while a single row is taking long.
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval" env:"MIGRATION_HEARTBEAT_INTERVAL" env-default:"30s"`

	// PriorityGrace is how long a high-priority migration may sit config-completed
	// and unclaimed before the sweep submits it again.
	PriorityGrace time.Duration `yaml:"priority_grace" env:"MIGRATION_PRIORITY_GRACE" env-default:"1m"`

	// SweepInterval is how often idle runs are purged and the pending pool drained.
	SweepInterval time.Duration `yaml:"sweep_interval" env:"MIGRATION_SWEEP_INTERVAL" env-default:"1m"`

	// ChannelPrefix namespaces progress channels, e.g. "migrations:company".
	ChannelPrefix string `yaml:"channel_prefix" env:"MIGRATION_CHANNEL_PREFIX" env-default:"migrations"`

	// MigrationsPath is the directory holding the SQL schema migrations.
	MigrationsPath string `yaml:"migrations_path" env:"MIGRATIONS_PATH" env-default:"./migrations"`
}

// Load reads configuration from config.yaml with environment variable overrides.
// A missing config.yaml is not an error; defaults and env vars are used instead.
func Load(version string) (*Config, error) {
	return LoadFile("config.yaml", version)
}

// LoadFile reads configuration from the given YAML file with environment variable overrides.
func LoadFile(path, version string) (*Config, error) {
	cfg := &Config{
		Version: version,
	}

	if _, err := os.Stat(path); err == nil {
		if err := cleanenv.ReadConfig(path, cfg); err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", path, err)
		}
	} else {
		if err := cleanenv.ReadEnv(cfg); err != nil {
			return nil, fmt.Errorf("failed to read environment: %w", err)
		}
	}

	cfg.Auth.JWKSEndpoints = parseJWKSEndpoints(cfg.Auth.JWKSEndpointsStr)

	if err := cfg.Migration.validate(); err != nil {
		return nil, fmt.Errorf("invalid migration configuration: %w", err)
	}

	if cfg.BaseURL == "" {
		cfg.BaseURL = (&url.URL{
			Scheme: "http",
			Host:   "localhost:" + cfg.Port,
		}).String()
	}
	if cfg.Storage.PublicBaseURL == "" {
		cfg.Storage.PublicBaseURL = strings.TrimRight(cfg.BaseURL, "/") + "/files"
	}

	return cfg, nil
}

func (m *MigrationConfig) validate() error {
	if m.MaxConcurrent < 1 {
		return fmt.Errorf("max_concurrent must be at least 1, got %d", m.MaxConcurrent)
	}
	if m.IdleTimeout <= m.HeartbeatInterval {
		return fmt.Errorf("idle_timeout (%s) must be greater than heartbeat_interval (%s)",
			m.IdleTimeout, m.HeartbeatInterval)
	}
	if m.PriorityGrace < 0 {
		return fmt.Errorf("priority_grace must not be negative, got %s", m.PriorityGrace)
	}
	if m.SweepInterval <= 0 {
		return fmt.Errorf("sweep_interval must be positive")
	}
	return nil
}

// parseJWKSEndpoints parses "issuer1=url1,issuer2=url2" into a map.
func parseJWKSEndpoints(value string) map[string]string {
	endpoints := make(map[string]string)
	if value == "" {
		return endpoints
	}

	for _, pair := range strings.Split(value, ",") {
		issuer, jwksURL, ok := strings.Cut(pair, "=")
		if !ok {
			continue
		}
		endpoints[strings.TrimSpace(issuer)] = strings.TrimSpace(jwksURL)
	}
	return endpoints
}

// ConnectionString returns a PostgreSQL URL usable by both pgxpool and golang-migrate.
func (c *DatabaseConfig) ConnectionString() string {
	u := &url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.User, c.Password),
		Host:     fmt.Sprintf("%s:%d", ResolveHostForDocker(c.Host), c.Port),
		Path:     "/" + c.Database,
		RawQuery: "sslmode=" + url.QueryEscape(c.SSLMode),
	}
	return u.String()
}

// Addr returns the host:port address of the Redis server.
func (c *RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", ResolveHostForDocker(c.Host), c.Port)
}

// Enabled reports whether outbound email is configured.
func (c *SMTPConfig) Enabled() bool {
	return c.Host != "" && c.From != ""
}
