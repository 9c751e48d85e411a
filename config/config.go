package config

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// State store kinds.
const (
	StoreNone     = "none"
	StorePostgres = "postgres"
	StoreRedis    = "redis"
	StoreSQLite   = "sqlite"
)

// Config represents the complete application configuration
type Config struct {
	Server        ServerConfig
	Policy        PolicyConfig
	Monitor       MonitorConfig
	State         StateConfig
	Database      DatabaseConfig
	Redis         RedisConfig
	SQLite        SQLiteConfig
	Backends      BackendsConfig
	Alerts        AlertsConfig
	Auth          AuthConfig
	Observability ObservabilityConfig
	Environment   string
	Version       string
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string
	Port            int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	AllowedOrigins  []string
}

// PolicyConfig locates the routing policy document.
type PolicyConfig struct {
	Path  string
	Watch bool
}

// MonitorConfig holds performance monitor thresholds.
type MonitorConfig struct {
	LatencyP95Ms      float64
	ErrorRate         float64
	ErrorRateCritical float64
	QualityMin        float64
	SampleCap         int
	DedupWindow       time.Duration
}

// StateConfig selects where monitor snapshots are persisted.
type StateConfig struct {
	Store        string // none, postgres, redis or sqlite
	SnapshotSpec string // cron spec for periodic saves
}

// DatabaseConfig holds PostgreSQL database configuration.
// When ConnectionString (from DATABASE_URL) is set, it takes precedence over individual fields.
type DatabaseConfig struct {
	ConnectionString string // From DATABASE_URL when set
	Host             string
	Port             int
	User             string
	Password         string
	Database         string
	SSLMode          string
	MaxOpenConns     int
	MaxIdleConns     int
	ConnMaxLifetime  time.Duration
}

// RedisConfig holds redis connection settings for the state store.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Key      string
}

// SQLiteConfig holds the sqlite state store location.
type SQLiteConfig struct {
	Path string
}

// BackendsConfig holds model backend defaults.
type BackendsConfig struct {
	OllamaEndpoint   string
	OpenAIAPIKey     string
	OpenAIBaseURL    string
	AnthropicAPIKey  string
	AnthropicBaseURL string
	RequestTimeout   time.Duration
	HealthTimeout    time.Duration
	CatalogTTL       time.Duration
}

// AlertsConfig holds alert dispatcher settings. NATS is optional.
type AlertsConfig struct {
	BufferSize  int
	WorkerCount int
	NATSURL     string
	NATSSubject string
}

// AuthConfig holds admin token verification settings.
type AuthConfig struct {
	AdminJWTSecret string
	Issuer         string
}

// ObservabilityConfig holds monitoring and logging configuration
type ObservabilityConfig struct {
	LogLevel          string
	LogFormat         string // json or console
	MetricsEnabled    bool
	TracingEnabled    bool
	TracingSampleRate float64
}

// New creates a new Config instance by loading environment variables
func New(ctx context.Context) (*Config, error) {
	_ = godotenv.Load(".env")

	cfg := &Config{
		Environment: getEnv("ENVIRONMENT", "development"),
		Version:     getEnv("VERSION", "dev"),
		Server: ServerConfig{
			Host:            getEnv("SERVER_HOST", "0.0.0.0"),
			Port:            getPort(),
			ReadTimeout:     getEnvAsDuration("SERVER_READ_TIMEOUT", 30*time.Second),
			WriteTimeout:    getEnvAsDuration("SERVER_WRITE_TIMEOUT", 180*time.Second),
			ShutdownTimeout: getEnvAsDuration("SERVER_SHUTDOWN_TIMEOUT", 10*time.Second),
			AllowedOrigins:  getEnvAsList("CORS_ALLOWED_ORIGINS", []string{"http://localhost:3000"}),
		},
		Policy: PolicyConfig{
			Path:  getEnv("POLICY_PATH", "config/models.yaml"),
			Watch: getEnvAsBool("POLICY_WATCH", true),
		},
		Monitor: MonitorConfig{
			LatencyP95Ms:      getEnvAsFloat("MONITOR_LATENCY_P95_MS", 5000),
			ErrorRate:         getEnvAsFloat("MONITOR_ERROR_RATE", 0.1),
			ErrorRateCritical: getEnvAsFloat("MONITOR_ERROR_RATE_CRITICAL", 0.2),
			QualityMin:        getEnvAsFloat("MONITOR_QUALITY_MIN", 0.7),
			SampleCap:         getEnvAsInt("MONITOR_SAMPLE_CAP", 1000),
			DedupWindow:       getEnvAsDuration("MONITOR_DEDUP_WINDOW", 5*time.Minute),
		},
		State: StateConfig{
			Store:        strings.ToLower(getEnv("STATE_STORE", StoreNone)),
			SnapshotSpec: getEnv("STATE_SNAPSHOT_SPEC", "@every 5m"),
		},
		Database: loadDatabaseConfig(),
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
			Key:      getEnv("REDIS_STATE_KEY", "dispatch:monitor:state"),
		},
		SQLite: SQLiteConfig{
			Path: getEnv("SQLITE_PATH", "data/dispatch.db"),
		},
		Backends: BackendsConfig{
			OllamaEndpoint:   getEnv("OLLAMA_ENDPOINT", "http://localhost:11434"),
			OpenAIAPIKey:     getEnv("OPENAI_API_KEY", ""),
			OpenAIBaseURL:    getEnv("OPENAI_BASE_URL", ""),
			AnthropicAPIKey:  getEnv("ANTHROPIC_API_KEY", ""),
			AnthropicBaseURL: getEnv("ANTHROPIC_BASE_URL", ""),
			RequestTimeout:   getEnvAsDuration("BACKEND_REQUEST_TIMEOUT", 120*time.Second),
			HealthTimeout:    getEnvAsDuration("BACKEND_HEALTH_TIMEOUT", 2*time.Second),
			CatalogTTL:       getEnvAsDuration("BACKEND_CATALOG_TTL", time.Minute),
		},
		Alerts: AlertsConfig{
			BufferSize:  getEnvAsInt("ALERTS_BUFFER_SIZE", 1000),
			WorkerCount: getEnvAsInt("ALERTS_WORKERS", 2),
			NATSURL:     getEnv("NATS_URL", ""),
			NATSSubject: getEnv("NATS_ALERT_SUBJECT", "dispatch.alerts"),
		},
		Auth: AuthConfig{
			AdminJWTSecret: getEnv("ADMIN_JWT_SECRET", ""),
			Issuer:         getEnv("ADMIN_JWT_ISSUER", "dispatchd"),
		},
		Observability: ObservabilityConfig{
			LogLevel:          getEnv("LOG_LEVEL", "info"),
			LogFormat:         getEnv("LOG_FORMAT", "json"),
			MetricsEnabled:    getEnvAsBool("METRICS_ENABLED", true),
			TracingEnabled:    getEnvAsBool("TRACING_ENABLED", false),
			TracingSampleRate: getEnvAsFloat("TRACING_SAMPLE_RATE", 0.1),
		},
	}

	// Validate the configuration
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks if all required configuration fields are set
func (c *Config) Validate() error {
	switch c.State.Store {
	case StoreNone:
	case StorePostgres:
		if c.Database.ConnectionString == "" && c.Database.Host == "" {
			return fmt.Errorf("database configuration required: set DATABASE_URL or DB_HOST")
		}
		if c.Database.ConnectionString == "" {
			if c.Database.User == "" {
				return fmt.Errorf("database user is required")
			}
			if c.Database.Database == "" {
				return fmt.Errorf("database name is required")
			}
		}
	case StoreRedis:
		if c.Redis.Addr == "" {
			return fmt.Errorf("redis address is required")
		}
	case StoreSQLite:
		if c.SQLite.Path == "" {
			return fmt.Errorf("sqlite path is required")
		}
	default:
		return fmt.Errorf("unknown state store %q", c.State.Store)
	}

	if c.State.Store != StoreNone && c.State.SnapshotSpec == "" {
		return fmt.Errorf("snapshot schedule is required when a state store is configured")
	}

	if c.Policy.Path == "" {
		return fmt.Errorf("policy path is required")
	}

	if c.Monitor.ErrorRateCritical < c.Monitor.ErrorRate {
		return fmt.Errorf("critical error rate must not be below the warning error rate")
	}

	// Admin token secret (required in production)
	if c.IsProduction() && c.Auth.AdminJWTSecret == "" {
		return fmt.Errorf("admin JWT secret is required in production")
	}

	// Observability validation
	if c.Observability.LogLevel == "" {
		return fmt.Errorf("log level is required")
	}

	return nil
}

// IsProduction returns true if running in production environment
func (c *Config) IsProduction() bool {
	return c.Environment == "production" || c.Environment == "prod"
}

// IsDevelopment returns true if running in development environment
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development" || c.Environment == "dev"
}

// DSN returns the PostgreSQL connection string.
// Uses ConnectionString (from DATABASE_URL) when set; otherwise builds from individual fields.
func (c *DatabaseConfig) DSN() string {
	if c.ConnectionString != "" {
		return c.ConnectionString
	}
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// LogString returns a safe string for logging (no password). Parses ConnectionString when set.
func (c *DatabaseConfig) LogString() string {
	if c.ConnectionString != "" {
		u, err := url.Parse(c.ConnectionString)
		if err == nil {
			host := u.Hostname()
			port := u.Port()
			if port == "" {
				port = "5432"
			}
			db := strings.TrimPrefix(u.Path, "/")
			return fmt.Sprintf("host=%s port=%s database=%s", host, port, db)
		}
		return "host=<from DATABASE_URL>"
	}
	return fmt.Sprintf("host=%s port=%d database=%s", c.Host, c.Port, c.Database)
}

// loadDatabaseConfig loads database config from DATABASE_URL or DB_* env vars
func loadDatabaseConfig() DatabaseConfig {
	dbURL := getEnv("DATABASE_URL", "")
	if dbURL != "" {
		return DatabaseConfig{
			ConnectionString: dbURL,
			MaxOpenConns:     getEnvAsInt("DB_MAX_OPEN_CONNS", 5),
			MaxIdleConns:     getEnvAsInt("DB_MAX_IDLE_CONNS", 2),
			ConnMaxLifetime:  getEnvAsDuration("DB_CONN_MAX_LIFETIME", 5*time.Minute),
		}
	}
	return DatabaseConfig{
		Host:            getEnv("DB_HOST", "localhost"),
		Port:            getEnvAsInt("DB_PORT", 5432),
		User:            getEnv("DB_USER", "dispatch"),
		Password:        getEnv("DB_PASSWORD", ""),
		Database:        getEnv("DB_NAME", "dispatch"),
		SSLMode:         getEnv("DB_SSLMODE", "disable"),
		MaxOpenConns:    getEnvAsInt("DB_MAX_OPEN_CONNS", 5),
		MaxIdleConns:    getEnvAsInt("DB_MAX_IDLE_CONNS", 2),
		ConnMaxLifetime: getEnvAsDuration("DB_CONN_MAX_LIFETIME", 5*time.Minute),
	}
}

// Address returns the HTTP server address
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Helper functions

// getPort returns the server port from PORT or SERVER_PORT env vars (default: 8080)
func getPort() int {
	if value := os.Getenv("PORT"); value != "" {
		if p, err := strconv.Atoi(value); err == nil {
			return p
		}
	}
	if value := os.Getenv("SERVER_PORT"); value != "" {
		if p, err := strconv.Atoi(value); err == nil {
			return p
		}
	}
	return 8080
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsList(key string, defaultValue []string) []string {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(valueStr, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
