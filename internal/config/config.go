package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the gateway process
type Config struct {
	Environment string
	LogLevel    string

	Database DatabaseConfig
	Redis    RedisConfig
	Gateway  GatewayConfig
	Presence PresenceConfig
	API      APIConfig
}

// DatabaseConfig holds the hosted Postgres connection settings
type DatabaseConfig struct {
	// URL takes precedence over the discrete fields when set (hosted providers hand out a DSN).
	URL             string
	Host            string
	Port            int
	User            string
	Password        string
	Database        string
	SSLMode         string
	MaxConnections  int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	QueryTimeout    time.Duration
}

// DSN returns the lib/pq connection string
func (d DatabaseConfig) DSN() string {
	if d.URL != "" {
		return d.URL
	}
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.Database, d.SSLMode,
	)
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Enabled      bool
	Host         string
	Port         int
	Password     string
	DB           int
	PoolSize     int
	MinIdleConns int
}

// GatewayConfig holds websocket gateway configuration
type GatewayConfig struct {
	Port           int
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	PingInterval   time.Duration
	MaxConnections int
	MaxMessageSize int64
	SendBufferSize int
	JWTSecret      string
	AllowedOrigins []string
	EventStream    string
	ConsumerGroup  string
	ConsumerName   string
}

// PresenceConfig controls the presence write queue
type PresenceConfig struct {
	QueueSize    int
	WriteTimeout time.Duration
	MaxRetries   int
	RetryDelay   time.Duration
}

// APIConfig holds REST API configuration
type APIConfig struct {
	JWTSecret      string
	InternalToken  string
	RateLimitRPS   int
	AllowedOrigins []string
}

// Load reads configuration from the environment, loading a .env file first if present.
func Load() (*Config, error) {
	_ = godotenv.Load()

	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "gateway-1"
	}

	jwtSecret := getEnv("JWT_SECRET", "")
	origins := getEnvAsStringSlice("CORS_ORIGINS", []string{"http://localhost:3000"})

	cfg := &Config{
		Environment: getEnv("ENVIRONMENT", "development"),
		LogLevel:    getEnv("LOG_LEVEL", "info"),
		Database: DatabaseConfig{
			URL:             getEnv("DATABASE_URL", ""),
			Host:            getEnv("DB_HOST", "localhost"),
			Port:            getEnvAsInt("DB_PORT", 5432),
			User:            getEnv("DB_USER", "postgres"),
			Password:        getEnv("DB_PASSWORD", "postgres"),
			Database:        getEnv("DB_NAME", "postgres"),
			SSLMode:         getEnv("DB_SSL_MODE", "require"),
			MaxConnections:  getEnvAsInt("DB_MAX_CONNECTIONS", 10),
			MaxIdleConns:    getEnvAsInt("DB_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: getEnvAsDuration("DB_CONN_MAX_LIFETIME", 5*time.Minute),
			QueryTimeout:    getEnvAsDuration("DB_QUERY_TIMEOUT", 5*time.Second),
		},
		Redis: RedisConfig{
			Enabled:      getEnvAsBool("REDIS_ENABLED", false),
			Host:         getEnv("REDIS_HOST", "localhost"),
			Port:         getEnvAsInt("REDIS_PORT", 6379),
			Password:     getEnv("REDIS_PASSWORD", ""),
			DB:           getEnvAsInt("REDIS_DB", 0),
			PoolSize:     getEnvAsInt("REDIS_POOL_SIZE", 10),
			MinIdleConns: getEnvAsInt("REDIS_MIN_IDLE_CONNS", 2),
		},
		Gateway: GatewayConfig{
			Port:           getEnvAsInt("PORT", 8001),
			ReadTimeout:    getEnvAsDuration("WS_READ_TIMEOUT", 60*time.Second),
			WriteTimeout:   getEnvAsDuration("WS_WRITE_TIMEOUT", 10*time.Second),
			PingInterval:   getEnvAsDuration("WS_PING_INTERVAL", 30*time.Second),
			MaxConnections: getEnvAsInt("WS_MAX_CONNECTIONS", 10000),
			MaxMessageSize: int64(getEnvAsInt("WS_MAX_MESSAGE_SIZE", 8192)),
			SendBufferSize: getEnvAsInt("WS_SEND_BUFFER_SIZE", 256),
			JWTSecret:      jwtSecret,
			AllowedOrigins: origins,
			EventStream:    getEnv("REALTIME_EVENT_STREAM", "realtime.events"),
			// Each instance reads the whole stream, so the group is per host by default.
			ConsumerGroup:  getEnv("REALTIME_CONSUMER_GROUP", "realtime-gateway-"+hostname),
			ConsumerName:   getEnv("REALTIME_CONSUMER_NAME", hostname),
		},
		Presence: PresenceConfig{
			QueueSize:    getEnvAsInt("PRESENCE_QUEUE_SIZE", 1024),
			WriteTimeout: getEnvAsDuration("PRESENCE_WRITE_TIMEOUT", 3*time.Second),
			MaxRetries:   getEnvAsInt("PRESENCE_MAX_RETRIES", 3),
			RetryDelay:   getEnvAsDuration("PRESENCE_RETRY_DELAY", 100*time.Millisecond),
		},
		API: APIConfig{
			JWTSecret:      jwtSecret,
			InternalToken:  getEnv("INTERNAL_API_TOKEN", ""),
			RateLimitRPS:   getEnvAsInt("API_RATE_LIMIT_RPS", 50),
			AllowedOrigins: origins,
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Database.URL == "" && c.Database.Host == "" {
		return fmt.Errorf("DATABASE_URL or DB_HOST is required")
	}
	if c.Redis.Enabled && c.Redis.Host == "" {
		return fmt.Errorf("REDIS_HOST is required when REDIS_ENABLED is set")
	}
	// Without a secret the API trusts the X-User-ID header, and without a
	// token the internal routes are open. Both are for local development only.
	if c.Environment == "production" {
		if c.Gateway.JWTSecret == "" {
			return fmt.Errorf("JWT_SECRET is required in production")
		}
		if c.API.InternalToken == "" {
			return fmt.Errorf("INTERNAL_API_TOKEN is required in production")
		}
	}
	if c.Gateway.Port <= 0 {
		return fmt.Errorf("PORT must be positive")
	}
	if c.Gateway.SendBufferSize <= 0 {
		return fmt.Errorf("WS_SEND_BUFFER_SIZE must be positive")
	}
	if c.Gateway.PingInterval >= c.Gateway.ReadTimeout {
		return fmt.Errorf("WS_PING_INTERVAL must be shorter than WS_READ_TIMEOUT")
	}
	if c.Presence.QueueSize <= 0 {
		return fmt.Errorf("PRESENCE_QUEUE_SIZE must be positive")
	}
	if c.Presence.MaxRetries < 1 {
		return fmt.Errorf("PRESENCE_MAX_RETRIES must be at least 1")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	intValue, err := strconv.Atoi(value)
	if err != nil {
		return defaultValue
	}
	return intValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	boolValue, err := strconv.ParseBool(value)
	if err != nil {
		return defaultValue
	}
	return boolValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	duration, err := time.ParseDuration(value)
	if err != nil {
		return defaultValue
	}
	return duration
}

func getEnvAsStringSlice(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parts := strings.Split(value, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			result = append(result, trimmed)
		}
	}
	if len(result) == 0 {
		return defaultValue
	}
	return result
}
