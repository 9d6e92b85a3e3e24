package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Config holds application configuration.
type Config struct {
	AppName       string
	AppVersion    string
	Environment   string
	HTTPPort      string
	AuthJWTSecret string
	NodeID        int64

	OTLPEndpoint  string
	OTLPProtocol  string
	TracingEnable bool

	DBType            string
	DBHost            string
	DBPort            string
	DBName            string
	DBUser            string
	DBPassword        string
	DBSSLMode         string
	DBPath            string
	DBMaxIdleConn     int
	DBMaxOpenConn     int
	DBConnMaxLifetime int
	DBConnMaxIdleTime int
	MigrateOnStart    bool

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	Escrow    EscrowConfig
	RateLimit RateLimitConfig
}

// RateLimitConfig throttles action requests per actor through redis.
type RateLimitConfig struct {
	Enabled     bool
	ActionRate  float64
	ActionBurst int
}

type EscrowConfig struct {
	MaxRetries          int
	DisputeSource       string
	NotificationSink    string
	NotificationChannel string
	AuditEnabled        bool
}

const (
	DisputeSourceSQL    = "sql"
	DisputeSourceStatic = "static"

	NotificationSinkRedis = "redis"
	NotificationSinkLog   = "log"
)

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	cfg := Config{
		AppName:       getenv("APP_SERVICE", "escrow"),
		AppVersion:    getenv("APP_VERSION", "0.1.0"),
		Environment:   getenv("ENVIRONMENT", "development"),
		HTTPPort:      getenv("HTTP_PORT", "8080"),
		AuthJWTSecret: strings.TrimSpace(getenv("AUTH_JWT_SECRET", "")),
		NodeID:        getenvInt64("SNOWFLAKE_NODE", 1),
		OTLPEndpoint:  getenv("OTLP_ENDPOINT", "localhost:4317"),
		OTLPProtocol:  strings.ToLower(getenv("OTLP_PROTOCOL", "grpc")),
		TracingEnable: getenvBool("TRACING_ENABLED", false),

		DBType:            getenv("DATABASE_TYPE", "postgres"),
		DBHost:            getenv("DATABASE_HOST", "localhost"),
		DBPort:            getenv("DATABASE_PORT", "5432"),
		DBName:            getenv("DATABASE_NAME", "escrow"),
		DBUser:            getenv("DATABASE_USER", "postgres"),
		DBPassword:        getenv("DATABASE_PASSWORD", ""),
		DBSSLMode:         getenv("DATABASE_SSLMODE", "disable"),
		DBPath:            getenv("DATABASE_PATH", "escrow.db"),
		DBMaxIdleConn:     getenvInt("DATABASE_MAX_IDLE_CONN", 10),
		DBMaxOpenConn:     getenvInt("DATABASE_MAX_OPEN_CONN", 50),
		DBConnMaxLifetime: getenvInt("DATABASE_CONN_MAX_LIFETIME", 300),
		DBConnMaxIdleTime: getenvInt("DATABASE_CONN_MAX_IDLE_TIME", 60),
		MigrateOnStart:    getenvBool("MIGRATE_ON_START", true),

		RedisAddr:     getenv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: getenv("REDIS_PASSWORD", ""),
		RedisDB:       getenvInt("REDIS_DB", 0),

		Escrow: EscrowConfig{
			MaxRetries:          getenvInt("ESCROW_MAX_RETRIES", 3),
			DisputeSource:       strings.ToLower(getenv("ESCROW_DISPUTE_SOURCE", DisputeSourceSQL)),
			NotificationSink:    strings.ToLower(getenv("ESCROW_NOTIFICATION_SINK", NotificationSinkLog)),
			NotificationChannel: getenv("ESCROW_NOTIFICATION_CHANNEL", "escrow.notifications"),
			AuditEnabled:        getenvBool("ESCROW_AUDIT_ENABLED", true),
		},
	}
	cfg.RateLimit = RateLimitConfig{
		Enabled:     getenvBool("RATE_LIMIT_ENABLED", false),
		ActionRate:  getenvFloat("RATE_LIMIT_ACTION_RATE", 5),
		ActionBurst: getenvInt("RATE_LIMIT_ACTION_BURST", 10),
	}
	if cfg.Escrow.MaxRetries < 1 {
		cfg.Escrow.MaxRetries = 1
	}

	return cfg
}

// NeedsRedis reports whether any configured component talks to redis.
func (c Config) NeedsRedis() bool {
	return c.Escrow.NotificationSink == NotificationSinkRedis || c.RateLimit.Enabled
}

func (c Config) IsProduction() bool {
	return c.Environment == "production"
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvBool(key string, def bool) bool {
	value := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if value == "" {
		return def
	}
	switch value {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return def
	}
}

func getenvInt(key string, def int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return def
	}
	return parsed
}

func getenvInt64(key string, def int64) int64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return def
	}
	return parsed
}

func getenvFloat(key string, def float64) float64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return def
	}
	return parsed
}
