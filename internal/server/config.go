package server

import (
	"os"
	"strconv"
	"time"
)

// Config holds server configuration from environment variables.
type Config struct {
	Port     string
	GRPCPort string
	NatsURL  string
	LogLevel string

	Timezone    string
	AuditDir    string
	AliasesFile string

	S3Endpoint  string
	S3AccessKey string
	S3SecretKey string
	S3Bucket    string
	S3Prefix    string
	S3UseSSL    bool

	DatabaseURL      string
	DBConnectTimeout time.Duration

	EnrichmentURL     string
	EnrichmentTimeout time.Duration

	// LockMode is "local" for a single replica or "nats" for a lease
	// shared through the locks bucket.
	LockMode     string
	LockLeaseTTL time.Duration

	StartupCatchUp  bool
	HealthCheckSpec string

	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
}

// LoadConfig reads configuration from environment variables with defaults.
func LoadConfig() Config {
	return Config{
		Port:     getEnv("POPULATOR_PORT", "8080"),
		GRPCPort: getEnv("POPULATOR_GRPC_PORT", "9090"),
		NatsURL:  getEnv("NATS_URL", "nats://localhost:4222"),
		LogLevel: getEnv("LOG_LEVEL", "info"),

		Timezone:    getEnv("POPULATOR_TIMEZONE", "America/Los_Angeles"),
		AuditDir:    getEnv("AUDIT_DIR", "./audit_data"),
		AliasesFile: getEnv("FIELD_ALIASES_FILE", ""),

		S3Endpoint:  getEnv("S3_ENDPOINT", "s3.amazonaws.com"),
		S3AccessKey: getEnv("S3_ACCESS_KEY", ""),
		S3SecretKey: getEnv("S3_SECRET_KEY", ""),
		S3Bucket:    getEnv("S3_BUCKET", ""),
		S3Prefix:    getEnv("S3_PREFIX", "scans"),
		S3UseSSL:    getEnvBool("S3_USE_SSL", true),

		DatabaseURL:      getEnv("DATABASE_URL", ""),
		DBConnectTimeout: getEnvDuration("DB_CONNECT_TIMEOUT", 20*time.Second),

		EnrichmentURL:     getEnv("ENRICHMENT_URL", ""),
		EnrichmentTimeout: getEnvDuration("ENRICHMENT_TIMEOUT", 10*time.Minute),

		LockMode:     getEnv("LOCK_MODE", "local"),
		LockLeaseTTL: getEnvDuration("LOCK_LEASE_TTL", 6*time.Hour),

		StartupCatchUp:  getEnvBool("STARTUP_CATCHUP", true),
		HealthCheckSpec: getEnv("HEALTH_CHECK_SCHEDULE", "*/30 * * * *"),

		ReadTimeout:     getEnvDuration("HTTP_READ_TIMEOUT", 30*time.Second),
		WriteTimeout:    getEnvDuration("HTTP_WRITE_TIMEOUT", 10*time.Minute),
		IdleTimeout:     getEnvDuration("HTTP_IDLE_TIMEOUT", 2*time.Minute),
		ShutdownTimeout: getEnvDuration("SHUTDOWN_TIMEOUT", 30*time.Second),
	}
}

func getEnv(key, defaultVal string) string {
	if val, ok := os.LookupEnv(key); ok {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val, ok := os.LookupEnv(key); ok {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return defaultVal
}

// getEnvDuration accepts Go durations ("20s") or a bare number of seconds.
func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val, ok := os.LookupEnv(key); ok {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
		if n := getEnvInt(key, -1); n >= 0 {
			return time.Duration(n) * time.Second
		}
	}
	return defaultVal
}
