package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds environment-driven settings for the overwatch core.
type Config struct {
	Port string

	// Database
	DBPath string

	// Auth
	JWTSecret string
	// Base64 encoded 32-byte key; when set bot api secrets are encrypted at rest.
	SecretEncryptionKey string

	// Price oracle
	OracleTimeout  time.Duration
	OracleCacheTTL time.Duration

	// Enrichment
	EnrichWorkers   int
	EnrichQueueSize int
	SweepInterval   time.Duration
	SweepBatch      int

	// Metrics defaults
	ChartDays []int

	// Fleet seed file (yaml), optional
	BotsFile string

	// HTTP limits
	RateLimitRPS   float64
	RateLimitBurst int
	RequestTimeout time.Duration

	LogLevel string
}

// Load reads environment variables (optionally via .env) into Config.
func Load() (*Config, error) {
	// Ignore error so the app still starts when .env is missing.
	_ = godotenv.Load()

	dbPath := getEnv("DB_PATH", "")
	if dbPath == "" {
		dbPath = getEnv("DATABASE_PATH", "./data/overwatch.db")
	}

	return &Config{
		Port:                getEnv("PORT", "8080"),
		DBPath:              dbPath,
		JWTSecret:           getEnv("JWT_SECRET", "dev-secret"),
		SecretEncryptionKey: os.Getenv("SECRET_ENCRYPTION_KEY"),
		OracleTimeout:       getEnvDuration("ORACLE_TIMEOUT", 5*time.Second),
		OracleCacheTTL:      getEnvDuration("ORACLE_CACHE_TTL", 30*time.Second),
		EnrichWorkers:       getEnvInt("ENRICH_WORKERS", 4),
		EnrichQueueSize:     getEnvInt("ENRICH_QUEUE_SIZE", 1024),
		SweepInterval:       getEnvDuration("SWEEP_INTERVAL", time.Minute),
		SweepBatch:          getEnvInt("SWEEP_BATCH", 200),
		ChartDays:           splitInts(getEnv("CHART_DAYS", "1,3,7,14,30")),
		BotsFile:            getEnv("BOTS_FILE", ""),
		RateLimitRPS:        getEnvFloat("RATE_LIMIT_RPS", 20),
		RateLimitBurst:      getEnvInt("RATE_LIMIT_BURST", 50),
		RequestTimeout:      getEnvDuration("REQUEST_TIMEOUT", 30*time.Second),
		LogLevel:            strings.ToLower(getEnv("LOG_LEVEL", "info")),
	}, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func splitAndTrim(val string) []string {
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func splitInts(val string) []int {
	var out []int
	for _, p := range splitAndTrim(val) {
		if i, err := strconv.Atoi(p); err == nil && i > 0 {
			out = append(out, i)
		}
	}
	return out
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

// getEnvDuration accepts Go duration strings ("5s") or plain seconds ("5").
func getEnvDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	return def
}
