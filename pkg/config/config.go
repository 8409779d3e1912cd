package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds environment-driven settings for the trading control service.
type Config struct {
	Port     string
	Language string // log language: "en" or "zh"

	// Database
	DBDriver    string // "sqlite" (default) or "postgres"
	DBPath      string
	DatabaseURL string

	// Auth / secrets
	JWTSecret           string
	AdminAPIKey         string
	MasterEncryptionKey string

	// Research provider (ml-service behind gRPC)
	ResearchAddr    string
	ResearchMethod  string
	ResearchTimeout time.Duration

	// Notifications
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisChannel  string

	// Execution
	DryRun               bool
	DryRunInitialBalance float64
	DryRunSlippageBps    float64
	BinanceTestnet       bool
	QuoteAsset           string

	// Risk gate
	RiskCooldown           time.Duration
	RiskFailureThreshold   int
	RiskDefaultAdverseMove float64

	// Settings seed file (yaml)
	SettingsSeedFile string

	// API
	APIRateLimit float64 // requests per second per IP
	APIBurst     int
}

// Load reads environment variables (optionally via .env) into Config.
func Load() (*Config, error) {
	// Ignore error so the service still starts when .env is missing.
	_ = godotenv.Load()

	dbPath := getEnv("DB_PATH", "")
	if dbPath == "" {
		dbPath = getEnv("DATABASE_PATH", "./data/trading.db")
	}

	return &Config{
		Port:                   getEnv("PORT", "8080"),
		Language:               strings.ToLower(getEnv("LANGUAGE", "en")),
		DBDriver:               strings.ToLower(getEnv("DB_DRIVER", "sqlite")),
		DBPath:                 dbPath,
		DatabaseURL:            os.Getenv("DATABASE_URL"),
		JWTSecret:              getEnv("JWT_SECRET", "dev-secret"),
		AdminAPIKey:            os.Getenv("ADMIN_API_KEY"),
		MasterEncryptionKey:    os.Getenv("MASTER_ENCRYPTION_KEY"),
		ResearchAddr:           getEnv("RESEARCH_GRPC_ADDR", "localhost:50051"),
		ResearchMethod:         getEnv("RESEARCH_GRPC_METHOD", "/research.Research/Run"),
		ResearchTimeout:        getEnvDuration("RESEARCH_TIMEOUT", 3*time.Second),
		RedisAddr:              os.Getenv("REDIS_ADDR"),
		RedisPassword:          os.Getenv("REDIS_PASSWORD"),
		RedisDB:                getEnvInt("REDIS_DB", 0),
		RedisChannel:           getEnv("REDIS_CHANNEL", "trading:notifications"),
		DryRun:                 getEnvBool("DRY_RUN", true),
		DryRunInitialBalance:   getEnvFloat("DRY_RUN_INITIAL_BALANCE", 10000.0),
		DryRunSlippageBps:      getEnvFloat("DRY_RUN_SLIPPAGE_BPS", 2),
		BinanceTestnet:         getEnvBool("BINANCE_TESTNET", false),
		QuoteAsset:             strings.ToUpper(getEnv("QUOTE_ASSET", "USDT")),
		RiskCooldown:           getEnvDuration("RISK_COOLDOWN", 30*time.Minute),
		RiskFailureThreshold:   getEnvInt("RISK_FAILURE_THRESHOLD", 5),
		RiskDefaultAdverseMove: getEnvFloat("RISK_DEFAULT_ADVERSE_MOVE", 0.01),
		SettingsSeedFile:       getEnv("SETTINGS_SEED_FILE", ""),
		APIRateLimit:           getEnvFloat("API_RATE_LIMIT", 20),
		APIBurst:               getEnvInt("API_BURST", 40),
	}, nil
}

// DSN returns the data source for the configured driver.
func (c *Config) DSN() string {
	if c.DBDriver == "postgres" {
		return c.DatabaseURL
	}
	return c.DBPath
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
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

// getEnvDuration accepts Go duration strings ("30m") or plain milliseconds.
func getEnvDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if ms, err := strconv.Atoi(v); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	return def
}
