package config

import (
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Config holds all application configuration loaded from environment variables.
type Config struct {
	OutputDir        string
	ClientSecretPath string
	TokenPath        string
	ChannelIDs       string

	CaptureTimezone     string
	RollingLookbackDays int
	DefaultPageSize     int
	FallbackStartDate   string

	MaxRetries  int
	RateLimitMs int

	CatalogFile     string
	LedgerPath      string
	MetricsTextfile string

	PostgresDSN string

	MinioEndpoint  string
	MinioAccessKey string
	MinioSecretKey string
	MinioBucket    string
	MinioPrefix    string
	MinioUseSSL    bool

	ChannelURL string
	ChromeBin  string
}

// Load reads the .env file and returns a populated Config struct.
func Load() *Config {
	if err := godotenv.Load(); err != nil {
		log.Println("[config] No .env file found, falling back to system env vars")
	}

	return &Config{
		OutputDir:        getEnv("OUTPUT_DIR", "yta_outputs"),
		ClientSecretPath: getEnv("CLIENT_SECRET_PATH", "client_secret.json"),
		TokenPath:        getEnv("TOKEN_PATH", "token.json"),
		ChannelIDs:       getEnv("CHANNEL_IDS", "channel==MINE"),

		CaptureTimezone:     getEnv("CAPTURE_TIMEZONE", "UTC"),
		RollingLookbackDays: getEnvInt("ROLLING_LOOKBACK_DAYS", 30),
		DefaultPageSize:     getEnvInt("DEFAULT_PAGE_SIZE", 200),
		FallbackStartDate:   getEnv("FALLBACK_START_DATE", "2025-08-28"),

		MaxRetries:  getEnvInt("MAX_RETRIES", 3),
		RateLimitMs: getEnvInt("RATE_LIMIT_MS", 250),

		CatalogFile:     getEnv("CATALOG_FILE", ""),
		LedgerPath:      getEnv("LEDGER_PATH", ""),
		MetricsTextfile: getEnv("METRICS_TEXTFILE", ""),

		PostgresDSN: getEnv("POSTGRES_DSN", ""),

		MinioEndpoint:  getEnv("MINIO_ENDPOINT", ""),
		MinioAccessKey: getEnv("MINIO_ACCESS_KEY", ""),
		MinioSecretKey: getEnv("MINIO_SECRET_KEY", ""),
		MinioBucket:    getEnv("MINIO_BUCKET", "yta-archive"),
		MinioPrefix:    getEnv("MINIO_PREFIX", ""),
		MinioUseSSL:    getEnvBool("MINIO_USE_SSL", true),

		ChannelURL: getEnv("CHANNEL_URL", ""),
		ChromeBin:  getEnv("CHROME_BIN", ""),
	}
}

// ArchiveEnabled reports whether canonical tables should be copied to object storage.
func (c *Config) ArchiveEnabled() bool {
	return c.MinioEndpoint != "" && c.MinioAccessKey != "" && c.MinioSecretKey != ""
}

func getEnv(key, fallback string) string {
	if val := strings.TrimSpace(os.Getenv(key)); val != "" {
		return val
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if val := os.Getenv(key); val != "" {
		n, err := strconv.Atoi(strings.TrimSpace(val))
		if err == nil {
			return n
		}
		log.Printf("[config] Invalid int for %s=%q, using default %d", key, val, fallback)
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if val := os.Getenv(key); val != "" {
		b, err := strconv.ParseBool(strings.TrimSpace(val))
		if err == nil {
			return b
		}
		log.Printf("[config] Invalid bool for %s=%q, using default %t", key, val, fallback)
	}
	return fallback
}
