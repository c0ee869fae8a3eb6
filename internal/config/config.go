// Package config reads process settings from the environment.
package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"

	"libraryapi/internal/blob"

	"github.com/joho/godotenv"
)

var ErrMissing = errors.New("missing required environment variable")

type Config struct {
	Addr            string
	DatabaseDSN     string
	DBTimeout       time.Duration
	JWTSecret       string
	ShutdownTimeout time.Duration
	// DevUsers seeds the in-memory store as "id:username:role,...".
	DevUsers        string

	Blob blob.Config

	BatchSize   int
	Workers     int
	MaxRetries  int
	RetryBase   time.Duration
	MaxUploadMB int64
	// IngestLease is how long a run stays claimed by an instance without a heartbeat.
	IngestLease time.Duration

	LoanPeriod time.Duration

	NotifyFrom    string
	NotifyTimeout time.Duration

	EnrichSchedule     string
	EnrichBatchSize    int
	AWSAssociateID     string
	OpenLibraryAgent   string
	OpenLibraryRPS     int
	OpenLibraryRetries int

	RateLimitRPS   float64
	RateLimitBurst int
}

// LoadEnvFiles reads .env and .env.local. Variables already set by the runtime win.
func LoadEnvFiles() {
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")
}

// Load builds a Config from the environment. An empty DB_DSN selects the
// in-memory store.
func Load() (Config, error) {
	cfg := Config{
		Addr:            getEnv("APP_ADDR", ":8080"),
		DatabaseDSN:     getEnv("DB_DSN", ""),
		DBTimeout:       getEnvDuration("DB_TIMEOUT", 5*time.Second),
		JWTSecret:       getEnv("JWT_SECRET", ""),
		ShutdownTimeout: getEnvDuration("SHUTDOWN_TIMEOUT", 15*time.Second),
		DevUsers:        getEnv("DEV_USERS", ""),

		Blob: blob.Config{
			Driver: blob.Driver(getEnv("BLOB_DRIVER", "fs")),
			FSRoot: getEnv("BLOB_FS_ROOT", "uploads"),
			S3: blob.S3Config{
				Bucket:    getEnv("BLOB_S3_BUCKET", ""),
				Region:    getEnv("BLOB_S3_REGION", "us-east-1"),
				Endpoint:  getEnv("BLOB_S3_ENDPOINT", ""),
				PathStyle: getEnvBool("BLOB_S3_PATH_STYLE", false),
			},
		},

		BatchSize:   getEnvInt("INGEST_BATCH_SIZE", 100),
		Workers:     getEnvInt("INGEST_WORKERS", 2),
		MaxRetries:  getEnvInt("INGEST_MAX_RETRIES", 3),
		RetryBase:   getEnvDuration("INGEST_RETRY_BASE", time.Minute),
		MaxUploadMB: int64(getEnvInt("INGEST_MAX_UPLOAD_MB", 32)),
		IngestLease: getEnvDuration("INGEST_LEASE", 2*time.Minute),

		LoanPeriod: getEnvDuration("LOAN_PERIOD", 14*24*time.Hour),

		NotifyFrom:    getEnv("NOTIFY_FROM", "library@localhost"),
		NotifyTimeout: getEnvDuration("NOTIFY_TIMEOUT", 30*time.Second),

		EnrichSchedule:     getEnv("ENRICH_SCHEDULE", "@daily"),
		EnrichBatchSize:    getEnvInt("ENRICH_BATCH_SIZE", 500),
		AWSAssociateID:     getEnv("AWS_ASSOCIATE_ID", ""),
		OpenLibraryAgent:   getEnv("OPENLIBRARY_USER_AGENT", "libraryapi/1.0"),
		OpenLibraryRPS:     getEnvInt("OPENLIBRARY_RPS", 1),
		OpenLibraryRetries: getEnvInt("OPENLIBRARY_RETRIES", 3),

		RateLimitRPS:   getEnvFloat("RATE_LIMIT_RPS", 10),
		RateLimitBurst: getEnvInt("RATE_LIMIT_BURST", 20),
	}

	if cfg.JWTSecret == "" {
		return Config{}, errors.Join(ErrMissing, errors.New("JWT_SECRET"))
	}
	return cfg, nil
}

func getEnv(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	switch strings.ToLower(v) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

func getEnvInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return i
}

func getEnvFloat(key string, def float64) float64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}
