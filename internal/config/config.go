// Package config provides configuration loading for the field collection service.
// It handles environment variable parsing and provides default values for all settings.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// init loads environment variables from .env files during package initialization.
// godotenv.Load does not override variables that are already set, so the
// process environment always takes precedence over the files.
func init() {
	// Load .env file if it exists (for shared development config)
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: failed to load .env file: %v\n", err)
		}
	}

	// Load .env.local if it exists (for local overrides, gitignored)
	if _, err := os.Stat(".env.local"); err == nil {
		if err := godotenv.Load(".env.local"); err != nil {
			fmt.Fprintf(os.Stderr, "warning: failed to load .env.local file: %v\n", err)
		}
	}
}

// Store backends.
const (
	StoreMemory   = "memory"
	StoreSQLite   = "sqlite"
	StorePostgres = "postgres"
)

// Remote backends. An empty Remote runs the session without remote storage.
const (
	RemoteNone  = ""
	RemoteS3    = "s3"
	RemoteDrive = "drive"
)

// Config captures environment-driven settings for the collection service.
type Config struct {
	Env         string // Deployment environment (dev, staging, prod)
	Port        string // HTTP server port
	DatasetPath string // Property dataset, JSON or point shapefile

	Store       string // Key-value backend: memory, sqlite or postgres
	SQLitePath  string // Database file for the sqlite backend
	DatabaseDSN string // Connection string for the postgres backend

	NATSURL string // NATS server URL; empty disables event streaming

	Remote      string // Remote storage backend: s3, drive or empty
	FolderID    string // Remote folder (S3 key prefix or Drive folder id)
	S3Endpoint  string // S3-compatible storage endpoint
	S3Region    string // S3 region
	S3Bucket    string // S3 bucket name
	S3AccessKey string // S3 access key
	S3SecretKey string // S3 secret key
	DriveURL    string // Drive API base URL

	TokenURL     string // OAuth2 token endpoint; empty means tokens are supplied by the operator
	ClientID     string // OAuth2 client id
	ClientSecret string // OAuth2 client secret

	GPSTimeout       time.Duration // Bound on each capture-time fix
	AutoAdvanceDelay time.Duration // Pause after a successful upload

	// Photo limits
	MaxPhotoSize     int64    // Maximum photo size in bytes
	AllowedMimeTypes []string // Accepted photo content types
}

// Default configuration values used when environment variables are not set
const (
	defaultEnv              = "dev"
	defaultPort             = "8080"
	defaultStore            = StoreMemory
	defaultSQLitePath       = "fieldcollect.db"
	defaultS3Region         = "us-east-1"
	defaultGPSTimeout       = 10 * time.Second
	defaultAutoAdvanceDelay = 2 * time.Second
	defaultMaxPhotoSize     = 15 * 1024 * 1024
)

// Load reads environment variables and produces a Config suitable for wiring the service.
// Returns an error if required parameters are missing or invalid.
func Load() (Config, error) {
	cfg := Config{
		Env:         getEnv("COLLECT_ENV", defaultEnv),
		Port:        getEnv("COLLECT_PORT", defaultPort),
		DatasetPath: getEnv("COLLECT_DATASET_PATH", ""),

		Store:       strings.ToLower(getEnv("COLLECT_STORE", defaultStore)),
		SQLitePath:  getEnv("COLLECT_SQLITE_PATH", defaultSQLitePath),
		DatabaseDSN: getEnv("COLLECT_DB_DSN", ""),

		NATSURL: getEnv("COLLECT_NATS_URL", ""),

		Remote:      strings.ToLower(getEnv("COLLECT_REMOTE", RemoteNone)),
		FolderID:    getEnv("COLLECT_FOLDER_ID", ""),
		S3Endpoint:  getEnv("COLLECT_S3_ENDPOINT", ""),
		S3Region:    getEnv("COLLECT_S3_REGION", defaultS3Region),
		S3Bucket:    getEnv("COLLECT_S3_BUCKET", ""),
		S3AccessKey: getEnv("COLLECT_S3_ACCESS_KEY", ""),
		S3SecretKey: getEnv("COLLECT_S3_SECRET_KEY", ""),
		DriveURL:    getEnv("COLLECT_DRIVE_URL", ""),

		TokenURL:     getEnv("COLLECT_TOKEN_URL", ""),
		ClientID:     getEnv("COLLECT_CLIENT_ID", ""),
		ClientSecret: getEnv("COLLECT_CLIENT_SECRET", ""),

		MaxPhotoSize: defaultMaxPhotoSize,
	}

	var err error
	if cfg.GPSTimeout, err = parseDuration("COLLECT_GPS_TIMEOUT", defaultGPSTimeout); err != nil {
		return cfg, err
	}
	if cfg.AutoAdvanceDelay, err = parseDuration("COLLECT_AUTO_ADVANCE_DELAY", defaultAutoAdvanceDelay); err != nil {
		return cfg, err
	}

	// Handle photo limits
	if v := getEnv("COLLECT_MAX_PHOTO_SIZE", ""); v != "" {
		size, err := strconv.ParseInt(v, 10, 64)
		if err != nil || size <= 0 {
			return cfg, fmt.Errorf("COLLECT_MAX_PHOTO_SIZE must be a positive byte count, got %q", v)
		}
		cfg.MaxPhotoSize = size
	}

	if v := getEnv("COLLECT_ALLOWED_MIME_TYPES", ""); v != "" {
		for _, mimeType := range strings.Split(v, ",") {
			mimeType = strings.ToLower(strings.TrimSpace(mimeType))
			if mimeType == "" {
				continue
			}
			// Uploads are named <id>.jpg or <id>.png, the only extensions reconcile recognizes.
			if mimeType != "image/jpeg" && mimeType != "image/png" {
				return cfg, fmt.Errorf("COLLECT_ALLOWED_MIME_TYPES accepts image/jpeg and image/png, got %q", mimeType)
			}
			cfg.AllowedMimeTypes = append(cfg.AllowedMimeTypes, mimeType)
		}
	}
	if len(cfg.AllowedMimeTypes) == 0 {
		cfg.AllowedMimeTypes = []string{"image/jpeg", "image/png"}
	}

	// Validate required parameters
	if cfg.DatasetPath == "" {
		return cfg, fmt.Errorf("COLLECT_DATASET_PATH is required")
	}

	switch cfg.Store {
	case StoreMemory, StoreSQLite:
	case StorePostgres:
		if cfg.DatabaseDSN == "" {
			return cfg, fmt.Errorf("COLLECT_DB_DSN is required when COLLECT_STORE=postgres")
		}
	default:
		return cfg, fmt.Errorf("COLLECT_STORE must be memory, sqlite or postgres, got %q", cfg.Store)
	}

	switch cfg.Remote {
	case RemoteNone, RemoteDrive:
	case RemoteS3:
		if cfg.S3Bucket == "" {
			return cfg, fmt.Errorf("COLLECT_S3_BUCKET is required when COLLECT_REMOTE=s3")
		}
	default:
		return cfg, fmt.Errorf("COLLECT_REMOTE must be s3 or drive, got %q", cfg.Remote)
	}
	if cfg.Remote == RemoteDrive && cfg.FolderID == "" {
		return cfg, fmt.Errorf("COLLECT_FOLDER_ID is required when COLLECT_REMOTE=drive")
	}

	return cfg, nil
}

// IsDev reports whether the service runs in the development environment.
func (c Config) IsDev() bool {
	return c.Env == defaultEnv
}

// MimeAllowed reports whether mimeType is an accepted photo content type.
func (c Config) MimeAllowed(mimeType string) bool {
	for _, allowed := range c.AllowedMimeTypes {
		if strings.EqualFold(allowed, mimeType) {
			return true
		}
	}
	return false
}

// getEnv retrieves an environment variable value, returning a fallback if not set or empty
func getEnv(key, fallback string) string {
	if v, exists := os.LookupEnv(key); exists && v != "" {
		return v
	}
	return fallback
}

// parseDuration reads a Go duration such as "10s", or a bare number of milliseconds.
func parseDuration(key string, fallback time.Duration) (time.Duration, error) {
	v, exists := os.LookupEnv(key)
	if !exists || v == "" {
		return fallback, nil
	}
	if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
		return time.Duration(ms) * time.Millisecond, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil || d < 0 {
		return 0, fmt.Errorf("%s must be a duration, got %q", key, v)
	}
	return d, nil
}
