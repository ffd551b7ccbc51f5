// Package config provides tests for the configuration loading and management.
package config

import (
	"testing"
	"time"
)

// clearEnv blanks every variable Load reads for the duration of the test.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"COLLECT_ENV", "COLLECT_PORT", "COLLECT_DATASET_PATH", "COLLECT_STORE", "COLLECT_SQLITE_PATH",
		"COLLECT_DB_DSN", "COLLECT_NATS_URL", "COLLECT_REMOTE", "COLLECT_FOLDER_ID", "COLLECT_S3_ENDPOINT",
		"COLLECT_S3_REGION", "COLLECT_S3_BUCKET", "COLLECT_S3_ACCESS_KEY", "COLLECT_S3_SECRET_KEY",
		"COLLECT_DRIVE_URL", "COLLECT_TOKEN_URL", "COLLECT_CLIENT_ID", "COLLECT_CLIENT_SECRET",
		"COLLECT_GPS_TIMEOUT", "COLLECT_AUTO_ADVANCE_DELAY", "COLLECT_MAX_PHOTO_SIZE", "COLLECT_ALLOWED_MIME_TYPES",
	} {
		t.Setenv(key, "")
	}
}

// TestLoad tests the Load function with default values.
func TestLoad(t *testing.T) {
	clearEnv(t)
	t.Setenv("COLLECT_DATASET_PATH", "testdata/properties.json")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Env != "dev" || !cfg.IsDev() {
		t.Errorf("Load() Env = %v, want %v", cfg.Env, "dev")
	}
	if cfg.Port != "8080" {
		t.Errorf("Load() Port = %v, want %v", cfg.Port, "8080")
	}
	if cfg.Store != StoreMemory {
		t.Errorf("Load() Store = %v, want %v", cfg.Store, StoreMemory)
	}
	if cfg.GPSTimeout != 10*time.Second || cfg.AutoAdvanceDelay != 2*time.Second {
		t.Errorf("Load() timings = %v/%v, want 10s/2s", cfg.GPSTimeout, cfg.AutoAdvanceDelay)
	}
	if !cfg.MimeAllowed("image/jpeg") || cfg.MimeAllowed("video/mp4") {
		t.Errorf("Load() AllowedMimeTypes = %v", cfg.AllowedMimeTypes)
	}
}

// TestLoadWithEnv tests the Load function with environment variables set.
func TestLoadWithEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv("COLLECT_ENV", "prod")
	t.Setenv("COLLECT_PORT", "9090")
	t.Setenv("COLLECT_DATASET_PATH", "/data/lotes.shp")
	t.Setenv("COLLECT_STORE", "SQLite")
	t.Setenv("COLLECT_SQLITE_PATH", "/var/lib/collect.db")
	t.Setenv("COLLECT_REMOTE", "s3")
	t.Setenv("COLLECT_S3_BUCKET", "photos")
	t.Setenv("COLLECT_FOLDER_ID", "campaign-2026")
	t.Setenv("COLLECT_GPS_TIMEOUT", "15000")
	t.Setenv("COLLECT_AUTO_ADVANCE_DELAY", "500ms")
	t.Setenv("COLLECT_MAX_PHOTO_SIZE", "1048576")
	t.Setenv("COLLECT_ALLOWED_MIME_TYPES", " IMAGE/PNG , ")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.IsDev() || cfg.Port != "9090" {
		t.Errorf("Load() Env/Port = %v/%v", cfg.Env, cfg.Port)
	}
	if cfg.Store != StoreSQLite || cfg.SQLitePath != "/var/lib/collect.db" {
		t.Errorf("Load() Store = %v at %v", cfg.Store, cfg.SQLitePath)
	}
	if cfg.Remote != RemoteS3 || cfg.S3Bucket != "photos" || cfg.FolderID != "campaign-2026" {
		t.Errorf("Load() remote = %+v", cfg)
	}
	if cfg.GPSTimeout != 15*time.Second || cfg.AutoAdvanceDelay != 500*time.Millisecond {
		t.Errorf("Load() timings = %v/%v", cfg.GPSTimeout, cfg.AutoAdvanceDelay)
	}
	if cfg.MaxPhotoSize != 1048576 {
		t.Errorf("Load() MaxPhotoSize = %v", cfg.MaxPhotoSize)
	}
	if !cfg.MimeAllowed("image/png") || cfg.MimeAllowed("image/jpeg") {
		t.Errorf("Load() AllowedMimeTypes = %v", cfg.AllowedMimeTypes)
	}
}

// TestLoadValidation covers required and enumerated settings.
func TestLoadValidation(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"missing dataset", map[string]string{}},
		{"unknown store", map[string]string{"COLLECT_DATASET_PATH": "d.json", "COLLECT_STORE": "redis"}},
		{"postgres without dsn", map[string]string{"COLLECT_DATASET_PATH": "d.json", "COLLECT_STORE": "postgres"}},
		{"unknown remote", map[string]string{"COLLECT_DATASET_PATH": "d.json", "COLLECT_REMOTE": "ftp"}},
		{"s3 without bucket", map[string]string{"COLLECT_DATASET_PATH": "d.json", "COLLECT_REMOTE": "s3"}},
		{"drive without folder", map[string]string{"COLLECT_DATASET_PATH": "d.json", "COLLECT_REMOTE": "drive"}},
		{"bad duration", map[string]string{"COLLECT_DATASET_PATH": "d.json", "COLLECT_GPS_TIMEOUT": "soon"}},
		{"bad photo size", map[string]string{"COLLECT_DATASET_PATH": "d.json", "COLLECT_MAX_PHOTO_SIZE": "-1"}},
		{"unsupported photo type", map[string]string{"COLLECT_DATASET_PATH": "d.json", "COLLECT_ALLOWED_MIME_TYPES": "image/jpeg,image/webp"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			if _, err := Load(); err == nil {
				t.Error("Load() error = nil, want a validation error")
			}
		})
	}
}
