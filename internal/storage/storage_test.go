package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

// exerciseStore runs the Store contract against any backend.
func exerciseStore(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()

	if _, err := s.Get(ctx, KeyLedger); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get(absent) error = %v, want ErrNotFound", err)
	}

	if err := s.Set(ctx, KeyLedger, `["A1"]`); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	if err := s.Set(ctx, KeyLedger, `["A1","A2"]`); err != nil {
		t.Fatalf("Set(overwrite) error = %v", err)
	}
	got, err := s.Get(ctx, KeyLedger)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got != `["A1","A2"]` {
		t.Errorf("Get() = %q, want %q", got, `["A1","A2"]`)
	}

	if err := s.Delete(ctx, KeyLedger); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if err := s.Delete(ctx, KeyLedger); err != nil {
		t.Fatalf("Delete(absent) error = %v", err)
	}
	if _, err := s.Get(ctx, KeyLedger); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get(deleted) error = %v, want ErrNotFound", err)
	}
}

func TestMemoryStore(t *testing.T) {
	s := NewMemory()
	defer s.Close()
	exerciseStore(t, s)
}

func TestSQLiteStore(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "collect.db")
	s, err := NewSQLite(dbPath)
	if err != nil {
		t.Fatalf("NewSQLite() error = %v", err)
	}
	defer s.Close()

	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Error("database file should exist")
	}
	exerciseStore(t, s)
}

// TestSQLiteStoreReopen checks that values survive closing the database.
func TestSQLiteStoreReopen(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "collect.db")

	s, err := NewSQLite(dbPath)
	if err != nil {
		t.Fatalf("NewSQLite() error = %v", err)
	}
	if err := s.Set(ctx, KeyLastUpdate, "2026-10-18T10:00:00Z"); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	s.Close()

	s, err = NewSQLite(dbPath)
	if err != nil {
		t.Fatalf("NewSQLite(reopen) error = %v", err)
	}
	defer s.Close()
	got, err := s.Get(ctx, KeyLastUpdate)
	if err != nil || got != "2026-10-18T10:00:00Z" {
		t.Errorf("Get() = %q, %v; want persisted timestamp", got, err)
	}
}

// TestPostgresStore runs against a real database when COLLECT_TEST_DB_DSN is set.
func TestPostgresStore(t *testing.T) {
	dsn := os.Getenv("COLLECT_TEST_DB_DSN")
	if dsn == "" {
		t.Skip("COLLECT_TEST_DB_DSN not set")
	}
	s, err := NewPostgres(dsn)
	if err != nil {
		t.Fatalf("NewPostgres() error = %v", err)
	}
	defer s.Close()
	_ = s.Delete(context.Background(), KeyLedger)
	exerciseStore(t, s)
}
