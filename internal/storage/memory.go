// internal/storage/memory.go
// Package storage provides durable key-value stores for the collection ledger
// and audit log: an in-memory store for tests, SQLite for a single field device
// and PostgreSQL for a shared deployment.
package storage

import (
	"context"
	"errors"
	"sync"
)

// Keys written by the collection core.
const (
	KeyLedger        = "ledger"        // JSON array of collected ids
	KeyLastUpdate    = "lastUpdate"    // RFC 3339 timestamp of the last ledger write
	KeyUploadRecords = "uploadRecords" // JSON array of upload records
)

// ErrNotFound is returned by Get when the key is absent.
var ErrNotFound = errors.New("not found")

// Store is a string-valued key-value store. Set must be durable before it returns.
type Store interface {
	Get(ctx context.Context, key string) (string, error)  // ErrNotFound when absent
	Set(ctx context.Context, key, value string) error     // Upsert
	Delete(ctx context.Context, key string) error         // No error when absent
	Close() error
}

// memory implements Store using a map.
type memory struct {
	mu   sync.RWMutex
	data map[string]string
}

// NewMemory creates a new in-memory store.
func NewMemory() Store {
	return &memory{data: make(map[string]string)}
}

func (m *memory) Get(ctx context.Context, key string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	v, ok := m.data[key]
	if !ok {
		return "", ErrNotFound
	}
	return v, nil
}

func (m *memory) Set(ctx context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.data[key] = value
	return nil
}

func (m *memory) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.data, key)
	return nil
}

func (m *memory) Close() error { return nil }
