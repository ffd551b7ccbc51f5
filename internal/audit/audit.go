// Package audit keeps the append-only trail of successful uploads.
package audit

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"

	errordefs "github.com/planurbi/fieldcollect/internal/errors"
	"github.com/planurbi/fieldcollect/internal/model"
	"github.com/planurbi/fieldcollect/internal/storage"
)

// DefaultRecent is the number of entries shown in the "recent" list.
const DefaultRecent = 5

// Log is the persisted list of upload records.
type Log struct {
	mu      sync.RWMutex
	store   storage.Store
	records []model.UploadRecord
	logger  *slog.Logger
}

// New creates an empty audit log. Call Load to rehydrate it.
func New(store storage.Store, logger *slog.Logger) *Log {
	if logger == nil {
		logger = slog.Default()
	}
	return &Log{store: store, logger: logger.With("component", "audit")}
}

// Load reads the persisted records. Absent or unparsable state yields an empty log.
func (a *Log) Load(ctx context.Context) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.records = nil
	raw, err := a.store.Get(ctx, storage.KeyUploadRecords)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			a.logger.Warn("upload records read failed, starting empty", "code", errordefs.STORAGE_IO, "error", err)
		}
		return
	}
	if err := json.Unmarshal([]byte(raw), &a.records); err != nil {
		a.logger.Warn("persisted upload records are corrupt, starting empty", "error", err)
		a.records = nil
	}
}

// Append adds rec and writes the log through. On a write failure the record is
// kept in memory and STORAGE_IO is returned.
func (a *Log) Append(ctx context.Context, rec model.UploadRecord) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.records = append(a.records, rec)
	b, err := json.Marshal(a.records)
	if err != nil {
		return errordefs.Wrap(errordefs.INTERNAL, "failed to encode upload records", err)
	}
	if err := a.store.Set(ctx, storage.KeyUploadRecords, string(b)); err != nil {
		a.logger.Error("upload record write failed", "id", rec.ID, "error", err)
		return errordefs.Wrap(errordefs.STORAGE_IO, "failed to persist upload record", err)
	}
	return nil
}

// List returns every record, oldest first.
func (a *Log) List() []model.UploadRecord {
	a.mu.RLock()
	defer a.mu.RUnlock()

	out := make([]model.UploadRecord, len(a.records))
	copy(out, a.records)
	return out
}

// Recent returns up to n records, newest first.
func (a *Log) Recent(n int) []model.UploadRecord {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if n <= 0 {
		n = DefaultRecent
	}
	out := make([]model.UploadRecord, 0, n)
	for i := len(a.records) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, a.records[i])
	}
	return out
}
