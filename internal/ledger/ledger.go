// Package ledger tracks which properties already have a secured photo.
//
// Membership is monotonic: ids are only ever added, by a successful upload or by
// reconciliation against remote storage, and only an explicit Clear removes
// them. Every mutation is written through to the key-value store before the
// call returns.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/planurbi/fieldcollect/internal/dataset"
	errordefs "github.com/planurbi/fieldcollect/internal/errors"
	"github.com/planurbi/fieldcollect/internal/metrics"
	"github.com/planurbi/fieldcollect/internal/model"
	"github.com/planurbi/fieldcollect/internal/storage"
)

// Ledger is the persisted set of collected property ids.
type Ledger struct {
	mu         sync.RWMutex
	store      storage.Store
	ds         *dataset.Dataset
	ids        []string // insertion order, may include ids from an older dataset
	set        map[string]struct{}
	lastUpdate *time.Time
	logger     *slog.Logger
	metrics    *metrics.Metrics
	now        func() time.Time
}

// New creates an empty ledger bound to a dataset. Call Load to rehydrate it.
func New(store storage.Store, ds *dataset.Dataset, logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{
		store:   store,
		ds:      ds,
		set:     make(map[string]struct{}),
		logger:  logger.With("component", "ledger"),
		metrics: metrics.NewMetrics(),
		now:     time.Now,
	}
}

// Load rehydrates the ledger from storage. Missing or unreadable state yields
// an empty ledger; the failure is logged and never returned.
func (l *Ledger) Load(ctx context.Context) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.ids = nil
	l.set = make(map[string]struct{})
	l.lastUpdate = nil

	raw, err := l.store.Get(ctx, storage.KeyLedger)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		l.observe("load", "absent")
		l.updateGauge()
		return
	case err != nil:
		l.observe("load", "error")
		l.logger.Warn("ledger read failed, starting empty", "code", errordefs.STORAGE_IO, "error", err)
		l.updateGauge()
		return
	}
	l.observe("load", "ok")

	var ids []string
	if err := json.Unmarshal([]byte(raw), &ids); err != nil {
		l.logger.Warn("persisted ledger is corrupt, starting empty", "error", err)
		l.updateGauge()
		return
	}
	for _, id := range ids {
		if _, dup := l.set[id]; dup || id == "" {
			continue
		}
		l.set[id] = struct{}{}
		l.ids = append(l.ids, id)
	}

	if ts, err := l.store.Get(ctx, storage.KeyLastUpdate); err == nil {
		if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			l.lastUpdate = &t
		}
	}

	stale := len(l.ids) - l.collectedCountLocked()
	l.logger.Info("ledger loaded", "collected", len(l.ids)-stale, "stale", stale)
	l.updateGauge()
}

// Contains reports whether id is marked as collected.
func (l *Ledger) Contains(id string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.set[id]
	return ok
}

// Add marks id as collected. It returns true when the id was newly added.
// Ids outside the loaded dataset fail with UNKNOWN_ID. When the write-through
// fails the id stays marked for this session and STORAGE_IO is returned.
func (l *Ledger) Add(ctx context.Context, id string) (bool, error) {
	if !l.ds.Has(id) {
		l.logger.Warn("rejected ledger add for unknown id", "id", id)
		return false, errordefs.Newf(errordefs.UNKNOWN_ID, "property %q is not in the dataset", id)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.set[id]; ok {
		return false, nil
	}
	l.set[id] = struct{}{}
	l.ids = append(l.ids, id)
	l.updateGauge()

	if err := l.persistLocked(ctx); err != nil {
		l.logger.Error("ledger write failed, keeping entry in memory", "id", id, "error", err)
		return true, errordefs.Wrap(errordefs.STORAGE_IO, "failed to persist ledger", err)
	}
	return true, nil
}

// Clear wipes the ledger and its persisted state. Callers must have obtained
// the operator's explicit confirmation.
func (l *Ledger) Clear(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	// The ledger key goes last so a failure leaves memory and storage agreeing.
	for _, key := range []string{storage.KeyLastUpdate, storage.KeyLedger} {
		if err := l.store.Delete(ctx, key); err != nil {
			l.observe("delete", "error")
			return errordefs.Wrap(errordefs.STORAGE_IO, "failed to clear persisted ledger", err)
		}
	}
	l.observe("delete", "ok")

	l.ids = nil
	l.set = make(map[string]struct{})
	l.lastUpdate = nil
	l.updateGauge()
	l.logger.Info("ledger cleared")
	return nil
}

// Missing returns dataset records not yet collected, ordered by block. Records
// in the same block keep their dataset order.
func (l *Ledger) Missing() []model.PropertyRecord {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []model.PropertyRecord
	for _, rec := range l.ds.Records() {
		if _, ok := l.set[rec.ID]; !ok {
			out = append(out, rec)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Block < out[j].Block
	})
	return out
}

// Collected returns the collected ids that belong to the current dataset, in
// the order they were added.
func (l *Ledger) Collected() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]string, 0, len(l.ids))
	for _, id := range l.ids {
		if l.ds.Has(id) {
			out = append(out, id)
		}
	}
	return out
}

// Size returns the number of collected ids in the current dataset.
func (l *Ledger) Size() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.collectedCountLocked()
}

// Progress summarizes collection against the dataset.
func (l *Ledger) Progress() model.Progress {
	l.mu.RLock()
	defer l.mu.RUnlock()

	total := l.ds.Len()
	collected := l.collectedCountLocked()
	p := model.Progress{
		Total:     total,
		Collected: collected,
		Missing:   total - collected,
	}
	if total > 0 {
		p.Percent = int(math.Round(float64(collected) * 100 / float64(total)))
	}
	if l.lastUpdate != nil {
		t := *l.lastUpdate
		p.LastUpdate = &t
	}
	return p
}

func (l *Ledger) collectedCountLocked() int {
	n := 0
	for _, id := range l.ids {
		if l.ds.Has(id) {
			n++
		}
	}
	return n
}

// persistLocked writes the id list and the update timestamp.
func (l *Ledger) persistLocked(ctx context.Context) error {
	b, err := json.Marshal(l.ids)
	if err != nil {
		return err
	}
	if err := l.store.Set(ctx, storage.KeyLedger, string(b)); err != nil {
		l.observe("set", "error")
		return err
	}
	now := l.now().UTC()
	if err := l.store.Set(ctx, storage.KeyLastUpdate, now.Format(time.RFC3339Nano)); err != nil {
		l.observe("set", "error")
		return err
	}
	l.observe("set", "ok")
	l.lastUpdate = &now
	return nil
}

func (l *Ledger) observe(op, status string) {
	l.metrics.StorageOperationTotal.WithLabelValues(op, status).Inc()
}

func (l *Ledger) updateGauge() {
	l.metrics.LedgerSize.Set(float64(l.collectedCountLocked()))
}
