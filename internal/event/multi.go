package event

import (
	"context"
	"errors"
	"sync"

	"github.com/planurbi/fieldcollect/internal/model"
)

// Multi fans every event out to several publishers. All publishers are
// tried; their errors are joined.
type Multi []Publisher

// PublishStateChanged implements Publisher.
func (m Multi) PublishStateChanged(ctx context.Context, ev StateChanged) error {
	var errs []error
	for _, p := range m {
		errs = append(errs, p.PublishStateChanged(ctx, ev))
	}
	return errors.Join(errs...)
}

// PublishCollected implements Publisher.
func (m Multi) PublishCollected(ctx context.Context, rec model.UploadRecord) error {
	var errs []error
	for _, p := range m {
		errs = append(errs, p.PublishCollected(ctx, rec))
	}
	return errors.Join(errs...)
}

// PublishReconciled implements Publisher.
func (m Multi) PublishReconciled(ctx context.Context, ev Reconciled) error {
	var errs []error
	for _, p := range m {
		errs = append(errs, p.PublishReconciled(ctx, ev))
	}
	return errors.Join(errs...)
}

// Close closes every publisher and joins their errors.
func (m Multi) Close() error {
	var errs []error
	for _, p := range m {
		errs = append(errs, p.Close())
	}
	return errors.Join(errs...)
}

// Recorder keeps every published envelope in memory.
type Recorder struct {
	mu     sync.Mutex
	events []EventEnvelope
}

func (r *Recorder) record(eventType string, payload interface{}) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, NewEnvelope(eventType, payload))
	return nil
}

// PublishStateChanged records ev.
func (r *Recorder) PublishStateChanged(_ context.Context, ev StateChanged) error {
	return r.record(TypeStateChanged, ev)
}

// PublishCollected records rec.
func (r *Recorder) PublishCollected(_ context.Context, rec model.UploadRecord) error {
	return r.record(TypeCollected, rec)
}

// PublishReconciled records ev.
func (r *Recorder) PublishReconciled(_ context.Context, ev Reconciled) error {
	return r.record(TypeReconciled, ev)
}

func (r *Recorder) Close() error { return nil }

// Events returns a copy of the recorded envelopes.
func (r *Recorder) Events() []EventEnvelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]EventEnvelope, len(r.events))
	copy(out, r.events)
	return out
}

// Types lists the recorded event types in order.
func (r *Recorder) Types() []string {
	events := r.Events()
	out := make([]string, 0, len(events))
	for _, e := range events {
		out = append(out, e.Type)
	}
	return out
}
