package gps

import (
	"context"
	"sync"
	"time"

	errordefs "github.com/planurbi/fieldcollect/internal/errors"
	"github.com/planurbi/fieldcollect/internal/geo"
	"github.com/planurbi/fieldcollect/internal/model"
)

// Fix is a single reading from the device.
type Fix struct {
	Latitude       float64   `json:"latitude"`
	Longitude      float64   `json:"longitude"`
	AccuracyMeters float64   `json:"accuracy"`
	AltitudeMeters *float64  `json:"altitude,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

// Coordinates returns the position part of the reading.
func (f Fix) Coordinates() model.Coordinates {
	return model.Coordinates{Latitude: f.Latitude, Longitude: f.Longitude}
}

// Captured turns the reading into the location stored with an upload.
func (f Fix) Captured() model.CapturedLocation {
	return model.CapturedLocation{
		Latitude:       f.Latitude,
		Longitude:      f.Longitude,
		AccuracyMeters: f.AccuracyMeters,
		AltitudeMeters: f.AltitudeMeters,
		CapturedAt:     f.Timestamp,
	}
}

// Geolocator is the Geolocation Collaborator.
type Geolocator interface {
	// Fix returns a fresh reading. Callers bound the wait with ctx.
	Fix(ctx context.Context) (Fix, error)
	// Watch calls fn for every reading until ctx ends. It does not block.
	Watch(ctx context.Context, fn func(Fix))
}

// DefaultMaxAge bounds how old a reading may be, by its own timestamp, and
// still serve a capture.
const DefaultMaxAge = 30 * time.Second

// Validate checks the reading's coordinates and accuracy.
func (f Fix) Validate() error {
	if !f.Coordinates().Valid() {
		return errordefs.Newf(errordefs.BAD_REQUEST, "coordinates out of range: %.6f,%.6f", f.Latitude, f.Longitude)
	}
	if f.AccuracyMeters < 0 {
		return errordefs.New(errordefs.BAD_REQUEST, "accuracy must not be negative")
	}
	return nil
}

// Fresh reports whether the reading was taken within maxAge of now.
func (f Fix) Fresh(now time.Time, maxAge time.Duration) bool {
	return !f.Timestamp.IsZero() && now.Sub(f.Timestamp) <= maxAge
}

// Feed is a Geolocator fed by readings the device pushes to the service.
// Readings are never stored: a Fix call is served only by a reading pushed
// after it began waiting, and each reading serves at most one Fix call.
type Feed struct {
	mu       sync.Mutex
	maxAge   time.Duration
	waiters  []chan Fix
	watchers map[int]func(Fix)
	nextID   int
	now      func() time.Time
}

// NewFeed creates a Feed. Readings timestamped more than maxAge ago are
// passed to watchers but never handed to Fix.
func NewFeed(maxAge time.Duration) *Feed {
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	return &Feed{maxAge: maxAge, watchers: make(map[int]func(Fix)), now: time.Now}
}

// Push delivers a reading to every watcher and, when it is fresh, to the
// oldest waiting Fix call.
func (f *Feed) Push(fix Fix) error {
	if err := fix.Validate(); err != nil {
		return err
	}
	if fix.Timestamp.IsZero() {
		fix.Timestamp = f.now().UTC()
	}

	f.mu.Lock()
	if len(f.waiters) > 0 && fix.Fresh(f.now(), f.maxAge) {
		ch := f.waiters[0]
		f.waiters = f.waiters[1:]
		ch <- fix
	}
	watchers := make([]func(Fix), 0, len(f.watchers))
	for _, fn := range f.watchers {
		watchers = append(watchers, fn)
	}
	f.mu.Unlock()

	for _, fn := range watchers {
		fn(fix)
	}
	return nil
}

// Fix implements Geolocator. It waits for the next fresh reading.
func (f *Feed) Fix(ctx context.Context) (Fix, error) {
	ch := make(chan Fix, 1)
	f.mu.Lock()
	f.waiters = append(f.waiters, ch)
	f.mu.Unlock()

	select {
	case fix := <-ch:
		return fix, nil
	case <-ctx.Done():
		if !f.removeWaiter(ch) {
			// Push claimed this waiter concurrently.
			return <-ch, nil
		}
		return Fix{}, errordefs.Wrap(errordefs.GPS_UNAVAILABLE, "no GPS fix received", ctx.Err())
	}
}

func (f *Feed) removeWaiter(ch chan Fix) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, w := range f.waiters {
		if w == ch {
			f.waiters = append(f.waiters[:i], f.waiters[i+1:]...)
			return true
		}
	}
	return false
}

// Watch implements Geolocator.
func (f *Feed) Watch(ctx context.Context, fn func(Fix)) {
	f.mu.Lock()
	id := f.nextID
	f.nextID++
	f.watchers[id] = fn
	f.mu.Unlock()

	go func() {
		<-ctx.Done()
		f.mu.Lock()
		delete(f.watchers, id)
		f.mu.Unlock()
	}()
}

// Tracker holds the last known location for display. It is never used as
// the location of a capture.
type Tracker struct {
	mu   sync.RWMutex
	last *Fix
}

// NewTracker creates an empty Tracker.
func NewTracker() *Tracker {
	return &Tracker{}
}

// Run subscribes the tracker to g until ctx ends.
func (t *Tracker) Run(ctx context.Context, g Geolocator) {
	g.Watch(ctx, t.Update)
}

// Update replaces the last known location.
func (t *Tracker) Update(fix Fix) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.last = &fix
}

// Last returns the last known location.
func (t *Tracker) Last() (Fix, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.last == nil {
		return Fix{}, false
	}
	return *t.last, true
}

// DistanceTo returns the live distance to registered for display.
func (t *Tracker) DistanceTo(registered *model.Coordinates) (float64, bool) {
	last, ok := t.Last()
	if !ok || registered == nil {
		return 0, false
	}
	return geo.DistanceMeters(last.Coordinates(), *registered), true
}
