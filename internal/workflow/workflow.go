// Package workflow sequences one field session: select a property, capture a
// photo with a fresh GPS fix, upload it, record it, and move on to the next
// missing property.
//
// The controller owns the session state. At most one step runs at a time:
// while a capture waits for GPS or an upload is in flight, every other
// mutating call fails with BUSY instead of queueing.
package workflow

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/planurbi/fieldcollect/internal/audit"
	"github.com/planurbi/fieldcollect/internal/dataset"
	errordefs "github.com/planurbi/fieldcollect/internal/errors"
	"github.com/planurbi/fieldcollect/internal/event"
	"github.com/planurbi/fieldcollect/internal/gps"
	"github.com/planurbi/fieldcollect/internal/ledger"
	"github.com/planurbi/fieldcollect/internal/metrics"
	"github.com/planurbi/fieldcollect/internal/model"
	"github.com/planurbi/fieldcollect/internal/remote"
	"github.com/planurbi/fieldcollect/internal/telemetry"
)

// State is a workflow state.
type State string

const (
	Idle          State = "idle"
	Selected      State = "selected"
	Capturing     State = "capturing"
	AwaitingGPS   State = "awaiting_gps"
	ReadyToUpload State = "ready_to_upload"
	Uploading     State = "uploading"
	Collected     State = "collected"
	UploadFailed  State = "upload_failed"
)

// Defaults for Config.
const (
	DefaultGPSTimeout       = 10 * time.Second
	DefaultAutoAdvanceDelay = 2 * time.Second
)

// TokenProvider hands out the access credential for uploads.
type TokenProvider interface {
	Token(ctx context.Context, interactive bool) (string, error)
	Invalidate()
}

// Config holds the workflow policies.
type Config struct {
	FolderID         string
	GPSTimeout       time.Duration // bound on each fix request
	MaxFixAge        time.Duration // oldest reading a capture accepts
	AutoAdvanceDelay time.Duration // pause on "collected" before moving on
}

// Deps are the collaborators of a Controller.
type Deps struct {
	Dataset    *dataset.Dataset
	Ledger     *ledger.Ledger
	Audit      *audit.Log
	Remote     remote.Storage
	Tokens     TokenProvider
	Geolocator gps.Geolocator
	Publisher  event.Publisher
	Logger     *slog.Logger
}

// Snapshot is a read-only view of the session.
type Snapshot struct {
	State          State                   `json:"state"`
	Property       *model.PropertyRecord   `json:"property,omitempty"`
	PhotoBytes     int                     `json:"photoBytes,omitempty"`
	MimeType       string                  `json:"mimeType,omitempty"`
	Location       *model.CapturedLocation `json:"location,omitempty"`
	Classification *gps.Classification     `json:"classification,omitempty"`
	LastUpload     *model.UploadRecord     `json:"lastUpload,omitempty"`
	LastError      *errordefs.Error        `json:"lastError,omitempty"`
}

// Controller is the capture state machine for one session.
type Controller struct {
	cfg       Config
	ds        *dataset.Dataset
	ledger    *ledger.Ledger
	audit     *audit.Log
	remote    remote.Storage
	tokens    TokenProvider
	geo       gps.Geolocator
	publisher event.Publisher
	metrics   *metrics.Metrics
	logger    *slog.Logger
	now       func() time.Time

	mu             sync.Mutex
	state          State
	selected       *model.PropertyRecord
	photo          []byte
	mimeType       string
	location       *model.CapturedLocation
	classification *gps.Classification
	lastUpload     *model.UploadRecord
	lastErr        *errordefs.Error
	advance        *time.Timer
	generation     uint64 // bumped by every selection; stale auto-advances check it
	outbox         []event.StateChanged
}

// New creates a Controller in the idle state.
func New(cfg Config, d Deps) *Controller {
	if cfg.GPSTimeout <= 0 {
		cfg.GPSTimeout = DefaultGPSTimeout
	}
	if cfg.AutoAdvanceDelay <= 0 {
		cfg.AutoAdvanceDelay = DefaultAutoAdvanceDelay
	}
	if cfg.MaxFixAge <= 0 {
		cfg.MaxFixAge = gps.DefaultMaxAge
	}
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	pub := d.Publisher
	if pub == nil {
		pub = event.Noop{}
	}
	return &Controller{
		cfg:       cfg,
		ds:        d.Dataset,
		ledger:    d.Ledger,
		audit:     d.Audit,
		remote:    d.Remote,
		tokens:    d.Tokens,
		geo:       d.Geolocator,
		publisher: pub,
		metrics:   metrics.NewMetrics(),
		logger:    logger.With("component", "workflow"),
		now:       time.Now,
		state:     Idle,
	}
}

// Snapshot returns the current session state.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

func (c *Controller) snapshotLocked() Snapshot {
	s := Snapshot{
		State:          c.state,
		PhotoBytes:     len(c.photo),
		MimeType:       c.mimeType,
		Classification: c.classification,
		LastError:      c.lastErr,
	}
	if c.selected != nil {
		rec := *c.selected
		s.Property = &rec
	}
	if c.location != nil {
		loc := *c.location
		s.Location = &loc
	}
	if c.lastUpload != nil {
		u := *c.lastUpload
		s.LastUpload = &u
	}
	return s
}

// Select makes id the current property. Only properties in the missing view
// can be selected. Any photo or fix from an earlier selection is discarded.
func (c *Controller) Select(ctx context.Context, id string) (Snapshot, error) {
	c.mu.Lock()
	if err := c.guardLocked(); err != nil {
		c.mu.Unlock()
		return Snapshot{}, err
	}
	rec, ok := c.ds.ByID(id)
	if !ok {
		c.mu.Unlock()
		return Snapshot{}, errordefs.Newf(errordefs.NOT_FOUND, "property %q is not in the dataset", id)
	}
	if c.ledger.Contains(id) {
		c.mu.Unlock()
		return Snapshot{}, errordefs.Newf(errordefs.NOT_FOUND, "property %q is already collected", id)
	}
	c.selectLocked(rec)
	snap := c.snapshotLocked()
	c.mu.Unlock()

	c.flush(ctx)
	return snap, nil
}

func (c *Controller) selectLocked(rec model.PropertyRecord) {
	c.cancelAdvanceLocked()
	c.generation++
	c.selected = &rec
	c.discardCaptureLocked()
	c.lastErr = nil
	c.transitionLocked(Selected)
}

// Capture stores photo and requests a fresh GPS fix bounded by the GPS
// timeout. A missing fix is not an error: the capture proceeds without a
// location. Capturing again from ready_to_upload replaces the earlier photo.
func (c *Controller) Capture(ctx context.Context, photo []byte, mimeType string) (Snapshot, error) {
	return c.capture(ctx, photo, mimeType, nil)
}

// CaptureWithFix is Capture with the reading the device took alongside the
// photo. A reading without a timestamp counts as taken now; one older than
// the max fix age is dropped and the capture has no location.
func (c *Controller) CaptureWithFix(ctx context.Context, photo []byte, mimeType string, fix gps.Fix) (Snapshot, error) {
	if err := fix.Validate(); err != nil {
		return Snapshot{}, err
	}
	return c.capture(ctx, photo, mimeType, &fix)
}

func (c *Controller) capture(ctx context.Context, photo []byte, mimeType string, supplied *gps.Fix) (Snapshot, error) {
	if len(photo) == 0 {
		return Snapshot{}, errordefs.New(errordefs.BAD_REQUEST, "photo is empty")
	}

	c.mu.Lock()
	if err := c.guardLocked(); err != nil {
		c.mu.Unlock()
		return Snapshot{}, err
	}
	switch c.state {
	case Selected, ReadyToUpload, UploadFailed:
	default:
		c.mu.Unlock()
		return Snapshot{}, errordefs.Newf(errordefs.INVALID_STATE, "cannot capture in state %s", c.state)
	}
	rec := *c.selected
	c.discardCaptureLocked()
	c.photo = append([]byte(nil), photo...)
	c.mimeType = mimeType
	c.lastErr = nil
	c.transitionLocked(Capturing)
	c.transitionLocked(AwaitingGPS)
	c.mu.Unlock()
	c.flush(ctx)

	var loc *model.CapturedLocation
	var class *gps.Classification
	if supplied != nil {
		loc, class = c.classify(rec, *supplied)
	} else {
		loc, class = c.freshFix(ctx, rec)
	}

	c.mu.Lock()
	c.location = loc
	c.classification = class
	c.transitionLocked(ReadyToUpload)
	snap := c.snapshotLocked()
	c.mu.Unlock()

	c.flush(ctx)
	return snap, nil
}

// freshFix asks the geolocator for a new reading and classifies it.
func (c *Controller) freshFix(ctx context.Context, rec model.PropertyRecord) (*model.CapturedLocation, *gps.Classification) {
	if c.geo == nil {
		c.logger.Warn("no geolocator configured", "code", errordefs.GPS_UNAVAILABLE)
		return nil, nil
	}
	fixCtx, cancel := context.WithTimeout(ctx, c.cfg.GPSTimeout)
	defer cancel()

	fix, err := c.geo.Fix(fixCtx)
	if err != nil {
		c.logger.Warn("capturing without location", "code", errordefs.GPS_UNAVAILABLE, "property_id", rec.ID, "error", err)
		return nil, nil
	}
	return c.classify(rec, fix)
}

// classify turns a reading into the capture location and its warnings.
func (c *Controller) classify(rec model.PropertyRecord, fix gps.Fix) (*model.CapturedLocation, *gps.Classification) {
	now := c.now()
	if fix.Timestamp.IsZero() {
		fix.Timestamp = now.UTC()
	}
	if !fix.Fresh(now, c.cfg.MaxFixAge) {
		c.logger.Warn("capturing without location", "code", errordefs.GPS_UNAVAILABLE, "property_id", rec.ID,
			"reading_age", now.Sub(fix.Timestamp).String())
		return nil, nil
	}

	loc := fix.Captured()
	class := gps.Evaluate(loc, rec.Coordinates)
	if class.HasDistance {
		d := class.DistanceMeters
		loc.CadastralDistanceMeters = &d
	}
	for _, band := range class.Bands() {
		c.metrics.GPSWarningTotal.WithLabelValues(band).Inc()
	}
	if len(class.Warnings) > 0 {
		c.logger.Info("gps warnings", "property_id", rec.ID, "warnings", class.Warnings)
	}
	return &loc, &class
}

// Retake discards the photo and fix and returns to selected.
func (c *Controller) Retake(ctx context.Context) (Snapshot, error) {
	c.mu.Lock()
	if err := c.guardLocked(); err != nil {
		c.mu.Unlock()
		return Snapshot{}, err
	}
	if c.state != ReadyToUpload && c.state != UploadFailed {
		c.mu.Unlock()
		return Snapshot{}, errordefs.Newf(errordefs.INVALID_STATE, "nothing to retake in state %s", c.state)
	}
	c.discardCaptureLocked()
	c.lastErr = nil
	c.transitionLocked(Selected)
	snap := c.snapshotLocked()
	c.mu.Unlock()

	c.flush(ctx)
	return snap, nil
}

// Reset abandons the current selection and returns to idle.
func (c *Controller) Reset(ctx context.Context) (Snapshot, error) {
	c.mu.Lock()
	if err := c.guardLocked(); err != nil {
		c.mu.Unlock()
		return Snapshot{}, err
	}
	c.cancelAdvanceLocked()
	c.generation++
	c.selected = nil
	c.discardCaptureLocked()
	c.lastErr = nil
	if c.state != Idle {
		c.transitionLocked(Idle)
	}
	snap := c.snapshotLocked()
	c.mu.Unlock()

	c.flush(ctx)
	return snap, nil
}

// Upload sends the captured photo as "<id><ext>" to the remote folder. When
// no credential is held the operator is asked for one and the upload waits.
// On success the property is recorded and, after the auto-advance delay, the
// next missing property is selected. On failure the photo and fix are kept
// and the workflow returns to ready_to_upload; nothing is retried.
func (c *Controller) Upload(ctx context.Context) (Snapshot, error) {
	c.mu.Lock()
	if err := c.guardLocked(); err != nil {
		c.mu.Unlock()
		return Snapshot{}, err
	}
	if c.state != ReadyToUpload && c.state != UploadFailed {
		c.mu.Unlock()
		return Snapshot{}, errordefs.Newf(errordefs.INVALID_STATE, "cannot upload in state %s", c.state)
	}
	rec := *c.selected
	photo := c.photo
	mimeType := c.mimeType
	var loc *model.CapturedLocation
	if c.location != nil {
		l := *c.location
		loc = &l
	}
	c.lastErr = nil
	c.transitionLocked(Uploading)
	c.mu.Unlock()
	c.flush(ctx)

	ctx, span := telemetry.Tracer().Start(ctx, "workflow.Upload")
	defer span.End()
	span.SetAttributes(attribute.String("property.id", rec.ID), attribute.Int("photo.bytes", len(photo)))
	start := c.now()

	filename := rec.ID + extensionFor(mimeType)
	remoteID, err := c.send(ctx, filename, mimeType, photo)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "upload failed")
		return c.failUpload(ctx, rec, err, start)
	}

	upload := model.UploadRecord{
		ID:         ulid.Make().String(),
		Property:   rec,
		Location:   loc,
		RemoteID:   remoteID,
		Filename:   filename,
		MimeType:   mimeType,
		UploadedAt: c.now().UTC(),
	}
	// The photo is safe remotely, so local persistence failures are logged
	// and the session carries on with the in-memory state.
	if _, err := c.ledger.Add(ctx, rec.ID); err != nil {
		c.logger.Warn("ledger update after upload failed", "property_id", rec.ID, "error", err)
	}
	if err := c.audit.Append(ctx, upload); err != nil {
		c.logger.Warn("audit append after upload failed", "property_id", rec.ID, "error", err)
	}
	c.metrics.UploadTotal.WithLabelValues("ok").Inc()
	c.metrics.UploadDuration.WithLabelValues("ok").Observe(c.now().Sub(start).Seconds())
	c.logger.Info("photo uploaded", "property_id", rec.ID, "remote_id", remoteID, "filename", filename, "has_location", loc != nil)

	if err := c.publisher.PublishCollected(ctx, upload); err != nil {
		c.logger.Warn("failed to publish collected event", "error", err)
	}

	c.mu.Lock()
	c.lastUpload = &upload
	c.discardCaptureLocked()
	c.transitionLocked(Collected)
	c.scheduleAdvanceLocked()
	snap := c.snapshotLocked()
	c.mu.Unlock()

	c.flush(ctx)
	return snap, nil
}

// send obtains a credential, asking the operator if needed, and uploads.
func (c *Controller) send(ctx context.Context, filename, mimeType string, photo []byte) (string, error) {
	if c.tokens == nil || c.remote == nil {
		return "", errordefs.New(errordefs.AUTH_REQUIRED, "remote storage is not configured")
	}
	token, err := c.tokens.Token(ctx, true)
	if err != nil {
		return "", err
	}
	return c.remote.UploadFile(ctx, token, c.cfg.FolderID, filename, mimeType, photo)
}

func (c *Controller) failUpload(ctx context.Context, rec model.PropertyRecord, err error, start time.Time) (Snapshot, error) {
	e := errordefs.As(err)
	if errordefs.CodeOf(err) == errordefs.INTERNAL {
		e = errordefs.Wrap(errordefs.TRANSPORT, "upload failed", err)
	}

	status := "error"
	if e.Code == errordefs.AUTH_EXPIRED {
		status = "auth_expired"
		if c.tokens != nil {
			c.tokens.Invalidate()
		}
	}
	c.metrics.UploadTotal.WithLabelValues(status).Inc()
	c.metrics.UploadDuration.WithLabelValues(status).Observe(c.now().Sub(start).Seconds())
	c.logger.Warn("upload failed", "property_id", rec.ID, "code", e.Code, "error", err)

	c.mu.Lock()
	c.lastErr = e
	c.transitionLocked(UploadFailed)
	c.transitionLocked(ReadyToUpload)
	snap := c.snapshotLocked()
	c.mu.Unlock()

	c.flush(ctx)
	return snap, e
}

// ClearLedger empties the ledger. It fails with BUSY while a capture or an
// upload is in flight.
func (c *Controller) ClearLedger(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.guardLocked(); err != nil {
		return err
	}
	return c.ledger.Clear(ctx)
}

// guardLocked rejects mutations while a step is in flight.
func (c *Controller) guardLocked() error {
	switch c.state {
	case Uploading:
		return errordefs.New(errordefs.BUSY, "an upload is in progress")
	case Capturing, AwaitingGPS:
		return errordefs.New(errordefs.BUSY, "a capture is waiting for GPS")
	}
	return nil
}

func (c *Controller) discardCaptureLocked() {
	c.photo = nil
	c.mimeType = ""
	c.location = nil
	c.classification = nil
}

func (c *Controller) scheduleAdvanceLocked() {
	c.cancelAdvanceLocked()
	gen := c.generation
	c.advance = time.AfterFunc(c.cfg.AutoAdvanceDelay, func() {
		c.autoAdvance(gen)
	})
}

func (c *Controller) cancelAdvanceLocked() {
	if c.advance != nil {
		c.advance.Stop()
		c.advance = nil
	}
}

// autoAdvance selects the first missing property, or goes idle when none is
// left. It does nothing if the operator acted since the upload.
func (c *Controller) autoAdvance(gen uint64) {
	c.mu.Lock()
	if c.generation != gen || c.state != Collected {
		c.mu.Unlock()
		return
	}
	c.advance = nil
	if missing := c.ledger.Missing(); len(missing) > 0 {
		c.selectLocked(missing[0])
	} else {
		c.generation++
		c.selected = nil
		c.transitionLocked(Idle)
		c.logger.Info("every property is collected")
	}
	c.mu.Unlock()

	c.flush(context.Background())
}

// Close stops a pending auto-advance.
func (c *Controller) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancelAdvanceLocked()
}

func (c *Controller) transitionLocked(to State) {
	from := c.state
	c.state = to
	ev := event.StateChanged{From: string(from), To: string(to)}
	if c.selected != nil {
		ev.PropertyID = c.selected.ID
	}
	if to == UploadFailed && c.lastErr != nil {
		ev.Error = string(c.lastErr.Code)
	}
	c.outbox = append(c.outbox, ev)
	c.logger.Debug("state transition", "from", from, "to", to, "property_id", ev.PropertyID)
}

// flush publishes queued transitions outside the lock.
func (c *Controller) flush(ctx context.Context) {
	c.mu.Lock()
	evs := c.outbox
	c.outbox = nil
	c.mu.Unlock()

	for _, ev := range evs {
		if err := c.publisher.PublishStateChanged(ctx, ev); err != nil {
			c.logger.Warn("failed to publish state change", "to", ev.To, "error", err)
		}
	}
}

// extensionFor picks the file extension for an image content type. Only
// .jpg and .png are produced, matching what reconcile strips from names.
func extensionFor(mimeType string) string {
	if strings.EqualFold(mimeType, "image/png") {
		return ".png"
	}
	return ".jpg"
}
