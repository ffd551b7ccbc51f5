package server

import (
	"context"
	"errors"
	"io"
	"math"
	"mime"
	"net/http"
	"strconv"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	errordefs "github.com/planurbi/fieldcollect/internal/errors"
	"github.com/planurbi/fieldcollect/internal/geo"
	"github.com/planurbi/fieldcollect/internal/gps"
	"github.com/planurbi/fieldcollect/internal/model"
	"github.com/planurbi/fieldcollect/internal/reconcile"
	"github.com/planurbi/fieldcollect/internal/telemetry"
	"github.com/planurbi/fieldcollect/internal/workflow"
)

func tracer() trace.Tracer { return telemetry.Tracer() }

func markSpan(ctx context.Context, e *errordefs.Error) {
	span := trace.SpanFromContext(ctx)
	span.SetAttributes(attribute.String("error.code", string(e.Code)))
	span.SetStatus(codes.Error, e.Message)
}

// propertyView is a property with its live distance from the collector.
type propertyView struct {
	model.PropertyRecord
	DistanceMeters *int   `json:"distanceMeters,omitempty"`
	Distance       string `json:"distance,omitempty"`
}

func (m *Mux) view(rec model.PropertyRecord) propertyView {
	v := propertyView{PropertyRecord: rec}
	if m.d.Tracker == nil {
		return v
	}
	if d, ok := m.d.Tracker.DistanceTo(rec.Coordinates); ok {
		rounded := int(math.Round(d))
		v.DistanceMeters = &rounded
		v.Distance = geo.FormatDistance(d)
	}
	return v
}

// handleMissing handles GET /v1/properties/missing
func (m *Mux) handleMissing(w http.ResponseWriter, r *http.Request) {
	missing := m.d.Ledger.Missing()
	out := make([]propertyView, 0, len(missing))
	for _, rec := range missing {
		out = append(out, m.view(rec))
	}
	m.writeSuccess(w, http.StatusOK, map[string]interface{}{
		"count":      len(out),
		"properties": out,
	})
}

// handleNearby handles GET /v1/properties/nearby. Without lat/lon the last
// known location is used. Only missing properties are listed unless
// all=true is given.
func (m *Mux) handleNearby(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	var from model.Coordinates
	if q.Get("lat") != "" || q.Get("lon") != "" {
		lat, errLat := strconv.ParseFloat(q.Get("lat"), 64)
		lon, errLon := strconv.ParseFloat(q.Get("lon"), 64)
		from = model.Coordinates{Latitude: lat, Longitude: lon}
		if errLat != nil || errLon != nil || !from.Valid() {
			m.writeError(w, r, errordefs.New(errordefs.BAD_REQUEST, "lat and lon must be valid decimal degrees"))
			return
		}
	} else if last, ok := m.lastFix(); ok {
		from = last.Coordinates()
	} else {
		m.writeError(w, r, errordefs.New(errordefs.BAD_REQUEST, "no location known; pass lat and lon"))
		return
	}

	limit := DefaultNearbyLimit
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			m.writeError(w, r, errordefs.New(errordefs.BAD_REQUEST, "limit must be a positive integer"))
			return
		}
		limit = min(n, MaxNearbyLimit)
	}

	var filter func(model.PropertyRecord) bool
	if q.Get("all") != "true" {
		filter = func(rec model.PropertyRecord) bool { return !m.d.Ledger.Contains(rec.ID) }
	}

	nearby := m.d.Dataset.Nearest(from, limit, filter)
	out := make([]map[string]interface{}, 0, len(nearby))
	for _, n := range nearby {
		out = append(out, map[string]interface{}{
			"property":       n.Record,
			"distanceMeters": int(math.Round(n.DistanceMeters)),
			"distance":       geo.FormatDistance(n.DistanceMeters),
			"bearing":        math.Round(n.Bearing),
		})
	}
	m.writeSuccess(w, http.StatusOK, map[string]interface{}{"from": from, "properties": out})
}

func (m *Mux) lastFix() (gps.Fix, bool) {
	if m.d.Tracker == nil {
		return gps.Fix{}, false
	}
	return m.d.Tracker.Last()
}

// handleProgress handles GET /v1/progress
func (m *Mux) handleProgress(w http.ResponseWriter, r *http.Request) {
	m.writeSuccess(w, http.StatusOK, m.d.Ledger.Progress())
}

// handleUploads handles GET /v1/uploads. With recent=N only the newest N
// records are returned, newest first.
func (m *Mux) handleUploads(w http.ResponseWriter, r *http.Request) {
	v := r.URL.Query().Get("recent")
	if v == "" {
		m.writeSuccess(w, http.StatusOK, m.d.Audit.List())
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		m.writeError(w, r, errordefs.New(errordefs.BAD_REQUEST, "recent must be a non-negative integer"))
		return
	}
	m.writeSuccess(w, http.StatusOK, m.d.Audit.Recent(n))
}

// handleReconcile handles POST /v1/reconcile
func (m *Mux) handleReconcile(w http.ResponseWriter, r *http.Request) {
	if m.d.Reconciler == nil {
		m.writeSuccess(w, http.StatusOK, reconcile.Result{AddedIDs: []string{}, Degraded: true})
		return
	}
	res, err := m.d.Reconciler.Run(r.Context(), m.d.Dataset, m.d.Ledger)
	if err != nil {
		m.writeError(w, r, err)
		return
	}
	m.writeSuccess(w, http.StatusOK, map[string]interface{}{
		"result":   res,
		"progress": m.d.Ledger.Progress(),
	})
}

// handleClearLedger handles DELETE /v1/ledger?confirm=true
func (m *Mux) handleClearLedger(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("confirm") != "true" {
		m.writeError(w, r, errordefs.New(errordefs.BAD_REQUEST, "clearing the ledger requires confirm=true"))
		return
	}
	if err := m.d.Workflow.ClearLedger(r.Context()); err != nil {
		m.writeError(w, r, err)
		return
	}
	m.logger.Warn("ledger cleared by operator", "correlation_id", correlationID(r))
	m.writeSuccess(w, http.StatusOK, m.d.Ledger.Progress())
}

// workflowView adds the credential status to a workflow snapshot.
type workflowView struct {
	workflow.Snapshot
	TokenHeld   bool `json:"tokenHeld"`
	AuthPending bool `json:"authPending"`
}

func (m *Mux) writeWorkflow(w http.ResponseWriter, s workflow.Snapshot) {
	v := workflowView{Snapshot: s}
	if m.d.Tokens != nil {
		v.TokenHeld = m.d.Tokens.Has()
	}
	if m.d.Manual != nil {
		v.AuthPending = m.d.Manual.Pending()
	}
	m.writeSuccess(w, http.StatusOK, v)
}

// handleWorkflow handles GET /v1/workflow
func (m *Mux) handleWorkflow(w http.ResponseWriter, r *http.Request) {
	m.writeWorkflow(w, m.d.Workflow.Snapshot())
}

type selectRequest struct {
	ID string `json:"id"`
}

// handleSelect handles POST /v1/workflow/select
func (m *Mux) handleSelect(w http.ResponseWriter, r *http.Request) {
	var req selectRequest
	if err := decodeJSON(w, r, &req); err != nil {
		m.writeError(w, r, err)
		return
	}
	if req.ID == "" {
		m.writeError(w, r, errordefs.New(errordefs.BAD_REQUEST, "id is required"))
		return
	}
	trace.SpanFromContext(r.Context()).SetAttributes(attribute.String("property.id", req.ID))

	s, err := m.d.Workflow.Select(r.Context(), req.ID)
	if err != nil {
		m.writeError(w, r, err)
		return
	}
	m.writeWorkflow(w, s)
}

// handleCapture handles POST /v1/workflow/capture. The body is the raw photo.
// lat, lon, accuracy and altitude query parameters carry the reading taken
// alongside the photo. Without them the capture waits for the next reading
// posted to /v1/gps/fix.
func (m *Mux) handleCapture(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()

	mimeType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil || !m.mimeAllowed(mimeType) {
		m.writeError(w, r, errordefs.NewWithDetails(errordefs.BAD_REQUEST, "unsupported photo content type",
			map[string]interface{}{"allowed": m.opts.AllowedMimeTypes}))
		return
	}

	photo, err := io.ReadAll(http.MaxBytesReader(w, r.Body, m.opts.MaxPhotoSize))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			m.writeError(w, r, errordefs.NewWithDetails(errordefs.BAD_REQUEST, "photo too large",
				map[string]interface{}{"maxBytes": m.opts.MaxPhotoSize}))
			return
		}
		m.writeError(w, r, errordefs.Wrap(errordefs.BAD_REQUEST, "failed to read photo", err))
		return
	}

	fix, ok, err := fixFromQuery(r)
	if err != nil {
		m.writeError(w, r, err)
		return
	}
	var s workflow.Snapshot
	if ok {
		s, err = m.d.Workflow.CaptureWithFix(r.Context(), photo, mimeType, fix)
	} else {
		s, err = m.d.Workflow.Capture(r.Context(), photo, mimeType)
	}
	if err != nil {
		m.writeError(w, r, err)
		return
	}
	m.writeWorkflow(w, s)
}

func (m *Mux) mimeAllowed(mimeType string) bool {
	for _, allowed := range m.opts.AllowedMimeTypes {
		if strings.EqualFold(allowed, mimeType) {
			return true
		}
	}
	return false
}

// fixFromQuery parses an optional reading from lat, lon, accuracy and altitude.
func fixFromQuery(r *http.Request) (gps.Fix, bool, error) {
	q := r.URL.Query()
	if q.Get("lat") == "" && q.Get("lon") == "" {
		return gps.Fix{}, false, nil
	}
	bad := errordefs.New(errordefs.BAD_REQUEST, "lat, lon and accuracy must be numbers")
	lat, err := strconv.ParseFloat(q.Get("lat"), 64)
	if err != nil {
		return gps.Fix{}, false, bad
	}
	lon, err := strconv.ParseFloat(q.Get("lon"), 64)
	if err != nil {
		return gps.Fix{}, false, bad
	}
	fix := gps.Fix{Latitude: lat, Longitude: lon}
	if v := q.Get("accuracy"); v != "" {
		if fix.AccuracyMeters, err = strconv.ParseFloat(v, 64); err != nil {
			return gps.Fix{}, false, bad
		}
	}
	if v := q.Get("altitude"); v != "" {
		alt, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return gps.Fix{}, false, bad
		}
		fix.AltitudeMeters = &alt
	}
	return fix, true, nil
}

// handleRetake handles POST /v1/workflow/retake
func (m *Mux) handleRetake(w http.ResponseWriter, r *http.Request) {
	s, err := m.d.Workflow.Retake(r.Context())
	if err != nil {
		m.writeError(w, r, err)
		return
	}
	m.writeWorkflow(w, s)
}

// handleReset handles POST /v1/workflow/reset
func (m *Mux) handleReset(w http.ResponseWriter, r *http.Request) {
	s, err := m.d.Workflow.Reset(r.Context())
	if err != nil {
		m.writeError(w, r, err)
		return
	}
	m.writeWorkflow(w, s)
}

// handleUpload handles POST /v1/workflow/upload. When no credential is held
// the request waits until one is submitted to /v1/auth/token.
func (m *Mux) handleUpload(w http.ResponseWriter, r *http.Request) {
	s, err := m.d.Workflow.Upload(r.Context())
	if err != nil {
		m.writeError(w, r, err)
		return
	}
	m.writeWorkflow(w, s)
}

// handleGPSFix handles POST /v1/gps/fix. Readings update the display
// location and serve a capture only if one is already waiting for GPS.
func (m *Mux) handleGPSFix(w http.ResponseWriter, r *http.Request) {
	var fix gps.Fix
	if err := decodeJSON(w, r, &fix); err != nil {
		m.writeError(w, r, err)
		return
	}
	if err := m.d.Feed.Push(fix); err != nil {
		m.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type tokenRequest struct {
	Token string `json:"token"`
}

// handleSetToken handles POST /v1/auth/token. It installs the token and
// resumes any upload waiting for one.
func (m *Mux) handleSetToken(w http.ResponseWriter, r *http.Request) {
	var req tokenRequest
	if err := decodeJSON(w, r, &req); err != nil {
		m.writeError(w, r, err)
		return
	}
	req.Token = strings.TrimSpace(req.Token)
	if req.Token == "" {
		m.writeError(w, r, errordefs.New(errordefs.BAD_REQUEST, "token is required"))
		return
	}
	m.d.Tokens.Set(req.Token)
	resumed := 0
	if m.d.Manual != nil {
		resumed = m.d.Manual.Submit(req.Token)
	}
	m.writeSuccess(w, http.StatusOK, map[string]interface{}{"tokenHeld": m.d.Tokens.Has(), "resumed": resumed})
}

// handleClearToken handles DELETE /v1/auth/token. It drops the token and
// rejects any pending request for one.
func (m *Mux) handleClearToken(w http.ResponseWriter, r *http.Request) {
	m.d.Tokens.Invalidate()
	if m.d.Manual != nil {
		m.d.Manual.Dismiss()
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleEvents upgrades GET /v1/events to a websocket that receives every
// collection event.
func (m *Mux) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		m.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	m.d.Hub.Register(conn)

	// Reads only detect the client going away.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			m.d.Hub.Unregister(conn)
			return
		}
	}
}
