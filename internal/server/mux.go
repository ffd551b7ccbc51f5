// Package server implements the HTTP handlers and routing for the field
// collection service. It is the presentation layer over one field session:
// the device drives the capture workflow, pushes GPS readings and follows
// state changes over a websocket.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/planurbi/fieldcollect/internal/audit"
	"github.com/planurbi/fieldcollect/internal/auth"
	"github.com/planurbi/fieldcollect/internal/dataset"
	errordefs "github.com/planurbi/fieldcollect/internal/errors"
	"github.com/planurbi/fieldcollect/internal/gps"
	"github.com/planurbi/fieldcollect/internal/ledger"
	"github.com/planurbi/fieldcollect/internal/metrics"
	"github.com/planurbi/fieldcollect/internal/reconcile"
	"github.com/planurbi/fieldcollect/internal/storage"
	"github.com/planurbi/fieldcollect/internal/workflow"
)

// ContextKey is used for context values to avoid collisions
// when storing values in request context
type ContextKey string

const (
	// ContextKeyCorrelationID stores the unique id used for request tracking
	ContextKeyCorrelationID ContextKey = "correlationId"

	// Limits for the nearby listing
	DefaultNearbyLimit = 10
	MaxNearbyLimit     = 100
)

// Deps are the session components served over HTTP.
type Deps struct {
	Store      storage.Store
	Dataset    *dataset.Dataset
	Ledger     *ledger.Ledger
	Audit      *audit.Log
	Reconciler *reconcile.Engine // nil when no remote storage is configured
	Workflow   *workflow.Controller
	Feed       *gps.Feed
	Tracker    *gps.Tracker
	Tokens     *auth.Holder
	Manual     *auth.ManualSource // nil when tokens come from a token endpoint
	Hub        *Hub               // nil disables /v1/events
	Logger     *slog.Logger
}

// Options are the request limits.
type Options struct {
	MaxPhotoSize     int64    // Maximum photo size in bytes
	AllowedMimeTypes []string // Accepted photo content types
}

// Mux handles HTTP requests for the collection service.
type Mux struct {
	mux      *http.ServeMux
	d        Deps
	opts     Options
	metrics  *metrics.Metrics
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

// NewMux creates a new HTTP mux with all collection endpoints.
func NewMux(d Deps, opts Options) *http.ServeMux {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	m := &Mux{
		mux:     http.NewServeMux(),
		d:       d,
		opts:    opts,
		metrics: metrics.NewMetrics(),
		logger:  logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// the service runs on the collector's own device or LAN
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}

	// Register health endpoints
	m.mux.HandleFunc("GET /healthz", m.handleHealthz)
	m.mux.HandleFunc("GET /readyz", m.handleReadyz)
	m.mux.Handle("GET /metrics", promhttp.Handler())

	// Dataset and ledger views
	m.handle("GET /v1/properties/missing", "handleMissing", m.handleMissing)
	m.handle("GET /v1/properties/nearby", "handleNearby", m.handleNearby)
	m.handle("GET /v1/progress", "handleProgress", m.handleProgress)
	m.handle("GET /v1/uploads", "handleUploads", m.handleUploads)
	m.handle("POST /v1/reconcile", "handleReconcile", m.handleReconcile)
	m.handle("DELETE /v1/ledger", "handleClearLedger", m.handleClearLedger)

	// Capture workflow
	m.handle("GET /v1/workflow", "handleWorkflow", m.handleWorkflow)
	m.handle("POST /v1/workflow/select", "handleSelect", m.handleSelect)
	m.handle("POST /v1/workflow/capture", "handleCapture", m.handleCapture)
	m.handle("POST /v1/workflow/retake", "handleRetake", m.handleRetake)
	m.handle("POST /v1/workflow/reset", "handleReset", m.handleReset)
	m.handle("POST /v1/workflow/upload", "handleUpload", m.handleUpload)

	// Collaborator inputs
	m.handle("POST /v1/gps/fix", "handleGPSFix", m.handleGPSFix)
	m.handle("POST /v1/auth/token", "handleSetToken", m.handleSetToken)
	m.handle("DELETE /v1/auth/token", "handleClearToken", m.handleClearToken)

	if d.Hub != nil {
		m.mux.HandleFunc("GET /v1/events", m.handleEvents)
	}

	return m.mux
}

func (m *Mux) handle(pattern, name string, h http.HandlerFunc) {
	m.mux.HandleFunc(pattern, m.withMiddleware(name, h))
}

// statusRecorder captures the response status for logs and metrics.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// withMiddleware applies the correlation id, tracing, logging and metrics
// to a handler.
func (m *Mux) withMiddleware(name string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		// Add correlation ID if not present
		correlationID := r.Header.Get("X-Correlation-Id")
		if correlationID == "" {
			correlationID = uuid.New().String()
		}
		ctx := context.WithValue(r.Context(), ContextKeyCorrelationID, correlationID)
		ctx, span := tracer().Start(ctx, name)
		defer span.End()
		r = r.WithContext(ctx)
		w.Header().Set("X-Correlation-Id", correlationID)

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		h(rec, r)

		pattern := r.Pattern
		status := http.StatusText(rec.status)
		m.metrics.HTTPRequestTotal.WithLabelValues(r.Method, pattern, status).Inc()
		m.metrics.HTTPRequestDuration.WithLabelValues(r.Method, pattern, status).Observe(time.Since(start).Seconds())
		m.logRequest(r, rec.status, time.Since(start), correlationID)
	}
}

func correlationID(r *http.Request) string {
	id, _ := r.Context().Value(ContextKeyCorrelationID).(string)
	return id
}

// writeSuccess writes a successful response
func (m *Mux) writeSuccess(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{"data": data})
}

// writeError renders err in the error envelope. Errors outside the taxonomy
// become INTERNAL and their cause is only logged.
func (m *Mux) writeError(w http.ResponseWriter, r *http.Request, err error) {
	e := errordefs.As(err).WithCorrelation(correlationID(r))
	if e.Code == errordefs.INTERNAL {
		m.logger.Error("internal error", "correlation_id", e.CorrelationID, "error", err)
	}
	markSpan(r.Context(), e)

	body := map[string]interface{}{
		"code":          e.Code,
		"message":       e.Message,
		"correlationId": e.CorrelationID,
	}
	if e.Details != nil {
		body["details"] = e.Details
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(e.HTTPStatus)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{"error": body})
}

// decodeJSON reads a JSON request body into v.
func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) error {
	defer r.Body.Close()
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return errordefs.Wrap(errordefs.BAD_REQUEST, "invalid JSON body", err)
	}
	return nil
}

// logRequest logs request details
func (m *Mux) logRequest(r *http.Request, status int, duration time.Duration, correlationID string) {
	attrs := []slog.Attr{
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
		slog.Int("status", status),
		slog.Duration("duration", duration),
		slog.String("remote_addr", r.RemoteAddr),
		slog.String("correlation_id", correlationID),
	}
	level := slog.LevelInfo
	if status >= http.StatusInternalServerError {
		level = slog.LevelError
	}
	m.logger.LogAttrs(r.Context(), level, "request completed", attrs...)
}

// handleHealthz handles liveness health check requests
func (m *Mux) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// handleReadyz probes the key-value store.
func (m *Mux) handleReadyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	// ErrNotFound means the store answered
	_, err := m.d.Store.Get(ctx, "readyz-probe")
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready"))
		return
	}

	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}
