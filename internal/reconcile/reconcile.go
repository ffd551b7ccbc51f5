// Package reconcile merges evidence of earlier uploads, found in the remote
// folder, into the collection ledger.
//
// Reconciliation is additive only. A file that disappears remotely never
// removes a ledger entry, and re-running with the same listing changes nothing.
package reconcile

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/planurbi/fieldcollect/internal/dataset"
	errordefs "github.com/planurbi/fieldcollect/internal/errors"
	"github.com/planurbi/fieldcollect/internal/event"
	"github.com/planurbi/fieldcollect/internal/ledger"
	"github.com/planurbi/fieldcollect/internal/metrics"
	"github.com/planurbi/fieldcollect/internal/model"
	"github.com/planurbi/fieldcollect/internal/remote"
	"github.com/planurbi/fieldcollect/internal/telemetry"
)

// imageExtensions are stripped from remote file names before matching.
var imageExtensions = []string{".jpeg", ".jpg", ".png"}

// TokenProvider hands out the access credential for remote storage.
type TokenProvider interface {
	Token(ctx context.Context, interactive bool) (string, error)
	Invalidate()
}

// Result lists the ids newly added by one run.
type Result struct {
	AddedIDs []string `json:"addedIds"`
	Listed   int      `json:"listed"`
	Degraded bool     `json:"degraded,omitempty"` // no credential, remote not consulted
}

// CandidateKey returns name without a trailing image extension, compared
// without regard to case. Other names are returned unchanged.
func CandidateKey(name string) string {
	lower := strings.ToLower(name)
	for _, ext := range imageExtensions {
		if strings.HasSuffix(lower, ext) {
			return name[:len(name)-len(ext)]
		}
	}
	return name
}

// Match resolves a remote file name to a property. The alternate id is
// preferred over the primary id.
func Match(ds *dataset.Dataset, name string) (model.PropertyRecord, bool) {
	key := CandidateKey(name)
	if key == "" {
		return model.PropertyRecord{}, false
	}
	if rec, ok := ds.ByAltID(key); ok {
		return rec, true
	}
	return ds.ByID(key)
}

// Reconcile adds to l every property with a matching file in files.
// Unmatched files are ignored.
func Reconcile(ctx context.Context, ds *dataset.Dataset, l *ledger.Ledger, files []model.RemoteFileEntry) Result {
	res := Result{AddedIDs: []string{}, Listed: len(files)}
	for _, f := range files {
		rec, ok := Match(ds, f.Name)
		if !ok {
			continue
		}
		// a failed write-through keeps the id marked; the ledger logs it
		if added, _ := l.Add(ctx, rec.ID); added {
			res.AddedIDs = append(res.AddedIDs, rec.ID)
		}
	}
	return res
}

// Engine runs reconciliation against the remote folder.
type Engine struct {
	remote    remote.Storage
	tokens    TokenProvider
	folderID  string
	publisher event.Publisher
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

// NewEngine creates an Engine for one remote folder.
func NewEngine(st remote.Storage, tokens TokenProvider, folderID string, pub event.Publisher, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if pub == nil {
		pub = event.Noop{}
	}
	return &Engine{
		remote:    st,
		tokens:    tokens,
		folderID:  folderID,
		publisher: pub,
		metrics:   metrics.NewMetrics(),
		logger:    logger.With("component", "reconcile"),
	}
}

// Run lists the remote folder and reconciles it into l. Without a credential
// it returns an empty, degraded result and no error. Listing failures leave
// the ledger untouched; an expired credential is invalidated and reported as
// AUTH_EXPIRED.
func (e *Engine) Run(ctx context.Context, ds *dataset.Dataset, l *ledger.Ledger) (Result, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "reconcile.Run")
	defer span.End()
	start := time.Now()

	token, err := e.tokens.Token(ctx, false)
	if err != nil {
		e.logger.Info("no credential, skipping remote reconciliation", "error", err)
		e.metrics.ReconcileTotal.WithLabelValues("degraded").Inc()
		span.SetAttributes(attribute.Bool("reconcile.degraded", true))
		return Result{AddedIDs: []string{}, Degraded: true}, nil
	}

	files, err := e.remote.ListFiles(ctx, token, e.folderID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "listing failed")
		if errordefs.Is(err, errordefs.AUTH_EXPIRED) {
			e.tokens.Invalidate()
			e.metrics.ReconcileTotal.WithLabelValues("auth_expired").Inc()
			e.logger.Warn("credential expired during listing", "folder_id", e.folderID)
			return Result{AddedIDs: []string{}}, err
		}
		e.metrics.ReconcileTotal.WithLabelValues("error").Inc()
		e.logger.Error("remote listing failed", "folder_id", e.folderID, "error", err)
		if _, ok := err.(*errordefs.Error); ok {
			return Result{AddedIDs: []string{}}, err
		}
		return Result{AddedIDs: []string{}}, errordefs.Wrap(errordefs.TRANSPORT, "remote listing failed", err)
	}

	res := Reconcile(ctx, ds, l, files)
	e.metrics.ReconcileTotal.WithLabelValues("ok").Inc()
	e.metrics.ReconcileAddedTotal.Add(float64(len(res.AddedIDs)))
	span.SetAttributes(
		attribute.Int("reconcile.listed", res.Listed),
		attribute.Int("reconcile.added", len(res.AddedIDs)),
	)
	e.logger.Info("reconciliation complete",
		"listed", res.Listed,
		"added", len(res.AddedIDs),
		"duration_ms", time.Since(start).Milliseconds(),
	)

	if err := e.publisher.PublishReconciled(ctx, event.Reconciled{Listed: res.Listed, AddedIDs: res.AddedIDs}); err != nil {
		e.logger.Warn("failed to publish reconciliation event", "error", err)
	}
	return res, nil
}
