// Package event publishes collection state changes so that presentation
// layers and other services can follow a field session without polling.
package event

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/planurbi/fieldcollect/internal/metrics"
	"github.com/planurbi/fieldcollect/internal/model"
)

// Event types, also used as NATS subjects.
const (
	TypeStateChanged = "collect.workflow.state_changed"
	TypeCollected    = "collect.uploads.collected"
	TypeReconciled   = "collect.ledger.reconciled"
)

// StreamName is the JetStream stream carrying every collection event.
const StreamName = "FIELD_COLLECT"

// StateChanged is the payload of a workflow transition.
type StateChanged struct {
	From       string `json:"from"`
	To         string `json:"to"`
	PropertyID string `json:"propertyId,omitempty"`
	Error      string `json:"error,omitempty"`
}

// Reconciled is the payload of a reconciliation run.
type Reconciled struct {
	Listed   int      `json:"listed"`
	AddedIDs []string `json:"addedIds"`
}

// Publisher interface defines the event publishing operations required by the collection service.
type Publisher interface {
	PublishStateChanged(ctx context.Context, ev StateChanged) error
	PublishCollected(ctx context.Context, rec model.UploadRecord) error
	PublishReconciled(ctx context.Context, ev Reconciled) error

	// Close closes the publisher connection
	Close() error
}

// EventEnvelope represents the standard event envelope structure.
// All published events are wrapped in this envelope for consistency.
type EventEnvelope struct {
	Type          string      `json:"type"`          // Event type identifier
	Version       string      `json:"version"`       // Event schema version
	OccurredAt    time.Time   `json:"occurredAt"`    // When the event occurred
	CorrelationID string      `json:"correlationId"` // Correlation ID for tracing
	Payload       interface{} `json:"payload"`       // Event-specific data
}

// NewEnvelope wraps payload with a fresh correlation id.
func NewEnvelope(eventType string, payload interface{}) EventEnvelope {
	return EventEnvelope{
		Type:          eventType,
		Version:       "1.0.0",
		OccurredAt:    time.Now().UTC(),
		CorrelationID: uuid.New().String(),
		Payload:       payload,
	}
}

// Noop is a Publisher that drops every event. It is used when NATS is not
// configured so the service works without event streaming.
type Noop struct{}

func (Noop) PublishStateChanged(context.Context, StateChanged) error     { return nil }
func (Noop) PublishCollected(context.Context, model.UploadRecord) error { return nil }
func (Noop) PublishReconciled(context.Context, Reconciled) error        { return nil }
func (Noop) Close() error                                               { return nil }

// natsPub is the NATS JetStream implementation of Publisher.
type natsPub struct {
	nc      *nats.Conn            // NATS connection
	js      nats.JetStreamContext // JetStream context for stream operations
	metrics *metrics.Metrics
}

// NewNATSPublisher connects to url and ensures the stream exists. An empty url,
// or any connection failure, yields a Noop publisher.
func NewNATSPublisher(url string, logger *slog.Logger) Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	if url == "" {
		return Noop{}
	}

	nc, err := nats.Connect(url, nats.Name("fieldcollect"))
	if err != nil {
		logger.Warn("NATS connect failed, using noop publisher", "error", err)
		return Noop{}
	}

	js, err := nc.JetStream()
	if err != nil {
		logger.Warn("NATS JetStream context creation failed, using noop publisher", "error", err)
		nc.Close()
		return Noop{}
	}

	if err := initStream(js); err != nil {
		logger.Warn("NATS stream initialization failed, using noop publisher", "error", err)
		nc.Close()
		return Noop{}
	}

	return &natsPub{nc: nc, js: js, metrics: metrics.NewMetrics()}
}

// initStream creates the FIELD_COLLECT stream when it does not exist yet.
func initStream(js nats.JetStreamContext) error {
	cfg := &nats.StreamConfig{
		Name:      StreamName,
		Subjects:  []string{"collect.>"},
		Retention: nats.LimitsPolicy,
		MaxAge:    7 * 24 * time.Hour, // a campaign week
		Discard:   nats.DiscardOld,
		Storage:   nats.FileStorage,
	}
	if _, err := js.StreamInfo(StreamName); err == nil {
		return nil
	} else if !errors.Is(err, nats.ErrStreamNotFound) {
		return fmt.Errorf("failed to look up %s stream: %w", StreamName, err)
	}
	if _, err := js.AddStream(cfg); err != nil {
		return fmt.Errorf("failed to create %s stream: %w", StreamName, err)
	}
	return nil
}

// Close closes the NATS connection.
func (p *natsPub) Close() error {
	if p.nc != nil {
		p.nc.Close()
	}
	return nil
}

func (p *natsPub) publish(ctx context.Context, eventType string, payload interface{}) error {
	b, err := json.Marshal(NewEnvelope(eventType, payload))
	if err != nil {
		p.metrics.EventPublishTotal.WithLabelValues(eventType, "error").Inc()
		return err
	}
	if _, err := p.js.Publish(eventType, b, nats.Context(ctx)); err != nil {
		p.metrics.EventPublishTotal.WithLabelValues(eventType, "error").Inc()
		return err
	}
	p.metrics.EventPublishTotal.WithLabelValues(eventType, "ok").Inc()
	return nil
}

// PublishStateChanged publishes a workflow transition.
func (p *natsPub) PublishStateChanged(ctx context.Context, ev StateChanged) error {
	return p.publish(ctx, TypeStateChanged, ev)
}

// PublishCollected publishes the audit record of a successful upload.
func (p *natsPub) PublishCollected(ctx context.Context, rec model.UploadRecord) error {
	return p.publish(ctx, TypeCollected, rec)
}

// PublishReconciled publishes the outcome of a reconciliation run.
func (p *natsPub) PublishReconciled(ctx context.Context, ev Reconciled) error {
	return p.publish(ctx, TypeReconciled, ev)
}
