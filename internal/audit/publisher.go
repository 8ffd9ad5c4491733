// Package audit publishes search audit events to NATS. Every search
// leaves a record of who asked, what scope applied, and what came
// back; downstream consumers persist or alert on the stream.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/mruwnik/memory-sub003/internal/config"
	"github.com/mruwnik/memory-sub003/internal/logging"
	"github.com/mruwnik/memory-sub003/internal/search"
)

// Event is the wire form of one search audit record. EventID is unique
// per event so consumers can deduplicate redeliveries.
type Event struct {
	EventID      string    `json:"event_id"`
	ActorID      *int64    `json:"actor_id,omitempty"`
	Kind         string    `json:"kind"`
	Unrestricted bool      `json:"unrestricted"`
	ProjectIDs   []int64   `json:"project_ids,omitempty"`
	PersonID     *int64    `json:"person_id,omitempty"`
	Collections  []string  `json:"collections,omitempty"`
	Hits         int       `json:"hits"`
	Denied       bool      `json:"denied"`
	Degraded     []string  `json:"degraded,omitempty"`
	DurationMS   int64     `json:"duration_ms"`
	Timestamp    time.Time `json:"timestamp"`
}

// Publisher sends one JSON message per completed search. Publish
// failures are logged and dropped: the audit trail must never block
// or fail a search.
type Publisher struct {
	nc      *nats.Conn
	subject string
	timeout time.Duration
	logger  *logging.Logger
}

// Connect dials NATS and returns a publisher on the configured
// subject. The connection retries in the background, so a NATS outage
// at startup degrades to dropped events rather than a dead daemon.
func Connect(cfg config.AuditConfig, logger *logging.Logger) (*Publisher, error) {
	nc, err := nats.Connect(cfg.URL,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(1*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to NATS at %s: %w", cfg.URL, err)
	}
	return NewPublisher(nc, cfg, logger), nil
}

// NewPublisher wraps an existing connection. The publisher does not
// own reconnection policy; tests and the daemon configure their own.
func NewPublisher(nc *nats.Conn, cfg config.AuditConfig, logger *logging.Logger) *Publisher {
	if logger == nil {
		logger = logging.NewNop()
	}
	subject := cfg.Subject
	if subject == "" {
		subject = "memory.audit.search"
	}
	return &Publisher{
		nc:      nc,
		subject: subject,
		timeout: cfg.PublishTimeout.Duration(),
		logger:  logger,
	}
}

// SearchCompleted implements search.Auditor. The actor id is read
// from the context where the request layer stored it.
func (p *Publisher) SearchCompleted(ctx context.Context, event search.AuditEvent) {
	wire := Event{
		EventID:      uuid.New().String(),
		Kind:         event.Kind,
		Unrestricted: event.Unrestricted,
		ProjectIDs:   event.ProjectIDs,
		PersonID:     event.PersonID,
		Collections:  event.Collections,
		Hits:         event.Hits,
		Denied:       event.Denied,
		Degraded:     event.Degraded,
		DurationMS:   event.Duration.Milliseconds(),
		Timestamp:    time.Now().UTC(),
	}
	if actorID, ok := logging.ActorIDFromContext(ctx); ok {
		wire.ActorID = &actorID
	}

	data, err := json.Marshal(wire)
	if err != nil {
		p.logger.Error(ctx, "Audit event marshal failed", zap.Error(err))
		recordAudit("error")
		return
	}

	if err := p.nc.Publish(p.subject, data); err != nil {
		p.logger.Warn(ctx, "Audit publish failed",
			zap.String("subject", p.subject),
			zap.Error(err))
		recordAudit("failure")
		return
	}
	recordAudit("success")
}

// Close flushes pending events within the publish timeout and closes
// the connection.
func (p *Publisher) Close() error {
	if p.nc == nil {
		return nil
	}
	var err error
	if p.timeout > 0 {
		err = p.nc.FlushTimeout(p.timeout)
	} else {
		err = p.nc.Flush()
	}
	p.nc.Close()
	if err != nil {
		return fmt.Errorf("flushing audit events: %w", err)
	}
	return nil
}

var _ search.Auditor = (*Publisher)(nil)
