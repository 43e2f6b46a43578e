// Package events publishes audit ledger appends to NATS so downstream
// systems can follow compliance activity without polling the ledger.
package events

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/Mindburn-Labs/discloser/pkg/store"
)

const (
	DefaultSubjectPrefix = "discloser.audit"
	eventType            = "eu.discloser.audit.appended"
)

// Conn is the subset of *nats.Conn used by the publisher.
type Conn interface {
	Publish(subject string, data []byte) error
}

// AuditEvent is a CloudEvents 1.0 envelope around one ledger record.
type AuditEvent struct {
	SpecVersion     string             `json:"specversion"`
	ID              string             `json:"id"`
	Source          string             `json:"source"`
	Type            string             `json:"type"`
	Subject         string             `json:"subject"`
	DataContentType string             `json:"datacontenttype"`
	Time            time.Time          `json:"time"`
	Data            *store.AuditRecord `json:"data"`
}

// Publisher forwards ledger records to subject <prefix>.<organization>.
type Publisher struct {
	conn      Conn
	prefix    string
	source    string
	logger    *slog.Logger
	published atomic.Int64
	failed    atomic.Int64
}

func NewPublisher(conn Conn, prefix string) *Publisher {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return &Publisher{
		conn:   conn,
		prefix: prefix,
		source: "discloser/ledger",
		logger: slog.Default().With("component", "audit_events"),
	}
}

// Subject returns the subject used for an organization.
func (p *Publisher) Subject(orgID string) string {
	return p.prefix + "." + subjectToken(orgID)
}

func (p *Publisher) Publish(rec *store.AuditRecord) error {
	subject := p.Subject(rec.OrganizationID)
	data, err := json.Marshal(AuditEvent{
		SpecVersion:     "1.0",
		ID:              rec.ID,
		Source:          p.source,
		Type:            eventType,
		Subject:         fmt.Sprintf("%s/%s", rec.EntityType, rec.EntityID),
		DataContentType: "application/json",
		Time:            rec.CreatedAt,
		Data:            rec,
	})
	if err != nil {
		return fmt.Errorf("marshal audit event: %w", err)
	}
	if err := p.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}

// Handle is a store.EntryHandler. Publish failures are logged and counted;
// the ledger remains the source of truth.
func (p *Publisher) Handle(rec *store.AuditRecord) {
	if err := p.Publish(rec); err != nil {
		p.failed.Add(1)
		p.logger.Warn("audit event not published", "organization_id", rec.OrganizationID, "sequence", rec.Sequence, "error", err)
		return
	}
	p.published.Add(1)
}

// Stats returns published and failed counts.
func (p *Publisher) Stats() (published, failed int64) {
	return p.published.Load(), p.failed.Load()
}

// subjectToken makes an organization id safe to use as one subject token.
func subjectToken(s string) string {
	if s == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\r', '\n':
			return '_'
		}
		return r
	}, s)
}

// Connect dials NATS with reconnect handling suited to a long-running server.
func Connect(url, name string, extra ...nats.Option) (*nats.Conn, error) {
	logger := slog.Default().With("component", "nats")
	opts := []nats.Option{
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
			logger.Error("nats error", "error", err)
		}),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
	}
	opts = append(opts, extra...)

	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	return nc, nil
}
