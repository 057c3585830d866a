// Package notify delivers workflow notification intents to the outside world.
// The engine only emits intents; everything here is best effort and an
// undelivered intent stays in the store's outbox for the relay.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/pitabwire/kazi/internal/observability"
	"github.com/pitabwire/kazi/model"
)

// EventTypeStateEntered is the event type of every published intent.
const EventTypeStateEntered = "workflow.state_entered"

// Message is the JSON schema published for an intent.
type Message struct {
	EventType      string    `json:"event_type"`
	IntentID       string    `json:"intent_id"`
	TenantID       string    `json:"tenant_id"`
	InstanceID     string    `json:"instance_id"`
	EventID        string    `json:"event_id"`
	DefinitionName string    `json:"definition_name"`
	EntityType     string    `json:"entity_type"`
	EntityID       string    `json:"entity_id"`
	State          string    `json:"state"`
	RecipientRole  string    `json:"recipient_role"`
	CreatedAt      time.Time `json:"created_at"`
}

// NewMessage converts an intent into its published form.
func NewMessage(in model.NotificationIntent) Message {
	return Message{
		EventType:      EventTypeStateEntered,
		IntentID:       in.ID,
		TenantID:       in.TenantID,
		InstanceID:     in.InstanceID,
		EventID:        in.EventID,
		DefinitionName: in.DefinitionName,
		EntityType:     string(in.EntityType),
		EntityID:       in.EntityID,
		State:          in.State,
		RecipientRole:  in.Role,
		CreatedAt:      in.CreatedAt,
	}
}

// Conn is the subset of *nats.Conn the publisher needs.
type Conn interface {
	PublishMsg(m *nats.Msg) error
	FlushTimeout(timeout time.Duration) error
	Status() nats.Status
}

// NATSPublisher publishes intents to NATS subjects of the form
// <prefix>.<entity_type>.<state>.
type NATSPublisher struct {
	conn         Conn
	prefix       string
	flushTimeout time.Duration
	logger       *zap.Logger
}

// NewNATSPublisher creates a publisher on an established connection.
func NewNATSPublisher(conn Conn, prefix string, flushTimeout time.Duration, logger *zap.Logger) *NATSPublisher {
	if prefix == "" {
		prefix = "kazi.notifications"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NATSPublisher{conn: conn, prefix: prefix, flushTimeout: flushTimeout, logger: logger}
}

// Connect dials NATS and logs connection state changes.
func Connect(url, name string, logger *zap.Logger) (*nats.Conn, error) {
	nc, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("nats reconnected", zap.String("url", c.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats at %s: %w", url, err)
	}
	return nc, nil
}

// Subject returns the subject an intent is published on.
func (p *NATSPublisher) Subject(in model.NotificationIntent) string {
	return strings.Join([]string{p.prefix, token(string(in.EntityType)), token(in.State)}, ".")
}

// Publish sends every intent and flushes. The intent id is used as the
// Nats-Msg-Id header so JetStream streams drop redelivered duplicates.
func (p *NATSPublisher) Publish(ctx context.Context, intents []model.NotificationIntent) error {
	var errs []error
	for _, in := range intents {
		if err := ctx.Err(); err != nil {
			return err
		}
		data, err := json.Marshal(NewMessage(in))
		if err != nil {
			errs = append(errs, fmt.Errorf("marshal intent %s: %w", in.ID, err))
			continue
		}
		msg := nats.NewMsg(p.Subject(in))
		msg.Header.Set(nats.MsgIdHdr, in.ID)
		observability.InjectTraceHeaders(ctx, http.Header(msg.Header))
		msg.Data = data
		if err := p.conn.PublishMsg(msg); err != nil {
			errs = append(errs, fmt.Errorf("publish intent %s: %w", in.ID, err))
			continue
		}
		p.logger.Debug("notification intent published",
			zap.String("subject", msg.Subject),
			zap.String("intent_id", in.ID),
		)
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	if p.flushTimeout > 0 {
		if err := p.conn.FlushTimeout(p.flushTimeout); err != nil {
			return fmt.Errorf("flush nats: %w", err)
		}
	}
	return nil
}

// HealthCheck reports whether the connection is up.
func (p *NATSPublisher) HealthCheck(context.Context) error {
	if s := p.conn.Status(); s != nats.CONNECTED {
		return fmt.Errorf("nats connection is %s", s)
	}
	return nil
}

// token makes s safe for use as a single subject token.
func token(s string) string {
	if s == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t':
			return '_'
		}
		return r
	}, s)
}

// LogPublisher writes intents to the log. It is used when no broker is
// configured.
type LogPublisher struct {
	logger *zap.Logger
}

// NewLogPublisher creates a LogPublisher.
func NewLogPublisher(logger *zap.Logger) *LogPublisher {
	return &LogPublisher{logger: logger}
}

// Publish logs each intent at info level.
func (p *LogPublisher) Publish(_ context.Context, intents []model.NotificationIntent) error {
	for _, in := range intents {
		p.logger.Info("notification intent",
			zap.String("intent_id", in.ID),
			zap.String("tenant_id", in.TenantID),
			zap.String("definition", in.DefinitionName),
			zap.String("entity_type", string(in.EntityType)),
			zap.String("entity_id", in.EntityID),
			zap.String("state", in.State),
			zap.String("role", in.Role),
		)
	}
	return nil
}
