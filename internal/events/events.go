// Package events publishes healing session progress to NATS.
//
// Subjects:
//
//	{prefix}.session.{session_id}.attempt
//	{prefix}.session.{session_id}.closed
//	{prefix}.patterns.promoted
//
// Payloads are JSON. Publishing is best effort: callers log failures and
// carry on, a session never fails because an event could not be sent.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/healerd/internal/envelope"
	"github.com/fyrsmithlabs/healerd/internal/patterns"
)

// DefaultSubjectPrefix is the subject prefix used when none is configured.
const DefaultSubjectPrefix = "healerd"

// AttemptEvent is published after every attempt.
type AttemptEvent struct {
	SessionID string           `json:"session_id"`
	ErrorCode string           `json:"error_code"`
	ClusterID string           `json:"cluster_id"`
	Attempt   envelope.Attempt `json:"attempt"`
}

// ClosedEvent is published when a session ends.
type ClosedEvent struct {
	SessionID string           `json:"session_id"`
	ErrorCode string           `json:"error_code"`
	ClusterID string           `json:"cluster_id"`
	Outcome   envelope.Outcome `json:"outcome"`
	Attempts  int              `json:"attempts"`
	Error     string           `json:"error,omitempty"`
	ClosedAt  time.Time        `json:"closed_at"`
}

// PromotedEvent is published when a fix is recorded as a success pattern.
type PromotedEvent struct {
	SessionID string           `json:"session_id"`
	Pattern   patterns.Pattern `json:"pattern"`
}

// Publisher sends session events.
type Publisher interface {
	PublishAttempt(ctx context.Context, ev AttemptEvent) error
	PublishClosed(ctx context.Context, ev ClosedEvent) error
	PublishPromoted(ctx context.Context, ev PromotedEvent) error
	Close() error
}

// Nop discards every event.
type Nop struct{}

func (Nop) PublishAttempt(context.Context, AttemptEvent) error   { return nil }
func (Nop) PublishClosed(context.Context, ClosedEvent) error     { return nil }
func (Nop) PublishPromoted(context.Context, PromotedEvent) error { return nil }
func (Nop) Close() error                                         { return nil }

// NATSPublisher publishes events on a NATS connection.
type NATSPublisher struct {
	nc     *nats.Conn
	prefix string
	owned  bool
	logger *zap.Logger
}

// NewNATSPublisher wraps an existing connection. The caller keeps ownership of nc.
func NewNATSPublisher(nc *nats.Conn, prefix string, logger *zap.Logger) *NATSPublisher {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NATSPublisher{nc: nc, prefix: prefix, logger: logger}
}

// Connect dials url and returns a publisher that owns the connection.
func Connect(url, prefix string, logger *zap.Logger, opts ...nats.Option) (*NATSPublisher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	opts = append([]nats.Option{
		nats.Name("healerd"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	}, opts...)

	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	p := NewNATSPublisher(nc, prefix, logger)
	p.owned = true
	return p, nil
}

// AttemptSubject returns the subject for a session's attempt events.
func (p *NATSPublisher) AttemptSubject(sessionID string) string {
	return fmt.Sprintf("%s.session.%s.attempt", p.prefix, sessionID)
}

// ClosedSubject returns the subject for a session's closed event.
func (p *NATSPublisher) ClosedSubject(sessionID string) string {
	return fmt.Sprintf("%s.session.%s.closed", p.prefix, sessionID)
}

// PromotedSubject returns the subject for promotion events.
func (p *NATSPublisher) PromotedSubject() string {
	return p.prefix + ".patterns.promoted"
}

// PublishAttempt implements Publisher.
func (p *NATSPublisher) PublishAttempt(_ context.Context, ev AttemptEvent) error {
	return p.publish(p.AttemptSubject(ev.SessionID), ev)
}

// PublishClosed implements Publisher.
func (p *NATSPublisher) PublishClosed(_ context.Context, ev ClosedEvent) error {
	return p.publish(p.ClosedSubject(ev.SessionID), ev)
}

// PublishPromoted implements Publisher.
func (p *NATSPublisher) PublishPromoted(_ context.Context, ev PromotedEvent) error {
	return p.publish(p.PromotedSubject(), ev)
}

func (p *NATSPublisher) publish(subject string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := p.nc.Publish(subject, data); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}

// Close drains the connection if the publisher owns it.
func (p *NATSPublisher) Close() error {
	if !p.owned {
		return nil
	}
	if err := p.nc.Drain(); err != nil {
		p.nc.Close()
		return fmt.Errorf("drain nats: %w", err)
	}
	return nil
}

var (
	_ Publisher = Nop{}
	_ Publisher = (*NATSPublisher)(nil)
)
