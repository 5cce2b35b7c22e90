package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// NATSConfig configures the NATS connection.
type NATSConfig struct {
	URL            string
	Name           string
	SubjectPrefix  string
	ReconnectWait  time.Duration
	MaxReconnects  int
	ConnectTimeout time.Duration
}

// NATS publishes events on "<prefix>.<type>" subjects.
type NATS struct {
	conn   *nats.Conn
	prefix string
	logger zerolog.Logger
}

func NewNATS(cfg NATSConfig, logger zerolog.Logger) (*NATS, error) {
	if cfg.SubjectPrefix == "" {
		cfg.SubjectPrefix = "triage"
	}
	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.Timeout(cfg.ConnectTimeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn().Err(err).Msg("nats disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info().Str("url", nc.ConnectedUrl()).Msg("nats reconnected")
		}),
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	return &NATS{conn: conn, prefix: cfg.SubjectPrefix, logger: logger}, nil
}

// Subject returns the subject an event of type t is published on.
func Subject(prefix string, t Type) string {
	return prefix + "." + string(t)
}

func (n *NATS) Publish(_ context.Context, e Event) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := n.conn.Publish(Subject(n.prefix, e.Type), payload); err != nil {
		return fmt.Errorf("publish %s: %w", e.Type, err)
	}
	return nil
}

// Relay subscribes to every event under the prefix and forwards it to sink.
// It lets each server instance feed its own websocket hub from the shared bus.
func (n *NATS) Relay(ctx context.Context, sink Publisher) (func() error, error) {
	sub, err := n.conn.Subscribe(n.prefix+".>", func(msg *nats.Msg) {
		var e Event
		if err := json.Unmarshal(msg.Data, &e); err != nil {
			n.logger.Warn().Err(err).Str("subject", msg.Subject).Msg("drop malformed event")
			return
		}
		if err := sink.Publish(ctx, e); err != nil {
			n.logger.Warn().Err(err).Str("event_id", e.ID).Msg("relay event")
		}
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe %s.>: %w", n.prefix, err)
	}
	return sub.Unsubscribe, nil
}

// Close drains pending messages and closes the connection.
func (n *NATS) Close() error {
	return n.conn.Drain()
}
