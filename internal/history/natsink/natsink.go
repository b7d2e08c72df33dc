package natsink

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/loykin/beaconvisor/internal/history"
)

// DefaultSubjectPrefix is used when no prefix is given.
const DefaultSubjectPrefix = "beaconvisor.events"

// Sink publishes history events as JSON on <prefix>.<event type>.
type Sink struct {
	nc     *nats.Conn
	prefix string
}

func New(url, prefix string) (*Sink, error) {
	nc, err := nats.Connect(url,
		nats.Name("beaconvisor-history"),
		nats.Timeout(5*time.Second),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	return NewWithConn(nc, prefix), nil
}

// NewWithConn wraps an existing connection. Close drains it.
func NewWithConn(nc *nats.Conn, prefix string) *Sink {
	prefix = strings.Trim(strings.TrimSpace(prefix), ".")
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return &Sink{nc: nc, prefix: prefix}
}

// Subject returns the subject events of type t are published on.
func (s *Sink) Subject(t history.EventType) string {
	return s.prefix + "." + string(t)
}

func (s *Sink) Send(ctx context.Context, e history.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	if err := s.nc.Publish(s.Subject(e.Type), data); err != nil {
		return fmt.Errorf("failed to publish %s event: %w", e.Type, err)
	}
	return nil
}

func (s *Sink) Close() error {
	if s.nc == nil || s.nc.IsClosed() {
		return nil
	}
	return s.nc.Drain()
}
