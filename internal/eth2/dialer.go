package eth2

import (
	"context"
	"log/slog"
	"net/http"
	"time"
)

// Dialer builds per-node clients that share one transport.
type Dialer struct {
	transport http.RoundTripper
	timeout   time.Duration
	stream    StreamConfig
	logger    *slog.Logger
}

func NewDialer(timeout time.Duration, stream StreamConfig, logger *slog.Logger) *Dialer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dialer{
		transport: http.DefaultTransport.(*http.Transport).Clone(),
		timeout:   timeout,
		stream:    stream,
		logger:    logger,
	}
}

// Client returns a client for the node at url.
func (d *Dialer) Client(url string) *Client {
	return New(Config{BaseURL: url, Timeout: d.timeout, Logger: d.logger, Transport: d.transport, Stream: d.stream})
}

func (d *Dialer) NetworkConfig(ctx context.Context, url string) (NetworkConfig, error) {
	return d.Client(url).NetworkConfig(ctx)
}

// Subscribe opens a head event stream against url.
func (d *Dialer) Subscribe(ctx context.Context, url string) (EventStream, error) {
	return d.Client(url).Events(ctx, TopicHead)
}

func (d *Dialer) Syncing(ctx context.Context, url string) (SyncStatus, error) {
	return d.Client(url).Syncing(ctx)
}
