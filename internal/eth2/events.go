package eth2

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/r3labs/sse/v2"
)

// TopicHead is the event topic announcing a new chain head.
const TopicHead = "head"

// ErrStreamSubscription wraps failures to open or keep an event subscription.
var ErrStreamSubscription = errors.New("event stream subscription failed")

type HeadEvent struct {
	Slot            uint64 `json:"slot,string"`
	Block           string `json:"block"`
	State           string `json:"state"`
	EpochTransition bool   `json:"epoch_transition"`
}

// EventStream delivers head events in the order the node sent them. Channels are never
// closed; Done is closed once the stream has stopped for good.
type EventStream interface {
	Heads() <-chan HeadEvent
	Errors() <-chan error
	Done() <-chan struct{}
	Stop()
}

type sseStream struct {
	heads  chan HeadEvent
	errs   chan error
	done   chan struct{}
	cancel context.CancelFunc
	once   sync.Once
}

func (s *sseStream) Heads() <-chan HeadEvent { return s.heads }
func (s *sseStream) Errors() <-chan error    { return s.errs }
func (s *sseStream) Done() <-chan struct{}   { return s.done }

// Stop closes the subscription and waits for the reader to exit.
func (s *sseStream) Stop() {
	s.once.Do(s.cancel)
	<-s.done
}

// errors are advisory; drop them rather than stall the reader
func (s *sseStream) reportErr(err error) {
	select {
	case s.errs <- err:
	default:
	}
}

// Events subscribes to the node's server-sent events for topics (default: head).
// Reconnects happen inside the stream with exponential backoff until Stop or ctx ends.
func (c *Client) Events(ctx context.Context, topics ...string) (EventStream, error) {
	if len(topics) == 0 {
		topics = []string{TopicHead}
	}
	u, err := url.Parse(c.baseURL + PathEvents)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStreamSubscription, err)
	}
	q := u.Query()
	q.Set("topics", strings.Join(topics, ","))
	u.RawQuery = q.Encode()

	sctx, cancel := context.WithCancel(ctx)
	s := &sseStream{
		heads:  make(chan HeadEvent, 16),
		errs:   make(chan error, 8),
		done:   make(chan struct{}),
		cancel: cancel,
	}

	client := sse.NewClient(u.String())
	// streams stay open indefinitely, so no client timeout
	client.Connection = &http.Client{Transport: c.client.Transport}
	client.Headers["Accept"] = "text/event-stream"
	client.ReconnectStrategy = backoff.WithContext(backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(c.stream.InitialBackoff),
		backoff.WithMaxInterval(c.stream.MaxBackoff),
		backoff.WithMaxElapsedTime(0),
	), sctx)
	client.ReconnectNotify = func(err error, next time.Duration) {
		c.logger.Warn("event stream interrupted", "url", c.baseURL, "retry_in", next, "error", err)
		s.reportErr(fmt.Errorf("%w: %v", ErrStreamSubscription, err))
	}

	go func() {
		defer close(s.done)
		for {
			err := client.SubscribeRawWithContext(sctx, func(msg *sse.Event) {
				s.handle(sctx, msg)
			})
			if sctx.Err() != nil {
				return
			}
			if err != nil {
				s.reportErr(fmt.Errorf("%w: %v", ErrStreamSubscription, err))
			}
			select {
			case <-sctx.Done():
				return
			case <-time.After(c.stream.InitialBackoff):
			}
		}
	}()
	return s, nil
}

func (s *sseStream) handle(ctx context.Context, msg *sse.Event) {
	if len(msg.Data) == 0 {
		return
	}
	if ev := string(msg.Event); ev != "" && ev != TopicHead {
		return
	}
	var head HeadEvent
	if err := json.Unmarshal(msg.Data, &head); err != nil {
		s.reportErr(fmt.Errorf("decode head event: %w", err))
		return
	}
	select {
	case s.heads <- head:
	case <-ctx.Done():
	}
}
