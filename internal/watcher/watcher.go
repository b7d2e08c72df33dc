// Package watcher follows the head of one beacon node until the node is removed.
package watcher

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/loykin/beaconvisor/internal/eth2"
	"github.com/loykin/beaconvisor/internal/metrics"
	"github.com/loykin/beaconvisor/internal/store"
)

// State is the lifecycle phase of a watcher.
type State int32

const (
	Idle State = iota
	Resolving
	Streaming
	Terminated
)

func (s State) String() string {
	switch s {
	case Resolving:
		return "resolving"
	case Streaming:
		return "streaming"
	case Terminated:
		return "terminated"
	default:
		return "idle"
	}
}

// Source resolves a node's network and opens its head stream.
type Source interface {
	NetworkConfig(ctx context.Context, url string) (eth2.NetworkConfig, error)
	Subscribe(ctx context.Context, url string) (eth2.EventStream, error)
}

// Updater receives head updates, in stream order, for one URL.
type Updater interface {
	UpdateHead(ctx context.Context, url string, slot uint64, status store.Status) error
}

type Config struct {
	URL     string
	Source  Source
	Updater Updater
	// Removals carries the URL of every removed node. Only a matching URL stops the
	// watcher; a closed channel stops it too.
	Removals <-chan string
	Logger   *slog.Logger
	// RetryDelay separates subscription attempts.
	RetryDelay time.Duration
	// Now is the wall clock used for sync status; defaults to time.Now.
	Now func() time.Time
}

type Watcher struct {
	cfg   Config
	log   *slog.Logger
	state atomic.Int32
	net   atomic.Pointer[eth2.NetworkConfig]
}

func New(cfg Config) *Watcher {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 2 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Watcher{cfg: cfg, log: cfg.Logger.With("url", cfg.URL)}
}

func (w *Watcher) URL() string { return w.cfg.URL }

func (w *Watcher) State() State { return State(w.state.Load()) }

// Network returns the resolved network config, or false while still resolving.
func (w *Watcher) Network() (eth2.NetworkConfig, bool) {
	p := w.net.Load()
	if p == nil {
		return eth2.NetworkConfig{}, false
	}
	return *p, true
}

func (w *Watcher) setState(s State) {
	w.state.Store(int32(s))
	w.log.Debug("watcher state", "state", s.String())
}

var errRemoved = errors.New("node removed")

// Run blocks until the node's URL arrives on Removals or ctx ends.
func (w *Watcher) Run(ctx context.Context) {
	defer w.setState(Terminated)

	w.setState(Resolving)
	cfg, err := w.resolve(ctx)
	if err != nil {
		return
	}
	w.net.Store(&cfg)
	w.log.Info("watching head", "network", cfg.Name)

	for {
		stream, err := w.cfg.Source.Subscribe(ctx, w.cfg.URL)
		if err != nil {
			metrics.IncStreamErrors()
			w.log.Error("head subscription failed", "error", err)
			if w.pause(ctx) != nil {
				return
			}
			continue
		}
		w.setState(Streaming)
		err = w.stream(ctx, stream, cfg)
		stream.Stop()
		if err != nil {
			return
		}
		w.log.Warn("head stream ended, resubscribing")
		if w.pause(ctx) != nil {
			return
		}
	}
}

// resolve fetches the network config while still honouring removal.
func (w *Watcher) resolve(ctx context.Context) (eth2.NetworkConfig, error) {
	rctx, cancel := context.WithCancel(ctx)
	defer cancel()
	type result struct {
		cfg eth2.NetworkConfig
		err error
	}
	ch := make(chan result, 1)
	go func() {
		c, err := w.cfg.Source.NetworkConfig(rctx, w.cfg.URL)
		ch <- result{c, err}
	}()
	for {
		select {
		case <-ctx.Done():
			return eth2.NetworkConfig{}, ctx.Err()
		case u, ok := <-w.cfg.Removals:
			if !ok || u == w.cfg.URL {
				return eth2.NetworkConfig{}, errRemoved
			}
		case r := <-ch:
			if r.err != nil || r.cfg.SecondsPerSlot == 0 {
				w.log.Warn("network config unavailable, using mainnet defaults", "error", r.err)
				return eth2.MainnetConfig(), nil
			}
			return r.cfg, nil
		}
	}
}

// stream applies head events until removal (errRemoved), ctx end, or the stream closing (nil).
func (w *Watcher) stream(ctx context.Context, s eth2.EventStream, cfg eth2.NetworkConfig) error {
	for {
		// a pending removal wins over a pending head event
		select {
		case u, ok := <-w.cfg.Removals:
			if !ok || u == w.cfg.URL {
				return errRemoved
			}
			continue
		default:
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case u, ok := <-w.cfg.Removals:
			if !ok || u == w.cfg.URL {
				return errRemoved
			}
		case ev := <-s.Heads():
			w.apply(ctx, ev, cfg)
		case err := <-s.Errors():
			metrics.IncStreamErrors()
			w.log.Warn("head stream error", "error", err)
		case <-s.Done():
			return nil
		}
	}
}

func (w *Watcher) apply(ctx context.Context, ev eth2.HeadEvent, cfg eth2.NetworkConfig) {
	status := store.StatusSyncing
	if cfg.Synced(ev.Slot, w.cfg.Now()) {
		status = store.StatusActive
	}
	metrics.IncHeadEvents()
	if err := w.cfg.Updater.UpdateHead(ctx, w.cfg.URL, ev.Slot, status); err != nil {
		w.log.Warn("head update failed", "slot", ev.Slot, "error", err)
	}
}

// pause waits RetryDelay; it fails on removal or ctx end.
func (w *Watcher) pause(ctx context.Context) error {
	t := time.NewTimer(w.cfg.RetryDelay)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case u, ok := <-w.cfg.Removals:
			if !ok || u == w.cfg.URL {
				return errRemoved
			}
		case <-t.C:
			return nil
		}
	}
}
