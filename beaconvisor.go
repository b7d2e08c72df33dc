package beaconvisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/beaconvisor/internal/beacon"
	"github.com/loykin/beaconvisor/internal/config"
	"github.com/loykin/beaconvisor/internal/container"
	"github.com/loykin/beaconvisor/internal/container/docker"
	"github.com/loykin/beaconvisor/internal/eth2"
	"github.com/loykin/beaconvisor/internal/history"
	hfactory "github.com/loykin/beaconvisor/internal/history/factory"
	"github.com/loykin/beaconvisor/internal/metrics"
	"github.com/loykin/beaconvisor/internal/orchestrator"
	"github.com/loykin/beaconvisor/internal/server"
	"github.com/loykin/beaconvisor/internal/store"
	sfactory "github.com/loykin/beaconvisor/internal/store/factory"
	apitls "github.com/loykin/beaconvisor/internal/tls"
)

// Re-export core types for external consumers.

type Config = config.Config

type Node = store.TrackedNode

type NodeStatus = store.Status

type DockerInfo = store.DockerInfo

type LocalNodeOptions = beacon.LocalNodeOptions

type Network = beacon.Network

type Event = orchestrator.Event

type Status = orchestrator.Status

type HistorySink = history.Sink

// HeadSource supplies network parameters, head streams and sync probes per node URL.
type HeadSource = orchestrator.HeadSource

const (
	StatusOffline = store.StatusOffline
	StatusSyncing = store.StatusSyncing
	StatusActive  = store.StatusActive
)

var (
	ErrNotFound        = store.ErrNotFound
	ErrPersistence     = store.ErrPersistence
	ErrImagePullFailed = beacon.ErrImagePullFailed
	ErrClosed          = orchestrator.ErrClosed
)

func LoadConfig(path string) (*Config, error) { return config.Load(path) }

func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }
func RegisterMetricsDefault() error                 { return metrics.Register(prometheus.DefaultRegisterer) }

type daemonOptions struct {
	runtime container.Runtime
	source  HeadSource
	logger  *slog.Logger
	sinks   []history.Sink
}

// Option customises a Daemon.
type Option func(*daemonOptions)

// WithRuntime replaces the Docker runtime.
func WithRuntime(rt container.Runtime) Option { return func(o *daemonOptions) { o.runtime = rt } }

// WithHeadSource replaces the beacon API client used for head streams and probes.
func WithHeadSource(s HeadSource) Option { return func(o *daemonOptions) { o.source = s } }

func WithLogger(l *slog.Logger) Option { return func(o *daemonOptions) { o.logger = l } }

// WithHistorySinks adds sinks next to the ones configured by DSN.
func WithHistorySinks(s ...HistorySink) Option {
	return func(o *daemonOptions) { o.sinks = append(o.sinks, s...) }
}

// Daemon assembles the store, container runtime, head source and orchestrator
// described by a Config. The orchestrator intents are promoted onto it.
type Daemon struct {
	*orchestrator.Orchestrator

	cfg     *Config
	log     *slog.Logger
	store   store.Store
	runtime io.Closer
	sinks   []history.Sink
}

// NewDaemon opens the configured store and runtime and starts the orchestrator.
func NewDaemon(cfg *Config, opts ...Option) (*Daemon, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	var o daemonOptions
	for _, opt := range opts {
		opt(&o)
	}
	log := o.logger
	if log == nil {
		log = cfg.Log.NewSlogger()
	}

	d := &Daemon{cfg: cfg, log: log}
	ok := false
	defer func() {
		if !ok {
			d.closeResources()
		}
	}()

	st, err := sfactory.New(cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	d.store = st

	rt := o.runtime
	if rt == nil {
		drt, err := docker.New(log, cfg.Docker)
		if err != nil {
			return nil, err
		}
		d.runtime = drt
		rt = drt
	}

	src := o.source
	if src == nil {
		src = eth2.NewDialer(cfg.Eth2.Timeout, cfg.Eth2.Stream, log)
	}

	d.sinks = o.sinks
	if cfg.History.Enabled {
		sinks, err := hfactory.NewSinks(cfg.History.Sinks)
		if err != nil {
			return nil, fmt.Errorf("history sinks: %w", err)
		}
		d.sinks = append(d.sinks, sinks...)
	}

	orch, err := orchestrator.New(orchestrator.Options{
		Store:        st,
		Runtime:      rt,
		Registry:     container.NewRegistry(),
		Source:       src,
		Networks:     cfg.Catalog(),
		Commands:     beacon.LighthouseCommand{},
		Readiness:    cfg.Readiness.ReadinessConfig,
		WaitReady:    cfg.Readiness.Wait,
		ContainerLog: cfg.Log.ContainerLog,
		Logger:       log,
		WatchRetry:   cfg.Eth2.WatchRetry,
		EventBuffer:  cfg.History.Buffer,
	})
	if err != nil {
		return nil, err
	}
	d.Orchestrator = orch
	ok = true
	return d, nil
}

// Handler returns the HTTP API mounted at the configured base path.
func (d *Daemon) Handler() http.Handler {
	return server.NewRouter(d, d.cfg.Server.BasePath, d.cfg.Metrics.Enabled).Handler()
}

// Start resumes the persisted nodes, tracks the configured remote nodes and begins
// forwarding events to the history sinks until ctx ends.
func (d *Daemon) Start(ctx context.Context) error {
	if len(d.sinks) > 0 {
		events, unsubscribe := d.Subscribe()
		go func() {
			defer unsubscribe()
			history.Forward(ctx, events, d.sinks, d.log)
		}()
	}
	nodes, err := d.InitializeFromStore(ctx)
	if err != nil {
		return fmt.Errorf("initialize from store: %w", err)
	}
	d.log.Info("nodes loaded", "count", len(nodes))
	for _, n := range d.cfg.Nodes {
		if _, err := d.TrackNode(ctx, n.URL, nil); err != nil {
			d.log.Warn("failed to track configured node", "url", n.URL, "error", err)
		}
	}
	return nil
}

// Run starts the daemon and serves the HTTP API until ctx ends or the listener fails.
func (d *Daemon) Run(ctx context.Context) error {
	if d.cfg.Metrics.Enabled {
		if err := RegisterMetricsDefault(); err != nil {
			d.log.Warn("failed to register metrics", "error", err)
		}
	}
	tlsCfg, err := apitls.Setup(d.cfg.Server.TLS)
	if err != nil {
		return errors.Join(fmt.Errorf("tls: %w", err), d.Close(ctx))
	}
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if err := d.Start(runCtx); err != nil {
		return errors.Join(err, d.Close(context.Background()))
	}

	srv, errc := server.NewServer(d.cfg.Server.Listen, server.NewRouter(d, d.cfg.Server.BasePath, d.cfg.Metrics.Enabled), tlsCfg)
	d.log.Info("serving", "listen", d.cfg.Server.Listen, "base_path", d.cfg.Server.BasePath, "tls", tlsCfg != nil)

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errc:
	}
	d.log.Info("shutting down")

	sctx, scancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer scancel()
	_ = srv.Shutdown(sctx)
	cancel()
	return errors.Join(serveErr, d.Close(sctx))
}

// Close stops every watcher and releases the store, sinks and runtime. Containers keep running.
func (d *Daemon) Close(ctx context.Context) error {
	var err error
	if d.Orchestrator != nil {
		err = d.Shutdown(ctx)
	}
	return errors.Join(err, d.closeResources())
}

func (d *Daemon) closeResources() error {
	var errs []error
	for _, s := range d.sinks {
		errs = append(errs, s.Close())
	}
	d.sinks = nil
	if d.store != nil {
		errs = append(errs, d.store.Close())
		d.store = nil
	}
	if d.runtime != nil {
		errs = append(errs, d.runtime.Close())
		d.runtime = nil
	}
	return errors.Join(errs...)
}
