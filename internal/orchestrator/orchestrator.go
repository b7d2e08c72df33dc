// Package orchestrator dispatches operator intents: it starts local beacon nodes, tracks
// remote ones, and keeps exactly one head watcher alive per tracked node.
package orchestrator

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/loykin/beaconvisor/internal/beacon"
	"github.com/loykin/beaconvisor/internal/container"
	"github.com/loykin/beaconvisor/internal/eth2"
	"github.com/loykin/beaconvisor/internal/history"
	"github.com/loykin/beaconvisor/internal/metrics"
	"github.com/loykin/beaconvisor/internal/store"
	"github.com/loykin/beaconvisor/internal/watcher"
)

// ErrClosed is returned for intents submitted after Shutdown.
var ErrClosed = errors.New("orchestrator is shut down")

// Event is published on the event feed and forwarded to history sinks.
type Event = history.Event

// Prober reads a node's sync status once.
type Prober interface {
	Syncing(ctx context.Context, url string) (eth2.SyncStatus, error)
}

// HeadSource is what the orchestrator needs from the node API: watcher streams plus
// one-shot probes. *eth2.Dialer implements it.
type HeadSource interface {
	watcher.Source
	Prober
}

type Options struct {
	Store    store.Store
	Runtime  container.Runtime
	Registry *container.Registry
	Source   HeadSource
	Networks *beacon.Catalog
	Commands beacon.CommandBuilder
	// Readiness bounds the wait after a local start; WaitReady enables it.
	Readiness beacon.ReadinessConfig
	WaitReady bool
	// ContainerLog, when set, opens the capture file for a started container's output.
	ContainerLog func(name string) io.WriteCloser
	Logger       *slog.Logger
	// WatchRetry separates head subscription attempts.
	WatchRetry time.Duration
	// EventBuffer sizes each event subscriber's channel.
	EventBuffer int
	Now         func() time.Time
}

type task struct {
	w      *watcher.Watcher
	cancel context.CancelFunc
	done   chan struct{}
}

type Orchestrator struct {
	opts       Options
	log        *slog.Logger
	store      store.Store
	controller *beacon.Controller

	ctx      context.Context
	cancel   context.CancelFunc
	ctrl     chan ctrlMsg
	stop     chan struct{}
	loopDone chan struct{}
	once     sync.Once
	wg       sync.WaitGroup

	mu    sync.RWMutex
	nodes map[string]store.TrackedNode
	tasks map[string]*task
	// capturing holds container names whose output is being copied to a file.
	capturing map[string]bool
	// urlLocks serializes track and remove per URL.
	urlLocks sync.Map

	removals *broadcaster[string]
	events   *broadcaster[Event]
}

// New builds an orchestrator and starts its control loop. Call Shutdown to stop it.
func New(opts Options) (*Orchestrator, error) {
	if opts.Store == nil {
		return nil, errors.New("orchestrator: store is required")
	}
	if opts.Runtime == nil {
		return nil, errors.New("orchestrator: runtime is required")
	}
	if opts.Source == nil {
		return nil, errors.New("orchestrator: head source is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Registry == nil {
		opts.Registry = container.NewRegistry()
	}
	if opts.Networks == nil {
		opts.Networks = beacon.DefaultCatalog()
	}
	if opts.Commands == nil {
		opts.Commands = beacon.LighthouseCommand{}
	}
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = 64
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	ctx, cancel := context.WithCancel(context.Background())
	o := &Orchestrator{
		opts:     opts,
		log:      opts.Logger,
		store:    opts.Store,
		ctx:      ctx,
		cancel:   cancel,
		ctrl:     make(chan ctrlMsg, 16),
		stop:     make(chan struct{}),
		loopDone: make(chan struct{}),
		nodes:    make(map[string]store.TrackedNode),
		tasks:    make(map[string]*task),
		removals: newBroadcaster[string](16),
		events:   newBroadcaster[Event](opts.EventBuffer),
	}
	puller := beacon.NewPuller(opts.Runtime, o.log, beacon.PullHooks{
		OnStart: func(image string) {
			e := history.NewEvent(history.EventPullStarted, "")
			e.Detail = image
			o.emit(e)
		},
		OnFinish: func(image, result string) {
			e := history.NewEvent(history.EventPullFinished, "")
			e.Detail = image + " " + result
			o.emit(e)
		},
	})
	o.controller = beacon.NewController(opts.Runtime, opts.Registry, puller, opts.Readiness, o.log)

	go o.loop()
	return o, nil
}

// Controller exposes the node process controller.
func (o *Orchestrator) Controller() *beacon.Controller { return o.controller }

// Networks returns the catalogue used to resolve local node defaults.
func (o *Orchestrator) Networks() *beacon.Catalog { return o.opts.Networks }

// Nodes returns every tracked node ordered by URL.
func (o *Orchestrator) Nodes() []store.TrackedNode {
	o.mu.RLock()
	out := make([]store.TrackedNode, 0, len(o.nodes))
	for _, n := range o.nodes {
		out = append(out, n.Clone())
	}
	o.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].URL < out[j].URL })
	return out
}

func (o *Orchestrator) Node(url string) (store.TrackedNode, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	n, ok := o.nodes[url]
	return n.Clone(), ok
}

// Watching returns the URLs that currently have a live head watcher, sorted.
func (o *Orchestrator) Watching() []string {
	o.mu.RLock()
	out := make([]string, 0, len(o.tasks))
	for u := range o.tasks {
		out = append(out, u)
	}
	o.mu.RUnlock()
	sort.Strings(out)
	return out
}

// Status summarizes the orchestrator for operators.
type Status struct {
	Nodes         int      `json:"nodes"`
	Watchers      int      `json:"watchers"`
	Containers    []string `json:"containers"`
	PullsInFlight int      `json:"pulls_in_flight"`
}

func (o *Orchestrator) Status() Status {
	o.mu.RLock()
	s := Status{Nodes: len(o.nodes), Watchers: len(o.tasks)}
	o.mu.RUnlock()
	s.Containers = o.controller.Registry().Names()
	s.PullsInFlight = o.controller.Puller().InFlight()
	return s
}

// Subscribe returns a feed of orchestrator events and a func that ends the
// subscription. Events are dropped for a subscriber whose buffer is full.
func (o *Orchestrator) Subscribe() (<-chan Event, func()) {
	s := o.events.subscribe()
	return s.ch, func() { o.events.unsubscribe(s) }
}

func (o *Orchestrator) emit(e Event) {
	o.events.offer(e)
}

// UpdateHead records a head observed by a watcher. Heads for URLs that are no longer
// tracked are ignored.
func (o *Orchestrator) UpdateHead(ctx context.Context, url string, slot uint64, status store.Status) error {
	o.mu.Lock()
	n, ok := o.nodes[url]
	if !ok {
		o.mu.Unlock()
		return nil
	}
	n.Slot, n.Status = slot, status
	o.nodes[url] = n
	o.mu.Unlock()

	metrics.SetHeadSlot(url, slot)
	e := history.NewEvent(history.EventHead, url)
	e.Slot, e.Status = slot, string(status)
	o.emit(e)

	if err := o.store.UpdateHead(ctx, url, slot, status); err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}
	return nil
}

// fork starts the head watcher for url unless one is already running.
func (o *Orchestrator) fork(url string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.tasks[url]; ok {
		return
	}
	sub := o.removals.subscribe()
	ctx, cancel := context.WithCancel(o.ctx)
	w := watcher.New(watcher.Config{
		URL:        url,
		Source:     o.opts.Source,
		Updater:    o,
		Removals:   sub.ch,
		Logger:     o.log,
		RetryDelay: o.opts.WatchRetry,
		Now:        o.opts.Now,
	})
	t := &task{w: w, cancel: cancel, done: make(chan struct{})}
	o.tasks[url] = t
	metrics.SetWatchersActive(len(o.tasks))

	go func() {
		defer close(t.done)
		defer cancel()
		w.Run(ctx)
		o.removals.unsubscribe(sub)
		o.mu.Lock()
		if o.tasks[url] == t {
			delete(o.tasks, url)
		}
		metrics.SetWatchersActive(len(o.tasks))
		o.mu.Unlock()
	}()
}

func (o *Orchestrator) lockURL(url string) func() {
	v, _ := o.urlLocks.LoadOrStore(url, &sync.Mutex{})
	m := v.(*sync.Mutex)
	m.Lock()
	return m.Unlock
}

// detach takes url's watcher out of the registry so a later fork starts a new one.
func (o *Orchestrator) detach(url string) *task {
	o.mu.Lock()
	defer o.mu.Unlock()
	t, ok := o.tasks[url]
	if !ok {
		return nil
	}
	delete(o.tasks, url)
	metrics.SetWatchersActive(len(o.tasks))
	return t
}

// Shutdown stops the control loop, cancels every watcher and in-flight pull, and waits
// for them until ctx ends.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.once.Do(func() {
		close(o.stop)
		o.controller.Puller().Cancel()
		o.controller.Close()
		o.cancel()
	})
	o.mu.RLock()
	tasks := make([]*task, 0, len(o.tasks))
	for _, t := range o.tasks {
		tasks = append(tasks, t)
	}
	o.mu.RUnlock()

	done := make(chan struct{})
	go func() {
		<-o.loopDone
		o.wg.Wait()
		for _, t := range tasks {
			<-t.done
		}
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
