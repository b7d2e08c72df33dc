package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"golang.org/x/sync/errgroup"

	"github.com/loykin/beaconvisor/internal/beacon"
	"github.com/loykin/beaconvisor/internal/container"
	"github.com/loykin/beaconvisor/internal/history"
	"github.com/loykin/beaconvisor/internal/metrics"
	"github.com/loykin/beaconvisor/internal/store"
)

// ctrlType enumerates the intents handled by the control loop.
type ctrlType int

const (
	ctrlStartLocal ctrlType = iota
	ctrlTrack
	ctrlRemove
	ctrlInitialize
	ctrlCancelPull
)

func (t ctrlType) String() string {
	switch t {
	case ctrlStartLocal:
		return "start_local"
	case ctrlTrack:
		return "track"
	case ctrlRemove:
		return "remove"
	case ctrlInitialize:
		return "initialize"
	case ctrlCancelPull:
		return "cancel_pull"
	}
	return "unknown"
}

// ctrlMsg is one intent plus the channel its result is sent on.
type ctrlMsg struct {
	Type       ctrlType
	Ctx        context.Context
	Local      beacon.LocalNodeOptions
	OnComplete func(store.TrackedNode)
	URL        string
	Docker     *store.DockerInfo
	Reply      chan ctrlReply
}

type ctrlReply struct {
	node  store.TrackedNode
	nodes []store.TrackedNode
	n     int
	err   error
}

// loop hands every intent to its own goroutine so a slow start never holds back a removal.
func (o *Orchestrator) loop() {
	defer close(o.loopDone)
	for {
		select {
		case <-o.stop:
			return
		case msg := <-o.ctrl:
			o.wg.Add(1)
			go func() {
				defer o.wg.Done()
				r := o.handle(msg)
				result := "ok"
				if r.err != nil {
					result = "error"
				}
				metrics.IncIntent(msg.Type.String(), result)
				msg.Reply <- r
			}()
		}
	}
}

func (o *Orchestrator) handle(msg ctrlMsg) ctrlReply {
	switch msg.Type {
	case ctrlStartLocal:
		n, err := o.startLocal(msg.Ctx, msg.Local, msg.OnComplete)
		return ctrlReply{node: n, err: err}
	case ctrlTrack:
		n, err := o.track(msg.Ctx, store.TrackedNode{URL: msg.URL, Docker: msg.Docker})
		return ctrlReply{node: n, err: err}
	case ctrlRemove:
		return ctrlReply{err: o.remove(msg.Ctx, msg.URL)}
	case ctrlInitialize:
		nodes, err := o.initialize(msg.Ctx)
		return ctrlReply{nodes: nodes, err: err}
	case ctrlCancelPull:
		return ctrlReply{n: o.controller.Puller().Cancel()}
	}
	return ctrlReply{err: fmt.Errorf("unknown intent %d", msg.Type)}
}

func (o *Orchestrator) submit(ctx context.Context, msg ctrlMsg) ctrlReply {
	msg.Ctx = ctx
	msg.Reply = make(chan ctrlReply, 1)
	select {
	case <-o.stop:
		return ctrlReply{err: ErrClosed}
	default:
	}
	select {
	case o.ctrl <- msg:
	case <-o.stop:
		return ctrlReply{err: ErrClosed}
	case <-ctx.Done():
		return ctrlReply{err: ctx.Err()}
	}
	select {
	case r := <-msg.Reply:
		return r
	case <-ctx.Done():
		return ctrlReply{err: ctx.Err()}
	}
}

// StartLocalNode pulls and runs the beacon node container for req.Network, tracks its API
// URL and calls onComplete with the new node. onComplete is not called on failure.
func (o *Orchestrator) StartLocalNode(ctx context.Context, req beacon.LocalNodeOptions, onComplete func(store.TrackedNode)) (store.TrackedNode, error) {
	r := o.submit(ctx, ctrlMsg{Type: ctrlStartLocal, Local: req, OnComplete: onComplete})
	return r.node, r.err
}

// TrackNode persists url and starts its head watcher. Tracking a URL twice keeps its
// slot and status and never adds a second watcher.
func (o *Orchestrator) TrackNode(ctx context.Context, url string, docker *store.DockerInfo) (store.TrackedNode, error) {
	r := o.submit(ctx, ctrlMsg{Type: ctrlTrack, URL: url, Docker: docker})
	return r.node, r.err
}

// RemoveNode deletes url from the store and stops its watcher. It returns once the
// watcher is gone or ctx ends.
func (o *Orchestrator) RemoveNode(ctx context.Context, url string) error {
	return o.submit(ctx, ctrlMsg{Type: ctrlRemove, URL: url}).err
}

// InitializeFromStore restores persisted nodes: it resumes their containers, probes each
// node once, and starts one watcher per node.
func (o *Orchestrator) InitializeFromStore(ctx context.Context) ([]store.TrackedNode, error) {
	r := o.submit(ctx, ctrlMsg{Type: ctrlInitialize})
	return r.nodes, r.err
}

// CancelPull aborts every image pull in flight and returns how many were stopped.
func (o *Orchestrator) CancelPull(ctx context.Context) (int, error) {
	r := o.submit(ctx, ctrlMsg{Type: ctrlCancelPull})
	return r.n, r.err
}

func (o *Orchestrator) startLocal(ctx context.Context, req beacon.LocalNodeOptions, onComplete func(store.TrackedNode)) (store.TrackedNode, error) {
	network := o.opts.Networks.Lookup(req.Network)
	opts := req.WithDefaults(network)
	fail := func(err error) (store.TrackedNode, error) {
		e := history.NewEvent(history.EventNodeStartFailed, "")
		if opts.RPCPort > 0 {
			e.URL = opts.URL()
		}
		e.Detail = beacon.ContainerName(opts.Network)
		e.Error = err.Error()
		o.emit(e)
		o.log.Error("local beacon node start failed", "network", opts.Network, "error", err)
		return store.TrackedNode{}, err
	}
	if err := opts.Validate(); err != nil {
		return fail(err)
	}

	spec := beacon.LocalSpec(opts, network.Image, o.opts.Commands)
	h, err := o.controller.StartOrAttach(ctx, spec, o.opts.WaitReady)
	if err != nil {
		return fail(err)
	}
	o.captureLogs(h)

	node, err := o.track(ctx, store.TrackedNode{
		URL: opts.URL(),
		Docker: &store.DockerInfo{
			ProcessName:   spec.Name,
			Network:       opts.Network,
			ChainDataDir:  opts.ChainDataDir,
			Eth1URL:       opts.Eth1URL,
			DiscoveryPort: opts.DiscoveryPort,
			Libp2pPort:    opts.Libp2pPort,
			RPCPort:       opts.RPCPort,
		},
	})
	if err != nil {
		return fail(err)
	}
	if onComplete != nil {
		onComplete(node.Clone())
	}
	return node, nil
}

// captureLogs copies a started container's output to its capture file once per name.
func (o *Orchestrator) captureLogs(h *container.Container) {
	if o.opts.ContainerLog == nil {
		return
	}
	o.mu.Lock()
	if o.capturing == nil {
		o.capturing = make(map[string]bool)
	}
	if o.capturing[h.Name()] {
		o.mu.Unlock()
		return
	}
	o.capturing[h.Name()] = true
	o.mu.Unlock()

	log := o.log.With("container", h.Name())
	go func() {
		w := o.opts.ContainerLog(h.Name())
		defer func() {
			_ = w.Close()
			o.mu.Lock()
			delete(o.capturing, h.Name())
			o.mu.Unlock()
		}()
		err := beacon.StreamLogs(o.ctx, h, w, func(t beacon.LogType, line string) {
			if t == beacon.LogError {
				log.Warn("beacon node reported an error", "line", line)
			}
		})
		if err != nil {
			log.Warn("container log capture stopped", "error", err)
		}
	}()
}

func (o *Orchestrator) track(ctx context.Context, n store.TrackedNode) (store.TrackedNode, error) {
	if n.URL == "" {
		return store.TrackedNode{}, fmt.Errorf("%w: empty url", store.ErrPersistence)
	}
	defer o.lockURL(n.URL)()
	existing, known := o.Node(n.URL)
	if known {
		n.Slot, n.Status = existing.Slot, existing.Status
		if n.Docker == nil {
			n.Docker = existing.Docker
		}
	}
	if err := o.store.Upsert(ctx, n); err != nil {
		return store.TrackedNode{}, err
	}
	o.mu.Lock()
	o.nodes[n.URL] = n.Clone()
	o.mu.Unlock()
	o.fork(n.URL)

	if !known {
		e := history.NewEvent(history.EventNodeAdded, n.URL)
		if n.Docker != nil {
			e.Detail = n.Docker.ProcessName
		}
		o.emit(e)
		o.log.Info("tracking beacon node", "url", n.URL)
	}
	return n, nil
}

func (o *Orchestrator) remove(ctx context.Context, url string) error {
	defer o.lockURL(url)()
	_, known := o.Node(url)
	if !known {
		// a persisted node may not be loaded yet
		_, err := o.store.GetByURL(ctx, url)
		switch {
		case err == nil:
			known = true
		case !errors.Is(err, store.ErrNotFound):
			return err
		}
	}
	if err := o.store.Remove(ctx, url); err != nil {
		return err
	}
	o.mu.Lock()
	delete(o.nodes, url)
	o.mu.Unlock()
	metrics.ForgetNode(url)

	t := o.detach(url)
	if err := o.removals.publish(ctx, url); err != nil {
		if t != nil {
			t.cancel()
		}
		return err
	}
	if t != nil {
		select {
		case <-t.done:
		case <-ctx.Done():
			t.cancel()
			return ctx.Err()
		}
	}
	if !known {
		return fmt.Errorf("%w: %s", store.ErrNotFound, url)
	}
	o.emit(history.NewEvent(history.EventNodeRemoved, url))
	o.log.Info("stopped tracking beacon node", "url", url)
	return nil
}

func (o *Orchestrator) initialize(ctx context.Context) ([]store.TrackedNode, error) {
	if _, err := o.controller.StartAllFromStore(ctx, o.store); err != nil {
		return nil, err
	}
	nodes, err := o.store.Get(ctx)
	if err != nil {
		return nil, err
	}

	var g errgroup.Group
	for i := range nodes {
		g.Go(func() error {
			n := &nodes[i]
			st, err := o.opts.Source.Syncing(ctx, n.URL)
			if err != nil {
				o.log.Warn("beacon node unreachable", "url", n.URL, "error", err)
				n.Slot, n.Status = 0, store.StatusOffline
				return nil
			}
			n.Slot = st.HeadSlot
			n.Status = store.StatusActive
			if st.IsSyncing {
				n.Status = store.StatusSyncing
			}
			return nil
		})
	}
	_ = g.Wait()

	out := make([]store.TrackedNode, 0, len(nodes))
	for _, n := range nodes {
		if o.restore(ctx, n) {
			out = append(out, n.Clone())
		}
	}

	e := history.NewEvent(history.EventNodesLoaded, "")
	e.Detail = strconv.Itoa(len(out))
	o.emit(e)
	o.log.Info("loaded beacon nodes from store", "count", len(out))
	return out, nil
}

// restore records a probed node and forks its watcher. It reports false when the node
// was removed while the probes ran.
func (o *Orchestrator) restore(ctx context.Context, n store.TrackedNode) bool {
	defer o.lockURL(n.URL)()
	if err := o.store.UpdateHead(ctx, n.URL, n.Slot, n.Status); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			o.log.Info("beacon node removed while loading", "url", n.URL)
			return false
		}
		o.log.Warn("persist probed head failed", "url", n.URL, "error", err)
	}
	o.mu.Lock()
	o.nodes[n.URL] = n.Clone()
	o.mu.Unlock()
	metrics.SetHeadSlot(n.URL, n.Slot)
	o.fork(n.URL)
	return true
}
