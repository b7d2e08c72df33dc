package beacon

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/loykin/beaconvisor/internal/container"
	"github.com/loykin/beaconvisor/internal/metrics"
)

// ErrPullCancelled is the cancellation cause of a pull stopped through Cancel.
var ErrPullCancelled = errors.New("image pull cancelled")

// Pull results, as reported to hooks and metrics.
const (
	PullOK        = "ok"
	PullFailed    = "failed"
	PullCancelled = "cancelled"
)

// PullHooks observe pulls. Either field may be nil.
type PullHooks struct {
	OnStart  func(image string)
	OnFinish func(image, result string)
}

// Puller fetches images and lets an operator abort every in-flight fetch.
type Puller struct {
	rt    container.Runtime
	log   *slog.Logger
	hooks PullHooks

	mu       sync.Mutex
	seq      uint64
	inflight map[uint64]context.CancelCauseFunc
}

func NewPuller(rt container.Runtime, log *slog.Logger, hooks PullHooks) *Puller {
	if log == nil {
		log = slog.Default()
	}
	return &Puller{rt: rt, log: log, hooks: hooks, inflight: make(map[uint64]context.CancelCauseFunc)}
}

// Pull fetches image and reports whether it succeeded. A cancelled pull reports false
// and is otherwise treated like a failed one.
func (p *Puller) Pull(ctx context.Context, image string) bool {
	ctx, cancel := context.WithCancelCause(ctx)
	id := p.track(cancel)
	defer func() {
		p.untrack(id)
		cancel(nil)
	}()

	if p.hooks.OnStart != nil {
		p.hooks.OnStart(image)
	}
	err := p.rt.PullImage(ctx, image)
	result := PullOK
	switch {
	case err == nil:
	case errors.Is(context.Cause(ctx), ErrPullCancelled):
		result = PullCancelled
		p.log.Info("image pull cancelled", "image", image)
	default:
		result = PullFailed
		p.log.Error("image pull failed", "image", image, "error", err)
	}
	metrics.IncImagePull(result)
	if p.hooks.OnFinish != nil {
		p.hooks.OnFinish(image, result)
	}
	return result == PullOK
}

// Cancel aborts every pull in flight and returns how many were stopped.
func (p *Puller) Cancel() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := len(p.inflight)
	for id, cancel := range p.inflight {
		cancel(ErrPullCancelled)
		delete(p.inflight, id)
	}
	return n
}

// InFlight returns the number of running pulls.
func (p *Puller) InFlight() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.inflight)
}

func (p *Puller) track(cancel context.CancelCauseFunc) uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.seq++
	p.inflight[p.seq] = cancel
	return p.seq
}

func (p *Puller) untrack(id uint64) {
	p.mu.Lock()
	delete(p.inflight, id)
	p.mu.Unlock()
}
