// Package beacon runs beacon node containers: it pulls images, starts or resumes
// containers through the process registry, and restores local nodes after a restart.
package beacon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/avast/retry-go/v4"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/loykin/beaconvisor/internal/container"
	"github.com/loykin/beaconvisor/internal/metrics"
	"github.com/loykin/beaconvisor/internal/store"
)

var (
	ErrImagePullFailed = errors.New("image pull failed")
	ErrProcessNotFound = errors.New("process not found on host")
	ErrNotReady        = errors.New("container not running")
)

// ReadinessConfig bounds the wait for a started container to report running.
type ReadinessConfig struct {
	Attempts uint          `mapstructure:"attempts"`
	Delay    time.Duration `mapstructure:"delay"`
	MaxDelay time.Duration `mapstructure:"max_delay"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

func DefaultReadiness() ReadinessConfig {
	return ReadinessConfig{Attempts: 20, Delay: 100 * time.Millisecond, MaxDelay: 2 * time.Second, Timeout: 30 * time.Second}
}

// NodeLister is the part of the node store the controller reads at startup.
type NodeLister interface {
	Get(ctx context.Context) ([]store.TrackedNode, error)
}

// Controller starts beacon node containers. At most one container handle exists per name.
type Controller struct {
	rt        container.Runtime
	reg       *container.Registry
	puller    *Puller
	readiness ReadinessConfig
	log       *slog.Logger
	starts    singleflight.Group
	// restartLimit caps concurrent restarts in StartAllFromStore.
	restartLimit int

	// life bounds shared starts, which outlive the caller that began them.
	life     context.Context
	stopLife context.CancelFunc
}

func NewController(rt container.Runtime, reg *container.Registry, puller *Puller, readiness ReadinessConfig, log *slog.Logger) *Controller {
	if log == nil {
		log = slog.Default()
	}
	if readiness.Attempts == 0 {
		readiness = DefaultReadiness()
	}
	if puller == nil {
		puller = NewPuller(rt, log, PullHooks{})
	}
	life, stop := context.WithCancel(context.Background())
	return &Controller{rt: rt, reg: reg, puller: puller, readiness: readiness, log: log, restartLimit: 8, life: life, stopLife: stop}
}

// Close aborts starts that are still running. Registered containers are left alone.
func (c *Controller) Close() { c.stopLife() }

func (c *Controller) Registry() *container.Registry { return c.reg }

func (c *Controller) Puller() *Puller { return c.puller }

// StartOrAttach returns the registered handle for spec.Name, or pulls, registers and runs
// a new one. Concurrent calls for one name share a single start, which keeps running when
// the caller that began it gives up; each caller waits only as long as its own ctx.
func (c *Controller) StartOrAttach(ctx context.Context, spec container.Spec, waitUntilReady bool) (*container.Container, error) {
	if h, ok := c.reg.Get(spec.Name); ok {
		metrics.IncContainerStart(spec.Name, "attached")
		return h, nil
	}
	ch := c.starts.DoChan(spec.Name, func() (any, error) {
		if h, ok := c.reg.Get(spec.Name); ok {
			return h, nil
		}
		sctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		defer cancel()
		defer context.AfterFunc(c.life, cancel)()
		return c.start(sctx, spec)
	})
	var h *container.Container
	select {
	case r := <-ch:
		if r.Err != nil {
			return nil, r.Err
		}
		h = r.Val.(*container.Container)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if waitUntilReady {
		if err := c.waitReady(ctx, h); err != nil {
			return nil, err
		}
	}
	return h, nil
}

func (c *Controller) start(ctx context.Context, spec container.Spec) (*container.Container, error) {
	if err := c.ensureImage(ctx, spec.Image); err != nil {
		return nil, err
	}
	h := container.New(c.rt, spec)
	if err := c.reg.Register(spec.Name, h); err != nil {
		if existing, ok := c.reg.Get(spec.Name); ok {
			return existing, nil
		}
		return nil, err
	}
	c.log.Info("starting beacon node container", "name", spec.Name, "image", spec.Image)
	if err := h.Run(ctx); err != nil {
		c.reg.Remove(spec.Name, h)
		return nil, err
	}
	mode := "created"
	if h.ID() == "" {
		mode = "resumed"
	}
	metrics.IncContainerStart(spec.Name, mode)
	c.log.Info("beacon node container up", "name", spec.Name, "mode", mode)
	return h, nil
}

func (c *Controller) ensureImage(ctx context.Context, image string) error {
	ok, err := c.rt.ImageExists(ctx, image)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrImagePullFailed, image, err)
	}
	if ok {
		return nil
	}
	if !c.puller.Pull(ctx, image) {
		return fmt.Errorf("%w: %s", ErrImagePullFailed, image)
	}
	return nil
}

func (c *Controller) waitReady(ctx context.Context, h *container.Container) error {
	begin := time.Now()
	wctx := ctx
	if c.readiness.Timeout > 0 {
		var cancel context.CancelFunc
		wctx, cancel = context.WithTimeout(ctx, c.readiness.Timeout)
		defer cancel()
	}
	err := retry.Do(
		func() error {
			running, err := h.IsRunning(wctx)
			if err != nil {
				return err
			}
			if !running {
				return ErrNotReady
			}
			return nil
		},
		retry.Context(wctx),
		retry.Attempts(c.readiness.Attempts),
		retry.Delay(c.readiness.Delay),
		retry.MaxDelay(c.readiness.MaxDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
	)
	metrics.ObserveReadinessWait(h.Name(), time.Since(begin).Seconds())
	if err != nil {
		return fmt.Errorf("waiting for %s: %w", h.Name(), err)
	}
	return nil
}

// RestartFromRecord resumes a container left on the host by an earlier run. It never pulls.
func (c *Controller) RestartFromRecord(ctx context.Context, name, image string) (*container.Container, error) {
	if h, ok := c.reg.Get(name); ok {
		return h, nil
	}
	h := container.New(c.rt, container.Spec{Name: name, Image: image})
	if err := h.StartStopped(ctx); err != nil {
		if errors.Is(err, container.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrProcessNotFound, name)
		}
		return nil, err
	}
	if err := c.reg.Register(name, h); err != nil {
		if existing, ok := c.reg.Get(name); ok {
			return existing, nil
		}
		return nil, err
	}
	metrics.IncContainerStart(name, "resumed")
	c.log.Info("restarted local beacon node", "name", name)
	return h, nil
}

// StartAllFromStore resumes every persisted node that references a container. Failures are
// logged per node and never stop the others. It returns the number of resumed containers.
func (c *Controller) StartAllFromStore(ctx context.Context, src NodeLister) (int, error) {
	nodes, err := src.Get(ctx)
	if err != nil {
		return 0, err
	}
	c.log.Info("starting all stopped local beacon nodes", "count", len(nodes))
	var started atomic.Int32
	var g errgroup.Group
	g.SetLimit(c.restartLimit)
	for _, n := range nodes {
		if n.Docker == nil || n.Docker.ProcessName == "" {
			continue
		}
		name := n.Docker.ProcessName
		g.Go(func() error {
			image, err := c.rt.ImageOf(ctx, name)
			if err != nil {
				if errors.Is(err, container.ErrNotFound) {
					c.log.Info("container not found", "name", name)
				} else {
					c.log.Error("inspect container failed", "name", name, "error", err)
				}
				return nil
			}
			if _, err := c.RestartFromRecord(ctx, name, image); err != nil {
				c.log.Error("restart from record failed", "name", name, "error", err)
				return nil
			}
			started.Add(1)
			return nil
		})
	}
	_ = g.Wait()
	return int(started.Load()), nil
}
