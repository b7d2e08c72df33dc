package container

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"
)

// ErrNotFound is returned by a Runtime when the named container or image does not exist on the host.
var ErrNotFound = errors.New("container not found")

// Port maps a port inside the container to a port on the host.
type Port struct {
	Local string `json:"local"`
	Host  string `json:"host"`
}

// Spec describes a managed process. Name is the registry key and must be unique.
// A Spec is treated as immutable once handed to New.
type Spec struct {
	Name    string `json:"name"`
	Image   string `json:"image"`
	Command string `json:"command,omitempty"`
	Ports   []Port `json:"ports,omitempty"`
	// Volume is a single bind mapping in "host:container" form.
	Volume string `json:"volume,omitempty"`
}

// State is the observed lifecycle state of a container on the host.
type State int

const (
	StateAbsent State = iota
	StateCreated
	StateRunning
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateAbsent:
		return "absent"
	case StateCreated:
		return "created"
	case StateRunning:
		return "running"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Runtime is the process runtime boundary. Implementations must be safe for concurrent use.
type Runtime interface {
	ImageExists(ctx context.Context, image string) (bool, error)
	// PullImage blocks until the image is available. Cancelling ctx aborts the transfer.
	PullImage(ctx context.Context, image string) error
	Exists(ctx context.Context, name string) (bool, error)
	// ImageOf returns the image a container was created from, or ErrNotFound.
	ImageOf(ctx context.Context, name string) (string, error)
	// Run creates and starts a new container and returns its runtime id.
	Run(ctx context.Context, spec Spec) (string, error)
	StartStopped(ctx context.Context, name string) error
	State(ctx context.Context, name string) (State, error)
	// Logs streams the stderr of a container, where beacon nodes write their log, until ctx ends.
	Logs(ctx context.Context, name string) (io.ReadCloser, error)
	Stop(ctx context.Context, name string, timeout time.Duration) error
}

// Container is the runtime handle of one managed process.
type Container struct {
	rt   Runtime
	spec Spec

	mu sync.Mutex
	id string
}

func New(rt Runtime, spec Spec) *Container {
	s := spec
	s.Ports = append([]Port(nil), spec.Ports...)
	return &Container{rt: rt, spec: s}
}

func (c *Container) Name() string { return c.spec.Name }

// Spec returns a copy of the spec the container was created with.
func (c *Container) Spec() Spec {
	s := c.spec
	s.Ports = append([]Port(nil), c.spec.Ports...)
	return s
}

// ID returns the runtime id, empty until Run created the container.
func (c *Container) ID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.id
}

// Run starts the container. An existing container with the same name is resumed
// instead of being created a second time.
func (c *Container) Run(ctx context.Context) error {
	exists, err := c.rt.Exists(ctx, c.spec.Name)
	if err != nil {
		return fmt.Errorf("inspect %s: %w", c.spec.Name, err)
	}
	if exists {
		return c.StartStopped(ctx)
	}
	id, err := c.rt.Run(ctx, c.spec)
	if err != nil {
		return fmt.Errorf("run %s: %w", c.spec.Name, err)
	}
	c.mu.Lock()
	c.id = id
	c.mu.Unlock()
	return nil
}

// StartStopped resumes a container that already exists on the host.
func (c *Container) StartStopped(ctx context.Context) error {
	if err := c.rt.StartStopped(ctx, c.spec.Name); err != nil {
		return fmt.Errorf("start %s: %w", c.spec.Name, err)
	}
	return nil
}

func (c *Container) State(ctx context.Context) (State, error) {
	return c.rt.State(ctx, c.spec.Name)
}

func (c *Container) IsRunning(ctx context.Context) (bool, error) {
	st, err := c.rt.State(ctx, c.spec.Name)
	if err != nil {
		return false, err
	}
	return st == StateRunning, nil
}

func (c *Container) Logs(ctx context.Context) (io.ReadCloser, error) {
	return c.rt.Logs(ctx, c.spec.Name)
}

func (c *Container) Stop(ctx context.Context, timeout time.Duration) error {
	return c.rt.Stop(ctx, c.spec.Name, timeout)
}
