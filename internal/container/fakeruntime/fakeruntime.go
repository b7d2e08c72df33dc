// Package fakeruntime provides an in-memory container.Runtime used by tests.
package fakeruntime

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/loykin/beaconvisor/internal/container"
)

type entry struct {
	spec  container.Spec
	state container.State
}

// Runtime records every call and keeps containers and images in maps.
type Runtime struct {
	mu         sync.Mutex
	images     map[string]bool
	containers map[string]*entry

	// PullErr makes PullImage fail.
	PullErr error
	// PullGate, when set, blocks PullImage until it is closed or ctx ends.
	PullGate chan struct{}
	// RunDelay widens the window between create and return in Run.
	RunDelay time.Duration
	// NotReadyPolls makes State report Created this many times before Running.
	NotReadyPolls int
	// LogText is served by Logs.
	LogText string

	runs    int
	resumes int
	pulls   int
	runSpec []container.Spec
}

func New() *Runtime {
	return &Runtime{images: make(map[string]bool), containers: make(map[string]*entry)}
}

// AddImage marks image as present on the host.
func (r *Runtime) AddImage(image string) {
	r.mu.Lock()
	r.images[image] = true
	r.mu.Unlock()
}

// AddStopped seeds a stopped container, as if left behind by an earlier run.
func (r *Runtime) AddStopped(name, image string) {
	r.mu.Lock()
	r.containers[name] = &entry{spec: container.Spec{Name: name, Image: image}, state: container.StateStopped}
	r.mu.Unlock()
}

func (r *Runtime) Runs() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.runs
}

func (r *Runtime) Resumes() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.resumes
}

func (r *Runtime) Pulls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pulls
}

// RunSpecs returns the specs passed to Run, in call order.
func (r *Runtime) RunSpecs() []container.Spec {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]container.Spec(nil), r.runSpec...)
}

func (r *Runtime) ImageExists(_ context.Context, image string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.images[image], nil
}

func (r *Runtime) PullImage(ctx context.Context, image string) error {
	r.mu.Lock()
	r.pulls++
	gate := r.PullGate
	perr := r.PullErr
	r.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if perr != nil {
		return perr
	}
	r.AddImage(image)
	return nil
}

func (r *Runtime) Exists(_ context.Context, name string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.containers[name]
	return ok, nil
}

func (r *Runtime) ImageOf(_ context.Context, name string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.containers[name]
	if !ok {
		return "", fmt.Errorf("%w: %s", container.ErrNotFound, name)
	}
	return e.spec.Image, nil
}

func (r *Runtime) Run(_ context.Context, spec container.Spec) (string, error) {
	r.mu.Lock()
	if _, ok := r.containers[spec.Name]; ok {
		r.mu.Unlock()
		return "", errors.New("conflict: container name in use: " + spec.Name)
	}
	r.runs++
	r.runSpec = append(r.runSpec, spec)
	r.containers[spec.Name] = &entry{spec: spec, state: container.StateRunning}
	delay := r.RunDelay
	r.mu.Unlock()
	if delay > 0 {
		time.Sleep(delay)
	}
	return "id-" + spec.Name, nil
}

func (r *Runtime) StartStopped(_ context.Context, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.containers[name]
	if !ok {
		return fmt.Errorf("%w: %s", container.ErrNotFound, name)
	}
	r.resumes++
	e.state = container.StateRunning
	return nil
}

func (r *Runtime) State(_ context.Context, name string) (container.State, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.containers[name]
	if !ok {
		return container.StateAbsent, nil
	}
	if e.state == container.StateRunning && r.NotReadyPolls > 0 {
		r.NotReadyPolls--
		return container.StateCreated, nil
	}
	return e.state, nil
}

func (r *Runtime) Logs(_ context.Context, name string) (io.ReadCloser, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.containers[name]; !ok {
		return nil, fmt.Errorf("%w: %s", container.ErrNotFound, name)
	}
	return io.NopCloser(strings.NewReader(r.LogText)), nil
}

func (r *Runtime) Stop(_ context.Context, name string, _ time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.containers[name]
	if !ok {
		return fmt.Errorf("%w: %s", container.ErrNotFound, name)
	}
	e.state = container.StateStopped
	return nil
}

var _ container.Runtime = (*Runtime)(nil)
