// Package docker implements container.Runtime on top of the Docker Engine API.
package docker

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	cerrdefs "github.com/containerd/errdefs"
	dcontainer "github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/jsonmessage"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"

	"github.com/loykin/beaconvisor/internal/container"
)

// ManagedLabel is set on every container created by this runtime.
const ManagedLabel = "io.beaconvisor.managed"

// Options configure the Docker runtime.
type Options struct {
	// Host overrides DOCKER_HOST when non-empty.
	Host string `mapstructure:"host"`
	// Network attaches created containers to a user-defined network.
	Network string `mapstructure:"network"`
	// Labels are added to every created container.
	Labels map[string]string `mapstructure:"labels"`
	// LogTail limits the number of past log lines returned by Logs ("all" when empty).
	LogTail string `mapstructure:"log_tail"`
}

// Runtime talks to the local Docker daemon.
type Runtime struct {
	cli    *client.Client
	log    *slog.Logger
	opts   Options
	ownCli bool
}

// New connects to the Docker daemon using the environment (DOCKER_HOST, DOCKER_CERT_PATH, ...).
func New(log *slog.Logger, opts Options) (*Runtime, error) {
	clientOpts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if opts.Host != "" {
		clientOpts = append(clientOpts, client.WithHost(opts.Host))
	}
	cli, err := client.NewClientWithOpts(clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	r := NewWithClient(cli, log, opts)
	r.ownCli = true
	return r, nil
}

// NewWithClient wraps an existing client. The caller keeps ownership of cli.
func NewWithClient(cli *client.Client, log *slog.Logger, opts Options) *Runtime {
	if log == nil {
		log = slog.Default()
	}
	return &Runtime{cli: cli, log: log.With("component", "docker"), opts: opts}
}

func (r *Runtime) Close() error {
	if r.ownCli {
		return r.cli.Close()
	}
	return nil
}

func (r *Runtime) ImageExists(ctx context.Context, ref string) (bool, error) {
	images, err := r.cli.ImageList(ctx, image.ListOptions{
		Filters: filters.NewArgs(filters.Arg("reference", ref)),
	})
	if err != nil {
		return false, fmt.Errorf("listing images for %s: %w", ref, err)
	}
	return len(images) > 0, nil
}

// PullImage reads the pull progress stream to the end; errors reported inside the
// stream are returned. Cancelling ctx closes the stream and aborts the pull.
func (r *Runtime) PullImage(ctx context.Context, ref string) error {
	r.log.Info("pulling image", "image", ref)
	rc, err := r.cli.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("pulling %s: %w", ref, err)
	}
	defer func() { _ = rc.Close() }()
	if err := jsonmessage.DisplayJSONMessagesStream(rc, io.Discard, 0, false, nil); err != nil {
		return fmt.Errorf("pulling %s: %w", ref, err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	r.log.Info("image pulled", "image", ref)
	return nil
}

func (r *Runtime) Exists(ctx context.Context, name string) (bool, error) {
	_, err := r.cli.ContainerInspect(ctx, name)
	if err != nil {
		if cerrdefs.IsNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (r *Runtime) ImageOf(ctx context.Context, name string) (string, error) {
	insp, err := r.cli.ContainerInspect(ctx, name)
	if err != nil {
		return "", wrapNotFound(name, err)
	}
	if insp.Config == nil || insp.Config.Image == "" {
		return "", fmt.Errorf("%w: %s has no image", container.ErrNotFound, name)
	}
	return insp.Config.Image, nil
}

func (r *Runtime) Run(ctx context.Context, spec container.Spec) (string, error) {
	exposed, bindings, err := portBindings(spec.Ports)
	if err != nil {
		return "", err
	}
	labels := map[string]string{ManagedLabel: "true"}
	for k, v := range r.opts.Labels {
		labels[k] = v
	}
	cfg := &dcontainer.Config{
		Image:        spec.Image,
		Cmd:          splitCommand(spec.Command),
		ExposedPorts: exposed,
		Labels:       labels,
	}
	hostCfg := &dcontainer.HostConfig{PortBindings: bindings}
	if spec.Volume != "" {
		hostCfg.Binds = []string{spec.Volume}
	}
	if r.opts.Network != "" {
		hostCfg.NetworkMode = dcontainer.NetworkMode(r.opts.Network)
	}
	resp, err := r.cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, spec.Name)
	if err != nil {
		return "", fmt.Errorf("creating container %s: %w", spec.Name, err)
	}
	for _, w := range resp.Warnings {
		r.log.Warn("container create warning", "name", spec.Name, "warning", w)
	}
	if err := r.cli.ContainerStart(ctx, resp.ID, dcontainer.StartOptions{}); err != nil {
		return "", fmt.Errorf("starting container %s: %w", spec.Name, err)
	}
	r.log.Info("container started", "name", spec.Name, "id", resp.ID, "image", spec.Image)
	return resp.ID, nil
}

func (r *Runtime) StartStopped(ctx context.Context, name string) error {
	if err := r.cli.ContainerStart(ctx, name, dcontainer.StartOptions{}); err != nil {
		return wrapNotFound(name, err)
	}
	r.log.Info("container resumed", "name", name)
	return nil
}

func (r *Runtime) State(ctx context.Context, name string) (container.State, error) {
	insp, err := r.cli.ContainerInspect(ctx, name)
	if err != nil {
		if cerrdefs.IsNotFound(err) {
			return container.StateAbsent, nil
		}
		return container.StateAbsent, err
	}
	if insp.ContainerJSONBase == nil || insp.State == nil {
		return container.StateAbsent, nil
	}
	return stateFromStatus(insp.State.Running, insp.State.Status), nil
}

func (r *Runtime) Logs(ctx context.Context, name string) (io.ReadCloser, error) {
	tail := r.opts.LogTail
	if tail == "" {
		tail = "all"
	}
	rc, err := r.cli.ContainerLogs(ctx, name, dcontainer.LogsOptions{
		ShowStderr: true,
		Follow:     true,
		Tail:       tail,
	})
	if err != nil {
		return nil, wrapNotFound(name, err)
	}
	return stderrOnly(rc), nil
}

// stderrOnly demultiplexes a non-TTY log stream and keeps the stderr frames.
func stderrOnly(rc io.ReadCloser) io.ReadCloser {
	pr, pw := io.Pipe()
	go func() {
		_, err := stdcopy.StdCopy(io.Discard, pw, rc)
		_ = rc.Close()
		_ = pw.CloseWithError(err)
	}()
	return pr
}

func (r *Runtime) Stop(ctx context.Context, name string, timeout time.Duration) error {
	opts := dcontainer.StopOptions{}
	if timeout > 0 {
		secs := int(timeout.Seconds())
		opts.Timeout = &secs
	}
	if err := r.cli.ContainerStop(ctx, name, opts); err != nil {
		return wrapNotFound(name, err)
	}
	return nil
}

func wrapNotFound(name string, err error) error {
	if cerrdefs.IsNotFound(err) {
		return fmt.Errorf("%w: %s", container.ErrNotFound, name)
	}
	return err
}

func stateFromStatus(running bool, status string) container.State {
	if running {
		return container.StateRunning
	}
	switch status {
	case "created":
		return container.StateCreated
	case "running", "restarting":
		return container.StateRunning
	default:
		return container.StateStopped
	}
}

// portBindings publishes every mapping on tcp and udp; beacon p2p ports need both.
func portBindings(ports []container.Port) (nat.PortSet, nat.PortMap, error) {
	exposed := nat.PortSet{}
	bindings := nat.PortMap{}
	for _, p := range ports {
		for _, proto := range []string{"tcp", "udp"} {
			port, err := nat.NewPort(proto, p.Local)
			if err != nil {
				return nil, nil, fmt.Errorf("invalid port %q: %w", p.Local, err)
			}
			exposed[port] = struct{}{}
			bindings[port] = append(bindings[port], nat.PortBinding{HostPort: p.Host})
		}
	}
	return exposed, bindings, nil
}

func splitCommand(cmd string) []string {
	fields := strings.Fields(cmd)
	if len(fields) == 0 {
		return nil
	}
	return fields
}

var _ container.Runtime = (*Runtime)(nil)
