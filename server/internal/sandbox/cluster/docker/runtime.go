// Package docker runs sandbox units as Docker containers.
package docker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/docker/api/types"
	containerTypes "github.com/docker/docker/api/types/container"
	imageTypes "github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"
	dockercontext "github.com/docker/go-sdk/context"
	"github.com/google/go-containerregistry/pkg/name"

	"github.com/obot-platform/buildbox/server/internal/agent"
	"github.com/obot-platform/buildbox/server/internal/config"
	"github.com/obot-platform/buildbox/server/internal/logger"
	"github.com/obot-platform/buildbox/server/internal/sandbox/cluster"
)

const (
	pollInterval = 500 * time.Millisecond
	waitTimeout  = 10 * time.Second

	// localImagePrefix marks images that are built or loaded locally and
	// cannot be pulled.
	localImagePrefix = "buildbox-local/"
)

// Options configures the Docker runtime.
type Options struct {
	// Host overrides DOCKER_HOST and the current Docker context.
	Host string
	// Network is the network containers join. Empty uses the default bridge.
	Network string
	// PublishHost is the address published ports are reachable on.
	PublishHost string
}

// OptionsFromConfig derives Options from cfg.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Host:        cfg.DockerHost,
		Network:     cfg.DockerNetwork,
		PublishHost: cfg.UpstreamHost,
	}
}

// DetectDockerHost resolves the Docker host from the current Docker context.
// Returns empty string if detection fails.
func DetectDockerHost() string {
	host, err := dockercontext.CurrentDockerHost()
	if err != nil {
		return ""
	}
	return host
}

// Runtime implements cluster.Runtime on a Docker daemon.
type Runtime struct {
	client *client.Client
	opts   Options
	log    *logger.Logger
}

var _ cluster.Runtime = (*Runtime)(nil)

// New connects to the Docker daemon.
func New(ctx context.Context, opts Options, log *logger.Logger) (*Runtime, error) {
	if log == nil {
		log = logger.Nop()
	}
	if opts.PublishHost == "" {
		opts.PublishHost = "127.0.0.1"
	}

	clientOpts := []client.Opt{
		client.FromEnv,
		client.WithAPIVersionNegotiation(),
	}
	if opts.Host != "" {
		clientOpts = append(clientOpts, client.WithHost(opts.Host))
	} else if host := DetectDockerHost(); host != "" {
		log.Info("detected docker host from context", "host", host)
		clientOpts = append(clientOpts, client.WithHost(host))
	}

	cli, err := client.NewClientWithOpts(clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := cli.Ping(pingCtx); err != nil {
		_ = cli.Close()
		return nil, fmt.Errorf("failed to connect to docker daemon: %w", err)
	}

	return &Runtime{client: cli, opts: opts, log: log.Component("docker")}, nil
}

// Name implements cluster.Runtime.
func (r *Runtime) Name() string { return config.RuntimeDocker }

// Close releases the Docker client.
func (r *Runtime) Close() error {
	return r.client.Close()
}

// Create implements cluster.Runtime. A stale container with the same name,
// left over from a previous run, is removed first.
func (r *Runtime) Create(ctx context.Context, spec cluster.UnitSpec) (*cluster.Unit, error) {
	if err := validateImage(spec.Image); err != nil {
		return nil, err
	}

	if existing, err := r.client.ContainerInspect(ctx, spec.Name); err == nil && existing.ContainerJSONBase != nil {
		r.log.Warn("removing stale container", "unit", spec.Name, "id", shortID(existing.ID))
		if err := r.client.ContainerRemove(ctx, existing.ID, containerTypes.RemoveOptions{Force: true}); err != nil {
			return nil, fmt.Errorf("failed to remove stale container: %w", err)
		}
	}

	if err := r.ensureImage(ctx, spec.Image); err != nil {
		return nil, err
	}

	cfg, hostCfg, err := containerConfig(spec, r.opts)
	if err != nil {
		return nil, err
	}
	resp, err := r.client.ContainerCreate(ctx, cfg, hostCfg, nil, nil, spec.Name)
	if err != nil {
		return nil, fmt.Errorf("failed to create container: %w", err)
	}
	if err := r.client.ContainerStart(ctx, resp.ID, containerTypes.StartOptions{}); err != nil {
		_ = r.client.ContainerRemove(context.WithoutCancel(ctx), resp.ID, containerTypes.RemoveOptions{Force: true})
		return nil, fmt.Errorf("failed to start container: %w", err)
	}

	r.log.Info("started container", "unit", spec.Name, "id", shortID(resp.ID), "port", spec.HostPort)
	return &cluster.Unit{Name: spec.Name, ID: resp.ID}, nil
}

// containerConfig builds the container and host configuration for spec. The
// unit's preview port is published on the loopback interface only.
func containerConfig(spec cluster.UnitSpec, opts Options) (*containerTypes.Config, *containerTypes.HostConfig, error) {
	port, err := nat.NewPort("tcp", strconv.Itoa(cluster.ContainerPort))
	if err != nil {
		return nil, nil, err
	}

	env := make([]string, 0, len(spec.Env))
	for k, v := range spec.Env {
		env = append(env, k+"="+v)
	}
	slices.Sort(env)

	cfg := &containerTypes.Config{
		Image:        spec.Image,
		Env:          env,
		Labels:       spec.Labels,
		Hostname:     "sandbox",
		WorkingDir:   cluster.WorkspaceDir,
		ExposedPorts: nat.PortSet{port: struct{}{}},
	}

	hostCfg := &containerTypes.HostConfig{
		PortBindings: nat.PortMap{
			port: []nat.PortBinding{{HostIP: opts.PublishHost, HostPort: strconv.Itoa(spec.HostPort)}},
		},
		CapDrop:     []string{"ALL"},
		SecurityOpt: []string{"no-new-privileges"},
		Resources: containerTypes.Resources{
			Memory:   spec.MemoryBytes,
			NanoCPUs: spec.NanoCPUs,
		},
	}
	if opts.Network != "" {
		hostCfg.NetworkMode = containerTypes.NetworkMode(opts.Network)
	}
	return cfg, hostCfg, nil
}

// validateImage rejects references the daemon could never resolve.
func validateImage(image string) error {
	if image == "" {
		return errors.New("sandbox image is not configured")
	}
	if isLocalImage(image) {
		return nil
	}
	if _, err := name.ParseReference(image); err != nil {
		return fmt.Errorf("invalid sandbox image %q: %w", image, err)
	}
	return nil
}

// isLocalImage reports whether image can only come from the local daemon.
func isLocalImage(image string) bool {
	return strings.HasPrefix(image, localImagePrefix) || strings.HasPrefix(image, "sha256:")
}

func (r *Runtime) ensureImage(ctx context.Context, image string) error {
	if _, err := r.client.ImageInspect(ctx, image); err == nil {
		return nil
	}
	if isLocalImage(image) {
		return fmt.Errorf("image %s not found locally and cannot be pulled", image)
	}

	r.log.Info("pulling sandbox image", "image", image)
	reader, err := r.client.ImagePull(ctx, image, imageTypes.PullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image %s: %w", image, err)
	}
	defer func() { _ = reader.Close() }()

	if _, err := io.Copy(io.Discard, reader); err != nil {
		return fmt.Errorf("failed to complete image pull for %s: %w", image, err)
	}
	return nil
}

// WaitReady implements cluster.Runtime. A container is ready once it is
// running; one that exits or disappears while starting has failed.
func (r *Runtime) WaitReady(ctx context.Context, unitName string, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		info, err := r.client.ContainerInspect(ctx, unitName)
		switch {
		case cerrdefs.IsNotFound(err):
			return fmt.Errorf("%w: container %s was deleted", cluster.ErrUnitFailed, unitName)
		case err != nil:
			if ctx.Err() == nil {
				r.log.Warn("failed to inspect container", "unit", unitName, "error", err)
			}
		case info.State != nil && info.State.Running:
			return nil
		case info.State != nil && (info.State.Status == "exited" || info.State.Status == "dead"):
			return fmt.Errorf("%w: container %s exited with code %d %s", cluster.ErrUnitFailed, unitName, info.State.ExitCode, info.State.Error)
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: container %s after %s", cluster.ErrNotReady, unitName, timeout)
		case <-ticker.C:
		}
	}
}

// Describe implements cluster.Runtime.
func (r *Runtime) Describe(ctx context.Context, unitName string) (*cluster.Unit, error) {
	info, err := r.client.ContainerInspect(ctx, unitName)
	if cerrdefs.IsNotFound(err) {
		return nil, fmt.Errorf("%w: %s", cluster.ErrUnitNotFound, unitName)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to inspect container: %w", err)
	}
	u := &cluster.Unit{Name: unitName, ID: info.ID}
	if info.State != nil {
		u.Running = info.State.Running
		u.Phase = info.State.Status
		u.Message = info.State.Error
	}
	return u, nil
}

// Exec implements cluster.Runtime.
func (r *Runtime) Exec(ctx context.Context, unitName string, req cluster.ExecRequest) (*cluster.ExecResult, error) {
	execCreate, err := r.client.ContainerExecCreate(ctx, unitName, containerTypes.ExecOptions{
		Cmd:          req.Cmd,
		AttachStdin:  req.Stdin != nil,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return nil, execError(unitName, err)
	}

	resp, err := r.client.ContainerExecAttach(ctx, execCreate.ID, containerTypes.ExecStartOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to attach exec: %w", err)
	}
	defer resp.Close()

	if req.Stdin != nil {
		go func() {
			_, _ = io.Copy(resp.Conn, req.Stdin)
			_ = resp.CloseWrite()
		}()
	}

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, resp.Reader); err != nil {
		return nil, fmt.Errorf("failed to read exec output: %w", err)
	}

	inspect, err := r.client.ContainerExecInspect(ctx, execCreate.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to inspect exec: %w", err)
	}
	return &cluster.ExecResult{
		ExitCode: inspect.ExitCode,
		Stdout:   stdout.Bytes(),
		Stderr:   stderr.Bytes(),
	}, nil
}

// Stream implements cluster.Runtime.
func (r *Runtime) Stream(ctx context.Context, unitName string, cmd []string) (agent.Process, error) {
	execCreate, err := r.client.ContainerExecCreate(ctx, unitName, containerTypes.ExecOptions{
		Cmd:          cmd,
		AttachStdout: true,
		AttachStderr: true,
		Tty:          false,
	})
	if err != nil {
		return nil, execError(unitName, err)
	}

	resp, err := r.client.ContainerExecAttach(ctx, execCreate.ID, containerTypes.ExecStartOptions{Tty: false})
	if err != nil {
		return nil, fmt.Errorf("failed to attach exec: %w", err)
	}

	stdoutReader, stdoutWriter := io.Pipe()
	stderrReader, stderrWriter := io.Pipe()
	p := &execProcess{
		client:   r.client,
		execID:   execCreate.ID,
		hijacked: resp,
		stdout:   stdoutReader,
		stderr:   stderrReader,
		copied:   make(chan struct{}),
	}

	go func() {
		defer close(p.copied)
		_, err := stdcopy.StdCopy(stdoutWriter, stderrWriter, resp.Reader)
		stdoutWriter.CloseWithError(err)
		stderrWriter.CloseWithError(err)
	}()

	// The exec is bound to the hijacked connection, so closing it is the
	// only way to stop a stream when ctx ends.
	go func() {
		select {
		case <-ctx.Done():
			p.close()
		case <-p.copied:
		}
	}()
	return p, nil
}

// CopyTo implements cluster.Runtime.
func (r *Runtime) CopyTo(ctx context.Context, unitName, destDir string, tarStream io.Reader) error {
	err := r.client.CopyToContainer(ctx, unitName, destDir, tarStream, containerTypes.CopyToContainerOptions{})
	if cerrdefs.IsNotFound(err) {
		return fmt.Errorf("%w: %s", cluster.ErrUnitNotFound, unitName)
	}
	if err != nil {
		return fmt.Errorf("failed to copy to %s:%s: %w", unitName, destDir, err)
	}
	return nil
}

// Endpoint implements cluster.Runtime. Containers publish their preview
// port on the allocated host port.
func (r *Runtime) Endpoint(_ string, hostPort int) string {
	return net.JoinHostPort(r.opts.PublishHost, strconv.Itoa(hostPort))
}

// Delete implements cluster.Runtime.
func (r *Runtime) Delete(ctx context.Context, unitName string) error {
	err := r.client.ContainerRemove(ctx, unitName, containerTypes.RemoveOptions{Force: true, RemoveVolumes: true})
	if err != nil && !cerrdefs.IsNotFound(err) {
		return fmt.Errorf("failed to remove container %s: %w", unitName, err)
	}
	return nil
}

func execError(unitName string, err error) error {
	if cerrdefs.IsNotFound(err) {
		return fmt.Errorf("%w: %s", cluster.ErrUnitNotFound, unitName)
	}
	return fmt.Errorf("failed to create exec: %w", err)
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

// execProcess is a streaming exec session.
type execProcess struct {
	client    *client.Client
	execID    string
	hijacked  types.HijackedResponse
	stdout    *io.PipeReader
	stderr    *io.PipeReader
	copied    chan struct{}
	closeOnce sync.Once
}

func (p *execProcess) Stdout() io.Reader { return p.stdout }

func (p *execProcess) Stderr() io.Reader { return p.stderr }

// Terminate closes the session. Signals reach the command only through a
// separate exec, so the caller does that when it knows the pid.
func (p *execProcess) Terminate() error {
	p.close()
	return nil
}

func (p *execProcess) Kill() error {
	p.close()
	return nil
}

func (p *execProcess) close() {
	p.closeOnce.Do(func() {
		p.hijacked.Close()
	})
}

// Wait waits for the output to drain and returns the exec's exit code.
func (p *execProcess) Wait() (int, error) {
	<-p.copied
	defer p.close()

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		inspect, err := p.client.ContainerExecInspect(ctx, p.execID)
		if err != nil {
			return -1, err
		}
		if !inspect.Running {
			return inspect.ExitCode, nil
		}
		select {
		case <-ctx.Done():
			return -1, fmt.Errorf("exec %s still running after its output closed", shortID(p.execID))
		case <-ticker.C:
		}
	}
}
