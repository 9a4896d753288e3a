package worker

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
)

// ContainerRunner launches worker containers through the Docker daemon.
// Docker is optional: if the daemon is unreachable at construction the
// runner is marked unavailable and container-backed plugins fail to start
// with a clear error instead of crashing the host.
type ContainerRunner struct {
	client    client.APIClient
	logger    *slog.Logger
	available bool
	stopGrace time.Duration
}

// ContainerSpec describes one worker container.
type ContainerSpec struct {
	Image string
	Name  string
	Env   map[string]string
	Port  int // published on 127.0.0.1, container listens on the same port
}

// NewContainerRunner connects to the Docker daemon from the environment.
func NewContainerRunner(logger *slog.Logger, stopGrace time.Duration) *ContainerRunner {
	if logger == nil {
		logger = slog.Default()
	}
	if stopGrace <= 0 {
		stopGrace = 5 * time.Second
	}
	r := &ContainerRunner{logger: logger, stopGrace: stopGrace}

	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		logger.Warn("docker client unavailable, container plugins disabled", "error", err)
		return r
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := cli.Ping(ctx); err != nil {
		logger.Warn("docker daemon unreachable, container plugins disabled", "error", err)
		_ = cli.Close()
		return r
	}

	r.client = cli
	r.available = true
	return r
}

// IsAvailable reports whether the Docker daemon was reachable at startup.
func (r *ContainerRunner) IsAvailable() bool {
	return r.available
}

// Start pulls the image if needed, creates the container with only the
// explicit environment from the spec, publishes its port on loopback, and
// starts it.
func (r *ContainerRunner) Start(ctx context.Context, spec ContainerSpec) (string, error) {
	if !r.available {
		return "", fmt.Errorf("container runner: docker not available")
	}
	if spec.Image == "" {
		return "", fmt.Errorf("container runner: image is required")
	}

	if err := r.ensureImage(ctx, spec.Image); err != nil {
		return "", fmt.Errorf("container runner: pull image %s: %w", spec.Image, err)
	}

	containerCfg := &container.Config{
		Image: spec.Image,
		Env:   Flatten(spec.Env),
	}
	hostCfg := &container.HostConfig{}
	if spec.Port > 0 {
		port, err := nat.NewPort("tcp", fmt.Sprintf("%d", spec.Port))
		if err != nil {
			return "", fmt.Errorf("container runner: port spec: %w", err)
		}
		containerCfg.ExposedPorts = nat.PortSet{port: struct{}{}}
		hostCfg.PortBindings = nat.PortMap{
			port: []nat.PortBinding{{HostIP: "127.0.0.1", HostPort: fmt.Sprintf("%d", spec.Port)}},
		}
	}

	resp, err := r.client.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, spec.Name)
	if err != nil {
		return "", fmt.Errorf("container runner: create: %w", err)
	}
	if err := r.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		rmCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = r.client.ContainerRemove(rmCtx, resp.ID, container.RemoveOptions{Force: true})
		return "", fmt.Errorf("container runner: start: %w", err)
	}
	return resp.ID, nil
}

// Running reports whether the container is still up.
func (r *ContainerRunner) Running(ctx context.Context, containerID string) (bool, error) {
	if !r.available {
		return false, fmt.Errorf("container runner: docker not available")
	}
	info, err := r.client.ContainerInspect(ctx, containerID)
	if err != nil {
		return false, fmt.Errorf("container runner: inspect: %w", err)
	}
	return info.State.Running, nil
}

// Stop stops and removes the container, honoring the grace window before
// the daemon kills it.
func (r *ContainerRunner) Stop(ctx context.Context, containerID string) error {
	if !r.available {
		return fmt.Errorf("container runner: docker not available")
	}
	grace := int(r.stopGrace.Seconds())
	if err := r.client.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &grace}); err != nil {
		r.logger.Warn("container stop failed, forcing removal", "container", containerID[:12], "error", err)
	}
	if err := r.client.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true}); err != nil {
		return fmt.Errorf("container runner: remove: %w", err)
	}
	return nil
}

// Close shuts down the Docker client.
func (r *ContainerRunner) Close() error {
	if !r.available || r.client == nil {
		return nil
	}
	return r.client.Close()
}

func (r *ContainerRunner) ensureImage(ctx context.Context, img string) error {
	if _, err := r.client.ImageInspect(ctx, img); err == nil {
		return nil
	}
	r.logger.Info("pulling worker image", "image", img)
	reader, err := r.client.ImagePull(ctx, img, image.PullOptions{})
	if err != nil {
		return err
	}
	defer func() { _ = reader.Close() }()
	_, err = io.Copy(io.Discard, reader)
	return err
}
