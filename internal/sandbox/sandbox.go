// Package sandbox runs agent shell commands inside a disposable docker
// container. One sandbox lives for one run; commands share the container's
// filesystem so multi-step work (write a script, then run it) behaves like a
// real shell session.
package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	dockercontainer "github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/google/uuid"
)

const labelPrefix = "agora"

// Config shapes the execution container.
type Config struct {
	Image       string        `yaml:"image"`
	Network     string        `yaml:"network"`
	Memory      int64         `yaml:"memory_bytes"`
	ExecTimeout time.Duration `yaml:"exec_timeout"`
}

func (c Config) withDefaults() Config {
	if c.Image == "" {
		c.Image = "agora-sandbox:latest"
	}
	if c.Network == "" {
		c.Network = "none"
	}
	if c.ExecTimeout <= 0 {
		c.ExecTimeout = 2 * time.Minute
	}
	return c
}

// Sandbox is one run's execution container. Start creates it lazily on the
// first Exec; Close always removes it.
type Sandbox struct {
	docker *client.Client
	cfg    Config

	mu          sync.Mutex
	containerID string
}

// New connects to the docker daemon from the environment.
func New(cfg Config) (*Sandbox, error) {
	docker, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	return &Sandbox{docker: docker, cfg: cfg.withDefaults()}, nil
}

func (s *Sandbox) start(ctx context.Context) (string, error) {
	if s.containerID != "" {
		return s.containerID, nil
	}

	name := fmt.Sprintf("agora-sandbox-%s", uuid.NewString()[:8])
	resp, err := s.docker.ContainerCreate(ctx,
		&dockercontainer.Config{
			Image: s.cfg.Image,
			Cmd:   []string{"sleep", "infinity"},
			Labels: map[string]string{
				labelPrefix + ".managed": "true",
				labelPrefix + ".sandbox": "true",
			},
		},
		&dockercontainer.HostConfig{
			NetworkMode: dockercontainer.NetworkMode(s.cfg.Network),
			Resources:   dockercontainer.Resources{Memory: s.cfg.Memory},
		},
		nil, nil, name,
	)
	if err != nil {
		return "", fmt.Errorf("create sandbox container: %w", err)
	}
	if err := s.docker.ContainerStart(ctx, resp.ID, dockercontainer.StartOptions{}); err != nil {
		_ = s.docker.ContainerRemove(ctx, resp.ID, dockercontainer.RemoveOptions{Force: true})
		return "", fmt.Errorf("start sandbox container: %w", err)
	}

	s.containerID = resp.ID
	slog.Info("sandbox started", "container", resp.ID[:12], "image", s.cfg.Image)
	return resp.ID, nil
}

// Exec runs one shell command in the sandbox and returns its combined output
// and exit code. Output is captured in full; callers decide how much to keep.
func (s *Sandbox) Exec(ctx context.Context, command string) (string, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, err := s.start(ctx)
	if err != nil {
		return "", -1, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.ExecTimeout)
	defer cancel()

	exec, err := s.docker.ContainerExecCreate(ctx, id, dockercontainer.ExecOptions{
		Cmd:          []string{"sh", "-c", command},
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return "", -1, fmt.Errorf("create exec: %w", err)
	}

	attach, err := s.docker.ContainerExecAttach(ctx, exec.ID, dockercontainer.ExecAttachOptions{})
	if err != nil {
		return "", -1, fmt.Errorf("attach exec: %w", err)
	}
	defer attach.Close()

	var out bytes.Buffer
	if _, err := stdcopy.StdCopy(&out, &out, attach.Reader); err != nil {
		return out.String(), -1, fmt.Errorf("read exec output: %w", err)
	}

	inspect, err := s.docker.ContainerExecInspect(ctx, exec.ID)
	if err != nil {
		return out.String(), -1, fmt.Errorf("inspect exec: %w", err)
	}
	return out.String(), inspect.ExitCode, nil
}

// Close removes the container. Safe to call without a prior Exec.
func (s *Sandbox) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.containerID == "" {
		return nil
	}
	timeout := 5
	if err := s.docker.ContainerStop(ctx, s.containerID, dockercontainer.StopOptions{Timeout: &timeout}); err != nil {
		slog.Warn("sandbox did not stop gracefully", "container", s.containerID[:12], "error", err)
	}
	if err := s.docker.ContainerRemove(ctx, s.containerID, dockercontainer.RemoveOptions{Force: true}); err != nil {
		return fmt.Errorf("remove sandbox container: %w", err)
	}
	slog.Info("sandbox removed", "container", s.containerID[:12])
	s.containerID = ""
	return nil
}

// CleanupStale removes leftover sandbox containers from crashed runs.
func CleanupStale(ctx context.Context) error {
	docker, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return fmt.Errorf("docker client: %w", err)
	}
	defer docker.Close()

	args := filters.NewArgs()
	args.Add("label", labelPrefix+".sandbox=true")
	containers, err := docker.ContainerList(ctx, dockercontainer.ListOptions{All: true, Filters: args})
	if err != nil {
		return fmt.Errorf("list sandbox containers: %w", err)
	}
	for _, c := range containers {
		slog.Info("removing stale sandbox", "container", c.ID[:12])
		_ = docker.ContainerRemove(ctx, c.ID, dockercontainer.RemoveOptions{Force: true})
	}
	return nil
}
