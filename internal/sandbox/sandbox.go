// Package sandbox is the ephemeral execution substrate for
// external-effect Tool Registry handlers (company research crawling,
// etc.), adapted from the teacher's internal/container/manager.go
// Docker lifecycle management. Where the teacher keeps one long-lived
// container per learner, this package runs one short-lived container
// per tool invocation and reaps it (or any that outlive their
// invocation due to a crash) on an idle TTL.
package sandbox

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
)

const (
	defaultImage     = "kazicore-tool-sandbox:latest"
	memoryLimitBytes = 256 * 1024 * 1024 // 256MB, lighter than the teacher's learner container
	cpuQuota         = 25000             // 0.25 CPU
	pidsLimit        = 64
	stopTimeoutSecs  = 5
)

// Manager runs one-shot external-effect tool invocations inside
// ephemeral Docker containers.
type Manager struct {
	cli      *client.Client
	idleTTL  time.Duration
	logger   *slog.Logger
	runtime  string
}

// NewManager creates a Docker-backed sandbox Manager. dockerHost empty
// uses the environment default, mirroring the teacher's
// client.NewClientWithOpts(client.FromEnv, ...) idiom.
func NewManager(dockerHost string, idleTTL time.Duration, logger *slog.Logger) (*Manager, error) {
	if logger == nil {
		logger = slog.Default()
	}
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if dockerHost != "" {
		opts = append(opts, client.WithHost(dockerHost))
	}
	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	return &Manager{cli: cli, idleTTL: idleTTL, logger: logger}, nil
}

// Invocation is one ephemeral run: a command executed to completion
// inside a fresh container on Docker's default network (no network
// isolation is applied), with its stdout and stderr captured and the
// container removed afterward regardless of outcome.
type Invocation struct {
	Image   string
	Env     map[string]string
	Command []string
}

// Run creates a container, runs Command to completion, captures stdout
// and stderr, and removes the container — the "one ephemeral container per
// external-effect tool invocation" substrate named in SPEC_FULL.md.
func (m *Manager) Run(ctx context.Context, inv Invocation) (string, error) {
	image := inv.Image
	if image == "" {
		image = defaultImage
	}

	envVars := make([]string, 0, len(inv.Env))
	for k, v := range inv.Env {
		envVars = append(envVars, fmt.Sprintf("%s=%s", k, v))
	}

	resp, err := m.cli.ContainerCreate(ctx,
		&container.Config{
			Image: image,
			Cmd:   inv.Command,
			Env:   envVars,
			Tty:   false,
		},
		&container.HostConfig{
			AutoRemove: false, // removed explicitly below so we can capture logs first
			Resources: container.Resources{
				Memory:    memoryLimitBytes,
				CPUQuota:  cpuQuota,
				PidsLimit: int64Ptr(pidsLimit),
			},
		},
		nil, nil, "")
	if err != nil {
		return "", fmt.Errorf("create sandbox container: %w", err)
	}
	containerID := resp.ID

	defer func() {
		removeCtx, cancel := context.WithTimeout(context.Background(), stopTimeoutSecs*time.Second)
		defer cancel()
		if err := m.cli.ContainerRemove(removeCtx, containerID, container.RemoveOptions{Force: true}); err != nil {
			m.logger.Warn("failed to remove sandbox container", "error", err, "container_id", containerID)
		}
	}()

	if err := m.cli.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
		return "", fmt.Errorf("start sandbox container: %w", err)
	}

	statusCh, errCh := m.cli.ContainerWait(ctx, containerID, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		if err != nil {
			return "", fmt.Errorf("wait for sandbox container: %w", err)
		}
	case <-statusCh:
	case <-ctx.Done():
		return "", ctx.Err()
	}

	out, err := m.cli.ContainerLogs(ctx, containerID, container.LogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		return "", fmt.Errorf("read sandbox container logs: %w", err)
	}
	defer func() { _ = out.Close() }()

	var sb strings.Builder
	buf := make([]byte, 4096)
	for {
		n, readErr := out.Read(buf)
		if n > 0 {
			sb.Write(buf[:n])
		}
		if readErr != nil {
			break
		}
	}

	return sb.String(), nil
}

// ReapIdle removes any sandbox containers (matched by image name prefix) that
// have outlived idleTTL, a safety net for containers orphaned by a
// crash mid-invocation — the teacher's container/ttl.go idea, adapted
// from "per-learner TTL" to "per-invocation leak detector".
func (m *Manager) ReapIdle(ctx context.Context) error {
	list, err := m.cli.ContainerList(ctx, container.ListOptions{All: true})
	if err != nil {
		return fmt.Errorf("list containers for reaping: %w", err)
	}
	cutoff := time.Now().Add(-m.idleTTL)
	for _, c := range list {
		if !strings.HasPrefix(c.Image, "kazicore-tool-sandbox") {
			continue
		}
		started := time.Unix(c.Created, 0)
		if started.After(cutoff) {
			continue
		}
		if err := m.cli.ContainerRemove(ctx, c.ID, container.RemoveOptions{Force: true}); err != nil {
			m.logger.Warn("failed to reap idle sandbox container", "error", err, "container_id", c.ID)
		}
	}
	return nil
}

func int64Ptr(v int64) *int64 { return &v }
