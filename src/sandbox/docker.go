// Copyright (c) 2026 Khaled Abbas
//
// This source code is licensed under the Business Source License 1.1.
//
// Change Date: 4 years after the first public release of this version.
// Change License: MIT
//
// On the Change Date, this version of the code automatically converts
// to the MIT License. Prior to that date, use is subject to the
// Additional Use Grant. See the LICENSE file for details.

package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"forgeworker/src/logging"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/google/uuid"
)

const sandboxNetworkName = "forge_sandbox"

const containerWorkdir = "/workspace/repo"

// EnsureSandboxNetwork creates or retrieves the sandbox network for container isolation.
// The network allows external internet access; ExtraHosts plus iptables rules in the
// container block internal services instead.
func EnsureSandboxNetwork(ctx context.Context, cli *client.Client) (string, error) {
	networks, err := cli.NetworkList(ctx, network.ListOptions{})
	if err != nil {
		logging.Log(fmt.Sprintf("failed to list networks: %v", err), slog.LevelError)
		return "", err
	}

	for _, n := range networks {
		if n.Name == sandboxNetworkName {
			return n.ID, nil
		}
	}

	resp, err := cli.NetworkCreate(ctx, sandboxNetworkName, network.CreateOptions{
		Driver: "bridge",
		// Internal: true would block ALL external access. Agents need the
		// public internet (package registries, model APIs), just not the
		// host's internal services, so egress filtering happens in-container.
	})
	if err != nil {
		logging.Log(fmt.Sprintf("failed to create sandbox network: %v", err), slog.LevelError)
		return "", err
	}

	return resp.ID, nil
}

// DockerProvider runs each environment as a long-lived container on the
// sandbox network, one container per task attempt.
type DockerProvider struct {
	cli       *client.Client
	networkID string

	mu        sync.Mutex
	deadlines map[string]containerLease // container id -> lease
	pulled    map[string]bool
}

type containerLease struct {
	taskID   string
	expireAt time.Time
}

func NewDockerProvider(cli *client.Client, networkID string) *DockerProvider {
	return &DockerProvider{
		cli:       cli,
		networkID: networkID,
		deadlines: make(map[string]containerLease),
		pulled:    make(map[string]bool),
	}
}

// DefaultImage is the image used when a task does not select a runtime.
func DefaultImage() string {
	if img := os.Getenv("CONTAINER_IMAGE"); img != "" {
		return img
	}
	return "node:20-slim"
}

func runtimeImage(runtime string) string {
	switch runtime {
	case "node", "node20":
		return "node:20-slim"
	case "node22":
		return "node:22-slim"
	case "python", "python3.13":
		return "python:3.13-slim"
	case "go":
		return "golang:1.25"
	case "":
		return DefaultImage()
	default:
		// Unrecognized selectors are treated as literal image references.
		return runtime
	}
}

func (p *DockerProvider) ensureImage(ctx context.Context, imageName string) {
	p.mu.Lock()
	done := p.pulled[imageName]
	p.mu.Unlock()
	if done {
		return
	}

	reader, err := p.cli.ImagePull(ctx, imageName, image.PullOptions{})
	if err != nil {
		logging.Log(fmt.Sprintf("failed to pull image %s: %v. Execution might fail if image is not present locally.", imageName, err), slog.LevelError)
		return
	}
	defer reader.Close()
	io.Copy(io.Discard, reader)

	p.mu.Lock()
	p.pulled[imageName] = true
	p.mu.Unlock()
}

func (p *DockerProvider) Create(ctx context.Context, spec CreateSpec) (*CreateResult, error) {
	progress := spec.OnProgress
	if progress == nil {
		progress = func(int, string) {}
	}
	cancelled := spec.Cancelled
	if cancelled == nil {
		cancelled = func(context.Context) bool { return false }
	}

	imageName := runtimeImage(spec.Runtime)
	p.ensureImage(ctx, imageName)

	// Resource Limits
	memoryMB := spec.Resources.MemoryMB
	if memoryMB == 0 {
		memoryMBStr := os.Getenv("CONTAINER_MEMORY_MB")
		if memoryMBStr == "" {
			memoryMBStr = "2048"
		}
		memoryMB, _ = strconv.ParseInt(memoryMBStr, 10, 64)
	}
	cpuLimit := spec.Resources.CPUs
	if cpuLimit == 0 {
		cpuLimitStr := os.Getenv("CONTAINER_CPU_LIMIT")
		if cpuLimitStr == "" {
			cpuLimitStr = "1.0"
		}
		cpuLimit, _ = strconv.ParseFloat(cpuLimitStr, 64)
	}

	progress(15, "creating sandbox")

	resp, err := p.cli.ContainerCreate(ctx, &container.Config{
		Image: imageName,
		Cmd:   []string{"sleep", "infinity"}, // Keep it alive
		Tty:   false,
	}, &container.HostConfig{
		Resources: container.Resources{
			Memory:   memoryMB * 1024 * 1024,
			NanoCPUs: int64(cpuLimit * math.Pow10(9)),
		},
		CapAdd: []string{"NET_ADMIN"},
		ExtraHosts: []string{
			"host.docker.internal:127.0.0.1",
			"gateway.docker.internal:127.0.0.1",
		},
	}, &network.NetworkingConfig{
		EndpointsConfig: map[string]*network.EndpointSettings{
			sandboxNetworkName: {
				NetworkID: p.networkID,
			},
		},
	}, nil, "forge-"+shortID(spec.TaskID))
	if err != nil {
		return nil, fmt.Errorf("failed to create container: %w", err)
	}

	containerID := resp.ID
	abort := func() {
		cleanupCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		p.cli.ContainerRemove(cleanupCtx, containerID, container.RemoveOptions{Force: true})
	}

	if err := p.cli.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
		abort()
		return nil, fmt.Errorf("failed to start container: %w", err)
	}

	// Network lockdown and base tooling before any task code arrives.
	setup := `
		apt-get update -qq && apt-get install -qq -y git iptables ca-certificates > /dev/null 2>&1
		iptables -A OUTPUT -d 10.0.0.0/8 -j DROP 2>/dev/null || true
		iptables -A OUTPUT -d 172.16.0.0/12 -j DROP 2>/dev/null || true
		iptables -A OUTPUT -d 192.168.0.0/16 -j DROP 2>/dev/null || true
		iptables -A OUTPUT -d 169.254.0.0/16 -j DROP 2>/dev/null || true
		git config --global user.name "Forge Agent"
		git config --global user.email "agent@forge.local"
		git config --global --add safe.directory '*'
		mkdir -p /workspace
	`
	if res, err := p.exec(ctx, containerID, "/", setup); err != nil {
		abort()
		return nil, fmt.Errorf("sandbox setup failed: %w", err)
	} else if res.ExitCode != 0 {
		abort()
		return nil, fmt.Errorf("sandbox setup failed (exit %d): %s", res.ExitCode, res.Stderr)
	}

	if cancelled(ctx) {
		abort()
		return &CreateResult{Cancelled: true}, nil
	}

	progress(20, "cloning repository")
	clone := fmt.Sprintf("git clone %s %s %s", cloneDepthFlag(spec.Depth), shellQuote(spec.RepoURL), containerWorkdir)
	if spec.Revision != "" {
		clone += fmt.Sprintf(" && cd %s && git checkout %s", containerWorkdir, shellQuote(spec.Revision))
	}
	if res, err := p.exec(ctx, containerID, "/", clone); err != nil {
		abort()
		return nil, fmt.Errorf("clone failed: %w", err)
	} else if res.ExitCode != 0 {
		abort()
		return nil, fmt.Errorf("clone failed (exit %d): %s", res.ExitCode, res.Stderr)
	}

	// Mid-provisioning checkpoint: the clone is the longest blocking phase.
	if cancelled(ctx) {
		abort()
		return &CreateResult{Cancelled: true}, nil
	}

	branch := spec.BranchName
	if branch == "" {
		branch = GenerateBranchName(spec.AgentID, spec.TaskID)
	}
	if res, err := p.exec(ctx, containerID, containerWorkdir, "git checkout -b "+shellQuote(branch)); err != nil {
		abort()
		return nil, fmt.Errorf("branch creation failed: %w", err)
	} else if res.ExitCode != 0 {
		abort()
		return nil, fmt.Errorf("branch creation failed (exit %d): %s", res.ExitCode, res.Stderr)
	}

	if spec.InstallDeps {
		progress(30, "installing dependencies")
		install := `
			if [ -f package.json ]; then npm install --no-audit --no-fund;
			elif [ -f requirements.txt ]; then pip install -r requirements.txt;
			elif [ -f go.mod ]; then go mod download;
			fi
		`
		if res, err := p.exec(ctx, containerID, containerWorkdir, install); err != nil {
			abort()
			return nil, fmt.Errorf("dependency install failed: %w", err)
		} else if res.ExitCode != 0 {
			abort()
			return nil, fmt.Errorf("dependency install failed (exit %d): %s", res.ExitCode, res.Stderr)
		}

		if cancelled(ctx) {
			abort()
			return &CreateResult{Cancelled: true}, nil
		}
	}

	env := &Environment{
		ID:         uuid.New().String(),
		TaskID:     spec.TaskID,
		BranchName: branch,
		Backend:    "docker",
		Native:     containerID,
		Workdir:    containerWorkdir,
	}
	if len(spec.Ports) > 0 {
		env.Domain = fmt.Sprintf("http://%s:%d", containerID[:12], spec.Ports[0])
	}

	timeout := spec.Timeout
	if timeout == 0 {
		timeout = time.Hour
	}
	p.mu.Lock()
	p.deadlines[containerID] = containerLease{taskID: spec.TaskID, expireAt: time.Now().Add(timeout)}
	p.mu.Unlock()

	progress(40, "sandbox ready")
	return &CreateResult{Env: env}, nil
}

func (p *DockerProvider) RunCommand(ctx context.Context, env *Environment, script string, log *logging.TaskLogger) (*ExecResult, error) {
	if log != nil {
		log.Command(script)
	}
	res, err := p.exec(ctx, env.Native, env.Workdir, script)
	if err != nil {
		return nil, err
	}
	if log != nil && res.Stdout != "" {
		log.Info(res.Stdout)
	}
	if log != nil && res.ExitCode != 0 && res.Stderr != "" {
		log.Error(res.Stderr)
	}
	return res, nil
}

func (p *DockerProvider) exec(ctx context.Context, containerID, workdir, script string) (*ExecResult, error) {
	created, err := p.cli.ContainerExecCreate(ctx, containerID, container.ExecOptions{
		User:         "root",
		WorkingDir:   workdir,
		AttachStdout: true,
		AttachStderr: true,
		Cmd:          []string{"sh", "-c", script},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create exec: %w", err)
	}

	resp, err := p.cli.ContainerExecAttach(ctx, created.ID, container.ExecStartOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to attach to exec: %w", err)
	}
	defer resp.Close()

	var stdout, stderr bytes.Buffer
	done := make(chan error, 1)
	go func() {
		_, err := stdcopy.StdCopy(&stdout, &stderr, resp.Reader)
		done <- err
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case err := <-done:
		if err != nil {
			return nil, fmt.Errorf("error reading exec output: %w", err)
		}
	}

	inspect, err := p.cli.ContainerExecInspect(ctx, created.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to inspect exec: %w", err)
	}

	return &ExecResult{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		ExitCode: inspect.ExitCode,
	}, nil
}

// Destroy removes the environment's container. Removing an unknown or
// already-removed container is not an error.
func (p *DockerProvider) Destroy(ctx context.Context, env *Environment, log *logging.TaskLogger) error {
	p.mu.Lock()
	delete(p.deadlines, env.Native)
	p.mu.Unlock()

	err := p.cli.ContainerRemove(ctx, env.Native, container.RemoveOptions{Force: true})
	if err != nil {
		if client.IsErrNotFound(err) {
			return nil
		}
		return fmt.Errorf("failed to remove container: %w", err)
	}
	if log != nil {
		log.Info("sandbox destroyed")
	}
	return nil
}

// RunReaper removes containers whose expiry clock has run out. The
// environment enforces its own timeout independent of the stop oracle,
// so a container outlives its task by at most one reaper tick.
func (p *DockerProvider) RunReaper(ctx context.Context) {
	ticker := time.NewTicker(1 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.mu.Lock()
			var expired []string
			for id, lease := range p.deadlines {
				if time.Now().After(lease.expireAt) {
					expired = append(expired, id)
					delete(p.deadlines, id)
				}
			}
			p.mu.Unlock()

			for _, id := range expired {
				logging.Log(fmt.Sprintf("Sandbox %s exceeded its deadline. Removing...", id[:12]), slog.LevelInfo)
				cleanupCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				p.cli.ContainerRemove(cleanupCtx, id, container.RemoveOptions{Force: true})
				cancel()
			}
		}
	}
}

// CleanupAll force-removes every tracked container. Called on worker
// shutdown.
func (p *DockerProvider) CleanupAll(ctx context.Context) {
	p.mu.Lock()
	ids := make([]string, 0, len(p.deadlines))
	for id := range p.deadlines {
		ids = append(ids, id)
	}
	p.deadlines = make(map[string]containerLease)
	p.mu.Unlock()

	for _, id := range ids {
		logging.Log(fmt.Sprintf("Cleaning up sandbox container %s...", id[:12]), slog.LevelInfo)
		p.cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: true})
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func cloneDepthFlag(depth int) string {
	if depth <= 0 {
		return "--depth 1"
	}
	return fmt.Sprintf("--depth %d", depth)
}

// shellQuote wraps s in single quotes for safe interpolation into an
// sh -c script.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
