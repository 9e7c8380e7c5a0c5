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
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"forgeworker/src/logging"

	"github.com/google/uuid"
)

// LocalProvider runs each environment as a directory on the worker host
// with commands executed as child processes. It trades isolation for zero
// infrastructure and is the backend used in development and tests.
type LocalProvider struct {
	root string
}

// NewLocalProvider roots environments under dir, or under the system temp
// directory when dir is empty.
func NewLocalProvider(dir string) (*LocalProvider, error) {
	if dir == "" {
		dir = filepath.Join(os.TempDir(), "forge-sandboxes")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create sandbox root: %w", err)
	}
	return &LocalProvider{root: dir}, nil
}

func (p *LocalProvider) Create(ctx context.Context, spec CreateSpec) (*CreateResult, error) {
	progress := spec.OnProgress
	if progress == nil {
		progress = func(int, string) {}
	}
	cancelled := spec.Cancelled
	if cancelled == nil {
		cancelled = func(context.Context) bool { return false }
	}

	progress(15, "creating sandbox")

	envID := uuid.New().String()
	dir := filepath.Join(p.root, envID)
	workdir := filepath.Join(dir, "repo")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create sandbox dir: %w", err)
	}
	abort := func() { os.RemoveAll(dir) }

	if cancelled(ctx) {
		abort()
		return &CreateResult{Cancelled: true}, nil
	}

	progress(20, "cloning repository")
	cloneCtx := ctx
	if spec.Timeout > 0 {
		var cancel context.CancelFunc
		cloneCtx, cancel = context.WithTimeout(ctx, spec.Timeout)
		defer cancel()
	}
	args := []string{"clone", "--depth", "1", spec.RepoURL, workdir}
	if spec.Depth > 0 {
		args[2] = fmt.Sprintf("%d", spec.Depth)
	}
	if out, err := exec.CommandContext(cloneCtx, "git", args...).CombinedOutput(); err != nil {
		abort()
		return nil, fmt.Errorf("clone failed: %w\nOutput: %s", err, out)
	}
	if spec.Revision != "" {
		if out, err := gitC(ctx, workdir, "checkout", spec.Revision); err != nil {
			abort()
			return nil, fmt.Errorf("checkout failed: %w\nOutput: %s", err, out)
		}
	}

	// Checkpoint after the clone, the longest blocking phase.
	if cancelled(ctx) {
		abort()
		return &CreateResult{Cancelled: true}, nil
	}

	branch := spec.BranchName
	if branch == "" {
		branch = GenerateBranchName(spec.AgentID, spec.TaskID)
	}
	if out, err := gitC(ctx, workdir, "checkout", "-b", branch); err != nil {
		abort()
		return nil, fmt.Errorf("branch creation failed: %w\nOutput: %s", err, out)
	}

	if spec.InstallDeps {
		progress(30, "installing dependencies")
		install := `
			if [ -f package.json ]; then npm install --no-audit --no-fund;
			elif [ -f requirements.txt ]; then pip install -r requirements.txt;
			elif [ -f go.mod ]; then go mod download;
			fi
		`
		cmd := exec.CommandContext(ctx, "sh", "-c", install)
		cmd.Dir = workdir
		if out, err := cmd.CombinedOutput(); err != nil {
			abort()
			return nil, fmt.Errorf("dependency install failed: %w\nOutput: %s", err, out)
		}
		if cancelled(ctx) {
			abort()
			return &CreateResult{Cancelled: true}, nil
		}
	}

	progress(40, "sandbox ready")
	return &CreateResult{Env: &Environment{
		ID:         envID,
		TaskID:     spec.TaskID,
		BranchName: branch,
		Backend:    "local",
		Native:     dir,
		Workdir:    workdir,
	}}, nil
}

func (p *LocalProvider) RunCommand(ctx context.Context, env *Environment, script string, log *logging.TaskLogger) (*ExecResult, error) {
	if log != nil {
		log.Command(script)
	}

	cmd := exec.CommandContext(ctx, "sh", "-c", script)
	cmd.Dir = env.Workdir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		} else {
			return nil, fmt.Errorf("command failed to start: %w", err)
		}
	}

	res := &ExecResult{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		ExitCode: exitCode,
	}
	if log != nil && res.Stdout != "" {
		log.Info(res.Stdout)
	}
	if log != nil && res.ExitCode != 0 && res.Stderr != "" {
		log.Error(res.Stderr)
	}
	return res, nil
}

// PushChanges is the provider-native git helper: stage, commit, push.
// A push failure after a successful commit is reported, not raised.
func (p *LocalProvider) PushChanges(ctx context.Context, env *Environment, branch, commitMessage string, log *logging.TaskLogger) (bool, bool, error) {
	status, err := gitC(ctx, env.Workdir, "status", "--porcelain")
	if err != nil {
		return false, false, fmt.Errorf("failed to get status: %w", err)
	}

	if strings.TrimSpace(string(status)) != "" {
		if out, err := gitC(ctx, env.Workdir, "add", "."); err != nil {
			return false, false, fmt.Errorf("failed to stage changes: %w\nOutput: %s", err, out)
		}
		if out, err := gitC(ctx, env.Workdir, "commit", "-m", commitMessage); err != nil {
			if !strings.Contains(string(out), "nothing to commit") {
				return false, false, fmt.Errorf("failed to commit: %w\nOutput: %s", err, out)
			}
		}
		if log != nil {
			log.Success("changes committed")
		}
	} else if log != nil {
		log.Info("no local changes to commit")
	}

	if _, err := gitC(ctx, env.Workdir, "ls-remote", "--exit-code", "--heads", "origin", branch); err == nil {
		gitC(ctx, env.Workdir, "fetch", "origin", branch)
	}

	if out, err := gitC(ctx, env.Workdir, "push", "-u", "origin", branch); err != nil {
		if log != nil {
			log.Error(fmt.Sprintf("push failed: %s", out))
		}
		return false, true, nil
	}

	if log != nil {
		log.Success("pushed branch " + branch)
	}
	return true, false, nil
}

// Destroy removes the environment directory. Removing a missing directory
// is not an error.
func (p *LocalProvider) Destroy(ctx context.Context, env *Environment, log *logging.TaskLogger) error {
	if err := os.RemoveAll(env.Native); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove sandbox dir: %w", err)
	}
	if log != nil {
		log.Info("sandbox destroyed")
	}
	return nil
}

// ReapStale removes environment directories older than maxAge, including
// any left behind by a crashed worker.
func (p *LocalProvider) ReapStale(maxAge time.Duration) {
	entries, err := os.ReadDir(p.root)
	if err != nil {
		return
	}
	for _, e := range entries {
		info, err := e.Info()
		if err != nil {
			continue
		}
		if time.Since(info.ModTime()) > maxAge {
			os.RemoveAll(filepath.Join(p.root, e.Name()))
		}
	}
}

func gitC(ctx context.Context, dir string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, "git", append([]string{"-C", dir}, args...)...)
	return cmd.CombinedOutput()
}
