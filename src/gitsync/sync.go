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

// Package gitsync commits and pushes local changes from an execution
// environment to a named branch on the origin remote.
package gitsync

import (
	"context"
	"fmt"
	"strings"

	"forgeworker/src/logging"
	"forgeworker/src/sandbox"
)

// CommandRunner runs a shell script inside an environment. Satisfied by
// every sandbox provider.
type CommandRunner interface {
	RunCommand(ctx context.Context, env *sandbox.Environment, script string, log *logging.TaskLogger) (*sandbox.ExecResult, error)
}

// Result reports the synchronization outcome. PushFailed means the commit
// exists in the environment but could not reach origin; that is degraded,
// not fatal.
type Result struct {
	Committed  bool `json:"committed"`
	Pushed     bool `json:"pushed"`
	PushFailed bool `json:"push_failed"`
}

// Sync stages, commits, and pushes the environment's working tree to the
// named branch. Each git step is checked for a non-zero exit before the
// next one runs.
func Sync(ctx context.Context, r CommandRunner, env *sandbox.Environment, branch, commitMessage string, log *logging.TaskLogger) (*Result, error) {
	out := &Result{}

	status, err := r.RunCommand(ctx, env, "git status --porcelain", log)
	if err != nil {
		return nil, fmt.Errorf("failed to get status: %w", err)
	}
	if status.ExitCode != 0 {
		return nil, fmt.Errorf("git status failed (exit %d): %s", status.ExitCode, status.Stderr)
	}

	if strings.TrimSpace(status.Stdout) != "" {
		add, err := r.RunCommand(ctx, env, "git add .", log)
		if err != nil {
			return nil, fmt.Errorf("failed to stage changes: %w", err)
		}
		if add.ExitCode != 0 {
			return nil, fmt.Errorf("git add failed (exit %d): %s", add.ExitCode, add.Stderr)
		}

		commit, err := r.RunCommand(ctx, env, "git commit -m "+quote(commitMessage), log)
		if err != nil {
			return nil, fmt.Errorf("failed to commit: %w", err)
		}
		if commit.ExitCode != 0 && !strings.Contains(commit.Stdout, "nothing to commit") {
			return nil, fmt.Errorf("git commit failed (exit %d): %s", commit.ExitCode, commit.Stderr)
		}
		out.Committed = true
		if log != nil {
			log.Success("changes committed")
		}
	} else if log != nil {
		log.Info("no local changes to commit")
	}

	// When the remote branch already exists, fetch it so the push target
	// is known; otherwise the local branch is authoritative.
	remote, err := r.RunCommand(ctx, env, "git ls-remote --exit-code --heads origin "+quote(branch), log)
	if err != nil {
		return nil, fmt.Errorf("failed to check remote branch: %w", err)
	}
	if remote.ExitCode == 0 {
		fetch, err := r.RunCommand(ctx, env, "git fetch origin "+quote(branch), log)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch remote branch: %w", err)
		}
		if fetch.ExitCode != 0 {
			return nil, fmt.Errorf("git fetch failed (exit %d): %s", fetch.ExitCode, fetch.Stderr)
		}
	}

	push, err := r.RunCommand(ctx, env, "git push -u origin "+quote(branch), log)
	if err != nil {
		return nil, fmt.Errorf("failed to push: %w", err)
	}
	if push.ExitCode != 0 {
		// The commit already exists locally and is recoverable.
		out.PushFailed = true
		if log != nil {
			log.Error("push failed; changes committed locally but not pushed")
		}
		return out, nil
	}

	out.Pushed = true
	if log != nil {
		log.Success("pushed branch " + branch)
	}
	return out, nil
}

func quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
