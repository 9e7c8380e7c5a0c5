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

// Package sandbox provides isolated execution environments with a
// filesystem cloned from a git source. Variants are behaviorally
// substitutable; callers never inspect which one they hold.
package sandbox

import (
	"context"
	"fmt"
	"time"

	"forgeworker/src/logging"
)

// ResourceShape sizes the environment's compute.
type ResourceShape struct {
	MemoryMB int64   `json:"memory_mb"`
	CPUs     float64 `json:"cpus"`
}

// CreateSpec describes the environment to provision. The two callbacks
// are consulted by the provider during long blocking operations: progress
// for status updates, Cancelled at the provider's internal checkpoints
// (at least once during clone and dependency install).
type CreateSpec struct {
	TaskID      string
	RepoURL     string
	Revision    string
	Depth       int
	Timeout     time.Duration
	Ports       []int
	Runtime     string
	Resources   ResourceShape
	Prompt      string
	AgentID     string
	ModelID     string
	InstallDeps bool
	BranchName  string // pre-determined branch, generated by the provider when empty

	OnProgress func(progress int, message string)
	Cancelled  func(context.Context) bool
}

// Environment is the opaque handle to a live environment. All fields are
// plain strings so handles survive step-ledger serialization.
type Environment struct {
	ID         string `json:"id"`
	TaskID     string `json:"task_id"`
	Domain     string `json:"domain,omitempty"`
	BranchName string `json:"branch_name"`
	Backend    string `json:"backend"`
	Native     string `json:"native"`  // provider-native handle: container id or host path
	Workdir    string `json:"workdir"` // repository checkout inside the environment
}

// CreateResult reports the outcome of provisioning. Cancelled means the
// stop oracle fired mid-provisioning and any partial environment was
// already torn down.
type CreateResult struct {
	Env       *Environment `json:"env,omitempty"`
	Cancelled bool         `json:"cancelled,omitempty"`
}

// ExecResult carries the captured output of one command run inside an
// environment.
type ExecResult struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exit_code"`
}

// Provider is the capability set shared by all environment backends.
type Provider interface {
	// Create provisions an environment cloned from the spec's git source.
	Create(ctx context.Context, spec CreateSpec) (*CreateResult, error)

	// RunCommand executes a shell script in the environment's workdir and
	// returns its captured output. A non-zero exit is not an error.
	RunCommand(ctx context.Context, env *Environment, script string, log *logging.TaskLogger) (*ExecResult, error)

	// Destroy tears the environment down. It is idempotent: destroying an
	// already-destroyed or unknown environment returns nil.
	Destroy(ctx context.Context, env *Environment, log *logging.TaskLogger) error
}

// ChangePusher is the optional native commit-and-push capability. Callers
// fall back to the generic git synchronizer when a provider lacks it.
type ChangePusher interface {
	// PushChanges commits local changes and pushes them to the named
	// branch on origin. pushFailed reports a push that failed after the
	// commit succeeded; that outcome is not an error.
	PushChanges(ctx context.Context, env *Environment, branch, commitMessage string, log *logging.TaskLogger) (pushed bool, pushFailed bool, err error)
}

// GenerateBranchName derives a branch for a task when none was
// pre-assigned.
func GenerateBranchName(agentID, taskID string) string {
	short := taskID
	if len(short) > 8 {
		short = short[:8]
	}
	if agentID == "" {
		agentID = "agent"
	}
	return fmt.Sprintf("forge/%s-%s", agentID, short)
}
