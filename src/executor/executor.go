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

// Package executor is the task orchestration state machine: it sequences
// environment creation, dependency installation, agent execution, result
// synchronization, and teardown, consulting the cancellation oracle at
// each transition.
package executor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"forgeworker/src/agent"
	"forgeworker/src/gitsync"
	"forgeworker/src/logging"
	"forgeworker/src/model"
	"forgeworker/src/sandbox"
	"forgeworker/src/steps"

	"github.com/google/uuid"
)

// TaskStore is the slice of the task record store the executor needs.
// Status and progress are advanced by the executor only.
type TaskStore interface {
	Get(ctx context.Context, id string) (*model.Task, error)
	SetStatus(ctx context.Context, id string, status model.TaskStatus, progress int, message string) error
	SetSandbox(ctx context.Context, id, sandboxID, url, branch string) error
	StopRequested(ctx context.Context, id string) (bool, error)
}

// ConnectorSource returns the owner's connected tool servers with
// secrets already decrypted.
type ConnectorSource interface {
	Connected(ctx context.Context, ownerID string) ([]model.Connector, error)
}

// AgentRunner drives a coding agent inside an environment.
type AgentRunner interface {
	Execute(ctx context.Context, env *sandbox.Environment, req agent.Request, log *logging.TaskLogger) (*agent.Result, error)
}

// StepFactory builds the step runner for one task attempt.
type StepFactory func(taskID, attemptID string) steps.Runner

// LoggerFactory builds the append-only log sink for one task.
type LoggerFactory func(taskID string) *logging.TaskLogger

// Config wires the executor's collaborators.
type Config struct {
	Store      TaskStore
	Connectors ConnectorSource
	Provider   sandbox.Provider
	Agents     AgentRunner
	Registry   *Registry
	NewSteps   StepFactory
	NewLogger  LoggerFactory
	Stats      *logging.WorkerStats
}

type Executor struct {
	store      TaskStore
	connectors ConnectorSource
	provider   sandbox.Provider
	agents     AgentRunner
	registry   *Registry
	newSteps   StepFactory
	newLogger  LoggerFactory
	stats      *logging.WorkerStats
}

func New(cfg Config) *Executor {
	if cfg.Registry == nil {
		cfg.Registry = NewRegistry()
	}
	if cfg.NewSteps == nil {
		cfg.NewSteps = func(taskID, attemptID string) steps.Runner { return steps.Inline{} }
	}
	if cfg.NewLogger == nil {
		cfg.NewLogger = func(taskID string) *logging.TaskLogger {
			return logging.NewTaskLogger(taskID, nil, nil)
		}
	}
	return &Executor{
		store:      cfg.Store,
		connectors: cfg.Connectors,
		provider:   cfg.Provider,
		agents:     cfg.Agents,
		registry:   cfg.Registry,
		newSteps:   cfg.NewSteps,
		newLogger:  cfg.NewLogger,
		stats:      cfg.Stats,
	}
}

// Registry exposes the environment registry for reattachment requests.
func (e *Executor) Registry() *Registry {
	return e.registry
}

// Result is the outcome of one task attempt. Exactly one of Success and
// Cancelled is set on a non-error return.
type Result struct {
	Success    bool   `json:"success"`
	Cancelled  bool   `json:"cancelled,omitempty"`
	PushFailed bool   `json:"push_failed,omitempty"`
	BranchName string `json:"branch_name,omitempty"`
	Message    string `json:"message,omitempty"`
}

// Handle identifies a dispatched attempt. Done receives the attempt's
// result exactly once.
type Handle struct {
	TaskID    string
	AttemptID string
	Done      <-chan Result
}

// Submit enqueues a task attempt as detached background work and returns
// immediately.
func (e *Executor) Submit(taskID string) *Handle {
	attemptID := uuid.New().String()
	done := make(chan Result, 1)
	go func() {
		res, err := e.execute(context.Background(), taskID, attemptID)
		if err != nil {
			done <- Result{Message: err.Error()}
			return
		}
		done <- *res
	}()
	return &Handle{TaskID: taskID, AttemptID: attemptID, Done: done}
}

// Execute runs one task attempt to completion. The error return is the
// re-raised attempt failure for the invoking workflow layer; the task
// record has already been marked accordingly.
func (e *Executor) Execute(ctx context.Context, taskID string) (*Result, error) {
	return e.execute(ctx, taskID, uuid.New().String())
}

func (e *Executor) execute(ctx context.Context, taskID, attemptID string) (*Result, error) {
	task, err := e.store.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}

	run := e.newSteps(task.ID, attemptID)
	tlog := e.newLogger(task.ID)

	if e.stats != nil {
		e.stats.UpdateStats(1, 0, 0, 0, 0, task)
	}

	// A task stopped before execution starts never gets an environment.
	if e.stopRequested(ctx, task.ID) {
		tlog.Info("task was stopped before execution started")
		e.setStatus(ctx, tlog, task.ID, model.TaskStopped, 0, "stopped")
		if e.stats != nil {
			e.stats.UpdateStats(0, 0, 0, 1, 0, nil)
		}
		return &Result{Cancelled: true, Message: "stopped"}, nil
	}

	e.setStatus(ctx, tlog, task.ID, model.TaskProcessing, 10, "preparing")

	res, err := e.attempt(ctx, run, task, tlog)
	if err != nil {
		// The single top-level catch: mark the task errored with the root
		// cause text, then re-raise so the invoking scheduler can apply
		// its own retry or alerting policy.
		tlog.Error(err.Error())
		e.setStatus(ctx, tlog, task.ID, model.TaskError, 0, err.Error())
		if e.stats != nil {
			e.stats.UpdateStats(0, 0, 1, 0, 0, nil)
		}
		return nil, err
	}

	if res.Cancelled {
		res.Message = "stopped"
		e.setStatus(ctx, tlog, task.ID, model.TaskStopped, 0, "stopped")
		if e.stats != nil {
			e.stats.UpdateStats(0, 0, 0, 1, 0, nil)
		}
		return res, nil
	}

	msg := "completed"
	if res.PushFailed {
		msg = "completed: changes committed locally but could not be pushed"
	}
	res.Message = msg
	e.setStatus(ctx, tlog, task.ID, model.TaskCompleted, 100, msg)
	tlog.Success("task completed")
	if e.stats != nil {
		e.stats.UpdateStats(0, 1, 0, 0, 0, nil)
	}
	return res, nil
}

// attempt runs the provisioning-through-teardown sequence. Every exit
// path after the environment is registered tears it down before
// returning; that is the central resource-safety invariant.
func (e *Executor) attempt(ctx context.Context, run steps.Runner, task *model.Task, tlog *logging.TaskLogger) (*Result, error) {
	timeout := time.Duration(task.MaxDurationMinutes) * time.Minute
	if timeout <= 0 {
		timeout = time.Hour
	}

	preBranch := ""
	if task.BranchName != nil {
		preBranch = *task.BranchName
	}

	spec := sandbox.CreateSpec{
		TaskID:      task.ID,
		RepoURL:     task.RepoURL,
		Timeout:     timeout,
		Runtime:     task.RuntimeType,
		Prompt:      task.Prompt,
		AgentID:     task.AgentID,
		ModelID:     deref(task.ModelID),
		InstallDeps: task.InstallDeps,
		BranchName:  preBranch,
		OnProgress: func(p int, msg string) {
			e.setStatus(ctx, tlog, task.ID, model.TaskProcessing, p, msg)
			tlog.Info(msg)
		},
		Cancelled: e.oracle(task.ID),
	}

	createRes, err := steps.Do(ctx, run, "create-environment", func(ctx context.Context) (*sandbox.CreateResult, error) {
		return e.provider.Create(ctx, spec)
	})
	if err != nil {
		return nil, fmt.Errorf("sandbox provisioning failed: %w", err)
	}
	if createRes.Cancelled {
		// The provider already tore down any partial environment.
		tlog.Info("sandbox creation cancelled")
		return &Result{Cancelled: true}, nil
	}
	env := createRes.Env

	e.registry.Register(task.ID, env)
	destroyed := false
	destroy := func() {
		if destroyed {
			return
		}
		destroyed = true
		cleanupCtx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
		defer cancel()
		_, derr := steps.Do(cleanupCtx, run, "destroy-environment", func(ctx context.Context) (bool, error) {
			return true, e.provider.Destroy(ctx, env, tlog)
		})
		if derr != nil {
			// Teardown failures never mask the task's true outcome.
			tlog.Error("sandbox teardown failed: " + derr.Error())
		}
		e.registry.Deregister(task.ID)
	}
	defer destroy()

	branch := env.BranchName

	// The environment reference must be durable before the agent starts,
	// so a crash mid-task leaves enough state for recovery.
	if err := e.store.SetSandbox(ctx, task.ID, env.ID, env.Domain, branch); err != nil {
		return nil, fmt.Errorf("failed to persist sandbox reference: %w", err)
	}

	if e.stopRequested(ctx, task.ID) {
		tlog.Info("stop requested; tearing down sandbox")
		return &Result{Cancelled: true}, nil
	}

	// Connector fetch is best-effort: the task must not fail solely
	// because optional tool configuration could not be loaded.
	var conns []model.Connector
	if e.connectors != nil {
		cs, cerr := e.connectors.Connected(ctx, task.OwnerID)
		if cerr != nil {
			tlog.Error("warning: could not load connectors, continuing without: " + cerr.Error())
		} else {
			conns = cs
			task.Connectors = cs
		}
	}

	e.setStatus(ctx, tlog, task.ID, model.TaskProcessing, 50, "executing agent")
	if e.stopRequested(ctx, task.ID) {
		tlog.Info("stop requested; tearing down sandbox")
		return &Result{Cancelled: true}, nil
	}

	agentRes, err := steps.Do(ctx, run, "execute-agent", func(ctx context.Context) (*agent.Result, error) {
		return e.agents.Execute(ctx, env, agent.Request{
			OwnerID:    task.OwnerID,
			Prompt:     task.Prompt,
			AgentID:    task.AgentID,
			ModelID:    deref(task.ModelID),
			Connectors: conns,
			Cancelled:  e.oracle(task.ID),
		}, tlog)
	})
	if err != nil {
		if errors.Is(err, agent.ErrCancelled) {
			return &Result{Cancelled: true}, nil
		}
		return nil, err
	}
	tlog.Success("agent finished")
	if agentRes.Response != "" {
		tlog.Info(agentRes.Response)
	}

	e.setStatus(ctx, tlog, task.ID, model.TaskProcessing, 90, "pushing changes")
	msg := commitMessage(task.Prompt)
	syncRes, err := steps.Do(ctx, run, "push-changes", func(ctx context.Context) (*gitsync.Result, error) {
		if pusher, ok := e.provider.(sandbox.ChangePusher); ok {
			pushed, pushFailed, perr := pusher.PushChanges(ctx, env, branch, msg, tlog)
			return &gitsync.Result{Committed: pushed || pushFailed, Pushed: pushed, PushFailed: pushFailed}, perr
		}
		return gitsync.Sync(ctx, e.provider, env, branch, msg, tlog)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to synchronize changes: %w", err)
	}

	// Teardown happens before the terminal status is written.
	destroy()

	return &Result{Success: true, BranchName: branch, PushFailed: syncRes.PushFailed}, nil
}

// oracle returns the cancellation predicate for a task, backed by the
// task record's status column.
func (e *Executor) oracle(taskID string) func(context.Context) bool {
	return func(ctx context.Context) bool {
		stopped, err := e.store.StopRequested(ctx, taskID)
		if err != nil {
			// An unreadable oracle means "keep going"; the next
			// checkpoint retries.
			return false
		}
		return stopped
	}
}

func (e *Executor) stopRequested(ctx context.Context, taskID string) bool {
	return e.oracle(taskID)(ctx)
}

func (e *Executor) setStatus(ctx context.Context, tlog *logging.TaskLogger, taskID string, status model.TaskStatus, progress int, message string) {
	if err := e.store.SetStatus(ctx, taskID, status, progress, message); err != nil {
		tlog.Error("failed to update task status: " + err.Error())
		if e.stats != nil {
			e.stats.UpdateStats(0, 0, 0, 0, 1, nil)
		}
	}
}

// commitMessage derives a commit message from the first 50 characters of
// the prompt.
func commitMessage(prompt string) string {
	const max = 50
	runes := []rune(strings.TrimSpace(prompt))
	if len(runes) <= max {
		return string(runes)
	}
	return string(runes[:max]) + "..."
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
