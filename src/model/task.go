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

package model

import "time"

type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskProcessing TaskStatus = "processing"
	TaskCompleted  TaskStatus = "completed"
	TaskError      TaskStatus = "error"
	TaskStopped    TaskStatus = "stopped"
)

// Terminal reports whether a status ends the task lifecycle.
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskError || s == TaskStopped
}

type Task struct {
	ID                 string
	OwnerID            string
	Prompt             string
	RepoURL            string
	BranchName         *string // assigned during execution when not pre-determined
	AgentID            string
	ModelID            *string
	InstallDeps        bool
	MaxDurationMinutes int
	RuntimeType        string
	Status             TaskStatus
	Progress           int
	StatusMessage      *string
	SandboxID          *string
	SandboxURL         *string
	Connectors         []Connector // decrypted snapshot attached at agent-launch time
	WorkerID           *string
	LockedAt           *time.Time
	Started            *time.Time
	Finished           *time.Time
	CreatedAt          time.Time
	UpdatedAt          time.Time
	DeletedAt          *time.Time // soft delete only, rows are never removed
}

type ConnectorType string

const (
	ConnectorLocal  ConnectorType = "local"
	ConnectorRemote ConnectorType = "remote"
)

// Connector is a configured external tool server made available to the
// agent. Env values arrive pre-decrypted; the worker never persists them.
type Connector struct {
	ID      string
	OwnerID string
	Name    string
	Type    ConnectorType
	Command string
	Args    []string
	URL     string
	Env     map[string]string
	Status  string
}

type LogSeverity string

const (
	LogInfo    LogSeverity = "info"
	LogError   LogSeverity = "error"
	LogSuccess LogSeverity = "success"
	LogCommand LogSeverity = "command"
)

type LogEntry struct {
	Timestamp time.Time   `json:"timestamp"`
	Severity  LogSeverity `json:"severity"`
	Message   string      `json:"message"`
}
