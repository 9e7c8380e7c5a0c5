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

package logging

import (
	"sync"
	"time"

	"forgeworker/src/model"
)

// StatusResponse for JSON output
type StatusResponse struct {
	ID               string      `json:"id"`
	StartTime        time.Time   `json:"start_time"`
	Uptime           string      `json:"uptime"`
	TasksProcessed   uint64      `json:"tasks_processed"`
	TasksCompleted   uint64      `json:"tasks_completed"`
	TasksFailed      uint64      `json:"tasks_failed"`
	TasksStopped     uint64      `json:"tasks_stopped"`
	DatabaseFailures uint64      `json:"database_failures"`
	CurrentTask      *model.Task `json:"current_task,omitempty"`
}

// WorkerStats tracks the internal state of the worker
type WorkerStats struct {
	mu             sync.RWMutex
	statusResponse StatusResponse
}

func NewWorkerStats(workerID string) *WorkerStats {
	return &WorkerStats{
		statusResponse: StatusResponse{
			ID:        workerID,
			StartTime: time.Now(),
		},
	}
}

// UpdateStats updates the worker statistics
func (s *WorkerStats) UpdateStats(processed, completed, failed, stopped, databaseFailures uint64, current *model.Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statusResponse.TasksProcessed += processed
	s.statusResponse.TasksCompleted += completed
	s.statusResponse.TasksFailed += failed
	s.statusResponse.TasksStopped += stopped
	s.statusResponse.DatabaseFailures += databaseFailures
	s.statusResponse.CurrentTask = current

	UpdateSpanValue("worker_tasks_total", float64(s.statusResponse.TasksProcessed))
	UpdateSpanValue("worker_tasks_completed", float64(s.statusResponse.TasksCompleted))
	UpdateSpanValue("worker_tasks_failed", float64(s.statusResponse.TasksFailed))
	UpdateSpanValue("worker_tasks_stopped", float64(s.statusResponse.TasksStopped))
	UpdateSpanValue("worker_database_failures", float64(s.statusResponse.DatabaseFailures))
}

// GetStats returns the current statistics as a response struct
func (s *WorkerStats) GetStats() StatusResponse {
	s.mu.RLock()
	defer s.mu.RUnlock()

	resp := s.statusResponse
	resp.Uptime = time.Since(s.statusResponse.StartTime).Truncate(time.Second).String()
	return resp
}
