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
	"context"
	"log/slog"
	"sync"
	"time"

	"forgeworker/src/model"
)

// Sink persists task log entries. The store implements this; tests use
// in-memory fakes.
type Sink interface {
	Append(ctx context.Context, taskID string, entry model.LogEntry) error
}

// Hub fans task log entries out to live subscribers (the log stream API).
// Entries are delivered in emission order; slow subscribers are dropped
// rather than blocking the task.
type Hub struct {
	mu   sync.Mutex
	subs map[string]map[chan model.LogEntry]struct{}
}

func NewHub() *Hub {
	return &Hub{subs: make(map[string]map[chan model.LogEntry]struct{})}
}

// Subscribe returns a channel of log entries for a task and a cancel
// function the caller must invoke when done.
func (h *Hub) Subscribe(taskID string) (<-chan model.LogEntry, func()) {
	ch := make(chan model.LogEntry, 64)

	h.mu.Lock()
	if h.subs[taskID] == nil {
		h.subs[taskID] = make(map[chan model.LogEntry]struct{})
	}
	h.subs[taskID][ch] = struct{}{}
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		if set, ok := h.subs[taskID]; ok {
			if _, ok := set[ch]; ok {
				delete(set, ch)
				close(ch)
			}
			if len(set) == 0 {
				delete(h.subs, taskID)
			}
		}
		h.mu.Unlock()
	}
	return ch, cancel
}

func (h *Hub) publish(taskID string, entry model.LogEntry) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs[taskID] {
		select {
		case ch <- entry:
		default:
			// subscriber is lagging, drop the entry for it
		}
	}
}

// TaskLogger is the append-only progress sink bound to one task. Every
// entry is persisted through the sink, fanned out to live subscribers,
// and mirrored to the worker log.
type TaskLogger struct {
	taskID string
	sink   Sink
	hub    *Hub
	mu     sync.Mutex
}

func NewTaskLogger(taskID string, sink Sink, hub *Hub) *TaskLogger {
	return &TaskLogger{taskID: taskID, sink: sink, hub: hub}
}

func (l *TaskLogger) Info(msg string)    { l.append(model.LogInfo, msg) }
func (l *TaskLogger) Error(msg string)   { l.append(model.LogError, msg) }
func (l *TaskLogger) Success(msg string) { l.append(model.LogSuccess, msg) }

// Command echoes a command about to run inside the sandbox, prefixed
// distinctly from its output.
func (l *TaskLogger) Command(cmd string) { l.append(model.LogCommand, "$ "+cmd) }

func (l *TaskLogger) append(severity model.LogSeverity, msg string) {
	// The lock keeps entries totally ordered across sink and hub.
	l.mu.Lock()
	defer l.mu.Unlock()

	entry := model.LogEntry{
		Timestamp: time.Now().UTC(),
		Severity:  severity,
		Message:   msg,
	}
	if l.sink != nil {
		if err := l.sink.Append(context.Background(), l.taskID, entry); err != nil {
			Log("failed to persist task log entry: "+err.Error(), slog.LevelError)
		}
	}
	if l.hub != nil {
		l.hub.publish(l.taskID, entry)
	}

	level := slog.LevelInfo
	if severity == model.LogError {
		level = slog.LevelError
	}
	Log("task "+l.taskID+": "+msg, level)
}
