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

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"forgeworker/src/executor"
	"forgeworker/src/logging"
	"forgeworker/src/model"
	"forgeworker/src/store"

	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// APIServer holds dependencies for the HTTP handlers
type APIServer struct {
	store *store.Store
	stats *logging.WorkerStats
	exec  *executor.Executor
	hub   *logging.Hub
}

// StartAPIServer starts the HTTP server with graceful shutdown and OTel
func StartAPIServer(port string, st *store.Store, workerStats *logging.WorkerStats, exec *executor.Executor, hub *logging.Hub) error {
	// 1. Setup Context for Graceful Shutdown
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Setup OpenTelemetry
	otelShutdown, err := logging.SetupOTelSDK(context.Background())
	if err != nil {
		return fmt.Errorf("failed to setup OTel SDK: %w", err)
	}
	defer func() {
		// Ensure OTel flushes spans before exiting
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(shutdownCtx); err != nil {
			fmt.Fprintf(os.Stderr, "OTel shutdown error: %v\n", err)
		}
	}()

	srv := &APIServer{
		store: st,
		stats: workerStats,
		exec:  exec,
		hub:   hub,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /status", srv.statusHandler)
	mux.HandleFunc("GET /global-status", srv.globalStatusHandler)
	mux.HandleFunc("POST /tasks", srv.submitHandler)
	mux.HandleFunc("GET /tasks/{id}", srv.taskHandler)
	mux.HandleFunc("POST /tasks/{id}/stop", srv.stopHandler)
	mux.HandleFunc("DELETE /tasks/{id}", srv.deleteHandler)
	mux.HandleFunc("GET /tasks/{id}/logs", srv.logsHandler)
	mux.HandleFunc("GET /tasks/{id}/environment", srv.environmentHandler)

	// 3. Wrap Mux with OTel Middleware
	// CRITICAL: We must use the returned handler from otelhttp.NewHandler
	otelHandler := otelhttp.NewHandler(mux, "worker-api-server")

	httpServer := &http.Server{
		Addr:    ":" + port,
		Handler: otelHandler,
	}

	// 4. Run Server in Background
	serverErr := make(chan error, 1)
	go func() {
		fmt.Printf("API Server starting on :%s\n", port)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// 5. Wait for Shutdown Signal or Error
	select {
	case err := <-serverErr:
		return fmt.Errorf("server startup failed: %w", err)
	case <-ctx.Done():
		fmt.Println("\nShutdown signal received, closing server...")

		// Gracefully shut down the HTTP server (max 10s timeout)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
		fmt.Println("Server exited cleanly")
	}

	return nil
}

func (s *APIServer) statusHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(s.stats.GetStats())
}

func (s *APIServer) globalStatusHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	gs, err := s.store.Stats(r.Context())
	if err != nil {
		http.Error(w, "Failed to query system stats", http.StatusInternalServerError)
		return
	}
	_ = json.NewEncoder(w).Encode(gs)
}

type submitRequest struct {
	OwnerID            string  `json:"owner_id"`
	Prompt             string  `json:"prompt"`
	RepoURL            string  `json:"repo_url"`
	BranchName         *string `json:"branch_name,omitempty"`
	AgentID            string  `json:"agent_id"`
	ModelID            *string `json:"model_id,omitempty"`
	InstallDeps        bool    `json:"install_deps"`
	MaxDurationMinutes int     `json:"max_duration_minutes"`
	RuntimeType        string  `json:"runtime_type"`
}

// submitHandler enqueues a task attempt and returns immediately with the
// execution handle id. A listening worker picks the row up via
// LISTEN/NOTIFY.
func (s *APIServer) submitHandler(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Prompt == "" || req.RepoURL == "" || req.AgentID == "" {
		http.Error(w, "prompt, repo_url and agent_id are required", http.StatusBadRequest)
		return
	}

	task := &model.Task{
		ID:                 uuid.New().String(),
		OwnerID:            req.OwnerID,
		Prompt:             req.Prompt,
		RepoURL:            req.RepoURL,
		BranchName:         req.BranchName,
		AgentID:            req.AgentID,
		ModelID:            req.ModelID,
		InstallDeps:        req.InstallDeps,
		MaxDurationMinutes: req.MaxDurationMinutes,
		RuntimeType:        req.RuntimeType,
	}
	if err := s.store.Insert(r.Context(), task); err != nil {
		http.Error(w, "failed to enqueue task", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(map[string]string{"id": task.ID})
}

func (s *APIServer) taskHandler(w http.ResponseWriter, r *http.Request) {
	task, err := s.store.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		http.Error(w, "task not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(task)
}

// stopHandler flips the cancellation oracle. The running attempt observes
// it at its next checkpoint, not instantaneously.
func (s *APIServer) stopHandler(w http.ResponseWriter, r *http.Request) {
	stopped, err := s.store.RequestStop(r.Context(), r.PathValue("id"))
	if err != nil {
		http.Error(w, "failed to request stop", http.StatusInternalServerError)
		return
	}
	if !stopped {
		http.Error(w, "task is not running", http.StatusConflict)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *APIServer) deleteHandler(w http.ResponseWriter, r *http.Request) {
	if err := s.store.SoftDelete(r.Context(), r.PathValue("id")); err != nil {
		http.Error(w, "failed to delete task", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// environmentHandler exposes the live environment bound to a running
// task on this worker instance, for reattachment tooling.
func (s *APIServer) environmentHandler(w http.ResponseWriter, r *http.Request) {
	env, ok := s.exec.Registry().Get(r.PathValue("id"))
	if !ok {
		http.Error(w, "no live environment for task", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(env)
}

// logsHandler streams a task's log as server-sent events: persisted
// entries first, then live entries as the attempt emits them.
func (s *APIServer) logsHandler(w http.ResponseWriter, r *http.Request) {
	taskID := r.PathValue("id")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")

	writeEntry := func(e model.LogEntry) {
		payload, _ := json.Marshal(e)
		fmt.Fprintf(w, "data: %s\n\n", payload)
	}

	// Subscribe before replay so no entry emitted in between is lost;
	// duplicates at the boundary are acceptable for a log stream.
	live, cancel := s.hub.Subscribe(taskID)
	defer cancel()

	entries, err := s.store.Logs(r.Context(), taskID)
	if err != nil {
		http.Error(w, "failed to read task logs", http.StatusInternalServerError)
		return
	}
	for _, e := range entries {
		writeEntry(e)
	}
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case e, ok := <-live:
			if !ok {
				return
			}
			writeEntry(e)
			flusher.Flush()
		}
	}
}
