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
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/lib/pq"

	"forgeworker/src/agent"
	"forgeworker/src/executor"
	"forgeworker/src/logging"
	"forgeworker/src/sandbox"
	"forgeworker/src/steps"
	"forgeworker/src/store"

	"github.com/docker/docker/client"
)

func main() {
	// Load environment variables from .env file
	err := godotenv.Load()
	if err != nil {
		panic("Error loading .env file")
	}

	var (
		DB_USER             = os.Getenv("DB_USER")
		DB_PASSWORD         = os.Getenv("DB_PASSWORD")
		DB_NAME             = os.Getenv("DB_NAME")
		DB_HOST             = os.Getenv("DB_HOST")
		DB_PORT             = os.Getenv("DB_PORT")
		POLLING_INTERVAL, _ = strconv.Atoi(os.Getenv("POLLING_INTERVAL"))
		MAX_CONCURRENT, _   = strconv.Atoi(os.Getenv("MAX_CONCURRENT"))
	)

	// Enable SSL For Production
	db, err := sql.Open("postgres", fmt.Sprintf("user=%s password=%s dbname=%s host=%s port=%s sslmode=require",
		DB_USER, DB_PASSWORD, DB_NAME, DB_HOST, DB_PORT))
	if err != nil {
		panic(err)
	}
	defer db.Close()

	// Generate Unique ID
	workerID := uuid.New().String()
	fmt.Printf("Starting worker with UUID: %s\n", workerID)

	// Setup Graceful Shutdown
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st := store.New(db)
	hub := logging.NewHub()
	workerstats := logging.NewWorkerStats(workerID)

	// Select the sandbox backend
	var provider sandbox.Provider
	var dockerProvider *sandbox.DockerProvider
	switch os.Getenv("SANDBOX_PROVIDER") {
	case "local":
		provider, err = sandbox.NewLocalProvider(os.Getenv("SANDBOX_DIR"))
		if err != nil {
			panic(fmt.Sprintf("failed to set up local sandbox provider: %v", err))
		}
	default:
		cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
		if err != nil {
			panic(fmt.Sprintf("failed to create docker client: %v", err))
		}
		defer cli.Close()

		// Create or get sandbox network for isolated container execution
		sandboxNetworkID, err := sandbox.EnsureSandboxNetwork(ctx, cli)
		if err != nil {
			panic(fmt.Sprintf("failed to setup sandbox network: %v", err))
		}
		fmt.Printf("Sandbox network ready: %s\n", sandboxNetworkID[:12])

		dockerProvider = sandbox.NewDockerProvider(cli, sandboxNetworkID)
		go dockerProvider.RunReaper(ctx)
		provider = dockerProvider
	}

	// Step results are durably ledgered unless explicitly disabled
	newSteps := func(taskID, attemptID string) steps.Runner {
		return steps.NewDurable(attemptID, st)
	}
	if os.Getenv("STEP_BACKEND") == "inline" {
		newSteps = func(taskID, attemptID string) steps.Runner {
			return steps.Inline{}
		}
	}

	exec := executor.New(executor.Config{
		Store:      st,
		Connectors: st,
		Provider:   provider,
		Agents:     agent.New(provider, nil),
		Registry:   executor.NewRegistry(),
		NewSteps:   newSteps,
		NewLogger: func(taskID string) *logging.TaskLogger {
			return logging.NewTaskLogger(taskID, st, hub)
		},
		Stats: workerstats,
	})

	// Initialize Stats and Start API Server
	apiPort := os.Getenv("API_PORT")
	if apiPort == "" {
		apiPort = "8080"
	}
	go StartAPIServer(apiPort, st, workerstats, exec, hub)

	// Setup PostgreSQL Listener
	connStr := fmt.Sprintf("user=%s password=%s dbname=%s host=%s port=%s sslmode=require",
		DB_USER, DB_PASSWORD, DB_NAME, DB_HOST, DB_PORT)

	reportProblem := func(ev pq.ListenerEventType, err error) {
		if err != nil {
			fmt.Printf("Listener error: %v\n", err)
		}
	}

	listener := pq.NewListener(connStr, 10*time.Second, time.Minute, reportProblem)
	err = listener.Listen("tasks_updated")
	if err != nil {
		panic(err)
	}
	defer listener.Close()

	// Setup Worker OpenTelemetry Metrics
	logging.InitializeFloatCounter("worker_tasks_total", "Total number of tasks to the worker", "Task")
	logging.InitializeFloatCounter("worker_tasks_failed", "Number of failed tasks to the worker", "Task")
	logging.InitializeFloatCounter("worker_tasks_completed", "Number of completed tasks to the worker", "Task")
	logging.InitializeFloatCounter("worker_tasks_stopped", "Number of stopped tasks to the worker", "Task")
	logging.InitializeFloatCounter("worker_database_update_failures", "Number of database update failures to the worker", "Task")

	// Bound concurrent attempts; each claimed task runs as one detached unit.
	if MAX_CONCURRENT <= 0 {
		MAX_CONCURRENT = 3
	}
	slots := make(chan struct{}, MAX_CONCURRENT)

	staleTimeout := time.Hour
	if s := os.Getenv("STALE_TASK_TIMEOUT"); s != "" {
		if d, err := time.ParseDuration(s); err == nil {
			staleTimeout = d
		}
	}

	dispatch := func() {
		if n, err := st.Recover(ctx, staleTimeout); err != nil {
			logging.Log(fmt.Sprintf("Error recovering tasks: %v", err), slog.LevelError)
		} else if n > 0 {
			logging.Logf(slog.LevelInfo, "Recovered %d stale tasks (marked as error)", n)
		}

		for {
			select {
			case slots <- struct{}{}:
			case <-ctx.Done():
				return
			}

			task, err := st.Claim(ctx, workerID)
			if err != nil {
				logging.Log(fmt.Sprintf("Error claiming task: %v", err), slog.LevelError)
				<-slots
				return
			}
			if task == nil {
				<-slots
				return
			}

			logging.Logf(slog.LevelInfo, "Processing task: %s (agent: %s)", task.ID, task.AgentID)
			handle := exec.Submit(task.ID)
			go func() {
				<-handle.Done
				<-slots
			}()
		}
	}

	// Setup a Timer for checking the task (Fall-back polling)
	ticker := time.NewTicker(time.Duration(POLLING_INTERVAL|5) * time.Second)
	defer ticker.Stop()

	logging.Log("Worker started. Waiting for tasks (LISTEN/NOTIFY + Fallback Polling)...", slog.LevelInfo)

	// Initial check
	dispatch()

	for {
		select {
		case <-ctx.Done():
			logging.Log("Shutting down worker gracefully...", slog.LevelInfo)
			if dockerProvider != nil {
				dockerProvider.CleanupAll(context.Background())
			}
			return
		case <-ticker.C:
			// Periodic fallback check
			dispatch()
		case <-listener.Notify:
			// Immediate trigger from Postgres
			logging.Log("Received notification, checking for tasks...", slog.LevelInfo)
			dispatch()
		}
	}
}
