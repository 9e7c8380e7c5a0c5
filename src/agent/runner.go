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

// Package agent launches a coding-agent CLI inside an execution
// environment, streams its output, and reports structured success or
// failure.
package agent

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"forgeworker/src/logging"
	"forgeworker/src/model"
	"forgeworker/src/sandbox"
)

// ErrCancelled reports that the stop oracle fired while the agent was
// running. The agent process is left to the environment teardown.
var ErrCancelled = errors.New("agent execution cancelled")

// CommandRunner runs a shell script inside an environment.
type CommandRunner interface {
	RunCommand(ctx context.Context, env *sandbox.Environment, script string, log *logging.TaskLogger) (*sandbox.ExecResult, error)
}

// CredentialResolver returns a decrypted API key for a user and model
// provider. Implemented outside this package; failures fall back to the
// provider's environment-wide default key.
type CredentialResolver func(ctx context.Context, ownerID, provider string) (string, error)

// Request carries everything needed to run one agent invocation.
type Request struct {
	OwnerID    string
	Prompt     string
	AgentID    string
	ModelID    string
	Connectors []model.Connector
	Cancelled  func(context.Context) bool
}

// Result is the agent's structured outcome.
type Result struct {
	Output   string `json:"output"`
	Response string `json:"response,omitempty"` // agent-supplied summary, when recognizable
}

type backend struct {
	bin      string
	provider string
	envKey   string
	// invocation builds the CLI call; prompt and model arrive pre-quoted.
	invocation func(prompt, model string) string
}

var backends = map[string]backend{
	"claude": {
		bin:      "claude",
		provider: "anthropic",
		envKey:   "ANTHROPIC_API_KEY",
		invocation: func(prompt, model string) string {
			cmd := "claude -p " + prompt + " --output-format text --dangerously-skip-permissions"
			if model != "" {
				cmd += " --model " + model
			}
			return cmd
		},
	},
	"codex": {
		bin:      "codex",
		provider: "openai",
		envKey:   "OPENAI_API_KEY",
		invocation: func(prompt, model string) string {
			cmd := "codex exec --full-auto"
			if model != "" {
				cmd += " --model " + model
			}
			return cmd + " " + prompt
		},
	},
	"cursor": {
		bin:      "cursor-agent",
		provider: "cursor",
		envKey:   "CURSOR_API_KEY",
		invocation: func(prompt, model string) string {
			cmd := "cursor-agent -p " + prompt + " --force"
			if model != "" {
				cmd += " --model " + model
			}
			return cmd
		},
	},
	"gemini": {
		bin:      "gemini",
		provider: "google",
		envKey:   "GEMINI_API_KEY",
		invocation: func(prompt, model string) string {
			cmd := "gemini --yolo -p " + prompt
			if model != "" {
				cmd += " --model " + model
			}
			return cmd
		},
	},
	"opencode": {
		bin:      "opencode",
		provider: "anthropic",
		envKey:   "ANTHROPIC_API_KEY",
		invocation: func(prompt, model string) string {
			cmd := "opencode run " + prompt
			if model != "" {
				cmd += " --model " + model
			}
			return cmd
		},
	},
}

// Runner selects an agent backend by id and drives it inside an
// environment.
type Runner struct {
	run   CommandRunner
	creds CredentialResolver

	// pollInterval controls how often the cancellation predicate is
	// consulted during a long-running agent execution.
	pollInterval time.Duration
}

func New(run CommandRunner, creds CredentialResolver) *Runner {
	return &Runner{run: run, creds: creds, pollInterval: 5 * time.Second}
}

// Execute launches the selected agent with the prompt as input and
// streams its output into the task logger. It returns an error for any
// non-zero or abnormal exit, carrying captured stderr as the detail.
func (r *Runner) Execute(ctx context.Context, env *sandbox.Environment, req Request, log *logging.TaskLogger) (*Result, error) {
	b, ok := backends[req.AgentID]
	if !ok {
		return nil, fmt.Errorf("unknown agent %q", req.AgentID)
	}

	key := r.resolveKey(ctx, req.OwnerID, b)

	if len(req.Connectors) > 0 {
		script, err := connectorConfigScript(req.Connectors)
		if err != nil {
			return nil, fmt.Errorf("failed to serialize connector config: %w", err)
		}
		if res, err := r.run.RunCommand(ctx, env, script, log); err != nil {
			return nil, fmt.Errorf("failed to write connector config: %w", err)
		} else if res.ExitCode != 0 {
			return nil, fmt.Errorf("failed to write connector config (exit %d): %s", res.ExitCode, res.Stderr)
		}
		log.Info(fmt.Sprintf("attached %d connector(s)", len(req.Connectors)))
	}

	invocation := b.invocation(quote(req.Prompt), quoteIfSet(req.ModelID))
	script := invocation
	if key != "" {
		script = b.envKey + "=" + quote(key) + " " + invocation
	}
	log.Command(invocation) // echo without the credential

	type execOutcome struct {
		res *sandbox.ExecResult
		err error
	}
	done := make(chan execOutcome, 1)
	go func() {
		res, err := r.runScript(ctx, env, script)
		done <- execOutcome{res, err}
	}()

	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
			if req.Cancelled != nil && req.Cancelled(ctx) {
				log.Info("stop requested during agent execution")
				return nil, ErrCancelled
			}
		case out := <-done:
			if out.err != nil {
				return nil, fmt.Errorf("agent process failed: %w", out.err)
			}
			return r.finish(out.res, log)
		}
	}
}

// runScript executes without command echo; the invocation was already
// echoed credential-free.
func (r *Runner) runScript(ctx context.Context, env *sandbox.Environment, script string) (*sandbox.ExecResult, error) {
	return r.run.RunCommand(ctx, env, script, nil)
}

func (r *Runner) finish(res *sandbox.ExecResult, log *logging.TaskLogger) (*Result, error) {
	if res.Stdout != "" {
		log.Info(res.Stdout)
	}
	if res.ExitCode != 0 {
		detail := strings.TrimSpace(res.Stderr)
		if detail == "" {
			detail = strings.TrimSpace(res.Stdout)
		}
		if detail == "" {
			detail = fmt.Sprintf("agent exited with code %d", res.ExitCode)
		}
		log.Error(detail)
		return nil, errors.New(detail)
	}
	return &Result{
		Output:   res.Stdout,
		Response: lastParagraph(res.Stdout),
	}, nil
}

func (r *Runner) resolveKey(ctx context.Context, ownerID string, b backend) string {
	if r.creds != nil {
		if key, err := r.creds(ctx, ownerID, b.provider); err == nil && key != "" {
			return key
		}
	}
	return os.Getenv(b.envKey)
}

// connectorConfigScript serializes connectors into the MCP-style config
// the agent CLIs read, written via base64 to survive shell quoting.
func connectorConfigScript(connectors []model.Connector) (string, error) {
	cfg, err := ConnectorConfig(connectors)
	if err != nil {
		return "", err
	}
	encoded := base64.StdEncoding.EncodeToString(cfg)
	return "echo " + encoded + " | base64 -d > .mcp.json", nil
}

type mcpServer struct {
	Command string            `json:"command,omitempty"`
	Args    []string          `json:"args,omitempty"`
	URL     string            `json:"url,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
}

// ConnectorConfig renders the MCP server map consumed by the agent CLIs.
func ConnectorConfig(connectors []model.Connector) ([]byte, error) {
	servers := make(map[string]mcpServer, len(connectors))
	for _, c := range connectors {
		name := c.Name
		if name == "" {
			name = c.ID
		}
		s := mcpServer{Env: c.Env}
		if c.Type == model.ConnectorRemote {
			s.URL = c.URL
		} else {
			s.Command = c.Command
			s.Args = c.Args
		}
		servers[name] = s
	}
	return json.MarshalIndent(map[string]any{"mcpServers": servers}, "", "  ")
}

// lastParagraph extracts the agent's closing summary from its output.
func lastParagraph(output string) string {
	parts := strings.Split(strings.TrimSpace(output), "\n\n")
	if len(parts) == 0 {
		return ""
	}
	last := strings.TrimSpace(parts[len(parts)-1])
	if len(last) > 500 {
		last = last[:500]
	}
	return last
}

func quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func quoteIfSet(s string) string {
	if s == "" {
		return ""
	}
	return quote(s)
}
