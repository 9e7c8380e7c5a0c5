package sandbox

import (
	"strings"
	"testing"
)

func TestGenerateBranchName(t *testing.T) {
	got := GenerateBranchName("claude", "3f8a2b1c-9d4e-4f00-a1b2-c3d4e5f60718")
	if got != "forge/claude-3f8a2b1c" {
		t.Errorf("GenerateBranchName = %q", got)
	}
}

func TestGenerateBranchNameShortTaskID(t *testing.T) {
	if got := GenerateBranchName("codex", "abc"); got != "forge/codex-abc" {
		t.Errorf("short ids are used whole, got %q", got)
	}
}

func TestGenerateBranchNameDefaultsAgent(t *testing.T) {
	got := GenerateBranchName("", "3f8a2b1c-9d4e")
	if got != "forge/agent-3f8a2b1c" {
		t.Errorf("empty agent id falls back to 'agent', got %q", got)
	}
}

func TestRuntimeImage(t *testing.T) {
	cases := map[string]string{
		"node":         "node:20-slim",
		"node20":       "node:20-slim",
		"node22":       "node:22-slim",
		"python":       "python:3.13-slim",
		"python3.13":   "python:3.13-slim",
		"go":           "golang:1.25",
		"ubuntu:24.04": "ubuntu:24.04", // literal image reference passthrough
	}
	for runtime, want := range cases {
		if got := runtimeImage(runtime); got != want {
			t.Errorf("runtimeImage(%q) = %q, want %q", runtime, got, want)
		}
	}
	if got := runtimeImage(""); got != DefaultImage() {
		t.Errorf("empty runtime must use the default image, got %q", got)
	}
}

func TestDefaultImageOverride(t *testing.T) {
	t.Setenv("CONTAINER_IMAGE", "registry.internal/forge-base:3")
	if got := DefaultImage(); got != "registry.internal/forge-base:3" {
		t.Errorf("DefaultImage = %q", got)
	}
}

func TestCloneDepthFlag(t *testing.T) {
	if got := cloneDepthFlag(0); got != "--depth 1" {
		t.Errorf("zero depth defaults to shallow clone, got %q", got)
	}
	if got := cloneDepthFlag(-3); got != "--depth 1" {
		t.Errorf("negative depth defaults to shallow clone, got %q", got)
	}
	if got := cloneDepthFlag(50); got != "--depth 50" {
		t.Errorf("cloneDepthFlag(50) = %q", got)
	}
}

func TestShellQuote(t *testing.T) {
	if got := shellQuote("plain"); got != "'plain'" {
		t.Errorf("shellQuote = %q", got)
	}
	got := shellQuote("it's a trap; rm -rf /")
	if !strings.HasPrefix(got, "'") || !strings.HasSuffix(got, "'") {
		t.Errorf("not wrapped in single quotes: %q", got)
	}
	if !strings.Contains(got, `'\''`) {
		t.Errorf("embedded quote not escaped: %q", got)
	}
}

func TestShortID(t *testing.T) {
	if got := shortID("0123456789abcdef"); got != "01234567" {
		t.Errorf("shortID = %q", got)
	}
	if got := shortID("abc"); got != "abc" {
		t.Errorf("short input passes through, got %q", got)
	}
}
