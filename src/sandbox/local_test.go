package sandbox

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func localTestProvider(t *testing.T) *LocalProvider {
	t.Helper()
	p, err := NewLocalProvider(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocalProvider failed: %v", err)
	}
	return p
}

func localTestEnv(t *testing.T, p *LocalProvider) *Environment {
	t.Helper()
	dir := filepath.Join(p.root, "env-1")
	workdir := filepath.Join(dir, "repo")
	if err := os.MkdirAll(workdir, 0o755); err != nil {
		t.Fatal(err)
	}
	return &Environment{ID: "env-1", TaskID: "task-1", Backend: "local", Native: dir, Workdir: workdir}
}

func TestLocalRunCommandCapturesOutput(t *testing.T) {
	p := localTestProvider(t)
	env := localTestEnv(t, p)

	res, err := p.RunCommand(context.Background(), env, "echo out; echo err >&2", nil)
	if err != nil {
		t.Fatalf("RunCommand failed: %v", err)
	}
	if strings.TrimSpace(res.Stdout) != "out" || strings.TrimSpace(res.Stderr) != "err" {
		t.Errorf("unexpected capture %+v", res)
	}
	if res.ExitCode != 0 {
		t.Errorf("exit code = %d, want 0", res.ExitCode)
	}
}

func TestLocalRunCommandNonZeroExitIsNotAnError(t *testing.T) {
	p := localTestProvider(t)
	env := localTestEnv(t, p)

	res, err := p.RunCommand(context.Background(), env, "exit 3", nil)
	if err != nil {
		t.Fatalf("non-zero exits are results, not errors: %v", err)
	}
	if res.ExitCode != 3 {
		t.Errorf("exit code = %d, want 3", res.ExitCode)
	}
}

func TestLocalRunCommandRunsInWorkdir(t *testing.T) {
	p := localTestProvider(t)
	env := localTestEnv(t, p)

	res, err := p.RunCommand(context.Background(), env, "pwd", nil)
	if err != nil {
		t.Fatal(err)
	}
	if strings.TrimSpace(res.Stdout) != env.Workdir {
		t.Errorf("command ran in %q, want %q", strings.TrimSpace(res.Stdout), env.Workdir)
	}
}

func TestLocalDestroyIdempotent(t *testing.T) {
	p := localTestProvider(t)
	env := localTestEnv(t, p)

	if err := p.Destroy(context.Background(), env, nil); err != nil {
		t.Fatalf("Destroy failed: %v", err)
	}
	if _, err := os.Stat(env.Native); !os.IsNotExist(err) {
		t.Errorf("sandbox dir still exists after Destroy")
	}
	if err := p.Destroy(context.Background(), env, nil); err != nil {
		t.Errorf("destroying an already-destroyed environment must be a no-op: %v", err)
	}
}

func TestLocalReapStale(t *testing.T) {
	p := localTestProvider(t)

	stale := filepath.Join(p.root, "stale-env")
	fresh := filepath.Join(p.root, "fresh-env")
	for _, d := range []string{stale, fresh} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			t.Fatal(err)
		}
	}
	old := time.Now().Add(-2 * time.Hour)
	if err := os.Chtimes(stale, old, old); err != nil {
		t.Fatal(err)
	}

	p.ReapStale(time.Hour)

	if _, err := os.Stat(stale); !os.IsNotExist(err) {
		t.Error("stale environment survived the reaper")
	}
	if _, err := os.Stat(fresh); err != nil {
		t.Error("fresh environment was reaped")
	}
}
