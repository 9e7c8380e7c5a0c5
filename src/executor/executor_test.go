package executor

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"forgeworker/src/agent"
	"forgeworker/src/logging"
	"forgeworker/src/model"
	"forgeworker/src/sandbox"
	"forgeworker/src/steps"
)

type statusUpdate struct {
	status   model.TaskStatus
	progress int
	message  string
}

type fakeStore struct {
	mu           sync.Mutex
	task         *model.Task
	updates      []statusUpdate
	stopped      bool
	sandboxID    string
	sandboxURL   string
	branch       string
	onSetSandbox func()
}

func (s *fakeStore) Get(ctx context.Context, id string) (*model.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := *s.task
	return &t, nil
}

func (s *fakeStore) SetStatus(ctx context.Context, id string, status model.TaskStatus, progress int, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updates = append(s.updates, statusUpdate{status, progress, message})
	s.task.Status = status
	if progress > s.task.Progress {
		s.task.Progress = progress
	}
	s.task.StatusMessage = &message
	return nil
}

func (s *fakeStore) SetSandbox(ctx context.Context, id, sandboxID, url, branch string) error {
	s.mu.Lock()
	s.sandboxID = sandboxID
	s.sandboxURL = url
	s.branch = branch
	hook := s.onSetSandbox
	s.mu.Unlock()
	if hook != nil {
		hook()
	}
	return nil
}

func (s *fakeStore) StopRequested(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped, nil
}

func (s *fakeStore) stop() {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()
}

func (s *fakeStore) finalStatus() model.TaskStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.task.Status
}

func (s *fakeStore) finalMessage() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.task.StatusMessage == nil {
		return ""
	}
	return *s.task.StatusMessage
}

type fakeProvider struct {
	mu              sync.Mutex
	createCalls     int
	destroyCalls    []string
	createCancelled bool
	createErr       error
	onCreate        func()
	commands        []string
	results         map[string]sandbox.ExecResult
}

func (p *fakeProvider) Create(ctx context.Context, spec sandbox.CreateSpec) (*sandbox.CreateResult, error) {
	p.mu.Lock()
	p.createCalls++
	p.mu.Unlock()
	if p.createErr != nil {
		return nil, p.createErr
	}
	if p.createCancelled {
		return &sandbox.CreateResult{Cancelled: true}, nil
	}
	branch := spec.BranchName
	if branch == "" {
		branch = sandbox.GenerateBranchName(spec.AgentID, spec.TaskID)
	}
	env := &sandbox.Environment{
		ID:         "env-1",
		TaskID:     spec.TaskID,
		BranchName: branch,
		Backend:    "fake",
		Native:     "env-1",
		Workdir:    "/workspace/repo",
	}
	if p.onCreate != nil {
		p.onCreate()
	}
	return &sandbox.CreateResult{Env: env}, nil
}

func (p *fakeProvider) RunCommand(ctx context.Context, env *sandbox.Environment, script string, log *logging.TaskLogger) (*sandbox.ExecResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.commands = append(p.commands, script)
	for prefix, res := range p.results {
		if strings.HasPrefix(script, prefix) {
			out := res
			return &out, nil
		}
	}
	return &sandbox.ExecResult{}, nil
}

func (p *fakeProvider) Destroy(ctx context.Context, env *sandbox.Environment, log *logging.TaskLogger) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.destroyCalls = append(p.destroyCalls, env.ID)
	return nil
}

func (p *fakeProvider) destroys() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.destroyCalls...)
}

// pushingProvider adds the native push capability.
type pushingProvider struct {
	*fakeProvider
	pushFailed bool
	pushCalls  int
	branch     string
	message    string
}

func (p *pushingProvider) PushChanges(ctx context.Context, env *sandbox.Environment, branch, commitMessage string, log *logging.TaskLogger) (bool, bool, error) {
	p.pushCalls++
	p.branch = branch
	p.message = commitMessage
	if p.pushFailed {
		return false, true, nil
	}
	return true, false, nil
}

type fakeAgent struct {
	err       error
	result    *agent.Result
	pollStop  bool
	execCalls int
}

func (a *fakeAgent) Execute(ctx context.Context, env *sandbox.Environment, req agent.Request, log *logging.TaskLogger) (*agent.Result, error) {
	a.execCalls++
	if a.pollStop && req.Cancelled != nil && req.Cancelled(ctx) {
		return nil, agent.ErrCancelled
	}
	if a.err != nil {
		return nil, a.err
	}
	if a.result != nil {
		return a.result, nil
	}
	return &agent.Result{Output: "done"}, nil
}

type fakeConnectors struct {
	list  []model.Connector
	err   error
	calls int
}

func (c *fakeConnectors) Connected(ctx context.Context, ownerID string) ([]model.Connector, error) {
	c.calls++
	return c.list, c.err
}

func testTask() *model.Task {
	return &model.Task{
		ID:                 "task-0001-aaaa",
		OwnerID:            "owner-1",
		Prompt:             "Add a health check endpoint",
		RepoURL:            "https://example.com/org/repo.git",
		AgentID:            "claude",
		Status:             model.TaskPending,
		MaxDurationMinutes: 30,
	}
}

type harness struct {
	store    *fakeStore
	provider sandbox.Provider
	agents   *fakeAgent
	conns    *fakeConnectors
	exec     *Executor
}

func newHarness(provider sandbox.Provider) *harness {
	h := &harness{
		store:    &fakeStore{task: testTask()},
		provider: provider,
		agents:   &fakeAgent{},
		conns:    &fakeConnectors{},
	}
	ledger := steps.NewMemoryLedger()
	h.exec = New(Config{
		Store:      h.store,
		Connectors: h.conns,
		Provider:   h.provider,
		Agents:     h.agents,
		Registry:   NewRegistry(),
		NewSteps: func(taskID, attemptID string) steps.Runner {
			return steps.NewDurable(attemptID, ledger)
		},
	})
	return h
}

func TestExecuteSuccess(t *testing.T) {
	fp := &fakeProvider{}
	p := &pushingProvider{fakeProvider: fp}
	h := newHarness(p)

	res, err := h.exec.Execute(context.Background(), "task-0001-aaaa")
	if err != nil {
		t.Fatalf("Execute returned error: %v", err)
	}
	if !res.Success {
		t.Errorf("expected success, got %+v", res)
	}
	if h.store.finalStatus() != model.TaskCompleted {
		t.Errorf("expected completed status, got %s", h.store.finalStatus())
	}
	if h.store.task.Progress != 100 {
		t.Errorf("expected progress 100, got %d", h.store.task.Progress)
	}
	if want := sandbox.GenerateBranchName("claude", "task-0001-aaaa"); res.BranchName != want {
		t.Errorf("expected branch %s, got %s", want, res.BranchName)
	}
	if p.branch != res.BranchName {
		t.Errorf("pushed branch %s does not match resolved branch %s", p.branch, res.BranchName)
	}
	if got := fp.destroys(); len(got) != 1 || got[0] != "env-1" {
		t.Errorf("expected exactly one destroy of env-1, got %v", got)
	}
	if h.exec.Registry().Count() != 0 {
		t.Errorf("registry still holds %d environments", h.exec.Registry().Count())
	}
}

func TestExecuteCommitMessageFromPrompt(t *testing.T) {
	fp := &fakeProvider{}
	p := &pushingProvider{fakeProvider: fp}
	h := newHarness(p)

	if _, err := h.exec.Execute(context.Background(), "task-0001-aaaa"); err != nil {
		t.Fatalf("Execute returned error: %v", err)
	}
	if p.message != "Add a health check endpoint" {
		t.Errorf("unexpected commit message %q", p.message)
	}
}

func TestExecutePushFailureIsNonFatal(t *testing.T) {
	fp := &fakeProvider{}
	p := &pushingProvider{fakeProvider: fp, pushFailed: true}
	h := newHarness(p)

	res, err := h.exec.Execute(context.Background(), "task-0001-aaaa")
	if err != nil {
		t.Fatalf("Execute returned error: %v", err)
	}
	if !res.Success {
		t.Fatalf("push failure must not fail the task, got %+v", res)
	}
	if h.store.finalStatus() != model.TaskCompleted {
		t.Errorf("expected completed status, got %s", h.store.finalStatus())
	}
	if !strings.Contains(h.store.finalMessage(), "not be pushed") {
		t.Errorf("status message %q should mention the failed push", h.store.finalMessage())
	}
	if got := fp.destroys(); len(got) != 1 {
		t.Errorf("expected exactly one destroy, got %v", got)
	}
}

func TestExecuteStoppedBeforeStart(t *testing.T) {
	fp := &fakeProvider{}
	h := newHarness(&pushingProvider{fakeProvider: fp})
	h.store.stop()

	res, err := h.exec.Execute(context.Background(), "task-0001-aaaa")
	if err != nil {
		t.Fatalf("Execute returned error: %v", err)
	}
	if !res.Cancelled || res.Success {
		t.Errorf("expected cancelled result, got %+v", res)
	}
	if fp.createCalls != 0 {
		t.Errorf("no environment may be created for a pre-stopped task, got %d creates", fp.createCalls)
	}
	if h.store.finalStatus() != model.TaskStopped {
		t.Errorf("expected stopped status, got %s", h.store.finalStatus())
	}
}

func TestExecuteStopAfterProvisioning(t *testing.T) {
	fp := &fakeProvider{}
	h := newHarness(&pushingProvider{fakeProvider: fp})
	fp.onCreate = h.store.stop

	res, err := h.exec.Execute(context.Background(), "task-0001-aaaa")
	if err != nil {
		t.Fatalf("Execute returned error: %v", err)
	}
	if !res.Cancelled {
		t.Fatalf("expected cancelled result, got %+v", res)
	}
	if got := fp.destroys(); len(got) != 1 || got[0] != "env-1" {
		t.Errorf("expected exactly one destroy of the created environment, got %v", got)
	}
	if h.agents.execCalls != 0 {
		t.Errorf("agent must not run after a stop, got %d calls", h.agents.execCalls)
	}
	if h.store.finalStatus() != model.TaskStopped {
		t.Errorf("expected stopped status, got %s", h.store.finalStatus())
	}
	if h.exec.Registry().Count() != 0 {
		t.Errorf("registry still holds %d environments", h.exec.Registry().Count())
	}
}

func TestExecuteCreateCancelledByProvider(t *testing.T) {
	fp := &fakeProvider{createCancelled: true}
	h := newHarness(&pushingProvider{fakeProvider: fp})

	res, err := h.exec.Execute(context.Background(), "task-0001-aaaa")
	if err != nil {
		t.Fatalf("Execute returned error: %v", err)
	}
	if !res.Cancelled {
		t.Fatalf("expected cancelled result, got %+v", res)
	}
	// The provider tears down its own partial environment.
	if got := fp.destroys(); len(got) != 0 {
		t.Errorf("expected no destroy calls, got %v", got)
	}
	if h.store.finalStatus() != model.TaskStopped {
		t.Errorf("expected stopped status, got %s", h.store.finalStatus())
	}
}

func TestExecuteAgentFailure(t *testing.T) {
	fp := &fakeProvider{}
	h := newHarness(&pushingProvider{fakeProvider: fp})
	h.agents.err = errors.New("agent exploded")

	res, err := h.exec.Execute(context.Background(), "task-0001-aaaa")
	if err == nil {
		t.Fatalf("expected error, got %+v", res)
	}
	if err.Error() != "agent exploded" {
		t.Errorf("error must carry the agent's reported message, got %q", err.Error())
	}
	if h.store.finalStatus() != model.TaskError {
		t.Errorf("expected error status, got %s", h.store.finalStatus())
	}
	if h.store.finalMessage() != "agent exploded" {
		t.Errorf("status message must equal the agent error, got %q", h.store.finalMessage())
	}
	if got := fp.destroys(); len(got) != 1 {
		t.Errorf("expected exactly one destroy, got %v", got)
	}
	if h.exec.Registry().Count() != 0 {
		t.Errorf("registry still holds %d environments", h.exec.Registry().Count())
	}
}

func TestExecuteProvisioningFailure(t *testing.T) {
	fp := &fakeProvider{createErr: errors.New("quota exceeded")}
	h := newHarness(&pushingProvider{fakeProvider: fp})

	_, err := h.exec.Execute(context.Background(), "task-0001-aaaa")
	if err == nil {
		t.Fatal("expected provisioning error")
	}
	if h.store.finalStatus() != model.TaskError {
		t.Errorf("expected error status, got %s", h.store.finalStatus())
	}
	if got := fp.destroys(); len(got) != 0 {
		t.Errorf("nothing was created, expected no destroy calls, got %v", got)
	}
}

func TestExecuteConnectorFailureIsNonFatal(t *testing.T) {
	fp := &fakeProvider{}
	h := newHarness(&pushingProvider{fakeProvider: fp})
	h.conns.err = errors.New("connector store unreachable")

	res, err := h.exec.Execute(context.Background(), "task-0001-aaaa")
	if err != nil {
		t.Fatalf("connector failure must not fail the task: %v", err)
	}
	if !res.Success {
		t.Errorf("expected success, got %+v", res)
	}
	if h.store.finalStatus() != model.TaskCompleted {
		t.Errorf("expected completed status, got %s", h.store.finalStatus())
	}
}

func TestExecuteGitsyncFallbackWithoutPusher(t *testing.T) {
	fp := &fakeProvider{results: map[string]sandbox.ExecResult{
		"git status --porcelain": {Stdout: " M main.go\n"},
	}}
	h := newHarness(fp) // no ChangePusher: falls back to gitsync

	res, err := h.exec.Execute(context.Background(), "task-0001-aaaa")
	if err != nil {
		t.Fatalf("Execute returned error: %v", err)
	}
	if !res.Success {
		t.Fatalf("expected success, got %+v", res)
	}

	fp.mu.Lock()
	joined := strings.Join(fp.commands, "\n")
	fp.mu.Unlock()
	for _, want := range []string{"git status --porcelain", "git add .", "git commit -m", "git push -u origin"} {
		if !strings.Contains(joined, want) {
			t.Errorf("expected %q to run in the environment, commands were:\n%s", want, joined)
		}
	}
}

func TestExecuteTerminalStatusAlways(t *testing.T) {
	cases := []struct {
		name string
		prep func(h *harness, fp *fakeProvider)
	}{
		{"success", func(h *harness, fp *fakeProvider) {}},
		{"agent failure", func(h *harness, fp *fakeProvider) { h.agents.err = errors.New("boom") }},
		{"stopped", func(h *harness, fp *fakeProvider) { h.store.stop() }},
		{"provisioning failure", func(h *harness, fp *fakeProvider) { fp.createErr = errors.New("no capacity") }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			fp := &fakeProvider{}
			h := newHarness(&pushingProvider{fakeProvider: fp})
			tc.prep(h, fp)
			h.exec.Execute(context.Background(), "task-0001-aaaa")
			if !h.store.finalStatus().Terminal() {
				t.Errorf("task ended in non-terminal status %s", h.store.finalStatus())
			}
		})
	}
}

func TestSubmitReturnsImmediately(t *testing.T) {
	fp := &fakeProvider{}
	h := newHarness(&pushingProvider{fakeProvider: fp})

	handle := h.exec.Submit("task-0001-aaaa")
	if handle.TaskID != "task-0001-aaaa" {
		t.Errorf("unexpected handle task id %s", handle.TaskID)
	}
	res := <-handle.Done
	if !res.Success {
		t.Errorf("expected success result on handle, got %+v", res)
	}
}

func TestCommitMessage(t *testing.T) {
	short := commitMessage("Fix typo")
	if short != "Fix typo" {
		t.Errorf("short prompts are used verbatim, got %q", short)
	}

	long := commitMessage(strings.Repeat("a", 80))
	if long != strings.Repeat("a", 50)+"..." {
		t.Errorf("long prompts are truncated to 50 characters with ellipsis, got %q", long)
	}

	exact := commitMessage(strings.Repeat("b", 50))
	if exact != strings.Repeat("b", 50) {
		t.Errorf("exactly 50 characters gets no ellipsis, got %q", exact)
	}
}
