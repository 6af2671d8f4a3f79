package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mtzanidakis/bullpen/internal/config"
	"github.com/mtzanidakis/bullpen/internal/economy"
	"github.com/mtzanidakis/bullpen/internal/roster"
	"github.com/mtzanidakis/bullpen/internal/store"
)

type stepCall struct {
	AgentID   string
	ChannelID string
	Prompt    string
}

// fakeDispatcher stands in for the orchestrator. The reply function decides
// each step invocation's outcome.
type fakeDispatcher struct {
	mu      sync.Mutex
	calls   []stepCall
	notices []string
	reply   func(agentID, prompt string) (string, error)
}

func (f *fakeDispatcher) DispatchStep(_ context.Context, agentID, channelID, prompt string) (string, error) {
	f.mu.Lock()
	f.calls = append(f.calls, stepCall{AgentID: agentID, ChannelID: channelID, Prompt: prompt})
	fn := f.reply
	f.mu.Unlock()

	if fn != nil {
		return fn(agentID, prompt)
	}
	return "done by " + agentID, nil
}

func (f *fakeDispatcher) Notice(_, text string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notices = append(f.notices, text)
}

func (f *fakeDispatcher) stepCalls() []stepCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]stepCall(nil), f.calls...)
}

func (f *fakeDispatcher) noticeList() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.notices...)
}

const releaseYAML = `name: release
description: plan, build, review
steps:
  - name: plan
    role: planner
    prompt: "Plan the work for: {task}"
  - name: build
    role: developer
    prompt: "Build it. The plan:\n{plan_output}"
    attempts: 2
  - name: review
    role: reviewer
    prompt: "Review the result of {task}:\n{build_output}"
`

// newTestEngine builds an engine over a roster with one agent per role the
// release pipeline needs, plus the channel the runs report into.
func newTestEngine(t *testing.T, pipelines map[string]string) (*Engine, *fakeDispatcher, *store.Store) {
	t.Helper()
	dir := t.TempDir()
	s, err := store.New(config.StoreConfig{Path: filepath.Join(dir, "test.db")})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	rosterCfg := config.RosterConfig{
		Coordinator: "max",
		Agents: []config.AgentDef{
			{Name: "Max", Role: roster.RoleCoordinator},
			{Name: "Pat", Role: roster.RolePlanner},
			{Name: "Alice", Role: roster.RoleDeveloper},
			{Name: "Bob", Role: roster.RoleReviewer},
		},
	}
	reg := roster.New(s, rosterCfg, config.RuntimeConfig{}, config.EconomyConfig{TokenBudget: 1000}, filepath.Join(dir, "ws"))
	if err := reg.Sync(); err != nil {
		t.Fatalf("sync roster: %v", err)
	}
	if err := s.SaveChannel(&store.Channel{ID: "general", Name: "general"}); err != nil {
		t.Fatalf("save channel: %v", err)
	}

	pipeDir := filepath.Join(dir, "pipelines")
	if err := os.MkdirAll(pipeDir, 0o755); err != nil {
		t.Fatalf("mkdir pipelines: %v", err)
	}
	for file, content := range pipelines {
		if err := os.WriteFile(filepath.Join(pipeDir, file), []byte(content), 0o644); err != nil {
			t.Fatalf("write pipeline %s: %v", file, err)
		}
	}

	fd := &fakeDispatcher{}
	e, err := New(s, reg, fd, nil, config.PipelinesConfig{Dir: pipeDir})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	return e, fd, s
}

func waitForRun(t *testing.T, s *store.Store, runID string) *store.PipelineRun {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		run, err := s.GetPipelineRun(runID)
		if err != nil {
			t.Fatalf("get pipeline run: %v", err)
		}
		if run != nil && run.Status != store.RunRunning {
			return run
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("run %s did not finish", runID)
	return nil
}

func runContext(t *testing.T, run *store.PipelineRun) map[string]string {
	t.Helper()
	ctx := make(map[string]string)
	if err := json.Unmarshal(run.Context, &ctx); err != nil {
		t.Fatalf("unmarshal run context: %v", err)
	}
	return ctx
}

func runSteps(t *testing.T, run *store.PipelineRun) []StepState {
	t.Helper()
	var states []StepState
	if err := json.Unmarshal(run.Steps, &states); err != nil {
		t.Fatalf("unmarshal run steps: %v", err)
	}
	return states
}

func TestRunHappyPath(t *testing.T) {
	e, fd, s := newTestEngine(t, map[string]string{"release.yml": releaseYAML})
	fd.reply = func(agentID, _ string) (string, error) {
		return "output of " + agentID, nil
	}

	runID, err := e.Start(context.Background(), "release", "general", "user:1", "ship the login fix")
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	run := waitForRun(t, s, runID)
	if run.Status != store.RunSucceeded {
		t.Fatalf("expected succeeded, got %s (%s)", run.Status, run.Error)
	}

	calls := fd.stepCalls()
	if len(calls) != 3 {
		t.Fatalf("expected 3 step calls, got %d", len(calls))
	}
	if calls[0].AgentID != "pat" || calls[1].AgentID != "alice" || calls[2].AgentID != "bob" {
		t.Errorf("unexpected step agents: %+v", calls)
	}

	// Templates see the shared context as it grows.
	if !strings.Contains(calls[0].Prompt, "ship the login fix") {
		t.Errorf("plan prompt missing the task: %q", calls[0].Prompt)
	}
	if !strings.Contains(calls[1].Prompt, "output of pat") {
		t.Errorf("build prompt missing plan output: %q", calls[1].Prompt)
	}
	if !strings.Contains(calls[2].Prompt, "output of alice") {
		t.Errorf("review prompt missing build output: %q", calls[2].Prompt)
	}

	ctx := runContext(t, run)
	if ctx["task"] != "ship the login fix" {
		t.Errorf("context task: %q", ctx["task"])
	}
	if ctx["review_output"] != "output of bob" || ctx["last_output"] != "output of bob" {
		t.Errorf("final context wrong: %+v", ctx)
	}

	for _, st := range runSteps(t, run) {
		if st.Status != StepSucceeded {
			t.Errorf("step %s: %s", st.Name, st.Status)
		}
	}
}

func TestStepExhaustionHaltsRun(t *testing.T) {
	e, fd, s := newTestEngine(t, map[string]string{"release.yml": releaseYAML})
	fd.reply = func(agentID, _ string) (string, error) {
		if agentID == "alice" {
			return "", errors.New("build is broken")
		}
		return "fine", nil
	}

	runID, err := e.Start(context.Background(), "release", "general", "user:1", "task")
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	run := waitForRun(t, s, runID)
	if run.Status != store.RunFailed {
		t.Fatalf("expected failed, got %s", run.Status)
	}
	if !strings.Contains(run.Error, "step build") {
		t.Errorf("run error does not name the step: %q", run.Error)
	}

	// Step one ran exactly once, step two burned both attempts, step
	// three never started.
	perAgent := make(map[string]int)
	for _, c := range fd.stepCalls() {
		perAgent[c.AgentID]++
	}
	if perAgent["pat"] != 1 || perAgent["alice"] != 2 || perAgent["bob"] != 0 {
		t.Errorf("unexpected call counts: %+v", perAgent)
	}

	states := runSteps(t, run)
	if states[0].Status != StepSucceeded {
		t.Errorf("plan step: %s", states[0].Status)
	}
	if states[1].Status != StepFailed || states[1].Attempts != 2 {
		t.Errorf("build step: %+v", states[1])
	}
	if states[2].Status != StepPending {
		t.Errorf("review step started anyway: %+v", states[2])
	}
}

func TestRetryPromptCarriesFailureNote(t *testing.T) {
	e, fd, s := newTestEngine(t, map[string]string{"release.yml": releaseYAML})
	var attempts int
	var mu sync.Mutex
	fd.reply = func(agentID, _ string) (string, error) {
		if agentID != "alice" {
			return "fine", nil
		}
		mu.Lock()
		defer mu.Unlock()
		attempts++
		if attempts == 1 {
			return "", errors.New("missing config file")
		}
		return "built on retry", nil
	}

	runID, err := e.Start(context.Background(), "release", "general", "user:1", "task")
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	run := waitForRun(t, s, runID)
	if run.Status != store.RunSucceeded {
		t.Fatalf("expected succeeded, got %s (%s)", run.Status, run.Error)
	}

	var retryPrompt string
	aliceCalls := 0
	for _, c := range fd.stepCalls() {
		if c.AgentID == "alice" {
			aliceCalls++
			retryPrompt = c.Prompt
		}
	}
	if aliceCalls != 2 {
		t.Fatalf("expected 2 attempts for alice, got %d", aliceCalls)
	}
	if !strings.Contains(retryPrompt, "previous attempt failed") || !strings.Contains(retryPrompt, "missing config file") {
		t.Errorf("retry prompt missing the failure note: %q", retryPrompt)
	}

	ctx := runContext(t, run)
	if ctx["build_output"] != "built on retry" {
		t.Errorf("retry output not merged: %+v", ctx)
	}
}

func TestBudgetExhaustionFailsFast(t *testing.T) {
	e, fd, s := newTestEngine(t, map[string]string{"release.yml": releaseYAML})
	fd.reply = func(agentID, _ string) (string, error) {
		if agentID == "alice" {
			return "", fmt.Errorf("dispatch to alice: %w", economy.ErrBudgetExhausted)
		}
		return "fine", nil
	}

	runID, err := e.Start(context.Background(), "release", "general", "user:1", "task")
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	run := waitForRun(t, s, runID)
	if run.Status != store.RunFailed {
		t.Fatalf("expected failed, got %s", run.Status)
	}

	// The build step allows two attempts but the second never happens.
	perAgent := make(map[string]int)
	for _, c := range fd.stepCalls() {
		perAgent[c.AgentID]++
	}
	if perAgent["alice"] != 1 {
		t.Errorf("expected a single attempt against an empty budget, got %d", perAgent["alice"])
	}
}

func TestCompletionPostsSummary(t *testing.T) {
	e, fd, s := newTestEngine(t, map[string]string{"release.yml": releaseYAML})

	runID, err := e.Start(context.Background(), "release", "general", "user:1", "task")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	waitForRun(t, s, runID)

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		notices := fd.noticeList()
		if len(notices) > 0 {
			if !strings.Contains(notices[0], "Pipeline release finished") {
				t.Errorf("unexpected summary: %q", notices[0])
			}
			if !strings.Contains(notices[0], "done by bob") {
				t.Errorf("summary missing final output: %q", notices[0])
			}
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("no completion notice posted")
}

func TestStartUnknownPipeline(t *testing.T) {
	e, _, _ := newTestEngine(t, map[string]string{"release.yml": releaseYAML})

	_, err := e.Start(context.Background(), "nope", "general", "user:1", "task")
	if err == nil || !strings.Contains(err.Error(), "unknown pipeline") {
		t.Fatalf("expected unknown pipeline error, got %v", err)
	}
}

func TestStartRequiresActiveAgentPerRole(t *testing.T) {
	e, fd, s := newTestEngine(t, map[string]string{"release.yml": releaseYAML})
	if err := s.SetAgentStatus("alice", store.AgentTerminated); err != nil {
		t.Fatalf("terminate alice: %v", err)
	}

	_, err := e.Start(context.Background(), "release", "general", "user:1", "task")
	if err == nil || !strings.Contains(err.Error(), "no active developer") {
		t.Fatalf("expected staffing error, got %v", err)
	}
	if len(fd.stepCalls()) != 0 {
		t.Errorf("steps dispatched despite failed start: %+v", fd.stepCalls())
	}
}

func TestRecoverInterrupted(t *testing.T) {
	e, _, s := newTestEngine(t, map[string]string{"release.yml": releaseYAML})

	stale := &store.PipelineRun{
		ID:        "stale-run",
		Name:      "release",
		ChannelID: "general",
		Status:    store.RunRunning,
	}
	if err := s.SavePipelineRun(stale); err != nil {
		t.Fatalf("save stale run: %v", err)
	}

	if err := e.RecoverInterrupted(); err != nil {
		t.Fatalf("recover: %v", err)
	}

	run, err := s.GetPipelineRun("stale-run")
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if run.Status != store.RunFailed || run.Error != "interrupted by restart" {
		t.Errorf("stale run not failed: %+v", run)
	}
}
