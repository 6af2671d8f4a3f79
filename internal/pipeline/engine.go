package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mtzanidakis/bullpen/internal/bus"
	"github.com/mtzanidakis/bullpen/internal/config"
	"github.com/mtzanidakis/bullpen/internal/economy"
	"github.com/mtzanidakis/bullpen/internal/roster"
	"github.com/mtzanidakis/bullpen/internal/store"
)

// ErrStepExhausted marks a step that failed on every allowed attempt. The
// run halts there; later steps never start.
var ErrStepExhausted = errors.New("step attempts exhausted")

// Dispatcher is the slice of the orchestrator a run needs: one exclusive
// invocation per step, and a way to report into the channel.
type Dispatcher interface {
	DispatchStep(ctx context.Context, agentID, channelID, prompt string) (string, error)
	Notice(channelID, text string)
}

// StepState is the persisted per-step record inside a run. Outputs live in
// the run context under <step>_output, not here.
type StepState struct {
	Name     string `json:"name"`
	Role     string `json:"role"`
	Agent    string `json:"agent,omitempty"`
	Status   string `json:"status"`
	Attempts int    `json:"attempts,omitempty"`
	Error    string `json:"error,omitempty"`
}

// Step statuses inside a run record.
const (
	StepPending   = "pending"
	StepRunning   = "running"
	StepSucceeded = "succeeded"
	StepFailed    = "failed"
)

// Engine executes declarative pipelines. Each run is a goroutine working
// its steps strictly in order, persisting the run after every transition.
type Engine struct {
	store      *store.Store
	roster     *roster.Roster
	dispatcher Dispatcher
	client     *bus.Client
	defs       map[string]Definition
}

func New(s *store.Store, reg *roster.Roster, d Dispatcher, client *bus.Client, cfg config.PipelinesConfig) (*Engine, error) {
	defs, err := LoadDir(cfg.Dir)
	if err != nil {
		return nil, err
	}
	slog.Info("pipelines loaded", "count", len(defs), "dir", cfg.Dir)

	return &Engine{
		store:      s,
		roster:     reg,
		dispatcher: d,
		client:     client,
		defs:       defs,
	}, nil
}

func (e *Engine) Names() []string {
	names := make([]string, 0, len(e.defs))
	for name := range e.defs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (e *Engine) Get(name string) (Definition, bool) {
	def, ok := e.defs[name]
	return def, ok
}

// Start validates the request, persists a running record and launches the
// executor. Every step's role must have an active agent right now; a team
// that cannot staff the pipeline fails the start, not a later step.
func (e *Engine) Start(ctx context.Context, name, channelID, startedBy, task string) (string, error) {
	def, ok := e.defs[name]
	if !ok {
		return "", fmt.Errorf("unknown pipeline %q", name)
	}

	states := make([]StepState, len(def.Steps))
	for i, step := range def.Steps {
		a, err := e.roster.FirstActiveByRole(step.Role)
		if err != nil {
			return "", fmt.Errorf("resolve role %s: %w", step.Role, err)
		}
		if a == nil {
			return "", fmt.Errorf("no active %s for step %s", step.Role, step.Name)
		}
		states[i] = StepState{Name: step.Name, Role: step.Role, Status: StepPending}
	}

	runCtx := map[string]string{"task": task}
	run := &store.PipelineRun{
		ID:        uuid.New().String(),
		Name:      name,
		ChannelID: channelID,
		Status:    store.RunRunning,
	}
	e.persist(run, runCtx, states)

	e.publishEvent(run.ID, "pipeline_started", map[string]any{
		"name":       name,
		"channel_id": channelID,
		"started_by": startedBy,
		"steps":      len(def.Steps),
	})
	slog.Info("pipeline started", "name", name, "run", run.ID, "channel", channelID, "by", startedBy)

	// The run outlives whatever triggered it.
	go e.run(context.Background(), def, run, runCtx, states)

	return run.ID, nil
}

func (e *Engine) run(ctx context.Context, def Definition, run *store.PipelineRun, runCtx map[string]string, states []StepState) {
	for i, step := range def.Steps {
		run.CurrentStep = i
		states[i].Status = StepRunning
		e.persist(run, runCtx, states)
		e.publishEvent(run.ID, "step_started", map[string]any{"step": step.Name, "index": i})

		out, err := e.runStep(ctx, run, step, runCtx, &states[i])
		if err != nil {
			states[i].Status = StepFailed
			states[i].Error = err.Error()
			run.Status = store.RunFailed
			run.Error = fmt.Sprintf("step %s: %v", step.Name, err)
			e.persist(run, runCtx, states)

			e.publishEvent(run.ID, "pipeline_failed", map[string]any{"step": step.Name, "error": err.Error()})
			e.dispatcher.Notice(run.ChannelID, fmt.Sprintf("Pipeline %s failed at step %s: %v", run.Name, step.Name, err))
			slog.Error("pipeline failed", "name", run.Name, "run", run.ID, "step", step.Name, "error", err)
			return
		}

		states[i].Status = StepSucceeded
		runCtx[step.Name+"_output"] = out
		runCtx["last_output"] = out
		e.persist(run, runCtx, states)
		e.publishEvent(run.ID, "step_completed", map[string]any{
			"step":   step.Name,
			"agent":  states[i].Agent,
			"output": truncate(out, 200),
		})
	}

	run.Status = store.RunSucceeded
	e.persist(run, runCtx, states)
	e.publishEvent(run.ID, "pipeline_completed", map[string]any{"steps": len(def.Steps)})
	e.dispatcher.Notice(run.ChannelID, runSummary(run, def, runCtx))
	slog.Info("pipeline completed", "name", run.Name, "run", run.ID, "steps", len(def.Steps))
}

// runStep binds the step's role to an agent and invokes it, retrying up to
// the step's attempt limit with the prior failure noted in the prompt. An
// exhausted token budget fails immediately: retrying cannot help until the
// budget refills.
func (e *Engine) runStep(ctx context.Context, run *store.PipelineRun, step Step, runCtx map[string]string, state *StepState) (string, error) {
	a, err := e.roster.FirstActiveByRole(step.Role)
	if err != nil {
		return "", fmt.Errorf("resolve role %s: %w", step.Role, err)
	}
	if a == nil {
		return "", fmt.Errorf("no active %s available", step.Role)
	}
	state.Agent = a.ID

	prompt := Interpolate(step.Prompt, runCtx)

	var lastErr error
	for attempt := 1; attempt <= step.Attempts; attempt++ {
		state.Attempts = attempt

		stepCtx, cancel := context.WithTimeout(ctx, step.Timeout)
		out, err := e.dispatcher.DispatchStep(stepCtx, a.ID, run.ChannelID, prompt)
		cancel()
		if err == nil {
			return out, nil
		}
		lastErr = err

		slog.Warn("pipeline step attempt failed", "run", run.ID, "step", step.Name, "attempt", attempt, "error", err)
		e.publishEvent(run.ID, "step_attempt_failed", map[string]any{
			"step":    step.Name,
			"attempt": attempt,
			"error":   err.Error(),
		})

		if errors.Is(err, economy.ErrBudgetExhausted) {
			return "", err
		}

		prompt = Interpolate(step.Prompt, runCtx) +
			fmt.Sprintf("\n\nYour previous attempt failed: %v. Address that and try again.", err)
	}

	return "", fmt.Errorf("%w after %d attempts: %v", ErrStepExhausted, step.Attempts, lastErr)
}

// RecoverInterrupted fails runs a previous process left in the running
// state. Their in-memory execution state died with it, so they cannot be
// resumed, only reported.
func (e *Engine) RecoverInterrupted() error {
	runs, err := e.store.ListRunningPipelineRuns()
	if err != nil {
		return fmt.Errorf("list running pipeline runs: %w", err)
	}

	for i := range runs {
		run := &runs[i]
		run.Status = store.RunFailed
		run.Error = "interrupted by restart"
		if err := e.store.SavePipelineRun(run); err != nil {
			return fmt.Errorf("fail interrupted run %s: %w", run.ID, err)
		}
		slog.Warn("pipeline run interrupted by restart", "run", run.ID, "name", run.Name)
	}
	return nil
}

func (e *Engine) persist(run *store.PipelineRun, runCtx map[string]string, states []StepState) {
	ctxJSON, err := json.Marshal(runCtx)
	if err == nil {
		run.Context = ctxJSON
	}
	stepsJSON, err := json.Marshal(states)
	if err == nil {
		run.Steps = stepsJSON
	}
	if err := e.store.SavePipelineRun(run); err != nil {
		slog.Error("save pipeline run failed", "run", run.ID, "error", err)
	}
}

func (e *Engine) publishEvent(runID, eventType string, data map[string]any) {
	if e.client == nil {
		return
	}

	event := map[string]any{
		"type":      eventType,
		"run_id":    runID,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"data":      data,
	}
	if err := e.client.PublishJSON(bus.TopicEventsPipeline(runID), event); err != nil {
		slog.Warn("publish pipeline event failed", "run", runID, "error", err)
	}
}

// runSummary is the completion message posted back into the channel: the
// step roll and the final step's output.
func runSummary(run *store.PipelineRun, def Definition, runCtx map[string]string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Pipeline %s finished", run.Name)

	names := make([]string, len(def.Steps))
	for i, s := range def.Steps {
		names[i] = s.Name
	}
	fmt.Fprintf(&b, " (%s).", strings.Join(names, " > "))

	if out := strings.TrimSpace(runCtx["last_output"]); out != "" {
		last := def.Steps[len(def.Steps)-1]
		fmt.Fprintf(&b, "\n\nOutput from %s:\n%s", last.Name, truncate(out, 1500))
	}
	return b.String()
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
