package economy

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/mtzanidakis/bullpen/internal/bus"
	"github.com/mtzanidakis/bullpen/internal/config"
	"github.com/mtzanidakis/bullpen/internal/store"
)

// ErrScoreOutOfRange rejects quality scores outside [0,1] before any state
// is touched.
var ErrScoreOutOfRange = errors.New("quality score out of range")

// ErrBudgetExhausted marks work refused because the agent has no tokens
// left. Channel dispatch skips such agents quietly; pipeline steps fail
// fast on it instead of burning retries.
var ErrBudgetExhausted = errors.New("token budget exhausted")

// Publisher is the slice of the bus client the engine needs to announce
// economy events. A nil publisher is fine; events then only hit the store.
type Publisher interface {
	PublishJSON(topic string, v any) error
}

// Engine applies the incentive rules: token budgets drain with activity,
// outcomes move the performance score, and the score drives bonuses,
// warnings and termination. All mutations run under one lock so an agent's
// economy snapshot is never written by two goroutines at once.
type Engine struct {
	mu    sync.Mutex
	store *store.Store
	cfg   config.EconomyConfig
	pub   Publisher
}

func New(s *store.Store, cfg config.EconomyConfig, pub Publisher) *Engine {
	return &Engine{
		store: s,
		cfg:   cfg,
		pub:   pub,
	}
}

// UpdateConfig swaps the incentive parameters, typically after a config
// reload. In-flight operations finish under the old values.
func (e *Engine) UpdateConfig(cfg config.EconomyConfig) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cfg = cfg
}

// RecordActivity charges tokens against the agent's budget, flooring at
// zero. Every dispatch reports here, success or not.
func (e *Engine) RecordActivity(agentID string, tokens int64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	a, err := e.store.GetAgent(agentID)
	if err != nil {
		return err
	}
	if a == nil {
		return fmt.Errorf("record activity: agent %q not found", agentID)
	}

	budget := a.TokenBudget - tokens
	if budget < 0 {
		budget = 0
	}
	if err := e.store.UpdateAgentEconomy(agentID, a.SalaryBalance, a.PerformanceScore, budget, a.LowStreak); err != nil {
		return err
	}
	if budget == 0 && a.TokenBudget > 0 {
		slog.Warn("agent exhausted token budget", "agent", agentID)
	}

	return e.logEvent(&store.EconomyEvent{
		AgentID: agentID,
		Kind:    store.EventActivity,
		Tokens:  tokens,
	})
}

// AllowDispatch reports whether the agent has budget left to be invoked.
// An exhausted budget blocks dispatch the same way a pause does: quietly,
// with a ledger entry instead of an error.
func (e *Engine) AllowDispatch(agentID string) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	a, err := e.store.GetAgent(agentID)
	if err != nil {
		return false, err
	}
	if a == nil {
		return false, fmt.Errorf("allow dispatch: agent %q not found", agentID)
	}
	if a.TokenBudget > 0 {
		return true, nil
	}

	slog.Debug("dispatch blocked on exhausted budget", "agent", agentID)
	if err := e.logEvent(&store.EconomyEvent{
		AgentID: agentID,
		Kind:    store.EventBudgetBlocked,
	}); err != nil {
		return false, err
	}
	return false, nil
}

// RecordOutcome folds a reviewer-assigned quality score into the agent's
// performance score (new = (1-w)*old + w*quality) and applies the
// consequences: a high score pays a bonus, a low score logs a warning, and
// a streak of very low quality scores terminates the agent. Termination is
// a universal pause, not a deletion.
func (e *Engine) RecordOutcome(agentID string, quality float64, detail string) error {
	if quality < 0 || quality > 1 {
		return fmt.Errorf("%w: %v", ErrScoreOutOfRange, quality)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	a, err := e.store.GetAgent(agentID)
	if err != nil {
		return err
	}
	if a == nil {
		return fmt.Errorf("record outcome: agent %q not found", agentID)
	}

	w := e.cfg.ScoreWeight
	newScore := clamp((1-w)*a.PerformanceScore + w*quality)

	streak := 0
	if quality < e.cfg.TerminationThreshold {
		streak = a.LowStreak + 1
	}
	terminate := streak >= e.cfg.TerminationStreak && a.Status != store.AgentTerminated

	salary := a.SalaryBalance
	bonus := !terminate && a.Status != store.AgentTerminated && newScore >= e.cfg.BonusThreshold
	if bonus {
		salary += e.cfg.BonusAmount
	}

	if err := e.store.UpdateAgentEconomy(agentID, salary, newScore, a.TokenBudget, streak); err != nil {
		return err
	}

	if err := e.logEvent(&store.EconomyEvent{
		AgentID: agentID,
		Kind:    store.EventOutcome,
		Score:   &quality,
		Detail:  fmt.Sprintf("performance %.2f -> %.2f: %s", a.PerformanceScore, newScore, detail),
	}); err != nil {
		return err
	}

	switch {
	case terminate:
		if err := e.terminate(agentID, newScore); err != nil {
			return err
		}
	case bonus:
		slog.Info("performance bonus", "agent", agentID, "score", newScore, "amount", e.cfg.BonusAmount)
		if err := e.store.SaveReward(&store.Reward{
			ID:      uuid.NewString(),
			AgentID: agentID,
			Kind:    store.RewardBonus,
			Amount:  e.cfg.BonusAmount,
			Reason:  fmt.Sprintf("high performance score: %.2f", newScore),
		}); err != nil {
			return err
		}
	case newScore < e.cfg.WarningThreshold:
		slog.Warn("performance warning", "agent", agentID, "score", newScore)
		if err := e.logEvent(&store.EconomyEvent{
			AgentID: agentID,
			Kind:    store.EventWarning,
			Detail:  fmt.Sprintf("performance score %.2f below %.2f", newScore, e.cfg.WarningThreshold),
		}); err != nil {
			return err
		}
	}

	return nil
}

func (e *Engine) terminate(agentID string, score float64) error {
	slog.Warn("agent terminated", "agent", agentID, "score", score, "streak", e.cfg.TerminationStreak)
	if err := e.store.SetAgentStatus(agentID, store.AgentTerminated); err != nil {
		return err
	}
	if err := e.store.PauseAgentEverywhere(agentID); err != nil {
		return err
	}
	return e.logEvent(&store.EconomyEvent{
		AgentID: agentID,
		Kind:    store.EventTermination,
		Detail:  fmt.Sprintf("%d consecutive quality scores below %.2f", e.cfg.TerminationStreak, e.cfg.TerminationThreshold),
	})
}

// Reinstate re-activates a terminated agent: status back to active, low
// streak cleared, all membership pauses lifted.
func (e *Engine) Reinstate(agentID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	a, err := e.store.GetAgent(agentID)
	if err != nil {
		return err
	}
	if a == nil {
		return fmt.Errorf("reinstate: agent %q not found", agentID)
	}
	if a.Status != store.AgentTerminated {
		return fmt.Errorf("reinstate: agent %q is not terminated", agentID)
	}

	if err := e.store.SetAgentStatus(agentID, store.AgentActive); err != nil {
		return err
	}
	if err := e.store.UnpauseAgentEverywhere(agentID); err != nil {
		return err
	}
	if err := e.store.UpdateAgentEconomy(agentID, a.SalaryBalance, a.PerformanceScore, a.TokenBudget, 0); err != nil {
		return err
	}

	slog.Info("agent reinstated", "agent", agentID)
	return e.logEvent(&store.EconomyEvent{
		AgentID: agentID,
		Kind:    store.EventReinstated,
	})
}

// PayCycle credits every non-terminated agent its salary for the cycle.
func (e *Engine) PayCycle() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	agents, err := e.store.ListAgents()
	if err != nil {
		return err
	}
	for _, a := range agents {
		if a.Status == store.AgentTerminated {
			continue
		}
		salary := a.SalaryBalance + e.cfg.SalaryPerCycle
		if err := e.store.UpdateAgentEconomy(a.ID, salary, a.PerformanceScore, a.TokenBudget, a.LowStreak); err != nil {
			return fmt.Errorf("pay %s: %w", a.ID, err)
		}
		if err := e.store.SaveReward(&store.Reward{
			ID:      uuid.NewString(),
			AgentID: a.ID,
			Kind:    store.RewardSalary,
			Amount:  e.cfg.SalaryPerCycle,
			Reason:  "regular salary cycle",
		}); err != nil {
			return fmt.Errorf("record salary for %s: %w", a.ID, err)
		}
	}
	slog.Info("salary cycle paid", "agents", len(agents))
	return nil
}

// Penalty is the only path that may take a balance below zero, down to the
// configured floor.
func (e *Engine) Penalty(agentID string, amount int64, reason string) error {
	if amount <= 0 {
		return fmt.Errorf("penalty amount must be positive, got %d", amount)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	a, err := e.store.GetAgent(agentID)
	if err != nil {
		return err
	}
	if a == nil {
		return fmt.Errorf("penalty: agent %q not found", agentID)
	}

	salary := a.SalaryBalance - amount
	if salary < e.cfg.SalaryFloor {
		salary = e.cfg.SalaryFloor
	}
	if err := e.store.UpdateAgentEconomy(agentID, salary, a.PerformanceScore, a.TokenBudget, a.LowStreak); err != nil {
		return err
	}

	slog.Warn("penalty applied", "agent", agentID, "amount", amount, "reason", reason)
	return e.store.SaveReward(&store.Reward{
		ID:      uuid.NewString(),
		AgentID: agentID,
		Kind:    store.RewardPenalty,
		Amount:  -amount,
		Reason:  reason,
	})
}

// ResetBudgets restores every non-terminated agent's token budget to the
// configured allowance. Runs on the budget reset schedule.
func (e *Engine) ResetBudgets() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	agents, err := e.store.ListAgents()
	if err != nil {
		return err
	}
	reset := 0
	for _, a := range agents {
		if a.Status == store.AgentTerminated {
			continue
		}
		if err := e.store.UpdateAgentEconomy(a.ID, a.SalaryBalance, a.PerformanceScore, e.cfg.TokenBudget, a.LowStreak); err != nil {
			return fmt.Errorf("reset budget for %s: %w", a.ID, err)
		}
		if err := e.logEvent(&store.EconomyEvent{
			AgentID: a.ID,
			Kind:    store.EventBudgetReset,
			Tokens:  e.cfg.TokenBudget,
		}); err != nil {
			return err
		}
		reset++
	}
	slog.Info("token budgets reset", "agents", reset, "budget", e.cfg.TokenBudget)
	return nil
}

// RefillBudget tops up one agent without waiting for the reset schedule.
func (e *Engine) RefillBudget(agentID string, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("refill amount must be positive, got %d", amount)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	a, err := e.store.GetAgent(agentID)
	if err != nil {
		return err
	}
	if a == nil {
		return fmt.Errorf("refill budget: agent %q not found", agentID)
	}
	if err := e.store.UpdateAgentEconomy(agentID, a.SalaryBalance, a.PerformanceScore, a.TokenBudget+amount, a.LowStreak); err != nil {
		return err
	}
	return e.logEvent(&store.EconomyEvent{
		AgentID: agentID,
		Kind:    store.EventBudgetReset,
		Tokens:  amount,
		Detail:  "manual refill",
	})
}

func (e *Engine) logEvent(ev *store.EconomyEvent) error {
	if err := e.store.SaveEconomyEvent(ev); err != nil {
		return err
	}
	if e.pub != nil {
		if err := e.pub.PublishJSON(bus.TopicEventsEconomy(ev.AgentID), ev); err != nil {
			slog.Debug("publish economy event failed", "error", err)
		}
	}
	return nil
}

func clamp(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
