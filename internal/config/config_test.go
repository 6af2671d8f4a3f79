package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg := defaults()

	if cfg.Runtime.Image != "bullpen-agent:latest" {
		t.Errorf("expected default image bullpen-agent:latest, got %s", cfg.Runtime.Image)
	}
	if cfg.Runtime.Model == "" {
		t.Error("expected a default model")
	}
	if cfg.Runtime.DispatchTimeout != 2*time.Minute {
		t.Errorf("expected dispatch_timeout 2m, got %v", cfg.Runtime.DispatchTimeout)
	}
	if cfg.NATS.Port != 4222 {
		t.Errorf("expected nats port 4222, got %d", cfg.NATS.Port)
	}
	if cfg.Web.Port != 8080 {
		t.Errorf("expected web port 8080, got %d", cfg.Web.Port)
	}
	if !cfg.Web.Enabled {
		t.Error("expected web enabled by default")
	}
	if cfg.Store.Path != "data/bullpen.db" {
		t.Errorf("expected store path data/bullpen.db, got %s", cfg.Store.Path)
	}
	if cfg.Economy.SalaryPerCycle != 10 {
		t.Errorf("expected salary_per_cycle 10, got %d", cfg.Economy.SalaryPerCycle)
	}
	if cfg.Economy.BonusThreshold != 0.8 || cfg.Economy.WarningThreshold != 0.3 {
		t.Errorf("unexpected thresholds: bonus %v warning %v", cfg.Economy.BonusThreshold, cfg.Economy.WarningThreshold)
	}
	if cfg.Economy.TerminationStreak != 2 {
		t.Errorf("expected termination_streak 2, got %d", cfg.Economy.TerminationStreak)
	}
	if cfg.Economy.TokenBudget != 100000 {
		t.Errorf("expected token_budget 100000, got %d", cfg.Economy.TokenBudget)
	}
	if cfg.Roster.Coordinator != "max" {
		t.Errorf("expected default coordinator max, got %s", cfg.Roster.Coordinator)
	}
}

func TestLoadWithEnvOverrides(t *testing.T) {
	// Point config to a non-existent file so we use defaults
	t.Setenv("BULLPEN_CONFIG", "/nonexistent/config.yaml")
	t.Setenv("BULLPEN_TELEGRAM_TOKEN", "test-token-123")
	t.Setenv("ANTHROPIC_API_KEY", "sk-test-key")
	t.Setenv("BULLPEN_WEB_PASSWORD", "secret")
	t.Setenv("BULLPEN_WEB_PORT", "9090")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Telegram.Token != "test-token-123" {
		t.Errorf("expected telegram token test-token-123, got %s", cfg.Telegram.Token)
	}
	if cfg.Runtime.AnthropicAPIKey != "sk-test-key" {
		t.Errorf("expected anthropic key sk-test-key, got %s", cfg.Runtime.AnthropicAPIKey)
	}
	if cfg.Web.Auth != "secret" {
		t.Errorf("expected web auth secret, got %s", cfg.Web.Auth)
	}
	if cfg.Web.Port != 9090 {
		t.Errorf("expected web port 9090, got %d", cfg.Web.Port)
	}
}

func TestLoadFromYAML(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")

	yaml := `
roster:
  coordinator: max
  agents:
    - name: Max
      role: coordinator
    - name: Alice
      role: developer
      model: "claude-opus-4-6"
channels:
  seed:
    - name: general
      members: [max, alice]
economy:
  token_budget: 5000
  termination_streak: 3
web:
  port: 3000
  enabled: false
`
	if err := os.WriteFile(cfgPath, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}

	t.Setenv("BULLPEN_CONFIG", cfgPath)
	// Clear any env overrides
	t.Setenv("BULLPEN_TELEGRAM_TOKEN", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(cfg.Roster.Agents) != 2 {
		t.Fatalf("expected 2 roster agents, got %d", len(cfg.Roster.Agents))
	}
	if cfg.Roster.Agents[0].ID() != "max" {
		t.Errorf("expected agent id max, got %s", cfg.Roster.Agents[0].ID())
	}
	if cfg.Roster.Agents[1].Model != "claude-opus-4-6" {
		t.Errorf("expected model claude-opus-4-6, got %s", cfg.Roster.Agents[1].Model)
	}
	if cfg.Economy.TokenBudget != 5000 {
		t.Errorf("expected token_budget 5000, got %d", cfg.Economy.TokenBudget)
	}
	if cfg.Economy.TerminationStreak != 3 {
		t.Errorf("expected termination_streak 3, got %d", cfg.Economy.TerminationStreak)
	}
	// Unset fields keep defaults
	if cfg.Economy.SalaryPerCycle != 10 {
		t.Errorf("expected default salary_per_cycle 10, got %d", cfg.Economy.SalaryPerCycle)
	}
	if cfg.Web.Port != 3000 {
		t.Errorf("expected web port 3000, got %d", cfg.Web.Port)
	}
	if cfg.Web.Enabled {
		t.Error("expected web disabled")
	}
}

func TestValidateRejectsDuplicateAgents(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")

	yaml := `
roster:
  coordinator: max
  agents:
    - name: Max
      role: coordinator
    - name: max
      role: developer
`
	if err := os.WriteFile(cfgPath, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("BULLPEN_CONFIG", cfgPath)

	if _, err := Load(); err == nil {
		t.Fatal("expected duplicate agent error")
	}
}

func TestValidateRejectsUnknownCoordinator(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")

	yaml := `
roster:
  coordinator: nobody
  agents:
    - name: Max
      role: coordinator
`
	if err := os.WriteFile(cfgPath, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("BULLPEN_CONFIG", cfgPath)

	if _, err := Load(); err == nil {
		t.Fatal("expected unknown coordinator error")
	}
}
