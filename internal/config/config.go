package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Store     StoreConfig     `yaml:"store"`
	NATS      NATSConfig      `yaml:"nats"`
	Runtime   RuntimeConfig   `yaml:"runtime"`
	Roster    RosterConfig    `yaml:"roster"`
	Channels  ChannelsConfig  `yaml:"channels"`
	Economy   EconomyConfig   `yaml:"economy"`
	Pipelines PipelinesConfig `yaml:"pipelines"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Web       WebConfig       `yaml:"web"`
	Telegram  TelegramConfig  `yaml:"telegram"`
}

type StoreConfig struct {
	Path string `yaml:"path"`
}

type NATSConfig struct {
	Port    int    `yaml:"port"`
	DataDir string `yaml:"data_dir"`
}

type RuntimeConfig struct {
	Image           string        `yaml:"image"`
	Model           string        `yaml:"model"`
	MaxContainers   int           `yaml:"max_containers"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	DispatchTimeout time.Duration `yaml:"dispatch_timeout"`
	AnthropicAPIKey string        `yaml:"anthropic_api_key"`
	OAuthToken      string        `yaml:"oauth_token"`
}

// RosterConfig declares the fixed agent team. The roster is created once at
// startup and only mutated through lifecycle transitions, never deleted.
type RosterConfig struct {
	Coordinator string     `yaml:"coordinator"`
	Agents      []AgentDef `yaml:"agents"`
}

type AgentDef struct {
	Name      string   `yaml:"name"`
	Role      string   `yaml:"role"`
	Model     string   `yaml:"model"`
	Workspace string   `yaml:"workspace"`
	Prompt    string   `yaml:"prompt"`
	Tools     []string `yaml:"tools"`
}

// ID is the canonical agent identifier: the lowercased name.
func (a AgentDef) ID() string {
	return strings.ToLower(strings.TrimSpace(a.Name))
}

type ChannelsConfig struct {
	BasePath string       `yaml:"base_path"`
	Seed     []ChannelDef `yaml:"seed"`
}

type ChannelDef struct {
	Name        string   `yaml:"name"`
	Description string   `yaml:"description"`
	Coordinator string   `yaml:"coordinator"`
	Members     []string `yaml:"members"`
}

type EconomyConfig struct {
	SalaryPerCycle       int64   `yaml:"salary_per_cycle"`
	BonusAmount          int64   `yaml:"bonus_amount"`
	BonusThreshold       float64 `yaml:"bonus_threshold"`
	WarningThreshold     float64 `yaml:"warning_threshold"`
	TerminationThreshold float64 `yaml:"termination_threshold"`
	TerminationStreak    int     `yaml:"termination_streak"`
	ScoreWeight          float64 `yaml:"score_weight"`
	TokenBudget          int64   `yaml:"token_budget"`
	SalaryFloor          int64   `yaml:"salary_floor"`
}

type PipelinesConfig struct {
	Dir string `yaml:"dir"`
}

type SchedulerConfig struct {
	PollInterval time.Duration `yaml:"poll_interval"`
	PayCycle     string        `yaml:"pay_cycle"`
	BudgetReset  string        `yaml:"budget_reset"`
	Standups     []StandupDef  `yaml:"standups"`
}

type StandupDef struct {
	Channel  string `yaml:"channel"`
	Schedule string `yaml:"schedule"`
	Prompt   string `yaml:"prompt"`
}

type WebConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    int    `yaml:"port"`
	Auth    string `yaml:"auth"`
}

type TelegramConfig struct {
	Token     string  `yaml:"token"`
	AllowFrom []int64 `yaml:"allow_from"`
	Channel   string  `yaml:"channel"`
}

func defaults() Config {
	return Config{
		Store: StoreConfig{
			Path: "data/bullpen.db",
		},
		NATS: NATSConfig{
			Port:    4222,
			DataDir: "data/nats",
		},
		Runtime: RuntimeConfig{
			Image:           "bullpen-agent:latest",
			Model:           "claude-sonnet-4-5-20250929",
			MaxContainers:   8,
			IdleTimeout:     30 * time.Minute,
			DispatchTimeout: 2 * time.Minute,
		},
		Roster: RosterConfig{
			Coordinator: "max",
		},
		Channels: ChannelsConfig{
			BasePath: "workspaces",
		},
		Economy: EconomyConfig{
			SalaryPerCycle:       10,
			BonusAmount:          50,
			BonusThreshold:       0.8,
			WarningThreshold:     0.3,
			TerminationThreshold: 0.15,
			TerminationStreak:    2,
			ScoreWeight:          0.3,
			TokenBudget:          100000,
			SalaryFloor:          -100,
		},
		Pipelines: PipelinesConfig{
			Dir: "pipelines",
		},
		Scheduler: SchedulerConfig{
			PollInterval: 30 * time.Second,
		},
		Web: WebConfig{
			Enabled: true,
			Port:    8080,
		},
		Telegram: TelegramConfig{
			Channel: "general",
		},
	}
}

func Load() (*Config, error) {
	cfg := defaults()

	path := os.Getenv("BULLPEN_CONFIG")
	if path == "" {
		path = "config/bullpen.yaml"
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
		// Config file not found, use defaults + env
	} else {
		// Expand environment variables in YAML
		expanded := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	// Environment variable overrides
	applyEnv(&cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("BULLPEN_TELEGRAM_TOKEN"); v != "" {
		cfg.Telegram.Token = v
	}
	if v := os.Getenv("ANTHROPIC_API_KEY"); v != "" {
		cfg.Runtime.AnthropicAPIKey = v
	}
	if v := os.Getenv("CLAUDE_CODE_OAUTH_TOKEN"); v != "" {
		cfg.Runtime.OAuthToken = v
	}
	if v := os.Getenv("BULLPEN_WEB_PASSWORD"); v != "" {
		cfg.Web.Auth = v
	}
	if v := os.Getenv("BULLPEN_WEB_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Web.Port = port
		}
	}
	if v := os.Getenv("BULLPEN_NATS_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.NATS.Port = port
		}
	}
	if v := os.Getenv("BULLPEN_STORE_PATH"); v != "" {
		cfg.Store.Path = v
	}
	if v := os.Getenv("BULLPEN_WORKSPACES_BASE"); v != "" {
		cfg.Channels.BasePath = v
	}
	if v := os.Getenv("BULLPEN_PIPELINES_DIR"); v != "" {
		cfg.Pipelines.Dir = v
	}
}

func (c *Config) validate() error {
	seen := make(map[string]bool, len(c.Roster.Agents))
	for _, a := range c.Roster.Agents {
		id := a.ID()
		if id == "" {
			return fmt.Errorf("roster agent with empty name")
		}
		if seen[id] {
			return fmt.Errorf("duplicate roster agent %q", id)
		}
		seen[id] = true
	}
	if c.Roster.Coordinator != "" && len(c.Roster.Agents) > 0 {
		if !seen[strings.ToLower(c.Roster.Coordinator)] {
			return fmt.Errorf("roster coordinator %q is not a roster agent", c.Roster.Coordinator)
		}
	}
	if c.Economy.ScoreWeight < 0 || c.Economy.ScoreWeight > 1 {
		return fmt.Errorf("economy score_weight must be in [0,1], got %v", c.Economy.ScoreWeight)
	}
	if c.Economy.TerminationStreak < 1 {
		return fmt.Errorf("economy termination_streak must be at least 1, got %d", c.Economy.TerminationStreak)
	}
	return nil
}
