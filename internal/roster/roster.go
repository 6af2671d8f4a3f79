package roster

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/mtzanidakis/bullpen/internal/config"
	"github.com/mtzanidakis/bullpen/internal/store"
	"github.com/mtzanidakis/bullpen/internal/toolset"
)

// Roster is the explicit agent registry. Agents exist because the config
// declares them; nothing is created on demand from message traffic.
type Roster struct {
	store    *store.Store
	runtime  config.RuntimeConfig
	economy  config.EconomyConfig
	basePath string

	mu   sync.RWMutex
	cfg  config.RosterConfig
	defs map[string]config.AgentDef
}

func New(s *store.Store, cfg config.RosterConfig, runtime config.RuntimeConfig, economy config.EconomyConfig, basePath string) *Roster {
	return &Roster{
		store:    s,
		runtime:  runtime,
		economy:  economy,
		basePath: basePath,
		cfg:      cfg,
		defs:     buildDefs(cfg),
	}
}

func buildDefs(cfg config.RosterConfig) map[string]config.AgentDef {
	defs := make(map[string]config.AgentDef, len(cfg.Agents))
	for _, def := range cfg.Agents {
		defs[def.ID()] = def
	}
	return defs
}

// Reload swaps the configured roster and re-syncs the store against it.
func (r *Roster) Reload(cfg config.RosterConfig) error {
	r.mu.Lock()
	r.cfg = cfg
	r.defs = buildDefs(cfg)
	r.mu.Unlock()
	return r.Sync()
}

// Sync reconciles the store with the configured roster: declared agents are
// upserted, agents no longer declared are removed. Economy state and
// lifecycle status of existing agents survive a sync; new agents start
// active with the default score and a full token budget.
func (r *Roster) Sync() error {
	r.mu.RLock()
	declared := r.cfg.Agents
	r.mu.RUnlock()

	ids := make([]string, 0, len(declared))
	for _, def := range declared {
		id := def.ID()
		ids = append(ids, id)

		if !ValidRole(def.Role) {
			return fmt.Errorf("agent %s: unknown role %q", id, def.Role)
		}

		a := &store.Agent{
			ID:               id,
			Name:             def.Name,
			Role:             def.Role,
			Status:           store.AgentActive,
			Model:            def.Model,
			Workspace:        def.Workspace,
			Prompt:           def.Prompt,
			PerformanceScore: 0.5,
			TokenBudget:      r.economy.TokenBudget,
		}
		if a.Workspace == "" {
			a.Workspace = id
		}
		if len(def.Tools) > 0 {
			raw, err := json.Marshal(toolset.Toolset{Allow: def.Tools})
			if err != nil {
				return fmt.Errorf("marshal tools for %s: %w", id, err)
			}
			a.Tools = raw
		}

		if err := r.store.SaveAgent(a); err != nil {
			return fmt.Errorf("save agent %s: %w", id, err)
		}

		if err := r.ensureWorkspace(a.Workspace); err != nil {
			return fmt.Errorf("ensure workspace for %s: %w", id, err)
		}
	}

	if err := r.store.DeleteAgentsNotIn(ids); err != nil {
		return fmt.Errorf("delete stale agents: %w", err)
	}

	return r.ensureGlobalDirectory()
}

func (r *Roster) Get(agentID string) (*store.Agent, error) {
	return r.store.GetAgent(agentID)
}

func (r *Roster) List() ([]store.Agent, error) {
	return r.store.ListAgents()
}

// Resolve looks up an agent by name, case-insensitively. Unknown names
// resolve to nil without error so callers can treat them as plain text.
func (r *Roster) Resolve(name string) (*store.Agent, error) {
	return r.store.GetAgent(strings.ToLower(strings.TrimSpace(name)))
}

// Coordinator is the roster-wide default coordinator agent ID. Channels may
// override it per channel.
func (r *Roster) Coordinator() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return strings.ToLower(r.cfg.Coordinator)
}

// FirstActiveByRole returns the first configured agent carrying the role
// that is currently active, or nil when nobody can take it. Pipelines bind
// steps to roles, not names, so the binding happens here.
func (r *Roster) FirstActiveByRole(role string) (*store.Agent, error) {
	r.mu.RLock()
	declared := r.cfg.Agents
	r.mu.RUnlock()

	for _, def := range declared {
		a, err := r.store.GetAgent(def.ID())
		if err != nil {
			return nil, err
		}
		if a != nil && a.Role == role && a.Status == store.AgentActive {
			return a, nil
		}
	}
	return nil, nil
}

func (r *Roster) GetDefinition(agentID string) (config.AgentDef, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.defs[agentID]
	return def, ok
}

func (r *Roster) ResolveModel(agentID string) string {
	if def, ok := r.GetDefinition(agentID); ok && def.Model != "" {
		return def.Model
	}
	return r.runtime.Model
}

// ResolvePrompt returns the agent's configured prompt, falling back to the
// built-in charter for its role.
func (r *Roster) ResolvePrompt(agentID string) string {
	if def, ok := r.GetDefinition(agentID); ok {
		if def.Prompt != "" {
			return def.Prompt
		}
		return RolePrompt(def.Role)
	}
	return ""
}

// ResolveTools returns the effective tool list for an agent: the role
// baseline adjusted by the stored toolset.
func (r *Roster) ResolveTools(agentID string) ([]string, error) {
	a, err := r.store.GetAgent(agentID)
	if err != nil {
		return nil, err
	}
	if a == nil {
		return nil, fmt.Errorf("unknown agent %q", agentID)
	}
	ts, err := toolset.Parse(string(a.Tools))
	if err != nil {
		return nil, fmt.Errorf("parse toolset for %s: %w", agentID, err)
	}
	return ts.EffectiveTools(a.Role), nil
}

func (r *Roster) Descriptions() map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	descs := make(map[string]string, len(r.defs))
	for id, def := range r.defs {
		descs[id] = fmt.Sprintf("%s (%s)", def.Name, def.Role)
	}
	return descs
}

func (r *Roster) AgentPath(workspace string) string {
	return filepath.Join(r.basePath, workspace)
}

func (r *Roster) GlobalPath() string {
	return filepath.Join(r.basePath, "global")
}

// AgentMemory reads the agent's workspace CLAUDE.md, empty if absent.
func (r *Roster) AgentMemory(agentID string) (string, error) {
	workspace := agentID
	if def, ok := r.GetDefinition(agentID); ok && def.Workspace != "" {
		workspace = def.Workspace
	}
	return readIfExists(filepath.Join(r.basePath, workspace, "CLAUDE.md"))
}

// GlobalMemory reads the shared CLAUDE.md loaded by every agent.
func (r *Roster) GlobalMemory() (string, error) {
	return readIfExists(filepath.Join(r.basePath, "global", "CLAUDE.md"))
}

func readIfExists(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", err
	}
	return string(data), nil
}

func (r *Roster) ensureWorkspace(workspace string) error {
	dir := filepath.Join(r.basePath, workspace)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create agent dir: %w", err)
	}

	claudeMD := filepath.Join(dir, "CLAUDE.md")
	if _, err := os.Stat(claudeMD); os.IsNotExist(err) {
		if err := os.WriteFile(claudeMD, []byte("# Agent Memory\n\nThis file stores context for this agent.\n"), 0o644); err != nil {
			return fmt.Errorf("create CLAUDE.md: %w", err)
		}
	}
	return nil
}

func (r *Roster) ensureGlobalDirectory() error {
	dir := filepath.Join(r.basePath, "global")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create global dir: %w", err)
	}

	claudeMD := filepath.Join(dir, "CLAUDE.md")
	if _, err := os.Stat(claudeMD); os.IsNotExist(err) {
		defaultContent := "# Team Instructions\n\nThis file is loaded by every agent.\n"
		if err := os.WriteFile(claudeMD, []byte(defaultContent), 0o644); err != nil {
			return fmt.Errorf("create global CLAUDE.md: %w", err)
		}
	}

	return nil
}
