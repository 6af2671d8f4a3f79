package container

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	dockercontainer "github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/mtzanidakis/bullpen/internal/config"
)

const (
	labelPrefix = "bullpen"
	networkName = "bullpen-net"
)

type Manager struct {
	docker      *client.Client
	cfg         config.RuntimeConfig
	mu          sync.RWMutex
	active      map[string]*Info // agentID → container
	networkName string           // resolved network name
}

type Info struct {
	ID        string    `json:"id"`
	AgentID   string    `json:"agent_id"`
	Name      string    `json:"name"`
	Status    string    `json:"status"`
	StartedAt time.Time `json:"started_at"`
}

type AgentOpts struct {
	AgentID      string
	Role         string
	Model        string
	Prompt       string
	Workspace    string // host path to the agent's private workspace
	ChannelsPath string // host path to the shared channels tree
	GlobalPath   string // host path to the shared team directory
	SessionPath  string // host path holding the runner's session state
	NATSUrl      string
	Toolset      string            // resolved toolset JSON for the runner
	Env          map[string]string // extra per-agent env vars
	Secrets      map[string]string // decrypted secret name → value
	Mounts       []Mount
}

func NewManager(cfg config.RuntimeConfig) (*Manager, error) {
	docker, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}

	return &Manager{
		docker: docker,
		cfg:    cfg,
		active: make(map[string]*Info),
	}, nil
}

func (m *Manager) ensureNetwork(ctx context.Context) error {
	if m.networkName != "" {
		return nil
	}

	_, err := m.docker.NetworkInspect(ctx, networkName, network.InspectOptions{})
	if err == nil {
		m.networkName = networkName
		return nil
	}

	// Create it (for non-Compose runs like make dev)
	_, err = m.docker.NetworkCreate(ctx, networkName, network.CreateOptions{
		Driver: "bridge",
	})
	if err != nil {
		return fmt.Errorf("create network %s: %w", networkName, err)
	}
	m.networkName = networkName
	slog.Info("created docker network", "network", networkName)
	return nil
}

func (m *Manager) StartAgent(ctx context.Context, opts AgentOpts) (*Info, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.active[opts.AgentID]; ok {
		return existing, nil
	}

	if len(m.active) >= m.cfg.MaxContainers {
		return nil, fmt.Errorf("max containers (%d) reached", m.cfg.MaxContainers)
	}

	if err := m.ensureNetwork(ctx); err != nil {
		return nil, err
	}

	containerName := fmt.Sprintf("bullpen-agent-%s", opts.AgentID)

	// Remove any stale container with the same name
	timeout := 5
	_ = m.docker.ContainerStop(ctx, containerName, dockercontainer.StopOptions{Timeout: &timeout})
	_ = m.docker.ContainerRemove(ctx, containerName, dockercontainer.RemoveOptions{Force: true})

	env := []string{
		fmt.Sprintf("NATS_URL=%s", opts.NATSUrl),
		fmt.Sprintf("AGENT_ID=%s", opts.AgentID),
		fmt.Sprintf("AGENT_ROLE=%s", opts.Role),
	}
	if opts.Prompt != "" {
		env = append(env, fmt.Sprintf("AGENT_PROMPT=%s", opts.Prompt))
	}
	if m.cfg.AnthropicAPIKey != "" {
		env = append(env, fmt.Sprintf("ANTHROPIC_API_KEY=%s", m.cfg.AnthropicAPIKey))
	}
	if m.cfg.OAuthToken != "" {
		env = append(env, fmt.Sprintf("CLAUDE_CODE_OAUTH_TOKEN=%s", m.cfg.OAuthToken))
	}
	if model := opts.Model; model != "" {
		env = append(env, fmt.Sprintf("CLAUDE_MODEL=%s", model))
	} else if m.cfg.Model != "" {
		env = append(env, fmt.Sprintf("CLAUDE_MODEL=%s", m.cfg.Model))
	}
	if opts.Toolset != "" {
		env = append(env, fmt.Sprintf("AGENT_TOOLSET=%s", opts.Toolset))
	}
	if tz := os.Getenv("TZ"); tz != "" {
		env = append(env, fmt.Sprintf("TZ=%s", tz))
	}

	// Per-agent env vars
	for k, v := range opts.Env {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}

	// Vault secrets, already decrypted by the caller. Secret names double
	// as env var names so operators pick names like GITHUB_TOKEN.
	for name, value := range opts.Secrets {
		env = append(env, fmt.Sprintf("%s=%s", name, value))
	}

	mounts, err := buildMounts(opts)
	if err != nil {
		return nil, err
	}

	containerCfg := &dockercontainer.Config{
		Image:  m.cfg.Image,
		Env:    env,
		Labels: map[string]string{labelPrefix + ".managed": "true", labelPrefix + ".agent": opts.AgentID},
	}

	hostCfg := &dockercontainer.HostConfig{
		Binds:       mounts,
		NetworkMode: dockercontainer.NetworkMode(m.networkName),
	}

	networkCfg := &network.NetworkingConfig{}

	resp, err := m.docker.ContainerCreate(ctx, containerCfg, hostCfg, networkCfg, nil, containerName)
	if err != nil {
		return nil, fmt.Errorf("create container: %w", err)
	}

	if err := m.docker.ContainerStart(ctx, resp.ID, dockercontainer.StartOptions{}); err != nil {
		return nil, fmt.Errorf("start container: %w", err)
	}

	info := &Info{
		ID:        resp.ID,
		AgentID:   opts.AgentID,
		Name:      containerName,
		Status:    "running",
		StartedAt: time.Now(),
	}
	m.active[opts.AgentID] = info

	slog.Info("agent container started", "agent", opts.AgentID, "container", shortID(resp.ID))
	return info, nil
}

func (m *Manager) StopAgent(ctx context.Context, agentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	info, ok := m.active[agentID]
	if !ok {
		return nil
	}

	timeout := 10
	if err := m.docker.ContainerStop(ctx, info.ID, dockercontainer.StopOptions{Timeout: &timeout}); err != nil {
		slog.Warn("failed to stop container gracefully", "container", shortID(info.ID), "error", err)
	}

	if err := m.docker.ContainerRemove(ctx, info.ID, dockercontainer.RemoveOptions{Force: true}); err != nil {
		slog.Warn("failed to remove container", "container", shortID(info.ID), "error", err)
	}

	delete(m.active, agentID)
	slog.Info("agent container stopped", "agent", agentID)
	return nil
}

func (m *Manager) StopAll(ctx context.Context) {
	m.mu.RLock()
	agentIDs := make([]string, 0, len(m.active))
	for id := range m.active {
		agentIDs = append(agentIDs, id)
	}
	m.mu.RUnlock()

	for _, id := range agentIDs {
		_ = m.StopAgent(ctx, id)
	}
}

func (m *Manager) ListRunning() []Info {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]Info, 0, len(m.active))
	for _, info := range m.active {
		result = append(result, *info)
	}
	return result
}

func (m *Manager) GetRunning(agentID string) *Info {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if info, ok := m.active[agentID]; ok {
		return info
	}
	return nil
}

func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.active)
}

func (m *Manager) CleanupStale(ctx context.Context) error {
	filterArgs := filters.NewArgs()
	filterArgs.Add("label", labelPrefix+".managed=true")

	containers, err := m.docker.ContainerList(ctx, dockercontainer.ListOptions{
		All:     true,
		Filters: filterArgs,
	})
	if err != nil {
		return fmt.Errorf("list containers: %w", err)
	}

	m.mu.RLock()
	activeIDs := make(map[string]bool)
	for _, info := range m.active {
		activeIDs[info.ID] = true
	}
	m.mu.RUnlock()

	for _, c := range containers {
		if !activeIDs[c.ID] {
			slog.Info("cleaning up stale container", "container", shortID(c.ID))
			_ = m.docker.ContainerRemove(ctx, c.ID, dockercontainer.RemoveOptions{Force: true})
		}
	}
	return nil
}

func (m *Manager) BuildImage(ctx context.Context) error {
	return BuildAgentImage(ctx, m.docker, m.cfg.Image)
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
