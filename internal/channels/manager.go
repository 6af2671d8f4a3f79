package channels

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/mtzanidakis/bullpen/internal/config"
	"github.com/mtzanidakis/bullpen/internal/store"
)

// Manager owns channel provisioning: seeded project channels from config,
// one DM channel per agent, and the shared workspace directory behind each
// channel.
type Manager struct {
	store    *store.Store
	basePath string
	cfg      config.ChannelsConfig
}

func NewManager(s *store.Store, cfg config.ChannelsConfig) *Manager {
	return &Manager{
		store:    s,
		basePath: cfg.BasePath,
		cfg:      cfg,
	}
}

// Seed creates the configured project channels and their memberships.
// Existing channels are updated in place; members are only ever added, so
// pause state survives a reseed.
func (m *Manager) Seed() error {
	for _, def := range m.cfg.Seed {
		id := channelID(def.Name)
		ch := &store.Channel{
			ID:          id,
			Name:        def.Name,
			Description: def.Description,
			Kind:        store.ChannelProject,
			Coordinator: strings.ToLower(def.Coordinator),
		}
		if err := m.Register(ch); err != nil {
			return fmt.Errorf("seed channel %s: %w", def.Name, err)
		}

		members := def.Members
		if ch.Coordinator != "" && !containsFold(members, ch.Coordinator) {
			members = append(members, ch.Coordinator)
		}
		for _, agentID := range members {
			if err := m.store.AddMember(id, strings.ToLower(agentID)); err != nil {
				return fmt.Errorf("add %s to %s: %w", agentID, def.Name, err)
			}
		}
	}
	return nil
}

// EnsureDM provisions the direct channel between the human and one agent.
// The agent is its only member, which puts the channel in 1:1 mode.
func (m *Manager) EnsureDM(agent *store.Agent) error {
	id := "dm-" + agent.ID
	existing, err := m.store.GetChannel(id)
	if err != nil {
		return fmt.Errorf("check dm channel: %w", err)
	}
	if existing == nil {
		ch := &store.Channel{
			ID:        id,
			Name:      id,
			Kind:      store.ChannelDM,
			DMAgentID: agent.ID,
		}
		if err := m.Register(ch); err != nil {
			return fmt.Errorf("create dm channel: %w", err)
		}
	}
	return m.store.AddMember(id, agent.ID)
}

func (m *Manager) Register(ch *store.Channel) error {
	if err := m.EnsureDirectories(ch.ID); err != nil {
		return fmt.Errorf("ensure directories: %w", err)
	}
	return m.store.SaveChannel(ch)
}

func (m *Manager) Get(id string) (*store.Channel, error) {
	return m.store.GetChannel(id)
}

func (m *Manager) GetByName(name string) (*store.Channel, error) {
	return m.store.GetChannelByName(name)
}

func (m *Manager) List() ([]store.Channel, error) {
	return m.store.ListChannels()
}

// GetNotes reads the channel's shared NOTES.md, empty if absent.
func (m *Manager) GetNotes(channelID string) (string, error) {
	path := filepath.Join(m.basePath, "channels", channelID, "NOTES.md")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", err
	}
	return string(data), nil
}

func (m *Manager) EnsureDirectories(channelID string) error {
	dir := filepath.Join(m.basePath, "channels", channelID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create channel dir: %w", err)
	}

	notes := filepath.Join(dir, "NOTES.md")
	if _, err := os.Stat(notes); os.IsNotExist(err) {
		if err := os.WriteFile(notes, []byte("# Channel Notes\n\nShared notes for everyone in this channel.\n"), 0o644); err != nil {
			return fmt.Errorf("create NOTES.md: %w", err)
		}
	}
	return nil
}

func (m *Manager) ChannelPath(channelID string) string {
	return filepath.Join(m.basePath, "channels", channelID)
}

// Root is the directory holding every channel's shared files. Agent
// containers mount it whole so one container serves all memberships.
func (m *Manager) Root() string {
	return filepath.Join(m.basePath, "channels")
}

func channelID(name string) string {
	return strings.ToLower(strings.ReplaceAll(strings.TrimSpace(name), " ", "-"))
}

func containsFold(list []string, want string) bool {
	for _, v := range list {
		if strings.EqualFold(v, want) {
			return true
		}
	}
	return false
}
