package store

import (
	"database/sql"
	"fmt"
	"time"
)

const (
	ChannelProject = "project"
	ChannelDM      = "dm"
)

type Channel struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Kind        string    `json:"kind"`
	DMAgentID   string    `json:"dm_agent_id,omitempty"`
	Coordinator string    `json:"coordinator,omitempty"`
	Archived    bool      `json:"archived"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Member is the per-channel per-agent pause relation. Join order is kept so
// broadcast fan-out is deterministic.
type Member struct {
	ChannelID string    `json:"channel_id"`
	AgentID   string    `json:"agent_id"`
	Paused    bool      `json:"paused"`
	JoinedAt  time.Time `json:"joined_at"`
}

const channelColumns = `id, name, description, kind, dm_agent_id, coordinator, archived, created_at, updated_at`

func scanChannel(scanner interface {
	Scan(dest ...any) error
}) (*Channel, error) {
	c := &Channel{}
	var description, dmAgent, coordinator sql.NullString
	err := scanner.Scan(&c.ID, &c.Name, &description, &c.Kind, &dmAgent, &coordinator, &c.Archived, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	c.Description = description.String
	c.DMAgentID = dmAgent.String
	c.Coordinator = coordinator.String
	return c, nil
}

func (s *Store) SaveChannel(c *Channel) error {
	if c.Kind == "" {
		c.Kind = ChannelProject
	}
	_, err := s.db.Exec(`
		INSERT INTO channels (id, name, description, kind, dm_agent_id, coordinator, archived, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			description = excluded.description,
			kind = excluded.kind,
			dm_agent_id = excluded.dm_agent_id,
			coordinator = excluded.coordinator,
			archived = excluded.archived,
			updated_at = CURRENT_TIMESTAMP`,
		c.ID, c.Name, c.Description, c.Kind, c.DMAgentID, c.Coordinator, c.Archived)
	if err != nil {
		return fmt.Errorf("save channel: %w", err)
	}
	return nil
}

func (s *Store) GetChannel(id string) (*Channel, error) {
	row := s.db.QueryRow(`SELECT `+channelColumns+` FROM channels WHERE id = ?`, id)
	c, err := scanChannel(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get channel: %w", err)
	}
	return c, nil
}

func (s *Store) GetChannelByName(name string) (*Channel, error) {
	row := s.db.QueryRow(`SELECT `+channelColumns+` FROM channels WHERE name = ?`, name)
	c, err := scanChannel(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get channel by name: %w", err)
	}
	return c, nil
}

func (s *Store) ListChannels() ([]Channel, error) {
	rows, err := s.db.Query(`SELECT ` + channelColumns + ` FROM channels ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list channels: %w", err)
	}
	defer rows.Close()

	var channels []Channel
	for rows.Next() {
		c, err := scanChannel(rows)
		if err != nil {
			return nil, fmt.Errorf("scan channel: %w", err)
		}
		channels = append(channels, *c)
	}
	return channels, rows.Err()
}

func (s *Store) AddMember(channelID, agentID string) error {
	_, err := s.db.Exec(`
		INSERT INTO members (channel_id, agent_id)
		VALUES (?, ?)
		ON CONFLICT(channel_id, agent_id) DO NOTHING`,
		channelID, agentID)
	if err != nil {
		return fmt.Errorf("add member: %w", err)
	}
	return nil
}

// GetMembers returns the channel membership in join order (rowid breaks
// same-timestamp ties so ordering is stable).
func (s *Store) GetMembers(channelID string) ([]Member, error) {
	rows, err := s.db.Query(`
		SELECT channel_id, agent_id, paused, joined_at
		FROM members
		WHERE channel_id = ?
		ORDER BY joined_at, rowid`, channelID)
	if err != nil {
		return nil, fmt.Errorf("get members: %w", err)
	}
	defer rows.Close()

	var members []Member
	for rows.Next() {
		var m Member
		if err := rows.Scan(&m.ChannelID, &m.AgentID, &m.Paused, &m.JoinedAt); err != nil {
			return nil, fmt.Errorf("scan member: %w", err)
		}
		members = append(members, m)
	}
	return members, rows.Err()
}

func (s *Store) GetMember(channelID, agentID string) (*Member, error) {
	m := &Member{}
	err := s.db.QueryRow(`
		SELECT channel_id, agent_id, paused, joined_at
		FROM members
		WHERE channel_id = ? AND agent_id = ?`, channelID, agentID).
		Scan(&m.ChannelID, &m.AgentID, &m.Paused, &m.JoinedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get member: %w", err)
	}
	return m, nil
}

// GetAgentMemberships returns every membership row for one agent.
func (s *Store) GetAgentMemberships(agentID string) ([]Member, error) {
	rows, err := s.db.Query(`
		SELECT channel_id, agent_id, paused, joined_at
		FROM members
		WHERE agent_id = ?
		ORDER BY joined_at, rowid`, agentID)
	if err != nil {
		return nil, fmt.Errorf("get agent memberships: %w", err)
	}
	defer rows.Close()

	var members []Member
	for rows.Next() {
		var m Member
		if err := rows.Scan(&m.ChannelID, &m.AgentID, &m.Paused, &m.JoinedAt); err != nil {
			return nil, fmt.Errorf("scan member: %w", err)
		}
		members = append(members, m)
	}
	return members, rows.Err()
}

func (s *Store) SetMemberPaused(channelID, agentID string, paused bool) error {
	res, err := s.db.Exec(`UPDATE members SET paused = ? WHERE channel_id = ? AND agent_id = ?`,
		paused, channelID, agentID)
	if err != nil {
		return fmt.Errorf("set member paused: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("set member paused: %q is not a member of %q", agentID, channelID)
	}
	return nil
}

// PauseAllMembersExcept flips every membership in the channel in one
// statement: the kept agent unpaused, everyone else paused.
func (s *Store) PauseAllMembersExcept(channelID, keepAgentID string) error {
	_, err := s.db.Exec(`UPDATE members SET paused = (agent_id != ?) WHERE channel_id = ?`,
		keepAgentID, channelID)
	if err != nil {
		return fmt.Errorf("pause members: %w", err)
	}
	return nil
}

func (s *Store) UnpauseAllMembers(channelID string) error {
	_, err := s.db.Exec(`UPDATE members SET paused = FALSE WHERE channel_id = ?`, channelID)
	if err != nil {
		return fmt.Errorf("unpause members: %w", err)
	}
	return nil
}

// PauseAgentEverywhere sets the pause flag on all of the agent's
// memberships. Termination is exactly this plus a status change.
func (s *Store) PauseAgentEverywhere(agentID string) error {
	_, err := s.db.Exec(`UPDATE members SET paused = TRUE WHERE agent_id = ?`, agentID)
	if err != nil {
		return fmt.Errorf("pause agent everywhere: %w", err)
	}
	return nil
}

// UnpauseAgentEverywhere clears the pause flag on all of the agent's
// memberships, undoing a termination pause on reinstatement.
func (s *Store) UnpauseAgentEverywhere(agentID string) error {
	_, err := s.db.Exec(`UPDATE members SET paused = FALSE WHERE agent_id = ?`, agentID)
	if err != nil {
		return fmt.Errorf("unpause agent everywhere: %w", err)
	}
	return nil
}
