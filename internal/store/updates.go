package store

import (
	"database/sql"
	"fmt"
	"time"
)

// Update is a short work-log entry an agent posts about itself. Recent
// updates are folded into that agent's standup prompt.
type Update struct {
	ID        int64     `json:"id"`
	AgentID   string    `json:"agent_id"`
	ChannelID string    `json:"channel_id,omitempty"`
	Summary   string    `json:"summary"`
	CreatedAt time.Time `json:"created_at"`
}

func (s *Store) SaveUpdate(u *Update) error {
	var channelID any
	if u.ChannelID != "" {
		channelID = u.ChannelID
	}
	result, err := s.db.Exec(`
		INSERT INTO updates (agent_id, channel_id, summary)
		VALUES (?, ?, ?)`,
		u.AgentID, channelID, u.Summary)
	if err != nil {
		return fmt.Errorf("save update: %w", err)
	}
	u.ID, _ = result.LastInsertId()
	return nil
}

func (s *Store) GetAgentUpdates(agentID string, limit int) ([]Update, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.Query(`
		SELECT id, agent_id, channel_id, summary, created_at
		FROM updates
		WHERE agent_id = ?
		ORDER BY id DESC
		LIMIT ?`, agentID, limit)
	if err != nil {
		return nil, fmt.Errorf("get agent updates: %w", err)
	}
	defer rows.Close()

	var updates []Update
	for rows.Next() {
		var u Update
		var channelID sql.NullString
		if err := rows.Scan(&u.ID, &u.AgentID, &channelID, &u.Summary, &u.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan update: %w", err)
		}
		u.ChannelID = channelID.String
		updates = append(updates, u)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Reverse to get chronological order
	for i, j := 0, len(updates)-1; i < j; i, j = i+1, j-1 {
		updates[i], updates[j] = updates[j], updates[i]
	}

	return updates, nil
}
