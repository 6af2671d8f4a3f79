package store

import (
	"database/sql"
	"fmt"

	"github.com/mtzanidakis/bullpen/internal/toolset"
)

// GetAgentToolset returns the raw tool policy JSON for an agent, "{}" when
// none is stored.
func (s *Store) GetAgentToolset(agentID string) (string, error) {
	var tools sql.NullString
	err := s.db.QueryRow(`SELECT tools FROM agents WHERE id = ?`, agentID).Scan(&tools)
	if err == sql.ErrNoRows {
		return "{}", nil
	}
	if err != nil {
		return "", fmt.Errorf("get agent toolset: %w", err)
	}
	if !tools.Valid || tools.String == "" {
		return "{}", nil
	}
	return tools.String, nil
}

// SetAgentToolset validates and stores the tool policy JSON for an agent.
func (s *Store) SetAgentToolset(agentID, toolsJSON string) error {
	ts, err := toolset.Parse(toolsJSON)
	if err != nil {
		return fmt.Errorf("parse toolset: %w", err)
	}
	if err := ts.Validate(); err != nil {
		return fmt.Errorf("validate toolset: %w", err)
	}

	result, err := s.db.Exec(
		`UPDATE agents SET tools = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`,
		toolsJSON, agentID)
	if err != nil {
		return fmt.Errorf("set agent toolset: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("agent not found: %s", agentID)
	}
	return nil
}
