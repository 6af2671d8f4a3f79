package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Agent lifecycle statuses. Terminated agents are never deleted; their
// history stays queryable and reinstatement is a status change.
const (
	AgentActive     = "active"
	AgentPaused     = "paused"
	AgentTerminated = "terminated"
)

type Agent struct {
	ID               string          `json:"id"`
	Name             string          `json:"name"`
	Role             string          `json:"role"`
	Status           string          `json:"status"`
	Model            string          `json:"model,omitempty"`
	Workspace        string          `json:"workspace,omitempty"`
	Prompt           string          `json:"prompt,omitempty"`
	Tools            json.RawMessage `json:"tools,omitempty"`
	SalaryBalance    int64           `json:"salary_balance"`
	PerformanceScore float64         `json:"performance_score"`
	TokenBudget      int64           `json:"token_budget"`
	LowStreak        int             `json:"low_streak"`
	Learnings        string          `json:"learnings,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

const agentColumns = `id, name, role, status, model, workspace, prompt, tools, salary_balance, performance_score, token_budget, low_streak, learnings, created_at, updated_at`

func scanAgent(scanner interface {
	Scan(dest ...any) error
}) (*Agent, error) {
	a := &Agent{}
	var model, workspace, prompt, tools, learnings sql.NullString
	err := scanner.Scan(&a.ID, &a.Name, &a.Role, &a.Status, &model, &workspace, &prompt, &tools,
		&a.SalaryBalance, &a.PerformanceScore, &a.TokenBudget, &a.LowStreak, &learnings, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	a.Model = model.String
	a.Workspace = workspace.String
	a.Prompt = prompt.String
	a.Learnings = learnings.String
	if tools.Valid && tools.String != "" {
		a.Tools = json.RawMessage(tools.String)
	}
	return a, nil
}

// SaveAgent upserts the definition fields of an agent. Economy state
// (salary, score, budget, streak) and lifecycle status are not touched on
// update; those belong to the incentive engine.
func (s *Store) SaveAgent(a *Agent) error {
	_, err := s.db.Exec(`
		INSERT INTO agents (id, name, role, status, model, workspace, prompt, tools, token_budget, performance_score, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			role = excluded.role,
			model = excluded.model,
			workspace = excluded.workspace,
			prompt = excluded.prompt,
			tools = excluded.tools,
			updated_at = CURRENT_TIMESTAMP`,
		a.ID, a.Name, a.Role, a.Status, a.Model, a.Workspace, a.Prompt, nullableJSON(a.Tools), a.TokenBudget, a.PerformanceScore)
	if err != nil {
		return fmt.Errorf("save agent: %w", err)
	}
	return nil
}

func nullableJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

func (s *Store) GetAgent(id string) (*Agent, error) {
	row := s.db.QueryRow(`SELECT `+agentColumns+` FROM agents WHERE id = ?`, id)
	a, err := scanAgent(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get agent: %w", err)
	}
	return a, nil
}

func (s *Store) ListAgents() ([]Agent, error) {
	rows, err := s.db.Query(`SELECT ` + agentColumns + ` FROM agents ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	var agents []Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		agents = append(agents, *a)
	}
	return agents, rows.Err()
}

func (s *Store) SetAgentStatus(id, status string) error {
	res, err := s.db.Exec(`UPDATE agents SET status = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`, status, id)
	if err != nil {
		return fmt.Errorf("set agent status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("set agent status: agent %q not found", id)
	}
	return nil
}

// UpdateAgentEconomy writes the full economy snapshot for an agent in one
// statement so readers never observe a half-applied update.
func (s *Store) UpdateAgentEconomy(id string, salary int64, score float64, budget int64, streak int) error {
	res, err := s.db.Exec(`
		UPDATE agents
		SET salary_balance = ?, performance_score = ?, token_budget = ?, low_streak = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?`,
		salary, score, budget, streak, id)
	if err != nil {
		return fmt.Errorf("update agent economy: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("update agent economy: agent %q not found", id)
	}
	return nil
}

func (s *Store) AppendAgentLearnings(id, text string) error {
	_, err := s.db.Exec(`
		UPDATE agents
		SET learnings = CASE WHEN learnings = '' THEN ? ELSE learnings || char(10) || ? END,
		    updated_at = CURRENT_TIMESTAMP
		WHERE id = ?`,
		text, text, id)
	if err != nil {
		return fmt.Errorf("append agent learnings: %w", err)
	}
	return nil
}

func (s *Store) DeleteAgentsNotIn(ids []string) error {
	if len(ids) == 0 {
		_, err := s.db.Exec(`DELETE FROM agents`)
		return err
	}
	query := `DELETE FROM agents WHERE id NOT IN (`
	args := make([]any, len(ids))
	for i, id := range ids {
		if i > 0 {
			query += ","
		}
		query += "?"
		args[i] = id
	}
	query += ")"
	_, err := s.db.Exec(query, args...)
	return err
}
