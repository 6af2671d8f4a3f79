package store

import (
	"database/sql"
	"fmt"
	"time"
)

// Reward ledger kinds.
const (
	RewardSalary  = "salary"
	RewardBonus   = "bonus"
	RewardPenalty = "penalty"
)

// Economy event kinds.
const (
	EventActivity      = "activity"
	EventOutcome       = "outcome"
	EventWarning       = "warning"
	EventTermination   = "termination"
	EventReinstated    = "reinstated"
	EventBudgetBlocked = "budget_blocked"
	EventBudgetReset   = "budget_reset"
)

// Reward is one salary/bonus/penalty ledger entry.
type Reward struct {
	ID        string    `json:"id"`
	AgentID   string    `json:"agent_id"`
	Kind      string    `json:"kind"`
	Amount    int64     `json:"amount"`
	Reason    string    `json:"reason,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// EconomyEvent is the append-only audit trail of incentive decisions.
type EconomyEvent struct {
	ID        int64     `json:"id"`
	AgentID   string    `json:"agent_id"`
	Kind      string    `json:"kind"`
	Tokens    int64     `json:"tokens,omitempty"`
	Score     *float64  `json:"score,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

func (s *Store) SaveReward(r *Reward) error {
	_, err := s.db.Exec(`
		INSERT INTO rewards (id, agent_id, kind, amount, reason)
		VALUES (?, ?, ?, ?, ?)`,
		r.ID, r.AgentID, r.Kind, r.Amount, r.Reason)
	if err != nil {
		return fmt.Errorf("save reward: %w", err)
	}
	return nil
}

func (s *Store) ListRewards(agentID string, limit int) ([]Reward, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`
		SELECT id, agent_id, kind, amount, reason, created_at
		FROM rewards
		WHERE agent_id = ?
		ORDER BY created_at DESC
		LIMIT ?`, agentID, limit)
	if err != nil {
		return nil, fmt.Errorf("list rewards: %w", err)
	}
	defer rows.Close()

	var rewards []Reward
	for rows.Next() {
		var r Reward
		var reason sql.NullString
		if err := rows.Scan(&r.ID, &r.AgentID, &r.Kind, &r.Amount, &reason, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan reward: %w", err)
		}
		r.Reason = reason.String
		rewards = append(rewards, r)
	}
	return rewards, rows.Err()
}

func (s *Store) SaveEconomyEvent(e *EconomyEvent) error {
	result, err := s.db.Exec(`
		INSERT INTO economy_events (agent_id, kind, tokens, score, detail)
		VALUES (?, ?, ?, ?, ?)`,
		e.AgentID, e.Kind, e.Tokens, e.Score, e.Detail)
	if err != nil {
		return fmt.Errorf("save economy event: %w", err)
	}
	e.ID, _ = result.LastInsertId()
	return nil
}

func (s *Store) ListEconomyEvents(agentID string, limit int) ([]EconomyEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`
		SELECT id, agent_id, kind, tokens, score, detail, created_at
		FROM economy_events
		WHERE agent_id = ?
		ORDER BY id DESC
		LIMIT ?`, agentID, limit)
	if err != nil {
		return nil, fmt.Errorf("list economy events: %w", err)
	}
	defer rows.Close()

	var events []EconomyEvent
	for rows.Next() {
		var e EconomyEvent
		var detail sql.NullString
		if err := rows.Scan(&e.ID, &e.AgentID, &e.Kind, &e.Tokens, &e.Score, &detail, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan economy event: %w", err)
		}
		e.Detail = detail.String
		events = append(events, e)
	}
	return events, rows.Err()
}
