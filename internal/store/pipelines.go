package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Pipeline run statuses. Running is the only non-terminal state.
const (
	RunRunning   = "running"
	RunSucceeded = "succeeded"
	RunFailed    = "failed"
)

type PipelineRun struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	ChannelID   string          `json:"channel_id"`
	Status      string          `json:"status"`
	CurrentStep int             `json:"current_step"`
	Context     json.RawMessage `json:"context,omitempty"`
	Steps       json.RawMessage `json:"steps,omitempty"`
	Error       string          `json:"error,omitempty"`
	StartedAt   time.Time       `json:"started_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}

const pipelineRunColumns = `id, name, channel_id, status, current_step, context, steps, error, started_at, completed_at`

func scanPipelineRun(scanner interface {
	Scan(dest ...any) error
}) (*PipelineRun, error) {
	r := &PipelineRun{}
	var context, steps, errText *string
	err := scanner.Scan(&r.ID, &r.Name, &r.ChannelID, &r.Status, &r.CurrentStep, &context, &steps, &errText, &r.StartedAt, &r.CompletedAt)
	if err != nil {
		return nil, err
	}
	if context != nil {
		r.Context = json.RawMessage(*context)
	}
	if steps != nil {
		r.Steps = json.RawMessage(*steps)
	}
	if errText != nil {
		r.Error = *errText
	}
	return r, nil
}

func (s *Store) SavePipelineRun(r *PipelineRun) error {
	_, err := s.db.Exec(`
		INSERT INTO pipeline_runs (id, name, channel_id, status, current_step, context, steps, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			current_step = excluded.current_step,
			context = excluded.context,
			steps = excluded.steps,
			error = excluded.error,
			completed_at = CASE WHEN excluded.status IN ('succeeded', 'failed') THEN CURRENT_TIMESTAMP ELSE completed_at END`,
		r.ID, r.Name, r.ChannelID, r.Status, r.CurrentStep, nullableJSON(r.Context), nullableJSON(r.Steps), r.Error)
	if err != nil {
		return fmt.Errorf("save pipeline run: %w", err)
	}
	return nil
}

func (s *Store) GetPipelineRun(id string) (*PipelineRun, error) {
	row := s.db.QueryRow(`SELECT `+pipelineRunColumns+` FROM pipeline_runs WHERE id = ?`, id)
	r, err := scanPipelineRun(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get pipeline run: %w", err)
	}
	return r, nil
}

func (s *Store) ListPipelineRuns(limit int) ([]PipelineRun, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`SELECT `+pipelineRunColumns+` FROM pipeline_runs ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list pipeline runs: %w", err)
	}
	defer rows.Close()

	var runs []PipelineRun
	for rows.Next() {
		r, err := scanPipelineRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan pipeline run: %w", err)
		}
		runs = append(runs, *r)
	}
	return runs, rows.Err()
}

func (s *Store) ListRunningPipelineRuns() ([]PipelineRun, error) {
	rows, err := s.db.Query(`SELECT ` + pipelineRunColumns + ` FROM pipeline_runs WHERE status = 'running' ORDER BY started_at`)
	if err != nil {
		return nil, fmt.Errorf("list running pipeline runs: %w", err)
	}
	defer rows.Close()

	var runs []PipelineRun
	for rows.Next() {
		r, err := scanPipelineRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan pipeline run: %w", err)
		}
		runs = append(runs, *r)
	}
	return runs, rows.Err()
}
