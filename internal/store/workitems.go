package store

import (
	"database/sql"
	"fmt"
	"time"
)

// Work item statuses.
const (
	ItemOpen       = "open"
	ItemInProgress = "in_progress"
	ItemDone       = "done"
	ItemDropped    = "dropped"
)

// WorkItem is a unit of assigned work. Closing one with a reviewer score is
// the outcome event that feeds the incentive engine.
type WorkItem struct {
	ID           string     `json:"id"`
	ChannelID    string     `json:"channel_id,omitempty"`
	Title        string     `json:"title"`
	Description  string     `json:"description,omitempty"`
	AssignedTo   string     `json:"assigned_to,omitempty"`
	CreatedBy    string     `json:"created_by,omitempty"`
	Status       string     `json:"status"`
	Priority     int        `json:"priority"`
	QualityScore *float64   `json:"quality_score,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

const workItemColumns = `id, channel_id, title, description, assigned_to, created_by, status, priority, quality_score, completed_at, created_at, updated_at`

func scanWorkItem(scanner interface {
	Scan(dest ...any) error
}) (*WorkItem, error) {
	w := &WorkItem{}
	var channelID, description, assignedTo, createdBy sql.NullString
	err := scanner.Scan(&w.ID, &channelID, &w.Title, &description, &assignedTo, &createdBy,
		&w.Status, &w.Priority, &w.QualityScore, &w.CompletedAt, &w.CreatedAt, &w.UpdatedAt)
	if err != nil {
		return nil, err
	}
	w.ChannelID = channelID.String
	w.Description = description.String
	w.AssignedTo = assignedTo.String
	w.CreatedBy = createdBy.String
	return w, nil
}

func (s *Store) SaveWorkItem(w *WorkItem) error {
	if w.Status == "" {
		w.Status = ItemOpen
	}
	_, err := s.db.Exec(`
		INSERT INTO work_items (id, channel_id, title, description, assigned_to, created_by, status, priority, quality_score, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			channel_id = excluded.channel_id,
			title = excluded.title,
			description = excluded.description,
			assigned_to = excluded.assigned_to,
			status = excluded.status,
			priority = excluded.priority,
			quality_score = excluded.quality_score,
			completed_at = excluded.completed_at,
			updated_at = CURRENT_TIMESTAMP`,
		w.ID, w.ChannelID, w.Title, w.Description, w.AssignedTo, w.CreatedBy, w.Status, w.Priority, w.QualityScore, w.CompletedAt)
	if err != nil {
		return fmt.Errorf("save work item: %w", err)
	}
	return nil
}

func (s *Store) GetWorkItem(id string) (*WorkItem, error) {
	row := s.db.QueryRow(`SELECT `+workItemColumns+` FROM work_items WHERE id = ?`, id)
	w, err := scanWorkItem(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get work item: %w", err)
	}
	return w, nil
}

// ListWorkItems filters by status and/or assignee; empty strings match all.
func (s *Store) ListWorkItems(status, assignedTo string) ([]WorkItem, error) {
	query := `SELECT ` + workItemColumns + ` FROM work_items WHERE 1=1`
	var args []any
	if status != "" {
		query += ` AND status = ?`
		args = append(args, status)
	}
	if assignedTo != "" {
		query += ` AND assigned_to = ?`
		args = append(args, assignedTo)
	}
	query += ` ORDER BY priority DESC, created_at`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list work items: %w", err)
	}
	defer rows.Close()

	var items []WorkItem
	for rows.Next() {
		w, err := scanWorkItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scan work item: %w", err)
		}
		items = append(items, *w)
	}
	return items, rows.Err()
}

func (s *Store) DeleteWorkItem(id string) error {
	_, err := s.db.Exec(`DELETE FROM work_items WHERE id = ?`, id)
	return err
}
