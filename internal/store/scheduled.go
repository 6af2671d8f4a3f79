package store

import (
	"database/sql"
	"fmt"
	"time"
)

// ScheduledPost is a recurring message dropped into a channel on a
// schedule, typically a standup request. The scheduler owns next_run_at.
type ScheduledPost struct {
	ID         string     `json:"id"`
	ChannelID  string     `json:"channel_id"`
	Name       string     `json:"name"`
	Schedule   string     `json:"schedule"`
	Prompt     string     `json:"prompt"`
	Kind       string     `json:"kind"`
	Status     string     `json:"status"`
	NextRunAt  *time.Time `json:"next_run_at,omitempty"`
	LastRunAt  *time.Time `json:"last_run_at,omitempty"`
	LastStatus string     `json:"last_status,omitempty"`
	LastError  string     `json:"last_error,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

const scheduledPostColumns = `id, channel_id, name, schedule, prompt, kind, status, next_run_at, last_run_at, last_status, last_error, created_at`

func scanScheduledPost(scanner interface {
	Scan(dest ...any) error
}) (*ScheduledPost, error) {
	p := &ScheduledPost{}
	var lastStatus, lastError *string
	err := scanner.Scan(&p.ID, &p.ChannelID, &p.Name, &p.Schedule, &p.Prompt, &p.Kind, &p.Status,
		&p.NextRunAt, &p.LastRunAt, &lastStatus, &lastError, &p.CreatedAt)
	if err != nil {
		return nil, err
	}
	if lastStatus != nil {
		p.LastStatus = *lastStatus
	}
	if lastError != nil {
		p.LastError = *lastError
	}
	return p, nil
}

func (s *Store) SaveScheduledPost(p *ScheduledPost) error {
	if p.Kind == "" {
		p.Kind = KindChat
	}
	if p.Status == "" {
		p.Status = "active"
	}
	_, err := s.db.Exec(`
		INSERT INTO scheduled_posts (id, channel_id, name, schedule, prompt, kind, status, next_run_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			channel_id = excluded.channel_id,
			name = excluded.name,
			schedule = excluded.schedule,
			prompt = excluded.prompt,
			kind = excluded.kind,
			status = excluded.status,
			next_run_at = excluded.next_run_at`,
		p.ID, p.ChannelID, p.Name, p.Schedule, p.Prompt, p.Kind, p.Status, p.NextRunAt)
	if err != nil {
		return fmt.Errorf("save scheduled post: %w", err)
	}
	return nil
}

func (s *Store) GetScheduledPost(id string) (*ScheduledPost, error) {
	row := s.db.QueryRow(`SELECT `+scheduledPostColumns+` FROM scheduled_posts WHERE id = ?`, id)
	p, err := scanScheduledPost(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get scheduled post: %w", err)
	}
	return p, nil
}

func (s *Store) ListScheduledPosts() ([]ScheduledPost, error) {
	rows, err := s.db.Query(`SELECT ` + scheduledPostColumns + ` FROM scheduled_posts ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list scheduled posts: %w", err)
	}
	defer rows.Close()

	var posts []ScheduledPost
	for rows.Next() {
		p, err := scanScheduledPost(rows)
		if err != nil {
			return nil, fmt.Errorf("scan scheduled post: %w", err)
		}
		posts = append(posts, *p)
	}
	return posts, rows.Err()
}

func (s *Store) GetDueScheduledPosts(now time.Time) ([]ScheduledPost, error) {
	rows, err := s.db.Query(`
		SELECT `+scheduledPostColumns+`
		FROM scheduled_posts
		WHERE status = 'active' AND next_run_at <= ?
		ORDER BY next_run_at`, now)
	if err != nil {
		return nil, fmt.Errorf("get due scheduled posts: %w", err)
	}
	defer rows.Close()

	var posts []ScheduledPost
	for rows.Next() {
		p, err := scanScheduledPost(rows)
		if err != nil {
			return nil, fmt.Errorf("scan scheduled post: %w", err)
		}
		posts = append(posts, *p)
	}
	return posts, rows.Err()
}

func (s *Store) UpdateScheduledPostRun(id string, lastStatus string, lastError string, nextRunAt *time.Time) error {
	_, err := s.db.Exec(`
		UPDATE scheduled_posts
		SET last_run_at = CURRENT_TIMESTAMP, last_status = ?, last_error = ?, next_run_at = ?
		WHERE id = ?`, lastStatus, lastError, nextRunAt, id)
	return err
}

func (s *Store) DeleteScheduledPost(id string) error {
	_, err := s.db.Exec(`DELETE FROM scheduled_posts WHERE id = ?`, id)
	return err
}
