package store

import (
	"encoding/json"
	"fmt"
	"time"
)

// Message sender kinds.
const (
	SenderHuman  = "human"
	SenderAgent  = "agent"
	SenderSystem = "system"
)

// Message kinds.
const (
	KindChat            = "chat"
	KindCommand         = "command"
	KindStandupRequest  = "standup_request"
	KindStandupResponse = "standup_response"
	KindSystem          = "system"
)

type Message struct {
	ID         int64     `json:"id"`
	ChannelID  string    `json:"channel_id"`
	SenderID   string    `json:"sender_id"`
	SenderKind string    `json:"sender_kind"`
	Kind       string    `json:"kind"`
	Content    string    `json:"content"`
	Mentions   []string  `json:"mentions,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

func (s *Store) SaveMessage(msg *Message) error {
	if msg.Kind == "" {
		msg.Kind = KindChat
	}
	var mentions any
	if len(msg.Mentions) > 0 {
		data, err := json.Marshal(msg.Mentions)
		if err != nil {
			return fmt.Errorf("marshal mentions: %w", err)
		}
		mentions = string(data)
	}
	result, err := s.db.Exec(`
		INSERT INTO messages (channel_id, sender_id, sender_kind, kind, content, mentions)
		VALUES (?, ?, ?, ?, ?, ?)`,
		msg.ChannelID, msg.SenderID, msg.SenderKind, msg.Kind, msg.Content, mentions)
	if err != nil {
		return fmt.Errorf("save message: %w", err)
	}
	msg.ID, _ = result.LastInsertId()
	return nil
}

func scanMessage(scanner interface {
	Scan(dest ...any) error
}) (*Message, error) {
	m := &Message{}
	var mentions *string
	err := scanner.Scan(&m.ID, &m.ChannelID, &m.SenderID, &m.SenderKind, &m.Kind, &m.Content, &mentions, &m.CreatedAt)
	if err != nil {
		return nil, err
	}
	if mentions != nil && *mentions != "" {
		if err := json.Unmarshal([]byte(*mentions), &m.Mentions); err != nil {
			return nil, fmt.Errorf("unmarshal mentions: %w", err)
		}
	}
	return m, nil
}

const messageColumns = `id, channel_id, sender_id, sender_kind, kind, content, mentions, created_at`

// GetMessages returns up to limit messages for a channel in chronological
// order (most recent window).
func (s *Store) GetMessages(channelID string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`
		SELECT `+messageColumns+`
		FROM messages
		WHERE channel_id = ?
		ORDER BY id DESC
		LIMIT ?`, channelID, limit)
	if err != nil {
		return nil, fmt.Errorf("get messages: %w", err)
	}
	defer rows.Close()

	var messages []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		messages = append(messages, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Reverse to get chronological order
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}

	return messages, nil
}

func (s *Store) GetRecentMessages(limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`
		SELECT `+messageColumns+`
		FROM messages
		ORDER BY id DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("get recent messages: %w", err)
	}
	defer rows.Close()

	var messages []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		messages = append(messages, *m)
	}
	return messages, rows.Err()
}

type ChannelMessageStats struct {
	ChannelID    string
	MessageCount int
	LastActive   time.Time
}

func (s *Store) GetChannelMessageStats() (map[string]ChannelMessageStats, error) {
	rows, err := s.db.Query(`
		SELECT channel_id, COUNT(*) as cnt, COALESCE(MAX(created_at), '') as last_active
		FROM messages
		GROUP BY channel_id`)
	if err != nil {
		return nil, fmt.Errorf("get channel message stats: %w", err)
	}
	defer rows.Close()

	stats := make(map[string]ChannelMessageStats)
	for rows.Next() {
		var cs ChannelMessageStats
		var lastActive string
		if err := rows.Scan(&cs.ChannelID, &cs.MessageCount, &lastActive); err != nil {
			return nil, fmt.Errorf("scan channel stats: %w", err)
		}
		if lastActive != "" {
			cs.LastActive, _ = time.Parse("2006-01-02 15:04:05", lastActive)
		}
		stats[cs.ChannelID] = cs
	}
	return stats, rows.Err()
}
