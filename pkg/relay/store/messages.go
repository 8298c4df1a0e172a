// Package store – messages.go covers channel history, user memories, and
// profiles.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Message is one persisted chat message.
type Message struct {
	ID         string
	Platform   string
	ChannelID  string
	GuildID    string
	AuthorID   string
	AuthorName string
	Content    string
	FromBot    bool
	CreatedAt  time.Time
}

// SaveMessage persists one message. Duplicate IDs are ignored (platforms
// occasionally redeliver).
func (s *Store) SaveMessage(ctx context.Context, m *Message) error {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}

	query := `INSERT INTO messages (id, platform, channel_id, guild_id, author_id, author_name, content, from_bot, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?) ON CONFLICT (id) DO NOTHING`
	_, err := s.execContext(ctx, query,
		m.ID, m.Platform, m.ChannelID, m.GuildID, m.AuthorID, m.AuthorName,
		m.Content, boolToInt(m.FromBot), formatTime(m.CreatedAt))
	if err != nil {
		return fmt.Errorf("saving message: %w", err)
	}
	return nil
}

// RecentMessages returns up to limit messages in the channel created after
// since, oldest first.
func (s *Store) RecentMessages(ctx context.Context, channelID string, since time.Time, limit int) ([]*Message, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `SELECT id, platform, channel_id, guild_id, author_id, author_name, content, from_bot, created_at
		FROM messages WHERE channel_id = ? AND created_at > ?
		ORDER BY created_at DESC LIMIT ?`
	rows, err := s.queryContext(ctx, query, channelID, formatTime(since), limit)
	if err != nil {
		return nil, fmt.Errorf("querying recent messages: %w", err)
	}
	defer rows.Close()

	var out []*Message
	for rows.Next() {
		var m Message
		var fromBot int
		var createdAt string
		if err := rows.Scan(&m.ID, &m.Platform, &m.ChannelID, &m.GuildID,
			&m.AuthorID, &m.AuthorName, &m.Content, &fromBot, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning message: %w", err)
		}
		m.FromBot = fromBot != 0
		if m.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, fmt.Errorf("parsing message timestamp: %w", err)
		}
		out = append(out, &m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Reverse newest-first query order into chronological order.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// Memory is one persisted long-term user memory.
type Memory struct {
	ID        string
	UserID    string
	Content   string
	Embedding []byte
	CreatedAt time.Time
}

// SaveMemory persists one memory, optionally with a serialized embedding.
func (s *Store) SaveMemory(ctx context.Context, userID, content string, embedding []byte) (string, error) {
	id := uuid.NewString()
	query := `INSERT INTO memories (id, user_id, content, embedding, created_at) VALUES (?, ?, ?, ?, ?)`
	_, err := s.execContext(ctx, query, id, userID, content, embedding, formatTime(time.Now()))
	if err != nil {
		return "", fmt.Errorf("saving memory: %w", err)
	}
	return id, nil
}

// MemoriesForUser returns the user's memories, newest first.
func (s *Store) MemoriesForUser(ctx context.Context, userID string, limit int) ([]*Memory, error) {
	if limit <= 0 {
		limit = 20
	}

	query := `SELECT id, user_id, content, embedding, created_at
		FROM memories WHERE user_id = ? ORDER BY created_at DESC LIMIT ?`
	rows, err := s.queryContext(ctx, query, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying memories: %w", err)
	}
	defer rows.Close()

	var out []*Memory
	for rows.Next() {
		var m Memory
		var createdAt string
		if err := rows.Scan(&m.ID, &m.UserID, &m.Content, &m.Embedding, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning memory: %w", err)
		}
		if m.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, fmt.Errorf("parsing memory timestamp: %w", err)
		}
		out = append(out, &m)
	}
	return out, rows.Err()
}

// Profile is a user's stored identity and raw preferences JSON.
type Profile struct {
	UserID      string
	DisplayName string
	Preferences string
	UpdatedAt   time.Time
}

// UpsertProfile creates or updates a user's profile.
func (s *Store) UpsertProfile(ctx context.Context, p *Profile) error {
	if p.Preferences == "" {
		p.Preferences = "{}"
	}

	query := `INSERT INTO profiles (user_id, display_name, preferences, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (user_id) DO UPDATE SET
			display_name = excluded.display_name,
			preferences  = excluded.preferences,
			updated_at   = excluded.updated_at`
	_, err := s.execContext(ctx, query, p.UserID, p.DisplayName, p.Preferences, formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("upserting profile: %w", err)
	}
	return nil
}

// GetProfile returns a user's profile or nil when absent.
func (s *Store) GetProfile(ctx context.Context, userID string) (*Profile, error) {
	query := `SELECT user_id, display_name, preferences, updated_at FROM profiles WHERE user_id = ?`

	var p Profile
	var updatedAt string
	err := s.queryRowContext(ctx, query, userID).Scan(&p.UserID, &p.DisplayName, &p.Preferences, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying profile: %w", err)
	}
	if p.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("parsing profile timestamp: %w", err)
	}
	return &p, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
