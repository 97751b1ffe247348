package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/envoyhq/envoy/internal/providers"
)

// ErrNotFound is returned when a looked-up entity does not exist.
var ErrNotFound = errors.New("not found")

// Session is one conversation's identity row. ConversationState lives in a
// JSON column on the same row and is loaded separately.
type Session struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Message is one human-readable transcript row, used for UI history
// rendering only. Model replay uses the conversation state instead.
type Message struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

const sessionTitleMax = 40

// TitleFromMessage derives a session title from the first user message.
func TitleFromMessage(msg string) string {
	runes := []rune(msg)
	if len(runes) <= sessionTitleMax {
		return msg
	}
	return string(runes[:sessionTitleMax]) + "…"
}

// CreateSession inserts a new session. Empty id generates one.
func (s *Store) CreateSession(id string) (*Session, error) {
	if id == "" {
		id = uuid.NewString()
	}
	now := time.Now().UTC()
	_, err := s.db.Exec(
		`INSERT INTO sessions (id, title, conversation_state, created_at, updated_at) VALUES (?, 'New chat', '', ?, ?)`,
		id, now, now,
	)
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	return &Session{ID: id, Title: "New chat", CreatedAt: now, UpdatedAt: now}, nil
}

// GetOrCreateSession returns the existing session or creates it.
func (s *Store) GetOrCreateSession(id string) (*Session, error) {
	if id == "" {
		return s.CreateSession("")
	}
	sess, err := s.GetSession(id)
	if errors.Is(err, ErrNotFound) {
		return s.CreateSession(id)
	}
	return sess, err
}

func (s *Store) GetSession(id string) (*Session, error) {
	row := s.db.QueryRow(`SELECT id, title, created_at, updated_at FROM sessions WHERE id = ?`, id)
	var sess Session
	if err := row.Scan(&sess.ID, &sess.Title, &sess.CreatedAt, &sess.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &sess, nil
}

func (s *Store) ListSessions() ([]Session, error) {
	rows, err := s.db.Query(`SELECT id, title, created_at, updated_at FROM sessions ORDER BY updated_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []Session
	for rows.Next() {
		var sess Session
		if err := rows.Scan(&sess.ID, &sess.Title, &sess.CreatedAt, &sess.UpdatedAt); err != nil {
			return nil, err
		}
		result = append(result, sess)
	}
	return result, rows.Err()
}

// DeleteSession removes a session; its transcript rows cascade.
func (s *Store) DeleteSession(id string) error {
	res, err := s.db.Exec(`DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetTitleFromFirstMessage sets the title from the first user message, only
// while the title is still the default.
func (s *Store) SetTitleFromFirstMessage(id, userMessage string) error {
	_, err := s.db.Exec(
		`UPDATE sessions SET title = ?, updated_at = ? WHERE id = ? AND title = 'New chat'`,
		TitleFromMessage(userMessage), time.Now().UTC(), id,
	)
	return err
}

// GetConversationState loads the authoritative structured message list for a
// session. A missing row, empty column, or unparseable blob yields empty.
func (s *Store) GetConversationState(sessionID string) []providers.Message {
	var blob string
	err := s.db.QueryRow(`SELECT conversation_state FROM sessions WHERE id = ?`, sessionID).Scan(&blob)
	if err != nil || blob == "" {
		return nil
	}
	var messages []providers.Message
	if err := json.Unmarshal([]byte(blob), &messages); err != nil {
		return nil
	}
	return messages
}

// SetConversationState persists the full structured message list as one JSON
// blob on the session row. All or nothing per turn.
func (s *Store) SetConversationState(sessionID string, messages []providers.Message) error {
	blob, err := json.Marshal(messages)
	if err != nil {
		return fmt.Errorf("marshal conversation state: %w", err)
	}
	res, err := s.db.Exec(
		`UPDATE sessions SET conversation_state = ?, updated_at = ? WHERE id = ?`,
		string(blob), time.Now().UTC(), sessionID,
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// AddMessage appends one transcript row.
func (s *Store) AddMessage(sessionID, role, content string) (*Message, error) {
	msg := &Message{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Role:      role,
		Content:   content,
		CreatedAt: time.Now().UTC(),
	}
	_, err := s.db.Exec(
		`INSERT INTO messages (id, session_id, role, content, created_at) VALUES (?, ?, ?, ?, ?)`,
		msg.ID, msg.SessionID, msg.Role, msg.Content, msg.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("add message: %w", err)
	}
	return msg, nil
}

func (s *Store) ListMessages(sessionID string) ([]Message, error) {
	rows, err := s.db.Query(
		`SELECT id, session_id, role, content, created_at FROM messages WHERE session_id = ? ORDER BY created_at`,
		sessionID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []Message
	for rows.Next() {
		var msg Message
		if err := rows.Scan(&msg.ID, &msg.SessionID, &msg.Role, &msg.Content, &msg.CreatedAt); err != nil {
			return nil, err
		}
		result = append(result, msg)
	}
	return result, rows.Err()
}
