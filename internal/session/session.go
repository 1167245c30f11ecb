package session

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ErrTurnOrder is returned when an append would break user/assistant alternation
var ErrTurnOrder = errors.New("message out of turn order")

// Message represents a single chat message
type Message struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Session represents a chat session
type Session struct {
	ID         string    `json:"id"`
	StartTime  time.Time `json:"start_time"`
	Deployment string    `json:"deployment"`
	History    *History  `json:"-"`
}

// NewSession creates a session whose history holds only the system message
func NewSession(deployment, systemMessage string) *Session {
	return &Session{
		ID:         "session_" + uuid.NewString(),
		StartTime:  time.Now(),
		Deployment: deployment,
		History:    NewHistory(systemMessage),
	}
}

// History is the ordered conversation sent to the model on every turn.
// The first message is always the system message; after it, user and
// assistant messages strictly alternate.
type History struct {
	messages []Message
}

// NewHistory creates a history containing exactly one system message
func NewHistory(systemMessage string) *History {
	return &History{
		messages: []Message{{
			Role:      RoleSystem,
			Content:   systemMessage,
			Timestamp: time.Now(),
		}},
	}
}

// AppendUser appends a user message. It fails if the previous user
// message has not been answered yet.
func (h *History) AppendUser(content string) error {
	if h.last().Role == RoleUser {
		return fmt.Errorf("append user: %w", ErrTurnOrder)
	}
	h.messages = append(h.messages, Message{
		Role:      RoleUser,
		Content:   content,
		Timestamp: time.Now(),
	})
	return nil
}

// AppendAssistant appends the model reply to the pending user message
func (h *History) AppendAssistant(content string) error {
	if h.last().Role != RoleUser {
		return fmt.Errorf("append assistant: %w", ErrTurnOrder)
	}
	h.messages = append(h.messages, Message{
		Role:      RoleAssistant,
		Content:   content,
		Timestamp: time.Now(),
	})
	return nil
}

// DiscardUnanswered drops a trailing user message that never got a reply.
// Completed turns are never touched.
func (h *History) DiscardUnanswered() bool {
	if h.last().Role != RoleUser {
		return false
	}
	h.messages = h.messages[:len(h.messages)-1]
	return true
}

// Messages returns a copy of the history in insertion order
func (h *History) Messages() []Message {
	out := make([]Message, len(h.messages))
	copy(out, h.messages)
	return out
}

// Len returns the number of messages including the system message
func (h *History) Len() int {
	return len(h.messages)
}

// Turns returns the number of completed user/assistant pairs
func (h *History) Turns() int {
	return (len(h.messages) - 1) / 2
}

// Digest fingerprints the role/content sequence
func (h *History) Digest() string {
	hash := sha256.New()
	for _, msg := range h.messages {
		hash.Write([]byte(msg.Role))
		hash.Write([]byte{0})
		hash.Write([]byte(msg.Content))
		hash.Write([]byte{0})
	}
	return fmt.Sprintf("%x", hash.Sum(nil))
}

func (h *History) last() Message {
	return h.messages[len(h.messages)-1]
}
