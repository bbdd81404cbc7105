package model

import (
	"encoding/json"
	"regexp"
	"strings"
	"time"
)

// Role identifies the author of a message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleSystem, RoleUser, RoleAssistant:
		return true
	}
	return false
}

// Message stores a single message in a conversation.
// Messages are never mutated after they are appended.
type Message struct {
	Role            Role      `json:"role"`
	Content         string    `json:"content"`
	CreatedAt       time.Time `json:"createdAt"`
	ClientMessageID string    `json:"clientMessageId,omitempty"`
}

// Conversation stores metadata about a conversation. The same struct is used
// as the denormalized entry of the per-owner conversation index.
type Conversation struct {
	ID        string    `json:"id"`
	Owner     string    `json:"-"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// ConversationMessages is a conversation together with its history window.
type ConversationMessages struct {
	Conversation Conversation `json:"conversation"`
	Messages     []Message    `json:"messages"`
}

// storedMessage mirrors Message with loosely typed fields so that legacy or
// hand-edited records can be inspected before they are trusted.
type storedMessage struct {
	Role            any       `json:"role"`
	Content         any       `json:"content"`
	CreatedAt       time.Time `json:"createdAt"`
	ClientMessageID string    `json:"clientMessageId,omitempty"`
}

// EncodeMessage serializes a message the way key-value backends persist it.
func EncodeMessage(m Message) ([]byte, error) {
	return json.Marshal(m)
}

// DecodeMessage parses a persisted record. The boolean is false when the
// record is malformed: undecodable, a role outside the known set, or
// non-string content. Such records must be dropped, not surfaced.
func DecodeMessage(raw []byte) (Message, bool) {
	var sm storedMessage
	if err := json.Unmarshal(raw, &sm); err != nil {
		return Message{}, false
	}
	role, ok := sm.Role.(string)
	if !ok || !Role(role).Valid() {
		return Message{}, false
	}
	content, ok := sm.Content.(string)
	if !ok {
		return Message{}, false
	}
	return Message{
		Role:            Role(role),
		Content:         content,
		CreatedAt:       sm.CreatedAt,
		ClientMessageID: sm.ClientMessageID,
	}, true
}

// NextCreatedAt returns the timestamp for a message appended after prev.
// Timestamps are kept at microsecond precision (the finest every backend
// stores) and are strictly increasing within a conversation.
func NextCreatedAt(prev, now time.Time) time.Time {
	now = now.UTC().Truncate(time.Microsecond)
	if !prev.IsZero() && !now.After(prev) {
		return prev.UTC().Add(time.Microsecond)
	}
	return now
}

// DefaultTitle is the placeholder given to conversations created without a title.
const DefaultTitle = "New conversation"

var placeholderTitle = regexp.MustCompile(`(?i)^\s*(new conversation|nueva conversaci[oó]n)\s*$`)

// IsPlaceholderTitle reports whether title is absent or still the default
// placeholder, i.e. whether it may be replaced by a derived title.
func IsPlaceholderTitle(title string) bool {
	return strings.TrimSpace(title) == "" || placeholderTitle.MatchString(title)
}

// ResolveTitle returns the title a conversation should carry after an index
// upsert: a derived title only replaces an absent or placeholder title.
func ResolveTitle(current, derived string) string {
	if derived != "" && IsPlaceholderTitle(current) {
		return derived
	}
	if strings.TrimSpace(current) == "" {
		return DefaultTitle
	}
	return current
}
