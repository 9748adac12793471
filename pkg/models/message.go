package models

import "time"

// Conversation message roles
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ConversationMessage is one turn of the user/assistant exchange attached to
// a thread. Metadata carries action markers such as "start_research" or
// "draft_updated".
type ConversationMessage struct {
	Role      string         `json:"role"`
	Content   string         `json:"content"`
	Timestamp time.Time      `json:"timestamp"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// NewUserMessage builds a user turn stamped with the current time
func NewUserMessage(content string, metadata map[string]any) ConversationMessage {
	return ConversationMessage{
		Role:      RoleUser,
		Content:   content,
		Timestamp: time.Now().UTC(),
		Metadata:  metadata,
	}
}

// NewAssistantMessage builds an assistant turn stamped with the current time
func NewAssistantMessage(content string, metadata map[string]any) ConversationMessage {
	return ConversationMessage{
		Role:      RoleAssistant,
		Content:   content,
		Timestamp: time.Now().UTC(),
		Metadata:  metadata,
	}
}
