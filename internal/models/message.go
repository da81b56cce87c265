package models

import (
	"time"

	"github.com/google/uuid"
)

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ContextMessage is one entry of a channel's recent conversation
type ContextMessage struct {
	ID      string    `json:"id"`
	Role    string    `json:"role"`
	Content string    `json:"content"`
	At      time.Time `json:"at"`
}

func NewContextMessage(role, content string, at time.Time) ContextMessage {
	return ContextMessage{
		ID:      uuid.New().String(),
		Role:    role,
		Content: content,
		At:      at,
	}
}
