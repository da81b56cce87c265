package models

import "time"

// StateTag names the step a user is at. Values match the persisted document.
type StateTag string

const (
	StateNone                  StateTag = ""
	StateAwaitingChannelHandle StateTag = "waiting_for_channel_username"
	StateAwaitingBotAdd        StateTag = "waiting_for_bot_add"
	StateAwaitingSystemPrompt  StateTag = "waiting_for_system_prompt"
	StateAwaitingAPIKey        StateTag = "waiting_for_openai_key"
	StateSelectChannel         StateTag = "select_channel"
	StateChannelSettings       StateTag = "channel_settings"
	StateAssistantSettings     StateTag = "setting_assistant"
	StateEditingSetting        StateTag = "editing_setting"
)

// Working data keys.
const (
	DataChannelHandle = "channel_username"
	DataSystemPrompt  = "system_prompt"
	DataChannelID     = "channel_id"
	DataField         = "field"
)

// ConversationState is the per-user wizard position and its working data
type ConversationState struct {
	State     StateTag          `json:"state"`
	Data      map[string]string `json:"data"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// Clone returns a deep copy of the state.
func (s *ConversationState) Clone() *ConversationState {
	c := *s
	c.Data = CloneData(s.Data)
	return &c
}

// CloneData copies a working data map, never returning nil.
func CloneData(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
