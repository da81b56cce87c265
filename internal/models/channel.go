package models

import (
	"fmt"
	"time"
)

const (
	DefaultModel         = "gpt-3.5-turbo"
	DefaultTemperature   = 0.7
	DefaultMaxTokens     = 150
	DefaultSystemPrompt  = "Answer briefly and to the point."
	DefaultResponseStyle = "friendly"
	DefaultActiveStart   = "00:00"
	DefaultActiveEnd     = "23:59"

	MaxTemperature = 2.0
	clockLayout    = "15:04"
)

// Channel is a Telegram channel or group registered by its owner
type Channel struct {
	ID       int64    `json:"id"`
	Title    string   `json:"title"`
	Username *string  `json:"username"`
	OwnerID  int64    `json:"owner_id"`
	Settings Settings `json:"settings"`
	Stats    Stats    `json:"stats"`
}

// Stats holds usage counters for a channel
type Stats struct {
	TotalMessages int        `json:"total_messages"`
	TotalReplies  int        `json:"total_replies"`
	LastActivity  *time.Time `json:"last_activity"`
}

type Settings struct {
	AutoReplyEnabled  bool              `json:"auto_reply_enabled"`
	AssistantSettings AssistantSettings `json:"assistant_settings"`
	Restrictions      Restrictions      `json:"restrictions"`
}

type AssistantSettings struct {
	Model          string   `json:"model"`
	Temperature    float64  `json:"temperature"`
	MaxTokens      int      `json:"max_tokens"`
	SystemPrompt   string   `json:"system_prompt"`
	ResponseStyle  string   `json:"response_style"`
	AllowedTopics  []string `json:"allowed_topics,omitempty"`
	ForbiddenWords []string `json:"forbidden_words,omitempty"`
}

type Restrictions struct {
	ActiveHours ActiveHours `json:"active_hours"`
}

// ActiveHours is a wall-clock window in HH:MM form, inclusive on both ends.
type ActiveHours struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

// DefaultSettings returns the settings every new channel starts with.
func DefaultSettings() Settings {
	return Settings{
		AutoReplyEnabled: true,
		AssistantSettings: AssistantSettings{
			Model:         DefaultModel,
			Temperature:   DefaultTemperature,
			MaxTokens:     DefaultMaxTokens,
			SystemPrompt:  DefaultSystemPrompt,
			ResponseStyle: DefaultResponseStyle,
		},
		Restrictions: Restrictions{
			ActiveHours: ActiveHours{Start: DefaultActiveStart, End: DefaultActiveEnd},
		},
	}
}

// NewChannel builds a channel with default settings and the given prompt.
func NewChannel(id int64, title string, ownerID int64, handle, systemPrompt string) *Channel {
	ch := &Channel{
		ID:       id,
		Title:    title,
		OwnerID:  ownerID,
		Settings: DefaultSettings(),
	}
	if handle != "" {
		ch.Username = &handle
	}
	if systemPrompt != "" {
		ch.Settings.AssistantSettings.SystemPrompt = systemPrompt
	}
	return ch
}

// Handle returns the public handle without the leading @, or "".
func (c *Channel) Handle() string {
	if c.Username == nil {
		return ""
	}
	return *c.Username
}

// Clone returns a deep copy of the channel.
func (c *Channel) Clone() *Channel {
	cp := *c
	if c.Username != nil {
		h := *c.Username
		cp.Username = &h
	}
	if c.Stats.LastActivity != nil {
		t := *c.Stats.LastActivity
		cp.Stats.LastActivity = &t
	}
	cp.Settings.AssistantSettings.AllowedTopics = cloneStrings(c.Settings.AssistantSettings.AllowedTopics)
	cp.Settings.AssistantSettings.ForbiddenWords = cloneStrings(c.Settings.AssistantSettings.ForbiddenWords)
	return &cp
}

// ParseClock parses an HH:MM value into minutes since midnight.
func ParseClock(s string) (int, error) {
	t, err := time.Parse(clockLayout, s)
	if err != nil {
		return 0, fmt.Errorf("invalid time %q, expected HH:MM: %w", s, err)
	}
	return t.Hour()*60 + t.Minute(), nil
}

// Contains reports whether t falls inside the window at minute granularity.
// A window whose start is after its end wraps past midnight.
func (h ActiveHours) Contains(t time.Time) (bool, error) {
	start, err := ParseClock(h.Start)
	if err != nil {
		return false, err
	}
	end, err := ParseClock(h.End)
	if err != nil {
		return false, err
	}
	now := t.Hour()*60 + t.Minute()
	if start <= end {
		return start <= now && now <= end, nil
	}
	return now >= start || now <= end, nil
}

func (h ActiveHours) String() string {
	return h.Start + "-" + h.End
}

func cloneStrings(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	return out
}
