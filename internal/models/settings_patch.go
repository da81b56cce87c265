package models

import (
	"errors"
	"fmt"
	"strings"
)

// ErrEmptyPatch is returned for a patch that sets no field.
var ErrEmptyPatch = errors.New("settings patch sets no field")

// SettingsPatch is a partial update of channel settings. Nil fields are left
// untouched when the patch is applied.
type SettingsPatch struct {
	AutoReplyEnabled *bool                   `json:"auto_reply_enabled,omitempty"`
	Assistant        *AssistantSettingsPatch `json:"assistant_settings,omitempty"`
	ActiveHours      *ActiveHours            `json:"active_hours,omitempty"`
}

type AssistantSettingsPatch struct {
	Model          *string   `json:"model,omitempty"`
	Temperature    *float64  `json:"temperature,omitempty"`
	MaxTokens      *int      `json:"max_tokens,omitempty"`
	SystemPrompt   *string   `json:"system_prompt,omitempty"`
	ResponseStyle  *string   `json:"response_style,omitempty"`
	AllowedTopics  *[]string `json:"allowed_topics,omitempty"`
	ForbiddenWords *[]string `json:"forbidden_words,omitempty"`
}

// IsEmpty reports whether applying the patch would change nothing.
func (p SettingsPatch) IsEmpty() bool {
	return p.AutoReplyEnabled == nil && p.ActiveHours == nil &&
		(p.Assistant == nil || *p.Assistant == AssistantSettingsPatch{})
}

// Validate checks the set fields against the settings constraints.
func (p SettingsPatch) Validate() error {
	if p.IsEmpty() {
		return ErrEmptyPatch
	}
	if a := p.Assistant; a != nil {
		// NaN compares false both ways, so test for the range rather than outside it.
		if a.Temperature != nil && !(*a.Temperature >= 0 && *a.Temperature <= MaxTemperature) {
			return fmt.Errorf("temperature %v out of range [0, %.0f]", *a.Temperature, MaxTemperature)
		}
		if a.MaxTokens != nil && *a.MaxTokens <= 0 {
			return errors.New("max_tokens must be positive")
		}
		if a.Model != nil && strings.TrimSpace(*a.Model) == "" {
			return errors.New("model must not be empty")
		}
	}
	if h := p.ActiveHours; h != nil {
		if _, err := ParseClock(h.Start); err != nil {
			return err
		}
		if _, err := ParseClock(h.End); err != nil {
			return err
		}
	}
	return nil
}

// Apply merges the patch into s field by field.
func (p SettingsPatch) Apply(s *Settings) {
	if a := p.Assistant; a != nil {
		dst := &s.AssistantSettings
		if a.Model != nil {
			dst.Model = *a.Model
		}
		if a.Temperature != nil {
			dst.Temperature = *a.Temperature
		}
		if a.MaxTokens != nil {
			dst.MaxTokens = *a.MaxTokens
		}
		if a.SystemPrompt != nil {
			dst.SystemPrompt = *a.SystemPrompt
		}
		if a.ResponseStyle != nil {
			dst.ResponseStyle = *a.ResponseStyle
		}
		if a.AllowedTopics != nil {
			dst.AllowedTopics = cloneStrings(*a.AllowedTopics)
		}
		if a.ForbiddenWords != nil {
			dst.ForbiddenWords = cloneStrings(*a.ForbiddenWords)
		}
	}
	if p.AutoReplyEnabled != nil {
		s.AutoReplyEnabled = *p.AutoReplyEnabled
	}
	if p.ActiveHours != nil {
		s.Restrictions.ActiveHours = *p.ActiveHours
	}
}

// SystemPromptPatch is a shorthand for the most common single-field update.
func SystemPromptPatch(prompt string) SettingsPatch {
	return SettingsPatch{Assistant: &AssistantSettingsPatch{SystemPrompt: &prompt}}
}

// SplitList parses a comma separated list, dropping blanks. A lone "-"
// clears the list.
func SplitList(s string) []string {
	s = strings.TrimSpace(s)
	if s == "-" {
		return []string{}
	}
	var out []string
	for _, part := range strings.Split(s, ",") {
		if v := strings.TrimSpace(part); v != "" {
			out = append(out, v)
		}
	}
	if out == nil {
		out = []string{}
	}
	return out
}
