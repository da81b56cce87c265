package wizard

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/xaenox/autoreply-bot/internal/models"
)

// settingField is an editable channel setting; its value doubles as the
// button action that starts editing it.
type settingField string

const (
	fieldSystemPrompt   settingField = "system_prompt"
	fieldAllowedTopics  settingField = "allowed_topics"
	fieldForbiddenWords settingField = "forbidden_words"
	fieldResponseStyle  settingField = "response_style"
	fieldTemperature    settingField = "temperature"
	fieldActiveHours    settingField = "active_hours"
)

var fieldPrompts = map[settingField]string{
	fieldSystemPrompt:   "📝 Send the new instructions for the bot:",
	fieldAllowedTopics:  "🎯 Send the allowed topics separated by commas, or - to allow any topic:",
	fieldForbiddenWords: "🚫 Send the forbidden words separated by commas, or - to clear the list:",
	fieldResponseStyle:  "🎨 Send the response style, for example: friendly, formal, humorous",
	fieldTemperature:    "🌡 Send the temperature, a number from 0 to 2:",
	fieldActiveHours:    "⏰ Send the active hours as HH:MM-HH:MM, for example 09:00-18:00",
}

func lookupField(raw string) (settingField, bool) {
	f := settingField(raw)
	_, ok := fieldPrompts[f]
	return f, ok
}

// isAssistantField reports whether the field is edited from the assistant
// settings screen rather than the channel screen.
func (f settingField) isAssistantField() bool {
	return f != fieldActiveHours
}

// parse converts the user's text into a settings patch for the field.
func (f settingField) parse(text string) (models.SettingsPatch, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return models.SettingsPatch{}, fmt.Errorf("%w: empty value", ErrInvalidInput)
	}

	var patch models.SettingsPatch
	switch f {
	case fieldSystemPrompt:
		patch = models.SystemPromptPatch(text)
	case fieldAllowedTopics:
		topics := models.SplitList(text)
		patch.Assistant = &models.AssistantSettingsPatch{AllowedTopics: &topics}
	case fieldForbiddenWords:
		words := models.SplitList(text)
		patch.Assistant = &models.AssistantSettingsPatch{ForbiddenWords: &words}
	case fieldResponseStyle:
		style := strings.ToLower(text)
		patch.Assistant = &models.AssistantSettingsPatch{ResponseStyle: &style}
	case fieldTemperature:
		t, err := strconv.ParseFloat(strings.ReplaceAll(text, ",", "."), 64)
		if err != nil {
			return patch, fmt.Errorf("%w: temperature must be a number", ErrInvalidInput)
		}
		patch.Assistant = &models.AssistantSettingsPatch{Temperature: &t}
	case fieldActiveHours:
		h, err := parseActiveHours(text)
		if err != nil {
			return patch, err
		}
		patch.ActiveHours = &h
	default:
		return patch, fmt.Errorf("%w: unknown setting %q", ErrInvalidInput, f)
	}

	if err := patch.Validate(); err != nil {
		return patch, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return patch, nil
}

func parseActiveHours(text string) (models.ActiveHours, error) {
	start, end, ok := strings.Cut(strings.ReplaceAll(text, " ", ""), "-")
	if !ok {
		return models.ActiveHours{}, fmt.Errorf("%w: expected HH:MM-HH:MM", ErrInvalidInput)
	}
	h := models.ActiveHours{Start: start, End: end}
	if _, err := models.ParseClock(start); err != nil {
		return h, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if _, err := models.ParseClock(end); err != nil {
		return h, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return h, nil
}
