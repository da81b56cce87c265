package models

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func ptr[T any](v T) *T { return &v }

func TestSettingsPatchApplyLeavesSiblingsAlone(t *testing.T) {
	s := DefaultSettings()
	SystemPromptPatch("be nice").Apply(&s)

	assert.Equal(t, "be nice", s.AssistantSettings.SystemPrompt)
	assert.Equal(t, DefaultModel, s.AssistantSettings.Model)
	assert.Equal(t, DefaultTemperature, s.AssistantSettings.Temperature)
	assert.True(t, s.AutoReplyEnabled)
}

func TestSettingsPatchDisjointApplyCommutes(t *testing.T) {
	a := SettingsPatch{
		AutoReplyEnabled: ptr(false),
		Assistant:        &AssistantSettingsPatch{Temperature: ptr(1.2)},
	}
	b := SettingsPatch{
		ActiveHours: &ActiveHours{Start: "09:00", End: "18:00"},
		Assistant: &AssistantSettingsPatch{
			SystemPrompt:  ptr("short"),
			AllowedTopics: ptr([]string{"go", "rust"}),
		},
	}

	sequential := DefaultSettings()
	a.Apply(&sequential)
	b.Apply(&sequential)

	reversed := DefaultSettings()
	b.Apply(&reversed)
	a.Apply(&reversed)

	assert.Equal(t, sequential, reversed)
	assert.False(t, reversed.AutoReplyEnabled)
	assert.Equal(t, 1.2, reversed.AssistantSettings.Temperature)
	assert.Equal(t, "short", reversed.AssistantSettings.SystemPrompt)
}

func TestSettingsPatchValidate(t *testing.T) {
	tests := []struct {
		name    string
		patch   SettingsPatch
		wantErr bool
	}{
		{"empty", SettingsPatch{}, true},
		{"empty assistant", SettingsPatch{Assistant: &AssistantSettingsPatch{}}, true},
		{"temperature zero", SettingsPatch{Assistant: &AssistantSettingsPatch{Temperature: ptr(0.0)}}, false},
		{"temperature NaN", SettingsPatch{Assistant: &AssistantSettingsPatch{Temperature: ptr(math.NaN())}}, true},
		{"temperature +Inf", SettingsPatch{Assistant: &AssistantSettingsPatch{Temperature: ptr(math.Inf(1))}}, true},
		{"temperature -Inf", SettingsPatch{Assistant: &AssistantSettingsPatch{Temperature: ptr(math.Inf(-1))}}, true},
		{"temperature max", SettingsPatch{Assistant: &AssistantSettingsPatch{Temperature: ptr(2.0)}}, false},
		{"temperature too high", SettingsPatch{Assistant: &AssistantSettingsPatch{Temperature: ptr(2.1)}}, true},
		{"temperature negative", SettingsPatch{Assistant: &AssistantSettingsPatch{Temperature: ptr(-0.1)}}, true},
		{"zero tokens", SettingsPatch{Assistant: &AssistantSettingsPatch{MaxTokens: ptr(0)}}, true},
		{"blank model", SettingsPatch{Assistant: &AssistantSettingsPatch{Model: ptr(" ")}}, true},
		{"bad hours", SettingsPatch{ActiveHours: &ActiveHours{Start: "25:00", End: "18:00"}}, true},
		{"good hours", SettingsPatch{ActiveHours: &ActiveHours{Start: "09:00", End: "18:00"}}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.patch.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestSettingsPatchIsEmpty(t *testing.T) {
	assert.ErrorIs(t, SettingsPatch{}.Validate(), ErrEmptyPatch)
	assert.True(t, SettingsPatch{}.IsEmpty())
	assert.True(t, SettingsPatch{Assistant: &AssistantSettingsPatch{}}.IsEmpty())
	assert.False(t, SystemPromptPatch("x").IsEmpty())
}

func TestSplitList(t *testing.T) {
	assert.Equal(t, []string{"go", "rust"}, SplitList(" go, ,rust "))
	assert.Equal(t, []string{}, SplitList("-"))
	assert.Equal(t, []string{}, SplitList(""))
}
