package wizard

import (
	"fmt"
	"strconv"

	"github.com/xaenox/autoreply-bot/internal/models"
)

// step is one wizard position together with exactly the working data that
// is valid there. Persisted states are decoded into steps before use.
type step interface {
	tag() models.StateTag
	data() map[string]string
}

type idle struct{}

type awaitingHandle struct{}

type awaitingBotAdd struct {
	handle string
}

// awaitingPrompt has channelID set when the channel was already registered
// from a forwarded post.
type awaitingPrompt struct {
	handle    string
	prompt    string
	channelID int64
}

type awaitingAPIKey struct{}

type selectingChannel struct{}

type channelSettings struct {
	channelID int64
}

type assistantSettings struct {
	channelID int64
}

type editingSetting struct {
	channelID int64
	field     settingField
}

func (idle) tag() models.StateTag              { return models.StateNone }
func (awaitingHandle) tag() models.StateTag    { return models.StateAwaitingChannelHandle }
func (awaitingBotAdd) tag() models.StateTag    { return models.StateAwaitingBotAdd }
func (awaitingPrompt) tag() models.StateTag    { return models.StateAwaitingSystemPrompt }
func (awaitingAPIKey) tag() models.StateTag    { return models.StateAwaitingAPIKey }
func (selectingChannel) tag() models.StateTag  { return models.StateSelectChannel }
func (channelSettings) tag() models.StateTag   { return models.StateChannelSettings }
func (assistantSettings) tag() models.StateTag { return models.StateAssistantSettings }
func (editingSetting) tag() models.StateTag    { return models.StateEditingSetting }

func (idle) data() map[string]string             { return map[string]string{} }
func (awaitingHandle) data() map[string]string   { return map[string]string{} }
func (awaitingAPIKey) data() map[string]string   { return map[string]string{} }
func (selectingChannel) data() map[string]string { return map[string]string{} }

func (s awaitingBotAdd) data() map[string]string {
	return map[string]string{models.DataChannelHandle: s.handle}
}

func (s awaitingPrompt) data() map[string]string {
	d := map[string]string{models.DataChannelHandle: s.handle}
	if s.prompt != "" {
		d[models.DataSystemPrompt] = s.prompt
	}
	if s.channelID != 0 {
		d[models.DataChannelID] = strconv.FormatInt(s.channelID, 10)
	}
	return d
}

func (s channelSettings) data() map[string]string {
	return map[string]string{models.DataChannelID: strconv.FormatInt(s.channelID, 10)}
}

func (s assistantSettings) data() map[string]string {
	return map[string]string{models.DataChannelID: strconv.FormatInt(s.channelID, 10)}
}

func (s editingSetting) data() map[string]string {
	return map[string]string{
		models.DataChannelID: strconv.FormatInt(s.channelID, 10),
		models.DataField:     string(s.field),
	}
}

// decodeStep turns a persisted state into its typed step. A state missing a
// field its step requires is rejected with ErrInvalidInput.
func decodeStep(st *models.ConversationState) (step, error) {
	if st == nil {
		return idle{}, nil
	}
	d := st.Data
	switch st.State {
	case models.StateNone:
		return idle{}, nil
	case models.StateAwaitingChannelHandle:
		return awaitingHandle{}, nil
	case models.StateAwaitingBotAdd:
		handle, err := required(d, models.DataChannelHandle)
		if err != nil {
			return nil, err
		}
		return awaitingBotAdd{handle: handle}, nil
	case models.StateAwaitingSystemPrompt:
		handle, err := required(d, models.DataChannelHandle)
		if err != nil {
			return nil, err
		}
		s := awaitingPrompt{handle: handle, prompt: d[models.DataSystemPrompt]}
		if raw, ok := d[models.DataChannelID]; ok {
			if s.channelID, err = parseChannelID(raw); err != nil {
				return nil, err
			}
		}
		return s, nil
	case models.StateAwaitingAPIKey:
		return awaitingAPIKey{}, nil
	case models.StateSelectChannel:
		return selectingChannel{}, nil
	case models.StateChannelSettings:
		id, err := requiredChannelID(d)
		if err != nil {
			return nil, err
		}
		return channelSettings{channelID: id}, nil
	case models.StateAssistantSettings:
		id, err := requiredChannelID(d)
		if err != nil {
			return nil, err
		}
		return assistantSettings{channelID: id}, nil
	case models.StateEditingSetting:
		id, err := requiredChannelID(d)
		if err != nil {
			return nil, err
		}
		raw, err := required(d, models.DataField)
		if err != nil {
			return nil, err
		}
		field, ok := lookupField(raw)
		if !ok {
			return nil, fmt.Errorf("%w: unknown setting %q", ErrInvalidInput, raw)
		}
		return editingSetting{channelID: id, field: field}, nil
	default:
		return nil, fmt.Errorf("%w: unknown state %q", ErrInvalidInput, st.State)
	}
}

func required(d map[string]string, key string) (string, error) {
	v := d[key]
	if v == "" {
		return "", fmt.Errorf("%w: missing %s", ErrInvalidInput, key)
	}
	return v, nil
}

func requiredChannelID(d map[string]string) (int64, error) {
	raw, err := required(d, models.DataChannelID)
	if err != nil {
		return 0, err
	}
	return parseChannelID(raw)
}

func parseChannelID(raw string) (int64, error) {
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: bad channel id %q", ErrInvalidInput, raw)
	}
	return id, nil
}
