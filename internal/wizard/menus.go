package wizard

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/xaenox/autoreply-bot/internal/models"
)

// Button actions. Field edit buttons use the settingField values.
const (
	ActionAddChannel        = "add_channel"
	ActionReady             = "ready"
	ActionBack              = "back"
	ActionMyChannels        = "my_channels"
	ActionSettings          = "settings"
	ActionStats             = "stats"
	ActionAssistantSettings = "assistant_settings"
	ActionRestrictions      = "restrictions"
	ActionToggleAutoReply   = "toggle_auto_reply"

	channelActionPrefix = "channel_"
)

// Button is one inline button: the label shown and the action it sends.
type Button struct {
	Label  string
	Action string
}

// Menu is rows of buttons.
type Menu [][]Button

// Actions lists every action in the menu, row by row.
func (m Menu) Actions() []string {
	var out []string
	for _, row := range m {
		for _, b := range row {
			out = append(out, b.Action)
		}
	}
	return out
}

func ChannelAction(channelID int64) string {
	return channelActionPrefix + strconv.FormatInt(channelID, 10)
}

func parseChannelAction(action string) (int64, bool) {
	raw, ok := strings.CutPrefix(action, channelActionPrefix)
	if !ok {
		return 0, false
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	return id, err == nil
}

var (
	backRow  = []Button{{"🔙 Back", ActionBack}}
	readyRow = []Button{{"✅ Ready", ActionReady}}
)

// MainMenu is shown whenever no wizard is active.
func MainMenu() Menu {
	return Menu{
		{{"⚙️ Settings", ActionSettings}, {"📊 Statistics", ActionStats}},
		{{"📢 My channels", ActionMyChannels}},
		{{"➕ Add new channel", ActionAddChannel}},
	}
}

// menuFor returns the buttons legal at s. channels is only used by the
// channel picker; channel is used by the channel settings screen.
func menuFor(s step, channels []*models.Channel, channel *models.Channel) Menu {
	switch s := s.(type) {
	case idle:
		return MainMenu()
	case awaitingBotAdd:
		return Menu{readyRow, backRow}
	case awaitingPrompt:
		if s.prompt == "" {
			return Menu{backRow}
		}
		return Menu{readyRow, backRow}
	case selectingChannel:
		menu := make(Menu, 0, len(channels)+1)
		for _, ch := range channels {
			menu = append(menu, []Button{{ch.Title, ChannelAction(ch.ID)}})
		}
		return append(menu, backRow)
	case channelSettings:
		toggle := "🔕 Disable auto-reply"
		if channel != nil && !channel.Settings.AutoReplyEnabled {
			toggle = "🔔 Enable auto-reply"
		}
		return Menu{
			{{"🤖 Assistant settings", ActionAssistantSettings}, {"⏰ Restrictions", ActionRestrictions}},
			{{toggle, ActionToggleAutoReply}},
			backRow,
		}
	case assistantSettings:
		return Menu{
			{{"📝 System prompt", string(fieldSystemPrompt)}, {"🎯 Allowed topics", string(fieldAllowedTopics)}},
			{{"🚫 Forbidden words", string(fieldForbiddenWords)}, {"🎨 Response style", string(fieldResponseStyle)}},
			{{"🌡 Temperature", string(fieldTemperature)}},
			backRow,
		}
	default:
		// awaitingHandle, awaitingAPIKey, editingSetting
		return Menu{backRow}
	}
}

const (
	welcomeText = "👋 Hi! I manage AI auto-replies in your Telegram channels.\n\n" +
		"🔸 Add channels\n" +
		"🔸 Configure AI auto-replies\n" +
		"🔸 Follow the statistics\n\n" +
		"To get started:\n" +
		"1. Add a channel\n" +
		"2. Set your OpenAI key\n" +
		"3. Configure the assistant\n\n" +
		"Choose an action below:"

	helpText = "Available commands:\n" +
		"/start - Show the main menu\n" +
		"/help - Show this help message\n" +
		"/cancel - Abort the current setup\n\n" +
		"Use the buttons to add channels and configure replies."

	mainMenuText = "Choose an action below:"

	handlePromptText = "Send the username of your channel in the form @channelname\n" +
		"For example: @mychannel"

	botAddText = "📝 How to add the bot to your channel:\n\n" +
		"1. Open your channel settings\n" +
		"2. Go to 'Administrators'\n" +
		"3. Tap 'Add administrator'\n" +
		"4. Find and select this bot\n" +
		"5. Make sure the bot may:\n" +
		"   - read messages\n" +
		"   - post messages\n" +
		"   - delete messages\n\n" +
		"Then press 'Ready'. You can also forward any post from the channel here."

	systemPromptText = "Now let's set how the bot replies to comments.\n\n" +
		"Describe how the bot should answer, for example:\n" +
		"- answer briefly and to the point\n" +
		"- use a friendly tone\n" +
		"- answer in English\n" +
		"- avoid jargon\n\n" +
		"Send your instructions:"

	apiKeyText = "🔑 Send your OpenAI API key.\n" +
		"It is only used to generate replies in your channels."

	noChannelsText = "You have no channels yet.\nPress 'Add new channel' to start."
)

func onOff(v bool) string {
	if v {
		return "on"
	}
	return "off"
}

func listOrDash(items []string) string {
	if len(items) == 0 {
		return "-"
	}
	return strings.Join(items, ", ")
}

// promptFor returns the text shown at s.
func promptFor(s step, channels []*models.Channel, channel *models.Channel) string {
	switch s := s.(type) {
	case idle:
		return mainMenuText
	case awaitingHandle:
		return handlePromptText
	case awaitingBotAdd:
		return botAddText
	case awaitingPrompt:
		if s.prompt == "" {
			return systemPromptText
		}
		return "✅ Instructions saved:\n\n" + s.prompt + "\n\nPress 'Ready' to finish or send new instructions."
	case awaitingAPIKey:
		return apiKeyText
	case selectingChannel:
		var b strings.Builder
		b.WriteString("📢 Your channels:\n\n")
		for _, ch := range channels {
			fmt.Fprintf(&b, "• %s\n", ch.Title)
		}
		b.WriteString("\nChoose a channel to configure:")
		return b.String()
	case channelSettings:
		return fmt.Sprintf("Settings of channel %s\n\nAuto-reply: %s\nActive hours: %s\n\nChoose what to configure:",
			channel.Title, onOff(channel.Settings.AutoReplyEnabled), channel.Settings.Restrictions.ActiveHours)
	case assistantSettings:
		a := channel.Settings.AssistantSettings
		return fmt.Sprintf("🤖 Assistant settings of channel %s\n\n"+
			"Model: %s\nTemperature: %.2g\nMax tokens: %d\nResponse style: %s\n"+
			"Allowed topics: %s\nForbidden words: %s\n\nChoose a parameter to configure:",
			channel.Title, a.Model, a.Temperature, a.MaxTokens, a.ResponseStyle,
			listOrDash(a.AllowedTopics), listOrDash(a.ForbiddenWords))
	case editingSetting:
		return fieldPrompts[s.field]
	default:
		return mainMenuText
	}
}

func statsText(user *models.User, channels []*models.Channel) string {
	var b strings.Builder
	fmt.Fprintf(&b, "📊 Statistics for %s\n\n", user.DisplayName())
	fmt.Fprintf(&b, "Member since: %s\n", user.CreatedAt.Format("2006-01-02"))
	fmt.Fprintf(&b, "OpenAI key: %s\n", map[bool]string{true: "set", false: "not set"}[user.HasCredential()])
	fmt.Fprintf(&b, "Channels: %d\n", len(channels))
	for _, ch := range channels {
		fmt.Fprintf(&b, "• %s: %d messages, %d replies\n", ch.Title, ch.Stats.TotalMessages, ch.Stats.TotalReplies)
	}
	return b.String()
}
