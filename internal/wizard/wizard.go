// Package wizard implements the conversation engine that onboards channels
// and edits their settings. Every inbound event is checked against the
// user's current step; the engine persists the next step and returns the
// text and buttons to show.
package wizard

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/xaenox/autoreply-bot/internal/models"
	"github.com/xaenox/autoreply-bot/internal/storage"
	"go.uber.org/zap"
)

var (
	// ErrInvalidInput marks input the current step cannot accept. The step
	// is kept and the reply explains what to send instead.
	ErrInvalidInput = errors.New("invalid input")
	// ErrInvalidTransition marks an event that is not legal at the current step.
	ErrInvalidTransition = errors.New("invalid transition")
)

type EventKind int

const (
	EventCommand EventKind = iota
	EventAction
	EventText
	EventForward
)

func (k EventKind) String() string {
	switch k {
	case EventCommand:
		return "command"
	case EventAction:
		return "action"
	case EventText:
		return "text"
	case EventForward:
		return "forward"
	default:
		return "unknown"
	}
}

type Profile struct {
	Username  string
	FirstName string
	LastName  string
}

// ForwardSource identifies the chat a forwarded message came from.
type ForwardSource struct {
	ID     int64
	Title  string
	Handle string
	Kind   models.ChatKind
}

// Event is one inbound user interaction in a private chat.
type Event struct {
	Kind    EventKind
	UserID  int64
	Profile Profile
	Command string
	Action  string
	Text    string
	Forward *ForwardSource
}

// Reply is what the transport shows in response to an event.
type Reply struct {
	Text string
	Menu Menu
	// DeleteInput asks the transport to remove the user's message, e.g.
	// because it contained a credential.
	DeleteInput bool
}

// ChannelInfo is what the chat platform knows about a channel handle.
type ChannelInfo struct {
	ID     int64
	Title  string
	Handle string
}

// ChannelResolver looks up a channel by its public handle. Unknown handles
// yield an error wrapping storage.ErrNotFound.
type ChannelResolver interface {
	ResolveChannel(ctx context.Context, handle string) (ChannelInfo, error)
}

// KeyValidator checks a provider credential before it is stored.
type KeyValidator interface {
	ValidateKey(ctx context.Context, apiKey string) error
}

type Config struct {
	// StateTTL expires abandoned wizard states; zero keeps them forever.
	StateTTL time.Duration
	Now      func() time.Time
}

type Wizard struct {
	store     storage.Storage
	resolver  ChannelResolver
	validator KeyValidator
	stateTTL  time.Duration
	now       func() time.Time
	logger    *zap.Logger
}

// New builds the engine. validator may be nil, in which case keys are
// stored without a check.
func New(store storage.Storage, resolver ChannelResolver, validator KeyValidator, cfg Config, logger *zap.Logger) *Wizard {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Wizard{
		store:     store,
		resolver:  resolver,
		validator: validator,
		stateTTL:  cfg.StateTTL,
		now:       now,
		logger:    logger,
	}
}

// Handle processes one event to completion. When err wraps ErrInvalidInput
// or ErrInvalidTransition the returned Reply still carries the corrective
// message and should be delivered; the user's step is left recoverable.
func (w *Wizard) Handle(ctx context.Context, ev Event) (Reply, error) {
	if err := w.touchUser(ctx, ev); err != nil {
		return Reply{}, err
	}

	current, reset, err := w.loadStep(ctx, ev.UserID)
	if err != nil {
		return Reply{}, err
	}
	if reset != nil {
		reply, rerr := w.enter(ctx, ev.UserID, idle{}, "⚠️ Your previous setup could not be resumed. Please start again.")
		if rerr != nil {
			return Reply{}, rerr
		}
		return reply, reset
	}

	switch ev.Kind {
	case EventCommand:
		return w.handleCommand(ctx, ev, current)
	case EventAction:
		return w.handleAction(ctx, ev, current)
	case EventText:
		return w.handleText(ctx, ev, current)
	case EventForward:
		return w.handleForward(ctx, ev, current)
	default:
		return Reply{}, fmt.Errorf("%w: unknown event kind %d", ErrInvalidTransition, ev.Kind)
	}
}

// touchUser creates the user on first contact and records activity. The
// interaction that creates the user leaves the counters at zero.
func (w *Wizard) touchUser(ctx context.Context, ev Event) error {
	created, err := w.store.UpsertUser(ctx, models.NewUser(ev.UserID,
		ev.Profile.Username, ev.Profile.FirstName, ev.Profile.LastName, w.now()))
	if err != nil {
		return fmt.Errorf("error upserting user: %w", err)
	}
	if created {
		w.logger.Info("New user", zap.Int64("user_id", ev.UserID), zap.String("username", ev.Profile.Username))
		return nil
	}
	command := ""
	if ev.Kind == EventCommand {
		command = ev.Command
	}
	if err := w.store.RecordActivity(ctx, ev.UserID, command); err != nil {
		return fmt.Errorf("error recording activity: %w", err)
	}
	return nil
}

// loadStep returns the user's current step. Expired states are cleared. A
// state that cannot be decoded is cleared and reported through reset.
func (w *Wizard) loadStep(ctx context.Context, userID int64) (current step, reset error, err error) {
	st, err := w.store.GetState(ctx, userID)
	if err != nil {
		return nil, nil, fmt.Errorf("error loading state: %w", err)
	}
	if st == nil {
		return idle{}, nil, nil
	}
	if w.stateTTL > 0 && w.now().Sub(st.UpdatedAt) > w.stateTTL {
		w.logger.Info("Wizard state expired",
			zap.Int64("user_id", userID),
			zap.String("state", string(st.State)),
			zap.Time("updated_at", st.UpdatedAt))
		if err := w.store.ClearState(ctx, userID); err != nil {
			return nil, nil, fmt.Errorf("error clearing state: %w", err)
		}
		return idle{}, nil, nil
	}
	s, derr := decodeStep(st)
	if derr != nil {
		w.logger.Warn("Dropping undecodable wizard state",
			zap.Error(derr),
			zap.Int64("user_id", userID),
			zap.String("state", string(st.State)))
		return nil, derr, nil
	}
	return s, nil, nil
}

// CurrentState returns the persisted tag for a user, after expiry.
func (w *Wizard) CurrentState(ctx context.Context, userID int64) (models.StateTag, error) {
	s, reset, err := w.loadStep(ctx, userID)
	if err != nil {
		return models.StateNone, err
	}
	if reset != nil {
		return models.StateNone, nil
	}
	return s.tag(), nil
}

// enter persists s and renders it. idle clears the state.
func (w *Wizard) enter(ctx context.Context, userID int64, s step, note string) (Reply, error) {
	if _, ok := s.(idle); ok {
		if err := w.store.ClearState(ctx, userID); err != nil {
			return Reply{}, fmt.Errorf("error clearing state: %w", err)
		}
	} else if err := w.store.SetState(ctx, userID, s.tag(), s.data()); err != nil {
		return Reply{}, fmt.Errorf("error saving state: %w", err)
	}
	w.logger.Debug("Wizard transition",
		zap.Int64("user_id", userID),
		zap.String("state", string(s.tag())))
	return w.render(ctx, userID, s, note)
}

// render builds the reply for s without changing any state.
func (w *Wizard) render(ctx context.Context, userID int64, s step, note string) (Reply, error) {
	var (
		channels []*models.Channel
		channel  *models.Channel
		err      error
	)
	switch s := s.(type) {
	case selectingChannel:
		if channels, err = w.store.ListChannelsForUser(ctx, userID); err != nil {
			return Reply{}, fmt.Errorf("error listing channels: %w", err)
		}
	case channelSettings:
		if channel, err = w.store.GetChannel(ctx, s.channelID); err != nil {
			return Reply{}, fmt.Errorf("error loading channel: %w", err)
		}
	case assistantSettings:
		if channel, err = w.store.GetChannel(ctx, s.channelID); err != nil {
			return Reply{}, fmt.Errorf("error loading channel: %w", err)
		}
	}

	text := promptFor(s, channels, channel)
	if note != "" {
		text = note + "\n\n" + text
	}
	return Reply{Text: text, Menu: menuFor(s, channels, channel)}, nil
}

// reject re-renders the current step with a corrective note and returns
// err alongside it.
func (w *Wizard) reject(ctx context.Context, ev Event, current step, note string, err error) (Reply, error) {
	reply, rerr := w.render(ctx, ev.UserID, current, note)
	if rerr != nil {
		return Reply{}, rerr
	}
	return reply, err
}

func (w *Wizard) handleCommand(ctx context.Context, ev Event, current step) (Reply, error) {
	switch ev.Command {
	case "start":
		reply, err := w.render(ctx, ev.UserID, idle{}, "")
		reply.Text = welcomeText
		return reply, err
	case "help":
		return Reply{Text: helpText, Menu: MainMenu()}, nil
	case "cancel":
		return w.enter(ctx, ev.UserID, idle{}, "Setup cancelled.")
	default:
		return Reply{Text: "Unknown command. Use /help to see available commands.", Menu: MainMenu()},
			fmt.Errorf("%w: unknown command %q", ErrInvalidTransition, ev.Command)
	}
}

func (w *Wizard) handleAction(ctx context.Context, ev Event, current step) (Reply, error) {
	// Main menu actions are accepted from anywhere and restart the flow.
	switch ev.Action {
	case ActionBack:
		return w.back(ctx, ev.UserID, current)
	case ActionAddChannel:
		return w.enter(ctx, ev.UserID, awaitingHandle{}, "📝 Let's set up auto-replies for your channel!")
	case ActionSettings:
		return w.enter(ctx, ev.UserID, awaitingAPIKey{}, "")
	case ActionMyChannels:
		return w.showChannels(ctx, ev.UserID, "")
	case ActionStats:
		return w.showStats(ctx, ev.UserID)
	}

	switch s := current.(type) {
	case awaitingBotAdd:
		if ev.Action == ActionReady {
			return w.enter(ctx, ev.UserID, awaitingPrompt{handle: s.handle}, "")
		}
	case awaitingPrompt:
		if ev.Action == ActionReady {
			return w.complete(ctx, ev, s)
		}
	case selectingChannel:
		if id, ok := parseChannelAction(ev.Action); ok {
			return w.openChannel(ctx, ev, current, id)
		}
	case channelSettings:
		switch ev.Action {
		case ActionAssistantSettings:
			return w.enter(ctx, ev.UserID, assistantSettings{channelID: s.channelID}, "")
		case ActionRestrictions:
			return w.enter(ctx, ev.UserID, editingSetting{channelID: s.channelID, field: fieldActiveHours}, "")
		case ActionToggleAutoReply:
			return w.toggleAutoReply(ctx, ev, s)
		}
	case assistantSettings:
		if field, ok := lookupField(ev.Action); ok && field.isAssistantField() {
			return w.enter(ctx, ev.UserID, editingSetting{channelID: s.channelID, field: field}, "")
		}
	}

	w.logger.Debug("Rejected action",
		zap.Int64("user_id", ev.UserID),
		zap.String("state", string(current.tag())),
		zap.String("action", ev.Action))
	note := "⚠️ This button is not available right now."
	if _, ok := current.(idle); ok {
		note = "⚠️ Please start from the main menu."
	}
	return w.reject(ctx, ev, current, note,
		fmt.Errorf("%w: action %q in state %q", ErrInvalidTransition, ev.Action, current.tag()))
}

// back unwinds one logical step.
func (w *Wizard) back(ctx context.Context, userID int64, current step) (Reply, error) {
	switch s := current.(type) {
	case awaitingBotAdd:
		return w.enter(ctx, userID, awaitingHandle{}, "")
	case awaitingPrompt:
		if s.channelID != 0 {
			// The channel is already registered; it can be edited from My channels.
			return w.enter(ctx, userID, idle{}, "The channel is saved. You can configure it in 'My channels'.")
		}
		return w.enter(ctx, userID, awaitingBotAdd{handle: s.handle}, "")
	case channelSettings:
		return w.showChannels(ctx, userID, "")
	case assistantSettings:
		return w.enter(ctx, userID, channelSettings{channelID: s.channelID}, "")
	case editingSetting:
		if s.field.isAssistantField() {
			return w.enter(ctx, userID, assistantSettings{channelID: s.channelID}, "")
		}
		return w.enter(ctx, userID, channelSettings{channelID: s.channelID}, "")
	default:
		// idle, awaitingHandle, awaitingAPIKey, selectingChannel
		return w.enter(ctx, userID, idle{}, "")
	}
}

func (w *Wizard) handleText(ctx context.Context, ev Event, current step) (Reply, error) {
	switch s := current.(type) {
	case awaitingHandle:
		handle, ok := parseHandle(ev.Text)
		if !ok {
			return w.reject(ctx, ev, current, "❌ Wrong username format.",
				fmt.Errorf("%w: channel handle %q", ErrInvalidInput, ev.Text))
		}
		return w.enter(ctx, ev.UserID, awaitingBotAdd{handle: handle}, "")
	case awaitingPrompt:
		prompt := strings.TrimSpace(ev.Text)
		if prompt == "" {
			return w.reject(ctx, ev, current, "❌ The instructions must not be empty.",
				fmt.Errorf("%w: empty system prompt", ErrInvalidInput))
		}
		s.prompt = prompt
		return w.enter(ctx, ev.UserID, s, "")
	case awaitingAPIKey:
		return w.saveCredential(ctx, ev, current)
	case editingSetting:
		return w.editSetting(ctx, ev, s)
	case idle:
		return w.render(ctx, ev.UserID, idle{}, "Use the menu to manage your channels.")
	default:
		return w.reject(ctx, ev, current, "⚠️ Please use the buttons below.",
			fmt.Errorf("%w: text in state %q", ErrInvalidTransition, current.tag()))
	}
}

// parseHandle accepts "@name" with at least one character after the @ and
// no whitespace, returning the name without the marker.
func parseHandle(text string) (string, bool) {
	text = strings.TrimSpace(text)
	name, ok := strings.CutPrefix(text, "@")
	if !ok || name == "" || strings.HasPrefix(name, "@") {
		return "", false
	}
	if strings.IndexFunc(name, unicode.IsSpace) >= 0 {
		return "", false
	}
	return name, true
}

func (w *Wizard) handleForward(ctx context.Context, ev Event, current step) (Reply, error) {
	s, ok := current.(awaitingBotAdd)
	if !ok {
		reply := Reply{
			Text: "❌ Please press 'Add new channel' in the main menu first.",
			Menu: MainMenu(),
		}
		return reply, fmt.Errorf("%w: forward in state %q", ErrInvalidTransition, current.tag())
	}

	src := ev.Forward
	if src == nil || !src.Kind.IsChannelLike() {
		return w.reject(ctx, ev, current, "❌ Please forward a post from the channel you want to add.",
			fmt.Errorf("%w: forward is not from a channel", ErrInvalidInput))
	}
	if !strings.EqualFold(src.Handle, s.handle) {
		return w.reject(ctx, ev, current,
			fmt.Sprintf("❌ Wrong channel. Please forward a post from @%s.", s.handle),
			fmt.Errorf("%w: forward from @%s, expected @%s", ErrInvalidInput, src.Handle, s.handle))
	}

	ch := models.NewChannel(src.ID, src.Title, ev.UserID, s.handle, "")
	if err := w.store.CreateChannel(ctx, ch); err != nil {
		if errors.Is(err, storage.ErrAlreadyExists) {
			return w.abortDuplicate(ctx, ev.UserID, err)
		}
		return Reply{}, fmt.Errorf("error creating channel: %w", err)
	}
	w.logger.Info("Channel registered from forward",
		zap.Int64("user_id", ev.UserID),
		zap.Int64("channel_id", src.ID),
		zap.String("handle", s.handle))

	return w.enter(ctx, ev.UserID, awaitingPrompt{handle: s.handle, channelID: src.ID},
		fmt.Sprintf("✅ Channel %s added!", src.Title))
}

// abortDuplicate clears the wizard after an AlreadyExists failure.
func (w *Wizard) abortDuplicate(ctx context.Context, userID int64, cause error) (Reply, error) {
	reply, err := w.enter(ctx, userID, idle{}, "❌ This channel is already registered.")
	if err != nil {
		return Reply{}, err
	}
	return reply, cause
}

// complete finishes onboarding: the channel is created (or, if it came from
// a forwarded post, updated) with the collected prompt.
func (w *Wizard) complete(ctx context.Context, ev Event, s awaitingPrompt) (Reply, error) {
	if s.prompt == "" {
		return w.reject(ctx, ev, s, "❌ Send your instructions first.",
			fmt.Errorf("%w: missing system prompt", ErrInvalidInput))
	}

	title := "@" + s.handle
	if s.channelID != 0 {
		ch, err := w.store.UpdateChannelSettings(ctx, s.channelID, models.SystemPromptPatch(s.prompt))
		if err != nil {
			return Reply{}, fmt.Errorf("error saving system prompt: %w", err)
		}
		title = ch.Title
	} else {
		if w.resolver == nil {
			return Reply{}, errors.New("no channel resolver configured")
		}
		info, err := w.resolver.ResolveChannel(ctx, s.handle)
		if errors.Is(err, storage.ErrNotFound) {
			return w.reject(ctx, ev, s,
				fmt.Sprintf("❌ Channel @%s was not found. Make sure the bot is an administrator there and press 'Ready' again.", s.handle),
				fmt.Errorf("%w: resolve @%s: %v", ErrInvalidInput, s.handle, err))
		}
		if err != nil {
			return Reply{}, fmt.Errorf("error resolving channel: %w", err)
		}
		ch := models.NewChannel(info.ID, info.Title, ev.UserID, s.handle, s.prompt)
		if err := w.store.CreateChannel(ctx, ch); err != nil {
			if errors.Is(err, storage.ErrAlreadyExists) {
				return w.abortDuplicate(ctx, ev.UserID, err)
			}
			return Reply{}, fmt.Errorf("error creating channel: %w", err)
		}
		title = info.Title
		w.logger.Info("Channel registered",
			zap.Int64("user_id", ev.UserID),
			zap.Int64("channel_id", info.ID),
			zap.String("handle", s.handle))
	}

	return w.enter(ctx, ev.UserID, idle{},
		fmt.Sprintf("✅ Setup of channel %s is complete!\n\n"+
			"The bot will now reply to comments automatically.\n"+
			"You can change the settings at any time in 'My channels'.", title))
}

func (w *Wizard) saveCredential(ctx context.Context, ev Event, current step) (Reply, error) {
	key := strings.TrimSpace(ev.Text)
	if key == "" || strings.IndexFunc(key, unicode.IsSpace) >= 0 {
		reply, err := w.reject(ctx, ev, current, "❌ That does not look like an API key.",
			fmt.Errorf("%w: malformed api key", ErrInvalidInput))
		reply.DeleteInput = true
		return reply, err
	}
	if w.validator != nil {
		if err := w.validator.ValidateKey(ctx, key); err != nil {
			reply, rerr := w.reject(ctx, ev, current, "❌ OpenAI rejected this key. Check it and send it again.",
				fmt.Errorf("%w: api key rejected: %v", ErrInvalidInput, err))
			reply.DeleteInput = true
			return reply, rerr
		}
	}
	if err := w.store.SetCredential(ctx, ev.UserID, key); err != nil {
		return Reply{}, fmt.Errorf("error saving credential: %w", err)
	}
	w.logger.Info("Credential saved", zap.Int64("user_id", ev.UserID))
	reply, err := w.enter(ctx, ev.UserID, idle{}, "✅ OpenAI key saved.")
	reply.DeleteInput = true
	return reply, err
}

func (w *Wizard) showChannels(ctx context.Context, userID int64, note string) (Reply, error) {
	channels, err := w.store.ListChannelsForUser(ctx, userID)
	if err != nil {
		return Reply{}, fmt.Errorf("error listing channels: %w", err)
	}
	if len(channels) == 0 {
		return w.enter(ctx, userID, idle{}, noChannelsText)
	}
	return w.enter(ctx, userID, selectingChannel{}, note)
}

func (w *Wizard) showStats(ctx context.Context, userID int64) (Reply, error) {
	user, err := w.store.GetUser(ctx, userID)
	if err != nil {
		return Reply{}, fmt.Errorf("error loading user: %w", err)
	}
	channels, err := w.store.ListChannelsForUser(ctx, userID)
	if err != nil {
		return Reply{}, fmt.Errorf("error listing channels: %w", err)
	}
	return w.enter(ctx, userID, idle{}, statsText(user, channels))
}

// ownedChannel loads a channel and checks that userID owns it.
func (w *Wizard) ownedChannel(ctx context.Context, userID, channelID int64) (*models.Channel, error) {
	ch, err := w.store.GetChannel(ctx, channelID)
	if err != nil {
		return nil, err
	}
	if ch.OwnerID != userID {
		return nil, fmt.Errorf("channel %d: %w", channelID, storage.ErrNotFound)
	}
	return ch, nil
}

func (w *Wizard) openChannel(ctx context.Context, ev Event, current step, channelID int64) (Reply, error) {
	if _, err := w.ownedChannel(ctx, ev.UserID, channelID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return w.reject(ctx, ev, current, "❌ Channel not found.", fmt.Errorf("%w: %v", ErrInvalidInput, err))
		}
		return Reply{}, err
	}
	return w.enter(ctx, ev.UserID, channelSettings{channelID: channelID}, "")
}

func (w *Wizard) toggleAutoReply(ctx context.Context, ev Event, s channelSettings) (Reply, error) {
	ch, err := w.ownedChannel(ctx, ev.UserID, s.channelID)
	if err != nil {
		return Reply{}, fmt.Errorf("error loading channel: %w", err)
	}
	enabled := !ch.Settings.AutoReplyEnabled
	if _, err := w.store.UpdateChannelSettings(ctx, s.channelID, models.SettingsPatch{AutoReplyEnabled: &enabled}); err != nil {
		return Reply{}, fmt.Errorf("error updating settings: %w", err)
	}
	return w.enter(ctx, ev.UserID, s, fmt.Sprintf("Auto-reply is now %s.", onOff(enabled)))
}

func (w *Wizard) editSetting(ctx context.Context, ev Event, s editingSetting) (Reply, error) {
	patch, err := s.field.parse(ev.Text)
	if err != nil {
		return w.reject(ctx, ev, s, "❌ "+strings.TrimPrefix(err.Error(), ErrInvalidInput.Error()+": "), err)
	}
	if _, err := w.ownedChannel(ctx, ev.UserID, s.channelID); err != nil {
		return Reply{}, fmt.Errorf("error loading channel: %w", err)
	}
	if _, err := w.store.UpdateChannelSettings(ctx, s.channelID, patch); err != nil {
		return Reply{}, fmt.Errorf("error updating settings: %w", err)
	}
	w.logger.Info("Channel settings updated",
		zap.Int64("user_id", ev.UserID),
		zap.Int64("channel_id", s.channelID),
		zap.String("field", string(s.field)))

	var next step = assistantSettings{channelID: s.channelID}
	if !s.field.isAssistantField() {
		next = channelSettings{channelID: s.channelID}
	}
	return w.enter(ctx, ev.UserID, next, "✅ Saved.")
}
