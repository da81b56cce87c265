package bot

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/google/uuid"
	"github.com/xaenox/autoreply-bot/internal/autoreply"
	"github.com/xaenox/autoreply-bot/internal/models"
	"github.com/xaenox/autoreply-bot/internal/storage"
	"github.com/xaenox/autoreply-bot/internal/wizard"
	"go.uber.org/zap"
)

const genericErrorText = "⚠️ Sorry, something went wrong. Please try again later."

// sender is the part of the Telegram API the dispatcher talks to.
type sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
}

type Options struct {
	PollTimeout int
}

type Bot struct {
	api         *tgbotapi.BotAPI
	out         sender
	wizard      *wizard.Wizard
	gate        *autoreply.Gate
	pollTimeout int
	logger      *zap.Logger

	// one mutex per user keeps a user's events sequential
	locks sync.Map
	wg    sync.WaitGroup
}

// NewAPI connects to Telegram with the bot token.
func NewAPI(token string, debug bool) (*tgbotapi.BotAPI, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("failed to create bot: %w", err)
	}
	api.Debug = debug
	return api, nil
}

func New(api *tgbotapi.BotAPI, wiz *wizard.Wizard, gate *autoreply.Gate, opts Options, logger *zap.Logger) *Bot {
	timeout := opts.PollTimeout
	if timeout <= 0 {
		timeout = 60
	}
	return &Bot{
		api:         api,
		out:         api,
		wizard:      wiz,
		gate:        gate,
		pollTimeout: timeout,
		logger:      logger,
	}
}

// Start long-polls for updates until ctx is cancelled and waits for the
// in-flight handlers to finish.
func (b *Bot) Start(ctx context.Context) error {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = b.pollTimeout

	updates := b.api.GetUpdatesChan(u)
	b.logger.Info("Bot started", zap.String("username", b.api.Self.UserName))

	for {
		select {
		case <-ctx.Done():
			b.api.StopReceivingUpdates()
			b.wg.Wait()
			b.logger.Info("Bot stopped")
			return nil
		case update, ok := <-updates:
			if !ok {
				b.wg.Wait()
				return nil
			}
			b.wg.Add(1)
			go func() {
				defer b.wg.Done()
				b.handleUpdate(ctx, update)
			}()
		}
	}
}

func (b *Bot) handleUpdate(ctx context.Context, update tgbotapi.Update) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("Panic while handling update",
				zap.Any("panic", r),
				zap.Int("update_id", update.UpdateID),
				zap.ByteString("stack", debug.Stack()))
		}
	}()

	switch {
	case update.CallbackQuery != nil:
		b.handleCallback(ctx, update.CallbackQuery)
	case update.ChannelPost != nil:
		b.handlePost(ctx, update.ChannelPost)
	case update.Message != nil:
		msg := update.Message
		if msg.Chat != nil && msg.Chat.IsPrivate() {
			b.handlePrivate(ctx, msg)
			return
		}
		b.handlePost(ctx, msg)
	}
}

func profileOf(u *tgbotapi.User) wizard.Profile {
	return wizard.Profile{Username: u.UserName, FirstName: u.FirstName, LastName: u.LastName}
}

func messageText(msg *tgbotapi.Message) string {
	if msg.Text != "" {
		return msg.Text
	}
	return msg.Caption
}

func (b *Bot) handlePrivate(ctx context.Context, msg *tgbotapi.Message) {
	if msg.From == nil {
		return
	}
	ev := wizard.Event{UserID: msg.From.ID, Profile: profileOf(msg.From)}
	switch {
	case msg.IsCommand():
		ev.Kind = wizard.EventCommand
		ev.Command = msg.Command()
	case msg.ForwardFromChat != nil:
		ev.Kind = wizard.EventForward
		ev.Forward = &wizard.ForwardSource{
			ID:     msg.ForwardFromChat.ID,
			Title:  msg.ForwardFromChat.Title,
			Handle: msg.ForwardFromChat.UserName,
			Kind:   models.ChatKind(msg.ForwardFromChat.Type),
		}
	case msg.ForwardDate != 0:
		// forwarded from a user; rejected by the wizard
		ev.Kind = wizard.EventForward
		ev.Forward = &wizard.ForwardSource{Kind: models.ChatPrivate}
	default:
		ev.Kind = wizard.EventText
		ev.Text = messageText(msg)
	}
	b.dispatch(ctx, ev, msg.Chat.ID, msg.MessageID, 0)
}

func (b *Bot) handleCallback(ctx context.Context, cb *tgbotapi.CallbackQuery) {
	if _, err := b.out.Request(tgbotapi.NewCallback(cb.ID, "")); err != nil {
		b.logger.Warn("Failed to answer callback", zap.Error(err), zap.String("callback_id", cb.ID))
	}
	if cb.From == nil || cb.Message == nil || cb.Message.Chat == nil {
		return
	}
	ev := wizard.Event{
		Kind:    wizard.EventAction,
		UserID:  cb.From.ID,
		Profile: profileOf(cb.From),
		Action:  cb.Data,
	}
	b.dispatch(ctx, ev, cb.Message.Chat.ID, 0, cb.Message.MessageID)
}

func (b *Bot) userLock(userID int64) *sync.Mutex {
	m, _ := b.locks.LoadOrStore(userID, &sync.Mutex{})
	return m.(*sync.Mutex)
}

// dispatch runs one wizard event and renders the reply, editing editID
// when the event came from a button.
func (b *Bot) dispatch(ctx context.Context, ev wizard.Event, chatID int64, inputID, editID int) {
	lock := b.userLock(ev.UserID)
	lock.Lock()
	defer lock.Unlock()

	traceID := uuid.New().String()
	reply, err := b.wizard.Handle(ctx, ev)
	if err != nil {
		fields := []zap.Field{
			zap.Error(err),
			zap.String("trace_id", traceID),
			zap.Int64("user_id", ev.UserID),
			zap.Stringer("event", ev.Kind),
			zap.String("action", ev.Action),
			zap.String("command", ev.Command),
		}
		if state, serr := b.wizard.CurrentState(ctx, ev.UserID); serr == nil {
			fields = append(fields, zap.String("state", string(state)))
		}
		switch {
		case errors.Is(err, wizard.ErrInvalidInput),
			errors.Is(err, wizard.ErrInvalidTransition),
			errors.Is(err, storage.ErrAlreadyExists):
			b.logger.Info("Wizard rejected event", fields...)
		default:
			b.logger.Error("Failed to handle event", fields...)
		}
	}
	if reply.Text == "" {
		if err == nil {
			return
		}
		reply = wizard.Reply{Text: genericErrorText, Menu: wizard.MainMenu()}
	}

	if reply.DeleteInput && inputID != 0 {
		if _, derr := b.out.Request(tgbotapi.NewDeleteMessage(chatID, inputID)); derr != nil {
			b.logger.Warn("Failed to delete message",
				zap.Error(derr),
				zap.Int64("chat_id", chatID),
				zap.Int("message_id", inputID))
		}
	}
	b.render(chatID, editID, reply)
}

func (b *Bot) handlePost(ctx context.Context, msg *tgbotapi.Message) {
	if msg.Chat == nil || (msg.From != nil && msg.From.IsBot) {
		return
	}
	if msg.IsCommand() {
		return
	}
	post := autoreply.Post{
		ChatID:    msg.Chat.ID,
		ChatKind:  models.ChatKind(msg.Chat.Type),
		MessageID: msg.MessageID,
		Text:      messageText(msg),
	}

	decision, err := b.gate.Handle(ctx, post)
	if err != nil {
		b.logger.Error("Failed to handle channel message",
			zap.Error(err),
			zap.Int64("chat_id", post.ChatID),
			zap.Int("message_id", post.MessageID))
		return
	}
	if !decision.Replied {
		b.logger.Debug("Channel message skipped",
			zap.Int64("chat_id", post.ChatID),
			zap.String("reason", string(decision.Reason)))
		return
	}

	reply := tgbotapi.NewMessage(post.ChatID, decision.Reply)
	reply.ReplyToMessageID = post.MessageID
	if _, err := b.out.Send(reply); err != nil {
		b.logger.Error("Failed to send auto-reply",
			zap.Error(err),
			zap.Int64("chat_id", post.ChatID))
	}
}
