// Package autoreply decides whether a channel post gets a generated reply
// and produces it.
package autoreply

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/xaenox/autoreply-bot/internal/assistant"
	"github.com/xaenox/autoreply-bot/internal/history"
	"github.com/xaenox/autoreply-bot/internal/models"
	"github.com/xaenox/autoreply-bot/internal/storage"
	"go.uber.org/zap"
)

// Reason explains a decision.
type Reason string

const (
	ReasonReplied        Reason = "replied"
	ReasonNotChannel     Reason = "not_channel"
	ReasonEmpty          Reason = "empty"
	ReasonUnknownChannel Reason = "unknown_channel"
	ReasonDisabled       Reason = "disabled"
	ReasonOutsideHours   Reason = "outside_hours"
	ReasonNoCredential   Reason = "no_credential"
)

// Post is an inbound message in a channel or group.
type Post struct {
	ChatID    int64
	ChatKind  models.ChatKind
	MessageID int
	Text      string
}

// Decision is the gate's verdict. Reply is set only when Replied is true and
// must be posted back into the chat unchanged.
type Decision struct {
	Replied bool
	Reason  Reason
	Reply   string
}

func skip(reason Reason) Decision {
	return Decision{Reason: reason}
}

type Config struct {
	// ContextSize is the number of prior messages passed to the responder.
	ContextSize int
	// Location is the timezone active hours are evaluated in.
	Location *time.Location
	Now      func() time.Time
}

type Gate struct {
	store       storage.Storage
	responder   assistant.Responder
	history     history.Store
	contextSize int
	location    *time.Location
	now         func() time.Time
	logger      *zap.Logger
}

// NewGate builds the gate. hist may be nil, in which case no context is
// gathered.
func NewGate(store storage.Storage, responder assistant.Responder, hist history.Store, cfg Config, logger *zap.Logger) *Gate {
	loc := cfg.Location
	if loc == nil {
		loc = time.Local
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Gate{
		store:       store,
		responder:   responder,
		history:     hist,
		contextSize: cfg.ContextSize,
		location:    loc,
		now:         now,
		logger:      logger,
	}
}

// Handle runs the checks in order: chat kind, registered channel, auto-reply
// flag, active hours, owner credential. The first failing check skips the
// post. Generation failures are answered with assistant.FallbackReply.
func (g *Gate) Handle(ctx context.Context, post Post) (Decision, error) {
	if !post.ChatKind.IsChannelLike() {
		return skip(ReasonNotChannel), nil
	}
	text := strings.TrimSpace(post.Text)
	if text == "" {
		return skip(ReasonEmpty), nil
	}

	channel, err := g.store.GetChannel(ctx, post.ChatID)
	if errors.Is(err, storage.ErrNotFound) {
		return skip(ReasonUnknownChannel), nil
	}
	if err != nil {
		return Decision{}, fmt.Errorf("error loading channel: %w", err)
	}

	now := g.now()
	decision, err := g.decide(ctx, channel, text, now)
	if err != nil {
		return Decision{}, err
	}

	if err := g.store.RecordChannelActivity(ctx, channel.ID, decision.Replied); err != nil {
		g.logger.Error("Failed to record channel activity",
			zap.Error(err),
			zap.Int64("channel_id", channel.ID))
	}
	g.remember(ctx, channel.ID, models.RoleUser, text, now)
	if decision.Replied {
		g.remember(ctx, channel.ID, models.RoleAssistant, decision.Reply, g.now())
	}
	return decision, nil
}

func (g *Gate) decide(ctx context.Context, channel *models.Channel, text string, now time.Time) (Decision, error) {
	settings := channel.Settings
	if !settings.AutoReplyEnabled {
		return skip(ReasonDisabled), nil
	}

	active, err := settings.Restrictions.ActiveHours.Contains(now.In(g.location))
	if err != nil {
		g.logger.Warn("Malformed active hours, skipping post",
			zap.Error(err),
			zap.Int64("channel_id", channel.ID),
			zap.String("active_hours", settings.Restrictions.ActiveHours.String()))
		return skip(ReasonOutsideHours), nil
	}
	if !active {
		return skip(ReasonOutsideHours), nil
	}

	apiKey, err := g.store.GetCredential(ctx, channel.OwnerID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return Decision{}, fmt.Errorf("error loading credential: %w", err)
	}
	if apiKey == "" {
		return skip(ReasonNoCredential), nil
	}

	req := assistant.Request{
		Message:  text,
		Settings: settings.AssistantSettings,
		Context:  g.recent(ctx, channel.ID),
	}
	reply, err := g.responder.Respond(ctx, apiKey, req)
	if err != nil {
		if ctx.Err() != nil {
			return Decision{}, ctx.Err()
		}
		g.logger.Warn("Reply generation failed, sending fallback",
			zap.Error(err),
			zap.Int64("channel_id", channel.ID),
			zap.Bool("upstream", errors.Is(err, assistant.ErrUpstream)))
		reply = assistant.FallbackReply
	}

	g.logger.Info("Auto-reply generated",
		zap.Int64("channel_id", channel.ID),
		zap.Int("context_messages", len(req.Context)))
	return Decision{Replied: true, Reason: ReasonReplied, Reply: reply}, nil
}

func (g *Gate) recent(ctx context.Context, channelID int64) []models.ContextMessage {
	if g.history == nil || g.contextSize <= 0 {
		return nil
	}
	msgs, err := g.history.Recent(ctx, channelID, g.contextSize)
	if err != nil {
		g.logger.Warn("Failed to load channel history", zap.Error(err), zap.Int64("channel_id", channelID))
		return nil
	}
	return msgs
}

func (g *Gate) remember(ctx context.Context, channelID int64, role, content string, at time.Time) {
	if g.history == nil {
		return
	}
	if err := g.history.Append(ctx, channelID, models.NewContextMessage(role, content, at)); err != nil {
		g.logger.Warn("Failed to append channel history", zap.Error(err), zap.Int64("channel_id", channelID))
	}
}
