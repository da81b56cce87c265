package bot

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/xaenox/autoreply-bot/internal/models"
	"github.com/xaenox/autoreply-bot/internal/storage"
	"github.com/xaenox/autoreply-bot/internal/wizard"
)

type chatGetter interface {
	GetChat(config tgbotapi.ChatInfoConfig) (tgbotapi.Chat, error)
}

// ChannelResolver looks channels up with getChat.
type ChannelResolver struct {
	api chatGetter
}

func NewChannelResolver(api *tgbotapi.BotAPI) *ChannelResolver {
	return &ChannelResolver{api: api}
}

func (r *ChannelResolver) ResolveChannel(ctx context.Context, handle string) (wizard.ChannelInfo, error) {
	if err := ctx.Err(); err != nil {
		return wizard.ChannelInfo{}, err
	}
	chat, err := r.api.GetChat(tgbotapi.ChatInfoConfig{
		ChatConfig: tgbotapi.ChatConfig{SuperGroupUsername: "@" + handle},
	})
	if err != nil {
		var apiErr *tgbotapi.Error
		if errors.As(err, &apiErr) && apiErr.Code == http.StatusBadRequest {
			return wizard.ChannelInfo{}, fmt.Errorf("chat @%s: %s: %w", handle, apiErr.Message, storage.ErrNotFound)
		}
		return wizard.ChannelInfo{}, fmt.Errorf("failed to get chat @%s: %w", handle, err)
	}
	if !models.ChatKind(chat.Type).IsChannelLike() {
		return wizard.ChannelInfo{}, fmt.Errorf("chat @%s is a %s: %w", handle, chat.Type, storage.ErrNotFound)
	}
	return wizard.ChannelInfo{ID: chat.ID, Title: chat.Title, Handle: chat.UserName}, nil
}
