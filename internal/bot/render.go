package bot

import (
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/xaenox/autoreply-bot/internal/wizard"
	"go.uber.org/zap"
)

func keyboard(menu wizard.Menu) tgbotapi.InlineKeyboardMarkup {
	rows := make([][]tgbotapi.InlineKeyboardButton, 0, len(menu))
	for _, row := range menu {
		buttons := make([]tgbotapi.InlineKeyboardButton, 0, len(row))
		for _, btn := range row {
			buttons = append(buttons, tgbotapi.NewInlineKeyboardButtonData(btn.Label, btn.Action))
		}
		rows = append(rows, tgbotapi.NewInlineKeyboardRow(buttons...))
	}
	return tgbotapi.NewInlineKeyboardMarkup(rows...)
}

// render edits the message with editID in place, or sends a new message
// when editID is zero or the edit fails.
func (b *Bot) render(chatID int64, editID int, reply wizard.Reply) {
	if editID != 0 {
		var edit tgbotapi.EditMessageTextConfig
		if len(reply.Menu) > 0 {
			edit = tgbotapi.NewEditMessageTextAndMarkup(chatID, editID, reply.Text, keyboard(reply.Menu))
		} else {
			edit = tgbotapi.NewEditMessageText(chatID, editID, reply.Text)
		}
		_, err := b.out.Request(edit)
		if err == nil || strings.Contains(err.Error(), "message is not modified") {
			return
		}
		b.logger.Warn("Failed to edit message, sending a new one",
			zap.Error(err),
			zap.Int64("chat_id", chatID),
			zap.Int("message_id", editID))
	}

	msg := tgbotapi.NewMessage(chatID, reply.Text)
	if len(reply.Menu) > 0 {
		msg.ReplyMarkup = keyboard(reply.Menu)
	}
	if _, err := b.out.Send(msg); err != nil {
		b.logger.Error("Failed to send message",
			zap.Error(err),
			zap.Int64("chat_id", chatID))
	}
}
