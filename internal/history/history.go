// Package history keeps a bounded, chronological log of recent messages per
// channel, used as conversation context for generated replies.
package history

import (
	"context"

	"github.com/xaenox/autoreply-bot/internal/models"
)

// Store appends messages and returns the most recent ones, oldest first.
type Store interface {
	Append(ctx context.Context, channelID int64, msg models.ContextMessage) error
	Recent(ctx context.Context, channelID int64, limit int) ([]models.ContextMessage, error)
	Close() error
}
