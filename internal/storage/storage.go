package storage

import (
	"context"
	"errors"

	"github.com/xaenox/autoreply-bot/internal/models"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
)

// Storage is the single source of truth for users, channels and wizard
// state. Every mutation is durable when the call returns.
type Storage interface {
	UserStorage
	ChannelStorage
	StateStorage

	// Snapshot exports the whole store in the persisted document layout.
	Snapshot(ctx context.Context) (*Snapshot, error)
	// Restore replaces the store contents with the snapshot.
	Restore(ctx context.Context, snap *Snapshot) error
	Close() error
}

type UserStorage interface {
	// UpsertUser creates the user if it does not exist; profile fields of an
	// existing user are left unchanged. Reports whether a record was created.
	UpsertUser(ctx context.Context, user *models.User) (bool, error)
	GetUser(ctx context.Context, userID int64) (*models.User, error)
	// RecordActivity updates the activity timestamp and bumps the command
	// counter when command is not empty. Unknown users are ignored.
	RecordActivity(ctx context.Context, userID int64, command string) error
	SetCredential(ctx context.Context, userID int64, key string) error
	// GetCredential returns "" when the user has no key.
	GetCredential(ctx context.Context, userID int64) (string, error)
}

type ChannelStorage interface {
	CreateChannel(ctx context.Context, channel *models.Channel) error
	GetChannel(ctx context.Context, channelID int64) (*models.Channel, error)
	UpdateChannelSettings(ctx context.Context, channelID int64, patch models.SettingsPatch) (*models.Channel, error)
	// RecordChannelActivity counts an inbound message and, if replied, a reply.
	RecordChannelActivity(ctx context.Context, channelID int64, replied bool) error
	// ListChannelsForUser returns the channels owned by userID ordered by id.
	ListChannelsForUser(ctx context.Context, userID int64) ([]*models.Channel, error)
}

type StateStorage interface {
	// GetState returns nil without error when the user has no state.
	GetState(ctx context.Context, userID int64) (*models.ConversationState, error)
	// SetState stores tag for the user. A non-nil data replaces the working
	// data; nil data keeps the previous working data.
	SetState(ctx context.Context, userID int64, tag models.StateTag, data map[string]string) error
	ClearState(ctx context.Context, userID int64) error
}
