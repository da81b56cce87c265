package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/xaenox/autoreply-bot/internal/models"
	"go.uber.org/zap"
)

// MemoryStorage keeps every record in maps behind one mutex. With a path it
// rewrites the whole document to disk after each mutation.
type MemoryStorage struct {
	mu       sync.RWMutex
	users    map[int64]*models.User
	channels map[int64]*models.Channel
	states   map[int64]*models.ConversationState

	path   string
	now    func() time.Time
	logger *zap.Logger
}

func NewMemoryStorage(opts ...Option) *MemoryStorage {
	o := buildOptions(opts)
	return &MemoryStorage{
		users:    make(map[int64]*models.User),
		channels: make(map[int64]*models.Channel),
		states:   make(map[int64]*models.ConversationState),
		now:      o.now,
		logger:   o.logger,
	}
}

// NewFileStorage loads the document at path, if any, and persists every
// mutation back to it.
func NewFileStorage(path string, opts ...Option) (*MemoryStorage, error) {
	snap, err := LoadSnapshotFile(path)
	if err != nil {
		return nil, err
	}
	s := NewMemoryStorage(opts...)
	if err := s.load(snap); err != nil {
		return nil, err
	}
	s.path = path
	s.logger.Info("Loaded file storage",
		zap.String("path", path),
		zap.Int("users", len(s.users)),
		zap.Int("channels", len(s.channels)))
	return s, nil
}

// flush must be called with mu held for writing.
func (s *MemoryStorage) flush() error {
	if s.path == "" {
		return nil
	}
	if err := SaveSnapshotFile(s.path, s.snapshotLocked()); err != nil {
		s.logger.Error("Failed to flush storage", zap.Error(err), zap.String("path", s.path))
		return err
	}
	return nil
}

// User methods
func (s *MemoryStorage) UpsertUser(ctx context.Context, user *models.User) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.users[user.ID]; exists {
		return false, nil
	}
	u := user.Clone()
	now := s.now()
	if u.CreatedAt.IsZero() {
		u.CreatedAt = now
	}
	if u.LastActivity.IsZero() {
		u.LastActivity = now
	}
	s.users[u.ID] = u
	return true, s.flush()
}

func (s *MemoryStorage) GetUser(ctx context.Context, userID int64) (*models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if user, exists := s.users[userID]; exists {
		return user.Clone(), nil
	}
	return nil, fmt.Errorf("user %d: %w", userID, ErrNotFound)
}

func (s *MemoryStorage) RecordActivity(ctx context.Context, userID int64, command string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	user, exists := s.users[userID]
	if !exists {
		return nil
	}
	user.Touch(command, s.now())
	return s.flush()
}

func (s *MemoryStorage) SetCredential(ctx context.Context, userID int64, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	user, exists := s.users[userID]
	if !exists {
		return fmt.Errorf("user %d: %w", userID, ErrNotFound)
	}
	user.OpenAIKey = &key
	return s.flush()
}

func (s *MemoryStorage) GetCredential(ctx context.Context, userID int64) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	user, exists := s.users[userID]
	if !exists {
		return "", fmt.Errorf("user %d: %w", userID, ErrNotFound)
	}
	if user.OpenAIKey == nil {
		return "", nil
	}
	return *user.OpenAIKey, nil
}

// Channel methods
func (s *MemoryStorage) CreateChannel(ctx context.Context, channel *models.Channel) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.channels[channel.ID]; exists {
		return fmt.Errorf("channel %d: %w", channel.ID, ErrAlreadyExists)
	}
	s.channels[channel.ID] = channel.Clone()
	return s.flush()
}

func (s *MemoryStorage) GetChannel(ctx context.Context, channelID int64) (*models.Channel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if ch, exists := s.channels[channelID]; exists {
		return ch.Clone(), nil
	}
	return nil, fmt.Errorf("channel %d: %w", channelID, ErrNotFound)
}

func (s *MemoryStorage) UpdateChannelSettings(ctx context.Context, channelID int64, patch models.SettingsPatch) (*models.Channel, error) {
	if err := patch.Validate(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	prev, exists := s.channels[channelID]
	if !exists {
		return nil, fmt.Errorf("channel %d: %w", channelID, ErrNotFound)
	}
	ch := prev.Clone()
	patch.Apply(&ch.Settings)
	s.channels[channelID] = ch
	if err := s.flush(); err != nil {
		// Memory must not run ahead of the file.
		s.channels[channelID] = prev
		return nil, err
	}
	return ch.Clone(), nil
}

func (s *MemoryStorage) RecordChannelActivity(ctx context.Context, channelID int64, replied bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch, exists := s.channels[channelID]
	if !exists {
		return fmt.Errorf("channel %d: %w", channelID, ErrNotFound)
	}
	now := s.now()
	ch.Stats.TotalMessages++
	if replied {
		ch.Stats.TotalReplies++
	}
	ch.Stats.LastActivity = &now
	return s.flush()
}

func (s *MemoryStorage) ListChannelsForUser(ctx context.Context, userID int64) ([]*models.Channel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	channels := []*models.Channel{}
	for _, ch := range s.channels {
		if ch.OwnerID == userID {
			channels = append(channels, ch.Clone())
		}
	}
	sort.Slice(channels, func(i, j int) bool { return channels[i].ID < channels[j].ID })
	return channels, nil
}

// State methods
func (s *MemoryStorage) GetState(ctx context.Context, userID int64) (*models.ConversationState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if st, exists := s.states[userID]; exists {
		return st.Clone(), nil
	}
	return nil, nil
}

func (s *MemoryStorage) SetState(ctx context.Context, userID int64, tag models.StateTag, data map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := &models.ConversationState{State: tag, UpdatedAt: s.now()}
	switch prev, exists := s.states[userID]; {
	case data != nil:
		next.Data = models.CloneData(data)
	case exists:
		next.Data = models.CloneData(prev.Data)
	default:
		next.Data = map[string]string{}
	}
	s.states[userID] = next
	return s.flush()
}

func (s *MemoryStorage) ClearState(ctx context.Context, userID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.states[userID]; !exists {
		return nil
	}
	delete(s.states, userID)
	return s.flush()
}

func (s *MemoryStorage) Snapshot(ctx context.Context) (*Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshotLocked(), nil
}

func (s *MemoryStorage) snapshotLocked() *Snapshot {
	snap := NewSnapshot()
	for id, u := range s.users {
		snap.Users[idKey(id)] = u.Clone()
	}
	for id, ch := range s.channels {
		snap.Channels[idKey(id)] = ch.Clone()
	}
	for id, st := range s.states {
		snap.UserStates[idKey(id)] = st.Clone()
	}
	snap.UserChannels = BuildChannelIndex(snap.Channels)
	return snap
}

func (s *MemoryStorage) Restore(ctx context.Context, snap *Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.load(snap); err != nil {
		return err
	}
	return s.flush()
}

// load replaces the maps with the snapshot contents.
func (s *MemoryStorage) load(snap *Snapshot) error {
	if err := snap.Normalize(); err != nil {
		return err
	}
	users := make(map[int64]*models.User, len(snap.Users))
	for _, u := range snap.Users {
		users[u.ID] = u.Clone()
	}
	channels := make(map[int64]*models.Channel, len(snap.Channels))
	for _, ch := range snap.Channels {
		channels[ch.ID] = ch.Clone()
	}
	states := make(map[int64]*models.ConversationState, len(snap.UserStates))
	for key, st := range snap.UserStates {
		id, err := parseIDKey(key)
		if err != nil {
			return err
		}
		states[id] = st.Clone()
	}
	s.users, s.channels, s.states = users, channels, states
	return nil
}

func (s *MemoryStorage) Close() error {
	// Nothing to close for in-memory storage
	return nil
}
