package history

import (
	"context"
	"sync"

	"github.com/xaenox/autoreply-bot/internal/models"
)

// MemoryStore keeps at most size messages per channel.
type MemoryStore struct {
	mu       sync.Mutex
	size     int
	messages map[int64][]models.ContextMessage
}

func NewMemoryStore(size int) *MemoryStore {
	if size < 1 {
		size = 1
	}
	return &MemoryStore{
		size:     size,
		messages: make(map[int64][]models.ContextMessage),
	}
}

func (s *MemoryStore) Append(ctx context.Context, channelID int64, msg models.ContextMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	buf := append(s.messages[channelID], msg)
	if len(buf) > s.size {
		buf = append([]models.ContextMessage(nil), buf[len(buf)-s.size:]...)
	}
	s.messages[channelID] = buf
	return nil
}

func (s *MemoryStore) Recent(ctx context.Context, channelID int64, limit int) ([]models.ContextMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	buf := s.messages[channelID]
	if limit <= 0 {
		return []models.ContextMessage{}, nil
	}
	if limit < len(buf) {
		buf = buf[len(buf)-limit:]
	}
	out := make([]models.ContextMessage, len(buf))
	copy(out, buf)
	return out, nil
}

func (s *MemoryStore) Close() error {
	return nil
}
