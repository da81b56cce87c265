package history

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xaenox/autoreply-bot/internal/models"
)

func TestMemoryStoreKeepsNewestInOrder(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(3)
	base := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

	for i, text := range []string{"one", "two", "three", "four"} {
		require.NoError(t, s.Append(ctx, -100, models.NewContextMessage(models.RoleUser, text, base.Add(time.Duration(i)*time.Minute))))
	}

	got, err := s.Recent(ctx, -100, 10)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "two", got[0].Content)
	assert.Equal(t, "four", got[2].Content)

	got, err = s.Recent(ctx, -100, 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "three", got[0].Content)
	assert.Equal(t, "four", got[1].Content)
}

func TestMemoryStoreSeparatesChannels(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(5)
	require.NoError(t, s.Append(ctx, 1, models.NewContextMessage(models.RoleUser, "a", time.Now())))

	got, err := s.Recent(ctx, 2, 5)
	require.NoError(t, err)
	assert.Empty(t, got)

	got, err = s.Recent(ctx, 1, 0)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestMemoryStoreRecentReturnsCopy(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(5)
	require.NoError(t, s.Append(ctx, 1, models.NewContextMessage(models.RoleUser, "a", time.Now())))

	got, err := s.Recent(ctx, 1, 5)
	require.NoError(t, err)
	got[0].Content = "changed"

	again, err := s.Recent(ctx, 1, 5)
	require.NoError(t, err)
	assert.Equal(t, "a", again[0].Content)
	assert.NotEmpty(t, again[0].ID)
}
