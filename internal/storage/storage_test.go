package storage

import (
	"bytes"
	"context"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xaenox/autoreply-bot/internal/models"
)

var fixedNow = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func fixedClock() time.Time { return fixedNow }

type backend struct {
	name string
	open func(t *testing.T) Storage
}

func backends() []backend {
	return []backend{
		{"memory", func(t *testing.T) Storage {
			return NewMemoryStorage(WithClock(fixedClock))
		}},
		{"file", func(t *testing.T) Storage {
			s, err := NewFileStorage(filepath.Join(t.TempDir(), "database.json"), WithClock(fixedClock))
			require.NoError(t, err)
			return s
		}},
		{"bolt", func(t *testing.T) Storage {
			s, err := NewBoltStorage(filepath.Join(t.TempDir(), "bot.bolt"), WithClock(fixedClock))
			require.NoError(t, err)
			t.Cleanup(func() { s.Close() })
			return s
		}},
	}
}

func forEachBackend(t *testing.T, fn func(t *testing.T, s Storage)) {
	for _, b := range backends() {
		b := b
		t.Run(b.name, func(t *testing.T) {
			fn(t, b.open(t))
		})
	}
}

func ptr[T any](v T) *T { return &v }

func TestUpsertUserFirstWriteWins(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Storage) {
		ctx := context.Background()

		created, err := s.UpsertUser(ctx, models.NewUser(1, "alice", "Alice", "", time.Time{}))
		require.NoError(t, err)
		assert.True(t, created)

		created, err = s.UpsertUser(ctx, models.NewUser(1, "mallory", "Mallory", "", time.Time{}))
		require.NoError(t, err)
		assert.False(t, created)

		u, err := s.GetUser(ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, "alice", u.Username)
		assert.Equal(t, fixedNow, u.CreatedAt)
		assert.Empty(t, u.CommandsUsed)
		assert.Nil(t, u.OpenAIKey)
	})
}

func TestRecordActivity(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Storage) {
		ctx := context.Background()
		_, err := s.UpsertUser(ctx, models.NewUser(1, "alice", "", "", time.Time{}))
		require.NoError(t, err)

		require.NoError(t, s.RecordActivity(ctx, 1, "start"))
		require.NoError(t, s.RecordActivity(ctx, 1, "start"))
		require.NoError(t, s.RecordActivity(ctx, 1, ""))

		u, err := s.GetUser(ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, map[string]int{"start": 2}, u.CommandsUsed)

		// Unknown users are ignored.
		assert.NoError(t, s.RecordActivity(ctx, 404, "start"))
		_, err = s.GetUser(ctx, 404)
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestCredential(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Storage) {
		ctx := context.Background()

		assert.ErrorIs(t, s.SetCredential(ctx, 1, "sk-test"), ErrNotFound)

		_, err := s.UpsertUser(ctx, models.NewUser(1, "alice", "", "", time.Time{}))
		require.NoError(t, err)

		key, err := s.GetCredential(ctx, 1)
		require.NoError(t, err)
		assert.Empty(t, key)

		require.NoError(t, s.SetCredential(ctx, 1, "sk-test"))
		key, err = s.GetCredential(ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, "sk-test", key)
	})
}

func TestCreateChannelTwiceKeepsFirst(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Storage) {
		ctx := context.Background()

		require.NoError(t, s.CreateChannel(ctx, models.NewChannel(-100, "First", 1, "first", "be nice")))
		err := s.CreateChannel(ctx, models.NewChannel(-100, "Second", 2, "second", "be rude"))
		assert.ErrorIs(t, err, ErrAlreadyExists)

		ch, err := s.GetChannel(ctx, -100)
		require.NoError(t, err)
		assert.Equal(t, "First", ch.Title)
		assert.Equal(t, int64(1), ch.OwnerID)
		assert.Equal(t, "be nice", ch.Settings.AssistantSettings.SystemPrompt)

		owned, err := s.ListChannelsForUser(ctx, 2)
		require.NoError(t, err)
		assert.Empty(t, owned)
	})
}

func TestUpdateChannelSettings(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Storage) {
		ctx := context.Background()

		_, err := s.UpdateChannelSettings(ctx, -1, models.SystemPromptPatch("x"))
		assert.ErrorIs(t, err, ErrNotFound)

		require.NoError(t, s.CreateChannel(ctx, models.NewChannel(-100, "News", 1, "news", "")))

		ch, err := s.UpdateChannelSettings(ctx, -100, models.SettingsPatch{
			AutoReplyEnabled: ptr(false),
		})
		require.NoError(t, err)
		assert.False(t, ch.Settings.AutoReplyEnabled)

		ch, err = s.UpdateChannelSettings(ctx, -100, models.SystemPromptPatch("short"))
		require.NoError(t, err)
		assert.Equal(t, "short", ch.Settings.AssistantSettings.SystemPrompt)
		assert.False(t, ch.Settings.AutoReplyEnabled, "sibling field must survive")
		assert.Equal(t, models.DefaultModel, ch.Settings.AssistantSettings.Model)

		_, err = s.UpdateChannelSettings(ctx, -100, models.SettingsPatch{
			Assistant: &models.AssistantSettingsPatch{Temperature: ptr(3.0)},
		})
		assert.Error(t, err)

		stored, err := s.GetChannel(ctx, -100)
		require.NoError(t, err)
		assert.Equal(t, models.DefaultTemperature, stored.Settings.AssistantSettings.Temperature)
	})
}

func TestUpdateChannelSettingsDisjointPatchesCommute(t *testing.T) {
	a := models.SettingsPatch{ActiveHours: &models.ActiveHours{Start: "09:00", End: "18:00"}}
	b := models.SettingsPatch{Assistant: &models.AssistantSettingsPatch{
		ForbiddenWords: ptr([]string{"spam"}),
		MaxTokens:      ptr(300),
	}}

	forEachBackend(t, func(t *testing.T, s Storage) {
		ctx := context.Background()
		require.NoError(t, s.CreateChannel(ctx, models.NewChannel(-1, "A", 1, "", "")))
		require.NoError(t, s.CreateChannel(ctx, models.NewChannel(-2, "B", 1, "", "")))

		_, err := s.UpdateChannelSettings(ctx, -1, a)
		require.NoError(t, err)
		first, err := s.UpdateChannelSettings(ctx, -1, b)
		require.NoError(t, err)

		_, err = s.UpdateChannelSettings(ctx, -2, b)
		require.NoError(t, err)
		second, err := s.UpdateChannelSettings(ctx, -2, a)
		require.NoError(t, err)

		assert.Equal(t, first.Settings, second.Settings)
	})
}

func TestUpdateChannelSettingsRejectsNonFiniteTemperature(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Storage) {
		ctx := context.Background()
		require.NoError(t, s.CreateChannel(ctx, models.NewChannel(-100, "News", 1, "news", "")))

		for _, temp := range []float64{math.NaN(), math.Inf(1)} {
			_, err := s.UpdateChannelSettings(ctx, -100, models.SettingsPatch{
				Assistant: &models.AssistantSettingsPatch{Temperature: ptr(temp)},
			})
			assert.Error(t, err)
		}
		_, err := s.UpdateChannelSettings(ctx, -100, models.SettingsPatch{})
		assert.ErrorIs(t, err, models.ErrEmptyPatch)

		// Later writes still go through.
		ch, err := s.UpdateChannelSettings(ctx, -100, models.SystemPromptPatch("short"))
		require.NoError(t, err)
		assert.Equal(t, models.DefaultTemperature, ch.Settings.AssistantSettings.Temperature)
		require.NoError(t, s.RecordChannelActivity(ctx, -100, true))
	})
}

func TestFileStorageKeepsMemoryInStepWithDisk(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "database.json")
	s, err := NewFileStorage(path, WithClock(fixedClock))
	require.NoError(t, err)
	require.NoError(t, s.CreateChannel(ctx, models.NewChannel(-100, "News", 1, "news", "")))

	// A directory in place of the document makes the rename fail.
	require.NoError(t, os.Remove(path))
	require.NoError(t, os.Mkdir(path, 0o755))

	_, err = s.UpdateChannelSettings(ctx, -100, models.SystemPromptPatch("lost"))
	require.Error(t, err)

	ch, err := s.GetChannel(ctx, -100)
	require.NoError(t, err)
	assert.Equal(t, models.DefaultSystemPrompt, ch.Settings.AssistantSettings.SystemPrompt)
}

func TestRecordChannelActivity(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Storage) {
		ctx := context.Background()
		require.NoError(t, s.CreateChannel(ctx, models.NewChannel(-100, "News", 1, "", "")))

		require.NoError(t, s.RecordChannelActivity(ctx, -100, true))
		require.NoError(t, s.RecordChannelActivity(ctx, -100, false))

		ch, err := s.GetChannel(ctx, -100)
		require.NoError(t, err)
		assert.Equal(t, 2, ch.Stats.TotalMessages)
		assert.Equal(t, 1, ch.Stats.TotalReplies)
		require.NotNil(t, ch.Stats.LastActivity)
		assert.True(t, fixedNow.Equal(*ch.Stats.LastActivity))

		assert.ErrorIs(t, s.RecordChannelActivity(ctx, -5, false), ErrNotFound)
	})
}

func TestStateAccessors(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Storage) {
		ctx := context.Background()

		st, err := s.GetState(ctx, 1)
		require.NoError(t, err)
		assert.Nil(t, st)

		require.NoError(t, s.SetState(ctx, 1, models.StateAwaitingBotAdd,
			map[string]string{models.DataChannelHandle: "news"}))

		// nil data keeps the working data under the new tag
		require.NoError(t, s.SetState(ctx, 1, models.StateAwaitingSystemPrompt, nil))
		st, err = s.GetState(ctx, 1)
		require.NoError(t, err)
		require.NotNil(t, st)
		assert.Equal(t, models.StateAwaitingSystemPrompt, st.State)
		assert.Equal(t, map[string]string{models.DataChannelHandle: "news"}, st.Data)
		assert.True(t, fixedNow.Equal(st.UpdatedAt))

		// non-nil data replaces it
		require.NoError(t, s.SetState(ctx, 1, models.StateAwaitingChannelHandle, map[string]string{}))
		st, err = s.GetState(ctx, 1)
		require.NoError(t, err)
		assert.Empty(t, st.Data)

		require.NoError(t, s.ClearState(ctx, 1))
		st, err = s.GetState(ctx, 1)
		require.NoError(t, err)
		assert.Nil(t, st)

		// clearing twice is fine
		assert.NoError(t, s.ClearState(ctx, 1))
	})
}

func TestSetStateWithoutPriorStateStartsEmpty(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Storage) {
		ctx := context.Background()
		require.NoError(t, s.SetState(ctx, 7, models.StateAwaitingChannelHandle, nil))

		st, err := s.GetState(ctx, 7)
		require.NoError(t, err)
		require.NotNil(t, st)
		assert.NotNil(t, st.Data)
		assert.Empty(t, st.Data)
	})
}

func TestListChannelsMatchesOwnership(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Storage) {
		ctx := context.Background()
		require.NoError(t, s.CreateChannel(ctx, models.NewChannel(-3, "C", 1, "", "")))
		require.NoError(t, s.CreateChannel(ctx, models.NewChannel(-1, "A", 1, "", "")))
		require.NoError(t, s.CreateChannel(ctx, models.NewChannel(-2, "B", 2, "", "")))

		owned, err := s.ListChannelsForUser(ctx, 1)
		require.NoError(t, err)
		require.Len(t, owned, 2)
		assert.Equal(t, int64(-3), owned[0].ID)
		assert.Equal(t, int64(-1), owned[1].ID)

		snap, err := s.Snapshot(ctx)
		require.NoError(t, err)
		assert.Equal(t, map[string][]int64{"1": {-3, -1}, "2": {-2}}, snap.UserChannels)
		for owner, ids := range snap.UserChannels {
			for _, id := range ids {
				assert.Equal(t, owner, idKey(snap.Channels[idKey(id)].OwnerID))
			}
		}
	})
}

func seed(t *testing.T, s Storage) {
	t.Helper()
	ctx := context.Background()
	_, err := s.UpsertUser(ctx, models.NewUser(1, "alice", "Alice", "Smith", time.Time{}))
	require.NoError(t, err)
	_, err = s.UpsertUser(ctx, models.NewUser(2, "bob", "", "", time.Time{}))
	require.NoError(t, err)
	require.NoError(t, s.RecordActivity(ctx, 1, "start"))
	require.NoError(t, s.SetCredential(ctx, 1, "sk-alice"))
	require.NoError(t, s.CreateChannel(ctx, models.NewChannel(-100, "News", 1, "news", "be nice")))
	_, err = s.UpdateChannelSettings(ctx, -100, models.SettingsPatch{
		Assistant: &models.AssistantSettingsPatch{AllowedTopics: ptr([]string{"go"})},
	})
	require.NoError(t, err)
	require.NoError(t, s.RecordChannelActivity(ctx, -100, true))
	require.NoError(t, s.SetState(ctx, 2, models.StateAwaitingBotAdd,
		map[string]string{models.DataChannelHandle: "bobchan"}))
}

func TestSnapshotRoundTrip(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Storage) {
		ctx := context.Background()
		seed(t, s)

		before, err := s.Snapshot(ctx)
		require.NoError(t, err)

		var buf bytes.Buffer
		require.NoError(t, before.Write(&buf))
		loaded, err := ReadSnapshot(&buf)
		require.NoError(t, err)
		assert.Equal(t, before, loaded)

		restored := NewMemoryStorage(WithClock(fixedClock))
		require.NoError(t, restored.Restore(ctx, loaded))
		after, err := restored.Snapshot(ctx)
		require.NoError(t, err)
		assert.Equal(t, before, after)
	})
}

func TestRestoreIntoBolt(t *testing.T) {
	ctx := context.Background()
	src := NewMemoryStorage(WithClock(fixedClock))
	seed(t, src)
	snap, err := src.Snapshot(ctx)
	require.NoError(t, err)

	dst, err := NewBoltStorage(filepath.Join(t.TempDir(), "bot.bolt"), WithClock(fixedClock))
	require.NoError(t, err)
	defer dst.Close()
	require.NoError(t, dst.CreateChannel(ctx, models.NewChannel(-999, "Stale", 9, "", "")))

	require.NoError(t, dst.Restore(ctx, snap))

	got, err := dst.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, snap, got)

	owned, err := dst.ListChannelsForUser(ctx, 1)
	require.NoError(t, err)
	require.Len(t, owned, 1)
	assert.Equal(t, "News", owned[0].Title)
}

func TestFileStorageSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "data", "database.json")

	s, err := NewFileStorage(path, WithClock(fixedClock))
	require.NoError(t, err)
	seed(t, s)
	before, err := s.Snapshot(ctx)
	require.NoError(t, err)

	reopened, err := NewFileStorage(path, WithClock(fixedClock))
	require.NoError(t, err)
	after, err := reopened.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, before, after)

	key, err := reopened.GetCredential(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "sk-alice", key)
}

func TestReadSnapshotFillsIDsFromKeys(t *testing.T) {
	doc := `{
		"users": {"5": {"username": "eve", "commands_used": null, "openai_key": null,
			"created_at": "2024-05-01T12:00:00Z", "last_activity": "2024-05-01T12:00:00Z"}},
		"channels": {"-7": {"title": "Eve", "username": null, "owner_id": 5,
			"settings": {"auto_reply_enabled": true}, "stats": {}}},
		"user_states": {"5": {"state": "waiting_for_bot_add", "data": null, "updated_at": "2024-05-01T12:00:00Z"}},
		"user_channels": {"5": [1, 2, 3]}
	}`
	snap, err := ReadSnapshot(bytes.NewBufferString(doc))
	require.NoError(t, err)

	assert.Equal(t, int64(5), snap.Users["5"].ID)
	assert.NotNil(t, snap.Users["5"].CommandsUsed)
	assert.Equal(t, int64(-7), snap.Channels["-7"].ID)
	assert.NotNil(t, snap.UserStates["5"].Data)
	assert.Equal(t, map[string][]int64{"5": {-7}}, snap.UserChannels, "index is rebuilt from owners")
}

func TestReadSnapshotRejectsBadKeys(t *testing.T) {
	_, err := ReadSnapshot(bytes.NewBufferString(`{"users": {"abc": {}}}`))
	assert.Error(t, err)

	_, err = ReadSnapshot(bytes.NewBufferString(`{"channels": {"1": {"id": 2, "owner_id": 1}}}`))
	assert.Error(t, err)

	_, err = ReadSnapshot(bytes.NewBufferString(`{"users": {"5": {"id": 7}}}`))
	assert.Error(t, err)
}
