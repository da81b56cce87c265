package autoreply

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xaenox/autoreply-bot/internal/assistant"
	"github.com/xaenox/autoreply-bot/internal/history"
	"github.com/xaenox/autoreply-bot/internal/models"
	"github.com/xaenox/autoreply-bot/internal/storage"
	"go.uber.org/zap/zaptest"
)

const (
	ownerID   int64 = 42
	channelID int64 = -1001
)

type fakeResponder struct {
	reply string
	err   error
	calls []assistant.Request
	keys  []string
}

func (f *fakeResponder) Respond(ctx context.Context, apiKey string, req assistant.Request) (string, error) {
	f.calls = append(f.calls, req)
	f.keys = append(f.keys, apiKey)
	return f.reply, f.err
}

func (f *fakeResponder) ValidateKey(ctx context.Context, apiKey string) error { return nil }

type fixture struct {
	store     *storage.MemoryStorage
	responder *fakeResponder
	history   *history.MemoryStore
	now       time.Time
	gate      *Gate
}

func newFixture(t *testing.T, hour, minute int) *fixture {
	t.Helper()
	f := &fixture{
		responder: &fakeResponder{reply: "generated"},
		history:   history.NewMemoryStore(10),
		now:       time.Date(2024, 5, 1, hour, minute, 0, 0, time.UTC),
	}
	clock := func() time.Time { return f.now }
	f.store = storage.NewMemoryStorage(storage.WithClock(clock))

	ctx := context.Background()
	_, err := f.store.UpsertUser(ctx, models.NewUser(ownerID, "owner", "", "", f.now))
	require.NoError(t, err)
	require.NoError(t, f.store.SetCredential(ctx, ownerID, "sk-owner"))
	require.NoError(t, f.store.CreateChannel(ctx, models.NewChannel(channelID, "News", ownerID, "news", "be nice")))

	f.gate = NewGate(f.store, f.responder, f.history, Config{ContextSize: 4, Location: time.UTC, Now: clock}, zaptest.NewLogger(t))
	return f
}

func (f *fixture) post(text string) Post {
	return Post{ChatID: channelID, ChatKind: models.ChatChannel, MessageID: 7, Text: text}
}

func (f *fixture) patch(t *testing.T, p models.SettingsPatch) {
	t.Helper()
	_, err := f.store.UpdateChannelSettings(context.Background(), channelID, p)
	require.NoError(t, err)
}

func ptr[T any](v T) *T { return &v }

func TestGateRepliesWithinActiveHours(t *testing.T) {
	f := newFixture(t, 12, 0)

	d, err := f.gate.Handle(context.Background(), f.post("  what's new?  "))
	require.NoError(t, err)
	assert.Equal(t, Decision{Replied: true, Reason: ReasonReplied, Reply: "generated"}, d)

	require.Len(t, f.responder.calls, 1)
	assert.Equal(t, "sk-owner", f.responder.keys[0])
	assert.Equal(t, "what's new?", f.responder.calls[0].Message)
	assert.Equal(t, "be nice", f.responder.calls[0].Settings.SystemPrompt)
	assert.Empty(t, f.responder.calls[0].Context)

	ch, err := f.store.GetChannel(context.Background(), channelID)
	require.NoError(t, err)
	assert.Equal(t, 1, ch.Stats.TotalMessages)
	assert.Equal(t, 1, ch.Stats.TotalReplies)

	msgs, err := f.history.Recent(context.Background(), channelID, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, models.RoleUser, msgs[0].Role)
	assert.Equal(t, "what's new?", msgs[0].Content)
	assert.Equal(t, models.RoleAssistant, msgs[1].Role)
	assert.Equal(t, "generated", msgs[1].Content)
}

func TestGatePassesBoundedChronologicalContext(t *testing.T) {
	f := newFixture(t, 12, 0)
	for i := 0; i < 3; i++ {
		_, err := f.gate.Handle(context.Background(), f.post(fmt.Sprintf("q%d", i)))
		require.NoError(t, err)
	}

	req := f.responder.calls[2]
	require.Len(t, req.Context, 4)
	assert.Equal(t, []string{"q0", "generated", "q1", "generated"},
		[]string{req.Context[0].Content, req.Context[1].Content, req.Context[2].Content, req.Context[3].Content})
}

func TestGateOutsideActiveHoursNeverCallsResponder(t *testing.T) {
	f := newFixture(t, 3, 0)
	f.patch(t, models.SettingsPatch{ActiveHours: &models.ActiveHours{Start: "09:00", End: "18:00"}})

	d, err := f.gate.Handle(context.Background(), f.post("hello"))
	require.NoError(t, err)
	assert.False(t, d.Replied)
	assert.Equal(t, ReasonOutsideHours, d.Reason)
	assert.Empty(t, f.responder.calls)

	ch, err := f.store.GetChannel(context.Background(), channelID)
	require.NoError(t, err)
	assert.Equal(t, 1, ch.Stats.TotalMessages)
	assert.Equal(t, 0, ch.Stats.TotalReplies)
}

func TestGateActiveHoursBoundariesAreInclusive(t *testing.T) {
	for _, tt := range []struct {
		hour, minute int
		replied      bool
	}{
		{9, 0, true},
		{18, 0, true},
		{8, 59, false},
		{18, 1, false},
	} {
		t.Run(fmt.Sprintf("%02d:%02d", tt.hour, tt.minute), func(t *testing.T) {
			f := newFixture(t, tt.hour, tt.minute)
			f.patch(t, models.SettingsPatch{ActiveHours: &models.ActiveHours{Start: "09:00", End: "18:00"}})

			d, err := f.gate.Handle(context.Background(), f.post("hello"))
			require.NoError(t, err)
			assert.Equal(t, tt.replied, d.Replied)
		})
	}
}

func TestGateEvaluatesHoursInConfiguredZone(t *testing.T) {
	f := newFixture(t, 3, 0)
	f.patch(t, models.SettingsPatch{ActiveHours: &models.ActiveHours{Start: "09:00", End: "18:00"}})
	f.gate.location = time.FixedZone("UTC+8", 8*60*60)

	d, err := f.gate.Handle(context.Background(), f.post("hello"))
	require.NoError(t, err)
	assert.True(t, d.Replied)
}

func TestGateSkips(t *testing.T) {
	tests := []struct {
		name  string
		setup func(t *testing.T, f *fixture)
		post  func(f *fixture) Post
		want  Reason
	}{
		{
			name: "private chat",
			post: func(f *fixture) Post {
				p := f.post("hi")
				p.ChatKind = models.ChatPrivate
				return p
			},
			want: ReasonNotChannel,
		},
		{
			name: "empty text",
			post: func(f *fixture) Post { return f.post("   ") },
			want: ReasonEmpty,
		},
		{
			name: "unknown channel",
			post: func(f *fixture) Post {
				p := f.post("hi")
				p.ChatID = -999
				return p
			},
			want: ReasonUnknownChannel,
		},
		{
			name: "disabled",
			setup: func(t *testing.T, f *fixture) {
				f.patch(t, models.SettingsPatch{AutoReplyEnabled: ptr(false)})
			},
			want: ReasonDisabled,
		},
		{
			name: "no credential",
			setup: func(t *testing.T, f *fixture) {
				require.NoError(t, f.store.SetCredential(context.Background(), ownerID, ""))
			},
			want: ReasonNoCredential,
		},
		{
			name: "owner unknown",
			setup: func(t *testing.T, f *fixture) {
				require.NoError(t, f.store.CreateChannel(context.Background(), models.NewChannel(-2002, "Orphan", 7, "", "")))
			},
			post: func(f *fixture) Post {
				p := f.post("hi")
				p.ChatID = -2002
				return p
			},
			want: ReasonNoCredential,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, 12, 0)
			if tt.setup != nil {
				tt.setup(t, f)
			}
			post := f.post("hi")
			if tt.post != nil {
				post = tt.post(f)
			}

			d, err := f.gate.Handle(context.Background(), post)
			require.NoError(t, err)
			assert.False(t, d.Replied)
			assert.Equal(t, tt.want, d.Reason)
			assert.Empty(t, d.Reply)
			assert.Empty(t, f.responder.calls)
		})
	}
}

func TestGateFallsBackOnUpstreamFailure(t *testing.T) {
	f := newFixture(t, 12, 0)
	f.responder.err = fmt.Errorf("%w: 500", assistant.ErrUpstream)

	d, err := f.gate.Handle(context.Background(), f.post("hello"))
	require.NoError(t, err)
	assert.True(t, d.Replied)
	assert.Equal(t, assistant.FallbackReply, d.Reply)
}

func TestGateWithoutHistory(t *testing.T) {
	f := newFixture(t, 12, 0)
	f.gate.history = nil

	d, err := f.gate.Handle(context.Background(), f.post("hello"))
	require.NoError(t, err)
	assert.True(t, d.Replied)
	assert.Nil(t, f.responder.calls[0].Context)
}
