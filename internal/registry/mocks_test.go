package registry

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"chatsync/internal/channel"
	"chatsync/pkg/chat/types"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/mock"
)

var baseTime = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type mockNetwork struct {
	mock.Mock
}

func (m *mockNetwork) QueryChannel(ctx context.Context, channelType, channelID string, req types.QueryChannelRequest) (types.Channel, error) {
	args := m.Called(ctx, channelType, channelID, req)
	return args.Get(0).(types.Channel), args.Error(1)
}

func (m *mockNetwork) SendMessage(ctx context.Context, channelType, channelID string, msg types.Message) (types.Message, error) {
	args := m.Called(ctx, channelType, channelID, msg)
	return args.Get(0).(types.Message), args.Error(1)
}

func (m *mockNetwork) UpdateMessage(ctx context.Context, msg types.Message) (types.Message, error) {
	args := m.Called(ctx, msg)
	return args.Get(0).(types.Message), args.Error(1)
}

func (m *mockNetwork) DeleteMessage(ctx context.Context, messageID string, hard bool) (types.Message, error) {
	args := m.Called(ctx, messageID, hard)
	return args.Get(0).(types.Message), args.Error(1)
}

func (m *mockNetwork) SendReaction(ctx context.Context, reaction types.Reaction, enforceUnique bool) (types.Message, error) {
	args := m.Called(ctx, reaction, enforceUnique)
	return args.Get(0).(types.Message), args.Error(1)
}

func (m *mockNetwork) DeleteReaction(ctx context.Context, messageID, reactionType string) (types.Message, error) {
	args := m.Called(ctx, messageID, reactionType)
	return args.Get(0).(types.Message), args.Error(1)
}

func (m *mockNetwork) MarkRead(ctx context.Context, channelType, channelID string) error {
	args := m.Called(ctx, channelType, channelID)
	return args.Error(0)
}

// recordingListener keeps the types of the events it saw.
type recordingListener struct {
	mu   sync.Mutex
	seen []string
}

func (l *recordingListener) HandleEvent(_ context.Context, ev types.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.seen = append(l.seen, ev.EventType())
}

func (l *recordingListener) Seen() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.seen...)
}

type fakeStream struct {
	events chan types.Event
}

func (s *fakeStream) Events() <-chan types.Event { return s.events }

func newTestRegistry(t *testing.T) (*Registry, *mockNetwork) {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	network := &mockNetwork{}
	r := New(context.Background(), Config{
		CurrentUserID: "me",
		Deps:          channel.Deps{Network: network, Logger: logger},
		QueueSize:     8,
	})
	t.Cleanup(r.Close)
	return r, network
}

func newMessage(cid, id string, offset time.Duration) *types.NewMessageEvent {
	return &types.NewMessageEvent{
		EventMeta:  types.EventMeta{Type: types.EventMessageNew, CreatedAt: baseTime.Add(offset)},
		ChannelRef: types.RefFor(cid),
		Message: types.Message{
			ID:         id,
			CID:        cid,
			Text:       id,
			User:       types.User{ID: "other"},
			CreatedAt:  baseTime.Add(offset),
			SyncStatus: types.SyncStatusCompleted,
		},
	}
}
