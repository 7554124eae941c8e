package recovery

import (
	"context"
	"io"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"chatsync/internal/channel"
	"chatsync/internal/retry"
	"chatsync/pkg/chat/types"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/mock"
)

var baseTime = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

// mockNetwork serves both the resubmissions and the re-watch of live channels.
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

type mockRepository struct {
	mock.Mock
}

func (m *mockRepository) SelectMessagesBySyncStatus(ctx context.Context, status types.SyncStatus) ([]types.Message, error) {
	args := m.Called(ctx, status)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]types.Message), args.Error(1)
}

func (m *mockRepository) SelectReactionsBySyncStatus(ctx context.Context, status types.SyncStatus) ([]types.Reaction, error) {
	args := m.Called(ctx, status)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]types.Reaction), args.Error(1)
}

func (m *mockRepository) UpsertMessage(ctx context.Context, msg types.Message) error {
	return m.Called(ctx, msg).Error(0)
}

func (m *mockRepository) UpsertReaction(ctx context.Context, reaction types.Reaction) error {
	return m.Called(ctx, reaction).Error(0)
}

// nothingPending makes the repository report an empty backlog.
func (m *mockRepository) nothingPending() {
	m.On("SelectMessagesBySyncStatus", mock.Anything, types.SyncStatusSyncNeeded).Return([]types.Message{}, nil).Maybe()
	m.On("SelectReactionsBySyncStatus", mock.Anything, types.SyncStatusSyncNeeded).Return([]types.Reaction{}, nil).Maybe()
}

// fakeSource holds real channel logic keyed by cid.
type fakeSource struct {
	mu     sync.Mutex
	logics map[string]*channel.Logic
}

func newSource(t *testing.T, network channel.Network, cids ...string) *fakeSource {
	s := &fakeSource{logics: make(map[string]*channel.Logic)}
	for _, cid := range cids {
		id, _ := types.ParseCID(cid)
		s.logics[cid] = channel.NewLogic(context.Background(), id, "me", channel.Deps{Network: network, Logger: quietLogger()}, channel.Limits{})
	}
	t.Cleanup(func() {
		for _, l := range s.logics {
			l.Close()
		}
	})
	return s
}

// addCached registers a channel whose offline cache always holds a snapshot.
func (s *fakeSource) addCached(network channel.Network, cid string) *channel.Logic {
	id, _ := types.ParseCID(cid)
	l := channel.NewLogic(context.Background(), id, "me", channel.Deps{
		Network:    network,
		Repository: cachedChannels{},
		Logger:     quietLogger(),
	}, channel.Limits{})
	s.mu.Lock()
	s.logics[cid] = l
	s.mu.Unlock()
	return l
}

// cachedChannels answers every channel read with a snapshot and drops writes.
type cachedChannels struct{}

func (cachedChannels) SelectChannel(_ context.Context, cid string, _ types.QueryChannelRequest) (*types.Channel, error) {
	ch := channelFor(cid)
	return &ch, nil
}

func (cachedChannels) UpsertChannel(context.Context, types.Channel) error            { return nil }
func (cachedChannels) UpsertMessage(context.Context, types.Message) error            { return nil }
func (cachedChannels) UpsertMessages(context.Context, []types.Message) error         { return nil }
func (cachedChannels) SelectMessage(context.Context, string) (*types.Message, error) { return nil, nil }
func (cachedChannels) UpsertReaction(context.Context, types.Reaction) error          { return nil }
func (cachedChannels) UpsertReactions(context.Context, []types.Reaction) error       { return nil }
func (cachedChannels) UpsertChannelConfig(context.Context, types.Config) error       { return nil }
func (cachedChannels) DeleteChannelMessagesBefore(context.Context, string, time.Time) error {
	return nil
}

func (s *fakeSource) RecoveryCandidates() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for cid, l := range s.logics {
		if l.State().RecoveryNeeded() {
			out = append(out, cid)
		}
	}
	sort.Strings(out)
	return out
}

func (s *fakeSource) Lookup(cid string) (*channel.Logic, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.logics[cid]
	return l, ok
}

// fakeController counts recoveries and fails with err. A stale controller
// recovers without error but keeps needing recovery.
type fakeController struct {
	id     string
	needed atomic.Bool
	calls  atomic.Int32
	err    error
	stale  bool
}

func (c *fakeController) ID() string           { return c.id }
func (c *fakeController) RecoveryNeeded() bool { return c.needed.Load() }

func (c *fakeController) Recover(context.Context) error {
	c.calls.Add(1)
	if c.err != nil {
		return c.err
	}
	if !c.stale {
		c.needed.Store(false)
	}
	return nil
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func testConfig() Config {
	return Config{
		Interval: 20 * time.Millisecond,
		Backoff: retry.BackoffConfig{
			InitialDelay: time.Millisecond,
			MaxDelay:     2 * time.Millisecond,
			Multiplier:   2,
			MaxAttempts:  3,
		},
	}
}

func channelFor(cid string) types.Channel {
	id, _ := types.ParseCID(cid)
	return types.Channel{CID: cid, Type: id.Type, ID: id.ID, Name: id.ID, CreatedAt: baseTime, Config: types.Config{Name: id.Type}}
}
