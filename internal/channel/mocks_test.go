package channel

import (
	"context"
	"io"
	"sync/atomic"
	"testing"
	"time"

	"chatsync/internal/errors"
	"chatsync/pkg/chat/types"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/mock"
)

const (
	testCID    = "messaging:general"
	testUserID = "me"
)

var (
	testIdentity = types.ChannelIdentity{Type: "messaging", ID: "general"}
	baseTime     = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
)

func at(offset time.Duration) time.Time {
	return baseTime.Add(offset)
}

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

func (m *mockRepository) SelectChannel(ctx context.Context, cid string, req types.QueryChannelRequest) (*types.Channel, error) {
	args := m.Called(ctx, cid, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*types.Channel), args.Error(1)
}

func (m *mockRepository) UpsertChannel(ctx context.Context, channel types.Channel) error {
	args := m.Called(ctx, channel)
	return args.Error(0)
}

func (m *mockRepository) UpsertMessage(ctx context.Context, msg types.Message) error {
	args := m.Called(ctx, msg)
	return args.Error(0)
}

func (m *mockRepository) UpsertMessages(ctx context.Context, msgs []types.Message) error {
	args := m.Called(ctx, msgs)
	return args.Error(0)
}

func (m *mockRepository) SelectMessage(ctx context.Context, id string) (*types.Message, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*types.Message), args.Error(1)
}

func (m *mockRepository) UpsertReaction(ctx context.Context, reaction types.Reaction) error {
	args := m.Called(ctx, reaction)
	return args.Error(0)
}

func (m *mockRepository) UpsertReactions(ctx context.Context, reactions []types.Reaction) error {
	args := m.Called(ctx, reactions)
	return args.Error(0)
}

func (m *mockRepository) UpsertChannelConfig(ctx context.Context, config types.Config) error {
	args := m.Called(ctx, config)
	return args.Error(0)
}

func (m *mockRepository) DeleteChannelMessagesBefore(ctx context.Context, cid string, date time.Time) error {
	args := m.Called(ctx, cid, date)
	return args.Error(0)
}

// acceptWrites lets every repository write succeed.
func (m *mockRepository) acceptWrites() {
	m.On("UpsertChannel", mock.Anything, mock.Anything).Return(nil).Maybe()
	m.On("UpsertMessage", mock.Anything, mock.Anything).Return(nil).Maybe()
	m.On("UpsertMessages", mock.Anything, mock.Anything).Return(nil).Maybe()
	m.On("UpsertReaction", mock.Anything, mock.Anything).Return(nil).Maybe()
	m.On("UpsertReactions", mock.Anything, mock.Anything).Return(nil).Maybe()
	m.On("UpsertChannelConfig", mock.Anything, mock.Anything).Return(nil).Maybe()
	m.On("DeleteChannelMessagesBefore", mock.Anything, mock.Anything, mock.Anything).Return(nil).Maybe()
}

type fakeProbe struct {
	online atomic.Bool
}

func newProbe(online bool) *fakeProbe {
	p := &fakeProbe{}
	p.online.Store(online)
	return p
}

func (p *fakeProbe) Online() bool { return p.online.Load() }

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func newTestStateLogic(t *testing.T, opts ...StateLogicOption) *StateLogic {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	state := NewMutableState(testIdentity, testUserID)
	l := NewStateLogic(ctx, state, append([]StateLogicOption{WithLogger(quietLogger())}, opts...)...)
	t.Cleanup(l.Close)
	return l
}

type testLogic struct {
	*Logic
	network *mockNetwork
	repo    *mockRepository
	probe   *fakeProbe
	bus     *errors.Bus
	logs    *test.Hook
}

// newTestLogic wires a Logic against mocks. withRepo false leaves the offline cache out.
func newTestLogic(t *testing.T, withRepo bool) *testLogic {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)

	tl := &testLogic{
		network: &mockNetwork{},
		probe:   newProbe(true),
		bus:     errors.NewBus(16),
		logs:    hook,
	}
	deps := Deps{
		Network:  tl.network,
		Probe:    tl.probe,
		Logger:   logger,
		ErrorBus: tl.bus,
	}
	if withRepo {
		tl.repo = &mockRepository{}
		deps.Repository = tl.repo
	}
	tl.Logic = NewLogic(ctx, testIdentity, testUserID, deps, DefaultLimits())
	t.Cleanup(tl.Close)
	return tl
}

func msgAt(id string, created time.Time) types.Message {
	return types.Message{
		ID:         id,
		CID:        testCID,
		Text:       "text " + id,
		User:       types.User{ID: "other"},
		CreatedAt:  created,
		SyncStatus: types.SyncStatusCompleted,
	}
}

func ids(msgs []types.Message) []string {
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.ID)
	}
	return out
}

func channelWith(msgs ...types.Message) types.Channel {
	return types.Channel{
		CID:      testCID,
		Type:     testIdentity.Type,
		ID:       testIdentity.ID,
		Messages: msgs,
		Config:   types.Config{Name: "messaging", ReadEventsEnabled: true, TypingEventsEnabled: true},
	}
}
