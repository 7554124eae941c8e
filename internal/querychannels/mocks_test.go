package querychannels

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"chatsync/internal/channel"
	"chatsync/internal/errors"
	"chatsync/pkg/chat/types"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/mock"
)

var (
	baseTime   = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	testFilter = types.Filter{"members": map[string]interface{}{"$in": []string{"me"}}}
	testSort   = types.QuerySort{{Field: "last_message_at", Direction: types.Descending}}
)

type mockNetwork struct {
	mock.Mock
}

func (m *mockNetwork) QueryChannels(ctx context.Context, req types.QueryChannelsRequest) ([]types.Channel, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]types.Channel), args.Error(1)
}

type mockRepository struct {
	mock.Mock
}

func (m *mockRepository) SelectQueryChannelsSpec(ctx context.Context, id string) (*types.QueryChannelsSpec, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*types.QueryChannelsSpec), args.Error(1)
}

func (m *mockRepository) UpsertQueryChannelsSpec(ctx context.Context, spec types.QueryChannelsSpec) error {
	args := m.Called(ctx, spec)
	return args.Error(0)
}

func (m *mockRepository) SelectChannels(ctx context.Context, cids []string, req types.QueryChannelRequest) ([]types.Channel, error) {
	args := m.Called(ctx, cids, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]types.Channel), args.Error(1)
}

// channelNetwork serves the single-channel watch that follows an added channel.
type channelNetwork struct {
	mock.Mock
}

func (m *channelNetwork) QueryChannel(ctx context.Context, channelType, channelID string, req types.QueryChannelRequest) (types.Channel, error) {
	args := m.Called(ctx, channelType, channelID, req)
	return args.Get(0).(types.Channel), args.Error(1)
}

func (m *channelNetwork) SendMessage(context.Context, string, string, types.Message) (types.Message, error) {
	return types.Message{}, nil
}

func (m *channelNetwork) UpdateMessage(context.Context, types.Message) (types.Message, error) {
	return types.Message{}, nil
}

func (m *channelNetwork) DeleteMessage(context.Context, string, bool) (types.Message, error) {
	return types.Message{}, nil
}

func (m *channelNetwork) SendReaction(context.Context, types.Reaction, bool) (types.Message, error) {
	return types.Message{}, nil
}

func (m *channelNetwork) DeleteReaction(context.Context, string, string) (types.Message, error) {
	return types.Message{}, nil
}

func (m *channelNetwork) MarkRead(context.Context, string, string) error {
	return nil
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

// fakeSource hands out real channel logic without the registry's actors.
type fakeSource struct {
	mu      sync.Mutex
	logics  map[string]*channel.Logic
	network channel.Network
	logger  *logrus.Logger
}

func newSource(t *testing.T, network channel.Network) *fakeSource {
	s := &fakeSource{logics: make(map[string]*channel.Logic), network: network, logger: quietLogger()}
	t.Cleanup(func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		for _, l := range s.logics {
			l.Close()
		}
	})
	return s
}

func (s *fakeSource) ChannelByCID(cid string) (*channel.Logic, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l, ok := s.logics[cid]; ok {
		return l, nil
	}
	id, err := types.ParseCID(cid)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInvalidInput, "invalid channel")
	}
	l := channel.NewLogic(context.Background(), id, "me", channel.Deps{Network: s.network, Logger: s.logger}, channel.Limits{})
	s.logics[cid] = l
	return l, nil
}

func (s *fakeSource) Lookup(cid string) (*channel.Logic, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.logics[cid]
	return l, ok
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

// testController bundles a controller with its collaborators.
type testController struct {
	*Controller
	network *mockNetwork
	repo    *mockRepository
	probe   *fakeProbe
	source  *fakeSource
	bus     *errors.Bus
}

func newTestController(t *testing.T, withRepo bool, opts ...Option) *testController {
	t.Helper()
	tc := &testController{
		network: &mockNetwork{},
		probe:   newProbe(true),
		source:  newSource(t, &channelNetwork{}),
		bus:     errors.NewBus(16),
	}
	deps := Deps{
		Network:  tc.network,
		Channels: tc.source,
		Probe:    tc.probe,
		Logger:   quietLogger(),
		ErrorBus: tc.bus,
	}
	if withRepo {
		tc.repo = &mockRepository{}
		deps.Repository = tc.repo
	}
	tc.Controller = New(testFilter, testSort, deps, opts...)
	return tc
}

// noCache registers an empty offline cache and accepts spec writes.
func (tc *testController) noCache() {
	tc.repo.On("SelectQueryChannelsSpec", mock.Anything, tc.ID()).Return(nil, nil).Maybe()
	tc.repo.On("UpsertQueryChannelsSpec", mock.Anything, mock.Anything).Return(nil).Maybe()
}

func chanAt(cid string, lastMessage time.Duration) types.Channel {
	id, _ := types.ParseCID(cid)
	return types.Channel{
		CID:           cid,
		Type:          id.Type,
		ID:            id.ID,
		Name:          id.ID,
		CreatedAt:     baseTime,
		LastMessageAt: baseTime.Add(lastMessage),
		Config:        types.Config{Name: id.Type},
	}
}
