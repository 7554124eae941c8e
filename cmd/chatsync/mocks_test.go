package main

import (
	"context"
	"io"
	"sync/atomic"

	"chatsync/pkg/chat/types"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/mock"
)

// mockNetwork serves both single channel and channel list calls.
type mockNetwork struct {
	mock.Mock
}

func (m *mockNetwork) QueryChannel(ctx context.Context, channelType, channelID string, req types.QueryChannelRequest) (types.Channel, error) {
	args := m.Called(ctx, channelType, channelID, req)
	return args.Get(0).(types.Channel), args.Error(1)
}

func (m *mockNetwork) QueryChannels(ctx context.Context, req types.QueryChannelsRequest) ([]types.Channel, error) {
	args := m.Called(ctx, req)
	return args.Get(0).([]types.Channel), args.Error(1)
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

type mockPinger struct {
	mock.Mock
}

func (m *mockPinger) Ping(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

type staticProbe struct {
	online atomic.Bool
}

func (p *staticProbe) Online() bool { return p.online.Load() }

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}
