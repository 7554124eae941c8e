package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeEvent(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		check   func(t *testing.T, ev Event)
	}{
		{
			name:    "new message",
			payload: `{"type":"message.new","cid":"messaging:general","created_at":"2024-01-01T10:00:00Z","user":{"id":"u1"},"message":{"id":"m1","text":"hi","user":{"id":"u1"}}}`,
			check: func(t *testing.T, ev Event) {
				e, ok := ev.(*NewMessageEvent)
				require.True(t, ok)
				assert.Equal(t, "messaging:general", e.ChannelCID())
				assert.Equal(t, "m1", e.Message.ID)
				assert.Equal(t, "u1", e.Message.User.ID)
				assert.Equal(t, 2024, e.CreatedAtTime().Year())
			},
		},
		{
			name:    "mark read with cid",
			payload: `{"type":"notification.mark_read","cid":"messaging:general","user":{"id":"u1"}}`,
			check: func(t *testing.T, ev Event) {
				_, ok := ev.(*NotificationMarkReadEvent)
				assert.True(t, ok)
			},
		},
		{
			name:    "mark read without cid is mark all read",
			payload: `{"type":"notification.mark_read","user":{"id":"u1"}}`,
			check: func(t *testing.T, ev Event) {
				_, ok := ev.(*MarkAllReadEvent)
				assert.True(t, ok)
			},
		},
		{
			name:    "channel updated by user",
			payload: `{"type":"channel.updated","cid":"messaging:general","user":{"id":"u1"},"channel":{"cid":"messaging:general","name":"renamed"}}`,
			check: func(t *testing.T, ev Event) {
				e, ok := ev.(*ChannelUpdatedByUserEvent)
				require.True(t, ok)
				assert.Equal(t, "renamed", e.EventChannel().Name)
			},
		},
		{
			name:    "channel updated by system",
			payload: `{"type":"channel.updated","cid":"messaging:general","channel":{"cid":"messaging:general"}}`,
			check: func(t *testing.T, ev Event) {
				_, ok := ev.(*ChannelUpdatedEvent)
				assert.True(t, ok)
			},
		},
		{
			name:    "channel ban",
			payload: `{"type":"user.banned","channel_type":"messaging","channel_id":"general","cid":"messaging:general","user":{"id":"u2"},"shadow":true}`,
			check: func(t *testing.T, ev Event) {
				e, ok := ev.(*ChannelUserBannedEvent)
				require.True(t, ok)
				assert.True(t, e.Shadow)
			},
		},
		{
			name:    "global ban",
			payload: `{"type":"user.banned","user":{"id":"u2"}}`,
			check: func(t *testing.T, ev Event) {
				_, ok := ev.(*GlobalUserBannedEvent)
				assert.True(t, ok)
			},
		},
		{
			name:    "health check with me is connected",
			payload: `{"type":"health.check","connection_id":"c1","me":{"id":"u1","channel_mutes":[{"cid":"messaging:muted"}]}}`,
			check: func(t *testing.T, ev Event) {
				e, ok := ev.(*ConnectedEvent)
				require.True(t, ok)
				assert.Equal(t, "u1", e.Me.ID)
				assert.Equal(t, []string{"messaging:muted"}, e.Me.MutedChannelIDs())
			},
		},
		{
			name:    "plain health check",
			payload: `{"type":"health.check","connection_id":"c1"}`,
			check: func(t *testing.T, ev Event) {
				_, ok := ev.(*HealthEvent)
				assert.True(t, ok)
			},
		},
		{
			name:    "unknown type keeps raw payload",
			payload: `{"type":"custom.thing","x":1}`,
			check: func(t *testing.T, ev Event) {
				e, ok := ev.(*UnknownEvent)
				require.True(t, ok)
				assert.Equal(t, "custom.thing", e.EventType())
				assert.JSONEq(t, `{"type":"custom.thing","x":1}`, string(e.Raw))
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, err := DecodeEvent([]byte(tt.payload))
			require.NoError(t, err)
			tt.check(t, ev)
		})
	}
}

func TestDecodeEvent_Errors(t *testing.T) {
	_, err := DecodeEvent([]byte(`not json`))
	assert.Error(t, err)

	_, err = DecodeEvent([]byte(`{"cid":"messaging:general"}`))
	assert.Error(t, err)
}

func TestChannelRef_ChannelCID(t *testing.T) {
	assert.Equal(t, "messaging:a", ChannelRef{CID: "messaging:a"}.ChannelCID())
	assert.Equal(t, "messaging:b", ChannelRef{ChannelType: "messaging", ChannelID: "b"}.ChannelCID())
	assert.Equal(t, "", ChannelRef{ChannelType: "messaging"}.ChannelCID())
	assert.Equal(t, ChannelRef{CID: "team:x", ChannelType: "team", ChannelID: "x"}, RefFor("team:x"))
}
