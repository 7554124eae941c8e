package channel

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"chatsync/internal/errors"
	"chatsync/pkg/chat/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStateLogic_UpsertMessages(t *testing.T) {
	t.Run("replaying the same message is idempotent", func(t *testing.T) {
		l := newTestStateLogic(t)
		m := msgAt("m1", at(0))

		l.UpsertMessages([]types.Message{m}, false)
		l.UpsertMessages([]types.Message{m}, false)

		assert.Len(t, l.State().Messages(), 1)
	})

	t.Run("orders by creation time then id", func(t *testing.T) {
		l := newTestStateLogic(t)
		l.UpsertMessages([]types.Message{
			msgAt("c", at(2*time.Minute)),
			msgAt("b", at(time.Minute)),
			msgAt("a", at(time.Minute)),
			msgAt("z", at(0)),
		}, false)

		assert.Equal(t, []string{"z", "a", "b", "c"}, ids(l.State().Messages()))
	})

	t.Run("tie favours the incoming copy", func(t *testing.T) {
		l := newTestStateLogic(t)
		m := msgAt("m1", at(0))
		l.UpsertMessages([]types.Message{m}, false)

		m.Text = "same time, new text"
		l.UpsertMessages([]types.Message{m}, false)

		got, ok := l.State().Message("m1")
		require.True(t, ok)
		assert.Equal(t, "same time, new text", got.Text)
	})

	t.Run("stale copy is dropped", func(t *testing.T) {
		l := newTestStateLogic(t)
		fresh := msgAt("m1", at(0))
		fresh.UpdatedAt = at(time.Hour)
		fresh.Text = "fresh"
		l.UpsertMessages([]types.Message{fresh}, false)

		stale := msgAt("m1", at(0))
		stale.UpdatedAt = at(time.Minute)
		stale.Text = "stale"
		l.UpsertMessages([]types.Message{stale}, false)

		got, _ := l.State().Message("m1")
		assert.Equal(t, "fresh", got.Text)
	})

	t.Run("refresh replaces everything held", func(t *testing.T) {
		l := newTestStateLogic(t)
		l.UpsertMessages([]types.Message{msgAt("old", at(0))}, false)
		l.UpsertMessages([]types.Message{msgAt("new", at(time.Minute))}, true)

		assert.Equal(t, []string{"new"}, ids(l.State().Messages()))
	})

	t.Run("messages without id are ignored", func(t *testing.T) {
		l := newTestStateLogic(t)
		l.UpsertMessages([]types.Message{{Text: "no id"}}, false)

		assert.Empty(t, l.State().RawMessages())
	})
}

func TestStateLogic_ReplyNormalization(t *testing.T) {
	l := newTestStateLogic(t)
	quoted := msgAt("q", at(0))
	reply := msgAt("r", at(time.Minute))
	reply.ReplyMessageID = "q"
	reply.ReplyTo = &types.Message{ID: "q", Text: quoted.Text}
	l.UpsertMessages([]types.Message{quoted, reply}, false)

	edited := quoted
	edited.Text = "edited"
	edited.UpdatedAt = at(5 * time.Minute)
	l.UpsertMessages([]types.Message{edited}, false)

	got, ok := l.State().Message("r")
	require.True(t, ok)
	require.NotNil(t, got.ReplyTo)
	assert.Equal(t, "edited", got.ReplyTo.Text)
	assert.Equal(t, []string{"r"}, l.State().RepliesTo("q"))
}

func TestStateLogic_ReplaceMessageBypassesFreshness(t *testing.T) {
	l := newTestStateLogic(t)
	server := msgAt("m1", at(time.Hour))
	l.UpsertMessages([]types.Message{server}, false)

	local := server
	local.Text = "local edit"
	local.UpdatedLocallyAt = at(0)
	local.SyncStatus = types.SyncStatusInProgress
	l.ReplaceMessage(local)

	got, _ := l.State().Message("m1")
	assert.Equal(t, "local edit", got.Text)
	assert.Equal(t, types.SyncStatusInProgress, got.SyncStatus)
}

func TestStateLogic_Reads(t *testing.T) {
	me := types.User{ID: testUserID}
	other := types.User{ID: "other"}

	t.Run("own read never moves backwards", func(t *testing.T) {
		l := newTestStateLogic(t)
		l.UpdateRead(types.ChannelUserRead{User: me, LastRead: at(time.Hour), UnreadMessages: 0})
		l.UpdateRead(types.ChannelUserRead{User: me, LastRead: at(0), UnreadMessages: 7})

		read := l.State().Read()
		require.NotNil(t, read)
		assert.Equal(t, at(time.Hour), read.LastRead)
		assert.Equal(t, 0, l.State().UnreadCount())
	})

	t.Run("other users' reads replace unconditionally", func(t *testing.T) {
		l := newTestStateLogic(t)
		l.UpdateRead(types.ChannelUserRead{User: other, LastRead: at(time.Hour)})
		l.UpdateRead(types.ChannelUserRead{User: other, LastRead: at(0)})

		var got types.ChannelUserRead
		for _, r := range l.State().Reads() {
			if r.UserID() == "other" {
				got = r
			}
		}
		assert.Equal(t, at(0), got.LastRead)
	})

	t.Run("custom tolerance", func(t *testing.T) {
		l := newTestStateLogic(t, WithReadTolerance(time.Minute))
		l.UpdateRead(types.ChannelUserRead{User: me, LastRead: at(time.Minute)})
		l.UpdateRead(types.ChannelUserRead{User: me, LastRead: at(30 * time.Second), UnreadMessages: 2})

		assert.Equal(t, 2, l.State().UnreadCount())
	})
}

func TestShouldIncrementUnreadCount(t *testing.T) {
	lastSeen := at(time.Minute)

	tests := []struct {
		name     string
		msg      types.Message
		lastSeen time.Time
		muted    bool
		want     bool
	}{
		{name: "newer message from someone else", msg: msgAt("m", at(2*time.Minute)), lastSeen: lastSeen, want: true},
		{name: "nothing seen yet", msg: msgAt("m", at(0)), want: true},
		{name: "own message", msg: types.Message{ID: "m", User: types.User{ID: testUserID}, CreatedAt: at(time.Hour)}, want: false},
		{name: "muted channel", msg: msgAt("m", at(time.Hour)), muted: true, want: false},
		{name: "silent", msg: types.Message{ID: "m", User: types.User{ID: "x"}, Silent: true, CreatedAt: at(time.Hour)}, want: false},
		{name: "shadowed", msg: types.Message{ID: "m", User: types.User{ID: "x"}, Shadowed: true, CreatedAt: at(time.Hour)}, want: false},
		{name: "thread only reply", msg: types.Message{ID: "m", User: types.User{ID: "x"}, ParentID: "p", CreatedAt: at(time.Hour)}, want: false},
		{name: "thread reply shown in channel", msg: types.Message{ID: "m", User: types.User{ID: "x"}, ParentID: "p", ShowInChannel: true, CreatedAt: at(time.Hour)}, want: true},
		{name: "older than last seen", msg: msgAt("m", at(0)), lastSeen: lastSeen, want: false},
		{name: "same time as last seen", msg: msgAt("m", lastSeen), lastSeen: lastSeen, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, shouldIncrementUnreadCount(tt.msg, testUserID, tt.lastSeen, tt.muted))
		})
	}
}

func TestStateLogic_IncrementUnreadCount(t *testing.T) {
	t.Run("replayed message counts once", func(t *testing.T) {
		l := newTestStateLogic(t)
		m := msgAt("m1", at(time.Minute))

		assert.True(t, l.IncrementUnreadCountIfNecessary(m))
		assert.False(t, l.IncrementUnreadCountIfNecessary(m))
		assert.Equal(t, 1, l.State().UnreadCount())
		assert.Equal(t, at(time.Minute), l.State().Read().LastMessageSeenDate)
	})

	t.Run("sequential messages all count", func(t *testing.T) {
		l := newTestStateLogic(t)
		for i := 0; i < 50; i++ {
			l.IncrementUnreadCountIfNecessary(msgAt(fmt.Sprintf("m%d", i), at(time.Duration(i+1)*time.Second)))
		}
		assert.Equal(t, 50, l.State().UnreadCount())
	})

	t.Run("concurrent increments are not lost", func(t *testing.T) {
		l := newTestStateLogic(t)
		var (
			wg       sync.WaitGroup
			mu       sync.Mutex
			accepted int
		)
		for i := 0; i < 50; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				if l.IncrementUnreadCountIfNecessary(msgAt(fmt.Sprintf("m%d", i), at(time.Duration(i+1)*time.Second))) {
					mu.Lock()
					accepted++
					mu.Unlock()
				}
			}(i)
		}
		wg.Wait()

		assert.Positive(t, accepted)
		assert.Equal(t, accepted, l.State().UnreadCount())
	})

	t.Run("muted channel does not count", func(t *testing.T) {
		l := newTestStateLogic(t)
		l.UpdateMute(true)

		assert.False(t, l.IncrementUnreadCountIfNecessary(msgAt("m1", at(time.Minute))))
		assert.Equal(t, 0, l.State().UnreadCount())
	})

	t.Run("mark read resets the count", func(t *testing.T) {
		l := newTestStateLogic(t)
		l.state.setConfig(types.Config{ReadEventsEnabled: true})
		m := msgAt("m1", at(time.Minute))
		l.UpsertMessages([]types.Message{m}, false)
		l.IncrementUnreadCountIfNecessary(m)
		require.Equal(t, 1, l.State().UnreadCount())

		assert.True(t, l.MarkChannelAsRead())
		assert.Equal(t, 0, l.State().UnreadCount())
		assert.Equal(t, at(time.Minute), l.State().Read().LastRead)
	})

	t.Run("mark read is a no-op without read events", func(t *testing.T) {
		l := newTestStateLogic(t)
		l.UpsertMessages([]types.Message{msgAt("m1", at(0))}, false)

		assert.False(t, l.MarkChannelAsRead())
	})
}

func TestStateLogic_ConcurrentWritesNeverRegress(t *testing.T) {
	t.Run("stale page racing a newer copy", func(t *testing.T) {
		for i := 0; i < 200; i++ {
			l := newTestStateLogic(t)
			seed := msgAt("m1", at(0))
			l.UpsertMessages([]types.Message{seed}, false)

			stale := msgAt("m1", at(0))
			stale.UpdatedAt = at(time.Second)
			stale.Text = "stale"
			newer := msgAt("m1", at(0))
			newer.UpdatedAt = at(3 * time.Second)
			newer.Text = "newer"

			var wg sync.WaitGroup
			wg.Add(2)
			go func() {
				defer wg.Done()
				l.UpsertMessages([]types.Message{stale, msgAt("m2", at(time.Second))}, false)
			}()
			go func() {
				defer wg.Done()
				l.UpsertMessages([]types.Message{newer}, false)
			}()
			wg.Wait()

			got, ok := l.State().Message("m1")
			require.True(t, ok)
			require.Equal(t, "newer", got.Text, "iteration %d", i)
			l.Close()
		}
	})

	t.Run("unread increment racing a read merge", func(t *testing.T) {
		for i := 0; i < 200; i++ {
			l := newTestStateLogic(t)
			l.UpdateRead(types.ChannelUserRead{User: types.User{ID: testUserID}, LastRead: at(0)})

			var wg sync.WaitGroup
			wg.Add(2)
			go func() {
				defer wg.Done()
				l.IncrementUnreadCountIfNecessary(msgAt(fmt.Sprintf("m%d", i), at(time.Minute)))
			}()
			go func() {
				defer wg.Done()
				l.UpdateRead(types.ChannelUserRead{User: types.User{ID: testUserID}, LastRead: at(time.Hour)})
			}()
			wg.Wait()

			read := l.State().Read()
			require.NotNil(t, read)
			require.Equal(t, at(time.Hour), read.LastRead, "iteration %d", i)
			l.Close()
		}
	})
}

func TestStateLogic_Typing(t *testing.T) {
	l := newTestStateLogic(t)

	l.SetTyping(testUserID, &types.TypingStartEvent{User: types.User{ID: testUserID}})
	assert.Empty(t, l.State().Typing().Users)

	l.SetTyping("u1", &types.TypingStartEvent{User: types.User{ID: "u1"}})
	require.Len(t, l.State().Typing().Users, 1)
	assert.Equal(t, "u1", l.State().Typing().Users[0].ID)

	l.SetTyping("u1", nil)
	assert.Empty(t, l.State().Typing().Users)
}

func TestStateLogic_UpdateDataFromChannel(t *testing.T) {
	t.Run("keeps capabilities when the snapshot has none", func(t *testing.T) {
		l := newTestStateLogic(t)
		withCaps := channelWith()
		withCaps.OwnCapabilities = []string{"send-message"}
		l.UpdateDataFromChannel(withCaps, UpdateOptions{})

		l.UpdateDataFromChannel(channelWith(), UpdateOptions{})

		assert.Equal(t, []string{"send-message"}, l.State().ChannelData().OwnCapabilities)
	})

	t.Run("zero message limit leaves messages alone", func(t *testing.T) {
		l := newTestStateLogic(t)
		l.UpdateDataFromChannel(channelWith(msgAt("m1", at(0))), UpdateOptions{MessageLimit: 0, IsWatchChannel: true})

		assert.Empty(t, l.State().Messages())
	})

	t.Run("clears the pagination loading flags", func(t *testing.T) {
		l := newTestStateLogic(t)
		require.True(t, l.BeginLoadingOlder())
		require.True(t, l.BeginLoadingNewer())

		l.UpdateDataFromChannel(channelWith(), UpdateOptions{})

		assert.False(t, l.State().LoadingOlderMessages())
		assert.False(t, l.State().LoadingNewerMessages())
	})

	t.Run("applies members reads watchers and config", func(t *testing.T) {
		l := newTestStateLogic(t)
		ch := channelWith(msgAt("m1", at(0)))
		ch.Members = []types.Member{{User: types.User{ID: "a"}}, {User: types.User{ID: "b"}}}
		ch.MemberCount = 2
		ch.Watchers = []types.User{{ID: "a"}}
		ch.Read = []types.ChannelUserRead{{User: types.User{ID: testUserID}, LastRead: at(0), UnreadMessages: 3}}
		ch.LastMessageAt = at(time.Hour)

		l.UpdateDataFromChannel(ch, UpdateOptions{MessageLimit: 30, IsWatchChannel: true})

		snap := l.State().Snapshot()
		assert.Len(t, snap.Members, 2)
		assert.Equal(t, 2, snap.MembersCount)
		assert.Equal(t, 1, snap.WatcherCount)
		assert.Equal(t, 3, snap.UnreadCount)
		assert.True(t, snap.Config.ReadEventsEnabled)
		assert.Equal(t, at(time.Hour), snap.LastMessageAt)
		assert.Len(t, snap.Messages, 1)
	})
}

func TestStateLogic_ShouldUpsertMessages(t *testing.T) {
	tests := []struct {
		name         string
		insideSearch bool
		heldMessages bool
		opts         UpdateOptions
		want         bool
	}{
		{name: "watch", insideSearch: true, opts: UpdateOptions{IsWatchChannel: true}, want: true},
		{name: "refresh", insideSearch: true, opts: UpdateOptions{ShouldRefreshMessages: true}, want: true},
		{name: "scroll", insideSearch: true, opts: UpdateOptions{ScrollUpdate: true}, want: true},
		{name: "notification outside search", opts: UpdateOptions{IsNotificationUpdate: true}, want: true},
		{name: "notification inside search", insideSearch: true, heldMessages: true, opts: UpdateOptions{IsNotificationUpdate: true}, want: false},
		{name: "channels state outside search", heldMessages: true, opts: UpdateOptions{IsChannelsStateUpdate: true}, want: true},
		{name: "channels state inside search with messages", insideSearch: true, heldMessages: true, opts: UpdateOptions{IsChannelsStateUpdate: true}, want: false},
		{name: "channels state inside search without messages", insideSearch: true, opts: UpdateOptions{IsChannelsStateUpdate: true}, want: true},
		{name: "nothing set", want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := newTestStateLogic(t)
			if tt.heldMessages {
				l.UpsertMessages([]types.Message{msgAt("held", at(0))}, false)
			}
			l.SetInsideSearch(tt.insideSearch)

			assert.Equal(t, tt.want, l.shouldUpsertMessages(tt.opts))
		})
	}
}

func TestStateLogic_SearchRouting(t *testing.T) {
	l := newTestStateLogic(t)
	l.UpsertMessages([]types.Message{msgAt("result", at(0))}, false)
	l.SetInsideSearch(true)

	l.UpsertMessage(msgAt("live", at(time.Hour)))

	assert.Equal(t, []string{"result"}, ids(l.State().Messages()))
	assert.Equal(t, []string{"result", "live"}, ids(l.State().CachedLatestMessages()))

	edited := msgAt("result", at(0))
	edited.Text = "edited in place"
	l.UpsertMessage(edited)
	got, _ := l.State().Message("result")
	assert.Equal(t, "edited in place", got.Text)

	l.SetInsideSearch(false)
	assert.Empty(t, l.State().CachedLatestMessages())
}

func makeMessages(n int) []types.Message {
	out := make([]types.Message, n)
	for i := range out {
		out[i] = msgAt(fmt.Sprintf("p%02d", i), at(time.Duration(i)*time.Second))
	}
	return out
}

func TestStateLogic_PropagateChannelQuery_Pagination(t *testing.T) {
	base := types.QueryChannelRequest{State: true, Watch: true, MessageLimit: 5}

	tests := []struct {
		name        string
		req         types.QueryChannelRequest
		received    int
		wantOlder   bool
		wantNewer   bool
		keepRecover bool
	}{
		{name: "latest page short", req: base, received: 3, wantOlder: true, wantNewer: true},
		{name: "latest page full", req: base, received: 5, wantOlder: false, wantNewer: true},
		{name: "older page short", req: base.WithMessages(types.LessThan, "x", 5), received: 2, wantOlder: true, wantNewer: false},
		{name: "older page full", req: base.WithMessages(types.LessThan, "x", 5), received: 5, wantOlder: false, wantNewer: false},
		{name: "newer page short", req: base.WithMessages(types.GreaterThan, "x", 5), received: 1, wantOlder: false, wantNewer: true},
		{name: "around id resets both", req: base.WithMessages(types.AroundID, "x", 5), received: 1, wantOlder: false, wantNewer: false},
		{
			name:        "notification updates leave flags alone",
			req:         types.QueryChannelRequest{MessageLimit: 5, IsNotificationUpdate: true},
			received:    0,
			keepRecover: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := newTestStateLogic(t)
			l.state.setEndOfOlder(false)
			l.state.setEndOfNewer(false)
			l.MarkRecoveryNeeded()

			l.PropagateChannelQuery(channelWith(makeMessages(tt.received)...), tt.req)

			assert.Equal(t, tt.wantOlder, l.State().EndOfOlderMessages())
			assert.Equal(t, tt.wantNewer, l.State().EndOfNewerMessages())
			assert.Equal(t, tt.keepRecover, l.State().RecoveryNeeded())
		})
	}
}

func TestStateLogic_PropagateQueryError(t *testing.T) {
	tests := []struct {
		name         string
		err          error
		wantRecovery bool
		wantReport   bool
	}{
		{name: "transient", err: errors.NewNetworkError("watch", fmt.Errorf("reset")), wantRecovery: true, wantReport: true},
		{name: "permanent", err: errors.New(errors.ErrCodeAuthorization, "forbidden"), wantRecovery: false, wantReport: true},
		{name: "precondition", err: errors.NewQueryInProgressError(testCID, "older"), wantRecovery: false, wantReport: false},
		{name: "nil", err: nil, wantRecovery: false, wantReport: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bus := errors.NewBus(4)
			reports, unsubscribe := bus.Subscribe()
			defer unsubscribe()

			l := newTestStateLogic(t, WithErrorBus(bus))
			l.PropagateQueryError("watch", tt.err)

			assert.Equal(t, tt.wantRecovery, l.State().RecoveryNeeded())
			if tt.wantReport {
				select {
				case r := <-reports:
					assert.Equal(t, testCID, r.CID)
					assert.Equal(t, "watch", r.Operation)
				case <-time.After(time.Second):
					t.Fatal("expected a report on the error bus")
				}
				return
			}
			assert.Empty(t, reports)
		})
	}
}

func TestStateLogic_DeleteChannel(t *testing.T) {
	l := newTestStateLogic(t)
	l.DeleteChannel(at(time.Hour))

	l.UpsertMessages([]types.Message{msgAt("late", at(2*time.Hour))}, false)
	l.ReplaceMessage(msgAt("local", at(2*time.Hour)))

	assert.True(t, l.State().Deleted())
	assert.Empty(t, l.State().RawMessages())
}

func TestStateLogic_UpsertUserPresence(t *testing.T) {
	l := newTestStateLogic(t)
	u := types.User{ID: "u1", Name: "Before"}
	l.UpsertMembers([]types.Member{{User: u}})
	l.SetWatchers([]types.User{u}, 1)
	l.UpdateRead(types.ChannelUserRead{User: u, LastRead: at(0)})

	msg := msgAt("m1", at(0))
	msg.User = u
	msg.LatestReactions = []types.Reaction{{Type: "like", UserID: "u1"}}
	l.UpsertMessages([]types.Message{msg, msgAt("m2", at(time.Second))}, false)

	after := types.User{ID: "u1", Name: "After", Online: true}
	l.UpsertUserPresence(after)

	member, ok := l.State().Member("u1")
	require.True(t, ok)
	assert.Equal(t, after, member.User)
	assert.Equal(t, []types.User{after}, l.State().Watchers())

	for _, r := range l.State().Reads() {
		if r.UserID() == "u1" {
			assert.Equal(t, after, r.User)
		}
	}

	got, _ := l.State().Message("m1")
	assert.Equal(t, after, got.User)
	assert.Equal(t, &after, got.LatestReactions[0].User)

	untouched, _ := l.State().Message("m2")
	assert.Equal(t, "other", untouched.User.ID)
}

func TestStateLogic_Members(t *testing.T) {
	t.Run("delete member removes the watcher too", func(t *testing.T) {
		l := newTestStateLogic(t)
		u := types.User{ID: "u1"}
		l.SetMembers([]types.Member{{User: u}, {User: types.User{ID: "u2"}}}, 2)
		l.SetWatchers([]types.User{u}, 1)

		l.DeleteMember(types.Member{User: u})

		assert.Equal(t, 1, l.State().MembersCount())
		assert.Empty(t, l.State().Watchers())
		assert.Equal(t, 0, l.State().WatcherCount())
	})

	t.Run("adding a known member does not bump the count", func(t *testing.T) {
		l := newTestStateLogic(t)
		l.AddMember(types.Member{User: types.User{ID: "u1"}})
		l.AddMember(types.Member{User: types.User{ID: "u1"}, Role: "admin"})

		assert.Equal(t, 1, l.State().MembersCount())
		m, _ := l.State().Member("u1")
		assert.Equal(t, "admin", m.Role)
	})

	t.Run("ban flags", func(t *testing.T) {
		l := newTestStateLogic(t)
		l.UpsertMember(types.Member{User: types.User{ID: "u1"}})

		l.UpdateMemberBanned("u1", true, true)
		m, _ := l.State().Member("u1")
		assert.True(t, m.Banned)
		assert.True(t, m.ShadowBanned)

		l.UpdateMemberBanned("u1", false, false)
		m, _ = l.State().Member("u1")
		assert.False(t, m.Banned)

		l.UpdateMemberBanned("ghost", true, false)
		_, ok := l.State().Member("ghost")
		assert.False(t, ok)
	})

	t.Run("membership follows the current user's member", func(t *testing.T) {
		l := newTestStateLogic(t)
		ch := channelWith()
		ch.Membership = &types.Member{User: types.User{ID: testUserID}, Role: "member"}
		l.UpdateChannelData(ch)

		l.UpdateMembership(types.Member{User: types.User{ID: testUserID}, Role: "moderator"})
		assert.Equal(t, "moderator", l.State().ChannelData().Membership.Role)

		l.UpdateMembership(types.Member{User: types.User{ID: "someone"}, Role: "owner"})
		assert.Equal(t, "moderator", l.State().ChannelData().Membership.Role)
	})
}

func TestStateLogic_UpdateChannelDataFromEvent(t *testing.T) {
	l := newTestStateLogic(t)
	full := channelWith()
	full.Name = "general"
	full.MemberCount = 4
	full.CreatedBy = types.User{ID: "founder"}
	full.OwnCapabilities = []string{"read"}
	l.UpdateChannelData(full)

	l.UpdateChannelDataFromEvent(&types.ChannelUpdatedEvent{Channel: types.Channel{Name: "renamed", Frozen: true}})

	data := l.State().ChannelData()
	assert.Equal(t, "renamed", data.Name)
	assert.True(t, data.Frozen)
	assert.Equal(t, 4, data.MemberCount)
	assert.Equal(t, "founder", data.CreatedBy.ID)
	assert.Equal(t, []string{"read"}, data.OwnCapabilities)
	assert.Equal(t, testCID, data.CID)
}

func TestStateLogic_RemoveAndHideMessagesBefore(t *testing.T) {
	t.Run("remove drops messages and inserts the system message", func(t *testing.T) {
		l := newTestStateLogic(t)
		l.UpsertMessages(makeMessages(5), false)

		sys := types.Message{ID: "sys", Type: types.MessageTypeSystem, CreatedAt: at(time.Hour)}
		l.RemoveMessagesBefore(at(2*time.Second), &sys)

		assert.Equal(t, []string{"p03", "p04", "sys"}, ids(l.State().Messages()))
	})

	t.Run("hide keeps messages but filters the view", func(t *testing.T) {
		l := newTestStateLogic(t)
		l.UpsertMessages(makeMessages(5), false)

		l.HideMessagesBefore(at(2 * time.Second))

		assert.Equal(t, []string{"p03", "p04"}, ids(l.State().Messages()))
		assert.Len(t, l.State().RawMessages(), 5)
		_, visible := l.State().VisibleMessage("p01")
		assert.False(t, visible)
	})
}

func TestStateLogic_RefreshMuteState(t *testing.T) {
	l := newTestStateLogic(t)

	l.RefreshMuteState([]string{"messaging:other", testCID})
	assert.True(t, l.State().Muted())

	l.RefreshMuteState(nil)
	assert.False(t, l.State().Muted())
}

func TestStateLogic_LoadingGuards(t *testing.T) {
	l := newTestStateLogic(t)

	assert.True(t, l.BeginLoadingOlder())
	assert.False(t, l.BeginLoadingOlder())
	assert.True(t, l.BeginLoadingNewer(), "directions are guarded separately")

	l.FinishLoadingOlder()
	assert.True(t, l.BeginLoadingOlder())

	assert.True(t, l.BeginLoading())
	assert.False(t, l.BeginLoading())
	l.SetLoading(false)
	assert.False(t, l.State().Loading())
}
