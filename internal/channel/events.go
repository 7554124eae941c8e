package channel

import (
	"context"
	"fmt"

	"chatsync/internal/metrics"
	"chatsync/pkg/chat/types"

	"github.com/sirupsen/logrus"
)

// HandleEvents applies events in delivery order.
func (l *Logic) HandleEvents(ctx context.Context, events []types.Event) {
	for _, ev := range events {
		l.HandleEvent(ctx, ev)
	}
}

// HandleEvent folds one realtime event into the channel state.
// Events scoped to another channel are ignored.
func (l *Logic) HandleEvent(ctx context.Context, ev types.Event) {
	if ev == nil {
		return
	}
	if scoped, ok := ev.(types.CIDEvent); ok {
		if cid := scoped.ChannelCID(); cid != "" && cid != l.CID() {
			l.log().WithFields(logrus.Fields{
				"event_type": ev.EventType(),
				"event_cid":  cid,
			}).Debug("Skipping event for another channel")
			return
		}
	}

	handled := l.handleEvent(ctx, ev)
	metrics.RecordEvent(ev.EventType(), handled)
}

func (l *Logic) handleEvent(ctx context.Context, ev types.Event) bool {
	s := l.logic

	switch e := ev.(type) {
	case *types.NewMessageEvent:
		msg := l.withLocalCreationDate(e.Message)
		l.upsertEventMessage(msg)
		s.IncrementUnreadCountIfNecessary(msg)
		l.unhideFor(msg)
	case *types.NotificationMessageNewEvent:
		if !l.state.InsideSearch() {
			l.upsertEventMessage(e.Message)
		}
		s.IncrementUnreadCountIfNecessary(e.Message)
		l.unhideFor(e.Message)
	case *types.MessageUpdatedEvent:
		msg := e.Message
		if msg.ReplyTo == nil && msg.ReplyMessageID != "" {
			if quoted, ok := l.state.Message(msg.ReplyMessageID); ok {
				msg.ReplyTo = &quoted
			}
		}
		if l.updateEventMessage(msg) {
			l.unhideFor(msg)
		}
	case *types.MessageDeletedEvent:
		if e.HardDelete {
			s.DeleteMessage(e.Message)
		} else {
			l.updateEventMessage(e.Message)
		}
	case *types.ReactionNewEvent:
		l.updateEventMessage(e.Message)
	case *types.ReactionUpdateEvent:
		l.updateEventMessage(e.Message)
	case *types.ReactionDeletedEvent:
		l.updateEventMessage(e.Message)
	case *types.MemberAddedEvent:
		s.AddMember(e.Member)
	case *types.MemberRemovedEvent:
		s.DeleteMember(e.Member)
	case *types.MemberUpdatedEvent:
		s.UpsertMember(e.Member)
		s.UpdateMembership(e.Member)
	case *types.NotificationAddedToChannelEvent:
		s.UpsertMembers(e.Channel.Members)
	case *types.NotificationRemovedFromChannelEvent:
		s.SetMembers(e.Channel.Members, e.Channel.MemberCount)
		s.SetWatchers(e.Channel.Watchers, e.Channel.WatcherCount)
	case *types.UserPresenceChangedEvent:
		s.UpsertUserPresence(e.User)
	case *types.UserUpdatedEvent:
		s.UpsertUserPresence(e.User)
	case *types.UserStartWatchingEvent:
		s.UpsertWatcher(e)
	case *types.UserStopWatchingEvent:
		s.DeleteWatcher(e)
	case *types.ChannelUpdatedEvent:
		s.UpdateChannelDataFromEvent(e)
	case *types.ChannelUpdatedByUserEvent:
		s.UpdateChannelDataFromEvent(e)
	case *types.ChannelHiddenEvent:
		s.ToggleHidden(true)
		if e.ClearHistory {
			l.RemoveMessagesBefore(ctx, e.CreatedAt, nil)
		}
	case *types.ChannelVisibleEvent:
		s.ToggleHidden(false)
	case *types.ChannelDeletedEvent:
		l.RemoveMessagesBefore(ctx, e.CreatedAt, nil)
		s.DeleteChannel(e.CreatedAt)
	case *types.ChannelTruncatedEvent:
		l.RemoveMessagesBefore(ctx, e.CreatedAt, e.Message)
	case *types.NotificationChannelTruncatedEvent:
		l.RemoveMessagesBefore(ctx, e.CreatedAt, nil)
	case *types.TypingStartEvent:
		s.SetTyping(e.User.ID, e)
	case *types.TypingStopEvent:
		s.SetTyping(e.User.ID, nil)
	case *types.MessageReadEvent:
		s.UpdateRead(types.ChannelUserRead{User: e.User, LastRead: e.CreatedAt})
	case *types.NotificationMarkReadEvent:
		s.UpdateRead(types.ChannelUserRead{User: e.User, LastRead: e.CreatedAt, UnreadMessages: e.UnreadMessages})
	case *types.MarkAllReadEvent:
		s.UpdateRead(types.ChannelUserRead{User: e.User, LastRead: e.CreatedAt})
	case *types.NotificationInviteAcceptedEvent:
		s.AddMember(e.Member)
		s.UpdateChannelDataFromEvent(e)
	case *types.NotificationInviteRejectedEvent:
		s.DeleteMember(e.Member)
		s.UpdateChannelDataFromEvent(e)
	case *types.NotificationChannelMutesUpdatedEvent:
		s.RefreshMuteState(e.Me.MutedChannelIDs())
	case *types.ChannelUserBannedEvent:
		s.UpdateMemberBanned(e.User.ID, true, e.Shadow)
	case *types.ChannelUserUnbannedEvent:
		s.UpdateMemberBanned(e.User.ID, false, false)

	// nothing in these changes channel state
	case *types.NotificationChannelDeletedEvent,
		*types.NotificationInvitedEvent,
		*types.ConnectedEvent,
		*types.ConnectingEvent,
		*types.DisconnectedEvent,
		*types.ErrorEvent,
		*types.GlobalUserBannedEvent,
		*types.GlobalUserUnbannedEvent,
		*types.HealthEvent,
		*types.NotificationMutesUpdatedEvent,
		*types.UnknownEvent,
		*types.UserDeletedEvent:
		return false

	default:
		l.log().WithFields(logrus.Fields{
			"event_type": ev.EventType(),
			"go_type":    fmt.Sprintf("%T", ev),
		}).Error("Unhandled event kind")
		return false
	}
	return true
}

// withLocalCreationDate keeps the local creation date of the current user's own messages,
// which the server echo does not carry.
func (l *Logic) withLocalCreationDate(msg types.Message) types.Message {
	if msg.User.ID != l.state.CurrentUserID() || !msg.CreatedLocallyAt.IsZero() {
		return msg
	}
	if stored, ok := l.state.Message(msg.ID); ok {
		msg.CreatedLocallyAt = stored.CreatedLocallyAt
	}
	return msg
}

// upsertEventMessage inserts or replaces a message from an event, keeping own reactions.
func (l *Logic) upsertEventMessage(msg types.Message) {
	msg = confirmed(msg)
	if stored, ok := l.state.Message(msg.ID); ok {
		msg = PreserveOwnReactions(msg, &stored)
	}
	l.logic.UpsertMessage(msg)
}

// updateEventMessage replaces a message already held. Events for unknown messages are dropped.
func (l *Logic) updateEventMessage(msg types.Message) bool {
	stored, ok := l.state.Message(msg.ID)
	if !ok {
		return false
	}
	l.logic.UpsertMessage(PreserveOwnReactions(confirmed(msg), &stored))
	return true
}

// unhideFor makes the channel visible again on activity, except for shadowed messages.
func (l *Logic) unhideFor(msg types.Message) {
	if !msg.Shadowed {
		l.logic.ToggleHidden(false)
	}
}

// confirmed marks server payloads without a sync status as completed.
func confirmed(msg types.Message) types.Message {
	if msg.SyncStatus == "" {
		msg.SyncStatus = types.SyncStatusCompleted
	}
	return msg
}
