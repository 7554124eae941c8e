package types

import (
	"encoding/json"
	"time"
)

// Wire event types
const (
	EventMessageNew                      = "message.new"
	EventMessageUpdated                  = "message.updated"
	EventMessageDeleted                  = "message.deleted"
	EventMessageRead                     = "message.read"
	EventNotificationMessageNew          = "notification.message_new"
	EventReactionNew                     = "reaction.new"
	EventReactionUpdated                 = "reaction.updated"
	EventReactionDeleted                 = "reaction.deleted"
	EventMemberAdded                     = "member.added"
	EventMemberUpdated                   = "member.updated"
	EventMemberRemoved                   = "member.removed"
	EventNotificationRemovedFromChannel  = "notification.removed_from_channel"
	EventNotificationAddedToChannel      = "notification.added_to_channel"
	EventUserPresenceChanged             = "user.presence.changed"
	EventUserUpdated                     = "user.updated"
	EventUserDeleted                     = "user.deleted"
	EventUserBanned                      = "user.banned"
	EventUserUnbanned                    = "user.unbanned"
	EventUserWatchingStart               = "user.watching.start"
	EventUserWatchingStop                = "user.watching.stop"
	EventChannelUpdated                  = "channel.updated"
	EventChannelHidden                   = "channel.hidden"
	EventChannelVisible                  = "channel.visible"
	EventChannelDeleted                  = "channel.deleted"
	EventChannelTruncated                = "channel.truncated"
	EventNotificationChannelTruncated    = "notification.channel_truncated"
	EventNotificationChannelDeleted      = "notification.channel_deleted"
	EventTypingStart                     = "typing.start"
	EventTypingStop                      = "typing.stop"
	EventNotificationMarkRead            = "notification.mark_read"
	EventNotificationInvited             = "notification.invited"
	EventNotificationInviteAccepted      = "notification.invite_accepted"
	EventNotificationInviteRejected      = "notification.invite_rejected"
	EventNotificationChannelMutesUpdated = "notification.channel_mutes_updated"
	EventNotificationMutesUpdated        = "notification.mutes_updated"
	EventHealthCheck                     = "health.check"
	EventConnectionConnecting            = "connection.connecting"
	EventConnectionDisconnected          = "connection.disconnected"
	EventConnectionError                 = "connection.error"
)

// Event is the closed set of realtime events. Only types in this package implement it.
type Event interface {
	EventType() string
	CreatedAtTime() time.Time
	isEvent()
}

// CIDEvent is an event scoped to one channel.
type CIDEvent interface {
	Event
	ChannelCID() string
}

// HasChannel is an event carrying a full channel snapshot.
type HasChannel interface {
	Event
	EventChannel() Channel
}

// EventMeta is embedded by every event.
type EventMeta struct {
	Type      string    `json:"type"`
	CreatedAt time.Time `json:"created_at"`
}

func (m EventMeta) EventType() string        { return m.Type }
func (m EventMeta) CreatedAtTime() time.Time { return m.CreatedAt }
func (EventMeta) isEvent()                   {}

// ChannelRef is embedded by channel scoped events.
type ChannelRef struct {
	CID         string `json:"cid"`
	ChannelType string `json:"channel_type"`
	ChannelID   string `json:"channel_id"`
}

// ChannelCID returns the event's cid, rebuilding it from type and id when absent.
func (r ChannelRef) ChannelCID() string {
	if r.CID != "" {
		return r.CID
	}
	if r.ChannelType == "" || r.ChannelID == "" {
		return ""
	}
	return r.ChannelType + ":" + r.ChannelID
}

// RefFor builds the channel reference for a cid.
func RefFor(cid string) ChannelRef {
	ref := ChannelRef{CID: cid}
	if id, err := ParseCID(cid); err == nil {
		ref.ChannelType = id.Type
		ref.ChannelID = id.ID
	}
	return ref
}

type NewMessageEvent struct {
	EventMeta
	ChannelRef
	User             User    `json:"user"`
	Message          Message `json:"message"`
	WatcherCount     int     `json:"watcher_count,omitempty"`
	TotalUnreadCount int     `json:"total_unread_count,omitempty"`
	UnreadChannels   int     `json:"unread_channels,omitempty"`
}

type MessageUpdatedEvent struct {
	EventMeta
	ChannelRef
	User    User    `json:"user"`
	Message Message `json:"message"`
}

type MessageDeletedEvent struct {
	EventMeta
	ChannelRef
	User       *User   `json:"user,omitempty"`
	Message    Message `json:"message"`
	HardDelete bool    `json:"hard_delete"`
}

type NotificationMessageNewEvent struct {
	EventMeta
	ChannelRef
	Channel          Channel `json:"channel"`
	Message          Message `json:"message"`
	TotalUnreadCount int     `json:"total_unread_count,omitempty"`
}

func (e *NotificationMessageNewEvent) EventChannel() Channel { return e.Channel }

type ReactionNewEvent struct {
	EventMeta
	ChannelRef
	User     User     `json:"user"`
	Message  Message  `json:"message"`
	Reaction Reaction `json:"reaction"`
}

type ReactionUpdateEvent struct {
	EventMeta
	ChannelRef
	User     User     `json:"user"`
	Message  Message  `json:"message"`
	Reaction Reaction `json:"reaction"`
}

type ReactionDeletedEvent struct {
	EventMeta
	ChannelRef
	User     User     `json:"user"`
	Message  Message  `json:"message"`
	Reaction Reaction `json:"reaction"`
}

type MemberAddedEvent struct {
	EventMeta
	ChannelRef
	User   User   `json:"user"`
	Member Member `json:"member"`
}

type MemberUpdatedEvent struct {
	EventMeta
	ChannelRef
	User   User   `json:"user"`
	Member Member `json:"member"`
}

type MemberRemovedEvent struct {
	EventMeta
	ChannelRef
	User   User   `json:"user"`
	Member Member `json:"member"`
}

type NotificationRemovedFromChannelEvent struct {
	EventMeta
	ChannelRef
	User    User    `json:"user"`
	Channel Channel `json:"channel"`
	Member  Member  `json:"member"`
}

func (e *NotificationRemovedFromChannelEvent) EventChannel() Channel { return e.Channel }

type NotificationAddedToChannelEvent struct {
	EventMeta
	ChannelRef
	Channel Channel `json:"channel"`
	Member  Member  `json:"member"`
}

func (e *NotificationAddedToChannelEvent) EventChannel() Channel { return e.Channel }

type UserPresenceChangedEvent struct {
	EventMeta
	User User `json:"user"`
}

type UserUpdatedEvent struct {
	EventMeta
	User User `json:"user"`
}

type UserStartWatchingEvent struct {
	EventMeta
	ChannelRef
	User         User `json:"user"`
	WatcherCount int  `json:"watcher_count"`
}

type UserStopWatchingEvent struct {
	EventMeta
	ChannelRef
	User         User `json:"user"`
	WatcherCount int  `json:"watcher_count"`
}

type ChannelUpdatedEvent struct {
	EventMeta
	ChannelRef
	Channel Channel  `json:"channel"`
	Message *Message `json:"message,omitempty"`
}

func (e *ChannelUpdatedEvent) EventChannel() Channel { return e.Channel }

type ChannelUpdatedByUserEvent struct {
	EventMeta
	ChannelRef
	User    User     `json:"user"`
	Channel Channel  `json:"channel"`
	Message *Message `json:"message,omitempty"`
}

func (e *ChannelUpdatedByUserEvent) EventChannel() Channel { return e.Channel }

type ChannelHiddenEvent struct {
	EventMeta
	ChannelRef
	User         User `json:"user"`
	ClearHistory bool `json:"clear_history"`
}

type ChannelVisibleEvent struct {
	EventMeta
	ChannelRef
	User User `json:"user"`
}

type ChannelDeletedEvent struct {
	EventMeta
	ChannelRef
	User    *User   `json:"user,omitempty"`
	Channel Channel `json:"channel"`
}

func (e *ChannelDeletedEvent) EventChannel() Channel { return e.Channel }

type ChannelTruncatedEvent struct {
	EventMeta
	ChannelRef
	User    *User    `json:"user,omitempty"`
	Message *Message `json:"message,omitempty"`
	Channel Channel  `json:"channel"`
}

func (e *ChannelTruncatedEvent) EventChannel() Channel { return e.Channel }

type NotificationChannelTruncatedEvent struct {
	EventMeta
	ChannelRef
	Channel Channel `json:"channel"`
}

func (e *NotificationChannelTruncatedEvent) EventChannel() Channel { return e.Channel }

type TypingStartEvent struct {
	EventMeta
	ChannelRef
	User     User   `json:"user"`
	ParentID string `json:"parent_id,omitempty"`
}

type TypingStopEvent struct {
	EventMeta
	ChannelRef
	User     User   `json:"user"`
	ParentID string `json:"parent_id,omitempty"`
}

type MessageReadEvent struct {
	EventMeta
	ChannelRef
	User              User   `json:"user"`
	LastReadMessageID string `json:"last_read_message_id,omitempty"`
}

type NotificationMarkReadEvent struct {
	EventMeta
	ChannelRef
	User             User `json:"user"`
	UnreadMessages   int  `json:"unread_messages"`
	TotalUnreadCount int  `json:"total_unread_count"`
}

// MarkAllReadEvent is a mark-read notification without a channel.
type MarkAllReadEvent struct {
	EventMeta
	User             User `json:"user"`
	TotalUnreadCount int  `json:"total_unread_count"`
}

type NotificationInviteAcceptedEvent struct {
	EventMeta
	ChannelRef
	User    User    `json:"user"`
	Member  Member  `json:"member"`
	Channel Channel `json:"channel"`
}

func (e *NotificationInviteAcceptedEvent) EventChannel() Channel { return e.Channel }

type NotificationInviteRejectedEvent struct {
	EventMeta
	ChannelRef
	User    User    `json:"user"`
	Member  Member  `json:"member"`
	Channel Channel `json:"channel"`
}

func (e *NotificationInviteRejectedEvent) EventChannel() Channel { return e.Channel }

type NotificationChannelMutesUpdatedEvent struct {
	EventMeta
	Me OwnUser `json:"me"`
}

type ChannelUserBannedEvent struct {
	EventMeta
	ChannelRef
	User       User      `json:"user"`
	Expiration time.Time `json:"expiration,omitempty"`
	Shadow     bool      `json:"shadow"`
}

type ChannelUserUnbannedEvent struct {
	EventMeta
	ChannelRef
	User User `json:"user"`
}

// Events below carry nothing channel state depends on.

type NotificationChannelDeletedEvent struct {
	EventMeta
	ChannelRef
	Channel Channel `json:"channel"`
}

type NotificationInvitedEvent struct {
	EventMeta
	ChannelRef
	User   User   `json:"user"`
	Member Member `json:"member"`
}

type ConnectedEvent struct {
	EventMeta
	Me           OwnUser `json:"me"`
	ConnectionID string  `json:"connection_id"`
}

type ConnectingEvent struct {
	EventMeta
}

type DisconnectedEvent struct {
	EventMeta
	Reason string `json:"reason,omitempty"`
}

type ErrorEvent struct {
	EventMeta
	Err error `json:"-"`
}

type GlobalUserBannedEvent struct {
	EventMeta
	User User `json:"user"`
}

type GlobalUserUnbannedEvent struct {
	EventMeta
	User User `json:"user"`
}

type HealthEvent struct {
	EventMeta
	ConnectionID string `json:"connection_id"`
}

type NotificationMutesUpdatedEvent struct {
	EventMeta
	Me OwnUser `json:"me"`
}

type UserDeletedEvent struct {
	EventMeta
	User User `json:"user"`
}

// UnknownEvent keeps the raw payload of an event type this package does not model.
type UnknownEvent struct {
	EventMeta
	Raw json.RawMessage `json:"-"`
}

// TypingEvent is the derived "who is typing" view of a channel.
type TypingEvent struct {
	CID   string `json:"cid"`
	Users []User `json:"users"`
}
