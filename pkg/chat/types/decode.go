package types

import (
	"encoding/json"
	"fmt"
)

type envelope struct {
	Type string          `json:"type"`
	CID  string          `json:"cid"`
	User json.RawMessage `json:"user"`
	Me   json.RawMessage `json:"me"`
}

func (e envelope) hasCID() bool  { return e.CID != "" }
func (e envelope) hasUser() bool { return len(e.User) > 0 && string(e.User) != "null" }
func (e envelope) hasMe() bool   { return len(e.Me) > 0 && string(e.Me) != "null" }

// DecodeEvent decodes a realtime payload into its concrete event type.
// Payloads with an unmodelled type decode to *UnknownEvent.
func DecodeEvent(data []byte) (Event, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("failed to decode event envelope: %w", err)
	}
	if env.Type == "" {
		return nil, fmt.Errorf("event payload has no type")
	}

	ev := newEventFor(env)
	if err := json.Unmarshal(data, ev); err != nil {
		return nil, fmt.Errorf("failed to decode %s event: %w", env.Type, err)
	}
	if unknown, ok := ev.(*UnknownEvent); ok {
		unknown.Raw = append(json.RawMessage(nil), data...)
	}
	return ev, nil
}

func newEventFor(env envelope) Event {
	switch env.Type {
	case EventMessageNew:
		return &NewMessageEvent{}
	case EventMessageUpdated:
		return &MessageUpdatedEvent{}
	case EventMessageDeleted:
		return &MessageDeletedEvent{}
	case EventMessageRead:
		return &MessageReadEvent{}
	case EventNotificationMessageNew:
		return &NotificationMessageNewEvent{}
	case EventReactionNew:
		return &ReactionNewEvent{}
	case EventReactionUpdated:
		return &ReactionUpdateEvent{}
	case EventReactionDeleted:
		return &ReactionDeletedEvent{}
	case EventMemberAdded:
		return &MemberAddedEvent{}
	case EventMemberUpdated:
		return &MemberUpdatedEvent{}
	case EventMemberRemoved:
		return &MemberRemovedEvent{}
	case EventNotificationRemovedFromChannel:
		return &NotificationRemovedFromChannelEvent{}
	case EventNotificationAddedToChannel:
		return &NotificationAddedToChannelEvent{}
	case EventUserPresenceChanged:
		return &UserPresenceChangedEvent{}
	case EventUserUpdated:
		return &UserUpdatedEvent{}
	case EventUserDeleted:
		return &UserDeletedEvent{}
	case EventUserBanned:
		if env.hasCID() {
			return &ChannelUserBannedEvent{}
		}
		return &GlobalUserBannedEvent{}
	case EventUserUnbanned:
		if env.hasCID() {
			return &ChannelUserUnbannedEvent{}
		}
		return &GlobalUserUnbannedEvent{}
	case EventUserWatchingStart:
		return &UserStartWatchingEvent{}
	case EventUserWatchingStop:
		return &UserStopWatchingEvent{}
	case EventChannelUpdated:
		if env.hasUser() {
			return &ChannelUpdatedByUserEvent{}
		}
		return &ChannelUpdatedEvent{}
	case EventChannelHidden:
		return &ChannelHiddenEvent{}
	case EventChannelVisible:
		return &ChannelVisibleEvent{}
	case EventChannelDeleted:
		return &ChannelDeletedEvent{}
	case EventChannelTruncated:
		return &ChannelTruncatedEvent{}
	case EventNotificationChannelTruncated:
		return &NotificationChannelTruncatedEvent{}
	case EventNotificationChannelDeleted:
		return &NotificationChannelDeletedEvent{}
	case EventTypingStart:
		return &TypingStartEvent{}
	case EventTypingStop:
		return &TypingStopEvent{}
	case EventNotificationMarkRead:
		if env.hasCID() {
			return &NotificationMarkReadEvent{}
		}
		return &MarkAllReadEvent{}
	case EventNotificationInvited:
		return &NotificationInvitedEvent{}
	case EventNotificationInviteAccepted:
		return &NotificationInviteAcceptedEvent{}
	case EventNotificationInviteRejected:
		return &NotificationInviteRejectedEvent{}
	case EventNotificationChannelMutesUpdated:
		return &NotificationChannelMutesUpdatedEvent{}
	case EventNotificationMutesUpdated:
		return &NotificationMutesUpdatedEvent{}
	case EventHealthCheck:
		if env.hasMe() {
			return &ConnectedEvent{}
		}
		return &HealthEvent{}
	default:
		return &UnknownEvent{}
	}
}

// RegisteredEvents returns one zero value of every event kind, for exhaustiveness checks.
func RegisteredEvents() []Event {
	return []Event{
		&NewMessageEvent{}, &MessageUpdatedEvent{}, &MessageDeletedEvent{}, &NotificationMessageNewEvent{},
		&ReactionNewEvent{}, &ReactionUpdateEvent{}, &ReactionDeletedEvent{},
		&MemberAddedEvent{}, &MemberUpdatedEvent{}, &MemberRemovedEvent{},
		&NotificationRemovedFromChannelEvent{}, &NotificationAddedToChannelEvent{},
		&UserPresenceChangedEvent{}, &UserUpdatedEvent{},
		&UserStartWatchingEvent{}, &UserStopWatchingEvent{},
		&ChannelUpdatedEvent{}, &ChannelUpdatedByUserEvent{}, &ChannelHiddenEvent{}, &ChannelVisibleEvent{},
		&ChannelDeletedEvent{}, &ChannelTruncatedEvent{}, &NotificationChannelTruncatedEvent{},
		&TypingStartEvent{}, &TypingStopEvent{},
		&MessageReadEvent{}, &NotificationMarkReadEvent{}, &MarkAllReadEvent{},
		&NotificationInviteAcceptedEvent{}, &NotificationInviteRejectedEvent{},
		&NotificationChannelMutesUpdatedEvent{}, &ChannelUserBannedEvent{}, &ChannelUserUnbannedEvent{},
		&NotificationChannelDeletedEvent{}, &NotificationInvitedEvent{},
		&ConnectedEvent{}, &ConnectingEvent{}, &DisconnectedEvent{}, &ErrorEvent{},
		&GlobalUserBannedEvent{}, &GlobalUserUnbannedEvent{}, &HealthEvent{},
		&NotificationMutesUpdatedEvent{}, &UnknownEvent{}, &UserDeletedEvent{},
	}
}
