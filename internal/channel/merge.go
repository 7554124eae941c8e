package channel

import (
	"time"

	"chatsync/pkg/chat/types"
)

// IsMessageNewer reports whether incoming should replace current.
// Confirmed messages are compared on server timestamps, everything else on local ones.
// Ties favour incoming so replaying the same payload is harmless.
func IsMessageNewer(current *types.Message, incoming types.Message) bool {
	if current == nil {
		return true
	}
	if incoming.SyncStatus == types.SyncStatusCompleted {
		return !lastUpdateTime(*current).After(lastUpdateTime(incoming))
	}
	return !lastLocalUpdateTime(*current).After(lastLocalUpdateTime(incoming))
}

// IsReactionNewer applies the message freshness rule to reactions.
func IsReactionNewer(current *types.Reaction, incoming types.Reaction) bool {
	if current == nil {
		return true
	}
	return !latest(current.CreatedAt, current.UpdatedAt, current.DeletedAt).
		After(latest(incoming.CreatedAt, incoming.UpdatedAt, incoming.DeletedAt))
}

func lastUpdateTime(m types.Message) time.Time {
	return latest(m.CreatedAt, m.UpdatedAt, m.DeletedAt)
}

func lastLocalUpdateTime(m types.Message) time.Time {
	return latest(m.CreatedLocallyAt, m.UpdatedLocallyAt, m.DeletedAt)
}

// latest returns the max of the set timestamps, zero when none is set.
func latest(times ...time.Time) time.Time {
	var out time.Time
	for _, t := range times {
		if t.After(out) {
			out = t
		}
	}
	return out
}

type reactionKey struct {
	userID string
	kind   string
}

// MergeReactions folds incoming reactions into current, keyed by user and type.
// Deleted reactions drop out of the result.
func MergeReactions(current, incoming []types.Reaction) []types.Reaction {
	order := make([]reactionKey, 0, len(current)+len(incoming))
	byKey := make(map[reactionKey]types.Reaction, len(current)+len(incoming))

	for _, r := range current {
		k := reactionKey{userID: r.FetchUserID(), kind: r.Type}
		if _, ok := byKey[k]; !ok {
			order = append(order, k)
		}
		byKey[k] = r
	}
	for _, r := range incoming {
		k := reactionKey{userID: r.FetchUserID(), kind: r.Type}
		existing, ok := byKey[k]
		if !ok {
			order = append(order, k)
			byKey[k] = r
			continue
		}
		if IsReactionNewer(&existing, r) {
			byKey[k] = r
		}
	}

	out := make([]types.Reaction, 0, len(order))
	for _, k := range order {
		r := byKey[k]
		if !r.DeletedAt.IsZero() {
			continue
		}
		out = append(out, r)
	}
	return out
}

// PreserveOwnReactions re-attaches the locally known own reactions to an event payload.
func PreserveOwnReactions(incoming types.Message, stored *types.Message) types.Message {
	if stored == nil {
		return incoming
	}
	incoming.OwnReactions = append([]types.Reaction(nil), stored.OwnReactions...)
	return incoming
}

// UpsertMembers returns a new map with incoming members merged into current.
func UpsertMembers(current map[string]types.Member, incoming []types.Member) map[string]types.Member {
	out := make(map[string]types.Member, len(current)+len(incoming))
	for id, m := range current {
		out[id] = m
	}
	for _, m := range incoming {
		if m.UserID() == "" {
			continue
		}
		out[m.UserID()] = m
	}
	return out
}

// MergeRead decides whether the current user's incoming read replaces the previous one.
// Reads up to tolerance older than the stored one are still accepted to absorb clock skew.
func MergeRead(previous *types.ChannelUserRead, incoming types.ChannelUserRead, tolerance time.Duration) (types.ChannelUserRead, bool) {
	if previous == nil || previous.LastRead.IsZero() {
		return incoming, true
	}
	if incoming.LastRead.Add(tolerance).After(previous.LastRead) {
		if incoming.LastMessageSeenDate.Before(previous.LastMessageSeenDate) {
			incoming.LastMessageSeenDate = previous.LastMessageSeenDate
		}
		return incoming, true
	}
	return *previous, false
}

// ApplyUser rewrites every projection of user inside msg: author, quoted author and reactions.
func ApplyUser(msg types.Message, user types.User) types.Message {
	if msg.User.ID == user.ID {
		msg.User = user
	}
	if msg.ReplyTo != nil && msg.ReplyTo.User.ID == user.ID {
		quoted := *msg.ReplyTo
		quoted.User = user
		msg.ReplyTo = &quoted
	}
	msg.OwnReactions = applyUserToReactions(msg.OwnReactions, user)
	msg.LatestReactions = applyUserToReactions(msg.LatestReactions, user)
	return msg
}

func applyUserToReactions(reactions []types.Reaction, user types.User) []types.Reaction {
	if len(reactions) == 0 {
		return reactions
	}
	out := make([]types.Reaction, len(reactions))
	for i, r := range reactions {
		if r.FetchUserID() == user.ID {
			u := user
			r.User = &u
		}
		out[i] = r
	}
	return out
}
