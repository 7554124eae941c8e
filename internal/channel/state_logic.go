package channel

import (
	"context"
	"time"

	"chatsync/internal/constants"
	"chatsync/internal/errors"
	"chatsync/internal/metrics"
	"chatsync/internal/typing"
	"chatsync/pkg/chat/types"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"
)

// UpdateOptions tells UpdateDataFromChannel where a channel snapshot came from.
type UpdateOptions struct {
	MessageLimit          int
	ShouldRefreshMessages bool
	ScrollUpdate          bool
	IsNotificationUpdate  bool
	IsChannelsStateUpdate bool
	IsWatchChannel        bool
}

// StateLogic holds every rule for mutating a channel's MutableState.
type StateLogic struct {
	state         *MutableState
	pruner        *typing.Pruner
	logger        *logrus.Logger
	bus           *errors.Bus
	readTolerance time.Duration
	typingTimeout time.Duration
	countedSize   int

	counted *lru.Cache[string, struct{}]
}

// StateLogicOption configures a StateLogic
type StateLogicOption func(*StateLogic)

// WithReadTolerance sets how much older an incoming own read may be and still be accepted.
func WithReadTolerance(d time.Duration) StateLogicOption {
	return func(l *StateLogic) {
		if d >= 0 {
			l.readTolerance = d
		}
	}
}

// WithTypingTimeout sets the typing entry lifetime.
func WithTypingTimeout(d time.Duration) StateLogicOption {
	return func(l *StateLogic) { l.typingTimeout = d }
}

// WithErrorBus sets where query errors are published.
func WithErrorBus(bus *errors.Bus) StateLogicOption {
	return func(l *StateLogic) { l.bus = bus }
}

// WithLogger sets the logger
func WithLogger(logger *logrus.Logger) StateLogicOption {
	return func(l *StateLogic) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// WithCountedMessageCache sets how many counted message ids are remembered.
func WithCountedMessageCache(size int) StateLogicOption {
	return func(l *StateLogic) {
		if size > 0 {
			l.countedSize = size
		}
	}
}

// NewStateLogic wraps state. ctx bounds the typing timers of the channel.
func NewStateLogic(ctx context.Context, state *MutableState, opts ...StateLogicOption) *StateLogic {
	l := &StateLogic{
		state:         state,
		readTolerance: time.Duration(constants.DefaultReadToleranceMs) * time.Millisecond,
		typingTimeout: constants.DefaultTypingTimeout,
		countedSize:   constants.DefaultCountedMessageCache,
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.logger == nil {
		l.logger = logrus.New()
		l.logger.SetLevel(logrus.WarnLevel)
	}

	counted, err := lru.New[string, struct{}](l.countedSize)
	if err != nil {
		// only reachable with a non-positive size, which the option rejects
		panic(err)
	}
	l.counted = counted

	l.pruner = typing.NewPruner(ctx, state.CID(), l.updateTypingStates,
		typing.WithDelay(l.typingTimeout),
		typing.WithLogger(l.logger),
	)
	return l
}

// State returns the read-only view of the channel.
func (l *StateLogic) State() *MutableState {
	return l.state
}

func (l *StateLogic) log() *logrus.Entry {
	return l.logger.WithField("cid", l.state.CID())
}

// Close stops the typing timers.
func (l *StateLogic) Close() {
	l.pruner.Close()
}

// UpdateChannelData replaces the channel metadata, keeping the known
// capabilities when the snapshot carries none.
func (l *StateLogic) UpdateChannelData(channel types.Channel) {
	data := channel.ToChannelData()
	l.state.updateChannelData(func(cur types.ChannelData) types.ChannelData {
		if len(data.OwnCapabilities) == 0 {
			data.OwnCapabilities = cur.OwnCapabilities
		}
		if data.CID == "" {
			data.Type, data.ID, data.CID = cur.Type, cur.ID, cur.CID
		}
		return data
	})
}

// UpdateChannelDataFromEvent merges the channel carried by an event into the metadata.
// Events carry partial channels, so empty fields keep their current value.
func (l *StateLogic) UpdateChannelDataFromEvent(ev types.HasChannel) {
	incoming := ev.EventChannel().ToChannelData()
	l.state.updateChannelData(func(cur types.ChannelData) types.ChannelData {
		next := incoming
		next.Type, next.ID, next.CID = cur.Type, cur.ID, cur.CID
		if len(next.OwnCapabilities) == 0 {
			next.OwnCapabilities = cur.OwnCapabilities
		}
		if next.Membership == nil {
			next.Membership = cur.Membership
		}
		if next.MemberCount == 0 {
			next.MemberCount = cur.MemberCount
		}
		if next.CreatedBy.ID == "" {
			next.CreatedBy = cur.CreatedBy
		}
		if next.CreatedAt.IsZero() {
			next.CreatedAt = cur.CreatedAt
		}
		return next
	})
}

// UpdateMembership replaces the current user's membership when it refers to the same user.
func (l *StateLogic) UpdateMembership(member types.Member) {
	l.state.updateChannelData(func(cur types.ChannelData) types.ChannelData {
		if cur.Membership == nil || cur.Membership.UserID() != member.UserID() {
			return cur
		}
		m := member
		cur.Membership = &m
		return cur
	})
}

func (l *StateLogic) UpdateReads(reads []types.ChannelUserRead) {
	l.state.upsertReads(reads, l.readTolerance)
}

func (l *StateLogic) UpdateRead(read types.ChannelUserRead) {
	l.UpdateReads([]types.ChannelUserRead{read})
}

// SetTyping updates a user's typing entry. The current user never appears in the typing list.
func (l *StateLogic) SetTyping(userID string, ev *types.TypingStartEvent) {
	if userID == "" || userID == l.state.CurrentUserID() {
		return
	}
	l.pruner.ProcessEvent(userID, ev)
}

func (l *StateLogic) updateTypingStates(raw map[string]types.TypingStartEvent, ev types.TypingEvent) {
	l.state.updateTypingEvents(raw, ev)
}

func (l *StateLogic) SetWatchers(watchers []types.User, count int) {
	l.state.setWatchers(watchers, count)
}

func (l *StateLogic) UpsertWatcher(ev *types.UserStartWatchingEvent) {
	l.state.upsertWatchers([]types.User{ev.User}, ev.WatcherCount)
}

func (l *StateLogic) DeleteWatcher(ev *types.UserStopWatchingEvent) {
	l.state.deleteWatcher(ev.User.ID, ev.WatcherCount)
}

// UpsertMessage routes a single message to the visible list, or to the cached
// latest messages while the user is inside search and the message is not on screen.
func (l *StateLogic) UpsertMessage(msg types.Message) {
	if _, visible := l.state.VisibleMessage(msg.ID); visible || !l.state.InsideSearch() {
		l.UpsertMessages([]types.Message{msg}, false)
		return
	}
	l.UpsertCachedMessages([]types.Message{msg})
}

// UpsertMessages applies the freshness rule to msgs. With shouldRefresh the
// held messages are replaced instead.
func (l *StateLogic) UpsertMessages(msgs []types.Message, shouldRefresh bool) {
	if len(msgs) == 0 && !shouldRefresh {
		return
	}
	if l.state.Deleted() {
		l.log().WithField("count", len(msgs)).Debug("Dropping messages for deleted channel")
		return
	}

	msgs = withIDs(msgs)
	for _, m := range msgs {
		if m.IsReply() {
			l.state.addQuotedMessage(m.QuotedMessageID(), m.ID)
		}
	}

	if shouldRefresh {
		l.state.setMessages(msgs)
		return
	}

	l.state.mergeMessages(func(held map[string]types.Message, quoted map[string][]string) []types.Message {
		fresh := make([]types.Message, 0, len(msgs))
		for _, m := range msgs {
			var current *types.Message
			if c, ok := held[m.ID]; ok {
				current = &c
			}
			if IsMessageNewer(current, m) {
				fresh = append(fresh, m)
			}
		}

		normalized := make([]types.Message, 0)
		for _, q := range fresh {
			normalized = append(normalized, normalizeReplies(q, held, quoted[q.ID])...)
		}
		return append(fresh, normalized...)
	})
}

func withIDs(msgs []types.Message) []types.Message {
	out := msgs[:0:0]
	for _, m := range msgs {
		if m.ID != "" {
			out = append(out, m)
		}
	}
	return out
}

// normalizeReplies refreshes the quoted copy inside every held reply in ids.
func normalizeReplies(quoted types.Message, held map[string]types.Message, ids []string) []types.Message {
	out := make([]types.Message, 0, len(ids))
	for _, id := range ids {
		reply, ok := held[id]
		if !ok || id == quoted.ID {
			continue
		}
		q := quoted
		q.ReplyTo = nil
		reply.ReplyTo = &q
		reply.ReplyMessageID = quoted.ID
		out = append(out, reply)
	}
	return out
}

// UpsertCachedMessages folds msgs into the latest messages held aside during search.
func (l *StateLogic) UpsertCachedMessages(msgs []types.Message) {
	current := l.state.cachedLatestRaw()
	next := make(map[string]types.Message, len(current)+len(msgs))
	for id, m := range current {
		next[id] = m
	}
	for _, m := range msgs {
		var cur *types.Message
		if c, ok := current[m.ID]; ok {
			cur = &c
		}
		if IsMessageNewer(cur, m) {
			next[m.ID] = m
		}
	}
	l.state.updateCachedLatestMessages(next)
}

// ReplaceMessage stores msg without the freshness check. It is reserved for the
// current user's own changes: the optimistic write and the server's answer to it.
func (l *StateLogic) ReplaceMessage(msg types.Message) {
	if msg.ID == "" || l.state.Deleted() {
		return
	}
	if msg.IsReply() {
		l.state.addQuotedMessage(msg.QuotedMessageID(), msg.ID)
	}
	l.state.upsertMessages([]types.Message{msg})
}

func (l *StateLogic) DeleteMessage(msg types.Message) {
	l.state.deleteMessage(msg.ID)
}

// RemoveMessagesBefore drops every message created at or before date and
// optionally inserts a system message afterwards.
func (l *StateLogic) RemoveMessagesBefore(date time.Time, systemMessage *types.Message) {
	l.state.removeMessagesBefore(date)
	if systemMessage != nil {
		l.state.upsertMessages([]types.Message{*systemMessage})
	}
}

// HideMessagesBefore sets the exclusive lower bound of every derived message view.
func (l *StateLogic) HideMessagesBefore(date time.Time) {
	l.state.setHideMessagesBefore(date)
}

func (l *StateLogic) UpsertMember(member types.Member) {
	l.state.upsertMembers([]types.Member{member})
}

func (l *StateLogic) UpsertMembers(members []types.Member) {
	l.state.upsertMembers(members)
}

func (l *StateLogic) SetMembers(members []types.Member, count int) {
	l.state.setMembers(members, count)
}

func (l *StateLogic) AddMember(member types.Member) {
	if member.UserID() == "" {
		return
	}
	l.state.addMember(member)
}

func (l *StateLogic) DeleteMember(member types.Member) {
	l.state.deleteMember(member)
}

// UpdateMemberBanned flips the ban flags of one member.
func (l *StateLogic) UpdateMemberBanned(userID string, banned, shadow bool) {
	member, ok := l.state.Member(userID)
	if !ok {
		return
	}
	member.Banned = banned
	member.ShadowBanned = shadow
	l.state.upsertMembers([]types.Member{member})
}

// UpsertUserPresence rewrites every projection of user: member, watcher,
// read, message author and reactions.
func (l *StateLogic) UpsertUserPresence(user types.User) {
	l.state.upsertUserPresence(user)

	l.state.mergeMessages(func(held map[string]types.Message, _ map[string][]string) []types.Message {
		changed := make([]types.Message, 0)
		for _, m := range held {
			if referencesUser(m, user.ID) {
				changed = append(changed, ApplyUser(m, user))
			}
		}
		return changed
	})
}

func referencesUser(m types.Message, userID string) bool {
	if m.User.ID == userID {
		return true
	}
	if m.ReplyTo != nil && m.ReplyTo.User.ID == userID {
		return true
	}
	for _, r := range m.OwnReactions {
		if r.FetchUserID() == userID {
			return true
		}
	}
	for _, r := range m.LatestReactions {
		if r.FetchUserID() == userID {
			return true
		}
	}
	return false
}

// DeleteChannel marks the channel deleted. Later message upserts are dropped.
func (l *StateLogic) DeleteChannel(date time.Time) {
	l.state.updateChannelData(func(cur types.ChannelData) types.ChannelData {
		cur.DeletedAt = date
		return cur
	})
}

func (l *StateLogic) ToggleHidden(hidden bool) {
	l.state.setHidden(hidden)
}

func (l *StateLogic) UpdateMute(muted bool) {
	l.state.setMuted(muted)
}

// RefreshMuteState sets the muted flag from the current user's channel mutes.
func (l *StateLogic) RefreshMuteState(mutedCIDs []string) {
	muted := false
	for _, cid := range mutedCIDs {
		if cid == l.state.CID() {
			muted = true
			break
		}
	}
	l.UpdateMute(muted)
}

func (l *StateLogic) ReplyMessage(msg *types.Message) {
	l.state.setRepliedMessage(msg)
}

func (l *StateLogic) SetLastSentMessageDate(date time.Time) {
	l.state.setLastSentMessageDate(date)
}

func (l *StateLogic) SetInsideSearch(inside bool) {
	l.state.setInsideSearch(inside)
}

func (l *StateLogic) SetLoading(loading bool) {
	l.state.setLoading(loading)
}

// BeginLoading marks a watch as in flight and reports false if one already is.
func (l *StateLogic) BeginLoading() bool {
	return l.state.tryStartLoading(&l.state.loading)
}

// BeginLoadingOlder marks an older page as in flight and reports false if one already is.
func (l *StateLogic) BeginLoadingOlder() bool {
	return l.state.tryStartLoading(&l.state.loadingOlder)
}

// BeginLoadingNewer marks a newer page as in flight and reports false if one already is.
func (l *StateLogic) BeginLoadingNewer() bool {
	return l.state.tryStartLoading(&l.state.loadingNewer)
}

func (l *StateLogic) FinishLoadingOlder() { l.state.setLoadingOlder(false) }
func (l *StateLogic) FinishLoadingNewer() { l.state.setLoadingNewer(false) }

// MarkChannelAsRead marks the last message read locally. It reports whether anything changed.
func (l *StateLogic) MarkChannelAsRead() bool {
	return l.state.markChannelAsRead()
}

// IncrementUnreadCountIfNecessary adds one to the current user's unread count
// when msg qualifies. The check and the increment run under the state lock, so
// they cannot interleave with a read merge or another increment.
func (l *StateLogic) IncrementUnreadCountIfNecessary(msg types.Message) bool {
	currentUserID := l.state.CurrentUserID()
	if currentUserID == "" || msg.ID == "" {
		return false
	}

	var unread int
	incremented := l.state.updateCurrentUserRead(func(read types.ChannelUserRead, muted bool) (types.ChannelUserRead, bool) {
		if l.counted.Contains(msg.ID) {
			return read, false
		}
		if !shouldIncrementUnreadCount(msg, currentUserID, read.LastMessageSeenDate, muted) {
			return read, false
		}
		l.counted.Add(msg.ID, struct{}{})
		read.UnreadMessages++
		read.LastMessageSeenDate = msg.SortTime()
		unread = read.UnreadMessages
		return read, true
	})
	if !incremented {
		return false
	}

	metrics.RecordUnreadIncrement(l.state.Identity().Type)
	l.log().WithFields(logrus.Fields{
		"message_id":   msg.ID,
		"unread_count": unread,
	}).Debug("Incremented unread count")
	return true
}

func shouldIncrementUnreadCount(msg types.Message, currentUserID string, lastSeen time.Time, muted bool) bool {
	switch {
	case msg.User.ID == currentUserID:
		return false
	case muted:
		return false
	case msg.Silent, msg.Shadowed:
		return false
	case msg.IsThreadOnlyReply():
		return false
	}
	created := msg.SortTime()
	return lastSeen.IsZero() || created.After(lastSeen)
}

// UpdateDataFromChannel applies a whole channel snapshot. The order is fixed:
// later steps read state written by earlier ones.
func (l *StateLogic) UpdateDataFromChannel(channel types.Channel, opts UpdateOptions) {
	l.log().WithFields(logrus.Fields{
		"message_limit":      opts.MessageLimit,
		"should_refresh":     opts.ShouldRefreshMessages,
		"scroll_update":      opts.ScrollUpdate,
		"notification":       opts.IsNotificationUpdate,
		"channels_state":     opts.IsChannelsStateUpdate,
		"watch":              opts.IsWatchChannel,
		"snapshot_messages":  len(channel.Messages),
		"snapshot_members":   len(channel.Members),
		"snapshot_watchers":  len(channel.Watchers),
		"snapshot_reads":     len(channel.Read),
		"snapshot_unhidden":  !channel.Hidden,
		"snapshot_timestamp": channel.UpdatedAt,
	}).Debug("Updating data for channel")

	l.UpdateChannelData(channel)
	l.state.setMembersCount(channel.MemberCount)
	l.UpdateReads(channel.Read)
	l.UpsertMembers(channel.Members)
	l.state.upsertWatchers(channel.Watchers, channel.WatcherCount)
	l.state.bumpLastMessageAt(channel.LastMessageAt)

	if opts.MessageLimit != 0 {
		if l.shouldUpsertMessages(opts) {
			l.UpsertMessages(channel.Messages, opts.ShouldRefreshMessages)
		} else {
			l.UpsertCachedMessages(channel.Messages)
		}
	}

	l.state.setConfig(channel.Config)
	l.state.setLoadingOlder(false)
	l.state.setLoadingNewer(false)
}

// shouldUpsertMessages keeps search results on screen unless the update is one
// the user asked for or one that cannot create a gap in the history.
func (l *StateLogic) shouldUpsertMessages(opts UpdateOptions) bool {
	insideSearch := l.state.InsideSearch()
	return opts.IsWatchChannel ||
		opts.ShouldRefreshMessages ||
		opts.ScrollUpdate ||
		(opts.IsNotificationUpdate && !insideSearch) ||
		(opts.IsChannelsStateUpdate && (len(l.state.Messages()) == 0 || !insideSearch))
}

// UpdateOldMessagesFromChannel applies a page of older messages read from the local cache.
func (l *StateLogic) UpdateOldMessagesFromChannel(channel types.Channel) {
	l.HideMessagesBefore(channel.HiddenMessagesBefore)
	l.UpdateChannelData(channel)
	l.UpdateReads(channel.Read)
	l.state.setMembersCount(channel.MemberCount)
	l.UpsertMembers(channel.Members)
	l.state.upsertWatchers(channel.Watchers, channel.WatcherCount)
	l.UpsertMessages(channel.Messages, false)
}

// PropagateChannelQuery applies the result of a successful channel query,
// including the pagination end flags.
func (l *StateLogic) PropagateChannelQuery(channel types.Channel, req types.QueryChannelRequest) {
	limit := req.MessageLimit
	noMoreMessages := limit > len(channel.Messages)

	if !req.IsNotificationUpdate && limit != 0 {
		l.state.setRecoveryNeeded(false)
		l.determinePaginationEnd(req, noMoreMessages)
	}

	l.UpdateDataFromChannel(channel, UpdateOptions{
		MessageLimit:          limit,
		ShouldRefreshMessages: req.ShouldRefresh,
		ScrollUpdate:          req.IsFilteringMessages(),
		IsNotificationUpdate:  req.IsNotificationUpdate,
		IsWatchChannel:        req.IsWatchChannel(),
	})
}

func (l *StateLogic) determinePaginationEnd(req types.QueryChannelRequest, noMoreMessages bool) {
	switch {
	case !req.IsFilteringMessages():
		// latest page: nothing newer can exist
		l.state.setEndOfOlder(noMoreMessages)
		l.state.setEndOfNewer(true)
	case req.IsFilteringAroundIDMessages():
		l.state.setEndOfOlder(false)
		l.state.setEndOfNewer(false)
	case noMoreMessages:
		if req.IsFilteringNewerMessages() {
			l.state.setEndOfNewer(true)
		} else {
			l.state.setEndOfOlder(true)
		}
	}
}

// PropagateQueryError records a failed channel query. Errors that may succeed
// on retry mark the channel for recovery; every error goes to the error bus.
func (l *StateLogic) PropagateQueryError(operation string, err error) {
	if err == nil {
		return
	}
	entry := l.log().WithError(err).WithField("error_code", errors.GetCode(err))
	switch {
	case errors.IsPrecondition(err):
		entry.Debug("Channel query rejected")
		return
	case errors.IsPermanent(err):
		entry.Warn("Permanent failure querying channel")
	default:
		entry.Info("Temporary failure querying channel, marking for recovery")
		l.state.setRecoveryNeeded(true)
	}
	l.bus.Publish(l.state.CID(), operation, err)
}

// MarkRecoveryNeeded flags the channel for the next recovery pass.
func (l *StateLogic) MarkRecoveryNeeded() {
	l.state.setRecoveryNeeded(true)
}
