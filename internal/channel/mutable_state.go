package channel

import (
	"sort"
	"sync"
	"time"

	"chatsync/pkg/chat/types"
)

// MutableState is the in-memory source of truth for one channel.
//
// Every collection is held as a map that is never modified after it has been
// stored: mutations build a new map and swap it in under the lock. Readers may
// therefore keep what they were handed without copying. Only StateLogic mutates
// a MutableState; the exported surface is read-only.
type MutableState struct {
	identity      types.ChannelIdentity
	currentUserID string

	mu sync.RWMutex

	messages      map[string]types.Message
	threads       map[string][]string
	quoted        map[string][]string
	cachedLatest  map[string]types.Message
	members       map[string]types.Member
	watchers      map[string]types.User
	reads         map[string]types.ChannelUserRead
	typingRaw     map[string]types.TypingStartEvent
	typing        types.TypingEvent
	channelData   types.ChannelData
	config        types.Config
	watcherCount  int
	membersCount  int
	lastMessageAt time.Time

	endOfOlder     bool
	endOfNewer     bool
	loading        bool
	loadingOlder   bool
	loadingNewer   bool
	recoveryNeeded bool
	hidden         bool
	muted          bool
	insideSearch   bool

	repliedMessage      *types.Message
	lastSentMessageDate time.Time
	hideMessagesBefore  time.Time

	subs    map[int]chan struct{}
	nextSub int
}

// State is an immutable snapshot of a channel for the rendering layer.
type State struct {
	CID                  string                  `json:"cid"`
	ChannelData          types.ChannelData       `json:"channel"`
	Config               types.Config            `json:"config"`
	Messages             []types.Message         `json:"messages"`
	Members              []types.Member          `json:"members"`
	MembersCount         int                     `json:"members_count"`
	Watchers             []types.User            `json:"watchers"`
	WatcherCount         int                     `json:"watcher_count"`
	Reads                []types.ChannelUserRead `json:"reads"`
	Read                 *types.ChannelUserRead  `json:"read,omitempty"`
	UnreadCount          int                     `json:"unread_count"`
	Typing               types.TypingEvent       `json:"typing"`
	Loading              bool                    `json:"loading"`
	LoadingOlderMessages bool                    `json:"loading_older_messages"`
	LoadingNewerMessages bool                    `json:"loading_newer_messages"`
	EndOfOlderMessages   bool                    `json:"end_of_older_messages"`
	EndOfNewerMessages   bool                    `json:"end_of_newer_messages"`
	RecoveryNeeded       bool                    `json:"recovery_needed"`
	Hidden               bool                    `json:"hidden"`
	Muted                bool                    `json:"muted"`
	InsideSearch         bool                    `json:"inside_search"`
	HideMessagesBefore   time.Time               `json:"hide_messages_before,omitempty"`
	LastMessageAt        time.Time               `json:"last_message_at,omitempty"`
}

// NewMutableState creates the empty state of a channel as seen by currentUserID.
func NewMutableState(identity types.ChannelIdentity, currentUserID string) *MutableState {
	return &MutableState{
		identity:      identity,
		currentUserID: currentUserID,
		messages:      map[string]types.Message{},
		threads:       map[string][]string{},
		quoted:        map[string][]string{},
		cachedLatest:  map[string]types.Message{},
		members:       map[string]types.Member{},
		watchers:      map[string]types.User{},
		reads:         map[string]types.ChannelUserRead{},
		typingRaw:     map[string]types.TypingStartEvent{},
		typing:        types.TypingEvent{CID: identity.CID(), Users: []types.User{}},
		channelData: types.ChannelData{
			Type: identity.Type,
			ID:   identity.ID,
			CID:  identity.CID(),
		},
		endOfNewer: true,
		subs:       map[int]chan struct{}{},
	}
}

func (s *MutableState) CID() string                     { return s.identity.CID() }
func (s *MutableState) Identity() types.ChannelIdentity { return s.identity }
func (s *MutableState) CurrentUserID() string           { return s.currentUserID }

// Subscribe returns a channel that receives a signal after every change.
// Signals coalesce: a slow reader sees one pending signal, not one per change.
func (s *MutableState) Subscribe() (<-chan struct{}, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextSub
	s.nextSub++
	ch := make(chan struct{}, 1)
	s.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			delete(s.subs, id)
			close(ch)
		})
	}
}

// notifyLocked must be called with the write lock held.
func (s *MutableState) notifyLocked() {
	for _, ch := range s.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// Messages returns the visible messages in display order.
func (s *MutableState) Messages() []types.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.visibleMessagesLocked()
}

func (s *MutableState) visibleMessagesLocked() []types.Message {
	out := make([]types.Message, 0, len(s.messages))
	for _, m := range s.messages {
		if !s.isVisibleLocked(m) {
			continue
		}
		out = append(out, m)
	}
	sortMessages(out)
	return out
}

func (s *MutableState) isVisibleLocked(m types.Message) bool {
	if m.IsThreadOnlyReply() {
		return false
	}
	if m.Shadowed && m.User.ID != s.currentUserID {
		return false
	}
	return s.hideMessagesBefore.IsZero() || m.SortTime().After(s.hideMessagesBefore)
}

func sortMessages(msgs []types.Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		ti, tj := msgs[i].SortTime(), msgs[j].SortTime()
		if ti.Equal(tj) {
			return msgs[i].ID < msgs[j].ID
		}
		return ti.Before(tj)
	})
}

// RawMessages returns every held message, including hidden and thread-only ones.
// The map must not be modified.
func (s *MutableState) RawMessages() map[string]types.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.messages
}

// Message returns a held message by id, visible or not.
func (s *MutableState) Message(id string) (types.Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.messages[id]
	return m, ok
}

// VisibleMessage returns a message only when it is not filtered by hide-before.
func (s *MutableState) VisibleMessage(id string) (types.Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.messages[id]
	if !ok {
		return types.Message{}, false
	}
	if !s.hideMessagesBefore.IsZero() && !m.SortTime().After(s.hideMessagesBefore) {
		return types.Message{}, false
	}
	return m, true
}

// Thread returns the messages of the thread rooted at parentID in display order:
// its replies, plus the parent itself once it reports replies.
func (s *MutableState) Thread(parentID string) []types.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.threads[parentID]
	out := make([]types.Message, 0, len(ids))
	for _, id := range ids {
		if m, ok := s.messages[id]; ok {
			out = append(out, m)
		}
	}
	sortMessages(out)
	return out
}

// RepliesTo returns the ids of messages quoting messageID.
func (s *MutableState) RepliesTo(messageID string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.quoted[messageID]...)
}

// LastMessage returns the newest visible message.
func (s *MutableState) LastMessage() (types.Message, bool) {
	msgs := s.Messages()
	if len(msgs) == 0 {
		return types.Message{}, false
	}
	return msgs[len(msgs)-1], true
}

// OldestMessageID and NewestMessageID are the default pagination cursors.
func (s *MutableState) OldestMessageID() string {
	msgs := s.Messages()
	if len(msgs) == 0 {
		return ""
	}
	return msgs[0].ID
}

func (s *MutableState) NewestMessageID() string {
	msgs := s.Messages()
	if len(msgs) == 0 {
		return ""
	}
	return msgs[len(msgs)-1].ID
}

// CachedLatestMessages returns the latest messages held aside while searching.
func (s *MutableState) CachedLatestMessages() []types.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]types.Message, 0, len(s.cachedLatest))
	for _, m := range s.cachedLatest {
		out = append(out, m)
	}
	sortMessages(out)
	return out
}

// Members returns the members ordered by join date.
func (s *MutableState) Members() []types.Member {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.membersLocked()
}

func (s *MutableState) membersLocked() []types.Member {
	out := make([]types.Member, 0, len(s.members))
	for _, m := range s.members {
		out = append(out, m)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].UserID() < out[j].UserID()
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Member returns a member by user id.
func (s *MutableState) Member(userID string) (types.Member, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.members[userID]
	return m, ok
}

func (s *MutableState) MembersCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.membersCount
}

// Watchers returns the watching users ordered by id.
func (s *MutableState) Watchers() []types.User {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.watchersLocked()
}

func (s *MutableState) watchersLocked() []types.User {
	out := make([]types.User, 0, len(s.watchers))
	for _, u := range s.watchers {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *MutableState) WatcherCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.watcherCount
}

// Reads returns every user's read ordered by last read date.
func (s *MutableState) Reads() []types.ChannelUserRead {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.readsLocked()
}

func (s *MutableState) readsLocked() []types.ChannelUserRead {
	out := make([]types.ChannelUserRead, 0, len(s.reads))
	for _, r := range s.reads {
		out = append(out, r)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].LastRead.Equal(out[j].LastRead) {
			return out[i].UserID() < out[j].UserID()
		}
		return out[i].LastRead.Before(out[j].LastRead)
	})
	return out
}

// Read returns the current user's read, if known.
func (s *MutableState) Read() *types.ChannelUserRead {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.readLocked()
}

func (s *MutableState) readLocked() *types.ChannelUserRead {
	r, ok := s.reads[s.currentUserID]
	if !ok {
		return nil
	}
	return &r
}

// UnreadCount is derived from the current user's read and never negative.
func (s *MutableState) UnreadCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.unreadCountLocked()
}

func (s *MutableState) unreadCountLocked() int {
	r, ok := s.reads[s.currentUserID]
	if !ok || r.UnreadMessages < 0 {
		return 0
	}
	return r.UnreadMessages
}

func (s *MutableState) Typing() types.TypingEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return types.TypingEvent{CID: s.typing.CID, Users: append([]types.User{}, s.typing.Users...)}
}

// RawTyping returns the typing events by user. The map must not be modified.
func (s *MutableState) RawTyping() map[string]types.TypingStartEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.typingRaw
}

func (s *MutableState) ChannelData() types.ChannelData {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.channelData
}

func (s *MutableState) Config() types.Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.config
}

func (s *MutableState) Loading() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.loading
}

func (s *MutableState) LoadingOlderMessages() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.loadingOlder
}

func (s *MutableState) LoadingNewerMessages() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.loadingNewer
}

func (s *MutableState) EndOfOlderMessages() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.endOfOlder
}

func (s *MutableState) EndOfNewerMessages() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.endOfNewer
}

func (s *MutableState) RecoveryNeeded() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.recoveryNeeded
}

func (s *MutableState) Hidden() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.hidden
}

func (s *MutableState) Muted() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.muted
}

func (s *MutableState) InsideSearch() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.insideSearch
}

func (s *MutableState) Deleted() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return !s.channelData.DeletedAt.IsZero()
}

func (s *MutableState) HideMessagesBefore() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.hideMessagesBefore
}

func (s *MutableState) RepliedMessage() *types.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.repliedMessage
}

func (s *MutableState) LastSentMessageDate() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastSentMessageDate
}

func (s *MutableState) LastMessageAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastMessageAt
}

// Snapshot returns a consistent copy of the whole state.
func (s *MutableState) Snapshot() State {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return State{
		CID:                  s.identity.CID(),
		ChannelData:          s.channelData,
		Config:               s.config,
		Messages:             s.visibleMessagesLocked(),
		Members:              s.membersLocked(),
		MembersCount:         s.membersCount,
		Watchers:             s.watchersLocked(),
		WatcherCount:         s.watcherCount,
		Reads:                s.readsLocked(),
		Read:                 s.readLocked(),
		UnreadCount:          s.unreadCountLocked(),
		Typing:               types.TypingEvent{CID: s.typing.CID, Users: append([]types.User{}, s.typing.Users...)},
		Loading:              s.loading,
		LoadingOlderMessages: s.loadingOlder,
		LoadingNewerMessages: s.loadingNewer,
		EndOfOlderMessages:   s.endOfOlder,
		EndOfNewerMessages:   s.endOfNewer,
		RecoveryNeeded:       s.recoveryNeeded,
		Hidden:               s.hidden,
		Muted:                s.muted,
		InsideSearch:         s.insideSearch,
		HideMessagesBefore:   s.hideMessagesBefore,
		LastMessageAt:        s.lastMessageAt,
	}
}

// ToChannel rebuilds a channel snapshot for persistence.
func (s *MutableState) ToChannel() types.Channel {
	s.mu.RLock()
	defer s.mu.RUnlock()

	d := s.channelData
	all := make([]types.Message, 0, len(s.messages))
	for _, m := range s.messages {
		all = append(all, m)
	}
	sortMessages(all)

	return types.Channel{
		CID:                  s.identity.CID(),
		ID:                   s.identity.ID,
		Type:                 s.identity.Type,
		Name:                 d.Name,
		Image:                d.Image,
		CreatedBy:            d.CreatedBy,
		Cooldown:             d.Cooldown,
		Frozen:               d.Frozen,
		CreatedAt:            d.CreatedAt,
		UpdatedAt:            d.UpdatedAt,
		DeletedAt:            d.DeletedAt,
		LastMessageAt:        s.lastMessageAt,
		MemberCount:          s.membersCount,
		WatcherCount:         s.watcherCount,
		Team:                 d.Team,
		Hidden:               s.hidden,
		HiddenMessagesBefore: s.hideMessagesBefore,
		UnreadCount:          s.unreadCountLocked(),
		Messages:             all,
		Members:              s.membersLocked(),
		Watchers:             s.watchersLocked(),
		Read:                 s.readsLocked(),
		Config:               s.config,
		OwnCapabilities:      d.OwnCapabilities,
		Membership:           d.Membership,
		ExtraData:            d.ExtraData,
	}
}

// Mutations below are reserved for StateLogic.

func (s *MutableState) setMessagesLocked(next map[string]types.Message) {
	s.messages = next

	threads := make(map[string][]string)
	var lastAt time.Time
	for id, m := range next {
		if m.ParentID != "" {
			threads[m.ParentID] = append(threads[m.ParentID], id)
		}
		if m.ReplyCount > 0 {
			threads[m.ID] = append(threads[m.ID], id)
		}
		if !m.IsThreadOnlyReply() && m.SortTime().After(lastAt) {
			lastAt = m.SortTime()
		}
	}
	s.threads = threads
	if lastAt.After(s.lastMessageAt) || len(next) == 0 {
		s.lastMessageAt = lastAt
	}
}

func (s *MutableState) setMessages(msgs []types.Message) {
	next := make(map[string]types.Message, len(msgs))
	for _, m := range msgs {
		next[m.ID] = m
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.setMessagesLocked(next)
	s.notifyLocked()
}

func (s *MutableState) upsertMessages(msgs []types.Message) {
	if len(msgs) == 0 {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	next := make(map[string]types.Message, len(s.messages)+len(msgs))
	for id, m := range s.messages {
		next[id] = m
	}
	for _, m := range msgs {
		next[m.ID] = m
	}
	s.setMessagesLocked(next)
	s.notifyLocked()
}

// mergeMessages runs merge against the held messages and stores what it returns,
// all under one write lock. merge must not call back into the state.
func (s *MutableState) mergeMessages(merge func(held map[string]types.Message, quoted map[string][]string) []types.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	changed := merge(s.messages, s.quoted)
	if len(changed) == 0 {
		return
	}
	next := make(map[string]types.Message, len(s.messages)+len(changed))
	for id, m := range s.messages {
		next[id] = m
	}
	for _, m := range changed {
		next[m.ID] = m
	}
	s.setMessagesLocked(next)
	s.notifyLocked()
}

func (s *MutableState) deleteMessage(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.messages[id]; !ok {
		return false
	}
	next := make(map[string]types.Message, len(s.messages))
	for k, m := range s.messages {
		if k != id {
			next[k] = m
		}
	}
	s.setMessagesLocked(next)
	s.notifyLocked()
	return true
}

// removeMessagesBefore drops every message created at or before date and
// recomputes the last message date from what remains.
func (s *MutableState) removeMessagesBefore(date time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := make(map[string]types.Message, len(s.messages))
	for id, m := range s.messages {
		if m.SortTime().After(date) {
			next[id] = m
		}
	}
	s.lastMessageAt = time.Time{}
	s.setMessagesLocked(next)
	s.notifyLocked()
}

func (s *MutableState) setHideMessagesBefore(date time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hideMessagesBefore = date
	s.notifyLocked()
}

func (s *MutableState) addQuotedMessage(quotedID, replyID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range s.quoted[quotedID] {
		if id == replyID {
			return
		}
	}
	next := make(map[string][]string, len(s.quoted)+1)
	for k, v := range s.quoted {
		next[k] = v
	}
	next[quotedID] = append(append([]string(nil), s.quoted[quotedID]...), replyID)
	s.quoted = next
}

func (s *MutableState) setInsideSearch(inside bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case inside && !s.insideSearch:
		cached := make(map[string]types.Message)
		for _, m := range s.visibleMessagesLocked() {
			cached[m.ID] = m
		}
		s.cachedLatest = cached
	case !inside && s.insideSearch:
		s.cachedLatest = map[string]types.Message{}
	}
	s.insideSearch = inside
	s.notifyLocked()
}

func (s *MutableState) updateCachedLatestMessages(next map[string]types.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cachedLatest = next
	s.notifyLocked()
}

func (s *MutableState) cachedLatestRaw() map[string]types.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cachedLatest
}

func (s *MutableState) upsertMembers(members []types.Member) {
	if len(members) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.members = UpsertMembers(s.members, members)
	s.notifyLocked()
}

func (s *MutableState) setMembers(members []types.Member, count int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.members = UpsertMembers(nil, members)
	s.membersCount = count
	s.notifyLocked()
}

// addMember bumps the member count only for a member not already held.
func (s *MutableState) addMember(member types.Member) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.members[member.UserID()]; !ok {
		s.membersCount++
	}
	s.members = UpsertMembers(s.members, []types.Member{member})
	s.notifyLocked()
}

// deleteMember removes the member and its watcher projection.
func (s *MutableState) deleteMember(member types.Member) {
	s.mu.Lock()
	defer s.mu.Unlock()

	userID := member.UserID()
	if _, ok := s.members[userID]; ok {
		next := make(map[string]types.Member, len(s.members))
		for k, m := range s.members {
			if k != userID {
				next[k] = m
			}
		}
		s.members = next
		if s.membersCount > 0 {
			s.membersCount--
		}
	}

	if _, ok := s.watchers[userID]; ok {
		s.deleteWatcherLocked(userID, s.watcherCount-1)
	}
	s.notifyLocked()
}

func (s *MutableState) setMembersCount(count int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if count < 0 {
		count = 0
	}
	s.membersCount = count
	s.notifyLocked()
}

// upsertWatchers falls back to the number of held watchers when count is 0.
func (s *MutableState) upsertWatchers(watchers []types.User, count int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := make(map[string]types.User, len(s.watchers)+len(watchers))
	for k, u := range s.watchers {
		next[k] = u
	}
	for _, u := range watchers {
		if u.ID != "" {
			next[u.ID] = u
		}
	}
	s.watchers = next
	if count == 0 {
		count = len(next)
	}
	s.watcherCount = count
	s.notifyLocked()
}

func (s *MutableState) setWatchers(watchers []types.User, count int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := make(map[string]types.User, len(watchers))
	for _, u := range watchers {
		if u.ID != "" {
			next[u.ID] = u
		}
	}
	s.watchers = next
	if count == 0 {
		count = len(next)
	}
	s.watcherCount = count
	s.notifyLocked()
}

func (s *MutableState) deleteWatcher(userID string, count int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleteWatcherLocked(userID, count)
	s.notifyLocked()
}

func (s *MutableState) deleteWatcherLocked(userID string, count int) {
	next := make(map[string]types.User, len(s.watchers))
	for k, u := range s.watchers {
		if k != userID {
			next[k] = u
		}
	}
	s.watchers = next
	if count < 0 {
		count = len(next)
	}
	s.watcherCount = count
}

// upsertUserPresence refreshes the member and watcher projections of user.
func (s *MutableState) upsertUserPresence(user types.User) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	changed := false
	if m, ok := s.members[user.ID]; ok {
		m.User = user
		s.members = UpsertMembers(s.members, []types.Member{m})
		changed = true
	}
	if _, ok := s.watchers[user.ID]; ok {
		next := make(map[string]types.User, len(s.watchers))
		for k, u := range s.watchers {
			next[k] = u
		}
		next[user.ID] = user
		s.watchers = next
		changed = true
	}
	if r, ok := s.reads[user.ID]; ok {
		r.User = user
		s.reads = withRead(s.reads, r)
		changed = true
	}
	if changed {
		s.notifyLocked()
	}
	return changed
}

// upsertReads stores other users' reads as given and merges the current user's.
func (s *MutableState) upsertReads(reads []types.ChannelUserRead, tolerance time.Duration) {
	if len(reads) == 0 {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	next := make(map[string]types.ChannelUserRead, len(s.reads)+len(reads))
	for k, r := range s.reads {
		next[k] = r
	}
	for _, r := range reads {
		if r.UserID() == "" {
			continue
		}
		if r.UserID() != s.currentUserID {
			next[r.UserID()] = r
			continue
		}
		var previous *types.ChannelUserRead
		if p, ok := next[r.UserID()]; ok {
			previous = &p
		}
		merged, _ := MergeRead(previous, r, tolerance)
		next[r.UserID()] = merged
	}
	s.reads = next
	s.notifyLocked()
}

// updateCurrentUserRead hands the current user's read and the muted flag to update
// under the write lock and stores the result when update reports a change.
func (s *MutableState) updateCurrentUserRead(update func(read types.ChannelUserRead, muted bool) (types.ChannelUserRead, bool)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	read := types.ChannelUserRead{User: types.User{ID: s.currentUserID}}
	if r := s.readLocked(); r != nil {
		read = *r
	}
	next, changed := update(read, s.muted)
	if !changed {
		return false
	}
	s.reads = withRead(s.reads, next)
	s.notifyLocked()
	return true
}

func withRead(reads map[string]types.ChannelUserRead, read types.ChannelUserRead) map[string]types.ChannelUserRead {
	next := make(map[string]types.ChannelUserRead, len(reads)+1)
	for k, r := range reads {
		next[k] = r
	}
	next[read.UserID()] = read
	return next
}

func (s *MutableState) updateTypingEvents(raw map[string]types.TypingStartEvent, ev types.TypingEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.typingRaw = raw
	s.typing = ev
	s.notifyLocked()
}

func (s *MutableState) updateChannelData(update func(types.ChannelData) types.ChannelData) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.channelData = update(s.channelData)
	s.notifyLocked()
}

func (s *MutableState) setConfig(config types.Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.config = config
	s.notifyLocked()
}

func (s *MutableState) setFlag(flag *bool, value bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if *flag == value {
		return
	}
	*flag = value
	s.notifyLocked()
}

func (s *MutableState) setLoading(v bool)        { s.setFlag(&s.loading, v) }
func (s *MutableState) setLoadingOlder(v bool)   { s.setFlag(&s.loadingOlder, v) }
func (s *MutableState) setLoadingNewer(v bool)   { s.setFlag(&s.loadingNewer, v) }
func (s *MutableState) setEndOfOlder(v bool)     { s.setFlag(&s.endOfOlder, v) }
func (s *MutableState) setEndOfNewer(v bool)     { s.setFlag(&s.endOfNewer, v) }
func (s *MutableState) setRecoveryNeeded(v bool) { s.setFlag(&s.recoveryNeeded, v) }
func (s *MutableState) setHidden(v bool)         { s.setFlag(&s.hidden, v) }
func (s *MutableState) setMuted(v bool)          { s.setFlag(&s.muted, v) }

// tryStartLoading sets flag when it is clear and reports whether it did.
func (s *MutableState) tryStartLoading(flag *bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if *flag {
		return false
	}
	*flag = true
	s.notifyLocked()
	return true
}

func (s *MutableState) setRepliedMessage(m *types.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.repliedMessage = m
	s.notifyLocked()
}

func (s *MutableState) bumpLastMessageAt(t time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.After(s.lastMessageAt) {
		s.lastMessageAt = t
		s.notifyLocked()
	}
}

func (s *MutableState) setLastSentMessageDate(date time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastSentMessageDate = date
}

// markChannelAsRead sets the current user's read to the last message when
// read events are enabled. It reports whether anything was marked.
func (s *MutableState) markChannelAsRead() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.config.ReadEventsEnabled {
		return false
	}
	msgs := s.visibleMessagesLocked()
	if len(msgs) == 0 {
		return false
	}
	last := msgs[len(msgs)-1]

	read, ok := s.reads[s.currentUserID]
	if !ok {
		read = types.ChannelUserRead{User: types.User{ID: s.currentUserID}}
	}
	read.LastRead = last.SortTime()
	read.UnreadMessages = 0
	if read.LastMessageSeenDate.Before(read.LastRead) {
		read.LastMessageSeenDate = read.LastRead
	}
	s.reads = withRead(s.reads, read)
	s.notifyLocked()
	return true
}
