package types

import (
	"fmt"
	"strings"
	"time"
)

// SyncStatus tracks whether a locally authored change has been confirmed by the server.
type SyncStatus string

const (
	SyncStatusPendingSend       SyncStatus = "pending_send"
	SyncStatusInProgress        SyncStatus = "in_progress"
	SyncStatusCompleted         SyncStatus = "completed"
	SyncStatusFailedPermanently SyncStatus = "failed_permanently"
	SyncStatusSyncNeeded        SyncStatus = "sync_needed"
)

// Message types
const (
	MessageTypeRegular   = "regular"
	MessageTypeSystem    = "system"
	MessageTypeDeleted   = "deleted"
	MessageTypeError     = "error"
	MessageTypeEphemeral = "ephemeral"
)

// ChannelIdentity is the (type, id) pair every piece of channel state is keyed by.
type ChannelIdentity struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

// CID returns the composite "{type}:{id}" identifier.
func (c ChannelIdentity) CID() string {
	return c.Type + ":" + c.ID
}

func (c ChannelIdentity) String() string {
	return c.CID()
}

// ParseCID splits a composite channel identifier.
func ParseCID(cid string) (ChannelIdentity, error) {
	parts := strings.SplitN(cid, ":", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return ChannelIdentity{}, fmt.Errorf("invalid cid %q: expected type:id", cid)
	}
	return ChannelIdentity{Type: parts[0], ID: parts[1]}, nil
}

// User is a chat participant.
type User struct {
	ID         string                 `json:"id" db:"id"`
	Name       string                 `json:"name,omitempty" db:"name"`
	Image      string                 `json:"image,omitempty" db:"image"`
	Role       string                 `json:"role,omitempty" db:"role"`
	Online     bool                   `json:"online" db:"online"`
	LastActive time.Time              `json:"last_active,omitempty" db:"last_active"`
	Banned     bool                   `json:"banned" db:"banned"`
	ExtraData  map[string]interface{} `json:"extra_data,omitempty" db:"-"`
}

// Reaction is a single user's reaction to a message.
type Reaction struct {
	MessageID     string     `json:"message_id"`
	Type          string     `json:"type"`
	Score         int        `json:"score"`
	UserID        string     `json:"user_id"`
	User          *User      `json:"user,omitempty"`
	CreatedAt     time.Time  `json:"created_at,omitempty"`
	UpdatedAt     time.Time  `json:"updated_at,omitempty"`
	DeletedAt     time.Time  `json:"deleted_at,omitempty"`
	SyncStatus    SyncStatus `json:"sync_status,omitempty"`
	EnforceUnique bool       `json:"enforce_unique,omitempty"`
}

// FetchUserID returns the reacting user's id from whichever field carries it.
func (r Reaction) FetchUserID() string {
	if r.User != nil && r.User.ID != "" {
		return r.User.ID
	}
	return r.UserID
}

// Message is a chat message. Zero time values mean "not set".
type Message struct {
	ID               string                 `json:"id"`
	CID              string                 `json:"cid"`
	Text             string                 `json:"text"`
	Type             string                 `json:"type,omitempty"`
	ParentID         string                 `json:"parent_id,omitempty"`
	ShowInChannel    bool                   `json:"show_in_channel,omitempty"`
	ReplyCount       int                    `json:"reply_count,omitempty"`
	ReplyMessageID   string                 `json:"quoted_message_id,omitempty"`
	ReplyTo          *Message               `json:"quoted_message,omitempty"`
	User             User                   `json:"user"`
	CreatedAt        time.Time              `json:"created_at,omitempty"`
	UpdatedAt        time.Time              `json:"updated_at,omitempty"`
	DeletedAt        time.Time              `json:"deleted_at,omitempty"`
	CreatedLocallyAt time.Time              `json:"created_locally_at,omitempty"`
	UpdatedLocallyAt time.Time              `json:"updated_locally_at,omitempty"`
	SyncStatus       SyncStatus             `json:"sync_status,omitempty"`
	Silent           bool                   `json:"silent,omitempty"`
	Shadowed         bool                   `json:"shadowed,omitempty"`
	Pinned           bool                   `json:"pinned,omitempty"`
	OwnReactions     []Reaction             `json:"own_reactions,omitempty"`
	LatestReactions  []Reaction             `json:"latest_reactions,omitempty"`
	ReactionCounts   map[string]int         `json:"reaction_counts,omitempty"`
	ReactionScores   map[string]int         `json:"reaction_scores,omitempty"`
	ExtraData        map[string]interface{} `json:"extra_data,omitempty"`
}

// IsDeleted reports whether the message carries a deletion date.
func (m Message) IsDeleted() bool {
	return !m.DeletedAt.IsZero()
}

// IsReply reports whether the message quotes another message.
func (m Message) IsReply() bool {
	return m.ReplyTo != nil || m.ReplyMessageID != ""
}

// QuotedMessageID returns the id of the quoted message, if any.
func (m Message) QuotedMessageID() string {
	if m.ReplyTo != nil && m.ReplyTo.ID != "" {
		return m.ReplyTo.ID
	}
	return m.ReplyMessageID
}

// IsThreadOnlyReply reports whether the message lives only inside a thread.
func (m Message) IsThreadOnlyReply() bool {
	return m.ParentID != "" && !m.ShowInChannel
}

// SortTime is the ordering key of a message: server creation time, local creation time otherwise.
func (m Message) SortTime() time.Time {
	if !m.CreatedAt.IsZero() {
		return m.CreatedAt
	}
	return m.CreatedLocallyAt
}

// Member is a user's membership of a channel.
type Member struct {
	User             User      `json:"user"`
	Role             string    `json:"role,omitempty"`
	ChannelRole      string    `json:"channel_role,omitempty"`
	CreatedAt        time.Time `json:"created_at,omitempty"`
	UpdatedAt        time.Time `json:"updated_at,omitempty"`
	Invited          bool      `json:"invited,omitempty"`
	InviteAcceptedAt time.Time `json:"invite_accepted_at,omitempty"`
	InviteRejectedAt time.Time `json:"invite_rejected_at,omitempty"`
	Banned           bool      `json:"banned,omitempty"`
	ShadowBanned     bool      `json:"shadow_banned,omitempty"`
}

// UserID returns the member's user id.
func (m Member) UserID() string {
	return m.User.ID
}

// ChannelUserRead is one user's read position in a channel.
type ChannelUserRead struct {
	User                User      `json:"user"`
	LastRead            time.Time `json:"last_read"`
	UnreadMessages      int       `json:"unread_messages"`
	LastMessageSeenDate time.Time `json:"last_message_seen_date,omitempty"`
}

// UserID returns the reader's user id.
func (r ChannelUserRead) UserID() string {
	return r.User.ID
}

// Config holds the per-channel-type feature switches.
type Config struct {
	Name                 string    `json:"name"`
	TypingEventsEnabled  bool      `json:"typing_events"`
	ReadEventsEnabled    bool      `json:"read_events"`
	ConnectEventsEnabled bool      `json:"connect_events"`
	SearchEnabled        bool      `json:"search"`
	MutesEnabled         bool      `json:"mutes"`
	MessageRetention     string    `json:"message_retention,omitempty"`
	MaxMessageLength     int       `json:"max_message_length,omitempty"`
	CreatedAt            time.Time `json:"created_at,omitempty"`
	UpdatedAt            time.Time `json:"updated_at,omitempty"`
}

// ChannelData is the channel metadata without its collections.
type ChannelData struct {
	Type            string                 `json:"type"`
	ID              string                 `json:"id"`
	CID             string                 `json:"cid"`
	Name            string                 `json:"name,omitempty"`
	Image           string                 `json:"image,omitempty"`
	CreatedBy       User                   `json:"created_by"`
	Cooldown        int                    `json:"cooldown,omitempty"`
	Frozen          bool                   `json:"frozen,omitempty"`
	CreatedAt       time.Time              `json:"created_at,omitempty"`
	UpdatedAt       time.Time              `json:"updated_at,omitempty"`
	DeletedAt       time.Time              `json:"deleted_at,omitempty"`
	MemberCount     int                    `json:"member_count"`
	Team            string                 `json:"team,omitempty"`
	OwnCapabilities []string               `json:"own_capabilities,omitempty"`
	Membership      *Member                `json:"membership,omitempty"`
	ExtraData       map[string]interface{} `json:"extra_data,omitempty"`
}

// Channel is a full channel snapshot as returned by a query.
type Channel struct {
	CID                  string                 `json:"cid"`
	ID                   string                 `json:"id"`
	Type                 string                 `json:"type"`
	Name                 string                 `json:"name,omitempty"`
	Image                string                 `json:"image,omitempty"`
	CreatedBy            User                   `json:"created_by"`
	Cooldown             int                    `json:"cooldown,omitempty"`
	Frozen               bool                   `json:"frozen,omitempty"`
	CreatedAt            time.Time              `json:"created_at,omitempty"`
	UpdatedAt            time.Time              `json:"updated_at,omitempty"`
	DeletedAt            time.Time              `json:"deleted_at,omitempty"`
	LastMessageAt        time.Time              `json:"last_message_at,omitempty"`
	MemberCount          int                    `json:"member_count"`
	WatcherCount         int                    `json:"watcher_count"`
	Team                 string                 `json:"team,omitempty"`
	Hidden               bool                   `json:"hidden,omitempty"`
	HiddenMessagesBefore time.Time              `json:"hide_messages_before,omitempty"`
	UnreadCount          int                    `json:"unread_count,omitempty"`
	Messages             []Message              `json:"messages,omitempty"`
	Members              []Member               `json:"members,omitempty"`
	Watchers             []User                 `json:"watchers,omitempty"`
	Read                 []ChannelUserRead      `json:"read,omitempty"`
	Config               Config                 `json:"config"`
	OwnCapabilities      []string               `json:"own_capabilities,omitempty"`
	Membership           *Member                `json:"membership,omitempty"`
	ExtraData            map[string]interface{} `json:"extra_data,omitempty"`
}

// Identity returns the channel's (type, id) pair.
func (c Channel) Identity() ChannelIdentity {
	return ChannelIdentity{Type: c.Type, ID: c.ID}
}

// ToChannelData extracts the metadata part of the snapshot.
func (c Channel) ToChannelData() ChannelData {
	return ChannelData{
		Type:            c.Type,
		ID:              c.ID,
		CID:             c.CID,
		Name:            c.Name,
		Image:           c.Image,
		CreatedBy:       c.CreatedBy,
		Cooldown:        c.Cooldown,
		Frozen:          c.Frozen,
		CreatedAt:       c.CreatedAt,
		UpdatedAt:       c.UpdatedAt,
		DeletedAt:       c.DeletedAt,
		MemberCount:     c.MemberCount,
		Team:            c.Team,
		OwnCapabilities: c.OwnCapabilities,
		Membership:      c.Membership,
		ExtraData:       c.ExtraData,
	}
}

// Users returns every distinct user referenced by the channel's members and watchers.
func (c Channel) Users() []User {
	seen := make(map[string]bool)
	var users []User
	for _, m := range c.Members {
		if !seen[m.User.ID] {
			seen[m.User.ID] = true
			users = append(users, m.User)
		}
	}
	for _, w := range c.Watchers {
		if !seen[w.ID] {
			seen[w.ID] = true
			users = append(users, w)
		}
	}
	return users
}

// Mute is a user's mute of another user.
type Mute struct {
	User      User      `json:"user"`
	Target    User      `json:"target"`
	CreatedAt time.Time `json:"created_at,omitempty"`
}

// ChannelMute is the current user's mute of a channel.
type ChannelMute struct {
	User      User      `json:"user"`
	CID       string    `json:"cid"`
	CreatedAt time.Time `json:"created_at,omitempty"`
	Expires   time.Time `json:"expires,omitempty"`
}

// OwnUser is the connected user with its mute lists.
type OwnUser struct {
	User
	Mutes        []Mute        `json:"mutes,omitempty"`
	ChannelMutes []ChannelMute `json:"channel_mutes,omitempty"`
	UnreadCount  int           `json:"total_unread_count,omitempty"`
}

// MutedChannelIDs returns the cids of every muted channel.
func (u OwnUser) MutedChannelIDs() []string {
	cids := make([]string, 0, len(u.ChannelMutes))
	for _, m := range u.ChannelMutes {
		cids = append(cids, m.CID)
	}
	return cids
}
