package types

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"strings"
	"time"
)

// PaginationDirection selects which side of a message cursor a query loads.
type PaginationDirection string

const (
	LessThan      PaginationDirection = "id_lt"
	GreaterThan   PaginationDirection = "id_gt"
	LessThanOrEq  PaginationDirection = "id_lte"
	GreaterThanEq PaginationDirection = "id_gte"
	AroundID      PaginationDirection = "id_around"
)

// MessagePagination is a message cursor.
type MessagePagination struct {
	Direction PaginationDirection `json:"direction"`
	MessageID string              `json:"message_id"`
}

// QueryChannelRequest describes a single channel query.
type QueryChannelRequest struct {
	State        bool               `json:"state"`
	Watch        bool               `json:"watch"`
	Presence     bool               `json:"presence"`
	MessageLimit int                `json:"message_limit"`
	MemberLimit  int                `json:"member_limit,omitempty"`
	WatcherLimit int                `json:"watcher_limit,omitempty"`
	Pagination   *MessagePagination `json:"pagination,omitempty"`

	// Local routing hints, never sent over the wire.
	IsNotificationUpdate bool `json:"-"`
	ShouldRefresh        bool `json:"-"`
}

// WithMessages sets a message cursor on the request.
func (r QueryChannelRequest) WithMessages(direction PaginationDirection, messageID string, limit int) QueryChannelRequest {
	r.Pagination = &MessagePagination{Direction: direction, MessageID: messageID}
	r.MessageLimit = limit
	return r
}

// IsFilteringMessages reports whether the request carries a message cursor.
func (r QueryChannelRequest) IsFilteringMessages() bool {
	return r.Pagination != nil && r.Pagination.MessageID != ""
}

// IsFilteringNewerMessages reports whether the request pages towards newer messages.
func (r QueryChannelRequest) IsFilteringNewerMessages() bool {
	if !r.IsFilteringMessages() {
		return false
	}
	return r.Pagination.Direction == GreaterThan || r.Pagination.Direction == GreaterThanEq
}

// IsFilteringAroundIDMessages reports whether the request loads both sides of a message.
func (r QueryChannelRequest) IsFilteringAroundIDMessages() bool {
	return r.IsFilteringMessages() && r.Pagination.Direction == AroundID
}

// IsWatchChannel reports whether the request is a plain watch without a cursor.
func (r QueryChannelRequest) IsWatchChannel() bool {
	return r.Watch && !r.IsFilteringMessages()
}

// Filter is a query filter object, sent to the backend as JSON.
type Filter map[string]interface{}

// And combines filters with $and.
func And(filters ...Filter) Filter {
	parts := make([]interface{}, 0, len(filters))
	for _, f := range filters {
		parts = append(parts, f)
	}
	return Filter{"$and": parts}
}

// Eq builds an equality filter.
func Eq(field string, value interface{}) Filter {
	return Filter{field: map[string]interface{}{"$eq": value}}
}

// SortDirection orders a sort field.
type SortDirection int

const (
	Ascending  SortDirection = 1
	Descending SortDirection = -1
)

// SortField is a single sort key.
type SortField struct {
	Field     string        `json:"field"`
	Direction SortDirection `json:"direction"`
}

// QuerySort is an ordered list of sort keys for channel lists.
type QuerySort []SortField

// Less compares two channels by the sort keys in order. Unknown fields compare equal.
func (s QuerySort) Less(a, b Channel) bool {
	for _, f := range s {
		c := compareChannelField(f.Field, a, b)
		if c == 0 {
			continue
		}
		if f.Direction == Descending {
			return c > 0
		}
		return c < 0
	}
	return a.CID < b.CID
}

// Sort orders channels in place.
func (s QuerySort) Sort(channels []Channel) {
	sort.SliceStable(channels, func(i, j int) bool {
		return s.Less(channels[i], channels[j])
	})
}

func compareChannelField(field string, a, b Channel) int {
	switch field {
	case "last_message_at":
		return compareTime(lastActivity(a), lastActivity(b))
	case "created_at":
		return compareTime(a.CreatedAt, b.CreatedAt)
	case "updated_at":
		return compareTime(a.UpdatedAt, b.UpdatedAt)
	case "member_count":
		return compareInt(a.MemberCount, b.MemberCount)
	case "unread_count":
		return compareInt(a.UnreadCount, b.UnreadCount)
	case "name":
		return strings.Compare(a.Name, b.Name)
	case "cid":
		return strings.Compare(a.CID, b.CID)
	default:
		return 0
	}
}

func lastActivity(c Channel) time.Time {
	if !c.LastMessageAt.IsZero() {
		return c.LastMessageAt
	}
	return c.CreatedAt
}

func compareTime(a, b time.Time) int {
	switch {
	case a.Before(b):
		return -1
	case a.After(b):
		return 1
	default:
		return 0
	}
}

func compareInt(a, b int) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// QueryChannelsRequest describes a channel list query.
type QueryChannelsRequest struct {
	Filter       Filter    `json:"filter_conditions"`
	Sort         QuerySort `json:"sort,omitempty"`
	Offset       int       `json:"offset"`
	Limit        int       `json:"limit"`
	MessageLimit int       `json:"message_limit"`
	MemberLimit  int       `json:"member_limit"`
	Presence     bool      `json:"presence"`
	Watch        bool      `json:"watch"`
	State        bool      `json:"state"`
}

// QueryChannelsSpec is the persisted result of a channel list query: an ordered, distinct cid list.
type QueryChannelsSpec struct {
	ID     string    `json:"id"`
	Filter Filter    `json:"filter"`
	Sort   QuerySort `json:"sort"`
	CIDs   []string  `json:"cids"`
}

// NewQueryChannelsSpec creates an empty spec with its stable id.
func NewQueryChannelsSpec(filter Filter, sort QuerySort) *QueryChannelsSpec {
	return &QueryChannelsSpec{
		ID:     QueryID(filter, sort),
		Filter: filter,
		Sort:   sort,
	}
}

// QueryID hashes the canonical JSON of a filter and sort pair.
func QueryID(filter Filter, sort QuerySort) string {
	// encoding/json sorts map keys, so equal filters hash equally.
	payload, err := json.Marshal(struct {
		Filter Filter    `json:"filter"`
		Sort   QuerySort `json:"sort"`
	}{filter, sort})
	if err != nil {
		payload = []byte(err.Error())
	}
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:16])
}

// Append adds cids to the end of the list, skipping ones already present.
func (s *QueryChannelsSpec) Append(cids ...string) {
	s.CIDs = distinct(append(append([]string{}, s.CIDs...), cids...))
}

// Prepend adds cids to the front of the list, moving existing ones forward.
func (s *QueryChannelsSpec) Prepend(cids ...string) {
	s.CIDs = distinct(append(append([]string{}, cids...), s.CIDs...))
}

// Remove drops cids from the list.
func (s *QueryChannelsSpec) Remove(cids ...string) {
	drop := make(map[string]bool, len(cids))
	for _, c := range cids {
		drop[c] = true
	}
	kept := make([]string, 0, len(s.CIDs))
	for _, c := range s.CIDs {
		if !drop[c] {
			kept = append(kept, c)
		}
	}
	s.CIDs = kept
}

// Contains reports whether the cid is part of the list.
func (s *QueryChannelsSpec) Contains(cid string) bool {
	for _, c := range s.CIDs {
		if c == cid {
			return true
		}
	}
	return false
}

func distinct(cids []string) []string {
	seen := make(map[string]bool, len(cids))
	out := make([]string, 0, len(cids))
	for _, c := range cids {
		if c == "" || seen[c] {
			continue
		}
		seen[c] = true
		out = append(out, c)
	}
	return out
}
