// Package typing tracks who is typing in a channel and expires stale entries.
package typing

import (
	"context"
	"sort"
	"sync"
	"time"

	"chatsync/internal/constants"
	"chatsync/pkg/chat/types"

	"github.com/sirupsen/logrus"
)

// UpdateFunc receives a copy of the raw typing map and the derived typing event.
// It runs with the pruner lock held and must not call back into the pruner.
type UpdateFunc func(raw map[string]types.TypingStartEvent, ev types.TypingEvent)

type entry struct {
	event types.TypingStartEvent
	timer *time.Timer
	gen   uint64
}

// Pruner is a self-expiring map of typing users for one channel.
type Pruner struct {
	cid       string
	delay     time.Duration
	onUpdated UpdateFunc
	logger    *logrus.Logger

	mu      sync.Mutex
	entries map[string]*entry
	gen     uint64
	closed  bool
	stop    func() bool
}

// Option configures a Pruner
type Option func(*Pruner)

// WithDelay sets how long a typing entry lives without a refresh.
func WithDelay(d time.Duration) Option {
	return func(p *Pruner) {
		if d > 0 {
			p.delay = d
		}
	}
}

// WithLogger sets the logger
func WithLogger(logger *logrus.Logger) Option {
	return func(p *Pruner) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// NewPruner creates a pruner bound to ctx. Cancelling ctx stops every pending timer.
func NewPruner(ctx context.Context, cid string, onUpdated UpdateFunc, opts ...Option) *Pruner {
	p := &Pruner{
		cid:       cid,
		delay:     constants.DefaultTypingTimeout,
		onUpdated: onUpdated,
		entries:   make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.logger == nil {
		p.logger = logrus.New()
		p.logger.SetLevel(logrus.WarnLevel)
	}
	p.stop = context.AfterFunc(ctx, p.Close)
	return p
}

// ProcessEvent sets or clears a user's typing entry. A nil event removes the user.
func (p *Pruner) ProcessEvent(userID string, ev *types.TypingStartEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return
	}

	if ev == nil {
		if !p.removeLocked(userID) {
			return
		}
		p.notifyLocked()
		return
	}

	if existing, ok := p.entries[userID]; ok {
		existing.timer.Stop()
	}
	p.gen++
	gen := p.gen
	p.entries[userID] = &entry{
		event: *ev,
		gen:   gen,
		timer: time.AfterFunc(p.delay, func() { p.expire(userID, gen) }),
	}
	p.notifyLocked()
}

// Users returns the users currently typing, oldest first.
func (p *Pruner) Users() []types.User {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.typingEventLocked().Users
}

// Close stops all timers. No updates are delivered afterwards.
func (p *Pruner) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return
	}
	p.closed = true
	for userID, e := range p.entries {
		e.timer.Stop()
		delete(p.entries, userID)
	}
	if p.stop != nil {
		p.stop()
	}
}

func (p *Pruner) expire(userID string, gen uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return
	}
	e, ok := p.entries[userID]
	if !ok || e.gen != gen {
		// refreshed or removed since this timer was armed
		return
	}
	delete(p.entries, userID)
	p.logger.WithFields(logrus.Fields{
		"cid":     p.cid,
		"user_id": userID,
	}).Debug("Typing entry expired")
	p.notifyLocked()
}

func (p *Pruner) removeLocked(userID string) bool {
	e, ok := p.entries[userID]
	if !ok {
		return false
	}
	e.timer.Stop()
	delete(p.entries, userID)
	return true
}

func (p *Pruner) notifyLocked() {
	if p.onUpdated == nil {
		return
	}
	raw := make(map[string]types.TypingStartEvent, len(p.entries))
	for userID, e := range p.entries {
		raw[userID] = e.event
	}
	p.onUpdated(raw, p.typingEventLocked())
}

func (p *Pruner) typingEventLocked() types.TypingEvent {
	events := make([]types.TypingStartEvent, 0, len(p.entries))
	for _, e := range p.entries {
		events = append(events, e.event)
	}
	sort.Slice(events, func(i, j int) bool {
		if events[i].CreatedAt.Equal(events[j].CreatedAt) {
			return events[i].User.ID < events[j].User.ID
		}
		return events[i].CreatedAt.Before(events[j].CreatedAt)
	})

	users := make([]types.User, 0, len(events))
	for _, ev := range events {
		users = append(users, ev.User)
	}
	return types.TypingEvent{CID: p.cid, Users: users}
}
