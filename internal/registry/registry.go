package registry

import (
	"context"
	"sort"
	"sync"

	"chatsync/internal/channel"
	"chatsync/internal/constants"
	"chatsync/internal/errors"
	"chatsync/internal/metrics"
	"chatsync/pkg/chat/types"

	"github.com/sirupsen/logrus"
)

// Listener receives every dispatched event after the owning channel has queued it.
// Each listener runs on its own goroutine, in dispatch order.
type Listener interface {
	HandleEvent(ctx context.Context, ev types.Event)
}

// EventStream is a source of realtime events. The channel closes when the stream ends.
type EventStream interface {
	Events() <-chan types.Event
}

// Config holds what every channel created by the registry shares.
type Config struct {
	CurrentUserID string
	Deps          channel.Deps
	Limits        channel.Limits
	QueueSize     int
	Options       []channel.StateLogicOption
}

var errRegistryClosed = errors.New(errors.ErrCodeInternalError, "channel registry is closed")

type listenerHandle struct {
	listener Listener
	events   chan types.Event
	ctx      context.Context
	cancel   context.CancelFunc
	done     chan struct{}
}

type handle struct {
	logic  *channel.Logic
	events chan types.Event
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// Registry owns one Logic per cid. Each channel drains its own event queue on its own
// goroutine, so channels progress in parallel while events of one channel apply in order.
type Registry struct {
	cfg    Config
	logger *logrus.Logger
	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.RWMutex
	channels  map[string]*handle
	listeners []*listenerHandle
	closed    bool
}

// New creates a registry. Cancelling ctx stops every channel it owns.
func New(ctx context.Context, cfg Config) *Registry {
	logger := cfg.Deps.Logger
	if logger == nil {
		logger = logrus.New()
		logger.SetLevel(logrus.WarnLevel)
		cfg.Deps.Logger = logger
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = constants.DefaultEventQueueSize
	}
	if cfg.Limits == (channel.Limits{}) {
		cfg.Limits = channel.DefaultLimits()
	}

	rctx, cancel := context.WithCancel(ctx)
	return &Registry{
		cfg:      cfg,
		logger:   logger,
		ctx:      rctx,
		cancel:   cancel,
		channels: make(map[string]*handle),
	}
}

// AddListener registers a receiver for every dispatched event, such as a channel list controller.
func (r *Registry) AddListener(l Listener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}

	lctx, cancel := context.WithCancel(r.ctx)
	h := &listenerHandle{
		listener: l,
		events:   make(chan types.Event, r.cfg.QueueSize),
		ctx:      lctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	r.listeners = append(r.listeners, h)
	go func() {
		defer close(h.done)
		for {
			select {
			case <-h.ctx.Done():
				return
			case ev := <-h.events:
				h.listener.HandleEvent(h.ctx, ev)
			}
		}
	}()
}

// RemoveListener unregisters l and waits for the event it is handling, if any.
func (r *Registry) RemoveListener(l Listener) {
	r.mu.Lock()
	var removed *listenerHandle
	for i, existing := range r.listeners {
		if existing.listener == l {
			removed = existing
			r.listeners = append(r.listeners[:i:i], r.listeners[i+1:]...)
			break
		}
	}
	r.mu.Unlock()

	if removed != nil {
		removed.cancel()
		<-removed.done
	}
}

// Channel returns the logic of a channel, creating it on first use.
func (r *Registry) Channel(channelType, channelID string) (*channel.Logic, error) {
	identity, err := types.ParseCID(channelType + ":" + channelID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInvalidInput, "invalid channel")
	}
	return r.channelFor(identity)
}

// ChannelByCID is Channel for a "type:id" string.
func (r *Registry) ChannelByCID(cid string) (*channel.Logic, error) {
	identity, err := types.ParseCID(cid)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInvalidInput, "invalid channel")
	}
	return r.channelFor(identity)
}

// Lookup returns the logic of a live channel without creating it.
func (r *Registry) Lookup(cid string) (*channel.Logic, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.channels[cid]
	if !ok {
		return nil, false
	}
	return h.logic, true
}

func (r *Registry) channelFor(identity types.ChannelIdentity) (*channel.Logic, error) {
	cid := identity.CID()

	r.mu.RLock()
	h, ok := r.channels[cid]
	closed := r.closed
	r.mu.RUnlock()
	if ok {
		return h.logic, nil
	}
	if closed {
		return nil, errRegistryClosed
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, errRegistryClosed
	}
	if h, ok := r.channels[cid]; ok {
		return h.logic, nil
	}

	hctx, cancel := context.WithCancel(r.ctx)
	h = &handle{
		logic:  channel.NewLogic(hctx, identity, r.cfg.CurrentUserID, r.cfg.Deps, r.cfg.Limits, r.cfg.Options...),
		events: make(chan types.Event, r.cfg.QueueSize),
		ctx:    hctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	r.channels[cid] = h
	go r.drain(h)

	metrics.SetActiveChannels(len(r.channels))
	r.logger.WithField("cid", cid).Debug("Channel created")
	return h.logic, nil
}

func (r *Registry) drain(h *handle) {
	defer close(h.done)
	for {
		select {
		case <-h.ctx.Done():
			return
		case ev := <-h.events:
			h.logic.HandleEvent(h.ctx, ev)
		}
	}
}

// Dispatch routes one event. Channel scoped events go to the queue of their channel if it
// is live; user level events go to every live channel. Every event then reaches the listeners.
func (r *Registry) Dispatch(ctx context.Context, ev types.Event) {
	if ev == nil {
		return
	}

	r.mu.RLock()
	targets := r.targetsLocked(ev)
	listeners := append([]*listenerHandle(nil), r.listeners...)
	r.mu.RUnlock()

	for _, h := range targets {
		select {
		case h.events <- ev:
		case <-h.ctx.Done():
		case <-ctx.Done():
			return
		}
	}
	for _, l := range listeners {
		select {
		case l.events <- ev:
		case <-l.ctx.Done():
		case <-ctx.Done():
			return
		}
	}
}

func (r *Registry) targetsLocked(ev types.Event) []*handle {
	if scoped, ok := ev.(types.CIDEvent); ok {
		if cid := scoped.ChannelCID(); cid != "" {
			if h, ok := r.channels[cid]; ok {
				return []*handle{h}
			}
			return nil
		}
	}
	if !fansOut(ev) {
		return nil
	}
	all := make([]*handle, 0, len(r.channels))
	for _, h := range r.channels {
		all = append(all, h)
	}
	return all
}

// fansOut reports whether an event without a cid concerns every channel.
func fansOut(ev types.Event) bool {
	switch ev.(type) {
	case *types.UserPresenceChangedEvent,
		*types.UserUpdatedEvent,
		*types.MarkAllReadEvent,
		*types.NotificationChannelMutesUpdatedEvent:
		return true
	}
	return false
}

// Run feeds the registry from a stream until ctx is done or the stream ends.
func (r *Registry) Run(ctx context.Context, stream EventStream) error {
	events := stream.Events()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			r.Dispatch(ctx, ev)
		}
	}
}

// Remove stops the channel actor and cancels its typing timers.
func (r *Registry) Remove(cid string) {
	r.mu.Lock()
	h, ok := r.channels[cid]
	delete(r.channels, cid)
	count := len(r.channels)
	r.mu.Unlock()
	if !ok {
		return
	}

	stop(h)
	metrics.SetActiveChannels(count)
	r.logger.WithField("cid", cid).Debug("Channel removed")
}

// Close tears down every channel. Channel calls after Close fail.
func (r *Registry) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	handles := r.channels
	r.channels = make(map[string]*handle)
	listeners := r.listeners
	r.listeners = nil
	r.mu.Unlock()

	for _, l := range listeners {
		l.cancel()
		<-l.done
	}
	for _, h := range handles {
		stop(h)
	}
	r.cancel()
	metrics.SetActiveChannels(0)
}

func stop(h *handle) {
	h.cancel()
	<-h.done
	h.logic.Close()
}

// CIDs lists the live channels in lexical order.
func (r *Registry) CIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cids := make([]string, 0, len(r.channels))
	for cid := range r.channels {
		cids = append(cids, cid)
	}
	sort.Strings(cids)
	return cids
}

// Len returns the number of live channels.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.channels)
}

// RecoveryCandidates lists the live channels whose last query failed or never reached the backend.
func (r *Registry) RecoveryCandidates() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var cids []string
	for cid, h := range r.channels {
		if h.logic.State().RecoveryNeeded() {
			cids = append(cids, cid)
		}
	}
	sort.Strings(cids)
	return cids
}
