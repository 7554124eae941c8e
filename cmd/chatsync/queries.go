package main

import (
	"context"
	"sort"
	"sync"

	"chatsync/internal/models"
	"chatsync/internal/querychannels"
	"chatsync/internal/recovery"
	"chatsync/internal/registry"
	"chatsync/pkg/chat/types"
)

// queryBook keeps one controller per filter and sort pair for the lifetime of
// the process. Every controller listens to the registry and is recovered on reconnect.
type queryBook struct {
	reg      *registry.Registry
	recovery *recovery.Manager
	deps     querychannels.Deps
	limits   models.SyncConfig

	mu          sync.Mutex
	controllers map[string]*querychannels.Controller
}

func newQueryBook(reg *registry.Registry, rm *recovery.Manager, deps querychannels.Deps, limits models.SyncConfig) *queryBook {
	if deps.Channels == nil && reg != nil {
		deps.Channels = reg
	}
	return &queryBook{
		reg:         reg,
		recovery:    rm,
		deps:        deps,
		limits:      limits,
		controllers: make(map[string]*querychannels.Controller),
	}
}

// controller returns the controller for filter and sort, creating and wiring it on first use.
func (b *queryBook) controller(filter types.Filter, sort types.QuerySort) (*querychannels.Controller, bool) {
	id := types.QueryID(filter, sort)

	b.mu.Lock()
	defer b.mu.Unlock()
	if c, ok := b.controllers[id]; ok {
		return c, false
	}

	c := querychannels.New(filter, sort, b.deps)
	b.controllers[id] = c
	if b.reg != nil {
		b.reg.AddListener(c)
	}
	if b.recovery != nil {
		b.recovery.AddController(c)
	}
	return c, true
}

func (b *queryBook) lookup(id string) (*querychannels.Controller, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.controllers[id]
	return c, ok
}

func (b *queryBook) all() []*querychannels.Controller {
	b.mu.Lock()
	out := make([]*querychannels.Controller, 0, len(b.controllers))
	for _, c := range b.controllers {
		out = append(out, c)
	}
	b.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// query runs the first page, or the next one when more is set.
func (b *queryBook) query(ctx context.Context, c *querychannels.Controller, limit int, more bool) ([]types.Channel, error) {
	if limit <= 0 {
		limit = b.limits.ChannelLimit
	}
	if more {
		return c.LoadMore(ctx, limit, b.limits.MessageLimit, b.limits.MemberLimit)
	}
	return c.Query(ctx, limit, b.limits.MessageLimit, b.limits.MemberLimit)
}
