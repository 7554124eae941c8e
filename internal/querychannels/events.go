package querychannels

import (
	"context"
	"fmt"

	"chatsync/internal/channel"
	"chatsync/internal/errors"
	"chatsync/pkg/chat/types"

	"github.com/sirupsen/logrus"
)

// HandleEvent keeps the list membership and the held snapshots current.
func (c *Controller) HandleEvent(ctx context.Context, ev types.Event) {
	switch e := ev.(type) {
	case *types.NotificationAddedToChannelEvent:
		c.checkMembership(ctx, e.ChannelCID(), &e.Channel)
	case *types.ChannelUpdatedEvent:
		c.checkMembership(ctx, e.ChannelCID(), &e.Channel)
	case *types.ChannelUpdatedByUserEvent:
		c.checkMembership(ctx, e.ChannelCID(), &e.Channel)
	case *types.NotificationMessageNewEvent:
		c.checkMembership(ctx, e.ChannelCID(), &e.Channel)
	case *types.NotificationRemovedFromChannelEvent:
		c.remove(ctx, e.ChannelCID())
	case *types.ChannelDeletedEvent:
		c.remove(ctx, e.ChannelCID())
	case *types.NotificationChannelDeletedEvent:
		c.remove(ctx, e.ChannelCID())
	case *types.MarkAllReadEvent:
		c.refreshAll()
	case *types.NotificationChannelMutesUpdatedEvent:
		c.setMuted(e.Me.MutedChannelIDs())
	case *types.UserPresenceChangedEvent:
		c.updateUser(e.User)
	case *types.UserStartWatchingEvent, *types.UserStopWatchingEvent:
		// watcher counts never move a channel in the list
	case types.CIDEvent:
		c.refresh(e.ChannelCID())
	}
}

// checkMembership runs the channel filter for cid and adds or removes the channel.
func (c *Controller) checkMembership(ctx context.Context, cid string, snapshot *types.Channel) {
	if cid == "" {
		return
	}
	fctx, cancel := context.WithTimeout(ctx, c.filterTimeout)
	defer cancel()

	match, err := c.channelFilter(fctx, cid, c.filter)
	if err != nil {
		c.log().WithError(err).WithField("cid", cid).Warn("Channel filter failed, list unchanged")
		return
	}
	if !match {
		c.remove(ctx, cid)
		return
	}
	c.add(ctx, cid, snapshot)
}

// add puts cid at the front of the list. Without a snapshot the channel is watched first.
func (c *Controller) add(ctx context.Context, cid string, snapshot *types.Channel) {
	if snapshot != nil && snapshot.CID == "" && snapshot.Type == "" {
		snapshot = nil
	}

	current := types.Channel{CID: cid}
	if id, err := types.ParseCID(cid); err == nil {
		current.Type, current.ID = id.Type, id.ID
	}
	if snapshot != nil {
		current = *snapshot
		current.CID = cid
	}

	if c.channels != nil {
		l, err := c.channels.ChannelByCID(cid)
		if err != nil {
			c.log().WithError(err).WithField("cid", cid).Warn("Cannot add channel to list")
			return
		}
		current = c.fill(ctx, l, snapshot)
	}

	c.mu.Lock()
	_, held := c.held[cid]
	c.held[cid] = current
	c.spec.Prepend(cid)
	c.mu.Unlock()

	if !held {
		c.log().WithField("cid", cid).Debug("Channel added to list")
	}
	c.persistSpec(ctx)
}

func (c *Controller) fill(ctx context.Context, l *channel.Logic, snapshot *types.Channel) types.Channel {
	if snapshot != nil {
		l.StateLogic().UpdateDataFromChannel(*snapshot, channel.UpdateOptions{IsNotificationUpdate: true})
		return l.State().ToChannel()
	}
	if l.State().ChannelData().CreatedAt.IsZero() && !l.State().Loading() {
		if _, err := l.Watch(ctx, 0, true); err != nil {
			c.log().WithError(err).WithField("cid", l.CID()).Info("Watching added channel failed")
		}
	}
	return l.State().ToChannel()
}

func (c *Controller) remove(ctx context.Context, cid string) {
	if cid == "" {
		return
	}
	c.mu.Lock()
	_, held := c.held[cid]
	listed := c.spec.Contains(cid)
	delete(c.held, cid)
	c.spec.Remove(cid)
	c.mu.Unlock()

	if !held && !listed {
		return
	}
	c.log().WithField("cid", cid).Debug("Channel removed from list")
	c.persistSpec(ctx)
}

func (c *Controller) refresh(cid string) {
	if c.channels == nil || cid == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.held[cid]; !ok {
		return
	}
	if l, ok := c.channels.Lookup(cid); ok {
		c.held[cid] = l.State().ToChannel()
	}
}

func (c *Controller) refreshAll() {
	if c.channels == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for cid := range c.held {
		if l, ok := c.channels.Lookup(cid); ok {
			c.held[cid] = l.State().ToChannel()
		}
	}
}

func (c *Controller) setMuted(cids []string) {
	muted := make(map[string]bool, len(cids))
	for _, cid := range cids {
		muted[cid] = true
	}
	c.mu.Lock()
	c.muted = muted
	c.mu.Unlock()
}

// updateUser rewrites user in the members of every held snapshot.
func (c *Controller) updateUser(user types.User) {
	if user.ID == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for cid, ch := range c.held {
		changed := false
		members := make([]types.Member, len(ch.Members))
		for i, m := range ch.Members {
			if m.User.ID == user.ID {
				m.User = user
				changed = true
			}
			members[i] = m
		}
		if changed {
			ch.Members = members
			c.held[cid] = ch
		}
	}
}

// queryByCID is the default channel filter: a one item online query for the cid
// combined with the list's own filter.
func (c *Controller) queryByCID(ctx context.Context, cid string, filter types.Filter) (bool, error) {
	if c.network == nil || !c.online() {
		return false, errors.NewNetworkError("channel_filter", fmt.Errorf("cannot check %s while offline", cid))
	}
	channels, err := c.network.QueryChannels(ctx, types.QueryChannelsRequest{
		Filter: types.And(filter, types.Eq("cid", cid)),
		Limit:  1,
	})
	if err != nil {
		return false, err
	}
	for _, ch := range channels {
		if ch.CID == cid || ch.Identity().CID() == cid {
			return true, nil
		}
	}
	c.log().WithFields(logrus.Fields{"cid": cid, "results": len(channels)}).Debug("Channel does not match list filter")
	return false, nil
}
