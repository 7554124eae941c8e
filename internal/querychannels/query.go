package querychannels

import (
	"context"
	"fmt"
	"time"

	"chatsync/internal/channel"
	"chatsync/internal/errors"
	"chatsync/internal/metrics"
	"chatsync/internal/tracing"
	"chatsync/pkg/chat/types"

	"github.com/sirupsen/logrus"
)

// Query loads the first page of the list, replacing what is held.
// A second call while one is in flight fails with QUERY_IN_PROGRESS.
func (c *Controller) Query(ctx context.Context, limit, messageLimit, memberLimit int) ([]types.Channel, error) {
	if !c.loading.CompareAndSwap(false, true) {
		return nil, errors.NewQueryInProgressError(c.spec.ID, "channels")
	}
	defer c.loading.Store(false)

	limits := c.normalize(limit, messageLimit, memberLimit)
	c.mu.Lock()
	c.lastLimits = limits
	c.mu.Unlock()

	return c.run(ctx, "query_channels", c.request(0, limits), true)
}

// LoadMore loads the next page and returns only the channels that were not held before.
// It returns nothing once the end of the list was reached.
func (c *Controller) LoadMore(ctx context.Context, limit, messageLimit, memberLimit int) ([]types.Channel, error) {
	if !c.loadingMore.CompareAndSwap(false, true) {
		return nil, errors.NewQueryInProgressError(c.spec.ID, "more_channels")
	}
	defer c.loadingMore.Store(false)

	c.mu.RLock()
	end, offset := c.endOfChannels, c.offset
	c.mu.RUnlock()
	if end {
		return nil, nil
	}

	return c.run(ctx, "load_more_channels", c.request(offset, c.normalize(limit, messageLimit, memberLimit)), false)
}

// Recover re-runs the first page with the limits of the last Query.
func (c *Controller) Recover(ctx context.Context) error {
	c.mu.RLock()
	limits := c.lastLimits
	c.mu.RUnlock()
	_, err := c.Query(ctx, limits.limit, limits.messageLimit, limits.memberLimit)
	return err
}

func (c *Controller) normalize(limit, messageLimit, memberLimit int) pageLimits {
	defaults := channel.DefaultLimits()
	if limit <= 0 {
		c.mu.RLock()
		limit = c.lastLimits.limit
		c.mu.RUnlock()
	}
	if messageLimit < 0 {
		messageLimit = defaults.MessageLimit
	}
	if memberLimit <= 0 {
		memberLimit = defaults.MemberLimit
	}
	return pageLimits{limit: limit, messageLimit: messageLimit, memberLimit: memberLimit}
}

func (c *Controller) request(offset int, limits pageLimits) types.QueryChannelsRequest {
	return types.QueryChannelsRequest{
		Filter:       c.filter,
		Sort:         c.sort,
		Offset:       offset,
		Limit:        limits.limit,
		MessageLimit: limits.messageLimit,
		MemberLimit:  limits.memberLimit,
		Presence:     true,
		Watch:        true,
		State:        true,
	}
}

type onlinePage struct {
	channels []types.Channel
	err      error
	took     time.Duration
}

// run reads the offline page while the online query is in flight. The offline page is
// applied as soon as it is read so it is visible while the backend answers; the online
// page is always applied after it.
func (c *Controller) run(ctx context.Context, operation string, req types.QueryChannelsRequest, firstPage bool) (result []types.Channel, err error) {
	ctx, span := tracing.StartSpan(ctx, "querychannels."+operation,
		tracing.AttrQueryID.String(c.spec.ID),
		tracing.AttrOffset.Int(req.Offset),
		tracing.AttrMessageLimit.Int(req.MessageLimit),
	)
	defer func() { tracing.EndSpan(span, err) }()

	before := c.heldCIDs()
	offlineDone := make(chan []types.Channel, 1)
	go func() { offlineDone <- c.queryOffline(ctx, req) }()

	if !c.online() {
		offline := c.applyOffline(ctx, <-offlineDone, req, firstPage)
		c.markRecoveryNeeded()
		if len(offline) > 0 {
			c.advanceOffset(len(offline), firstPage)
			return newOnly(offline, before, firstPage), nil
		}
		err = errors.NewNetworkError(operation, fmt.Errorf("channel list %s is not cached", c.spec.ID))
		c.reportError(operation, err)
		return nil, err
	}

	onlineDone := make(chan onlinePage, 1)
	go func() {
		start := time.Now()
		channels, err := c.network.QueryChannels(ctx, req)
		onlineDone <- onlinePage{channels: channels, err: err, took: time.Since(start)}
	}()

	var (
		offline []types.Channel
		res     onlinePage
		pending = offlineDone
	)
	for waiting := true; waiting; {
		select {
		case cached := <-pending:
			offline = c.applyOffline(ctx, cached, req, firstPage)
			pending = nil
		case res = <-onlineDone:
			waiting = false
		}
	}
	if pending != nil {
		offline = c.applyOffline(ctx, <-pending, req, firstPage)
	}

	online, netErr := res.channels, res.err
	metrics.RecordListQuery("online", res.took, netErr)
	if netErr != nil {
		metrics.RecordQueryError(string(errors.GetCode(netErr)))
		c.handleQueryError(operation, netErr)
		if len(offline) > 0 {
			c.advanceOffset(len(offline), firstPage)
			return newOnly(offline, before, firstPage), nil
		}
		return nil, netErr
	}

	applied := c.applyOnline(ctx, online, req, firstPage)
	return newOnly(applied, before, firstPage), nil
}

func (c *Controller) heldCIDs() map[string]bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	held := make(map[string]bool, len(c.held))
	for cid := range c.held {
		held[cid] = true
	}
	return held
}

// newOnly drops the channels held before a page was loaded. A first page is returned whole.
func newOnly(channels []types.Channel, before map[string]bool, firstPage bool) []types.Channel {
	if firstPage {
		return channels
	}
	out := make([]types.Channel, 0, len(channels))
	for _, ch := range channels {
		if !before[ch.CID] {
			out = append(out, ch)
		}
	}
	return out
}

func (c *Controller) queryOffline(ctx context.Context, req types.QueryChannelsRequest) []types.Channel {
	if c.repo == nil {
		return nil
	}

	start := time.Now()
	spec, err := c.repo.SelectQueryChannelsSpec(ctx, c.spec.ID)
	if err != nil || spec == nil {
		metrics.RecordListQuery("offline", time.Since(start), err)
		if err != nil {
			c.log().WithError(err).Warn("Failed to read channel list from offline cache")
		}
		return nil
	}

	cids := page(spec.CIDs, req.Offset, req.Limit)
	if len(cids) == 0 {
		metrics.RecordListQuery("offline", time.Since(start), nil)
		return nil
	}
	channels, err := c.repo.SelectChannels(ctx, cids, types.QueryChannelRequest{
		State:        true,
		MessageLimit: req.MessageLimit,
		MemberLimit:  req.MemberLimit,
	})
	metrics.RecordListQuery("offline", time.Since(start), err)
	if err != nil {
		c.log().WithError(err).Warn("Failed to read channels from offline cache")
		return nil
	}
	return channels
}

func page(cids []string, offset, limit int) []string {
	if offset >= len(cids) {
		return nil
	}
	end := offset + limit
	if limit <= 0 || end > len(cids) {
		end = len(cids)
	}
	return cids[offset:end]
}

// applyOffline pushes cached channels through their single-channel logic and adds
// them to the list. The stored spec is not written back.
func (c *Controller) applyOffline(ctx context.Context, channels []types.Channel, req types.QueryChannelsRequest, firstPage bool) []types.Channel {
	if len(channels) == 0 {
		return nil
	}
	applied := c.pushToChannels(ctx, channels, req.MessageLimit, false)

	c.mu.Lock()
	for _, ch := range applied {
		c.held[ch.CID] = ch
	}
	cids := cidsOf(applied)
	if firstPage {
		c.spec.Prepend(cids...)
	} else {
		c.spec.Append(cids...)
	}
	c.queried = true
	c.mu.Unlock()

	c.log().WithField("channels", len(applied)).Debug("Served channel list from offline cache")
	return applied
}

func (c *Controller) applyOnline(ctx context.Context, channels []types.Channel, req types.QueryChannelsRequest, firstPage bool) []types.Channel {
	applied := c.pushToChannels(ctx, channels, req.MessageLimit, true)
	cids := cidsOf(applied)

	c.mu.Lock()
	if firstPage {
		// the first page is authoritative: anything not on it no longer matches
		keep := make(map[string]bool, len(cids))
		for _, cid := range cids {
			keep[cid] = true
		}
		for cid := range c.held {
			if !keep[cid] {
				delete(c.held, cid)
			}
		}
		c.spec.CIDs = nil
		c.spec.Append(cids...)
		c.offset = len(channels)
	} else {
		c.spec.Append(cids...)
		c.offset += len(channels)
	}
	for _, ch := range applied {
		c.held[ch.CID] = ch
	}
	c.endOfChannels = len(channels) < req.Limit
	c.recoveryNeeded = false
	c.queried = true
	c.mu.Unlock()

	c.persistSpec(ctx)
	c.log().WithFields(logrus.Fields{
		"channels":        len(applied),
		"offset":          req.Offset,
		"end_of_channels": len(channels) < req.Limit,
	}).Debug("Channel list page applied")
	return applied
}

// pushToChannels folds each snapshot into its channel's logic and returns the merged
// snapshots. Without a channel source the snapshots are returned unchanged.
func (c *Controller) pushToChannels(ctx context.Context, channels []types.Channel, messageLimit int, persist bool) []types.Channel {
	out := make([]types.Channel, 0, len(channels))
	for _, ch := range channels {
		if ch.CID == "" {
			ch.CID = ch.Identity().CID()
		}
		if c.channels == nil {
			out = append(out, ch)
			continue
		}
		l, err := c.channels.ChannelByCID(ch.CID)
		if err != nil {
			c.log().WithError(err).WithField("cid", ch.CID).Warn("Skipping channel from list query")
			continue
		}
		l.StateLogic().UpdateDataFromChannel(ch, channel.UpdateOptions{
			MessageLimit:          messageLimit,
			IsChannelsStateUpdate: true,
		})
		if persist {
			l.Persist(ctx, ch)
		}
		out = append(out, l.State().ToChannel())
	}
	return out
}

func cidsOf(channels []types.Channel) []string {
	cids := make([]string, 0, len(channels))
	for _, ch := range channels {
		cids = append(cids, ch.CID)
	}
	return cids
}

// advanceOffset moves the paging cursor past a page served from the offline cache.
func (c *Controller) advanceOffset(n int, firstPage bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if firstPage {
		c.offset = n
		return
	}
	c.offset += n
}

func (c *Controller) markRecoveryNeeded() {
	c.mu.Lock()
	c.recoveryNeeded = true
	c.queried = true
	c.mu.Unlock()
}

// handleQueryError sorts a failed online query the same way single channels do:
// precondition failures are dropped, transient ones mark the list for recovery.
func (c *Controller) handleQueryError(operation string, err error) {
	entry := c.log().WithError(err).WithField("operation", operation)
	switch {
	case errors.IsPrecondition(err):
		entry.Debug("Channel list query rejected")
		return
	case errors.IsPermanent(err):
		entry.Warn("Channel list query failed permanently")
		c.mu.Lock()
		c.queried = true
		c.mu.Unlock()
	default:
		entry.Info("Temporary failure querying channel list, marking for recovery")
		c.markRecoveryNeeded()
	}
	c.reportError(operation, err)
}

func (c *Controller) reportError(operation string, err error) {
	c.bus.Publish("", operation, err)
}
