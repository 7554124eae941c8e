package querychannels

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"chatsync/internal/channel"
	"chatsync/internal/constants"
	"chatsync/internal/errors"
	"chatsync/pkg/chat/types"

	"github.com/sirupsen/logrus"
)

// Network runs channel list queries against the backend.
type Network interface {
	QueryChannels(ctx context.Context, req types.QueryChannelsRequest) ([]types.Channel, error)
}

// Repository stores channel lists for offline use.
// SelectQueryChannelsSpec returns nil without error when the list was never stored.
type Repository interface {
	SelectQueryChannelsSpec(ctx context.Context, id string) (*types.QueryChannelsSpec, error)
	UpsertQueryChannelsSpec(ctx context.Context, spec types.QueryChannelsSpec) error
	SelectChannels(ctx context.Context, cids []string, req types.QueryChannelRequest) ([]types.Channel, error)
}

// ChannelSource hands out the logic of single channels. The registry implements it.
type ChannelSource interface {
	ChannelByCID(cid string) (*channel.Logic, error)
	Lookup(cid string) (*channel.Logic, bool)
}

// ChannelFilter reports whether the channel cid matches filter.
type ChannelFilter func(ctx context.Context, cid string, filter types.Filter) (bool, error)

// Deps are the collaborators of a controller. Repository and Probe are optional.
type Deps struct {
	Network    Network
	Repository Repository
	Channels   ChannelSource
	Probe      channel.ConnectivityProbe
	Logger     *logrus.Logger
	ErrorBus   *errors.Bus
}

// State is the coarse status of a channel list.
type State int

const (
	NoQueryActive State = iota
	Loading
	OfflineNoResults
	Result
)

func (s State) String() string {
	switch s {
	case NoQueryActive:
		return "no_query_active"
	case Loading:
		return "loading"
	case OfflineNoResults:
		return "offline_no_results"
	case Result:
		return "result"
	default:
		return "unknown"
	}
}

// Option configures a Controller.
type Option func(*Controller)

// WithChannelFilter replaces the predicate deciding whether an event's channel joins the list.
func WithChannelFilter(f ChannelFilter) Option {
	return func(c *Controller) {
		if f != nil {
			c.channelFilter = f
		}
	}
}

// WithFilterTimeout bounds each run of the default channel filter.
func WithFilterTimeout(d time.Duration) Option {
	return func(c *Controller) {
		if d > 0 {
			c.filterTimeout = d
		}
	}
}

type pageLimits struct {
	limit, messageLimit, memberLimit int
}

// Controller keeps one filtered, sorted channel list in sync with the backend,
// the offline cache and the realtime events.
type Controller struct {
	filter        types.Filter
	sort          types.QuerySort
	network       Network
	repo          Repository
	channels      ChannelSource
	probe         channel.ConnectivityProbe
	logger        *logrus.Logger
	bus           *errors.Bus
	channelFilter ChannelFilter
	filterTimeout time.Duration

	loading     atomic.Bool
	loadingMore atomic.Bool

	mu             sync.RWMutex
	spec           types.QueryChannelsSpec
	held           map[string]types.Channel
	muted          map[string]bool
	offset         int
	endOfChannels  bool
	recoveryNeeded bool
	queried        bool
	lastLimits     pageLimits
}

// New creates a controller for the channels matching filter, ordered by sort.
func New(filter types.Filter, sort types.QuerySort, deps Deps, opts ...Option) *Controller {
	logger := deps.Logger
	if logger == nil {
		logger = logrus.New()
		logger.SetLevel(logrus.WarnLevel)
	}
	if filter == nil {
		filter = types.Filter{}
	}

	c := &Controller{
		filter:        filter,
		sort:          sort,
		network:       deps.Network,
		repo:          deps.Repository,
		channels:      deps.Channels,
		probe:         deps.Probe,
		logger:        logger,
		bus:           deps.ErrorBus,
		filterTimeout: constants.DefaultChannelFilterTimeout,
		spec:          *types.NewQueryChannelsSpec(filter, sort),
		held:          make(map[string]types.Channel),
		muted:         make(map[string]bool),
		lastLimits:    pageLimits{limit: constants.DefaultChannelLimit},
	}
	c.channelFilter = c.queryByCID
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ID is the stable id of the list's filter and sort.
func (c *Controller) ID() string { return c.spec.ID }

func (c *Controller) Filter() types.Filter { return c.filter }

func (c *Controller) log() *logrus.Entry {
	return c.logger.WithField("query_id", c.spec.ID)
}

func (c *Controller) online() bool {
	return c.probe == nil || c.probe.Online()
}

// Channels returns the held channels in list order. Channels with a live
// logic are read from it, others from the last snapshot.
func (c *Controller) Channels() []types.Channel {
	c.mu.RLock()
	out := make([]types.Channel, 0, len(c.held))
	for cid, snapshot := range c.held {
		if c.channels != nil {
			if l, ok := c.channels.Lookup(cid); ok {
				out = append(out, l.State().ToChannel())
				continue
			}
		}
		out = append(out, snapshot)
	}
	c.mu.RUnlock()

	c.sort.Sort(out)
	return out
}

// CIDs returns the stored cid order of the list.
func (c *Controller) CIDs() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]string(nil), c.spec.CIDs...)
}

// State reports whether the list is loading, empty because offline, or holding a result.
func (c *Controller) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	switch {
	case c.loading.Load() && len(c.held) == 0:
		return Loading
	case !c.queried:
		return NoQueryActive
	case len(c.held) == 0 && c.recoveryNeeded:
		return OfflineNoResults
	default:
		return Result
	}
}

func (c *Controller) Loading() bool     { return c.loading.Load() }
func (c *Controller) LoadingMore() bool { return c.loadingMore.Load() }

func (c *Controller) EndOfChannels() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.endOfChannels
}

// RecoveryNeeded reports whether the last query never reached the backend or failed.
func (c *Controller) RecoveryNeeded() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.recoveryNeeded
}

// Muted reports whether the current user muted cid.
func (c *Controller) Muted(cid string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.muted[cid]
}

// persistSpec stores the cid list. Failures only cost the next offline start.
func (c *Controller) persistSpec(ctx context.Context) {
	if c.repo == nil {
		return
	}
	c.mu.RLock()
	spec := c.spec
	spec.CIDs = append([]string(nil), c.spec.CIDs...)
	c.mu.RUnlock()

	if err := c.repo.UpsertQueryChannelsSpec(ctx, spec); err != nil {
		c.log().WithError(err).Warn("Failed to persist channel list")
	}
}
