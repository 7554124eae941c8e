package channel

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"chatsync/internal/constants"
	"chatsync/internal/errors"
	"chatsync/internal/metrics"
	"chatsync/internal/tracing"
	"chatsync/pkg/chat/types"

	"github.com/sirupsen/logrus"
)

// Network defines the backend calls needed by Logic
type Network interface {
	QueryChannel(ctx context.Context, channelType, channelID string, req types.QueryChannelRequest) (types.Channel, error)
	SendMessage(ctx context.Context, channelType, channelID string, msg types.Message) (types.Message, error)
	UpdateMessage(ctx context.Context, msg types.Message) (types.Message, error)
	DeleteMessage(ctx context.Context, messageID string, hard bool) (types.Message, error)
	SendReaction(ctx context.Context, reaction types.Reaction, enforceUnique bool) (types.Message, error)
	DeleteReaction(ctx context.Context, messageID, reactionType string) (types.Message, error)
	MarkRead(ctx context.Context, channelType, channelID string) error
}

// Repository defines the offline cache operations needed by Logic.
// SelectChannel returns nil without error when the channel is not cached.
type Repository interface {
	SelectChannel(ctx context.Context, cid string, req types.QueryChannelRequest) (*types.Channel, error)
	UpsertChannel(ctx context.Context, channel types.Channel) error
	UpsertMessage(ctx context.Context, msg types.Message) error
	UpsertMessages(ctx context.Context, msgs []types.Message) error
	SelectMessage(ctx context.Context, id string) (*types.Message, error)
	UpsertReaction(ctx context.Context, reaction types.Reaction) error
	UpsertReactions(ctx context.Context, reactions []types.Reaction) error
	UpsertChannelConfig(ctx context.Context, config types.Config) error
	DeleteChannelMessagesBefore(ctx context.Context, cid string, date time.Time) error
}

// ConnectivityProbe reports whether the realtime connection is up.
type ConnectivityProbe interface {
	Online() bool
}

// Deps are the collaborators of a channel. Repository and Probe are optional:
// without a repository nothing is read from or written to the offline cache,
// without a probe the channel assumes it is online.
type Deps struct {
	Network    Network
	Repository Repository
	Probe      ConnectivityProbe
	Logger     *logrus.Logger
	ErrorBus   *errors.Bus
}

// Limits are the default page sizes of channel queries.
type Limits struct {
	MessageLimit int
	MemberLimit  int
	WatcherLimit int
}

// DefaultLimits returns the page sizes used when none are configured.
func DefaultLimits() Limits {
	return Limits{
		MessageLimit: constants.DefaultMessageLimit,
		MemberLimit:  constants.DefaultMemberLimit,
		WatcherLimit: constants.DefaultWatcherLimit,
	}
}

// Logic is the entry point for loading one channel and folding realtime events into it.
type Logic struct {
	identity types.ChannelIdentity
	state    *MutableState
	logic    *StateLogic
	network  Network
	repo     Repository
	probe    ConnectivityProbe
	logger   *logrus.Logger
	limits   Limits
	presence atomic.Bool
}

// NewLogic creates the logic of one channel. ctx bounds the channel's background work:
// cancelling it stops the typing timers.
func NewLogic(ctx context.Context, identity types.ChannelIdentity, currentUserID string, deps Deps, limits Limits, opts ...StateLogicOption) *Logic {
	logger := deps.Logger
	if logger == nil {
		logger = logrus.New()
		logger.SetLevel(logrus.WarnLevel)
	}
	if limits.MessageLimit == 0 {
		limits.MessageLimit = constants.DefaultMessageLimit
	}

	state := NewMutableState(identity, currentUserID)
	opts = append([]StateLogicOption{WithLogger(logger), WithErrorBus(deps.ErrorBus)}, opts...)

	return &Logic{
		identity: identity,
		state:    state,
		logic:    NewStateLogic(ctx, state, opts...),
		network:  deps.Network,
		repo:     deps.Repository,
		probe:    deps.Probe,
		logger:   logger,
		limits:   limits,
	}
}

// State returns the read-only state of the channel.
func (l *Logic) State() *MutableState { return l.state }

// StateLogic returns the mutation engine of the channel.
func (l *Logic) StateLogic() *StateLogic { return l.logic }

func (l *Logic) CID() string { return l.identity.CID() }

// Close cancels the channel's typing timers.
func (l *Logic) Close() {
	l.logic.Close()
}

func (l *Logic) log() *logrus.Entry {
	return l.logger.WithField("cid", l.identity.CID())
}

func (l *Logic) online() bool {
	return l.probe == nil || l.probe.Online()
}

// Watch loads the latest page of the channel and subscribes to its events.
// A second call while one is in flight fails with QUERY_IN_PROGRESS.
func (l *Logic) Watch(ctx context.Context, messageLimit int, presence bool) (types.Channel, error) {
	if !l.logic.BeginLoading() {
		return types.Channel{}, errors.NewQueryInProgressError(l.CID(), "watch")
	}
	defer l.logic.SetLoading(false)

	l.presence.Store(presence)
	req := l.baseRequest(messageLimit)
	req.ShouldRefresh = true
	return l.runQuery(ctx, "watch", req)
}

// LoadOlderMessages loads the page before baseMessageID, or before the oldest
// held message when baseMessageID is empty.
func (l *Logic) LoadOlderMessages(ctx context.Context, limit int, baseMessageID string) (types.Channel, error) {
	if !l.logic.BeginLoadingOlder() {
		return types.Channel{}, errors.NewQueryInProgressError(l.CID(), "older")
	}
	defer l.logic.FinishLoadingOlder()

	if baseMessageID == "" {
		baseMessageID = l.state.OldestMessageID()
	}
	return l.runQuery(ctx, "load_older", l.paginatedRequest(types.LessThan, baseMessageID, limit))
}

// LoadNewerMessages loads the page after baseMessageID, or after the newest
// held message when baseMessageID is empty.
func (l *Logic) LoadNewerMessages(ctx context.Context, limit int, baseMessageID string) (types.Channel, error) {
	if !l.logic.BeginLoadingNewer() {
		return types.Channel{}, errors.NewQueryInProgressError(l.CID(), "newer")
	}
	defer l.logic.FinishLoadingNewer()

	if baseMessageID == "" {
		baseMessageID = l.state.NewestMessageID()
	}
	return l.runQuery(ctx, "load_newer", l.paginatedRequest(types.GreaterThan, baseMessageID, limit))
}

// LoadMessagesAroundID replaces the held messages with the page centred on messageID.
func (l *Logic) LoadMessagesAroundID(ctx context.Context, messageID string) (types.Channel, error) {
	if !l.logic.BeginLoading() {
		return types.Channel{}, errors.NewQueryInProgressError(l.CID(), "around")
	}
	defer l.logic.SetLoading(false)

	if messageID == "" {
		messageID = l.state.OldestMessageID()
	}
	req := l.paginatedRequest(types.AroundID, messageID, l.limits.MessageLimit)
	req.ShouldRefresh = true
	return l.runQuery(ctx, "load_around", req)
}

func (l *Logic) baseRequest(messageLimit int) types.QueryChannelRequest {
	if messageLimit == 0 {
		messageLimit = l.limits.MessageLimit
	}
	return types.QueryChannelRequest{
		State:        true,
		Watch:        true,
		Presence:     l.presence.Load(),
		MessageLimit: messageLimit,
		MemberLimit:  l.limits.MemberLimit,
		WatcherLimit: l.limits.WatcherLimit,
	}
}

// paginatedRequest falls back to an unfiltered request when there is no cursor.
func (l *Logic) paginatedRequest(direction types.PaginationDirection, messageID string, limit int) types.QueryChannelRequest {
	req := l.baseRequest(limit)
	if messageID == "" {
		return req
	}
	return req.WithMessages(direction, messageID, req.MessageLimit)
}

// runQuery merges the offline page first, then the online one. The online
// result wins when it lands; the offline one stays visible when it does not.
func (l *Logic) runQuery(ctx context.Context, operation string, req types.QueryChannelRequest) (ch types.Channel, err error) {
	ctx, span := tracing.StartChannelSpan(ctx, operation, l.CID(), tracing.AttrMessageLimit.Int(req.MessageLimit))
	defer func() { tracing.EndSpan(span, err) }()

	offline := l.runOffline(ctx, req)

	if !l.online() {
		l.log().WithField("operation", operation).Debug("Offline, serving cached channel")
		l.logic.MarkRecoveryNeeded()
		if offline != nil {
			return *offline, nil
		}
		err = errors.NewNetworkError(operation, fmt.Errorf("channel %s is not cached", l.CID()))
		l.logic.PropagateQueryError(operation, err)
		return types.Channel{}, err
	}

	online, err := l.runOnline(ctx, operation, req)
	if err == nil {
		return online, nil
	}
	if offline != nil {
		return *offline, nil
	}
	return types.Channel{}, err
}

func (l *Logic) runOffline(ctx context.Context, req types.QueryChannelRequest) *types.Channel {
	if l.repo == nil || req.IsFilteringNewerMessages() || req.IsFilteringAroundIDMessages() {
		return nil
	}

	start := time.Now()
	cached, err := l.repo.SelectChannel(ctx, l.CID(), req)
	metrics.RecordChannelQuery("offline", time.Since(start), err)
	if err != nil {
		l.log().WithError(err).Warn("Failed to read channel from offline cache")
		return nil
	}
	if cached == nil {
		return nil
	}

	if req.IsFilteringMessages() {
		l.logic.UpdateOldMessagesFromChannel(*cached)
	} else {
		l.logic.UpdateDataFromChannel(*cached, UpdateOptions{
			MessageLimit:          req.MessageLimit,
			IsChannelsStateUpdate: true,
		})
		l.logic.ToggleHidden(cached.Hidden)
		l.logic.HideMessagesBefore(cached.HiddenMessagesBefore)
	}
	return cached
}

func (l *Logic) runOnline(ctx context.Context, operation string, req types.QueryChannelRequest) (types.Channel, error) {
	start := time.Now()
	ch, err := l.network.QueryChannel(ctx, l.identity.Type, l.identity.ID, req)
	metrics.RecordChannelQuery("online", time.Since(start), err)
	if err != nil {
		metrics.RecordQueryError(string(errors.GetCode(err)))
		l.logic.PropagateQueryError(operation, err)
		return types.Channel{}, err
	}

	l.logic.PropagateChannelQuery(ch, req)
	if !req.IsFilteringMessages() {
		l.logic.ToggleHidden(ch.Hidden)
		l.logic.HideMessagesBefore(ch.HiddenMessagesBefore)
	}
	l.persistChannel(ctx, ch)
	return ch, nil
}

// Persist stores a channel snapshot received outside this channel's own queries,
// such as a page of a channel list.
func (l *Logic) Persist(ctx context.Context, ch types.Channel) {
	l.persistChannel(ctx, ch)
}

// persistChannel stores the canonical response. Failures only cost the next
// offline read, so they are logged and dropped.
func (l *Logic) persistChannel(ctx context.Context, ch types.Channel) {
	if l.repo == nil {
		return
	}
	entry := l.log()

	if ch.Config.Name == "" {
		ch.Config.Name = l.identity.Type
	}
	if err := l.repo.UpsertChannelConfig(ctx, ch.Config); err != nil {
		entry.WithError(err).Warn("Failed to persist channel config")
	}
	if err := l.repo.UpsertChannel(ctx, ch); err != nil {
		entry.WithError(err).Warn("Failed to persist channel")
		return
	}
	if len(ch.Messages) == 0 {
		return
	}
	if err := l.repo.UpsertMessages(ctx, ch.Messages); err != nil {
		entry.WithError(err).Warn("Failed to persist channel messages")
	}

	var reactions []types.Reaction
	for _, m := range ch.Messages {
		reactions = append(reactions, m.LatestReactions...)
		reactions = append(reactions, m.OwnReactions...)
	}
	if len(reactions) > 0 {
		if err := l.repo.UpsertReactions(ctx, reactions); err != nil {
			entry.WithError(err).Warn("Failed to persist reactions")
		}
	}
}

// RemoveMessagesBefore drops messages at or before date from state and the
// offline cache, then inserts systemMessage if given.
func (l *Logic) RemoveMessagesBefore(ctx context.Context, date time.Time, systemMessage *types.Message) {
	l.logic.RemoveMessagesBefore(date, systemMessage)
	if l.repo == nil {
		return
	}
	if err := l.repo.DeleteChannelMessagesBefore(ctx, l.CID(), date); err != nil {
		l.log().WithError(err).Warn("Failed to delete cached messages")
	}
	if systemMessage != nil {
		if err := l.repo.UpsertMessage(ctx, *systemMessage); err != nil {
			l.log().WithError(err).Warn("Failed to persist system message")
		}
	}
}

// SetInsideSearch switches message routing for search. Leaving search drops the cached latest messages.
func (l *Logic) SetInsideSearch(inside bool) {
	l.logic.SetInsideSearch(inside)
}
