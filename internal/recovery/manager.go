package recovery

import (
	"context"
	"fmt"
	"sync"
	"time"

	"chatsync/internal/channel"
	"chatsync/internal/constants"
	"chatsync/internal/errors"
	"chatsync/internal/metrics"
	"chatsync/internal/retry"
	"chatsync/pkg/chat/types"

	"github.com/sirupsen/logrus"
)

// ChannelSource lists the live channels that need recovery. The registry implements it.
type ChannelSource interface {
	RecoveryCandidates() []string
	Lookup(cid string) (*channel.Logic, bool)
}

// Recoverable is a channel list that can re-run its query.
type Recoverable interface {
	ID() string
	RecoveryNeeded() bool
	Recover(ctx context.Context) error
}

// Network resubmits entities that never reached the backend.
type Network interface {
	SendMessage(ctx context.Context, channelType, channelID string, msg types.Message) (types.Message, error)
	UpdateMessage(ctx context.Context, msg types.Message) (types.Message, error)
	DeleteMessage(ctx context.Context, messageID string, hard bool) (types.Message, error)
	SendReaction(ctx context.Context, reaction types.Reaction, enforceUnique bool) (types.Message, error)
	DeleteReaction(ctx context.Context, messageID, reactionType string) (types.Message, error)
}

// Repository finds and updates entities waiting for sync.
type Repository interface {
	SelectMessagesBySyncStatus(ctx context.Context, status types.SyncStatus) ([]types.Message, error)
	SelectReactionsBySyncStatus(ctx context.Context, status types.SyncStatus) ([]types.Reaction, error)
	UpsertMessage(ctx context.Context, msg types.Message) error
	UpsertReaction(ctx context.Context, reaction types.Reaction) error
}

// Config tunes the recovery loop.
type Config struct {
	Interval     time.Duration
	MessageLimit int
	Backoff      retry.BackoffConfig
}

// DefaultConfig returns the defaults used by the serve command.
func DefaultConfig() Config {
	return Config{
		Interval: time.Duration(constants.DefaultRecoveryIntervalSec) * time.Second,
		Backoff:  retry.DefaultBackoffConfig(),
	}
}

// Result counts what one recovery pass did.
type Result struct {
	Channels  int
	Queries   int
	Messages  int
	Reactions int
	Failed    int
}

// Manager re-watches channels and re-runs channel lists that missed updates, and
// resubmits locally authored entities marked sync_needed.
type Manager struct {
	channels ChannelSource
	network  Network
	repo     Repository
	logger   *logrus.Logger
	backoff  *retry.Backoff
	interval time.Duration
	limit    int

	mu          sync.Mutex
	controllers []Recoverable
	running     bool
	stopCh      chan struct{}

	// one pass at a time
	passMu sync.Mutex
}

// New creates a manager. network and repo may be nil, which disables resubmission.
func New(channels ChannelSource, network Network, repo Repository, logger *logrus.Logger, cfg Config) *Manager {
	if logger == nil {
		logger = logrus.New()
		logger.SetLevel(logrus.WarnLevel)
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Duration(constants.DefaultRecoveryIntervalSec) * time.Second
	}
	if cfg.Backoff.MaxAttempts <= 0 {
		cfg.Backoff = retry.DefaultBackoffConfig()
	}
	return &Manager{
		channels: channels,
		network:  network,
		repo:     repo,
		logger:   logger,
		backoff:  retry.NewBackoff(cfg.Backoff),
		interval: cfg.Interval,
		limit:    cfg.MessageLimit,
	}
}

// AddController registers a channel list for recovery.
func (m *Manager) AddController(c Recoverable) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.controllers = append(m.controllers, c)
}

// HandleEvent starts a pass when the realtime connection comes back.
func (m *Manager) HandleEvent(ctx context.Context, ev types.Event) {
	if _, ok := ev.(*types.ConnectedEvent); !ok {
		return
	}
	m.logger.Info("Connection established, recovering channels")
	if _, err := m.RunOnce(ctx); err != nil {
		m.logger.WithError(err).Warn("Recovery after reconnect incomplete")
	}
}

// Start runs a pass on every tick until ctx is done or Stop is called.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		m.logger.Warn("Recovery manager is already running")
		return
	}
	m.stopCh = make(chan struct{})
	m.running = true
	stopCh := m.stopCh
	m.mu.Unlock()

	go m.loop(ctx, stopCh)
	m.logger.WithField("interval", m.interval).Info("Recovery manager started")
}

// Stop ends the periodic passes. A pass in flight finishes.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running {
		return
	}
	close(m.stopCh)
	m.running = false
	m.logger.Info("Recovery manager stopped")
}

func (m *Manager) loop(ctx context.Context, stopCh <-chan struct{}) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-ticker.C:
			if _, err := m.RunOnce(ctx); err != nil {
				m.logger.WithError(err).Debug("Periodic recovery incomplete")
			}
		}
	}
}

// RunOnce performs one recovery pass. The returned error is the first failure
// that stopped an entity from recovering; other entities are still attempted.
func (m *Manager) RunOnce(ctx context.Context) (Result, error) {
	m.passMu.Lock()
	defer m.passMu.Unlock()

	var (
		res      Result
		firstErr error
	)
	note := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	note(m.recoverChannels(ctx, &res))
	note(m.recoverQueries(ctx, &res))
	note(m.resubmitMessages(ctx, &res))
	note(m.resubmitReactions(ctx, &res))

	metrics.RecordRecovery(res.Channels+res.Queries, firstErr)
	if res != (Result{}) {
		m.logger.WithFields(logrus.Fields{
			"channels":  res.Channels,
			"queries":   res.Queries,
			"messages":  res.Messages,
			"reactions": res.Reactions,
			"failed":    res.Failed,
		}).Info("Recovery pass finished")
	}
	return res, firstErr
}

func (m *Manager) retry(ctx context.Context, op func() error) error {
	return m.backoff.RetryTransient(ctx, op)
}

// stillNeedsRecovery turns a call that fell back to cached data into a retryable failure.
func stillNeedsRecovery(operation, id string, needed bool) error {
	if !needed {
		return nil
	}
	return errors.NewNetworkError(operation, fmt.Errorf("%s was served from cache", id))
}

func (m *Manager) recoverChannels(ctx context.Context, res *Result) error {
	if m.channels == nil {
		return nil
	}
	var firstErr error
	for _, cid := range m.channels.RecoveryCandidates() {
		l, ok := m.channels.Lookup(cid)
		if !ok {
			continue
		}
		err := m.retry(ctx, func() error {
			if _, err := l.Watch(ctx, m.limit, true); err != nil {
				return err
			}
			return stillNeedsRecovery("recover_channel", cid, l.State().RecoveryNeeded())
		})
		switch {
		case err == nil:
			res.Channels++
		case errors.IsPrecondition(err):
			// a watch in flight recovers the channel by itself
		default:
			res.Failed++
			m.logger.WithError(err).WithField("cid", cid).Warn("Failed to recover channel")
			if firstErr == nil {
				firstErr = err
			}
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return firstErr
}

func (m *Manager) recoverQueries(ctx context.Context, res *Result) error {
	m.mu.Lock()
	controllers := append([]Recoverable(nil), m.controllers...)
	m.mu.Unlock()

	var firstErr error
	for _, c := range controllers {
		if !c.RecoveryNeeded() {
			continue
		}
		err := m.retry(ctx, func() error {
			if err := c.Recover(ctx); err != nil {
				return err
			}
			return stillNeedsRecovery("recover_query", c.ID(), c.RecoveryNeeded())
		})
		switch {
		case err == nil:
			res.Queries++
		case errors.IsPrecondition(err):
		default:
			res.Failed++
			m.logger.WithError(err).WithField("query_id", c.ID()).Warn("Failed to recover channel list")
			if firstErr == nil {
				firstErr = err
			}
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return firstErr
}
