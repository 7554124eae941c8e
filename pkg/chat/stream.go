package chat

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"chatsync/internal/constants"
	"chatsync/internal/errors"
	"chatsync/internal/metrics"
	"chatsync/internal/privacy"
	"chatsync/internal/retry"
	"chatsync/pkg/chat/types"
	pkgconstants "chatsync/pkg/constants"

	"github.com/coder/websocket"
	"github.com/sirupsen/logrus"
)

// Stream is the realtime connection. It reconnects until its context ends
// and delivers decoded events in arrival order.
type Stream struct {
	wsURL        string
	apiKey       string
	userID       string
	token        string
	backoff      *retry.Backoff
	pingInterval time.Duration
	logger       *logrus.Logger
	now          func() time.Time

	events  chan types.Event
	online  atomic.Bool
	running atomic.Bool
}

// StreamOption tunes a Stream.
type StreamOption func(*Stream)

// WithPingInterval sets how often the connection is pinged. Zero disables pings.
func WithPingInterval(d time.Duration) StreamOption {
	return func(s *Stream) { s.pingInterval = d }
}

// WithReconnectBackoff sets the delay policy between connection attempts.
func WithReconnectBackoff(b *retry.Backoff) StreamOption {
	return func(s *Stream) { s.backoff = b }
}

// WithEventBuffer sets the size of the event channel.
func WithEventBuffer(n int) StreamOption {
	return func(s *Stream) {
		if n >= 0 {
			s.events = make(chan types.Event, n)
		}
	}
}

func NewStream(wsURL, apiKey, userID, token string, logger *logrus.Logger, opts ...StreamOption) *Stream {
	if logger == nil {
		logger = logrus.New()
		logger.SetLevel(logrus.WarnLevel)
	}

	s := &Stream{
		wsURL:        strings.TrimSuffix(wsURL, "/"),
		apiKey:       apiKey,
		userID:       userID,
		token:        token,
		backoff:      retry.NewBackoff(retry.DefaultBackoffConfig()),
		pingInterval: pkgconstants.DefaultPingIntervalSec * time.Second,
		logger:       logger,
		now:          time.Now,
		events:       make(chan types.Event, constants.DefaultEventQueueSize),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Events returns the event channel. It is closed when Run returns.
func (s *Stream) Events() <-chan types.Event {
	return s.events
}

// Online reports whether the backend has confirmed the current connection.
func (s *Stream) Online() bool {
	return s.online.Load()
}

// Run connects and reads until ctx is done. It must be called once.
func (s *Stream) Run(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return fmt.Errorf("stream is already running")
	}
	defer close(s.events)
	defer s.setOnline(false)

	attempt := 0
	for {
		s.emit(ctx, &types.ConnectingEvent{EventMeta: s.meta(types.EventConnectionConnecting)})

		conn, err := s.dial(ctx)
		metrics.RecordStreamConnection(err)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.logger.WithError(err).WithField("attempt", attempt+1).Warn("Failed to connect realtime stream")
			s.emit(ctx, &types.ErrorEvent{
				EventMeta: s.meta(types.EventConnectionError),
				Err:       errors.WrapRetryable(err, errors.ErrCodeRealtime, "failed to connect realtime stream"),
			})
		} else {
			connected, reason := s.serve(ctx, conn)
			if connected {
				attempt = 0
			}
			s.setOnline(false)
			s.emit(ctx, &types.DisconnectedEvent{EventMeta: s.meta(types.EventConnectionDisconnected), Reason: reason})
		}

		if ctx.Err() != nil {
			return nil
		}
		attempt++
		if !s.sleep(ctx, s.backoff.Delay(attempt)) {
			return nil
		}
	}
}

func (s *Stream) dial(ctx context.Context) (*websocket.Conn, error) {
	params := url.Values{}
	if s.apiKey != "" {
		params.Set("api_key", s.apiKey)
	}
	if s.userID != "" {
		params.Set("user_id", s.userID)
	}
	target := s.wsURL + "/connect"
	if len(params) > 0 {
		target += "?" + params.Encode()
	}

	header := http.Header{}
	if s.token != "" {
		header.Set("Authorization", "Bearer "+s.token)
	}

	conn, _, err := websocket.Dial(ctx, target, &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		return nil, err
	}
	conn.SetReadLimit(pkgconstants.DefaultReadLimitBytes)
	return conn, nil
}

// serve reads from one connection until it fails. It reports whether the
// backend confirmed the connection and why it ended.
func (s *Stream) serve(ctx context.Context, conn *websocket.Conn) (bool, string) {
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if s.pingInterval > 0 {
		go s.keepAlive(connCtx, conn)
	}

	connected := false
	for {
		_, data, err := conn.Read(connCtx)
		if err != nil {
			conn.CloseNow()
			return connected, closeReason(ctx, err)
		}

		ev, err := types.DecodeEvent(data)
		if err != nil {
			s.logger.WithError(err).Warn("Dropping undecodable realtime payload")
			continue
		}

		if connectedEv, ok := ev.(*types.ConnectedEvent); ok {
			connected = true
			s.setOnline(true)
			s.logger.WithFields(privacy.MaskSensitiveFields(logrus.Fields{
				"connection_id": connectedEv.ConnectionID,
				"user_id":       connectedEv.Me.ID,
			})).Info("Realtime stream connected")
		}
		s.emit(ctx, ev)
	}
}

func (s *Stream) keepAlive(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(s.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, s.pingInterval)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				if ctx.Err() == nil {
					s.logger.WithError(err).Debug("Realtime ping failed, dropping connection")
					conn.Close(websocket.StatusGoingAway, "ping timeout")
				}
				return
			}
		}
	}
}

func closeReason(ctx context.Context, err error) string {
	if ctx.Err() != nil {
		return "client closed"
	}
	if status := websocket.CloseStatus(err); status != -1 {
		return fmt.Sprintf("closed by server: %s", status)
	}
	if stderrors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	return err.Error()
}

// emit blocks until the event is taken or ctx ends.
func (s *Stream) emit(ctx context.Context, ev types.Event) {
	select {
	case s.events <- ev:
	case <-ctx.Done():
	}
}

func (s *Stream) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func (s *Stream) setOnline(online bool) {
	if s.online.Swap(online) != online {
		metrics.SetStreamOnline(online)
	}
}

func (s *Stream) meta(eventType string) types.EventMeta {
	return types.EventMeta{Type: eventType, CreatedAt: s.now()}
}
