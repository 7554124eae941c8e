package metrics

import (
	"strconv"
	"time"
)

// Metric names recorded by the sync layer.
const (
	EventsHandled       = "chatsync_events_handled_total"
	EventsIgnored       = "chatsync_events_ignored_total"
	ChannelQueries      = "chatsync_channel_queries_total"
	ChannelQueryLatency = "chatsync_channel_query_duration"
	ListQueries         = "chatsync_channel_list_queries_total"
	ListQueryLatency    = "chatsync_channel_list_query_duration"
	UnreadIncrements    = "chatsync_unread_increments_total"
	QueryErrors         = "chatsync_query_errors_total"
	RecoveryRuns        = "chatsync_recovery_runs_total"
	ActiveChannels      = "chatsync_active_channels"
	PendingMessages     = "chatsync_pending_messages"
	ActionsTotal        = "chatsync_actions_total"
	APIRequests         = "chatsync_api_requests_total"
	APILatency          = "chatsync_api_request_duration"
	BreakerState        = "chatsync_circuit_breaker_state"
	StreamConnections   = "chatsync_stream_connections_total"
	StreamOnline        = "chatsync_stream_online"
)

// RecordEvent counts one realtime event routed to a channel.
func RecordEvent(eventType string, handled bool) {
	name := EventsHandled
	desc := "Realtime events applied to channel state"
	if !handled {
		name = EventsIgnored
		desc = "Realtime events with no effect on channel state"
	}
	IncrementCounter(name, map[string]string{"type": eventType}, desc)
}

// RecordChannelQuery counts one channel query and its latency. source is "offline" or "online".
func RecordChannelQuery(source string, duration time.Duration, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	labels := map[string]string{"source": source, "status": status}
	IncrementCounter(ChannelQueries, labels, "Channel queries by source and outcome")
	RecordTimer(ChannelQueryLatency, duration, map[string]string{"source": source}, "Channel query latency")
}

// RecordListQuery counts one channel list query. source is "offline" or "online".
func RecordListQuery(source string, duration time.Duration, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	IncrementCounter(ListQueries, map[string]string{"source": source, "status": status}, "Channel list queries by source and outcome")
	RecordTimer(ListQueryLatency, duration, map[string]string{"source": source}, "Channel list query latency")
}

// RecordUnreadIncrement counts one unread counter bump.
func RecordUnreadIncrement(channelType string) {
	IncrementCounter(UnreadIncrements, map[string]string{"channel_type": channelType}, "Unread counter increments")
}

// RecordQueryError counts one failed query by error code.
func RecordQueryError(code string) {
	IncrementCounter(QueryErrors, map[string]string{"code": code}, "Failed queries by error code")
}

// RecordRecovery counts one recovery pass.
func RecordRecovery(channels int, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	IncrementCounter(RecoveryRuns, map[string]string{"status": status}, "Recovery passes")
	SetGauge("chatsync_recovery_last_channels", float64(channels), nil, "Channels refreshed by the last recovery pass")
}

// RecordAction counts one user action such as send or react.
func RecordAction(action string, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	IncrementCounter(ActionsTotal, map[string]string{"action": action, "status": status}, "User actions by outcome")
}

// SetActiveChannels records how many channel actors are alive.
func SetActiveChannels(n int) {
	SetGauge(ActiveChannels, float64(n), nil, "Channel actors currently alive")
}

// SetPendingMessages records how many locally authored messages await sync.
func SetPendingMessages(n int) {
	SetGauge(PendingMessages, float64(n), nil, "Messages waiting to be sent")
}

// RecordAPIRequest counts one call to the chat API by endpoint and HTTP status.
// A status of 0 means the request never got an answer.
func RecordAPIRequest(endpoint string, status int, duration time.Duration) {
	IncrementCounter(APIRequests, map[string]string{"endpoint": endpoint, "status": strconv.Itoa(status)}, "Chat API requests by endpoint and status")
	RecordTimer(APILatency, duration, map[string]string{"endpoint": endpoint}, "Chat API request latency")
}

// SetBreakerState records a circuit breaker state: 0 closed, 1 open, 2 half-open.
func SetBreakerState(name string, state int) {
	SetGauge(BreakerState, float64(state), map[string]string{"breaker": name}, "Circuit breaker state")
}

// RecordStreamConnection counts one websocket dial attempt.
func RecordStreamConnection(err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	IncrementCounter(StreamConnections, map[string]string{"status": status}, "Realtime connection attempts")
}

// SetStreamOnline records whether the realtime connection is up.
func SetStreamOnline(online bool) {
	v := 0.0
	if online {
		v = 1
	}
	SetGauge(StreamOnline, v, nil, "Realtime connection state")
}
