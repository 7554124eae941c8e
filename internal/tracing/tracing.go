package tracing

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type requestKey struct{}

// RequestInfo identifies one debug API request.
type RequestInfo struct {
	RequestID string    `json:"request_id"`
	TraceID   string    `json:"trace_id"`
	StartTime time.Time `json:"start_time"`
}

// GenerateRequestID generates a unique request ID
func GenerateRequestID() string {
	return "req_" + uuid.NewString()
}

func WithRequestInfo(ctx context.Context, info RequestInfo) context.Context {
	return context.WithValue(ctx, requestKey{}, info)
}

// GetRequestInfo returns what was stored on ctx. The trace id falls back to the
// span in ctx, so background work started under a span still reports one.
func GetRequestInfo(ctx context.Context) RequestInfo {
	info, _ := ctx.Value(requestKey{}).(RequestInfo)
	if info.TraceID == "" {
		info.TraceID = GetOtelTraceID(ctx)
	}
	return info
}

// WithRequestTracing stamps a fresh request id and start time on ctx.
func WithRequestTracing(ctx context.Context) context.Context {
	info := GetRequestInfo(ctx)
	info.RequestID = GenerateRequestID()
	info.StartTime = time.Now()
	return WithRequestInfo(ctx, info)
}

func GetRequestID(ctx context.Context) string {
	return GetRequestInfo(ctx).RequestID
}

func GetTraceID(ctx context.Context) string {
	return GetRequestInfo(ctx).TraceID
}

// Duration is the time since WithRequestTracing, or zero outside a request.
func Duration(ctx context.Context) time.Duration {
	start := GetRequestInfo(ctx).StartTime
	if start.IsZero() {
		return 0
	}
	return time.Since(start)
}
