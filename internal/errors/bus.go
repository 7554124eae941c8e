package errors

import (
	"sync"
	"sync/atomic"
	"time"
)

// Report is one entry on the process-wide error surface.
type Report struct {
	Err       error
	CID       string
	Operation string
	At        time.Time
}

// Code returns the report's error code.
func (r Report) Code() ErrorCode {
	return GetCode(r.Err)
}

// Bus fans errors out to subscribers such as toasts or log sinks.
// Publishing never blocks: a subscriber whose buffer is full misses the report.
type Bus struct {
	mu      sync.RWMutex
	subs    map[int]chan Report
	nextID  int
	dropped atomic.Uint64
	buffer  int
}

// NewBus creates a bus whose subscribers get buffer slots each.
func NewBus(buffer int) *Bus {
	if buffer <= 0 {
		buffer = 1
	}
	return &Bus{
		subs:   make(map[int]chan Report),
		buffer: buffer,
	}
}

// Publish delivers a report to every subscriber. Precondition errors are not published.
func (b *Bus) Publish(cid, operation string, err error) {
	if b == nil || err == nil || IsPrecondition(err) {
		return
	}
	report := Report{Err: err, CID: cid, Operation: operation, At: time.Now()}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- report:
		default:
			b.dropped.Add(1)
		}
	}
}

// Subscribe registers a listener. The returned func unsubscribes and closes the channel.
func (b *Bus) Subscribe() (<-chan Report, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	ch := make(chan Report, b.buffer)
	b.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			delete(b.subs, id)
			close(ch)
		})
	}
}

// Dropped returns how many reports were lost to slow subscribers.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}
