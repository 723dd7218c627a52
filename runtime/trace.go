package runtime

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// TraceEvent is one timed span recorded by a device or the host.
type TraceEvent struct {
	Name     string
	Device   string
	Begin    time.Time
	Duration time.Duration
}

// TraceContext collects trace events for one request or for the host's
// device-trace session. Devices append from their own goroutines.
type TraceContext struct {
	id string

	mu     sync.Mutex
	events []TraceEvent
}

// NewTraceContext returns an empty trace context with a unique identity.
func NewTraceContext() *TraceContext {
	return &TraceContext{id: uuid.NewString()}
}

// ID returns the trace identity.
func (tc *TraceContext) ID() string { return tc.id }

// Record appends an event.
func (tc *TraceContext) Record(ev TraceEvent) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	tc.events = append(tc.events, ev)
}

// Events returns a snapshot of the recorded events.
func (tc *TraceContext) Events() []TraceEvent {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	return append([]TraceEvent(nil), tc.events...)
}

// RequestData carries the per-request wall-clock bookkeeping the completion
// path fills in before the user callback runs.
type RequestData struct {
	ReceivedTime time.Time
	StartTime    time.Time
	StopTime     time.Time
}
