package history

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventType defines the kind of orchestrator event.
type EventType string

const (
	EventBootstrap    EventType = "bootstrap"
	EventFailover     EventType = "failover"
	EventAllDown      EventType = "all_down"
	EventRecovered    EventType = "recovered"
	EventReload       EventType = "reload"
	EventGatewayStart EventType = "gateway_start"
	EventGatewayStop  EventType = "gateway_stop"
	EventGatewayExit  EventType = "gateway_exit"
	EventShutdown     EventType = "shutdown"
)

// Event is one orchestrator transition exported to external systems.
type Event struct {
	ID         uuid.UUID `json:"id"`
	Type       EventType `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	From       string    `json:"from,omitempty"`
	To         string    `json:"to,omitempty"`
	Generation uint64    `json:"generation"`
	PID        int       `json:"pid,omitempty"`
	Detail     string    `json:"detail,omitempty"`
}

// NewEvent returns an event with a fresh ID stamped now.
func NewEvent(t EventType) Event {
	return Event{ID: uuid.New(), Type: t, OccurredAt: time.Now().UTC()}
}

// Sink is a destination for history events.
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

// DefaultSendTimeout bounds a single fan-out.
const DefaultSendTimeout = 3 * time.Second

// Recorder fans events out to every configured sink. Delivery is
// best-effort: failures are logged and never returned to the caller.
// A nil *Recorder discards events.
type Recorder struct {
	mu      sync.RWMutex
	sinks   []Sink
	timeout time.Duration
	log     *slog.Logger
}

func NewRecorder(log *slog.Logger, sinks ...Sink) *Recorder {
	if log == nil {
		log = slog.Default()
	}
	return &Recorder{
		sinks:   append([]Sink(nil), sinks...),
		timeout: DefaultSendTimeout,
		log:     log,
	}
}

// SetTimeout overrides the per-record delivery deadline.
func (r *Recorder) SetTimeout(d time.Duration) {
	if r == nil || d <= 0 {
		return
	}
	r.mu.Lock()
	r.timeout = d
	r.mu.Unlock()
}

func (r *Recorder) Add(s Sink) {
	if r == nil || s == nil {
		return
	}
	r.mu.Lock()
	r.sinks = append(r.sinks, s)
	r.mu.Unlock()
}

// Record stamps missing identity fields and delivers e to all sinks
// concurrently, waiting at most the configured timeout.
func (r *Recorder) Record(ctx context.Context, e Event) {
	if r == nil {
		return
	}
	r.mu.RLock()
	sinks := append([]Sink(nil), r.sinks...)
	timeout := r.timeout
	r.mu.RUnlock()
	if len(sinks) == 0 {
		return
	}
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}

	// detached so a shutdown event still goes out after ctx is cancelled
	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()

	var wg sync.WaitGroup
	for _, s := range sinks {
		wg.Add(1)
		go func(s Sink) {
			defer wg.Done()
			if err := s.Send(sendCtx, e); err != nil {
				r.log.Warn("history sink send failed", "event", e.Type, "error", err)
			}
		}(s)
	}
	wg.Wait()
}

// Close closes every sink that holds resources.
func (r *Recorder) Close() error {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	sinks := r.sinks
	r.sinks = nil
	r.mu.Unlock()
	var first error
	for _, s := range sinks {
		if c, ok := s.(io.Closer); ok {
			if err := c.Close(); err != nil && first == nil {
				first = err
			}
		}
	}
	return first
}
