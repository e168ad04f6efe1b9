// Package events fans service lifecycle changes out to interested parties.
//
// A Bus is attached to a service.Config with Hooks. Each hook turns the
// service's snapshot into an Event and hands it to every subscribed
// Listener in subscription order. Listeners are the MQTT publisher, the
// InfluxDB writer, the run history recorder and the WebSocket hub.
//
// Listener failures and panics are logged and never reach the service.
package events

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nerrad567/driverservice/internal/service"
)

// Type names a lifecycle transition.
type Type string

const (
	// TypeStarted is published once the child process has been spawned.
	TypeStarted Type = "service.started"

	// TypeReady is published once the driver's port accepts connections.
	TypeReady Type = "service.ready"

	// TypeStopped is published after a clean teardown.
	TypeStopped Type = "service.stopped"

	// TypeFailed is published after a Start that never reached ready.
	TypeFailed Type = "service.failed"
)

// listenerTimeout bounds a single listener call.
const listenerTimeout = 5 * time.Second

// Event is a lifecycle transition together with the service snapshot
// taken at that moment.
type Event struct {
	Type Type      `json:"type"`
	Time time.Time `json:"time"`
	service.Stats
}

// FromStats builds the event for a snapshot. A stop snapshot whose status is
// failed becomes TypeFailed.
func FromStats(t Type, st service.Stats) Event {
	if t == TypeStopped && st.Status == service.StatusFailed {
		t = TypeFailed
	}
	return Event{Type: t, Time: time.Now().UTC(), Stats: st}
}

// Listener receives lifecycle events.
type Listener interface {
	HandleEvent(ctx context.Context, e Event) error
}

// ListenerFunc adapts a function to the Listener interface.
type ListenerFunc func(ctx context.Context, e Event) error

// HandleEvent calls f(ctx, e).
func (f ListenerFunc) HandleEvent(ctx context.Context, e Event) error {
	return f(ctx, e)
}

// Logger defines the logging interface used by the bus.
type Logger interface {
	Debug(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

type subscription struct {
	name     string
	listener Listener
}

// Bus delivers events to listeners synchronously.
//
// Thread Safety:
//   - All methods are safe for concurrent use from multiple goroutines.
type Bus struct {
	mu     sync.RWMutex
	subs   []subscription
	logger Logger
}

// NewBus creates a bus. A nil logger discards log output.
func NewBus(logger Logger) *Bus {
	if logger == nil {
		logger = noopLogger{}
	}
	return &Bus{logger: logger}
}

// Subscribe registers l under name. Listeners are called in the order they
// were subscribed.
func (b *Bus) Subscribe(name string, l Listener) {
	if l == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = append(b.subs, subscription{name: name, listener: l})
}

// Publish delivers e to every listener.
func (b *Bus) Publish(ctx context.Context, e Event) {
	b.mu.RLock()
	subs := make([]subscription, len(b.subs))
	copy(subs, b.subs)
	b.mu.RUnlock()

	b.logger.Debug("publishing lifecycle event",
		"type", e.Type,
		"service", e.Name,
		"listeners", len(subs),
	)

	for _, sub := range subs {
		if err := b.deliver(ctx, sub, e); err != nil {
			b.logger.Warn("event listener failed",
				"listener", sub.name,
				"type", e.Type,
				"error", err,
			)
		}
	}
}

func (b *Bus) deliver(ctx context.Context, sub subscription, e Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("listener panicked: %v", r)
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, listenerTimeout)
	defer cancel()
	return sub.listener.HandleEvent(ctx, e)
}

// Hooks points cfg's lifecycle callbacks at the bus.
//
// The hooks only capture the bus, so attaching them does not keep the
// Service itself reachable.
func (b *Bus) Hooks(cfg *service.Config) {
	cfg.OnStart = func(st service.Stats) {
		b.Publish(context.Background(), FromStats(TypeStarted, st))
	}
	cfg.OnReady = func(st service.Stats) {
		b.Publish(context.Background(), FromStats(TypeReady, st))
	}
	cfg.OnStop = func(st service.Stats) {
		b.Publish(context.Background(), FromStats(TypeStopped, st))
	}
}
