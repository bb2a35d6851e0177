// Package hooks is an in-process pub/sub for session lifecycle and command
// events. Components emit; observers such as the audit store subscribe.
package hooks

import (
	"context"
	"fmt"
	"sync"

	"github.com/davidnitty/Whatsapp-TagAll-Bot/internal/logging"
)

// Event names for the hook system.
const (
	EventConnecting         = "connecting"
	EventConnectionOpen     = "connection_open"
	EventConnectionClosed   = "connection_closed"
	EventReconnectScheduled = "reconnect_scheduled"
	EventMessageReceived    = "message_received"
	EventCommandFinished    = "command_finished"
	EventDeliveryFailed     = "delivery_failed"
)

// AllEvents lists all known hook event names.
var AllEvents = []string{
	EventConnecting,
	EventConnectionOpen,
	EventConnectionClosed,
	EventReconnectScheduled,
	EventMessageReceived,
	EventCommandFinished,
	EventDeliveryFailed,
}

// Payload carries event data to hook handlers.
type Payload struct {
	Event string         `json:"event"`
	Data  map[string]any `json:"data,omitempty"`
}

// String returns Data[key] as a string, or "" when absent.
func (p Payload) String(key string) string {
	s, _ := p.Data[key].(string)
	return s
}

// Int returns a numeric Data[key], or 0.
func (p Payload) Int(key string) int64 {
	switch v := p.Data[key].(type) {
	case int:
		return int64(v)
	case int64:
		return v
	case float64:
		return int64(v)
	}
	return 0
}

// Handler handles a hook event. A returned error (or a panic) is logged and
// does not stop the remaining handlers.
type Handler func(ctx context.Context, p Payload) error

// Manager holds hook registrations and dispatches events. A nil *Manager is
// valid and drops every event.
type Manager struct {
	mu       sync.RWMutex
	handlers map[string][]namedHandler
	log      *logging.Logger
}

type namedHandler struct {
	name    string
	handler Handler
}

// NewManager creates a hook manager.
func NewManager(log *logging.Logger) *Manager {
	return &Manager{
		handlers: make(map[string][]namedHandler),
		log:      log.Sub("hooks"),
	}
}

// On registers a handler for the given event.
func (m *Manager) On(event, name string, handler Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[event] = append(m.handlers[event], namedHandler{name: name, handler: handler})
	m.log.Debug().Str("event", event).Str("handler", name).Msg("hook registered")
}

// Off removes all handlers with the given name from the event.
func (m *Manager) Off(event, name string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	kept := m.handlers[event][:0:0]
	for _, h := range m.handlers[event] {
		if h.name != name {
			kept = append(kept, h)
		}
	}
	m.handlers[event] = kept
}

func (m *Manager) snapshot(event string) []namedHandler {
	if m == nil {
		return nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]namedHandler, len(m.handlers[event]))
	copy(out, m.handlers[event])
	return out
}

// Emit dispatches an event to all handlers synchronously, in registration order.
func (m *Manager) Emit(ctx context.Context, event string, data map[string]any) {
	handlers := m.snapshot(event)
	if len(handlers) == 0 {
		return
	}
	payload := Payload{Event: event, Data: data}
	for _, h := range handlers {
		m.call(ctx, h, payload)
	}
}

// EmitAsync dispatches an event to every handler on its own goroutine and
// returns immediately.
func (m *Manager) EmitAsync(ctx context.Context, event string, data map[string]any) {
	handlers := m.snapshot(event)
	if len(handlers) == 0 {
		return
	}
	payload := Payload{Event: event, Data: data}
	for _, h := range handlers {
		go m.call(ctx, h, payload)
	}
}

func (m *Manager) call(ctx context.Context, h namedHandler, p Payload) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error().
				Str("event", p.Event).
				Str("handler", h.name).
				Str("panic", fmt.Sprint(r)).
				Msg("hook handler panicked")
		}
	}()
	if err := h.handler(ctx, p); err != nil {
		m.log.Warn().
			Err(err).
			Str("event", p.Event).
			Str("handler", h.name).
			Msg("hook handler error")
	}
}

// Count returns the number of handlers registered for an event.
func (m *Manager) Count(event string) int {
	return len(m.snapshot(event))
}
