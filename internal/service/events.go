package service

import (
	"log/slog"
	"sync"

	domainauth "github.com/assetlens/portal/internal/domain/auth"
)

// EventBus dispatches auth events to handlers subscribed for the same device.
// Dispatch is synchronous; a panicking handler is logged and skipped.
type EventBus struct {
	mu     sync.RWMutex
	nextID int
	subs   map[string]map[int]domainauth.EventHandler
	logger *slog.Logger
}

// NewEventBus creates an EventBus.
func NewEventBus(logger *slog.Logger) *EventBus {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventBus{
		subs:   make(map[string]map[int]domainauth.EventHandler),
		logger: logger.With("component", "auth_events"),
	}
}

// Subscribe registers h for events published for deviceID and returns a function
// that removes it.
func (b *EventBus) Subscribe(deviceID string, h domainauth.EventHandler) func() {
	if b == nil || h == nil {
		return func() {}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	if b.subs[deviceID] == nil {
		b.subs[deviceID] = make(map[int]domainauth.EventHandler)
	}
	b.subs[deviceID][id] = h

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			delete(b.subs[deviceID], id)
			if len(b.subs[deviceID]) == 0 {
				delete(b.subs, deviceID)
			}
		})
	}
}

// Publish delivers e to every handler subscribed for deviceID.
func (b *EventBus) Publish(deviceID string, e domainauth.Event) {
	if b == nil || e == nil {
		return
	}
	b.mu.RLock()
	handlers := make([]domainauth.EventHandler, 0, len(b.subs[deviceID]))
	for _, h := range b.subs[deviceID] {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		b.dispatch(h, e)
	}
}

func (b *EventBus) dispatch(h domainauth.EventHandler, e domainauth.Event) {
	defer func() {
		if rec := recover(); rec != nil {
			b.logger.Error("auth event handler panicked", "panic", rec)
		}
	}()
	h(e)
}
