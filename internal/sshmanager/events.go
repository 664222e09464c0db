package sshmanager

import (
	"log"
	"time"
)

// EventType identifies a registry lifecycle event.
type EventType string

const (
	EventConnected     EventType = "connected"
	EventConnectFailed EventType = "connect_failed"
	EventRemoved       EventType = "removed"
	EventEvicted       EventType = "evicted"
)

// Event describes one registry lifecycle change. It never carries
// credentials.
type Event struct {
	ConnectionID string
	ChannelID    string
	Type         EventType
	Host         string
	Port         int
	Username     string
	Timestamp    time.Time
	Details      string
}

// EventListener is called for every registry lifecycle event. Listeners are
// invoked synchronously and outside the table lock; slow listeners should
// hand work off to their own goroutine.
type EventListener func(Event)

// AddListener registers a listener for lifecycle events.
func (r *Registry) AddListener(l EventListener) {
	r.listenersMu.Lock()
	defer r.listenersMu.Unlock()
	r.listeners = append(r.listeners, l)
}

func (r *Registry) emit(c *Connection, eventType EventType, details string) {
	r.listenersMu.RLock()
	listeners := make([]EventListener, len(r.listeners))
	copy(listeners, r.listeners)
	r.listenersMu.RUnlock()

	if len(listeners) == 0 {
		return
	}

	event := Event{
		ConnectionID: c.id,
		ChannelID:    c.Owner(),
		Type:         eventType,
		Host:         c.target.Host,
		Port:         c.target.Port,
		Username:     c.target.Username,
		Timestamp:    time.Now(),
		Details:      details,
	}
	for _, l := range listeners {
		notify(l, event)
	}
}

// notify runs one listener; a panicking listener is logged and skipped.
func notify(l EventListener, event Event) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Printf("[registry] %s listener for %s panicked: %v", event.Type, event.ConnectionID, rec)
		}
	}()
	l(event)
}
