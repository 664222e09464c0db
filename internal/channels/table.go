// Package channels tracks which backend connection each client channel is
// currently driving. Entries hold backend IDs only; the sshmanager registry
// owns the connections themselves.
package channels

import (
	"errors"
	"sort"
	"sync"

	"github.com/gluk-w/claworc/webssh/internal/sshmanager"
)

var (
	// ErrUnknownChannel is returned for a channel ID that was never opened
	// or has already closed.
	ErrUnknownChannel = errors.New("unknown channel")
	// ErrUnknownBackend is returned by Attach when the backend ID is not in
	// the registry.
	ErrUnknownBackend = errors.New("unknown backend connection")
)

// Backends looks up established backend connections by ID.
// *sshmanager.Registry satisfies it.
type Backends interface {
	Get(id string) (*sshmanager.Connection, bool)
}

// Table maps client channel IDs to their current backend ID. An empty
// backend ID means the channel has no session.
type Table struct {
	backends Backends

	mu      sync.RWMutex
	current map[string]string
}

// NewTable creates an empty table validating attachments against backends.
func NewTable(backends Backends) *Table {
	return &Table{
		backends: backends,
		current:  make(map[string]string),
	}
}

// Open registers a channel with no current session. Opening an already open
// channel leaves its session untouched.
func (t *Table) Open(channelID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.current[channelID]; !ok {
		t.current[channelID] = ""
	}
}

// Close forgets the channel and returns the backend it was driving, if any.
func (t *Table) Close(channelID string) (backendID string, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	backendID, present := t.current[channelID]
	if !present {
		return "", false
	}
	delete(t.current, channelID)
	return backendID, backendID != ""
}

// Exists reports whether the channel is open.
func (t *Table) Exists(channelID string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.current[channelID]
	return ok
}

// Attach makes backendID the channel's current session, opening the channel
// if needed. The backend is checked while the table lock is held, so a
// concurrent registry removal followed by ClearBackend cannot leave the
// channel pointing at a removed ID. A rejected attach changes nothing.
func (t *Table) Attach(channelID, backendID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if backendID == "" {
		return ErrUnknownBackend
	}
	if _, ok := t.backends.Get(backendID); !ok {
		return ErrUnknownBackend
	}
	t.current[channelID] = backendID
	return nil
}

// Current returns the channel's current backend ID.
func (t *Table) Current(channelID string) (string, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	backendID := t.current[channelID]
	return backendID, backendID != ""
}

// Detach clears the channel's session if it is backendID and reports whether
// it did.
func (t *Table) Detach(channelID, backendID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	cur, ok := t.current[channelID]
	if !ok || cur == "" || cur != backendID {
		return false
	}
	t.current[channelID] = ""
	return true
}

// ClearBackend clears backendID from every channel whose current session it
// is and returns those channels in sorted order.
func (t *Table) ClearBackend(backendID string) []string {
	if backendID == "" {
		return nil
	}
	t.mu.Lock()
	var cleared []string
	for ch, cur := range t.current {
		if cur == backendID {
			t.current[ch] = ""
			cleared = append(cleared, ch)
		}
	}
	t.mu.Unlock()
	sort.Strings(cleared)
	return cleared
}

// Len returns the number of open channels.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.current)
}
