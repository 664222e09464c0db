package sshmanager

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/gluk-w/claworc/webssh/internal/logutil"
	"github.com/gluk-w/claworc/webssh/internal/sshterminal"
	"github.com/google/uuid"
)

const (
	// DefaultConnectTimeout bounds a single connect attempt.
	DefaultConnectTimeout = 10 * time.Second
	// DefaultDisconnectTimeout bounds how long Disconnect waits for the
	// output goroutine before closing the transport anyway.
	DefaultDisconnectTimeout = time.Second
	// DefaultPollInterval is the output goroutine's idle sleep.
	DefaultPollInterval = 10 * time.Millisecond
)

// ErrTooManyConnections is returned by Create when the registry is full.
var ErrTooManyConnections = errors.New("connection limit reached")

// Options configures a Registry.
type Options struct {
	// MaxConnections caps pending plus established connections. Zero means
	// unlimited.
	MaxConnections    int
	ConnectTimeout    time.Duration
	DisconnectTimeout time.Duration
	PollInterval      time.Duration
}

// Registry is the table of backend connections keyed by ID. It owns every
// connection it holds: only Remove, Cleanup and CloseAll end a connection's
// life.
type Registry struct {
	dialer Dialer
	opts   Options

	mu    sync.RWMutex
	conns map[string]*Connection

	listenersMu sync.RWMutex
	listeners   []EventListener
}

// NewRegistry creates an empty registry that dials through dialer. Zero
// durations in opts fall back to the package defaults.
func NewRegistry(dialer Dialer, opts Options) *Registry {
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = DefaultConnectTimeout
	}
	if opts.DisconnectTimeout <= 0 {
		opts.DisconnectTimeout = DefaultDisconnectTimeout
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	return &Registry{
		dialer: dialer,
		opts:   opts,
		conns:  make(map[string]*Connection),
	}
}

// Create validates target and inserts a new pending connection under a fresh
// ID. The connection stays invisible to Get, List and Cleanup until Connect
// succeeds.
func (r *Registry) Create(target sshterminal.Target) (*Connection, error) {
	if err := target.Validate(); err != nil {
		return nil, err
	}

	copts := connOptions{
		connectTimeout:    r.opts.ConnectTimeout,
		disconnectTimeout: r.opts.DisconnectTimeout,
		pollInterval:      r.opts.PollInterval,
	}

	r.mu.Lock()
	if r.opts.MaxConnections > 0 && len(r.conns) >= r.opts.MaxConnections {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w (%d)", ErrTooManyConnections, r.opts.MaxConnections)
	}
	id := uuid.New().String()
	for _, taken := r.conns[id]; taken; _, taken = r.conns[id] {
		id = uuid.New().String()
	}
	c := newConnection(id, target, r.dialer, copts)
	r.conns[id] = c
	r.mu.Unlock()

	log.Printf("[registry] created connection %s for %s", id, logutil.Target(target.Username, target.Host, target.Port))
	return c, nil
}

// Connect runs c.Connect and publishes the result: on success c becomes
// visible, on failure it is dropped from the table before the error is
// returned.
func (r *Registry) Connect(ctx context.Context, c *Connection) error {
	if err := c.Connect(ctx); err != nil {
		r.mu.Lock()
		if cur, ok := r.conns[c.id]; ok && cur == c {
			delete(r.conns, c.id)
		}
		r.mu.Unlock()
		r.emit(c, EventConnectFailed, err.Error())
		return err
	}
	r.emit(c, EventConnected, "connected to "+c.target.Address())
	return nil
}

// Get returns the established connection with the given ID.
func (r *Registry) Get(id string) (*Connection, bool) {
	r.mu.RLock()
	c, ok := r.conns[id]
	r.mu.RUnlock()
	if !ok || !c.Established() {
		return nil, false
	}
	return c, true
}

// Remove deletes the connection with the given ID and disconnects it. It
// returns false when the ID is absent, including when a concurrent Remove
// or Cleanup got there first.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	c, ok := r.conns[id]
	if ok {
		delete(r.conns, id)
	}
	r.mu.Unlock()

	if !ok {
		return false
	}
	c.Disconnect()
	r.emit(c, EventRemoved, "")
	log.Printf("[registry] removed connection %s", id)
	return true
}

// List returns the IDs of all established connections at call time.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.conns))
	for id, c := range r.conns {
		if c.Established() {
			ids = append(ids, id)
		}
	}
	return ids
}

// OwnedBy returns the sorted IDs of established connections created by
// channelID.
func (r *Registry) OwnedBy(channelID string) []string {
	if channelID == "" {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	var ids []string
	for id, c := range r.conns {
		if c.Established() && c.Owner() == channelID {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// Snapshot returns info for all established connections, oldest first.
func (r *Registry) Snapshot() []ConnectionInfo {
	r.mu.RLock()
	conns := make([]*Connection, 0, len(r.conns))
	for _, c := range r.conns {
		if c.Established() {
			conns = append(conns, c)
		}
	}
	r.mu.RUnlock()

	infos := make([]ConnectionInfo, len(conns))
	for i, c := range conns {
		infos[i] = c.Info()
	}
	sort.Slice(infos, func(i, j int) bool {
		if infos[i].CreatedAt.Equal(infos[j].CreatedAt) {
			return infos[i].ID < infos[j].ID
		}
		return infos[i].CreatedAt.Before(infos[j].CreatedAt)
	})
	return infos
}

// Len returns the number of established connections.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, c := range r.conns {
		if c.Established() {
			n++
		}
	}
	return n
}

// Cleanup evicts every established connection that fails its liveness
// probe and returns the evicted IDs. Probing happens outside the table lock;
// an entry removed concurrently is treated as already gone.
func (r *Registry) Cleanup() []string {
	r.mu.RLock()
	candidates := make([]*Connection, 0, len(r.conns))
	for _, c := range r.conns {
		if c.Established() {
			candidates = append(candidates, c)
		}
	}
	r.mu.RUnlock()

	var dead []*Connection
	for _, c := range candidates {
		if !r.probe(c) {
			dead = append(dead, c)
		}
	}
	if len(dead) == 0 {
		return nil
	}

	evicted := make([]*Connection, 0, len(dead))
	r.mu.Lock()
	for _, c := range dead {
		if cur, ok := r.conns[c.id]; ok && cur == c {
			delete(r.conns, c.id)
			evicted = append(evicted, c)
		}
	}
	r.mu.Unlock()

	ids := make([]string, 0, len(evicted))
	for _, c := range evicted {
		c.Disconnect()
		r.emit(c, EventEvicted, "liveness probe failed")
		ids = append(ids, c.id)
	}
	return ids
}

// probe runs the liveness check, counting a panicking probe as dead.
func (r *Registry) probe(c *Connection) (alive bool) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Printf("[registry] liveness probe for %s panicked: %v", c.id, rec)
			alive = false
		}
	}()
	return c.Active()
}

// CloseAll disconnects and drops every connection. Used during shutdown.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	conns := r.conns
	r.conns = make(map[string]*Connection)
	r.mu.Unlock()

	var wg sync.WaitGroup
	for _, c := range conns {
		wg.Add(1)
		go func(c *Connection) {
			defer wg.Done()
			c.Disconnect()
		}(c)
	}
	wg.Wait()
	log.Printf("[registry] all connections closed (%d total)", len(conns))
}
