package sshmanager

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/docker/go-units"
	"github.com/gluk-w/claworc/webssh/internal/logutil"
	"github.com/gluk-w/claworc/webssh/internal/sshterminal"
)

var (
	// ErrNotConnected is returned by Send and Resize when the connection has
	// no live shell.
	ErrNotConnected = errors.New("connection is not connected")
	// ErrConnectionClosed is returned by Connect on a disconnected connection.
	ErrConnectionClosed = errors.New("connection is closed")
	// ErrAlreadyConnected is returned by Connect and OnOutput once a connect
	// attempt has been made.
	ErrAlreadyConnected = errors.New("connect already attempted")
)

// Shell is the live remote session a Connection drives.
type Shell interface {
	// ReadAvailable returns pending output without blocking; (nil, nil)
	// means nothing is pending.
	ReadAvailable() ([]byte, error)
	Write(p []byte) (int, error)
	Resize(cols, rows int) error
	Close() error
	// Active reports whether the underlying transport is still alive.
	Active() bool
}

// Dialer opens a Shell for a target. The context carries the connect timeout.
type Dialer interface {
	Dial(ctx context.Context, t sshterminal.Target) (Shell, error)
}

// SSHDialer adapts an sshterminal.Dialer to the Dialer interface.
func SSHDialer(d *sshterminal.Dialer) Dialer {
	return sshDialer{d: d}
}

type sshDialer struct {
	d *sshterminal.Dialer
}

func (s sshDialer) Dial(ctx context.Context, t sshterminal.Target) (Shell, error) {
	shell, err := s.d.Dial(ctx, t)
	if err != nil {
		return nil, err
	}
	return shell, nil
}

// OutputFunc receives decoded output chunks. It is called synchronously from
// the connection's output goroutine, one chunk at a time.
type OutputFunc func(connID, data string)

// connOptions are the timing knobs a Connection is created with.
type connOptions struct {
	connectTimeout    time.Duration
	disconnectTimeout time.Duration
	pollInterval      time.Duration
}

// Connection is one backend shell session. All state transitions go through
// mu; the output goroutine only reads the shell and the stop channel it was
// started with.
type Connection struct {
	id        string
	target    sshterminal.Target
	createdAt time.Time
	dialer    Dialer
	opts      connOptions

	mu          sync.Mutex
	owner       string
	onOutput    OutputFunc
	shell       Shell
	connected   bool
	running     bool
	dialed      bool
	closed      bool
	established bool
	connectedAt time.Time
	stop        chan struct{}
	done        chan struct{}

	bytesIn  atomic.Int64
	bytesOut atomic.Int64
}

func newConnection(id string, target sshterminal.Target, dialer Dialer, opts connOptions) *Connection {
	return &Connection{
		id:        id,
		target:    target,
		createdAt: time.Now(),
		dialer:    dialer,
		opts:      opts,
	}
}

// ID returns the connection's identifier.
func (c *Connection) ID() string { return c.id }

// Target returns the target descriptor with its credential removed.
func (c *Connection) Target() sshterminal.Target {
	return sshterminal.Target{Host: c.target.Host, Port: c.target.Port, Username: c.target.Username}
}

// CreatedAt returns when the connection was created.
func (c *Connection) CreatedAt() time.Time { return c.createdAt }

// SetOwner records the client channel that created the connection.
func (c *Connection) SetOwner(channelID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.owner = channelID
}

// Owner returns the client channel that created the connection, if any.
func (c *Connection) Owner() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.owner
}

// OnOutput registers the output callback. It must be called before Connect;
// output produced before registration would otherwise be lost.
func (c *Connection) OnOutput(fn OutputFunc) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.dialed {
		return ErrAlreadyConnected
	}
	c.onOutput = fn
	return nil
}

// Connect dials the target once, bounded by the connect timeout. On success
// the output goroutine is running when Connect returns. On failure the
// connection is disconnected and left inert.
func (c *Connection) Connect(ctx context.Context) error {
	c.mu.Lock()
	switch {
	case c.closed:
		c.mu.Unlock()
		return ErrConnectionClosed
	case c.dialed:
		c.mu.Unlock()
		return ErrAlreadyConnected
	}
	c.dialed = true
	c.mu.Unlock()

	dialCtx, cancel := context.WithTimeout(ctx, c.opts.connectTimeout)
	defer cancel()

	shell, err := c.dialer.Dial(dialCtx, c.target)
	if err != nil {
		log.Printf("[ssh-conn] %s connect to %s failed: %s", c.id, c.describe(), logutil.SanitizeForLog(err.Error()))
		c.Disconnect()
		return fmt.Errorf("connect to %s: %w", c.target.Address(), err)
	}

	c.mu.Lock()
	if c.closed {
		// Disconnected while the dial was in flight.
		c.mu.Unlock()
		shell.Close()
		return ErrConnectionClosed
	}
	c.shell = shell
	c.connected = true
	c.running = true
	c.established = true
	c.connectedAt = time.Now()
	stop := make(chan struct{})
	done := make(chan struct{})
	c.stop = stop
	c.done = done
	handler := c.onOutput
	c.mu.Unlock()

	go c.readOutput(shell, handler, stop, done)

	log.Printf("[ssh-conn] %s connected to %s", c.id, c.describe())
	return nil
}

// readOutput polls the shell for output until stopped or the stream fails.
func (c *Connection) readOutput(shell Shell, handler OutputFunc, stop, done chan struct{}) {
	defer close(done)

	decoder := sshterminal.NewOutputDecoder()
	timer := time.NewTimer(c.opts.pollInterval)
	defer timer.Stop()

	for {
		select {
		case <-stop:
			return
		default:
		}

		data, err := shell.ReadAvailable()
		if len(data) > 0 {
			c.bytesOut.Add(int64(len(data)))
			if text := decoder.Decode(data); text != "" {
				c.deliver(handler, text)
			}
			continue
		}
		if err != nil {
			if rest := decoder.Flush(); rest != "" {
				c.deliver(handler, rest)
			}
			c.streamEnded(err)
			return
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(c.opts.pollInterval)
		select {
		case <-stop:
			return
		case <-timer.C:
		}
	}
}

// deliver invokes the output callback. A panicking callback must not take
// the output goroutine down with it.
func (c *Connection) deliver(handler OutputFunc, text string) {
	if handler == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[ssh-conn] %s output callback panicked: %v", c.id, r)
		}
	}()
	handler(c.id, text)
}

// streamEnded marks the connection dead after a read error. Errors seen
// after a concurrent Disconnect cleared running are expected and not logged.
func (c *Connection) streamEnded(err error) {
	c.mu.Lock()
	wasRunning := c.running
	c.running = false
	c.connected = false
	c.mu.Unlock()

	if wasRunning {
		log.Printf("[ssh-conn] %s output stream ended: %s", c.id, logutil.SanitizeForLog(err.Error()))
	}
}

// Send forwards raw input bytes to the shell.
func (c *Connection) Send(p []byte) error {
	c.mu.Lock()
	shell, connected := c.shell, c.connected
	c.mu.Unlock()
	if !connected || shell == nil {
		return ErrNotConnected
	}

	n, err := shell.Write(p)
	c.bytesIn.Add(int64(n))
	if err != nil {
		log.Printf("[ssh-conn] %s send failed: %s", c.id, logutil.SanitizeForLog(err.Error()))
		return fmt.Errorf("send: %w", err)
	}
	return nil
}

// Resize requests a PTY geometry change.
func (c *Connection) Resize(cols, rows int) error {
	if cols <= 0 || rows <= 0 {
		return fmt.Errorf("invalid terminal size %dx%d", cols, rows)
	}

	c.mu.Lock()
	shell, connected := c.shell, c.connected
	c.mu.Unlock()
	if !connected || shell == nil {
		return ErrNotConnected
	}

	if err := shell.Resize(cols, rows); err != nil {
		log.Printf("[ssh-conn] %s resize to %dx%d failed: %s", c.id, cols, rows, logutil.SanitizeForLog(err.Error()))
		return fmt.Errorf("resize: %w", err)
	}
	return nil
}

// Disconnect stops the output goroutine and closes the transport. It is
// idempotent and safe to call concurrently and from any goroutine; after it
// returns the connection is inert.
func (c *Connection) Disconnect() {
	c.mu.Lock()
	c.closed = true
	c.running = false
	c.connected = false
	shell := c.shell
	c.shell = nil
	stop, done := c.stop, c.done
	c.stop, c.done = nil, nil
	c.mu.Unlock()

	if stop != nil {
		close(stop)
	}
	if done != nil {
		timer := time.NewTimer(c.opts.disconnectTimeout)
		select {
		case <-done:
		case <-timer.C:
			log.Printf("[ssh-conn] %s output goroutine did not stop within %s, closing transport anyway", c.id, c.opts.disconnectTimeout)
		}
		timer.Stop()
	}
	if shell == nil {
		return
	}
	if err := shell.Close(); err != nil {
		log.Printf("[ssh-conn] %s close: %s (ignored)", c.id, logutil.SanitizeForLog(err.Error()))
	}
	log.Printf("[ssh-conn] %s disconnected from %s (in %s, out %s)", c.id, c.describe(),
		units.HumanSize(float64(c.bytesIn.Load())), units.HumanSize(float64(c.bytesOut.Load())))
}

// Active reports whether the connection is connected and its transport
// still reports itself alive.
func (c *Connection) Active() bool {
	c.mu.Lock()
	shell, connected := c.shell, c.connected
	c.mu.Unlock()
	if !connected || shell == nil {
		return false
	}
	return shell.Active()
}

// Connected reports whether the connection is between a successful Connect
// and a disconnect or stream failure.
func (c *Connection) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Running reports whether the output goroutine is meant to keep polling.
func (c *Connection) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// Established reports whether Connect ever succeeded.
func (c *Connection) Established() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.established
}

// ConnectionInfo is a point-in-time view of a connection for listings.
type ConnectionInfo struct {
	ID        string    `json:"id"`
	Host      string    `json:"host"`
	Port      int       `json:"port"`
	Username  string    `json:"username"`
	Connected bool      `json:"connected"`
	CreatedAt time.Time `json:"created_at"`
	Uptime    string    `json:"uptime"`
	BytesIn   int64     `json:"bytes_in"`
	BytesOut  int64     `json:"bytes_out"`
}

// Info returns a snapshot of the connection's public state.
func (c *Connection) Info() ConnectionInfo {
	c.mu.Lock()
	connected := c.connected
	connectedAt := c.connectedAt
	c.mu.Unlock()

	info := ConnectionInfo{
		ID:        c.id,
		Host:      c.target.Host,
		Port:      c.target.Port,
		Username:  c.target.Username,
		Connected: connected,
		CreatedAt: c.createdAt.UTC(),
		BytesIn:   c.bytesIn.Load(),
		BytesOut:  c.bytesOut.Load(),
	}
	if connected && !connectedAt.IsZero() {
		info.Uptime = units.HumanDuration(time.Since(connectedAt))
	}
	return info
}

func (c *Connection) describe() string {
	return logutil.Target(c.target.Username, c.target.Host, c.target.Port)
}
