package handlers

import (
	"context"
	"errors"
	"fmt"
	"log"
	"slices"
	"sync"

	"github.com/gluk-w/claworc/webssh/internal/channels"
	"github.com/gluk-w/claworc/webssh/internal/logutil"
	"github.com/gluk-w/claworc/webssh/internal/sshmanager"
	"github.com/gluk-w/claworc/webssh/internal/sshterminal"
	"golang.org/x/time/rate"
)

// Defaults applied to create_connection requests that omit a field.
const (
	defaultHost     = "localhost"
	defaultUsername = "root"
)

// Reasons carried by connection_lost notices.
const (
	lostEvicted     = "liveness check failed"
	lostOwnerClosed = "owning channel closed"
	lostRemoved     = "connection removed"
)

// Emitter delivers an event to one client channel.
type Emitter interface {
	Emit(channelID, event string, payload any) error
}

// GatewayOptions tunes per-channel input limits. Zero values select the
// defaults.
type GatewayOptions struct {
	InputRateLimit int
	InputRateBurst int
}

// Gateway translates client channel events into registry and channel table
// operations. Every inbound event is answered with exactly one
// acknowledgement on the same channel.
type Gateway struct {
	registry *sshmanager.Registry
	table    *channels.Table
	emitter  Emitter
	opts     GatewayOptions

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewGateway wires a gateway over reg and table, emitting through emitter.
func NewGateway(reg *sshmanager.Registry, table *channels.Table, emitter Emitter, opts GatewayOptions) *Gateway {
	if opts.InputRateLimit <= 0 {
		opts.InputRateLimit = defaultRateLimit
	}
	if opts.InputRateBurst <= 0 {
		opts.InputRateBurst = defaultRateBurst
	}
	return &Gateway{
		registry: reg,
		table:    table,
		emitter:  emitter,
		opts:     opts,
		limiters: make(map[string]*rate.Limiter),
	}
}

// OpenChannel registers a client channel and greets it.
func (g *Gateway) OpenChannel(channelID string) {
	g.table.Open(channelID)
	g.mu.Lock()
	g.limiters[channelID] = newInputLimiter(g.opts.InputRateLimit, g.opts.InputRateBurst)
	g.mu.Unlock()

	log.Printf("[gateway] channel %s opened", logutil.SanitizeForLog(channelID))
	g.emit(channelID, EventChannelReady, channelReadyPayload{
		ChannelID: channelID,
		Message:   "channel ready",
	})
}

// CloseChannel forgets a client channel and removes the backend it was
// driving along with every backend it created. Other channels that had
// switched onto one of those backends lose it and are told so.
func (g *Gateway) CloseChannel(channelID string) {
	g.mu.Lock()
	delete(g.limiters, channelID)
	g.mu.Unlock()

	backendID, ok := g.table.Close(channelID)
	log.Printf("[gateway] channel %s closed", logutil.SanitizeForLog(channelID))

	release := g.registry.OwnedBy(channelID)
	if ok && !slices.Contains(release, backendID) {
		release = append(release, backendID)
	}
	for _, id := range release {
		g.registry.Remove(id)
		g.notifyLost(g.table.ClearBackend(id), id, lostOwnerClosed, "")
	}
}

// HandleEvicted clears swept connections from every channel that was
// driving them. It is the sweeper's onEvicted hook.
func (g *Gateway) HandleEvicted(ids []string) {
	for _, id := range ids {
		g.notifyLost(g.table.ClearBackend(id), id, lostEvicted, "")
	}
}

// RemoveConnection removes a connection on behalf of a non-channel caller
// (the REST API) and reports whether it existed.
func (g *Gateway) RemoveConnection(id string) bool {
	removed := g.registry.Remove(id)
	g.notifyLost(g.table.ClearBackend(id), id, lostRemoved, "")
	return removed
}

func (g *Gateway) notifyLost(channelIDs []string, backendID, reason, except string) {
	for _, ch := range channelIDs {
		if ch == except {
			continue
		}
		g.emit(ch, EventConnectionLost, connectionLostPayload{SSHID: backendID, Reason: reason})
	}
}

// Dispatch handles one inbound event. Faults inside a handler are reported
// to the client as a generic error acknowledgement unless the handler had
// already acknowledged the event.
func (g *Gateway) Dispatch(ctx context.Context, channelID string, msg Message) {
	r := &reply{g: g, channelID: channelID, event: msg.Event}
	defer func() {
		if rec := recover(); rec != nil {
			log.Printf("[gateway] panic handling %s on channel %s: %v",
				logutil.SanitizeForLog(msg.Event), logutil.SanitizeForLog(channelID), rec)
			if !r.sent {
				r.fail("internal error")
			}
		}
	}()

	if !g.table.Exists(channelID) {
		r.fail(channels.ErrUnknownChannel.Error())
		return
	}

	switch msg.Event {
	case EventCreateConnection:
		g.createConnection(ctx, r, msg)
	case EventSwitchConnection:
		g.switchConnection(r, msg)
	case EventTerminalInput:
		g.terminalInput(r, msg)
	case EventResizeTerminal:
		g.resizeTerminal(r, msg)
	case EventListConnections:
		r.send(EventConnectionsList, connectionsListPayload{Connections: g.registry.Snapshot()})
	case EventDisconnectSSH:
		g.disconnectSSH(r, msg)
	default:
		r.fail(fmt.Sprintf("unknown event %q", logutil.Truncate(msg.Event, 64)))
	}
}

func (g *Gateway) createConnection(ctx context.Context, r *reply, msg Message) {
	channelID := r.channelID
	var req createConnectionRequest
	if err := decodeData(msg, &req); err != nil {
		g.connectFailed(r, "", err)
		return
	}
	target := req.target()

	c, err := g.registry.Create(target)
	if err != nil {
		g.connectFailed(r, "", err)
		return
	}
	c.SetOwner(channelID)
	if err := c.OnOutput(func(id, data string) {
		g.emit(channelID, EventTerminalOutput, terminalOutputPayload{ID: id, Data: data})
	}); err != nil {
		g.registry.Remove(c.ID())
		g.connectFailed(r, "", err)
		return
	}

	log.Printf("[gateway] channel %s connecting to %s", logutil.SanitizeForLog(channelID),
		logutil.Target(target.Username, target.Host, target.Port))
	if err := g.registry.Connect(ctx, c); err != nil {
		g.connectFailed(r, target.Address(), err)
		return
	}

	if !g.table.Exists(channelID) {
		// The channel went away while the dial was in flight.
		g.registry.Remove(c.ID())
		return
	}
	if err := g.table.Attach(channelID, c.ID()); err != nil {
		g.connectFailed(r, target.Address(), err)
		return
	}

	r.send(EventConnected, connectedPayload{
		Success: true,
		ID:      c.ID(),
		Message: fmt.Sprintf("Connected to %s@%s", target.Username, target.Address()),
	})
}

func (g *Gateway) connectFailed(r *reply, address string, err error) {
	message := "Connection failed"
	if address != "" {
		message = "Connection to " + address + " failed"
	}
	r.send(EventConnected, connectedPayload{
		Success: false,
		Message: message,
		Error:   err.Error(),
	})
}

// target applies the request defaults. Key material wins over a password.
func (r createConnectionRequest) target() sshterminal.Target {
	t := sshterminal.Target{
		Host:     r.Host,
		Port:     int(r.Port),
		Username: r.Username,
	}
	if t.Host == "" {
		t.Host = defaultHost
	}
	if t.Port == 0 {
		t.Port = sshterminal.DefaultPort
	}
	if t.Username == "" {
		t.Username = defaultUsername
	}
	if r.PrivateKey != "" {
		t.PrivateKey = r.PrivateKey
		t.Passphrase = r.Passphrase
	} else {
		t.Password = r.Password
	}
	return t
}

func (g *Gateway) switchConnection(r *reply, msg Message) {
	channelID := r.channelID
	var req sshIDRequest
	if err := decodeData(msg, &req); err != nil {
		r.fail(err.Error())
		return
	}
	if req.SSHID == "" {
		r.fail("ssh_id is required")
		return
	}
	if err := g.table.Attach(channelID, req.SSHID); err != nil {
		r.fail("connection not found")
		return
	}
	r.send(EventSwitched, switchedPayload{
		Success: true,
		SSHID:   req.SSHID,
		Message: "switched to " + req.SSHID,
	})
}

// currentConnection resolves the channel's current backend.
func (g *Gateway) currentConnection(channelID string) (*sshmanager.Connection, bool) {
	id, ok := g.table.Current(channelID)
	if !ok {
		return nil, false
	}
	return g.registry.Get(id)
}

func (g *Gateway) allowInput(channelID string) bool {
	g.mu.Lock()
	limiter := g.limiters[channelID]
	g.mu.Unlock()
	return limiter == nil || limiter.Allow()
}

func (g *Gateway) terminalInput(r *reply, msg Message) {
	channelID := r.channelID
	if !g.allowInput(channelID) {
		r.fail("input rate limit exceeded")
		return
	}
	var req terminalInputRequest
	if err := decodeData(msg, &req); err != nil {
		r.fail(err.Error())
		return
	}
	if len(req.Data) > sshterminal.MaxInputMessageSize {
		log.Printf("[gateway] channel %s input too large: size=%d limit=%d",
			logutil.SanitizeForLog(channelID), len(req.Data), sshterminal.MaxInputMessageSize)
		r.fail(fmt.Sprintf("input exceeds %d bytes", sshterminal.MaxInputMessageSize))
		return
	}

	c, ok := g.currentConnection(channelID)
	if !ok {
		r.fail("no active SSH connection")
		return
	}
	if req.Data != "" {
		if err := c.Send([]byte(req.Data)); err != nil {
			r.fail(sendError(err))
			return
		}
	}
	r.send(EventInputSent, inputSentPayload{SSHID: c.ID(), Bytes: len(req.Data)})
}

func (g *Gateway) resizeTerminal(r *reply, msg Message) {
	channelID := r.channelID
	if !g.allowInput(channelID) {
		r.fail("input rate limit exceeded")
		return
	}
	var req resizeRequest
	if err := decodeData(msg, &req); err != nil {
		r.fail(err.Error())
		return
	}
	cols, rows := int(req.Cols), int(req.Rows)
	if cols <= 0 || rows <= 0 {
		r.fail(fmt.Sprintf("invalid terminal size %dx%d", cols, rows))
		return
	}
	cols = min(cols, sshterminal.MaxResizeCols)
	rows = min(rows, sshterminal.MaxResizeRows)

	c, ok := g.currentConnection(channelID)
	if !ok {
		r.fail("no active SSH connection")
		return
	}
	if err := c.Resize(cols, rows); err != nil {
		r.fail(sendError(err))
		return
	}
	r.send(EventResized, resizedPayload{SSHID: c.ID(), Cols: cols, Rows: rows})
}

func (g *Gateway) disconnectSSH(r *reply, msg Message) {
	channelID := r.channelID
	var req sshIDRequest
	if err := decodeData(msg, &req); err != nil {
		r.fail(err.Error())
		return
	}
	if req.SSHID == "" {
		r.fail("ssh_id is required")
		return
	}

	removed := g.registry.Remove(req.SSHID)
	g.notifyLost(g.table.ClearBackend(req.SSHID), req.SSHID, lostRemoved, channelID)

	message := "connection closed"
	if !removed {
		message = "connection not found"
	}
	r.send(EventSSHDisconnected, sshDisconnectedPayload{
		Success: removed,
		SSHID:   req.SSHID,
		Message: message,
	})
}

func sendError(err error) string {
	if errors.Is(err, sshmanager.ErrNotConnected) {
		return "SSH connection is not connected"
	}
	return err.Error()
}

// reply is the acknowledgement slot for one inbound event.
type reply struct {
	g         *Gateway
	channelID string
	event     string
	sent      bool
}

// send marks the event acknowledged before handing the payload to the
// emitter.
func (r *reply) send(event string, payload any) {
	r.sent = true
	r.g.emit(r.channelID, event, payload)
}

func (r *reply) fail(message string) {
	r.send(EventError, errorPayload{Event: r.event, Message: message})
}

// reject acknowledges an inbound frame that could not be decoded into a
// Message.
func (g *Gateway) reject(channelID, message string) {
	(&reply{g: g, channelID: channelID}).fail(message)
}

// emit sends an event, logging delivery failures. A channel that is gone is
// not an error worth more than a log line.
func (g *Gateway) emit(channelID, event string, payload any) {
	if err := g.emitter.Emit(channelID, event, payload); err != nil && !errors.Is(err, channels.ErrUnknownChannel) {
		log.Printf("[gateway] emit %s to channel %s failed: %v", event, logutil.SanitizeForLog(channelID), err)
	}
}
