package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"slices"

	"github.com/coder/websocket"
	"github.com/gluk-w/claworc/webssh/internal/sshaudit"
	"github.com/google/uuid"
)

// maxClientMessageSize caps one inbound websocket message. It leaves room
// for the JSON envelope around a maximal terminal_input payload.
const maxClientMessageSize = 1024 * 1024

// TerminalOptions configures the websocket endpoint.
type TerminalOptions struct {
	// AllowedOrigins are Origin host patterns accepted on upgrade. Empty or
	// containing "*" disables the origin check.
	AllowedOrigins []string
	// Auditor, when set, records channel open and close.
	Auditor *sshaudit.Auditor
}

// TerminalGateway upgrades a request to a websocket client channel and runs
// its read loop until the client goes away.
//
// Every text message must be a JSON envelope {"event": ..., "data": {...}}.
// A malformed message is answered with an error event and the channel stays
// open.
func TerminalGateway(gw *Gateway, hub *Hub, opts TerminalOptions) http.HandlerFunc {
	acceptOpts := &websocket.AcceptOptions{}
	if len(opts.AllowedOrigins) == 0 || slices.Contains(opts.AllowedOrigins, "*") {
		acceptOpts.InsecureSkipVerify = true
	} else {
		acceptOpts.OriginPatterns = opts.AllowedOrigins
	}

	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, acceptOpts)
		if err != nil {
			log.Printf("[gateway] failed to accept websocket: %v", err)
			return
		}
		defer conn.CloseNow()
		conn.SetReadLimit(maxClientMessageSize)

		channelID := uuid.New().String()
		sourceIP := sshaudit.SourceIP(r)

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		hub.Register(ctx, channelID, conn)
		gw.OpenChannel(channelID)
		if opts.Auditor != nil {
			opts.Auditor.LogChannel(sshaudit.EventChannelOpened, channelID, sourceIP)
		}
		defer func() {
			cancel()
			hub.Unregister(channelID)
			gw.CloseChannel(channelID)
			if opts.Auditor != nil {
				opts.Auditor.LogChannel(sshaudit.EventChannelClosed, channelID, sourceIP)
			}
		}()

		for {
			msgType, data, err := conn.Read(ctx)
			if err != nil {
				if status := websocket.CloseStatus(err); status != websocket.StatusNormalClosure &&
					status != websocket.StatusGoingAway && !errors.Is(err, context.Canceled) {
					log.Printf("[gateway] channel %s read ended: %v", channelID, err)
				}
				return
			}
			if msgType != websocket.MessageText {
				gw.reject(channelID, "binary messages are not supported")
				continue
			}

			var msg Message
			if err := json.Unmarshal(data, &msg); err != nil || msg.Event == "" {
				gw.reject(channelID, "malformed message")
				continue
			}
			gw.Dispatch(ctx, channelID, msg)
		}
	}
}
