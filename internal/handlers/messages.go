package handlers

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/gluk-w/claworc/webssh/internal/sshmanager"
)

// Inbound client events.
const (
	EventCreateConnection = "create_connection"
	EventSwitchConnection = "switch_connection"
	EventTerminalInput    = "terminal_input"
	EventResizeTerminal   = "resize_terminal"
	EventListConnections  = "list_connections"
	EventDisconnectSSH    = "disconnect_ssh"
)

// Outbound events.
const (
	EventChannelReady    = "channel_ready"
	EventConnected       = "connected"
	EventSwitched        = "switched"
	EventInputSent       = "input_sent"
	EventResized         = "resized"
	EventConnectionsList = "connections_list"
	EventSSHDisconnected = "ssh_disconnected"
	EventTerminalOutput  = "terminal_output"
	EventConnectionLost  = "connection_lost"
	EventError           = "error"
)

// Message is the envelope of every client channel message.
type Message struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// outboundMessage is the envelope written to clients.
type outboundMessage struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

// flexInt accepts a JSON number or a numeric string.
type flexInt int

func (f *flexInt) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		if s == "" {
			*f = 0
			return nil
		}
		n, err := strconv.Atoi(s)
		if err != nil {
			return fmt.Errorf("invalid integer %q", s)
		}
		*f = flexInt(n)
		return nil
	}
	var n int
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*f = flexInt(n)
	return nil
}

type createConnectionRequest struct {
	Host       string  `json:"host"`
	Port       flexInt `json:"port"`
	Username   string  `json:"username"`
	Password   string  `json:"password"`
	PrivateKey string  `json:"private_key"`
	Passphrase string  `json:"passphrase"`
}

type sshIDRequest struct {
	SSHID string `json:"ssh_id"`
}

type terminalInputRequest struct {
	Data string `json:"data"`
}

type resizeRequest struct {
	Cols flexInt `json:"cols"`
	Rows flexInt `json:"rows"`
}

type channelReadyPayload struct {
	ChannelID string `json:"channel_id"`
	Message   string `json:"message"`
}

type connectedPayload struct {
	Success bool   `json:"success"`
	ID      string `json:"id,omitempty"`
	Message string `json:"message"`
	Error   string `json:"error,omitempty"`
}

type switchedPayload struct {
	Success bool   `json:"success"`
	SSHID   string `json:"ssh_id"`
	Message string `json:"message"`
}

type inputSentPayload struct {
	SSHID string `json:"ssh_id"`
	Bytes int    `json:"bytes"`
}

type resizedPayload struct {
	SSHID string `json:"ssh_id"`
	Cols  int    `json:"cols"`
	Rows  int    `json:"rows"`
}

type connectionsListPayload struct {
	Connections []sshmanager.ConnectionInfo `json:"connections"`
}

type sshDisconnectedPayload struct {
	Success bool   `json:"success"`
	SSHID   string `json:"ssh_id"`
	Message string `json:"message"`
}

type terminalOutputPayload struct {
	ID   string `json:"id"`
	Data string `json:"data"`
}

type connectionLostPayload struct {
	SSHID  string `json:"ssh_id"`
	Reason string `json:"reason"`
}

type errorPayload struct {
	Event   string `json:"event,omitempty"`
	Message string `json:"message"`
}

// decodeData unmarshals a message's data into v. Missing data leaves v zero.
func decodeData(msg Message, v any) error {
	if len(msg.Data) == 0 || bytes.Equal(bytes.TrimSpace(msg.Data), []byte("null")) {
		return nil
	}
	if err := json.Unmarshal(msg.Data, v); err != nil {
		return fmt.Errorf("invalid %s payload: %w", msg.Event, err)
	}
	return nil
}
