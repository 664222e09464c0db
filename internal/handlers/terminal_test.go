package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/gluk-w/claworc/webssh/internal/channels"
	"github.com/gluk-w/claworc/webssh/internal/database"
	"github.com/gluk-w/claworc/webssh/internal/sshaudit"
	"github.com/gluk-w/claworc/webssh/internal/sshmanager"
	"github.com/gluk-w/claworc/webssh/internal/sshmanager/sshmanagertest"
)

type testServer struct {
	srv      *httptest.Server
	registry *sshmanager.Registry
	table    *channels.Table
	dialer   *sshmanagertest.Dialer
	hub      *Hub
	auditor  *sshaudit.Auditor
}

func startTestServer(t *testing.T) *testServer {
	t.Helper()
	dialer := &sshmanagertest.Dialer{Reject: sshmanagertest.RejectPassword("wrong")}
	reg := sshmanager.NewRegistry(dialer, sshmanager.Options{
		DisconnectTimeout: 200 * time.Millisecond,
		PollInterval:      time.Millisecond,
	})
	table := channels.NewTable(reg)
	hub := NewHub()
	gw := NewGateway(reg, table, hub, GatewayOptions{})

	db, err := database.Open(filepath.Join(t.TempDir(), "webssh.db"))
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	auditor := sshaudit.NewAuditor(db, 30)
	reg.AddListener(auditor.Handle)

	srv := httptest.NewServer(NewRouter(RouterConfig{
		Gateway: gw,
		Hub:     hub,
		Auditor: auditor,
	}))
	t.Cleanup(func() {
		hub.CloseAll()
		srv.Close()
		reg.CloseAll()
		database.Close(db)
	})
	return &testServer{srv: srv, registry: reg, table: table, dialer: dialer, hub: hub, auditor: auditor}
}

type wireMessage struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

type wsClient struct {
	t    *testing.T
	conn *websocket.Conn
	ctx  context.Context
	id   string
}

func (ts *testServer) dial(t *testing.T) *wsClient {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)

	wsURL := "ws" + strings.TrimPrefix(ts.srv.URL, "http") + "/ws"
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("dial websocket: %v", err)
	}
	t.Cleanup(func() { conn.CloseNow() })

	c := &wsClient{t: t, conn: conn, ctx: ctx}
	ready := c.expect(EventChannelReady)
	var p channelReadyPayload
	json.Unmarshal(ready.Data, &p)
	if p.ChannelID == "" {
		t.Fatal("channel_ready without a channel ID")
	}
	c.id = p.ChannelID
	return c
}

func (c *wsClient) send(event string, data any) {
	c.t.Helper()
	if err := wsjson.Write(c.ctx, c.conn, map[string]any{"event": event, "data": data}); err != nil {
		c.t.Fatalf("send %s: %v", event, err)
	}
}

// expect reads until an event named event arrives, skipping terminal output.
func (c *wsClient) expect(event string) wireMessage {
	c.t.Helper()
	for {
		var msg wireMessage
		if err := wsjson.Read(c.ctx, c.conn, &msg); err != nil {
			c.t.Fatalf("waiting for %s: %v", event, err)
		}
		if msg.Event == event {
			return msg
		}
		if msg.Event == EventTerminalOutput && event != EventTerminalOutput {
			continue
		}
		c.t.Fatalf("got %s (%s) while waiting for %s", msg.Event, msg.Data, event)
	}
}

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timeout waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestTerminalGateway_EndToEnd(t *testing.T) {
	ts := startTestServer(t)
	c := ts.dial(t)

	c.send(EventCreateConnection, map[string]any{"host": "10.0.0.5", "port": 22, "username": "root", "password": "pw"})
	var created connectedPayload
	json.Unmarshal(c.expect(EventConnected).Data, &created)
	if !created.Success || created.ID == "" {
		t.Fatalf("connected = %+v", created)
	}

	ts.dialer.Last().Emit("Welcome\r\n$ ")
	var out terminalOutputPayload
	json.Unmarshal(c.expect(EventTerminalOutput).Data, &out)
	if out.ID != created.ID || out.Data != "Welcome\r\n$ " {
		t.Errorf("terminal_output = %+v", out)
	}

	c.send(EventTerminalInput, map[string]any{"data": "id\n"})
	c.expect(EventInputSent)
	if got := ts.dialer.Last().Written(); got != "id\n" {
		t.Errorf("shell received %q", got)
	}

	c.send(EventResizeTerminal, map[string]any{"cols": 100, "rows": 30})
	c.expect(EventResized)

	c.send(EventListConnections, nil)
	var list connectionsListPayload
	json.Unmarshal(c.expect(EventConnectionsList).Data, &list)
	if len(list.Connections) != 1 || list.Connections[0].ID != created.ID {
		t.Errorf("list = %+v", list)
	}

	c.send(EventDisconnectSSH, map[string]any{"ssh_id": created.ID})
	var disc sshDisconnectedPayload
	json.Unmarshal(c.expect(EventSSHDisconnected).Data, &disc)
	if !disc.Success {
		t.Errorf("ssh_disconnected = %+v", disc)
	}
	if ts.registry.Len() != 0 {
		t.Errorf("registry Len = %d", ts.registry.Len())
	}
}

func TestTerminalGateway_MalformedMessageKeepsChannelOpen(t *testing.T) {
	ts := startTestServer(t)
	c := ts.dial(t)

	if err := c.conn.Write(c.ctx, websocket.MessageText, []byte("{not json")); err != nil {
		t.Fatalf("write: %v", err)
	}
	c.expect(EventError)

	if err := c.conn.Write(c.ctx, websocket.MessageBinary, []byte{0x01, 0x02}); err != nil {
		t.Fatalf("write: %v", err)
	}
	c.expect(EventError)

	c.send(EventListConnections, nil)
	c.expect(EventConnectionsList)
}

func TestTerminalGateway_CloseRemovesOwnedBackend(t *testing.T) {
	ts := startTestServer(t)
	owner := ts.dial(t)
	viewer := ts.dial(t)

	owner.send(EventCreateConnection, map[string]any{"host": "10.0.0.5", "password": "pw"})
	var created connectedPayload
	json.Unmarshal(owner.expect(EventConnected).Data, &created)

	viewer.send(EventSwitchConnection, map[string]any{"ssh_id": created.ID})
	viewer.expect(EventSwitched)

	owner.conn.Close(websocket.StatusNormalClosure, "bye")

	var lost connectionLostPayload
	json.Unmarshal(viewer.expect(EventConnectionLost).Data, &lost)
	if lost.SSHID != created.ID {
		t.Errorf("connection_lost = %+v", lost)
	}
	waitUntil(t, "owner channel teardown", func() bool { return ts.table.Len() == 1 && ts.hub.Len() == 1 })

	viewer.send(EventTerminalInput, map[string]any{"data": "ls\n"})
	viewer.expect(EventError)
}

func TestTerminalGateway_AuditsChannelsAndConnections(t *testing.T) {
	ts := startTestServer(t)
	c := ts.dial(t)

	c.send(EventCreateConnection, map[string]any{"host": "10.0.0.5", "password": "wrong"})
	c.expect(EventConnected)
	c.conn.Close(websocket.StatusNormalClosure, "")

	waitUntil(t, "channel_closed audit row", func() bool {
		res, err := ts.auditor.Query(sshaudit.QueryOptions{ChannelID: c.id, EventType: sshaudit.EventChannelClosed})
		return err == nil && res.Total == 1
	})

	res, err := ts.auditor.Query(sshaudit.QueryOptions{EventType: sshaudit.EventConnectionFailed})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if res.Total != 1 || res.Entries[0].ChannelID != c.id {
		t.Errorf("connection_failed rows = %+v", res.Entries)
	}

	res, _ = ts.auditor.Query(sshaudit.QueryOptions{ChannelID: c.id, EventType: sshaudit.EventChannelOpened})
	if res.Total != 1 || res.Entries[0].SourceIP != "127.0.0.1" {
		t.Errorf("channel_opened rows = %+v", res.Entries)
	}
}

// --- REST ---

func getJSON(t *testing.T, url string, v any) int {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	if v != nil {
		if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
			t.Fatalf("decode %s: %v", url, err)
		}
	}
	return resp.StatusCode
}

func doDelete(t *testing.T, url string) int {
	t.Helper()
	req, _ := http.NewRequest(http.MethodDelete, url, nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("DELETE %s: %v", url, err)
	}
	resp.Body.Close()
	return resp.StatusCode
}

func TestREST_HealthAndConnections(t *testing.T) {
	ts := startTestServer(t)
	c := ts.dial(t)
	c.send(EventCreateConnection, map[string]any{"host": "10.0.0.5", "password": "pw"})
	var created connectedPayload
	json.Unmarshal(c.expect(EventConnected).Data, &created)

	var health map[string]any
	if code := getJSON(t, ts.srv.URL+"/health", &health); code != http.StatusOK {
		t.Fatalf("health status = %d", code)
	}
	if health["connections"] != float64(1) || health["channels"] != float64(1) {
		t.Errorf("health = %+v", health)
	}

	var list connectionsListPayload
	getJSON(t, ts.srv.URL+"/api/v1/connections", &list)
	if len(list.Connections) != 1 || list.Connections[0].ID != created.ID || list.Connections[0].Uptime == "" {
		t.Errorf("connections = %+v", list)
	}

	if code := doDelete(t, ts.srv.URL+"/api/v1/connections/"+created.ID); code != http.StatusNoContent {
		t.Errorf("DELETE status = %d, want 204", code)
	}
	var lost connectionLostPayload
	json.Unmarshal(c.expect(EventConnectionLost).Data, &lost)
	if lost.SSHID != created.ID {
		t.Errorf("connection_lost = %+v", lost)
	}
	if code := doDelete(t, ts.srv.URL+"/api/v1/connections/"+created.ID); code != http.StatusNotFound {
		t.Errorf("second DELETE status = %d, want 404", code)
	}
}

func TestREST_AuditLogs(t *testing.T) {
	ts := startTestServer(t)
	ts.auditor.Log(sshaudit.Entry{EventType: sshaudit.EventConnectionEstablished, ConnectionID: "abc"})
	ts.auditor.Log(sshaudit.Entry{EventType: sshaudit.EventConnectionRemoved, ConnectionID: "abc"})
	ts.auditor.Log(sshaudit.Entry{EventType: sshaudit.EventConnectionEstablished, ConnectionID: "def"})

	var res sshaudit.QueryResult
	if code := getJSON(t, ts.srv.URL+"/api/v1/audit?connection_id=abc&limit=10", &res); code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	if res.Total != 2 || res.Limit != 10 {
		t.Errorf("result = %+v", res)
	}

	tests := []struct {
		query string
		code  int
	}{
		{"since=yesterday", http.StatusBadRequest},
		{"until=2026-13-01", http.StatusBadRequest},
		{"limit=abc", http.StatusBadRequest},
		{"offset=-1", http.StatusBadRequest},
		{"since=2020-01-01T00:00:00Z", http.StatusOK},
	}
	for _, tt := range tests {
		if code := getJSON(t, ts.srv.URL+"/api/v1/audit?"+tt.query, nil); code != tt.code {
			t.Errorf("%s: status = %d, want %d", tt.query, code, tt.code)
		}
	}
}

func TestREST_AuditDisabled(t *testing.T) {
	rec := httptest.NewRecorder()
	AuditLogs(nil)(rec, httptest.NewRequest(http.MethodGet, "/api/v1/audit", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", rec.Code)
	}
}

func TestREST_ServerLogsDisabled(t *testing.T) {
	ts := startTestServer(t)
	var body map[string]string
	if code := getJSON(t, ts.srv.URL+"/api/v1/server-logs?lines=5", &body); code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	if body["logs"] != "" {
		t.Errorf("logs = %q, want empty with file logging disabled", body["logs"])
	}
}
