package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"

	"github.com/wirepulse/wirepulse/internal/http/router"
	"github.com/wirepulse/wirepulse/internal/protocol"
	"github.com/wirepulse/wirepulse/internal/security"
	"github.com/wirepulse/wirepulse/internal/service"
	"github.com/wirepulse/wirepulse/internal/sqlexec"
	"github.com/wirepulse/wirepulse/internal/ws"
)

type serverEnvelope struct {
	Kind string          `json:"kind"`
	ID   string          `json:"id"`
	Data json.RawMessage `json:"data"`
}

func newSocketServer(t *testing.T) *httptest.Server {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	store, err := sqlexec.Open("sqlite", dsn)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	ddl := "CREATE TABLE items (id INTEGER PRIMARY KEY, bucket TEXT, payload TEXT)"
	if _, err := store.Query(context.Background(), "", "", ddl, nil); err != nil {
		t.Fatalf("create table: %v", err)
	}

	box, err := security.NewAEADTokenBox(bytes.Repeat([]byte{0x17}, 32))
	if err != nil {
		t.Fatalf("token box: %v", err)
	}
	recon := service.NewReconnector(box, time.Minute, clockwork.NewRealClock())

	registry, err := service.NewRegistry(service.RegistryOptions{
		Executor:    store.Query,
		Recon:       recon,
		DeleteDelay: time.Minute,
		Logger:      logger,
	})
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	t.Cleanup(registry.Shutdown)

	srv := httptest.NewServer(router.New(router.Dependencies{
		Socket: ws.NewHandler(registry, logger),
		Logger: logger,
	}))
	t.Cleanup(srv.Close)
	return srv
}

type socketClient struct {
	t    *testing.T
	conn *websocket.Conn
}

func dialSocket(t *testing.T, srv *httptest.Server) *socketClient {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", wsURL, err)
	}
	t.Cleanup(func() { conn.Close() })
	return &socketClient{t: t, conn: conn}
}

func (c *socketClient) send(kind, id string, data any) {
	c.t.Helper()
	msg := protocol.ClientMessage{Kind: kind, ID: id}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			c.t.Fatalf("marshal %s payload: %v", kind, err)
		}
		msg.Data = raw
	}
	if err := c.conn.WriteJSON(msg); err != nil {
		c.t.Fatalf("write %s: %v", kind, err)
	}
}

// expect reads the next server message and fails unless it has the
// given kind. An ERR is reported with its code to ease debugging.
func (c *socketClient) expect(kind string) serverEnvelope {
	c.t.Helper()
	c.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var env serverEnvelope
	if err := c.conn.ReadJSON(&env); err != nil {
		c.t.Fatalf("read waiting for %s: %v", kind, err)
	}
	if env.Kind != kind {
		if env.Kind == protocol.KindErr {
			var ed protocol.ErrorData
			json.Unmarshal(env.Data, &ed)
			c.t.Fatalf("expected %s, got ERR %s: %s", kind, ed.Code, ed.Message)
		}
		c.t.Fatalf("expected %s, got %s", kind, env.Kind)
	}
	return env
}

func (c *socketClient) sessionID() string {
	c.t.Helper()
	var con protocol.ConData
	env := c.expect(protocol.KindCon)
	if err := json.Unmarshal(env.Data, &con); err != nil {
		c.t.Fatalf("decode CON: %v", err)
	}
	if con.SessionID == "" {
		c.t.Fatal("CON carried no session id")
	}
	return con.SessionID
}

func TestSubscribeThenWriteFansOutOverTheWire(t *testing.T) {
	srv := newSocketServer(t)

	watcher := dialSocket(t, srv)
	watcher.sessionID()
	writer := dialSocket(t, srv)
	writer.sessionID()

	watcher.send(protocol.KindSub, "s1", protocol.SubRequest{
		SubID:  "items-all",
		SQL:    "SELECT bucket, payload FROM items",
		Params: nil,
	})
	res := watcher.expect(protocol.KindRes)
	var resData protocol.ResData
	if err := json.Unmarshal(res.Data, &resData); err != nil {
		t.Fatalf("decode RES: %v", err)
	}
	if resData.Status != "ok" || resData.SubID != "items-all" {
		t.Fatalf("unexpected subscribe answer %+v", resData)
	}

	writer.send(protocol.KindSQL, "w1", protocol.SQLRequest{
		SQL:    "INSERT INTO items (bucket, payload) VALUES (?, ?)",
		Params: []any{"alpha", "hello"},
	})
	writer.expect(protocol.KindRes)

	upd := watcher.expect(protocol.KindUpd)
	var updData protocol.UpdData
	if err := json.Unmarshal(upd.Data, &updData); err != nil {
		t.Fatalf("decode UPD: %v", err)
	}
	if updData.SubID != "items-all" || updData.Status != "ok" {
		t.Fatalf("unexpected invalidation %+v", updData)
	}
	rows, ok := updData.Result.([]any)
	if !ok || len(rows) != 1 {
		t.Fatalf("expected one refreshed row, got %#v", updData.Result)
	}
	row := rows[0].(map[string]any)
	if row["bucket"] != "alpha" || row["payload"] != "hello" {
		t.Fatalf("unexpected row %v", row)
	}
}

func TestUnrelatedTableWriteDoesNotWakeSubscriber(t *testing.T) {
	srv := newSocketServer(t)

	watcher := dialSocket(t, srv)
	watcher.sessionID()
	writer := dialSocket(t, srv)
	writer.sessionID()

	watcher.send(protocol.KindSub, "s1", protocol.SubRequest{
		SubID: "items-all",
		SQL:   "SELECT * FROM items",
	})
	watcher.expect(protocol.KindRes)

	writer.send(protocol.KindSQL, "w1", protocol.SQLRequest{
		SQL: "CREATE TABLE other (id INTEGER PRIMARY KEY)",
	})
	writer.expect(protocol.KindRes)
	writer.send(protocol.KindSQL, "w2", protocol.SQLRequest{
		SQL: "INSERT INTO other DEFAULT VALUES",
	})
	writer.expect(protocol.KindRes)

	// A PING round trip on the watcher proves nothing was queued ahead
	// of the PONG by the unrelated write.
	watcher.send(protocol.KindPing, "p1", nil)
	watcher.expect(protocol.KindPong)
}

func TestReconnectTokenRestoresSessionOverTheWire(t *testing.T) {
	srv := newSocketServer(t)

	first := dialSocket(t, srv)
	firstID := first.sessionID()

	first.send(protocol.KindRecon, "r1", protocol.ReconRequest{Issue: true})
	env := first.expect(protocol.KindRecon)
	var issued protocol.ReconData
	if err := json.Unmarshal(env.Data, &issued); err != nil {
		t.Fatalf("decode RECON: %v", err)
	}
	if issued.Token == "" {
		t.Fatal("expected a reconnection token")
	}
	first.conn.Close()

	second := dialSocket(t, srv)
	secondID := second.sessionID()
	if secondID == firstID {
		t.Fatal("fresh connection reused the old session id")
	}

	second.send(protocol.KindRecon, "r2", protocol.ReconRequest{Token: issued.Token})
	env = second.expect(protocol.KindRecon)
	var restored protocol.ReconData
	if err := json.Unmarshal(env.Data, &restored); err != nil {
		t.Fatalf("decode RECON: %v", err)
	}
	if restored.OldSessionID != firstID {
		t.Fatalf("expected old session %s, got %+v", firstID, restored)
	}
	if restored.NewSessionID != secondID {
		t.Fatalf("expected new session %s, got %+v", secondID, restored)
	}

	// Tokens are single use: a second redemption must be rejected even
	// from the same address.
	third := dialSocket(t, srv)
	third.sessionID()
	third.send(protocol.KindRecon, "r3", protocol.ReconRequest{Token: issued.Token})
	errEnv := third.expect(protocol.KindErr)
	var ed protocol.ErrorData
	if err := json.Unmarshal(errEnv.Data, &ed); err != nil {
		t.Fatalf("decode ERR: %v", err)
	}
	if ed.Code != protocol.ErrReconInvalid {
		t.Fatalf("expected %s, got %s", protocol.ErrReconInvalid, ed.Code)
	}
}

func TestPropRegistrationFansOutToOtherSessions(t *testing.T) {
	srv := newSocketServer(t)

	owner := dialSocket(t, srv)
	owner.sessionID()
	observer := dialSocket(t, srv)
	observer.sessionID()

	owner.send(protocol.KindPropReg, "pr1", protocol.PropRegRequest{
		Key:   "cursor",
		Value: map[string]any{"x": 1, "y": 2},
	})
	env := owner.expect(protocol.KindRes)
	var reg struct {
		Status string                 `json:"status"`
		Result protocol.PropValueData `json:"result"`
	}
	if err := json.Unmarshal(env.Data, &reg); err != nil {
		t.Fatalf("decode register answer: %v", err)
	}
	if reg.Status != "ok" || reg.Result.Key != "cursor" {
		t.Fatalf("unexpected register answer %+v", reg)
	}

	observer.send(protocol.KindPropSub, "ps1", protocol.PropSubRequest{Key: "cursor"})
	observer.expect(protocol.KindRes)

	owner.send(protocol.KindPropSet, "st1", protocol.PropSetRequest{
		Key:   "cursor",
		Value: map[string]any{"x": 5, "y": 2},
	})
	owner.expect(protocol.KindRes)

	upd := observer.expect(protocol.KindPropUpd)
	var pu protocol.PropUpdData
	if err := json.Unmarshal(upd.Data, &pu); err != nil {
		t.Fatalf("decode PROP_UPD: %v", err)
	}
	if pu.Key != "cursor" {
		t.Fatalf("unexpected prop update %+v", pu)
	}
	val, ok := pu.Value.(map[string]any)
	if !ok || val["x"] != float64(5) {
		t.Fatalf("unexpected prop value %#v", pu.Value)
	}
}
