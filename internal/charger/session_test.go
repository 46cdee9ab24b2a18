package charger

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/smartenergycontrol-be/ocpp-proxy/internal/ocpp"
)

// wsPair upgrades one connection through an httptest server and returns
// both ends.
func wsPair(t *testing.T) (server *websocket.Conn, client *websocket.Conn) {
	t.Helper()
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	accepted := make(chan *websocket.Conn, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		accepted <- conn
	}))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	client, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	t.Cleanup(func() { _ = client.Close() })

	select {
	case server = <-accepted:
	case <-time.After(time.Second):
		t.Fatalf("no connection accepted")
	}
	return server, client
}

func startSession(t *testing.T, version ocpp.Version) (*Session, *websocket.Conn) {
	t.Helper()
	serverConn, clientConn := wsPair(t)
	session := NewSession("cp-1", version, serverConn, zap.NewNop())
	go session.Run(context.Background())
	t.Cleanup(session.Close)
	return session, clientConn
}

func readFrame(t *testing.T, conn *websocket.Conn) []json.RawMessage {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	var array []json.RawMessage
	if err := json.Unmarshal(data, &array); err != nil {
		t.Fatalf("frame not an array: %s", data)
	}
	return array
}

func TestChargerCallAnsweredAndEventPublished(t *testing.T) {
	session, charger := startSession(t, ocpp.V16)

	payload := `[2,"1","StatusNotification",{"connectorId":1,"errorCode":"NoError","status":"Charging"}]`
	if err := charger.WriteMessage(websocket.TextMessage, []byte(payload)); err != nil {
		t.Fatalf("write: %v", err)
	}

	array := readFrame(t, charger)
	if string(array[0]) != "3" || string(array[1]) != `"1"` {
		t.Fatalf("expected CallResult for id 1, got %v", array)
	}

	select {
	case ev := <-session.Events():
		if ev.Type != ocpp.EventStatusChanged || ev.Status != ocpp.StatusCharging {
			t.Fatalf("unexpected event %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatalf("no event published")
	}

	if session.Snapshot().Status != ocpp.StatusCharging {
		t.Fatalf("snapshot not updated")
	}
}

func TestChargerEventsPreserveOrder(t *testing.T) {
	session, charger := startSession(t, ocpp.V16)

	frames := []string{
		`[2,"1","Heartbeat",{}]`,
		`[2,"2","StatusNotification",{"connectorId":1,"errorCode":"NoError","status":"Preparing"}]`,
		`[2,"3","StatusNotification",{"connectorId":1,"errorCode":"NoError","status":"Charging"}]`,
	}
	for _, frame := range frames {
		if err := charger.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
			t.Fatalf("write: %v", err)
		}
		readFrame(t, charger)
	}

	want := []ocpp.EventType{ocpp.EventHeartbeat, ocpp.EventStatusChanged, ocpp.EventStatusChanged}
	for i, wantType := range want {
		select {
		case ev := <-session.Events():
			if ev.Type != wantType {
				t.Fatalf("event %d: expected %s, got %s", i, wantType, ev.Type)
			}
		case <-time.After(time.Second):
			t.Fatalf("event %d missing", i)
		}
	}
}

func TestCallCompletesWithChargerResult(t *testing.T) {
	session, charger := startSession(t, ocpp.V16)

	// Answer the proxy's call from the charger side.
	go func() {
		_ = charger.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, data, err := charger.ReadMessage()
		if err != nil {
			return
		}
		var array []json.RawMessage
		if json.Unmarshal(data, &array) != nil || len(array) < 4 {
			return
		}
		var id string
		_ = json.Unmarshal(array[1], &id)
		reply := `[3,"` + id + `",{"status":"Accepted"}]`
		_ = charger.WriteMessage(websocket.TextMessage, []byte(reply))
	}()

	payload, err := session.Call(context.Background(), ocpp.Command{
		Type:        ocpp.CommandRemoteStart,
		IDTag:       "ABC",
		ConnectorID: 1,
	})
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if !strings.Contains(string(payload), "Accepted") {
		t.Fatalf("unexpected payload %s", payload)
	}
}

func TestCallCompletesWithCallError(t *testing.T) {
	session, charger := startSession(t, ocpp.V16)

	go func() {
		_ = charger.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, data, err := charger.ReadMessage()
		if err != nil {
			return
		}
		var array []json.RawMessage
		if json.Unmarshal(data, &array) != nil || len(array) < 4 {
			return
		}
		var id string
		_ = json.Unmarshal(array[1], &id)
		reply := `[4,"` + id + `","NotImplemented","unsupported",{}]`
		_ = charger.WriteMessage(websocket.TextMessage, []byte(reply))
	}()

	_, err := session.Call(context.Background(), ocpp.Command{Type: ocpp.CommandReset})
	if ocpp.CodeOf(err) != ocpp.CodeNotImplemented {
		t.Fatalf("expected NotImplemented from charger, got %v", err)
	}
}

func TestPendingCallsCompleteOnConnectionLoss(t *testing.T) {
	session, charger := startSession(t, ocpp.V16)

	result := make(chan error, 1)
	go func() {
		_, err := session.Call(context.Background(), ocpp.Command{Type: ocpp.CommandReset})
		result <- err
	}()

	// Give the call a moment to enter the pending table, then cut the
	// connection without answering.
	time.Sleep(50 * time.Millisecond)
	_ = charger.Close()

	select {
	case err := <-result:
		if ocpp.CodeOf(err) != ocpp.CodeConnectionLost {
			t.Fatalf("expected ConnectionLost, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("pending call never completed")
	}
}

func TestDisconnectEmitsFinalEvent(t *testing.T) {
	session, charger := startSession(t, ocpp.V16)
	_ = charger.Close()

	var last ocpp.Event
	for ev := range session.Events() {
		last = ev
	}
	if last.Type != ocpp.EventChargerDisconnected {
		t.Fatalf("expected final ChargerDisconnected, got %s", last.Type)
	}
}

func TestMalformedFrameAnsweredWithCallError(t *testing.T) {
	_, charger := startSession(t, ocpp.V16)

	if err := charger.WriteMessage(websocket.TextMessage, []byte(`[9,"55",{}]`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	array := readFrame(t, charger)
	if string(array[0]) != "4" {
		t.Fatalf("expected CallError, got %v", array)
	}
	var code string
	_ = json.Unmarshal(array[2], &code)
	if code != string(ocpp.CodeInvalidFrame) {
		t.Fatalf("expected InvalidFrame code, got %s", code)
	}
}

func TestUnknownActionAnsweredNotImplemented(t *testing.T) {
	_, charger := startSession(t, ocpp.V16)

	if err := charger.WriteMessage(websocket.TextMessage, []byte(`[2,"9","GetConfiguration",{}]`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	array := readFrame(t, charger)
	if string(array[0]) != "4" {
		t.Fatalf("expected CallError, got %v", array)
	}
	var code string
	_ = json.Unmarshal(array[2], &code)
	if code != string(ocpp.CodeNotImplemented) {
		t.Fatalf("expected NotImplemented, got %s", code)
	}
}

func TestV16StartTransactionAssignsTransactionID(t *testing.T) {
	session, charger := startSession(t, ocpp.V16)

	payload := `[2,"1","StartTransaction",{"connectorId":1,"idTag":"ABC","meterStart":1000,"timestamp":"2025-03-01T12:00:00Z"}]`
	if err := charger.WriteMessage(websocket.TextMessage, []byte(payload)); err != nil {
		t.Fatalf("write: %v", err)
	}

	array := readFrame(t, charger)
	var resp struct {
		TransactionID int `json:"transactionId"`
	}
	if err := json.Unmarshal(array[2], &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.TransactionID == 0 {
		t.Fatalf("no transaction id assigned: %s", array[2])
	}

	select {
	case ev := <-session.Events():
		if ev.Type != ocpp.EventTransactionStarted || ev.MeterWh != 1000 {
			t.Fatalf("unexpected event %+v", ev)
		}
		if session.Snapshot().OpenTransactionID != ev.TransactionID {
			t.Fatalf("open transaction not tracked")
		}
	case <-time.After(time.Second):
		t.Fatalf("no event published")
	}
}
