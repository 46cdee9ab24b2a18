package outbound

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/smartenergycontrol-be/ocpp-proxy/internal/config"
	"github.com/smartenergycontrol-be/ocpp-proxy/internal/ocpp"
	"github.com/smartenergycontrol-be/ocpp-proxy/internal/registry"
)

type fakeControl struct {
	mu        sync.Mutex
	requests  []string
	submitted []ocpp.Command
	denyCode  ocpp.Code
}

func (f *fakeControl) Request(_ context.Context, backendID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, backendID)
	if f.denyCode != "" {
		return ocpp.NewError(f.denyCode, "denied")
	}
	return nil
}

func (f *fakeControl) Release(string) error { return nil }

func (f *fakeControl) Submit(_ context.Context, _ string, cmd ocpp.Command) (json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submitted = append(f.submitted, cmd)
	return json.RawMessage(`{"status":"Accepted"}`), nil
}

func (f *fakeControl) HandleDisconnect(string) {}

type remoteCSMS struct {
	srv  *httptest.Server
	conn chan *websocket.Conn

	mu      sync.Mutex
	headers http.Header
	proto   string
}

func newRemoteCSMS(t *testing.T) *remoteCSMS {
	t.Helper()
	remote := &remoteCSMS{conn: make(chan *websocket.Conn, 1)}
	upgrader := websocket.Upgrader{
		CheckOrigin:  func(*http.Request) bool { return true },
		Subprotocols: []string{"ocpp1.6", "ocpp2.0.1"},
	}
	remote.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		remote.mu.Lock()
		remote.headers = r.Header.Clone()
		remote.proto = websocket.Subprotocols(r)[0]
		remote.mu.Unlock()
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		remote.conn <- conn
	}))
	t.Cleanup(remote.srv.Close)
	return remote
}

func (r *remoteCSMS) url() string {
	return "ws" + strings.TrimPrefix(r.srv.URL, "http")
}

func (r *remoteCSMS) accept(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case conn := <-r.conn:
		t.Cleanup(func() { _ = conn.Close() })
		return conn
	case <-time.After(2 * time.Second):
		t.Fatalf("no connection from client")
		return nil
	}
}

func startClient(t *testing.T, service config.Service, control *fakeControl) (*Client, *registry.Registry, context.CancelFunc) {
	t.Helper()
	reg := registry.New(zap.NewNop())
	client := NewClient(service, control, reg, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go client.Run(ctx)
	return client, reg, cancel
}

func TestClientAuthHeadersAndRegistration(t *testing.T) {
	remote := newRemoteCSMS(t)
	control := &fakeControl{}
	service := config.Service{
		ID:       "svc1",
		URL:      remote.url(),
		Version:  "1.6",
		AuthType: config.AuthToken,
		Token:    "secret-token",
	}
	client, reg, _ := startClient(t, service, control)

	remote.accept(t)
	waitFor(t, 2*time.Second, func() bool { return reg.Has("svc1") })

	remote.mu.Lock()
	auth := remote.headers.Get("Authorization")
	proto := remote.proto
	remote.mu.Unlock()
	if auth != "Bearer secret-token" {
		t.Fatalf("expected bearer auth, got %q", auth)
	}
	if proto != "ocpp1.6" {
		t.Fatalf("expected ocpp1.6 subprotocol, got %q", proto)
	}
	if client.State() != StateConnected {
		t.Fatalf("expected Connected, got %s", client.State())
	}
}

func TestClientBasicAuthHeader(t *testing.T) {
	remote := newRemoteCSMS(t)
	service := config.Service{
		ID:       "svc1",
		URL:      remote.url(),
		AuthType: config.AuthBasic,
		Username: "user",
		Password: "pass",
	}
	_, reg, _ := startClient(t, service, &fakeControl{})
	remote.accept(t)
	waitFor(t, 2*time.Second, func() bool { return reg.Has("svc1") })

	remote.mu.Lock()
	auth := remote.headers.Get("Authorization")
	remote.mu.Unlock()
	// user:pass in base64
	if auth != "Basic dXNlcjpwYXNz" {
		t.Fatalf("unexpected basic auth header %q", auth)
	}
}

func TestRemoteCommandFlowsThroughArbitration(t *testing.T) {
	remote := newRemoteCSMS(t)
	control := &fakeControl{}
	service := config.Service{ID: "svc1", URL: remote.url(), Version: "1.6"}
	_, reg, _ := startClient(t, service, control)

	conn := remote.accept(t)
	waitFor(t, 2*time.Second, func() bool { return reg.Has("svc1") })

	call := `[2,"77","RemoteStartTransaction",{"connectorId":1,"idTag":"ABC"}]`
	if err := conn.WriteMessage(websocket.TextMessage, []byte(call)); err != nil {
		t.Fatalf("write: %v", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read reply: %v", err)
	}
	var array []json.RawMessage
	if err := json.Unmarshal(data, &array); err != nil || len(array) != 3 {
		t.Fatalf("expected CallResult, got %s", data)
	}
	if string(array[0]) != "3" || !strings.Contains(string(array[2]), "Accepted") {
		t.Fatalf("expected accepted result, got %s", data)
	}

	control.mu.Lock()
	defer control.mu.Unlock()
	if len(control.requests) != 1 || control.requests[0] != "svc1" {
		t.Fatalf("control not requested: %v", control.requests)
	}
	if len(control.submitted) != 1 || control.submitted[0].Type != ocpp.CommandRemoteStart || control.submitted[0].IDTag != "ABC" {
		t.Fatalf("command not submitted: %+v", control.submitted)
	}
}

// A holder's re-request comes back AlreadyHeld; the command must still
// flow, since Submit re-verifies holder identity.
func TestRemoteCommandProceedsWhenAlreadyHeld(t *testing.T) {
	remote := newRemoteCSMS(t)
	control := &fakeControl{denyCode: ocpp.CodeAlreadyHeld}
	service := config.Service{ID: "svc1", URL: remote.url(), Version: "1.6"}
	_, reg, _ := startClient(t, service, control)

	conn := remote.accept(t)
	waitFor(t, 2*time.Second, func() bool { return reg.Has("svc1") })

	call := `[2,"79","RemoteStartTransaction",{"connectorId":1,"idTag":"ABC"}]`
	if err := conn.WriteMessage(websocket.TextMessage, []byte(call)); err != nil {
		t.Fatalf("write: %v", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read reply: %v", err)
	}
	if !strings.Contains(string(data), "Accepted") {
		t.Fatalf("expected Accepted despite AlreadyHeld, got %s", data)
	}

	control.mu.Lock()
	defer control.mu.Unlock()
	if len(control.submitted) != 1 {
		t.Fatalf("command not submitted: %+v", control.submitted)
	}
}

func TestRemoteCommandDeniedControl(t *testing.T) {
	remote := newRemoteCSMS(t)
	control := &fakeControl{denyCode: ocpp.CodeRateLimited}
	service := config.Service{ID: "svc1", URL: remote.url(), Version: "1.6"}
	_, reg, _ := startClient(t, service, control)

	conn := remote.accept(t)
	waitFor(t, 2*time.Second, func() bool { return reg.Has("svc1") })

	call := `[2,"78","RemoteStopTransaction",{"transactionId":7}]`
	if err := conn.WriteMessage(websocket.TextMessage, []byte(call)); err != nil {
		t.Fatalf("write: %v", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read reply: %v", err)
	}
	if !strings.Contains(string(data), "Rejected") {
		t.Fatalf("expected Rejected, got %s", data)
	}
}

func TestEventForwardedAsOCPPCall(t *testing.T) {
	remote := newRemoteCSMS(t)
	service := config.Service{ID: "svc1", URL: remote.url(), Version: "1.6"}
	client, reg, _ := startClient(t, service, &fakeControl{})

	conn := remote.accept(t)
	waitFor(t, 2*time.Second, func() bool { return reg.Has("svc1") })

	delivered := client.DeliverEvent("ev-1", ocpp.Event{
		Type:        ocpp.EventStatusChanged,
		Timestamp:   time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
		ConnectorID: 1,
		Status:      ocpp.StatusCharging,
	})
	if !delivered {
		t.Fatalf("event dropped")
	}

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read forwarded event: %v", err)
	}
	if !strings.Contains(string(data), "StatusNotification") || !strings.Contains(string(data), "Charging") {
		t.Fatalf("unexpected forwarded frame %s", data)
	}
}

func TestClientReconnectsAfterDisconnect(t *testing.T) {
	remote := newRemoteCSMS(t)
	service := config.Service{ID: "svc1", URL: remote.url(), Version: "1.6"}
	_, reg, _ := startClient(t, service, &fakeControl{})

	first := remote.accept(t)
	waitFor(t, 2*time.Second, func() bool { return reg.Has("svc1") })

	_ = first.Close()

	// The client dials again and ends up registered.
	remote.accept(t)
	waitFor(t, 5*time.Second, func() bool { return reg.Has("svc1") })
}

func TestJitteredStaysWithinBounds(t *testing.T) {
	base := 10 * time.Second
	for i := 0; i < 100; i++ {
		d := jittered(base)
		if d < 8*time.Second || d > 12*time.Second {
			t.Fatalf("jitter out of ±20%% bounds: %s", d)
		}
	}
}

func waitFor(t *testing.T, timeout time.Duration, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}
