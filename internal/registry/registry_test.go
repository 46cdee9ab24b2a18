package registry

import (
	"sync"
	"testing"

	"go.uber.org/zap"

	"github.com/smartenergycontrol-be/ocpp-proxy/internal/ocpp"
)

type fakeBackend struct {
	id   string
	full bool

	mu       sync.Mutex
	events   []ocpp.Event
	eventIDs []string
	controls []string
	closed   bool
}

func (f *fakeBackend) ID() string    { return f.id }
func (f *fakeBackend) State() string { return "Connected" }

func (f *fakeBackend) DeliverEvent(eventID string, ev ocpp.Event) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.full {
		return false
	}
	f.events = append(f.events, ev)
	f.eventIDs = append(f.eventIDs, eventID)
	return true
}

func (f *fakeBackend) DeliverControl(status, reason string) {
	f.mu.Lock()
	f.controls = append(f.controls, status+":"+reason)
	f.mu.Unlock()
}

func (f *fakeBackend) Close() {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
}

func (f *fakeBackend) eventTypes() []ocpp.EventType {
	f.mu.Lock()
	defer f.mu.Unlock()
	types := make([]ocpp.EventType, len(f.events))
	for i, ev := range f.events {
		types[i] = ev.Type
	}
	return types
}

func TestRegisterRejectsDuplicateID(t *testing.T) {
	reg := New(zap.NewNop())
	if err := reg.Register(&fakeBackend{id: "A"}); err != nil {
		t.Fatalf("first register: %v", err)
	}
	err := reg.Register(&fakeBackend{id: "A"})
	if err == nil {
		t.Fatalf("expected duplicate rejection")
	}
	if err != ErrDuplicateID {
		t.Fatalf("expected ErrDuplicateID, got %v", err)
	}
}

func TestBroadcastReachesSubscribersInOrder(t *testing.T) {
	reg := New(zap.NewNop())
	a := &fakeBackend{id: "A"}
	b := &fakeBackend{id: "B"}
	if err := reg.Register(a); err != nil {
		t.Fatalf("register A: %v", err)
	}
	if err := reg.Register(b); err != nil {
		t.Fatalf("register B: %v", err)
	}

	reg.Broadcast(ocpp.Event{Type: ocpp.EventHeartbeat})
	reg.Broadcast(ocpp.Event{Type: ocpp.EventStatusChanged, Status: ocpp.StatusCharging})

	for _, backend := range []*fakeBackend{a, b} {
		types := backend.eventTypes()
		if len(types) != 2 || types[0] != ocpp.EventHeartbeat || types[1] != ocpp.EventStatusChanged {
			t.Fatalf("%s: events out of order: %v", backend.id, types)
		}
	}

	// Both backends saw the same event id for the same broadcast, and
	// distinct ids across broadcasts.
	if a.eventIDs[0] != b.eventIDs[0] || a.eventIDs[0] == a.eventIDs[1] {
		t.Fatalf("event ids wrong: %v vs %v", a.eventIDs, b.eventIDs)
	}
}

func TestUnsubscribedBackendSkipped(t *testing.T) {
	reg := New(zap.NewNop())
	a := &fakeBackend{id: "A"}
	if err := reg.Register(a); err != nil {
		t.Fatalf("register: %v", err)
	}
	reg.SetSubscribed("A", false)
	reg.Broadcast(ocpp.Event{Type: ocpp.EventHeartbeat})
	if len(a.eventTypes()) != 0 {
		t.Fatalf("unsubscribed backend received events")
	}
	reg.SetSubscribed("A", true)
	reg.Broadcast(ocpp.Event{Type: ocpp.EventHeartbeat})
	if len(a.eventTypes()) != 1 {
		t.Fatalf("resubscribed backend missed event")
	}
}

func TestDropIsolatedToFullBackend(t *testing.T) {
	reg := New(zap.NewNop())
	full := &fakeBackend{id: "full", full: true}
	healthy := &fakeBackend{id: "healthy"}
	if err := reg.Register(full); err != nil {
		t.Fatalf("register full: %v", err)
	}
	if err := reg.Register(healthy); err != nil {
		t.Fatalf("register healthy: %v", err)
	}

	reg.Broadcast(ocpp.Event{Type: ocpp.EventHeartbeat})

	if len(healthy.eventTypes()) != 1 {
		t.Fatalf("healthy backend lost an event")
	}
	for _, status := range reg.Snapshot() {
		switch status.ID {
		case "full":
			if status.Dropped != 1 {
				t.Fatalf("expected 1 drop for full backend, got %d", status.Dropped)
			}
		case "healthy":
			if status.Dropped != 0 {
				t.Fatalf("expected no drops for healthy backend, got %d", status.Dropped)
			}
		}
	}
}

func TestControlRevokedTargetsHolderOnly(t *testing.T) {
	reg := New(zap.NewNop())
	a := &fakeBackend{id: "A"}
	b := &fakeBackend{id: "B"}
	_ = reg.Register(a)
	_ = reg.Register(b)

	reg.ControlRevoked("A", "ChargerFaulted")

	a.mu.Lock()
	aControls := append([]string(nil), a.controls...)
	a.mu.Unlock()
	if len(aControls) != 1 || aControls[0] != "revoked:ChargerFaulted" {
		t.Fatalf("unexpected control frames for A: %v", aControls)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.controls) != 0 {
		t.Fatalf("B should not receive revocation")
	}
}

func TestUnregisterRemoves(t *testing.T) {
	reg := New(zap.NewNop())
	a := &fakeBackend{id: "A"}
	_ = reg.Register(a)
	if !reg.Has("A") {
		t.Fatalf("expected A registered")
	}
	reg.Unregister("A")
	if reg.Has("A") {
		t.Fatalf("expected A gone")
	}
	reg.Broadcast(ocpp.Event{Type: ocpp.EventHeartbeat})
	if len(a.eventTypes()) != 0 {
		t.Fatalf("unregistered backend received events")
	}
}
