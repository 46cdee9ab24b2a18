package registry

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/smartenergycontrol-be/ocpp-proxy/internal/metrics"
	"github.com/smartenergycontrol-be/ocpp-proxy/internal/ocpp"
)

// ErrDuplicateID rejects a second registration under a live id.
var ErrDuplicateID = ocpp.NewError(ocpp.CodeHandshakeFailed, "backend id is already registered")

// Backend is one controllable consumer, inbound or outbound. Deliver
// methods must not block: implementations queue on a bounded buffer and
// report drops.
type Backend interface {
	ID() string
	State() string
	DeliverEvent(eventID string, ev ocpp.Event) bool
	DeliverControl(status, reason string)
	Close()
}

type entry struct {
	backend     Backend
	subscribed  bool
	lastRequest time.Time
	hasRequest  bool
	drops       int64
}

// Status is one backend's row in the status endpoint.
type Status struct {
	ID         string `json:"id"`
	State      string `json:"state"`
	Subscribed bool   `json:"subscribed"`
	Dropped    int64  `json:"dropped_events"`
}

// Registry tracks live backends and fans charger events out to the
// subscribed ones. It is the only component that touches a backend's
// send path, and the single broadcast caller preserves
// charger-observation order.
type Registry struct {
	logger *zap.Logger

	mu       sync.Mutex
	backends map[string]*entry
}

// New builds an empty registry.
func New(logger *zap.Logger) *Registry {
	return &Registry{
		logger:   logger,
		backends: make(map[string]*entry),
	}
}

// Register adds a backend; subscription defaults to true on connect.
// A duplicate id fails with a conflict.
func (r *Registry) Register(b Backend) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.backends[b.ID()]; exists {
		return ErrDuplicateID
	}
	r.backends[b.ID()] = &entry{backend: b, subscribed: true}
	metrics.ObserveBackends(len(r.backends))
	r.logger.Info("backend registered", zap.String("backend_id", b.ID()))
	return nil
}

// Has reports whether a backend id is live.
func (r *Registry) Has(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.backends[id]
	return ok
}

// Unregister removes a backend by id.
func (r *Registry) Unregister(id string) {
	r.mu.Lock()
	_, exists := r.backends[id]
	delete(r.backends, id)
	metrics.ObserveBackends(len(r.backends))
	r.mu.Unlock()
	if exists {
		r.logger.Info("backend unregistered", zap.String("backend_id", id))
	}
}

// SetSubscribed flips a backend's subscription flag.
func (r *Registry) SetSubscribed(id string, subscribed bool) {
	r.mu.Lock()
	if e, ok := r.backends[id]; ok {
		e.subscribed = subscribed
	}
	r.mu.Unlock()
}

// Broadcast delivers one event to every subscribed backend. A full send
// buffer drops the event for that backend only. Every broadcast gets a
// unique event id so consumers can spot redeliveries.
func (r *Registry) Broadcast(ev ocpp.Event) {
	metrics.ObserveEvent(string(ev.Type))
	eventID := uuid.NewString()

	r.mu.Lock()
	targets := make([]*entry, 0, len(r.backends))
	for _, e := range r.backends {
		if e.subscribed {
			targets = append(targets, e)
		}
	}
	r.mu.Unlock()

	for _, e := range targets {
		if !e.backend.DeliverEvent(eventID, ev) {
			r.recordDrop(e)
		}
	}
}

func (r *Registry) recordDrop(e *entry) {
	r.mu.Lock()
	e.drops++
	drops := e.drops
	r.mu.Unlock()
	metrics.ObserveDrop(e.backend.ID())
	r.logger.Warn("event dropped, backend buffer full",
		zap.String("backend_id", e.backend.ID()),
		zap.Int64("dropped_total", drops))
}

// ControlRevoked pushes a revocation frame to the affected backend.
// It satisfies the arbitration engine's listener contract.
func (r *Registry) ControlRevoked(backendID, reason string) {
	r.mu.Lock()
	e, ok := r.backends[backendID]
	r.mu.Unlock()
	if !ok {
		return
	}
	e.backend.DeliverControl(ControlRevoked, reason)
}

// LastRequestTime reports when the backend last asked for control.
func (r *Registry) LastRequestTime(backendID string) (time.Time, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.backends[backendID]; ok && e.hasRequest {
		return e.lastRequest, true
	}
	return time.Time{}, false
}

// SetLastRequestTime records a control request, accepted or not.
func (r *Registry) SetLastRequestTime(backendID string, t time.Time) {
	r.mu.Lock()
	if e, ok := r.backends[backendID]; ok {
		e.lastRequest = t
		e.hasRequest = true
	}
	r.mu.Unlock()
}

// Snapshot lists the registered backends for the status endpoint.
func (r *Registry) Snapshot() []Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	statuses := make([]Status, 0, len(r.backends))
	for id, e := range r.backends {
		statuses = append(statuses, Status{
			ID:         id,
			State:      e.backend.State(),
			Subscribed: e.subscribed,
			Dropped:    e.drops,
		})
	}
	return statuses
}

// CloseAll shuts every backend down.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	backends := make([]Backend, 0, len(r.backends))
	for _, e := range r.backends {
		backends = append(backends, e.backend)
	}
	r.mu.Unlock()
	for _, b := range backends {
		b.Close()
	}
}
