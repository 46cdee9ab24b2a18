package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/smartenergycontrol-be/ocpp-proxy/internal/arbiter"
	"github.com/smartenergycontrol-be/ocpp-proxy/internal/charger"
	"github.com/smartenergycontrol-be/ocpp-proxy/internal/hass"
	"github.com/smartenergycontrol-be/ocpp-proxy/internal/metrics"
	"github.com/smartenergycontrol-be/ocpp-proxy/internal/ocpp"
	"github.com/smartenergycontrol-be/ocpp-proxy/internal/registry"
	"github.com/smartenergycontrol-be/ocpp-proxy/internal/sessionlog"
)

// ErrChargerBusy rejects a second charger connection while one is live.
var ErrChargerBusy = fmt.Errorf("a charger session is already live")

// Hub owns the single charger session slot and drives the event flow:
// each charger event runs through session accounting, then lock
// arbitration, then fan-out, in that order, on one goroutine.
type Hub struct {
	engine   *arbiter.Engine
	registry *registry.Registry
	store    *sessionlog.Store
	notifier hass.Notifier
	logger   *zap.Logger

	mu            sync.Mutex
	session       *charger.Session
	openSessionID int64
}

// NewHub wires the event pipeline.
func NewHub(engine *arbiter.Engine, reg *registry.Registry, store *sessionlog.Store, notifier hass.Notifier, logger *zap.Logger) *Hub {
	return &Hub{
		engine:   engine,
		registry: reg,
		store:    store,
		notifier: notifier,
		logger:   logger,
	}
}

// Active reports whether a charger session is live.
func (h *Hub) Active() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.session != nil
}

// Snapshot returns the live charger state, or nil.
func (h *Hub) Snapshot() *charger.Snapshot {
	h.mu.Lock()
	session := h.session
	h.mu.Unlock()
	if session == nil {
		return nil
	}
	snapshot := session.Snapshot()
	return &snapshot
}

// Attach claims the charger slot for a new session. Exactly one session
// exists at a time; a second attach fails with ErrChargerBusy.
func (h *Hub) Attach(session *charger.Session) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.session != nil {
		return ErrChargerBusy
	}
	h.session = session
	h.engine.SetCharger(session)
	metrics.ObserveCharger(true)
	return nil
}

// Serve runs the session and consumes its event stream until the
// charger disconnects.
func (h *Hub) Serve(ctx context.Context, session *charger.Session) {
	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range session.Events() {
			h.dispatch(ctx, ev)
		}
	}()

	session.Run(ctx)
	<-done

	h.mu.Lock()
	if h.session == session {
		h.session = nil
	}
	h.mu.Unlock()
	metrics.ObserveCharger(false)
}

// dispatch applies one charger event in pipeline order. Accounting
// failures degrade logging only; the event stream continues.
func (h *Hub) dispatch(ctx context.Context, ev ocpp.Event) {
	h.account(ctx, ev)
	h.engine.HandleEvent(ev)
	h.registry.Broadcast(ev)
	h.notify(ctx, ev)
}

func (h *Hub) account(ctx context.Context, ev ocpp.Event) {
	switch ev.Type {
	case ocpp.EventTransactionStarted:
		_, holder, _ := h.engine.Snapshot()
		id, err := h.store.OpenSession(ctx, holder, ev.TransactionID, ev.MeterWh, ev.Timestamp)
		if err != nil {
			h.logger.Error("session accounting degraded",
				zap.String("code", string(ocpp.CodeLogWriteFailed)),
				zap.Error(err))
			return
		}
		h.mu.Lock()
		h.openSessionID = id
		h.mu.Unlock()
		h.logger.Info("session opened",
			zap.Int64("session_id", id),
			zap.String("backend_id", holder),
			zap.Int64("start_meter_wh", ev.MeterWh))

	case ocpp.EventTransactionEnded:
		h.mu.Lock()
		id := h.openSessionID
		h.openSessionID = 0
		h.mu.Unlock()
		if id == 0 {
			open, err := h.store.CurrentOpen(ctx)
			if err != nil || open == nil {
				return
			}
			id = open.ID
		}
		reason := ev.Reason
		if reason == "" {
			reason = "Local"
		}
		if err := h.store.CloseSession(ctx, id, ev.MeterWh, ev.Timestamp, reason); err != nil {
			h.logger.Error("session accounting degraded",
				zap.String("code", string(ocpp.CodeLogWriteFailed)),
				zap.Error(err))
			return
		}
		h.logger.Info("session closed",
			zap.Int64("session_id", id),
			zap.Int64("stop_meter_wh", ev.MeterWh),
			zap.String("reason", reason))
	}
}

// notify pushes human-facing alerts for faults and finished sessions.
func (h *Hub) notify(ctx context.Context, ev ocpp.Event) {
	if h.notifier == nil {
		return
	}
	switch {
	case ev.Type == ocpp.EventStatusChanged && (ev.Status == ocpp.StatusFaulted || ev.Status == ocpp.StatusUnavailable):
		message := fmt.Sprintf("Status=%s, Error=%s", ev.Status, ev.ErrorCode)
		notifyCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		_ = h.notifier.Notify(notifyCtx, "Charger Fault", message)
		cancel()
	case ev.Type == ocpp.EventTransactionEnded:
		message := fmt.Sprintf("Transaction=%s, meter=%d Wh, reason=%s", ev.TransactionID, ev.MeterWh, ev.Reason)
		notifyCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		_ = h.notifier.Notify(notifyCtx, "Charging session ended", message)
		cancel()
	}
}
