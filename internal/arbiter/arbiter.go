package arbiter

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/smartenergycontrol-be/ocpp-proxy/internal/config"
	"github.com/smartenergycontrol-be/ocpp-proxy/internal/hass"
	"github.com/smartenergycontrol-be/ocpp-proxy/internal/metrics"
	"github.com/smartenergycontrol-be/ocpp-proxy/internal/ocpp"
)

// LockState names the control-lock state.
type LockState string

const (
	LockFree      LockState = "Free"
	LockHeld      LockState = "Held"
	LockSuspended LockState = "Suspended"
)

// Revocation reasons beyond the error taxonomy.
const (
	ReasonReleased = "Released"
	ReasonExpired  = "Expired"
)

const commandMargin = time.Second

// ChargerGateway is the charger session seen from the engine.
type ChargerGateway interface {
	Call(ctx context.Context, cmd ocpp.Command) (json.RawMessage, error)
}

// Listener observes asynchronous lock transitions. Synchronous outcomes
// (grants, denials) travel back on the requesting path instead.
type Listener interface {
	ControlRevoked(backendID, reason string)
}

// LastRequest feeds the rate limiter: the registry owns backend entries
// and their last-request timestamps.
type LastRequest interface {
	LastRequestTime(backendID string) (time.Time, bool)
	SetLastRequestTime(backendID string, t time.Time)
}

// Engine arbitrates exclusive control of the charger among competing
// backends. All transitions serialize through one mutex; command I/O
// happens outside it.
type Engine struct {
	cfg      *config.Config
	presence hass.PresenceSource
	override hass.OverrideSource
	requests LastRequest
	logger   *zap.Logger

	mu          sync.Mutex
	state       LockState
	holder      string
	since       time.Time
	holderCtx   context.Context
	holderStop  context.CancelCauseFunc
	expiryTimer *time.Timer
	overrideOn  bool

	listener Listener
	charger  ChargerGateway
}

// New builds the engine. presence and override may be nil.
func New(cfg *config.Config, presence hass.PresenceSource, override hass.OverrideSource, requests LastRequest, logger *zap.Logger) *Engine {
	if presence == nil {
		presence = hass.NoPresence{}
	}
	return &Engine{
		cfg:      cfg,
		presence: presence,
		override: override,
		requests: requests,
		logger:   logger,
		state:    LockFree,
	}
}

// SetListener attaches the revocation listener.
func (e *Engine) SetListener(l Listener) {
	e.mu.Lock()
	e.listener = l
	e.mu.Unlock()
}

// SetCharger binds the live charger session; nil detaches it.
func (e *Engine) SetCharger(gw ChargerGateway) {
	e.mu.Lock()
	e.charger = gw
	e.mu.Unlock()
}

// Run polls the override source so an activation revokes the current
// holder without waiting for the next request.
func (e *Engine) Run(ctx context.Context) {
	if e.override == nil {
		return
	}
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.applyOverride(e.override.IsActive(ctx))
		}
	}
}

func (e *Engine) applyOverride(active bool) {
	e.mu.Lock()
	rising := active && !e.overrideOn
	e.overrideOn = active
	var revoked string
	if rising && e.state == LockHeld {
		revoked = e.holder
		e.releaseLocked(ocpp.NewError(ocpp.CodePreempted, "administrative override"))
	}
	listener := e.listener
	e.mu.Unlock()

	if revoked != "" {
		e.logger.Info("control revoked by administrative override", zap.String("backend_id", revoked))
		if listener != nil {
			listener.ControlRevoked(revoked, string(ocpp.CodeUserOverride))
		}
	}
}

// Request runs the policy chain for backendID and grants the lock when
// it passes. A nil error means granted.
func (e *Engine) Request(ctx context.Context, backendID string) error {
	overrideActive := e.overrideActive(ctx)
	// An activation first seen here revokes the holder just as the poller
	// would, before the request itself is rejected.
	e.applyOverride(overrideActive)
	present := e.presence.IsPresent(ctx)

	preempted, err := e.evaluateRequest(backendID, overrideActive, present)
	if preempted != "" {
		// The revoke frame reaches the previous holder before the new
		// grant is acknowledged to anyone.
		e.mu.Lock()
		listener := e.listener
		e.mu.Unlock()
		if listener != nil {
			listener.ControlRevoked(preempted, string(ocpp.CodePreempted))
		}
	}
	return err
}

func (e *Engine) evaluateRequest(backendID string, overrideActive, present bool) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state == LockSuspended {
		return "", ocpp.NewError(ocpp.CodeChargerFaulted, "charger is faulted")
	}
	if overrideActive {
		e.overrideOn = true
		return "", ocpp.NewError(ocpp.CodeUserOverride, "administrative override is active")
	}

	if !e.cfg.SharedChargingAllowed() && backendID != e.cfg.PreferredProvider {
		return "", ocpp.NewError(ocpp.CodeProviderNotAllowed, "shared charging is disabled")
	}
	for _, blocked := range e.cfg.DisallowedProviders {
		if blocked == backendID {
			return "", ocpp.NewError(ocpp.CodeProviderBlocked, "provider %s is blocked", backendID)
		}
	}
	if len(e.cfg.AllowedProviders) > 0 && !contains(e.cfg.AllowedProviders, backendID) {
		return "", ocpp.NewError(ocpp.CodeProviderNotAllowed, "provider %s is not in the allowlist", backendID)
	}

	// The request clock advances on acceptance and rejection alike, so
	// hammering requests never slips under the limit.
	now := time.Now().UTC()
	limit := time.Duration(e.cfg.RateLimitSeconds) * time.Second
	if last, ok := e.requests.LastRequestTime(backendID); ok && limit > 0 && now.Sub(last) < limit {
		e.requests.SetLastRequestTime(backendID, now)
		return "", ocpp.NewError(ocpp.CodeRateLimited, "retry after %s", limit)
	}
	e.requests.SetLastRequestTime(backendID, now)

	if present && backendID != e.cfg.PreferredProvider {
		return "", ocpp.NewError(ocpp.CodePresenceBlocked, "presence sensor reports home")
	}

	preempted := ""
	if e.state == LockHeld {
		// The current holder re-requesting is rejected too: preemption
		// only moves the lock to the preferred provider from someone
		// else, never re-grants in place.
		if backendID != e.cfg.PreferredProvider || e.holder == e.cfg.PreferredProvider {
			return "", ocpp.NewError(ocpp.CodeAlreadyHeld, "lock is held by %s", e.holder)
		}
		// Preferred-provider preemption.
		preempted = e.holder
		e.releaseLocked(ocpp.NewError(ocpp.CodePreempted, "preempted by %s", backendID))
		e.logger.Info("control preempted",
			zap.String("backend_id", backendID),
			zap.String("previous", preempted))
	}

	e.grantLocked(backendID, now)
	return preempted, nil
}

// Release gives the lock up voluntarily.
func (e *Engine) Release(backendID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != LockHeld || e.holder != backendID {
		return ocpp.NewError(ocpp.CodeNotLockHolder, "%s does not hold the lock", backendID)
	}
	e.releaseLocked(ocpp.NewError(ocpp.CodePreempted, "released"))
	e.logger.Info("control released", zap.String("backend_id", backendID))
	return nil
}

// HandleDisconnect releases the lock when the departing backend holds it.
func (e *Engine) HandleDisconnect(backendID string) {
	e.mu.Lock()
	held := e.state == LockHeld && e.holder == backendID
	if held {
		e.releaseLocked(ocpp.NewError(ocpp.CodeConnectionLost, "backend disconnected"))
	}
	e.mu.Unlock()
	if held {
		e.logger.Info("control released on disconnect", zap.String("backend_id", backendID))
	}
}

// HandleEvent reacts to charger events: faults suspend the lock,
// recovery frees it, disconnection frees it.
func (e *Engine) HandleEvent(ev ocpp.Event) {
	switch ev.Type {
	case ocpp.EventStatusChanged:
		if ev.Status == ocpp.StatusFaulted {
			e.suspend()
		} else {
			e.resume()
		}
	case ocpp.EventChargerDisconnected:
		e.chargerLost()
	}
}

func (e *Engine) suspend() {
	e.mu.Lock()
	if e.state == LockSuspended {
		e.mu.Unlock()
		return
	}
	previous := ""
	if e.state == LockHeld {
		previous = e.holder
		e.releaseLocked(ocpp.NewError(ocpp.CodeChargerFaulted, "charger faulted"))
	}
	e.state = LockSuspended
	listener := e.listener
	e.mu.Unlock()

	e.logger.Warn("control lock suspended, charger faulted")
	if previous != "" && listener != nil {
		listener.ControlRevoked(previous, string(ocpp.CodeChargerFaulted))
	}
}

func (e *Engine) resume() {
	e.mu.Lock()
	resumed := e.state == LockSuspended
	if resumed {
		e.state = LockFree
	}
	e.mu.Unlock()
	if resumed {
		e.logger.Info("control lock resumed, charger recovered")
	}
}

func (e *Engine) chargerLost() {
	e.mu.Lock()
	previous := ""
	if e.state == LockHeld {
		previous = e.holder
	}
	e.releaseLocked(ocpp.NewError(ocpp.CodeConnectionLost, "charger disconnected"))
	e.state = LockFree
	e.charger = nil
	listener := e.listener
	e.mu.Unlock()

	if previous != "" && listener != nil {
		listener.ControlRevoked(previous, string(ocpp.CodeConnectionLost))
	}
}

// Submit forwards a command from the lock holder to the charger and
// returns the charger's answer. Holder identity is checked on every
// command.
func (e *Engine) Submit(ctx context.Context, backendID string, cmd ocpp.Command) (json.RawMessage, error) {
	e.mu.Lock()
	if e.state == LockSuspended {
		e.mu.Unlock()
		metrics.ObserveCommand(string(cmd.Type), "rejected")
		return nil, ocpp.NewError(ocpp.CodeChargerFaulted, "charger is faulted")
	}
	if e.state != LockHeld || e.holder != backendID {
		e.mu.Unlock()
		metrics.ObserveCommand(string(cmd.Type), "rejected")
		return nil, ocpp.NewError(ocpp.CodeNotLockHolder, "%s does not hold the lock", backendID)
	}
	gateway := e.charger
	holderCtx := e.holderCtx
	e.resetExpiryLocked()
	e.mu.Unlock()

	if gateway == nil {
		metrics.ObserveCommand(string(cmd.Type), "rejected")
		return nil, ocpp.NewError(ocpp.CodeChargerUnavailable, "charger is not connected")
	}

	callCtx, cancel := context.WithTimeout(ctx, defaultCommandTimeout())
	defer cancel()
	// A revocation mid-flight cancels the command with its cause.
	stop := context.AfterFunc(holderCtx, cancel)
	defer stop()

	payload, err := gateway.Call(callCtx, cmd)
	if err != nil {
		if cause := context.Cause(holderCtx); cause != nil && holderCtx.Err() != nil {
			metrics.ObserveCommand(string(cmd.Type), "preempted")
			return nil, cause
		}
		metrics.ObserveCommand(string(cmd.Type), "failed")
		return nil, err
	}
	metrics.ObserveCommand(string(cmd.Type), "ok")
	return payload, nil
}

// Snapshot reports lock state for the status endpoint.
func (e *Engine) Snapshot() (LockState, string, time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state, e.holder, e.since
}

func (e *Engine) overrideActive(ctx context.Context) bool {
	if e.override == nil {
		return false
	}
	return e.override.IsActive(ctx)
}

func (e *Engine) grantLocked(backendID string, now time.Time) {
	e.state = LockHeld
	e.holder = backendID
	e.since = now
	e.holderCtx, e.holderStop = context.WithCancelCause(context.Background())
	e.armExpiryLocked()
	e.logger.Info("control granted", zap.String("backend_id", backendID))
}

func (e *Engine) releaseLocked(cause error) {
	if e.holderStop != nil {
		e.holderStop(cause)
		e.holderStop = nil
		e.holderCtx = nil
	}
	if e.expiryTimer != nil {
		e.expiryTimer.Stop()
		e.expiryTimer = nil
	}
	e.state = LockFree
	e.holder = ""
	e.since = time.Time{}
}

func (e *Engine) armExpiryLocked() {
	if e.expiryTimer != nil {
		e.expiryTimer.Stop()
	}
	timeout := time.Duration(e.cfg.LockTimeoutSeconds) * time.Second
	if timeout <= 0 {
		return
	}
	holder := e.holder
	e.expiryTimer = time.AfterFunc(timeout, func() { e.expire(holder) })
}

func (e *Engine) resetExpiryLocked() {
	if e.state == LockHeld {
		e.armExpiryLocked()
	}
}

// expire releases a grant its holder never exercised.
func (e *Engine) expire(backendID string) {
	e.mu.Lock()
	expired := e.state == LockHeld && e.holder == backendID
	if expired {
		e.releaseLocked(ocpp.NewError(ocpp.CodePreempted, "grant expired"))
	}
	listener := e.listener
	e.mu.Unlock()

	if expired {
		e.logger.Info("control grant expired", zap.String("backend_id", backendID))
		if listener != nil {
			listener.ControlRevoked(backendID, ReasonExpired)
		}
	}
}

func defaultCommandTimeout() time.Duration {
	// Charger calls time out after 30 s; backend-submitted commands get
	// a scheduling margin on top so the charger-side timeout wins.
	return 30*time.Second + commandMargin
}

func contains(list []string, value string) bool {
	for _, entry := range list {
		if entry == value {
			return true
		}
	}
	return false
}
