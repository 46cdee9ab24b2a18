package hass

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// PresenceSource answers whether someone is home.
type PresenceSource interface {
	IsPresent(ctx context.Context) bool
}

// OverrideSource answers whether the administrative override is active.
type OverrideSource interface {
	IsActive(ctx context.Context) bool
}

// Notifier delivers human-facing notifications (best effort).
type Notifier interface {
	Notify(ctx context.Context, title, message string) error
}

const cacheTTL = time.Second

// cachedState polls an entity state with 1 Hz caching. A fetch failure
// keeps the zero answer: the proxy fails open when Home Assistant is
// unreachable.
type cachedState struct {
	bridge   *Bridge
	entityID string
	match    string
	logger   *zap.Logger

	mu      sync.Mutex
	value   bool
	fetched time.Time
}

func (c *cachedState) get(ctx context.Context) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	if now.Sub(c.fetched) < cacheTTL {
		return c.value
	}
	c.fetched = now

	state, err := c.bridge.GetState(ctx, c.entityID)
	if err != nil {
		c.logger.Debug("hass state check failed", zap.String("entity_id", c.entityID), zap.Error(err))
		c.value = false
		return c.value
	}
	c.value = state == c.match
	return c.value
}

// HAPresence reads a presence sensor entity; "home" means present.
type HAPresence struct {
	state cachedState
}

// NewHAPresence builds a presence source over the bridge.
func NewHAPresence(bridge *Bridge, entityID string, logger *zap.Logger) *HAPresence {
	return &HAPresence{state: cachedState{bridge: bridge, entityID: entityID, match: "home", logger: logger}}
}

func (p *HAPresence) IsPresent(ctx context.Context) bool {
	return p.state.get(ctx)
}

// HAOverride reads an input_boolean entity; "on" means active.
type HAOverride struct {
	state cachedState
}

// NewHAOverride builds an override source over the bridge.
func NewHAOverride(bridge *Bridge, entityID string, logger *zap.Logger) *HAOverride {
	return &HAOverride{state: cachedState{bridge: bridge, entityID: entityID, match: "on", logger: logger}}
}

func (o *HAOverride) IsActive(ctx context.Context) bool {
	return o.state.get(ctx)
}

// ManualOverride is an override source toggled through the HTTP API.
type ManualOverride struct {
	mu     sync.Mutex
	active bool
}

func (m *ManualOverride) IsActive(_ context.Context) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// Set flips the override state.
func (m *ManualOverride) Set(active bool) {
	m.mu.Lock()
	m.active = active
	m.mu.Unlock()
}

// CombinedOverride is active when any of its sources is.
type CombinedOverride struct {
	Sources []OverrideSource
}

func (c *CombinedOverride) IsActive(ctx context.Context) bool {
	for _, source := range c.Sources {
		if source != nil && source.IsActive(ctx) {
			return true
		}
	}
	return false
}

// NoPresence is the fixed "nobody home" binding used when no sensor is
// configured.
type NoPresence struct{}

func (NoPresence) IsPresent(context.Context) bool { return false }
