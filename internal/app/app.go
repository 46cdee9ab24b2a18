package app

import (
	"context"
	"os"

	"go.uber.org/zap"

	"github.com/smartenergycontrol-be/ocpp-proxy/internal/arbiter"
	"github.com/smartenergycontrol-be/ocpp-proxy/internal/config"
	"github.com/smartenergycontrol-be/ocpp-proxy/internal/hass"
	"github.com/smartenergycontrol-be/ocpp-proxy/internal/outbound"
	"github.com/smartenergycontrol-be/ocpp-proxy/internal/registry"
	"github.com/smartenergycontrol-be/ocpp-proxy/internal/sessionlog"
)

// App holds the wired dependency graph.
type App struct {
	Cfg      *config.Config
	Hub      *Hub
	Registry *registry.Registry
	Engine   *arbiter.Engine
	Store    *sessionlog.Store
	Override *hass.ManualOverride

	supervisor *outbound.Supervisor
	logger     *zap.Logger
}

// New builds the application graph. The HTTP edge is constructed by the
// caller around the returned components.
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	store, err := sessionlog.Open(ctx, cfg.LogDBPath, logger)
	if err != nil {
		return nil, err
	}

	var bridge *hass.Bridge
	var notifier hass.Notifier
	var presence hass.PresenceSource
	manual := &hass.ManualOverride{}
	override := &hass.CombinedOverride{Sources: []hass.OverrideSource{manual}}

	haURL, haToken := os.Getenv("HA_URL"), os.Getenv("HA_TOKEN")
	if haURL == "" {
		haURL = cfg.HomeAssistant.URL
	}
	if haToken == "" {
		haToken = cfg.HomeAssistant.Token
	}
	if haURL != "" && haToken != "" {
		bridge = hass.NewBridge(haURL, haToken, logger)
		notifier = bridge
		if cfg.PresenceSensor != "" {
			presence = hass.NewHAPresence(bridge, cfg.PresenceSensor, logger)
		}
		if cfg.OverrideInputBoolean != "" {
			override.Sources = append(override.Sources, hass.NewHAOverride(bridge, cfg.OverrideInputBoolean, logger))
		}
	}

	reg := registry.New(logger)
	engine := arbiter.New(cfg, presence, override, reg, logger)
	engine.SetListener(reg)

	hub := NewHub(engine, reg, store, notifier, logger)
	supervisor := outbound.NewSupervisor(cfg, engine, reg, logger)

	return &App{
		Cfg:        cfg,
		Hub:        hub,
		Registry:   reg,
		Engine:     engine,
		Store:      store,
		Override:   manual,
		supervisor: supervisor,
		logger:     logger,
	}, nil
}

// Run starts the background tasks and blocks until the outbound clients
// stop on ctx cancellation; with no outbound services it returns at once.
func (a *App) Run(ctx context.Context) {
	go a.Engine.Run(ctx)
	a.supervisor.Run(ctx)
}

// Close releases resources.
func (a *App) Close() {
	a.Registry.CloseAll()
	if err := a.Store.Close(); err != nil {
		a.logger.Warn("failed to close session store", zap.Error(err))
	}
}
