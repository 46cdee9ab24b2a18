package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/smartenergycontrol-be/ocpp-proxy/internal/arbiter"
	"github.com/smartenergycontrol-be/ocpp-proxy/internal/charger"
	"github.com/smartenergycontrol-be/ocpp-proxy/internal/config"
	"github.com/smartenergycontrol-be/ocpp-proxy/internal/hass"
	"github.com/smartenergycontrol-be/ocpp-proxy/internal/ocpp"
	"github.com/smartenergycontrol-be/ocpp-proxy/internal/registry"
	"github.com/smartenergycontrol-be/ocpp-proxy/internal/sessionlog"
)

// ChargerHub owns the single charger session slot.
type ChargerHub interface {
	Active() bool
	Snapshot() *charger.Snapshot
	Attach(session *charger.Session) error
	Serve(ctx context.Context, session *charger.Session)
}

// Server is the HTTP/WebSocket edge: the charger endpoint, the backend
// control endpoint, the read-only REST surface, and the override toggle.
type Server struct {
	cfg      *config.Config
	hub      ChargerHub
	registry *registry.Registry
	engine   *arbiter.Engine
	store    *sessionlog.Store
	override *hass.ManualOverride
	logger   *zap.Logger

	httpServer *http.Server
	upgrader   websocket.Upgrader
}

// NewServer wires the routes.
func NewServer(
	cfg *config.Config,
	hub ChargerHub,
	reg *registry.Registry,
	engine *arbiter.Engine,
	store *sessionlog.Store,
	override *hass.ManualOverride,
	logger *zap.Logger,
) *Server {
	s := &Server{
		cfg:      cfg,
		hub:      hub,
		registry: reg,
		engine:   engine,
		store:    store,
		override: override,
		logger:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}

	mux := http.NewServeMux()
	mux.Handle("/", method(http.MethodGet, s.handleWelcome))
	mux.Handle("/charger", method(http.MethodGet, s.handleCharger))
	mux.Handle("/charger/", method(http.MethodGet, s.handleCharger))
	mux.Handle("/backend", method(http.MethodGet, s.handleBackend))
	mux.Handle("/sessions", method(http.MethodGet, s.handleSessions))
	mux.Handle("/sessions.csv", method(http.MethodGet, s.handleSessionsCSV))
	mux.Handle("/status", method(http.MethodGet, s.handleStatus))
	mux.Handle("/override", method(http.MethodPost, s.handleOverride))
	mux.Handle("/metrics", promhttp.Handler())

	s.httpServer = &http.Server{
		Addr:        cfg.HTTPAddress(),
		Handler:     mux,
		IdleTimeout: 60 * time.Second,
	}
	return s
}

// Handler exposes the routed mux.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting http server", zap.String("addr", s.httpServer.Addr))
		if err := s.httpServer.ListenAndServe(); err != nil {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err == nil || errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func method(expected string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != expected {
			w.Header().Set("Allow", expected)
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		handler(w, r)
	}
}

// handleCharger upgrades the single charger connection, negotiating the
// protocol version first so the session is born with the right codec.
func (s *Server) handleCharger(w http.ResponseWriter, r *http.Request) {
	if s.hub.Active() {
		http.Error(w, "a charger session is already live", http.StatusConflict)
		return
	}

	version, subprotocol, err := ocpp.DetectVersion(r, ocpp.Version(s.cfg.OCPPVersion), s.cfg.AutoDetect())
	if err != nil {
		s.logger.Warn("charger version negotiation failed", zap.Error(err))
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	identity := r.URL.Query().Get("id")
	if identity == "" {
		identity = "charger"
	}

	responseHeader := http.Header{}
	if subprotocol != "" {
		responseHeader.Set("Sec-WebSocket-Protocol", subprotocol)
	}
	conn, err := s.upgrader.Upgrade(w, r, responseHeader)
	if err != nil {
		s.logger.Error("charger upgrade failed", zap.Error(err))
		return
	}

	session := charger.NewSession(identity, version, conn, s.logger)
	if err := s.hub.Attach(session); err != nil {
		// Slot raced away between the pre-check and the upgrade.
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "charger already connected"),
			time.Now().Add(time.Second))
		_ = conn.Close()
		return
	}

	s.logger.Info("charger connected",
		zap.String("identity", identity),
		zap.String("version", string(version)))
	go s.hub.Serve(context.Background(), session)
}

func (s *Server) handleBackend(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")
	if id == "" {
		http.Error(w, "id is required", http.StatusBadRequest)
		return
	}
	if s.registry.Has(id) {
		http.Error(w, "backend id is already registered", http.StatusConflict)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("backend upgrade failed", zap.Error(err))
		return
	}

	backend := registry.NewInboundBackend(id, conn, s.engine, s.registry, s.logger)
	if err := s.registry.Register(backend); err != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "backend id is already registered"),
			time.Now().Add(time.Second))
		_ = conn.Close()
		return
	}

	go backend.Run(context.Background())
}
