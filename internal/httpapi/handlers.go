package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/smartenergycontrol-be/ocpp-proxy/internal/arbiter"
	"github.com/smartenergycontrol-be/ocpp-proxy/internal/ocpp"
	"github.com/smartenergycontrol-be/ocpp-proxy/internal/sessionlog"
)

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	filter, err := parseFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	sessions, err := s.store.ListSessions(r.Context(), filter)
	if err != nil {
		s.logger.Error("list sessions failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list sessions")
		return
	}
	if sessions == nil {
		sessions = []sessionlog.Session{}
	}
	writeJSON(w, http.StatusOK, sessions)
}

func (s *Server) handleSessionsCSV(w http.ResponseWriter, r *http.Request) {
	filter, err := parseFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", `attachment; filename="sessions.csv"`)
	if err := s.store.ExportCSV(r.Context(), w, filter); err != nil {
		s.logger.Error("csv export failed", zap.Error(err))
	}
}

type statusResponse struct {
	ChargerStatus ocpp.Status       `json:"charger_status"`
	ControlHolder string            `json:"control_holder"`
	LockState     arbiter.LockState `json:"lock_state"`
	Backends      []backendStatus   `json:"backends"`
	Version       string            `json:"version"`
	Override      bool              `json:"override_active"`
}

type backendStatus struct {
	ID         string `json:"id"`
	State      string `json:"state"`
	Subscribed bool   `json:"subscribed"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	response := statusResponse{
		ChargerStatus: ocpp.StatusUnavailable,
		Backends:      []backendStatus{},
		Override:      s.override.IsActive(r.Context()),
	}
	if snapshot := s.hub.Snapshot(); snapshot != nil {
		response.ChargerStatus = snapshot.Status
		response.Version = string(snapshot.Version)
	}
	lockState, holder, _ := s.engine.Snapshot()
	response.LockState = lockState
	response.ControlHolder = holder
	for _, b := range s.registry.Snapshot() {
		response.Backends = append(response.Backends, backendStatus{
			ID:         b.ID,
			State:      b.State,
			Subscribed: b.Subscribed,
		})
	}
	writeJSON(w, http.StatusOK, response)
}

type overrideRequest struct {
	Active *bool `json:"active"`
}

func (s *Server) handleOverride(w http.ResponseWriter, r *http.Request) {
	var req overrideRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Active == nil {
		writeError(w, http.StatusBadRequest, "body must be {\"active\":bool}")
		return
	}
	s.override.Set(*req.Active)
	s.logger.Info("administrative override toggled", zap.Bool("active", *req.Active))
	writeJSON(w, http.StatusOK, map[string]bool{"active": *req.Active})
}

func parseFilter(r *http.Request) (sessionlog.Filter, error) {
	var filter sessionlog.Filter
	query := r.URL.Query()
	if raw := query.Get("from"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return filter, err
		}
		filter.From = &t
	}
	if raw := query.Get("to"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return filter, err
		}
		filter.To = &t
	}
	filter.BackendID = query.Get("backend_id")
	return filter, nil
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
