package fleet

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-logr/logr"
	"github.com/gorilla/mux"

	"github.com/apollo/cohort/device"
)

const maxControlBodyBytes = 1 << 20

// ControlServer exposes the operator surface over HTTP: fleet stats,
// per-device inspection, firmware fan-out, and run timer control.
type ControlServer struct {
	orch   *Orchestrator
	timer  *RunTimer
	logger logr.Logger

	addr   string
	server *http.Server
}

// NewControlServer wires the operator API. timer may be nil when the run
// is unbounded.
func NewControlServer(addr string, orch *Orchestrator, timer *RunTimer, logger logr.Logger) *ControlServer {
	return &ControlServer{
		orch:   orch,
		timer:  timer,
		logger: logger.WithName("control"),
		addr:   addr,
	}
}

func (s *ControlServer) routes() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}).Methods(http.MethodGet)
	r.Handle("/metrics", MetricsHandler()).Methods(http.MethodGet)

	v1 := r.PathPrefix("/v1").Subrouter()
	v1.HandleFunc("/stats", s.handleStats).Methods(http.MethodGet)
	v1.HandleFunc("/devices", s.handleDevices).Methods(http.MethodGet)
	v1.HandleFunc("/devices/{id}", s.handleDevice).Methods(http.MethodGet)
	v1.HandleFunc("/firmware/update", s.handleFirmwareUpdate).Methods(http.MethodPost)
	v1.HandleFunc("/timer", s.handleTimerGet).Methods(http.MethodGet)
	v1.HandleFunc("/timer/extend", s.handleTimerExtend).Methods(http.MethodPost)
	v1.HandleFunc("/timer/stop", s.handleTimerStop).Methods(http.MethodPost)
	return r
}

// Start serves the control API until the context is cancelled.
func (s *ControlServer) Start(ctx context.Context) error {
	s.server = &http.Server{Addr: s.addr, Handler: s.routes()}
	s.logger.Info("control API listening", "addr", s.addr)

	errCh := make(chan error, 1)
	go func() {
		err := s.server.ListenAndServe()
		if !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return err
		}
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = s.server.Shutdown(shutdownCtx)

	select {
	case err := <-errCh:
		if err != nil {
			return err
		}
	default:
	}

	return nil
}

func (s *ControlServer) handleStats(w http.ResponseWriter, _ *http.Request) {
	stats := s.orch.Stats()
	ObserveStats(stats)
	s.respondJSON(w, http.StatusOK, stats)
}

func (s *ControlServer) handleDevices(w http.ResponseWriter, _ *http.Request) {
	s.respondJSON(w, http.StatusOK, s.orch.Devices())
}

func (s *ControlServer) handleDevice(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	info, ok := s.orch.Device(id)
	if !ok {
		s.respondJSON(w, http.StatusNotFound, map[string]string{"message": "unknown device: " + id})
		return
	}
	s.respondJSON(w, http.StatusOK, info)
}

func (s *ControlServer) handleFirmwareUpdate(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxControlBodyBytes)
	defer r.Body.Close()

	var req device.FirmwareUpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondJSON(w, http.StatusBadRequest, map[string]string{"message": "invalid JSON body"})
		return
	}
	if req.Version == "" || req.URL == "" {
		s.respondJSON(w, http.StatusBadRequest, map[string]string{"message": "version and url are required"})
		return
	}

	failures := s.orch.TriggerFirmwareUpdateAll(r.Context(), req)
	resp := struct {
		TargetVersion string            `json:"targetVersion"`
		Devices       int               `json:"devices"`
		Failed        map[string]string `json:"failed,omitempty"`
	}{
		TargetVersion: req.Version,
		Devices:       s.orch.size(),
		Failed:        make(map[string]string, len(failures)),
	}
	for id, err := range failures {
		resp.Failed[id] = err.Error()
	}
	s.respondJSON(w, http.StatusOK, resp)
}

func (s *ControlServer) handleTimerGet(w http.ResponseWriter, _ *http.Request) {
	if s.timer == nil {
		s.respondJSON(w, http.StatusOK, map[string]any{"bounded": false})
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{
		"bounded":          true,
		"remainingSeconds": int(s.timer.Remaining().Seconds()),
	})
}

func (s *ControlServer) handleTimerExtend(w http.ResponseWriter, r *http.Request) {
	if s.timer == nil {
		s.respondJSON(w, http.StatusConflict, map[string]string{"message": "run is unbounded"})
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxControlBodyBytes)
	defer r.Body.Close()

	var req struct {
		Minutes int `json:"minutes"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Minutes <= 0 {
		s.respondJSON(w, http.StatusBadRequest, map[string]string{"message": "minutes must be a positive integer"})
		return
	}

	remaining, err := s.timer.Extend(time.Duration(req.Minutes) * time.Minute)
	if err != nil {
		s.respondJSON(w, http.StatusConflict, map[string]string{"message": err.Error()})
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{
		"extendedMinutes":  req.Minutes,
		"remainingSeconds": int(remaining.Seconds()),
	})
}

func (s *ControlServer) handleTimerStop(w http.ResponseWriter, _ *http.Request) {
	if s.timer == nil {
		s.respondJSON(w, http.StatusConflict, map[string]string{"message": "run is unbounded"})
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]string{"message": "stopping run"})
	// Flush the response before shutdown starts tearing the process down.
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
	go s.timer.Stop()
}

func (s *ControlServer) respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.V(1).Info("encode response failed", "error", err.Error())
	}
}
