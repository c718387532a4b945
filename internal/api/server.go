// Package api exposes the fleet over HTTP and provides a client for it.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"cxlogger/internal/fleet"
	"cxlogger/internal/settings"
)

// Server provides the control plane HTTP API.
type Server struct {
	fleet    Fleet
	reporter Reporter
	gatherer prometheus.Gatherer
	log      *slog.Logger
	router   *mux.Router
}

// NewServer wires the routes. A nil gatherer disables /metrics and a nil
// reporter disables on-demand health reports.
func NewServer(f Fleet, g prometheus.Gatherer, r Reporter, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	s := &Server{fleet: f, reporter: r, gatherer: g, log: log}

	router := mux.NewRouter()
	api := router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/devices", s.handleListDevices).Methods(http.MethodGet)
	api.HandleFunc("/devices/stop", s.handleStopAll).Methods(http.MethodPost)
	api.HandleFunc("/devices/{id}/start", s.handleStart).Methods(http.MethodPost)
	api.HandleFunc("/devices/{id}/stop", s.handleStop).Methods(http.MethodPost)
	api.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	api.HandleFunc("/health/report", s.handleReport).Methods(http.MethodPost)
	api.HandleFunc("/settings/{id}", s.handleGetSettings).Methods(http.MethodGet)
	api.HandleFunc("/settings/{id}", s.handleUpdateSettings).Methods(http.MethodPost, http.MethodPut)
	if g != nil {
		router.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}
	router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSONError(w, http.StatusNotFound, "not found")
	})
	router.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
	})
	s.router = router
	return s
}

// Handler returns the routes wrapped with panic recovery and access logs.
func (s *Server) Handler() http.Handler {
	logged := handlers.CustomLoggingHandler(io.Discard, s.router, s.logRequest)
	return handlers.RecoveryHandler(handlers.RecoveryLogger(recoveryLogger{s.log}))(logged)
}

// ListenAndServe runs the HTTP server until ctx is cancelled, then shuts it
// down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	server := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("api listening", "addr", addr)
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown api: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, DevicesResponse{Devices: s.fleet.ListDevices()})
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if !s.fleet.CheckDevice(id) {
		writeJSONError(w, http.StatusNotFound, "unknown device "+id)
		return
	}
	if err := s.fleet.StartDevice(id); err != nil {
		writeFleetError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, ActionResponse{Device: id, Action: "start"})
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if !s.fleet.CheckDevice(id) {
		writeJSONError(w, http.StatusNotFound, "unknown device "+id)
		return
	}
	if err := s.fleet.StopDevice(id); err != nil {
		writeFleetError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ActionResponse{Device: id, Action: "stop"})
}

func (s *Server) handleStopAll(w http.ResponseWriter, r *http.Request) {
	s.fleet.StopAllDevices()
	writeJSON(w, http.StatusOK, ActionResponse{Action: "stop_all"})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.fleet.HealthCheck())
}

func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	if s.reporter == nil {
		writeJSONError(w, http.StatusServiceUnavailable, "health reporting disabled")
		return
	}
	if err := s.reporter.Report(r.Context()); err != nil {
		writeJSONError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, ActionResponse{Action: "report"})
}

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if !s.fleet.CheckDevice(id) {
		writeJSONError(w, http.StatusNotFound, "unknown device "+id)
		return
	}
	cfg, err := s.fleet.DeviceSettings(id)
	if err != nil {
		writeFleetError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

func (s *Server) handleUpdateSettings(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if !s.fleet.CheckDevice(id) {
		writeJSONError(w, http.StatusNotFound, "unknown device "+id)
		return
	}

	var cfg settings.AcquisitionSettings
	if err := decodeJSON(r, &cfg); err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.fleet.UpdateDeviceSettings(id, cfg); err != nil {
		writeFleetError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

func (s *Server) logRequest(_ io.Writer, p handlers.LogFormatterParams) {
	level := slog.LevelDebug
	if p.StatusCode >= http.StatusInternalServerError {
		level = slog.LevelWarn
	} else if p.Request.Method != http.MethodGet {
		level = slog.LevelInfo
	}
	s.log.Log(p.Request.Context(), level, "http request",
		"method", p.Request.Method,
		"path", p.URL.Path,
		"status", p.StatusCode,
		"bytes", p.Size,
		"took", time.Since(p.TimeStamp),
	)
}

type recoveryLogger struct{ log *slog.Logger }

func (l recoveryLogger) Println(v ...interface{}) {
	l.log.Error("http handler panic", "panic", fmt.Sprint(v...))
}

func writeFleetError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, fleet.ErrUnknownDevice):
		writeJSONError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, fleet.ErrAlreadyActive), errors.Is(err, fleet.ErrDraining):
		writeJSONError(w, http.StatusConflict, err.Error())
	case errors.Is(err, settings.ErrInvalid):
		writeJSONError(w, http.StatusBadRequest, err.Error())
	default:
		writeJSONError(w, http.StatusInternalServerError, err.Error())
	}
}

func decodeJSON(r *http.Request, v any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(v)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	encoder := json.NewEncoder(w)
	_ = encoder.Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, ErrorResponse{Error: message})
}
