package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/zsiec/lockstep/internal/errors"
	"github.com/zsiec/lockstep/internal/health"
	"github.com/zsiec/lockstep/internal/logger"
	"github.com/zsiec/lockstep/internal/timing"
	"github.com/zsiec/lockstep/internal/validator"
	"github.com/zsiec/lockstep/pkg/version"
)

func (s *Server) setupRoutes() {
	s.router.Use(s.requestIDMiddleware)
	s.router.Use(logger.RequestLoggerMiddleware(s.logger))
	s.router.Use(s.recoveryMiddleware)
	s.router.Use(s.metricsMiddleware)

	healthHandler := health.NewHandler(s.healthMgr)
	s.router.HandleFunc("/health", healthHandler.HandleHealth).Methods("GET")
	s.router.HandleFunc("/ready", healthHandler.HandleReady).Methods("GET")
	s.router.HandleFunc("/live", healthHandler.HandleLive).Methods("GET")

	s.router.HandleFunc("/version", s.handleVersion).Methods("GET")
	s.router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	api := s.router.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/status", s.handleStatus).Methods("GET")
	api.HandleFunc("/quality", s.handleQuality).Methods("GET")
	api.HandleFunc("/quality/report", s.handleQualityReport).Methods("GET")
	api.HandleFunc("/measurements/export", s.handleExport).Methods("GET")
	api.HandleFunc("/validator/config", s.handleValidatorConfig).Methods("PUT")

	api.HandleFunc("/latency", s.handleLatency).Methods("GET")
	api.HandleFunc("/latency/report", s.handleLatencyReport).Methods("GET")
	api.HandleFunc("/latency/plugins", s.handleRegisterPlugin).Methods("POST")
	api.HandleFunc("/latency/plugins/{name}", s.handleUnregisterPlugin).Methods("DELETE")
	api.HandleFunc("/latency/plugins/{name}/bypass", s.handleBypassPlugin).Methods("POST")
	api.HandleFunc("/latency/system", s.handleSystemLatency).Methods("PUT")

	api.HandleFunc("/clock/rate", s.handlePlaybackRate).Methods("POST")
	api.HandleFunc("/clock/resync", s.handleResync).Methods("POST")

	api.HandleFunc("/positions/audio", s.handleAudioPosition).Methods("POST")
	api.HandleFunc("/positions/video", s.handleVideoPosition).Methods("POST")

	s.router.NotFoundHandler = http.HandlerFunc(s.errorHandler.HandleNotFound)
	s.router.MethodNotAllowedHandler = http.HandlerFunc(s.errorHandler.HandleMethodNotAllowed)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, version.GetInfo())
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.engine.Status())
}

func (s *Server) handleQuality(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.engine.Validator().QualityMetrics())
}

func (s *Server) handleQualityReport(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, s.engine.Validator().GenerateQualityReport())
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	filename := fmt.Sprintf("sync_measurements_%s.csv", time.Now().UTC().Format("20060102T150405"))
	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", `attachment; filename="`+filename+`"`)

	if err := s.engine.Validator().ExportCSV(w); err != nil {
		s.logger.WithError(err).Error("Measurement export failed")
	}
}

func (s *Server) handleValidatorConfig(w http.ResponseWriter, r *http.Request) {
	var req validator.Config
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorHandler.HandleError(w, r, errors.NewValidationError("invalid request body"))
		return
	}

	if err := s.engine.Validator().UpdateConfig(req); err != nil {
		s.errorHandler.HandleError(w, r, errors.NewValidationError(err.Error()))
		return
	}

	s.writeJSON(w, http.StatusOK, s.engine.Validator().Config())
}

func (s *Server) handleLatency(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.engine.Compensator().Status())
}

func (s *Server) handleLatencyReport(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, s.engine.Compensator().Report())
}

func (s *Server) handleRegisterPlugin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name      string  `json:"name"`
		LatencyMs float64 `json:"latency_ms"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorHandler.HandleError(w, r, errors.NewValidationError("invalid request body"))
		return
	}

	if err := s.engine.Compensator().RegisterPlugin(req.Name, req.LatencyMs); err != nil {
		s.errorHandler.HandleError(w, r, err)
		return
	}

	s.writeJSON(w, http.StatusCreated, map[string]string{"status": "registered"})
}

func (s *Server) handleUnregisterPlugin(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	s.engine.Compensator().UnregisterPlugin(name)
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "unregistered"})
}

func (s *Server) handleBypassPlugin(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]

	var req struct {
		Bypassed bool `json:"bypassed"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorHandler.HandleError(w, r, errors.NewValidationError("invalid request body"))
		return
	}

	if err := s.engine.Compensator().SetPluginBypassed(name, req.Bypassed); err != nil {
		s.errorHandler.HandleError(w, r, err)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]bool{"bypassed": req.Bypassed})
}

func (s *Server) handleSystemLatency(w http.ResponseWriter, r *http.Request) {
	var req struct {
		LatencyMs float64 `json:"latency_ms"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorHandler.HandleError(w, r, errors.NewValidationError("invalid request body"))
		return
	}

	if err := s.engine.Compensator().SetSystemLatencyMs(req.LatencyMs); err != nil {
		s.errorHandler.HandleError(w, r, err)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]float64{"latency_ms": req.LatencyMs})
}

func (s *Server) handlePlaybackRate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Rate float64 `json:"rate"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorHandler.HandleError(w, r, errors.NewValidationError("invalid request body"))
		return
	}
	if req.Rate <= 0 {
		s.errorHandler.HandleError(w, r, errors.NewValidationError("playback rate must be positive"))
		return
	}

	s.engine.Clock().SetPlaybackRate(req.Rate)
	s.writeJSON(w, http.StatusOK, map[string]float64{"rate": s.engine.Clock().PlaybackRate()})
}

func (s *Server) handleResync(w http.ResponseWriter, r *http.Request) {
	s.engine.Clock().ForceSyncCorrection()
	s.writeJSON(w, http.StatusOK, s.engine.Clock().DriftState())
}

func (s *Server) handleAudioPosition(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Samples int64 `json:"samples"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorHandler.HandleError(w, r, errors.NewValidationError("invalid request body"))
		return
	}

	if err := s.engine.UpdateAudioPosition(req.Samples); err != nil {
		s.errorHandler.HandleError(w, r, err)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]int64{"master_time_us": s.engine.Clock().MasterTimeUs()})
}

func (s *Server) handleVideoPosition(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Seconds float64 `json:"seconds"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorHandler.HandleError(w, r, errors.NewValidationError("invalid request body"))
		return
	}
	if req.Seconds < 0 {
		s.errorHandler.HandleError(w, r, errors.NewValidationError("video position must be non-negative"))
		return
	}

	s.engine.ReportVideoPosition(timing.FromSeconds(req.Seconds))
	s.writeJSON(w, http.StatusOK, map[string]float64{"av_offset_ms": s.engine.Clock().AVOffsetMs()})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.WithError(err).Error("Failed to encode response")
	}
}
