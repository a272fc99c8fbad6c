package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/XCP/xcpfolio-bot/fulfillment"
	"github.com/XCP/xcpfolio-bot/history"
	"github.com/XCP/xcpfolio-bot/logging"
	"github.com/XCP/xcpfolio-bot/maintenance"
	"github.com/XCP/xcpfolio-bot/metrics"
)

// Server exposes health, status and metrics over HTTP. Read-only; no
// endpoint mutates controller state.
type Server struct {
	fulfillment *fulfillment.Controller
	maintenance *maintenance.Controller
	history     *history.Recorder
	metrics     *metrics.Collector
	logger      *logging.ComponentLogger

	httpServer *http.Server
	startTime  time.Time
}

// New creates the status server on the given port.
func New(
	port int,
	fc *fulfillment.Controller,
	mc *maintenance.Controller,
	recorder *history.Recorder,
	collector *metrics.Collector,
	logger *logging.ComponentLogger,
) *Server {
	s := &Server{
		fulfillment: fc,
		maintenance: mc,
		history:     recorder,
		metrics:     collector,
		logger:      logger,
		startTime:   time.Now(),
	}

	r := mux.NewRouter()
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/ready", s.handleReady).Methods(http.MethodGet)
	r.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	r.HandleFunc("/orders", s.handleOrders).Methods(http.MethodGet)
	r.Handle("/metrics", collector.Handler()).Methods(http.MethodGet)

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return s
}

// Start runs the HTTP server until Shutdown.
func (s *Server) Start() error {
	s.logger.Info().
		Str("addr", s.httpServer.Addr).
		Msg("Status server listening")
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown stops the HTTP server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "healthy",
		"uptime": time.Since(s.startTime).String(),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	snap := s.fulfillment.GetState()
	if snap.LastBlock == 0 {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
			"status": "not ready",
			"reason": "no fulfillment run completed yet",
		})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "ready",
		"lastBlock": snap.LastBlock,
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"fulfillment": s.fulfillment.GetState(),
		"maintenance": s.maintenance.GetStatus(),
		"uptime":      time.Since(s.startTime).String(),
	})
}

func (s *Server) handleOrders(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}
	entries := s.history.Recent(limit)
	if entries == nil {
		entries = []history.Entry{}
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"orders": entries,
		"count":  len(entries),
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Debug().
			Err(err).
			Msg("Failed to write response")
	}
}
