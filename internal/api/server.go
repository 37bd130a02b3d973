// Package api serves the optional admin endpoint: status JSON, health,
// and Prometheus metrics. It runs on its own goroutines and only reads
// atomic snapshots of the proxy core.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pgtrace/pgtrace/internal/config"
	"github.com/pgtrace/pgtrace/internal/health"
	"github.com/pgtrace/pgtrace/internal/metrics"
	"github.com/pgtrace/pgtrace/internal/proxy"
)

// Server is the admin HTTP server.
type Server struct {
	stats       proxy.StatsSource
	healthCheck *health.Checker
	metrics     *metrics.Collector
	cfg         *config.Config
	httpServer  *http.Server
	startTime   time.Time
}

// NewServer creates a new admin server.
func NewServer(stats proxy.StatsSource, hc *health.Checker, m *metrics.Collector, cfg *config.Config) *Server {
	return &Server{
		stats:       stats,
		healthCheck: hc,
		metrics:     m,
		cfg:         cfg,
		startTime:   time.Now(),
	}
}

// Start starts the HTTP server on the configured bind/port.
func (s *Server) Start() error {
	r := mux.NewRouter()

	r.HandleFunc("/status", s.statusHandler).Methods("GET")
	r.HandleFunc("/healthz", s.healthzHandler).Methods("GET")
	r.Handle("/metrics", promhttp.HandlerFor(s.metrics.Registry, promhttp.HandlerOpts{}))

	addr := fmt.Sprintf("%s:%d", s.cfg.Admin.Bind, s.cfg.Admin.Port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	log.Printf("[api] admin endpoint listening on %s", addr)

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("[api] server error: %v", err)
		}
	}()

	return nil
}

// Stop gracefully shuts down the admin server.
func (s *Server) Stop() error {
	if s.httpServer == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}

type statusResponse struct {
	UptimeSeconds float64              `json:"uptime_seconds"`
	ListenPort    int                  `json:"listen_port"`
	Backend       string               `json:"backend"`
	LogFile       string               `json:"log_file"`
	Sessions      proxy.Stats          `json:"sessions"`
	Health        health.BackendHealth `json:"health"`
}

func (s *Server) statusHandler(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{
		UptimeSeconds: time.Since(s.startTime).Seconds(),
		ListenPort:    s.cfg.ListenPort,
		Backend:       fmt.Sprintf("%s:%d", s.cfg.DBHost, s.cfg.DBPort),
		LogFile:       s.cfg.LogFile,
		Sessions:      s.stats.Stats(),
	}
	if s.healthCheck != nil {
		resp.Health = s.healthCheck.Snapshot()
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func (s *Server) healthzHandler(w http.ResponseWriter, r *http.Request) {
	if s.healthCheck != nil && !s.healthCheck.IsHealthy() {
		w.WriteHeader(http.StatusServiceUnavailable)
		fmt.Fprintln(w, "backend unreachable")
		return
	}
	w.WriteHeader(http.StatusOK)
	fmt.Fprintln(w, "ok")
}
