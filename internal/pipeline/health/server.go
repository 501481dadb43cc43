package health

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Submitter accepts delivery jobs. Satisfied by a thin adapter over the
// orchestrator.
type Submitter interface {
	Submit(ctx context.Context, url, originRef, statusMessageRef string) (int, int, error)
}

// Server provides HTTP endpoints for health monitoring and job submission.
type Server struct {
	monitor   *Monitor
	submitter Submitter
	logger    *slog.Logger
	server    *http.Server
}

// NewServer creates a new health server.
func NewServer(monitor *Monitor, submitter Submitter, port int, logger *slog.Logger) *Server {
	mux := http.NewServeMux()
	s := &Server{
		monitor:   monitor,
		submitter: submitter,
		logger:    logger.With("component", "health"),
		server: &http.Server{
			Addr:    fmt.Sprintf(":%d", port),
			Handler: mux,
		},
	}

	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/health/detailed", s.handleDetailed)
	mux.HandleFunc("/jobs", s.handleSubmit)
	mux.Handle("/metrics", promhttp.Handler())

	return s
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	return s.server.ListenAndServe()
}

// Stop stops the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	report := s.monitor.CheckHealth(r.Context())

	response := map[string]string{"status": string(report.SystemStatus)}
	w.Header().Set("Content-Type", "application/json")

	if report.SystemStatus == StatusCritical {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}

	json.NewEncoder(w).Encode(response)
}

func (s *Server) handleDetailed(w http.ResponseWriter, r *http.Request) {
	report := s.monitor.CheckHealth(r.Context())
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(report)
}

// handleSubmit accepts a delivery job and runs it in the background. The
// response acknowledges acceptance, not completion.
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		URL              string `json:"url"`
		OriginRef        string `json:"origin_ref"`
		StatusMessageRef string `json:"status_message_ref"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.URL == "" {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	go func() {
		// Detached from the request context: the job outlives the HTTP call.
		succeeded, total, err := s.submitter.Submit(
			context.Background(), req.URL, req.OriginRef, req.StatusMessageRef)
		if err != nil {
			s.logger.Error("Submitted job failed",
				"url", req.URL, "delivered", succeeded, "total", total, "error", err)
			return
		}
		s.logger.Info("Submitted job finished",
			"url", req.URL, "delivered", succeeded, "total", total)
	}()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]string{"status": "accepted"})
}
