package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/skypro1111/audio-dispatch-service/internal/dispatch"
	"github.com/skypro1111/audio-dispatch-service/internal/metrics"
)

// HTTPServer exposes the task-distribution protocol plus monitoring
// endpoints. Authentication is delegated to a front proxy; the only
// client identity used here is the advisory X-Worker-ID header.
type HTTPServer struct {
	server  *http.Server
	logger  *slog.Logger
	coord   *dispatch.Coordinator
	metrics *metrics.Metrics

	startTime time.Time
}

// taskResponse is the descriptor returned by GET /task
type taskResponse struct {
	FileID   string `json:"file_id"`
	Language string `json:"language"`
	AudioURL string `json:"audio_url"`
}

// resultRequest is the body of POST /result
type resultRequest struct {
	FileID       string  `json:"file_id"`
	TimeTaken    float64 `json:"time_taken"`
	AudioMinutes float64 `json:"audio_minutes"`
	VTT          string  `json:"vtt,omitempty"`
}

// errorRequest is the body of POST /error
type errorRequest struct {
	FileID string `json:"file_id"`
	Reason string `json:"reason"`
}

// NewHTTPServer creates the coordinator's HTTP server
func NewHTTPServer(addr string, logger *slog.Logger, coord *dispatch.Coordinator, m *metrics.Metrics) *HTTPServer {
	h := &HTTPServer{
		logger:    logger,
		coord:     coord,
		metrics:   m,
		startTime: time.Now(),
	}

	mux := http.NewServeMux()
	h.setupRoutes(mux)

	h.server = &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 5 * time.Minute, // audio streaming to slow workers
		IdleTimeout:  60 * time.Second,
	}

	return h
}

// setupRoutes configures HTTP API routes
func (h *HTTPServer) setupRoutes(mux *http.ServeMux) {
	// Task distribution protocol
	mux.HandleFunc("/task", h.withMetrics("/task", h.handleTask))
	mux.HandleFunc("/result", h.withMetrics("/result", h.handleResult))
	mux.HandleFunc("/error", h.withMetrics("/error", h.handleError))
	mux.HandleFunc("/audio/", h.withMetrics("/audio/{id}", h.handleAudio))

	// Monitoring endpoints
	mux.HandleFunc("/health", h.withMetrics("/health", h.handleHealth))
	mux.HandleFunc("/stats", h.withMetrics("/stats", h.handleStats))
	mux.HandleFunc("/leases", h.withMetrics("/leases", h.handleLeases))
	mux.Handle("/metrics", promhttp.Handler())

	// Root endpoint with API documentation
	mux.HandleFunc("/", h.withMetrics("/", h.handleRoot))
}

// withMetrics wraps an HTTP handler with metrics collection
func (h *HTTPServer) withMetrics(endpoint string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		startTime := time.Now()

		ww := &responseWriter{ResponseWriter: w, statusCode: 200}
		handler(ww, r)

		duration := time.Since(startTime).Seconds()
		statusCode := fmt.Sprintf("%d", ww.statusCode)

		h.metrics.RecordHTTPRequest(r.Method, endpoint, statusCode, duration)

		if ww.statusCode >= 400 {
			errorType := "client_error"
			if ww.statusCode >= 500 {
				errorType = "server_error"
			}
			h.metrics.RecordHTTPError(r.Method, endpoint, errorType)
		}
	}
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Start starts the HTTP server
func (h *HTTPServer) Start() error {
	h.logger.Info("Starting HTTP server", slog.String("address", h.server.Addr))

	go func() {
		if err := h.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			h.logger.Error("HTTP server error", slog.String("error", err.Error()))
		}
	}()

	return nil
}

// Stop gracefully stops the HTTP server
func (h *HTTPServer) Stop(ctx context.Context) error {
	h.logger.Info("Stopping HTTP server...")
	return h.server.Shutdown(ctx)
}

// Handler returns the configured handler, for tests
func (h *HTTPServer) Handler() http.Handler {
	return h.server.Handler
}

// holderID identifies the requesting worker for lease diagnostics
func holderID(r *http.Request) string {
	if id := r.Header.Get("X-Worker-ID"); id != "" {
		return id
	}
	return r.RemoteAddr
}

// handleTask implements GET /task
func (h *HTTPServer) handleTask(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	holder := holderID(r)
	task, _, err := h.coord.Acquire(holder)
	if errors.Is(err, dispatch.ErrNoCandidate) {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if err != nil {
		h.logger.Error("Task acquisition failed",
			slog.String("holder", holder),
			slog.String("error", err.Error()),
		)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	resp := taskResponse{
		FileID:   task.FileID,
		Language: task.Language,
		AudioURL: "/audio/" + task.FileID,
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// handleResult implements POST /result
func (h *HTTPServer) handleResult(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req resultRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON body", http.StatusBadRequest)
		return
	}
	if req.FileID == "" {
		http.Error(w, "Missing file_id", http.StatusBadRequest)
		return
	}
	if req.TimeTaken < 0 || req.AudioMinutes < 0 {
		http.Error(w, "time_taken and audio_minutes must be non-negative", http.StatusBadRequest)
		return
	}

	err := h.coord.SubmitSuccess(req.FileID, req.TimeTaken, req.AudioMinutes, req.VTT)
	if errors.Is(err, dispatch.ErrUnknownFile) {
		http.Error(w, "Unknown file_id", http.StatusNotFound)
		return
	}
	if err != nil {
		h.logger.Error("Result submission failed",
			slog.String("file_id", req.FileID),
			slog.String("error", err.Error()),
		)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// handleError implements POST /error
func (h *HTTPServer) handleError(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req errorRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON body", http.StatusBadRequest)
		return
	}
	if req.FileID == "" {
		http.Error(w, "Missing file_id", http.StatusBadRequest)
		return
	}
	if req.Reason == "" {
		req.Reason = "unknown error"
	}

	err := h.coord.SubmitFailure(req.FileID, req.Reason)
	if errors.Is(err, dispatch.ErrUnknownFile) {
		http.Error(w, "Unknown file_id", http.StatusNotFound)
		return
	}
	if err != nil {
		h.logger.Error("Failure submission failed",
			slog.String("file_id", req.FileID),
			slog.String("error", err.Error()),
		)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// handleAudio implements GET /audio/{file_id}, streaming the source
// file so workers do not need a shared filesystem.
func (h *HTTPServer) handleAudio(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	fileID := strings.TrimPrefix(r.URL.Path, "/audio/")
	if fileID == "" || strings.Contains(fileID, "/") {
		http.Error(w, "File ID required", http.StatusBadRequest)
		return
	}

	task, ok := h.coord.Lookup(fileID)
	if !ok {
		http.Error(w, "Unknown file_id", http.StatusNotFound)
		return
	}

	// ServeFile sets Content-Type from the extension and handles range
	// requests for resumed downloads.
	http.ServeFile(w, r, task.Path)
}

// handleHealth implements GET /health
func (h *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	stats := h.coord.GetStats()
	health := map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
		"uptime":    time.Since(h.startTime).String(),
		"service": map[string]interface{}{
			"name":    "audio-dispatch-service",
			"version": "1.0.0",
		},
		"components": map[string]interface{}{
			"dispatcher": map[string]interface{}{
				"status":         "running",
				"corpus_size":    stats.CorpusSize,
				"active_leases":  stats.ActiveLeases,
				"ledger_records": stats.LedgerRecords,
				"candidates":     stats.Candidates,
			},
		},
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(health)
}

// handleStats implements GET /stats
func (h *HTTPServer) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	stats := map[string]interface{}{
		"uptime":    time.Since(h.startTime).String(),
		"timestamp": time.Now().UTC(),
		"dispatch":  h.coord.GetStats(),
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(stats)
}

// handleLeases implements GET /leases
func (h *HTTPServer) handleLeases(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	leases := h.coord.Leases()
	response := map[string]interface{}{
		"total_leases": len(leases),
		"timestamp":    time.Now().UTC(),
		"leases":       leases,
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

// handleRoot implements GET / with API documentation
func (h *HTTPServer) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	apiDoc := map[string]interface{}{
		"service": "Audio Dispatch Service",
		"version": "1.0.0",
		"endpoints": map[string]interface{}{
			"GET /task":            "Lease the next candidate file (204 when none)",
			"POST /result":         "Report a completed transcription (idempotent)",
			"POST /error":          "Report a failed transcription (idempotent)",
			"GET /audio/{file_id}": "Download the audio for a leased task",
			"GET /health":          "Service health check",
			"GET /stats":           "Dispatch statistics",
			"GET /leases":          "Active lease table",
			"GET /metrics":         "Prometheus metrics",
		},
		"timestamp": time.Now().UTC(),
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(apiDoc)
}
