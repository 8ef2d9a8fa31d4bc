// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package ingest is the HTTP edge of the pipeline. POST /ingest normalizes a
// submission, hands it to the queue and answers 202 as soon as the queue has
// accepted it; processing happens later in the workers. The package also
// serves a tenant-scoped read surface over the store and a health check.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/bcem/logpipe/internal/models"
	"github.com/bcem/logpipe/internal/normalize"
	"github.com/bcem/logpipe/internal/store"
)

// DefaultMaxBodyBytes caps request bodies when no limit is configured.
const DefaultMaxBodyBytes = 1 << 20

// Enqueuer is the part of the queue the gateway needs.
type Enqueuer interface {
	Enqueue(ctx context.Context, msg models.Message) (string, error)
}

// RecordReader is the read side of the store.
type RecordReader interface {
	Get(ctx context.Context, tenantID, logID string) (*models.ProcessedRecord, error)
	Query(ctx context.Context, tenantID string) ([]models.ProcessedRecord, error)
}

// Pinger is implemented by backends that can report their health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthCheck names a dependency probed by /health.
type HealthCheck struct {
	Name   string
	Pinger Pinger
}

// AcceptedResponse is the 202 body.
type AcceptedResponse struct {
	Status    string `json:"status"`
	LogID     string `json:"log_id"`
	RequestID string `json:"request_id"`
}

// ErrorResponse is the body of every 4xx/5xx reply.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// TenantLogsResponse is the body of GET /tenants/{tenant_id}/logs.
type TenantLogsResponse struct {
	TenantID string                   `json:"tenant_id"`
	Records  []models.ProcessedRecord `json:"records"`
}

// HandlerConfig holds the dependencies of a Handler.
type HandlerConfig struct {
	Normalizer   *normalize.Normalizer
	Queue        Enqueuer
	Records      RecordReader
	MaxBodyBytes int64
	HealthChecks []HealthCheck
}

// Handler serves the ingestion API.
type Handler struct {
	normalizer   *normalize.Normalizer
	queue        Enqueuer
	records      RecordReader
	maxBodyBytes int64
	checks       []HealthCheck
	newRequestID func() string
}

// NewHandler creates the ingestion handler.
func NewHandler(cfg HandlerConfig) *Handler {
	h := &Handler{
		normalizer:   cfg.Normalizer,
		queue:        cfg.Queue,
		records:      cfg.Records,
		maxBodyBytes: cfg.MaxBodyBytes,
		checks:       cfg.HealthChecks,
		newRequestID: func() string { return uuid.New().String() },
	}
	if h.normalizer == nil {
		h.normalizer = normalize.New()
	}
	if h.maxBodyBytes <= 0 {
		h.maxBodyBytes = DefaultMaxBodyBytes
	}
	return h
}

// Routes returns a mux with every endpoint registered.
func (h *Handler) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/ingest", h.ServeIngest)
	mux.HandleFunc("GET /tenants/{tenant_id}/logs", h.ServeTenantLogs)
	mux.HandleFunc("GET /tenants/{tenant_id}/logs/{log_id}", h.ServeTenantLog)
	mux.HandleFunc("GET /health", h.ServeHealth)
	return mux
}

// ServeIngest handles POST /ingest.
//
//   - 202 once the message is on the queue
//   - 400 when the submission fails validation (nothing is enqueued)
//   - 413 when the body exceeds the configured limit
//   - 500 when the queue rejects the message; the caller should retry
func (h *Handler) ServeIngest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeError(w, http.StatusMethodNotAllowed, "only POST is supported")
		return
	}

	slog.Debug("ingest request received",
		"content_type", r.Header.Get("Content-Type"),
		"content_length", r.ContentLength,
	)

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge,
				fmt.Sprintf("request body exceeds %d bytes", tooLarge.Limit))
			return
		}
		slog.Error("failed to read ingest body", "error", err)
		writeError(w, http.StatusBadRequest, "failed to read request body")
		return
	}

	msg, verr := h.normalizer.Normalize(r.Header.Get("Content-Type"), r.Header, body)
	if verr != nil {
		slog.Warn("ingest validation failed",
			"kind", verr.Kind,
			"reason", verr.Message,
		)
		writeError(w, http.StatusBadRequest, verr.Message)
		return
	}

	msg.RequestID = h.newRequestID()
	w.Header().Set("X-Request-ID", msg.RequestID)

	messageID, err := h.queue.Enqueue(r.Context(), msg)
	if err != nil {
		slog.Error("ingest rejected, enqueue failed",
			"tenant", msg.TenantID,
			"log_id", msg.LogID,
			"request_id", msg.RequestID,
			"error", err,
		)
		writeError(w, http.StatusInternalServerError, "failed to publish message to queue")
		return
	}

	slog.Info("ingest accepted",
		"tenant", msg.TenantID,
		"log_id", msg.LogID,
		"request_id", msg.RequestID,
		"message_id", messageID,
		"source", msg.Source,
	)

	writeJSON(w, http.StatusAccepted, AcceptedResponse{
		Status:    "accepted",
		LogID:     msg.LogID,
		RequestID: msg.RequestID,
	})
}

// ServeTenantLogs handles GET /tenants/{tenant_id}/logs.
func (h *Handler) ServeTenantLogs(w http.ResponseWriter, r *http.Request) {
	tenantID := r.PathValue("tenant_id")
	records, err := h.records.Query(r.Context(), tenantID)
	if err != nil {
		slog.Error("tenant query failed", "tenant", tenantID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to query records")
		return
	}
	if records == nil {
		records = []models.ProcessedRecord{}
	}
	writeJSON(w, http.StatusOK, TenantLogsResponse{TenantID: tenantID, Records: records})
}

// ServeTenantLog handles GET /tenants/{tenant_id}/logs/{log_id}.
func (h *Handler) ServeTenantLog(w http.ResponseWriter, r *http.Request) {
	tenantID, logID := r.PathValue("tenant_id"), r.PathValue("log_id")
	rec, err := h.records.Get(r.Context(), tenantID, logID)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "record not found")
		return
	}
	if err != nil {
		slog.Error("record lookup failed", "tenant", tenantID, "log_id", logID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load record")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// ServeHealth handles GET /health.
func (h *Handler) ServeHealth(w http.ResponseWriter, r *http.Request) {
	for _, c := range h.checks {
		if err := c.Pinger.Ping(r.Context()); err != nil {
			slog.Warn("health check failed", "dependency", c.Name, "error", err)
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status": c.Name + " unhealthy",
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode JSON response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, ErrorResponse{
		Error:   http.StatusText(status),
		Message: message,
	})
}

// Serve starts the HTTP server on the given port.
// It binds the port immediately and signals readiness via the returned channel
// before starting to accept connections. The server drains in-flight requests
// when ctx is cancelled; done is closed once it has stopped.
func Serve(ctx context.Context, port int, handler http.Handler) (ready <-chan struct{}, done <-chan struct{}, err error) {
	server := &http.Server{
		Handler:      handler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, nil, fmt.Errorf("bind port %d: %w", port, err)
	}

	readyCh := make(chan struct{})
	doneCh := make(chan struct{})

	go func() {
		<-ctx.Done()
		slog.Info("ingest server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("server shutdown error", "error", err)
		}
	}()

	go func() {
		defer close(doneCh)
		slog.Info("ingest server listening", "port", port)
		close(readyCh)
		if err := server.Serve(ln); err != http.ErrServerClosed {
			slog.Error("ingest server error", "error", err)
		}
	}()

	return readyCh, doneCh, nil
}
