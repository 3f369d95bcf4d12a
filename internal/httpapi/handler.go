package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const flushTimeout = 30 * time.Second

// Agent is the state the diagnostics API exposes.
type Agent interface {
	Status() StatusResponse
	Flush(ctx context.Context)
}

// Handler exposes local diagnostics endpoints for the agent.
type Handler struct {
	agent    Agent
	gatherer prometheus.Gatherer
	logger   *zap.Logger
}

// NewHandler builds a handler. gatherer may be nil to disable /metrics.
func NewHandler(agent Agent, gatherer prometheus.Gatherer, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{agent: agent, gatherer: gatherer, logger: logger}
}

// RegisterRoutes registers HTTP routes for the diagnostics server.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/healthz", h.handleHealth)
	mux.HandleFunc("/v1/status", h.handleStatus)
	mux.HandleFunc("/v1/flush", h.handleFlush)
	if h.gatherer != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{}))
	}
}

// ServeMux returns a mux with all routes registered.
func (h *Handler) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)
	return mux
}

func (h *Handler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.writeErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	h.writeJSON(w, http.StatusOK, h.agent.Status())
}

func (h *Handler) handleFlush(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.writeErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	status := h.agent.Status()
	if !status.Enabled {
		h.writeErr(w, http.StatusConflict, "agent is disabled")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), flushTimeout)
	defer cancel()
	h.agent.Flush(ctx)
	h.logger.Debug("manual flush completed")

	h.writeJSON(w, http.StatusOK, h.agent.Status())
}

func (h *Handler) writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Debug("failed to write response", zap.Error(err))
	}
}

func (h *Handler) writeErr(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(ErrorResponse{Error: message})
}
