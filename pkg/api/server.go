// Package api exposes the HTTP management surface. It is a boundary over
// the core: validation happens here, the router and orchestrator do the work.
package api

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"agentmesh/pkg/deploy"
	"agentmesh/pkg/domain"
	"agentmesh/pkg/lifecycle"
	"agentmesh/pkg/logx"
	"agentmesh/pkg/registry"
	"agentmesh/pkg/router"
)

// Ceilings for create-agent requests.
const (
	maxAgentNameLen  = 255
	maxMemoryCeiling = 1 << 30   // 1 GiB
	maxCPUMillis     = 1_000_000 // 10^6 ms
)

// Server is the management HTTP server.
type Server struct {
	router       *router.Router
	registry     *registry.Registry
	orchestrator *deploy.Orchestrator
	logger       *logx.Logger
	httpServer   *http.Server
}

// NewServer wires the management surface.
func NewServer(addr string, rt *router.Router, reg *registry.Registry, orch *deploy.Orchestrator) *Server {
	s := &Server{
		router:       rt,
		registry:     reg,
		orchestrator: orch,
		logger:       logx.NewLogger("api"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/health", s.handleHealth)
	mux.HandleFunc("GET /api/v1/agents", s.handleListAgents)
	mux.HandleFunc("POST /api/v1/agents", s.handleCreateAgent)
	mux.HandleFunc("GET /api/v1/agents/{id}", s.handleGetAgent)
	mux.HandleFunc("GET /api/v1/stats", s.handleStats)
	mux.Handle("GET /metrics", promhttp.Handler())

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// ListenAndServe blocks serving the management API.
func (s *Server) ListenAndServe() error {
	s.logger.Info("management API listening on %s", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("management API failed: %w", err)
	}
	return nil
}

// Shutdown stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("management API shutdown: %w", err)
	}
	return nil
}

type errorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// writeError maps the error taxonomy to HTTP status codes.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrValidation):
		status = http.StatusBadRequest
	case errors.Is(err, domain.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, domain.ErrResourceExhausted), errors.Is(err, domain.ErrQueueFull):
		status = http.StatusTooManyRequests
	case errors.Is(err, domain.ErrCircuitOpen), errors.Is(err, domain.ErrStorage):
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, errorResponse{Error: http.StatusText(status), Details: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	health := s.router.HealthCheck()
	status := http.StatusOK
	if health.Status == router.Unhealthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, health)
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.router.GetStats())
}

func (s *Server) handleListAgents(w http.ResponseWriter, _ *http.Request) {
	agents := s.registry.ListAgents()
	summaries := make([]lifecycle.Summary, 0, len(agents))
	for _, agent := range agents {
		summaries = append(summaries, agent.Summarize())
	}
	writeJSON(w, http.StatusOK, summaries)
}

type createAgentRequest struct {
	Name           string   `json:"name"`
	WasmModule     string   `json:"wasm_module"` // base64
	Capabilities   []string `json:"capabilities,omitempty"`
	ResourceLimits struct {
		MaxMemoryBytes     uint64 `json:"max_memory_bytes"`
		MaxCPUMillis       uint64 `json:"max_cpu_millis"`
		MaxExecutionTimeMs uint64 `json:"max_execution_time_ms"`
	} `json:"resource_limits"`
}

func (s *Server) handleCreateAgent(w http.ResponseWriter, r *http.Request) {
	var req createAgentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, fmt.Errorf("%w: malformed request body: %v", domain.ErrValidation, err))
		return
	}

	if strings.TrimSpace(req.Name) == "" || len(req.Name) > maxAgentNameLen {
		s.writeError(w, fmt.Errorf("%w: name must be non-empty and at most %d chars",
			domain.ErrValidation, maxAgentNameLen))
		return
	}
	module, err := base64.StdEncoding.DecodeString(req.WasmModule)
	if err != nil {
		s.writeError(w, fmt.Errorf("%w: wasm_module must be base64: %v", domain.ErrValidation, err))
		return
	}
	if len(module) == 0 {
		s.writeError(w, fmt.Errorf("%w: wasm_module must not be empty", domain.ErrValidation))
		return
	}
	limits := req.ResourceLimits
	if limits.MaxMemoryBytes == 0 || limits.MaxCPUMillis == 0 || limits.MaxExecutionTimeMs == 0 {
		s.writeError(w, fmt.Errorf("%w: resource limits must all be positive", domain.ErrValidation))
		return
	}
	if limits.MaxMemoryBytes > maxMemoryCeiling {
		s.writeError(w, fmt.Errorf("%w: max_memory_bytes exceeds 1 GiB", domain.ErrValidation))
		return
	}
	if limits.MaxCPUMillis > maxCPUMillis {
		s.writeError(w, fmt.Errorf("%w: max_cpu_millis exceeds %d", domain.ErrValidation, maxCPUMillis))
		return
	}

	memLimit, err := domain.NewDeploymentMemoryLimit(limits.MaxMemoryBytes)
	if err != nil {
		s.writeError(w, err)
		return
	}
	// One fuel unit is a microsecond of execution budget.
	fuelLimit, err := domain.NewDeploymentFuelLimit(limits.MaxCPUMillis * 1000)
	if err != nil {
		s.writeError(w, err)
		return
	}

	result, err := s.orchestrator.Deploy(r.Context(), &deploy.Request{
		AgentName:    req.Name,
		AgentType:    "default",
		Capabilities: req.Capabilities,
		Module:       module,
		Strategy:     deploy.StrategyImmediate,
		Instances:    1,
		Resources: deploy.ResourceRequirements{
			MemoryLimit: memLimit,
			FuelLimit:   fuelLimit,
		},
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	if result.Status != deploy.StatusSucceeded {
		s.writeError(w, fmt.Errorf("deployment %s: %s", result.Status, result.Error))
		return
	}

	fleet, ok := s.orchestrator.Fleet(req.Name)
	if !ok || len(fleet.Instances) == 0 {
		s.writeError(w, fmt.Errorf("%w: deployed fleet not found", domain.ErrNotFound))
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": fleet.Instances[0].ID.String()})
}

func (s *Server) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	id, err := domain.ParseAgentID(r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}

	loc := s.registry.Lookup(id)
	if loc.Kind != registry.LocationLocal || loc.Agent == nil {
		s.writeError(w, fmt.Errorf("%w: agent %s", domain.ErrNotFound, id))
		return
	}
	writeJSON(w, http.StatusOK, loc.Agent.Summarize())
}
