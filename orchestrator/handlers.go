// Copyright 2025 AxonFlow
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

package orchestrator

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
)

// maxRequestBodyBytes caps the orchestrate request body
const maxRequestBodyBytes = 1 << 20

// defaultTopAgents is used when /monitoring/performance/agents gets no limit
const defaultTopAgents = 10

// APIHandler serves the buyer and monitoring HTTP surface.
type APIHandler struct {
	orchestrator *Orchestrator
	version      string
	started      time.Time
}

// NewAPIHandler creates a handler bound to o
func NewAPIHandler(o *Orchestrator, version string) *APIHandler {
	return &APIHandler{orchestrator: o, version: version, started: time.Now()}
}

// RegisterRoutes registers all routes on r.
//   - POST /buyer/orchestrate - run a buyer query
//   - GET /buyer/orchestrate/agents - list active agents
//   - GET /buyer/orchestrate/tenants - tenants with active agents
//   - GET /buyer/orchestrate/health - orchestrator statistics
//   - GET /api/v1/agents/{tenant_id}/{agent_id}/probe - probe an agent
//   - GET /monitoring/... - performance, errors, cache and health views
func (h *APIHandler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/health", h.healthHandler).Methods("GET")

	r.HandleFunc("/buyer/orchestrate", h.orchestrateHandler).Methods("POST")
	r.HandleFunc("/buyer/orchestrate/agents", h.listAgentsHandler).Methods("GET")
	r.HandleFunc("/buyer/orchestrate/tenants", h.listTenantsHandler).Methods("GET")
	r.HandleFunc("/buyer/orchestrate/health", h.statsHandler).Methods("GET")

	r.HandleFunc("/api/v1/agents/{tenant_id}/{agent_id}/probe", h.probeAgentHandler).Methods("GET")

	r.HandleFunc("/monitoring/performance", h.performanceHandler).Methods("GET")
	r.HandleFunc("/monitoring/performance/agents", h.agentPerformanceHandler).Methods("GET")
	r.HandleFunc("/monitoring/performance/errors", h.errorSummaryHandler).Methods("GET")
	r.HandleFunc("/monitoring/performance/reset", h.resetPerformanceHandler).Methods("POST")
	r.HandleFunc("/monitoring/cache", h.cacheStatsHandler).Methods("GET")
	r.HandleFunc("/monitoring/cache/clear", h.clearCacheHandler).Methods("POST")
	r.HandleFunc("/monitoring/health", h.monitoringHealthHandler).Methods("GET")
}

func (h *APIHandler) healthHandler(w http.ResponseWriter, r *http.Request) {
	sendJSON(w, http.StatusOK, map[string]interface{}{
		"status":         "healthy",
		"service":        "admarket-orchestrator",
		"version":        h.version,
		"timestamp":      time.Now().UTC(),
		"uptime_seconds": time.Since(h.started).Seconds(),
	})
}

func (h *APIHandler) orchestrateHandler(w http.ResponseWriter, r *http.Request) {
	var q Query
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBodyBytes))
	if err != nil {
		sendErrorResponse(w, "Failed to read request body", http.StatusBadRequest)
		return
	}
	if len(strings.TrimSpace(string(body))) > 0 {
		if err := json.Unmarshal(body, &q); err != nil {
			sendErrorResponse(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
			return
		}
	}
	applyListParams(&q, r)

	if _, err := q.Normalize(); err != nil {
		sendErrorResponse(w, err.Error(), http.StatusBadRequest)
		return
	}

	// Orchestration failures travel in metadata.error with a 200.
	sendJSON(w, http.StatusOK, h.orchestrator.Orchestrate(r.Context(), q))
}

func (h *APIHandler) listTenantsHandler(w http.ResponseWriter, r *http.Request) {
	var q Query
	applyListParams(&q, r)

	tenants, err := h.orchestrator.ListTenants(r.Context(), q.AgentFilter())
	if err != nil {
		log.Printf("[API] Failed to list tenants: %v", err)
		sendErrorResponse(w, "Failed to list tenants", http.StatusInternalServerError)
		return
	}
	sendJSON(w, http.StatusOK, map[string]interface{}{
		"tenants":       tenants,
		"total_tenants": len(tenants),
	})
}

func (h *APIHandler) listAgentsHandler(w http.ResponseWriter, r *http.Request) {
	var q Query
	applyListParams(&q, r)
	for i, t := range q.AgentTypes {
		parsed, err := ParseAgentType(string(t))
		if err != nil {
			sendErrorResponse(w, err.Error(), http.StatusBadRequest)
			return
		}
		q.AgentTypes[i] = parsed
	}

	agents, err := h.orchestrator.ListAgents(r.Context(), q.AgentFilter())
	if err != nil {
		log.Printf("[API] Failed to list agents: %v", err)
		sendErrorResponse(w, "Failed to list agents", http.StatusInternalServerError)
		return
	}
	sendJSON(w, http.StatusOK, map[string]interface{}{
		"agents": agents,
		"total":  len(agents),
	})
}

func (h *APIHandler) statsHandler(w http.ResponseWriter, r *http.Request) {
	stats := h.orchestrator.Stats(r.Context())
	status := http.StatusOK
	if stats.Status != "healthy" {
		status = http.StatusServiceUnavailable
	}
	sendJSON(w, status, stats)
}

func (h *APIHandler) probeAgentHandler(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	tenantID, agentID := vars["tenant_id"], vars["agent_id"]

	probe, err := h.orchestrator.ProbeAgent(r.Context(), tenantID, agentID)
	if err != nil {
		if errors.Is(err, ErrAgentNotFound) {
			sendErrorResponse(w, err.Error(), http.StatusNotFound)
			return
		}
		log.Printf("[API] Failed to probe agent %s/%s: %v", tenantID, agentID, err)
		sendErrorResponse(w, "Failed to probe agent", http.StatusInternalServerError)
		return
	}
	sendJSON(w, http.StatusOK, map[string]interface{}{
		"tenant_id": tenantID,
		"agent_id":  agentID,
		"probe":     probe,
	})
}

func (h *APIHandler) performanceHandler(w http.ResponseWriter, r *http.Request) {
	sendJSON(w, http.StatusOK, h.orchestrator.Monitor().Summary())
}

func (h *APIHandler) agentPerformanceHandler(w http.ResponseWriter, r *http.Request) {
	monitor := h.orchestrator.Monitor()

	if agentID := r.URL.Query().Get("agent_id"); agentID != "" {
		key := agentID
		if tenantID := r.URL.Query().Get("tenant_id"); tenantID != "" {
			key = tenantID + "/" + agentID
		}
		perf, ok := monitor.AgentPerformance(key)
		if !ok {
			sendErrorResponse(w, "No performance data for agent "+key, http.StatusNotFound)
			return
		}
		sendJSON(w, http.StatusOK, perf)
		return
	}

	limit := defaultTopAgents
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			sendErrorResponse(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = n
	}
	top := monitor.TopAgents(limit)
	sendJSON(w, http.StatusOK, map[string]interface{}{
		"agents": top,
		"total":  len(top),
	})
}

func (h *APIHandler) errorSummaryHandler(w http.ResponseWriter, r *http.Request) {
	sendJSON(w, http.StatusOK, h.orchestrator.Monitor().ErrorSummary())
}

func (h *APIHandler) resetPerformanceHandler(w http.ResponseWriter, r *http.Request) {
	h.orchestrator.Monitor().Reset()
	sendJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

func (h *APIHandler) cacheStatsHandler(w http.ResponseWriter, r *http.Request) {
	sendJSON(w, http.StatusOK, h.orchestrator.CacheStats(r.Context()))
}

func (h *APIHandler) clearCacheHandler(w http.ResponseWriter, r *http.Request) {
	if err := h.orchestrator.ClearCache(r.Context()); err != nil {
		log.Printf("[API] Failed to clear cache: %v", err)
		sendErrorResponse(w, "Failed to clear cache", http.StatusInternalServerError)
		return
	}
	sendJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
}

func (h *APIHandler) monitoringHealthHandler(w http.ResponseWriter, r *http.Request) {
	report := h.orchestrator.MonitoringHealth()
	status := http.StatusOK
	if report.Status == "unhealthy" {
		status = http.StatusServiceUnavailable
	}
	sendJSON(w, status, report)
}

// applyListParams overrides q's id lists with query-string values. Each
// list may be given as repeated params or comma separated.
func applyListParams(q *Query, r *http.Request) {
	values := r.URL.Query()
	lists := map[string]*[]string{
		"include_tenant_ids": &q.IncludeTenantIDs,
		"exclude_tenant_ids": &q.ExcludeTenantIDs,
		"include_agent_ids":  &q.IncludeAgentIDs,
		"exclude_agent_ids":  &q.ExcludeAgentIDs,
	}
	for name, target := range lists {
		if vals, ok := values[name]; ok {
			*target = splitParams(vals)
		}
	}
	if vals, ok := values["agent_types"]; ok {
		q.AgentTypes = nil
		for _, v := range splitParams(vals) {
			q.AgentTypes = append(q.AgentTypes, AgentType(v))
		}
	}
}

func splitParams(vals []string) []string {
	var out []string
	for _, v := range vals {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

// ErrorResponse is the body of every non-2xx reply
type ErrorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

func sendErrorResponse(w http.ResponseWriter, message string, statusCode int) {
	sendJSON(w, statusCode, ErrorResponse{Success: false, Error: message})
}

func sendJSON(w http.ResponseWriter, statusCode int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("Error encoding response: %v", err)
	}
}
