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
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"admarket/platform/shared/logger"
)

// Health thresholds for MonitoringHealth
const (
	unhealthyErrorRatePercent   = 10.0
	warningFanOutSuccessPercent = 90.0
)

// Orchestration outcomes used as metric labels
const (
	outcomeSuccess  = "success"
	outcomeCacheHit = "cache_hit"
	outcomeError    = "error"
)

// Options wires an Orchestrator. Registry and Factory are required; the
// rest fall back to defaults. A nil Cache disables caching.
type Options struct {
	Registry AgentRegistry
	Factory  AgentFactory
	FanOut   *FanOutCoordinator
	Pipeline *ProductPipeline
	Cache    ResponseCache
	Monitor  *PerformanceMonitor
	Remote   *RemoteAgentClient
	Logger   *logger.Logger
}

// Orchestrator runs buyer queries: cache check, fan-out, pipeline,
// metrics and cache store.
type Orchestrator struct {
	registry AgentRegistry
	factory  AgentFactory
	fanOut   *FanOutCoordinator
	pipeline *ProductPipeline
	cache    ResponseCache
	monitor  *PerformanceMonitor
	remote   *RemoteAgentClient
	log      *logger.Logger
	tracer   trace.Tracer

	newRequestID func() string
	now          func() time.Time
}

// NewOrchestrator validates opts and fills in defaults
func NewOrchestrator(opts Options) (*Orchestrator, error) {
	if opts.Registry == nil {
		return nil, fmt.Errorf("agent registry is required")
	}
	if opts.Factory == nil {
		return nil, fmt.Errorf("agent factory is required")
	}
	if opts.Logger == nil {
		opts.Logger = logger.Discard("orchestrator")
	}
	if opts.FanOut == nil {
		opts.FanOut = NewFanOutCoordinator(FanOutConfig{}, opts.Logger)
	}
	if opts.Pipeline == nil {
		opts.Pipeline = NewProductPipeline(opts.Logger)
	}
	if opts.Monitor == nil {
		opts.Monitor = NewPerformanceMonitor(DefaultMonitorHistory)
	}
	if opts.Remote == nil {
		opts.Remote = NewRemoteAgentClient(nil, opts.Logger)
	}

	return &Orchestrator{
		registry:     opts.Registry,
		factory:      opts.Factory,
		fanOut:       opts.FanOut,
		pipeline:     opts.Pipeline,
		cache:        opts.Cache,
		monitor:      opts.Monitor,
		remote:       opts.Remote,
		log:          opts.Logger,
		tracer:       otel.Tracer(tracerName),
		newRequestID: func() string { return "orch_" + uuid.NewString() },
		now:          time.Now,
	}, nil
}

// Orchestrate answers q. It never returns a nil response: orchestration
// failures produce an empty product list with metadata.error set, and such
// responses are never cached.
func (o *Orchestrator) Orchestrate(ctx context.Context, q Query) (resp *OrchestrationResponse) {
	start := o.now()
	requestID := o.newRequestID()

	ctx, span := o.tracer.Start(ctx, "orchestrator.orchestrate", trace.WithAttributes(
		attribute.String("request.id", requestID),
	))
	defer span.End()

	metrics := o.monitor.StartOperation(requestID)
	ended := false
	endOperation := func() {
		if !ended {
			ended = true
			o.monitor.EndOperation(metrics)
		}
	}

	defer func() {
		if r := recover(); r != nil {
			resp = o.fail(requestID, start, metrics, endOperation, span, fmt.Errorf("orchestration panicked: %v", r))
		}
	}()

	query, err := q.Normalize()
	if err != nil {
		return o.fail(requestID, start, metrics, endOperation, span, err)
	}
	span.SetAttributes(attribute.Int("query.max_results", query.MaxResults))

	key, err := CacheKey(query)
	if err != nil {
		return o.fail(requestID, start, metrics, endOperation, span, err)
	}

	if o.cache != nil {
		cached, ok, err := o.cache.Get(ctx, key)
		if err != nil {
			cacheLookupsTotal.WithLabelValues("error").Inc()
			return o.fail(requestID, start, metrics, endOperation, span, fmt.Errorf("cache lookup failed: %w", err))
		}
		if ok {
			cacheLookupsTotal.WithLabelValues("hit").Inc()
			return o.respondFromCache(requestID, start, cached, metrics, endOperation, span)
		}
		cacheLookupsTotal.WithLabelValues("miss").Inc()
	}

	descriptors, err := o.registry.ListActiveAgents(ctx, query.AgentFilter())
	if err != nil {
		return o.fail(requestID, start, metrics, endOperation, span, fmt.Errorf("agent registry lookup failed: %w", err))
	}
	if len(descriptors) == 0 {
		o.log.Warn("", requestID, "no active agents matched the query filters", nil)
	}

	agents := make([]ProductAgent, 0, len(descriptors))
	for _, d := range descriptors {
		agent, err := o.factory.NewAgent(d)
		if err != nil {
			agent = unavailableAgent{descriptor: d, err: err}
		}
		agents = append(agents, agent)
	}

	fanOut := o.fanOut.FanOut(ctx, requestID, query, agents)
	metrics.RecordAgentReports(fanOut.Reports)

	result := o.pipeline.Run(requestID, fanOut.Candidates, query.MaxResults)
	candidatesDroppedTotal.Add(float64(result.Dropped))
	metrics.TotalProductsFound = result.Found
	metrics.TotalProductsAfterDedupe = result.AfterDedupe
	endOperation()

	products := result.Products
	if products == nil {
		products = []Product{}
	}
	elapsed := o.now().Sub(start)
	resp = &OrchestrationResponse{
		Products:     products,
		AgentReports: fanOut.Reports,
		Metadata: ResponseMetadata{
			TotalAgentsContacted:     metrics.TotalAgentsContacted,
			SuccessfulAgents:         metrics.SuccessfulAgents,
			FailedAgents:             metrics.FailedAgents,
			TotalProductsFound:       result.Found,
			TotalProductsAfterDedupe: result.AfterDedupe,
			DroppedCandidates:        result.Dropped,
			OrchestrationTimeMs:      durationMs(elapsed),
			RequestID:                requestID,
			Timestamp:                o.now().UTC(),
			Performance:              metrics.Snapshot(),
		},
	}

	if o.cache != nil {
		if err := o.cache.Set(ctx, key, resp); err != nil {
			o.log.Warn("", requestID, "failed to store response in cache", map[string]interface{}{"error": err.Error()})
		}
	}

	orchestrationsTotal.WithLabelValues(outcomeSuccess).Inc()
	orchestrationDuration.WithLabelValues(outcomeSuccess).Observe(durationMs(elapsed))
	span.SetAttributes(
		attribute.Int("orchestration.agents", metrics.TotalAgentsContacted),
		attribute.Int("orchestration.products", len(products)),
	)
	o.log.InfoWithDuration("", requestID, "orchestration completed", durationMs(elapsed), map[string]interface{}{
		"agents_contacted":   metrics.TotalAgentsContacted,
		"successful_agents":  metrics.SuccessfulAgents,
		"failed_agents":      metrics.FailedAgents,
		"products_found":     result.Found,
		"products_returned":  len(products),
		"dropped_candidates": result.Dropped,
	})
	return resp
}

// respondFromCache returns the stored response under the new request id.
func (o *Orchestrator) respondFromCache(requestID string, start time.Time, cached *OrchestrationResponse, metrics *OperationMetrics, endOperation func(), span trace.Span) *OrchestrationResponse {
	metrics.Cached = true
	endOperation()

	elapsed := o.now().Sub(start)
	cached.Metadata.Cached = true
	cached.Metadata.RequestID = requestID
	if cached.Products == nil {
		cached.Products = []Product{}
	}
	if cached.AgentReports == nil {
		cached.AgentReports = []AgentReport{}
	}

	orchestrationsTotal.WithLabelValues(outcomeCacheHit).Inc()
	orchestrationDuration.WithLabelValues(outcomeCacheHit).Observe(durationMs(elapsed))
	span.SetAttributes(attribute.Bool("orchestration.cached", true))
	o.log.Debug("", requestID, "served from cache", map[string]interface{}{"products": len(cached.Products)})
	return cached
}

// fail builds the error envelope and records the failure.
func (o *Orchestrator) fail(requestID string, start time.Time, metrics *OperationMetrics, endOperation func(), span trace.Span, err error) *OrchestrationResponse {
	metrics.RecordError(err)
	endOperation()

	elapsed := o.now().Sub(start)
	orchestrationsTotal.WithLabelValues(outcomeError).Inc()
	orchestrationDuration.WithLabelValues(outcomeError).Observe(durationMs(elapsed))
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	o.log.Error("", requestID, "orchestration failed", map[string]interface{}{
		"error":       err.Error(),
		"duration_ms": durationMs(elapsed),
	})

	return &OrchestrationResponse{
		Products:     []Product{},
		AgentReports: []AgentReport{},
		Metadata: ResponseMetadata{
			OrchestrationTimeMs: durationMs(elapsed),
			RequestID:           requestID,
			Timestamp:           o.now().UTC(),
			Error:               err.Error(),
		},
	}
}

// unavailableAgent stands in for a descriptor the factory could not build
// so the failure still shows up as that agent's report.
type unavailableAgent struct {
	descriptor AgentDescriptor
	err        error
}

func (a unavailableAgent) Descriptor() AgentDescriptor { return a.descriptor }

func (a unavailableAgent) SelectProducts(context.Context, Query) ([]RawCandidate, error) {
	return nil, a.err
}

// ListAgents returns the active agents passing filter.
func (o *Orchestrator) ListAgents(ctx context.Context, filter AgentFilter) ([]AgentDescriptor, error) {
	return o.registry.ListActiveAgents(ctx, filter)
}

// ListTenants returns the tenants that have active agents matching filter.
func (o *Orchestrator) ListTenants(ctx context.Context, filter AgentFilter) ([]TenantSummary, error) {
	agents, err := o.registry.ListActiveAgents(ctx, filter)
	if err != nil {
		return nil, err
	}
	return ComputeTenantSummaries(agents), nil
}

// ProbeAgent checks one agent's reachability. Local agents are always
// reachable; remote agents get a tools/list probe.
func (o *Orchestrator) ProbeAgent(ctx context.Context, tenantID, agentID string) (ProbeResult, error) {
	agents, err := o.registry.ListAgents(ctx, AgentFilter{
		IncludeTenantIDs: []string{tenantID},
		IncludeAgentIDs:  []string{agentID},
	})
	if err != nil {
		return ProbeResult{}, err
	}
	for _, d := range agents {
		if d.TenantID != tenantID || d.AgentID != agentID {
			continue
		}
		if d.Type == AgentTypeLocal {
			return ProbeResult{Status: ProbeHealthy, Message: "local catalog agent"}, nil
		}
		return o.remote.Probe(ctx, d.EndpointURL), nil
	}
	return ProbeResult{}, fmt.Errorf("%w: %s/%s", ErrAgentNotFound, tenantID, agentID)
}

// OrchestratorStats is the payload of the orchestrator health endpoint
type OrchestratorStats struct {
	Status      string             `json:"status"`
	Registry    RegistryStats      `json:"registry"`
	FanOut      FanOutStats        `json:"fanout"`
	Cache       CacheStats         `json:"cache"`
	Performance PerformanceSummary `json:"performance"`
	Error       string             `json:"error,omitempty"`
	Timestamp   time.Time          `json:"timestamp"`
}

// Stats gathers registry, fan-out, cache and performance statistics.
// A registry failure degrades the status instead of failing the call.
func (o *Orchestrator) Stats(ctx context.Context) OrchestratorStats {
	stats := OrchestratorStats{
		Status:      "healthy",
		FanOut:      o.fanOut.Stats(),
		Cache:       o.CacheStats(ctx),
		Performance: o.monitor.Summary(),
		Timestamp:   o.now().UTC(),
	}
	agents, err := o.registry.ListAgents(ctx, AgentFilter{})
	if err != nil {
		stats.Status = "degraded"
		stats.Error = err.Error()
		return stats
	}
	stats.Registry = ComputeRegistryStats(agents)
	return stats
}

// CacheStats reports the configured cache, or a disabled marker.
func (o *Orchestrator) CacheStats(ctx context.Context) CacheStats {
	if o.cache == nil {
		return CacheStats{Backend: "disabled"}
	}
	return o.cache.Stats(ctx)
}

// ClearCache empties the response cache
func (o *Orchestrator) ClearCache(ctx context.Context) error {
	if o.cache == nil {
		return nil
	}
	return o.cache.Clear(ctx)
}

// Monitor exposes the performance monitor's read-only accessors.
func (o *Orchestrator) Monitor() *PerformanceMonitor {
	return o.monitor
}

// HealthReport is the monitoring health verdict
type HealthReport struct {
	Status      string             `json:"status"`
	Issues      []string           `json:"issues"`
	ErrorRate   float64            `json:"error_rate"`
	Performance PerformanceSummary `json:"performance"`
	FanOut      FanOutStats        `json:"fanout"`
	Timestamp   time.Time          `json:"timestamp"`
}

// MonitoringHealth derives healthy, warning or unhealthy from recent
// operations and fan-out outcomes.
func (o *Orchestrator) MonitoringHealth() HealthReport {
	summary := o.monitor.Summary()
	fanOut := o.fanOut.Stats()
	report := HealthReport{
		Status:      "healthy",
		Issues:      []string{},
		Performance: summary,
		FanOut:      fanOut,
		Timestamp:   o.now().UTC(),
	}

	if summary.Status == "no_data" {
		report.Status = "warning"
		report.Issues = append(report.Issues, "no orchestration data recorded yet")
		return report
	}

	if summary.TotalRequests > 0 {
		report.ErrorRate = float64(summary.FailedRequests) / float64(summary.TotalRequests) * 100
	}
	if fanOut.SuccessRate < warningFanOutSuccessPercent {
		report.Status = "warning"
		report.Issues = append(report.Issues, fmt.Sprintf("agent success rate %.1f%% is below %.0f%%", fanOut.SuccessRate, warningFanOutSuccessPercent))
	}
	if report.ErrorRate > unhealthyErrorRatePercent {
		report.Status = "unhealthy"
		report.Issues = append(report.Issues, fmt.Sprintf("orchestration error rate %.1f%% exceeds %.0f%%", report.ErrorRate, unhealthyErrorRatePercent))
	}
	return report
}
