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
	"sort"
	"sync"
	"time"
)

// Monitor bounds
const (
	DefaultMonitorHistory   = 1000
	agentLatencyWindow      = 100
	summaryWindow           = 100
	recentErrorWindow       = 50
	maxDistinctErrors       = 500
	overflowErrorBucket     = "other"
	recentLatenciesReported = 10
)

// OperationMetrics is filled in by one orchestration and handed back to
// the monitor with EndOperation. It is not safe for concurrent mutation.
type OperationMetrics struct {
	RequestID                string
	StartTime                time.Time
	EndTime                  time.Time
	TotalAgentsContacted     int
	SuccessfulAgents         int
	FailedAgents             int
	TotalProductsFound       int
	TotalProductsAfterDedupe int
	AgentReports             []AgentReport
	Errors                   []string
	Cached                   bool
	Failed                   bool
}

// RecordAgentReports folds fan-out reports into the agent counters.
func (m *OperationMetrics) RecordAgentReports(reports []AgentReport) {
	m.AgentReports = append(m.AgentReports, reports...)
	for _, r := range reports {
		m.TotalAgentsContacted++
		if r.Succeeded() {
			m.SuccessfulAgents++
			continue
		}
		m.FailedAgents++
		if r.ErrorMessage != "" {
			m.Errors = append(m.Errors, r.ErrorMessage)
		}
	}
}

// RecordError marks the operation as failed at the orchestration level.
func (m *OperationMetrics) RecordError(err error) {
	if err != nil {
		m.Failed = true
		m.Errors = append(m.Errors, err.Error())
	}
}

// DurationMs is zero until the operation has ended.
func (m *OperationMetrics) DurationMs() float64 {
	if m.EndTime.IsZero() {
		return 0
	}
	return durationMs(m.EndTime.Sub(m.StartTime))
}

// SuccessRate is the percentage of contacted agents that answered.
func (m *OperationMetrics) SuccessRate() float64 {
	if m.TotalAgentsContacted == 0 {
		return 0
	}
	return float64(m.SuccessfulAgents) / float64(m.TotalAgentsContacted) * 100
}

// Snapshot summarises the agent latencies of this operation.
func (m *OperationMetrics) Snapshot() PerformanceSnapshot {
	latencies := make([]float64, 0, len(m.AgentReports))
	for _, r := range m.AgentReports {
		latencies = append(latencies, r.ResponseTimeMs)
	}
	return PerformanceSnapshot{
		AvgResponseTimeMs:    mean(latencies),
		MedianResponseTimeMs: median(latencies),
		SuccessRate:          m.SuccessRate(),
	}
}

type operationRecord struct {
	durationMs  float64
	successRate float64
	agents      int
	failed      bool
	cached      bool
	avgAgentMs  float64
}

type agentStats struct {
	agentID   string
	tenantID  string
	agentType AgentType
	calls     int64
	failures  int64
	timeouts  int64
	products  int64
	latencies []float64
	lastSeen  time.Time
}

// ErrorEvent is one recorded error message
type ErrorEvent struct {
	RequestID string    `json:"request_id"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorCount pairs a message with its occurrence count
type ErrorCount struct {
	Message string `json:"message"`
	Count   int64  `json:"count"`
}

// PerformanceSummary covers the most recent operations
type PerformanceSummary struct {
	Status                 string       `json:"status"`
	TotalRequests          int          `json:"total_requests"`
	LifetimeRequests       int64        `json:"lifetime_requests"`
	FailedRequests         int          `json:"total_errors"`
	CachedRequests         int          `json:"cached_requests"`
	OverallSuccessRate     float64      `json:"overall_success_rate"`
	AvgDurationMs          float64      `json:"avg_duration_ms"`
	MedianDurationMs       float64      `json:"median_duration_ms"`
	AvgAgentResponseTimeMs float64      `json:"avg_response_time_ms"`
	TopErrors              []ErrorCount `json:"top_errors"`
	Timestamp              time.Time    `json:"timestamp"`
}

// AgentPerformance is the rolling view of a single agent
type AgentPerformance struct {
	Key                  string    `json:"key"`
	AgentID              string    `json:"agent_id"`
	TenantID             string    `json:"tenant_id"`
	AgentType            AgentType `json:"agent_type"`
	TotalCalls           int64     `json:"total_calls"`
	Failures             int64     `json:"failures"`
	Timeouts             int64     `json:"timeouts"`
	SuccessRate          float64   `json:"success_rate"`
	AvgResponseTimeMs    float64   `json:"avg_response_time_ms"`
	MedianResponseTimeMs float64   `json:"median_response_time_ms"`
	MinResponseTimeMs    float64   `json:"min_response_time_ms"`
	MaxResponseTimeMs    float64   `json:"max_response_time_ms"`
	AvgProducts          float64   `json:"avg_products"`
	RecentResponseTimes  []float64 `json:"recent_response_times"`
	LastSeen             time.Time `json:"last_seen"`
}

// ErrorSummary aggregates recorded errors
type ErrorSummary struct {
	TotalErrors  int64        `json:"total_errors"`
	UniqueErrors int          `json:"unique_errors"`
	TopErrors    []ErrorCount `json:"top_errors"`
	RecentErrors []ErrorEvent `json:"recent_errors"`
}

// PerformanceMonitor keeps bounded rolling aggregates of orchestration
// runs. All methods are safe for concurrent use.
type PerformanceMonitor struct {
	mu               sync.RWMutex
	maxHistory       int
	history          []operationRecord
	agents           map[string]*agentStats
	errorCounts      map[string]int64
	totalErrors      int64
	recentErrors     []ErrorEvent
	lifetimeRequests int64
	now              func() time.Time
}

// NewPerformanceMonitor creates a monitor keeping maxHistory operations.
func NewPerformanceMonitor(maxHistory int) *PerformanceMonitor {
	if maxHistory <= 0 {
		maxHistory = DefaultMonitorHistory
	}
	return &PerformanceMonitor{
		maxHistory:  maxHistory,
		history:     make([]operationRecord, 0, 64),
		agents:      make(map[string]*agentStats),
		errorCounts: make(map[string]int64),
		now:         time.Now,
	}
}

// StartOperation returns a fresh record stamped with the start time.
func (pm *PerformanceMonitor) StartOperation(requestID string) *OperationMetrics {
	return &OperationMetrics{RequestID: requestID, StartTime: pm.now()}
}

// EndOperation stamps the end time and folds m into the aggregates.
func (pm *PerformanceMonitor) EndOperation(m *OperationMetrics) {
	if m == nil {
		return
	}
	if m.EndTime.IsZero() {
		m.EndTime = pm.now()
	}
	snap := m.Snapshot()

	pm.mu.Lock()
	defer pm.mu.Unlock()

	pm.lifetimeRequests++
	pm.history = append(pm.history, operationRecord{
		durationMs:  m.DurationMs(),
		successRate: snap.SuccessRate,
		agents:      m.TotalAgentsContacted,
		failed:      m.Failed,
		cached:      m.Cached,
		avgAgentMs:  snap.AvgResponseTimeMs,
	})
	if len(pm.history) > pm.maxHistory {
		pm.history = pm.history[len(pm.history)-pm.maxHistory:]
	}

	for _, r := range m.AgentReports {
		key := r.TenantID + "/" + r.AgentID
		stats, ok := pm.agents[key]
		if !ok {
			stats = &agentStats{agentID: r.AgentID, tenantID: r.TenantID, agentType: r.AgentType}
			pm.agents[key] = stats
		}
		stats.calls++
		switch r.Status {
		case AgentStatusActive:
		case AgentStatusTimeout:
			stats.timeouts++
			stats.failures++
		default:
			stats.failures++
		}
		stats.products += int64(r.ProductsCount)
		stats.latencies = append(stats.latencies, r.ResponseTimeMs)
		if len(stats.latencies) > agentLatencyWindow {
			stats.latencies = stats.latencies[len(stats.latencies)-agentLatencyWindow:]
		}
		stats.lastSeen = r.ExecutedAt
	}

	for _, msg := range m.Errors {
		pm.totalErrors++
		if _, seen := pm.errorCounts[msg]; !seen && len(pm.errorCounts) >= maxDistinctErrors {
			pm.errorCounts[overflowErrorBucket]++
		} else {
			pm.errorCounts[msg]++
		}
		pm.recentErrors = append(pm.recentErrors, ErrorEvent{RequestID: m.RequestID, Message: msg, Timestamp: m.EndTime})
		if len(pm.recentErrors) > recentErrorWindow {
			pm.recentErrors = pm.recentErrors[len(pm.recentErrors)-recentErrorWindow:]
		}
	}
}

// Summary aggregates the most recent operations.
func (pm *PerformanceMonitor) Summary() PerformanceSummary {
	pm.mu.RLock()
	defer pm.mu.RUnlock()

	summary := PerformanceSummary{
		Status:           "no_data",
		LifetimeRequests: pm.lifetimeRequests,
		TopErrors:        pm.topErrorsLocked(5),
		Timestamp:        pm.now().UTC(),
	}
	if len(pm.history) == 0 {
		return summary
	}

	window := pm.history
	if len(window) > summaryWindow {
		window = window[len(window)-summaryWindow:]
	}

	durations := make([]float64, 0, len(window))
	var successRates, agentLatencies []float64
	for _, op := range window {
		durations = append(durations, op.durationMs)
		if op.failed {
			summary.FailedRequests++
		}
		if op.cached {
			summary.CachedRequests++
			continue
		}
		if op.agents > 0 {
			successRates = append(successRates, op.successRate)
			agentLatencies = append(agentLatencies, op.avgAgentMs)
		}
	}

	summary.Status = "ok"
	summary.TotalRequests = len(window)
	summary.OverallSuccessRate = mean(successRates)
	summary.AvgDurationMs = mean(durations)
	summary.MedianDurationMs = median(durations)
	summary.AvgAgentResponseTimeMs = mean(agentLatencies)
	return summary
}

// AgentPerformance returns the rolling view for the agent key
// ("tenant/agent"), falling back to a bare agent id when unambiguous.
func (pm *PerformanceMonitor) AgentPerformance(key string) (AgentPerformance, bool) {
	pm.mu.RLock()
	defer pm.mu.RUnlock()

	if stats, ok := pm.agents[key]; ok {
		return stats.view(key), true
	}

	var (
		found    *agentStats
		foundKey string
	)
	for k, stats := range pm.agents {
		if stats.agentID != key {
			continue
		}
		if found != nil {
			return AgentPerformance{}, false
		}
		found, foundKey = stats, k
	}
	if found == nil {
		return AgentPerformance{}, false
	}
	return found.view(foundKey), true
}

// TopAgents returns up to limit agents with at least one successful call,
// fastest average response first.
func (pm *PerformanceMonitor) TopAgents(limit int) []AgentPerformance {
	pm.mu.RLock()
	views := make([]AgentPerformance, 0, len(pm.agents))
	for key, stats := range pm.agents {
		if stats.calls > stats.failures {
			views = append(views, stats.view(key))
		}
	}
	pm.mu.RUnlock()

	sort.Slice(views, func(i, j int) bool {
		if views[i].AvgResponseTimeMs != views[j].AvgResponseTimeMs {
			return views[i].AvgResponseTimeMs < views[j].AvgResponseTimeMs
		}
		return views[i].Key < views[j].Key
	})
	if limit > 0 && len(views) > limit {
		views = views[:limit]
	}
	return views
}

// ErrorSummary returns the ten most frequent errors plus the latest ones.
func (pm *PerformanceMonitor) ErrorSummary() ErrorSummary {
	pm.mu.RLock()
	defer pm.mu.RUnlock()

	recent := pm.recentErrors
	if len(recent) > recentLatenciesReported {
		recent = recent[len(recent)-recentLatenciesReported:]
	}
	return ErrorSummary{
		TotalErrors:  pm.totalErrors,
		UniqueErrors: len(pm.errorCounts),
		TopErrors:    pm.topErrorsLocked(10),
		RecentErrors: append([]ErrorEvent{}, recent...),
	}
}

// Reset drops all history.
func (pm *PerformanceMonitor) Reset() {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.history = pm.history[:0]
	pm.agents = make(map[string]*agentStats)
	pm.errorCounts = make(map[string]int64)
	pm.recentErrors = nil
	pm.totalErrors = 0
	pm.lifetimeRequests = 0
}

func (pm *PerformanceMonitor) topErrorsLocked(n int) []ErrorCount {
	counts := make([]ErrorCount, 0, len(pm.errorCounts))
	for msg, c := range pm.errorCounts {
		counts = append(counts, ErrorCount{Message: msg, Count: c})
	}
	sort.Slice(counts, func(i, j int) bool {
		if counts[i].Count != counts[j].Count {
			return counts[i].Count > counts[j].Count
		}
		return counts[i].Message < counts[j].Message
	})
	if len(counts) > n {
		counts = counts[:n]
	}
	return counts
}

func (s *agentStats) view(key string) AgentPerformance {
	v := AgentPerformance{
		Key:                  key,
		AgentID:              s.agentID,
		TenantID:             s.tenantID,
		AgentType:            s.agentType,
		TotalCalls:           s.calls,
		Failures:             s.failures,
		Timeouts:             s.timeouts,
		AvgResponseTimeMs:    mean(s.latencies),
		MedianResponseTimeMs: median(s.latencies),
		LastSeen:             s.lastSeen,
	}
	if s.calls > 0 {
		v.SuccessRate = float64(s.calls-s.failures) / float64(s.calls) * 100
		v.AvgProducts = float64(s.products) / float64(s.calls)
	}
	if len(s.latencies) > 0 {
		v.MinResponseTimeMs, v.MaxResponseTimeMs = s.latencies[0], s.latencies[0]
		for _, l := range s.latencies {
			if l < v.MinResponseTimeMs {
				v.MinResponseTimeMs = l
			}
			if l > v.MaxResponseTimeMs {
				v.MaxResponseTimeMs = l
			}
		}
	}
	recent := s.latencies
	if len(recent) > recentLatenciesReported {
		recent = recent[len(recent)-recentLatenciesReported:]
	}
	v.RecentResponseTimes = append([]float64{}, recent...)
	return v
}

func durationMs(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

func median(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	mid := len(sorted) / 2
	if len(sorted)%2 == 0 {
		return (sorted[mid-1] + sorted[mid]) / 2
	}
	return sorted[mid]
}
