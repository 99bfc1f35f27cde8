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
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func report(tenant, agent string, status AgentStatus, ms float64, products int, msg string) AgentReport {
	return AgentReport{
		AgentID:        agent,
		TenantID:       tenant,
		AgentType:      AgentTypeRemote,
		Status:         status,
		ResponseTimeMs: ms,
		ProductsCount:  products,
		ErrorMessage:   msg,
		ExecutedAt:     fixedNow,
	}
}

func newTestMonitor(history int) *PerformanceMonitor {
	pm := NewPerformanceMonitor(history)
	clock := fixedNow
	pm.now = func() time.Time {
		clock = clock.Add(10 * time.Millisecond)
		return clock
	}
	return pm
}

func TestOperationMetrics_RecordAgentReports(t *testing.T) {
	m := &OperationMetrics{}
	m.RecordAgentReports([]AgentReport{
		report("t1", "a", AgentStatusActive, 100, 3, ""),
		report("t1", "b", AgentStatusActive, 300, 1, ""),
		report("t2", "c", AgentStatusTimeout, 200, 0, "deadline exceeded after 10s"),
	})

	assert.Equal(t, 3, m.TotalAgentsContacted)
	assert.Equal(t, 2, m.SuccessfulAgents)
	assert.Equal(t, 1, m.FailedAgents)
	assert.Equal(t, []string{"deadline exceeded after 10s"}, m.Errors)
	assert.False(t, m.Failed)

	snap := m.Snapshot()
	assert.InDelta(t, 200.0, snap.AvgResponseTimeMs, 1e-9)
	assert.InDelta(t, 200.0, snap.MedianResponseTimeMs, 1e-9)
	assert.InDelta(t, 66.666, snap.SuccessRate, 0.01)
}

func TestPerformanceMonitor_SummaryNoData(t *testing.T) {
	pm := newTestMonitor(10)
	summary := pm.Summary()

	assert.Equal(t, "no_data", summary.Status)
	assert.Zero(t, summary.TotalRequests)
	assert.Empty(t, summary.TopErrors)
}

func TestPerformanceMonitor_Summary(t *testing.T) {
	pm := newTestMonitor(10)

	op := pm.StartOperation("orch_1")
	op.RecordAgentReports([]AgentReport{
		report("t1", "a", AgentStatusActive, 100, 2, ""),
		report("t1", "b", AgentStatusError, 50, 0, "HTTP 500"),
	})
	pm.EndOperation(op)

	failed := pm.StartOperation("orch_2")
	failed.RecordError(errors.New("registry unavailable"))
	pm.EndOperation(failed)

	hit := pm.StartOperation("orch_3")
	hit.Cached = true
	pm.EndOperation(hit)

	summary := pm.Summary()
	assert.Equal(t, "ok", summary.Status)
	assert.Equal(t, 3, summary.TotalRequests)
	assert.Equal(t, int64(3), summary.LifetimeRequests)
	assert.Equal(t, 1, summary.FailedRequests)
	assert.Equal(t, 1, summary.CachedRequests)
	assert.InDelta(t, 50.0, summary.OverallSuccessRate, 1e-9)
	assert.InDelta(t, 75.0, summary.AvgAgentResponseTimeMs, 1e-9)
	assert.InDelta(t, 10.0, summary.AvgDurationMs, 1e-9)
	require.Len(t, summary.TopErrors, 2)
}

func TestPerformanceMonitor_HistoryIsBounded(t *testing.T) {
	pm := newTestMonitor(5)
	for i := 0; i < 20; i++ {
		op := pm.StartOperation(fmt.Sprintf("orch_%d", i))
		op.RecordAgentReports([]AgentReport{report("t1", "a", AgentStatusActive, float64(i), 1, "")})
		pm.EndOperation(op)
	}

	summary := pm.Summary()
	assert.Equal(t, 5, summary.TotalRequests)
	assert.Equal(t, int64(20), summary.LifetimeRequests)

	perf, ok := pm.AgentPerformance("t1/a")
	require.True(t, ok)
	assert.Equal(t, int64(20), perf.TotalCalls)
	assert.Equal(t, []float64{10, 11, 12, 13, 14, 15, 16, 17, 18, 19}, perf.RecentResponseTimes)
	assert.Equal(t, 0.0, perf.MinResponseTimeMs)
	assert.Equal(t, 19.0, perf.MaxResponseTimeMs)
}

func TestPerformanceMonitor_AgentPerformance(t *testing.T) {
	pm := newTestMonitor(10)
	op := pm.StartOperation("orch_1")
	op.RecordAgentReports([]AgentReport{
		report("t1", "shared", AgentStatusActive, 100, 4, ""),
		report("t2", "shared", AgentStatusTimeout, 10000, 0, "timeout"),
		report("t3", "solo", AgentStatusActive, 40, 2, ""),
	})
	pm.EndOperation(op)

	perf, ok := pm.AgentPerformance("t2/shared")
	require.True(t, ok)
	assert.Equal(t, int64(1), perf.Timeouts)
	assert.Equal(t, 0.0, perf.SuccessRate)

	_, ok = pm.AgentPerformance("shared")
	assert.False(t, ok, "bare id shared by two tenants is ambiguous")

	perf, ok = pm.AgentPerformance("solo")
	require.True(t, ok)
	assert.Equal(t, "t3", perf.TenantID)
	assert.Equal(t, 2.0, perf.AvgProducts)

	_, ok = pm.AgentPerformance("missing")
	assert.False(t, ok)
}

func TestPerformanceMonitor_TopAgents(t *testing.T) {
	pm := newTestMonitor(10)
	op := pm.StartOperation("orch_1")
	op.RecordAgentReports([]AgentReport{
		report("t1", "slow", AgentStatusActive, 900, 1, ""),
		report("t1", "fast", AgentStatusActive, 20, 1, ""),
		report("t1", "broken", AgentStatusError, 5, 0, "refused"),
		report("t1", "medium", AgentStatusActive, 200, 1, ""),
	})
	pm.EndOperation(op)

	top := pm.TopAgents(2)
	require.Len(t, top, 2)
	assert.Equal(t, "fast", top[0].AgentID)
	assert.Equal(t, "medium", top[1].AgentID)

	assert.Len(t, pm.TopAgents(0), 3)
}

func TestPerformanceMonitor_ErrorSummary(t *testing.T) {
	pm := newTestMonitor(100)
	for i := 0; i < 60; i++ {
		op := pm.StartOperation(fmt.Sprintf("orch_%d", i))
		msg := "HTTP 502"
		if i%3 == 0 {
			msg = "connection refused"
		}
		op.RecordAgentReports([]AgentReport{report("t1", "a", AgentStatusError, 1, 0, msg)})
		pm.EndOperation(op)
	}

	summary := pm.ErrorSummary()
	assert.Equal(t, int64(60), summary.TotalErrors)
	assert.Equal(t, 2, summary.UniqueErrors)
	require.Len(t, summary.TopErrors, 2)
	assert.Equal(t, ErrorCount{Message: "HTTP 502", Count: 40}, summary.TopErrors[0])
	assert.Len(t, summary.RecentErrors, 10)
	assert.Equal(t, "orch_59", summary.RecentErrors[9].RequestID)
}

func TestPerformanceMonitor_DistinctErrorsAreBounded(t *testing.T) {
	pm := newTestMonitor(10)
	op := pm.StartOperation("orch_1")
	for i := 0; i < maxDistinctErrors+25; i++ {
		op.Errors = append(op.Errors, fmt.Sprintf("error %d", i))
	}
	pm.EndOperation(op)

	summary := pm.ErrorSummary()
	assert.Equal(t, maxDistinctErrors+1, summary.UniqueErrors)
	assert.Equal(t, ErrorCount{Message: overflowErrorBucket, Count: 25}, summary.TopErrors[0])
}

func TestPerformanceMonitor_ConcurrentUse(t *testing.T) {
	pm := NewPerformanceMonitor(50)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			op := pm.StartOperation(fmt.Sprintf("orch_%d", i))
			op.RecordAgentReports([]AgentReport{report("t1", "a", AgentStatusActive, 5, 1, "")})
			pm.EndOperation(op)
			_ = pm.Summary()
			_ = pm.TopAgents(5)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int64(20), pm.Summary().LifetimeRequests)

	pm.Reset()
	assert.Equal(t, "no_data", pm.Summary().Status)
}
