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
	"github.com/prometheus/client_golang/prometheus"
)

// Prometheus metrics
var (
	orchestrationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "admarket_orchestrator_orchestrations_total",
			Help: "Total number of orchestration runs by outcome",
		},
		[]string{"outcome"},
	)
	orchestrationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "admarket_orchestrator_orchestration_duration_milliseconds",
			Help:    "Orchestration duration in milliseconds",
			Buckets: []float64{5, 10, 50, 100, 200, 500, 1000, 2000, 5000, 10000, 30000},
		},
		[]string{"outcome"},
	)
	agentCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "admarket_orchestrator_agent_calls_total",
			Help: "Total number of agent calls by agent type and status",
		},
		[]string{"agent_type", "status"},
	)
	agentCallDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "admarket_orchestrator_agent_call_duration_seconds",
			Help:    "Agent call latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"agent_type"},
	)
	agentCallsInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "admarket_orchestrator_agent_calls_in_flight",
			Help: "Agent calls currently holding a concurrency slot",
		},
	)
	cacheLookupsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "admarket_orchestrator_cache_lookups_total",
			Help: "Response cache lookups by result",
		},
		[]string{"result"},
	)
	candidatesDroppedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "admarket_orchestrator_candidates_dropped_total",
			Help: "Candidate records dropped during normalization",
		},
	)
)

func init() {
	prometheus.MustRegister(orchestrationsTotal)
	prometheus.MustRegister(orchestrationDuration)
	prometheus.MustRegister(agentCallsTotal)
	prometheus.MustRegister(agentCallDuration)
	prometheus.MustRegister(agentCallsInFlight)
	prometheus.MustRegister(cacheLookupsTotal)
	prometheus.MustRegister(candidatesDroppedTotal)
}
