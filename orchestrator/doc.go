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

/*
Package orchestrator implements the ad marketplace product orchestrator.

# Overview

A buyer sends a free-text brief. The orchestrator asks every eligible
publisher agent for matching ad products, merges the answers into one
ranked list, and reports how each agent behaved:

	Query → Cache → Registry → Fan-Out → Normalize → Dedupe → Rank → Truncate → Cache

Agents are either local (served from the tenant's product catalog) or
remote (JSON-RPC over HTTP). A slow or failing agent never fails the
orchestration; it shows up as an error or timeout in agent_reports.

# Agent Registry

Descriptors come from a YAML file or directory (FileAgentRegistry), from
the tenants table (SQLAgentRegistry), or both in hybrid mode, where
database entries win. Only active agents are contacted.

	registry := orchestrator.NewFileAgentRegistry()
	if err := registry.LoadFromFile(ctx, "config/agents.yaml"); err != nil {
		log.Fatal(err)
	}

# Fan-Out

FanOutCoordinator calls agents concurrently under a process-wide ceiling
(ORCHESTRATOR_MAX_CONCURRENCY, default 12). Each call gets its own
deadline: the query's timeout_seconds, else the agent's
config.timeout_seconds, else 10 seconds.

# Pipeline

ProductPipeline normalizes raw candidates (dropping records without an
id, name or price), keeps the highest scoring copy of each
publisher/product pair, orders by score, price and name, and truncates
to max_results.

# Caching

Responses are cached under a hash of the normalized query, in memory
(expirable LRU) or in Redis when REDIS_URL is set. Failed orchestrations
are never cached.

# HTTP API

	POST /buyer/orchestrate                          Run a buyer query
	GET  /buyer/orchestrate/agents                   Active agents
	GET  /buyer/orchestrate/tenants                  Tenants with active agents
	GET  /buyer/orchestrate/health                   Orchestrator statistics
	GET  /api/v1/agents/{tenant_id}/{agent_id}/probe Agent reachability
	GET  /monitoring/performance                     Rolling performance summary
	GET  /monitoring/performance/agents              Per-agent performance
	GET  /monitoring/performance/errors              Error summary
	POST /monitoring/performance/reset               Clear performance history
	GET  /monitoring/cache                           Cache statistics
	POST /monitoring/cache/clear                     Empty the cache
	GET  /monitoring/health                          Health verdict
	GET  /health                                     Liveness
	GET  /prometheus                                 Prometheus metrics

# Configuration

See Config for the environment variables and the optional YAML file named
by ORCHESTRATOR_CONFIG_FILE.
*/
package orchestrator
