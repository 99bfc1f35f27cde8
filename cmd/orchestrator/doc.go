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
Command orchestrator runs the ad marketplace product orchestrator.

# Usage

	orchestrator

# Environment Variables

  - PORT: HTTP server port (default: 8081)
  - ORCHESTRATOR_CONFIG_FILE: optional YAML settings file
  - AGENT_CONFIG_FILE: agent registry YAML file or directory
  - AGENT_REGISTRY_MODE: file, database or hybrid (default: file)
  - DATABASE_URL: tenants and products database
  - DATABASE_DRIVER: postgres or mysql (default: postgres)
  - REDIS_URL: Redis response cache (default: in-memory)
  - CACHE_TTL_SECONDS: response cache lifetime, 0 disables (default: 300)
  - CACHE_MAX_ENTRIES: in-memory cache capacity (default: 1000)
  - ORCHESTRATOR_MAX_CONCURRENCY: concurrent agent calls (default: 12)
  - AGENT_TIMEOUT_SECONDS: default per-agent deadline (default: 10)
  - MONITOR_MAX_HISTORY: operations kept by the monitor (default: 1000)
  - CATALOG_INIT_SCHEMA: create the products table on start
  - LOG_LEVEL: debug, info, warn or error

The service shuts down gracefully on SIGINT and SIGTERM.
*/
package main
