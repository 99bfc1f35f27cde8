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
Package logger provides structured JSON logging for the marketplace
services.

# Overview

Every entry is a single JSON line carrying:
  - Timestamp (RFC3339Nano)
  - Level (DEBUG, INFO, WARN, ERROR)
  - Component name (orchestrator, fanout, pipeline, ...)
  - Instance ID and container name
  - Tenant ID, when the entry concerns one publisher
  - Request ID, for correlating one orchestration run
  - Custom fields

# Usage

	log := logger.New("orchestrator")

	log.Info("tenant-a", "orch_1a2b", "fan-out complete", map[string]interface{}{
	    "agents": 3,
	    "failed": 1,
	})

	log.InfoWithDuration("", "orch_1a2b", "orchestration finished",
	    float64(time.Since(start).Milliseconds()), nil)

Tests can silence output with Discard or capture it with SetOutput.

# Environment Variables

  - INSTANCE_ID: deployment instance identifier
  - LOG_LEVEL: minimum level written (default INFO)

Logger instances are safe for concurrent use.
*/
package logger
