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
)

var (
	// ErrInvalidQuery is returned when a Query fails validation
	ErrInvalidQuery = errors.New("invalid query")

	// ErrAgentTimeout marks an agent call that exceeded its deadline
	ErrAgentTimeout = errors.New("agent timed out")

	// ErrAgentNotFound is returned when a descriptor lookup misses
	ErrAgentNotFound = errors.New("agent not found")
)

// AgentErrorKind classifies agent failures
type AgentErrorKind string

const (
	AgentErrorTransport AgentErrorKind = "transport"
	AgentErrorStatus    AgentErrorKind = "http_status"
	AgentErrorProtocol  AgentErrorKind = "protocol"
	AgentErrorDecode    AgentErrorKind = "decode"
	AgentErrorCatalog   AgentErrorKind = "catalog"
)

// AgentError is a failure attributable to a single agent. It is recorded
// in that agent's report and never fails the orchestration.
type AgentError struct {
	AgentID    string
	Kind       AgentErrorKind
	StatusCode int
	Message    string
	Err        error
}

func (e *AgentError) Error() string {
	switch {
	case e.Kind == AgentErrorProtocol:
		return fmt.Sprintf("agent %s: MCP error: %s", e.AgentID, e.Message)
	case e.StatusCode != 0:
		return fmt.Sprintf("agent %s: HTTP %d: %s", e.AgentID, e.StatusCode, e.Message)
	case e.Err != nil && e.Message != "":
		return fmt.Sprintf("agent %s: %s: %v", e.AgentID, e.Message, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("agent %s: %v", e.AgentID, e.Err)
	default:
		return fmt.Sprintf("agent %s: %s", e.AgentID, e.Message)
	}
}

func (e *AgentError) Unwrap() error {
	return e.Err
}
