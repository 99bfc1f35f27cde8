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
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"admarket/platform/shared/logger"
)

// JSON-RPC method and tool names spoken by remote agents
const (
	rpcVersion          = "2.0"
	rpcMethodToolsCall  = "tools/call"
	rpcMethodToolsList  = "tools/list"
	selectProductsTool  = "select_products"
	DefaultProbeTimeout = 5 * time.Second
	maxRemoteBodyBytes  = 10 << 20
	maxErrorBodyExcerpt = 512
)

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      string `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *rpcError       `json:"error"`
}

type toolCallParams struct {
	Name      string              `json:"name"`
	Arguments selectProductsInput `json:"arguments"`
}

type selectProductsInput struct {
	Prompt         string         `json:"prompt"`
	MaxResults     int            `json:"max_results"`
	Filters        map[string]any `json:"filters"`
	Locale         string         `json:"locale"`
	Currency       string         `json:"currency"`
	TimeoutSeconds float64        `json:"timeout_seconds"`
	AgentConfig    map[string]any `json:"agent_config,omitempty"`
}

type selectProductsResult struct {
	Products []json.RawMessage `json:"products"`
}

type toolsListResult struct {
	Tools []struct {
		Name string `json:"name"`
	} `json:"tools"`
}

// ProbeStatus is the outcome of a connectivity probe
type ProbeStatus string

const (
	ProbeHealthy   ProbeStatus = "healthy"
	ProbeUnhealthy ProbeStatus = "unhealthy"
	ProbeError     ProbeStatus = "error"
)

// ProbeResult describes a remote agent's reachability
type ProbeResult struct {
	Status         ProbeStatus `json:"status"`
	EndpointURL    string      `json:"endpoint_url"`
	ResponseTimeMs float64     `json:"response_time_ms"`
	Tools          []string    `json:"tools,omitempty"`
	Message        string      `json:"message"`
}

// RemoteAgentClient speaks JSON-RPC over HTTP to remote product agents
type RemoteAgentClient struct {
	httpClient *http.Client
	log        *logger.Logger
	newID      func() string
}

// NewRemoteAgentClient creates a client. Deadlines come from the request
// context, so the default http.Client carries no overall timeout.
func NewRemoteAgentClient(httpClient *http.Client, log *logger.Logger) *RemoteAgentClient {
	if httpClient == nil {
		httpClient = &http.Client{
			Transport: &http.Transport{
				Proxy:               http.ProxyFromEnvironment,
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 20,
				IdleConnTimeout:     90 * time.Second,
			},
		}
	}
	if log == nil {
		log = logger.Discard("remote-agent")
	}
	return &RemoteAgentClient{
		httpClient: httpClient,
		log:        log,
		newID:      func() string { return "mcp_" + uuid.NewString() },
	}
}

// SelectProducts asks the agent for candidates matching q. Items without
// an id or a name are skipped; everything else is passed through raw.
func (c *RemoteAgentClient) SelectProducts(ctx context.Context, agent AgentDescriptor, q Query) ([]RawCandidate, error) {
	timeoutSeconds := q.TimeoutSeconds
	if deadline, ok := ctx.Deadline(); ok {
		timeoutSeconds = time.Until(deadline).Seconds()
	}

	filters := q.Filters
	if filters == nil {
		filters = map[string]any{}
	}

	params := toolCallParams{
		Name: selectProductsTool,
		Arguments: selectProductsInput{
			Prompt:         q.Prompt,
			MaxResults:     q.MaxResults,
			Filters:        filters,
			Locale:         q.Locale,
			Currency:       q.Currency,
			TimeoutSeconds: timeoutSeconds,
			AgentConfig:    agent.Config,
		},
	}

	result, err := c.call(ctx, agent.AgentID, agent.EndpointURL, rpcMethodToolsCall, params)
	if err != nil {
		return nil, err
	}

	var payload selectProductsResult
	if len(result) > 0 && string(result) != "null" {
		if err := json.Unmarshal(result, &payload); err != nil {
			return nil, &AgentError{AgentID: agent.AgentID, Kind: AgentErrorDecode, Message: "malformed result", Err: err}
		}
	}

	candidates := make([]RawCandidate, 0, len(payload.Products))
	for i, item := range payload.Products {
		var candidate RawCandidate
		if err := json.Unmarshal(item, &candidate); err != nil {
			c.log.Warn(agent.TenantID, "", "skipping malformed product item", map[string]interface{}{
				"agent_id": agent.AgentID,
				"index":    i,
				"error":    err.Error(),
			})
			continue
		}
		if !candidate.HasIdentity() {
			c.log.Warn(agent.TenantID, "", "skipping product item without id or name", map[string]interface{}{
				"agent_id": agent.AgentID,
				"index":    i,
			})
			continue
		}
		candidates = append(candidates, candidate)
	}
	return candidates, nil
}

// Probe sends a tools/list request and reports reachability. It never
// returns an error; failures are described in the result.
func (c *RemoteAgentClient) Probe(ctx context.Context, endpointURL string) ProbeResult {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultProbeTimeout)
		defer cancel()
	}

	start := time.Now()
	result, err := c.call(ctx, "probe", endpointURL, rpcMethodToolsList, map[string]any{})
	probe := ProbeResult{
		EndpointURL:    endpointURL,
		ResponseTimeMs: durationMs(time.Since(start)),
	}

	if err != nil {
		var agentErr *AgentError
		if errors.As(err, &agentErr) && (agentErr.Kind == AgentErrorStatus || agentErr.Kind == AgentErrorProtocol) {
			probe.Status = ProbeUnhealthy
		} else {
			probe.Status = ProbeError
		}
		probe.Message = err.Error()
		return probe
	}

	var tools toolsListResult
	if len(result) > 0 {
		if err := json.Unmarshal(result, &tools); err != nil {
			probe.Status = ProbeUnhealthy
			probe.Message = fmt.Sprintf("malformed tools/list result: %v", err)
			return probe
		}
	}
	for _, tool := range tools.Tools {
		probe.Tools = append(probe.Tools, tool.Name)
	}
	probe.Status = ProbeHealthy
	probe.Message = fmt.Sprintf("agent reachable, %d tools advertised", len(probe.Tools))
	return probe
}

func (c *RemoteAgentClient) call(ctx context.Context, agentID, endpointURL, method string, params any) (json.RawMessage, error) {
	if endpointURL == "" {
		return nil, &AgentError{AgentID: agentID, Kind: AgentErrorTransport, Message: "endpoint URL is empty"}
	}

	reqBody, err := json.Marshal(rpcRequest{
		JSONRPC: rpcVersion,
		ID:      c.newID(),
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s request: %w", method, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpointURL, bytes.NewReader(reqBody))
	if err != nil {
		return nil, &AgentError{AgentID: agentID, Kind: AgentErrorTransport, Message: "failed to create request", Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, &AgentError{AgentID: agentID, Kind: AgentErrorTransport, Message: "request failed", Err: err}
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			log.Printf("[RemoteAgent] Error closing response body: %v", err)
		}
	}()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxRemoteBodyBytes))
	if err != nil {
		return nil, &AgentError{AgentID: agentID, Kind: AgentErrorTransport, Message: "failed to read response", Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		excerpt := strings.TrimSpace(string(body))
		if len(excerpt) > maxErrorBodyExcerpt {
			excerpt = excerpt[:maxErrorBodyExcerpt]
		}
		if excerpt == "" {
			excerpt = http.StatusText(resp.StatusCode)
		}
		return nil, &AgentError{AgentID: agentID, Kind: AgentErrorStatus, StatusCode: resp.StatusCode, Message: excerpt}
	}

	var rpcResp rpcResponse
	if err := json.Unmarshal(body, &rpcResp); err != nil {
		return nil, &AgentError{AgentID: agentID, Kind: AgentErrorDecode, Message: "malformed JSON-RPC response", Err: err}
	}
	if rpcResp.Error != nil {
		msg := rpcResp.Error.Message
		if msg == "" {
			msg = fmt.Sprintf("code %d", rpcResp.Error.Code)
		}
		return nil, &AgentError{AgentID: agentID, Kind: AgentErrorProtocol, Message: msg}
	}
	return rpcResp.Result, nil
}

// RemoteAgent adapts a descriptor and a shared client to ProductAgent
type RemoteAgent struct {
	descriptor AgentDescriptor
	client     *RemoteAgentClient
}

// NewRemoteAgent binds a descriptor to a client.
func NewRemoteAgent(descriptor AgentDescriptor, client *RemoteAgentClient) *RemoteAgent {
	return &RemoteAgent{descriptor: descriptor, client: client}
}

// Descriptor returns the agent's registry entry.
func (a *RemoteAgent) Descriptor() AgentDescriptor {
	return a.descriptor
}

// SelectProducts forwards the query to the remote endpoint.
func (a *RemoteAgent) SelectProducts(ctx context.Context, q Query) ([]RawCandidate, error) {
	return a.client.SelectProducts(ctx, a.descriptor, q)
}
