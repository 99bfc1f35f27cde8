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
	"fmt"
	"math"
	"strings"
	"time"
)

// AgentType is the declared kind of a product agent
type AgentType string

const (
	AgentTypeLocal  AgentType = "local"
	AgentTypeRemote AgentType = "remote"
)

// ParseAgentType accepts the current names plus the legacy names still
// found in tenant settings (local_ai, mcp, external).
func ParseAgentType(s string) (AgentType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "local", "local_ai":
		return AgentTypeLocal, nil
	case "remote", "mcp", "external":
		return AgentTypeRemote, nil
	default:
		return "", fmt.Errorf("unknown agent type %q", s)
	}
}

// AgentStatus is both the descriptor lifecycle state and the outcome
// recorded in an AgentReport.
type AgentStatus string

const (
	AgentStatusActive   AgentStatus = "active"
	AgentStatusInactive AgentStatus = "inactive"
	AgentStatusError    AgentStatus = "error"
	AgentStatusTimeout  AgentStatus = "timeout"
)

// ValidAgentStatuses lists the statuses a descriptor may carry
var ValidAgentStatuses = map[AgentStatus]bool{
	AgentStatusActive:   true,
	AgentStatusInactive: true,
	AgentStatusError:    true,
	AgentStatusTimeout:  true,
}

// Query defaults
const (
	DefaultMaxResults = 50
	DefaultLocale     = "en-US"
	DefaultCurrency   = "USD"

	// MaxTimeoutSeconds caps every per-agent deadline
	MaxTimeoutSeconds = 3600
)

// Query is a buyer brief. Use Normalize before handing it to the
// orchestrator; the normalized value is not modified afterwards.
type Query struct {
	Prompt           string         `json:"prompt"`
	MaxResults       int            `json:"max_results"`
	Filters          map[string]any `json:"filters,omitempty"`
	Locale           string         `json:"locale"`
	Currency         string         `json:"currency"`
	TimeoutSeconds   float64        `json:"timeout_seconds,omitempty"`
	IncludeTenantIDs []string       `json:"include_tenant_ids,omitempty"`
	ExcludeTenantIDs []string       `json:"exclude_tenant_ids,omitempty"`
	IncludeAgentIDs  []string       `json:"include_agent_ids,omitempty"`
	ExcludeAgentIDs  []string       `json:"exclude_agent_ids,omitempty"`
	AgentTypes       []AgentType    `json:"agent_types,omitempty"`
}

// Normalize applies defaults, validates, and returns a copy that shares no
// slices or maps with the receiver.
func (q Query) Normalize() (Query, error) {
	out := Query{
		Prompt:           strings.TrimSpace(q.Prompt),
		MaxResults:       q.MaxResults,
		Locale:           strings.TrimSpace(q.Locale),
		Currency:         strings.ToUpper(strings.TrimSpace(q.Currency)),
		TimeoutSeconds:   q.TimeoutSeconds,
		IncludeTenantIDs: cleanIDs(q.IncludeTenantIDs),
		ExcludeTenantIDs: cleanIDs(q.ExcludeTenantIDs),
		IncludeAgentIDs:  cleanIDs(q.IncludeAgentIDs),
		ExcludeAgentIDs:  cleanIDs(q.ExcludeAgentIDs),
	}

	if out.Prompt == "" {
		return Query{}, fmt.Errorf("%w: prompt is required", ErrInvalidQuery)
	}
	if out.MaxResults == 0 {
		out.MaxResults = DefaultMaxResults
	}
	if out.MaxResults < 1 {
		return Query{}, fmt.Errorf("%w: max_results must be at least 1, got %d", ErrInvalidQuery, q.MaxResults)
	}
	if out.TimeoutSeconds < 0 || math.IsNaN(out.TimeoutSeconds) {
		return Query{}, fmt.Errorf("%w: timeout_seconds cannot be negative", ErrInvalidQuery)
	}
	out.TimeoutSeconds = math.Min(out.TimeoutSeconds, MaxTimeoutSeconds)
	if out.Locale == "" {
		out.Locale = DefaultLocale
	}
	if out.Currency == "" {
		out.Currency = DefaultCurrency
	}

	if len(q.Filters) > 0 {
		out.Filters = make(map[string]any, len(q.Filters))
		for k, v := range q.Filters {
			out.Filters[k] = v
		}
	}

	for _, t := range q.AgentTypes {
		parsed, err := ParseAgentType(string(t))
		if err != nil {
			return Query{}, fmt.Errorf("%w: %v", ErrInvalidQuery, err)
		}
		out.AgentTypes = append(out.AgentTypes, parsed)
	}

	return out, nil
}

// Timeout returns the caller's override, or zero when none was given.
func (q Query) Timeout() time.Duration {
	if q.TimeoutSeconds <= 0 {
		return 0
	}
	return secondsToDuration(q.TimeoutSeconds)
}

// secondsToDuration converts fractional seconds, capped at MaxTimeoutSeconds.
func secondsToDuration(secs float64) time.Duration {
	if math.IsNaN(secs) || secs <= 0 {
		return 0
	}
	return time.Duration(math.Min(secs, MaxTimeoutSeconds) * float64(time.Second))
}

// AgentFilter returns the registry selection derived from the query.
func (q Query) AgentFilter() AgentFilter {
	return AgentFilter{
		IncludeTenantIDs: q.IncludeTenantIDs,
		ExcludeTenantIDs: q.ExcludeTenantIDs,
		IncludeAgentIDs:  q.IncludeAgentIDs,
		ExcludeAgentIDs:  q.ExcludeAgentIDs,
		AgentTypes:       q.AgentTypes,
	}
}

func cleanIDs(ids []string) []string {
	if len(ids) == 0 {
		return nil
	}
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id = strings.TrimSpace(id); id != "" {
			out = append(out, id)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// AgentDescriptor identifies one agent owned by one tenant.
type AgentDescriptor struct {
	AgentID     string         `json:"agent_id" yaml:"agent_id"`
	TenantID    string         `json:"tenant_id" yaml:"tenant_id"`
	TenantName  string         `json:"tenant_name" yaml:"tenant_name"`
	Name        string         `json:"name" yaml:"name"`
	Type        AgentType      `json:"type" yaml:"type"`
	Status      AgentStatus    `json:"status" yaml:"status"`
	EndpointURL string         `json:"endpoint_url,omitempty" yaml:"endpoint_url,omitempty"`
	Config      map[string]any `json:"config,omitempty" yaml:"config,omitempty"`
	CreatedAt   time.Time      `json:"created_at" yaml:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at" yaml:"updated_at"`
}

// Key is unique across tenants.
func (d AgentDescriptor) Key() string {
	return d.TenantID + "/" + d.AgentID
}

// Validate checks the descriptor invariants.
func (d AgentDescriptor) Validate() error {
	if d.AgentID == "" {
		return fmt.Errorf("agent_id is required")
	}
	if d.TenantID == "" {
		return fmt.Errorf("agent %s: tenant_id is required", d.AgentID)
	}
	switch d.Type {
	case AgentTypeLocal:
	case AgentTypeRemote:
		if d.EndpointURL == "" {
			return fmt.Errorf("agent %s: remote agents require endpoint_url", d.AgentID)
		}
	default:
		return fmt.Errorf("agent %s: invalid type %q", d.AgentID, d.Type)
	}
	if !ValidAgentStatuses[d.Status] {
		return fmt.Errorf("agent %s: invalid status %q", d.AgentID, d.Status)
	}
	return nil
}

// ConfigTimeout reads timeout_seconds from the agent config. Zero means unset.
func (d AgentDescriptor) ConfigTimeout() time.Duration {
	if d.Config == nil {
		return 0
	}
	secs, ok := toFloat(d.Config["timeout_seconds"])
	if !ok {
		return 0
	}
	return secondsToDuration(secs)
}

// Product is the canonical record produced by normalization.
type Product struct {
	ProductID          string    `json:"product_id"`
	Name               string    `json:"name"`
	Description        string    `json:"description"`
	PriceCPM           float64   `json:"price_cpm"`
	PublisherTenantID  string    `json:"publisher_tenant_id"`
	SourceAgentID      string    `json:"source_agent_id"`
	Score              float64   `json:"score"`
	Formats            []string  `json:"formats"`
	Categories         []string  `json:"categories"`
	Targeting          []string  `json:"targeting"`
	DeliveryType       string    `json:"delivery_type"`
	ImageURL           string    `json:"image_url,omitempty"`
	Rationale          string    `json:"rationale,omitempty"`
	MerchandisingBlurb string    `json:"merchandising_blurb,omitempty"`
	NormalizedAt       time.Time `json:"normalized_at"`
}

// DedupKey identifies the same listing across agents.
func (p Product) DedupKey() string {
	return p.PublisherTenantID + "\x1f" + p.ProductID
}

// Raw converts the product back into a candidate record.
func (p Product) Raw() RawCandidate {
	return RawCandidate{
		ProductID:          p.ProductID,
		Name:               p.Name,
		Description:        p.Description,
		PriceCPM:           p.PriceCPM,
		Formats:            append([]string(nil), p.Formats...),
		Categories:         append([]string(nil), p.Categories...),
		Targeting:          append([]string(nil), p.Targeting...),
		DeliveryType:       p.DeliveryType,
		ImageURL:           p.ImageURL,
		Score:              p.Score,
		PublisherTenantID:  p.PublisherTenantID,
		SourceAgentID:      p.SourceAgentID,
		Rationale:          p.Rationale,
		MerchandisingBlurb: p.MerchandisingBlurb,
		NormalizedAt:       p.NormalizedAt,
	}
}

// AgentReport is the outcome of one agent call within one orchestration.
type AgentReport struct {
	AgentID        string      `json:"agent_id"`
	TenantID       string      `json:"tenant_id"`
	AgentType      AgentType   `json:"agent_type"`
	Status         AgentStatus `json:"status"`
	ResponseTimeMs float64     `json:"response_time_ms"`
	ProductsCount  int         `json:"products_count"`
	ErrorMessage   string      `json:"error_message,omitempty"`
	ExecutedAt     time.Time   `json:"executed_at"`
}

// Succeeded reports whether the agent answered within its deadline.
func (r AgentReport) Succeeded() bool {
	return r.Status == AgentStatusActive
}

// PerformanceSnapshot summarises agent latencies for one orchestration.
type PerformanceSnapshot struct {
	AvgResponseTimeMs    float64 `json:"avg_response_time_ms"`
	MedianResponseTimeMs float64 `json:"median_response_time_ms"`
	SuccessRate          float64 `json:"success_rate"`
}

// ResponseMetadata describes how an orchestration was produced.
type ResponseMetadata struct {
	TotalAgentsContacted     int                 `json:"total_agents_contacted"`
	SuccessfulAgents         int                 `json:"successful_agents"`
	FailedAgents             int                 `json:"failed_agents"`
	TotalProductsFound       int                 `json:"total_products_found"`
	TotalProductsAfterDedupe int                 `json:"total_products_after_dedupe"`
	DroppedCandidates        int                 `json:"dropped_candidates"`
	OrchestrationTimeMs      float64             `json:"orchestration_time_ms"`
	RequestID                string              `json:"request_id"`
	Timestamp                time.Time           `json:"timestamp"`
	Cached                   bool                `json:"cached"`
	Performance              PerformanceSnapshot `json:"performance"`
	Error                    string              `json:"error,omitempty"`
}

// OrchestrationResponse is the result of Orchestrate.
type OrchestrationResponse struct {
	Products     []Product        `json:"products"`
	AgentReports []AgentReport    `json:"agent_reports"`
	Metadata     ResponseMetadata `json:"metadata"`
}

// clone returns a deep copy so cached responses are never shared with callers.
func (r *OrchestrationResponse) clone() *OrchestrationResponse {
	if r == nil {
		return nil
	}
	out := &OrchestrationResponse{
		Products:     make([]Product, len(r.Products)),
		AgentReports: append([]AgentReport(nil), r.AgentReports...),
		Metadata:     r.Metadata,
	}
	for i, p := range r.Products {
		p.Formats = append([]string{}, p.Formats...)
		p.Categories = append([]string{}, p.Categories...)
		p.Targeting = append([]string{}, p.Targeting...)
		out.Products[i] = p
	}
	if out.AgentReports == nil {
		out.AgentReports = []AgentReport{}
	}
	return out
}
