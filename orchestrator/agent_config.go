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
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// AgentRegistryFile is a YAML agent registry document following the
// Kubernetes-style apiVersion/kind pattern:
//
//	apiVersion: admarket.io/v1
//	kind: AgentRegistry
//	metadata:
//	  name: marketplace-agents
//	spec:
//	  tenants:
//	    - tenant_id: acme
//	      name: Acme Media
//	      agents:
//	        - agent_id: acme_remote
//	          type: remote
//	          endpoint_url: https://agents.acme.example/rpc
type AgentRegistryFile struct {
	APIVersion string            `yaml:"apiVersion"`
	Kind       string            `yaml:"kind"`
	Metadata   RegistryMetadata  `yaml:"metadata"`
	Spec       AgentRegistrySpec `yaml:"spec"`
}

// RegistryMetadata identifies a registry document
type RegistryMetadata struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
}

// AgentRegistrySpec lists tenants and the agents they own
type AgentRegistrySpec struct {
	Tenants []TenantAgents `yaml:"tenants"`
}

// TenantAgents groups the agents of one tenant
type TenantAgents struct {
	TenantID string       `yaml:"tenant_id"`
	Name     string       `yaml:"name"`
	Agents   []AgentEntry `yaml:"agents"`
}

// AgentEntry is one agent as written in the registry file. Type and status
// are kept as strings so legacy names can be mapped during conversion.
type AgentEntry struct {
	AgentID     string         `yaml:"agent_id"`
	Name        string         `yaml:"name"`
	Type        string         `yaml:"type"`
	Status      string         `yaml:"status"`
	EndpointURL string         `yaml:"endpoint_url,omitempty"`
	Config      map[string]any `yaml:"config,omitempty"`
}

// Registry file constants
const (
	RegistryAPIVersionPrefix = "admarket.io/"
	RegistryKind             = "AgentRegistry"
)

var identifierPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]*$`)

// LoadAgentRegistryFile reads and validates a registry document
func LoadAgentRegistryFile(path string) (*AgentRegistryFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read registry file %s: %w", path, err)
	}
	return ParseAgentRegistryFile(data)
}

// ParseAgentRegistryFile parses YAML data into an AgentRegistryFile
func ParseAgentRegistryFile(data []byte) (*AgentRegistryFile, error) {
	var file AgentRegistryFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if err := ValidateAgentRegistryFile(&file); err != nil {
		return nil, fmt.Errorf("validation failed: %w", err)
	}
	return &file, nil
}

// ValidateAgentRegistryFile checks the document header and that every
// agent converts into a valid descriptor.
func ValidateAgentRegistryFile(file *AgentRegistryFile) error {
	if file == nil {
		return fmt.Errorf("registry file is nil")
	}
	if !strings.HasPrefix(file.APIVersion, RegistryAPIVersionPrefix) {
		return fmt.Errorf("invalid apiVersion: must start with '%s', got '%s'", RegistryAPIVersionPrefix, file.APIVersion)
	}
	if file.Kind != RegistryKind {
		return fmt.Errorf("invalid kind: expected '%s', got '%s'", RegistryKind, file.Kind)
	}
	if file.Metadata.Name == "" {
		return fmt.Errorf("metadata.name is required")
	}

	seenTenants := make(map[string]bool)
	for i, tenant := range file.Spec.Tenants {
		if tenant.TenantID == "" {
			return fmt.Errorf("tenant %d: tenant_id is required", i)
		}
		if !identifierPattern.MatchString(tenant.TenantID) {
			return fmt.Errorf("tenant %d: invalid tenant_id %q", i, tenant.TenantID)
		}
		if seenTenants[tenant.TenantID] {
			return fmt.Errorf("duplicate tenant_id '%s'", tenant.TenantID)
		}
		seenTenants[tenant.TenantID] = true

		seenAgents := make(map[string]bool)
		for _, entry := range tenant.Agents {
			desc, err := entry.Descriptor(tenant)
			if err != nil {
				return fmt.Errorf("tenant %s: %w", tenant.TenantID, err)
			}
			if seenAgents[desc.AgentID] {
				return fmt.Errorf("tenant %s: duplicate agent_id '%s'", tenant.TenantID, desc.AgentID)
			}
			seenAgents[desc.AgentID] = true
		}
	}
	return nil
}

// Descriptor converts the entry into an AgentDescriptor owned by tenant.
// Missing type means local, missing status means active.
func (e AgentEntry) Descriptor(tenant TenantAgents) (AgentDescriptor, error) {
	if e.AgentID != "" && !identifierPattern.MatchString(e.AgentID) {
		return AgentDescriptor{}, fmt.Errorf("invalid agent_id %q", e.AgentID)
	}

	typ := AgentTypeLocal
	if e.Type != "" {
		parsed, err := ParseAgentType(e.Type)
		if err != nil {
			return AgentDescriptor{}, fmt.Errorf("agent %s: %w", e.AgentID, err)
		}
		typ = parsed
	}

	status := AgentStatusActive
	if e.Status != "" {
		status = AgentStatus(strings.ToLower(e.Status))
	}

	name := e.Name
	if name == "" {
		name = strings.TrimSpace(tenant.Name + " " + e.AgentID)
	}

	desc := AgentDescriptor{
		AgentID:     e.AgentID,
		TenantID:    tenant.TenantID,
		TenantName:  tenant.Name,
		Name:        name,
		Type:        typ,
		Status:      status,
		EndpointURL: e.EndpointURL,
		Config:      e.Config,
	}
	if err := desc.Validate(); err != nil {
		return AgentDescriptor{}, err
	}
	return desc, nil
}

// Descriptors flattens the document into descriptors in file order.
func (f *AgentRegistryFile) Descriptors() ([]AgentDescriptor, error) {
	var out []AgentDescriptor
	for _, tenant := range f.Spec.Tenants {
		for _, entry := range tenant.Agents {
			desc, err := entry.Descriptor(tenant)
			if err != nil {
				return nil, fmt.Errorf("tenant %s: %w", tenant.TenantID, err)
			}
			out = append(out, desc)
		}
	}
	return out, nil
}
