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
	"context"
	"fmt"
	"strings"
	"sync"
)

// ProductCatalog is the read-only product listing of the local inventory
// store.
type ProductCatalog interface {
	GetProducts(ctx context.Context, tenantID string) ([]RawCandidate, error)
}

// Keyword relevance weights used when a catalog product carries no score
const (
	keywordNameWeight        = 2.0
	keywordDescriptionWeight = 1.0
	keywordCategoryWeight    = 0.5
	keywordBaseScore         = 0.1
)

// LocalCatalogAgent answers queries from the tenant's own catalog without a
// network hop.
type LocalCatalogAgent struct {
	descriptor AgentDescriptor
	catalog    ProductCatalog
}

// NewLocalCatalogAgent binds a descriptor to a catalog
func NewLocalCatalogAgent(descriptor AgentDescriptor, catalog ProductCatalog) *LocalCatalogAgent {
	return &LocalCatalogAgent{descriptor: descriptor, catalog: catalog}
}

// Descriptor returns the agent's registry entry.
func (a *LocalCatalogAgent) Descriptor() AgentDescriptor {
	return a.descriptor
}

// SelectProducts lists the tenant's products. Products without a score of
// their own are scored by keyword overlap with the prompt.
func (a *LocalCatalogAgent) SelectProducts(ctx context.Context, q Query) ([]RawCandidate, error) {
	if a.catalog == nil {
		return nil, &AgentError{AgentID: a.descriptor.AgentID, Kind: AgentErrorCatalog, Message: "no product catalog configured"}
	}

	records, err := a.catalog.GetProducts(ctx, a.descriptor.TenantID)
	if err != nil {
		return nil, &AgentError{AgentID: a.descriptor.AgentID, Kind: AgentErrorCatalog, Message: "catalog lookup failed", Err: err}
	}

	keywords := strings.Fields(strings.ToLower(q.Prompt))
	out := make([]RawCandidate, 0, len(records))
	for _, record := range records {
		if _, ok := toFloat(record.Score); !ok {
			record.Score = KeywordScore(keywords, record)
		}
		out = append(out, record)
	}
	return out, nil
}

// KeywordScore counts prompt keyword hits in a candidate's name,
// description and categories.
func KeywordScore(keywords []string, c RawCandidate) float64 {
	score := keywordBaseScore
	name, _ := toString(c.Name)
	description, _ := toString(c.Description)
	name, description = strings.ToLower(name), strings.ToLower(description)
	categories := toStringList(c.Categories)

	for _, kw := range keywords {
		if name != "" && strings.Contains(name, kw) {
			score += keywordNameWeight
		}
		if description != "" && strings.Contains(description, kw) {
			score += keywordDescriptionWeight
		}
		for _, category := range categories {
			if strings.Contains(strings.ToLower(category), kw) {
				score += keywordCategoryWeight
			}
		}
	}
	return score
}

// MemoryProductCatalog is an in-process ProductCatalog, used for seeding
// and tests.
type MemoryProductCatalog struct {
	mu       sync.RWMutex
	products map[string][]RawCandidate
}

// NewMemoryProductCatalog creates an empty catalog
func NewMemoryProductCatalog() *MemoryProductCatalog {
	return &MemoryProductCatalog{products: make(map[string][]RawCandidate)}
}

// SetProducts replaces a tenant's product list
func (c *MemoryProductCatalog) SetProducts(tenantID string, products []RawCandidate) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.products[tenantID] = append([]RawCandidate(nil), products...)
}

// GetProducts implements ProductCatalog
func (c *MemoryProductCatalog) GetProducts(ctx context.Context, tenantID string) ([]RawCandidate, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]RawCandidate(nil), c.products[tenantID]...), nil
}

// AgentFactory builds the ProductAgent for a descriptor
type AgentFactory interface {
	NewAgent(descriptor AgentDescriptor) (ProductAgent, error)
}

// DefaultAgentFactory serves local descriptors from Catalog and remote
// descriptors through Remote.
type DefaultAgentFactory struct {
	Catalog ProductCatalog
	Remote  *RemoteAgentClient
}

// NewAgent implements AgentFactory
func (f *DefaultAgentFactory) NewAgent(descriptor AgentDescriptor) (ProductAgent, error) {
	switch descriptor.Type {
	case AgentTypeLocal:
		return NewLocalCatalogAgent(descriptor, f.Catalog), nil
	case AgentTypeRemote:
		if f.Remote == nil {
			return nil, fmt.Errorf("agent %s: no remote client configured", descriptor.Key())
		}
		return NewRemoteAgent(descriptor, f.Remote), nil
	default:
		return nil, fmt.Errorf("agent %s: unsupported type %q", descriptor.Key(), descriptor.Type)
	}
}
