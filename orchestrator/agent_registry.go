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
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// AgentFilter narrows the set of agents an orchestration fans out to.
// Empty lists do not filter. Agent ids match either the bare id or the
// tenant-qualified "tenant/agent" form.
type AgentFilter struct {
	IncludeTenantIDs []string
	ExcludeTenantIDs []string
	IncludeAgentIDs  []string
	ExcludeAgentIDs  []string
	AgentTypes       []AgentType
}

// Matches reports whether d passes every filter. Status is not checked.
func (f AgentFilter) Matches(d AgentDescriptor) bool {
	if len(f.IncludeTenantIDs) > 0 && !containsString(f.IncludeTenantIDs, d.TenantID) {
		return false
	}
	if containsString(f.ExcludeTenantIDs, d.TenantID) {
		return false
	}
	if len(f.IncludeAgentIDs) > 0 && !matchesAgentID(f.IncludeAgentIDs, d) {
		return false
	}
	if matchesAgentID(f.ExcludeAgentIDs, d) {
		return false
	}
	if len(f.AgentTypes) > 0 {
		found := false
		for _, t := range f.AgentTypes {
			if t == d.Type {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func containsString(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}

func matchesAgentID(ids []string, d AgentDescriptor) bool {
	key := d.Key()
	for _, id := range ids {
		if id == d.AgentID || id == key {
			return true
		}
	}
	return false
}

// AgentRegistry is the read-only view of tenant agents the orchestrator
// consumes.
type AgentRegistry interface {
	// ListActiveAgents returns active agents passing the filter, ordered
	// by tenant then agent id.
	ListActiveAgents(ctx context.Context, filter AgentFilter) ([]AgentDescriptor, error)

	// ListAgents returns agents of any status passing the filter.
	ListAgents(ctx context.Context, filter AgentFilter) ([]AgentDescriptor, error)
}

// selectAgents applies the filter and ordering shared by every registry.
func selectAgents(all []AgentDescriptor, filter AgentFilter, activeOnly bool) []AgentDescriptor {
	out := make([]AgentDescriptor, 0, len(all))
	for _, d := range all {
		if activeOnly && d.Status != AgentStatusActive {
			continue
		}
		if !filter.Matches(d) {
			continue
		}
		out = append(out, d)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].TenantID != out[j].TenantID {
			return out[i].TenantID < out[j].TenantID
		}
		return out[i].AgentID < out[j].AgentID
	})
	return out
}

// RegistryStats summarises the agents a registry knows about
type RegistryStats struct {
	TotalAgents    int            `json:"total_agents"`
	ActiveAgents   int            `json:"active_agents"`
	InactiveAgents int            `json:"inactive_agents"`
	ErrorAgents    int            `json:"error_agents"`
	AgentsByType   map[string]int `json:"agents_by_type"`
	Tenants        int            `json:"tenants_with_agents"`
	Mode           RegistryMode   `json:"mode,omitempty"`
	ConfigPath     string         `json:"config_path,omitempty"`
	LastReload     time.Time      `json:"last_reload,omitempty"`
	ReloadCount    int64          `json:"reload_count"`
}

// ComputeRegistryStats counts agents by status, type and tenant.
func ComputeRegistryStats(agents []AgentDescriptor) RegistryStats {
	stats := RegistryStats{
		TotalAgents:  len(agents),
		AgentsByType: map[string]int{},
	}
	tenants := make(map[string]bool)
	for _, a := range agents {
		switch a.Status {
		case AgentStatusActive:
			stats.ActiveAgents++
		case AgentStatusInactive:
			stats.InactiveAgents++
		default:
			stats.ErrorAgents++
		}
		stats.AgentsByType[string(a.Type)]++
		tenants[a.TenantID] = true
	}
	stats.Tenants = len(tenants)
	return stats
}

// TenantSummary describes one tenant that has agents in the registry
type TenantSummary struct {
	TenantID     string   `json:"tenant_id"`
	TenantName   string   `json:"tenant_name"`
	AgentCount   int      `json:"agent_count"`
	ActiveAgents int      `json:"active_agents"`
	AgentTypes   []string `json:"agent_types"`
}

// ComputeTenantSummaries groups agents by tenant, ordered by tenant id.
func ComputeTenantSummaries(agents []AgentDescriptor) []TenantSummary {
	byTenant := make(map[string]*TenantSummary)
	seenTypes := make(map[string]map[string]bool)
	for _, a := range agents {
		s, ok := byTenant[a.TenantID]
		if !ok {
			s = &TenantSummary{TenantID: a.TenantID, AgentTypes: []string{}}
			byTenant[a.TenantID] = s
			seenTypes[a.TenantID] = make(map[string]bool)
		}
		if s.TenantName == "" {
			s.TenantName = a.TenantName
		}
		s.AgentCount++
		if a.Status == AgentStatusActive {
			s.ActiveAgents++
		}
		if !seenTypes[a.TenantID][string(a.Type)] {
			seenTypes[a.TenantID][string(a.Type)] = true
			s.AgentTypes = append(s.AgentTypes, string(a.Type))
		}
	}

	out := make([]TenantSummary, 0, len(byTenant))
	for _, s := range byTenant {
		sort.Strings(s.AgentTypes)
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TenantID < out[j].TenantID })
	return out
}

// FileAgentRegistry holds agent descriptors loaded from YAML registry
// files. It is safe for concurrent use and supports hot reload. When a
// database source is attached it can also serve database or hybrid mode.
type FileAgentRegistry struct {
	agents      map[string]AgentDescriptor // tenant/agent -> descriptor
	configPath  string                     // file or directory last loaded
	mu          sync.RWMutex               // protects agents, configPath, lastReload
	lastReload  time.Time
	reloadCount int64

	dbSource DatabaseAgentSource
	mode     RegistryMode
}

// NewFileAgentRegistry creates an empty registry in file mode
func NewFileAgentRegistry() *FileAgentRegistry {
	return &FileAgentRegistry{
		agents: make(map[string]AgentDescriptor),
		mode:   RegistryModeFile,
	}
}

// LoadFromFile replaces the registry contents with one registry file
func (r *FileAgentRegistry) LoadFromFile(ctx context.Context, path string) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	file, err := LoadAgentRegistryFile(path)
	if err != nil {
		return err
	}
	descriptors, err := file.Descriptors()
	if err != nil {
		return err
	}

	agents := make(map[string]AgentDescriptor, len(descriptors))
	for _, d := range descriptors {
		agents[d.Key()] = d
	}
	r.swap(path, agents)
	return nil
}

// LoadFromDirectory loads every top-level YAML file in dir. The same
// tenant/agent pair may not appear in two files.
func (r *FileAgentRegistry) LoadFromDirectory(ctx context.Context, dir string) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	if dir == "" {
		return fmt.Errorf("directory path cannot be empty")
	}
	info, err := os.Stat(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("directory does not exist: %s", dir)
		}
		return fmt.Errorf("failed to access directory %s: %w", dir, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("path is not a directory: %s", dir)
	}

	files, err := findYAMLFiles(dir)
	if err != nil {
		return fmt.Errorf("failed to scan directory: %w", err)
	}

	agents := make(map[string]AgentDescriptor)
	for _, path := range files {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		file, err := LoadAgentRegistryFile(path)
		if err != nil {
			return fmt.Errorf("failed to load registry %s: %w", path, err)
		}
		descriptors, err := file.Descriptors()
		if err != nil {
			return fmt.Errorf("failed to load registry %s: %w", path, err)
		}
		for _, d := range descriptors {
			if _, exists := agents[d.Key()]; exists {
				return fmt.Errorf("duplicate agent '%s' found in %s", d.Key(), path)
			}
			agents[d.Key()] = d
		}
	}

	r.swap(dir, agents)
	return nil
}

func (r *FileAgentRegistry) swap(path string, agents map[string]AgentDescriptor) {
	r.mu.Lock()
	r.configPath = path
	r.agents = agents
	r.lastReload = time.Now()
	atomic.AddInt64(&r.reloadCount, 1)
	r.mu.Unlock()
	log.Printf("[AgentRegistry] Loaded %d agents from %s", len(agents), path)
}

// findYAMLFiles returns the YAML files directly inside dir, sorted.
func findYAMLFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if ext == ".yaml" || ext == ".yml" {
			files = append(files, filepath.Join(dir, entry.Name()))
		}
	}
	sort.Strings(files)
	return files, nil
}

// Reload re-reads the file or directory last loaded
func (r *FileAgentRegistry) Reload(ctx context.Context) error {
	r.mu.RLock()
	path := r.configPath
	r.mu.RUnlock()

	if path == "" {
		return fmt.Errorf("no registry path set - call LoadFromFile or LoadFromDirectory first")
	}
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("failed to access %s: %w", path, err)
	}
	if info.IsDir() {
		return r.LoadFromDirectory(ctx, path)
	}
	return r.LoadFromFile(ctx, path)
}

// RegisterAgent adds or replaces a single descriptor
func (r *FileAgentRegistry) RegisterAgent(d AgentDescriptor) error {
	if d.Status == "" {
		d.Status = AgentStatusActive
	}
	if err := d.Validate(); err != nil {
		return fmt.Errorf("invalid agent: %w", err)
	}
	now := time.Now().UTC()
	if d.CreatedAt.IsZero() {
		d.CreatedAt = now
	}
	d.UpdatedAt = now

	r.mu.Lock()
	defer r.mu.Unlock()
	r.agents[d.Key()] = d
	return nil
}

// SetStatus changes an agent's lifecycle status. Anything other than
// active removes it from fan-out on the next query.
func (r *FileAgentRegistry) SetStatus(tenantID, agentID string, status AgentStatus) error {
	if !ValidAgentStatuses[status] {
		return fmt.Errorf("invalid status %q", status)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	key := tenantID + "/" + agentID
	d, ok := r.agents[key]
	if !ok {
		return fmt.Errorf("%w: %s", ErrAgentNotFound, key)
	}
	d.Status = status
	d.UpdatedAt = time.Now().UTC()
	r.agents[key] = d
	return nil
}

// GetAgent returns one descriptor regardless of status
func (r *FileAgentRegistry) GetAgent(ctx context.Context, tenantID, agentID string) (AgentDescriptor, error) {
	agents, err := r.ListAgents(ctx, AgentFilter{
		IncludeTenantIDs: []string{tenantID},
		IncludeAgentIDs:  []string{agentID},
	})
	if err != nil {
		return AgentDescriptor{}, err
	}
	for _, d := range agents {
		if d.AgentID == agentID {
			return d, nil
		}
	}
	return AgentDescriptor{}, fmt.Errorf("%w: %s/%s", ErrAgentNotFound, tenantID, agentID)
}

// ListActiveAgents implements AgentRegistry
func (r *FileAgentRegistry) ListActiveAgents(ctx context.Context, filter AgentFilter) ([]AgentDescriptor, error) {
	all, err := r.collect(ctx, filter)
	if err != nil {
		return nil, err
	}
	return selectAgents(all, filter, true), nil
}

// ListAgents implements AgentRegistry
func (r *FileAgentRegistry) ListAgents(ctx context.Context, filter AgentFilter) ([]AgentDescriptor, error) {
	all, err := r.collect(ctx, filter)
	if err != nil {
		return nil, err
	}
	return selectAgents(all, filter, false), nil
}

// collect gathers descriptors from the sources the mode selects. In hybrid
// mode a database entry replaces a file entry with the same key.
func (r *FileAgentRegistry) collect(ctx context.Context, filter AgentFilter) ([]AgentDescriptor, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	r.mu.RLock()
	mode := r.mode
	dbSource := r.dbSource
	merged := make(map[string]AgentDescriptor, len(r.agents))
	if mode != RegistryModeDatabase {
		for k, v := range r.agents {
			merged[k] = v
		}
	}
	r.mu.RUnlock()

	if mode != RegistryModeFile {
		if dbSource == nil {
			return nil, fmt.Errorf("registry mode %s requires a database source", mode)
		}
		dbAgents, err := dbSource.LoadAgents(ctx, filter)
		if err != nil {
			return nil, fmt.Errorf("failed to load agents from database: %w", err)
		}
		for _, d := range dbAgents {
			merged[d.Key()] = d
		}
	}

	out := make([]AgentDescriptor, 0, len(merged))
	for _, d := range merged {
		out = append(out, d)
	}
	return out, nil
}

// Stats returns registry statistics across every configured source
func (r *FileAgentRegistry) Stats(ctx context.Context) (RegistryStats, error) {
	agents, err := r.ListAgents(ctx, AgentFilter{})
	if err != nil {
		return RegistryStats{}, err
	}
	stats := ComputeRegistryStats(agents)

	r.mu.RLock()
	defer r.mu.RUnlock()
	stats.Mode = r.mode
	stats.ConfigPath = r.configPath
	stats.LastReload = r.lastReload
	stats.ReloadCount = atomic.LoadInt64(&r.reloadCount)
	return stats, nil
}
