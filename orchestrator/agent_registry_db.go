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
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"
)

// DatabaseAgentSource loads agent descriptors of any status from a
// database. Only the tenant filters need to be honoured; the registry
// applies the rest.
type DatabaseAgentSource interface {
	LoadAgents(ctx context.Context, filter AgentFilter) ([]AgentDescriptor, error)
}

// RegistryMode defines how the registry sources agent descriptors
type RegistryMode string

const (
	// RegistryModeFile loads agents only from YAML files
	RegistryModeFile RegistryMode = "file"

	// RegistryModeDatabase loads agents only from the database
	RegistryModeDatabase RegistryMode = "database"

	// RegistryModeHybrid loads from both, with database entries taking priority
	RegistryModeHybrid RegistryMode = "hybrid"
)

// ParseRegistryMode maps a configuration string to a mode. Empty means file.
func ParseRegistryMode(s string) (RegistryMode, error) {
	switch RegistryMode(strings.ToLower(strings.TrimSpace(s))) {
	case "", RegistryModeFile:
		return RegistryModeFile, nil
	case RegistryModeDatabase:
		return RegistryModeDatabase, nil
	case RegistryModeHybrid:
		return RegistryModeHybrid, nil
	default:
		return "", fmt.Errorf("unknown registry mode %q", s)
	}
}

// SetDatabaseSource attaches a database source and switches to hybrid mode.
func (r *FileAgentRegistry) SetDatabaseSource(source DatabaseAgentSource) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dbSource = source
	r.mode = RegistryModeHybrid
}

// SetMode sets the registry operating mode
func (r *FileAgentRegistry) SetMode(mode RegistryMode) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.mode = mode
}

// GetMode returns the current registry mode
func (r *FileAgentRegistry) GetMode() RegistryMode {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.mode == "" {
		return RegistryModeFile
	}
	return r.mode
}

// tenantAgentSettings is the agents section of tenants.policy_settings:
//
//	{"agents": {"acme_remote": {"type": "mcp", "status": "active", "endpoint_url": "..."}}}
type tenantAgentSettings struct {
	Agents map[string]storedAgent `json:"agents"`
}

type storedAgent struct {
	Name        string         `json:"name,omitempty"`
	Type        string         `json:"type,omitempty"`
	Status      string         `json:"status,omitempty"`
	EndpointURL string         `json:"endpoint_url,omitempty"`
	Config      map[string]any `json:"config,omitempty"`
}

// DefaultLocalAgentSuffix names the local agent every tenant gets when its
// settings define none.
const DefaultLocalAgentSuffix = "_local_ai"

// SQLAgentRegistry reads agent descriptors from the tenants table, where
// each tenant's policy_settings JSON carries an agents map keyed by id.
type SQLAgentRegistry struct {
	db      *sql.DB
	dialect sqlDialect
	now     func() time.Time
}

// NewSQLAgentRegistry creates a registry over db using driver's bind syntax
func NewSQLAgentRegistry(db *sql.DB, driver string) *SQLAgentRegistry {
	return &SQLAgentRegistry{
		db:      db,
		dialect: dialectFor(driver),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// LoadAgents implements DatabaseAgentSource. Tenant include/exclude lists
// are pushed into the query.
func (s *SQLAgentRegistry) LoadAgents(ctx context.Context, filter AgentFilter) ([]AgentDescriptor, error) {
	query := "SELECT tenant_id, name, policy_settings, created_at, updated_at FROM tenants"
	var (
		clauses []string
		args    []any
	)
	if len(filter.IncludeTenantIDs) > 0 {
		clauses = append(clauses, "tenant_id IN "+s.dialect.inList(len(args)+1, len(filter.IncludeTenantIDs)))
		for _, id := range filter.IncludeTenantIDs {
			args = append(args, id)
		}
	}
	if len(filter.ExcludeTenantIDs) > 0 {
		clauses = append(clauses, "tenant_id NOT IN "+s.dialect.inList(len(args)+1, len(filter.ExcludeTenantIDs)))
		for _, id := range filter.ExcludeTenantIDs {
			args = append(args, id)
		}
	}
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY tenant_id"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query tenants: %w", err)
	}
	defer func() {
		if err := rows.Close(); err != nil {
			log.Printf("[SQLAgentRegistry] Error closing rows: %v", err)
		}
	}()

	var agents []AgentDescriptor
	for rows.Next() {
		var (
			tenantID, tenantName string
			settings             sql.NullString
			createdAt, updatedAt sql.NullTime
		)
		if err := rows.Scan(&tenantID, &tenantName, &settings, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan tenant: %w", err)
		}
		tenant := tenantRow{
			ID:        tenantID,
			Name:      tenantName,
			CreatedAt: createdAt.Time,
			UpdatedAt: updatedAt.Time,
		}
		agents = append(agents, s.tenantAgents(tenant, settings.String)...)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate tenants: %w", err)
	}
	return agents, nil
}

type tenantRow struct {
	ID        string
	Name      string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// tenantAgents decodes one tenant's agents. Malformed settings or entries
// are logged and skipped so one tenant cannot break discovery for all.
func (s *SQLAgentRegistry) tenantAgents(tenant tenantRow, rawSettings string) []AgentDescriptor {
	var settings tenantAgentSettings
	if strings.TrimSpace(rawSettings) != "" {
		if err := json.Unmarshal([]byte(rawSettings), &settings); err != nil {
			log.Printf("[SQLAgentRegistry] Ignoring malformed policy_settings for tenant %s: %v", tenant.ID, err)
			settings = tenantAgentSettings{}
		}
	}

	createdAt, updatedAt := tenant.CreatedAt, tenant.UpdatedAt
	if createdAt.IsZero() {
		createdAt = s.now()
	}
	if updatedAt.IsZero() {
		updatedAt = createdAt
	}

	agents := make([]AgentDescriptor, 0, len(settings.Agents)+1)
	hasLocal := false
	for agentID, stored := range settings.Agents {
		entry := AgentEntry{
			AgentID:     agentID,
			Name:        stored.Name,
			Type:        stored.Type,
			Status:      stored.Status,
			EndpointURL: stored.EndpointURL,
			Config:      stored.Config,
		}
		if entry.Type == "" {
			entry.Type = "local_ai"
		}
		if entry.Name == "" {
			entry.Name = fmt.Sprintf("%s %s", tenant.Name, agentID)
		}
		desc, err := entry.Descriptor(TenantAgents{TenantID: tenant.ID, Name: tenant.Name})
		if err != nil {
			log.Printf("[SQLAgentRegistry] Skipping agent %s for tenant %s: %v", agentID, tenant.ID, err)
			continue
		}
		desc.CreatedAt = createdAt
		desc.UpdatedAt = updatedAt
		if desc.Type == AgentTypeLocal {
			hasLocal = true
		}
		agents = append(agents, desc)
	}

	if !hasLocal {
		agents = append(agents, AgentDescriptor{
			AgentID:    tenant.ID + DefaultLocalAgentSuffix,
			TenantID:   tenant.ID,
			TenantName: tenant.Name,
			Name:       tenant.Name + " Local AI Agent",
			Type:       AgentTypeLocal,
			Status:     AgentStatusActive,
			CreatedAt:  createdAt,
			UpdatedAt:  updatedAt,
		})
	}
	return agents
}

// ListActiveAgents implements AgentRegistry
func (s *SQLAgentRegistry) ListActiveAgents(ctx context.Context, filter AgentFilter) ([]AgentDescriptor, error) {
	all, err := s.LoadAgents(ctx, filter)
	if err != nil {
		return nil, err
	}
	return selectAgents(all, filter, true), nil
}

// ListAgents implements AgentRegistry
func (s *SQLAgentRegistry) ListAgents(ctx context.Context, filter AgentFilter) ([]AgentDescriptor, error) {
	all, err := s.LoadAgents(ctx, filter)
	if err != nil {
		return nil, err
	}
	return selectAgents(all, filter, false), nil
}

// UpdateAgentStatus rewrites one agent's status inside the tenant's
// policy_settings. The read-modify-write runs in a transaction with the
// tenant row locked.
func (s *SQLAgentRegistry) UpdateAgentStatus(ctx context.Context, tenantID, agentID string, status AgentStatus) error {
	if !ValidAgentStatuses[status] {
		return fmt.Errorf("invalid status %q", status)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err := tx.Rollback(); err != nil && err != sql.ErrTxDone {
			log.Printf("[SQLAgentRegistry] Rollback failed: %v", err)
		}
	}()

	var raw sql.NullString
	err = tx.QueryRowContext(ctx,
		"SELECT policy_settings FROM tenants WHERE tenant_id = "+s.dialect.placeholder(1)+" FOR UPDATE",
		tenantID).Scan(&raw)
	if err == sql.ErrNoRows {
		return fmt.Errorf("%w: tenant %s", ErrAgentNotFound, tenantID)
	}
	if err != nil {
		return fmt.Errorf("failed to load tenant settings: %w", err)
	}

	settings := map[string]any{}
	if strings.TrimSpace(raw.String) != "" {
		if err := json.Unmarshal([]byte(raw.String), &settings); err != nil {
			return fmt.Errorf("malformed policy_settings for tenant %s: %w", tenantID, err)
		}
	}
	agents, _ := settings["agents"].(map[string]any)
	agent, ok := agents[agentID].(map[string]any)
	if !ok {
		return fmt.Errorf("%w: %s/%s", ErrAgentNotFound, tenantID, agentID)
	}
	agent["status"] = string(status)

	updated, err := json.Marshal(settings)
	if err != nil {
		return fmt.Errorf("failed to encode policy_settings: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		fmt.Sprintf("UPDATE tenants SET policy_settings = %s, updated_at = %s WHERE tenant_id = %s",
			s.dialect.placeholder(1), s.dialect.placeholder(2), s.dialect.placeholder(3)),
		string(updated), s.now(), tenantID)
	if err != nil {
		return fmt.Errorf("failed to update tenant settings: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit status update: %w", err)
	}
	return nil
}
