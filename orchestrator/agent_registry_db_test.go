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
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var tenantColumns = []string{"tenant_id", "name", "policy_settings", "created_at", "updated_at"}

func newMockRegistry(t *testing.T, driver string) (*SQLAgentRegistry, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	registry := NewSQLAgentRegistry(db, driver)
	registry.now = func() time.Time { return fixedNow }
	return registry, mock
}

func TestSQLAgentRegistry_ListActiveAgents(t *testing.T) {
	registry, mock := newMockRegistry(t, "postgres")
	created := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)

	rows := sqlmock.NewRows(tenantColumns).
		AddRow("acme", "Acme Media", `{"agents": {
			"acme_remote": {"type": "mcp", "status": "active", "endpoint_url": "http://acme.example.com/rpc", "config": {"timeout_seconds": 3}},
			"acme_paused": {"type": "external", "status": "inactive", "endpoint_url": "http://paused.example.com/rpc"}
		}}`, created, created).
		AddRow("globex", "Globex", nil, nil, nil).
		AddRow("initech", "Initech", `{"agents": {"initech_ai": {"name": "Initech Catalog"}}}`, created, created)

	mock.ExpectQuery(regexp.QuoteMeta(
		"SELECT tenant_id, name, policy_settings, created_at, updated_at FROM tenants WHERE tenant_id NOT IN ($1) ORDER BY tenant_id")).
		WithArgs("hooli").
		WillReturnRows(rows)

	agents, err := registry.ListActiveAgents(context.Background(), AgentFilter{ExcludeTenantIDs: []string{"hooli"}})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())

	assert.Equal(t, []string{"acme_local_ai", "acme_remote", "globex_local_ai", "initech_ai"}, agentIDs(agents))

	acmeDefault := agents[0]
	assert.Equal(t, AgentTypeLocal, acmeDefault.Type)
	assert.Equal(t, "Acme Media Local AI Agent", acmeDefault.Name)
	assert.Equal(t, created, acmeDefault.CreatedAt)

	remote := agents[1]
	assert.Equal(t, AgentTypeRemote, remote.Type)
	assert.Equal(t, "Acme Media acme_remote", remote.Name)
	assert.Equal(t, 3*time.Second, remote.ConfigTimeout())

	assert.Equal(t, fixedNow, agents[2].CreatedAt, "missing timestamps fall back to now")

	initech := agents[3]
	assert.Equal(t, AgentTypeLocal, initech.Type, "untyped agents are legacy local_ai")
	assert.Equal(t, "Initech Catalog", initech.Name)
}

func TestSQLAgentRegistry_IncludeTenantsMySQL(t *testing.T) {
	registry, mock := newMockRegistry(t, "mysql")

	mock.ExpectQuery(regexp.QuoteMeta(
		"SELECT tenant_id, name, policy_settings, created_at, updated_at FROM tenants WHERE tenant_id IN (?, ?) AND tenant_id NOT IN (?) ORDER BY tenant_id")).
		WithArgs("a", "b", "c").
		WillReturnRows(sqlmock.NewRows(tenantColumns).AddRow("a", "A", "{}", nil, nil))

	agents, err := registry.ListAgents(context.Background(), AgentFilter{
		IncludeTenantIDs: []string{"a", "b"},
		ExcludeTenantIDs: []string{"c"},
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
	assert.Equal(t, []string{"a_local_ai"}, agentIDs(agents))
}

func TestSQLAgentRegistry_SkipsMalformedEntries(t *testing.T) {
	registry, mock := newMockRegistry(t, "postgres")

	mock.ExpectQuery("SELECT tenant_id").
		WillReturnRows(sqlmock.NewRows(tenantColumns).
			AddRow("broken", "Broken", `{not json`, nil, nil).
			AddRow("mixed", "Mixed", `{"agents": {
				"no_endpoint": {"type": "remote"},
				"weird_type": {"type": "fax"},
				"good": {"type": "remote", "endpoint_url": "http://good.example.com"}
			}}`, nil, nil))

	agents, err := registry.ListAgents(context.Background(), AgentFilter{})
	require.NoError(t, err)
	assert.Equal(t, []string{"broken_local_ai", "good", "mixed_local_ai"}, agentIDs(agents))
}

func TestSQLAgentRegistry_QueryError(t *testing.T) {
	registry, mock := newMockRegistry(t, "postgres")
	mock.ExpectQuery("SELECT tenant_id").WillReturnError(errors.New("connection reset"))

	_, err := registry.ListActiveAgents(context.Background(), AgentFilter{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to query tenants")
}

func TestSQLAgentRegistry_FiltersAfterLoad(t *testing.T) {
	registry, mock := newMockRegistry(t, "postgres")
	mock.ExpectQuery("SELECT tenant_id").
		WillReturnRows(sqlmock.NewRows(tenantColumns).
			AddRow("acme", "Acme", `{"agents": {"r": {"type": "remote", "endpoint_url": "http://r.example.com"}}}`, nil, nil))

	agents, err := registry.ListActiveAgents(context.Background(), AgentFilter{AgentTypes: []AgentType{AgentTypeRemote}})
	require.NoError(t, err)
	assert.Equal(t, []string{"r"}, agentIDs(agents))
}

func TestSQLAgentRegistry_UpdateAgentStatus(t *testing.T) {
	registry, mock := newMockRegistry(t, "postgres")

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT policy_settings FROM tenants WHERE tenant_id = $1 FOR UPDATE")).
		WithArgs("acme").
		WillReturnRows(sqlmock.NewRows([]string{"policy_settings"}).
			AddRow(`{"agents":{"r":{"status":"active","type":"remote"}},"theme":"dark"}`))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE tenants SET policy_settings = $1, updated_at = $2 WHERE tenant_id = $3")).
		WithArgs(`{"agents":{"r":{"status":"error","type":"remote"}},"theme":"dark"}`, fixedNow, "acme").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, registry.UpdateAgentStatus(context.Background(), "acme", "r", AgentStatusError))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLAgentRegistry_UpdateAgentStatusNotFound(t *testing.T) {
	t.Run("unknown tenant", func(t *testing.T) {
		registry, mock := newMockRegistry(t, "postgres")
		mock.ExpectBegin()
		mock.ExpectQuery("SELECT policy_settings").WillReturnError(sql.ErrNoRows)
		mock.ExpectRollback()

		err := registry.UpdateAgentStatus(context.Background(), "ghost", "r", AgentStatusInactive)
		assert.True(t, errors.Is(err, ErrAgentNotFound))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("unknown agent", func(t *testing.T) {
		registry, mock := newMockRegistry(t, "postgres")
		mock.ExpectBegin()
		mock.ExpectQuery("SELECT policy_settings").
			WillReturnRows(sqlmock.NewRows([]string{"policy_settings"}).AddRow(`{"agents":{}}`))
		mock.ExpectRollback()

		err := registry.UpdateAgentStatus(context.Background(), "acme", "r", AgentStatusInactive)
		assert.True(t, errors.Is(err, ErrAgentNotFound))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("invalid status", func(t *testing.T) {
		registry, _ := newMockRegistry(t, "postgres")
		assert.Error(t, registry.UpdateAgentStatus(context.Background(), "acme", "r", AgentStatus("paused")))
	})
}

func TestSQLAgentRegistry_AsHybridSource(t *testing.T) {
	sqlRegistry, mock := newMockRegistry(t, "postgres")
	mock.ExpectQuery("SELECT tenant_id").
		WillReturnRows(sqlmock.NewRows(tenantColumns).AddRow("acme", "Acme", nil, nil, nil))

	registry := NewFileAgentRegistry()
	require.NoError(t, registry.RegisterAgent(descriptor("zeta", "z", AgentTypeLocal)))
	registry.SetDatabaseSource(sqlRegistry)

	agents, err := registry.ListActiveAgents(context.Background(), AgentFilter{})
	require.NoError(t, err)
	assert.Equal(t, []string{"acme_local_ai", "z"}, agentIDs(agents))
}

func TestSQLDialect(t *testing.T) {
	assert.Equal(t, "($1, $2)", dialectFor("postgres").inList(1, 2))
	assert.Equal(t, "($3)", dialectFor("").inList(3, 1))
	assert.Equal(t, "(?, ?, ?)", dialectFor("MySQL").inList(1, 3))
	assert.Equal(t, sqlDialect(DriverPostgres), dialectFor("oracle"))

	_, err := OpenDatabase(context.Background(), "oracle", "dsn")
	assert.Error(t, err)
	_, err = OpenDatabase(context.Background(), "postgres", "")
	assert.Error(t, err)
}
