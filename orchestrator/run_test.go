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
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeServiceRegistry(t *testing.T, remoteURL string) string {
	t.Helper()
	yaml := `
apiVersion: admarket.io/v1
kind: AgentRegistry
metadata:
  name: service-test
spec:
  tenants:
    - tenant_id: acme
      name: Acme Media
      agents:
        - agent_id: acme_local
          type: local
        - agent_id: acme_remote
          type: remote
          endpoint_url: ` + remoteURL + `
`
	path := filepath.Join(t.TempDir(), "agents.yaml")
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o600))
	return path
}

func testServiceConfig(agentFile string) Config {
	cfg := DefaultConfig()
	cfg.AgentConfigFile = agentFile
	return cfg
}

func TestNewService_FileRegistryEndToEnd(t *testing.T) {
	srv := rpcServer(t, http.StatusOK, `{"jsonrpc": "2.0", "id": "mcp_1", "result": {"products": [
		{"id": "remote-1", "name": "Sports Pre-roll", "description": "video", "cpm": 14, "score": 0.8}
	]}}`, nil)

	svc, err := NewService(context.Background(), testServiceConfig(writeServiceRegistry(t, srv.URL)))
	require.NoError(t, err)
	defer svc.Close()

	agents, err := svc.Registry.ListActiveAgents(context.Background(), AgentFilter{})
	require.NoError(t, err)
	assert.Equal(t, []string{"acme_local", "acme_remote"}, agentIDs(agents))

	handler := svc.Handler()
	rec := doRequest(handler, "POST", "/buyer/orchestrate", `{"prompt": "sports"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp OrchestrationResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Products, 1)
	assert.Equal(t, "remote-1", resp.Products[0].ProductID)
	assert.Equal(t, "acme", resp.Products[0].PublisherTenantID)
	assert.Equal(t, 2, resp.Metadata.SuccessfulAgents, "empty local catalog still answers")

	rec = doRequest(handler, "POST", "/buyer/orchestrate", `{"prompt": "sports"}`)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Metadata.Cached)
	assert.Equal(t, "memory", svc.Orchestrator.CacheStats(context.Background()).Backend)
}

func TestNewService_RedisCache(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := testServiceConfig("")
	cfg.RedisURL = "redis://" + mr.Addr() + "/0"

	svc, err := NewService(context.Background(), cfg)
	require.NoError(t, err)
	defer svc.Close()

	assert.Equal(t, "redis", svc.Orchestrator.CacheStats(context.Background()).Backend)
}

func TestNewService_Errors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"database mode without database", func(c *Config) { c.RegistryMode = "database" }, "requires DATABASE_URL"},
		{"hybrid mode without database", func(c *Config) { c.RegistryMode = "hybrid" }, "requires DATABASE_URL"},
		{"missing agent file", func(c *Config) { c.AgentConfigFile = "/nonexistent/agents.yaml" }, "failed to access agent config"},
		{"unreachable redis", func(c *Config) { c.RedisURL = "redis://127.0.0.1:1/0" }, "failed to connect to Redis"},
		{"bad redis url", func(c *Config) { c.RedisURL = "memcached://nope" }, "failed to parse Redis URL"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testServiceConfig("")
			tt.mutate(&cfg)
			_, err := NewService(context.Background(), cfg)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestNewService_DisabledCache(t *testing.T) {
	cfg := testServiceConfig("")
	cfg.CacheTTLSeconds = 0

	svc, err := NewService(context.Background(), cfg)
	require.NoError(t, err)
	assert.Equal(t, "disabled", svc.Orchestrator.CacheStats(context.Background()).Backend)
}

func TestServiceHandler_PrometheusAndCORS(t *testing.T) {
	svc, err := NewService(context.Background(), testServiceConfig(""))
	require.NoError(t, err)
	handler := svc.Handler()

	doRequest(handler, "POST", "/buyer/orchestrate", `{"prompt": "x"}`)

	rec := doRequest(handler, "GET", "/prometheus", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "admarket_orchestrator_orchestrations_total"))

	req := httptest.NewRequest(http.MethodOptions, "/buyer/orchestrate", nil)
	req.Header.Set("Origin", "http://buyer.example.com")
	req.Header.Set("Access-Control-Request-Method", "POST")
	preflight := httptest.NewRecorder()
	handler.ServeHTTP(preflight, req)
	assert.NotEmpty(t, preflight.Header().Get("Access-Control-Allow-Origin"))
}
