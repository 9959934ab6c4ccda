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
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentrouter/shared/logger"
)

type testServer struct {
	srv     *httptest.Server
	store   *MemorySessionStore
	manager *TaskManager
	cache   *IdempotencyCache
}

func newTestServer(t *testing.T, agents testAgents, configure func(*Server)) *testServer {
	t.Helper()
	store := NewMemorySessionStore(0)
	manager := newTestManager(agents, store)
	metrics := NewMetricsCollector()
	manager.WithMetrics(metrics)
	cache := NewIdempotencyCache(time.Minute)
	t.Cleanup(cache.Close)

	s := NewServer(manager, manager.registry, logger.Discard()).
		WithMetrics(metrics).
		WithIdempotency(cache)
	if configure != nil {
		configure(s)
	}

	srv := httptest.NewServer(s.Router())
	t.Cleanup(srv.Close)
	return &testServer{srv: srv, store: store, manager: manager, cache: cache}
}

func (ts *testServer) post(t *testing.T, body string, headers map[string]string) (*http.Response, TaskResponse) {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, ts.srv.URL+"/run", strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	var out TaskResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp, out
}

func (ts *testServer) get(t *testing.T, path string) (*http.Response, []byte) {
	t.Helper()
	resp, err := http.Get(ts.srv.URL + path)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, data
}

func TestRunHandler_Success(t *testing.T) {
	ts := newTestServer(t, testAgents{management: newFakeAgent(t, `{"response":"Which region?"}`)}, nil)

	resp, out := ts.post(t, `{"prompt":"create a bucket","session_id":"s-1"}`, map[string]string{"X-Request-ID": "req-42"})

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "req-42", resp.Header.Get("X-Request-ID"))
	assert.Equal(t, StatusSuccess, out.Status)
	assert.Equal(t, "gcp_management_agent", out.AgentCalled)
	assert.Equal(t, "s-1", out.SessionID)
	assert.False(t, out.IsContinuation)
	assert.Contains(t, out.Results, "gcp_management_agent")
}

func TestRunHandler_ErrorStatusCodes(t *testing.T) {
	failing := newFakeAgent(t)
	failing.status = http.StatusServiceUnavailable
	ts := newTestServer(t, testAgents{advisor: failing}, nil)

	resp, out := ts.post(t, `{not json`, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, ErrorTypeMalformedRequest, out.ErrorType)

	resp, out = ts.post(t, `{"session_id":"s-1"}`, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, StatusError, out.Status)
	assert.Equal(t, 0, ts.store.Len())

	resp, out = ts.post(t, `{"prompt":"create a bucket","session_id":"s-1"}`, nil)
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.Equal(t, ErrorTypeConfiguration, out.ErrorType)

	resp, out = ts.post(t, `{"prompt":"what is pub/sub","session_id":"s-2"}`, nil)
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	assert.Equal(t, ErrorTypeDispatchFailure, out.ErrorType)
	assert.True(t, out.ConnectionFailed)
}

func TestRunHandler_IdempotencyKey(t *testing.T) {
	advisor := newFakeAgent(t, `{"response":"Use Pub/Sub"}`)
	ts := newTestServer(t, testAgents{advisor: advisor}, nil)
	headers := map[string]string{"Idempotency-Key": "key-1"}

	first, out1 := ts.post(t, `{"prompt":"what is pub/sub","session_id":"s-1"}`, headers)
	second, out2 := ts.post(t, `{"prompt":"what is pub/sub","session_id":"s-1"}`, headers)

	assert.Equal(t, http.StatusOK, first.StatusCode)
	assert.Equal(t, http.StatusOK, second.StatusCode)
	assert.Equal(t, "true", second.Header.Get("Idempotent-Replayed"))
	assert.Equal(t, out1, out2)
	assert.Len(t, advisor.Tasks(), 1, "a replay must not dispatch again")

	// A key still in flight is rejected
	state, _ := ts.cache.Claim("key-2")
	require.Equal(t, IdempotencyNew, state)
	resp, out := ts.post(t, `{"prompt":"what is pub/sub"}`, map[string]string{"Idempotency-Key": "key-2"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, ErrorTypeDuplicateRequest, out.ErrorType)
}

func TestRunHandler_BearerIdentity(t *testing.T) {
	advisor := newFakeAgent(t)
	ts := newTestServer(t, testAgents{advisor: advisor}, func(s *Server) {
		s.WithTokenValidator(NewTokenValidator("test-secret"))
	})

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "dana"}).SignedString([]byte("test-secret"))
	require.NoError(t, err)

	resp, out := ts.post(t, `{"prompt":"what is pub/sub"}`, map[string]string{"Authorization": "Bearer " + token})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "dana", out.SessionID)
	assert.Equal(t, "dana", advisor.Tasks()[0].UserID)

	resp, out = ts.post(t, `{"prompt":"what is pub/sub"}`, map[string]string{"Authorization": "Bearer garbage"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, ErrorTypeUnauthorized, out.ErrorType)

	// Anonymous callers are still served
	resp, _ = ts.post(t, `{"prompt":"what is pub/sub","user_id":"erin"}`, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestHealthAndMetricsHandlers(t *testing.T) {
	ts := newTestServer(t, testAgents{advisor: newFakeAgent(t)}, nil)
	ts.post(t, `{"prompt":"what is pub/sub","session_id":"s-1"}`, nil)

	resp, data := ts.get(t, "/health")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var health map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &health))
	assert.Equal(t, "healthy", health["status"])
	assert.Equal(t, "memory", health["components"].(map[string]interface{})["session_store"])

	resp, data = ts.get(t, "/metrics")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var snap MetricsSnapshot
	require.NoError(t, json.Unmarshal(data, &snap))
	assert.Equal(t, int64(1), snap.TotalTurns)

	resp, data = ts.get(t, "/prometheus")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(data), "agentrouter_turns_total")
	assert.Contains(t, string(data), "agentrouter_dispatch_attempts_total")
}

func TestAgentsHandlers(t *testing.T) {
	advisor := newFakeAgent(t)
	arch := newFakeAgent(t, `{"detail":"prompt too short"}`)
	arch.status = http.StatusUnprocessableEntity
	ts := newTestServer(t, testAgents{advisor: advisor, architecture: arch}, nil)

	resp, data := ts.get(t, "/api/v1/agents")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var listing struct {
		Agents []AgentInfo `json:"agents"`
		Count  int         `json:"count"`
	}
	require.NoError(t, json.Unmarshal(data, &listing))
	assert.Equal(t, 3, listing.Count)
	configured := map[string]bool{}
	for _, a := range listing.Agents {
		configured[a.ID] = a.Configured
	}
	assert.Equal(t, map[string]bool{
		"gcp_advisor_agent":    true,
		"architecture_agent":   true,
		"gcp_management_agent": false,
	}, configured)

	resp, data = ts.get(t, "/api/v1/agents/health")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var health map[string]AgentHealth
	require.NoError(t, json.Unmarshal(data, &health))
	assert.True(t, health["gcp_advisor_agent"].Healthy)
	assert.True(t, health["architecture_agent"].Healthy, "422 counts as healthy")
	assert.False(t, health["gcp_management_agent"].Healthy)
	assert.Equal(t, "not_configured", health["gcp_management_agent"].Status)

	require.Len(t, advisor.Tasks(), 1)
	assert.Equal(t, "health_check", advisor.Tasks()[0].Prompt)
}

func TestSessionHandlers(t *testing.T) {
	ts := newTestServer(t, testAgents{management: newFakeAgent(t, `{"response":"Which region?"}`)}, nil)

	resp, _ := ts.get(t, "/api/v1/sessions/s-1")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	ts.post(t, `{"prompt":"create a bucket","session_id":"s-1"}`, nil)

	resp, data := ts.get(t, "/api/v1/sessions/s-1")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var session Session
	require.NoError(t, json.Unmarshal(data, &session))
	assert.Equal(t, "gcp_management_agent", session.ActiveAgent)
	assert.Len(t, session.ConversationHistory, 2)

	req, err := http.NewRequest(http.MethodDelete, ts.srv.URL+"/api/v1/sessions/s-1", nil)
	require.NoError(t, err)
	delResp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	_ = delResp.Body.Close()
	assert.Equal(t, http.StatusOK, delResp.StatusCode)

	resp, _ = ts.get(t, "/api/v1/sessions/s-1")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestRouter_CORS(t *testing.T) {
	ts := newTestServer(t, testAgents{}, nil)

	req, err := http.NewRequest(http.MethodGet, ts.srv.URL+"/health", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "http://chat.local")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	_ = resp.Body.Close()

	assert.NotEmpty(t, resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestStatusCodeFor(t *testing.T) {
	assert.Equal(t, http.StatusOK, statusCodeFor(&TaskResponse{Status: StatusSuccess}))
	assert.Equal(t, http.StatusBadRequest, statusCodeFor(&TaskResponse{Status: StatusError, ErrorType: ErrorTypeMalformedRequest}))
	assert.Equal(t, http.StatusInternalServerError, statusCodeFor(&TaskResponse{Status: StatusError, ErrorType: ErrorTypeConfiguration}))
	assert.Equal(t, http.StatusBadGateway, statusCodeFor(&TaskResponse{Status: StatusError, ErrorType: ErrorTypeDispatchFailure}))
	assert.Equal(t, http.StatusInternalServerError, statusCodeFor(&TaskResponse{Status: StatusError, ErrorType: ErrorTypeInternal}))
}

func TestBuildServer_WiresConfiguredComponents(t *testing.T) {
	mr := miniredis.RunT(t)
	agent := newFakeAgent(t, `{"response":"hello from billing"}`)

	registryFile := filepath.Join(t.TempDir(), "agents.yaml")
	require.NoError(t, os.WriteFile(registryFile, []byte(`agents:
  - id: billing_agent
    endpoint: http://placeholder/run
    description: Answers invoice questions.
`), 0o600))

	cfg, err := loadConfig(envLookup(map[string]string{
		"SESSION_BACKEND":     "redis",
		"REDIS_URL":           "redis://" + mr.Addr() + "/0",
		"AGENT_REGISTRY_FILE": registryFile,
		"JWT_SECRET":          "s",
	}))
	require.NoError(t, err)

	lookup := envLookup(map[string]string{
		"BILLING_AGENT_URL":  agent.URL(),
		"GCP_MANAGEMENT_URL": "not-set-in-cloud",
	})
	srv, cleanup, err := buildServer(context.Background(), cfg, lookup, logger.Discard())
	require.NoError(t, err)
	defer cleanup()

	assert.Equal(t, "redis", srv.manager.Store().Name())
	assert.NotNil(t, srv.tokens)
	assert.NotNil(t, srv.idempotency)
	assert.Equal(t, "keyword", srv.classifier)

	endpoint, err := srv.registry.Resolve("billing_agent")
	require.NoError(t, err)
	assert.Equal(t, agent.URL(), endpoint)

	_, err = srv.registry.Resolve("gcp_management_agent")
	assert.Error(t, err)

	resp := srv.manager.Run(context.Background(), TaskRequest{Prompt: "invoice", SessionID: "s-1", Agents: []string{"billing_agent"}})
	require.Equal(t, StatusSuccess, resp.Status, resp.Error)

	body, err := json.Marshal(resp.Results["billing_agent"])
	require.NoError(t, err)
	assert.True(t, bytes.Contains(body, []byte("hello from billing")))
	assert.True(t, mr.Exists(redisSessionKey("s-1")))
}

func TestBuildServer_BadRegistryFile(t *testing.T) {
	cfg, err := loadConfig(envLookup(map[string]string{"AGENT_REGISTRY_FILE": "/does/not/exist.yaml"}))
	require.NoError(t, err)

	_, cleanup, err := buildServer(context.Background(), cfg, envLookup(nil), logger.Discard())
	defer cleanup()
	assert.Error(t, err)
}
