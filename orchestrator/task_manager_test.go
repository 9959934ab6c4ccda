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
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentrouter/shared/types"
)

// fakeAgent is a downstream agent that records tasks and replies with scripted bodies
type fakeAgent struct {
	mu      sync.Mutex
	tasks   []AgentTask
	replies []string
	status  int
	srv     *httptest.Server
}

func newFakeAgent(t *testing.T, replies ...string) *fakeAgent {
	t.Helper()
	a := &fakeAgent{replies: replies, status: http.StatusOK}
	a.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var task AgentTask
		_ = json.NewDecoder(r.Body).Decode(&task)

		a.mu.Lock()
		a.tasks = append(a.tasks, task)
		reply := `{"response":"ok"}`
		if len(a.replies) > 0 {
			reply = a.replies[0]
			if len(a.replies) > 1 {
				a.replies = a.replies[1:]
			}
		}
		status := a.status
		a.mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(reply))
	}))
	t.Cleanup(a.srv.Close)
	return a
}

func (a *fakeAgent) URL() string { return a.srv.URL }

func (a *fakeAgent) Tasks() []AgentTask {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]AgentTask, len(a.tasks))
	copy(out, a.tasks)
	return out
}

type testAgents struct {
	advisor      *fakeAgent
	architecture *fakeAgent
	management   *fakeAgent
}

func newTestRegistry(agents testAgents) *AgentRegistry {
	r := DefaultAgentRegistry()
	set := func(id types.AgentID, a *fakeAgent) {
		endpoint := types.NotConfiguredSentinel
		if a != nil {
			endpoint = a.URL()
		}
		_ = r.SetEndpoint(string(id), endpoint)
	}
	set(types.AgentAdvisor, agents.advisor)
	set(types.AgentArchitecture, agents.architecture)
	set(types.AgentManagement, agents.management)
	return r
}

func newTestManager(agents testAgents, store SessionStore) *TaskManager {
	registry := newTestRegistry(agents)
	return NewTaskManager(
		registry,
		store,
		NewContinuationAnalyzer(WithFallback(nil, NewKeywordClassifier(), nil)),
		NewDispatcher(DispatcherConfig{MaxAttempts: 3, RetryDelay: time.Millisecond, Timeout: time.Second}, nil),
		nil,
	)
}

type recordingRecorder struct {
	mu      sync.Mutex
	records []TurnRecord
}

func (r *recordingRecorder) RecordTurn(record TurnRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, record)
}

func TestTaskManager_MissingPromptDoesNotTouchSessions(t *testing.T) {
	store := NewMemorySessionStore(0)
	m := newTestManager(testAgents{management: newFakeAgent(t)}, store)

	for _, req := range []TaskRequest{
		{SessionID: "s-1"},
		{Prompt: "   ", SessionID: "s-1"},
		{SessionID: "s-1", EndConversation: true},
	} {
		resp := m.Run(context.Background(), req)
		require.NotNil(t, resp)
		assert.Equal(t, StatusError, resp.Status)
		assert.Equal(t, ErrorTypeMalformedRequest, resp.ErrorType)
		assert.Nil(t, resp.Results)
	}
	assert.Equal(t, 0, store.Len())
}

func TestTaskManager_FirstTurnPersistsSession(t *testing.T) {
	store := NewMemorySessionStore(0)
	mgmt := newFakeAgent(t, `{"response":"What should the bucket be called?"}`)
	m := newTestManager(testAgents{management: mgmt}, store)

	resp := m.Run(context.Background(), TaskRequest{Prompt: "create a bucket", SessionID: "s-1", UserID: "u-1"})

	require.Equal(t, StatusSuccess, resp.Status, resp.Error)
	assert.Equal(t, "gcp_management_agent", resp.AgentCalled)
	assert.Equal(t, "s-1", resp.SessionID)
	assert.False(t, resp.IsContinuation)
	assert.Equal(t, types.TaskStatusInProgress, resp.TaskStatus)
	require.Contains(t, resp.Results, "gcp_management_agent")

	tasks := mgmt.Tasks()
	require.Len(t, tasks, 1)
	assert.Equal(t, "create a bucket", tasks[0].Prompt)
	assert.Equal(t, "u-1", tasks[0].UserID)
	require.NotNil(t, tasks[0].SessionContext)
	assert.Equal(t, "gcp_management_agent", tasks[0].SessionContext.ActiveAgent)
	assert.Len(t, tasks[0].SessionContext.ConversationHistory, 1)

	session, ok, err := store.Get(context.Background(), "s-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "gcp_management_agent", session.ActiveAgent)
	assert.Equal(t, "create a bucket", session.LastPrompt)
	assert.Equal(t, types.TaskStatusInProgress, session.TaskStatus)
	require.Len(t, session.ConversationHistory, 2)
	assert.Equal(t, "user", session.ConversationHistory[0].Role)
	assert.Equal(t, "assistant", session.ConversationHistory[1].Role)
	assert.Equal(t, "What should the bucket be called?", session.ConversationHistory[1].Content)
}

func TestTaskManager_ContinuationKeepsAgent(t *testing.T) {
	store := NewMemorySessionStore(0)
	mgmt := newFakeAgent(t, `{"response":"Which region?"}`)
	advisor := newFakeAgent(t)
	m := newTestManager(testAgents{management: mgmt, advisor: advisor}, store)
	ctx := context.Background()

	require.Equal(t, StatusSuccess, m.Run(ctx, TaskRequest{Prompt: "create a bucket", SessionID: "s-1"}).Status)

	resp := m.Run(ctx, TaskRequest{Prompt: "us-central1", SessionID: "s-1"})
	require.Equal(t, StatusSuccess, resp.Status, resp.Error)
	assert.True(t, resp.IsContinuation)
	assert.Equal(t, "gcp_management_agent", resp.AgentCalled)
	assert.Len(t, mgmt.Tasks(), 2)
	assert.Empty(t, advisor.Tasks())

	session, _, _ := store.Get(ctx, "s-1")
	assert.Len(t, session.ConversationHistory, 4)
}

func TestTaskManager_CompletionDeletesSession(t *testing.T) {
	store := NewMemorySessionStore(0)
	mgmt := newFakeAgent(t,
		`{"response":"Which region?"}`,
		`{"message":"Storage bucket 'media' created successfully"}`,
	)
	advisor := newFakeAgent(t)
	m := newTestManager(testAgents{management: mgmt, advisor: advisor}, store)
	ctx := context.Background()

	require.Equal(t, StatusSuccess, m.Run(ctx, TaskRequest{Prompt: "create a bucket named media", SessionID: "s-1"}).Status)

	resp := m.Run(ctx, TaskRequest{Prompt: "us-central1", SessionID: "s-1"})
	require.Equal(t, StatusSuccess, resp.Status)
	assert.Equal(t, types.TaskStatusCompleted, resp.TaskStatus)

	_, ok, err := store.Get(ctx, "s-1")
	require.NoError(t, err)
	assert.False(t, ok, "completed session must be deleted")

	// Next turn starts from scratch
	resp = m.Run(ctx, TaskRequest{Prompt: "hello there", SessionID: "s-1"})
	require.Equal(t, StatusSuccess, resp.Status)
	assert.False(t, resp.IsContinuation)
	assert.Equal(t, "gcp_advisor_agent", resp.AgentCalled)

	tasks := advisor.Tasks()
	require.Len(t, tasks, 1)
	assert.Len(t, tasks[0].SessionContext.ConversationHistory, 1)
}

func TestTaskManager_ConfigurationErrorLeavesSessionUntouched(t *testing.T) {
	store := NewMemorySessionStore(0)
	m := newTestManager(testAgents{advisor: newFakeAgent(t)}, store)
	ctx := context.Background()

	existing := &Session{
		SessionID:   "s-1",
		ActiveAgent: "gcp_advisor_agent",
		LastPrompt:  "what does storage cost",
		TaskStatus:  types.TaskStatusInProgress,
		ConversationHistory: []Turn{
			{Role: "user", Content: "what does storage cost"},
		},
	}
	require.NoError(t, store.Put(ctx, "s-1", existing))

	resp := m.Run(ctx, TaskRequest{Prompt: "delete my database", SessionID: "s-1"})
	assert.Equal(t, StatusError, resp.Status)
	assert.Equal(t, ErrorTypeConfiguration, resp.ErrorType)
	assert.Equal(t, "gcp_management_agent", resp.AgentCalled)
	assert.Contains(t, resp.Error, "not configured")

	session, ok, _ := store.Get(ctx, "s-1")
	require.True(t, ok)
	assert.Equal(t, "gcp_advisor_agent", session.ActiveAgent)
	assert.Equal(t, "what does storage cost", session.LastPrompt)
	assert.Len(t, session.ConversationHistory, 1)
}

func TestTaskManager_DispatchFailureKeepsSession(t *testing.T) {
	store := NewMemorySessionStore(0)
	mgmt := newFakeAgent(t, `{"error":"internal"}`)
	mgmt.status = http.StatusInternalServerError
	m := newTestManager(testAgents{management: mgmt}, store)
	ctx := context.Background()

	resp := m.Run(ctx, TaskRequest{Prompt: "create a bucket", SessionID: "s-1"})
	assert.Equal(t, StatusError, resp.Status)
	assert.Equal(t, ErrorTypeDispatchFailure, resp.ErrorType)
	assert.True(t, resp.ConnectionFailed)
	assert.Equal(t, mgmt.URL(), resp.Endpoint)
	assert.Nil(t, resp.Results)
	assert.Len(t, mgmt.Tasks(), 3)

	session, ok, _ := store.Get(ctx, "s-1")
	require.True(t, ok, "session must survive a dispatch failure")
	assert.Equal(t, "gcp_management_agent", session.ActiveAgent)
	assert.Equal(t, "create a bucket", session.LastPrompt)
}

func TestTaskManager_EndConversation(t *testing.T) {
	store := NewMemorySessionStore(0)
	mgmt := newFakeAgent(t)
	m := newTestManager(testAgents{management: mgmt}, store)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "s-1", &Session{SessionID: "s-1", ActiveAgent: "gcp_management_agent"}))

	resp := m.Run(ctx, TaskRequest{Prompt: "bye", SessionID: "s-1", EndConversation: true})
	assert.Equal(t, StatusSuccess, resp.Status)
	assert.Equal(t, types.TaskStatusCompleted, resp.TaskStatus)
	assert.Empty(t, mgmt.Tasks())

	_, ok, _ := store.Get(ctx, "s-1")
	assert.False(t, ok)

	// Ending an absent conversation is not an error
	assert.Equal(t, StatusSuccess, m.EndConversation(ctx, "nobody").Status)
}

func TestResolveSessionID(t *testing.T) {
	assert.Equal(t, "s-1", ResolveSessionID(TaskRequest{SessionID: "s-1", UserID: "u-1"}))
	assert.Equal(t, "u-1", ResolveSessionID(TaskRequest{UserID: "u-1"}))
	assert.Equal(t, DefaultSessionID, ResolveSessionID(TaskRequest{SessionID: "  "}))
}

func TestTaskManager_UserIDFromContext(t *testing.T) {
	store := NewMemorySessionStore(0)
	advisor := newFakeAgent(t)
	m := newTestManager(testAgents{advisor: advisor}, store)

	resp := m.Run(withUserID(context.Background(), "alice"), TaskRequest{Prompt: "what is pub/sub"})
	require.Equal(t, StatusSuccess, resp.Status)
	assert.Equal(t, "alice", resp.SessionID)
	assert.Equal(t, "alice", advisor.Tasks()[0].UserID)
}

func TestTaskManager_FanOut(t *testing.T) {
	store := NewMemorySessionStore(0)
	advisor := newFakeAgent(t, `{"response":"Use Cloud Storage"}`)
	arch := newFakeAgent(t)
	arch.status = http.StatusBadGateway
	m := newTestManager(testAgents{advisor: advisor, architecture: arch}, store)

	resp := m.Run(context.Background(), TaskRequest{
		Prompt:    "compare storage options",
		SessionID: "s-1",
		Agents:    []string{"gcp_advisor_agent", "architecture_agent", "gcp_management_agent", "gcp_advisor_agent"},
	})

	require.Equal(t, StatusSuccess, resp.Status)
	assert.Equal(t, []string{"gcp_advisor_agent", "architecture_agent", "gcp_management_agent"}, resp.AgentsCalled)
	require.Len(t, resp.Results, 3)
	assert.Equal(t, "Use Cloud Storage", resp.Results["gcp_advisor_agent"].(map[string]interface{})["response"])

	archResult := resp.Results["architecture_agent"].(map[string]interface{})
	assert.Equal(t, StatusError, archResult["status"])
	assert.Equal(t, true, archResult["connection_failed"])

	mgmtResult := resp.Results["gcp_management_agent"].(map[string]interface{})
	assert.Equal(t, ErrorTypeConfiguration, mgmtResult["error_type"])

	assert.Len(t, advisor.Tasks(), 1)
}

func TestTaskManager_FanOutAllFailed(t *testing.T) {
	store := NewMemorySessionStore(0)
	arch := newFakeAgent(t)
	arch.status = http.StatusInternalServerError
	m := newTestManager(testAgents{architecture: arch}, store)

	resp := m.Run(context.Background(), TaskRequest{Prompt: "x", SessionID: "s-1", Agents: []string{"architecture_agent"}})
	assert.Equal(t, StatusError, resp.Status)
	assert.Equal(t, ErrorTypeDispatchFailure, resp.ErrorType)

	resp = m.Run(context.Background(), TaskRequest{Prompt: "x", SessionID: "s-2", Agents: []string{"unknown_agent"}})
	assert.Equal(t, StatusError, resp.Status)
	assert.Equal(t, ErrorTypeConfiguration, resp.ErrorType)
	_, ok, _ := store.Get(context.Background(), "s-2")
	assert.False(t, ok)
}

// failingStore errors on every call
type failingStore struct{}

func (failingStore) Get(ctx context.Context, id string) (*Session, bool, error) {
	return nil, false, errors.New("store down")
}
func (failingStore) Put(ctx context.Context, id string, s *Session) error { return errors.New("store down") }
func (failingStore) Delete(ctx context.Context, id string) error { return errors.New("store down") }
func (failingStore) Name() string { return "failing" }

func TestTaskManager_StoreFailuresDoNotFailTurn(t *testing.T) {
	m := newTestManager(testAgents{management: newFakeAgent(t)}, failingStore{})

	resp := m.Run(context.Background(), TaskRequest{Prompt: "create a bucket", SessionID: "s-1"})
	assert.Equal(t, StatusSuccess, resp.Status)
	assert.Equal(t, "gcp_management_agent", resp.AgentCalled)
}

type panickingDetector struct{}

func (panickingDetector) LooksCompleted(map[string]interface{}) bool { panic("detector bug") }

func TestTaskManager_RecoversFromPanic(t *testing.T) {
	m := newTestManager(testAgents{management: newFakeAgent(t)}, NewMemorySessionStore(0)).
		WithCompletionDetector(panickingDetector{})

	resp := m.Run(context.Background(), TaskRequest{Prompt: "create a bucket", SessionID: "s-1"})
	require.NotNil(t, resp)
	assert.Equal(t, StatusError, resp.Status)
	assert.Equal(t, ErrorTypeInternal, resp.ErrorType)
}

func TestTaskManager_RecordsTurns(t *testing.T) {
	recorder := &recordingRecorder{}
	metrics := NewMetricsCollector()
	m := newTestManager(testAgents{management: newFakeAgent(t)}, NewMemorySessionStore(0)).
		WithRecorder(recorder).
		WithMetrics(metrics)

	ctx := WithRequestID(context.Background(), "req-1")
	m.Run(ctx, TaskRequest{Prompt: "create a bucket", SessionID: "s-1"})
	m.Run(ctx, TaskRequest{SessionID: "s-1"})

	require.Len(t, recorder.records, 2)
	assert.Equal(t, "req-1", recorder.records[0].RequestID)
	assert.Equal(t, "gcp_management_agent", recorder.records[0].Agent)
	assert.Equal(t, PathClassified, recorder.records[0].Path)
	assert.Equal(t, StatusSuccess, recorder.records[0].Status)
	assert.Equal(t, ErrorTypeMalformedRequest, recorder.records[1].ErrorType)

	snap := metrics.Snapshot()
	assert.Equal(t, int64(2), snap.TotalTurns)
	assert.Equal(t, int64(1), snap.SuccessTurns)
	assert.Equal(t, int64(1), snap.Agents["gcp_management_agent"].Turns)
}

func TestTaskManager_ConcurrentSessions(t *testing.T) {
	store := NewMemorySessionStore(0)
	m := newTestManager(testAgents{management: newFakeAgent(t, `{"response":"Which region?"}`)}, store)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := "s-" + string(rune('a'+i))
			resp := m.Run(context.Background(), TaskRequest{Prompt: "create a bucket", SessionID: id})
			assert.Equal(t, StatusSuccess, resp.Status)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 20, store.Len())
}

func TestTaskManager_FanOutUnknownAgentsStayOutOfMetrics(t *testing.T) {
	store := NewMemorySessionStore(0)
	advisor := newFakeAgent(t)
	metrics := NewMetricsCollector()
	m := newTestManager(testAgents{advisor: advisor}, store).WithMetrics(metrics)

	for i := 0; i < 50; i++ {
		bogus := fmt.Sprintf("bogus-%d", i)
		resp := m.Run(context.Background(), TaskRequest{Prompt: "x", SessionID: "s-1", Agents: []string{bogus}})
		require.Equal(t, StatusError, resp.Status)
		assert.Empty(t, resp.AgentCalled)
		assert.Contains(t, resp.Results, bogus, "unknown ids are still reported per agent")
	}

	resp := m.Run(context.Background(), TaskRequest{Prompt: "x", SessionID: "s-2", Agents: []string{"gcp_advisor_agent", "bogus-x"}})
	require.Equal(t, StatusSuccess, resp.Status)
	assert.Equal(t, []string{"gcp_advisor_agent"}, resp.AgentsCalled)
	assert.Contains(t, resp.Results, "bogus-x")

	snap := metrics.Snapshot()
	assert.Equal(t, int64(51), snap.TotalTurns)
	assert.Len(t, snap.Agents, 1)
	assert.Contains(t, snap.Agents, "gcp_advisor_agent")
}
